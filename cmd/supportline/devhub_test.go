package main

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/zulandar/supportline/internal/config"
	"github.com/zulandar/supportline/internal/db"
	"github.com/zulandar/supportline/internal/devhub"
)

type testHub struct {
	srv *httptest.Server
	db  *gorm.DB
	reg *prometheus.Registry
}

func startTestHub(t *testing.T) *testHub {
	t.Helper()
	gdb, err := db.Connect(config.DatabaseConfig{Driver: "sqlite", Path: ":memory:"})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(gdb))

	reg := prometheus.NewRegistry()
	s, err := devhub.New(devhub.Opts{
		DB:       gdb,
		Registry: reg,
		Users: []config.UserConfig{
			{Token: "tok-alice", ID: "alice", Name: "Alice", Role: "customer"},
			{Token: "tok-sam", ID: "sam", Name: "Sam", Role: "agent"},
		},
	})
	require.NoError(t, err)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &testHub{srv: srv, db: gdb, reg: reg}
}

// invocations sums the hub's handled invocations of target.
func (h *testHub) invocations(t *testing.T, target string) float64 {
	t.Helper()
	families, err := h.reg.Gather()
	require.NoError(t, err)
	var n float64
	for _, mf := range families {
		if mf.GetName() != "supportline_devhub_invocations_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "target" && l.GetValue() == target {
					n += m.GetCounter().GetValue()
				}
			}
		}
	}
	return n
}

func (h *testHub) config(t *testing.T, token string) string {
	t.Helper()
	hubURL := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/hubs/support-chat"
	return writeConfig(t, hubURL, h.srv.URL+"/api", token)
}
