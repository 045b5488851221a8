package devhub

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
	"gorm.io/gorm"

	"github.com/zulandar/supportline/internal/api"
	"github.com/zulandar/supportline/internal/clock"
	"github.com/zulandar/supportline/internal/config"
	"github.com/zulandar/supportline/internal/db"
	"github.com/zulandar/supportline/internal/hub"
	"github.com/zulandar/supportline/internal/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const waitFor = 3 * time.Second

var t0 = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

var testUsers = []config.UserConfig{
	{Token: "tok-alice", ID: "alice", Name: "Alice", Role: "customer"},
	{Token: "tok-bob", ID: "bob", Name: "Bob", Role: "customer"},
	{Token: "tok-sam", ID: "sam", Name: "Sam", Role: "agent"},
}

type fixture struct {
	srv      *Server
	http     *httptest.Server
	db       *gorm.DB
	clock    *clock.FakeClock
	notifier *recordingNotifier
	registry *prometheus.Registry
}

func newFixture(t *testing.T, mutate ...func(*Opts)) *fixture {
	t.Helper()
	gdb, err := db.Connect(config.DatabaseConfig{Driver: "sqlite", Path: ":memory:"})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(gdb))

	f := &fixture{
		db:       gdb,
		clock:    clock.Fake(t0),
		notifier: &recordingNotifier{},
		registry: prometheus.NewRegistry(),
	}
	opts := Opts{
		DB:           gdb,
		Users:        testUsers,
		Notifier:     f.notifier,
		Registry:     f.registry,
		Clock:        f.clock,
		PingInterval: time.Second,
	}
	for _, m := range mutate {
		m(&opts)
	}
	f.srv, err = New(opts)
	require.NoError(t, err)
	f.http = httptest.NewServer(f.srv.Handler())
	t.Cleanup(func() {
		f.srv.hub.closeAll()
		f.http.Close()
	})
	return f
}

func (f *fixture) hubURL() string {
	return "ws" + strings.TrimPrefix(f.http.URL, "http") + "/hubs/support-chat"
}

func (f *fixture) apiClient(t *testing.T, token string) *api.Client {
	t.Helper()
	c, err := api.NewClient(api.ClientOpts{
		BaseURL:    f.http.URL + "/api",
		Tokens:     oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}),
		HTTPClient: f.http.Client(),
	})
	require.NoError(t, err)
	return c
}

// request sends a raw JSON request and decodes the envelope.
func (f *fixture) request(t *testing.T, method, path, token string, body any) (int, api.Envelope[jsoniter.RawMessage]) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		buf.Write(b)
	}
	req, err := http.NewRequest(method, f.http.URL+path, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := f.http.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env api.Envelope[jsoniter.RawMessage]
	_ = json.NewDecoder(resp.Body).Decode(&env)
	return resp.StatusCode, env
}

func (f *fixture) create(t *testing.T, token, subject, initial string) *models.Conversation {
	t.Helper()
	c, err := f.apiClient(t, token).CreateConversation(context.Background(), subject, initial)
	require.NoError(t, err)
	return c
}

// hubClient is a raw hub connection that sorts incoming frames into
// completions and events.
type hubClient struct {
	t           *testing.T
	conn        hub.Conn
	seq         atomic.Int64
	completions chan hub.Frame
	events      chan hub.Frame
}

func (f *fixture) dial(t *testing.T, token string) *hubClient {
	t.Helper()
	d, err := hub.NewWSDialer(hub.WSDialerOpts{URL: f.hubURL()})
	require.NoError(t, err)
	before := f.srv.hub.clientCount()
	conn, err := d.Dial(context.Background(), token)
	require.NoError(t, err)

	c := &hubClient{
		t:           t,
		conn:        conn,
		completions: make(chan hub.Frame, 64),
		events:      make(chan hub.Frame, 64),
	}
	go func() {
		for {
			fr, err := conn.ReadFrame()
			if err != nil {
				return
			}
			switch fr.Type {
			case hub.FrameCompletion:
				c.completions <- fr
			case hub.FrameEvent:
				c.events <- fr
			}
		}
	}()
	t.Cleanup(func() { conn.Close() })
	require.Eventually(t, func() bool { return f.srv.hub.clientCount() > before }, waitFor, 5*time.Millisecond)
	return c
}

// invoke sends a command and returns the completion error text ("" on
// success).
func (c *hubClient) invoke(target string, args ...any) string {
	c.t.Helper()
	id := fmt.Sprintf("inv-%d", c.seq.Add(1))
	fr, err := hub.NewInvocation(id, target, args...)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteFrame(context.Background(), fr))
	select {
	case done := <-c.completions:
		require.Equal(c.t, id, done.InvocationID)
		return done.Error
	case <-time.After(waitFor):
		c.t.Fatalf("timed out waiting for %s completion", target)
		return ""
	}
}

func (c *hubClient) nextEvent() hub.Frame {
	c.t.Helper()
	select {
	case fr := <-c.events:
		return fr
	case <-time.After(waitFor):
		c.t.Fatal("timed out waiting for hub event")
		return hub.Frame{}
	}
}

func (c *hubClient) expectEvent(target string) hub.Frame {
	c.t.Helper()
	fr := c.nextEvent()
	require.Equal(c.t, target, fr.Target)
	return fr
}

func (c *hubClient) expectNoEvent(within time.Duration) {
	c.t.Helper()
	select {
	case fr := <-c.events:
		c.t.Fatalf("unexpected event %s", fr.Target)
	case <-time.After(within):
	}
}

type recordingNotifier struct {
	mu      sync.Mutex
	created []models.Conversation
	closed  []models.Conversation
}

func (n *recordingNotifier) NewConversation(_ context.Context, c models.Conversation) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.created = append(n.created, c)
	return nil
}

func (n *recordingNotifier) ConversationClosed(_ context.Context, c models.Conversation) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = append(n.closed, c)
	return nil
}

func (n *recordingNotifier) counts() (created, closed int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.created), len(n.closed)
}
