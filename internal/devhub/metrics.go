package devhub

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	clients     prometheus.Gauge
	invocations *prometheus.CounterVec
	messages    prometheus.Counter
	autoClosed  prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		clients: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "supportline",
			Subsystem: "devhub",
			Name:      "connected_clients",
			Help:      "Open hub websocket connections.",
		}),
		invocations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "supportline",
			Subsystem: "devhub",
			Name:      "invocations_total",
			Help:      "Hub invocations handled, by target and result.",
		}, []string{"target", "result"}),
		messages: f.NewCounter(prometheus.CounterOpts{
			Namespace: "supportline",
			Subsystem: "devhub",
			Name:      "messages_total",
			Help:      "Chat messages persisted.",
		}),
		autoClosed: f.NewCounter(prometheus.CounterOpts{
			Namespace: "supportline",
			Subsystem: "devhub",
			Name:      "auto_closed_total",
			Help:      "Resolved conversations closed by the auto-close job.",
		}),
	}
}
