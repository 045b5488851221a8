package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the client-side prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	state       prometheus.Gauge
	reconnects  prometheus.Counter
	inbound     *prometheus.CounterVec
	invocations *prometheus.CounterVec
	duplicates  prometheus.Counter
}

// NewMetrics registers the session collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		state: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "supportline",
			Subsystem: "session",
			Name:      "connection_state",
			Help:      "Hub connection state (0 disconnected, 1 connecting, 2 connected, 3 reconnecting).",
		}),
		reconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: "supportline",
			Subsystem: "session",
			Name:      "reconnects_total",
			Help:      "Successful automatic reconnects.",
		}),
		inbound: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "supportline",
			Subsystem: "session",
			Name:      "inbound_events_total",
			Help:      "Hub events received, by event name.",
		}, []string{"event"}),
		invocations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "supportline",
			Subsystem: "session",
			Name:      "invocations_total",
			Help:      "Hub commands issued, by target and result.",
		}, []string{"target", "result"}),
		duplicates: f.NewCounter(prometheus.CounterOpts{
			Namespace: "supportline",
			Subsystem: "session",
			Name:      "duplicate_messages_total",
			Help:      "Inbound messages dropped because their id was already applied.",
		}),
	}
}

func (m *Metrics) setState(s ConnState) {
	if m == nil {
		return
	}
	m.state.Set(float64(s))
}

func (m *Metrics) reconnected() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) event(name string) {
	if m == nil {
		return
	}
	m.inbound.WithLabelValues(name).Inc()
}

func (m *Metrics) invocation(target, result string) {
	if m == nil {
		return
	}
	m.invocations.WithLabelValues(target, result).Inc()
}

func (m *Metrics) duplicate() {
	if m == nil {
		return
	}
	m.duplicates.Inc()
}
