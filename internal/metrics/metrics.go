// Package metrics exposes Prometheus collectors for the chat server.
// A nil *Metrics is valid and records nothing.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics groups the server's collectors.
type Metrics struct {
	connections       prometheus.Gauge
	pending           prometheus.Gauge
	identities        prometheus.Gauge
	routed            *prometheus.CounterVec
	rejected          *prometheus.CounterVec
	malformed         prometheus.Counter
	persistFailures   prometheus.Counter
	outboxDrops       prometheus.Counter
	logins            *prometheus.CounterVec
	historyDeliveries *prometheus.CounterVec
}

// New registers every collector on reg (DefaultRegisterer when nil).
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chat_connections_active",
			Help: "Registered socket connections, pending included.",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chat_connections_pending",
			Help: "Connections waiting for an in-band login.",
		}),
		identities: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chat_identities_online",
			Help: "Distinct identities with at least one authenticated connection.",
		}),
		routed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_messages_routed_total",
			Help: "Messages persisted and fanned out, by scope.",
		}, []string{"scope"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_messages_rejected_total",
			Help: "Inbound messages dropped before persistence, by reason.",
		}, []string{"reason"}),
		malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_frames_malformed_total",
			Help: "Inbound frames that failed to decode.",
		}),
		persistFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_persist_failures_total",
			Help: "Messages that could not be stored and were not delivered.",
		}),
		outboxDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_outbox_drops_total",
			Help: "Frames dropped because a connection's send buffer was full.",
		}),
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_logins_total",
			Help: "Session establishment events, by method.",
		}, []string{"method"}),
		historyDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_history_deliveries_total",
			Help: "History frames delivered, by scope.",
		}, []string{"scope"}),
	}

	reg.MustRegister(
		m.connections,
		m.pending,
		m.identities,
		m.routed,
		m.rejected,
		m.malformed,
		m.persistFailures,
		m.outboxDrops,
		m.logins,
		m.historyDeliveries,
	)
	return m
}

// SetConnections records the registry snapshot.
func (m *Metrics) SetConnections(total, pending, identities int) {
	if m == nil {
		return
	}
	m.connections.Set(float64(total))
	m.pending.Set(float64(pending))
	m.identities.Set(float64(identities))
}

func (m *Metrics) MessageRouted(scope string) {
	if m == nil {
		return
	}
	m.routed.WithLabelValues(scope).Inc()
}

func (m *Metrics) MessageRejected(reason string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) MalformedFrame() {
	if m == nil {
		return
	}
	m.malformed.Inc()
}

func (m *Metrics) PersistFailure() {
	if m == nil {
		return
	}
	m.persistFailures.Inc()
}

func (m *Metrics) OutboxDrop() {
	if m == nil {
		return
	}
	m.outboxDrops.Inc()
}

// Login counts a session minted via method ("socket", "register", "login").
func (m *Metrics) Login(method string) {
	if m == nil {
		return
	}
	m.logins.WithLabelValues(method).Inc()
}

func (m *Metrics) HistoryDelivered(scope string) {
	if m == nil {
		return
	}
	m.historyDeliveries.WithLabelValues(scope).Inc()
}
