// Package metrics holds the prometheus collectors for event distribution and
// the WebSocket surface. A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "gochat"

// Metrics groups the collectors shared by the bus, sessions and server.
type Metrics struct {
	published       *prometheus.CounterVec
	handlerPanics   prometheus.Counter
	subscribeDenied prometheus.Counter
	sessionOverflow prometheus.Counter
	messagesCreated prometheus.Counter
	sessionsActive  prometheus.Gauge
	wsConnections   prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "published_total",
			Help:      "Events published on the bus, by topic scope.",
		}, []string{"scope"}),
		handlerPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "handler_panics_total",
			Help:      "Handler panics recovered during dispatch.",
		}),
		subscribeDenied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscribe_denied_total",
			Help:      "Subscribe requests rejected by the membership gate.",
		}),
		sessionOverflow: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_overflow_total",
			Help:      "Sessions closed because their consumer fell behind.",
		}),
		messagesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_created_total",
			Help:      "Messages persisted and published.",
		}),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Open subscription sessions.",
		}),
		wsConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_connections",
			Help:      "Registered WebSocket connections.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.published,
			m.handlerPanics,
			m.subscribeDenied,
			m.sessionOverflow,
			m.messagesCreated,
			m.sessionsActive,
			m.wsConnections,
		)
	}
	return m
}

// Published counts one publish for the given scope ("thread" or "global").
func (m *Metrics) Published(scope string) {
	if m == nil {
		return
	}
	m.published.WithLabelValues(scope).Inc()
}

func (m *Metrics) HandlerPanic() {
	if m == nil {
		return
	}
	m.handlerPanics.Inc()
}

func (m *Metrics) SubscribeDenied() {
	if m == nil {
		return
	}
	m.subscribeDenied.Inc()
}

func (m *Metrics) SessionOverflow() {
	if m == nil {
		return
	}
	m.sessionOverflow.Inc()
}

func (m *Metrics) MessageCreated() {
	if m == nil {
		return
	}
	m.messagesCreated.Inc()
}

// SessionOpened and SessionClosed must be called in pairs.
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessionsActive.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
}

// SetConnections reports the hub's current connection count.
func (m *Metrics) SetConnections(n int) {
	if m == nil {
		return
	}
	m.wsConnections.Set(float64(n))
}
