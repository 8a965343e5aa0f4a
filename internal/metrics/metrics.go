// Package metrics provides Prometheus metrics for obsbridge.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "obsbridge"

// Metrics holds all Prometheus metrics for the relay. All methods are
// safe to call on a nil receiver, so components can be wired without
// caring whether metrics are enabled.
type Metrics struct {
	Registry *prometheus.Registry

	messagesTotal     *prometheus.CounterVec
	statusTotal       *prometheus.CounterVec
	forwardErrors     *prometheus.CounterVec
	activeConnections prometheus.Gauge
	rooms             prometheus.Gauge
}

// New creates a Metrics instance with a custom Prometheus registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		messagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Total envelopes routed by the relay, by message kind.",
		}, []string{"kind"}),

		statusTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_responses_total",
			Help:      "Total status responses sent, by status code.",
		}, []string{"code"}),

		forwardErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forward_errors_total",
			Help:      "Total envelope forwards that failed because the peer was gone.",
		}, []string{"kind"}),

		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Number of currently open relay connections.",
		}),

		rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rooms",
			Help:      "Number of rooms ever subscribed to in this process.",
		}),
	}

	reg.MustRegister(
		m.messagesTotal,
		m.statusTotal,
		m.forwardErrors,
		m.activeConnections,
		m.rooms,
	)
	return m
}

// MessageRouted counts one routed envelope of the given kind.
func (m *Metrics) MessageRouted(kind string) {
	if m == nil {
		return
	}
	m.messagesTotal.WithLabelValues(kind).Inc()
}

// StatusSent counts one status response with the given code.
func (m *Metrics) StatusSent(code int) {
	if m == nil {
		return
	}
	m.statusTotal.WithLabelValues(statusLabel(code)).Inc()
}

// ForwardError counts a failed forward of the given envelope kind.
func (m *Metrics) ForwardError(kind string) {
	if m == nil {
		return
	}
	m.forwardErrors.WithLabelValues(kind).Inc()
}

// ConnectionOpened increments the active connection gauge.
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.activeConnections.Inc()
}

// ConnectionClosed decrements the active connection gauge.
func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.activeConnections.Dec()
}

// SetRooms records the current room count.
func (m *Metrics) SetRooms(n int) {
	if m == nil {
		return
	}
	m.rooms.Set(float64(n))
}

func statusLabel(code int) string {
	switch code {
	case 200:
		return "200"
	case 400:
		return "400"
	case 401:
		return "401"
	case 409:
		return "409"
	default:
		return "other"
	}
}
