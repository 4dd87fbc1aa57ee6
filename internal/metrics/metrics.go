// Package metrics holds the Prometheus collectors exported by chatd.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the server collectors behind one registry.
type Metrics struct {
	registry *prometheus.Registry

	Connections     prometheus.Gauge
	OnlineUsers     prometheus.Gauge
	MessagesSent    prometheus.Counter
	SendsRejected   *prometheus.CounterVec
	Pushes          *prometheus.CounterVec
	StatusAdvances  *prometheus.CounterVec
	EventsDropped   *prometheus.CounterVec
	SessionsExpired prometheus.Counter
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatd",
			Name:      "ws_connections",
			Help:      "Open WebSocket connections.",
		}),
		OnlineUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatd",
			Name:      "online_users",
			Help:      "Users with at least one registered session.",
		}),
		MessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatd",
			Name:      "messages_persisted_total",
			Help:      "Messages accepted and persisted.",
		}),
		SendsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatd",
			Name:      "sends_rejected_total",
			Help:      "Sends declined before persistence.",
		}, []string{"reason"}),
		Pushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatd",
			Name:      "pushes_total",
			Help:      "Events enqueued to live sessions.",
		}, []string{"type"}),
		StatusAdvances: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatd",
			Name:      "status_advances_total",
			Help:      "Message status transitions applied.",
		}, []string{"status"}),
		EventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatd",
			Name:      "events_dropped_total",
			Help:      "Inbound or outbound events dropped.",
		}, []string{"reason"}),
		SessionsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatd",
			Name:      "sessions_expired_total",
			Help:      "Sessions evicted for missing heartbeats.",
		}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Connections,
		m.OnlineUsers,
		m.MessagesSent,
		m.SendsRejected,
		m.Pushes,
		m.StatusAdvances,
		m.EventsDropped,
		m.SessionsExpired,
	)
	return m
}

// Registry exposes the underlying registry for gathering in tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
