package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// relayMetrics groups the relay's Prometheus collectors. Each handler owns
// its registry so tests can build many handlers in one process.
type relayMetrics struct {
	registry *prometheus.Registry
	active   prometheus.Gauge
	relayed  prometheus.Counter
	closed   *prometheus.CounterVec
	rejected *prometheus.CounterVec
}

func newRelayMetrics() *relayMetrics {
	m := &relayMetrics{
		registry: prometheus.NewRegistry(),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatrelay",
			Subsystem: "relay",
			Name:      "active_connections",
			Help:      "WebSocket connections currently open.",
		}),
		relayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatrelay",
			Subsystem: "relay",
			Name:      "messages_relayed_total",
			Help:      "Messages written back to their connection.",
		}),
		closed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatrelay",
			Subsystem: "relay",
			Name:      "connections_closed_total",
			Help:      "Closed WebSocket connections by reason.",
		}, []string{"reason"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatrelay",
			Subsystem: "relay",
			Name:      "frames_rejected_total",
			Help:      "Inbound frames answered with an error frame, by code.",
		}, []string{"code"}),
	}
	m.registry.MustRegister(m.active, m.relayed, m.closed, m.rejected)
	return m
}

func (m *relayMetrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
