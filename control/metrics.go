// control/metrics.go
// Author: momentics <momentics@gmail.com>
//
// Prometheus collectors for the reactor, kept on a private registry so
// several reactors (and tests) can live in one process.

package control

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "hioload"

// Metrics groups every reactor collector.
type Metrics struct {
	registry *prometheus.Registry

	Connections     *prometheus.GaugeVec
	Accepted        prometheus.Counter
	Closed          *prometheus.CounterVec
	BytesIn         prometheus.Counter
	BytesOut        prometheus.Counter
	Frames          *prometheus.CounterVec
	ProtocolErrors  *prometheus.CounterVec
	Requests        *prometheus.CounterVec
	HandoffLatency  *prometheus.HistogramVec
	HandoffTimeouts prometheus.Counter
	Garbage         prometheus.Gauge
	Published       *prometheus.CounterVec
}

// NewMetrics creates and registers the collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Open sockets by layer.",
		}, []string{"layer"}),
		Accepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "accepted_total",
			Help:      "Accepted connections.",
		}),
		Closed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "closed_total",
			Help:      "Closed connections by reason.",
		}, []string{"reason"}),
		BytesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "received_bytes_total",
			Help:      "Bytes read from sockets.",
		}),
		BytesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sent_bytes_total",
			Help:      "Bytes written to sockets.",
		}),
		Frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "Inbound WebSocket messages by opcode.",
		}, []string{"opcode"}),
		ProtocolErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_errors_total",
			Help:      "Malformed or oversized input by layer.",
		}, []string{"layer"}),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP responses by status code.",
		}, []string{"status"}),
		HandoffLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handoff_seconds",
			Help:      "Time the reactor waited on business handlers.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 16),
		}, []string{"kind"}),
		HandoffTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handoff_timeouts_total",
			Help:      "Handoffs abandoned after the timeout.",
		}),
		Garbage: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "garbage_sockets",
			Help:      "Disposed sockets still referenced by a worker.",
		}),
		Published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "published_total",
			Help:      "Pub/sub publications by origin.",
		}, []string{"origin"}),
	}
	m.registry.MustRegister(
		m.Connections, m.Accepted, m.Closed, m.BytesIn, m.BytesOut, m.Frames,
		m.ProtocolErrors, m.Requests, m.HandoffLatency, m.HandoffTimeouts, m.Garbage, m.Published,
	)
	return m
}

// Registry exposes the underlying registry, e.g. to add process collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveHandoff records how long a handoff of kind took.
func (m *Metrics) ObserveHandoff(kind string, started time.Time) {
	m.HandoffLatency.WithLabelValues(kind).Observe(time.Since(started).Seconds())
}
