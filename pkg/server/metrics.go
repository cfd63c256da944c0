package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the prometheus instruments for the relay. Each server
// owns its registry so tests can construct servers independently without
// duplicate-registration panics.
type Metrics struct {
	registry *prometheus.Registry

	activeSessions    prometheus.Gauge
	sessionsTotal     prometheus.Counter
	sessionsClosed    prometheus.Counter
	messagesPosted    prometheus.Counter
	broadcastsTotal   prometheus.Counter
	broadcastFanout   prometheus.Histogram
	deliveriesDropped prometheus.Counter
	controlFrameErrs  prometheus.Counter
	httpRequests      *prometheus.CounterVec
}

// NewMetrics creates the full instrument set on a fresh registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chattoy_active_sessions",
			Help: "Number of currently open push connections",
		}),
		sessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "chattoy_sessions_total",
			Help: "Total push connections accepted",
		}),
		sessionsClosed: factory.NewCounter(prometheus.CounterOpts{
			Name: "chattoy_sessions_closed_total",
			Help: "Total push connections torn down",
		}),
		messagesPosted: factory.NewCounter(prometheus.CounterOpts{
			Name: "chattoy_messages_posted_total",
			Help: "Messages appended via the REST surface",
		}),
		broadcastsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "chattoy_broadcasts_total",
			Help: "Fan-out dispatches triggered by message appends",
		}),
		broadcastFanout: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "chattoy_broadcast_fanout_size",
			Help:    "Number of subscribers per fan-out dispatch",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		deliveriesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "chattoy_deliveries_dropped_total",
			Help: "Events dropped because a connection's send buffer was full",
		}),
		controlFrameErrs: factory.NewCounter(prometheus.CounterOpts{
			Name: "chattoy_control_frame_errors_total",
			Help: "Malformed or rejected control frames on push connections",
		}),
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chattoy_http_requests_total",
			Help: "REST requests by method and status",
		}, []string{"method", "status"}),
	}
}

// Registry exposes the underlying registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) RecordActiveSessions(count int) {
	m.activeSessions.Set(float64(count))
}

func (m *Metrics) RecordSessionCreated() {
	m.sessionsTotal.Inc()
}

func (m *Metrics) RecordSessionClosed() {
	m.sessionsClosed.Inc()
}

func (m *Metrics) RecordMessagePosted() {
	m.messagesPosted.Inc()
}

func (m *Metrics) RecordBroadcast(fanout int) {
	m.broadcastsTotal.Inc()
	m.broadcastFanout.Observe(float64(fanout))
}

func (m *Metrics) RecordDeliveryDropped() {
	m.deliveriesDropped.Inc()
}

func (m *Metrics) RecordControlFrameError() {
	m.controlFrameErrs.Inc()
}

func (m *Metrics) RecordHTTPRequest(method, status string) {
	m.httpRequests.WithLabelValues(method, status).Inc()
}
