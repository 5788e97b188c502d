package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the server's Prometheus collectors. Each instance owns its
// registry so several servers can run in one process (tests). All methods
// are safe on a nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry

	activeSessions   prometheus.Gauge
	sessionsCreated  *prometheus.CounterVec
	sessionsClosed   *prometheus.CounterVec
	linesReceived    *prometheus.CounterVec
	linesDelivered   prometheus.Counter
	deliveryFailures prometheus.Counter
	evictions        prometheus.Counter
	groups           prometheus.Gauge
	fanout           prometheus.Histogram
}

// NewMetrics creates and registers all collectors
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relaychat_active_sessions",
			Help: "Number of connected sessions",
		}),
		sessionsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaychat_sessions_created_total",
			Help: "Total number of sessions accepted, by transport",
		}, []string{"transport"}),
		sessionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaychat_sessions_closed_total",
			Help: "Total number of sessions closed, by reason",
		}, []string{"reason"}),
		linesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaychat_lines_received_total",
			Help: "Total number of inbound lines, by command kind",
		}, []string{"kind"}),
		linesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relaychat_lines_delivered_total",
			Help: "Total number of lines routed to recipients",
		}),
		deliveryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relaychat_delivery_failures_total",
			Help: "Total number of per-recipient delivery failures",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relaychat_evictions_total",
			Help: "Total number of sessions evicted by the server",
		}),
		groups: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relaychat_groups",
			Help: "Number of existing groups",
		}),
		fanout: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "relaychat_broadcast_fanout",
			Help:    "Recipients reached per broadcast",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.activeSessions,
		m.sessionsCreated,
		m.sessionsClosed,
		m.linesReceived,
		m.linesDelivered,
		m.deliveryFailures,
		m.evictions,
		m.groups,
		m.fanout,
	)

	return m
}

// Registry exposes the underlying registry (for tests and custom exporters)
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) RecordActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}

func (m *Metrics) RecordSessionCreated(transport string) {
	if m == nil {
		return
	}
	m.sessionsCreated.WithLabelValues(transport).Inc()
}

func (m *Metrics) RecordSessionClosed(reason string) {
	if m == nil {
		return
	}
	m.sessionsClosed.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordLineReceived(kind string) {
	if m == nil {
		return
	}
	m.linesReceived.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordDelivered(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.linesDelivered.Add(float64(n))
}

func (m *Metrics) RecordDeliveryFailure() {
	if m == nil {
		return
	}
	m.deliveryFailures.Inc()
}

func (m *Metrics) RecordEviction() {
	if m == nil {
		return
	}
	m.evictions.Inc()
}

func (m *Metrics) RecordGroups(n int) {
	if m == nil {
		return
	}
	m.groups.Set(float64(n))
}

func (m *Metrics) ObserveFanout(n int) {
	if m == nil {
		return
	}
	m.fanout.Observe(float64(n))
}
