package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application
type Metrics struct {
	// RequestLatency tracks HTTP request latency by endpoint and method
	RequestLatency *prometheus.HistogramVec
	// HTTPRequestsTotal total HTTP requests
	HTTPRequestsTotal *prometheus.CounterVec
	// HTTPRequestsInFlight current HTTP requests being processed
	HTTPRequestsInFlight prometheus.Gauge
	// AuthResolutions counts identity resolutions by channel and outcome
	AuthResolutions *prometheus.CounterVec
	// RateLimitDecisions counts admission decisions by action
	RateLimitDecisions *prometheus.CounterVec
	// BotTokens counts bot token operations
	BotTokens *prometheus.CounterVec
	// LinkCodes counts linking code operations
	LinkCodes *prometheus.CounterVec
	// RealtimeConnections tracks live push connections
	RealtimeConnections prometheus.Gauge
	// RealtimeEvents counts per-connection event deliveries
	RealtimeEvents *prometheus.CounterVec
	// CleanupDeleted counts rows purged by the cleanup manager
	CleanupDeleted *prometheus.CounterVec
	// registry is the custom registry for this metrics instance
	registry *prometheus.Registry
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(namespace string) *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		RequestLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_latency_seconds",
				Help:      "HTTP request latency in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"endpoint", "method", "status"},
		),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"endpoint", "method", "status"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "http_requests_in_flight",
				Help:      "Current number of HTTP requests being processed",
			},
		),
		AuthResolutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auth_resolutions_total",
				Help:      "Total number of identity resolutions",
			},
			[]string{"channel", "outcome"},
		),
		RateLimitDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limit_decisions_total",
				Help:      "Total number of rate limit decisions",
			},
			[]string{"action", "result"},
		),
		BotTokens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bot_tokens_total",
				Help:      "Total number of bot token operations",
			},
			[]string{"operation", "result"},
		),
		LinkCodes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "link_codes_total",
				Help:      "Total number of linking code operations",
			},
			[]string{"operation", "result"},
		),
		RealtimeConnections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "realtime_connections",
				Help:      "Current number of registered realtime connections",
			},
		),
		RealtimeEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "realtime_events_total",
				Help:      "Total number of realtime event deliveries",
			},
			[]string{"result"},
		),
		CleanupDeleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cleanup_deleted_total",
				Help:      "Total number of rows removed by cleanup",
			},
			[]string{"table"},
		),
	}

	// Register metrics with custom registry
	registry.MustRegister(
		m.RequestLatency,
		m.HTTPRequestsTotal,
		m.HTTPRequestsInFlight,
		m.AuthResolutions,
		m.RateLimitDecisions,
		m.BotTokens,
		m.LinkCodes,
		m.RealtimeConnections,
		m.RealtimeEvents,
		m.CleanupDeleted,
	)

	return m
}

// Registry exposes the underlying registry for tests and custom collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns a Prometheus handler for these metrics
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRequestLatency records the latency of an HTTP request
func (m *Metrics) RecordRequestLatency(endpoint, method, status string, durationSeconds float64) {
	m.RequestLatency.WithLabelValues(endpoint, method, status).Observe(durationSeconds)
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(endpoint, method, status string) {
	m.HTTPRequestsTotal.WithLabelValues(endpoint, method, status).Inc()
}

// IncHTTPRequestsInFlight increments the in-flight requests counter
func (m *Metrics) IncHTTPRequestsInFlight() {
	m.HTTPRequestsInFlight.Inc()
}

// DecHTTPRequestsInFlight decrements the in-flight requests counter
func (m *Metrics) DecHTTPRequestsInFlight() {
	m.HTTPRequestsInFlight.Dec()
}

// RecordAuthResolution records how a request was (or was not) authenticated.
// channel is session, bot_token or none.
func (m *Metrics) RecordAuthResolution(channel, outcome string) {
	m.AuthResolutions.WithLabelValues(channel, outcome).Inc()
}

// RecordRateLimitDecision records an admission decision (allowed, denied, error)
func (m *Metrics) RecordRateLimitDecision(action, result string) {
	m.RateLimitDecisions.WithLabelValues(action, result).Inc()
}

// RecordBotToken records a bot token operation
func (m *Metrics) RecordBotToken(operation, result string) {
	m.BotTokens.WithLabelValues(operation, result).Inc()
}

// RecordLinkCode records a linking code operation
func (m *Metrics) RecordLinkCode(operation, result string) {
	m.LinkCodes.WithLabelValues(operation, result).Inc()
}

// SetRealtimeConnections sets the number of live connections
func (m *Metrics) SetRealtimeConnections(count int) {
	m.RealtimeConnections.Set(float64(count))
}

// RecordRealtimeEvent records a single delivery attempt (sent, failed)
func (m *Metrics) RecordRealtimeEvent(result string) {
	m.RealtimeEvents.WithLabelValues(result).Inc()
}

// RecordCleanupDeleted records rows removed from table
func (m *Metrics) RecordCleanupDeleted(table string, count int64) {
	if count <= 0 {
		return
	}
	m.CleanupDeleted.WithLabelValues(table).Add(float64(count))
}
