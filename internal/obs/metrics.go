package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "medgateway"
	gatewaySubsystem = "gateway"
)

// Metrics holds every Prometheus instrument the gateway exports.
// Construct once at startup via NewMetrics and pass the instance down to
// every component that needs to record against it; there is no package
// singleton, so tests can each register against their own registry.
type Metrics struct {
	RequestsTotal      *prometheus.CounterVec
	RequestDuration     *prometheus.HistogramVec
	SynthesisDuration    *prometheus.HistogramVec
	ToolCallsTotal      *prometheus.CounterVec
	ToolCallDuration    *prometheus.HistogramVec
	SafetyAlertsTotal   *prometheus.CounterVec
	RateLimitedTotal    *prometheus.CounterVec
	ActiveSessions      prometheus.GaugeFunc
	AuditDropped        prometheus.GaugeFunc
	ToolHealthy         *prometheus.GaugeVec
}

// ActiveSessionsSource and AuditDroppedSource let NewMetrics wire gauge
// callbacks without this package importing session or audit directly.
type ActiveSessionsSource func() int
type AuditDroppedSource func() int64

// NewMetrics registers every instrument against reg. Pass
// prometheus.NewRegistry() in tests to avoid collisions with the global
// default registry.
func NewMetrics(reg prometheus.Registerer, sessions ActiveSessionsSource, auditDropped AuditDroppedSource) *Metrics {
	factory := promauto.With(reg)

	m := &Metrics{
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: gatewaySubsystem,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status class.",
		}, []string{"route", "status"}),

		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: gatewaySubsystem,
			Name:      "http_request_duration_seconds",
			Help:      "End-to-end HTTP request duration.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),

		SynthesisDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: gatewaySubsystem,
			Name:      "synthesis_duration_seconds",
			Help:      "Time spent fanning out to tools and synthesizing a response.",
			Buckets:   []float64{.1, .25, .5, 1, 2, 5, 10, 20, 30},
		}, []string{"intent"}),

		ToolCallsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: gatewaySubsystem,
			Name:      "tool_calls_total",
			Help:      "Calls made to upstream tool providers by outcome.",
		}, []string{"provider", "outcome"}),

		ToolCallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: gatewaySubsystem,
			Name:      "tool_call_duration_seconds",
			Help:      "Latency of individual tool provider calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider"}),

		SafetyAlertsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: gatewaySubsystem,
			Name:      "safety_alerts_total",
			Help:      "Safety alerts raised by category and severity.",
		}, []string{"category", "severity"}),

		RateLimitedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: gatewaySubsystem,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter by endpoint class.",
		}, []string{"endpoint_class"}),

		ToolHealthy: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: gatewaySubsystem,
			Name:      "tool_healthy",
			Help:      "1 if the tool provider's subprocess connection is healthy, 0 otherwise.",
		}, []string{"provider"}),
	}

	if sessions != nil {
		m.ActiveSessions = factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: gatewaySubsystem,
			Name:      "active_sessions",
			Help:      "Number of sessions currently held in the in-memory store.",
		}, func() float64 { return float64(sessions()) })
	}
	if auditDropped != nil {
		m.AuditDropped = factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: gatewaySubsystem,
			Name:      "audit_records_dropped_total",
			Help:      "Audit records dropped because the emit queue was full.",
		}, func() float64 { return float64(auditDropped()) })
	}

	return m
}

// SetToolHealth records the current health snapshot from a tool pool.
func (m *Metrics) SetToolHealth(snapshot map[string]bool) {
	for provider, healthy := range snapshot {
		v := 0.0
		if healthy {
			v = 1.0
		}
		m.ToolHealthy.WithLabelValues(provider).Set(v)
	}
}
