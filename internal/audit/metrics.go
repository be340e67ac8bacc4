package audit

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics tracks gateway metrics and serves them in Prometheus text format.
// It uses a custom prometheus.Registry for isolation and testability.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal      *prometheus.CounterVec
	decisionsTotal     *prometheus.CounterVec
	blocksTotal        *prometheus.CounterVec
	upstreamLatency    *prometheus.HistogramVec
	overrideAttempts   *prometheus.CounterVec
	evaluatorFailures  prometheus.Counter
	auditEvents        *prometheus.CounterVec
	auditWriteFailures prometheus.Counter
	configReloads      *prometheus.CounterVec
	configReloadTime   prometheus.Gauge
	emergencyActive    prometheus.Gauge
	buildInfo          *prometheus.GaugeVec
}

// NewMetrics creates a Metrics collector with a custom Prometheus registry.
// All metric families are pre-registered with HELP and TYPE metadata.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "yori_requests_total",
			Help: "Total number of intercepted requests, by provider and response status.",
		}, []string{"provider", "status"}),

		decisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "yori_decisions_total",
			Help: "Total enforcement decisions, by winning rule and resulting action.",
		}, []string{"rule", "action"}),

		blocksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "yori_blocks_total",
			Help: "Total requests blocked, by policy.",
		}, []string{"policy"}),

		upstreamLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "yori_upstream_latency_seconds",
			Help:    "Upstream provider response time in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider"}),

		overrideAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "yori_override_attempts_total",
			Help: "Total block-page override attempts, by result.",
		}, []string{"result"}),

		evaluatorFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "yori_evaluator_failures_total",
			Help: "Total policy evaluator errors (requests proceeded fail-open).",
		}),

		auditEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "yori_audit_events_total",
			Help: "Total audit events persisted, by event type.",
		}, []string{"event_type"}),

		auditWriteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "yori_audit_write_failures_total",
			Help: "Total audit events spilled to the fallback log.",
		}),

		configReloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "yori_config_reloads_total",
			Help: "Total number of configuration reload attempts.",
		}, []string{"result"}),

		configReloadTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "yori_config_reload_timestamp_seconds",
			Help: "Unix timestamp of the last successful configuration reload.",
		}),

		emergencyActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "yori_emergency_override_active",
			Help: "Whether the emergency override is active (1) or not (0).",
		}),

		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "yori_build_info",
			Help: "Build information about the yori binary. Value is always 1.",
		}, []string{"version", "go_version"}),
	}

	reg.MustRegister(
		m.requestsTotal,
		m.decisionsTotal,
		m.blocksTotal,
		m.upstreamLatency,
		m.overrideAttempts,
		m.evaluatorFailures,
		m.auditEvents,
		m.auditWriteFailures,
		m.configReloads,
		m.configReloadTime,
		m.emergencyActive,
		m.buildInfo,
	)

	return m
}

// RecordRequest increments the request counter for the given provider and
// response status code.
func (m *Metrics) RecordRequest(provider string, status int) {
	m.requestsTotal.WithLabelValues(provider, statusString(status)).Inc()
}

// RecordDecision records one enforcement decision.
func (m *Metrics) RecordDecision(rule, action string) {
	m.decisionsTotal.WithLabelValues(rule, action).Inc()
}

// RecordBlock records a blocked request for the given policy.
func (m *Metrics) RecordBlock(policy string) {
	m.blocksTotal.WithLabelValues(policy).Inc()
}

// RecordUpstreamLatency records provider response time in seconds.
func (m *Metrics) RecordUpstreamLatency(provider string, seconds float64) {
	m.upstreamLatency.WithLabelValues(provider).Observe(seconds)
}

// RecordOverrideAttempt records a block-page override attempt.
// Result should be one of: "success", "failure", "rate_limited", "locked_out".
func (m *Metrics) RecordOverrideAttempt(result string) {
	m.overrideAttempts.WithLabelValues(result).Inc()
}

// RecordEvaluatorFailure records a policy evaluator error.
func (m *Metrics) RecordEvaluatorFailure() {
	m.evaluatorFailures.Inc()
}

// RecordAuditEvent records a persisted audit event of the given type.
func (m *Metrics) RecordAuditEvent(eventType string) {
	m.auditEvents.WithLabelValues(eventType).Inc()
}

// RecordAuditWriteFailure records an event spilled to the fallback log.
func (m *Metrics) RecordAuditWriteFailure() {
	m.auditWriteFailures.Inc()
}

// RecordConfigReload records a configuration reload attempt.
// Pass true for a successful reload, false for a failure.
func (m *Metrics) RecordConfigReload(success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	m.configReloads.WithLabelValues(result).Inc()
}

// SetConfigReloadTime records the timestamp of the last configuration reload.
func (m *Metrics) SetConfigReloadTime(t time.Time) {
	m.configReloadTime.Set(float64(t.Unix()))
}

// SetEmergencyActive sets the emergency override gauge.
func (m *Metrics) SetEmergencyActive(active bool) {
	var val float64
	if active {
		val = 1
	}
	m.emergencyActive.Set(val)
}

// SetBuildInfo sets the build information gauge. The gauge value is always 1;
// version and Go version are exposed as labels.
func (m *Metrics) SetBuildInfo(version, goVersion string) {
	m.buildInfo.WithLabelValues(version, goVersion).Set(1)
}

// Handler returns an HTTP handler that serves /metrics in Prometheus text
// format with HELP and TYPE annotations.
func (m *Metrics) Handler() http.HandlerFunc {
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return func(w http.ResponseWriter, r *http.Request) {
		h.ServeHTTP(w, r)
	}
}

// statusString converts an integer status code to its string representation.
func statusString(code int) string {
	// Avoid fmt.Sprintf for hot path performance
	switch code {
	case 200:
		return "200"
	case 400:
		return "400"
	case 401:
		return "401"
	case 403:
		return "403"
	case 404:
		return "404"
	case 429:
		return "429"
	case 500:
		return "500"
	case 502:
		return "502"
	case 504:
		return "504"
	default:
		return intToString(code)
	}
}

// intToString converts a non-negative integer to a string without fmt.Sprintf.
func intToString(n int) string {
	if n == 0 {
		return "0"
	}
	negative := n < 0
	if negative {
		n = -n
	}
	buf := make([]byte, 0, 5)
	for n > 0 {
		buf = append(buf, byte('0'+n%10))
		n /= 10
	}
	if negative {
		buf = append(buf, '-')
	}
	for i, j := 0, len(buf)-1; i < j; i, j = i+1, j-1 {
		buf[i], buf[j] = buf[j], buf[i]
	}
	return string(buf)
}
