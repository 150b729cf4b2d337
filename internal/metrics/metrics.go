// Package metrics holds the Prometheus collectors of the trust gateway.
// All methods are safe on a nil *Metrics so components can run without
// instrumentation in tests.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "trust_gateway"

// Metrics groups every collector the gateway exports.
type Metrics struct {
	reg prometheus.Registerer

	invocationDecisions *prometheus.CounterVec
	resultTreatments    *prometheus.CounterVec
	toolCallDuration    *prometheus.HistogramVec
	upstreamRetries     *prometheus.CounterVec
	upstreamFailures    *prometheus.CounterVec
	policyCache         *prometheus.CounterVec
	taintTransitions    prometheus.Counter
	sanitizations       *prometheus.CounterVec
	providerRequests    *prometheus.CounterVec
	auditEvents         *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		reg: reg,
		invocationDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invocation_decisions_total",
			Help:      "Tool invocation decisions by outcome and decision source.",
		}, []string{"allowed", "source"}),
		resultTreatments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "result_treatments_total",
			Help:      "Resolved tool result treatments.",
		}, []string{"treatment", "blocked"}),
		toolCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_call_duration_seconds",
			Help:      "End-to-end tool call handling latency by outcome.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		upstreamRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_retries_total",
			Help:      "Retried backend, provider and sanitizer calls.",
		}, []string{"target_kind"}),
		upstreamFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_failures_total",
			Help:      "Upstream calls that failed after all attempts.",
		}, []string{"target_kind", "timeout"}),
		policyCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "policy_cache_events_total",
			Help:      "Policy snapshot cache hits, misses, stale serves and invalidations.",
		}, []string{"event"}),
		taintTransitions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_taint_transitions_total",
			Help:      "Sessions moved from trusted to untrusted.",
		}),
		sanitizations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sanitizations_total",
			Help:      "Dual-LLM sanitization outcomes.",
		}, []string{"outcome"}),
		providerRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_requests_total",
			Help:      "Proxied LLM requests by provider, adapter version and status class.",
		}, []string{"provider", "version", "status"}),
		auditEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_events_total",
			Help:      "Audit events by delivery outcome: written, dropped or failed.",
		}, []string{"outcome"}),
	}
	reg.MustRegister(
		m.invocationDecisions,
		m.resultTreatments,
		m.toolCallDuration,
		m.upstreamRetries,
		m.upstreamFailures,
		m.policyCache,
		m.taintTransitions,
		m.sanitizations,
		m.providerRequests,
		m.auditEvents,
	)
	return m
}

func (m *Metrics) InvocationDecision(allowed bool, source string) {
	if m == nil {
		return
	}
	m.invocationDecisions.WithLabelValues(boolLabel(allowed), source).Inc()
}

func (m *Metrics) ResultTreatment(treatment string, blocked bool) {
	if m == nil {
		return
	}
	m.resultTreatments.WithLabelValues(treatment, boolLabel(blocked)).Inc()
}

func (m *Metrics) ToolCall(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.toolCallDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

func (m *Metrics) UpstreamRetry(targetKind string) {
	if m == nil {
		return
	}
	m.upstreamRetries.WithLabelValues(targetKind).Inc()
}

func (m *Metrics) UpstreamFailure(targetKind string, timeout bool) {
	if m == nil {
		return
	}
	m.upstreamFailures.WithLabelValues(targetKind, boolLabel(timeout)).Inc()
}

// PolicyCache records one of "hit", "miss", "stale", "negative", "invalidate".
func (m *Metrics) PolicyCache(event string) {
	if m == nil {
		return
	}
	m.policyCache.WithLabelValues(event).Inc()
}

func (m *Metrics) TaintTransition() {
	if m == nil {
		return
	}
	m.taintTransitions.Inc()
}

func (m *Metrics) Sanitization(outcome string) {
	if m == nil {
		return
	}
	m.sanitizations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ProviderRequest(provider, version string, status int) {
	if m == nil {
		return
	}
	m.providerRequests.WithLabelValues(provider, version, statusClass(status)).Inc()
}

// TrackSessions exports count as the number of tracked agent sessions.
// Sessions are only dropped by an explicit reset, so this is the gauge to
// alert on when callers mint session ids without resetting them.
func (m *Metrics) TrackSessions(count func() int) {
	if m == nil {
		return
	}
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions",
		Help:      "Agent sessions with a tracked trust context.",
	}, func() float64 { return float64(count()) }))
}

// AuditEvents adds n events with the given delivery outcome.
func (m *Metrics) AuditEvents(outcome string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.auditEvents.WithLabelValues(outcome).Add(float64(n))
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func statusClass(status int) string {
	switch {
	case status == 0:
		return "error"
	case status < 300:
		return "2xx"
	case status < 400:
		return "3xx"
	case status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
