// Package metrics defines Prometheus metrics for the playbook engine.
//
// Metric naming follows Prometheus conventions:
//   - playbookd_ prefix for all custom metrics
//   - _total suffix for counters
//   - _seconds suffix for duration histograms
//
// The collector is constructed once at startup with its own registry and
// injected into the components that emit; there is no package-level
// registration.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every engine metric, registered on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	// WebhookRequestsTotal counts ingress requests by webhook and result
	// classification (accepted, dropped, or a rejection code).
	WebhookRequestsTotal *prometheus.CounterVec

	// ExecutionsTotal counts executions by playbook and terminal state.
	ExecutionsTotal *prometheus.CounterVec

	// ExecutionsLoopDetected counts executions failed by the loop guard.
	ExecutionsLoopDetected prometheus.Counter

	// StepsTotal counts step completions by playbook, step type and status.
	StepsTotal *prometheus.CounterVec

	// StepRetriesTotal counts step retry attempts by playbook.
	StepRetriesTotal *prometheus.CounterVec

	// ShadowSkipsTotal counts action steps skipped by shadow mode.
	ShadowSkipsTotal *prometheus.CounterVec

	// ConnectorCallsTotal counts connector invocations by connector,
	// action and outcome code.
	ConnectorCallsTotal *prometheus.CounterVec

	// SLABreachesTotal counts SLA breaches by dimension and reason.
	SLABreachesTotal *prometheus.CounterVec

	// ExecutionDurationSeconds observes end-to-end execution duration.
	ExecutionDurationSeconds *prometheus.HistogramVec

	// StepDurationSeconds observes per-step duration by step type.
	StepDurationSeconds *prometheus.HistogramVec

	// ConnectorLatencySeconds observes connector call latency.
	ConnectorLatencySeconds *prometheus.HistogramVec

	// ApprovalDecisionSeconds observes time from request to decision.
	ApprovalDecisionSeconds prometheus.Histogram

	// ExecutionsActive gauges currently advancing executions.
	ExecutionsActive prometheus.Gauge

	// ApprovalsPending gauges currently pending approvals.
	ApprovalsPending prometheus.Gauge
}

// New creates and registers every engine metric.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.WebhookRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "playbookd_webhook_requests_total",
		Help: "Total webhook ingress requests by result classification.",
	}, []string{"webhook", "result"})

	m.ExecutionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "playbookd_executions_total",
		Help: "Total playbook executions by terminal state.",
	}, []string{"playbook", "state"})

	m.ExecutionsLoopDetected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "playbookd_executions_loop_detected_total",
		Help: "Total executions failed by the step loop guard.",
	})

	m.StepsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "playbookd_steps_total",
		Help: "Total step completions by step type and status.",
	}, []string{"playbook", "type", "status"})

	m.StepRetriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "playbookd_step_retries_total",
		Help: "Total step retry attempts.",
	}, []string{"playbook"})

	m.ShadowSkipsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "playbookd_shadow_skips_total",
		Help: "Total action steps skipped by shadow mode.",
	}, []string{"playbook"})

	m.ConnectorCallsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "playbookd_connector_calls_total",
		Help: "Total connector invocations by outcome code.",
	}, []string{"connector", "action", "code"})

	m.SLABreachesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "playbookd_sla_breaches_total",
		Help: "Total SLA breaches by dimension and classified reason.",
	}, []string{"dimension", "reason"})

	m.ExecutionDurationSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "playbookd_execution_duration_seconds",
		Help:    "End-to-end execution duration.",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300, 900, 3600},
	}, []string{"playbook"})

	m.StepDurationSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "playbookd_step_duration_seconds",
		Help:    "Per-step execution duration.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60},
	}, []string{"type"})

	m.ConnectorLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "playbookd_connector_latency_seconds",
		Help:    "Connector call latency.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"connector"})

	m.ApprovalDecisionSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "playbookd_approval_decision_seconds",
		Help:    "Time from approval request to operator decision.",
		Buckets: []float64{1, 10, 60, 300, 900, 3600, 14400, 86400},
	})

	m.ExecutionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "playbookd_executions_active",
		Help: "Executions currently being advanced by a worker.",
	})

	m.ApprovalsPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "playbookd_approvals_pending",
		Help: "Approval requests currently pending.",
	})

	m.registry.MustRegister(
		m.WebhookRequestsTotal,
		m.ExecutionsTotal,
		m.ExecutionsLoopDetected,
		m.StepsTotal,
		m.StepRetriesTotal,
		m.ShadowSkipsTotal,
		m.ConnectorCallsTotal,
		m.SLABreachesTotal,
		m.ExecutionDurationSeconds,
		m.StepDurationSeconds,
		m.ConnectorLatencySeconds,
		m.ApprovalDecisionSeconds,
		m.ExecutionsActive,
		m.ApprovalsPending,
	)
	return m
}

// Handler serves the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry (for tests).
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveConnectorCall records one connector invocation outcome.
func (m *Metrics) ObserveConnectorCall(connector, action, code string, latency time.Duration) {
	m.ConnectorCallsTotal.WithLabelValues(connector, action, code).Inc()
	m.ConnectorLatencySeconds.WithLabelValues(connector).Observe(latency.Seconds())
}
