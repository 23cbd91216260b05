// Package observability wires Prometheus metrics, OpenTelemetry tracing,
// and zap logging for the engine, following the ambient-stack
// conventions of the pack: metrics as a single registered struct,
// tracing as an optional OTLP/stdout exporter, and structured JSON
// logging via zap. The Metrics struct is registered at startup, but no
// component is handed it, so none of its metrics are updated.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus metric the engine records, labeled by
// workflow id and step action where that distinction matters.
type Metrics struct {
	StepExecutionsTotal  *prometheus.CounterVec
	StepExecutionSeconds *prometheus.HistogramVec
	StepRetriesTotal     *prometheus.CounterVec
	StepTimeoutsTotal    *prometheus.CounterVec

	RunsTotal  *prometheus.CounterVec
	ActiveRuns prometheus.Gauge

	QueueDepth    prometheus.Gauge
	WorkerActive  prometheus.Gauge
	WorkerBusy    prometheus.Gauge
	CircuitOpen   *prometheus.GaugeVec

	WebhookRequestsTotal *prometheus.CounterVec

	ErrorsTotal *prometheus.CounterVec
}

// NewMetrics constructs and registers every metric against the default
// Prometheus registry.
func NewMetrics() *Metrics {
	return &Metrics{
		StepExecutionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cronflow_step_executions_total",
				Help: "Total number of step execution attempts.",
			},
			[]string{"workflow_id", "action", "status"},
		),
		StepExecutionSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cronflow_step_execution_seconds",
				Help:    "Step execution duration in seconds.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"workflow_id", "action"},
		),
		StepRetriesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cronflow_step_retries_total",
				Help: "Total number of step retry attempts.",
			},
			[]string{"workflow_id", "action"},
		),
		StepTimeoutsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cronflow_step_timeouts_total",
				Help: "Total number of step executions that hit their timeout.",
			},
			[]string{"workflow_id", "action"},
		),
		RunsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cronflow_runs_total",
				Help: "Total number of workflow runs by terminal status.",
			},
			[]string{"workflow_id", "status"},
		),
		ActiveRuns: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "cronflow_active_runs",
				Help: "Number of runs currently tracked as active (non-terminal).",
			},
		),
		QueueDepth: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "cronflow_queue_depth",
				Help: "Number of jobs currently waiting in the dispatcher's queue.",
			},
		),
		WorkerActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "cronflow_workers_active",
				Help: "Number of dispatcher worker goroutines currently running.",
			},
		),
		WorkerBusy: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "cronflow_workers_busy",
				Help: "Number of dispatcher workers currently executing a step.",
			},
		),
		CircuitOpen: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "cronflow_circuit_breaker_open",
				Help: "1 if the circuit breaker for an action is open, else 0.",
			},
			[]string{"action"},
		),
		WebhookRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cronflow_webhook_requests_total",
				Help: "Total number of webhook requests by response status.",
			},
			[]string{"path", "status"},
		),
		ErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cronflow_errors_total",
				Help: "Total number of errors by originating component.",
			},
			[]string{"component", "error_kind"},
		),
	}
}

// RecordStepExecution records one step attempt outcome and its duration.
func (m *Metrics) RecordStepExecution(workflowID, action, status string, seconds float64) {
	m.StepExecutionsTotal.WithLabelValues(workflowID, action, status).Inc()
	m.StepExecutionSeconds.WithLabelValues(workflowID, action).Observe(seconds)
}

// RecordRetry increments the retry counter for a step action.
func (m *Metrics) RecordRetry(workflowID, action string) {
	m.StepRetriesTotal.WithLabelValues(workflowID, action).Inc()
}

// RecordTimeout increments the timeout counter for a step action.
func (m *Metrics) RecordTimeout(workflowID, action string) {
	m.StepTimeoutsTotal.WithLabelValues(workflowID, action).Inc()
}

// RecordRunTerminal increments the run counter for a terminal status.
func (m *Metrics) RecordRunTerminal(workflowID, status string) {
	m.RunsTotal.WithLabelValues(workflowID, status).Inc()
}

// SetActiveRuns sets the active run gauge.
func (m *Metrics) SetActiveRuns(count float64) { m.ActiveRuns.Set(count) }

// SetQueueDepth sets the queue depth gauge.
func (m *Metrics) SetQueueDepth(depth float64) { m.QueueDepth.Set(depth) }

// SetWorkerCounts sets the active and busy worker gauges.
func (m *Metrics) SetWorkerCounts(active, busy float64) {
	m.WorkerActive.Set(active)
	m.WorkerBusy.Set(busy)
}

// SetCircuitOpen reports a circuit breaker's open/closed state for an action.
func (m *Metrics) SetCircuitOpen(action string, open bool) {
	v := 0.0
	if open {
		v = 1.0
	}
	m.CircuitOpen.WithLabelValues(action).Set(v)
}

// RecordWebhookRequest increments the webhook request counter.
func (m *Metrics) RecordWebhookRequest(path, status string) {
	m.WebhookRequestsTotal.WithLabelValues(path, status).Inc()
}

// RecordError increments the error counter for a component/kind pair.
func (m *Metrics) RecordError(component, errorKind string) {
	m.ErrorsTotal.WithLabelValues(component, errorKind).Inc()
}
