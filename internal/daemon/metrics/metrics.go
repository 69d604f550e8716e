// Package metrics exposes prometheus instrumentation for the runner
// and deployer. Collectors register on the default registry; the
// control API serves them at /metrics.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lightci_runs_started_total",
			Help: "Total pipeline runs started, by pipeline",
		},
		[]string{"pipeline_id"},
	)

	runsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lightci_runs_completed_total",
			Help: "Total pipeline runs finished, by pipeline, terminal status, and trigger",
		},
		[]string{"pipeline_id", "status", "trigger"},
	)

	runDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lightci_run_duration_seconds",
			Help:    "Wall-clock run duration from start to terminal status",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 1800, 3600, 7200},
		},
		[]string{"pipeline_id", "status"},
	)

	stepsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lightci_steps_completed_total",
			Help: "Total steps finished, by pipeline, step name, and status",
		},
		[]string{"pipeline_id", "step", "status"},
	)

	stepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lightci_step_duration_seconds",
			Help:    "Step execution duration",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 1800},
		},
		[]string{"pipeline_id", "step"},
	)

	activeRuns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lightci_active_runs",
			Help: "Runs currently executing or waiting for a run slot",
		},
	)

	deployments = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lightci_deployments_total",
			Help: "Total deployments attempted, by pipeline and outcome",
		},
		[]string{"pipeline_id", "outcome"},
	)

	webhookDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lightci_webhook_deliveries_total",
			Help: "Total webhook deliveries, by disposition",
		},
		[]string{"disposition"},
	)

	artifactsSwept = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lightci_artifacts_swept_total",
			Help: "Total expired artifact trees removed by the retention sweeper",
		},
	)
)

// Collector implements the runner's MetricsCollector against the
// package-level prometheus vars.
type Collector struct{}

// New creates a Collector.
func New() *Collector {
	return &Collector{}
}

// RecordRunStart counts a run start. Run ids are not labels; they are
// unbounded.
func (c *Collector) RecordRunStart(ctx context.Context, runID, pipelineID string) {
	runsStarted.WithLabelValues(pipelineID).Inc()
}

// RecordRunComplete counts a terminal run and observes its duration.
func (c *Collector) RecordRunComplete(ctx context.Context, pipelineID, status, trigger string, duration time.Duration) {
	runsCompleted.WithLabelValues(pipelineID, status, trigger).Inc()
	runDuration.WithLabelValues(pipelineID, status).Observe(duration.Seconds())
}

// RecordStepComplete counts a finished step and observes its duration.
func (c *Collector) RecordStepComplete(ctx context.Context, pipelineID, stepName, status string, duration time.Duration) {
	stepsCompleted.WithLabelValues(pipelineID, stepName, status).Inc()
	stepDuration.WithLabelValues(pipelineID, stepName).Observe(duration.Seconds())
}

// IncrementQueueDepth tracks a run entering the active set.
func (c *Collector) IncrementQueueDepth() {
	activeRuns.Inc()
}

// DecrementQueueDepth tracks a run leaving the active set.
func (c *Collector) DecrementQueueDepth() {
	activeRuns.Dec()
}

// RecordDeployment counts a deployment outcome ("success", "failure",
// "rolled_back").
func RecordDeployment(pipelineID, outcome string) {
	deployments.WithLabelValues(pipelineID, outcome).Inc()
}

// RecordWebhookDelivery counts a webhook disposition ("triggered",
// "filtered", "unmatched", "dropped").
func RecordWebhookDelivery(disposition string) {
	webhookDeliveries.WithLabelValues(disposition).Inc()
}

// RecordArtifactSweep counts artifact trees removed by retention.
func RecordArtifactSweep(count int) {
	artifactsSwept.Add(float64(count))
}
