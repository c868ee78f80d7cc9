package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "skein"

// Metrics holds all Skein metric instruments. A nil *Metrics is valid and
// records nothing, so services never need to guard their call sites.
type Metrics struct {
	tasksStarted     metric.Int64Counter
	tasksCompleted   metric.Int64Counter
	tasksFailed      metric.Int64Counter
	tasksRetried     metric.Int64Counter
	stepsCompleted   metric.Int64Counter
	stepsFailed      metric.Int64Counter
	taskDuration     metric.Float64Histogram
	workflowDuration metric.Float64Histogram
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.tasksStarted, err = meter.Int64Counter("skein.tasks.started",
		metric.WithDescription("Number of background tasks started"))
	if err != nil {
		return nil, err
	}

	m.tasksCompleted, err = meter.Int64Counter("skein.tasks.completed",
		metric.WithDescription("Number of background tasks completed"))
	if err != nil {
		return nil, err
	}

	m.tasksFailed, err = meter.Int64Counter("skein.tasks.failed",
		metric.WithDescription("Number of background tasks terminally failed"))
	if err != nil {
		return nil, err
	}

	m.tasksRetried, err = meter.Int64Counter("skein.tasks.retried",
		metric.WithDescription("Number of busy-retry requeues"))
	if err != nil {
		return nil, err
	}

	m.stepsCompleted, err = meter.Int64Counter("skein.steps.completed",
		metric.WithDescription("Number of workflow steps completed"))
	if err != nil {
		return nil, err
	}

	m.stepsFailed, err = meter.Int64Counter("skein.steps.failed",
		metric.WithDescription("Number of workflow steps failed"))
	if err != nil {
		return nil, err
	}

	m.taskDuration, err = meter.Float64Histogram("skein.task.duration_seconds",
		metric.WithDescription("Background task duration in seconds"))
	if err != nil {
		return nil, err
	}

	m.workflowDuration, err = meter.Float64Histogram("skein.workflow.duration_seconds",
		metric.WithDescription("Workflow execution duration in seconds"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

// TaskStarted records one task admission.
func (m *Metrics) TaskStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.tasksStarted.Add(ctx, 1)
}

// TaskCompleted records one successful task and its duration.
func (m *Metrics) TaskCompleted(ctx context.Context, d time.Duration) {
	if m == nil {
		return
	}
	m.tasksCompleted.Add(ctx, 1)
	m.taskDuration.Record(ctx, d.Seconds())
}

// TaskFailed records one terminal task failure.
func (m *Metrics) TaskFailed(ctx context.Context) {
	if m == nil {
		return
	}
	m.tasksFailed.Add(ctx, 1)
}

// TaskRetried records one busy-retry requeue.
func (m *Metrics) TaskRetried(ctx context.Context) {
	if m == nil {
		return
	}
	m.tasksRetried.Add(ctx, 1)
}

// StepCompleted records one successful workflow step.
func (m *Metrics) StepCompleted(ctx context.Context) {
	if m == nil {
		return
	}
	m.stepsCompleted.Add(ctx, 1)
}

// StepFailed records one failed workflow step.
func (m *Metrics) StepFailed(ctx context.Context) {
	if m == nil {
		return
	}
	m.stepsFailed.Add(ctx, 1)
}

// WorkflowCompleted records one finished execution and its duration.
func (m *Metrics) WorkflowCompleted(ctx context.Context, d time.Duration) {
	if m == nil {
		return
	}
	m.workflowDuration.Record(ctx, d.Seconds())
}
