package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "skein"

// StartTaskSpan starts a span for one background task execution.
func StartTaskSpan(ctx context.Context, taskID, agentID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "task",
		trace.WithAttributes(
			attribute.String("task.id", taskID),
			attribute.String("task.agent", agentID),
		),
	)
}

// StartStepSpan starts a span for one workflow step within an execution.
func StartStepSpan(ctx context.Context, executionID, stepID string, level int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "step",
		trace.WithAttributes(
			attribute.String("execution.id", executionID),
			attribute.String("step.id", stepID),
			attribute.Int("step.level", level),
		),
	)
}
