package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "foreman"

// StartWorkflowSpan starts a span for a workflow execution.
func StartWorkflowSpan(ctx context.Context, executionID, workflowID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "workflow",
		trace.WithAttributes(
			attribute.String("execution.id", executionID),
			attribute.String("workflow.id", workflowID),
		),
	)
}

// StartStepSpan starts a span for one workflow step.
func StartStepSpan(ctx context.Context, stepName, stepKind string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "step",
		trace.WithAttributes(
			attribute.String("step.name", stepName),
			attribute.String("step.kind", stepKind),
		),
	)
}

// StartTaskSpan starts a span for an agent task execution.
func StartTaskSpan(ctx context.Context, taskID, taskType, agentID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "task",
		trace.WithAttributes(
			attribute.String("task.id", taskID),
			attribute.String("task.type", taskType),
			attribute.String("agent.id", agentID),
		),
	)
}
