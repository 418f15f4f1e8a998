package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "foreman"

// Metrics holds all Foreman metric instruments. A nil *Metrics is valid and
// records nothing, so components can be wired without telemetry.
type Metrics struct {
	WorkflowsStarted   metric.Int64Counter
	WorkflowsCompleted metric.Int64Counter
	WorkflowsFailed    metric.Int64Counter
	StepsCompleted     metric.Int64Counter
	ApprovalsPending   metric.Int64UpDownCounter
	TasksExecuted      metric.Int64Counter
	TasksFailed        metric.Int64Counter
	MessagesPublished  metric.Int64Counter
	MessagesDelivered  metric.Int64Counter
	MessagesDropped    metric.Int64Counter
	StepDuration       metric.Float64Histogram
	TaskDuration       metric.Float64Histogram
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.WorkflowsStarted, err = meter.Int64Counter("foreman.workflows.started",
		metric.WithDescription("Number of workflow executions started"))
	if err != nil {
		return nil, err
	}

	m.WorkflowsCompleted, err = meter.Int64Counter("foreman.workflows.completed",
		metric.WithDescription("Number of workflow executions completed"))
	if err != nil {
		return nil, err
	}

	m.WorkflowsFailed, err = meter.Int64Counter("foreman.workflows.failed",
		metric.WithDescription("Number of workflow executions failed"))
	if err != nil {
		return nil, err
	}

	m.StepsCompleted, err = meter.Int64Counter("foreman.steps.completed",
		metric.WithDescription("Number of workflow steps completed"))
	if err != nil {
		return nil, err
	}

	m.ApprovalsPending, err = meter.Int64UpDownCounter("foreman.approvals.pending",
		metric.WithDescription("Executions currently waiting for human approval"))
	if err != nil {
		return nil, err
	}

	m.TasksExecuted, err = meter.Int64Counter("foreman.tasks.executed",
		metric.WithDescription("Number of agent tasks executed"))
	if err != nil {
		return nil, err
	}

	m.TasksFailed, err = meter.Int64Counter("foreman.tasks.failed",
		metric.WithDescription("Number of agent tasks failed"))
	if err != nil {
		return nil, err
	}

	m.MessagesPublished, err = meter.Int64Counter("foreman.messages.published",
		metric.WithDescription("Number of messages published to the bus"))
	if err != nil {
		return nil, err
	}

	m.MessagesDelivered, err = meter.Int64Counter("foreman.messages.delivered",
		metric.WithDescription("Number of messages delivered to handlers"))
	if err != nil {
		return nil, err
	}

	m.MessagesDropped, err = meter.Int64Counter("foreman.messages.dropped",
		metric.WithDescription("Number of undeliverable or overflowed messages"))
	if err != nil {
		return nil, err
	}

	m.StepDuration, err = meter.Float64Histogram("foreman.step.duration_seconds",
		metric.WithDescription("Workflow step duration in seconds"))
	if err != nil {
		return nil, err
	}

	m.TaskDuration, err = meter.Float64Histogram("foreman.task.duration_seconds",
		metric.WithDescription("Agent task duration in seconds"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

// Nil-safe recording helpers.

func (m *Metrics) AddWorkflowStarted(ctx context.Context) {
	if m != nil {
		m.WorkflowsStarted.Add(ctx, 1)
	}
}

func (m *Metrics) AddWorkflowCompleted(ctx context.Context) {
	if m != nil {
		m.WorkflowsCompleted.Add(ctx, 1)
	}
}

func (m *Metrics) AddWorkflowFailed(ctx context.Context) {
	if m != nil {
		m.WorkflowsFailed.Add(ctx, 1)
	}
}

func (m *Metrics) AddStepCompleted(ctx context.Context) {
	if m != nil {
		m.StepsCompleted.Add(ctx, 1)
	}
}

func (m *Metrics) AddApprovalPending(ctx context.Context, delta int64) {
	if m != nil {
		m.ApprovalsPending.Add(ctx, delta)
	}
}

func (m *Metrics) AddTaskExecuted(ctx context.Context) {
	if m != nil {
		m.TasksExecuted.Add(ctx, 1)
	}
}

func (m *Metrics) AddTaskFailed(ctx context.Context) {
	if m != nil {
		m.TasksFailed.Add(ctx, 1)
	}
}

func (m *Metrics) AddMessagePublished(ctx context.Context) {
	if m != nil {
		m.MessagesPublished.Add(ctx, 1)
	}
}

func (m *Metrics) AddMessageDelivered(ctx context.Context) {
	if m != nil {
		m.MessagesDelivered.Add(ctx, 1)
	}
}

func (m *Metrics) AddMessageDropped(ctx context.Context) {
	if m != nil {
		m.MessagesDropped.Add(ctx, 1)
	}
}

func (m *Metrics) RecordStepDuration(ctx context.Context, seconds float64) {
	if m != nil {
		m.StepDuration.Record(ctx, seconds)
	}
}

func (m *Metrics) RecordTaskDuration(ctx context.Context, seconds float64) {
	if m != nil {
		m.TaskDuration.Record(ctx, seconds)
	}
}
