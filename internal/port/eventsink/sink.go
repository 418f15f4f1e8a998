// Package eventsink defines the port for workflow lifecycle notifications.
// Sinks are fire-and-forget: a failing sink is logged and never fails the
// workflow that emitted the event.
package eventsink

import "context"

// Well-known event names emitted by the workflow engine.
const (
	EventWorkflowStarted   = "workflow_started"
	EventWorkflowCompleted = "workflow_completed"
	EventWorkflowFailed    = "workflow_failed"
	EventStepStarted       = "step_started"
	EventStepCompleted     = "step_completed"
	EventStepFailed        = "step_failed"
	EventApprovalRequired  = "approval_required"
)

// Event is the payload delivered to a sink.
type Event struct {
	Name        string         `json:"name"`
	ExecutionID string         `json:"execution_id"`
	WorkflowID  string         `json:"workflow_id"`
	StepName    string         `json:"step_name,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
}

// Sink receives workflow lifecycle events.
type Sink interface {
	// Name returns the unique identifier for this sink (e.g. "log").
	Name() string

	// Notify delivers an event. Errors are swallowed and logged by the
	// caller.
	Notify(ctx context.Context, event Event) error
}
