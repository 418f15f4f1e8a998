// Package task defines the unit-of-work entity scheduled by the task queue
// and executed by agents.
package task

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/foremanhq/foreman/internal/domain/message"
)

// Status represents the current state of a task. Transitions are monotonic
// along pending -> running -> {completed|failed|blocked|cancelled}.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusBlocked   Status = "blocked"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Task is a unit of work with a type, input, status and optional
// dependencies. The queue owns a task until it is dequeued; the executing
// agent co-owns it until a terminal status.
type Task struct {
	ID            string           `json:"id"`
	Type          string           `json:"type"`
	Input         map[string]any   `json:"input"`
	AssignedAgent string           `json:"assigned_agent,omitempty"`
	Status        Status           `json:"status"`
	Result        map[string]any   `json:"result,omitempty"`
	ParentID      string           `json:"parent_id,omitempty"`
	Dependencies  []string         `json:"dependencies,omitempty"`
	Priority      message.Priority `json:"priority"`
	CreatedAt     time.Time        `json:"created_at"`
	StartedAt     *time.Time       `json:"started_at,omitempty"`
	CompletedAt   *time.Time       `json:"completed_at,omitempty"`
	Metadata      map[string]any   `json:"metadata,omitempty"`
}

// New creates a pending task with a fresh id.
func New(taskType string, input map[string]any) *Task {
	return &Task{
		ID:        uuid.NewString(),
		Type:      taskType,
		Input:     input,
		Status:    StatusPending,
		Priority:  message.PriorityNormal,
		CreatedAt: time.Now().UTC(),
	}
}

// MarkStarted transitions the task to running.
func (t *Task) MarkStarted() {
	now := time.Now().UTC()
	t.Status = StatusRunning
	t.StartedAt = &now
}

// MarkCompleted transitions the task to completed with its result.
func (t *Task) MarkCompleted(result map[string]any) {
	now := time.Now().UTC()
	t.Status = StatusCompleted
	t.Result = result
	t.CompletedAt = &now
}

// MarkFailed transitions the task to failed, recording the error as result.
func (t *Task) MarkFailed(errMsg string) {
	now := time.Now().UTC()
	t.Status = StatusFailed
	t.Result = map[string]any{"error": errMsg}
	t.CompletedAt = &now
}

// MarkBlocked transitions the task to blocked with a reason. Blocked tasks
// need external intervention before they can run.
func (t *Task) MarkBlocked(reason string) {
	t.Status = StatusBlocked
	if t.Metadata == nil {
		t.Metadata = map[string]any{}
	}
	t.Metadata["blocked_reason"] = reason
}

// Marshal serializes the task.
func (t *Task) Marshal() ([]byte, error) {
	return json.Marshal(t)
}

// Unmarshal decodes a task, defaulting regenerated fields the same way New
// does. An explicitly supplied id or timestamp is never replaced.
func Unmarshal(data []byte) (*Task, error) {
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = StatusPending
	}
	if t.Priority == 0 {
		t.Priority = message.PriorityNormal
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	return &t, nil
}
