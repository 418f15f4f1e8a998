// Package workflow defines workflow, step and execution entities for the
// orchestration engine. A workflow is an ordered list of typed steps;
// an execution is one run of a workflow carrying its own context and
// position. Definitions can be built in code or loaded from YAML files.
package workflow

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrIDRequired        = errors.New("workflow id is required")
	ErrNameRequired      = errors.New("workflow name is required")
	ErrNoSteps           = errors.New("workflow must have at least one step")
	ErrStepMissingName   = errors.New("step name is required")
	ErrInvalidStepKind   = errors.New("invalid step kind")
	ErrStepMissingAgent  = errors.New("agent_task step requires agent_type and task_type")
	ErrStepMissingCond   = errors.New("conditional step requires a condition name")
	ErrStepNoSubSteps    = errors.New("parallel/conditional/loop step requires sub_steps")
	ErrInvalidOnFailure  = errors.New("invalid on_failure policy")
	ErrNestedHumanReview = errors.New("human_review is not allowed inside sub_steps")
)

// StepKind classifies a workflow step.
type StepKind string

const (
	StepAgentTask   StepKind = "agent_task"
	StepParallel    StepKind = "parallel"
	StepConditional StepKind = "conditional"
	StepHumanReview StepKind = "human_review"
	StepLoop        StepKind = "loop"
	StepWait        StepKind = "wait"
)

// OnFailure selects how the engine reacts to a failing step.
type OnFailure string

const (
	// FailureFail marks the whole execution failed. Default.
	FailureFail OnFailure = "fail"
	// FailureSkip records the error and continues with the next step.
	FailureSkip OnFailure = "skip"
	// FailureRetry is accepted by validation but currently executed as
	// FailureFail; the retry policy is reserved.
	FailureRetry OnFailure = "retry"
)

// Step is one unit of a workflow. InputMapping projects context keys into
// task input (task_key -> context_key); OutputMapping writes selected result
// fields back into context (result_key -> context_key). An empty
// InputMapping passes a copy of the full context.
type Step struct {
	ID            string            `json:"id" yaml:"id"`
	Name          string            `json:"name" yaml:"name"`
	Kind          StepKind          `json:"kind" yaml:"kind"`
	AgentType     string            `json:"agent_type,omitempty" yaml:"agent_type,omitempty"`
	TaskType      string            `json:"task_type,omitempty" yaml:"task_type,omitempty"`
	InputMapping  map[string]string `json:"input_mapping,omitempty" yaml:"input_mapping,omitempty"`
	OutputMapping map[string]string `json:"output_mapping,omitempty" yaml:"output_mapping,omitempty"`
	Condition     string            `json:"condition,omitempty" yaml:"condition,omitempty"`
	SubSteps      []Step            `json:"sub_steps,omitempty" yaml:"sub_steps,omitempty"`
	ReviewType    string            `json:"review_type,omitempty" yaml:"review_type,omitempty"`
	WaitFor       time.Duration     `json:"wait_for,omitempty" yaml:"wait_for,omitempty"`
	MaxIterations int               `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty"`
	OnFailure     OnFailure         `json:"on_failure,omitempty" yaml:"on_failure,omitempty"`
}

// Workflow is an ordered multi-stage process definition.
type Workflow struct {
	ID             string         `json:"id" yaml:"id"`
	Name           string         `json:"name" yaml:"name"`
	Description    string         `json:"description" yaml:"description"`
	Version        string         `json:"version,omitempty" yaml:"version,omitempty"`
	Steps          []Step         `json:"steps" yaml:"steps"`
	InitialContext map[string]any `json:"initial_context,omitempty" yaml:"initial_context,omitempty"`
}

// New creates a workflow definition with a fresh id.
func New(name, description string, steps []Step) *Workflow {
	return &Workflow{
		ID:          uuid.NewString(),
		Name:        name,
		Description: description,
		Version:     "1.0",
		Steps:       steps,
	}
}

// NewAgentStep builds an agent_task step.
func NewAgentStep(name, agentType, taskType string, inputMapping, outputMapping map[string]string) Step {
	return Step{
		ID:            uuid.NewString(),
		Name:          name,
		Kind:          StepAgentTask,
		AgentType:     agentType,
		TaskType:      taskType,
		InputMapping:  inputMapping,
		OutputMapping: outputMapping,
	}
}

// NewHumanReviewStep builds a human_review checkpoint step.
func NewHumanReviewStep(name, reviewType string) Step {
	return Step{
		ID:         uuid.NewString(),
		Name:       name,
		Kind:       StepHumanReview,
		ReviewType: reviewType,
	}
}

// NewParallelStep builds a parallel fan-out step over the given sub-steps.
func NewParallelStep(name string, subSteps ...Step) Step {
	return Step{
		ID:       uuid.NewString(),
		Name:     name,
		Kind:     StepParallel,
		SubSteps: subSteps,
	}
}

// NewConditionalStep builds a conditional step gated by a named predicate.
func NewConditionalStep(name, condition string, subSteps ...Step) Step {
	return Step{
		ID:        uuid.NewString(),
		Name:      name,
		Kind:      StepConditional,
		Condition: condition,
		SubSteps:  subSteps,
	}
}

// Validate checks the workflow for structural correctness.
func (w *Workflow) Validate() error {
	if w.ID == "" {
		return ErrIDRequired
	}
	if w.Name == "" {
		return ErrNameRequired
	}
	if len(w.Steps) == 0 {
		return ErrNoSteps
	}
	for i := range w.Steps {
		if err := validateStep(&w.Steps[i], false); err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}
	}
	return nil
}

func validateStep(s *Step, nested bool) error {
	if s.Name == "" {
		return ErrStepMissingName
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}

	switch s.OnFailure {
	case "", FailureFail, FailureSkip, FailureRetry:
	default:
		return fmt.Errorf("%q: %w", s.OnFailure, ErrInvalidOnFailure)
	}

	switch s.Kind {
	case StepAgentTask:
		if s.AgentType == "" || s.TaskType == "" {
			return ErrStepMissingAgent
		}
	case StepHumanReview:
		if nested {
			return ErrNestedHumanReview
		}
	case StepConditional:
		if s.Condition == "" {
			return ErrStepMissingCond
		}
		if len(s.SubSteps) == 0 {
			return ErrStepNoSubSteps
		}
	case StepParallel, StepLoop:
		if len(s.SubSteps) == 0 {
			return ErrStepNoSubSteps
		}
	case StepWait:
	default:
		return fmt.Errorf("%q: %w", s.Kind, ErrInvalidStepKind)
	}

	for i := range s.SubSteps {
		if err := validateStep(&s.SubSteps[i], true); err != nil {
			return fmt.Errorf("sub_step %d: %w", i, err)
		}
	}
	return nil
}

// ExecStatus is the status of a workflow execution.
type ExecStatus string

const (
	ExecPending         ExecStatus = "pending"
	ExecRunning         ExecStatus = "running"
	ExecPaused          ExecStatus = "paused"
	ExecWaitingApproval ExecStatus = "waiting_approval"
	ExecCompleted       ExecStatus = "completed"
	ExecFailed          ExecStatus = "failed"
	ExecCancelled       ExecStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s ExecStatus) Terminal() bool {
	switch s {
	case ExecCompleted, ExecFailed, ExecCancelled:
		return true
	}
	return false
}

// Execution is one running instance of a workflow. Context is mutated only
// by the engine's step loop and by approve/reject; keys are appended or
// overwritten, never deleted mid-run.
type Execution struct {
	ID               string         `json:"id"`
	WorkflowID       string         `json:"workflow_id"`
	Status           ExecStatus     `json:"status"`
	CurrentStepIndex int            `json:"current_step_index"`
	Context          map[string]any `json:"context"`
	StepResults      map[string]any `json:"step_results"`
	StartedAt        time.Time      `json:"started_at"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
	Error            string         `json:"error,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// NewExecution creates a pending execution seeded with the merged context.
func NewExecution(workflowID string, context map[string]any) *Execution {
	if context == nil {
		context = map[string]any{}
	}
	return &Execution{
		ID:          uuid.NewString(),
		WorkflowID:  workflowID,
		Status:      ExecPending,
		Context:     context,
		StepResults: map[string]any{},
		StartedAt:   time.Now().UTC(),
		Metadata:    map[string]any{},
	}
}
