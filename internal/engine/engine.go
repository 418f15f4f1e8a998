// Package engine executes workflow definitions against the agent registry.
// An execution advances step by step in a single goroutine; human review
// steps park it in waiting_approval until an approve or reject call resumes
// the loop.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/foremanhq/foreman/internal/adapter/otel"
	"github.com/foremanhq/foreman/internal/domain"
	"github.com/foremanhq/foreman/internal/domain/task"
	"github.com/foremanhq/foreman/internal/domain/workflow"
	"github.com/foremanhq/foreman/internal/port/eventsink"
	"github.com/foremanhq/foreman/internal/queue"
	"github.com/foremanhq/foreman/internal/registry"
)

const defaultMaxParallel = 4

// Predicate evaluates a named condition against the execution context.
type Predicate func(execContext map[string]any) bool

// Options tunes the engine.
type Options struct {
	// MaxParallel bounds concurrent sub-steps of a parallel step.
	// Zero means the default.
	MaxParallel int64
	// Metrics receives engine instruments. Nil disables them.
	Metrics *otel.Metrics
}

// PendingApproval describes a parked human review step.
type PendingApproval struct {
	ExecutionID string    `json:"execution_id"`
	StepIndex   int       `json:"step_index"`
	StepName    string    `json:"step_name"`
	ReviewType  string    `json:"review_type,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
}

// EngineStatus summarizes the engine for operators.
type EngineStatus struct {
	Workflows        int                         `json:"workflows"`
	Executions       int                         `json:"executions"`
	ByStatus         map[workflow.ExecStatus]int `json:"by_status"`
	PendingApprovals int                         `json:"pending_approvals"`
}

// Engine runs workflows. All exported methods are safe for concurrent use,
// but a single execution only ever advances on one goroutine at a time.
type Engine struct {
	registry *registry.Registry
	queue    *queue.Queue
	metrics  *otel.Metrics
	sem      *semaphore.Weighted

	// stateMu guards execution context and step results, which parallel
	// sub-steps touch concurrently.
	stateMu sync.Mutex

	mu         sync.Mutex
	workflows  map[string]*workflow.Workflow
	executions map[string]*workflow.Execution
	pending    map[string]PendingApproval
	predicates map[string]Predicate
	sinks      []eventsink.Sink
}

// New builds an engine. queue may be nil; when set, workflow tasks are
// recorded in it so queue metrics cover workflow work too.
func New(reg *registry.Registry, q *queue.Queue, opts Options) *Engine {
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = defaultMaxParallel
	}
	return &Engine{
		registry:   reg,
		queue:      q,
		metrics:    opts.Metrics,
		sem:        semaphore.NewWeighted(opts.MaxParallel),
		workflows:  make(map[string]*workflow.Workflow),
		executions: make(map[string]*workflow.Execution),
		pending:    make(map[string]PendingApproval),
		predicates: make(map[string]Predicate),
	}
}

// RegisterWorkflow validates and stores a workflow definition. Registering
// an id again replaces the previous version; running executions keep the
// definition they started with only until their next step lookup, so replace
// definitions while their executions are idle.
func (e *Engine) RegisterWorkflow(wf *workflow.Workflow) error {
	if err := wf.Validate(); err != nil {
		return fmt.Errorf("workflow %q: %w", wf.Name, err)
	}
	e.mu.Lock()
	e.workflows[wf.ID] = wf
	e.mu.Unlock()
	slog.Info("workflow registered", "workflow_id", wf.ID, "name", wf.Name, "steps", len(wf.Steps))
	return nil
}

// Workflow returns a registered workflow.
func (e *Engine) Workflow(id string) (*workflow.Workflow, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	wf, ok := e.workflows[id]
	if !ok {
		return nil, fmt.Errorf("workflow %s: %w", id, domain.ErrWorkflowNotFound)
	}
	return wf, nil
}

// Workflows returns all registered workflows.
func (e *Engine) Workflows() []*workflow.Workflow {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*workflow.Workflow, 0, len(e.workflows))
	for _, wf := range e.workflows {
		out = append(out, wf)
	}
	return out
}

// RegisterSink adds an event sink. Sinks are fire-and-forget: errors and
// panics are logged, never propagated.
func (e *Engine) RegisterSink(s eventsink.Sink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sinks = append(e.sinks, s)
}

// RegisterPredicate names a condition usable by conditional and loop steps.
func (e *Engine) RegisterPredicate(name string, p Predicate) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.predicates[name] = p
}

// Execute starts a workflow and advances it until it completes, fails, or
// parks at a human review step. The returned execution reflects the state at
// return time; use Approve and Reject to move a parked execution.
func (e *Engine) Execute(ctx context.Context, workflowID string, initial map[string]any) (*workflow.Execution, error) {
	wf, err := e.Workflow(workflowID)
	if err != nil {
		return nil, err
	}

	merged := map[string]any{}
	for k, v := range wf.InitialContext {
		merged[k] = v
	}
	for k, v := range initial {
		merged[k] = v
	}

	exec := workflow.NewExecution(wf.ID, merged)
	exec.Status = workflow.ExecRunning

	e.mu.Lock()
	e.executions[exec.ID] = exec
	e.mu.Unlock()

	e.metrics.AddWorkflowStarted(ctx)
	slog.Info("workflow started", "execution_id", exec.ID, "workflow_id", wf.ID)
	e.emit(ctx, eventsink.EventWorkflowStarted, exec, "", nil)

	ctx, span := otel.StartWorkflowSpan(ctx, exec.ID, wf.ID)
	defer span.End()

	e.run(ctx, wf, exec)
	return exec, nil
}

// run advances the execution until it leaves the running state.
func (e *Engine) run(ctx context.Context, wf *workflow.Workflow, exec *workflow.Execution) {
	for exec.Status == workflow.ExecRunning && exec.CurrentStepIndex < len(wf.Steps) {
		step := wf.Steps[exec.CurrentStepIndex]

		if step.Kind == workflow.StepHumanReview {
			e.park(ctx, exec, step)
			return
		}

		err := e.runStep(ctx, exec, step)
		if err == nil {
			exec.CurrentStepIndex++
			continue
		}

		policy := step.OnFailure
		if policy == workflow.FailureRetry {
			slog.Warn("retry policy not implemented, treating as fail",
				"execution_id", exec.ID, "step", step.Name)
			policy = workflow.FailureFail
		}
		switch policy {
		case workflow.FailureSkip:
			slog.Warn("step failed, skipping", "execution_id", exec.ID, "step", step.Name, "error", err)
			exec.StepResults[step.Name] = map[string]any{"skipped": true, "error": err.Error()}
			exec.CurrentStepIndex++
		default:
			e.fail(ctx, exec, step.Name, err)
			return
		}
	}

	if exec.Status == workflow.ExecRunning {
		now := time.Now().UTC()
		exec.Status = workflow.ExecCompleted
		exec.CompletedAt = &now
		e.metrics.AddWorkflowCompleted(ctx)
		slog.Info("workflow completed", "execution_id", exec.ID, "workflow_id", exec.WorkflowID)
		e.emit(ctx, eventsink.EventWorkflowCompleted, exec, "", nil)
	}
}

func (e *Engine) park(ctx context.Context, exec *workflow.Execution, step workflow.Step) {
	exec.Status = workflow.ExecWaitingApproval
	p := PendingApproval{
		ExecutionID: exec.ID,
		StepIndex:   exec.CurrentStepIndex,
		StepName:    step.Name,
		ReviewType:  step.ReviewType,
		RequestedAt: time.Now().UTC(),
	}
	e.mu.Lock()
	e.pending[exec.ID] = p
	e.mu.Unlock()

	e.metrics.AddApprovalPending(ctx, 1)
	slog.Info("approval required", "execution_id", exec.ID, "step", step.Name, "review_type", step.ReviewType)
	e.emit(ctx, eventsink.EventApprovalRequired, exec, step.Name, map[string]any{
		"review_type": step.ReviewType,
		"step_index":  p.StepIndex,
	})
}

func (e *Engine) fail(ctx context.Context, exec *workflow.Execution, stepName string, err error) {
	now := time.Now().UTC()
	exec.Status = workflow.ExecFailed
	exec.Error = err.Error()
	exec.CompletedAt = &now
	e.metrics.AddWorkflowFailed(ctx)
	slog.Error("workflow failed", "execution_id", exec.ID, "step", stepName, "error", err)
	e.emit(ctx, eventsink.EventWorkflowFailed, exec, stepName, map[string]any{"error": err.Error()})
}

// runStep executes one step, recursing into sub-steps for composite kinds.
func (e *Engine) runStep(ctx context.Context, exec *workflow.Execution, step workflow.Step) error {
	ctx, span := otel.StartStepSpan(ctx, step.Name, string(step.Kind))
	defer span.End()

	e.emit(ctx, eventsink.EventStepStarted, exec, step.Name, nil)
	started := time.Now()

	var err error
	switch step.Kind {
	case workflow.StepAgentTask:
		err = e.runAgentStep(ctx, exec, step)
	case workflow.StepParallel:
		err = e.runParallel(ctx, exec, step)
	case workflow.StepConditional:
		err = e.runConditional(ctx, exec, step)
	case workflow.StepLoop:
		err = e.runLoop(ctx, exec, step)
	case workflow.StepWait:
		err = e.runWait(ctx, step)
	default:
		err = fmt.Errorf("step %q: unsupported kind %q", step.Name, step.Kind)
	}

	elapsed := time.Since(started)
	e.metrics.RecordStepDuration(ctx, elapsed.Seconds())
	if err != nil {
		e.emit(ctx, eventsink.EventStepFailed, exec, step.Name, map[string]any{"error": err.Error()})
		return err
	}
	e.metrics.AddStepCompleted(ctx)
	e.emit(ctx, eventsink.EventStepCompleted, exec, step.Name, nil)
	return nil
}

func (e *Engine) runAgentStep(ctx context.Context, exec *workflow.Execution, step workflow.Step) error {
	input := map[string]any{}
	e.stateMu.Lock()
	if len(step.InputMapping) == 0 {
		for k, v := range exec.Context {
			input[k] = v
		}
	} else {
		for taskKey, ctxKey := range step.InputMapping {
			if v, ok := exec.Context[ctxKey]; ok {
				input[taskKey] = v
			}
		}
	}
	e.stateMu.Unlock()

	t := task.New(step.TaskType, input)
	t.Metadata = map[string]any{"execution_id": exec.ID, "step": step.Name}
	if e.queue != nil {
		// The queue is a ledger for workflow tasks; the engine executes them
		// itself. Marking the task running keeps a concurrent Dispatch loop
		// from dequeuing it a second time.
		e.queue.Enqueue(t)
		t.MarkStarted()
		e.queue.Update(t)
	}

	// Walk candidates best first. ExecuteTask's availability check is the
	// claim: a candidate grabbed by a concurrent branch reports unavailable
	// and the next one is tried.
	var result map[string]any
	err := fmt.Errorf("no agent of type %q: %w", step.AgentType, domain.ErrAgentUnavailable)
	for _, a := range e.registry.GetRanked(step.AgentType) {
		result, err = a.ExecuteTask(ctx, t)
		if !errors.Is(err, domain.ErrAgentUnavailable) {
			break
		}
	}
	if e.queue != nil {
		e.queue.Update(t)
	}
	if err != nil {
		return fmt.Errorf("step %q: %w", step.Name, err)
	}

	e.stateMu.Lock()
	exec.StepResults[step.Name] = result
	if len(step.OutputMapping) == 0 {
		exec.Context[step.Name+"_result"] = result
	} else {
		for resultKey, ctxKey := range step.OutputMapping {
			if v, ok := result[resultKey]; ok {
				exec.Context[ctxKey] = v
			}
		}
	}
	e.stateMu.Unlock()
	return nil
}

// runParallel fans sub-steps out over the shared semaphore and waits for all
// of them. The first error wins; later errors are logged.
func (e *Engine) runParallel(ctx context.Context, exec *workflow.Execution, step workflow.Step) error {
	var wg sync.WaitGroup
	errs := make([]error, len(step.SubSteps))

	for i, sub := range step.SubSteps {
		if err := e.sem.Acquire(ctx, 1); err != nil {
			return fmt.Errorf("step %q: %w", step.Name, err)
		}
		wg.Add(1)
		go func(i int, sub workflow.Step) {
			defer wg.Done()
			defer e.sem.Release(1)
			errs[i] = e.runStep(ctx, exec, sub)
		}(i, sub)
	}
	wg.Wait()

	var first error
	for i, err := range errs {
		if err == nil {
			continue
		}
		if first == nil {
			first = err
		} else {
			slog.Warn("parallel sub-step failed", "step", step.SubSteps[i].Name, "error", err)
		}
	}
	if first != nil {
		return fmt.Errorf("step %q: %w", step.Name, first)
	}
	return nil
}

func (e *Engine) runConditional(ctx context.Context, exec *workflow.Execution, step workflow.Step) error {
	e.stateMu.Lock()
	met := e.evalCondition(step.Condition, exec.Context)
	if !met {
		exec.StepResults[step.Name] = map[string]any{"skipped": true, "condition": step.Condition}
	}
	e.stateMu.Unlock()
	if !met {
		slog.Debug("conditional skipped", "execution_id", exec.ID, "step", step.Name, "condition", step.Condition)
		return nil
	}
	for _, sub := range step.SubSteps {
		if err := e.runStep(ctx, exec, sub); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) runLoop(ctx context.Context, exec *workflow.Execution, step workflow.Step) error {
	max := step.MaxIterations
	if max <= 0 {
		max = 1
	}
	for i := 0; i < max; i++ {
		if step.Condition != "" {
			e.stateMu.Lock()
			met := e.evalCondition(step.Condition, exec.Context)
			e.stateMu.Unlock()
			if !met {
				break
			}
		}
		for _, sub := range step.SubSteps {
			if err := e.runStep(ctx, exec, sub); err != nil {
				return fmt.Errorf("iteration %d: %w", i, err)
			}
		}
	}
	return nil
}

func (e *Engine) runWait(ctx context.Context, step workflow.Step) error {
	if step.WaitFor <= 0 {
		return nil
	}
	timer := time.NewTimer(step.WaitFor)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// evalCondition resolves a condition name. The builtin "has:<key>" form is
// true when the context holds a non-nil value for key; anything else looks
// up a registered predicate. Unknown predicates evaluate false.
func (e *Engine) evalCondition(name string, execContext map[string]any) bool {
	if key, ok := strings.CutPrefix(name, "has:"); ok {
		v, present := execContext[key]
		return present && v != nil
	}

	e.mu.Lock()
	p := e.predicates[name]
	e.mu.Unlock()
	if p == nil {
		slog.Warn("unknown condition predicate", "condition", name)
		return false
	}
	return p(execContext)
}

// Approve releases a parked execution past its review step and advances it
// until the next pause or completion. Feedback is optional; when given it is
// recorded in the step result and in context. updates are merged into the
// execution context before the run resumes, so the reviewer can correct or
// amend values the next steps will read.
func (e *Engine) Approve(ctx context.Context, executionID, approver, feedback string, updates map[string]any) error {
	exec, wf, p, err := e.takePending(executionID)
	if err != nil {
		return err
	}

	step := wf.Steps[p.StepIndex]
	exec.Context[step.Name+"_review_status"] = "approved"
	result := map[string]any{"status": "approved", "approver": approver}
	if feedback != "" {
		result["feedback"] = feedback
		exec.Context[step.Name+"_feedback"] = feedback
	}
	exec.StepResults[step.Name] = result
	for k, v := range updates {
		exec.Context[k] = v
	}
	exec.CurrentStepIndex = p.StepIndex + 1
	exec.Status = workflow.ExecRunning

	e.metrics.AddApprovalPending(ctx, -1)
	slog.Info("step approved", "execution_id", executionID, "step", step.Name, "approver", approver)
	e.emit(ctx, eventsink.EventStepCompleted, exec, step.Name, map[string]any{"approver": approver})

	e.run(ctx, wf, exec)
	return nil
}

// Reject sends a parked execution back to the step before the review,
// recording the feedback in context so the rework sees it. updates are
// merged into the context alongside the feedback. At step zero the rewind
// clamps in place and the first step reruns.
func (e *Engine) Reject(ctx context.Context, executionID, approver, feedback string, updates map[string]any) error {
	exec, wf, p, err := e.takePending(executionID)
	if err != nil {
		return err
	}

	step := wf.Steps[p.StepIndex]
	exec.Context[step.Name+"_feedback"] = feedback
	exec.Context[step.Name+"_review_status"] = "rejected"
	for k, v := range updates {
		exec.Context[k] = v
	}
	idx := p.StepIndex - 1
	if idx < 0 {
		idx = 0
	}
	exec.CurrentStepIndex = idx
	exec.Status = workflow.ExecRunning

	e.metrics.AddApprovalPending(ctx, -1)
	slog.Info("step rejected", "execution_id", executionID, "step", step.Name,
		"approver", approver, "rewind_to", idx)
	e.emit(ctx, eventsink.EventStepFailed, exec, step.Name, map[string]any{
		"approver": approver,
		"feedback": feedback,
	})

	e.run(ctx, wf, exec)
	return nil
}

// takePending claims the pending approval for an execution.
func (e *Engine) takePending(executionID string) (*workflow.Execution, *workflow.Workflow, PendingApproval, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.pending[executionID]
	if !ok {
		return nil, nil, PendingApproval{}, fmt.Errorf("execution %s: %w", executionID, domain.ErrNoPendingApproval)
	}
	exec := e.executions[executionID]
	wf := e.workflows[exec.WorkflowID]
	if wf == nil {
		return nil, nil, PendingApproval{}, fmt.Errorf("workflow %s: %w", exec.WorkflowID, domain.ErrWorkflowNotFound)
	}
	delete(e.pending, executionID)
	return exec, wf, p, nil
}

// Execution returns an execution by id.
func (e *Engine) Execution(id string) (*workflow.Execution, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	exec, ok := e.executions[id]
	if !ok {
		return nil, fmt.Errorf("execution %s: %w", id, domain.ErrNotFound)
	}
	return exec, nil
}

// Executions returns all known executions.
func (e *Engine) Executions() []*workflow.Execution {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*workflow.Execution, 0, len(e.executions))
	for _, exec := range e.executions {
		out = append(out, exec)
	}
	return out
}

// PendingApprovals lists parked review steps.
func (e *Engine) PendingApprovals() []PendingApproval {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]PendingApproval, 0, len(e.pending))
	for _, p := range e.pending {
		out = append(out, p)
	}
	return out
}

// Status summarizes the engine.
func (e *Engine) Status() EngineStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := EngineStatus{
		Workflows:        len(e.workflows),
		Executions:       len(e.executions),
		ByStatus:         make(map[workflow.ExecStatus]int),
		PendingApprovals: len(e.pending),
	}
	for _, exec := range e.executions {
		s.ByStatus[exec.Status]++
	}
	return s
}

// emit delivers an event to every sink, containing failures.
func (e *Engine) emit(ctx context.Context, name string, exec *workflow.Execution, stepName string, data map[string]any) {
	e.mu.Lock()
	sinks := append([]eventsink.Sink(nil), e.sinks...)
	e.mu.Unlock()

	ev := eventsink.Event{
		Name:        name,
		ExecutionID: exec.ID,
		WorkflowID:  exec.WorkflowID,
		StepName:    stepName,
		Data:        data,
	}
	for _, s := range sinks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("event sink panicked", "sink", s.Name(), "event", name, "panic", r)
				}
			}()
			if err := s.Notify(ctx, ev); err != nil {
				slog.Warn("event sink failed", "sink", s.Name(), "event", name, "error", err)
			}
		}()
	}
}
