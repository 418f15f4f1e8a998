// Package service wires the orchestration components into one facade: agents
// and their registry, the task queue, the message bus, and the workflow
// engine. Callers embed the facade; transports stay outside the core.
package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/foremanhq/foreman/internal/adapter/otel"
	"github.com/foremanhq/foreman/internal/adapter/ristretto"
	"github.com/foremanhq/foreman/internal/bus"
	"github.com/foremanhq/foreman/internal/domain"
	"github.com/foremanhq/foreman/internal/domain/message"
	"github.com/foremanhq/foreman/internal/domain/task"
	"github.com/foremanhq/foreman/internal/domain/workflow"
	"github.com/foremanhq/foreman/internal/engine"
	"github.com/foremanhq/foreman/internal/port/contextstore"
	"github.com/foremanhq/foreman/internal/queue"
	"github.com/foremanhq/foreman/internal/registry"
)

const metaAgentType = "agent_type"

// System is the orchestration facade.
type System struct {
	bus      bus.Bus
	registry *registry.Registry
	queue    *queue.Queue
	engine   *engine.Engine
	cache    *ristretto.ExecutionCache
	shared   contextstore.Store
	metrics  *otel.Metrics
}

// Options collects the components a System runs on. Bus, Registry, Queue
// and Engine are required; Cache, Shared and Metrics are optional.
type Options struct {
	Bus      bus.Bus
	Registry *registry.Registry
	Queue    *queue.Queue
	Engine   *engine.Engine
	Cache    *ristretto.ExecutionCache
	// Shared carries project context that seeds every workflow run.
	Shared  contextstore.Store
	Metrics *otel.Metrics
}

// New assembles the facade.
func New(opts Options) *System {
	return &System{
		bus:      opts.Bus,
		registry: opts.Registry,
		queue:    opts.Queue,
		engine:   opts.Engine,
		cache:    opts.Cache,
		shared:   opts.Shared,
		metrics:  opts.Metrics,
	}
}

// Registry exposes the agent registry.
func (s *System) Registry() *registry.Registry { return s.registry }

// Engine exposes the workflow engine.
func (s *System) Engine() *engine.Engine { return s.engine }

// Queue exposes the task queue.
func (s *System) Queue() *queue.Queue { return s.queue }

// Bus exposes the message bus.
func (s *System) Bus() bus.Bus { return s.bus }

// SubmitTask enqueues a standalone task for an agent type and returns it in
// pending state. Dispatch assigns and runs ready tasks.
func (s *System) SubmitTask(agentType, taskType string, input map[string]any, priority message.Priority) (*task.Task, error) {
	if len(s.registry.GetByType(agentType)) == 0 {
		return nil, fmt.Errorf("submit task: no agents of type %q: %w", agentType, domain.ErrUnknownAgentType)
	}

	t := task.New(taskType, input)
	if priority != 0 {
		t.Priority = priority
	}
	t.Metadata = map[string]any{metaAgentType: agentType}
	s.queue.Enqueue(t)
	return t, nil
}

// Dispatch drains ready tasks onto available agents. It returns the number
// of tasks executed; tasks whose agent type has no available agent go back
// to pending. Call it from a worker loop or after submissions.
func (s *System) Dispatch(ctx context.Context) int {
	executed := 0
	var stalled []*task.Task

	for {
		t := s.queue.Dequeue("")
		if t == nil {
			break
		}

		// The queue gates on dependencies; a violation here is a logic error.
		if !s.queue.Tracker().CanExecute(t.ID) {
			t.MarkFailed(domain.ErrDependencyUnsatisfied.Error())
			s.queue.Update(t)
			slog.Error("dequeued task with unmet dependencies", "task_id", t.ID)
			continue
		}

		agentType, _ := t.Metadata[metaAgentType].(string)
		a := s.registry.GetBest(agentType)
		if a == nil {
			stalled = append(stalled, t)
			continue
		}

		if _, err := a.ExecuteTask(ctx, t); err != nil {
			slog.Warn("dispatched task failed", "task_id", t.ID, "agent_id", a.ID(), "error", err)
		}
		s.queue.Update(t)
		executed++
	}

	// No capacity for these right now; put them back for the next pass.
	for _, t := range stalled {
		s.queue.Requeue(t)
	}
	return executed
}

// SetSharedContext stores a project-level value that seeds future workflow
// runs. No-op without a shared store.
func (s *System) SetSharedContext(ctx context.Context, key string, value any) error {
	if s.shared == nil {
		return nil
	}
	return s.shared.Set(ctx, key, value)
}

// GetSharedContext returns a project-level value, or nil when absent.
func (s *System) GetSharedContext(ctx context.Context, key string) (any, error) {
	if s.shared == nil {
		return nil, nil
	}
	return s.shared.Get(ctx, key)
}

// StartWorkflow runs a registered workflow until it completes, fails, or
// parks at a human review step. Shared project context seeds the run;
// caller-supplied values win on key collisions.
func (s *System) StartWorkflow(ctx context.Context, workflowID string, initial map[string]any) (*workflow.Execution, error) {
	if s.shared != nil {
		seed, err := s.shared.ProjectContext(ctx)
		if err != nil {
			return nil, fmt.Errorf("start workflow: load shared context: %w", err)
		}
		if len(seed) > 0 {
			merged := make(map[string]any, len(seed)+len(initial))
			for k, v := range seed {
				merged[k] = v
			}
			for k, v := range initial {
				merged[k] = v
			}
			initial = merged
		}
	}

	exec, err := s.engine.Execute(ctx, workflowID, initial)
	if err != nil {
		return nil, err
	}
	s.cacheIfTerminal(exec)
	return exec, nil
}

// ApproveStep releases a parked execution past its review step. Feedback is
// optional and recorded alongside the approval; updates are merged into the
// execution context before the run resumes.
func (s *System) ApproveStep(ctx context.Context, executionID, approver, feedback string, updates map[string]any) error {
	if err := s.engine.Approve(ctx, executionID, approver, feedback, updates); err != nil {
		return err
	}
	s.cacheCurrent(executionID)
	return nil
}

// RejectStep rewinds a parked execution to the step before its review.
func (s *System) RejectStep(ctx context.Context, executionID, approver, feedback string, updates map[string]any) error {
	if err := s.engine.Reject(ctx, executionID, approver, feedback, updates); err != nil {
		return err
	}
	s.cacheCurrent(executionID)
	return nil
}

// GetExecution returns an execution, serving finished runs from the cache
// when possible.
func (s *System) GetExecution(executionID string) (*workflow.Execution, error) {
	if s.cache != nil {
		if exec, ok := s.cache.Get(executionID); ok {
			return exec, nil
		}
	}
	return s.engine.Execution(executionID)
}

func (s *System) cacheCurrent(executionID string) {
	exec, err := s.engine.Execution(executionID)
	if err != nil {
		return
	}
	s.cacheIfTerminal(exec)
}

func (s *System) cacheIfTerminal(exec *workflow.Execution) {
	if s.cache == nil || !exec.Status.Terminal() {
		return
	}
	if err := s.cache.Put(exec); err != nil {
		slog.Warn("execution cache write failed", "execution_id", exec.ID, "error", err)
	}
}

// Status aggregates component health for operators.
type Status struct {
	Registry registry.Status     `json:"registry"`
	Queue    queue.Metrics       `json:"queue"`
	Bus      bus.Metrics         `json:"bus"`
	Engine   engine.EngineStatus `json:"engine"`
}

// Status returns a snapshot across all components.
func (s *System) Status() Status {
	return Status{
		Registry: s.registry.Status(),
		Queue:    s.queue.Metrics(),
		Bus:      s.bus.Metrics(),
		Engine:   s.engine.Status(),
	}
}

// Close releases the bus and cache.
func (s *System) Close() {
	s.bus.Close()
	if s.cache != nil {
		s.cache.Close()
	}
}
