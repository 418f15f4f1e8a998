// Package agent implements the agent runtime: a state machine around a task
// processor, wired to the message bus for requests, responses and lifecycle
// broadcasts.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/foremanhq/foreman/internal/adapter/otel"
	"github.com/foremanhq/foreman/internal/bus"
	"github.com/foremanhq/foreman/internal/domain"
	"github.com/foremanhq/foreman/internal/domain/message"
	"github.com/foremanhq/foreman/internal/domain/task"
)

// State is the agent lifecycle state.
type State string

const (
	StateIdle      State = "idle"
	StateWorking   State = "working"
	StateReviewing State = "reviewing"
	StateCompleted State = "completed"
	StateBlocked   State = "blocked"
	StateError     State = "error"
	StatePaused    State = "paused"
)

// historyLimit bounds the per-agent task history.
const historyLimit = 50

// Capability describes one thing an agent can do, advertised through the
// registry for routing decisions.
type Capability struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// Config describes an agent instance. MaxRetries and TimeoutSeconds are
// carried for roster symmetry but not enforced by the runtime yet.
type Config struct {
	ID             string       `json:"id" yaml:"id"`
	Type           string       `json:"type" yaml:"type"`
	Name           string       `json:"name" yaml:"name"`
	Capabilities   []Capability `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
	MaxRetries     int          `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	TimeoutSeconds int          `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
}

// Processor holds the task logic for one agent type. The runtime owns state,
// history and messaging; the processor only turns input into output.
type Processor interface {
	Process(ctx context.Context, t *task.Task) (map[string]any, error)
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, t *task.Task) (map[string]any, error)

func (f ProcessorFunc) Process(ctx context.Context, t *task.Task) (map[string]any, error) {
	return f(ctx, t)
}

// StateCallback observes agent state transitions. Callbacks run synchronously
// on the transitioning goroutine; panics are contained.
type StateCallback func(agentID string, from, to State)

// MessageHandler processes one kind of incoming message. Handlers registered
// through RegisterMessageHandler replace the built-in behavior for that type.
type MessageHandler func(ctx context.Context, msg message.Message)

// MetricsSnapshot is a point-in-time copy of an agent's counters.
type MetricsSnapshot struct {
	TasksCompleted         int     `json:"tasks_completed"`
	TasksFailed            int     `json:"tasks_failed"`
	MessagesSent           int     `json:"messages_sent"`
	MessagesReceived       int     `json:"messages_received"`
	TotalProcessingSeconds float64 `json:"total_processing_seconds"`
	AvgProcessingSeconds   float64 `json:"avg_processing_seconds"`
	FailureRate            float64 `json:"failure_rate"`
}

// Status is a point-in-time view of an agent.
type Status struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Name          string          `json:"name"`
	State         State           `json:"state"`
	Available     bool            `json:"available"`
	CurrentTaskID string          `json:"current_task_id,omitempty"`
	Metrics       MetricsSnapshot `json:"metrics"`
	HistorySize   int             `json:"history_size"`
}

// Agent is the runtime wrapper around a processor. All exported methods are
// safe for concurrent use.
type Agent struct {
	cfg       Config
	processor Processor
	bus       bus.Bus
	metrics   *otel.Metrics

	mu               sync.Mutex
	state            State
	currentTask      *task.Task
	history          []*task.Task
	tasksCompleted   int
	tasksFailed      int
	messagesSent     int
	messagesReceived int
	totalSeconds     float64
	callbacks        []StateCallback
	handlers         map[message.Type]MessageHandler
}

// New builds an agent from its config and processor. A missing id or name is
// filled in so rosters can be terse.
func New(cfg Config, processor Processor, b bus.Bus, metrics *otel.Metrics) *Agent {
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.Name == "" {
		cfg.Name = cfg.Type
	}
	a := &Agent{
		cfg:       cfg,
		processor: processor,
		bus:       b,
		metrics:   metrics,
		state:     StateIdle,
	}
	a.handlers = map[message.Type]MessageHandler{
		message.TypeRequest:   a.handleRequest,
		message.TypeDelegate:  a.handleRequest,
		message.TypeNotify:    a.handleNotice,
		message.TypeStatus:    a.handleNotice,
		message.TypeBroadcast: a.handleNotice,
	}
	return a
}

// ID returns the agent id.
func (a *Agent) ID() string { return a.cfg.ID }

// Type returns the agent type.
func (a *Agent) Type() string { return a.cfg.Type }

// Name returns the agent display name.
func (a *Agent) Name() string { return a.cfg.Name }

// Config returns a copy of the agent config.
func (a *Agent) Config() Config { return a.cfg }

// State returns the current state.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// IsAvailable reports whether the agent can accept a task. Only idle and
// completed agents are available; every other state means the agent is busy
// or needs attention.
func (a *Agent) IsAvailable() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state == StateIdle || a.state == StateCompleted
}

// RegisterStateCallback registers an observer for state transitions.
func (a *Agent) RegisterStateCallback(cb StateCallback) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.callbacks = append(a.callbacks, cb)
}

// SetState forces a state transition and fires callbacks. Orchestration uses
// this for pause and resume; task execution manages its own transitions.
func (a *Agent) SetState(s State) {
	a.mu.Lock()
	from := a.state
	a.state = s
	cbs := append([]StateCallback(nil), a.callbacks...)
	a.mu.Unlock()

	if from != s {
		a.fireCallbacks(cbs, from, s)
	}
}

func (a *Agent) fireCallbacks(cbs []StateCallback, from, to State) {
	for _, cb := range cbs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("state callback panicked", "agent_id", a.cfg.ID, "panic", r)
				}
			}()
			cb(a.cfg.ID, from, to)
		}()
	}
}

// ExecuteTask runs a task through the processor, managing the full lifecycle:
// availability check, state transitions, metrics, history and lifecycle
// broadcasts. The task is mutated in place.
func (a *Agent) ExecuteTask(ctx context.Context, t *task.Task) (map[string]any, error) {
	a.mu.Lock()
	if a.state != StateIdle && a.state != StateCompleted {
		state := a.state
		a.mu.Unlock()
		return nil, fmt.Errorf("agent %s in state %s: %w", a.cfg.ID, state, domain.ErrAgentUnavailable)
	}
	from := a.state
	a.state = StateWorking
	a.currentTask = t
	cbs := append([]StateCallback(nil), a.callbacks...)
	a.mu.Unlock()
	a.fireCallbacks(cbs, from, StateWorking)

	t.AssignedAgent = a.cfg.ID
	t.MarkStarted()
	slog.Info("task started", "agent_id", a.cfg.ID, "task_id", t.ID, "type", t.Type)

	ctx, span := otel.StartTaskSpan(ctx, t.ID, t.Type, a.cfg.ID)
	started := time.Now()
	result, err := a.process(ctx, t)
	elapsed := time.Since(started)
	span.End()

	if err != nil {
		t.MarkFailed(err.Error())
		a.finish(t, StateError, elapsed, false)
		a.metrics.AddTaskFailed(ctx)
		slog.Error("task failed", "agent_id", a.cfg.ID, "task_id", t.ID, "error", err)
		a.broadcast(ctx, "task_failed", map[string]any{
			"task_id": t.ID, "task_type": t.Type, "error": err.Error(),
		})
		return nil, fmt.Errorf("agent %s task %s: %w: %w", a.cfg.ID, t.ID, domain.ErrTaskExecutionFailed, err)
	}

	t.MarkCompleted(result)
	a.finish(t, StateCompleted, elapsed, true)
	a.metrics.AddTaskExecuted(ctx)
	a.metrics.RecordTaskDuration(ctx, elapsed.Seconds())
	slog.Info("task completed", "agent_id", a.cfg.ID, "task_id", t.ID, "duration", elapsed)
	a.broadcast(ctx, "task_completed", map[string]any{
		"task_id": t.ID, "task_type": t.Type,
	})
	return result, nil
}

// process contains the processor call so panics become errors instead of
// wedging the agent in working state.
func (a *Agent) process(ctx context.Context, t *task.Task) (result map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor panicked: %v", r)
		}
	}()
	return a.processor.Process(ctx, t)
}

func (a *Agent) finish(t *task.Task, to State, elapsed time.Duration, ok bool) {
	a.mu.Lock()
	from := a.state
	a.state = to
	a.currentTask = nil
	a.history = append(a.history, t)
	if len(a.history) > historyLimit {
		a.history = a.history[len(a.history)-historyLimit:]
	}
	a.totalSeconds += elapsed.Seconds()
	if ok {
		a.tasksCompleted++
	} else {
		a.tasksFailed++
	}
	cbs := append([]StateCallback(nil), a.callbacks...)
	a.mu.Unlock()
	a.fireCallbacks(cbs, from, to)
}

func (a *Agent) broadcast(ctx context.Context, event string, data map[string]any) {
	if a.bus == nil {
		return
	}
	if err := a.send(ctx, message.NewBroadcast(a.cfg.ID, event, data)); err != nil {
		slog.Warn("broadcast failed", "agent_id", a.cfg.ID, "event", event, "error", err)
	}
}

// send publishes on behalf of the agent and counts the message on success.
func (a *Agent) send(ctx context.Context, msg message.Message) error {
	if err := a.bus.Publish(ctx, msg); err != nil {
		return err
	}
	a.mu.Lock()
	a.messagesSent++
	a.mu.Unlock()
	return nil
}

// RegisterMessageHandler replaces the handler for a message type. Built-in
// behavior covers request, delegate, notify, status and broadcast; other
// types are ignored until a handler is registered for them.
func (a *Agent) RegisterMessageHandler(t message.Type, h MessageHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handlers[t] = h
}

// ReceiveMessage dispatches an incoming message through the handler table.
// By default requests and delegations synthesize a task and reply with a
// response or error message. Messages with no handler are logged and
// dropped.
func (a *Agent) ReceiveMessage(ctx context.Context, msg message.Message) {
	a.mu.Lock()
	a.messagesReceived++
	h := a.handlers[msg.Type]
	a.mu.Unlock()

	if h == nil {
		slog.Debug("message ignored", "agent_id", a.cfg.ID, "sender", msg.Sender, "type", msg.Type)
		return
	}
	h(ctx, msg)
}

func (a *Agent) handleNotice(_ context.Context, msg message.Message) {
	slog.Debug("message received", "agent_id", a.cfg.ID, "sender", msg.Sender, "type", msg.Type)
}

func (a *Agent) handleRequest(ctx context.Context, msg message.Message) {
	action, _ := msg.Payload["action"].(string)
	if action == "" {
		action = "request"
	}
	data, _ := msg.Payload["data"].(map[string]any)

	t := task.New(action, data)
	t.Metadata = map[string]any{"requested_by": msg.Sender, "correlation_id": msg.CorrelationID}

	result, err := a.ExecuteTask(ctx, t)

	if a.bus == nil {
		return
	}
	var reply message.Message
	if err != nil {
		reply = msg.ErrorResponse(a.cfg.ID, err.Error())
	} else {
		reply = msg.Response(a.cfg.ID, map[string]any{"task_id": t.ID, "result": result})
	}
	if perr := a.send(ctx, reply); perr != nil {
		slog.Warn("reply failed", "agent_id", a.cfg.ID, "recipient", reply.Recipient, "error", perr)
	}
}

// Reset returns the agent to idle and clears the current task. Metrics and
// history survive a reset.
func (a *Agent) Reset() {
	a.mu.Lock()
	from := a.state
	a.state = StateIdle
	a.currentTask = nil
	cbs := append([]StateCallback(nil), a.callbacks...)
	a.mu.Unlock()
	if from != StateIdle {
		a.fireCallbacks(cbs, from, StateIdle)
	}
}

// History returns a copy of the recent task history, oldest first.
func (a *Agent) History() []*task.Task {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*task.Task(nil), a.history...)
}

// MetricsSnapshot returns the agent's counters with derived rates.
func (a *Agent) MetricsSnapshot() MetricsSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked()
}

func (a *Agent) snapshotLocked() MetricsSnapshot {
	m := MetricsSnapshot{
		TasksCompleted:         a.tasksCompleted,
		TasksFailed:            a.tasksFailed,
		MessagesSent:           a.messagesSent,
		MessagesReceived:       a.messagesReceived,
		TotalProcessingSeconds: a.totalSeconds,
	}
	total := a.tasksCompleted + a.tasksFailed
	if total > 0 {
		m.AvgProcessingSeconds = a.totalSeconds / float64(total)
		m.FailureRate = float64(a.tasksFailed) / float64(total)
	}
	return m
}

// Status returns a point-in-time view of the agent.
func (a *Agent) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := Status{
		ID:          a.cfg.ID,
		Type:        a.cfg.Type,
		Name:        a.cfg.Name,
		State:       a.state,
		Available:   a.state == StateIdle || a.state == StateCompleted,
		Metrics:     a.snapshotLocked(),
		HistorySize: len(a.history),
	}
	if a.currentTask != nil {
		s.CurrentTaskID = a.currentTask.ID
	}
	return s
}
