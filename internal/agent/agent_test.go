package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/foremanhq/foreman/internal/bus"
	"github.com/foremanhq/foreman/internal/domain"
	"github.com/foremanhq/foreman/internal/domain/message"
	"github.com/foremanhq/foreman/internal/domain/task"
)

func echoProcessor() Processor {
	return ProcessorFunc(func(_ context.Context, t *task.Task) (map[string]any, error) {
		return map[string]any{"echo": t.Input}, nil
	})
}

func failingProcessor(msg string) Processor {
	return ProcessorFunc(func(context.Context, *task.Task) (map[string]any, error) {
		return nil, errors.New(msg)
	})
}

func TestAvailability(t *testing.T) {
	a := New(Config{ID: "a1", Type: "developer"}, echoProcessor(), nil, nil)
	if !a.IsAvailable() {
		t.Fatal("idle agent should be available")
	}
	for _, s := range []State{StateWorking, StateReviewing, StateBlocked, StateError, StatePaused} {
		a.SetState(s)
		if a.IsAvailable() {
			t.Fatalf("state %s should not be available", s)
		}
	}
	a.SetState(StateCompleted)
	if !a.IsAvailable() {
		t.Fatal("completed agent should be available")
	}
}

func TestExecuteTaskSuccess(t *testing.T) {
	a := New(Config{ID: "a1", Type: "developer"}, echoProcessor(), nil, nil)
	tk := task.New("implement", map[string]any{"feature": "login"})

	result, err := a.ExecuteTask(context.Background(), tk)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result["echo"] == nil {
		t.Fatalf("result = %v", result)
	}
	if tk.Status != task.StatusCompleted {
		t.Fatalf("task status = %s", tk.Status)
	}
	if tk.AssignedAgent != "a1" {
		t.Fatalf("assigned agent = %s", tk.AssignedAgent)
	}
	if a.State() != StateCompleted {
		t.Fatalf("agent state = %s", a.State())
	}
	m := a.MetricsSnapshot()
	if m.TasksCompleted != 1 || m.TasksFailed != 0 {
		t.Fatalf("metrics = %+v", m)
	}
	if len(a.History()) != 1 {
		t.Fatalf("history size = %d", len(a.History()))
	}
}

func TestExecuteTaskFailure(t *testing.T) {
	a := New(Config{ID: "a1", Type: "developer"}, failingProcessor("boom"), nil, nil)
	tk := task.New("implement", nil)

	_, err := a.ExecuteTask(context.Background(), tk)
	if !errors.Is(err, domain.ErrTaskExecutionFailed) {
		t.Fatalf("err = %v, want ErrTaskExecutionFailed", err)
	}
	if tk.Status != task.StatusFailed {
		t.Fatalf("task status = %s", tk.Status)
	}
	if a.State() != StateError {
		t.Fatalf("agent state = %s", a.State())
	}
	if m := a.MetricsSnapshot(); m.TasksFailed != 1 {
		t.Fatalf("metrics = %+v", m)
	}

	// Errored agents refuse new work until reset.
	if _, err := a.ExecuteTask(context.Background(), task.New("implement", nil)); !errors.Is(err, domain.ErrAgentUnavailable) {
		t.Fatalf("err = %v, want ErrAgentUnavailable", err)
	}
	a.Reset()
	if a.State() != StateIdle {
		t.Fatalf("state after reset = %s", a.State())
	}
	if m := a.MetricsSnapshot(); m.TasksFailed != 1 {
		t.Fatal("reset must not clear metrics")
	}
}

func TestExecuteTaskWhileBusy(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	slow := ProcessorFunc(func(context.Context, *task.Task) (map[string]any, error) {
		close(started)
		<-release
		return map[string]any{}, nil
	})
	a := New(Config{ID: "a1", Type: "developer"}, slow, nil, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		a.ExecuteTask(context.Background(), task.New("long", nil))
	}()
	<-started

	if _, err := a.ExecuteTask(context.Background(), task.New("second", nil)); !errors.Is(err, domain.ErrAgentUnavailable) {
		t.Fatalf("err = %v, want ErrAgentUnavailable", err)
	}
	close(release)
	<-done
}

func TestStateCallbacks(t *testing.T) {
	a := New(Config{ID: "a1", Type: "qa"}, echoProcessor(), nil, nil)
	var transitions [][2]State
	a.RegisterStateCallback(func(_ string, from, to State) {
		transitions = append(transitions, [2]State{from, to})
	})
	a.RegisterStateCallback(func(string, State, State) { panic("observer bug") })

	if _, err := a.ExecuteTask(context.Background(), task.New("check", nil)); err != nil {
		t.Fatalf("execute: %v", err)
	}
	want := [][2]State{{StateIdle, StateWorking}, {StateWorking, StateCompleted}}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v", transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Fatalf("transitions = %v, want %v", transitions, want)
		}
	}
}

func TestReceiveRequestRepliesOnBus(t *testing.T) {
	b := bus.NewInMemory(bus.Options{})
	defer b.Close()

	a := New(Config{ID: "worker", Type: "developer"}, echoProcessor(), b, nil)
	b.RegisterDirectHandler("worker", func(ctx context.Context, m message.Message) {
		a.ReceiveMessage(ctx, m)
	})

	got := make(chan message.Message, 1)
	b.RegisterDirectHandler("caller", func(_ context.Context, m message.Message) {
		got <- m
	})

	req := message.NewRequest("caller", "worker", "implement", map[string]any{"feature": "search"})
	if err := b.Publish(context.Background(), req); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case reply := <-got:
		if reply.Type != message.TypeResponse {
			t.Fatalf("reply type = %s", reply.Type)
		}
		if reply.CorrelationID != req.CorrelationID {
			t.Fatalf("correlation id = %s, want %s", reply.CorrelationID, req.CorrelationID)
		}
		if reply.ParentID != req.CorrelationID {
			t.Fatalf("parent id = %s, want %s", reply.ParentID, req.CorrelationID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no reply delivered")
	}
}

func TestReceiveRequestErrorReply(t *testing.T) {
	b := bus.NewInMemory(bus.Options{})
	defer b.Close()

	a := New(Config{ID: "worker", Type: "developer"}, failingProcessor("cannot comply"), b, nil)
	b.RegisterDirectHandler("worker", func(ctx context.Context, m message.Message) {
		a.ReceiveMessage(ctx, m)
	})

	got := make(chan message.Message, 1)
	b.RegisterDirectHandler("caller", func(_ context.Context, m message.Message) {
		got <- m
	})

	req := message.NewRequest("caller", "worker", "implement", nil)
	if err := b.Publish(context.Background(), req); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case reply := <-got:
		if reply.Type != message.TypeError {
			t.Fatalf("reply type = %s", reply.Type)
		}
		if reply.Priority != message.PriorityHigh {
			t.Fatalf("reply priority = %d", reply.Priority)
		}
		if reply.ParentID != req.CorrelationID {
			t.Fatalf("parent id = %s, want %s", reply.ParentID, req.CorrelationID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no reply delivered")
	}
}

func TestMessageCounters(t *testing.T) {
	b := bus.NewInMemory(bus.Options{})
	defer b.Close()

	a := New(Config{ID: "worker", Type: "developer"}, echoProcessor(), b, nil)
	b.RegisterDirectHandler("worker", func(ctx context.Context, m message.Message) {
		a.ReceiveMessage(ctx, m)
	})

	done := make(chan struct{})
	b.RegisterDirectHandler("caller", func(context.Context, message.Message) {
		close(done)
	})

	req := message.NewRequest("caller", "worker", "implement", nil)
	if err := b.Publish(context.Background(), req); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("no reply delivered")
	}

	m := a.MetricsSnapshot()
	if m.MessagesReceived != 1 {
		t.Fatalf("messages received = %d, want 1", m.MessagesReceived)
	}
	// One request produces a completion broadcast and a response.
	if m.MessagesSent != 2 {
		t.Fatalf("messages sent = %d, want 2", m.MessagesSent)
	}
	if a.Status().Metrics.MessagesSent != m.MessagesSent {
		t.Fatal("status does not expose message counters")
	}
}

func TestRegisterMessageHandlerOverridesDefault(t *testing.T) {
	a := New(Config{ID: "worker", Type: "developer"}, echoProcessor(), nil, nil)

	var handled []message.Type
	a.RegisterMessageHandler(message.TypeStatus, func(_ context.Context, m message.Message) {
		handled = append(handled, m.Type)
	})
	// A type with no built-in behavior gets one too.
	a.RegisterMessageHandler(message.TypeHandoff, func(_ context.Context, m message.Message) {
		handled = append(handled, m.Type)
	})

	a.ReceiveMessage(context.Background(), message.New("peer", "worker", message.TypeStatus, nil))
	a.ReceiveMessage(context.Background(), message.New("peer", "worker", message.TypeHandoff, nil))

	if len(handled) != 2 || handled[0] != message.TypeStatus || handled[1] != message.TypeHandoff {
		t.Fatalf("handled = %v", handled)
	}
	// The overridden status handler must not fall through to the default,
	// and the request path stays intact.
	if a.MetricsSnapshot().MessagesReceived != 2 {
		t.Fatalf("messages received = %d, want 2", a.MetricsSnapshot().MessagesReceived)
	}
}
