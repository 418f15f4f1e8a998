package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/foremanhq/foreman/internal/domain/message"
)

// collect subscribes and gathers delivered messages behind a mutex.
type collector struct {
	mu   sync.Mutex
	msgs []message.Message
}

func (c *collector) handle(_ context.Context, msg message.Message) {
	c.mu.Lock()
	c.msgs = append(c.msgs, msg)
	c.mu.Unlock()
}

func (c *collector) wait(t *testing.T, n int) []message.Message {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		if len(c.msgs) >= n {
			out := append([]message.Message(nil), c.msgs...)
			c.mu.Unlock()
			return out
		}
		c.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	t.Fatalf("timed out waiting for %d messages, have %d", n, len(c.msgs))
	return nil
}

func TestDeliveryPreservesPublishOrder(t *testing.T) {
	b := NewInMemory(Options{})
	defer b.Close()

	c := &collector{}
	b.Subscribe("worker", c.handle, Filter{})

	ctx := context.Background()
	for i := 0; i < 20; i++ {
		msg := message.New("sender", "worker", TypeFor(i), map[string]any{"seq": i})
		if err := b.Publish(ctx, msg); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	got := c.wait(t, 20)
	for i, m := range got {
		if m.Payload["seq"].(int) != i {
			t.Fatalf("message %d out of order: %v", i, m.Payload)
		}
	}
}

// TypeFor alternates types so ordering is not an artifact of a single type.
func TypeFor(i int) message.Type {
	if i%2 == 0 {
		return message.TypeNotify
	}
	return message.TypeStatus
}

func TestBroadcastFanoutWithFilters(t *testing.T) {
	b := NewInMemory(Options{})
	defer b.Close()

	all := &collector{}
	onlyNotify := &collector{}
	fromAlice := &collector{}
	b.Subscribe("all", all.handle, Filter{})
	b.Subscribe("notify-only", onlyNotify.handle, Filter{Types: []message.Type{message.TypeBroadcast}})
	b.Subscribe("alice-only", fromAlice.handle, Filter{Sender: "alice"})

	ctx := context.Background()
	if err := b.Publish(ctx, message.NewBroadcast("alice", "started", nil)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := b.Publish(ctx, message.NewBroadcast("bob", "stopped", nil)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	all.wait(t, 2)
	onlyNotify.wait(t, 2)
	if got := fromAlice.wait(t, 1); len(got) != 1 || got[0].Sender != "alice" {
		t.Fatalf("sender filter leaked: %v", got)
	}
}

func TestDirectHandlerReceivesAddressedMessages(t *testing.T) {
	b := NewInMemory(Options{})
	defer b.Close()

	direct := &collector{}
	other := &collector{}
	b.RegisterDirectHandler("worker", direct.handle)
	b.RegisterDirectHandler("bystander", other.handle)

	if err := b.SendDirect(context.Background(), "worker", message.New("sender", "", message.TypeRequest, nil)); err != nil {
		t.Fatalf("send direct: %v", err)
	}

	got := direct.wait(t, 1)
	if got[0].Recipient != "worker" {
		t.Fatalf("recipient = %s", got[0].Recipient)
	}

	time.Sleep(20 * time.Millisecond)
	other.mu.Lock()
	leaked := len(other.msgs)
	other.mu.Unlock()
	if leaked != 0 {
		t.Fatalf("direct message leaked to other handler: %d", leaked)
	}
}

func TestPublishOverflowDropsWithError(t *testing.T) {
	// A tiny queue and a handler that blocks forces overflow.
	release := make(chan struct{})
	b := NewInMemory(Options{QueueSize: 1})
	defer b.Close()
	b.Subscribe("slow", func(context.Context, message.Message) {
		<-release
	}, Filter{})

	ctx := context.Background()
	var overflowed bool
	for i := 0; i < 10; i++ {
		err := b.Publish(ctx, message.New("s", "slow", message.TypeNotify, nil))
		if errors.Is(err, ErrQueueFull) {
			overflowed = true
			break
		}
		if err != nil {
			t.Fatalf("unexpected publish error: %v", err)
		}
	}
	close(release)
	if !overflowed {
		t.Fatal("expected ErrQueueFull")
	}
	if m := b.Metrics(); m.Dropped == 0 {
		t.Fatalf("dropped not counted: %+v", m)
	}
}

func TestHistoryAndMetrics(t *testing.T) {
	b := NewInMemory(Options{HistorySize: 2})
	defer b.Close()

	c := &collector{}
	b.Subscribe("worker", c.handle, Filter{})

	ctx := context.Background()
	for _, sender := range []string{"a", "b", "c"} {
		if err := b.Publish(ctx, message.New(sender, "worker", message.TypeNotify, nil)); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	c.wait(t, 3)

	hist := b.History(HistoryFilter{})
	if len(hist) != 2 {
		t.Fatalf("history = %d, want ring of 2", len(hist))
	}
	if hist[0].Sender != "b" || hist[1].Sender != "c" {
		t.Fatalf("history order = %s,%s", hist[0].Sender, hist[1].Sender)
	}

	// Delivered is counted after the handler returns, so poll briefly.
	deadline := time.Now().Add(time.Second)
	for {
		m := b.Metrics()
		if m.Published == 3 && m.Delivered == 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("metrics = %+v", m)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHandlerPanicContained(t *testing.T) {
	b := NewInMemory(Options{})
	defer b.Close()

	c := &collector{}
	b.Subscribe("bomb", func(context.Context, message.Message) { panic("boom") }, Filter{})
	b.Subscribe("ok", c.handle, Filter{})

	ctx := context.Background()
	if err := b.Publish(ctx, message.New("s", "bomb", message.TypeNotify, nil)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := b.Publish(ctx, message.New("s", "ok", message.TypeNotify, nil)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	// The panic must not kill the delivery loop.
	c.wait(t, 1)
	if m := b.Metrics(); m.Failed == 0 {
		t.Fatalf("panic not counted as failure: %+v", m)
	}
}

func TestPublishAfterCloseFails(t *testing.T) {
	b := NewInMemory(Options{})
	b.Close()
	if err := b.Publish(context.Background(), message.New("s", "r", message.TypeNotify, nil)); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}
