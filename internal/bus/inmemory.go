package bus

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/foremanhq/foreman/internal/adapter/otel"
	"github.com/foremanhq/foreman/internal/domain/message"
	"github.com/foremanhq/foreman/internal/logger"
)

// ErrQueueFull is returned when the publish queue is at capacity. The
// message is dropped and counted; callers may back off and retry.
var ErrQueueFull = errors.New("bus: publish queue full")

// ErrClosed is returned when publishing to a closed bus.
var ErrClosed = errors.New("bus: closed")

const (
	defaultQueueSize   = 1024
	defaultHistorySize = 1000
)

// Options configures an in-memory bus.
type Options struct {
	// QueueSize bounds the publish queue. Defaults to 1024.
	QueueSize int
	// HistorySize bounds the inspection ring buffer. Defaults to 1000.
	HistorySize int
	// Metrics optionally records bus activity to OpenTelemetry.
	Metrics *otel.Metrics
}

type subscription struct {
	id      string
	handler Handler
	filter  Filter
}

// InMemory is the single-process bus. One background goroutine drains the
// publish queue, so delivery preserves publish order.
type InMemory struct {
	mu       sync.RWMutex
	subs     map[string]*subscription
	direct   map[string]Handler
	history  []message.Message
	histMax  int
	closed   bool
	counters struct {
		published uint64
		delivered uint64
		failed    uint64
		dropped   uint64
	}

	queue   chan message.Message
	done    chan struct{}
	stopped chan struct{}
	otel    *otel.Metrics
}

// NewInMemory creates and starts an in-memory bus.
func NewInMemory(opts Options) *InMemory {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = defaultHistorySize
	}
	b := &InMemory{
		subs:    make(map[string]*subscription),
		direct:  make(map[string]Handler),
		histMax: opts.HistorySize,
		queue:   make(chan message.Message, opts.QueueSize),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		otel:    opts.Metrics,
	}
	go b.consume()
	return b
}

// Publish enqueues a message for asynchronous delivery. It never blocks:
// when the queue is full the message is dropped, counted and reported.
func (b *InMemory) Publish(ctx context.Context, msg message.Message) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.counters.published++
	b.history = append(b.history, msg)
	if len(b.history) > b.histMax {
		b.history = b.history[1:]
	}
	b.mu.Unlock()

	b.otel.AddMessagePublished(ctx)

	select {
	case b.queue <- msg:
		return nil
	default:
		b.mu.Lock()
		b.counters.dropped++
		b.mu.Unlock()
		slog.Warn("bus queue full, message dropped",
			"sender", msg.Sender,
			"recipient", msg.Recipient,
			"type", msg.Type,
		)
		return ErrQueueFull
	}
}

// consume drains the queue until Close.
func (b *InMemory) consume() {
	defer close(b.stopped)
	for {
		select {
		case msg := <-b.queue:
			b.route(context.Background(), msg)
		case <-b.done:
			// Drain what is left before exiting.
			for {
				select {
				case msg := <-b.queue:
					b.route(context.Background(), msg)
				default:
					return
				}
			}
		}
	}
}

// route fans a message out to matching subscriptions and direct handlers.
func (b *InMemory) route(ctx context.Context, msg message.Message) {
	ctx = logger.WithCorrelationID(ctx, msg.CorrelationID)
	b.mu.RLock()
	var targets []*subscription
	var directHandler Handler
	if msg.IsBroadcast() {
		for _, sub := range b.subs {
			if sub.filter.Matches(msg) {
				targets = append(targets, sub)
			}
		}
	} else {
		directHandler = b.direct[msg.Recipient]
		if sub, ok := b.subs[msg.Recipient]; ok && sub.filter.Matches(msg) {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	delivered := false
	if directHandler != nil {
		b.deliver(ctx, msg.Recipient, directHandler, msg)
		delivered = true
	}
	for _, sub := range targets {
		b.deliver(ctx, sub.id, sub.handler, msg)
		delivered = true
	}

	if !delivered {
		// Non-fatal: agents come and go.
		b.mu.Lock()
		b.counters.dropped++
		b.mu.Unlock()
		b.otel.AddMessageDropped(ctx)
		slog.Warn("no handler for message",
			"recipient", msg.Recipient,
			"type", msg.Type,
			"sender", msg.Sender,
		)
	}
}

// deliver invokes one handler, containing panics so a bad handler cannot
// stop the delivery loop.
func (b *InMemory) deliver(ctx context.Context, id string, h Handler, msg message.Message) {
	defer func() {
		if r := recover(); r != nil {
			b.mu.Lock()
			b.counters.failed++
			b.mu.Unlock()
			slog.Error("message handler panicked", "subscriber", id, "panic", r)
		}
	}()
	h(ctx, msg)
	b.mu.Lock()
	b.counters.delivered++
	b.mu.Unlock()
	b.otel.AddMessageDelivered(ctx)
}

// Subscribe registers a handler under subscriberID, replacing any previous
// subscription with that id.
func (b *InMemory) Subscribe(subscriberID string, handler Handler, filter Filter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[subscriberID] = &subscription{id: subscriberID, handler: handler, filter: filter}
}

// Unsubscribe removes the subscription and direct handler for the id.
func (b *InMemory) Unsubscribe(subscriberID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, subscriberID)
	delete(b.direct, subscriberID)
}

// SendDirect publishes a copy of the message readdressed to recipientID.
func (b *InMemory) SendDirect(ctx context.Context, recipientID string, msg message.Message) error {
	msg.Recipient = recipientID
	return b.Publish(ctx, msg)
}

// RegisterDirectHandler wires point-to-point delivery for an agent id.
func (b *InMemory) RegisterDirectHandler(agentID string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.direct[agentID] = handler
}

// UnregisterDirectHandler removes the direct handler for an agent id.
func (b *InMemory) UnregisterDirectHandler(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.direct, agentID)
}

// Metrics returns a snapshot of bus counters.
func (b *InMemory) Metrics() Metrics {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Metrics{
		Published:      b.counters.published,
		Delivered:      b.counters.delivered,
		Failed:         b.counters.failed,
		Dropped:        b.counters.dropped,
		QueueDepth:     len(b.queue),
		Subscriptions:  len(b.subs),
		DirectHandlers: len(b.direct),
		HistorySize:    len(b.history),
	}
}

// History returns recent messages matching the filter, oldest first.
func (b *InMemory) History(filter HistoryFilter) []message.Message {
	b.mu.RLock()
	defer b.mu.RUnlock()

	msgs := b.history
	if filter.Limit > 0 && len(msgs) > filter.Limit {
		msgs = msgs[len(msgs)-filter.Limit:]
	}

	out := make([]message.Message, 0, len(msgs))
	for _, m := range msgs {
		if filter.Sender != "" && m.Sender != filter.Sender {
			continue
		}
		if filter.Recipient != "" && m.Recipient != filter.Recipient {
			continue
		}
		if filter.Type != "" && m.Type != filter.Type {
			continue
		}
		out = append(out, m)
	}
	return out
}

// Close stops the delivery loop after draining queued messages.
func (b *InMemory) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()
	close(b.done)
	<-b.stopped
}
