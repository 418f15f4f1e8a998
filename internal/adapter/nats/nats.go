// Package nats backs the message bus with NATS JetStream, giving the same
// semantics as the in-memory bus across process boundaries. Each subscriber
// gets its own consumer so broadcasts fan out; direct messages flow over a
// per-recipient subject.
package nats

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/foremanhq/foreman/internal/adapter/otel"
	"github.com/foremanhq/foreman/internal/bus"
	"github.com/foremanhq/foreman/internal/domain/message"
	"github.com/foremanhq/foreman/internal/logger"
)

const (
	streamName       = "FOREMAN"
	broadcastSubject = "messages.broadcast"
	directPrefix     = "messages.direct."
)

const defaultHistorySize = 1000

// Options tunes the NATS bus.
type Options struct {
	// HistorySize bounds the local history ring. Zero means the default.
	HistorySize int
	// Metrics receives bus counters. Nil disables instrument updates.
	Metrics *otel.Metrics
}

type consumerStop = jetstream.ConsumeContext

type subscription struct {
	direct    consumerStop
	broadcast consumerStop
}

// Bus implements bus.Bus over JetStream. History and counters are local to
// this instance; they describe what this process saw, not the whole cluster.
type Bus struct {
	nc *nats.Conn
	js jetstream.JetStream

	mu        sync.Mutex
	subs      map[string]*subscription
	direct    map[string]consumerStop
	history   []message.Message
	histSize  int
	published uint64
	delivered uint64
	failed    uint64
	dropped   uint64
	closed    bool

	metrics *otel.Metrics
}

// Connect dials NATS and ensures the stream exists.
func Connect(ctx context.Context, url string, opts Options) (*Bus, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     streamName,
		Subjects: []string{"messages.>"},
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream stream create: %w", err)
	}

	if opts.HistorySize <= 0 {
		opts.HistorySize = defaultHistorySize
	}

	slog.Info("nats connected", "url", url, "stream", streamName)
	return &Bus{
		nc:       nc,
		js:       js,
		subs:     make(map[string]*subscription),
		direct:   make(map[string]consumerStop),
		histSize: opts.HistorySize,
		metrics:  opts.Metrics,
	}, nil
}

// sanitize maps an agent id onto a legal NATS subject token.
func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', ' ', '*', '>':
			return '_'
		}
		return r
	}, id)
}

func subjectFor(msg message.Message) string {
	if msg.IsBroadcast() {
		return broadcastSubject
	}
	return directPrefix + sanitize(msg.Recipient)
}

// Publish sends a message to its subject and records it in local history.
func (b *Bus) Publish(ctx context.Context, msg message.Message) error {
	data, err := msg.Marshal()
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if _, err := b.js.Publish(ctx, subjectFor(msg), data); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}

	b.mu.Lock()
	b.published++
	b.history = append(b.history, msg)
	if len(b.history) > b.histSize {
		b.history = b.history[len(b.history)-b.histSize:]
	}
	b.mu.Unlock()
	b.metrics.AddMessagePublished(ctx)
	return nil
}

// SendDirect publishes a copy of the message readdressed to recipientID.
func (b *Bus) SendDirect(ctx context.Context, recipientID string, msg message.Message) error {
	msg.Recipient = recipientID
	return b.Publish(ctx, msg)
}

func (b *Bus) consume(ctx context.Context, subject, name string, handler bus.Handler, filter bus.Filter) (consumerStop, error) {
	consumer, err := b.js.CreateOrUpdateConsumer(ctx, streamName, jetstream.ConsumerConfig{
		Name:          name,
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("nats consumer create: %w", err)
	}

	cons, err := consumer.Consume(func(m jetstream.Msg) {
		defer func() {
			if ackErr := m.Ack(); ackErr != nil {
				slog.Error("nats ack failed", "error", ackErr)
			}
		}()

		msg, err := message.Unmarshal(m.Data())
		if err != nil {
			slog.Error("undecodable message dropped", "subject", m.Subject(), "error", err)
			b.count(&b.dropped)
			b.metrics.AddMessageDropped(context.Background())
			return
		}
		if !filter.Matches(msg) {
			return
		}
		b.deliver(handler, msg)
	})
	if err != nil {
		return nil, fmt.Errorf("nats consume: %w", err)
	}
	return cons, nil
}

func (b *Bus) deliver(handler bus.Handler, msg message.Message) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("message handler panicked", "sender", msg.Sender, "panic", r)
			b.count(&b.failed)
		}
	}()
	handler(logger.WithCorrelationID(context.Background(), msg.CorrelationID), msg)
	b.count(&b.delivered)
	b.metrics.AddMessageDelivered(context.Background())
}

func (b *Bus) count(c *uint64) {
	b.mu.Lock()
	*c++
	b.mu.Unlock()
}

// Subscribe wires a handler to the subscriber's direct subject and the
// broadcast subject. A second subscription with the same id replaces the
// first.
func (b *Bus) Subscribe(subscriberID string, handler bus.Handler, filter bus.Filter) {
	ctx := context.Background()
	token := sanitize(subscriberID)

	direct, err := b.consume(ctx, directPrefix+token, "sub-"+token, handler, filter)
	if err != nil {
		slog.Error("subscribe failed", "subscriber", subscriberID, "error", err)
		return
	}
	broadcast, err := b.consume(ctx, broadcastSubject, "bcast-"+token, handler, filter)
	if err != nil {
		direct.Stop()
		slog.Error("subscribe failed", "subscriber", subscriberID, "error", err)
		return
	}

	b.mu.Lock()
	old := b.subs[subscriberID]
	b.subs[subscriberID] = &subscription{direct: direct, broadcast: broadcast}
	b.mu.Unlock()

	if old != nil {
		old.direct.Stop()
		old.broadcast.Stop()
	}
}

// Unsubscribe removes the subscription and any direct handler for the id.
func (b *Bus) Unsubscribe(subscriberID string) {
	b.mu.Lock()
	sub := b.subs[subscriberID]
	delete(b.subs, subscriberID)
	dh := b.direct[subscriberID]
	delete(b.direct, subscriberID)
	b.mu.Unlock()

	if sub != nil {
		sub.direct.Stop()
		sub.broadcast.Stop()
	}
	if dh != nil {
		dh.Stop()
	}
}

// RegisterDirectHandler wires point-to-point delivery for an agent id.
func (b *Bus) RegisterDirectHandler(agentID string, handler bus.Handler) {
	token := sanitize(agentID)
	cons, err := b.consume(context.Background(), directPrefix+token, "direct-"+token, handler, bus.Filter{})
	if err != nil {
		slog.Error("direct handler registration failed", "agent_id", agentID, "error", err)
		return
	}

	b.mu.Lock()
	old := b.direct[agentID]
	b.direct[agentID] = cons
	b.mu.Unlock()

	if old != nil {
		old.Stop()
	}
}

// UnregisterDirectHandler removes the direct handler for an agent id.
func (b *Bus) UnregisterDirectHandler(agentID string) {
	b.mu.Lock()
	cons := b.direct[agentID]
	delete(b.direct, agentID)
	b.mu.Unlock()
	if cons != nil {
		cons.Stop()
	}
}

// Metrics returns this instance's view of the bus counters.
func (b *Bus) Metrics() bus.Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	return bus.Metrics{
		Published:      b.published,
		Delivered:      b.delivered,
		Failed:         b.failed,
		Dropped:        b.dropped,
		Subscriptions:  len(b.subs),
		DirectHandlers: len(b.direct),
		HistorySize:    len(b.history),
	}
}

// History returns recent locally published messages matching the filter,
// oldest first.
func (b *Bus) History(filter bus.HistoryFilter) []message.Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]message.Message, 0, len(b.history))
	for _, m := range b.history {
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
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out
}

// Close stops every consumer and the NATS connection.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	direct := b.direct
	b.subs = make(map[string]*subscription)
	b.direct = make(map[string]consumerStop)
	b.mu.Unlock()

	for _, s := range subs {
		s.direct.Stop()
		s.broadcast.Stop()
	}
	for _, c := range direct {
		c.Stop()
	}
	b.nc.Close()
}

var _ bus.Bus = (*Bus)(nil)
