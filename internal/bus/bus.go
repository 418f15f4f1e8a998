// Package bus provides asynchronous publish/subscribe and direct-addressed
// message delivery between agents. The in-memory implementation is the
// single-process default; the nats adapter backs the same interface with a
// distributed transport.
package bus

import (
	"context"

	"github.com/foremanhq/foreman/internal/domain/message"
)

// Handler processes a message delivered by the bus. Handler failures are
// contained by the bus and never abort the delivery loop.
type Handler func(ctx context.Context, msg message.Message)

// Filter narrows which messages a subscription receives. Zero values match
// everything.
type Filter struct {
	// Types restricts delivery to the listed message types.
	Types []message.Type
	// Sender restricts delivery to messages from one sender.
	Sender string
}

// Matches reports whether the message passes the filter.
func (f Filter) Matches(msg message.Message) bool {
	if f.Sender != "" && msg.Sender != f.Sender {
		return false
	}
	if len(f.Types) == 0 {
		return true
	}
	for _, t := range f.Types {
		if msg.Type == t {
			return true
		}
	}
	return false
}

// Metrics is a snapshot of bus counters.
type Metrics struct {
	Published      uint64 `json:"published"`
	Delivered      uint64 `json:"delivered"`
	Failed         uint64 `json:"failed"`
	Dropped        uint64 `json:"dropped"`
	QueueDepth     int    `json:"queue_depth"`
	Subscriptions  int    `json:"subscriptions"`
	DirectHandlers int    `json:"direct_handlers"`
	HistorySize    int    `json:"history_size"`
}

// HistoryFilter narrows a history query. Zero values match everything.
type HistoryFilter struct {
	Limit     int
	Sender    string
	Recipient string
	Type      message.Type
}

// Bus is the message transport between agents.
type Bus interface {
	// Publish enqueues a message for asynchronous delivery. Delivery
	// preserves publish order per bus instance.
	Publish(ctx context.Context, msg message.Message) error

	// Subscribe registers a handler for messages addressed to subscriberID
	// or broadcast, subject to the filter. A second subscription with the
	// same id replaces the first.
	Subscribe(subscriberID string, handler Handler, filter Filter)

	// Unsubscribe removes the subscription and any direct handler for the id.
	Unsubscribe(subscriberID string)

	// SendDirect publishes a copy of the message readdressed to recipientID.
	SendDirect(ctx context.Context, recipientID string, msg message.Message) error

	// RegisterDirectHandler wires point-to-point delivery for an agent id.
	RegisterDirectHandler(agentID string, handler Handler)

	// UnregisterDirectHandler removes the direct handler for an agent id.
	UnregisterDirectHandler(agentID string)

	// Metrics returns a snapshot of bus counters.
	Metrics() Metrics

	// History returns recent messages matching the filter, oldest first.
	History(filter HistoryFilter) []message.Message

	// Close stops the delivery loop after draining queued messages.
	Close()
}
