// Package message defines the envelope exchanged between agents.
package message

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Broadcast is the reserved recipient id that fans a message out to every
// matching subscription.
const Broadcast = "broadcast"

// Type classifies a message.
type Type string

const (
	TypeRequest   Type = "request"
	TypeResponse  Type = "response"
	TypeNotify    Type = "notify"
	TypeDelegate  Type = "delegate"
	TypeError     Type = "error"
	TypeStatus    Type = "status"
	TypeHandoff   Type = "handoff"
	TypeBroadcast Type = "broadcast"
)

// Priority orders messages for consumers that care. Lower value means more
// urgent. The bus itself delivers in publish order; priority matters to the
// task queue.
type Priority int

const (
	PriorityCritical   Priority = 1
	PriorityHigh       Priority = 2
	PriorityNormal     Priority = 3
	PriorityLow        Priority = 4
	PriorityBackground Priority = 5
)

// Message is an addressed, typed envelope. Messages are never mutated after
// creation; responses are new instances derived from the request.
type Message struct {
	Sender        string         `json:"sender"`
	Recipient     string         `json:"recipient"`
	Type          Type           `json:"type"`
	Payload       map[string]any `json:"payload"`
	Priority      Priority       `json:"priority"`
	CorrelationID string         `json:"correlation_id"`
	ParentID      string         `json:"parent_id,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// New creates a message with a fresh correlation id and timestamp.
func New(sender, recipient string, typ Type, payload map[string]any) Message {
	return Message{
		Sender:        sender,
		Recipient:     recipient,
		Type:          typ,
		Payload:       payload,
		Priority:      PriorityNormal,
		CorrelationID: uuid.NewString(),
		Timestamp:     time.Now().UTC(),
	}
}

// NewRequest creates a request message asking the recipient to perform an
// action with the given data.
func NewRequest(sender, recipient, action string, data map[string]any) Message {
	m := New(sender, recipient, TypeRequest, map[string]any{
		"action": action,
		"data":   data,
	})
	return m
}

// NewNotification creates a low-priority notification about an event.
func NewNotification(sender, recipient, event string, data map[string]any) Message {
	m := New(sender, recipient, TypeNotify, map[string]any{
		"event": event,
		"data":  data,
	})
	m.Priority = PriorityLow
	return m
}

// NewBroadcast creates a broadcast message delivered to all subscribers.
func NewBroadcast(sender, event string, data map[string]any) Message {
	return New(sender, Broadcast, TypeBroadcast, map[string]any{
		"event": event,
		"data":  data,
	})
}

// Response derives a success response addressed back to the sender. The
// correlation id is carried over so the requester can match the pair; the
// parent id threads the response under the request.
func (m Message) Response(sender string, payload map[string]any) Message {
	return Message{
		Sender:        sender,
		Recipient:     m.Sender,
		Type:          TypeResponse,
		Payload:       payload,
		Priority:      m.Priority,
		CorrelationID: m.CorrelationID,
		ParentID:      m.CorrelationID,
		Timestamp:     time.Now().UTC(),
		Metadata:      map[string]any{"in_response_to": m.CorrelationID},
	}
}

// ErrorResponse derives an error response carrying the original payload for
// context. Error responses are high priority.
func (m Message) ErrorResponse(sender, errMsg string) Message {
	return Message{
		Sender:    sender,
		Recipient: m.Sender,
		Type:      TypeError,
		Payload: map[string]any{
			"error":            errMsg,
			"original_payload": m.Payload,
		},
		Priority:      PriorityHigh,
		CorrelationID: m.CorrelationID,
		ParentID:      m.CorrelationID,
		Timestamp:     time.Now().UTC(),
	}
}

// IsBroadcast reports whether the message is addressed to all subscribers.
func (m Message) IsBroadcast() bool {
	return m.Recipient == Broadcast
}

// Event returns the "event" payload field for notify/broadcast messages.
func (m Message) Event() string {
	ev, _ := m.Payload["event"].(string)
	return ev
}

// Marshal serializes the message for transport.
func (m Message) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// Unmarshal decodes a message from its wire form. Fields absent from the
// data keep their zero values except the correlation id and timestamp, which
// are defaulted so a hand-built envelope is still routable.
func Unmarshal(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, err
	}
	if m.CorrelationID == "" {
		m.CorrelationID = uuid.NewString()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	if m.Priority == 0 {
		m.Priority = PriorityNormal
	}
	return m, nil
}
