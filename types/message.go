package types

import (
	"encoding/json"
	"time"
)

// EventKind identifies a coordination event flowing over the message bus.
// The set is closed: Publish rejects any kind not listed here.
type EventKind string

const (
	EventTaskCreated          EventKind = "TASK_CREATED"
	EventTaskCompleted        EventKind = "TASK_COMPLETED"
	EventTaskFailed           EventKind = "TASK_FAILED"
	EventAgentHandoff         EventKind = "AGENT_HANDOFF"
	EventHandoffAccepted      EventKind = "HANDOFF_ACCEPTED"
	EventHandoffRejected      EventKind = "HANDOFF_REJECTED"
	EventHandoffTimeout       EventKind = "HANDOFF_TIMEOUT"
	EventWorkflowStateChanged EventKind = "WORKFLOW_STATE_CHANGED"
	EventWorkflowTimeout      EventKind = "WORKFLOW_TIMEOUT"
	EventWorkflowCompleted    EventKind = "WORKFLOW_COMPLETED"
	EventWorkflowFailed       EventKind = "WORKFLOW_FAILED"
)

var eventKinds = map[EventKind]struct{}{
	EventTaskCreated:          {},
	EventTaskCompleted:        {},
	EventTaskFailed:           {},
	EventAgentHandoff:         {},
	EventHandoffAccepted:      {},
	EventHandoffRejected:      {},
	EventHandoffTimeout:       {},
	EventWorkflowStateChanged: {},
	EventWorkflowTimeout:      {},
	EventWorkflowCompleted:    {},
	EventWorkflowFailed:       {},
}

// Valid reports whether k is a member of the closed event kind set.
func (k EventKind) Valid() bool {
	_, ok := eventKinds[k]
	return ok
}

// AllEventKinds returns every member of the closed event kind set.
func AllEventKinds() []EventKind {
	out := make([]EventKind, 0, len(eventKinds))
	for k := range eventKinds {
		out = append(out, k)
	}
	return out
}

// MessageContext carries request correlation across agents. RequestID is
// mandatory on every published message; SessionID and UserID are optional.
type MessageContext struct {
	RequestID string `json:"request_id"`
	SessionID string `json:"session_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
}

// Message is a single coordination event. Messages are immutable once
// published; Payload must not be mutated after Publish returns.
type Message struct {
	ID          string          `json:"id"`
	Kind        EventKind       `json:"kind"`
	SourceAgent string          `json:"source_agent"`
	TargetAgent string          `json:"target_agent,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Context     MessageContext  `json:"context"`
}

// Validate checks the fields a caller must supply before publishing.
// ID and Timestamp are stamped by the bus and are not required here.
func (m *Message) Validate() error {
	if !m.Kind.Valid() {
		return NewValidationError("unknown event kind %q", m.Kind)
	}
	if m.SourceAgent == "" {
		return NewValidationError("message source agent is required")
	}
	if m.Context.RequestID == "" {
		return NewValidationError("message context request_id is required")
	}
	return nil
}

// Clone returns a deep copy. Payload bytes are copied so history snapshots
// survive caller reuse of the original buffer.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	clone := *m
	if m.Payload != nil {
		clone.Payload = make(json.RawMessage, len(m.Payload))
		copy(clone.Payload, m.Payload)
	}
	return &clone
}

// MustJSON marshals v for use as a message payload and panics on failure.
// Reserve it for payload types that cannot fail to marshal.
func MustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
