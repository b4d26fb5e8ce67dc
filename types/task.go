package types

import (
	"encoding/json"
	"time"
)

// TaskPriority orders tasks in the queue. Lower weight dequeues first.
type TaskPriority string

const (
	PriorityUrgent TaskPriority = "urgent"
	PriorityHigh   TaskPriority = "high"
	PriorityNormal TaskPriority = "normal"
	PriorityLow    TaskPriority = "low"
)

var priorityWeights = map[TaskPriority]int{
	PriorityUrgent: 1,
	PriorityHigh:   2,
	PriorityNormal: 3,
	PriorityLow:    4,
}

// Weight returns the ordinal weight of the priority. Unknown priorities
// weigh as normal so a malformed task never starves the queue.
func (p TaskPriority) Weight() int {
	if w, ok := priorityWeights[p]; ok {
		return w
	}
	return priorityWeights[PriorityNormal]
}

// Valid reports whether p is a known priority.
func (p TaskPriority) Valid() bool {
	_, ok := priorityWeights[p]
	return ok
}

// TaskStatus tracks a task through its lifecycle.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// IsTerminal reports whether the status admits no further transitions.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// AgentTask is a unit of work routed between agents through the queue.
type AgentTask struct {
	ID             string          `json:"id"`
	Kind           string          `json:"kind"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Priority       TaskPriority    `json:"priority"`
	Status         TaskStatus      `json:"status"`
	RetryCount     int             `json:"retry_count"`
	MaxRetries     int             `json:"max_retries"`
	CreatedAt      time.Time       `json:"created_at"`
	AvailableAt    time.Time       `json:"available_at"`
	LeaseOwner     string          `json:"lease_owner,omitempty"`
	LeaseExpiresAt *time.Time      `json:"lease_expires_at,omitempty"`
	TargetAgent    string          `json:"target_agent,omitempty"`
	Context        MessageContext  `json:"context"`
	FailureReason  string          `json:"failure_reason,omitempty"`
}

// Validate checks the fields a caller must supply before enqueueing.
func (t *AgentTask) Validate() error {
	if t.Kind == "" {
		return NewValidationError("task kind is required")
	}
	if t.Priority != "" && !t.Priority.Valid() {
		return NewValidationError("unknown task priority %q", t.Priority)
	}
	if t.Context.RequestID == "" {
		return NewValidationError("task context request_id is required")
	}
	if t.MaxRetries < 0 {
		return NewValidationError("max_retries must be >= 0")
	}
	return nil
}

// Clone returns a deep copy safe to hand across goroutines.
func (t *AgentTask) Clone() *AgentTask {
	out := *t
	if t.LeaseExpiresAt != nil {
		exp := *t.LeaseExpiresAt
		out.LeaseExpiresAt = &exp
	}
	if t.Payload != nil {
		out.Payload = make(json.RawMessage, len(t.Payload))
		copy(out.Payload, t.Payload)
	}
	return &out
}
