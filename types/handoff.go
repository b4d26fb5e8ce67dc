package types

import "time"

// HandoffStatus tracks a delegation through its lifecycle.
type HandoffStatus string

const (
	HandoffPending  HandoffStatus = "pending"
	HandoffAccepted HandoffStatus = "accepted"
	HandoffRejected HandoffStatus = "rejected"
	HandoffTimedOut HandoffStatus = "timed_out"
)

// IsResolved reports whether the handoff has left the pending state.
func (s HandoffStatus) IsResolved() bool {
	return s != HandoffPending && s != ""
}

// Handoff records one task delegation between agents.
type Handoff struct {
	ID             string         `json:"id"`
	FromAgent      string         `json:"from_agent"`
	ToAgent        string         `json:"to_agent"`
	TaskID         string         `json:"task_id"`
	TaskKind       string         `json:"task_kind"`
	Reason         string         `json:"reason,omitempty"`
	Status         HandoffStatus  `json:"status"`
	Context        MessageContext `json:"context"`
	CreatedAt      time.Time      `json:"created_at"`
	ResolvedAt     *time.Time     `json:"resolved_at,omitempty"`
	ResolutionNote string         `json:"resolution_note,omitempty"`
}

// Clone returns a deep copy safe to hand across goroutines.
func (h *Handoff) Clone() *Handoff {
	out := *h
	if h.ResolvedAt != nil {
		ts := *h.ResolvedAt
		out.ResolvedAt = &ts
	}
	return &out
}

// HandoffRequest is the input to HandoffManager.Handoff.
type HandoffRequest struct {
	FromAgent string    `json:"from_agent"`
	ToAgent   string    `json:"to_agent"`
	Task      AgentTask `json:"task"`
	Reason    string    `json:"reason,omitempty"`
}
