package persistence

import (
	"context"
	"time"

	"github.com/jetvision/charterflow/types"
)

// HandoffStore persists delegation records. At most one pending handoff
// may exist per task: Create refuses a second while the first is open.
type HandoffStore interface {
	Store

	// Create inserts a new handoff record. Returns ErrAlreadyExists when
	// the ID is taken or the task already has a pending handoff.
	Create(ctx context.Context, h *types.Handoff) error

	// Get retrieves a handoff by ID.
	Get(ctx context.Context, handoffID string) (*types.Handoff, error)

	// PendingByTask retrieves the pending handoff for a task.
	PendingByTask(ctx context.Context, taskID string) (*types.Handoff, error)

	// Update writes a mutated handoff, maintaining the pending indexes.
	Update(ctx context.Context, h *types.Handoff) error

	// PendingBefore returns handoffs still pending that were created at or
	// before the cutoff, oldest first.
	PendingBefore(ctx context.Context, cutoff time.Time) ([]*types.Handoff, error)

	// List retrieves handoffs matching the filter, oldest first.
	List(ctx context.Context, filter HandoffFilter) ([]*types.Handoff, error)
}

// HandoffFilter defines criteria for filtering handoffs
type HandoffFilter struct {
	// RequestID filters by originating RFP request
	RequestID string `json:"request_id,omitempty"`

	// FromAgent filters by the delegating agent
	FromAgent string `json:"from_agent,omitempty"`

	// ToAgent filters by the receiving agent
	ToAgent string `json:"to_agent,omitempty"`

	// Status filters by status (can be multiple)
	Status []types.HandoffStatus `json:"status,omitempty"`

	// Limit is the maximum number of handoffs to return
	Limit int `json:"limit,omitempty"`
}

// Matches reports whether the handoff satisfies every set criterion.
func (f HandoffFilter) Matches(h *types.Handoff) bool {
	if f.RequestID != "" && h.Context.RequestID != f.RequestID {
		return false
	}
	if f.FromAgent != "" && h.FromAgent != f.FromAgent {
		return false
	}
	if f.ToAgent != "" && h.ToAgent != f.ToAgent {
		return false
	}
	if len(f.Status) > 0 {
		found := false
		for _, status := range f.Status {
			if h.Status == status {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
