package persistence

import (
	"context"
	"time"

	"github.com/jetvision/charterflow/types"
)

// WorkflowStore persists per-request workflow records. Mutation is
// version-checked: Update succeeds only when the stored record is exactly
// one version behind, so a stale writer loses instead of clobbering.
// Per-request serialization itself lives in the state machine; the version
// check guards restarts and multi-instance misuse.
type WorkflowStore interface {
	Store

	// Create inserts a new workflow record. Returns ErrAlreadyExists when
	// the requestID is already present, terminal or not.
	Create(ctx context.Context, wf *types.Workflow) error

	// Get retrieves a workflow by requestID.
	Get(ctx context.Context, requestID string) (*types.Workflow, error)

	// Update writes a mutated workflow. The incoming Version must be the
	// stored Version+1, otherwise ErrVersionConflict.
	Update(ctx context.Context, wf *types.Workflow) error

	// Expiring returns non-terminal workflows whose TimeoutDeadline is at
	// or before now, earliest deadline first.
	Expiring(ctx context.Context, now time.Time) ([]*types.Workflow, error)

	// List retrieves workflows matching the filter, oldest first.
	List(ctx context.Context, filter WorkflowFilter) ([]*types.Workflow, error)
}

// WorkflowFilter defines criteria for filtering workflows
type WorkflowFilter struct {
	// States filters by current state (can be multiple)
	States []types.WorkflowState `json:"states,omitempty"`

	// Limit is the maximum number of workflows to return
	Limit int `json:"limit,omitempty"`
}

// Matches reports whether the workflow satisfies every set criterion.
func (f WorkflowFilter) Matches(wf *types.Workflow) bool {
	if len(f.States) > 0 {
		found := false
		for _, s := range f.States {
			if wf.CurrentState == s {
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
