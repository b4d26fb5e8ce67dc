package persistence

import (
	"context"
	"time"

	"github.com/jetvision/charterflow/types"
)

// TaskStore persists queue tasks and serializes lease acquisition.
// Claim is the contended operation: implementations must guarantee that
// two concurrent Claim calls never return the same task. All methods
// return defensive copies; mutating a returned task has no effect until
// it is written back through a store method.
type TaskStore interface {
	Store

	// Enqueue creates a pending task. The caller has already stamped ID,
	// timestamps, and defaults. Returns ErrAlreadyExists on duplicate ID.
	Enqueue(ctx context.Context, task *types.AgentTask) error

	// Get retrieves a task by ID.
	Get(ctx context.Context, taskID string) (*types.AgentTask, error)

	// Claim atomically leases the best available pending task: lowest
	// priority weight first, then earliest available, then oldest. Tasks
	// with AvailableAt after now are invisible, as are tasks addressed
	// to another agent; an empty TargetAgent means any worker may claim.
	// Returns ErrNoPendingTask when nothing is claimable.
	Claim(ctx context.Context, workerID string, now time.Time, leaseFor time.Duration) (*types.AgentTask, error)

	// Complete moves an in_progress task to completed and clears its lease.
	Complete(ctx context.Context, taskID string, now time.Time) (*types.AgentTask, error)

	// Requeue returns a task to pending with the given retry count and
	// availability gate, clearing any lease. Allowed from pending or
	// in_progress; terminal tasks return ErrLeaseConflict.
	Requeue(ctx context.Context, taskID string, retryCount int, availableAt time.Time, reason string) (*types.AgentTask, error)

	// MarkFailed moves a task to terminal failed with the given reason.
	// Allowed from pending or in_progress.
	MarkFailed(ctx context.Context, taskID string, reason string, now time.Time) (*types.AgentTask, error)

	// ReleaseExpired processes every in_progress task whose lease expired
	// at or before now: tasks with retry budget left return to pending
	// immediately with RetryCount+1, exhausted tasks become terminal
	// failed. Each expired lease is handled exactly once even under
	// concurrent sweeps.
	ReleaseExpired(ctx context.Context, now time.Time) (requeued, failed []*types.AgentTask, err error)

	// List retrieves tasks matching the filter, oldest first.
	List(ctx context.Context, filter TaskFilter) ([]*types.AgentTask, error)

	// CountPending returns the number of pending tasks, gated or not.
	CountPending(ctx context.Context) (int, error)

	// Stats returns queue depth statistics.
	Stats(ctx context.Context) (*TaskStats, error)
}

// TaskFilter defines criteria for filtering tasks
type TaskFilter struct {
	// RequestID filters by originating RFP request
	RequestID string `json:"request_id,omitempty"`

	// TargetAgent filters by the agent the task was handed to
	TargetAgent string `json:"target_agent,omitempty"`

	// Kind filters by task kind
	Kind string `json:"kind,omitempty"`

	// Status filters by status (can be multiple)
	Status []types.TaskStatus `json:"status,omitempty"`

	// Limit is the maximum number of tasks to return
	Limit int `json:"limit,omitempty"`
}

// Matches reports whether the task satisfies every set criterion.
func (f TaskFilter) Matches(task *types.AgentTask) bool {
	if f.RequestID != "" && task.Context.RequestID != f.RequestID {
		return false
	}
	if f.TargetAgent != "" && task.TargetAgent != f.TargetAgent {
		return false
	}
	if f.Kind != "" && task.Kind != f.Kind {
		return false
	}
	if len(f.Status) > 0 {
		found := false
		for _, status := range f.Status {
			if task.Status == status {
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

// TaskStats contains queue depth statistics
type TaskStats struct {
	// Total is the total number of tasks in the store
	Total int64 `json:"total"`

	// Pending is the number of pending tasks
	Pending int64 `json:"pending"`

	// InProgress is the number of leased tasks
	InProgress int64 `json:"in_progress"`

	// Completed is the number of completed tasks
	Completed int64 `json:"completed"`

	// Failed is the number of terminally failed tasks
	Failed int64 `json:"failed"`

	// StatusCounts is the task count per status
	StatusCounts map[types.TaskStatus]int64 `json:"status_counts"`

	// OldestPendingAge is the age of the oldest pending task
	OldestPendingAge time.Duration `json:"oldest_pending_age"`
}
