package persistence

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jetvision/charterflow/types"
)

// MemoryTaskStore is an in-memory implementation of TaskStore.
// A single mutex serializes claims, which makes the no-double-claim
// guarantee trivial. Data is lost on restart.
type MemoryTaskStore struct {
	tasks  map[string]*types.AgentTask
	mu     sync.Mutex
	closed bool
}

// NewMemoryTaskStore creates a new in-memory task store
func NewMemoryTaskStore() *MemoryTaskStore {
	return &MemoryTaskStore{
		tasks: make(map[string]*types.AgentTask),
	}
}

// Close closes the store
func (s *MemoryTaskStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Ping checks if the store is healthy
func (s *MemoryTaskStore) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// Enqueue creates a pending task
func (s *MemoryTaskStore) Enqueue(ctx context.Context, task *types.AgentTask) error {
	if task == nil || task.ID == "" {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	if _, ok := s.tasks[task.ID]; ok {
		return ErrAlreadyExists
	}

	s.tasks[task.ID] = task.Clone()
	return nil
}

// Get retrieves a task by ID
func (s *MemoryTaskStore) Get(ctx context.Context, taskID string) (*types.AgentTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	task, ok := s.tasks[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	return task.Clone(), nil
}

// Claim atomically leases the best available pending task
func (s *MemoryTaskStore) Claim(ctx context.Context, workerID string, now time.Time, leaseFor time.Duration) (*types.AgentTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	var best *types.AgentTask
	for _, task := range s.tasks {
		if task.Status != types.TaskStatusPending || task.AvailableAt.After(now) {
			continue
		}
		if task.TargetAgent != "" && task.TargetAgent != workerID {
			continue
		}
		if best == nil || claimLess(task, best) {
			best = task
		}
	}
	if best == nil {
		return nil, ErrNoPendingTask
	}

	exp := now.Add(leaseFor)
	best.Status = types.TaskStatusInProgress
	best.LeaseOwner = workerID
	best.LeaseExpiresAt = &exp
	return best.Clone(), nil
}

// claimLess orders claim candidates: lowest priority weight, then earliest
// available, then oldest, then ID for determinism.
func claimLess(a, b *types.AgentTask) bool {
	if aw, bw := a.Priority.Weight(), b.Priority.Weight(); aw != bw {
		return aw < bw
	}
	if !a.AvailableAt.Equal(b.AvailableAt) {
		return a.AvailableAt.Before(b.AvailableAt)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// Complete moves an in_progress task to completed
func (s *MemoryTaskStore) Complete(ctx context.Context, taskID string, now time.Time) (*types.AgentTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	task, ok := s.tasks[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	if task.Status != types.TaskStatusInProgress {
		return nil, ErrLeaseConflict
	}

	task.Status = types.TaskStatusCompleted
	task.LeaseOwner = ""
	task.LeaseExpiresAt = nil
	return task.Clone(), nil
}

// Requeue returns a task to pending with the given retry count
func (s *MemoryTaskStore) Requeue(ctx context.Context, taskID string, retryCount int, availableAt time.Time, reason string) (*types.AgentTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	task, ok := s.tasks[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	if task.Status.IsTerminal() {
		return nil, ErrLeaseConflict
	}

	task.Status = types.TaskStatusPending
	task.RetryCount = retryCount
	task.AvailableAt = availableAt
	task.LeaseOwner = ""
	task.LeaseExpiresAt = nil
	task.FailureReason = reason
	return task.Clone(), nil
}

// MarkFailed moves a task to terminal failed
func (s *MemoryTaskStore) MarkFailed(ctx context.Context, taskID string, reason string, now time.Time) (*types.AgentTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	task, ok := s.tasks[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	if task.Status.IsTerminal() {
		return nil, ErrLeaseConflict
	}

	task.Status = types.TaskStatusFailed
	task.LeaseOwner = ""
	task.LeaseExpiresAt = nil
	task.FailureReason = reason
	return task.Clone(), nil
}

// ReleaseExpired returns expired leases to pending or fails them terminally
func (s *MemoryTaskStore) ReleaseExpired(ctx context.Context, now time.Time) (requeued, failed []*types.AgentTask, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, nil, ErrStoreClosed
	}

	var expired []*types.AgentTask
	for _, task := range s.tasks {
		if task.Status == types.TaskStatusInProgress && task.LeaseExpiresAt != nil && !task.LeaseExpiresAt.After(now) {
			expired = append(expired, task)
		}
	}
	sort.Slice(expired, func(i, j int) bool {
		if !expired[i].LeaseExpiresAt.Equal(*expired[j].LeaseExpiresAt) {
			return expired[i].LeaseExpiresAt.Before(*expired[j].LeaseExpiresAt)
		}
		return expired[i].ID < expired[j].ID
	})

	for _, task := range expired {
		owner := task.LeaseOwner
		task.LeaseOwner = ""
		task.LeaseExpiresAt = nil
		if task.RetryCount < task.MaxRetries {
			task.Status = types.TaskStatusPending
			task.RetryCount++
			task.AvailableAt = now
			task.FailureReason = fmt.Sprintf("lease held by %s expired", owner)
			requeued = append(requeued, task.Clone())
		} else {
			task.Status = types.TaskStatusFailed
			task.FailureReason = fmt.Sprintf("lease held by %s expired; retry budget exhausted (%d/%d)", owner, task.RetryCount, task.MaxRetries)
			failed = append(failed, task.Clone())
		}
	}
	return requeued, failed, nil
}

// List retrieves tasks matching the filter, oldest first
func (s *MemoryTaskStore) List(ctx context.Context, filter TaskFilter) ([]*types.AgentTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	result := make([]*types.AgentTask, 0)
	for _, task := range s.tasks {
		if filter.Matches(task) {
			result = append(result, task.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	if filter.Limit > 0 && filter.Limit < len(result) {
		result = result[:filter.Limit]
	}
	return result, nil
}

// CountPending returns the number of pending tasks
func (s *MemoryTaskStore) CountPending(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrStoreClosed
	}
	count := 0
	for _, task := range s.tasks {
		if task.Status == types.TaskStatusPending {
			count++
		}
	}
	return count, nil
}

// Stats returns queue depth statistics
func (s *MemoryTaskStore) Stats(ctx context.Context) (*TaskStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	stats := &TaskStats{StatusCounts: make(map[types.TaskStatus]int64)}
	var oldestPending time.Time

	for _, task := range s.tasks {
		stats.Total++
		stats.StatusCounts[task.Status]++

		switch task.Status {
		case types.TaskStatusPending:
			stats.Pending++
			if oldestPending.IsZero() || task.CreatedAt.Before(oldestPending) {
				oldestPending = task.CreatedAt
			}
		case types.TaskStatusInProgress:
			stats.InProgress++
		case types.TaskStatusCompleted:
			stats.Completed++
		case types.TaskStatusFailed:
			stats.Failed++
		}
	}

	if !oldestPending.IsZero() {
		stats.OldestPendingAge = time.Since(oldestPending)
	}
	return stats, nil
}

// Ensure MemoryTaskStore implements TaskStore
var _ TaskStore = (*MemoryTaskStore)(nil)
