package persistence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jetvision/charterflow/types"
)

// MemoryWorkflowStore is an in-memory implementation of WorkflowStore.
type MemoryWorkflowStore struct {
	workflows map[string]*types.Workflow
	mu        sync.Mutex
	closed    bool
}

// NewMemoryWorkflowStore creates a new in-memory workflow store
func NewMemoryWorkflowStore() *MemoryWorkflowStore {
	return &MemoryWorkflowStore{
		workflows: make(map[string]*types.Workflow),
	}
}

// Close closes the store
func (s *MemoryWorkflowStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Ping checks if the store is healthy
func (s *MemoryWorkflowStore) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// Create inserts a new workflow record
func (s *MemoryWorkflowStore) Create(ctx context.Context, wf *types.Workflow) error {
	if wf == nil || wf.RequestID == "" {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	if _, ok := s.workflows[wf.RequestID]; ok {
		return ErrAlreadyExists
	}

	s.workflows[wf.RequestID] = wf.Clone()
	return nil
}

// Get retrieves a workflow by requestID
func (s *MemoryWorkflowStore) Get(ctx context.Context, requestID string) (*types.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	wf, ok := s.workflows[requestID]
	if !ok {
		return nil, ErrNotFound
	}
	return wf.Clone(), nil
}

// Update writes a mutated workflow under a version check
func (s *MemoryWorkflowStore) Update(ctx context.Context, wf *types.Workflow) error {
	if wf == nil || wf.RequestID == "" {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	stored, ok := s.workflows[wf.RequestID]
	if !ok {
		return ErrNotFound
	}
	if wf.Version != stored.Version+1 {
		return ErrVersionConflict
	}

	s.workflows[wf.RequestID] = wf.Clone()
	return nil
}

// Expiring returns non-terminal workflows past their deadline
func (s *MemoryWorkflowStore) Expiring(ctx context.Context, now time.Time) ([]*types.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	result := make([]*types.Workflow, 0)
	for _, wf := range s.workflows {
		if wf.CurrentState.IsTerminal() {
			continue
		}
		if !wf.TimeoutDeadline.After(now) {
			result = append(result, wf.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].TimeoutDeadline.Equal(result[j].TimeoutDeadline) {
			return result[i].TimeoutDeadline.Before(result[j].TimeoutDeadline)
		}
		return result[i].RequestID < result[j].RequestID
	})
	return result, nil
}

// List retrieves workflows matching the filter, oldest first
func (s *MemoryWorkflowStore) List(ctx context.Context, filter WorkflowFilter) ([]*types.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	result := make([]*types.Workflow, 0)
	for _, wf := range s.workflows {
		if filter.Matches(wf) {
			result = append(result, wf.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].RequestID < result[j].RequestID
	})
	if filter.Limit > 0 && filter.Limit < len(result) {
		result = result[:filter.Limit]
	}
	return result, nil
}

// Ensure MemoryWorkflowStore implements WorkflowStore
var _ WorkflowStore = (*MemoryWorkflowStore)(nil)
