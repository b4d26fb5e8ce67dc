package persistence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jetvision/charterflow/types"
)

// MemoryHandoffStore is an in-memory implementation of HandoffStore.
type MemoryHandoffStore struct {
	handoffs      map[string]*types.Handoff
	pendingByTask map[string]string
	mu            sync.Mutex
	closed        bool
}

// NewMemoryHandoffStore creates a new in-memory handoff store
func NewMemoryHandoffStore() *MemoryHandoffStore {
	return &MemoryHandoffStore{
		handoffs:      make(map[string]*types.Handoff),
		pendingByTask: make(map[string]string),
	}
}

// Close closes the store
func (s *MemoryHandoffStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Ping checks if the store is healthy
func (s *MemoryHandoffStore) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// Create inserts a new handoff record
func (s *MemoryHandoffStore) Create(ctx context.Context, h *types.Handoff) error {
	if h == nil || h.ID == "" || h.TaskID == "" {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	if _, ok := s.handoffs[h.ID]; ok {
		return ErrAlreadyExists
	}
	if h.Status == types.HandoffPending {
		if _, ok := s.pendingByTask[h.TaskID]; ok {
			return ErrAlreadyExists
		}
		s.pendingByTask[h.TaskID] = h.ID
	}

	s.handoffs[h.ID] = h.Clone()
	return nil
}

// Get retrieves a handoff by ID
func (s *MemoryHandoffStore) Get(ctx context.Context, handoffID string) (*types.Handoff, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	h, ok := s.handoffs[handoffID]
	if !ok {
		return nil, ErrNotFound
	}
	return h.Clone(), nil
}

// PendingByTask retrieves the pending handoff for a task
func (s *MemoryHandoffStore) PendingByTask(ctx context.Context, taskID string) (*types.Handoff, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	id, ok := s.pendingByTask[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	return s.handoffs[id].Clone(), nil
}

// Update writes a mutated handoff
func (s *MemoryHandoffStore) Update(ctx context.Context, h *types.Handoff) error {
	if h == nil || h.ID == "" {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	if _, ok := s.handoffs[h.ID]; !ok {
		return ErrNotFound
	}

	if h.Status.IsResolved() {
		if s.pendingByTask[h.TaskID] == h.ID {
			delete(s.pendingByTask, h.TaskID)
		}
	} else {
		s.pendingByTask[h.TaskID] = h.ID
	}

	s.handoffs[h.ID] = h.Clone()
	return nil
}

// PendingBefore returns pending handoffs created at or before the cutoff
func (s *MemoryHandoffStore) PendingBefore(ctx context.Context, cutoff time.Time) ([]*types.Handoff, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	result := make([]*types.Handoff, 0)
	for _, h := range s.handoffs {
		if h.Status == types.HandoffPending && !h.CreatedAt.After(cutoff) {
			result = append(result, h.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

// List retrieves handoffs matching the filter, oldest first
func (s *MemoryHandoffStore) List(ctx context.Context, filter HandoffFilter) ([]*types.Handoff, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	result := make([]*types.Handoff, 0)
	for _, h := range s.handoffs {
		if filter.Matches(h) {
			result = append(result, h.Clone())
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

// Ensure MemoryHandoffStore implements HandoffStore
var _ HandoffStore = (*MemoryHandoffStore)(nil)
