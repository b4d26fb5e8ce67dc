package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jetvision/charterflow/types"
)

// RedisWorkflowStore is a Redis-based implementation of WorkflowStore.
// Records live as JSON values; an "active" sorted set scored by
// TimeoutDeadline drives the timeout sweep without scanning.
type RedisWorkflowStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisWorkflowStore creates a new Redis-based workflow store
func NewRedisWorkflowStore(cfg RedisStoreConfig) (*RedisWorkflowStore, error) {
	client, err := NewRedisClient(cfg)
	if err != nil {
		return nil, err
	}
	return NewRedisWorkflowStoreWithClient(client, cfg.KeyPrefix), nil
}

// NewRedisWorkflowStoreWithClient wraps an existing client.
func NewRedisWorkflowStoreWithClient(client *redis.Client, keyPrefix string) *RedisWorkflowStore {
	if keyPrefix == "" {
		keyPrefix = "charterflow:"
	}
	return &RedisWorkflowStore{
		client:    client,
		keyPrefix: keyPrefix + "workflow:",
	}
}

// Close closes the store
func (s *RedisWorkflowStore) Close() error {
	return s.client.Close()
}

// Ping checks if the store is healthy
func (s *RedisWorkflowStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisWorkflowStore) dataKey(requestID string) string {
	return s.keyPrefix + "data:" + requestID
}

func (s *RedisWorkflowStore) activeKey() string {
	return s.keyPrefix + "active"
}

func (s *RedisWorkflowStore) allKey() string {
	return s.keyPrefix + "all"
}

func (s *RedisWorkflowStore) stateKey(state types.WorkflowState) string {
	return s.keyPrefix + "state:" + string(state)
}

// Create inserts a new workflow record
func (s *RedisWorkflowStore) Create(ctx context.Context, wf *types.Workflow) error {
	if wf == nil || wf.RequestID == "" {
		return ErrInvalidInput
	}

	data, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.dataKey(wf.RequestID), data, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrAlreadyExists
	}

	pipe := s.client.Pipeline()
	pipe.ZAdd(ctx, s.allKey(), redis.Z{Score: float64(wf.CreatedAt.UnixNano()), Member: wf.RequestID})
	pipe.ZAdd(ctx, s.stateKey(wf.CurrentState), redis.Z{Score: float64(wf.CreatedAt.UnixNano()), Member: wf.RequestID})
	if !wf.CurrentState.IsTerminal() {
		pipe.ZAdd(ctx, s.activeKey(), redis.Z{Score: float64(wf.TimeoutDeadline.UnixNano()), Member: wf.RequestID})
	}
	_, err = pipe.Exec(ctx)
	return err
}

// Get retrieves a workflow by requestID
func (s *RedisWorkflowStore) Get(ctx context.Context, requestID string) (*types.Workflow, error) {
	data, err := s.client.Get(ctx, s.dataKey(requestID)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var wf types.Workflow
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, err
	}
	return &wf, nil
}

// Update writes a mutated workflow under a version check
func (s *RedisWorkflowStore) Update(ctx context.Context, wf *types.Workflow) error {
	if wf == nil || wf.RequestID == "" {
		return ErrInvalidInput
	}

	stored, err := s.Get(ctx, wf.RequestID)
	if err != nil {
		return err
	}
	if wf.Version != stored.Version+1 {
		return ErrVersionConflict
	}

	data, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.dataKey(wf.RequestID), data, 0)
	if stored.CurrentState != wf.CurrentState {
		pipe.ZRem(ctx, s.stateKey(stored.CurrentState), wf.RequestID)
		pipe.ZAdd(ctx, s.stateKey(wf.CurrentState), redis.Z{Score: float64(wf.CreatedAt.UnixNano()), Member: wf.RequestID})
	}
	if wf.CurrentState.IsTerminal() {
		pipe.ZRem(ctx, s.activeKey(), wf.RequestID)
	} else {
		pipe.ZAdd(ctx, s.activeKey(), redis.Z{Score: float64(wf.TimeoutDeadline.UnixNano()), Member: wf.RequestID})
	}
	_, err = pipe.Exec(ctx)
	return err
}

// Expiring returns non-terminal workflows past their deadline
func (s *RedisWorkflowStore) Expiring(ctx context.Context, now time.Time) ([]*types.Workflow, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.activeKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixNano(), 10),
	}).Result()
	if err != nil {
		return nil, err
	}

	result := make([]*types.Workflow, 0, len(ids))
	for _, requestID := range ids {
		wf, err := s.Get(ctx, requestID)
		if err != nil {
			continue
		}
		if !wf.CurrentState.IsTerminal() && !wf.TimeoutDeadline.After(now) {
			result = append(result, wf)
		}
	}
	return result, nil
}

// List retrieves workflows matching the filter, oldest first
func (s *RedisWorkflowStore) List(ctx context.Context, filter WorkflowFilter) ([]*types.Workflow, error) {
	var ids []string
	var err error

	if len(filter.States) == 1 {
		ids, err = s.client.ZRange(ctx, s.stateKey(filter.States[0]), 0, -1).Result()
	} else {
		ids, err = s.client.ZRange(ctx, s.allKey(), 0, -1).Result()
	}
	if err != nil {
		return nil, err
	}

	result := make([]*types.Workflow, 0, len(ids))
	for _, requestID := range ids {
		wf, err := s.Get(ctx, requestID)
		if err != nil {
			continue
		}
		if filter.Matches(wf) {
			result = append(result, wf)
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

// Ensure RedisWorkflowStore implements WorkflowStore
var _ WorkflowStore = (*RedisWorkflowStore)(nil)
