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

// RedisHandoffStore is a Redis-based implementation of HandoffStore.
type RedisHandoffStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisHandoffStore creates a new Redis-based handoff store
func NewRedisHandoffStore(cfg RedisStoreConfig) (*RedisHandoffStore, error) {
	client, err := NewRedisClient(cfg)
	if err != nil {
		return nil, err
	}
	return NewRedisHandoffStoreWithClient(client, cfg.KeyPrefix), nil
}

// NewRedisHandoffStoreWithClient wraps an existing client.
func NewRedisHandoffStoreWithClient(client *redis.Client, keyPrefix string) *RedisHandoffStore {
	if keyPrefix == "" {
		keyPrefix = "charterflow:"
	}
	return &RedisHandoffStore{
		client:    client,
		keyPrefix: keyPrefix + "handoff:",
	}
}

// Close closes the store
func (s *RedisHandoffStore) Close() error {
	return s.client.Close()
}

// Ping checks if the store is healthy
func (s *RedisHandoffStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisHandoffStore) dataKey(handoffID string) string {
	return s.keyPrefix + "data:" + handoffID
}

func (s *RedisHandoffStore) pendingKey() string {
	return s.keyPrefix + "pending"
}

func (s *RedisHandoffStore) taskKey(taskID string) string {
	return s.keyPrefix + "task:" + taskID
}

func (s *RedisHandoffStore) allKey() string {
	return s.keyPrefix + "all"
}

// Create inserts a new handoff record
func (s *RedisHandoffStore) Create(ctx context.Context, h *types.Handoff) error {
	if h == nil || h.ID == "" || h.TaskID == "" {
		return ErrInvalidInput
	}

	data, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("failed to marshal handoff: %w", err)
	}

	if h.Status == types.HandoffPending {
		// The task pointer doubles as the one-pending-per-task guard.
		ok, err := s.client.SetNX(ctx, s.taskKey(h.TaskID), h.ID, 0).Result()
		if err != nil {
			return err
		}
		if !ok {
			return ErrAlreadyExists
		}
	}

	ok, err := s.client.SetNX(ctx, s.dataKey(h.ID), data, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		s.client.Del(ctx, s.taskKey(h.TaskID))
		return ErrAlreadyExists
	}

	created := float64(h.CreatedAt.UnixNano())
	pipe := s.client.Pipeline()
	pipe.ZAdd(ctx, s.allKey(), redis.Z{Score: created, Member: h.ID})
	if h.Status == types.HandoffPending {
		pipe.ZAdd(ctx, s.pendingKey(), redis.Z{Score: created, Member: h.ID})
	}
	_, err = pipe.Exec(ctx)
	return err
}

// Get retrieves a handoff by ID
func (s *RedisHandoffStore) Get(ctx context.Context, handoffID string) (*types.Handoff, error) {
	data, err := s.client.Get(ctx, s.dataKey(handoffID)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var h types.Handoff
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// PendingByTask retrieves the pending handoff for a task
func (s *RedisHandoffStore) PendingByTask(ctx context.Context, taskID string) (*types.Handoff, error) {
	handoffID, err := s.client.Get(ctx, s.taskKey(taskID)).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, handoffID)
}

// Update writes a mutated handoff
func (s *RedisHandoffStore) Update(ctx context.Context, h *types.Handoff) error {
	if h == nil || h.ID == "" {
		return ErrInvalidInput
	}
	if _, err := s.Get(ctx, h.ID); err != nil {
		return err
	}

	data, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("failed to marshal handoff: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.dataKey(h.ID), data, 0)
	if h.Status.IsResolved() {
		pipe.ZRem(ctx, s.pendingKey(), h.ID)
		pipe.Del(ctx, s.taskKey(h.TaskID))
	} else {
		pipe.ZAdd(ctx, s.pendingKey(), redis.Z{Score: float64(h.CreatedAt.UnixNano()), Member: h.ID})
		pipe.Set(ctx, s.taskKey(h.TaskID), h.ID, 0)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// PendingBefore returns pending handoffs created at or before the cutoff
func (s *RedisHandoffStore) PendingBefore(ctx context.Context, cutoff time.Time) ([]*types.Handoff, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.pendingKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff.UnixNano(), 10),
	}).Result()
	if err != nil {
		return nil, err
	}

	result := make([]*types.Handoff, 0, len(ids))
	for _, handoffID := range ids {
		h, err := s.Get(ctx, handoffID)
		if err != nil {
			continue
		}
		if h.Status == types.HandoffPending {
			result = append(result, h)
		}
	}
	return result, nil
}

// List retrieves handoffs matching the filter, oldest first
func (s *RedisHandoffStore) List(ctx context.Context, filter HandoffFilter) ([]*types.Handoff, error) {
	ids, err := s.client.ZRange(ctx, s.allKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}

	result := make([]*types.Handoff, 0, len(ids))
	for _, handoffID := range ids {
		h, err := s.Get(ctx, handoffID)
		if err != nil {
			continue
		}
		if filter.Matches(h) {
			result = append(result, h)
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

// Ensure RedisHandoffStore implements HandoffStore
var _ HandoffStore = (*RedisHandoffStore)(nil)
