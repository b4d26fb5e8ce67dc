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

// claimScript pops the earliest ready task at or below the time gate from
// two candidate sets: KEYS[1] holds tasks addressed to the claiming worker,
// KEYS[2] the unaddressed pool. Ties go to the addressed set. Pop and remove
// run as one script, so only one claimer can win a given member.
const claimScript = `
local function head(key, gate)
	local r = redis.call('ZRANGEBYSCORE', key, '-inf', gate, 'WITHSCORES', 'LIMIT', 0, 1)
	if #r == 0 then return nil, nil end
	return r[1], tonumber(r[2])
end
local id1, s1 = head(KEYS[1], ARGV[1])
local id2, s2 = head(KEYS[2], ARGV[1])
if not id1 and not id2 then return false end
local key, id = KEYS[1], id1
if not id1 or (id2 and s2 < s1) then key, id = KEYS[2], id2 end
redis.call('ZREM', key, id)
return id
`

// claimOrder is the priority scan order for Claim.
var claimOrder = []types.TaskPriority{
	types.PriorityUrgent,
	types.PriorityHigh,
	types.PriorityNormal,
	types.PriorityLow,
}

// RedisTaskStore is a Redis-based implementation of TaskStore.
// Tasks live as JSON values with sorted-set indexes: one ready set per
// priority scored by AvailableAt (addressed tasks wait in per-agent
// subsets), a leased set scored by LeaseExpiresAt, and status/request
// sets scored by CreatedAt.
type RedisTaskStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisTaskStore creates a new Redis-based task store
func NewRedisTaskStore(cfg RedisStoreConfig) (*RedisTaskStore, error) {
	client, err := NewRedisClient(cfg)
	if err != nil {
		return nil, err
	}
	return NewRedisTaskStoreWithClient(client, cfg.KeyPrefix), nil
}

// NewRedisTaskStoreWithClient wraps an existing client, used by tests and
// callers that share one client across stores.
func NewRedisTaskStoreWithClient(client *redis.Client, keyPrefix string) *RedisTaskStore {
	if keyPrefix == "" {
		keyPrefix = "charterflow:"
	}
	return &RedisTaskStore{
		client:    client,
		keyPrefix: keyPrefix + "task:",
	}
}

// Close closes the store
func (s *RedisTaskStore) Close() error {
	return s.client.Close()
}

// Ping checks if the store is healthy
func (s *RedisTaskStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisTaskStore) dataKey(taskID string) string {
	return s.keyPrefix + "data:" + taskID
}

func (s *RedisTaskStore) readyKey(p types.TaskPriority) string {
	return s.keyPrefix + "ready:" + string(p)
}

// readyKeyFor picks the ready set a task waits in: addressed tasks live in
// a per-agent set so Claim never pops work meant for someone else.
func (s *RedisTaskStore) readyKeyFor(task *types.AgentTask) string {
	if task.TargetAgent != "" {
		return s.readyKey(task.Priority) + ":agent:" + task.TargetAgent
	}
	return s.readyKey(task.Priority)
}

func (s *RedisTaskStore) agentReadyKey(p types.TaskPriority, workerID string) string {
	return s.readyKey(p) + ":agent:" + workerID
}

func (s *RedisTaskStore) leasedKey() string {
	return s.keyPrefix + "leased"
}

func (s *RedisTaskStore) statusKey(status types.TaskStatus) string {
	return s.keyPrefix + "status:" + string(status)
}

func (s *RedisTaskStore) requestKey(requestID string) string {
	return s.keyPrefix + "request:" + requestID
}

func (s *RedisTaskStore) allKey() string {
	return s.keyPrefix + "all"
}

func (s *RedisTaskStore) save(ctx context.Context, pipe redis.Pipeliner, task *types.AgentTask) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}
	pipe.Set(ctx, s.dataKey(task.ID), data, 0)
	return nil
}

// Enqueue creates a pending task
func (s *RedisTaskStore) Enqueue(ctx context.Context, task *types.AgentTask) error {
	if task == nil || task.ID == "" {
		return ErrInvalidInput
	}

	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.dataKey(task.ID), data, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrAlreadyExists
	}

	created := float64(task.CreatedAt.UnixNano())
	pipe := s.client.Pipeline()
	pipe.ZAdd(ctx, s.readyKeyFor(task), redis.Z{Score: float64(task.AvailableAt.UnixNano()), Member: task.ID})
	pipe.ZAdd(ctx, s.statusKey(types.TaskStatusPending), redis.Z{Score: created, Member: task.ID})
	pipe.ZAdd(ctx, s.allKey(), redis.Z{Score: created, Member: task.ID})
	if task.Context.RequestID != "" {
		pipe.ZAdd(ctx, s.requestKey(task.Context.RequestID), redis.Z{Score: created, Member: task.ID})
	}
	_, err = pipe.Exec(ctx)
	return err
}

// Get retrieves a task by ID
func (s *RedisTaskStore) Get(ctx context.Context, taskID string) (*types.AgentTask, error) {
	data, err := s.client.Get(ctx, s.dataKey(taskID)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var task types.AgentTask
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// Claim atomically leases the best available pending task addressed to
// workerID or to nobody.
func (s *RedisTaskStore) Claim(ctx context.Context, workerID string, now time.Time, leaseFor time.Duration) (*types.AgentTask, error) {
	gate := strconv.FormatInt(now.UnixNano(), 10)

	for _, priority := range claimOrder {
		keys := []string{s.agentReadyKey(priority, workerID), s.readyKey(priority)}
		res, err := s.client.Eval(ctx, claimScript, keys, gate).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, err
		}
		taskID, ok := res.(string)
		if !ok || taskID == "" {
			continue
		}

		task, err := s.Get(ctx, taskID)
		if err != nil {
			return nil, fmt.Errorf("claimed task %s has no data: %w", taskID, err)
		}

		exp := now.Add(leaseFor)
		task.Status = types.TaskStatusInProgress
		task.LeaseOwner = workerID
		task.LeaseExpiresAt = &exp

		pipe := s.client.Pipeline()
		if err := s.save(ctx, pipe, task); err != nil {
			return nil, err
		}
		pipe.ZAdd(ctx, s.leasedKey(), redis.Z{Score: float64(exp.UnixNano()), Member: task.ID})
		pipe.ZRem(ctx, s.statusKey(types.TaskStatusPending), task.ID)
		pipe.ZAdd(ctx, s.statusKey(types.TaskStatusInProgress), redis.Z{Score: float64(task.CreatedAt.UnixNano()), Member: task.ID})
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, err
		}
		return task, nil
	}
	return nil, ErrNoPendingTask
}

// Complete moves an in_progress task to completed
func (s *RedisTaskStore) Complete(ctx context.Context, taskID string, now time.Time) (*types.AgentTask, error) {
	task, err := s.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != types.TaskStatusInProgress {
		return nil, ErrLeaseConflict
	}

	task.Status = types.TaskStatusCompleted
	task.LeaseOwner = ""
	task.LeaseExpiresAt = nil

	pipe := s.client.Pipeline()
	if err := s.save(ctx, pipe, task); err != nil {
		return nil, err
	}
	pipe.ZRem(ctx, s.leasedKey(), task.ID)
	pipe.ZRem(ctx, s.statusKey(types.TaskStatusInProgress), task.ID)
	pipe.ZAdd(ctx, s.statusKey(types.TaskStatusCompleted), redis.Z{Score: float64(task.CreatedAt.UnixNano()), Member: task.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return task, nil
}

// Requeue returns a task to pending with the given retry count
func (s *RedisTaskStore) Requeue(ctx context.Context, taskID string, retryCount int, availableAt time.Time, reason string) (*types.AgentTask, error) {
	task, err := s.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status.IsTerminal() {
		return nil, ErrLeaseConflict
	}
	oldStatus := task.Status

	task.Status = types.TaskStatusPending
	task.RetryCount = retryCount
	task.AvailableAt = availableAt
	task.LeaseOwner = ""
	task.LeaseExpiresAt = nil
	task.FailureReason = reason

	pipe := s.client.Pipeline()
	if err := s.save(ctx, pipe, task); err != nil {
		return nil, err
	}
	pipe.ZRem(ctx, s.leasedKey(), task.ID)
	if oldStatus != types.TaskStatusPending {
		pipe.ZRem(ctx, s.statusKey(oldStatus), task.ID)
		pipe.ZAdd(ctx, s.statusKey(types.TaskStatusPending), redis.Z{Score: float64(task.CreatedAt.UnixNano()), Member: task.ID})
	}
	pipe.ZAdd(ctx, s.readyKeyFor(task), redis.Z{Score: float64(availableAt.UnixNano()), Member: task.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return task, nil
}

// MarkFailed moves a task to terminal failed
func (s *RedisTaskStore) MarkFailed(ctx context.Context, taskID string, reason string, now time.Time) (*types.AgentTask, error) {
	task, err := s.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status.IsTerminal() {
		return nil, ErrLeaseConflict
	}
	oldStatus := task.Status

	task.Status = types.TaskStatusFailed
	task.LeaseOwner = ""
	task.LeaseExpiresAt = nil
	task.FailureReason = reason

	pipe := s.client.Pipeline()
	if err := s.save(ctx, pipe, task); err != nil {
		return nil, err
	}
	pipe.ZRem(ctx, s.leasedKey(), task.ID)
	pipe.ZRem(ctx, s.readyKeyFor(task), task.ID)
	pipe.ZRem(ctx, s.statusKey(oldStatus), task.ID)
	pipe.ZAdd(ctx, s.statusKey(types.TaskStatusFailed), redis.Z{Score: float64(task.CreatedAt.UnixNano()), Member: task.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return task, nil
}

// ReleaseExpired returns expired leases to pending or fails them terminally.
// ZREM on the leased set decides ownership: whichever sweeper removes the
// member processes the task, so concurrent sweeps never double-handle one.
func (s *RedisTaskStore) ReleaseExpired(ctx context.Context, now time.Time) (requeued, failed []*types.AgentTask, err error) {
	ids, err := s.client.ZRangeByScore(ctx, s.leasedKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixNano(), 10),
	}).Result()
	if err != nil {
		return nil, nil, err
	}

	for _, taskID := range ids {
		removed, err := s.client.ZRem(ctx, s.leasedKey(), taskID).Result()
		if err != nil {
			return requeued, failed, err
		}
		if removed == 0 {
			continue
		}

		task, err := s.Get(ctx, taskID)
		if err != nil {
			continue
		}
		owner := task.LeaseOwner
		task.LeaseOwner = ""
		task.LeaseExpiresAt = nil

		pipe := s.client.Pipeline()
		pipe.ZRem(ctx, s.statusKey(types.TaskStatusInProgress), task.ID)
		if task.RetryCount < task.MaxRetries {
			task.Status = types.TaskStatusPending
			task.RetryCount++
			task.AvailableAt = now
			task.FailureReason = fmt.Sprintf("lease held by %s expired", owner)
			pipe.ZAdd(ctx, s.statusKey(types.TaskStatusPending), redis.Z{Score: float64(task.CreatedAt.UnixNano()), Member: task.ID})
			pipe.ZAdd(ctx, s.readyKeyFor(task), redis.Z{Score: float64(now.UnixNano()), Member: task.ID})
		} else {
			task.Status = types.TaskStatusFailed
			task.FailureReason = fmt.Sprintf("lease held by %s expired; retry budget exhausted (%d/%d)", owner, task.RetryCount, task.MaxRetries)
			pipe.ZAdd(ctx, s.statusKey(types.TaskStatusFailed), redis.Z{Score: float64(task.CreatedAt.UnixNano()), Member: task.ID})
		}
		if err := s.save(ctx, pipe, task); err != nil {
			return requeued, failed, err
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return requeued, failed, err
		}

		if task.Status == types.TaskStatusPending {
			requeued = append(requeued, task)
		} else {
			failed = append(failed, task)
		}
	}
	return requeued, failed, nil
}

// List retrieves tasks matching the filter, oldest first
func (s *RedisTaskStore) List(ctx context.Context, filter TaskFilter) ([]*types.AgentTask, error) {
	var taskIDs []string
	var err error

	switch {
	case filter.RequestID != "":
		taskIDs, err = s.client.ZRange(ctx, s.requestKey(filter.RequestID), 0, -1).Result()
	case len(filter.Status) == 1:
		taskIDs, err = s.client.ZRange(ctx, s.statusKey(filter.Status[0]), 0, -1).Result()
	default:
		taskIDs, err = s.client.ZRange(ctx, s.allKey(), 0, -1).Result()
	}
	if err != nil {
		return nil, err
	}

	result := make([]*types.AgentTask, 0, len(taskIDs))
	for _, taskID := range taskIDs {
		task, err := s.Get(ctx, taskID)
		if err != nil {
			continue
		}
		if filter.Matches(task) {
			result = append(result, task)
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
func (s *RedisTaskStore) CountPending(ctx context.Context) (int, error) {
	n, err := s.client.ZCard(ctx, s.statusKey(types.TaskStatusPending)).Result()
	return int(n), err
}

// Stats returns queue depth statistics
func (s *RedisTaskStore) Stats(ctx context.Context) (*TaskStats, error) {
	stats := &TaskStats{StatusCounts: make(map[types.TaskStatus]int64)}

	total, err := s.client.ZCard(ctx, s.allKey()).Result()
	if err != nil {
		return nil, err
	}
	stats.Total = total

	statuses := []types.TaskStatus{
		types.TaskStatusPending,
		types.TaskStatusInProgress,
		types.TaskStatusCompleted,
		types.TaskStatusFailed,
	}
	for _, status := range statuses {
		count, err := s.client.ZCard(ctx, s.statusKey(status)).Result()
		if err != nil {
			return nil, err
		}
		stats.StatusCounts[status] = count
		switch status {
		case types.TaskStatusPending:
			stats.Pending = count
		case types.TaskStatusInProgress:
			stats.InProgress = count
		case types.TaskStatusCompleted:
			stats.Completed = count
		case types.TaskStatusFailed:
			stats.Failed = count
		}
	}

	oldest, err := s.client.ZRangeWithScores(ctx, s.statusKey(types.TaskStatusPending), 0, 0).Result()
	if err == nil && len(oldest) > 0 {
		ts := time.Unix(0, int64(oldest[0].Score))
		stats.OldestPendingAge = time.Since(ts)
	}
	return stats, nil
}

// Ensure RedisTaskStore implements TaskStore
var _ TaskStore = (*RedisTaskStore)(nil)
