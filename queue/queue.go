package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jetvision/charterflow/bus"
	"github.com/jetvision/charterflow/persistence"
	"github.com/jetvision/charterflow/types"
)

// queueAgent identifies the queue as the source of the messages it publishes.
const queueAgent = "task-queue"

// ErrNoTask reports that no task is claimable right now.
var ErrNoTask = persistence.ErrNoPendingTask

// Config tunes queue behaviour.
type Config struct {
	// LeaseDuration is how long a claimed task stays leased before a
	// sweep may reclaim it.
	LeaseDuration time.Duration `json:"lease_duration" yaml:"lease_duration"`

	// MaxPending bounds the number of pending tasks. Zero means unbounded.
	MaxPending int `json:"max_pending" yaml:"max_pending"`

	// Retry controls the default retry budget and backoff between retries.
	Retry RetryPolicy `json:"retry" yaml:"retry"`
}

// DefaultConfig returns the default queue configuration.
func DefaultConfig() Config {
	return Config{
		LeaseDuration: 30 * time.Second,
		MaxPending:    0,
		Retry:         DefaultRetryPolicy(),
	}
}

// TaskEventPayload is the payload of TASK_CREATED, TASK_COMPLETED and
// TASK_FAILED messages.
type TaskEventPayload struct {
	TaskID      string             `json:"task_id"`
	Kind        string             `json:"kind"`
	Priority    types.TaskPriority `json:"priority"`
	TargetAgent string             `json:"target_agent,omitempty"`
	RetryCount  int                `json:"retry_count"`
	Terminal    bool               `json:"terminal,omitempty"`
	Reason      string             `json:"reason,omitempty"`
	AvailableAt *time.Time         `json:"available_at,omitempty"`
}

// TaskQueue routes tasks between agents: priority ordering, lease-based
// claims, bounded retries with exponential backoff, and lifecycle events
// on the bus. Safe for concurrent use; the contended claim path is
// serialized by the store.
type TaskQueue struct {
	store   persistence.TaskStore
	bus     bus.Bus
	cfg     Config
	clock   types.Clock
	logger  *zap.Logger
	retried atomic.Int64
}

// NewTaskQueue builds a queue over the given store. The bus may be nil,
// in which case lifecycle events are skipped.
func NewTaskQueue(store persistence.TaskStore, eventBus bus.Bus, cfg Config, logger *zap.Logger) *TaskQueue {
	return NewTaskQueueWithClock(store, eventBus, cfg, types.SystemClock{}, logger)
}

// NewTaskQueueWithClock is NewTaskQueue with an injected clock, for tests.
func NewTaskQueueWithClock(store persistence.TaskStore, eventBus bus.Bus, cfg Config, clock types.Clock, logger *zap.Logger) *TaskQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = types.SystemClock{}
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = DefaultConfig().LeaseDuration
	}
	if cfg.Retry == (RetryPolicy{}) {
		cfg.Retry = DefaultRetryPolicy()
	}
	return &TaskQueue{
		store:  store,
		bus:    eventBus,
		cfg:    cfg,
		clock:  clock,
		logger: logger.Named("queue"),
	}
}

// Enqueue validates and stores a new pending task, stamping defaults for
// ID, priority, status, retry budget and timestamps. When MaxPending is
// configured and reached, returns a retryable capacity error. Publishes
// TASK_CREATED on success and returns the stored task.
func (q *TaskQueue) Enqueue(ctx context.Context, task *types.AgentTask) (*types.AgentTask, error) {
	if task == nil {
		return nil, types.NewValidationError("task is required")
	}
	task = task.Clone()
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.Priority == "" {
		task.Priority = types.PriorityNormal
	}
	if task.Status == "" {
		task.Status = types.TaskStatusPending
	}
	if task.Status != types.TaskStatusPending {
		return nil, types.NewValidationError("task %s has status %s, only pending tasks can be enqueued", task.ID, task.Status)
	}
	if task.MaxRetries == 0 {
		task.MaxRetries = q.cfg.Retry.MaxRetries
	}
	now := q.clock.Now()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	if task.AvailableAt.IsZero() {
		task.AvailableAt = task.CreatedAt
	}
	if err := task.Validate(); err != nil {
		return nil, err
	}

	if q.cfg.MaxPending > 0 {
		pending, err := q.store.CountPending(ctx)
		if err != nil {
			return nil, err
		}
		if pending >= q.cfg.MaxPending {
			return nil, types.NewCapacityError("queue is full: %d pending tasks (limit %d)", pending, q.cfg.MaxPending)
		}
	}

	if err := q.store.Enqueue(ctx, task); err != nil {
		if errors.Is(err, persistence.ErrAlreadyExists) {
			return nil, types.NewAlreadyExistsError("task %s already exists", task.ID)
		}
		return nil, err
	}

	q.logger.Info("task enqueued",
		zap.String("task_id", task.ID),
		zap.String("kind", task.Kind),
		zap.String("priority", string(task.Priority)),
		zap.String("request_id", task.Context.RequestID))
	q.publish(ctx, types.EventTaskCreated, task, eventPayload(task))
	return task, nil
}

// Dequeue claims the best available task for workerID: lowest priority
// weight first, then earliest available, then oldest. Tasks tagged for a
// target agent are visible only to that agent; untagged tasks go to any
// caller. The task is leased for the configured duration. Returns
// ErrNoTask when nothing is claimable.
func (q *TaskQueue) Dequeue(ctx context.Context, workerID string) (*types.AgentTask, error) {
	if workerID == "" {
		return nil, types.NewValidationError("worker id is required")
	}
	task, err := q.store.Claim(ctx, workerID, q.clock.Now(), q.cfg.LeaseDuration)
	if err != nil {
		return nil, err
	}
	q.logger.Debug("task claimed",
		zap.String("task_id", task.ID),
		zap.String("worker_id", workerID),
		zap.Int("retry_count", task.RetryCount))
	return task, nil
}

// Ack marks an in_progress task completed, clears its lease and publishes
// TASK_COMPLETED. Tasks in any other status are refused.
func (q *TaskQueue) Ack(ctx context.Context, taskID string) (*types.AgentTask, error) {
	if taskID == "" {
		return nil, types.NewValidationError("task id is required")
	}
	task, err := q.store.Complete(ctx, taskID, q.clock.Now())
	if err != nil {
		switch {
		case errors.Is(err, persistence.ErrNotFound):
			return nil, types.NewNotFoundError("task %s not found", taskID)
		case errors.Is(err, persistence.ErrLeaseConflict):
			return nil, types.NewValidationError("task %s is not in progress", taskID)
		}
		return nil, err
	}
	q.logger.Info("task completed", zap.String("task_id", taskID))
	q.publish(ctx, types.EventTaskCompleted, task, eventPayload(task))
	return task, nil
}

// Fail records a failed execution attempt. Tasks with retry budget left
// return to pending behind an exponential backoff gate; exhausted tasks
// fail terminally. Both outcomes publish TASK_FAILED. Accepted from
// pending (a rejected handoff) or in_progress; terminal tasks are refused.
func (q *TaskQueue) Fail(ctx context.Context, taskID string, reason string) (*types.AgentTask, error) {
	if taskID == "" {
		return nil, types.NewValidationError("task id is required")
	}
	task, err := q.store.Get(ctx, taskID)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return nil, types.NewNotFoundError("task %s not found", taskID)
		}
		return nil, err
	}
	if task.Status.IsTerminal() {
		return nil, types.NewValidationError("task %s is already %s", taskID, task.Status)
	}
	now := q.clock.Now()

	if task.RetryCount < task.MaxRetries {
		retryCount := task.RetryCount + 1
		availableAt := now.Add(q.cfg.Retry.Backoff(retryCount))
		updated, err := q.store.Requeue(ctx, taskID, retryCount, availableAt, reason)
		if err != nil {
			if errors.Is(err, persistence.ErrLeaseConflict) {
				return nil, types.NewValidationError("task %s changed state concurrently", taskID)
			}
			return nil, err
		}
		q.retried.Add(1)
		q.logger.Warn("task failed, retrying",
			zap.String("task_id", taskID),
			zap.String("reason", reason),
			zap.Int("retry_count", retryCount),
			zap.Int("max_retries", updated.MaxRetries),
			zap.Time("available_at", availableAt))
		payload := eventPayload(updated)
		payload.Reason = reason
		payload.AvailableAt = &availableAt
		q.publish(ctx, types.EventTaskFailed, updated, payload)
		return updated, nil
	}

	updated, err := q.store.MarkFailed(ctx, taskID, reason, now)
	if err != nil {
		if errors.Is(err, persistence.ErrLeaseConflict) {
			return nil, types.NewValidationError("task %s changed state concurrently", taskID)
		}
		return nil, err
	}
	q.logger.Error("task failed terminally",
		zap.String("task_id", taskID),
		zap.String("reason", reason),
		zap.Int("retry_count", updated.RetryCount),
		zap.Int("max_retries", updated.MaxRetries))
	payload := eventPayload(updated)
	payload.Terminal = true
	payload.Reason = reason
	q.publish(ctx, types.EventTaskFailed, updated, payload)
	return updated, nil
}

// SweepExpiredLeases reclaims every task whose lease expired at or before
// now. Reclaimed tasks with retry budget left become claimable again
// immediately, without a backoff gate; exhausted ones fail terminally.
// Each reclaimed task produces a TASK_FAILED event.
func (q *TaskQueue) SweepExpiredLeases(ctx context.Context, now time.Time) (requeued, failed []*types.AgentTask, err error) {
	requeued, failed, err = q.store.ReleaseExpired(ctx, now)
	if err != nil {
		return nil, nil, err
	}
	for _, task := range requeued {
		q.retried.Add(1)
		q.logger.Warn("lease expired, task requeued",
			zap.String("task_id", task.ID),
			zap.Int("retry_count", task.RetryCount))
		payload := eventPayload(task)
		payload.Reason = task.FailureReason
		q.publish(ctx, types.EventTaskFailed, task, payload)
	}
	for _, task := range failed {
		q.logger.Error("lease expired, retries exhausted",
			zap.String("task_id", task.ID),
			zap.Int("retry_count", task.RetryCount),
			zap.Int("max_retries", task.MaxRetries))
		payload := eventPayload(task)
		payload.Terminal = true
		payload.Reason = task.FailureReason
		q.publish(ctx, types.EventTaskFailed, task, payload)
	}
	return requeued, failed, nil
}

// Get retrieves a task by ID.
func (q *TaskQueue) Get(ctx context.Context, taskID string) (*types.AgentTask, error) {
	task, err := q.store.Get(ctx, taskID)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return nil, types.NewNotFoundError("task %s not found", taskID)
		}
		return nil, err
	}
	return task, nil
}

// List retrieves tasks matching the filter, oldest first.
func (q *TaskQueue) List(ctx context.Context, filter persistence.TaskFilter) ([]*types.AgentTask, error) {
	return q.store.List(ctx, filter)
}

// Stats reports queue depth per status plus the process-local retry count.
func (q *TaskQueue) Stats(ctx context.Context) (*Stats, error) {
	ts, err := q.store.Stats(ctx)
	if err != nil {
		return nil, err
	}
	return &Stats{TaskStats: *ts, Retried: q.retried.Load()}, nil
}

// Stats extends store statistics with counters the queue tracks itself.
type Stats struct {
	persistence.TaskStats
	Retried int64 `json:"retried"`
}

func eventPayload(task *types.AgentTask) *TaskEventPayload {
	return &TaskEventPayload{
		TaskID:      task.ID,
		Kind:        task.Kind,
		Priority:    task.Priority,
		TargetAgent: task.TargetAgent,
		RetryCount:  task.RetryCount,
	}
}

func (q *TaskQueue) publish(ctx context.Context, kind types.EventKind, task *types.AgentTask, payload *TaskEventPayload) {
	if q.bus == nil {
		return
	}
	msg := &types.Message{
		Kind:        kind,
		SourceAgent: queueAgent,
		TargetAgent: task.TargetAgent,
		Payload:     types.MustJSON(payload),
		Context:     task.Context,
	}
	if err := q.bus.Publish(ctx, msg); err != nil {
		q.logger.Warn("task event publish failed",
			zap.String("kind", string(kind)),
			zap.String("task_id", task.ID),
			zap.Error(err))
	}
}
