package queue

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/jetvision/charterflow/persistence"
	"github.com/jetvision/charterflow/testutil"
	"github.com/jetvision/charterflow/types"
)

func newPropertyQueue(t *testing.T) (*TaskQueue, *testutil.FakeClock) {
	t.Helper()
	clock := testutil.NewFakeClock(queueBase)
	store := persistence.NewMemoryTaskStore()
	t.Cleanup(func() { _ = store.Close() })
	return NewTaskQueueWithClock(store, nil, DefaultConfig(), clock, nil), clock
}

// TestProperty_BackoffMatchesDoubling verifies the backoff schedule is
// InitialBackoff doubled per retry and capped at MaxBackoff.
func TestProperty_BackoffMatchesDoubling(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		p := DefaultRetryPolicy()
		retryCount := rapid.IntRange(1, 12).Draw(rt, "retryCount")

		want := p.InitialBackoff << (retryCount - 1)
		if want > p.MaxBackoff {
			want = p.MaxBackoff
		}
		assert.Equal(t, want, p.Backoff(retryCount), "retry %d", retryCount)
	})
}

// TestProperty_DrainOrdersByWeight enqueues a random mix of priorities and
// drains the queue: claims come out in non-decreasing priority weight, each
// task exactly once.
func TestProperty_DrainOrdersByWeight(t *testing.T) {
	priorities := []types.TaskPriority{
		types.PriorityUrgent, types.PriorityHigh, types.PriorityNormal, types.PriorityLow,
	}

	rapid.Check(t, func(rt *rapid.T) {
		q, _ := newPropertyQueue(t)
		ctx := context.Background()

		n := rapid.IntRange(1, 25).Draw(rt, "n")
		for i := 0; i < n; i++ {
			p := rapid.SampledFrom(priorities).Draw(rt, fmt.Sprintf("priority_%d", i))
			_, err := q.Enqueue(ctx, newTask("search_flights", p))
			require.NoError(t, err)
		}

		seen := make(map[string]bool, n)
		lastWeight := 0
		for i := 0; i < n; i++ {
			task, err := q.Dequeue(ctx, "worker-1")
			require.NoError(t, err)
			assert.False(t, seen[task.ID], "task %s claimed twice", task.ID)
			seen[task.ID] = true
			assert.GreaterOrEqual(t, task.Priority.Weight(), lastWeight)
			lastWeight = task.Priority.Weight()
		}

		_, err := q.Dequeue(ctx, "worker-1")
		assert.ErrorIs(t, err, ErrNoTask)
	})
}

// TestProperty_RetryBudgetIsExact fails a task repeatedly: exactly
// MaxRetries retries are granted, then the task fails terminally and
// refuses further failure reports.
func TestProperty_RetryBudgetIsExact(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		q, clock := newPropertyQueue(t)
		ctx := context.Background()

		maxRetries := rapid.IntRange(1, 6).Draw(rt, "maxRetries")
		task, err := q.Enqueue(ctx, &types.AgentTask{
			Kind:       "search_flights",
			MaxRetries: maxRetries,
			Context:    types.MessageContext{RequestID: "req-1"},
		})
		require.NoError(t, err)

		for i := 1; i <= maxRetries; i++ {
			updated, err := q.Fail(ctx, task.ID, "transient")
			require.NoError(t, err)
			assert.Equal(t, types.TaskStatusPending, updated.Status)
			assert.Equal(t, i, updated.RetryCount)
			assert.Equal(t, clock.Now().Add(q.cfg.Retry.Backoff(i)), updated.AvailableAt)
		}

		dead, err := q.Fail(ctx, task.ID, "transient")
		require.NoError(t, err)
		assert.Equal(t, types.TaskStatusFailed, dead.Status)
		assert.Equal(t, maxRetries, dead.RetryCount)

		_, err = q.Fail(ctx, task.ID, "transient")
		assert.True(t, types.IsCode(err, types.ErrCodeValidation), "got %v", err)

		stats, err := q.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), stats.Total)
		assert.Equal(t, int64(1), stats.Failed)
		assert.Equal(t, int64(maxRetries), stats.Retried)
	})
}

// TestProperty_NoTaskLostUnderRandomOps drives the queue with a random
// operation sequence and checks conservation after every step: each task
// is accounted for by exactly one status and leases match the claim set.
func TestProperty_NoTaskLostUnderRandomOps(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		q, clock := newPropertyQueue(t)
		ctx := context.Background()

		total := 0
		var claimed []string
		steps := rapid.IntRange(5, 40).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			op := rapid.IntRange(0, 3).Draw(rt, fmt.Sprintf("op_%d", i))
			switch op {
			case 0:
				_, err := q.Enqueue(ctx, newTask("search_flights", types.PriorityNormal))
				require.NoError(t, err)
				total++
			case 1:
				task, err := q.Dequeue(ctx, "worker-1")
				if err != nil {
					assert.ErrorIs(t, err, ErrNoTask)
					continue
				}
				claimed = append(claimed, task.ID)
			case 2:
				if len(claimed) == 0 {
					continue
				}
				id := claimed[len(claimed)-1]
				claimed = claimed[:len(claimed)-1]
				_, err := q.Ack(ctx, id)
				require.NoError(t, err)
			case 3:
				if len(claimed) == 0 {
					continue
				}
				id := claimed[len(claimed)-1]
				claimed = claimed[:len(claimed)-1]
				_, err := q.Fail(ctx, id, "transient")
				require.NoError(t, err)
			}
			clock.Advance(time.Second)

			stats, err := q.Stats(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(total), stats.Total)
			assert.Equal(t, stats.Total, stats.Pending+stats.InProgress+stats.Completed+stats.Failed)
			assert.Equal(t, int64(len(claimed)), stats.InProgress)
		}
	})
}
