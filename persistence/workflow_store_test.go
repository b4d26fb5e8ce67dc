package persistence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jetvision/charterflow/types"
)

func newWorkflow(requestID string, createdAt time.Time) *types.Workflow {
	return &types.Workflow{
		RequestID:    requestID,
		CurrentState: types.StateCreated,
		History: []types.StateChange{
			{State: types.StateCreated, Timestamp: createdAt, TriggeringAgent: "orchestrator-1"},
		},
		TimeoutDeadline: createdAt.Add(5 * time.Minute),
		Version:         1,
		Context:         types.MessageContext{RequestID: requestID},
		CreatedAt:       createdAt,
		UpdatedAt:       createdAt,
	}
}

// TestMemoryWorkflowStore tests the in-memory workflow store
func TestMemoryWorkflowStore(t *testing.T) {
	store := NewMemoryWorkflowStore()
	defer store.Close()

	ctx := context.Background()

	t.Run("CreateAndGet", func(t *testing.T) {
		wf := newWorkflow("req-1", testBase)
		if err := store.Create(ctx, wf); err != nil {
			t.Fatalf("Create failed: %v", err)
		}

		got, err := store.Get(ctx, "req-1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got.CurrentState != types.StateCreated || got.Version != 1 {
			t.Errorf("workflow state wrong: %+v", got)
		}

		// History must not alias the stored copy
		got.History[0].TriggeringAgent = "mutated"
		again, _ := store.Get(ctx, "req-1")
		if again.History[0].TriggeringAgent != "orchestrator-1" {
			t.Errorf("store history leaked through returned copy")
		}
	})

	t.Run("DuplicateCreate", func(t *testing.T) {
		if err := store.Create(ctx, newWorkflow("req-1", testBase)); !errors.Is(err, ErrAlreadyExists) {
			t.Errorf("expected ErrAlreadyExists, got %v", err)
		}
	})

	t.Run("GetMissing", func(t *testing.T) {
		if _, err := store.Get(ctx, "req-missing"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("UpdateAdvancesVersion", func(t *testing.T) {
		wf, err := store.Get(ctx, "req-1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		wf.CurrentState = types.StateAnalyzing
		wf.Version++
		wf.History = append(wf.History, types.StateChange{
			State: types.StateAnalyzing, Timestamp: testBase.Add(time.Second), TriggeringAgent: "orchestrator-1",
		})
		if err := store.Update(ctx, wf); err != nil {
			t.Fatalf("Update failed: %v", err)
		}

		got, _ := store.Get(ctx, "req-1")
		if got.CurrentState != types.StateAnalyzing || got.Version != 2 {
			t.Errorf("update not applied: %+v", got)
		}
	})

	t.Run("VersionConflict", func(t *testing.T) {
		stale, _ := store.Get(ctx, "req-1")
		fresh, _ := store.Get(ctx, "req-1")

		fresh.Version++
		if err := store.Update(ctx, fresh); err != nil {
			t.Fatalf("fresh update failed: %v", err)
		}

		// Stale writer replays the same version and must lose
		stale.Version++
		if err := store.Update(ctx, stale); !errors.Is(err, ErrVersionConflict) {
			t.Errorf("expected ErrVersionConflict, got %v", err)
		}
	})
}

// TestMemoryWorkflowStore_Expiring verifies deadline scanning skips terminal states
func TestMemoryWorkflowStore_Expiring(t *testing.T) {
	store := NewMemoryWorkflowStore()
	defer store.Close()

	ctx := context.Background()

	early := newWorkflow("req-early", testBase)
	early.TimeoutDeadline = testBase.Add(time.Minute)
	late := newWorkflow("req-late", testBase)
	late.TimeoutDeadline = testBase.Add(time.Hour)
	done := newWorkflow("req-done", testBase)
	done.CurrentState = types.StateCompleted
	done.TimeoutDeadline = testBase.Add(time.Second)

	for _, wf := range []*types.Workflow{early, late, done} {
		if err := store.Create(ctx, wf); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	expired, err := store.Expiring(ctx, testBase.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("Expiring failed: %v", err)
	}
	if len(expired) != 1 || expired[0].RequestID != "req-early" {
		t.Fatalf("expected only req-early, got %+v", expired)
	}

	expired, err = store.Expiring(ctx, testBase.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("Expiring failed: %v", err)
	}
	if len(expired) != 2 {
		t.Fatalf("expected two expired workflows, got %d", len(expired))
	}
	if expired[0].RequestID != "req-early" || expired[1].RequestID != "req-late" {
		t.Errorf("expired order wrong: %s, %s", expired[0].RequestID, expired[1].RequestID)
	}
}

// TestMemoryWorkflowStore_List verifies state filters
func TestMemoryWorkflowStore_List(t *testing.T) {
	store := NewMemoryWorkflowStore()
	defer store.Close()

	ctx := context.Background()

	active := newWorkflow("req-a", testBase)
	failed := newWorkflow("req-b", testBase)
	failed.CurrentState = types.StateFailed
	if err := store.Create(ctx, active); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := store.Create(ctx, failed); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	all, err := store.List(ctx, WorkflowFilter{})
	if err != nil || len(all) != 2 {
		t.Fatalf("List all: %d, %v", len(all), err)
	}

	onlyFailed, err := store.List(ctx, WorkflowFilter{States: []types.WorkflowState{types.StateFailed}})
	if err != nil || len(onlyFailed) != 1 || onlyFailed[0].RequestID != "req-b" {
		t.Errorf("List failed filter: %+v, %v", onlyFailed, err)
	}

	limited, err := store.List(ctx, WorkflowFilter{Limit: 1})
	if err != nil || len(limited) != 1 {
		t.Errorf("List limit: %d, %v", len(limited), err)
	}
}
