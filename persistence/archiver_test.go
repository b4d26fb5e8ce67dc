package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jetvision/charterflow/testutil"
	"github.com/jetvision/charterflow/types"
)

type archiverFixture struct {
	archiver  *Archiver
	archive   *ArchiveStore
	workflows *MemoryWorkflowStore
	tasks     *MemoryTaskStore
	handoffs  *MemoryHandoffStore
	clock     *testutil.FakeClock
}

func setupArchiver(t *testing.T) *archiverFixture {
	t.Helper()

	archive := setupArchiveStore(t)
	workflows := NewMemoryWorkflowStore()
	tasks := NewMemoryTaskStore()
	handoffs := NewMemoryHandoffStore()
	t.Cleanup(func() {
		_ = workflows.Close()
		_ = tasks.Close()
		_ = handoffs.Close()
	})

	clock := testutil.NewFakeClock(testBase)
	return &archiverFixture{
		archiver:  NewArchiverWithClock(archive, workflows, tasks, handoffs, clock, nil),
		archive:   archive,
		workflows: workflows,
		tasks:     tasks,
		handoffs:  handoffs,
		clock:     clock,
	}
}

func TestArchiver_HandleTerminalEvent(t *testing.T) {
	fx := setupArchiver(t)
	ctx := context.Background()

	wf := terminalWorkflow("req-done", types.StateCompleted)
	require.NoError(t, fx.workflows.Create(ctx, wf))

	task := pendingTask("task-done", types.PriorityNormal, testBase)
	task.Context.RequestID = "req-done"
	require.NoError(t, fx.tasks.Enqueue(ctx, task))

	handoff := &types.Handoff{
		ID:        "hand-done",
		FromAgent: "orchestrator-1",
		ToAgent:   "email-gen-1",
		TaskID:    "task-done",
		TaskKind:  "generate_email",
		Status:    types.HandoffAccepted,
		Context:   types.MessageContext{RequestID: "req-done"},
		CreatedAt: testBase,
	}
	require.NoError(t, fx.handoffs.Create(ctx, handoff))

	fx.clock.Advance(10 * time.Minute)

	msg := types.Message{
		ID:          "msg-1",
		Kind:        types.EventWorkflowCompleted,
		SourceAgent: "orchestrator-1",
		Timestamp:   fx.clock.Now(),
		Payload:     types.MustJSON(map[string]string{"request_id": "req-done"}),
		Context:     types.MessageContext{RequestID: "req-done"},
	}
	require.NoError(t, fx.archiver.HandleMessage(ctx, msg))

	got, err := fx.archive.Workflow(ctx, "req-done")
	require.NoError(t, err)
	assert.Equal(t, string(types.StateCompleted), got.FinalState)
	assert.True(t, got.ArchivedAt.Equal(testBase.Add(10*time.Minute)), "ArchivedAt must come from the injected clock")

	tasks, err := fx.archive.TasksByRequest(ctx, "req-done")
	require.NoError(t, err)
	assert.Len(t, tasks, 1)

	handoffs, err := fx.archive.HandoffsByRequest(ctx, "req-done")
	require.NoError(t, err)
	assert.Len(t, handoffs, 1)
}

func TestArchiver_IgnoresNonTerminalKinds(t *testing.T) {
	fx := setupArchiver(t)
	ctx := context.Background()

	msg := types.Message{
		ID:          "msg-2",
		Kind:        types.EventWorkflowStateChanged,
		SourceAgent: "orchestrator-1",
		Context:     types.MessageContext{RequestID: "req-live"},
	}
	require.NoError(t, fx.archiver.HandleMessage(ctx, msg))

	stats, err := fx.archive.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Workflows)
}

func TestArchiver_MissingWorkflow(t *testing.T) {
	fx := setupArchiver(t)

	msg := types.Message{
		ID:          "msg-3",
		Kind:        types.EventWorkflowFailed,
		SourceAgent: "orchestrator-1",
		Context:     types.MessageContext{RequestID: "req-ghost"},
	}
	err := fx.archiver.HandleMessage(context.Background(), msg)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestArchiver_SkipsEventWithoutRequestID(t *testing.T) {
	fx := setupArchiver(t)

	msg := types.Message{ID: "msg-4", Kind: types.EventWorkflowCompleted, SourceAgent: "orchestrator-1"}
	require.NoError(t, fx.archiver.HandleMessage(context.Background(), msg))

	stats, err := fx.archive.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Workflows)
}
