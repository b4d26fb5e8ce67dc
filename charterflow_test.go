package charterflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/jetvision/charterflow/bus"
	"github.com/jetvision/charterflow/persistence"
	"github.com/jetvision/charterflow/queue"
	"github.com/jetvision/charterflow/testutil"
	"github.com/jetvision/charterflow/types"
)

var coreBase = time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC)

func newTestCore(t *testing.T) (*Core, *testutil.FakeClock) {
	t.Helper()

	clock := testutil.NewFakeClock(coreBase)
	core, err := New(WithClock(clock), WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = core.Close() })
	return core, clock
}

func TestNew_Defaults(t *testing.T) {
	core, _ := newTestCore(t)

	assert.NotNil(t, core.Bus())
	assert.NotNil(t, core.Workflows())
	assert.NotNil(t, core.Tasks())
	assert.NotNil(t, core.Handoffs())
	assert.NotNil(t, core.Agents())

	summary, err := core.HealthSummary(context.Background())
	require.NoError(t, err)
	assert.Empty(t, summary.Workflows)
	assert.Zero(t, summary.Queue.Total)
	assert.Zero(t, summary.Agents)
	assert.Equal(t, coreBase, summary.GeneratedAt)
}

func TestNew_RejectsNilStore(t *testing.T) {
	_, err := New(WithWorkflowStore(nil))
	assert.Equal(t, types.ErrCodeValidation, types.GetErrorCode(err))

	_, err = New(WithTaskStore(nil))
	assert.Equal(t, types.ErrCodeValidation, types.GetErrorCode(err))

	_, err = New(WithHandoffStore(nil))
	assert.Equal(t, types.ErrCodeValidation, types.GetErrorCode(err))
}

func TestStartWorkflow(t *testing.T) {
	core, _ := newTestCore(t)
	ctx := context.Background()

	wf, err := core.StartWorkflow(ctx, "req-1", "orchestrator-1", &types.AgentTask{
		Kind: "analyze_rfp",
	})
	require.NoError(t, err)
	assert.Equal(t, types.StateCreated, wf.CurrentState)

	// The queued task inherits the workflow's requestId.
	tasks, err := core.Tasks().List(ctx, persistence.TaskFilter{RequestID: "req-1"})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "analyze_rfp", tasks[0].Kind)
	assert.Equal(t, types.TaskStatusPending, tasks[0].Status)
	assert.Equal(t, "req-1", tasks[0].Context.RequestID)

	_, err = core.StartWorkflow(ctx, "req-1", "orchestrator-1", nil)
	assert.Equal(t, types.ErrCodeAlreadyExists, types.GetErrorCode(err))
}

func TestStartWorkflow_NilTaskCreatesOnly(t *testing.T) {
	core, _ := newTestCore(t)
	ctx := context.Background()

	wf, err := core.StartWorkflow(ctx, "req-1", "orchestrator-1", nil)
	require.NoError(t, err)
	assert.Equal(t, types.StateCreated, wf.CurrentState)

	tasks, err := core.Tasks().List(ctx, persistence.TaskFilter{RequestID: "req-1"})
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestStartWorkflow_RequestIDMismatch(t *testing.T) {
	core, _ := newTestCore(t)
	ctx := context.Background()

	wf, err := core.StartWorkflow(ctx, "req-1", "orchestrator-1", &types.AgentTask{
		Kind:    "analyze_rfp",
		Context: types.MessageContext{RequestID: "req-other"},
	})
	assert.Equal(t, types.ErrCodeValidation, types.GetErrorCode(err))

	// The workflow was created before the task was rejected.
	require.NotNil(t, wf)
	got, gerr := core.Workflows().Get(ctx, "req-1")
	require.NoError(t, gerr)
	assert.Equal(t, types.StateCreated, got.CurrentState)
}

func TestStartWorkflow_EnqueueRejectedLeavesWorkflowCreated(t *testing.T) {
	queueCfg := queue.DefaultConfig()
	queueCfg.MaxPending = 1

	core, err := New(
		WithClock(testutil.NewFakeClock(coreBase)),
		WithLogger(zaptest.NewLogger(t)),
		WithQueueConfig(queueCfg),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = core.Close() })
	ctx := context.Background()

	_, err = core.StartWorkflow(ctx, "req-1", "orchestrator-1", &types.AgentTask{Kind: "analyze_rfp"})
	require.NoError(t, err)

	// Queue is full: the second workflow is created but its task is refused.
	wf, err := core.StartWorkflow(ctx, "req-2", "orchestrator-1", &types.AgentTask{Kind: "analyze_rfp"})
	assert.Equal(t, types.ErrCodeCapacity, types.GetErrorCode(err))
	require.NotNil(t, wf)

	got, err := core.Workflows().Get(ctx, "req-2")
	require.NoError(t, err)
	assert.Equal(t, types.StateCreated, got.CurrentState)
}

func TestSweepOnce(t *testing.T) {
	core, clock := newTestCore(t)
	ctx := context.Background()

	rec := testutil.NewMessageRecorder()
	_, err := core.Bus().Subscribe(bus.Filter{}, rec.Handle)
	require.NoError(t, err)

	// One idle workflow and one whose task is claimed but never acked.
	_, err = core.StartWorkflow(ctx, "req-idle", "orchestrator-1", nil)
	require.NoError(t, err)
	_, err = core.StartWorkflow(ctx, "req-lease", "orchestrator-1", &types.AgentTask{Kind: "search_flights"})
	require.NoError(t, err)
	claimed, err := core.Tasks().Dequeue(ctx, "flight-search-1")
	require.NoError(t, err)

	// And one pending handoff that nobody accepts.
	require.NoError(t, core.Agents().Register(&types.AgentRegistration{
		AgentID:      "orchestrator-2",
		Type:         types.AgentTypeOrchestrator,
		Capabilities: []string{"escalate"},
		Status:       types.AgentStatusIdle,
	}))
	h, err := core.Handoffs().Handoff(ctx, &types.HandoffRequest{
		FromAgent: "flight-search-1",
		ToAgent:   "orchestrator-2",
		Task: types.AgentTask{
			Kind:    "escalate",
			Context: types.MessageContext{RequestID: "req-lease"},
		},
		Reason: "needs operator review",
	})
	require.NoError(t, err)

	// Past the CREATED deadline, the task lease and the handoff window.
	clock.Advance(6 * time.Minute)
	report, err := core.SweepOnce(ctx, clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 2, report.WorkflowTimeouts)
	assert.Equal(t, 1, report.TasksRequeued)
	assert.Equal(t, 0, report.TasksFailed)
	assert.Equal(t, 1, report.HandoffTimeouts)

	wf, err := core.Workflows().Get(ctx, "req-idle")
	require.NoError(t, err)
	assert.Equal(t, types.StateFailed, wf.CurrentState)

	task, err := core.Tasks().Get(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusPending, task.Status)
	assert.Equal(t, 1, task.RetryCount)

	swept, err := core.Handoffs().Get(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, types.HandoffTimedOut, swept.Status)

	// Same instant again: everything was already swept.
	report, err = core.SweepOnce(ctx, clock.Now())
	require.NoError(t, err)
	assert.Zero(t, report.WorkflowTimeouts)
	assert.Zero(t, report.TasksRequeued)
	assert.Zero(t, report.TasksFailed)
	assert.Zero(t, report.HandoffTimeouts)

	testutil.AssertEventuallyTrue(t, func() bool {
		return rec.CountKind(types.EventWorkflowTimeout) == 2 &&
			rec.CountKind(types.EventHandoffTimeout) == 1
	}, 2*time.Second)
}

func TestHealthSummary(t *testing.T) {
	core, clock := newTestCore(t)
	ctx := context.Background()

	_, err := core.StartWorkflow(ctx, "req-1", "orchestrator-1", &types.AgentTask{Kind: "analyze_rfp"})
	require.NoError(t, err)
	_, err = core.StartWorkflow(ctx, "req-2", "orchestrator-1", nil)
	require.NoError(t, err)
	_, err = core.Workflows().Transition(ctx, "req-2", types.StateAnalyzing, "orchestrator-1")
	require.NoError(t, err)

	require.NoError(t, core.Agents().Register(&types.AgentRegistration{
		AgentID:      "orchestrator-1",
		Type:         types.AgentTypeOrchestrator,
		Capabilities: []string{"analyze_rfp"},
		Status:       types.AgentStatusIdle,
	}))

	summary, err := core.HealthSummary(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{
		string(types.StateCreated):   1,
		string(types.StateAnalyzing): 1,
	}, summary.Workflows)
	assert.Equal(t, int64(1), summary.Queue.Pending)
	assert.Equal(t, 1, summary.Agents)
	assert.Equal(t, clock.Now(), summary.GeneratedAt)
}

func TestClose_LeavesInjectedStoresOpen(t *testing.T) {
	injected := persistence.NewMemoryTaskStore()
	t.Cleanup(func() { _ = injected.Close() })

	core, err := New(WithTaskStore(injected), WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	require.NoError(t, core.Close())

	// The injected store outlives the core; the owned ones do not.
	assert.NoError(t, injected.Ping(context.Background()))
}

func TestClose_ClosesOwnedStores(t *testing.T) {
	core, err := New(WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)

	_, err = core.StartWorkflow(context.Background(), "req-1", "orchestrator-1", nil)
	require.NoError(t, err)
	require.NoError(t, core.Close())

	_, err = core.Workflows().Get(context.Background(), "req-1")
	assert.ErrorIs(t, err, persistence.ErrStoreClosed)
}
