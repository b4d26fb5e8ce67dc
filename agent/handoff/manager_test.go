package handoff

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/jetvision/charterflow/agent"
	"github.com/jetvision/charterflow/bus"
	"github.com/jetvision/charterflow/persistence"
	"github.com/jetvision/charterflow/queue"
	"github.com/jetvision/charterflow/testutil"
	"github.com/jetvision/charterflow/types"
	"github.com/jetvision/charterflow/workflow"
)

var handoffBase = time.Date(2026, 8, 25, 13, 0, 0, 0, time.UTC)

type harness struct {
	manager  *Manager
	registry *agent.Registry
	machine  *workflow.StateMachine
	queue    *queue.TaskQueue
	bus      bus.Bus
	clock    *testutil.FakeClock
	rec      *testutil.MessageRecorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	clock := testutil.NewFakeClock(handoffBase)
	taskStore := persistence.NewMemoryTaskStore()
	t.Cleanup(func() { _ = taskStore.Close() })
	wfStore := persistence.NewMemoryWorkflowStore()
	t.Cleanup(func() { _ = wfStore.Close() })
	hoStore := persistence.NewMemoryHandoffStore()
	t.Cleanup(func() { _ = hoStore.Close() })

	eventBus := bus.NewWithClock(bus.DefaultConfig(), clock, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = eventBus.Close() })
	rec := testutil.NewMessageRecorder()
	_, err := eventBus.Subscribe(bus.Filter{}, rec.Handle)
	require.NoError(t, err)

	registry := agent.NewRegistry(zaptest.NewLogger(t))
	machine := workflow.NewStateMachineWithClock(wfStore, eventBus, nil, clock, zaptest.NewLogger(t))
	q := queue.NewTaskQueueWithClock(taskStore, eventBus, queue.DefaultConfig(), clock, zaptest.NewLogger(t))

	return &harness{
		manager:  NewManagerWithClock(registry, machine, q, hoStore, eventBus, DefaultConfig(), clock, zaptest.NewLogger(t)),
		registry: registry,
		machine:  machine,
		queue:    q,
		bus:      eventBus,
		clock:    clock,
		rec:      rec,
	}
}

func (h *harness) register(t *testing.T, id string, agentType types.AgentType, caps ...string) {
	t.Helper()
	require.NoError(t, h.registry.Register(&types.AgentRegistration{
		AgentID:      id,
		Type:         agentType,
		Capabilities: caps,
	}))
}

func (h *harness) workflowAt(t *testing.T, requestID string, states ...types.WorkflowState) {
	t.Helper()
	ctx := context.Background()
	_, err := h.machine.Create(ctx, requestID, "orchestrator-1")
	require.NoError(t, err)
	for _, s := range states {
		_, err := h.machine.Transition(ctx, requestID, s, "orchestrator-1")
		require.NoError(t, err)
	}
}

func searchRequest(taskID string) *types.HandoffRequest {
	return &types.HandoffRequest{
		FromAgent: "orchestrator-1",
		ToAgent:   "flight-search-1",
		Task: types.AgentTask{
			ID:      taskID,
			Kind:    "search_flights",
			Context: types.MessageContext{RequestID: "req-1"},
		},
		Reason: "operator search round",
	}
}

func TestHandoff_Success(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.register(t, "flight-search-1", types.AgentTypeFlightSearch, "search_flights")
	h.workflowAt(t, "req-1", types.StateAnalyzing, types.StateSearchingFlights)

	ho, err := h.manager.Handoff(ctx, searchRequest("task-1"))
	require.NoError(t, err)
	assert.NotEmpty(t, ho.ID)
	assert.Equal(t, types.HandoffPending, ho.Status)
	assert.Equal(t, "task-1", ho.TaskID)
	assert.Equal(t, handoffBase, ho.CreatedAt)

	// The task is queued and tagged for the target agent.
	task, err := h.queue.Get(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusPending, task.Status)
	assert.Equal(t, "flight-search-1", task.TargetAgent)

	got, err := h.manager.Get(ctx, ho.ID)
	require.NoError(t, err)
	assert.Equal(t, types.HandoffPending, got.Status)

	testutil.AssertEventuallyTrue(t, func() bool {
		return h.rec.CountKind(types.EventAgentHandoff) == 1 &&
			h.rec.CountKind(types.EventTaskCreated) == 1
	}, time.Second)
	msg, ok := h.rec.LastOfKind(types.EventAgentHandoff)
	require.True(t, ok)
	assert.Equal(t, "orchestrator-1", msg.SourceAgent)
	assert.Equal(t, "flight-search-1", msg.TargetAgent)
	assert.Equal(t, "req-1", msg.Context.RequestID)
}

func TestHandoff_ValidationLeavesNoTrace(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.register(t, "flight-search-1", types.AgentTypeFlightSearch, "search_flights")
	h.register(t, "communication-1", types.AgentTypeCommunication, "generate_email")
	require.NoError(t, h.registry.Register(&types.AgentRegistration{
		AgentID:      "flight-search-2",
		Type:         types.AgentTypeFlightSearch,
		Capabilities: []string{"search_flights"},
		Status:       types.AgentStatusOffline,
	}))
	h.workflowAt(t, "req-1", types.StateAnalyzing, types.StateSearchingFlights)

	cases := []struct {
		name string
		req  *types.HandoffRequest
	}{
		{"nil request", nil},
		{"missing from agent", &types.HandoffRequest{ToAgent: "flight-search-1", Task: searchRequest("t").Task}},
		{"missing to agent", &types.HandoffRequest{FromAgent: "orchestrator-1", Task: searchRequest("t").Task}},
		{"unregistered target", &types.HandoffRequest{FromAgent: "orchestrator-1", ToAgent: "flight-search-9", Task: searchRequest("t").Task}},
		{"offline target", &types.HandoffRequest{FromAgent: "orchestrator-1", ToAgent: "flight-search-2", Task: searchRequest("t").Task}},
		{"capability mismatch", &types.HandoffRequest{FromAgent: "orchestrator-1", ToAgent: "communication-1", Task: searchRequest("t").Task}},
		{"state does not permit", &types.HandoffRequest{
			FromAgent: "orchestrator-1",
			ToAgent:   "communication-1",
			Task: types.AgentTask{
				Kind:    "generate_email",
				Context: types.MessageContext{RequestID: "req-1"},
			},
		}},
		{"no workflow", &types.HandoffRequest{
			FromAgent: "orchestrator-1",
			ToAgent:   "flight-search-1",
			Task: types.AgentTask{
				Kind:    "search_flights",
				Context: types.MessageContext{RequestID: "req-unknown"},
			},
		}},
		{"invalid task", &types.HandoffRequest{FromAgent: "orchestrator-1", ToAgent: "flight-search-1", Task: types.AgentTask{Kind: "search_flights"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.manager.Handoff(ctx, tc.req)
			assert.True(t, types.IsCode(err, types.ErrCodeValidation), "got %v", err)
		})
	}

	// No task queued, no record stored, no handoff event published.
	stats, err := h.queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Total)
	records, err := h.manager.List(ctx, persistence.HandoffFilter{})
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.Equal(t, 0, h.rec.CountKind(types.EventAgentHandoff))
}

func TestHandoff_OrchestratorPermittedAnywhere(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.register(t, "orchestrator-1", types.AgentTypeOrchestrator, "analyze_request")
	h.register(t, "error-monitor-1", types.AgentTypeErrorMonitor, "triage_failure")
	h.workflowAt(t, "req-1") // still in CREATED

	_, err := h.manager.Handoff(ctx, &types.HandoffRequest{
		FromAgent: "api",
		ToAgent:   "orchestrator-1",
		Task: types.AgentTask{
			Kind:    "analyze_request",
			Context: types.MessageContext{RequestID: "req-1"},
		},
	})
	assert.NoError(t, err)

	_, err = h.manager.Handoff(ctx, &types.HandoffRequest{
		FromAgent: "orchestrator-1",
		ToAgent:   "error-monitor-1",
		Task: types.AgentTask{
			Kind:    "triage_failure",
			Context: types.MessageContext{RequestID: "req-1"},
		},
	})
	assert.NoError(t, err)
}

func TestHandoff_SecondPendingRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.register(t, "flight-search-1", types.AgentTypeFlightSearch, "search_flights")
	h.workflowAt(t, "req-1", types.StateAnalyzing, types.StateSearchingFlights)

	_, err := h.manager.Handoff(ctx, searchRequest("task-1"))
	require.NoError(t, err)

	_, err = h.manager.Handoff(ctx, searchRequest("task-1"))
	assert.True(t, types.IsCode(err, types.ErrCodeValidation), "got %v", err)
}

func TestAccept(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.register(t, "flight-search-1", types.AgentTypeFlightSearch, "search_flights")
	h.workflowAt(t, "req-1", types.StateAnalyzing, types.StateSearchingFlights)

	_, err := h.manager.Handoff(ctx, searchRequest("task-1"))
	require.NoError(t, err)

	_, err = h.manager.Accept(ctx, "task-1", "flight-search-2")
	assert.True(t, types.IsCode(err, types.ErrCodeValidation), "wrong agent: got %v", err)

	got, err := h.manager.Accept(ctx, "task-1", "flight-search-1")
	require.NoError(t, err)
	assert.Equal(t, types.HandoffAccepted, got.Status)
	require.NotNil(t, got.ResolvedAt)
	assert.Equal(t, handoffBase, *got.ResolvedAt)

	testutil.AssertEventuallyTrue(t, func() bool {
		return h.rec.CountKind(types.EventHandoffAccepted) == 1
	}, time.Second)

	// Resolution frees the task for a new delegation round.
	_, err = h.manager.Accept(ctx, "task-1", "flight-search-1")
	assert.True(t, types.IsCode(err, types.ErrCodeNotFound), "got %v", err)

	_, err = h.manager.Accept(ctx, "task-9", "flight-search-1")
	assert.True(t, types.IsCode(err, types.ErrCodeNotFound), "got %v", err)
}

func TestReject_RoutesTaskThroughRetry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.register(t, "flight-search-1", types.AgentTypeFlightSearch, "search_flights")
	h.workflowAt(t, "req-1", types.StateAnalyzing, types.StateSearchingFlights)

	_, err := h.manager.Handoff(ctx, searchRequest("task-1"))
	require.NoError(t, err)

	got, err := h.manager.Reject(ctx, "task-1", "flight-search-1", "agent draining")
	require.NoError(t, err)
	assert.Equal(t, types.HandoffRejected, got.Status)
	assert.Equal(t, "agent draining", got.ResolutionNote)

	task, err := h.queue.Get(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusPending, task.Status)
	assert.Equal(t, 1, task.RetryCount)
	assert.Contains(t, task.FailureReason, "handoff rejected by flight-search-1")
	assert.Equal(t, handoffBase.Add(time.Second), task.AvailableAt)

	testutil.AssertEventuallyTrue(t, func() bool {
		return h.rec.CountKind(types.EventHandoffRejected) == 1 &&
			h.rec.CountKind(types.EventTaskFailed) == 1
	}, time.Second)
}

func TestCheckTimeouts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.register(t, "flight-search-1", types.AgentTypeFlightSearch, "search_flights")
	h.workflowAt(t, "req-1", types.StateAnalyzing, types.StateSearchingFlights)

	_, err := h.manager.Handoff(ctx, searchRequest("task-1"))
	require.NoError(t, err)
	accepted, err := h.manager.Handoff(ctx, searchRequest("task-2"))
	require.NoError(t, err)
	_, err = h.manager.Accept(ctx, "task-2", "flight-search-1")
	require.NoError(t, err)

	// Inside the window nothing is swept.
	swept, err := h.manager.CheckTimeouts(ctx, h.clock.Advance(29*time.Second))
	require.NoError(t, err)
	assert.Empty(t, swept)

	now := h.clock.Advance(time.Second)
	swept, err = h.manager.CheckTimeouts(ctx, now)
	require.NoError(t, err)
	require.Len(t, swept, 1)
	assert.Equal(t, "task-1", swept[0].TaskID)
	assert.Equal(t, types.HandoffTimedOut, swept[0].Status)
	assert.Contains(t, swept[0].ResolutionNote, "no response from flight-search-1")

	got, err := h.manager.Get(ctx, accepted.ID)
	require.NoError(t, err)
	assert.Equal(t, types.HandoffAccepted, got.Status)

	testutil.AssertEventuallyTrue(t, func() bool {
		return h.rec.CountKind(types.EventHandoffTimeout) == 1
	}, time.Second)

	swept, err = h.manager.CheckTimeouts(ctx, h.clock.Now())
	require.NoError(t, err)
	assert.Empty(t, swept)
}

func TestStats(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.register(t, "flight-search-1", types.AgentTypeFlightSearch, "search_flights")
	h.workflowAt(t, "req-1", types.StateAnalyzing, types.StateSearchingFlights)

	_, err := h.manager.Handoff(ctx, searchRequest("task-1"))
	require.NoError(t, err)
	_, err = h.manager.Handoff(ctx, searchRequest("task-2"))
	require.NoError(t, err)

	stats := h.manager.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, "flight-search-1", stats[0].AgentID)
	assert.Equal(t, 2, stats[0].Received)
	assert.Equal(t, 0, stats[0].Sent)
	assert.Equal(t, "orchestrator-1", stats[1].AgentID)
	assert.Equal(t, 2, stats[1].Sent)
}

func TestStatePermits(t *testing.T) {
	cases := []struct {
		state     types.WorkflowState
		agentType types.AgentType
		want      bool
	}{
		{types.StateAnalyzing, types.AgentTypeClientData, true},
		{types.StateAnalyzing, types.AgentTypeFlightSearch, true},
		{types.StateAnalyzing, types.AgentTypeCommunication, false},
		{types.StateFetchingClientData, types.AgentTypeClientData, true},
		{types.StateFetchingClientData, types.AgentTypeFlightSearch, false},
		{types.StateSearchingFlights, types.AgentTypeFlightSearch, true},
		{types.StateAwaitingQuotes, types.AgentTypeFlightSearch, true},
		{types.StateAnalyzingProposals, types.AgentTypeProposalAnalysis, true},
		{types.StateGeneratingEmail, types.AgentTypeCommunication, true},
		{types.StateSendingProposal, types.AgentTypeCommunication, true},
		{types.StateSendingProposal, types.AgentTypeProposalAnalysis, false},
		{types.StateCreated, types.AgentTypeOrchestrator, true},
		{types.StateFailed, types.AgentTypeErrorMonitor, true},
		{types.StateCreated, types.AgentTypeFlightSearch, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, StatePermits(tc.state, tc.agentType),
			"%s -> %s", tc.state, tc.agentType)
	}
}
