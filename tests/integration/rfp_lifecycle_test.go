package integration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/jetvision/charterflow"
	"github.com/jetvision/charterflow/agent"
	"github.com/jetvision/charterflow/bus"
	"github.com/jetvision/charterflow/persistence"
	"github.com/jetvision/charterflow/queue"
	"github.com/jetvision/charterflow/testutil"
	"github.com/jetvision/charterflow/types"
)

var rfpBase = time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

// rfpPayload is the request body the coordination flow carries around.
type rfpPayload struct {
	ClientName string `json:"client_name,omitempty"`
	Route      string `json:"route"`
	Passengers int    `json:"passengers"`
}

// searchOutcome controls what the flight-search agent finds: quotes feed
// collect_quotes (empty means the operators have not answered yet), and a
// non-nil searchErr makes every search_flights attempt fail.
type searchOutcome struct {
	quotes    []float64
	searchErr error
}

func newRFPCore(t *testing.T) (*charterflow.Core, *testutil.FakeClock) {
	t.Helper()
	clock := testutil.NewFakeClock(rfpBase)
	core, err := charterflow.New(
		charterflow.WithLogger(zaptest.NewLogger(t)),
		charterflow.WithClock(clock),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = core.Close() })
	return core, clock
}

func registerAgents(t *testing.T, core *charterflow.Core, agents []agent.Agent) {
	t.Helper()
	for _, a := range agents {
		require.NoError(t, core.Agents().Register(agent.Registration(a)))
	}
}

// pump drains the queue synchronously: every agent claims and runs its
// addressed work until a full round moves nothing. Failed executions go
// through the queue's failure path exactly as a worker would send them.
func pump(t *testing.T, core *charterflow.Core, agents []agent.Agent) {
	t.Helper()
	ctx := context.Background()
	for {
		ran := 0
		for _, a := range agents {
			for {
				task, err := core.Tasks().Dequeue(ctx, a.ID())
				if errors.Is(err, queue.ErrNoTask) {
					break
				}
				require.NoError(t, err)
				ran++
				if execErr := a.Execute(ctx, task); execErr != nil {
					_, err = core.Tasks().Fail(ctx, task.ID, execErr.Error())
					require.NoError(t, err)
					continue
				}
				_, err = core.Tasks().Ack(ctx, task.ID)
				require.NoError(t, err)
			}
		}
		if ran == 0 {
			return
		}
	}
}

// acceptHandoff resolves the handoff that delivered the task. The first
// task of a workflow arrives without one, so NOT_FOUND is not an error.
func acceptHandoff(ctx context.Context, core *charterflow.Core, task *types.AgentTask, agentID string) error {
	if _, err := core.Handoffs().Accept(ctx, task.ID, agentID); err != nil && !types.IsCode(err, types.ErrCodeNotFound) {
		return err
	}
	return nil
}

// buildRFPAgents wires the five pipeline agents over a shared core. The
// orchestrator skips the client-data step when the request names no client.
func buildRFPAgents(core *charterflow.Core, outcome *searchOutcome, emailSent *bool) []agent.Agent {
	orchestrator := agent.NewFuncAgent("orchestrator-1", types.AgentTypeOrchestrator, []string{"analyze_rfp"},
		func(ctx context.Context, task *types.AgentTask) error {
			if err := acceptHandoff(ctx, core, task, "orchestrator-1"); err != nil {
				return err
			}
			var rfp rfpPayload
			if err := json.Unmarshal(task.Payload, &rfp); err != nil {
				return fmt.Errorf("parse rfp: %w", err)
			}
			requestID := task.Context.RequestID
			if _, err := core.Workflows().Transition(ctx, requestID, types.StateAnalyzing, "orchestrator-1"); err != nil {
				return err
			}
			to, kind := "flight-search-1", "search_flights"
			if rfp.ClientName != "" {
				to, kind = "client-data-1", "fetch_client_profile"
			}
			_, err := core.Handoffs().Handoff(ctx, &types.HandoffRequest{
				FromAgent: "orchestrator-1",
				ToAgent:   to,
				Task: types.AgentTask{
					Kind:     kind,
					Payload:  task.Payload,
					Priority: types.PriorityHigh,
					Context:  task.Context,
				},
				Reason: "rfp parsed",
			})
			return err
		})

	clientData := agent.NewFuncAgent("client-data-1", types.AgentTypeClientData, []string{"fetch_client_profile"},
		func(ctx context.Context, task *types.AgentTask) error {
			if err := acceptHandoff(ctx, core, task, "client-data-1"); err != nil {
				return err
			}
			requestID := task.Context.RequestID
			if _, err := core.Workflows().Transition(ctx, requestID, types.StateFetchingClientData, "client-data-1"); err != nil {
				return err
			}
			if _, err := core.Workflows().Transition(ctx, requestID, types.StateSearchingFlights, "client-data-1"); err != nil {
				return err
			}
			_, err := core.Handoffs().Handoff(ctx, &types.HandoffRequest{
				FromAgent: "client-data-1",
				ToAgent:   "flight-search-1",
				Task: types.AgentTask{
					Kind:     "search_flights",
					Payload:  task.Payload,
					Priority: types.PriorityHigh,
					Context:  task.Context,
				},
				Reason: "client profile attached",
			})
			return err
		})

	flightSearch := agent.NewFuncAgent("flight-search-1", types.AgentTypeFlightSearch, []string{"search_flights", "collect_quotes"},
		func(ctx context.Context, task *types.AgentTask) error {
			if err := acceptHandoff(ctx, core, task, "flight-search-1"); err != nil {
				return err
			}
			requestID := task.Context.RequestID
			switch task.Kind {
			case "search_flights":
				if outcome.searchErr != nil {
					return outcome.searchErr
				}
				wf, err := core.Workflows().Get(ctx, requestID)
				if err != nil {
					return err
				}
				if wf.CurrentState != types.StateSearchingFlights {
					if _, err := core.Workflows().Transition(ctx, requestID, types.StateSearchingFlights, "flight-search-1"); err != nil {
						return err
					}
				}
				if _, err := core.Workflows().Transition(ctx, requestID, types.StateAwaitingQuotes, "flight-search-1"); err != nil {
					return err
				}
				_, err = core.Handoffs().Handoff(ctx, &types.HandoffRequest{
					FromAgent: "flight-search-1",
					ToAgent:   "flight-search-1",
					Task: types.AgentTask{
						Kind:    "collect_quotes",
						Payload: task.Payload,
						Context: task.Context,
					},
					Reason: "awaiting operator quotes",
				})
				return err
			case "collect_quotes":
				if len(outcome.quotes) == 0 {
					// operators push quotes in; nothing has arrived yet
					return nil
				}
				if _, err := core.Workflows().Transition(ctx, requestID, types.StateAnalyzingProposals, "flight-search-1"); err != nil {
					return err
				}
				_, err := core.Handoffs().Handoff(ctx, &types.HandoffRequest{
					FromAgent: "flight-search-1",
					ToAgent:   "proposal-analysis-1",
					Task: types.AgentTask{
						Kind:     "analyze_proposals",
						Payload:  types.MustJSON(outcome.quotes),
						Priority: types.PriorityHigh,
						Context:  task.Context,
					},
					Reason: "quotes collected",
				})
				return err
			}
			return fmt.Errorf("unexpected task kind %q", task.Kind)
		})

	proposalAnalysis := agent.NewFuncAgent("proposal-analysis-1", types.AgentTypeProposalAnalysis, []string{"analyze_proposals"},
		func(ctx context.Context, task *types.AgentTask) error {
			if err := acceptHandoff(ctx, core, task, "proposal-analysis-1"); err != nil {
				return err
			}
			var quotes []float64
			if err := json.Unmarshal(task.Payload, &quotes); err != nil {
				return err
			}
			if len(quotes) == 0 {
				return errors.New("nothing to rank")
			}
			requestID := task.Context.RequestID
			if _, err := core.Workflows().Transition(ctx, requestID, types.StateGeneratingEmail, "proposal-analysis-1"); err != nil {
				return err
			}
			_, err := core.Handoffs().Handoff(ctx, &types.HandoffRequest{
				FromAgent: "proposal-analysis-1",
				ToAgent:   "communication-1",
				Task: types.AgentTask{
					Kind:     "generate_email",
					Payload:  task.Payload,
					Priority: types.PriorityHigh,
					Context:  task.Context,
				},
				Reason: "proposals ranked",
			})
			return err
		})

	communication := agent.NewFuncAgent("communication-1", types.AgentTypeCommunication, []string{"generate_email"},
		func(ctx context.Context, task *types.AgentTask) error {
			if err := acceptHandoff(ctx, core, task, "communication-1"); err != nil {
				return err
			}
			requestID := task.Context.RequestID
			if _, err := core.Workflows().Transition(ctx, requestID, types.StateSendingProposal, "communication-1"); err != nil {
				return err
			}
			*emailSent = true
			_, err := core.Workflows().Transition(ctx, requestID, types.StateCompleted, "communication-1")
			return err
		})

	return []agent.Agent{orchestrator, clientData, flightSearch, proposalAnalysis, communication}
}

func failingSearchTask(t *testing.T, core *charterflow.Core, requestID string) *types.AgentTask {
	t.Helper()
	tasks, err := core.Tasks().List(context.Background(), persistence.TaskFilter{RequestID: requestID, Kind: "search_flights"})
	require.NoError(t, err)
	for _, task := range tasks {
		if task.Status != types.TaskStatusCompleted {
			return task
		}
	}
	t.Fatal("no active search task")
	return nil
}

// A request without a client name runs the whole pipeline: the client-data
// step is skipped, exactly four handoffs move the work, and the workflow
// ends COMPLETED with every task done and every handoff accepted.
func TestRFPCoordination_SuccessPath(t *testing.T) {
	core, _ := newRFPCore(t)
	ctx := context.Background()

	outcome := &searchOutcome{quotes: []float64{91500, 78900, 84200}}
	var emailSent bool
	agents := buildRFPAgents(core, outcome, &emailSent)
	registerAgents(t, core, agents)

	_, err := core.StartWorkflow(ctx, "req-1", "api", &types.AgentTask{
		Kind:        "analyze_rfp",
		Payload:     types.MustJSON(rfpPayload{Route: "KTEB-EGGW", Passengers: 8}),
		Priority:    types.PriorityHigh,
		TargetAgent: "orchestrator-1",
	})
	require.NoError(t, err)

	pump(t, core, agents)

	wf, err := core.Workflows().Get(ctx, "req-1")
	require.NoError(t, err)
	require.Equal(t, types.StateCompleted, wf.CurrentState)
	assert.True(t, emailSent)

	wantStates := []types.WorkflowState{
		types.StateCreated,
		types.StateAnalyzing,
		types.StateSearchingFlights,
		types.StateAwaitingQuotes,
		types.StateAnalyzingProposals,
		types.StateGeneratingEmail,
		types.StateSendingProposal,
		types.StateCompleted,
	}
	require.Len(t, wf.History, len(wantStates))
	for i, want := range wantStates {
		assert.Equal(t, want, wf.History[i].State, "history step %d", i)
	}

	var hops []*types.Message
	for _, msg := range core.Bus().History("req-1", 0) {
		if msg.Kind == types.EventAgentHandoff {
			hops = append(hops, msg)
		}
	}
	require.Len(t, hops, 4)
	wantHops := [][2]string{
		{"orchestrator-1", "flight-search-1"},
		{"flight-search-1", "flight-search-1"},
		{"flight-search-1", "proposal-analysis-1"},
		{"proposal-analysis-1", "communication-1"},
	}
	for i, want := range wantHops {
		assert.Equal(t, want[0], hops[i].SourceAgent, "handoff %d from", i)
		assert.Equal(t, want[1], hops[i].TargetAgent, "handoff %d to", i)
	}

	records, err := core.Handoffs().List(ctx, persistence.HandoffFilter{RequestID: "req-1"})
	require.NoError(t, err)
	require.Len(t, records, 4)
	for _, h := range records {
		assert.Equal(t, types.HandoffAccepted, h.Status, "handoff for %s", h.TaskKind)
	}

	stats, err := core.Tasks().Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), stats.Total)
	assert.Equal(t, int64(5), stats.Completed)
	assert.Zero(t, stats.Pending)
	assert.Zero(t, stats.InProgress)
	assert.Zero(t, stats.Failed)
}

// When no quotes arrive before the AWAITING_QUOTES deadline the sweep
// re-enters SEARCHING_FLIGHTS, the re-dispatched search burns its retry
// budget against a dead operator link (1s/2s/4s gates), and the fourth
// failure leaves the workflow FAILED with a retry-exhaustion reason.
func TestRFPCoordination_QuoteTimeoutThenRetryExhaustion(t *testing.T) {
	core, clock := newRFPCore(t)
	ctx := context.Background()

	outcome := &searchOutcome{}
	var emailSent bool
	agents := buildRFPAgents(core, outcome, &emailSent)
	registerAgents(t, core, agents)

	// The error monitor re-dispatches the search after a quote timeout and
	// fails the workflow when a task dies for good.
	const monitorID = "error-monitor-1"
	_, err := core.Bus().Subscribe(bus.Filter{
		Kinds: []types.EventKind{types.EventWorkflowTimeout, types.EventTaskFailed},
	}, func(ctx context.Context, msg types.Message) error {
		switch msg.Kind {
		case types.EventWorkflowTimeout:
			_, err := core.Handoffs().Handoff(ctx, &types.HandoffRequest{
				FromAgent: monitorID,
				ToAgent:   "flight-search-1",
				Task: types.AgentTask{
					Kind:     "search_flights",
					Payload:  types.MustJSON(rfpPayload{Route: "KJFK-LFPB", Passengers: 4}),
					Priority: types.PriorityUrgent,
					Context:  msg.Context,
				},
				Reason: "quote deadline passed with no quotes",
			})
			return err
		case types.EventTaskFailed:
			var p queue.TaskEventPayload
			if err := json.Unmarshal(msg.Payload, &p); err != nil {
				return err
			}
			if !p.Terminal {
				return nil
			}
			_, err := core.Workflows().Fail(ctx, msg.Context.RequestID,
				fmt.Sprintf("task %s (%s) exhausted its retry budget: %s", p.TaskID, p.Kind, p.Reason),
				monitorID)
			return err
		}
		return nil
	})
	require.NoError(t, err)

	_, err = core.StartWorkflow(ctx, "req-2", "api", &types.AgentTask{
		Kind:        "analyze_rfp",
		Payload:     types.MustJSON(rfpPayload{Route: "KJFK-LFPB", Passengers: 4}),
		TargetAgent: "orchestrator-1",
	})
	require.NoError(t, err)

	// The flow reaches AWAITING_QUOTES; the collect pass finds nothing and
	// the request stalls.
	pump(t, core, agents)
	wf, err := core.Workflows().Get(ctx, "req-2")
	require.NoError(t, err)
	require.Equal(t, types.StateAwaitingQuotes, wf.CurrentState)

	// Deadline passes with zero quotes: the sweep re-enters
	// SEARCHING_FLIGHTS instead of failing outright.
	clock.Advance(2*time.Hour + time.Second)
	report, err := core.SweepOnce(ctx, clock.Now())
	require.NoError(t, err)
	assert.Equal(t, charterflow.SweepReport{WorkflowTimeouts: 1}, report)

	wf, err = core.Workflows().Get(ctx, "req-2")
	require.NoError(t, err)
	require.Equal(t, types.StateSearchingFlights, wf.CurrentState)

	// The monitor's re-dispatch lands asynchronously; from here on the
	// operator link is down and every search attempt fails.
	outcome.searchErr = errors.New("operator link down")
	testutil.AssertEventuallyTrue(t, func() bool {
		stats, err := core.Tasks().Stats(ctx)
		return err == nil && stats.Pending > 0
	}, 2*time.Second)

	pump(t, core, agents)
	task := failingSearchTask(t, core, "req-2")
	assert.Equal(t, 1, task.RetryCount)
	assert.Equal(t, types.TaskStatusPending, task.Status)
	assert.Equal(t, clock.Now().Add(1*time.Second), task.AvailableAt)

	// The backoff gate holds until the delay elapses.
	_, err = core.Tasks().Dequeue(ctx, "flight-search-1")
	assert.ErrorIs(t, err, queue.ErrNoTask)

	clock.Advance(1 * time.Second)
	pump(t, core, agents)
	task = failingSearchTask(t, core, "req-2")
	assert.Equal(t, 2, task.RetryCount)
	assert.Equal(t, clock.Now().Add(2*time.Second), task.AvailableAt)

	clock.Advance(2 * time.Second)
	pump(t, core, agents)
	task = failingSearchTask(t, core, "req-2")
	assert.Equal(t, 3, task.RetryCount)
	assert.Equal(t, clock.Now().Add(4*time.Second), task.AvailableAt)

	// Fourth failure is terminal.
	clock.Advance(4 * time.Second)
	pump(t, core, agents)
	task = failingSearchTask(t, core, "req-2")
	assert.Equal(t, types.TaskStatusFailed, task.Status)
	assert.Equal(t, 3, task.RetryCount)
	assert.Equal(t, "operator link down", task.FailureReason)

	testutil.AssertEventuallyTrue(t, func() bool {
		wf, err := core.Workflows().Get(ctx, "req-2")
		return err == nil && wf.CurrentState == types.StateFailed
	}, 2*time.Second)

	wf, err = core.Workflows().Get(ctx, "req-2")
	require.NoError(t, err)
	assert.Contains(t, wf.FailureReason, "exhausted its retry budget")
	assert.Contains(t, wf.FailureReason, "operator link down")
	assert.False(t, emailSent)

	// The dead task never comes back, however long we wait.
	clock.Advance(time.Hour)
	_, err = core.Tasks().Dequeue(ctx, "flight-search-1")
	assert.ErrorIs(t, err, queue.ErrNoTask)

	testutil.AssertEventuallyTrue(t, func() bool {
		kinds := map[types.EventKind]int{}
		for _, msg := range core.Bus().History("req-2", 0) {
			kinds[msg.Kind]++
		}
		return kinds[types.EventWorkflowTimeout] == 1 &&
			kinds[types.EventWorkflowFailed] == 1 &&
			kinds[types.EventTaskFailed] == 4
	}, 2*time.Second)
}
