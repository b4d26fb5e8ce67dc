package workflow

import (
	"fmt"
	"time"

	"github.com/jetvision/charterflow/types"
)

// validTransitions defines the legal successors of every workflow state.
// FAILED is reachable from every non-terminal state; terminal states have none.
var validTransitions = map[types.WorkflowState][]types.WorkflowState{
	types.StateCreated:            {types.StateAnalyzing, types.StateFailed},
	types.StateAnalyzing:          {types.StateFetchingClientData, types.StateSearchingFlights, types.StateFailed},
	types.StateFetchingClientData: {types.StateSearchingFlights, types.StateFailed},
	types.StateSearchingFlights:   {types.StateAwaitingQuotes, types.StateFailed},
	types.StateAwaitingQuotes:     {types.StateAnalyzingProposals, types.StateSearchingFlights, types.StateFailed},
	types.StateAnalyzingProposals: {types.StateGeneratingEmail, types.StateFailed},
	types.StateGeneratingEmail:    {types.StateSendingProposal, types.StateFailed},
	types.StateSendingProposal:    {types.StateCompleted, types.StateFailed},
	types.StateCompleted:          {},
	types.StateFailed:             {},
}

// CanTransition reports whether from -> to is in the transition table.
func CanTransition(from, to types.WorkflowState) bool {
	allowed, ok := validTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// Successors returns a copy of the legal successor states of from.
func Successors(from types.WorkflowState) []types.WorkflowState {
	allowed := validTransitions[from]
	out := make([]types.WorkflowState, len(allowed))
	copy(out, allowed)
	return out
}

// timeoutSuccessors holds the states whose timeout does not fail the
// workflow. A quote round that expires goes back to flight search; every
// other expiry is terminal.
var timeoutSuccessors = map[types.WorkflowState]types.WorkflowState{
	types.StateAwaitingQuotes: types.StateSearchingFlights,
}

// TimeoutSuccessor returns the state a workflow moves to when its deadline
// passes while in the given state.
func TimeoutSuccessor(state types.WorkflowState) types.WorkflowState {
	if next, ok := timeoutSuccessors[state]; ok {
		return next
	}
	return types.StateFailed
}

// StateTimeouts maps each non-terminal state to its deadline budget.
type StateTimeouts map[types.WorkflowState]time.Duration

// DefaultStateTimeouts returns the production deadline budget per state.
// Quote collection is the long pole; everything else is minutes.
func DefaultStateTimeouts() StateTimeouts {
	return StateTimeouts{
		types.StateCreated:            5 * time.Minute,
		types.StateAnalyzing:          10 * time.Minute,
		types.StateFetchingClientData: 10 * time.Minute,
		types.StateSearchingFlights:   15 * time.Minute,
		types.StateAwaitingQuotes:     2 * time.Hour,
		types.StateAnalyzingProposals: 10 * time.Minute,
		types.StateGeneratingEmail:    10 * time.Minute,
		types.StateSendingProposal:    5 * time.Minute,
	}
}

// For returns the timeout budget for state, falling back to the default
// table for states the map does not override. Terminal states have none.
func (t StateTimeouts) For(state types.WorkflowState) time.Duration {
	if state.IsTerminal() {
		return 0
	}
	if d, ok := t[state]; ok && d > 0 {
		return d
	}
	return DefaultStateTimeouts()[state]
}

// InvalidTransitionError reports a transition attempt outside the table.
// The workflow is left untouched.
type InvalidTransitionError struct {
	RequestID string
	From      types.WorkflowState
	To        types.WorkflowState
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid workflow transition for request %s: %s -> %s", e.RequestID, e.From, e.To)
}
