package types

import "time"

// WorkflowState is one stage of the RFP pipeline.
type WorkflowState string

const (
	StateCreated            WorkflowState = "CREATED"
	StateAnalyzing          WorkflowState = "ANALYZING"
	StateFetchingClientData WorkflowState = "FETCHING_CLIENT_DATA"
	StateSearchingFlights   WorkflowState = "SEARCHING_FLIGHTS"
	StateAwaitingQuotes     WorkflowState = "AWAITING_QUOTES"
	StateAnalyzingProposals WorkflowState = "ANALYZING_PROPOSALS"
	StateGeneratingEmail    WorkflowState = "GENERATING_EMAIL"
	StateSendingProposal    WorkflowState = "SENDING_PROPOSAL"
	StateCompleted          WorkflowState = "COMPLETED"
	StateFailed             WorkflowState = "FAILED"
)

var workflowStates = map[WorkflowState]struct{}{
	StateCreated:            {},
	StateAnalyzing:          {},
	StateFetchingClientData: {},
	StateSearchingFlights:   {},
	StateAwaitingQuotes:     {},
	StateAnalyzingProposals: {},
	StateGeneratingEmail:    {},
	StateSendingProposal:    {},
	StateCompleted:          {},
	StateFailed:             {},
}

// Valid reports whether s is a known workflow state.
func (s WorkflowState) Valid() bool {
	_, ok := workflowStates[s]
	return ok
}

// IsTerminal reports whether the state admits no further transitions.
func (s WorkflowState) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

// AllWorkflowStates returns every known workflow state.
func AllWorkflowStates() []WorkflowState {
	out := make([]WorkflowState, 0, len(workflowStates))
	for s := range workflowStates {
		out = append(out, s)
	}
	return out
}

// StateChange is one applied transition in a workflow's history.
type StateChange struct {
	State           WorkflowState `json:"state"`
	Timestamp       time.Time     `json:"timestamp"`
	TriggeringAgent string        `json:"triggering_agent"`
}

// Workflow is the coordination record for one RFP request. Version
// increments on every applied transition; stores use it for optimistic
// concurrency.
type Workflow struct {
	RequestID       string         `json:"request_id"`
	CurrentState    WorkflowState  `json:"current_state"`
	History         []StateChange  `json:"history"`
	TimeoutDeadline time.Time      `json:"timeout_deadline"`
	FailureReason   string         `json:"failure_reason,omitempty"`
	Version         int64          `json:"version"`
	Context         MessageContext `json:"context"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// Clone returns a deep copy safe to hand across goroutines.
func (w *Workflow) Clone() *Workflow {
	out := *w
	out.History = make([]StateChange, len(w.History))
	copy(out.History, w.History)
	return &out
}
