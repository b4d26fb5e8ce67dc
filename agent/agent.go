package agent

import (
	"context"

	"github.com/jetvision/charterflow/types"
)

// Agent is implemented by every worker-executable role in the RFP pipeline.
type Agent interface {
	// ID returns the unique agent identifier, e.g. "flight-search-1".
	ID() string

	// Type returns the agent's pipeline role.
	Type() types.AgentType

	// Capabilities returns the task kinds the agent can execute.
	Capabilities() []string

	// Execute runs one claimed task. A returned error counts as a
	// retryable failure against the task's budget. Follow-up work
	// (workflow transitions, handoffs) happens inside Execute.
	Execute(ctx context.Context, task *types.AgentTask) error
}

// ExecuteFunc is the execution body of a FuncAgent.
type ExecuteFunc func(ctx context.Context, task *types.AgentTask) error

// FuncAgent adapts a function into an Agent.
type FuncAgent struct {
	id           string
	agentType    types.AgentType
	capabilities []string
	fn           ExecuteFunc
}

// NewFuncAgent builds an Agent from a function.
func NewFuncAgent(id string, agentType types.AgentType, capabilities []string, fn ExecuteFunc) *FuncAgent {
	return &FuncAgent{id: id, agentType: agentType, capabilities: capabilities, fn: fn}
}

func (a *FuncAgent) ID() string             { return a.id }
func (a *FuncAgent) Type() types.AgentType  { return a.agentType }
func (a *FuncAgent) Capabilities() []string { return a.capabilities }

func (a *FuncAgent) Execute(ctx context.Context, task *types.AgentTask) error {
	if a.fn == nil {
		return types.NewValidationError("agent %s has no execute function", a.id)
	}
	return a.fn(ctx, task)
}

// Registration builds the registry record for a, defaulting to idle.
func Registration(a Agent) *types.AgentRegistration {
	return &types.AgentRegistration{
		AgentID:      a.ID(),
		Type:         a.Type(),
		Capabilities: a.Capabilities(),
		Status:       types.AgentStatusIdle,
	}
}

var _ Agent = (*FuncAgent)(nil)
