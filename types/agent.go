package types

// AgentType names a role in the RFP pipeline.
type AgentType string

const (
	AgentTypeOrchestrator     AgentType = "orchestrator"
	AgentTypeClientData       AgentType = "client-data"
	AgentTypeFlightSearch     AgentType = "flight-search"
	AgentTypeProposalAnalysis AgentType = "proposal-analysis"
	AgentTypeCommunication    AgentType = "communication"
	AgentTypeErrorMonitor     AgentType = "error-monitor"
)

var agentTypes = map[AgentType]struct{}{
	AgentTypeOrchestrator:     {},
	AgentTypeClientData:       {},
	AgentTypeFlightSearch:     {},
	AgentTypeProposalAnalysis: {},
	AgentTypeCommunication:    {},
	AgentTypeErrorMonitor:     {},
}

// Valid reports whether t is a known agent type.
func (t AgentType) Valid() bool {
	_, ok := agentTypes[t]
	return ok
}

// AgentStatus is the registry-visible availability of an agent.
type AgentStatus string

const (
	AgentStatusIdle    AgentStatus = "idle"
	AgentStatusBusy    AgentStatus = "busy"
	AgentStatusOffline AgentStatus = "offline"
)

// Valid reports whether s is a known status.
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentStatusIdle, AgentStatusBusy, AgentStatusOffline:
		return true
	}
	return false
}

// Available reports whether the agent may receive handoffs.
func (s AgentStatus) Available() bool {
	return s == AgentStatusIdle || s == AgentStatusBusy
}

// AgentRegistration describes one agent known to the registry.
type AgentRegistration struct {
	AgentID      string      `json:"agent_id"`
	Type         AgentType   `json:"type"`
	Capabilities []string    `json:"capabilities"`
	Status       AgentStatus `json:"status"`
}

// Validate checks the fields required to register an agent.
func (r *AgentRegistration) Validate() error {
	if r.AgentID == "" {
		return NewValidationError("agent_id is required")
	}
	if !r.Type.Valid() {
		return NewValidationError("unknown agent type %q", r.Type)
	}
	if len(r.Capabilities) == 0 {
		return NewValidationError("agent %s declares no capabilities", r.AgentID)
	}
	return nil
}

// CanHandle reports whether the agent declared the given task kind.
func (r *AgentRegistration) CanHandle(kind string) bool {
	for _, c := range r.Capabilities {
		if c == kind {
			return true
		}
	}
	return false
}

// Clone returns a deep copy safe to hand across goroutines.
func (r *AgentRegistration) Clone() *AgentRegistration {
	out := *r
	out.Capabilities = make([]string, len(r.Capabilities))
	copy(out.Capabilities, r.Capabilities)
	return &out
}
