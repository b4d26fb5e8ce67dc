package agent

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/jetvision/charterflow/types"
)

// Registry tracks live agent registrations. The HandoffManager consults
// it to validate that a target agent exists, is not offline, and declared
// the capability a task requires.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*types.AgentRegistration
	logger *zap.Logger
}

// NewRegistry creates an empty agent registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		agents: make(map[string]*types.AgentRegistration),
		logger: logger.Named("registry"),
	}
}

// Register adds or replaces an agent registration. A registration without
// a status defaults to idle.
func (r *Registry) Register(reg *types.AgentRegistration) error {
	if reg == nil {
		return types.NewValidationError("registration is required")
	}
	reg = reg.Clone()
	if reg.Status == "" {
		reg.Status = types.AgentStatusIdle
	}
	if !reg.Status.Valid() {
		return types.NewValidationError("unknown agent status %q", reg.Status)
	}
	if err := reg.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	r.agents[reg.AgentID] = reg
	r.mu.Unlock()

	r.logger.Info("agent registered",
		zap.String("agent_id", reg.AgentID),
		zap.String("type", string(reg.Type)),
		zap.Strings("capabilities", reg.Capabilities))
	return nil
}

// Unregister removes an agent from the registry.
func (r *Registry) Unregister(agentID string) error {
	r.mu.Lock()
	_, ok := r.agents[agentID]
	delete(r.agents, agentID)
	r.mu.Unlock()

	if !ok {
		return types.NewNotFoundError("agent %s is not registered", agentID)
	}
	r.logger.Info("agent unregistered", zap.String("agent_id", agentID))
	return nil
}

// Get returns the registration for agentID.
func (r *Registry) Get(agentID string) (*types.AgentRegistration, error) {
	r.mu.RLock()
	reg, ok := r.agents[agentID]
	r.mu.RUnlock()

	if !ok {
		return nil, types.NewNotFoundError("agent %s is not registered", agentID)
	}
	return reg.Clone(), nil
}

// SetStatus updates the availability of a registered agent.
func (r *Registry) SetStatus(agentID string, status types.AgentStatus) error {
	if !status.Valid() {
		return types.NewValidationError("unknown agent status %q", status)
	}

	r.mu.Lock()
	reg, ok := r.agents[agentID]
	if ok {
		reg.Status = status
	}
	r.mu.Unlock()

	if !ok {
		return types.NewNotFoundError("agent %s is not registered", agentID)
	}
	r.logger.Debug("agent status changed",
		zap.String("agent_id", agentID),
		zap.String("status", string(status)))
	return nil
}

// IsRegistered reports whether agentID is known to the registry.
func (r *Registry) IsRegistered(agentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.agents[agentID]
	return ok
}

// List returns all registrations sorted by agent ID.
func (r *Registry) List() []*types.AgentRegistration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*types.AgentRegistration, 0, len(r.agents))
	for _, reg := range r.agents {
		out = append(out, reg.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// ListByType returns registrations of the given type, sorted by agent ID.
func (r *Registry) ListByType(t types.AgentType) []*types.AgentRegistration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*types.AgentRegistration
	for _, reg := range r.agents {
		if reg.Type == t {
			out = append(out, reg.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// Count returns the number of registered agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}
