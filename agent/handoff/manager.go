package handoff

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jetvision/charterflow/agent"
	"github.com/jetvision/charterflow/bus"
	"github.com/jetvision/charterflow/persistence"
	"github.com/jetvision/charterflow/queue"
	"github.com/jetvision/charterflow/types"
	"github.com/jetvision/charterflow/workflow"
)

// Config tunes handoff behaviour.
type Config struct {
	// Timeout is how long a handoff may stay pending before the sweep
	// marks it timed_out. Defaults to 30s.
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
}

// DefaultConfig returns the default handoff configuration.
func DefaultConfig() Config {
	return Config{Timeout: 30 * time.Second}
}

// statePermits maps each workflow state to the agent types allowed to
// receive work while the workflow is in it.
var statePermits = map[types.WorkflowState][]types.AgentType{
	types.StateAnalyzing:          {types.AgentTypeClientData, types.AgentTypeFlightSearch},
	types.StateFetchingClientData: {types.AgentTypeClientData},
	types.StateSearchingFlights:   {types.AgentTypeFlightSearch},
	types.StateAwaitingQuotes:     {types.AgentTypeFlightSearch},
	types.StateAnalyzingProposals: {types.AgentTypeProposalAnalysis},
	types.StateGeneratingEmail:    {types.AgentTypeCommunication},
	types.StateSendingProposal:    {types.AgentTypeCommunication},
}

// alwaysPermitted agent types may receive handoffs in any workflow state.
var alwaysPermitted = map[types.AgentType]struct{}{
	types.AgentTypeOrchestrator: {},
	types.AgentTypeErrorMonitor: {},
}

// StatePermits reports whether agents of type t may receive work while
// the workflow is in state s.
func StatePermits(s types.WorkflowState, t types.AgentType) bool {
	if _, ok := alwaysPermitted[t]; ok {
		return true
	}
	for _, allowed := range statePermits[s] {
		if allowed == t {
			return true
		}
	}
	return false
}

// HandoffEventPayload is the payload of AGENT_HANDOFF, HANDOFF_ACCEPTED,
// HANDOFF_REJECTED and HANDOFF_TIMEOUT messages.
type HandoffEventPayload struct {
	HandoffID string `json:"handoff_id"`
	TaskID    string `json:"task_id"`
	TaskKind  string `json:"task_kind"`
	FromAgent string `json:"from_agent"`
	ToAgent   string `json:"to_agent"`
	Reason    string `json:"reason,omitempty"`
	Note      string `json:"note,omitempty"`
}

// AgentHandoffStats counts handoffs seen on the bus for one agent.
type AgentHandoffStats struct {
	AgentID  string `json:"agent_id"`
	Sent     int    `json:"sent"`
	Received int    `json:"received"`
}

// Manager validates and records task delegations between agents. All
// validation happens before any effect: a rejected handoff leaves no
// queued task, no stored record, and no published event.
type Manager struct {
	registry *agent.Registry
	machine  *workflow.StateMachine
	queue    *queue.TaskQueue
	store    persistence.HandoffStore
	bus      bus.Bus
	cfg      Config
	clock    types.Clock
	logger   *zap.Logger
}

// NewManager wires the handoff manager to its collaborators.
func NewManager(registry *agent.Registry, machine *workflow.StateMachine, q *queue.TaskQueue, store persistence.HandoffStore, eventBus bus.Bus, cfg Config, logger *zap.Logger) *Manager {
	return NewManagerWithClock(registry, machine, q, store, eventBus, cfg, types.SystemClock{}, logger)
}

// NewManagerWithClock is NewManager with an injected clock, for tests.
func NewManagerWithClock(registry *agent.Registry, machine *workflow.StateMachine, q *queue.TaskQueue, store persistence.HandoffStore, eventBus bus.Bus, cfg Config, clock types.Clock, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = types.SystemClock{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	return &Manager{
		registry: registry,
		machine:  machine,
		queue:    q,
		store:    store,
		bus:      eventBus,
		cfg:      cfg,
		clock:    clock,
		logger:   logger.Named("handoff"),
	}
}

// Handoff delegates req.Task from req.FromAgent to req.ToAgent: the task
// is tagged for the target, enqueued, and recorded as a pending handoff,
// and AGENT_HANDOFF is published. Every check runs before any effect.
func (m *Manager) Handoff(ctx context.Context, req *types.HandoffRequest) (*types.Handoff, error) {
	if req == nil {
		return nil, types.NewValidationError("handoff request is required")
	}
	if req.FromAgent == "" {
		return nil, types.NewValidationError("from_agent is required")
	}
	if req.ToAgent == "" {
		return nil, types.NewValidationError("to_agent is required")
	}
	task := req.Task
	if err := task.Validate(); err != nil {
		return nil, err
	}

	target, err := m.registry.Get(req.ToAgent)
	if err != nil {
		if types.IsCode(err, types.ErrCodeNotFound) {
			return nil, types.NewValidationError("target agent %s is not registered", req.ToAgent)
		}
		return nil, err
	}
	if target.Status == types.AgentStatusOffline {
		return nil, types.NewValidationError("target agent %s is offline", req.ToAgent)
	}
	if !target.CanHandle(task.Kind) {
		return nil, types.NewValidationError("agent %s does not handle task kind %q", req.ToAgent, task.Kind)
	}

	wf, err := m.machine.Get(ctx, task.Context.RequestID)
	if err != nil {
		if types.IsCode(err, types.ErrCodeNotFound) {
			return nil, types.NewValidationError("no workflow for request %s", task.Context.RequestID)
		}
		return nil, err
	}
	if !StatePermits(wf.CurrentState, target.Type) {
		return nil, types.NewValidationError("workflow state %s does not permit handoff to agent type %s",
			wf.CurrentState, target.Type)
	}

	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if existing, err := m.store.PendingByTask(ctx, task.ID); err == nil {
		return nil, types.NewValidationError("task %s already has pending handoff %s", task.ID, existing.ID)
	} else if !errors.Is(err, persistence.ErrNotFound) {
		return nil, err
	}

	now := m.clock.Now()
	h := &types.Handoff{
		ID:        uuid.NewString(),
		FromAgent: req.FromAgent,
		ToAgent:   req.ToAgent,
		TaskID:    task.ID,
		TaskKind:  task.Kind,
		Reason:    req.Reason,
		Status:    types.HandoffPending,
		Context:   task.Context,
		CreatedAt: now,
	}

	// The record is the one-pending-per-task gate, so it goes in first.
	if err := m.store.Create(ctx, h); err != nil {
		if errors.Is(err, persistence.ErrAlreadyExists) {
			return nil, types.NewValidationError("task %s already has a pending handoff", task.ID)
		}
		return nil, err
	}

	task.TargetAgent = req.ToAgent
	if _, err := m.queue.Enqueue(ctx, &task); err != nil {
		h.Status = types.HandoffRejected
		h.ResolvedAt = &now
		h.ResolutionNote = fmt.Sprintf("enqueue failed: %v", err)
		if uerr := m.store.Update(ctx, h); uerr != nil {
			m.logger.Error("handoff rollback failed",
				zap.String("handoff_id", h.ID),
				zap.Error(uerr))
		}
		return nil, err
	}

	m.logger.Info("handoff initiated",
		zap.String("handoff_id", h.ID),
		zap.String("from", h.FromAgent),
		zap.String("to", h.ToAgent),
		zap.String("task_id", h.TaskID),
		zap.String("task_kind", h.TaskKind),
		zap.String("request_id", h.Context.RequestID))
	m.publish(ctx, types.EventAgentHandoff, h)
	return h, nil
}

// Accept resolves the pending handoff for taskID. Only the target agent
// may accept.
func (m *Manager) Accept(ctx context.Context, taskID, agentID string) (*types.Handoff, error) {
	h, err := m.pendingFor(ctx, taskID, agentID)
	if err != nil {
		return nil, err
	}

	now := m.clock.Now()
	h.Status = types.HandoffAccepted
	h.ResolvedAt = &now
	if err := m.store.Update(ctx, h); err != nil {
		return nil, err
	}

	m.logger.Info("handoff accepted",
		zap.String("handoff_id", h.ID),
		zap.String("task_id", h.TaskID),
		zap.String("agent_id", agentID))
	m.publish(ctx, types.EventHandoffAccepted, h)
	return h, nil
}

// Reject resolves the pending handoff for taskID and routes the task back
// through the queue's failure path so the usual retry budget applies.
// Only the target agent may reject.
func (m *Manager) Reject(ctx context.Context, taskID, agentID, reason string) (*types.Handoff, error) {
	h, err := m.pendingFor(ctx, taskID, agentID)
	if err != nil {
		return nil, err
	}

	now := m.clock.Now()
	h.Status = types.HandoffRejected
	h.ResolvedAt = &now
	h.ResolutionNote = reason
	if err := m.store.Update(ctx, h); err != nil {
		return nil, err
	}

	m.logger.Info("handoff rejected",
		zap.String("handoff_id", h.ID),
		zap.String("task_id", h.TaskID),
		zap.String("agent_id", agentID),
		zap.String("reason", reason))
	m.publish(ctx, types.EventHandoffRejected, h)

	// The task keeps its own lifecycle: if it was already claimed or
	// completed the failure report is refused and the rejection stands.
	failReason := fmt.Sprintf("handoff rejected by %s: %s", agentID, reason)
	if _, err := m.queue.Fail(ctx, taskID, failReason); err != nil {
		m.logger.Warn("rejected task could not be failed",
			zap.String("task_id", taskID),
			zap.Error(err))
	}
	return h, nil
}

// CheckTimeouts sweeps pending handoffs older than the configured window
// to timed_out and publishes HANDOFF_TIMEOUT for each. Returns the swept
// handoffs.
func (m *Manager) CheckTimeouts(ctx context.Context, now time.Time) ([]*types.Handoff, error) {
	cutoff := now.Add(-m.cfg.Timeout)
	expired, err := m.store.PendingBefore(ctx, cutoff)
	if err != nil {
		return nil, err
	}

	var swept []*types.Handoff
	for _, h := range expired {
		h.Status = types.HandoffTimedOut
		resolvedAt := now
		h.ResolvedAt = &resolvedAt
		h.ResolutionNote = fmt.Sprintf("no response from %s within %s", h.ToAgent, m.cfg.Timeout)
		if err := m.store.Update(ctx, h); err != nil {
			m.logger.Warn("handoff timeout update failed",
				zap.String("handoff_id", h.ID),
				zap.Error(err))
			continue
		}
		m.logger.Warn("handoff timed out",
			zap.String("handoff_id", h.ID),
			zap.String("task_id", h.TaskID),
			zap.String("to", h.ToAgent),
			zap.Duration("timeout", m.cfg.Timeout))
		m.publish(ctx, types.EventHandoffTimeout, h)
		swept = append(swept, h)
	}
	return swept, nil
}

// Get retrieves a handoff record by ID.
func (m *Manager) Get(ctx context.Context, handoffID string) (*types.Handoff, error) {
	h, err := m.store.Get(ctx, handoffID)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return nil, types.NewNotFoundError("handoff %s not found", handoffID)
		}
		return nil, err
	}
	return h, nil
}

// List retrieves handoff records matching the filter, oldest first.
func (m *Manager) List(ctx context.Context, filter persistence.HandoffFilter) ([]*types.Handoff, error) {
	return m.store.List(ctx, filter)
}

// Stats aggregates per-agent sent/received handoff counts from the bus
// history. Observability only: bounded history means bounded counts.
func (m *Manager) Stats() []AgentHandoffStats {
	counts := make(map[string]*AgentHandoffStats)
	record := func(agentID string) *AgentHandoffStats {
		s, ok := counts[agentID]
		if !ok {
			s = &AgentHandoffStats{AgentID: agentID}
			counts[agentID] = s
		}
		return s
	}

	for _, requestID := range m.bus.RequestIDs() {
		for _, msg := range m.bus.History(requestID, 0) {
			if msg.Kind != types.EventAgentHandoff {
				continue
			}
			var p HandoffEventPayload
			if err := json.Unmarshal(msg.Payload, &p); err != nil {
				continue
			}
			record(p.FromAgent).Sent++
			record(p.ToAgent).Received++
		}
	}

	out := make([]AgentHandoffStats, 0, len(counts))
	for _, s := range counts {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// pendingFor loads the pending handoff for taskID and checks that agentID
// is the target.
func (m *Manager) pendingFor(ctx context.Context, taskID, agentID string) (*types.Handoff, error) {
	if taskID == "" {
		return nil, types.NewValidationError("task id is required")
	}
	if agentID == "" {
		return nil, types.NewValidationError("agent id is required")
	}
	h, err := m.store.PendingByTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return nil, types.NewNotFoundError("no pending handoff for task %s", taskID)
		}
		return nil, err
	}
	if h.ToAgent != agentID {
		return nil, types.NewValidationError("agent %s is not the handoff target (%s)", agentID, h.ToAgent)
	}
	return h, nil
}

func (m *Manager) publish(ctx context.Context, kind types.EventKind, h *types.Handoff) {
	if m.bus == nil {
		return
	}
	msg := &types.Message{
		Kind:        kind,
		SourceAgent: h.FromAgent,
		TargetAgent: h.ToAgent,
		Payload: types.MustJSON(&HandoffEventPayload{
			HandoffID: h.ID,
			TaskID:    h.TaskID,
			TaskKind:  h.TaskKind,
			FromAgent: h.FromAgent,
			ToAgent:   h.ToAgent,
			Reason:    h.Reason,
			Note:      h.ResolutionNote,
		}),
		Context: h.Context,
	}
	if err := m.bus.Publish(ctx, msg); err != nil {
		m.logger.Warn("handoff event publish failed",
			zap.String("kind", string(kind)),
			zap.String("handoff_id", h.ID),
			zap.Error(err))
	}
}
