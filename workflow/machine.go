package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jetvision/charterflow/bus"
	"github.com/jetvision/charterflow/persistence"
	"github.com/jetvision/charterflow/types"
)

// SystemAgent is the triggering agent recorded on timeout transitions.
const SystemAgent = "system"

// StateChangedPayload is the payload of WORKFLOW_STATE_CHANGED,
// WORKFLOW_COMPLETED, and WORKFLOW_FAILED events.
type StateChangedPayload struct {
	RequestID string              `json:"request_id"`
	From      types.WorkflowState `json:"from,omitempty"`
	To        types.WorkflowState `json:"to"`
	Version   int64               `json:"version"`
	Reason    string              `json:"reason,omitempty"`
}

// TimeoutPayload is the payload of WORKFLOW_TIMEOUT events.
type TimeoutPayload struct {
	RequestID  string              `json:"request_id"`
	TimedOutIn types.WorkflowState `json:"timed_out_in"`
	MovedTo    types.WorkflowState `json:"moved_to"`
	Deadline   time.Time           `json:"deadline"`
}

// requestLocks serializes mutation per requestId.
type requestLocks struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

func newRequestLocks() *requestLocks {
	return &requestLocks{m: make(map[string]*sync.Mutex)}
}

func (l *requestLocks) get(requestID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	lk, ok := l.m[requestID]
	if !ok {
		lk = &sync.Mutex{}
		l.m[requestID] = lk
	}
	return lk
}

// StateMachine drives per-request workflows through the static transition
// table, stamps deadlines from the injected clock, and broadcasts every
// applied change on the message bus.
type StateMachine struct {
	store    persistence.WorkflowStore
	bus      bus.Bus
	timeouts StateTimeouts
	clock    types.Clock
	logger   *zap.Logger
	locks    *requestLocks
}

// NewStateMachine creates a state machine using the system clock.
func NewStateMachine(store persistence.WorkflowStore, eventBus bus.Bus, timeouts StateTimeouts, logger *zap.Logger) *StateMachine {
	return NewStateMachineWithClock(store, eventBus, timeouts, types.SystemClock{}, logger)
}

// NewStateMachineWithClock creates a state machine with an injected clock,
// used by tests and callers that drive time themselves.
func NewStateMachineWithClock(store persistence.WorkflowStore, eventBus bus.Bus, timeouts StateTimeouts, clock types.Clock, logger *zap.Logger) *StateMachine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = types.SystemClock{}
	}
	if timeouts == nil {
		timeouts = DefaultStateTimeouts()
	}
	return &StateMachine{
		store:    store,
		bus:      eventBus,
		timeouts: timeouts,
		clock:    clock,
		logger:   logger.Named("workflow"),
		locks:    newRequestLocks(),
	}
}

// Create starts a new workflow in CREATED for requestID. A requestId can
// carry at most one workflow, terminal or not.
func (m *StateMachine) Create(ctx context.Context, requestID, triggeringAgent string) (*types.Workflow, error) {
	if requestID == "" {
		return nil, types.NewValidationError("request id is required")
	}
	if triggeringAgent == "" {
		return nil, types.NewValidationError("triggering agent is required")
	}

	lock := m.locks.get(requestID)
	lock.Lock()
	defer lock.Unlock()

	now := m.clock.Now()
	wf := &types.Workflow{
		RequestID:    requestID,
		CurrentState: types.StateCreated,
		History: []types.StateChange{
			{State: types.StateCreated, Timestamp: now, TriggeringAgent: triggeringAgent},
		},
		TimeoutDeadline: now.Add(m.timeouts.For(types.StateCreated)),
		Version:         1,
		Context:         types.MessageContext{RequestID: requestID},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := m.store.Create(ctx, wf); err != nil {
		if errors.Is(err, persistence.ErrAlreadyExists) {
			return nil, types.NewAlreadyExistsError("workflow for request %s already exists", requestID)
		}
		return nil, err
	}

	m.logger.Info("workflow created",
		zap.String("request_id", requestID),
		zap.String("agent", triggeringAgent),
		zap.Time("deadline", wf.TimeoutDeadline))

	m.publish(ctx, &types.Message{
		Kind:        types.EventWorkflowStateChanged,
		SourceAgent: triggeringAgent,
		Context:     wf.Context,
		Payload: types.MustJSON(StateChangedPayload{
			RequestID: requestID,
			To:        types.StateCreated,
			Version:   wf.Version,
		}),
	})
	return wf, nil
}

// Transition moves requestID to target if the table allows it. On rejection
// the workflow is untouched and the error is a typed *InvalidTransitionError.
func (m *StateMachine) Transition(ctx context.Context, requestID string, target types.WorkflowState, triggeringAgent string) (*types.Workflow, error) {
	return m.transition(ctx, requestID, target, triggeringAgent, "", false)
}

// Fail moves requestID to FAILED recording reason. Terminal workflows reject
// this like any other transition.
func (m *StateMachine) Fail(ctx context.Context, requestID, reason, triggeringAgent string) (*types.Workflow, error) {
	return m.transition(ctx, requestID, types.StateFailed, triggeringAgent, reason, false)
}

func (m *StateMachine) transition(ctx context.Context, requestID string, target types.WorkflowState, triggeringAgent, reason string, viaTimeout bool) (*types.Workflow, error) {
	if requestID == "" {
		return nil, types.NewValidationError("request id is required")
	}
	if !target.Valid() {
		return nil, types.NewValidationError("unknown workflow state %q", target)
	}
	if triggeringAgent == "" {
		return nil, types.NewValidationError("triggering agent is required")
	}

	lock := m.locks.get(requestID)
	lock.Lock()
	defer lock.Unlock()
	return m.applyLocked(ctx, requestID, target, triggeringAgent, reason, viaTimeout)
}

// applyLocked performs the table check and the mutation. Callers must hold
// the request lock.
func (m *StateMachine) applyLocked(ctx context.Context, requestID string, target types.WorkflowState, triggeringAgent, reason string, viaTimeout bool) (*types.Workflow, error) {
	wf, err := m.store.Get(ctx, requestID)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return nil, types.NewNotFoundError("workflow for request %s not found", requestID)
		}
		return nil, err
	}

	from := wf.CurrentState
	if !CanTransition(from, target) {
		return nil, &InvalidTransitionError{RequestID: requestID, From: from, To: target}
	}

	now := m.clock.Now()
	previousDeadline := wf.TimeoutDeadline
	wf.CurrentState = target
	wf.History = append(wf.History, types.StateChange{State: target, Timestamp: now, TriggeringAgent: triggeringAgent})
	wf.Version++
	wf.UpdatedAt = now
	if reason != "" {
		wf.FailureReason = reason
	}
	if target.IsTerminal() {
		wf.TimeoutDeadline = time.Time{}
	} else {
		wf.TimeoutDeadline = now.Add(m.timeouts.For(target))
	}

	if err := m.store.Update(ctx, wf); err != nil {
		if errors.Is(err, persistence.ErrVersionConflict) {
			return nil, types.Errorf(types.ErrCodeConflict, "concurrent update on workflow %s", requestID).WithCause(err)
		}
		return nil, err
	}

	m.logger.Info("workflow state changed",
		zap.String("request_id", requestID),
		zap.String("from", string(from)),
		zap.String("to", string(target)),
		zap.Int64("version", wf.Version),
		zap.String("agent", triggeringAgent),
		zap.Bool("via_timeout", viaTimeout))

	if viaTimeout {
		m.publish(ctx, &types.Message{
			Kind:        types.EventWorkflowTimeout,
			SourceAgent: triggeringAgent,
			Context:     wf.Context,
			Payload: types.MustJSON(TimeoutPayload{
				RequestID:  requestID,
				TimedOutIn: from,
				MovedTo:    target,
				Deadline:   previousDeadline,
			}),
		})
	}

	payload := types.MustJSON(StateChangedPayload{
		RequestID: requestID,
		From:      from,
		To:        target,
		Version:   wf.Version,
		Reason:    reason,
	})
	m.publish(ctx, &types.Message{
		Kind:        types.EventWorkflowStateChanged,
		SourceAgent: triggeringAgent,
		Context:     wf.Context,
		Payload:     payload,
	})
	switch target {
	case types.StateCompleted:
		m.publish(ctx, &types.Message{
			Kind:        types.EventWorkflowCompleted,
			SourceAgent: triggeringAgent,
			Context:     wf.Context,
			Payload:     payload,
		})
	case types.StateFailed:
		m.publish(ctx, &types.Message{
			Kind:        types.EventWorkflowFailed,
			SourceAgent: triggeringAgent,
			Context:     wf.Context,
			Payload:     payload,
		})
	}
	return wf, nil
}

// CanTransition reports whether requestID may move to target right now.
func (m *StateMachine) CanTransition(ctx context.Context, requestID string, target types.WorkflowState) (bool, error) {
	wf, err := m.Get(ctx, requestID)
	if err != nil {
		return false, err
	}
	return CanTransition(wf.CurrentState, target), nil
}

// Get returns the workflow for requestID.
func (m *StateMachine) Get(ctx context.Context, requestID string) (*types.Workflow, error) {
	wf, err := m.store.Get(ctx, requestID)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return nil, types.NewNotFoundError("workflow for request %s not found", requestID)
		}
		return nil, err
	}
	return wf, nil
}

// List returns workflows matching the filter.
func (m *StateMachine) List(ctx context.Context, filter persistence.WorkflowFilter) ([]*types.Workflow, error) {
	return m.store.List(ctx, filter)
}

// CheckTimeouts sweeps every workflow whose deadline passed and moves it to
// its timeout successor: AWAITING_QUOTES re-enters SEARCHING_FLIGHTS, every
// other state fails with a reason naming it. Returns the transitioned
// workflows. The sweep is externally driven; pass the current time.
func (m *StateMachine) CheckTimeouts(ctx context.Context, now time.Time) ([]*types.Workflow, error) {
	expired, err := m.store.Expiring(ctx, now)
	if err != nil {
		return nil, err
	}

	var swept []*types.Workflow
	for _, candidate := range expired {
		lock := m.locks.get(candidate.RequestID)
		lock.Lock()

		// Re-read under the lock; a concurrent transition may have reset
		// the deadline or finished the workflow.
		wf, err := m.store.Get(ctx, candidate.RequestID)
		if err != nil {
			lock.Unlock()
			m.logger.Warn("timeout sweep read failed",
				zap.String("request_id", candidate.RequestID), zap.Error(err))
			continue
		}
		if wf.CurrentState.IsTerminal() || wf.TimeoutDeadline.IsZero() || wf.TimeoutDeadline.After(now) {
			lock.Unlock()
			continue
		}

		target := TimeoutSuccessor(wf.CurrentState)
		reason := ""
		if target == types.StateFailed {
			reason = fmt.Sprintf("timed out in state %s", wf.CurrentState)
		}
		updated, err := m.applyLocked(ctx, wf.RequestID, target, SystemAgent, reason, true)
		lock.Unlock()
		if err != nil {
			m.logger.Warn("timeout transition failed",
				zap.String("request_id", wf.RequestID),
				zap.String("state", string(wf.CurrentState)),
				zap.Error(err))
			continue
		}
		swept = append(swept, updated)
	}
	return swept, nil
}

// publish sends a workflow event; failures are logged, never propagated.
// The transition is already committed by the time events go out.
func (m *StateMachine) publish(ctx context.Context, msg *types.Message) {
	if m.bus == nil {
		return
	}
	if err := m.bus.Publish(ctx, msg); err != nil {
		m.logger.Warn("workflow event publish failed",
			zap.String("kind", string(msg.Kind)),
			zap.String("request_id", msg.Context.RequestID),
			zap.Error(err))
	}
}
