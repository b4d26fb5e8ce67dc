package persistence

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/jetvision/charterflow/types"
)

// Archiver copies finished requests from the live stores into the SQL
// archive. Subscribe HandleMessage on the bus for WORKFLOW_COMPLETED
// and WORKFLOW_FAILED; other kinds are ignored so a broad subscription
// is safe.
type Archiver struct {
	store     *ArchiveStore
	workflows WorkflowStore
	tasks     TaskStore
	handoffs  HandoffStore
	clock     types.Clock
	logger    *zap.Logger
}

// NewArchiver creates an archiver using the system clock.
func NewArchiver(store *ArchiveStore, workflows WorkflowStore, tasks TaskStore, handoffs HandoffStore, logger *zap.Logger) *Archiver {
	return NewArchiverWithClock(store, workflows, tasks, handoffs, types.SystemClock{}, logger)
}

// NewArchiverWithClock creates an archiver with an injected clock.
func NewArchiverWithClock(store *ArchiveStore, workflows WorkflowStore, tasks TaskStore, handoffs HandoffStore, clock types.Clock, logger *zap.Logger) *Archiver {
	if clock == nil {
		clock = types.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archiver{
		store:     store,
		workflows: workflows,
		tasks:     tasks,
		handoffs:  handoffs,
		clock:     clock,
		logger:    logger.With(zap.String("component", "archiver")),
	}
}

// HandleMessage archives the request behind a terminal workflow event.
// Non-terminal kinds return nil without touching the stores.
func (a *Archiver) HandleMessage(ctx context.Context, msg types.Message) error {
	switch msg.Kind {
	case types.EventWorkflowCompleted, types.EventWorkflowFailed:
	default:
		return nil
	}

	requestID := msg.Context.RequestID
	if requestID == "" {
		a.logger.Warn("terminal event without request_id, skipping archive",
			zap.String("message_id", msg.ID),
			zap.String("kind", string(msg.Kind)),
		)
		return nil
	}
	return a.Archive(ctx, requestID)
}

// Archive copies one request's workflow, tasks, and handoffs into the
// archive. The workflow must already be terminal.
func (a *Archiver) Archive(ctx context.Context, requestID string) error {
	wf, err := a.workflows.Get(ctx, requestID)
	if err != nil {
		return fmt.Errorf("load workflow %s for archive: %w", requestID, err)
	}

	tasks, err := a.tasks.List(ctx, TaskFilter{RequestID: requestID})
	if err != nil {
		return fmt.Errorf("load tasks for %s: %w", requestID, err)
	}

	handoffs, err := a.handoffs.List(ctx, HandoffFilter{RequestID: requestID})
	if err != nil {
		return fmt.Errorf("load handoffs for %s: %w", requestID, err)
	}

	if err := a.store.ArchiveWorkflow(ctx, wf, tasks, handoffs, a.clock.Now()); err != nil {
		return err
	}

	a.logger.Info("request archived",
		zap.String("request_id", requestID),
		zap.String("final_state", string(wf.CurrentState)),
		zap.Int("tasks", len(tasks)),
		zap.Int("handoffs", len(handoffs)),
	)
	return nil
}
