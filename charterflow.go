// Package charterflow provides a top-level entry point that bundles the
// coordination core — event bus, workflow state machine, task queue, agent
// registry and handoff manager — behind one constructor with in-memory
// defaults.
//
// Usage:
//
//	import "github.com/jetvision/charterflow"
//
//	core, err := charterflow.New(charterflow.WithLogger(logger))
//	core, err := charterflow.New(
//		charterflow.WithWorkflowStore(redisWorkflows),
//		charterflow.WithTaskStore(redisTasks),
//		charterflow.WithHandoffStore(redisHandoffs),
//	)
//
// The zero-option form wires everything against memory stores and the wall
// clock; production wiring (Redis stores, archive, HTTP surface) lives in
// cmd/charterflow. Components stay individually reachable through the
// accessors, so callers that outgrow the facade keep their handles.
package charterflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jetvision/charterflow/agent"
	"github.com/jetvision/charterflow/agent/handoff"
	"github.com/jetvision/charterflow/bus"
	"github.com/jetvision/charterflow/persistence"
	"github.com/jetvision/charterflow/queue"
	"github.com/jetvision/charterflow/types"
	"github.com/jetvision/charterflow/workflow"

	"go.uber.org/zap"
)

// Option configures the core created by [New].
type Option func(*options)

type options struct {
	logger     *zap.Logger
	clock      types.Clock
	busCfg     bus.Config
	queueCfg   queue.Config
	timeouts   workflow.StateTimeouts
	handoffCfg handoff.Config

	workflowStore    persistence.WorkflowStore
	taskStore        persistence.TaskStore
	handoffStore     persistence.HandoffStore
	workflowStoreSet bool
	taskStoreSet     bool
	handoffStoreSet  bool
}

// WithLogger sets the logger shared by every component. Defaults to zap.NewNop().
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithClock injects the clock shared by every component, for tests.
func WithClock(clock types.Clock) Option {
	return func(o *options) { o.clock = clock }
}

// WithBusConfig overrides the event bus configuration.
func WithBusConfig(cfg bus.Config) Option {
	return func(o *options) { o.busCfg = cfg }
}

// WithQueueConfig overrides the task queue configuration.
func WithQueueConfig(cfg queue.Config) Option {
	return func(o *options) { o.queueCfg = cfg }
}

// WithStateTimeouts overrides the per-state workflow deadline budget.
func WithStateTimeouts(timeouts workflow.StateTimeouts) Option {
	return func(o *options) { o.timeouts = timeouts }
}

// WithHandoffTimeout overrides how long a handoff may stay pending.
func WithHandoffTimeout(timeout time.Duration) Option {
	return func(o *options) { o.handoffCfg.Timeout = timeout }
}

// WithWorkflowStore injects a workflow store. The caller keeps ownership;
// [Core.Close] will not close it.
func WithWorkflowStore(store persistence.WorkflowStore) Option {
	return func(o *options) {
		o.workflowStore = store
		o.workflowStoreSet = true
	}
}

// WithTaskStore injects a task store. The caller keeps ownership;
// [Core.Close] will not close it.
func WithTaskStore(store persistence.TaskStore) Option {
	return func(o *options) {
		o.taskStore = store
		o.taskStoreSet = true
	}
}

// WithHandoffStore injects a handoff store. The caller keeps ownership;
// [Core.Close] will not close it.
func WithHandoffStore(store persistence.HandoffStore) Option {
	return func(o *options) {
		o.handoffStore = store
		o.handoffStoreSet = true
	}
}

// Core bundles the coordination components over shared stores, bus and clock.
type Core struct {
	eventBus  *bus.InMemoryBus
	registry  *agent.Registry
	machine   *workflow.StateMachine
	taskQueue *queue.TaskQueue
	handoffs  *handoff.Manager

	clock  types.Clock
	logger *zap.Logger

	// owned holds the stores the core created itself and must close.
	owned []persistence.Store
}

// New assembles a coordination core. Stores default to in-memory, the clock
// to the wall clock and the logger to a nop logger.
func New(opts ...Option) (*Core, error) {
	o := &options{
		busCfg:     bus.DefaultConfig(),
		queueCfg:   queue.DefaultConfig(),
		timeouts:   workflow.DefaultStateTimeouts(),
		handoffCfg: handoff.DefaultConfig(),
		clock:      types.SystemClock{},
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.clock == nil {
		o.clock = types.SystemClock{}
	}
	if o.workflowStoreSet && o.workflowStore == nil {
		return nil, types.NewValidationError("workflow store must not be nil")
	}
	if o.taskStoreSet && o.taskStore == nil {
		return nil, types.NewValidationError("task store must not be nil")
	}
	if o.handoffStoreSet && o.handoffStore == nil {
		return nil, types.NewValidationError("handoff store must not be nil")
	}

	c := &Core{clock: o.clock, logger: o.logger}

	workflowStore := o.workflowStore
	if workflowStore == nil {
		s := persistence.NewMemoryWorkflowStore()
		workflowStore = s
		c.owned = append(c.owned, s)
	}
	taskStore := o.taskStore
	if taskStore == nil {
		s := persistence.NewMemoryTaskStore()
		taskStore = s
		c.owned = append(c.owned, s)
	}
	handoffStore := o.handoffStore
	if handoffStore == nil {
		s := persistence.NewMemoryHandoffStore()
		handoffStore = s
		c.owned = append(c.owned, s)
	}

	c.eventBus = bus.NewWithClock(o.busCfg, o.clock, o.logger)
	c.registry = agent.NewRegistry(o.logger)
	c.machine = workflow.NewStateMachineWithClock(workflowStore, c.eventBus, o.timeouts, o.clock, o.logger)
	c.taskQueue = queue.NewTaskQueueWithClock(taskStore, c.eventBus, o.queueCfg, o.clock, o.logger)
	c.handoffs = handoff.NewManagerWithClock(c.registry, c.machine, c.taskQueue, handoffStore, c.eventBus, o.handoffCfg, o.clock, o.logger)

	return c, nil
}

// Bus returns the event bus.
func (c *Core) Bus() *bus.InMemoryBus { return c.eventBus }

// Workflows returns the workflow state machine.
func (c *Core) Workflows() *workflow.StateMachine { return c.machine }

// Tasks returns the task queue.
func (c *Core) Tasks() *queue.TaskQueue { return c.taskQueue }

// Handoffs returns the handoff manager.
func (c *Core) Handoffs() *handoff.Manager { return c.handoffs }

// Agents returns the agent registry.
func (c *Core) Agents() *agent.Registry { return c.registry }

// StartWorkflow creates a workflow for requestID and, when task is non-nil,
// enqueues it as the first unit of work, stamping the workflow's requestId
// into the task context. A nil task creates the workflow only. When the
// enqueue is rejected the workflow stays in CREATED alongside the error; the
// timeout sweep reaps it if the caller never retries.
func (c *Core) StartWorkflow(ctx context.Context, requestID, triggeringAgent string, task *types.AgentTask) (*types.Workflow, error) {
	wf, err := c.machine.Create(ctx, requestID, triggeringAgent)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return wf, nil
	}

	task = task.Clone()
	if task.Context.RequestID == "" {
		task.Context.RequestID = requestID
	}
	if task.Context.RequestID != requestID {
		return wf, types.NewValidationError("task context request_id %q does not match workflow %q", task.Context.RequestID, requestID)
	}
	if _, err := c.taskQueue.Enqueue(ctx, task); err != nil {
		return wf, err
	}
	return wf, nil
}

// SweepReport counts what one sweep pass touched.
type SweepReport struct {
	WorkflowTimeouts int `json:"workflow_timeouts"`
	TasksRequeued    int `json:"tasks_requeued"`
	TasksFailed      int `json:"tasks_failed"`
	HandoffTimeouts  int `json:"handoff_timeouts"`
}

// SweepOnce runs the three timeout sweeps — workflow deadlines, expired task
// leases, pending handoffs — against now and reports what they touched. The
// sweeps are independent: a failure in one does not stop the others, and the
// joined error carries every failure.
func (c *Core) SweepOnce(ctx context.Context, now time.Time) (SweepReport, error) {
	var report SweepReport
	var errs []error

	swept, err := c.machine.CheckTimeouts(ctx, now)
	if err != nil {
		errs = append(errs, fmt.Errorf("workflow sweep: %w", err))
	}
	report.WorkflowTimeouts = len(swept)

	requeued, failed, err := c.taskQueue.SweepExpiredLeases(ctx, now)
	if err != nil {
		errs = append(errs, fmt.Errorf("lease sweep: %w", err))
	}
	report.TasksRequeued = len(requeued)
	report.TasksFailed = len(failed)

	timedOut, err := c.handoffs.CheckTimeouts(ctx, now)
	if err != nil {
		errs = append(errs, fmt.Errorf("handoff sweep: %w", err))
	}
	report.HandoffTimeouts = len(timedOut)

	return report, errors.Join(errs...)
}

// HealthSummary is a point-in-time snapshot of the coordination core.
type HealthSummary struct {
	Workflows   map[string]int              `json:"workflows"`
	Queue       *queue.Stats                `json:"queue"`
	Handoffs    []handoff.AgentHandoffStats `json:"handoffs"`
	Bus         bus.Stats                   `json:"bus"`
	Agents      int                         `json:"agents"`
	GeneratedAt time.Time                   `json:"generated_at"`
}

// HealthSummary aggregates workflow counts per state, queue depth, handoff
// counters, bus throughput and the registered agent count.
func (c *Core) HealthSummary(ctx context.Context) (*HealthSummary, error) {
	workflows, err := c.machine.List(ctx, persistence.WorkflowFilter{})
	if err != nil {
		return nil, err
	}
	byState := make(map[string]int)
	for _, wf := range workflows {
		byState[string(wf.CurrentState)]++
	}

	queueStats, err := c.taskQueue.Stats(ctx)
	if err != nil {
		return nil, err
	}

	return &HealthSummary{
		Workflows:   byState,
		Queue:       queueStats,
		Handoffs:    c.handoffs.Stats(),
		Bus:         c.eventBus.Stats(),
		Agents:      c.registry.Count(),
		GeneratedAt: c.clock.Now(),
	}, nil
}

// Close stops the event bus, then closes the stores the core created itself.
// Injected stores stay open for their owners.
func (c *Core) Close() error {
	var errs []error
	if err := c.eventBus.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close bus: %w", err))
	}
	for _, s := range c.owned {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	return errors.Join(errs...)
}
