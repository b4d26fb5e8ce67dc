package agent

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/jetvision/charterflow/queue"
	"github.com/jetvision/charterflow/types"
	"github.com/jetvision/charterflow/workflow"
)

// WorkerConfig tunes the polling loop.
type WorkerConfig struct {
	// PollInterval paces dequeue attempts. Defaults to 100ms.
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval"`
}

// DefaultWorkerConfig returns the default worker configuration.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{PollInterval: 100 * time.Millisecond}
}

// WorkerStats counts what a worker has done since it started.
type WorkerStats struct {
	Claimed   int64 `json:"claimed"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Discarded int64 `json:"discarded"`
}

// Worker runs one agent against the task queue: rate-limited dequeue,
// terminal-workflow discard, execute, then ack or fail.
type Worker struct {
	agent    Agent
	queue    *queue.TaskQueue
	machine  *workflow.StateMachine
	registry *Registry
	limiter  *rate.Limiter
	logger   *zap.Logger

	claimed   atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	discarded atomic.Int64
}

// NewWorker wires an agent to the queue. The state machine gates execution
// on workflow liveness; registry may be nil when handoff validation is not
// in play.
func NewWorker(a Agent, q *queue.TaskQueue, machine *workflow.StateMachine, registry *Registry, cfg WorkerConfig, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultWorkerConfig().PollInterval
	}
	return &Worker{
		agent:    a,
		queue:    q,
		machine:  machine,
		registry: registry,
		limiter:  rate.NewLimiter(rate.Every(cfg.PollInterval), 1),
		logger: logger.Named("worker").With(
			zap.String("agent_id", a.ID()),
			zap.String("agent_type", string(a.Type()))),
	}
}

// Run polls until ctx ends. The agent is registered as idle on entry and
// marked offline on the way out, so handoff validation tracks liveness.
func (w *Worker) Run(ctx context.Context) error {
	if w.registry != nil {
		if err := w.registry.Register(Registration(w.agent)); err != nil {
			return err
		}
		defer func() {
			_ = w.registry.SetStatus(w.agent.ID(), types.AgentStatusOffline)
		}()
	}
	w.logger.Info("worker started")
	defer w.logger.Info("worker stopped")

	for {
		if err := w.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		task, err := w.queue.Dequeue(ctx, w.agent.ID())
		if err != nil {
			if errors.Is(err, queue.ErrNoTask) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			w.logger.Error("dequeue failed", zap.Error(err))
			continue
		}
		w.claimed.Add(1)
		w.handle(ctx, task)
	}
}

func (w *Worker) handle(ctx context.Context, task *types.AgentTask) {
	logger := w.logger.With(
		zap.String("task_id", task.ID),
		zap.String("task_kind", task.Kind),
		zap.String("request_id", task.Context.RequestID))

	// A task whose workflow already ended has no consumer for its result.
	if w.machine != nil {
		wf, err := w.machine.Get(ctx, task.Context.RequestID)
		if err == nil && wf.CurrentState.IsTerminal() {
			w.discarded.Add(1)
			if _, err := w.queue.Ack(ctx, task.ID); err != nil {
				logger.Warn("discard ack failed", zap.Error(err))
			}
			logger.Info("task discarded, workflow is terminal",
				zap.String("state", string(wf.CurrentState)))
			return
		}
	}

	w.setStatus(types.AgentStatusBusy)
	err := w.agent.Execute(ctx, task)
	w.setStatus(types.AgentStatusIdle)

	if err != nil {
		w.failed.Add(1)
		logger.Warn("task execution failed", zap.Error(err))
		if _, ferr := w.queue.Fail(ctx, task.ID, err.Error()); ferr != nil {
			logger.Error("failure report failed", zap.Error(ferr))
		}
		return
	}
	w.completed.Add(1)
	if _, err := w.queue.Ack(ctx, task.ID); err != nil {
		logger.Error("ack failed", zap.Error(err))
	}
}

func (w *Worker) setStatus(status types.AgentStatus) {
	if w.registry == nil {
		return
	}
	_ = w.registry.SetStatus(w.agent.ID(), status)
}

// Stats returns execution counters.
func (w *Worker) Stats() WorkerStats {
	return WorkerStats{
		Claimed:   w.claimed.Load(),
		Completed: w.completed.Load(),
		Failed:    w.failed.Load(),
		Discarded: w.discarded.Load(),
	}
}

// WorkerPool runs a set of workers with a shared lifecycle.
type WorkerPool struct {
	workers []*Worker
	logger  *zap.Logger
}

// NewWorkerPool groups workers for Run.
func NewWorkerPool(logger *zap.Logger, workers ...*Worker) *WorkerPool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WorkerPool{workers: workers, logger: logger.Named("worker-pool")}
}

// Add appends a worker. Call before Run.
func (p *WorkerPool) Add(w *Worker) {
	p.workers = append(p.workers, w)
}

// Run starts every worker and blocks until all have stopped. The first
// worker error cancels the rest.
func (p *WorkerPool) Run(ctx context.Context) error {
	p.logger.Info("worker pool starting", zap.Int("workers", len(p.workers)))
	g, gctx := errgroup.WithContext(ctx)
	for _, w := range p.workers {
		w := w
		g.Go(func() error {
			return w.Run(gctx)
		})
	}
	return g.Wait()
}
