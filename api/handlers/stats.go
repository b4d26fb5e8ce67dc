package handlers

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/jetvision/charterflow/agent/handoff"
	"github.com/jetvision/charterflow/api"
	"github.com/jetvision/charterflow/bus"
	"github.com/jetvision/charterflow/persistence"
	"github.com/jetvision/charterflow/queue"
	"github.com/jetvision/charterflow/workflow"
)

// =============================================================================
// Stats Handler
// =============================================================================

// StatsHandler serves the observability endpoints: queue depth, handoff
// counters, and the combined coordination summary.
type StatsHandler struct {
	machine  *workflow.StateMachine
	queue    *queue.TaskQueue
	handoffs *handoff.Manager
	eventBus bus.Bus
	logger   *zap.Logger
}

// HandoffStatsResponse wraps the per-agent handoff counters.
type HandoffStatsResponse struct {
	Agents []handoff.AgentHandoffStats `json:"agents"`
}

// CoordinationSummary is a point-in-time snapshot of every coordination
// component: workflow counts per state, queue depth, handoff counters,
// and bus throughput.
type CoordinationSummary struct {
	Workflows   map[string]int              `json:"workflows"`
	Queue       *queue.Stats                `json:"queue"`
	Handoffs    []handoff.AgentHandoffStats `json:"handoffs"`
	Bus         bus.Stats                   `json:"bus"`
	GeneratedAt time.Time                   `json:"generated_at"`
}

// NewStatsHandler creates a stats handler.
func NewStatsHandler(machine *workflow.StateMachine, q *queue.TaskQueue, handoffs *handoff.Manager, eventBus bus.Bus, logger *zap.Logger) *StatsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StatsHandler{
		machine:  machine,
		queue:    q,
		handoffs: handoffs,
		eventBus: eventBus,
		logger:   logger,
	}
}

// =============================================================================
// HTTP Handlers
// =============================================================================

// HandleQueueStats returns task queue depth per status
// @Summary Queue statistics
// @Description Task counts per status plus the process-local retry counter
// @Tags stats
// @Produce json
// @Success 200 {object} api.Response{data=queue.Stats} "Queue statistics"
// @Router /v1/queue/stats [get]
func (h *StatsHandler) HandleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queue.Stats(r.Context())
	if err != nil {
		api.WriteError(w, err, h.logger)
		return
	}

	api.WriteSuccess(w, stats)
}

// HandleHandoffStats returns per-agent handoff counters
// @Summary Handoff statistics
// @Description Sent/received handoff counts per agent since startup
// @Tags stats
// @Produce json
// @Success 200 {object} api.Response{data=HandoffStatsResponse} "Handoff statistics"
// @Router /v1/handoffs/stats [get]
func (h *StatsHandler) HandleHandoffStats(w http.ResponseWriter, r *http.Request) {
	api.WriteSuccess(w, HandoffStatsResponse{
		Agents: h.handoffs.Stats(),
	})
}

// HandleSummary returns the combined coordination snapshot
// @Summary Coordination summary
// @Description Workflow counts per state, queue depth, handoff counters, bus throughput
// @Tags stats
// @Produce json
// @Success 200 {object} api.Response{data=CoordinationSummary} "Coordination summary"
// @Router /v1/summary [get]
func (h *StatsHandler) HandleSummary(w http.ResponseWriter, r *http.Request) {
	workflows, err := h.machine.List(r.Context(), persistence.WorkflowFilter{})
	if err != nil {
		api.WriteError(w, err, h.logger)
		return
	}
	byState := make(map[string]int)
	for _, wf := range workflows {
		byState[string(wf.CurrentState)]++
	}

	queueStats, err := h.queue.Stats(r.Context())
	if err != nil {
		api.WriteError(w, err, h.logger)
		return
	}

	api.WriteSuccess(w, CoordinationSummary{
		Workflows:   byState,
		Queue:       queueStats,
		Handoffs:    h.handoffs.Stats(),
		Bus:         h.eventBus.Stats(),
		GeneratedAt: time.Now(),
	})
}
