package handlers

import (
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jetvision/charterflow/api"
	"github.com/jetvision/charterflow/bus"
	"github.com/jetvision/charterflow/persistence"
	"github.com/jetvision/charterflow/queue"
	"github.com/jetvision/charterflow/types"
	"github.com/jetvision/charterflow/workflow"
)

// =============================================================================
// Workflow Handler
// =============================================================================

// WorkflowHandler serves the workflow lifecycle endpoints: start, inspect,
// list, cancel, and the per-request message history.
type WorkflowHandler struct {
	machine  *workflow.StateMachine
	queue    *queue.TaskQueue
	eventBus bus.Bus
	logger   *zap.Logger
}

// NewWorkflowHandler creates a workflow handler.
func NewWorkflowHandler(machine *workflow.StateMachine, q *queue.TaskQueue, eventBus bus.Bus, logger *zap.Logger) *WorkflowHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WorkflowHandler{
		machine:  machine,
		queue:    q,
		eventBus: eventBus,
		logger:   logger,
	}
}

// =============================================================================
// HTTP Handlers
// =============================================================================

// HandleStart starts a workflow and enqueues its first task
// @Summary Start workflow
// @Description Create a workflow in CREATED state and enqueue the initial task
// @Tags workflow
// @Accept json
// @Produce json
// @Param request body api.StartWorkflowRequest true "Workflow start request"
// @Success 201 {object} api.Response{data=api.StartWorkflowResponse} "Workflow created"
// @Failure 400 {object} api.Response "Invalid request"
// @Failure 409 {object} api.Response "Workflow already exists"
// @Failure 429 {object} api.Response "Queue at capacity"
// @Router /v1/workflows [post]
func (h *WorkflowHandler) HandleStart(w http.ResponseWriter, r *http.Request) {
	if !api.ValidateContentType(w, r, h.logger) {
		return
	}

	var req api.StartWorkflowRequest
	if err := api.DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if req.RequestID == "" {
		api.WriteError(w, types.NewValidationError("request_id is required"), h.logger)
		return
	}
	if req.Task.Kind == "" {
		api.WriteError(w, types.NewValidationError("task.kind is required"), h.logger)
		return
	}

	wf, err := h.machine.Create(r.Context(), req.RequestID, apiAgent)
	if err != nil {
		api.WriteError(w, err, h.logger)
		return
	}

	task := &types.AgentTask{
		Kind:        req.Task.Kind,
		Payload:     req.Task.Payload,
		Priority:    types.TaskPriority(req.Task.Priority),
		TargetAgent: req.Task.TargetAgent,
		Context: types.MessageContext{
			RequestID: req.RequestID,
			SessionID: req.SessionID,
			UserID:    req.UserID,
		},
	}
	if req.Task.MaxRetries != nil {
		task.MaxRetries = *req.Task.MaxRetries
	}

	queued, err := h.queue.Enqueue(r.Context(), task)
	if err != nil {
		// The workflow stays in CREATED; the timeout sweep reaps it if the
		// caller never retries.
		h.logger.Warn("initial task rejected",
			zap.String("request_id", req.RequestID),
			zap.Error(err))
		api.WriteError(w, err, h.logger)
		return
	}

	h.logger.Info("workflow started",
		zap.String("request_id", req.RequestID),
		zap.String("task_id", queued.ID),
		zap.String("task_kind", queued.Kind))

	api.WriteJSON(w, http.StatusCreated, api.Response{
		Success: true,
		Data: api.StartWorkflowResponse{
			Workflow: api.NewWorkflowView(wf),
			Task:     api.NewTaskView(queued),
		},
		Timestamp: time.Now(),
	})
}

// HandleGet returns a single workflow
// @Summary Get workflow
// @Description Get the current state and history of a workflow
// @Tags workflow
// @Produce json
// @Param id path string true "Request ID"
// @Success 200 {object} api.Response{data=api.WorkflowView} "Workflow"
// @Failure 404 {object} api.Response "Workflow not found"
// @Router /v1/workflows/{id} [get]
func (h *WorkflowHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	requestID := extractRequestID(r)
	if requestID == "" {
		api.WriteError(w, types.NewValidationError("request id is required"), h.logger)
		return
	}

	wf, err := h.machine.Get(r.Context(), requestID)
	if err != nil {
		api.WriteError(w, err, h.logger)
		return
	}

	api.WriteSuccess(w, api.NewWorkflowView(wf))
}

// HandleList lists workflows, optionally filtered by state
// @Summary List workflows
// @Description List workflows filtered by ?state=A,B and capped by ?limit=
// @Tags workflow
// @Produce json
// @Param state query string false "Comma-separated workflow states"
// @Param limit query int false "Maximum number of workflows"
// @Success 200 {object} api.Response{data=api.WorkflowListResponse} "Workflow list"
// @Failure 400 {object} api.Response "Invalid filter"
// @Router /v1/workflows [get]
func (h *WorkflowHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	var filter persistence.WorkflowFilter

	if raw := r.URL.Query().Get("state"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			state := types.WorkflowState(strings.TrimSpace(s))
			if !state.Valid() {
				api.WriteError(w, types.NewValidationError("unknown workflow state %q", state), h.logger)
				return
			}
			filter.States = append(filter.States, state)
		}
	}

	limit, err := queryLimit(r)
	if err != nil {
		api.WriteError(w, err, h.logger)
		return
	}
	filter.Limit = limit

	workflows, err := h.machine.List(r.Context(), filter)
	if err != nil {
		api.WriteError(w, err, h.logger)
		return
	}

	views := make([]api.WorkflowView, 0, len(workflows))
	for _, wf := range workflows {
		views = append(views, api.NewWorkflowView(wf))
	}

	api.WriteSuccess(w, api.WorkflowListResponse{
		Workflows: views,
		Total:     len(views),
	})
}

// HandleCancel fails a workflow with the caller's reason
// @Summary Cancel workflow
// @Description Move a live workflow to FAILED recording the cancellation reason
// @Tags workflow
// @Accept json
// @Produce json
// @Param id path string true "Request ID"
// @Param request body api.CancelWorkflowRequest true "Cancellation reason"
// @Success 200 {object} api.Response{data=api.WorkflowView} "Cancelled workflow"
// @Failure 404 {object} api.Response "Workflow not found"
// @Failure 409 {object} api.Response "Workflow already terminal"
// @Router /v1/workflows/{id}/cancel [post]
func (h *WorkflowHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	requestID := extractRequestID(r)
	if requestID == "" {
		api.WriteError(w, types.NewValidationError("request id is required"), h.logger)
		return
	}

	if !api.ValidateContentType(w, r, h.logger) {
		return
	}

	var req api.CancelWorkflowRequest
	if err := api.DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if req.Reason == "" {
		api.WriteError(w, types.NewValidationError("reason is required"), h.logger)
		return
	}

	wf, err := h.machine.Fail(r.Context(), requestID, req.Reason, apiAgent)
	if err != nil {
		api.WriteError(w, err, h.logger)
		return
	}

	h.logger.Info("workflow cancelled",
		zap.String("request_id", requestID),
		zap.String("reason", req.Reason))

	api.WriteSuccess(w, api.NewWorkflowView(wf))
}

// HandleHistory returns the retained message history of a workflow
// @Summary Workflow message history
// @Description Messages published for this request, oldest first
// @Tags workflow
// @Produce json
// @Param id path string true "Request ID"
// @Param limit query int false "Maximum number of messages"
// @Success 200 {object} api.Response{data=api.WorkflowHistoryResponse} "Message history"
// @Failure 404 {object} api.Response "Workflow not found"
// @Router /v1/workflows/{id}/history [get]
func (h *WorkflowHandler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	requestID := extractRequestID(r)
	if requestID == "" {
		api.WriteError(w, types.NewValidationError("request id is required"), h.logger)
		return
	}

	limit, err := queryLimit(r)
	if err != nil {
		api.WriteError(w, err, h.logger)
		return
	}

	// 404 for unknown workflows instead of an empty history.
	if _, err := h.machine.Get(r.Context(), requestID); err != nil {
		api.WriteError(w, err, h.logger)
		return
	}

	messages := h.eventBus.History(requestID, limit)
	views := make([]api.MessageView, 0, len(messages))
	for _, msg := range messages {
		views = append(views, api.NewMessageView(msg))
	}

	api.WriteSuccess(w, api.WorkflowHistoryResponse{
		RequestID: requestID,
		Messages:  views,
	})
}
