package api

import (
	"encoding/json"
	"time"

	"github.com/jetvision/charterflow/types"
)

// =============================================================================
// 工作流类型
// =============================================================================

// StartWorkflowRequest 表示启动 RFP 工作流的请求。
// @Description 工作流启动请求结构
type StartWorkflowRequest struct {
	// 请求 ID（整个 RFP 生命周期的关联键）
	RequestID string `json:"request_id" example:"req-20260825-001" binding:"required"`
	// 会话 ID（可选）
	SessionID string `json:"session_id,omitempty" example:"sess-42"`
	// 用户身份（可选）
	UserID string `json:"user_id,omitempty" example:"broker-7"`
	// 首个任务（通常是 analyze_rfp）
	Task TaskSpec `json:"task" binding:"required"`
}

// TaskSpec 描述要入队的任务。
// @Description 任务提交结构
type TaskSpec struct {
	// 任务类型
	Kind string `json:"kind" example:"analyze_rfp" binding:"required"`
	// 任务负载（原样传递给执行方）
	Payload json.RawMessage `json:"payload,omitempty"`
	// 优先级（urgent、high、normal、low，默认 normal）
	Priority string `json:"priority,omitempty" example:"high"`
	// 定向投递的目标 agent（可选）
	TargetAgent string `json:"target_agent,omitempty" example:"orchestrator-1"`
	// 最大重试次数（缺省使用队列配置）
	MaxRetries *int `json:"max_retries,omitempty" example:"3"`
}

// StartWorkflowResponse 表示工作流启动结果。
// @Description 工作流启动响应结构
type StartWorkflowResponse struct {
	// 创建的工作流
	Workflow WorkflowView `json:"workflow"`
	// 入队的首个任务
	Task TaskView `json:"task"`
}

// CancelWorkflowRequest 表示取消工作流的请求。
// @Description 工作流取消请求结构
type CancelWorkflowRequest struct {
	// 取消原因（写入 failure_reason）
	Reason string `json:"reason" example:"client withdrew the request" binding:"required"`
}

// WorkflowView 是工作流的 API 序列化视图。
// @Description 工作流视图结构
type WorkflowView struct {
	// 请求 ID
	RequestID string `json:"request_id" example:"req-20260825-001"`
	// 当前状态
	State string `json:"state" example:"AWAITING_QUOTES"`
	// 状态变迁历史
	History []StateChangeView `json:"history,omitempty"`
	// 当前状态的超时截止时间（无超时则省略）
	TimeoutDeadline *time.Time `json:"timeout_deadline,omitempty"`
	// 失败原因（仅 FAILED）
	FailureReason string `json:"failure_reason,omitempty"`
	// 乐观锁版本号
	Version int64 `json:"version" example:"4"`
	// 会话 ID
	SessionID string `json:"session_id,omitempty"`
	// 用户身份
	UserID string `json:"user_id,omitempty"`
	// 创建时间
	CreatedAt time.Time `json:"created_at"`
	// 最后更新时间
	UpdatedAt time.Time `json:"updated_at"`
}

// StateChangeView 是单次状态变迁的 API 视图。
// @Description 状态变迁结构
type StateChangeView struct {
	// 进入的状态
	State string `json:"state" example:"SEARCHING_FLIGHTS"`
	// 变迁时间
	Timestamp time.Time `json:"timestamp"`
	// 触发变迁的 agent
	TriggeringAgent string `json:"triggering_agent" example:"flight-search-1"`
}

// NewWorkflowView 将领域工作流转换为 API 视图。
func NewWorkflowView(wf *types.Workflow) WorkflowView {
	view := WorkflowView{
		RequestID:     wf.RequestID,
		State:         string(wf.CurrentState),
		FailureReason: wf.FailureReason,
		Version:       wf.Version,
		SessionID:     wf.Context.SessionID,
		UserID:        wf.Context.UserID,
		CreatedAt:     wf.CreatedAt,
		UpdatedAt:     wf.UpdatedAt,
	}
	if !wf.TimeoutDeadline.IsZero() {
		deadline := wf.TimeoutDeadline
		view.TimeoutDeadline = &deadline
	}
	if len(wf.History) > 0 {
		view.History = make([]StateChangeView, 0, len(wf.History))
		for _, change := range wf.History {
			view.History = append(view.History, StateChangeView{
				State:           string(change.State),
				Timestamp:       change.Timestamp,
				TriggeringAgent: change.TriggeringAgent,
			})
		}
	}
	return view
}

// WorkflowListResponse 表示工作流列表。
// @Description 工作流列表响应
type WorkflowListResponse struct {
	// 工作流清单
	Workflows []WorkflowView `json:"workflows"`
	// 总数
	Total int `json:"total" example:"12"`
}

// =============================================================================
// 任务类型
// =============================================================================

// TaskView 是任务的 API 序列化视图。
// @Description 任务视图结构
type TaskView struct {
	// 任务 ID
	ID string `json:"id" example:"task-7f3a"`
	// 任务类型
	Kind string `json:"kind" example:"search_flights"`
	// 优先级
	Priority string `json:"priority" example:"high"`
	// 状态（pending、in_progress、completed、failed）
	Status string `json:"status" example:"pending"`
	// 已重试次数
	RetryCount int `json:"retry_count" example:"0"`
	// 最大重试次数
	MaxRetries int `json:"max_retries" example:"3"`
	// 目标 agent（定向任务）
	TargetAgent string `json:"target_agent,omitempty"`
	// 当前租约持有者
	LeaseOwner string `json:"lease_owner,omitempty"`
	// 可被领取的时间（退避门控）
	AvailableAt time.Time `json:"available_at"`
	// 失败原因（仅 failed）
	FailureReason string `json:"failure_reason,omitempty"`
	// 创建时间
	CreatedAt time.Time `json:"created_at"`
}

// NewTaskView 将领域任务转换为 API 视图。
func NewTaskView(task *types.AgentTask) TaskView {
	return TaskView{
		ID:            task.ID,
		Kind:          task.Kind,
		Priority:      string(task.Priority),
		Status:        string(task.Status),
		RetryCount:    task.RetryCount,
		MaxRetries:    task.MaxRetries,
		TargetAgent:   task.TargetAgent,
		LeaseOwner:    task.LeaseOwner,
		AvailableAt:   task.AvailableAt,
		FailureReason: task.FailureReason,
		CreatedAt:     task.CreatedAt,
	}
}

// =============================================================================
// 消息类型
// =============================================================================

// MessageView 是总线消息的 API 序列化视图。
// @Description 消息视图结构
type MessageView struct {
	// 消息 ID
	ID string `json:"id" example:"msg-01HZXK"`
	// 事件类型
	Kind string `json:"kind" example:"AGENT_HANDOFF"`
	// 发布方 agent
	SourceAgent string `json:"source_agent" example:"orchestrator-1"`
	// 目标 agent（定向消息）
	TargetAgent string `json:"target_agent,omitempty"`
	// 发布时间（总线盖章）
	Timestamp time.Time `json:"timestamp"`
	// 事件负载
	Payload json.RawMessage `json:"payload,omitempty"`
	// 请求 ID
	RequestID string `json:"request_id" example:"req-20260825-001"`
}

// NewMessageView 将领域消息转换为 API 视图。
func NewMessageView(msg *types.Message) MessageView {
	return MessageView{
		ID:          msg.ID,
		Kind:        string(msg.Kind),
		SourceAgent: msg.SourceAgent,
		TargetAgent: msg.TargetAgent,
		Timestamp:   msg.Timestamp,
		Payload:     msg.Payload,
		RequestID:   msg.Context.RequestID,
	}
}

// WorkflowHistoryResponse 表示单个请求的消息历史。
// @Description 消息历史响应
type WorkflowHistoryResponse struct {
	// 请求 ID
	RequestID string `json:"request_id" example:"req-20260825-001"`
	// 按发布顺序排列的消息
	Messages []MessageView `json:"messages"`
}
