package metrics

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/jetvision/charterflow/agent/handoff"
	"github.com/jetvision/charterflow/queue"
	"github.com/jetvision/charterflow/types"
	"github.com/jetvision/charterflow/workflow"
)

// =============================================================================
// 👁️ 总线事件观察者
// =============================================================================

// BusObserver 把总线上的协调事件流转换为指标记录。
// HandleMessage 与总线订阅回调签名一致，用全量订阅（空过滤器）注册即可。
type BusObserver struct {
	collector *Collector
	logger    *zap.Logger
}

// NewBusObserver 创建总线事件观察者
func NewBusObserver(collector *Collector, logger *zap.Logger) *BusObserver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BusObserver{
		collector: collector,
		logger:    logger.With(zap.String("component", "metrics_observer")),
	}
}

// HandleMessage 记录一条协调事件。载荷解析失败只记日志，永不把错误
// 回传给总线，指标采集不得干扰正常投递。
func (o *BusObserver) HandleMessage(ctx context.Context, msg types.Message) error {
	o.collector.RecordEvent(string(msg.Kind))

	switch msg.Kind {
	case types.EventTaskCreated:
		var p queue.TaskEventPayload
		if o.unmarshal(&msg, &p) {
			o.collector.RecordTaskEnqueued(p.Kind)
		}

	case types.EventTaskCompleted:
		var p queue.TaskEventPayload
		if o.unmarshal(&msg, &p) {
			o.collector.RecordTaskFinished(p.Kind, "completed")
		}

	case types.EventTaskFailed:
		var p queue.TaskEventPayload
		if o.unmarshal(&msg, &p) {
			outcome := "retried"
			if p.Terminal {
				outcome = "dead"
			}
			o.collector.RecordTaskFinished(p.Kind, outcome)
		}

	case types.EventWorkflowStateChanged:
		var p workflow.StateChangedPayload
		if o.unmarshal(&msg, &p) {
			o.collector.RecordStateTransition(string(p.From), string(p.To))
		}

	// WORKFLOW_COMPLETED / WORKFLOW_FAILED 总是与对应的 STATE_CHANGED
	// 成对发布，转换计数只取 STATE_CHANGED，避免重复累加。

	case types.EventWorkflowTimeout:
		var p workflow.TimeoutPayload
		if o.unmarshal(&msg, &p) {
			o.collector.RecordWorkflowTimeout(string(p.TimedOutIn))
		}

	case types.EventAgentHandoff:
		var p handoff.HandoffEventPayload
		if o.unmarshal(&msg, &p) {
			o.collector.RecordHandoffInitiated(p.FromAgent, p.ToAgent)
		}

	case types.EventHandoffAccepted:
		o.collector.RecordHandoffOutcome("accepted")

	case types.EventHandoffRejected:
		o.collector.RecordHandoffOutcome("rejected")

	case types.EventHandoffTimeout:
		o.collector.RecordHandoffOutcome("timeout")
	}

	return nil
}

// unmarshal 解析事件载荷，失败时记录 debug 日志并返回 false。
func (o *BusObserver) unmarshal(msg *types.Message, v any) bool {
	if len(msg.Payload) == 0 {
		return false
	}
	if err := json.Unmarshal(msg.Payload, v); err != nil {
		o.logger.Debug("event payload unmarshal failed",
			zap.String("kind", string(msg.Kind)),
			zap.String("message_id", msg.ID),
			zap.Error(err))
		return false
	}
	return true
}
