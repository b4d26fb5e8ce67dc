// =============================================================================
// 📨 消息采集器
// =============================================================================
// MessageRecorder 作为总线订阅者收集送达的消息，供测试断言。
// Handle 方法与 bus.Handler 签名一致，可直接传入 Subscribe。
// =============================================================================
package testutil

import (
	"context"
	"sync"

	"github.com/jetvision/charterflow/types"
)

// MessageRecorder 线程安全地记录收到的消息
type MessageRecorder struct {
	mu       sync.Mutex
	messages []types.Message
	fail     error
}

// NewMessageRecorder 创建空的消息采集器
func NewMessageRecorder() *MessageRecorder {
	return &MessageRecorder{}
}

// FailWith 让后续的 Handle 调用返回 err，用于订阅者失败隔离测试
func (r *MessageRecorder) FailWith(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail = err
}

// Handle 记录一条消息，签名与 bus.Handler 一致
func (r *MessageRecorder) Handle(_ context.Context, msg types.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
	return r.fail
}

// Messages 返回已记录消息的副本
func (r *MessageRecorder) Messages() []types.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.Message, len(r.messages))
	copy(out, r.messages)
	return out
}

// Count 返回已记录的消息总数
func (r *MessageRecorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

// CountKind 返回指定类型消息的数量
func (r *MessageRecorder) CountKind(kind types.EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.messages {
		if m.Kind == kind {
			n++
		}
	}
	return n
}

// LastOfKind 返回最近一条指定类型的消息
func (r *MessageRecorder) LastOfKind(kind types.EventKind) (types.Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.messages) - 1; i >= 0; i-- {
		if r.messages[i].Kind == kind {
			return r.messages[i], true
		}
	}
	return types.Message{}, false
}
