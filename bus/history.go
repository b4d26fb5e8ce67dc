package bus

import (
	"sort"
	"sync"

	"github.com/jetvision/charterflow/types"
)

// DefaultHistoryLimit is the per-request history cap used when none is configured.
const DefaultHistoryLimit = 100

// historyBuffer retains the most recent messages per requestId. Once a
// request's buffer is full the oldest entries are evicted.
type historyBuffer struct {
	limit int

	mu        sync.RWMutex
	byRequest map[string][]*types.Message
}

func newHistoryBuffer(limit int) *historyBuffer {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &historyBuffer{
		limit:     limit,
		byRequest: make(map[string][]*types.Message),
	}
}

// Append records a message under its requestId, evicting the oldest entry
// when the buffer is at capacity. The message is cloned on the way in.
func (h *historyBuffer) Append(msg *types.Message) {
	requestID := msg.Context.RequestID

	h.mu.Lock()
	defer h.mu.Unlock()

	msgs := append(h.byRequest[requestID], msg.Clone())
	if len(msgs) > h.limit {
		msgs = msgs[len(msgs)-h.limit:]
	}
	h.byRequest[requestID] = msgs
}

// Get returns up to limit retained messages for requestId, oldest first.
// limit <= 0 returns everything retained.
func (h *historyBuffer) Get(requestID string, limit int) []*types.Message {
	h.mu.RLock()
	defer h.mu.RUnlock()

	msgs := h.byRequest[requestID]
	if limit > 0 && limit < len(msgs) {
		msgs = msgs[len(msgs)-limit:]
	}

	out := make([]*types.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Clone())
	}
	return out
}

// RequestIDs returns every requestId with retained history, sorted.
func (h *historyBuffer) RequestIDs() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ids := make([]string, 0, len(h.byRequest))
	for id := range h.byRequest {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
