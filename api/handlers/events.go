package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/jetvision/charterflow/api"
	"github.com/jetvision/charterflow/bus"
	"github.com/jetvision/charterflow/types"
)

// eventStreamBuffer is the per-connection message buffer. When a client
// reads slower than the bus publishes, messages beyond this are dropped
// for that connection only.
const eventStreamBuffer = 64

// =============================================================================
// Events Handler
// =============================================================================

// EventsHandler streams bus messages to WebSocket clients.
type EventsHandler struct {
	eventBus bus.Bus
	logger   *zap.Logger
}

// NewEventsHandler creates an events handler.
func NewEventsHandler(eventBus bus.Bus, logger *zap.Logger) *EventsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventsHandler{
		eventBus: eventBus,
		logger:   logger,
	}
}

// HandleEvents upgrades the request to a WebSocket and streams messages
// @Summary Event stream
// @Description WebSocket stream of bus messages, filtered by ?kinds=, ?target_agent=, ?request_id=
// @Tags events
// @Param kinds query string false "Comma-separated event kinds"
// @Param target_agent query string false "Only events addressed to this agent"
// @Param request_id query string false "Only events for this request"
// @Success 101 "Switching protocols"
// @Failure 400 {object} api.Response "Invalid filter"
// @Router /v1/events [get]
func (h *EventsHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := bus.Filter{TargetAgent: q.Get("target_agent")}
	if raw := q.Get("kinds"); raw != "" {
		for _, k := range strings.Split(raw, ",") {
			kind := types.EventKind(strings.TrimSpace(k))
			if !kind.Valid() {
				api.WriteError(w, types.NewValidationError("unknown event kind %q", kind), h.logger)
				return
			}
			filter.Kinds = append(filter.Kinds, kind)
		}
	}
	requestID := q.Get("request_id")

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	messages := make(chan *types.Message, eventStreamBuffer)
	subID, err := h.eventBus.Subscribe(filter, func(ctx context.Context, msg types.Message) error {
		if requestID != "" && msg.Context.RequestID != requestID {
			return nil
		}
		select {
		case messages <- &msg:
		default:
			// Slow consumer: drop for this connection rather than stall
			// the subscription mailbox.
		}
		return nil
	})
	if err != nil {
		h.logger.Warn("event subscription failed", zap.Error(err))
		conn.Close(websocket.StatusInternalError, "subscribe failed")
		return
	}
	defer func() { _ = h.eventBus.Unsubscribe(subID) }()

	h.logger.Debug("event stream opened",
		zap.String("subscription_id", subID),
		zap.String("request_id", requestID))

	// CloseRead keeps reading control frames so pings and client closes
	// are handled; the returned context ends when the client goes away.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case msg := <-messages:
			if err := wsjson.Write(ctx, conn, api.NewMessageView(msg)); err != nil {
				h.logger.Debug("event stream write failed", zap.Error(err))
				return
			}
		}
	}
}
