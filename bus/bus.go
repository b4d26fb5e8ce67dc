package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jetvision/charterflow/internal/mailbox"
	"github.com/jetvision/charterflow/types"
)

// Handler consumes a delivered message. Each handler receives its own copy;
// errors are logged and counted but never retried, and delivery to other
// subscribers is unaffected.
type Handler func(ctx context.Context, msg types.Message) error

// Filter selects the messages a subscription receives. Zero-value fields
// match everything: an empty Kinds slice accepts every kind, an empty
// TargetAgent accepts every target. A message without a TargetAgent is a
// broadcast and matches every filter's target clause.
type Filter struct {
	Kinds       []types.EventKind `json:"kinds,omitempty"`
	TargetAgent string            `json:"target_agent,omitempty"`
}

// Matches reports whether msg passes the filter.
func (f Filter) Matches(msg *types.Message) bool {
	if len(f.Kinds) > 0 {
		found := false
		for _, k := range f.Kinds {
			if msg.Kind == k {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.TargetAgent != "" && msg.TargetAgent != "" && msg.TargetAgent != f.TargetAgent {
		return false
	}
	return true
}

// Bus is the publish/subscribe exchange between coordination components.
type Bus interface {
	// Publish validates, stamps, and fans msg out to matching subscribers.
	// Blocks while a matching subscriber's mailbox is full until ctx is done.
	Publish(ctx context.Context, msg *types.Message) error

	// Subscribe registers handler for messages matching filter.
	Subscribe(filter Filter, handler Handler) (string, error)

	// Unsubscribe removes a subscription. In-flight deliveries may still land.
	Unsubscribe(subscriptionID string) error

	// History returns up to limit retained messages for requestID, oldest
	// first. limit <= 0 returns everything retained.
	History(requestID string, limit int) []*types.Message

	// RequestIDs returns every requestId with retained history, sorted.
	RequestIDs() []string

	// Stats returns publish/delivery counters.
	Stats() Stats

	// Close stops dispatching and releases subscriptions.
	Close() error
}

// Config tunes the in-memory bus.
type Config struct {
	// MailboxSize is the per-subscription buffer. Default 256.
	MailboxSize int `yaml:"mailbox_size" json:"mailbox_size"`
	// HistoryLimit is the per-request retained message cap. Default 100.
	HistoryLimit int `yaml:"history_limit" json:"history_limit"`
}

// DefaultConfig returns the default bus configuration.
func DefaultConfig() Config {
	return Config{
		MailboxSize:  mailbox.DefaultCapacity,
		HistoryLimit: DefaultHistoryLimit,
	}
}

// Stats contains bus counters since startup.
type Stats struct {
	Subscriptions int   `json:"subscriptions"`
	Published     int64 `json:"published"`
	Delivered     int64 `json:"delivered"`
	HandlerErrors int64 `json:"handler_errors"`
	HandlerPanics int64 `json:"handler_panics"`
}

type subscription struct {
	id      string
	filter  Filter
	handler Handler
	mailbox *mailbox.Mailbox[types.Message]
	cancel  context.CancelFunc
}

// InMemoryBus is the in-process Bus implementation. Each subscription owns a
// bounded mailbox drained by one dispatch goroutine, so a subscriber sees
// messages in publish order and a slow subscriber never stalls the others
// past its mailbox depth.
type InMemoryBus struct {
	cfg    Config
	clock  types.Clock
	logger *zap.Logger

	mu     sync.RWMutex
	subs   map[string]*subscription
	closed bool
	subSeq atomic.Int64

	history *historyBuffer

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	published     atomic.Int64
	delivered     atomic.Int64
	handlerErrors atomic.Int64
	handlerPanics atomic.Int64
}

// New creates an in-memory bus using the system clock.
func New(cfg Config, logger *zap.Logger) *InMemoryBus {
	return NewWithClock(cfg, types.SystemClock{}, logger)
}

// NewWithClock creates an in-memory bus with an injected clock, used by tests
// and callers that drive time themselves.
func NewWithClock(cfg Config, clock types.Clock, logger *zap.Logger) *InMemoryBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = types.SystemClock{}
	}
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = mailbox.DefaultCapacity
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &InMemoryBus{
		cfg:     cfg,
		clock:   clock,
		logger:  logger,
		subs:    make(map[string]*subscription),
		history: newHistoryBuffer(cfg.HistoryLimit),
		baseCtx: ctx,
		stop:    cancel,
	}
}

// Publish validates and stamps msg, records it in the per-request history,
// and fans it out to every subscriber whose filter matches at this instant.
func (b *InMemoryBus) Publish(ctx context.Context, msg *types.Message) error {
	if msg == nil {
		return types.NewValidationError("message is nil")
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = b.clock.Now()
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return types.NewError(types.ErrCodeUnavailable, "message bus is closed")
	}
	targets := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.filter.Matches(msg) {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	b.history.Append(msg)
	b.published.Add(1)

	for _, sub := range targets {
		if err := sub.mailbox.Send(ctx, *msg); err != nil {
			return types.NewTimeoutError("publish to subscription %s interrupted", sub.id).WithCause(err)
		}
	}
	return nil
}

// Subscribe registers handler and starts its dispatch goroutine.
func (b *InMemoryBus) Subscribe(filter Filter, handler Handler) (string, error) {
	if handler == nil {
		return "", types.NewValidationError("subscription handler is nil")
	}
	for _, k := range filter.Kinds {
		if !k.Valid() {
			return "", types.NewValidationError("unknown event kind %q in filter", k)
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return "", types.NewError(types.ErrCodeUnavailable, "message bus is closed")
	}

	subCtx, cancel := context.WithCancel(b.baseCtx)
	sub := &subscription{
		id:      fmt.Sprintf("sub-%d", b.subSeq.Add(1)),
		filter:  filter,
		handler: handler,
		mailbox: mailbox.New[types.Message](b.cfg.MailboxSize),
		cancel:  cancel,
	}
	b.subs[sub.id] = sub

	b.wg.Add(1)
	go b.dispatch(subCtx, sub)
	return sub.id, nil
}

// Unsubscribe removes the subscription and stops its dispatch goroutine.
// Messages already in the mailbox are dropped.
func (b *InMemoryBus) Unsubscribe(subscriptionID string) error {
	b.mu.Lock()
	sub, ok := b.subs[subscriptionID]
	if ok {
		delete(b.subs, subscriptionID)
	}
	b.mu.Unlock()

	if !ok {
		return types.NewNotFoundError("subscription %s not found", subscriptionID)
	}
	sub.cancel()
	return nil
}

// History returns up to limit retained messages for requestID, oldest first.
func (b *InMemoryBus) History(requestID string, limit int) []*types.Message {
	return b.history.Get(requestID, limit)
}

// RequestIDs returns every requestId with retained history, sorted.
func (b *InMemoryBus) RequestIDs() []string {
	return b.history.RequestIDs()
}

// Stats returns bus counters since startup.
func (b *InMemoryBus) Stats() Stats {
	b.mu.RLock()
	subs := len(b.subs)
	b.mu.RUnlock()

	return Stats{
		Subscriptions: subs,
		Published:     b.published.Load(),
		Delivered:     b.delivered.Load(),
		HandlerErrors: b.handlerErrors.Load(),
		HandlerPanics: b.handlerPanics.Load(),
	}
}

// Close stops all dispatch goroutines and rejects further publishes.
func (b *InMemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.subs = make(map[string]*subscription)
	b.mu.Unlock()

	b.stop()
	b.wg.Wait()
	return nil
}

// dispatch drains one subscription's mailbox until its context is cancelled.
func (b *InMemoryBus) dispatch(ctx context.Context, sub *subscription) {
	defer b.wg.Done()
	for {
		msg, err := sub.mailbox.Receive(ctx)
		if err != nil {
			return
		}
		b.deliver(ctx, sub, msg)
	}
}

// deliver invokes the handler with panic isolation.
func (b *InMemoryBus) deliver(ctx context.Context, sub *subscription, msg types.Message) {
	defer func() {
		if r := recover(); r != nil {
			b.handlerPanics.Add(1)
			b.logger.Error("message handler panicked",
				zap.String("subscription_id", sub.id),
				zap.String("message_id", msg.ID),
				zap.String("kind", string(msg.Kind)),
				zap.Any("recover", r))
		}
	}()

	b.delivered.Add(1)
	if err := sub.handler(ctx, msg); err != nil {
		b.handlerErrors.Add(1)
		b.logger.Warn("message handler failed",
			zap.String("subscription_id", sub.id),
			zap.String("message_id", msg.ID),
			zap.String("kind", string(msg.Kind)),
			zap.String("request_id", msg.Context.RequestID),
			zap.Error(err))
	}
}

// Ensure InMemoryBus implements Bus
var _ Bus = (*InMemoryBus)(nil)
