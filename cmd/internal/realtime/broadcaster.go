package realtime

import (
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"bazaar/cmd/internal/chat"
	"bazaar/cmd/internal/metrics"
)

// EventSubscriptionEvicted is the last event a handler sees when its queue overflowed.
const EventSubscriptionEvicted chat.EventType = "subscription.evicted"

const defaultSubscriptionQueue = 128

var (
	ErrBroadcasterClosed = errors.New("realtime: broadcaster closed")
	ErrMissingConvID     = errors.New("realtime: missing conversation id")
	ErrNilHandler        = errors.New("realtime: nil handler")
)

// Handler receives the events of one subscription on the subscription's own
// goroutine, in publish order.
type Handler func(ev chat.Event)

// Broadcaster fans committed chat events out to per-conversation subscribers.
//
// Publish never blocks on a subscriber: each subscription owns a bounded queue
// drained by its own goroutine. A subscription whose queue is full is evicted
// and told so, it is never silently skipped.
type Broadcaster struct {
	log       *slog.Logger
	metrics   *metrics.Metrics
	queueSize int

	mu      sync.RWMutex
	closed  bool
	byConv  map[string]map[uuid.UUID]*Subscription
	byToken map[uuid.UUID]*Subscription

	wg sync.WaitGroup
}

// BroadcasterOption configures a Broadcaster.
type BroadcasterOption func(*Broadcaster)

// WithQueueSize bounds each subscription's pending events.
func WithQueueSize(n int) BroadcasterOption {
	return func(b *Broadcaster) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

// WithBroadcasterMetrics attaches Prometheus collectors.
func WithBroadcasterMetrics(m *metrics.Metrics) BroadcasterOption {
	return func(b *Broadcaster) { b.metrics = m }
}

// NewBroadcaster constructs an empty Broadcaster.
func NewBroadcaster(log *slog.Logger, opts ...BroadcasterOption) *Broadcaster {
	if log == nil {
		log = slog.Default()
	}
	b := &Broadcaster{
		log:       log,
		queueSize: defaultSubscriptionQueue,
		byConv:    make(map[string]map[uuid.UUID]*Subscription),
		byToken:   make(map[uuid.UUID]*Subscription),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Subscription is an owned handle on one conversation's event stream.
type Subscription struct {
	Token          uuid.UUID
	ConversationID string

	b       *Broadcaster
	handler Handler
	queue   chan chat.Event

	evicted  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// Close unsubscribes. It is idempotent.
func (s *Subscription) Close() {
	if s == nil {
		return
	}
	s.b.Unsubscribe(s.Token)
}

// Done is closed once the subscription's goroutine has exited.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Evicted reports whether the subscription was dropped for falling behind.
func (s *Subscription) Evicted() bool { return s.evicted.Load() }

// Subscribe registers handler for conversationID. Authorization is the caller's job.
func (b *Broadcaster) Subscribe(conversationID string, handler Handler) (*Subscription, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return nil, ErrMissingConvID
	}
	if handler == nil {
		return nil, ErrNilHandler
	}

	s := &Subscription{
		Token:          uuid.New(),
		ConversationID: conversationID,
		b:              b,
		handler:        handler,
		queue:          make(chan chat.Event, b.queueSize),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBroadcasterClosed
	}
	subs := b.byConv[conversationID]
	if subs == nil {
		subs = make(map[uuid.UUID]*Subscription)
		b.byConv[conversationID] = subs
	}
	subs[s.Token] = s
	b.byToken[s.Token] = s
	b.wg.Add(1)
	b.mu.Unlock()

	b.metrics.SubscriptionOpened()
	go b.run(s)
	return s, nil
}

// Unsubscribe removes the subscription with token. It reports whether it was still registered.
func (b *Broadcaster) Unsubscribe(token uuid.UUID) bool {
	s := b.remove(token)
	if s == nil {
		return false
	}
	s.halt()
	return true
}

// Publish implements chat.Publisher. The service calls it under a
// per-conversation lock, so queue order is commit order.
func (b *Broadcaster) Publish(ev chat.Event) {
	var overflow []*Subscription

	b.mu.RLock()
	for _, s := range b.byConv[ev.ConversationID] {
		select {
		case s.queue <- ev:
		default:
			overflow = append(overflow, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range overflow {
		if b.remove(s.Token) == nil {
			continue
		}
		s.evicted.Store(true)
		s.halt()
		b.metrics.Evicted()
		b.log.Warn("realtime.subscription.evicted",
			"conversation_id", s.ConversationID,
			"token", s.Token.String(),
			"queue", cap(s.queue),
			"event", string(ev.Type),
		)
	}
}

// Len returns the number of subscriptions on conversationID.
func (b *Broadcaster) Len(conversationID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.byConv[conversationID])
}

// Close drops every subscription and waits for their goroutines to exit.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		b.wg.Wait()
		return
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.byToken))
	for _, s := range b.byToken {
		subs = append(subs, s)
	}
	b.byConv = make(map[string]map[uuid.UUID]*Subscription)
	b.byToken = make(map[uuid.UUID]*Subscription)
	b.mu.Unlock()

	for _, s := range subs {
		s.halt()
	}
	b.wg.Wait()
}

func (b *Broadcaster) remove(token uuid.UUID) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.byToken[token]
	if !ok {
		return nil
	}
	delete(b.byToken, token)
	if subs := b.byConv[s.ConversationID]; subs != nil {
		delete(subs, token)
		if len(subs) == 0 {
			delete(b.byConv, s.ConversationID)
		}
	}
	return s
}

func (s *Subscription) halt() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (b *Broadcaster) run(s *Subscription) {
	defer func() {
		close(s.done)
		b.metrics.SubscriptionClosed()
		b.wg.Done()
	}()

	for {
		select {
		case ev := <-s.queue:
			b.deliver(s, ev)
		case <-s.stop:
			if s.evicted.Load() {
				// Flush what was accepted before the overflow, then say why the stream ends.
				for drained := false; !drained; {
					select {
					case ev := <-s.queue:
						b.deliver(s, ev)
					default:
						drained = true
					}
				}
				b.deliver(s, chat.Event{
					Type:           EventSubscriptionEvicted,
					ConversationID: s.ConversationID,
					At:             time.Now().UTC(),
				})
			}
			return
		}
	}
}

func (b *Broadcaster) deliver(s *Subscription, ev chat.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("realtime.handler.panic", "conversation_id", s.ConversationID, "token", s.Token.String(), "panic", r)
		}
	}()
	s.handler(ev)
	if ev.Type != EventSubscriptionEvicted {
		b.metrics.Delivered()
	}
}
