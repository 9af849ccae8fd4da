package realtime

import (
	"sync"

	v1 "bazaar/shared/contracts/realtime/v1"
)

// Client represents one connected websocket session.
//
// Send is never closed by the server: broadcaster handlers may still be
// enqueueing when the session ends. done signals goroutines to stop.
type Client struct {
	SessionID string
	Send      chan v1.Envelope

	mu     sync.Mutex
	userID string
	subs   map[string]*Subscription // conversation_id -> subscription

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(sessionID string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Client{
		SessionID: sessionID,
		Send:      make(chan v1.Envelope, sendQueueSize),
		subs:      make(map[string]*Subscription),
		done:      make(chan struct{}),
	}
}

// UserID returns the verified caller, or "" before hello.
func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

func (c *Client) setUserID(id string) {
	c.mu.Lock()
	c.userID = id
	c.mu.Unlock()
}

// Done returns a channel that is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the client goroutines to stop (idempotent) and drops every subscription.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
		for _, s := range c.takeSubs() {
			s.Close()
		}
	})
}

func (c *Client) subscription(conversationID string) (*Subscription, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.subs[conversationID]
	return s, ok
}

func (c *Client) addSub(s *Subscription) {
	c.mu.Lock()
	c.subs[s.ConversationID] = s
	c.mu.Unlock()
}

// attach records s for its conversation. If the client shut down, s was
// evicted, or ended reports true by the time s is recorded, s is dropped and
// closed and attach returns false.
func (c *Client) attach(s *Subscription, ended func() bool) bool {
	c.addSub(s)
	select {
	case <-c.done:
	default:
		if !s.Evicted() && (ended == nil || !ended()) {
			return true
		}
	}
	c.dropSub(s.ConversationID, s)
	s.Close()
	return false
}

// dropSub forgets the subscription for conversationID if it is still s (nil matches any).
func (c *Client) dropSub(conversationID string, s *Subscription) *Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur, ok := c.subs[conversationID]
	if !ok || (s != nil && cur != s) {
		return nil
	}
	delete(c.subs, conversationID)
	return cur
}

func (c *Client) subCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

func (c *Client) takeSubs() []*Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Subscription, 0, len(c.subs))
	for _, s := range c.subs {
		out = append(out, s)
	}
	c.subs = make(map[string]*Subscription)
	return out
}
