// Package presence tracks which users hold a live realtime session.
//
// Each websocket heartbeat refreshes a key with a TTL; a user is online while
// the key exists. Nothing here is persisted beyond the cache.
package presence

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"bazaar/cmd/internal/cache"
	"bazaar/cmd/internal/chat"
)

// DefaultTTL covers two missed heartbeats.
const DefaultTTL = 60 * time.Second

const keyPrefix = "presence:"

// Status is a user's last known presence.
type Status struct {
	Online   bool
	LastSeen time.Time
}

// Tracker reads and writes presence heartbeats.
type Tracker struct {
	cache cache.Cache
	ttl   time.Duration
	now   func() time.Time
}

// NewTracker returns a Tracker storing heartbeats in c for ttl.
func NewTracker(c cache.Cache, ttl time.Duration) (*Tracker, error) {
	if c == nil {
		return nil, errors.New("presence: nil cache")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Tracker{cache: c, ttl: ttl, now: time.Now}, nil
}

// Touch marks userID online until the TTL elapses.
func (t *Tracker) Touch(ctx context.Context, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return errors.New("presence: missing user id")
	}
	stamp := strconv.FormatInt(t.now().UTC().UnixMilli(), 10)
	return t.cache.Set(ctx, keyPrefix+userID, stamp, t.ttl)
}

// Forget drops the heartbeat, e.g. on explicit sign-out.
func (t *Tracker) Forget(ctx context.Context, userID string) error {
	return t.cache.Delete(ctx, keyPrefix+userID)
}

// Online returns userID's presence. A missing heartbeat is not an error.
func (t *Tracker) Online(ctx context.Context, userID string) (Status, error) {
	v, err := t.cache.Get(ctx, keyPrefix+userID)
	if errors.Is(err, cache.ErrMiss) {
		return Status{}, nil
	}
	if err != nil {
		return Status{}, err
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return Status{Online: true}, nil
	}
	return Status{Online: true, LastSeen: time.UnixMilli(ms).UTC()}, nil
}

// CounterpartOnline returns the presence of the other side of conv as seen by viewerID.
func (t *Tracker) CounterpartOnline(ctx context.Context, conv chat.Conversation, viewerID string) (Status, error) {
	other, ok := conv.Counterpart(viewerID)
	if !ok {
		return Status{}, chat.ErrNotAParticipant
	}
	return t.Online(ctx, other)
}
