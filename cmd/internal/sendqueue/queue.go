// Package sendqueue is the client side of message sending: it shows a message
// immediately as pending, then confirms or fails it once the server answers
// or the broadcast arrives.
//
// A pending entry is never failed by a timeout alone. Only a definitive
// server rejection fails it directly; an errored attempt is failed after a
// Reconcile found no stored copy. Failed entries are retried only through
// Retry, which reuses the client message id so the server deduplicates.
package sendqueue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"bazaar/cmd/internal/ids"
	v1 "bazaar/shared/contracts/realtime/v1"
)

// Status is the lifecycle state of an Entry.
type Status uint8

const (
	StatusPending Status = iota
	StatusConfirmed
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusConfirmed:
		return "confirmed"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

var (
	ErrUnknownEntry = errors.New("sendqueue: unknown entry")
	ErrNotRetryable = errors.New("sendqueue: entry is not retryable")
)

const (
	defaultMatchWindow = 2 * time.Minute
	defaultSendTimeout = 10 * time.Second
	reconcilePageSize  = 100
	maxReconcilePages  = 50
)

// Entry is one optimistic message.
type Entry struct {
	TempID      string
	ClientMsgID string
	Content     v1.Content
	Fingerprint string
	CreatedAt   time.Time
	Status      Status

	// MessageID and Seq are set once confirmed.
	MessageID string
	Seq       int64

	// Err is the last attempt's error.
	Err error

	attemptErrored bool
}

// SendRequest is one append attempt.
type SendRequest struct {
	ConversationID string
	ClientMsgID    string
	Content        v1.Content
}

// Transport reaches the server.
type Transport interface {
	Send(ctx context.Context, req SendRequest) (v1.Message, error)
	// ListAfter returns messages strictly after afterID (all when empty), oldest first.
	ListAfter(ctx context.Context, conversationID, afterID string, limit int) ([]v1.Message, bool, error)
}

// Queue holds the optimistic state of one conversation for one sender.
type Queue struct {
	transport      Transport
	conversationID string
	senderID       string
	window         time.Duration
	sendTimeout    time.Duration
	now            func() time.Time
	onChange       func(Entry)

	mu      sync.Mutex
	entries []*Entry // pending and failed, oldest first
	lastID  string
	lastSeq int64
}

// Option configures a Queue.
type Option func(*Queue)

// WithMatchWindow bounds |Δt| for fingerprint matching of broadcasts that
// carry no client message id.
func WithMatchWindow(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.window = d
		}
	}
}

// WithSendTimeout bounds one Transport.Send call.
func WithSendTimeout(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.sendTimeout = d
		}
	}
}

// WithListener is called after every entry state change, outside the lock.
func WithListener(fn func(Entry)) Option {
	return func(q *Queue) { q.onChange = fn }
}

// WithLastKnown seeds the reconciliation cursor with the newest message the client already shows.
func WithLastKnown(messageID string, seq int64) Option {
	return func(q *Queue) { q.lastID, q.lastSeq = messageID, seq }
}

func withClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// New returns a queue for senderID's messages in conversationID.
func New(t Transport, conversationID, senderID string, opts ...Option) (*Queue, error) {
	if t == nil {
		return nil, errors.New("sendqueue: nil transport")
	}
	if strings.TrimSpace(conversationID) == "" || strings.TrimSpace(senderID) == "" {
		return nil, errors.New("sendqueue: conversation and sender are required")
	}
	q := &Queue{
		transport:      t,
		conversationID: conversationID,
		senderID:       senderID,
		window:         defaultMatchWindow,
		sendTimeout:    defaultSendTimeout,
		now:            time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(q)
		}
	}
	return q, nil
}

// Send shows c as pending and attempts delivery once. The returned entry is
// a snapshot; err is the attempt's error, if any.
func (q *Queue) Send(ctx context.Context, c v1.Content) (Entry, error) {
	now := q.now().UTC()
	tmp, err := ids.NewULID(now)
	if err != nil {
		return Entry{}, err
	}
	cmid, err := ids.NewULID(now)
	if err != nil {
		return Entry{}, err
	}

	e := &Entry{
		TempID:      "tmp_" + tmp,
		ClientMsgID: cmid,
		Content:     c,
		Fingerprint: Fingerprint(c),
		CreatedAt:   now,
		Status:      StatusPending,
	}

	q.mu.Lock()
	q.entries = append(q.entries, e)
	snap := *e
	q.mu.Unlock()
	q.changed(snap)

	return q.attempt(ctx, e)
}

// Retry re-sends a failed entry, or a pending one whose last attempt errored,
// with its original client message id.
func (q *Queue) Retry(ctx context.Context, tempID string) (Entry, error) {
	q.mu.Lock()
	e := q.findLocked(tempID)
	if e == nil {
		q.mu.Unlock()
		return Entry{}, ErrUnknownEntry
	}
	if e.Status != StatusFailed && !e.attemptErrored {
		snap := *e
		q.mu.Unlock()
		return snap, ErrNotRetryable
	}
	e.Status = StatusPending
	e.Err = nil
	e.attemptErrored = false
	snap := *e
	q.mu.Unlock()
	q.changed(snap)

	return q.attempt(ctx, e)
}

func (q *Queue) attempt(ctx context.Context, e *Entry) (Entry, error) {
	sendCtx, cancel := context.WithTimeout(ctx, q.sendTimeout)
	msg, err := q.transport.Send(sendCtx, SendRequest{
		ConversationID: q.conversationID,
		ClientMsgID:    e.ClientMsgID,
		Content:        e.Content,
	})
	cancel()

	q.mu.Lock()
	if err == nil {
		q.noteLocked(msg)
		q.confirmLocked(e, msg)
		snap := *e
		q.mu.Unlock()
		q.changed(snap)
		return snap, nil
	}

	if e.Status != StatusPending {
		// A broadcast confirmed it while the request was failing.
		snap := *e
		q.mu.Unlock()
		return snap, nil
	}
	e.Err = err
	if IsDefinitive(err) {
		e.Status = StatusFailed
	} else {
		e.attemptErrored = true
	}
	snap := *e
	q.mu.Unlock()
	q.changed(snap)
	return snap, err
}

// Observe feeds a server message (broadcast or history) into the queue and
// reports whether it confirmed a pending entry.
func (q *Queue) Observe(m v1.Message) bool {
	if m.ConversationID != "" && m.ConversationID != q.conversationID {
		return false
	}

	q.mu.Lock()
	q.noteLocked(m)
	e := q.matchLocked(m)
	if e == nil {
		q.mu.Unlock()
		return false
	}
	q.confirmLocked(e, m)
	snap := *e
	q.mu.Unlock()
	q.changed(snap)
	return true
}

// Reconcile fetches everything after the last known message, observes it,
// and only then fails pending entries whose attempt errored. Entries whose
// request is still in flight are left alone.
func (q *Queue) Reconcile(ctx context.Context) error {
	for page := 0; page < maxReconcilePages; page++ {
		q.mu.Lock()
		after := q.lastID
		q.mu.Unlock()

		msgs, more, err := q.transport.ListAfter(ctx, q.conversationID, after, reconcilePageSize)
		if err != nil {
			return fmt.Errorf("sendqueue: reconcile: %w", err)
		}
		for _, m := range msgs {
			q.Observe(m)
		}
		if !more || len(msgs) == 0 {
			break
		}
	}

	var failed []Entry
	q.mu.Lock()
	for _, e := range q.entries {
		if e.Status == StatusPending && e.attemptErrored {
			e.Status = StatusFailed
			e.attemptErrored = false
			failed = append(failed, *e)
		}
	}
	q.mu.Unlock()

	for _, e := range failed {
		q.changed(e)
	}
	return nil
}

// Pending returns the entries still shown optimistically (pending or failed), oldest first.
func (q *Queue) Pending() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Entry, 0, len(q.entries))
	for _, e := range q.entries {
		out = append(out, *e)
	}
	return out
}

// Discard drops a failed entry the user gave up on.
func (q *Queue) Discard(tempID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, e := range q.entries {
		if e.TempID == tempID && e.Status == StatusFailed {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return true
		}
	}
	return false
}

// LastKnown returns the reconciliation cursor.
func (q *Queue) LastKnown() (string, int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastID, q.lastSeq
}

func (q *Queue) matchLocked(m v1.Message) *Entry {
	if m.SenderID != q.senderID {
		return nil
	}
	if m.ClientMsgID != "" {
		// Failed entries match too: a failure after a lost response may
		// still have been stored.
		for _, e := range q.entries {
			if e.ClientMsgID == m.ClientMsgID {
				return e
			}
		}
		return nil
	}

	fp := Fingerprint(m.Content)
	for _, e := range q.entries {
		if e.Status != StatusPending || e.Fingerprint != fp {
			continue
		}
		d := m.CreatedAt.Sub(e.CreatedAt)
		if d < 0 {
			d = -d
		}
		if d <= q.window {
			return e
		}
	}
	return nil
}

func (q *Queue) confirmLocked(e *Entry, m v1.Message) {
	e.Status = StatusConfirmed
	e.MessageID = m.ID
	e.Seq = m.Seq
	e.Err = nil
	e.attemptErrored = false
	for i, cur := range q.entries {
		if cur == e {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			break
		}
	}
}

func (q *Queue) noteLocked(m v1.Message) {
	if m.ID != "" && m.Seq > q.lastSeq {
		q.lastID, q.lastSeq = m.ID, m.Seq
	}
}

func (q *Queue) findLocked(tempID string) *Entry {
	for _, e := range q.entries {
		if e.TempID == tempID {
			return e
		}
	}
	return nil
}

func (q *Queue) changed(e Entry) {
	if q.onChange != nil {
		q.onChange(e)
	}
}
