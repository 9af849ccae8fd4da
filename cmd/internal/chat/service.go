// Package chat is the conversation and messaging core: conversation resolution,
// message persistence, read state and moderation.
package chat

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"
	"time"

	"bazaar/cmd/internal/ids"
	"bazaar/cmd/internal/metrics"
)

const (
	notifyTimeout  = 5 * time.Second
	maxClientMsgID = 64
	maxBlockReason = 500
	lockStripes    = 256
)

// Service implements the messaging operations on top of a Store.
// It is safe for concurrent use.
type Service struct {
	store     Store
	catalog   Catalog
	publisher Publisher
	notifier  Notifier
	log       *slog.Logger
	metrics   *metrics.Metrics
	retry     RetryPolicy
	now       func() time.Time

	// Held across append/mutation and publish so publish order matches commit order
	// for a conversation. Conversations on different stripes never contend.
	stripes [lockStripes]sync.Mutex

	notifyWG sync.WaitGroup
}

// Option configures a Service.
type Option func(*Service)

// WithPublisher sets the realtime fanout target.
func WithPublisher(p Publisher) Option {
	return func(s *Service) {
		if p != nil {
			s.publisher = p
		}
	}
}

// WithNotifier sets the push-notification collaborator.
func WithNotifier(n Notifier) Option {
	return func(s *Service) {
		if n != nil {
			s.notifier = n
		}
	}
}

// WithLogger overrides the default logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithRetryPolicy overrides how transient storage failures are retried.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(s *Service) { s.retry = p }
}

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService constructs a Service. store and catalog are required.
func NewService(store Store, catalog Catalog, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("chat: nil store")
	}
	if catalog == nil {
		return nil, errors.New("chat: nil catalog")
	}
	s := &Service{
		store:     store,
		catalog:   catalog,
		publisher: nopPublisher{},
		notifier:  nopNotifier{},
		log:       slog.Default(),
		retry:     DefaultRetryPolicy(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Wait blocks until in-flight notifications finish (shutdown, tests).
func (s *Service) Wait() { s.notifyWG.Wait() }

func (s *Service) lockConversation(conversationID string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(conversationID))
	mu := &s.stripes[h.Sum32()%lockStripes]
	mu.Lock()
	return mu.Unlock
}

// do runs fn under the retry policy, counting retries.
func (s *Service) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return s.retry.run(ctx, func(attempt int, err error) {
		s.metrics.StorageRetry(op)
		s.log.Warn("chat.storage.retry", "op", op, "attempt", attempt, "err", err)
	}, fn)
}

func (s *Service) fail(op string, err error) error {
	if err == nil {
		return nil
	}
	s.metrics.OperationFailed(op, Code(err))
	return err
}

// ---- ConversationResolver ----

// ResolveInput asks for the conversation between two users about a subject.
type ResolveInput struct {
	Subject       SubjectRef
	InitiatorID   string
	CounterpartID string
}

// Resolve finds or creates exactly one conversation for the subject and the two
// parties. Roles come from the catalog: the subject owner is always the seller.
func (s *Service) Resolve(ctx context.Context, in ResolveInput) (Conversation, error) {
	const op = "chat.Resolve"

	initiator := strings.TrimSpace(in.InitiatorID)
	counterpart := strings.TrimSpace(in.CounterpartID)
	if initiator == "" || counterpart == "" {
		return Conversation{}, s.fail(op, opErr(op, ErrInvalidInput, "missing participant"))
	}
	if initiator == counterpart {
		return Conversation{}, s.fail(op, opErr(op, ErrSelfConversation, ""))
	}
	subject := SubjectRef{Kind: in.Subject.Kind, ID: strings.TrimSpace(in.Subject.ID)}
	if err := subject.Validate(); err != nil {
		return Conversation{}, s.fail(op, err)
	}

	info, err := s.subject(ctx, op, subject)
	if err != nil {
		return Conversation{}, s.fail(op, err)
	}

	var buyer string
	switch info.SellerID {
	case initiator:
		buyer = counterpart
	case counterpart:
		buyer = initiator
	default:
		return Conversation{}, s.fail(op, opErr(op, ErrNotAParticipant, "neither party owns the subject"))
	}

	id, err := ids.NewULID(s.now())
	if err != nil {
		return Conversation{}, s.fail(op, err)
	}

	var res ResolveResult
	err = s.do(ctx, op, func(ctx context.Context) error {
		var err error
		res, err = s.store.ResolveConversation(ctx, ResolveParams{
			ID:       id,
			Subject:  subject,
			BuyerID:  buyer,
			SellerID: info.SellerID,
			Now:      s.now(),
		})
		return err
	})
	if err != nil {
		return Conversation{}, s.fail(op, err)
	}

	switch {
	case res.Raced:
		s.metrics.ConversationResolved("raced")
		s.log.Info("chat.resolve.raced", "conversation_id", res.Conversation.ID, "subject", subject.String())
	case res.Created:
		s.metrics.ConversationResolved("created")
		s.log.Info("chat.resolve.created", "conversation_id", res.Conversation.ID, "subject", subject.String())
	default:
		s.metrics.ConversationResolved("existing")
	}
	return res.Conversation, nil
}

func (s *Service) subject(ctx context.Context, op string, ref SubjectRef) (Subject, error) {
	info, err := s.catalog.Subject(ctx, ref)
	switch {
	case errors.Is(err, ErrSubjectNotFound):
		return Subject{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: "unknown subject", Err: err}
	case err != nil:
		if ctx.Err() != nil {
			return Subject{}, err
		}
		return Subject{}, OpError{Op: op, Kind: ErrStorageUnavailable, Msg: "catalog unavailable", Err: err}
	case strings.TrimSpace(info.SellerID) == "":
		return Subject{}, opErr(op, ErrInvalidInput, "subject has no owner")
	}
	return info, nil
}

// ---- MessageStore ----

// AppendInput is one message send.
type AppendInput struct {
	ConversationID string
	SenderID       string
	Content        Content

	// ClientMsgID makes the send idempotent: repeating it returns the original message.
	ClientMsgID string
}

// Append validates, persists and broadcasts a message, then emits a push
// notification unless the recipient muted the conversation.
func (s *Service) Append(ctx context.Context, in AppendInput) (AppendResult, error) {
	const op = "chat.Append"

	convID := strings.TrimSpace(in.ConversationID)
	sender := strings.TrimSpace(in.SenderID)
	clientMsgID := strings.TrimSpace(in.ClientMsgID)
	if convID == "" || sender == "" {
		return AppendResult{}, s.fail(op, opErr(op, ErrInvalidInput, "missing conversation or sender"))
	}
	if len(clientMsgID) > maxClientMsgID {
		return AppendResult{}, s.fail(op, opErr(op, ErrInvalidInput, "client_msg_id too long"))
	}

	content, err := Normalize(in.Content)
	if err != nil {
		return AppendResult{}, s.fail(op, err)
	}
	payload, err := Encode(content)
	if err != nil {
		return AppendResult{}, s.fail(op, err)
	}

	now := s.now()
	msgID, err := ids.NewULID(now)
	if err != nil {
		return AppendResult{}, s.fail(op, err)
	}

	// Sends without a client id are keyed by the minted message id so that a
	// retry after a lost commit acknowledgement cannot store them twice.
	key := clientMsgID
	if key == "" {
		key = msgID
	}
	params := AppendParams{
		MessageID:      msgID,
		ConversationID: convID,
		SenderID:       sender,
		ClientMsgID:    key,
		Kind:           content.Kind,
		Payload:        payload,
		Now:            now,
	}

	unlock := s.lockConversation(convID)

	var (
		res      AppendResult
		attempts int
	)
	err = s.do(ctx, op, func(ctx context.Context) error {
		attempts++
		var err error
		res, err = s.store.AppendMessage(ctx, params)
		return err
	})
	if err != nil {
		unlock()
		return AppendResult{}, s.fail(op, err)
	}

	// Delivery is at least once: a duplicate may belong to an earlier call whose
	// commit succeeded but whose result was lost, so it is broadcast and
	// notified again. Subscribers dedupe by message id and notification tasks
	// by message and recipient.
	m := res.Message
	s.publisher.Publish(Event{
		Type:           EventMessageNew,
		ConversationID: convID,
		At:             m.CreatedAt,
		Message:        &m,
	})
	unlock()

	if !res.Duplicated || attempts > 1 {
		s.metrics.MessageAppended(string(res.Message.Content.Kind))
	}
	s.notify(res.Conversation, res.Message)
	return res, nil
}

// notify emits the push event for the counterpart of the sender unless they muted.
// It runs detached from the request so a slow collaborator never delays the send.
func (s *Service) notify(c Conversation, m Message) {
	recipient, ok := c.Counterpart(m.SenderID)
	if !ok {
		return
	}
	if c.MutedFor(recipient) {
		s.metrics.Notification("muted")
		return
	}

	ev := NotificationEvent{
		ConversationID: c.ID,
		RecipientID:    recipient,
		SenderID:       m.SenderID,
		MessageID:      m.ID,
		Preview:        Preview(m.Content),
	}

	s.notifyWG.Add(1)
	go func() {
		defer s.notifyWG.Done()

		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()

		if err := s.notifier.Notify(ctx, ev); err != nil {
			s.metrics.Notification("failed")
			s.log.Warn("chat.notify.fail", "conversation_id", ev.ConversationID, "recipient_id", ev.RecipientID, "err", err)
			return
		}
		s.metrics.Notification("emitted")
	}()
}

// ListInput asks for a window of a conversation's history.
type ListInput struct {
	ConversationID string
	ViewerID       string
	AfterID        string
	Limit          int
}

// List returns messages in ascending order after AfterID. It never changes read state.
func (s *Service) List(ctx context.Context, in ListInput) (ListMessagesResult, error) {
	const op = "chat.List"

	if _, err := s.participant(ctx, op, in.ConversationID, in.ViewerID); err != nil {
		return ListMessagesResult{}, s.fail(op, err)
	}

	var res ListMessagesResult
	err := s.do(ctx, op, func(ctx context.Context) error {
		var err error
		res, err = s.store.ListMessages(ctx, ListMessagesParams{
			ConversationID: strings.TrimSpace(in.ConversationID),
			AfterID:        strings.TrimSpace(in.AfterID),
			Limit:          in.Limit,
		})
		return err
	})
	if errors.Is(err, ErrMessageNotFound) {
		err = OpError{Op: op, Kind: ErrInvalidInput, Msg: "unknown after_id", Err: err}
	}
	if err != nil {
		return ListMessagesResult{}, s.fail(op, err)
	}
	return res, nil
}

// DeleteMessage tombstones a message. Only its sender may delete it; repeating
// the call is a no-op.
func (s *Service) DeleteMessage(ctx context.Context, conversationID, messageID, actorID string) (Message, error) {
	const op = "chat.DeleteMessage"

	convID := strings.TrimSpace(conversationID)
	if _, err := s.participant(ctx, op, convID, actorID); err != nil {
		return Message{}, s.fail(op, err)
	}

	unlock := s.lockConversation(convID)
	defer unlock()

	var res SoftDeleteResult
	err := s.do(ctx, op, func(ctx context.Context) error {
		var err error
		res, err = s.store.SoftDeleteMessage(ctx, SoftDeleteParams{
			ConversationID: convID,
			MessageID:      strings.TrimSpace(messageID),
			ActorID:        strings.TrimSpace(actorID),
			Now:            s.now(),
		})
		return err
	})
	if err != nil {
		return Message{}, s.fail(op, err)
	}
	if res.Changed {
		m := res.Message
		s.publisher.Publish(Event{Type: EventMessageDeleted, ConversationID: convID, At: *m.DeletedAt, Message: &m})
	}
	return res.Message, nil
}

// DeleteConversation removes a conversation and its messages. Only the subject owner may do it.
func (s *Service) DeleteConversation(ctx context.Context, conversationID, actorID string) error {
	const op = "chat.DeleteConversation"

	convID := strings.TrimSpace(conversationID)
	unlock := s.lockConversation(convID)
	defer unlock()

	var c Conversation
	err := s.do(ctx, op, func(ctx context.Context) error {
		var err error
		c, err = s.store.DeleteConversation(ctx, convID, strings.TrimSpace(actorID))
		return err
	})
	if err != nil {
		return s.fail(op, err)
	}
	s.publisher.Publish(Event{Type: EventConversationDeleted, ConversationID: convID, At: s.now(), Conversation: &c})
	s.log.Info("chat.conversation.deleted", "conversation_id", convID, "actor_id", actorID)
	return nil
}

// ---- conversations ----

// ConversationView is a conversation as shown to one participant.
type ConversationView struct {
	Conversation Conversation
	Role         Role
	Unread       int

	// Seen reports whether the viewer's latest message was read by the counterpart.
	Seen bool

	// Blocked lets clients disable the composer before a send would fail.
	Blocked bool

	// Subject is nil when the catalog could not label the conversation.
	Subject *Subject
}

// Conversation returns one conversation with the viewer's derived state.
func (s *Service) Conversation(ctx context.Context, conversationID, viewerID string) (ConversationView, error) {
	const op = "chat.Conversation"

	c, err := s.participant(ctx, op, conversationID, viewerID)
	if err != nil {
		return ConversationView{}, s.fail(op, err)
	}
	view := ConversationView{Conversation: c, Role: RoleOf(c, viewerID)}

	if view.Unread, err = s.store.UnreadCount(ctx, c.ID, viewerID); err != nil {
		return ConversationView{}, s.fail(op, err)
	}
	if view.Seen, err = s.Seen(ctx, c.ID, viewerID); err != nil {
		return ConversationView{}, s.fail(op, err)
	}
	if view.Blocked, err = s.store.IsBlocked(ctx, c.BuyerID, c.SellerID); err != nil {
		return ConversationView{}, s.fail(op, err)
	}
	view.Subject = s.label(ctx, c.Subject)
	return view, nil
}

// Conversations lists the user's conversations, most recently active first.
func (s *Service) Conversations(ctx context.Context, userID string, before *ConversationCursor, limit int) ([]ConversationView, error) {
	const op = "chat.Conversations"

	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, s.fail(op, opErr(op, ErrInvalidInput, "missing user"))
	}

	var sums []ConversationSummary
	err := s.do(ctx, op, func(ctx context.Context) error {
		var err error
		sums, err = s.store.ListConversations(ctx, ListConversationsParams{UserID: userID, Before: before, Limit: limit})
		return err
	})
	if err != nil {
		return nil, s.fail(op, err)
	}

	out := make([]ConversationView, 0, len(sums))
	for _, sum := range sums {
		out = append(out, ConversationView{
			Conversation: sum.Conversation,
			Role:         RoleOf(sum.Conversation, userID),
			Unread:       sum.Unread,
			Subject:      s.label(ctx, sum.Conversation.Subject),
		})
	}
	return out, nil
}

// label is best effort: catalog failures never fail a chat read.
func (s *Service) label(ctx context.Context, ref SubjectRef) *Subject {
	info, err := s.catalog.Subject(ctx, ref)
	if err != nil {
		s.log.Debug("chat.label.fail", "subject", ref.String(), "err", err)
		return nil
	}
	return &info
}

// participant loads a conversation and checks userID takes part in it.
func (s *Service) participant(ctx context.Context, op, conversationID, userID string) (Conversation, error) {
	conversationID = strings.TrimSpace(conversationID)
	userID = strings.TrimSpace(userID)
	if conversationID == "" || userID == "" {
		return Conversation{}, opErr(op, ErrInvalidInput, "missing conversation or user")
	}

	var c Conversation
	err := s.do(ctx, op, func(ctx context.Context) error {
		var err error
		c, err = s.store.GetConversation(ctx, conversationID)
		return err
	})
	if err != nil {
		return Conversation{}, err
	}
	if RoleOf(c, userID) == RoleNone {
		return Conversation{}, opErr(op, ErrNotAParticipant, "")
	}
	return c, nil
}

// ---- PresenceAndReadTracker ----

// MarkRead marks every counterpart message as read and returns how many flipped.
// Calling it again with no new messages returns 0.
func (s *Service) MarkRead(ctx context.Context, conversationID, readerID string) (int, error) {
	const op = "chat.MarkRead"

	convID := strings.TrimSpace(conversationID)
	reader := strings.TrimSpace(readerID)
	if convID == "" || reader == "" {
		return 0, s.fail(op, opErr(op, ErrInvalidInput, "missing conversation or reader"))
	}

	unlock := s.lockConversation(convID)
	defer unlock()

	var n int
	err := s.do(ctx, op, func(ctx context.Context) error {
		var err error
		n, err = s.store.MarkRead(ctx, convID, reader)
		return err
	})
	if err != nil {
		return 0, s.fail(op, err)
	}
	if n > 0 {
		s.publisher.Publish(Event{
			Type:           EventConversationRead,
			ConversationID: convID,
			At:             s.now(),
			ReaderID:       reader,
			ReadCount:      n,
		})
	}
	return n, nil
}

// UnreadCount is the number of counterpart messages the viewer has not read.
func (s *Service) UnreadCount(ctx context.Context, conversationID, viewerID string) (int, error) {
	const op = "chat.UnreadCount"

	var n int
	err := s.do(ctx, op, func(ctx context.Context) error {
		var err error
		n, err = s.store.UnreadCount(ctx, strings.TrimSpace(conversationID), strings.TrimSpace(viewerID))
		return err
	})
	if err != nil {
		return 0, s.fail(op, err)
	}
	return n, nil
}

// Seen reports whether the sender's most recent message has been read.
func (s *Service) Seen(ctx context.Context, conversationID, senderID string) (bool, error) {
	const op = "chat.Seen"

	var (
		m  Message
		ok bool
	)
	err := s.do(ctx, op, func(ctx context.Context) error {
		var err error
		m, ok, err = s.store.LastMessageFrom(ctx, strings.TrimSpace(conversationID), strings.TrimSpace(senderID))
		return err
	})
	if err != nil {
		return false, s.fail(op, err)
	}
	return ok && m.IsRead, nil
}

// ---- ModerationController ----

// Mute sets the actor's own mute flag. It affects notifications only.
func (s *Service) Mute(ctx context.Context, conversationID, actorID string, muted bool) (Conversation, error) {
	const op = "chat.Mute"

	convID := strings.TrimSpace(conversationID)
	actor := strings.TrimSpace(actorID)
	if convID == "" || actor == "" {
		return Conversation{}, s.fail(op, opErr(op, ErrInvalidInput, "missing conversation or actor"))
	}

	unlock := s.lockConversation(convID)
	defer unlock()

	var c Conversation
	err := s.do(ctx, op, func(ctx context.Context) error {
		var err error
		c, err = s.store.SetMuted(ctx, convID, actor, muted)
		return err
	})
	if err != nil {
		return Conversation{}, s.fail(op, err)
	}
	s.publisher.Publish(Event{Type: EventConversationUpdated, ConversationID: convID, At: s.now(), Conversation: &c})
	return c, nil
}

// Block records that blockerID blocks blockedID. Repeating it is a no-op
// (a non-empty reason replaces the stored one).
func (s *Service) Block(ctx context.Context, blockerID, blockedID, reason string) (Block, error) {
	const op = "chat.Block"

	blocker := strings.TrimSpace(blockerID)
	blocked := strings.TrimSpace(blockedID)
	reason = strings.TrimSpace(reason)
	if blocker == "" || blocked == "" {
		return Block{}, s.fail(op, opErr(op, ErrInvalidInput, "missing blocker or blocked"))
	}
	if blocker == blocked {
		return Block{}, s.fail(op, opErr(op, ErrSelfConversation, "cannot block yourself"))
	}
	if len(reason) > maxBlockReason {
		return Block{}, s.fail(op, opErr(op, ErrInvalidInput, "reason too long"))
	}

	var b Block
	err := s.do(ctx, op, func(ctx context.Context) error {
		var err error
		b, err = s.store.UpsertBlock(ctx, Block{BlockerID: blocker, BlockedID: blocked, Reason: reason, CreatedAt: s.now()})
		return err
	})
	if err != nil {
		return Block{}, s.fail(op, err)
	}
	s.log.Info("chat.block.upsert", "blocker_id", blocker, "blocked_id", blocked)
	return b, nil
}

// Unblock removes the blocker's record. Missing records are not an error.
func (s *Service) Unblock(ctx context.Context, blockerID, blockedID string) error {
	const op = "chat.Unblock"

	blocker := strings.TrimSpace(blockerID)
	blocked := strings.TrimSpace(blockedID)
	if blocker == "" || blocked == "" {
		return s.fail(op, opErr(op, ErrInvalidInput, "missing blocker or blocked"))
	}

	err := s.do(ctx, op, func(ctx context.Context) error {
		return s.store.DeleteBlock(ctx, blocker, blocked)
	})
	if err != nil {
		return s.fail(op, err)
	}
	s.log.Info("chat.block.delete", "blocker_id", blocker, "blocked_id", blocked)
	return nil
}

// IsParticipant reports whether userID takes part in the conversation.
// It backs realtime subscription authorization.
func (s *Service) IsParticipant(ctx context.Context, userID, conversationID string) (bool, error) {
	_, err := s.participant(ctx, "chat.IsParticipant", conversationID, userID)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNotAParticipant), errors.Is(err, ErrConversationNotFound), errors.Is(err, ErrInvalidInput):
		return false, nil
	default:
		return false, err
	}
}
