package chat

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemoryStore is a dev/test fallback when no database is configured.
// A single mutex makes every method trivially atomic.
type InMemoryStore struct {
	mu     sync.Mutex
	convs  map[string]*memConv
	byKey  map[memConvKey]string
	blocks map[memBlockKey]Block
}

type memConvKey struct {
	subject  SubjectRef
	buyerID  string
	sellerID string
}

type memBlockKey struct {
	blocker string
	blocked string
}

type memConv struct {
	conv    Conversation
	seq     int64
	dedupe  map[string]int // client_msg_id -> index into msgs
	msgs    []Message      // ordered by seq
	payload [][]byte       // stored payloads, parallel to msgs
}

// NewInMemoryStore constructs an in-memory Store implementation.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		convs:  make(map[string]*memConv),
		byKey:  make(map[memConvKey]string),
		blocks: make(map[memBlockKey]Block),
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) ResolveConversation(ctx context.Context, in ResolveParams) (ResolveResult, error) {
	const op = "chat.InMemoryStore.ResolveConversation"
	if err := ctx.Err(); err != nil {
		return ResolveResult{}, err
	}
	if in.ID == "" || in.BuyerID == "" || in.SellerID == "" {
		return ResolveResult{}, opErr(op, ErrInvalidInput, "missing id")
	}
	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.blockedLocked(in.BuyerID, in.SellerID) {
		return ResolveResult{}, opErr(op, ErrBlocked, "")
	}

	key := memConvKey{subject: in.Subject, buyerID: in.BuyerID, sellerID: in.SellerID}
	if id, ok := s.byKey[key]; ok {
		return ResolveResult{Conversation: s.convs[id].conv}, nil
	}

	c := Conversation{
		ID:        in.ID,
		Subject:   in.Subject,
		BuyerID:   in.BuyerID,
		SellerID:  in.SellerID,
		CreatedAt: now.UTC(),
		UpdatedAt: now.UTC(),
	}
	s.convs[c.ID] = &memConv{conv: c, dedupe: make(map[string]int)}
	s.byKey[key] = c.ID
	return ResolveResult{Conversation: c, Created: true}, nil
}

func (s *InMemoryStore) GetConversation(ctx context.Context, conversationID string) (Conversation, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[conversationID]
	if !ok {
		return Conversation{}, opErr("chat.InMemoryStore.GetConversation", ErrConversationNotFound, "")
	}
	return c.conv, nil
}

func (s *InMemoryStore) ListConversations(ctx context.Context, in ListConversationsParams) ([]ConversationSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit := clampLimit(in.Limit, defaultConversationLimit, maxConversationLimit)

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ConversationSummary, 0, limit)
	for _, c := range s.convs {
		if RoleOf(c.conv, in.UserID) == RoleNone {
			continue
		}
		if in.Before != nil && !conversationBefore(c.conv, *in.Before) {
			continue
		}
		out = append(out, ConversationSummary{Conversation: c.conv, Unread: c.unread(in.UserID)})
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Conversation, out[j].Conversation
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.After(b.UpdatedAt)
		}
		return a.ID > b.ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// conversationBefore reports whether c sorts strictly after cur in (updated_at DESC, id DESC) order.
func conversationBefore(c Conversation, cur ConversationCursor) bool {
	if c.UpdatedAt.Equal(cur.UpdatedAt) {
		return c.ID < cur.ID
	}
	return c.UpdatedAt.Before(cur.UpdatedAt)
}

func (s *InMemoryStore) DeleteConversation(ctx context.Context, conversationID, actorID string) (Conversation, error) {
	const op = "chat.InMemoryStore.DeleteConversation"
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[conversationID]
	if !ok {
		return Conversation{}, opErr(op, ErrConversationNotFound, "")
	}
	switch RoleOf(c.conv, actorID) {
	case RoleSeller:
	case RoleNone:
		return Conversation{}, opErr(op, ErrNotAParticipant, "")
	default:
		return Conversation{}, opErr(op, ErrNotOwner, "only the subject owner may delete a conversation")
	}

	c.msgs, c.payload, c.dedupe = nil, nil, nil
	delete(s.convs, conversationID)
	delete(s.byKey, memConvKey{subject: c.conv.Subject, buyerID: c.conv.BuyerID, sellerID: c.conv.SellerID})
	return c.conv, nil
}

func (s *InMemoryStore) AppendMessage(ctx context.Context, in AppendParams) (AppendResult, error) {
	const op = "chat.InMemoryStore.AppendMessage"
	if in.ConversationID == "" || in.SenderID == "" || in.MessageID == "" {
		return AppendResult{}, opErr(op, ErrInvalidInput, "missing id")
	}
	if err := ctx.Err(); err != nil {
		return AppendResult{}, err
	}
	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[in.ConversationID]
	if !ok {
		return AppendResult{}, opErr(op, ErrConversationNotFound, "")
	}
	if RoleOf(c.conv, in.SenderID) == RoleNone {
		return AppendResult{}, opErr(op, ErrNotAParticipant, "")
	}
	if in.ClientMsgID != "" {
		if i, ok := c.dedupe[in.ClientMsgID]; ok {
			return AppendResult{Message: c.msgs[i], Conversation: c.conv, Duplicated: true}, nil
		}
	}
	if s.blockedLocked(c.conv.BuyerID, c.conv.SellerID) {
		return AppendResult{}, opErr(op, ErrBlocked, "")
	}

	createdAt := nextCreatedAt(now, c.conv.LastMessageAt)
	c.seq++
	m := Message{
		ID:             in.MessageID,
		ConversationID: in.ConversationID,
		Seq:            c.seq,
		ClientMsgID:    in.ClientMsgID,
		SenderID:       in.SenderID,
		Content:        Decode(in.Payload),
		CreatedAt:      createdAt,
	}
	c.msgs = append(c.msgs, m)
	c.payload = append(c.payload, append([]byte(nil), in.Payload...))
	if in.ClientMsgID != "" {
		c.dedupe[in.ClientMsgID] = len(c.msgs) - 1
	}

	c.conv.LastMessageAt = createdAt
	if createdAt.After(c.conv.UpdatedAt) {
		c.conv.UpdatedAt = createdAt
	}

	return AppendResult{Message: m, Conversation: c.conv}, nil
}

func (s *InMemoryStore) ListMessages(ctx context.Context, in ListMessagesParams) (ListMessagesResult, error) {
	const op = "chat.InMemoryStore.ListMessages"
	if in.ConversationID == "" {
		return ListMessagesResult{}, opErr(op, ErrInvalidInput, "missing conversation_id")
	}
	if err := ctx.Err(); err != nil {
		return ListMessagesResult{}, err
	}
	limit := clampLimit(in.Limit, defaultHistoryLimit, maxHistoryLimit)

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[in.ConversationID]
	if !ok {
		return ListMessagesResult{}, opErr(op, ErrConversationNotFound, "")
	}

	start := 0
	if in.AfterID != "" {
		idx := c.indexOf(in.AfterID)
		if idx < 0 {
			return ListMessagesResult{}, opErr(op, ErrMessageNotFound, "unknown after_id")
		}
		start = idx + 1
	}

	end := start + limit + 1
	if end > len(c.msgs) {
		end = len(c.msgs)
	}
	out := append([]Message(nil), c.msgs[start:end]...)

	hasMore := len(out) > limit
	if hasMore {
		out = out[:limit]
	}
	return ListMessagesResult{Messages: out, HasMore: hasMore}, nil
}

func (s *InMemoryStore) SoftDeleteMessage(ctx context.Context, in SoftDeleteParams) (SoftDeleteResult, error) {
	const op = "chat.InMemoryStore.SoftDeleteMessage"
	if err := ctx.Err(); err != nil {
		return SoftDeleteResult{}, err
	}
	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[in.ConversationID]
	if !ok {
		return SoftDeleteResult{}, opErr(op, ErrConversationNotFound, "")
	}
	idx := c.indexOf(in.MessageID)
	if idx < 0 {
		return SoftDeleteResult{}, opErr(op, ErrMessageNotFound, "")
	}
	m := c.msgs[idx]
	if m.SenderID != in.ActorID {
		return SoftDeleteResult{}, opErr(op, ErrNotSender, "")
	}
	if m.Deleted() {
		return SoftDeleteResult{Message: m}, nil
	}

	at := now.UTC()
	m.DeletedAt = &at
	m = tombstone(m)
	c.msgs[idx] = m
	c.payload[idx] = tombstonePayload
	return SoftDeleteResult{Message: m, Changed: true}, nil
}

func (s *InMemoryStore) LastMessageFrom(ctx context.Context, conversationID, senderID string) (Message, bool, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[conversationID]
	if !ok {
		return Message{}, false, opErr("chat.InMemoryStore.LastMessageFrom", ErrConversationNotFound, "")
	}
	for i := len(c.msgs) - 1; i >= 0; i-- {
		m := c.msgs[i]
		if m.SenderID == senderID && !m.Deleted() {
			return m, true, nil
		}
	}
	return Message{}, false, nil
}

func (s *InMemoryStore) MarkRead(ctx context.Context, conversationID, readerID string) (int, error) {
	const op = "chat.InMemoryStore.MarkRead"
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[conversationID]
	if !ok {
		return 0, opErr(op, ErrConversationNotFound, "")
	}
	if RoleOf(c.conv, readerID) == RoleNone {
		return 0, opErr(op, ErrNotAParticipant, "")
	}

	n := 0
	for i := range c.msgs {
		if c.msgs[i].SenderID != readerID && !c.msgs[i].IsRead && !c.msgs[i].Deleted() {
			c.msgs[i].IsRead = true
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) UnreadCount(ctx context.Context, conversationID, viewerID string) (int, error) {
	const op = "chat.InMemoryStore.UnreadCount"
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[conversationID]
	if !ok {
		return 0, opErr(op, ErrConversationNotFound, "")
	}
	if RoleOf(c.conv, viewerID) == RoleNone {
		return 0, opErr(op, ErrNotAParticipant, "")
	}
	return c.unread(viewerID), nil
}

func (s *InMemoryStore) SetMuted(ctx context.Context, conversationID, actorID string, muted bool) (Conversation, error) {
	const op = "chat.InMemoryStore.SetMuted"
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[conversationID]
	if !ok {
		return Conversation{}, opErr(op, ErrConversationNotFound, "")
	}
	role := RoleOf(c.conv, actorID)
	if role == RoleNone {
		return Conversation{}, opErr(op, ErrNotAParticipant, "")
	}
	c.conv = c.conv.withMuted(role, muted)
	return c.conv, nil
}

func (s *InMemoryStore) UpsertBlock(ctx context.Context, b Block) (Block, error) {
	if err := ctx.Err(); err != nil {
		return Block{}, err
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := memBlockKey{blocker: b.BlockerID, blocked: b.BlockedID}
	if existing, ok := s.blocks[key]; ok {
		if b.Reason != "" {
			existing.Reason = b.Reason
			s.blocks[key] = existing
		}
		return existing, nil
	}
	s.blocks[key] = b
	return b, nil
}

func (s *InMemoryStore) DeleteBlock(ctx context.Context, blockerID, blockedID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.blocks, memBlockKey{blocker: blockerID, blocked: blockedID})
	s.mu.Unlock()
	return nil
}

func (s *InMemoryStore) IsBlocked(ctx context.Context, a, b string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blockedLocked(a, b), nil
}

func (s *InMemoryStore) blockedLocked(a, b string) bool {
	if _, ok := s.blocks[memBlockKey{blocker: a, blocked: b}]; ok {
		return true
	}
	_, ok := s.blocks[memBlockKey{blocker: b, blocked: a}]
	return ok
}

func (c *memConv) indexOf(messageID string) int {
	for i := len(c.msgs) - 1; i >= 0; i-- {
		if c.msgs[i].ID == messageID {
			return i
		}
	}
	return -1
}

func (c *memConv) unread(viewerID string) int {
	n := 0
	for _, m := range c.msgs {
		if m.SenderID != viewerID && !m.IsRead && !m.Deleted() {
			n++
		}
	}
	return n
}
