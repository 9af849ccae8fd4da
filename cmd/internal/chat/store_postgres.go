package chat

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
//   - Appends lock the conversation row (SELECT ... FOR UPDATE), which serializes
//     seq allocation and the updated_at bump per conversation only.
//   - Resolve relies on partial unique indexes plus ON CONFLICT DO NOTHING and a
//     read-back; it never takes an explicit lock.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string

	conversations string
	messages      string
	blocks        string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "bazaar").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("chat: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("chat: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "bazaar",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("chat: nil pool")
	}
	st.conversations = pgIdent(st.schema, "conversations")
	st.messages = pgIdent(st.schema, "messages")
	st.blocks = pgIdent(st.schema, "blocks")
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

const conversationCols = `id, listing_id, trade_id, buyer_id, seller_id, buyer_muted, seller_muted, last_message_at, created_at, updated_at`

const messageCols = `id, conversation_id, seq, client_msg_id, sender_id, payload, is_read, created_at, deleted_at`

func (s *PostgresStore) begin(ctx context.Context) (pgx.Tx, error) {
	return s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
}

func (s *PostgresStore) ResolveConversation(ctx context.Context, in ResolveParams) (ResolveResult, error) {
	const op = "chat.PostgresStore.ResolveConversation"
	if in.ID == "" || in.BuyerID == "" || in.SellerID == "" {
		return ResolveResult{}, opErr(op, ErrInvalidInput, "missing id")
	}
	col, err := subjectColumn(in.Subject.Kind)
	if err != nil {
		return ResolveResult{}, err
	}
	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	tx, err := s.begin(ctx)
	if err != nil {
		return ResolveResult{}, classifyPGError(op, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	blocked, err := s.isBlocked(ctx, tx, in.BuyerID, in.SellerID)
	if err != nil {
		return ResolveResult{}, classifyPGError(op, err)
	}
	if blocked {
		return ResolveResult{}, opErr(op, ErrBlocked, "")
	}

	lookup := `SELECT ` + conversationCols + ` FROM ` + s.conversations +
		` WHERE ` + col + ` = $1 AND buyer_id = $2 AND seller_id = $3`

	existing, err := scanConversation(tx.QueryRow(ctx, lookup, in.Subject.ID, in.BuyerID, in.SellerID))
	if err == nil {
		if err := tx.Commit(ctx); err != nil {
			return ResolveResult{}, classifyPGError(op, err)
		}
		return ResolveResult{Conversation: existing}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return ResolveResult{}, classifyPGError(op, err)
	}

	created, err := scanConversation(tx.QueryRow(ctx,
		`INSERT INTO `+s.conversations+` (id, `+col+`, buyer_id, seller_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $5)
		 ON CONFLICT DO NOTHING
		 RETURNING `+conversationCols,
		in.ID, in.Subject.ID, in.BuyerID, in.SellerID, now.UTC(),
	))
	if err == nil {
		if err := tx.Commit(ctx); err != nil {
			return ResolveResult{}, classifyPGError(op, err)
		}
		return ResolveResult{Conversation: created, Created: true}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return ResolveResult{}, classifyPGError(op, err)
	}

	// A concurrent resolve won the insert. Under READ COMMITTED the next
	// statement sees the committed winner.
	winner, err := scanConversation(tx.QueryRow(ctx, lookup, in.Subject.ID, in.BuyerID, in.SellerID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ResolveResult{}, unavailable(op, errors.New("conflicting conversation vanished"))
		}
		return ResolveResult{}, classifyPGError(op, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return ResolveResult{}, classifyPGError(op, err)
	}
	return ResolveResult{Conversation: winner, Raced: true}, nil
}

func (s *PostgresStore) GetConversation(ctx context.Context, conversationID string) (Conversation, error) {
	const op = "chat.PostgresStore.GetConversation"
	c, err := scanConversation(s.pool.QueryRow(ctx,
		`SELECT `+conversationCols+` FROM `+s.conversations+` WHERE id = $1`, conversationID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, opErr(op, ErrConversationNotFound, "")
	}
	if err != nil {
		return Conversation{}, classifyPGError(op, err)
	}
	return c, nil
}

func (s *PostgresStore) ListConversations(ctx context.Context, in ListConversationsParams) ([]ConversationSummary, error) {
	const op = "chat.PostgresStore.ListConversations"
	limit := clampLimit(in.Limit, defaultConversationLimit, maxConversationLimit)

	q := `SELECT ` + prefixCols("c", conversationCols) + `,
	             (SELECT count(*) FROM ` + s.messages + ` m
	               WHERE m.conversation_id = c.id AND m.sender_id <> $1
	                 AND NOT m.is_read AND m.deleted_at IS NULL) AS unread
	        FROM ` + s.conversations + ` c
	       WHERE (c.buyer_id = $1 OR c.seller_id = $1)`
	args := []any{in.UserID, limit}
	if in.Before != nil {
		q += ` AND (c.updated_at, c.id) < ($3, $4)`
		args = append(args, in.Before.UpdatedAt.UTC(), in.Before.ID)
	}
	q += ` ORDER BY c.updated_at DESC, c.id DESC LIMIT $2`

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, classifyPGError(op, err)
	}
	defer rows.Close()

	out := make([]ConversationSummary, 0, limit)
	for rows.Next() {
		var (
			sum    ConversationSummary
			unread int64
		)
		c, err := scanConversationWith(rows, &unread)
		if err != nil {
			return nil, classifyPGError(op, err)
		}
		sum.Conversation = c
		sum.Unread = int(unread)
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPGError(op, err)
	}
	return out, nil
}

func (s *PostgresStore) DeleteConversation(ctx context.Context, conversationID, actorID string) (Conversation, error) {
	const op = "chat.PostgresStore.DeleteConversation"

	tx, err := s.begin(ctx)
	if err != nil {
		return Conversation{}, classifyPGError(op, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	c, err := s.lockConversation(ctx, tx, op, conversationID)
	if err != nil {
		return Conversation{}, err
	}
	switch RoleOf(c, actorID) {
	case RoleSeller:
	case RoleNone:
		return Conversation{}, opErr(op, ErrNotAParticipant, "")
	default:
		return Conversation{}, opErr(op, ErrNotOwner, "only the subject owner may delete a conversation")
	}

	// Messages first: they reference the conversation row.
	if _, err := tx.Exec(ctx, `DELETE FROM `+s.messages+` WHERE conversation_id = $1`, conversationID); err != nil {
		return Conversation{}, classifyPGError(op, err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM `+s.conversations+` WHERE id = $1`, conversationID); err != nil {
		return Conversation{}, classifyPGError(op, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Conversation{}, classifyPGError(op, err)
	}
	return c, nil
}

func (s *PostgresStore) AppendMessage(ctx context.Context, in AppendParams) (AppendResult, error) {
	const op = "chat.PostgresStore.AppendMessage"
	if in.ConversationID == "" || in.SenderID == "" || in.MessageID == "" {
		return AppendResult{}, opErr(op, ErrInvalidInput, "missing id")
	}
	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	tx, err := s.begin(ctx)
	if err != nil {
		return AppendResult{}, classifyPGError(op, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	c, err := s.lockConversation(ctx, tx, op, in.ConversationID)
	if err != nil {
		return AppendResult{}, err
	}
	if RoleOf(c, in.SenderID) == RoleNone {
		return AppendResult{}, opErr(op, ErrNotAParticipant, "")
	}

	if in.ClientMsgID != "" {
		existing, err := scanMessage(tx.QueryRow(ctx,
			`SELECT `+messageCols+` FROM `+s.messages+` WHERE conversation_id = $1 AND client_msg_id = $2`,
			in.ConversationID, in.ClientMsgID,
		))
		if err == nil {
			if err := tx.Commit(ctx); err != nil {
				return AppendResult{}, classifyPGError(op, err)
			}
			return AppendResult{Message: existing, Conversation: c, Duplicated: true}, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return AppendResult{}, classifyPGError(op, err)
		}
	}

	blocked, err := s.isBlocked(ctx, tx, c.BuyerID, c.SellerID)
	if err != nil {
		return AppendResult{}, classifyPGError(op, err)
	}
	if blocked {
		return AppendResult{}, opErr(op, ErrBlocked, "")
	}

	createdAt := nextCreatedAt(now, c.LastMessageAt)

	var seq int64
	if err := tx.QueryRow(ctx,
		`UPDATE `+s.conversations+`
		    SET next_seq = next_seq + 1,
		        last_message_at = $2,
		        updated_at = GREATEST(updated_at, $2)
		  WHERE id = $1
		RETURNING (next_seq - 1), updated_at`,
		in.ConversationID, createdAt,
	).Scan(&seq, &c.UpdatedAt); err != nil {
		return AppendResult{}, classifyPGError(op, err)
	}
	c.LastMessageAt = createdAt

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+s.messages+` (
		     id, conversation_id, seq, client_msg_id, sender_id, kind, payload, created_at
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		in.MessageID, in.ConversationID, seq, nullIfEmpty(in.ClientMsgID), in.SenderID,
		string(in.Kind), string(in.Payload), createdAt,
	); err != nil {
		return AppendResult{}, classifyPGError(op, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return AppendResult{}, classifyPGError(op, err)
	}

	return AppendResult{
		Message: Message{
			ID:             in.MessageID,
			ConversationID: in.ConversationID,
			Seq:            seq,
			ClientMsgID:    in.ClientMsgID,
			SenderID:       in.SenderID,
			Content:        Decode(in.Payload),
			CreatedAt:      createdAt,
		},
		Conversation: c,
	}, nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, in ListMessagesParams) (ListMessagesResult, error) {
	const op = "chat.PostgresStore.ListMessages"
	if in.ConversationID == "" {
		return ListMessagesResult{}, opErr(op, ErrInvalidInput, "missing conversation_id")
	}
	limit := clampLimit(in.Limit, defaultHistoryLimit, maxHistoryLimit)
	fetch := limit + 1

	var afterSeq int64
	if in.AfterID != "" {
		err := s.pool.QueryRow(ctx,
			`SELECT seq FROM `+s.messages+` WHERE conversation_id = $1 AND id = $2`,
			in.ConversationID, in.AfterID,
		).Scan(&afterSeq)
		if errors.Is(err, pgx.ErrNoRows) {
			return ListMessagesResult{}, opErr(op, ErrMessageNotFound, "unknown after_id")
		}
		if err != nil {
			return ListMessagesResult{}, classifyPGError(op, err)
		}
	}

	// seq order equals (created_at, id) order because created_at is strictly increasing per conversation.
	rows, err := s.pool.Query(ctx,
		`SELECT `+messageCols+`
		   FROM `+s.messages+`
		  WHERE conversation_id = $1 AND seq > $2
		  ORDER BY seq ASC
		  LIMIT $3`,
		in.ConversationID, afterSeq, fetch,
	)
	if err != nil {
		return ListMessagesResult{}, classifyPGError(op, err)
	}
	defer rows.Close()

	msgs := make([]Message, 0, fetch)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return ListMessagesResult{}, classifyPGError(op, err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return ListMessagesResult{}, classifyPGError(op, err)
	}

	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}
	return ListMessagesResult{Messages: msgs, HasMore: hasMore}, nil
}

func (s *PostgresStore) SoftDeleteMessage(ctx context.Context, in SoftDeleteParams) (SoftDeleteResult, error) {
	const op = "chat.PostgresStore.SoftDeleteMessage"
	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	tx, err := s.begin(ctx)
	if err != nil {
		return SoftDeleteResult{}, classifyPGError(op, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	m, err := scanMessage(tx.QueryRow(ctx,
		`SELECT `+messageCols+` FROM `+s.messages+` WHERE conversation_id = $1 AND id = $2 FOR UPDATE`,
		in.ConversationID, in.MessageID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return SoftDeleteResult{}, opErr(op, ErrMessageNotFound, "")
	}
	if err != nil {
		return SoftDeleteResult{}, classifyPGError(op, err)
	}
	if m.SenderID != in.ActorID {
		return SoftDeleteResult{}, opErr(op, ErrNotSender, "")
	}
	if m.Deleted() {
		return SoftDeleteResult{Message: m}, nil
	}

	m, err = scanMessage(tx.QueryRow(ctx,
		`UPDATE `+s.messages+`
		    SET deleted_at = $3, kind = $4, payload = $5
		  WHERE conversation_id = $1 AND id = $2
		RETURNING `+messageCols,
		in.ConversationID, in.MessageID, now.UTC(), string(KindText), string(tombstonePayload),
	))
	if err != nil {
		return SoftDeleteResult{}, classifyPGError(op, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return SoftDeleteResult{}, classifyPGError(op, err)
	}
	return SoftDeleteResult{Message: m, Changed: true}, nil
}

func (s *PostgresStore) LastMessageFrom(ctx context.Context, conversationID, senderID string) (Message, bool, error) {
	const op = "chat.PostgresStore.LastMessageFrom"
	m, err := scanMessage(s.pool.QueryRow(ctx,
		`SELECT `+messageCols+`
		   FROM `+s.messages+`
		  WHERE conversation_id = $1 AND sender_id = $2 AND deleted_at IS NULL
		  ORDER BY seq DESC
		  LIMIT 1`,
		conversationID, senderID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, false, nil
	}
	if err != nil {
		return Message{}, false, classifyPGError(op, err)
	}
	return m, true, nil
}

func (s *PostgresStore) MarkRead(ctx context.Context, conversationID, readerID string) (int, error) {
	const op = "chat.PostgresStore.MarkRead"

	tx, err := s.begin(ctx)
	if err != nil {
		return 0, classifyPGError(op, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	c, err := scanConversation(tx.QueryRow(ctx,
		`SELECT `+conversationCols+` FROM `+s.conversations+` WHERE id = $1 FOR SHARE`, conversationID))
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, opErr(op, ErrConversationNotFound, "")
	}
	if err != nil {
		return 0, classifyPGError(op, err)
	}
	if RoleOf(c, readerID) == RoleNone {
		return 0, opErr(op, ErrNotAParticipant, "")
	}

	tag, err := tx.Exec(ctx,
		`UPDATE `+s.messages+`
		    SET is_read = true
		  WHERE conversation_id = $1 AND sender_id <> $2 AND NOT is_read AND deleted_at IS NULL`,
		conversationID, readerID,
	)
	if err != nil {
		return 0, classifyPGError(op, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, classifyPGError(op, err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) UnreadCount(ctx context.Context, conversationID, viewerID string) (int, error) {
	const op = "chat.PostgresStore.UnreadCount"
	c, err := s.GetConversation(ctx, conversationID)
	if err != nil {
		return 0, err
	}
	if RoleOf(c, viewerID) == RoleNone {
		return 0, opErr(op, ErrNotAParticipant, "")
	}

	var n int64
	if err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM `+s.messages+`
		  WHERE conversation_id = $1 AND sender_id <> $2 AND NOT is_read AND deleted_at IS NULL`,
		conversationID, viewerID,
	).Scan(&n); err != nil {
		return 0, classifyPGError(op, err)
	}
	return int(n), nil
}

func (s *PostgresStore) SetMuted(ctx context.Context, conversationID, actorID string, muted bool) (Conversation, error) {
	const op = "chat.PostgresStore.SetMuted"

	tx, err := s.begin(ctx)
	if err != nil {
		return Conversation{}, classifyPGError(op, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	c, err := s.lockConversation(ctx, tx, op, conversationID)
	if err != nil {
		return Conversation{}, err
	}

	var col string
	switch RoleOf(c, actorID) {
	case RoleBuyer:
		col = "buyer_muted"
	case RoleSeller:
		col = "seller_muted"
	default:
		return Conversation{}, opErr(op, ErrNotAParticipant, "")
	}

	c, err = scanConversation(tx.QueryRow(ctx,
		`UPDATE `+s.conversations+` SET `+col+` = $2 WHERE id = $1 RETURNING `+conversationCols,
		conversationID, muted,
	))
	if err != nil {
		return Conversation{}, classifyPGError(op, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Conversation{}, classifyPGError(op, err)
	}
	return c, nil
}

func (s *PostgresStore) UpsertBlock(ctx context.Context, b Block) (Block, error) {
	const op = "chat.PostgresStore.UpsertBlock"
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}

	var (
		out    Block
		reason *string
	)
	err := s.pool.QueryRow(ctx,
		`INSERT INTO `+s.blocks+` AS b (blocker_id, blocked_id, reason, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (blocker_id, blocked_id)
		 DO UPDATE SET reason = COALESCE(EXCLUDED.reason, b.reason)
		 RETURNING blocker_id, blocked_id, reason, created_at`,
		b.BlockerID, b.BlockedID, nullIfEmpty(b.Reason), b.CreatedAt.UTC(),
	).Scan(&out.BlockerID, &out.BlockedID, &reason, &out.CreatedAt)
	if err != nil {
		return Block{}, classifyPGError(op, err)
	}
	if reason != nil {
		out.Reason = *reason
	}
	return out, nil
}

func (s *PostgresStore) DeleteBlock(ctx context.Context, blockerID, blockedID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM `+s.blocks+` WHERE blocker_id = $1 AND blocked_id = $2`, blockerID, blockedID)
	return classifyPGError("chat.PostgresStore.DeleteBlock", err)
}

func (s *PostgresStore) IsBlocked(ctx context.Context, a, b string) (bool, error) {
	blocked, err := s.isBlocked(ctx, s.pool, a, b)
	if err != nil {
		return false, classifyPGError("chat.PostgresStore.IsBlocked", err)
	}
	return blocked, nil
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *PostgresStore) isBlocked(ctx context.Context, q rowQuerier, a, b string) (bool, error) {
	var blocked bool
	err := q.QueryRow(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM `+s.blocks+`
		    WHERE (blocker_id = $1 AND blocked_id = $2)
		       OR (blocker_id = $2 AND blocked_id = $1)
		 )`,
		a, b,
	).Scan(&blocked)
	return blocked, err
}

func (s *PostgresStore) lockConversation(ctx context.Context, tx pgx.Tx, op, conversationID string) (Conversation, error) {
	c, err := scanConversation(tx.QueryRow(ctx,
		`SELECT `+conversationCols+` FROM `+s.conversations+` WHERE id = $1 FOR UPDATE`, conversationID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, opErr(op, ErrConversationNotFound, "")
	}
	if err != nil {
		return Conversation{}, classifyPGError(op, err)
	}
	return c, nil
}

func scanConversation(row pgx.Row) (Conversation, error) {
	return scanConversationWith(row)
}

func scanConversationWith(row pgx.Row, extra ...any) (Conversation, error) {
	var (
		c                  Conversation
		listingID, tradeID *string
		lastMessageAt      *time.Time
	)
	dest := []any{
		&c.ID, &listingID, &tradeID, &c.BuyerID, &c.SellerID,
		&c.BuyerMuted, &c.SellerMuted, &lastMessageAt, &c.CreatedAt, &c.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return Conversation{}, err
	}
	switch {
	case listingID != nil:
		c.Subject = SubjectRef{Kind: SubjectListing, ID: *listingID}
	case tradeID != nil:
		c.Subject = SubjectRef{Kind: SubjectTrade, ID: *tradeID}
	}
	if lastMessageAt != nil {
		c.LastMessageAt = lastMessageAt.UTC()
	}
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return c, nil
}

func scanMessage(row pgx.Row) (Message, error) {
	var (
		m           Message
		clientMsgID *string
		payload     string
		deletedAt   *time.Time
	)
	if err := row.Scan(
		&m.ID,
		&m.ConversationID,
		&m.Seq,
		&clientMsgID,
		&m.SenderID,
		&payload,
		&m.IsRead,
		&m.CreatedAt,
		&deletedAt,
	); err != nil {
		return Message{}, err
	}
	if clientMsgID != nil {
		m.ClientMsgID = *clientMsgID
	}
	m.CreatedAt = m.CreatedAt.UTC()
	m.Content = Decode([]byte(payload))
	if deletedAt != nil {
		at := deletedAt.UTC()
		m.DeletedAt = &at
		m = tombstone(m)
	}
	return m, nil
}

func subjectColumn(kind SubjectKind) (string, error) {
	switch kind {
	case SubjectListing:
		return "listing_id", nil
	case SubjectTrade:
		return "trade_id", nil
	default:
		return "", opErr("chat.PostgresStore", ErrInvalidInput, "unknown subject kind")
	}
}

func prefixCols(alias, cols string) string {
	parts := strings.Split(cols, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
