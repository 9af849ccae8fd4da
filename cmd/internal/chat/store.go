package chat

import (
	"context"
	"time"
)

// Store persists conversations, messages and blocks.
//
// Requirements every implementation honors:
//   - At most one conversation per (subject, buyer, seller); a lost insert race is read back.
//   - AppendMessage checks participants and blocks and bumps the conversation in one transaction.
//   - Idempotency per (conversation_id, client_msg_id) when a client id is given.
//     The service passes the message id when the sender gave none.
//   - Strictly increasing seq and createdAt per conversation; history ordered by seq ASC.
//   - ListMessages never mutates is_read.
type Store interface {
	ResolveConversation(ctx context.Context, in ResolveParams) (ResolveResult, error)
	GetConversation(ctx context.Context, conversationID string) (Conversation, error)
	ListConversations(ctx context.Context, in ListConversationsParams) ([]ConversationSummary, error)
	DeleteConversation(ctx context.Context, conversationID, actorID string) (Conversation, error)

	AppendMessage(ctx context.Context, in AppendParams) (AppendResult, error)
	ListMessages(ctx context.Context, in ListMessagesParams) (ListMessagesResult, error)
	SoftDeleteMessage(ctx context.Context, in SoftDeleteParams) (SoftDeleteResult, error)
	LastMessageFrom(ctx context.Context, conversationID, senderID string) (Message, bool, error)

	MarkRead(ctx context.Context, conversationID, readerID string) (int, error)
	UnreadCount(ctx context.Context, conversationID, viewerID string) (int, error)

	SetMuted(ctx context.Context, conversationID, actorID string, muted bool) (Conversation, error)
	UpsertBlock(ctx context.Context, b Block) (Block, error)
	DeleteBlock(ctx context.Context, blockerID, blockedID string) error
	IsBlocked(ctx context.Context, a, b string) (bool, error)

	Close() error
}

// ResolveParams identifies the conversation to find or create.
type ResolveParams struct {
	// ID is used only when a new row is inserted.
	ID       string
	Subject  SubjectRef
	BuyerID  string
	SellerID string
	Now      time.Time
}

// ResolveResult is the resolved conversation and how it was obtained.
type ResolveResult struct {
	Conversation Conversation
	Created      bool

	// Raced is true when our insert lost to a concurrent one and the winner was read back.
	Raced bool
}

// ListConversationsParams pages a user's conversations by recency.
type ListConversationsParams struct {
	UserID string
	Before *ConversationCursor
	Limit  int
}

// AppendParams describes a message append request.
type AppendParams struct {
	MessageID      string
	ConversationID string
	SenderID       string
	ClientMsgID    string
	Kind           Kind
	Payload        []byte
	Now            time.Time
}

// AppendResult is the append operation result.
type AppendResult struct {
	Message      Message
	Conversation Conversation
	Duplicated   bool
}

// ListMessagesParams describes a history window.
type ListMessagesParams struct {
	ConversationID string
	AfterID        string
	Limit          int
}

// ListMessagesResult contains the retrieved history window.
type ListMessagesResult struct {
	Messages []Message
	HasMore  bool
}

// SoftDeleteParams identifies a message to tombstone.
type SoftDeleteParams struct {
	ConversationID string
	MessageID      string
	ActorID        string
	Now            time.Time
}

// SoftDeleteResult reports the tombstone and whether this call created it.
type SoftDeleteResult struct {
	Message Message
	Changed bool
}

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200

	defaultConversationLimit = 30
	maxConversationLimit     = 100
)

func clampLimit(v, def, max int) int {
	if v <= 0 {
		return def
	}
	if v > max {
		return max
	}
	return v
}

var tombstonePayload = []byte(`{"kind":"text","text":""}`)

// tombstone blanks a deleted message's content while keeping its position.
func tombstone(m Message) Message {
	m.Content = Content{Kind: KindText}
	return m
}
