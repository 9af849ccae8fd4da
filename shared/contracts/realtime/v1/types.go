// Package v1 defines the bazaar realtime protocol v1 contract.
//
// The package is dependency-free and shared between the server, the HTTP API
// and clients so the wire shapes stay authoritative in one place.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the websocket subprotocol clients must offer.
const Subprotocol = "bazaar.realtime.v1"

// Type constants (wire-stable).
const (
	// TypeHello starts a session handshake (client -> server).
	TypeHello = "hello"
	// TypeHelloAck acknowledges the session handshake (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeConversationJoin subscribes to a conversation (client -> server) and is echoed back.
	TypeConversationJoin = "conversation_join"
	// TypeConversationLeave drops a subscription (client -> server) and is echoed back.
	TypeConversationLeave = "conversation_leave"

	// TypeMessageSend requests sending a new message (client -> server).
	TypeMessageSend = "message_send"
	// TypeMessageAck acknowledges a send request (server -> sender).
	TypeMessageAck = "message_ack"
	// TypeMessageNew broadcasts a newly stored message (server -> subscribers).
	TypeMessageNew = "message_new"
	// TypeMessageDeleted broadcasts a tombstoned message (server -> subscribers).
	TypeMessageDeleted = "message_deleted"

	// TypeMarkRead marks the counterpart's messages read (client -> server).
	TypeMarkRead = "mark_read"
	// TypeConversationRead broadcasts a read receipt (server -> subscribers).
	TypeConversationRead = "conversation_read"
	// TypeConversationUpdated broadcasts changed conversation flags (server -> subscribers).
	TypeConversationUpdated = "conversation_updated"
	// TypeConversationDeleted broadcasts a removed conversation (server -> subscribers).
	TypeConversationDeleted = "conversation_deleted"

	// TypeConversationHistoryFetch requests conversation history (client -> server).
	TypeConversationHistoryFetch = "conversation_history_fetch"
	// TypeConversationHistoryChunk returns a window of history (server -> client).
	TypeConversationHistoryChunk = "conversation_history_chunk"

	// TypeSubscriptionEvicted tells a slow client it stopped receiving a conversation.
	TypeSubscriptionEvicted = "subscription_evicted"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	ConvID  string          `json:"conv_id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeHelloAck,
		TypeConversationJoin,
		TypeConversationLeave,
		TypeMessageSend,
		TypeMessageAck,
		TypeMessageNew,
		TypeMessageDeleted,
		TypeMarkRead,
		TypeConversationRead,
		TypeConversationUpdated,
		TypeConversationDeleted,
		TypeConversationHistoryFetch,
		TypeConversationHistoryChunk,
		TypeSubscriptionEvicted,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// Error codes shared by the HTTP API and the websocket protocol.
const (
	CodeInvalidInput         = "invalid_input"
	CodeSelfConversation     = "self_conversation"
	CodeBlocked              = "blocked"
	CodeConversationNotFound = "conversation_not_found"
	CodeMessageNotFound      = "message_not_found"
	CodeNotAParticipant      = "not_a_participant"
	CodeNotSender            = "not_sender"
	CodeNotOwner             = "not_owner"
	CodeEmptyContent         = "empty_content"
	CodeMissingMedia         = "missing_media"
	CodeStorageUnavailable   = "storage_unavailable"
	CodeConflict             = "conflict"
	CodeRateLimited          = "rate_limited"
	CodeUnauthenticated      = "unauthenticated"
	CodeInternal             = "internal"
)

// ---- Shared shapes ----

// Content is the tagged message content.
type Content struct {
	Kind            string   `json:"kind"`
	Text            string   `json:"text,omitempty"`
	URL             string   `json:"url,omitempty"`
	Latitude        *float64 `json:"latitude,omitempty"`
	Longitude       *float64 `json:"longitude,omitempty"`
	Label           string   `json:"label,omitempty"`
	DurationSeconds int      `json:"duration_seconds,omitempty"`
}

// Message is a stored message as seen on the wire.
type Message struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	Seq            int64      `json:"seq"`
	ClientMsgID    string     `json:"client_msg_id,omitempty"`
	SenderID       string     `json:"sender_id"`
	Content        Content    `json:"content"`
	IsRead         bool       `json:"is_read"`
	CreatedAt      time.Time  `json:"created_at"`
	DeletedAt      *time.Time `json:"deleted_at,omitempty"`
}

// Conversation is a conversation as seen on the wire.
type Conversation struct {
	ID            string     `json:"id"`
	SubjectKind   string     `json:"subject_kind"`
	SubjectID     string     `json:"subject_id"`
	BuyerID       string     `json:"buyer_id"`
	SellerID      string     `json:"seller_id"`
	BuyerMuted    bool       `json:"buyer_muted"`
	SellerMuted   bool       `json:"seller_muted"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
}

// ---- Payloads ----

// HelloPayload is sent by the client to initiate a session. Token is required
// unless the upgrade request was already authenticated.
type HelloPayload struct {
	Token string `json:"token,omitempty"`
}

// HelloAckPayload carries the session and the verified caller.
type HelloAckPayload struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

// ConversationJoinPayload requests a subscription to a conversation.
type ConversationJoinPayload struct {
	ConversationID string `json:"conversation_id"`
}

// ConversationLeavePayload drops a subscription.
type ConversationLeavePayload struct {
	ConversationID string `json:"conversation_id"`
}

// MessageSendPayload requests sending a message into a conversation.
type MessageSendPayload struct {
	ConversationID string  `json:"conversation_id"`
	ClientMsgID    string  `json:"client_msg_id"`
	Content        Content `json:"content"`
}

// MessageAckPayload acknowledges a send request with the canonical server ids.
type MessageAckPayload struct {
	ConversationID string    `json:"conversation_id"`
	ClientMsgID    string    `json:"client_msg_id"`
	MessageID      string    `json:"message_id"`
	Seq            int64     `json:"seq"`
	CreatedAt      time.Time `json:"created_at"`
	Duplicated     bool      `json:"duplicated,omitempty"`
}

// MarkReadPayload asks the server to mark the counterpart's messages read.
type MarkReadPayload struct {
	ConversationID string `json:"conversation_id"`
}

// ConversationReadPayload is broadcast after a reader flipped messages to read.
type ConversationReadPayload struct {
	ConversationID string    `json:"conversation_id"`
	ReaderID       string    `json:"reader_id"`
	Count          int       `json:"count"`
	At             time.Time `json:"at"`
}

// ConversationDeletedPayload is broadcast when the owner removed a conversation.
type ConversationDeletedPayload struct {
	ConversationID string `json:"conversation_id"`
}

// ConversationHistoryFetchPayload requests a history window for a conversation.
type ConversationHistoryFetchPayload struct {
	ConversationID string `json:"conversation_id"`
	AfterID        string `json:"after_id,omitempty"`
	Limit          int    `json:"limit,omitempty"`
}

// ConversationHistoryChunkPayload returns messages for a history fetch request.
type ConversationHistoryChunkPayload struct {
	ConversationID string    `json:"conversation_id"`
	Messages       []Message `json:"messages"`
	HasMore        bool      `json:"has_more"`
}

// SubscriptionEvictedPayload tells the client to resync the conversation with a history fetch.
type SubscriptionEvictedPayload struct {
	ConversationID string `json:"conversation_id"`
	Reason         string `json:"reason"`
}

// ErrorPayload is a generic error response payload. RefID echoes the request envelope id.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	RefID   string `json:"ref_id,omitempty"`
}
