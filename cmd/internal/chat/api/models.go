package chatapi

import (
	"time"

	"bazaar/cmd/internal/chat"
	v1 "bazaar/shared/contracts/realtime/v1"
)

type resolveRequest struct {
	SubjectKind   string `json:"subject_kind"`
	SubjectID     string `json:"subject_id"`
	CounterpartID string `json:"counterpart_id"`
}

type appendRequest struct {
	ClientMsgID string     `json:"client_msg_id,omitempty"`
	Content     v1.Content `json:"content"`
}

type muteRequest struct {
	ConversationID string `json:"conversation_id"`
	Muted          bool   `json:"muted"`
}

type blockRequest struct {
	TargetID string `json:"target_id"`
	Reason   string `json:"reason,omitempty"`
}

type unblockRequest struct {
	TargetID string `json:"target_id"`
}

type subjectResponse struct {
	Title        string   `json:"title"`
	ThumbnailURL string   `json:"thumbnail_url,omitempty"`
	Price        *float64 `json:"price,omitempty"`
	Currency     string   `json:"currency,omitempty"`
}

type conversationResponse struct {
	v1.Conversation

	Role    string           `json:"role"`
	Unread  int              `json:"unread"`
	Seen    bool             `json:"seen"`
	Blocked bool             `json:"blocked"`
	Subject *subjectResponse `json:"subject,omitempty"`

	CounterpartOnline   *bool      `json:"counterpart_online,omitempty"`
	CounterpartLastSeen *time.Time `json:"counterpart_last_seen,omitempty"`
}

type cursorResponse struct {
	BeforeUpdatedAt time.Time `json:"before_updated_at"`
	BeforeID        string    `json:"before_id"`
}

type conversationListResponse struct {
	Conversations []conversationResponse `json:"conversations"`
	Next          *cursorResponse        `json:"next,omitempty"`
}

type resolveResponse struct {
	Conversation v1.Conversation `json:"conversation"`
}

type messageListResponse struct {
	Messages []v1.Message `json:"messages"`
	HasMore  bool         `json:"has_more"`
}

type appendResponse struct {
	Message    v1.Message `json:"message"`
	Duplicated bool       `json:"duplicated"`
}

type markReadResponse struct {
	Marked int `json:"marked"`
}

type unreadResponse struct {
	Unread int `json:"unread"`
}

type blockResponse struct {
	BlockerID string    `json:"blocker_id"`
	BlockedID string    `json:"blocked_id"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func toConversationResponse(v chat.ConversationView) conversationResponse {
	out := conversationResponse{
		Conversation: v.Conversation.Wire(),
		Role:         v.Role.String(),
		Unread:       v.Unread,
		Seen:         v.Seen,
		Blocked:      v.Blocked,
	}
	if v.Subject != nil {
		out.Subject = &subjectResponse{
			Title:        v.Subject.Title,
			ThumbnailURL: v.Subject.ThumbnailURL,
			Price:        v.Subject.Price,
			Currency:     v.Subject.Currency,
		}
	}
	return out
}

func toBlockResponse(b chat.Block) blockResponse {
	return blockResponse{
		BlockerID: b.BlockerID,
		BlockedID: b.BlockedID,
		Reason:    b.Reason,
		CreatedAt: b.CreatedAt,
	}
}
