package chat

import (
	"strings"
	"time"
)

// SubjectKind names what a conversation is about.
type SubjectKind string

const (
	SubjectListing SubjectKind = "listing"
	SubjectTrade   SubjectKind = "trade"
)

// SubjectRef points at exactly one listing or trade in the catalog.
type SubjectRef struct {
	Kind SubjectKind `json:"kind"`
	ID   string      `json:"id"`
}

// Validate checks the kind is known and the id is present.
func (r SubjectRef) Validate() error {
	switch r.Kind {
	case SubjectListing, SubjectTrade:
	default:
		return opErr("chat.SubjectRef", ErrInvalidInput, "unknown subject kind")
	}
	if strings.TrimSpace(r.ID) == "" {
		return opErr("chat.SubjectRef", ErrInvalidInput, "missing subject id")
	}
	return nil
}

func (r SubjectRef) String() string { return string(r.Kind) + ":" + r.ID }

// Role is the position a user occupies in a conversation.
type Role uint8

const (
	RoleNone Role = iota
	RoleBuyer
	RoleSeller
)

func (r Role) String() string {
	switch r {
	case RoleBuyer:
		return "buyer"
	case RoleSeller:
		return "seller"
	default:
		return "none"
	}
}

// Conversation is the unique channel between a buyer and a seller about one subject.
type Conversation struct {
	ID          string
	Subject     SubjectRef
	BuyerID     string
	SellerID    string
	BuyerMuted  bool
	SellerMuted bool
	CreatedAt   time.Time
	UpdatedAt   time.Time

	// LastMessageAt is the createdAt of the newest message; zero for an empty conversation.
	LastMessageAt time.Time
}

// RoleOf is the single place that decides which side of c the user is on.
// Every role-scoped behavior (mute flag, notification recipient, presence
// counterpart, delete rights) goes through it.
func RoleOf(c Conversation, userID string) Role {
	switch {
	case userID == "":
		return RoleNone
	case userID == c.BuyerID:
		return RoleBuyer
	case userID == c.SellerID:
		return RoleSeller
	default:
		return RoleNone
	}
}

// Counterpart returns the other participant, or false when userID is not a participant.
func (c Conversation) Counterpart(userID string) (string, bool) {
	switch RoleOf(c, userID) {
	case RoleBuyer:
		return c.SellerID, true
	case RoleSeller:
		return c.BuyerID, true
	default:
		return "", false
	}
}

// MutedFor reports the mute flag owned by userID.
func (c Conversation) MutedFor(userID string) bool {
	switch RoleOf(c, userID) {
	case RoleBuyer:
		return c.BuyerMuted
	case RoleSeller:
		return c.SellerMuted
	default:
		return false
	}
}

// withMuted returns c with the flag owned by role set to muted.
func (c Conversation) withMuted(role Role, muted bool) Conversation {
	switch role {
	case RoleBuyer:
		c.BuyerMuted = muted
	case RoleSeller:
		c.SellerMuted = muted
	}
	return c
}

// Message is one persisted entry of a conversation.
// Only IsRead changes after insert, plus the sender's own soft delete.
type Message struct {
	ID             string
	ConversationID string
	Seq            int64
	ClientMsgID    string
	SenderID       string
	Content        Content
	IsRead         bool
	CreatedAt      time.Time
	DeletedAt      *time.Time
}

// Deleted reports whether the message is a tombstone.
func (m Message) Deleted() bool { return m.DeletedAt != nil }

// Block records that BlockerID blocked BlockedID. The effect is symmetric.
type Block struct {
	BlockerID string
	BlockedID string
	Reason    string
	CreatedAt time.Time
}

// ConversationSummary is a conversation as seen by one participant in a list.
type ConversationSummary struct {
	Conversation Conversation
	Unread       int
}

// ConversationCursor pages a recency-ordered conversation list.
type ConversationCursor struct {
	UpdatedAt time.Time
	ID        string
}

// nextCreatedAt keeps createdAt strictly increasing inside a conversation so
// that (createdAt, id) order always equals insertion order.
func nextCreatedAt(now, last time.Time) time.Time {
	now = now.UTC().Truncate(time.Microsecond)
	if last.IsZero() {
		return now
	}
	floor := last.UTC().Truncate(time.Microsecond).Add(time.Microsecond)
	if now.Before(floor) {
		return floor
	}
	return now
}
