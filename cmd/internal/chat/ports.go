package chat

import (
	"context"
	"errors"
	"time"
)

// Subject is the catalog's description of a listing or trade.
type Subject struct {
	SellerID     string
	Title        string
	ThumbnailURL string
	Price        *float64
	Currency     string
}

// ErrSubjectNotFound is returned by a Catalog for unknown subjects.
var ErrSubjectNotFound = errors.New("subject_not_found")

// Catalog resolves a subject reference. It decides the seller role and labels
// conversations; it never gates message delivery.
type Catalog interface {
	Subject(ctx context.Context, ref SubjectRef) (Subject, error)
}

// EventType names a realtime event.
type EventType string

const (
	EventMessageNew          EventType = "message.new"
	EventMessageDeleted      EventType = "message.deleted"
	EventConversationRead    EventType = "conversation.read"
	EventConversationUpdated EventType = "conversation.updated"
	EventConversationDeleted EventType = "conversation.deleted"
)

// Event is a committed state change of one conversation.
type Event struct {
	Type           EventType
	ConversationID string
	At             time.Time

	Message      *Message
	Conversation *Conversation

	// ReaderID and ReadCount are set for EventConversationRead.
	ReaderID  string
	ReadCount int
}

// Publisher fans events out to realtime subscribers. Publish must not block on subscribers.
type Publisher interface {
	Publish(ev Event)
}

// NotificationEvent is handed to the push-notification collaborator.
type NotificationEvent struct {
	ConversationID string
	RecipientID    string
	SenderID       string
	MessageID      string
	Preview        string
}

// Notifier delivers NotificationEvents. Failures are logged and otherwise ignored.
type Notifier interface {
	Notify(ctx context.Context, ev NotificationEvent) error
}

type nopPublisher struct{}

func (nopPublisher) Publish(Event) {}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, NotificationEvent) error { return nil }
