package realtime

import (
	"encoding/json"
	"fmt"
	"time"

	"bazaar/cmd/internal/chat"
	v1 "bazaar/shared/contracts/realtime/v1"
)

// EventEnvelope maps a committed chat event to its wire envelope.
func EventEnvelope(ev chat.Event) (v1.Envelope, error) {
	var (
		typ     string
		payload any
	)

	switch ev.Type {
	case chat.EventMessageNew, chat.EventMessageDeleted:
		if ev.Message == nil {
			return v1.Envelope{}, fmt.Errorf("realtime: %s without message", ev.Type)
		}
		typ = v1.TypeMessageNew
		if ev.Type == chat.EventMessageDeleted {
			typ = v1.TypeMessageDeleted
		}
		payload = ev.Message.Wire()

	case chat.EventConversationRead:
		typ = v1.TypeConversationRead
		payload = v1.ConversationReadPayload{
			ConversationID: ev.ConversationID,
			ReaderID:       ev.ReaderID,
			Count:          ev.ReadCount,
			At:             ev.At,
		}

	case chat.EventConversationUpdated:
		if ev.Conversation == nil {
			return v1.Envelope{}, fmt.Errorf("realtime: %s without conversation", ev.Type)
		}
		typ = v1.TypeConversationUpdated
		payload = ev.Conversation.Wire()

	case chat.EventConversationDeleted:
		typ = v1.TypeConversationDeleted
		payload = v1.ConversationDeletedPayload{ConversationID: ev.ConversationID}

	case EventSubscriptionEvicted:
		typ = v1.TypeSubscriptionEvicted
		payload = v1.SubscriptionEvictedPayload{ConversationID: ev.ConversationID, Reason: "slow_consumer"}

	default:
		return v1.Envelope{}, fmt.Errorf("realtime: unknown event type %q", ev.Type)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return v1.Envelope{}, err
	}
	at := ev.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	env := newEnvelope(typ, raw, at)
	env.ConvID = ev.ConversationID
	return env, nil
}

func newEnvelope(typ string, payload json.RawMessage, ts time.Time) v1.Envelope {
	id, _ := NewEnvelopeID(ts)
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      id,
		TS:      ts,
		Payload: payload,
	}
}
