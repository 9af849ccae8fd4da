package sendqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/coder/websocket"

	v1 "bazaar/shared/contracts/realtime/v1"
)

// WSSubscriber feeds message_new broadcasts of one conversation into a Queue.
type WSSubscriber struct {
	URL   string
	Token string
	Queue *Queue

	// OnEnvelope, when set, sees every envelope after the queue handled it.
	OnEnvelope func(v1.Envelope)
}

// Run dials, authenticates, joins the queue's conversation and observes
// broadcasts until ctx ends or the connection drops. Once the join is
// acknowledged it reconciles the queue, so messages committed while no
// subscription was live are still observed. Callers reconnect by calling Run
// again.
func (s *WSSubscriber) Run(ctx context.Context) error {
	if s.Queue == nil {
		return errors.New("sendqueue: nil queue")
	}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, resp, err := websocket.Dial(dialCtx, s.URL, &websocket.DialOptions{Subprotocols: []string{v1.Subprotocol}})
	cancel()
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("sendqueue: dial: %w", err)
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if err := writeEnvelope(ctx, conn, v1.TypeHello, "", v1.HelloPayload{Token: s.Token}); err != nil {
		return err
	}
	if err := writeEnvelope(ctx, conn, v1.TypeConversationJoin, s.Queue.conversationID, v1.ConversationJoinPayload{ConversationID: s.Queue.conversationID}); err != nil {
		return err
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("sendqueue: read: %w", err)
		}

		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}

		switch env.Type {
		case v1.TypeConversationJoin:
			if env.ConvID == s.Queue.conversationID {
				if err := s.Queue.Reconcile(ctx); err != nil {
					return err
				}
			}
		case v1.TypeMessageNew:
			var m v1.Message
			if err := json.Unmarshal(env.Payload, &m); err == nil {
				s.Queue.Observe(m)
			}
		case v1.TypeError:
			var p v1.ErrorPayload
			_ = json.Unmarshal(env.Payload, &p)
			if p.Code == v1.CodeUnauthenticated || p.Code == v1.CodeNotAParticipant {
				return &RemoteError{Code: p.Code, Message: p.Message}
			}
		case v1.TypeSubscriptionEvicted, v1.TypeConversationDeleted:
			if s.OnEnvelope != nil {
				s.OnEnvelope(env)
			}
			return fmt.Errorf("sendqueue: subscription ended: %s", env.Type)
		}

		if s.OnEnvelope != nil {
			s.OnEnvelope(env)
		}
	}
}

func writeEnvelope(ctx context.Context, conn *websocket.Conn, typ, convID string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	b, err := json.Marshal(v1.Envelope{V: v1.Version, Type: typ, ConvID: convID, TS: time.Now().UTC(), Payload: raw})
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Write(wctx, websocket.MessageText, b); err != nil {
		return fmt.Errorf("sendqueue: write %s: %w", typ, err)
	}
	return nil
}
