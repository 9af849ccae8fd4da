package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/coder/websocket"

	"bazaar/cmd/internal/auth"
	"bazaar/cmd/internal/chat"
	v1 "bazaar/shared/contracts/realtime/v1"
)

var wsTestSecret = []byte("ws-test-secret-0123456789abcdefgh")

type sellerCatalog struct{ sellerID string }

func (c sellerCatalog) Subject(context.Context, chat.SubjectRef) (chat.Subject, error) {
	return chat.Subject{SellerID: c.sellerID, Title: "Bike"}, nil
}

type wsFixture struct {
	url  string
	conv chat.Conversation
}

func newWSFixture(t *testing.T) *wsFixture {
	t.Helper()

	log := quietLogger()
	b := NewBroadcaster(log)
	t.Cleanup(b.Close)

	svc, err := chat.NewService(chat.NewInMemoryStore(), sellerCatalog{sellerID: "seller"},
		chat.WithPublisher(b),
		chat.WithLogger(log),
	)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	verifier, err := auth.NewHS256Verifier(wsTestSecret)
	if err != nil {
		t.Fatalf("NewHS256Verifier: %v", err)
	}

	cfg := DefaultGatewayConfig()
	cfg.OriginRequired = false
	gw, err := NewWSGateway(log, svc, b, cfg, WithVerifier(verifier))
	if err != nil {
		t.Fatalf("NewWSGateway: %v", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", auth.Middleware{Verifier: verifier, TrustedHeader: "X-User-ID"}.Wrap(gw))
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	conv, err := svc.Resolve(context.Background(), chat.ResolveInput{
		Subject:       chat.SubjectRef{Kind: chat.SubjectListing, ID: "listing-1"},
		InitiatorID:   "buyer",
		CounterpartID: "seller",
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	return &wsFixture{url: ts.URL, conv: conv}
}

func TestWSGateway_HelloWithInvalidTokenCloses(t *testing.T) {
	t.Parallel()

	f := newWSFixture(t)
	conn := dialWS(t, f.url, nil)
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	writeEnvelopeWS(t, conn, envelope(t, v1.TypeHello, "hello-1", v1.HelloPayload{Token: "not-a-token"}))

	env := readUntilType(t, conn, v1.TypeError, 2)
	p := decodeError(t, env)
	if p.Code != v1.CodeUnauthenticated || p.RefID != "hello-1" {
		t.Fatalf("unexpected error payload: %+v", p)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, _, err := conn.Read(ctx); websocket.CloseStatus(err) != websocket.StatusPolicyViolation {
		t.Fatalf("expected policy violation close, got %v", err)
	}
}

func TestWSGateway_CommandsBeforeHelloAreRejected(t *testing.T) {
	t.Parallel()

	f := newWSFixture(t)
	conn := dialWS(t, f.url, nil)
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	writeEnvelopeWS(t, conn, envelope(t, v1.TypeConversationJoin, "join-1", v1.ConversationJoinPayload{ConversationID: f.conv.ID}))
	p := decodeError(t, readUntilType(t, conn, v1.TypeError, 2))
	if p.Code != v1.CodeUnauthenticated || p.RefID != "join-1" {
		t.Fatalf("unexpected error payload: %+v", p)
	}

	// The session stays usable: hello still works.
	helloWS(t, conn, mustToken(t, "buyer"), "buyer")
}

func TestWSGateway_TrustedHeaderAuthenticatesUpgrade(t *testing.T) {
	t.Parallel()

	f := newWSFixture(t)
	conn := dialWS(t, f.url, http.Header{"X-User-ID": []string{"seller"}})
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	helloWS(t, conn, "", "seller")
}

func TestWSGateway_JoinRequiresParticipant(t *testing.T) {
	t.Parallel()

	f := newWSFixture(t)
	conn := dialWS(t, f.url, nil)
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	helloWS(t, conn, mustToken(t, "stranger"), "stranger")
	writeEnvelopeWS(t, conn, envelope(t, v1.TypeConversationJoin, "join-1", v1.ConversationJoinPayload{ConversationID: f.conv.ID}))

	p := decodeError(t, readUntilType(t, conn, v1.TypeError, 2))
	if p.Code != v1.CodeNotAParticipant {
		t.Fatalf("expected not_a_participant, got %+v", p)
	}
}

func TestWSGateway_SendFanOutReadAndHistory(t *testing.T) {
	t.Parallel()

	f := newWSFixture(t)

	buyer := dialWS(t, f.url, nil)
	defer func() { _ = buyer.Close(websocket.StatusNormalClosure, "bye") }()
	seller := dialWS(t, f.url, nil)
	defer func() { _ = seller.Close(websocket.StatusNormalClosure, "bye") }()

	helloWS(t, buyer, mustToken(t, "buyer"), "buyer")
	helloWS(t, seller, mustToken(t, "seller"), "seller")
	joinWS(t, buyer, f.conv.ID)
	joinWS(t, seller, f.conv.ID)

	writeEnvelopeWS(t, buyer, envelope(t, v1.TypeMessageSend, "send-1", v1.MessageSendPayload{
		ConversationID: f.conv.ID,
		ClientMsgID:    "client-1",
		Content:        v1.Content{Kind: "text", Text: "  Is this still available?  "},
	}))

	got := readTypes(t, buyer, 4, v1.TypeMessageAck, v1.TypeMessageNew)
	var ack v1.MessageAckPayload
	mustUnmarshal(t, got[v1.TypeMessageAck].Payload, &ack)
	if ack.ClientMsgID != "client-1" || ack.MessageID == "" || ack.Seq != 1 || ack.Duplicated {
		t.Fatalf("unexpected ack: %+v", ack)
	}

	var fromSeller v1.Message
	mustUnmarshal(t, readUntilType(t, seller, v1.TypeMessageNew, 2).Payload, &fromSeller)
	if fromSeller.ID != ack.MessageID || fromSeller.SenderID != "buyer" || fromSeller.Content.Text != "Is this still available?" {
		t.Fatalf("unexpected broadcast: %+v", fromSeller)
	}

	writeEnvelopeWS(t, seller, envelope(t, v1.TypeMarkRead, "read-1", v1.MarkReadPayload{ConversationID: f.conv.ID}))
	var read v1.ConversationReadPayload
	mustUnmarshal(t, readUntilType(t, buyer, v1.TypeConversationRead, 2).Payload, &read)
	if read.ReaderID != "seller" || read.Count != 1 {
		t.Fatalf("unexpected read receipt: %+v", read)
	}

	writeEnvelopeWS(t, seller, envelope(t, v1.TypeConversationHistoryFetch, "hist-1", v1.ConversationHistoryFetchPayload{ConversationID: f.conv.ID}))
	var chunk v1.ConversationHistoryChunkPayload
	mustUnmarshal(t, readUntilType(t, seller, v1.TypeConversationHistoryChunk, 3).Payload, &chunk)
	if len(chunk.Messages) != 1 || chunk.HasMore || !chunk.Messages[0].IsRead {
		t.Fatalf("unexpected history: %+v", chunk)
	}

	writeEnvelopeWS(t, buyer, envelope(t, v1.TypeMessageSend, "send-2", v1.MessageSendPayload{
		ConversationID: f.conv.ID,
		ClientMsgID:    "client-2",
		Content:        v1.Content{Kind: "text", Text: "   "},
	}))
	p := decodeError(t, readUntilType(t, buyer, v1.TypeError, 3))
	if p.Code != v1.CodeEmptyContent || p.RefID != "send-2" {
		t.Fatalf("unexpected error payload: %+v", p)
	}
}

// ---- helpers ----

func mustToken(t *testing.T, userID string) string {
	t.Helper()
	tok, err := auth.IssueHS256(wsTestSecret, userID, time.Hour, time.Now())
	if err != nil {
		t.Fatalf("IssueHS256: %v", err)
	}
	return tok
}

func dialWS(t *testing.T, baseHTTPURL string, h http.Header) *websocket.Conn {
	t.Helper()

	u, err := url.Parse(baseHTTPURL)
	if err != nil {
		t.Fatalf("url.Parse: %v", err)
	}
	u.Scheme = "ws"
	u.Path = "/ws"

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, resp, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func helloWS(t *testing.T, conn *websocket.Conn, token, wantUser string) {
	t.Helper()
	writeEnvelopeWS(t, conn, envelope(t, v1.TypeHello, "hello", v1.HelloPayload{Token: token}))

	var ack v1.HelloAckPayload
	mustUnmarshal(t, readUntilType(t, conn, v1.TypeHelloAck, 3).Payload, &ack)
	if ack.UserID != wantUser || ack.SessionID == "" {
		t.Fatalf("unexpected hello ack: %+v", ack)
	}
}

func joinWS(t *testing.T, conn *websocket.Conn, convID string) {
	t.Helper()
	writeEnvelopeWS(t, conn, envelope(t, v1.TypeConversationJoin, "join", v1.ConversationJoinPayload{ConversationID: convID}))
	env := readUntilType(t, conn, v1.TypeConversationJoin, 2)
	if env.ConvID != convID {
		t.Fatalf("join echo for %q, want %q", env.ConvID, convID)
	}
}

func envelope(t *testing.T, typ, id string, payload any) v1.Envelope {
	t.Helper()
	return v1.Envelope{V: v1.Version, Type: typ, ID: id, TS: time.Now().UTC(), Payload: mustJSONRaw(t, payload)}
}

func writeEnvelopeWS(t *testing.T, conn *websocket.Conn, env v1.Envelope) {
	t.Helper()
	b, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatalf("conn.Write: %v", err)
	}
}

func readEnvelopeWS(t *testing.T, conn *websocket.Conn) v1.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, b, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("conn.Read: %v", err)
	}
	var env v1.Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	return env
}

func readUntilType(t *testing.T, conn *websocket.Conn, typ string, maxReads int) v1.Envelope {
	t.Helper()
	for i := 0; i < maxReads; i++ {
		if env := readEnvelopeWS(t, conn); env.Type == typ {
			return env
		}
	}
	t.Fatalf("did not receive envelope type %q", typ)
	return v1.Envelope{}
}

// readTypes reads until one envelope of every wanted type arrived, in any order.
func readTypes(t *testing.T, conn *websocket.Conn, maxReads int, types ...string) map[string]v1.Envelope {
	t.Helper()
	want := make(map[string]bool, len(types))
	for _, typ := range types {
		want[typ] = true
	}
	out := make(map[string]v1.Envelope, len(types))
	for i := 0; i < maxReads && len(out) < len(want); i++ {
		env := readEnvelopeWS(t, conn)
		if want[env.Type] {
			out[env.Type] = env
		}
	}
	if len(out) < len(want) {
		t.Fatalf("received %d of %d wanted envelope types", len(out), len(want))
	}
	return out
}

func decodeError(t *testing.T, env v1.Envelope) v1.ErrorPayload {
	t.Helper()
	var p v1.ErrorPayload
	mustUnmarshal(t, env.Payload, &p)
	return p
}

func mustUnmarshal(t *testing.T, raw json.RawMessage, dst any) {
	t.Helper()
	if err := json.Unmarshal(raw, dst); err != nil {
		t.Fatalf("json.Unmarshal: %v", err)
	}
}

func mustJSONRaw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("json.Marshal: %v", err)
	}
	return b
}
