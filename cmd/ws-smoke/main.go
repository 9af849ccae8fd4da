// Package main provides a CI-friendly smoke test for a running bazaar server.
//
// It validates:
//   - conversation resolve over the HTTP API
//   - handshake + subprotocol selection
//   - hello/ack session establishment with a bearer token
//   - join echo
//   - send -> ack
//   - fanout message_new to the counterpart
//   - history fetch
//   - idempotent dedupe by client_msg_id
//
// The server must accept tokens signed with -secret and know the listing,
// e.g. BAZAAR_CATALOG_STATIC=listing:smoke-1=smoke-seller.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"

	"bazaar/cmd/internal/auth"
	"bazaar/cmd/internal/ids"
	v1 "bazaar/shared/contracts/realtime/v1"
)

const maxReadBytes = 1 << 20 // 1MiB

type smokeClient struct {
	name      string
	conn      *websocket.Conn
	sessionID string
	userID    string

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		apiURL  = flag.String("api", "", "HTTP API base URL (derived from -url when empty)")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		secret  = flag.String("secret", os.Getenv("BAZAAR_JWT_SECRET"), "HS256 secret shared with the server")
		listing = flag.String("listing", "smoke-1", "Listing id known to the server catalog")
		buyer   = flag.String("buyer", "smoke-buyer", "Buyer user id")
		seller  = flag.String("seller", "smoke-seller", "Seller user id (listing owner)")
		text    = flag.String("text", "is this still available? 👋", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}
	if *apiURL == "" {
		*apiURL = httpBaseURL(*wsURL)
	}

	root := context.Background()

	buyerTok := mustToken(*secret, *buyer)
	sellerTok := mustToken(*secret, *seller)

	convID := mustResolve(root, *apiURL, buyerTok, *listing, *seller, *timeout)

	a := mustConnect(root, "buyer", *wsURL, *origin, buyerTok, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "seller", *wsURL, *origin, sellerTok, *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: buyer=%s seller=%s conv_id=%s origin=%q\n", a.sessionID, b.sessionID, convID, *origin)
	}

	mustJoin(root, a, convID, *timeout)
	mustJoin(root, b, convID, *timeout)

	clientMsgID := ids.MustULID(time.Now())

	serverMsgID, seq := mustSendAndAssertAck(root, a, convID, clientMsgID, *text, false, *timeout)

	mustAssertNew(root, b, convID, clientMsgID, serverMsgID, seq, a.userID, *text, *timeout)

	_ = drainOptionalNew(root, a, 750*time.Millisecond)

	mustHistoryFetchContains(root, b, convID, "", 50, clientMsgID, serverMsgID, seq, a.userID, *text, *timeout)

	mustHistoryFetchEmpty(root, b, convID, serverMsgID, 50, *timeout)

	_, seq2 := mustSendAndAssertAck(root, a, convID, clientMsgID, *text, true, *timeout)
	if seq2 != seq {
		fatalf("dedupe: seq mismatch: first=%d second=%d", seq, seq2)
	}

	// Resends are redelivered under the original message id.
	mustAssertNew(root, b, convID, clientMsgID, serverMsgID, seq, a.userID, *text, *timeout)
	_ = drainOptionalNew(root, a, 750*time.Millisecond)
	mustAssertNoType(root, b, v1.TypeMessageNew, 1200*time.Millisecond)

	fmt.Printf("OK: buyer=%s seller=%s conv_id=%s seq=%d message_id=%s\n", a.sessionID, b.sessionID, convID, seq, serverMsgID)
}

func mustToken(secret, userID string) string {
	if strings.TrimSpace(secret) == "" {
		fatalf("missing -secret (or BAZAAR_JWT_SECRET)")
	}
	tok, err := auth.IssueHS256([]byte(secret), userID, 10*time.Minute, time.Now())
	if err != nil {
		fatalf("issue token for %s: %v", userID, err)
	}
	return tok
}

func httpBaseURL(wsURL string) string {
	u, err := url.Parse(wsURL)
	if err != nil {
		fatalf("parse -url: %v", err)
	}
	scheme := "http"
	if u.Scheme == "wss" {
		scheme = "https"
	}
	return scheme + "://" + u.Host
}

func mustResolve(parent context.Context, apiURL, token, listingID, sellerID string, stepTimeout time.Duration) string {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	body, _ := json.Marshal(map[string]string{
		"subject_kind":   "listing",
		"subject_id":     listingID,
		"counterpart_id": sellerID,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(apiURL, "/")+"/v1/conversations", bytes.NewReader(body))
	if err != nil {
		fatalf("build resolve request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("resolve: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var out struct {
		Conversation v1.Conversation `json:"conversation"`
		Error        *v1.ErrorPayload `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		fatalf("decode resolve response (status %d): %v", resp.StatusCode, err)
	}
	if resp.StatusCode >= 300 {
		if out.Error != nil {
			fatalf("resolve failed: status=%d code=%q msg=%q", resp.StatusCode, out.Error.Code, out.Error.Message)
		}
		fatalf("resolve failed: status=%d", resp.StatusCode)
	}
	if out.Conversation.ID == "" {
		fatalf("resolve returned no conversation id")
	}
	return out.Conversation.ID
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, wsURL, origin, token string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, v1.Subprotocol)

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	hello := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeHello,
		ID:      fmt.Sprintf("%s-hello", name),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.HelloPayload{Token: token}),
	}
	mustWriteWithTimeout(parent, conn, hello, stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeHelloAck, stepTimeout, nil)

	var p v1.HelloAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal hello.ack payload (%s): %v", name, err)
	}
	if strings.TrimSpace(p.SessionID) == "" {
		fatalf("hello.ack missing session_id (%s)", name)
	}
	c.sessionID = p.SessionID
	c.userID = p.UserID

	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if err := env.Validate(); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad envelope: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- env:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func mustJoin(parent context.Context, c *smokeClient, convID string, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:    v1.Version,
		Type: v1.TypeConversationJoin,
		ID:   fmt.Sprintf("%s-join", c.name),
		TS:   time.Now().UTC(),
		Payload: mustJSON(v1.ConversationJoinPayload{
			ConversationID: convID,
		}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	echo := c.mustReadUntilType(parent, v1.TypeConversationJoin, stepTimeout, nil)

	var p v1.ConversationJoinPayload
	if err := json.Unmarshal(echo.Payload, &p); err != nil {
		fatalf("unmarshal join echo payload (%s): %v", c.name, err)
	}
	if p.ConversationID != convID {
		fatalf("join echo conv_id mismatch (%s): got=%q want=%q", c.name, p.ConversationID, convID)
	}
}

func mustSendAndAssertAck(parent context.Context, c *smokeClient, convID, clientMsgID, text string, wantDuplicate bool, stepTimeout time.Duration) (serverMsgID string, seq int64) {
	env := v1.Envelope{
		V:    v1.Version,
		Type: v1.TypeMessageSend,
		ID:   fmt.Sprintf("%s-send-%s", c.name, clientMsgID),
		TS:   time.Now().UTC(),
		Payload: mustJSON(v1.MessageSendPayload{
			ConversationID: convID,
			ClientMsgID:    clientMsgID,
			Content:        v1.Content{Kind: "text", Text: text},
		}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	skip := map[string]struct{}{v1.TypeMessageNew: {}}
	ack := c.mustReadUntilType(parent, v1.TypeMessageAck, stepTimeout, skip)

	var p v1.MessageAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal message.ack payload (%s): %v", c.name, err)
	}
	if p.ConversationID != convID {
		fatalf("ack conv_id mismatch (%s): got=%q want=%q", c.name, p.ConversationID, convID)
	}
	if p.ClientMsgID != clientMsgID {
		fatalf("ack client_msg_id mismatch (%s): got=%q want=%q", c.name, p.ClientMsgID, clientMsgID)
	}
	if strings.TrimSpace(p.MessageID) == "" {
		fatalf("ack missing message_id (%s)", c.name)
	}
	if p.Seq <= 0 {
		fatalf("ack invalid seq (%s): %d", c.name, p.Seq)
	}
	if p.Duplicated != wantDuplicate {
		fatalf("ack duplicated=%v want=%v (%s)", p.Duplicated, wantDuplicate, c.name)
	}
	return p.MessageID, p.Seq
}

func mustAssertNew(parent context.Context, c *smokeClient, convID, clientMsgID, serverMsgID string, seq int64, senderID, text string, stepTimeout time.Duration) {
	env := c.mustReadUntilType(parent, v1.TypeMessageNew, stepTimeout, nil)

	var p v1.Message
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal message.new payload (%s): %v", c.name, err)
	}

	if p.ConversationID != convID {
		fatalf("new conv_id mismatch (%s): got=%q want=%q", c.name, p.ConversationID, convID)
	}
	if p.ClientMsgID != clientMsgID {
		fatalf("new client_msg_id mismatch (%s): got=%q want=%q", c.name, p.ClientMsgID, clientMsgID)
	}
	if p.ID != serverMsgID {
		fatalf("new id mismatch (%s): got=%q want=%q", c.name, p.ID, serverMsgID)
	}
	if p.Seq != seq {
		fatalf("new seq mismatch (%s): got=%d want=%d", c.name, p.Seq, seq)
	}
	if p.SenderID != senderID {
		fatalf("new sender mismatch (%s): got=%q want=%q", c.name, p.SenderID, senderID)
	}
	if p.Content.Kind != "text" || p.Content.Text != text {
		fatalf("new content mismatch (%s): got=%+v want text %q", c.name, p.Content, text)
	}
	if p.CreatedAt.IsZero() {
		fatalf("new created_at missing/zero (%s)", c.name)
	}
}

func mustHistoryFetchContains(
	parent context.Context,
	c *smokeClient,
	convID string,
	afterID string,
	limit int,
	clientMsgID, serverMsgID string,
	seq int64,
	senderID, text string,
	stepTimeout time.Duration,
) {
	req := v1.Envelope{
		V:    v1.Version,
		Type: v1.TypeConversationHistoryFetch,
		ID:   fmt.Sprintf("%s-history-fetch", c.name),
		TS:   time.Now().UTC(),
		Payload: mustJSON(v1.ConversationHistoryFetchPayload{
			ConversationID: convID,
			AfterID:        afterID,
			Limit:          limit,
		}),
	}
	mustWriteWithTimeout(parent, c.conn, req, stepTimeout)

	chunk := c.mustReadUntilType(parent, v1.TypeConversationHistoryChunk, stepTimeout, nil)

	var p v1.ConversationHistoryChunkPayload
	if err := json.Unmarshal(chunk.Payload, &p); err != nil {
		fatalf("unmarshal history.chunk payload (%s): %v", c.name, err)
	}
	if p.ConversationID != convID {
		fatalf("history.chunk conv_id mismatch (%s): got=%q want=%q", c.name, p.ConversationID, convID)
	}

	found := false
	for _, m := range p.Messages {
		if m.ConversationID == convID &&
			m.ClientMsgID == clientMsgID &&
			m.ID == serverMsgID &&
			m.Seq == seq &&
			m.SenderID == senderID &&
			m.Content.Text == text &&
			!m.CreatedAt.IsZero() {
			found = true
			break
		}
	}
	if !found {
		fatalf("history.chunk missing expected message (%s)", c.name)
	}
}

func mustHistoryFetchEmpty(parent context.Context, c *smokeClient, convID, afterID string, limit int, stepTimeout time.Duration) {
	req := v1.Envelope{
		V:    v1.Version,
		Type: v1.TypeConversationHistoryFetch,
		ID:   fmt.Sprintf("%s-history-fetch-empty", c.name),
		TS:   time.Now().UTC(),
		Payload: mustJSON(v1.ConversationHistoryFetchPayload{
			ConversationID: convID,
			AfterID:        afterID,
			Limit:          limit,
		}),
	}
	mustWriteWithTimeout(parent, c.conn, req, stepTimeout)

	chunk := c.mustReadUntilType(parent, v1.TypeConversationHistoryChunk, stepTimeout, nil)

	var p v1.ConversationHistoryChunkPayload
	if err := json.Unmarshal(chunk.Payload, &p); err != nil {
		fatalf("unmarshal history.chunk payload (%s): %v", c.name, err)
	}
	if p.ConversationID != convID {
		fatalf("history.chunk conv_id mismatch (%s): got=%q want=%q", c.name, p.ConversationID, convID)
	}
	if len(p.Messages) != 0 {
		fatalf("expected empty history chunk (%s), got=%d", c.name, len(p.Messages))
	}
}

func drainOptionalNew(parent context.Context, c *smokeClient, wait time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-c.errCh:
			if err != nil {
				return err
			}
			return errors.New("connection closed while draining")
		case env, ok := <-c.inbox:
			if !ok {
				return errors.New("connection closed while draining")
			}
			if env.Type == v1.TypeMessageNew {
				return nil
			}
		}
	}
}

func mustAssertNoType(parent context.Context, c *smokeClient, forbiddenType string, wait time.Duration) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			fatalf("connection closed unexpectedly (%s): %v", c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if env.Type == forbiddenType {
				fatalf("unexpected %s received (%s)", forbiddenType, c.name)
			}
		}
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if skipTypes != nil {
				if _, ok := skipTypes[env.Type]; ok {
					continue
				}
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
