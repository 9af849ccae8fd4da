package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"bazaar/cmd/internal/auth"
	"bazaar/cmd/internal/chat"
	"bazaar/cmd/internal/metrics"
	v1 "bazaar/shared/contracts/realtime/v1"
)

const (
	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3

	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// Messenger is the part of chat.Service the gateway drives.
type Messenger interface {
	Append(ctx context.Context, in chat.AppendInput) (chat.AppendResult, error)
	List(ctx context.Context, in chat.ListInput) (chat.ListMessagesResult, error)
	MarkRead(ctx context.Context, conversationID, readerID string) (int, error)
	IsParticipant(ctx context.Context, userID, conversationID string) (bool, error)
}

// Presence records that a user currently holds a live session.
type Presence interface {
	Touch(ctx context.Context, userID string) error
}

// GatewayConfig holds the websocket policy knobs.
type GatewayConfig struct {
	// Origin is required unless OriginRequired is false. "*" in AllowedOrigins allows any.
	OriginRequired bool
	AllowedOrigins []string

	// DevInsecure disables websocket.Accept's own origin verification (dev only).
	DevInsecure bool

	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration
	SendQueueSize   int

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	RateEvents int
	RateWindow time.Duration
}

// DefaultGatewayConfig is secure by default: origin required, localhost only.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		OriginRequired:    true,
		AllowedOrigins:    strings.Split(wsDefaultAllowedOrigins, ","),
		WriteTimeout:      wsDefaultWriteTimeout,
		ReadIdleTimeout:   wsDefaultReadIdle,
		SendQueueSize:     wsDefaultSendQueueSize,
		HeartbeatInterval: heartbeatInterval,
		HeartbeatTimeout:  heartbeatTimeout,
		RateEvents:        rateLimitEvents,
		RateWindow:        rateLimitWindow,
	}
}

func (c GatewayConfig) withDefaults() GatewayConfig {
	d := DefaultGatewayConfig()
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = d.ReadIdleTimeout
	}
	if c.SendQueueSize < wsMinSendQueueSize {
		c.SendQueueSize = wsMinSendQueueSize
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = d.RateEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = d.RateWindow
	}
	return c
}

// WSGateway is the websocket entrypoint for realtime conversation updates.
//
// It enforces origin policy, subprotocol selection, authentication, rate limits
// and heartbeats, and routes validated envelopes to the chat service and the
// Broadcaster.
type WSGateway struct {
	log         *slog.Logger
	chat        Messenger
	broadcaster *Broadcaster
	verifier    auth.Verifier
	presence    Presence
	metrics     *metrics.Metrics

	cfg GatewayConfig

	// Derived for websocket.Accept origin checks: it authorizes same-host
	// origins itself but needs host patterns for cross-origin requests.
	originPatterns []string
}

// GatewayOption configures optional collaborators.
type GatewayOption func(*WSGateway)

// WithVerifier authenticates hello tokens.
func WithVerifier(v auth.Verifier) GatewayOption {
	return func(g *WSGateway) { g.verifier = v }
}

// WithPresence refreshes the caller's presence on hello and every heartbeat.
func WithPresence(p Presence) GatewayOption {
	return func(g *WSGateway) { g.presence = p }
}

// WithGatewayMetrics attaches Prometheus collectors.
func WithGatewayMetrics(m *metrics.Metrics) GatewayOption {
	return func(g *WSGateway) { g.metrics = m }
}

// NewWSGateway constructs a gateway. chat and broadcaster are required.
func NewWSGateway(log *slog.Logger, messenger Messenger, b *Broadcaster, cfg GatewayConfig, opts ...GatewayOption) (*WSGateway, error) {
	if messenger == nil {
		return nil, errors.New("realtime: nil messenger")
	}
	if b == nil {
		return nil, errors.New("realtime: nil broadcaster")
	}
	if log == nil {
		log = slog.Default()
	}

	g := &WSGateway{
		log:         log,
		chat:        messenger,
		broadcaster: b,
		cfg:         cfg.withDefaults(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	g.originPatterns = deriveOriginPatternsFromAllowedOrigins(g.cfg.AllowedOrigins)
	return g, nil
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a websocket session and runs the realtime loop.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	now := time.Now().UTC()
	sessionID, err := NewSessionID(now)
	if err != nil {
		g.log.Error("ws.session_id.fail", "err", err)
		_ = conn.Close(websocket.StatusInternalError, "internal error")
		return
	}

	client := NewClient(sessionID, g.cfg.SendQueueSize)
	// The upgrade request may already carry a verified caller (bearer or trusted header).
	if userID, ok := auth.CallerID(r.Context()); ok {
		client.setUserID(userID)
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	s := &wsSession{g: g, conn: conn, client: client, ctx: ctx, cancel: cancel}

	g.metrics.WSConnected()
	defer g.metrics.WSDisconnected()
	g.log.Info("ws.session.open", "session_id", sessionID, "user_id", client.UserID(), "remote", r.RemoteAddr)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop()
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		s.heartbeatLoop()
	}()

	s.readLoop(now.Add(helloTimeout))

	s.shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
	g.log.Info("ws.session.close", "session_id", sessionID, "user_id", client.UserID())
}

// wsSession is the state of one upgraded connection.
type wsSession struct {
	g      *WSGateway
	conn   *websocket.Conn
	client *Client

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
}

// shutdown is idempotent. It does NOT close client.Send.
func (s *wsSession) shutdown(code websocket.StatusCode, reason string) {
	s.closeOnce.Do(func() {
		s.client.Close()
		_ = s.conn.Close(code, reason)
		s.cancel()
	})
}

func (s *wsSession) writeLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.client.Done():
			return
		case env := <-s.client.Send:
			if err := writeEnvelope(s.ctx, s.conn, env, s.g.cfg.WriteTimeout); err != nil {
				s.g.log.Info("ws.write.fail", "session_id", s.client.SessionID, "close_status", websocket.CloseStatus(err), "err", err)
				s.shutdown(websocket.StatusAbnormalClosure, "write failed")
				return
			}
		}
	}
}

func (s *wsSession) heartbeatLoop() {
	t := time.NewTicker(s.g.cfg.HeartbeatInterval)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.client.Done():
			return
		case <-t.C:
			hbCtx, hbCancel := context.WithTimeout(s.ctx, s.g.cfg.HeartbeatTimeout)
			err := s.conn.Ping(hbCtx)
			hbCancel()

			if err != nil {
				failures++
				s.g.log.Info("ws.ping.fail", "session_id", s.client.SessionID, "failures", failures, "err", err)
				if failures >= wsMaxPingFailures {
					s.shutdown(websocket.StatusGoingAway, "heartbeat failed")
					return
				}
				continue
			}
			failures = 0
			s.touch()
		}
	}
}

func (s *wsSession) readLoop(helloDeadline time.Time) {
	rl := NewRateLimiter(s.g.cfg.RateEvents, s.g.cfg.RateWindow)

	for {
		idle := s.g.cfg.ReadIdleTimeout
		if s.client.UserID() == "" {
			idle = time.Until(helloDeadline)
			if idle <= 0 {
				s.fatal("", v1.CodeUnauthenticated, "hello required", "hello required")
				return
			}
		}

		readCtx, readCancel := context.WithTimeout(s.ctx, idle)
		env, err := readEnvelope(readCtx, s.conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				s.shutdown(websocket.StatusNormalClosure, "peer closed")
				return
			case readErrCtxDone:
				s.shutdown(websocket.StatusNormalClosure, "context done")
				return
			case readErrConnClosed:
				s.shutdown(websocket.StatusAbnormalClosure, "conn closed")
				return
			case readErrBadJSON:
				s.sendError("", v1.CodeInvalidInput, "invalid JSON")
				continue
			default:
				s.g.log.Info("ws.read.fail", "session_id", s.client.SessionID, "err", err)
				s.shutdown(websocket.StatusAbnormalClosure, "read failed")
				return
			}
		}

		if !rl.Allow(time.Now()) {
			s.fatal(env.ID, v1.CodeRateLimited, "too many events", "rate limited")
			return
		}

		if err := env.Validate(); err != nil {
			s.sendError(env.ID, v1.CodeInvalidInput, err.Error())
			continue
		}

		if env.Type == v1.TypeHello {
			if err := s.onHello(env); err != nil {
				code, msg := errorCode(err)
				s.fatal(env.ID, code, msg, "hello failed")
				return
			}
			continue
		}

		if err := s.dispatch(env); err != nil {
			s.replyError(env.ID, err)
		}
	}
}

func (s *wsSession) dispatch(env v1.Envelope) error {
	userID := s.client.UserID()
	if userID == "" {
		return protoErr(v1.CodeUnauthenticated, "hello required")
	}

	switch env.Type {
	case v1.TypeConversationJoin:
		return s.onJoin(userID, env)
	case v1.TypeConversationLeave:
		return s.onLeave(env)
	case v1.TypeMessageSend:
		return s.onMessageSend(userID, env)
	case v1.TypeMarkRead:
		return s.onMarkRead(userID, env)
	case v1.TypeConversationHistoryFetch:
		return s.onHistoryFetch(userID, env)
	default:
		return protoErr(v1.CodeInvalidInput, fmt.Sprintf("unsupported type: %s", env.Type))
	}
}

// ---- handlers ----

func (s *wsSession) onHello(env v1.Envelope) error {
	var p v1.HelloPayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}

	current := s.client.UserID()
	if tok := strings.TrimSpace(p.Token); tok != "" {
		if s.g.verifier == nil {
			return protoErr(v1.CodeUnauthenticated, "token auth not configured")
		}
		userID, err := s.g.verifier.Verify(s.ctx, tok)
		if err != nil {
			s.g.log.Info("ws.hello.reject", "session_id", s.client.SessionID, "err", err)
			return protoErr(v1.CodeUnauthenticated, "invalid token")
		}
		if current != "" && current != userID {
			return protoErr(v1.CodeUnauthenticated, "token does not match session caller")
		}
		current = userID
		s.client.setUserID(userID)
	}
	if current == "" {
		return protoErr(v1.CodeUnauthenticated, "missing token")
	}

	s.touch()
	return s.reply(v1.TypeHelloAck, "", v1.HelloAckPayload{SessionID: s.client.SessionID, UserID: current})
}

func (s *wsSession) onJoin(userID string, env v1.Envelope) error {
	var p v1.ConversationJoinPayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}
	convID := strings.TrimSpace(p.ConversationID)
	if convID == "" {
		return protoErr(v1.CodeInvalidInput, "missing conversation_id")
	}

	if _, ok := s.client.subscription(convID); !ok {
		if s.client.subCount() >= maxSubscriptionsPerSession {
			return protoErr(v1.CodeInvalidInput, "too many subscriptions")
		}
		ok, err := s.g.chat.IsParticipant(s.ctx, userID, convID)
		if err != nil {
			return err
		}
		if !ok {
			return chat.ErrNotAParticipant
		}

		ref := &subRef{}
		sub, err := s.g.broadcaster.Subscribe(convID, s.forward(convID, ref))
		if err != nil {
			return err
		}
		ref.sub.Store(sub)
		if !s.client.attach(sub, ref.deleted.Load) && ref.deleted.Load() {
			return chat.ErrConversationNotFound
		}
	}

	return s.reply(v1.TypeConversationJoin, convID, v1.ConversationJoinPayload{ConversationID: convID})
}

// subRef lets a forward handler find its subscription once Subscribe returns.
// deleted is set before the handler looks the subscription up, so a delete
// that races the join is seen by one side or the other.
type subRef struct {
	sub     atomic.Pointer[Subscription]
	deleted atomic.Bool
}

// forward returns the broadcaster handler that relays one conversation to this session.
func (s *wsSession) forward(convID string, ref *subRef) Handler {
	return func(ev chat.Event) {
		env, err := EventEnvelope(ev)
		if err != nil {
			s.g.log.Error("ws.event.encode.fail", "session_id", s.client.SessionID, "conversation_id", convID, "err", err)
			return
		}
		if !s.enqueue(env) {
			select {
			case <-s.client.Done():
			default:
				s.g.log.Warn("ws.backpressure", "session_id", s.client.SessionID, "conversation_id", convID)
				s.shutdown(websocket.StatusPolicyViolation, "slow consumer")
			}
			return
		}

		switch ev.Type {
		case EventSubscriptionEvicted:
			if sub := ref.sub.Load(); sub != nil {
				s.client.dropSub(convID, sub)
			}
		case chat.EventConversationDeleted:
			ref.deleted.Store(true)
			if sub := ref.sub.Load(); sub != nil && s.client.dropSub(convID, sub) != nil {
				sub.Close()
			}
		}
	}
}

func (s *wsSession) onLeave(env v1.Envelope) error {
	var p v1.ConversationLeavePayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}
	convID := strings.TrimSpace(p.ConversationID)
	if convID == "" {
		return protoErr(v1.CodeInvalidInput, "missing conversation_id")
	}
	if sub := s.client.dropSub(convID, nil); sub != nil {
		sub.Close()
	}
	return s.reply(v1.TypeConversationLeave, convID, v1.ConversationLeavePayload{ConversationID: convID})
}

func (s *wsSession) onMessageSend(userID string, env v1.Envelope) error {
	var p v1.MessageSendPayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}
	convID := strings.TrimSpace(p.ConversationID)
	if convID == "" {
		return protoErr(v1.CodeInvalidInput, "missing conversation_id")
	}
	if strings.TrimSpace(p.ClientMsgID) == "" {
		return protoErr(v1.CodeInvalidInput, "missing client_msg_id")
	}

	res, err := s.g.chat.Append(s.ctx, chat.AppendInput{
		ConversationID: convID,
		SenderID:       userID,
		Content:        chat.ContentFromWire(p.Content),
		ClientMsgID:    p.ClientMsgID,
	})
	if err != nil {
		return err
	}

	m := res.Message
	return s.reply(v1.TypeMessageAck, convID, v1.MessageAckPayload{
		ConversationID: convID,
		ClientMsgID:    m.ClientMsgID,
		MessageID:      m.ID,
		Seq:            m.Seq,
		CreatedAt:      m.CreatedAt,
		Duplicated:     res.Duplicated,
	})
}

func (s *wsSession) onMarkRead(userID string, env v1.Envelope) error {
	var p v1.MarkReadPayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}
	convID := strings.TrimSpace(p.ConversationID)

	n, err := s.g.chat.MarkRead(s.ctx, convID, userID)
	if err != nil {
		return err
	}

	// Subscribed sessions already get the broadcast when anything flipped.
	if _, subscribed := s.client.subscription(convID); subscribed && n > 0 {
		return nil
	}
	return s.reply(v1.TypeConversationRead, convID, v1.ConversationReadPayload{
		ConversationID: convID,
		ReaderID:       userID,
		Count:          n,
		At:             time.Now().UTC(),
	})
}

func (s *wsSession) onHistoryFetch(userID string, env v1.Envelope) error {
	var p v1.ConversationHistoryFetchPayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}
	convID := strings.TrimSpace(p.ConversationID)
	if convID == "" {
		return protoErr(v1.CodeInvalidInput, "missing conversation_id")
	}

	out, err := s.g.chat.List(s.ctx, chat.ListInput{
		ConversationID: convID,
		ViewerID:       userID,
		AfterID:        p.AfterID,
		Limit:          p.Limit,
	})
	if err != nil {
		return err
	}

	return s.reply(v1.TypeConversationHistoryChunk, convID, v1.ConversationHistoryChunkPayload{
		ConversationID: convID,
		Messages:       chat.WireMessages(out.Messages),
		HasMore:        out.HasMore,
	})
}

func (s *wsSession) touch() {
	if s.g.presence == nil {
		return
	}
	userID := s.client.UserID()
	if userID == "" {
		return
	}
	if err := s.g.presence.Touch(s.ctx, userID); err != nil {
		s.g.log.Debug("ws.presence.fail", "session_id", s.client.SessionID, "user_id", userID, "err", err)
	}
}

// ---- send helpers ----

func (s *wsSession) reply(typ, convID string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	env := newEnvelope(typ, raw, time.Now().UTC())
	env.ConvID = convID
	if !s.enqueue(env) {
		return protoErr(v1.CodeInternal, "backpressure: "+typ)
	}
	return nil
}

func (s *wsSession) replyError(refID string, err error) {
	code, msg := errorCode(err)
	if code == v1.CodeInternal {
		s.g.log.Error("ws.op.fail", "session_id", s.client.SessionID, "ref_id", refID, "err", err)
	}
	s.sendError(refID, code, msg)
}

func (s *wsSession) sendError(refID, code, msg string) {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg, RefID: refID})
	_ = s.enqueue(newEnvelope(v1.TypeError, p, time.Now().UTC()))
}

// fatal writes the error frame directly so it is not lost when the queue is
// torn down, then closes with a policy violation.
func (s *wsSession) fatal(refID, code, msg, reason string) {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg, RefID: refID})
	if err := writeEnvelope(s.ctx, s.conn, newEnvelope(v1.TypeError, p, time.Now().UTC()), s.g.cfg.WriteTimeout); err != nil {
		s.g.log.Debug("ws.error.write.fail", "session_id", s.client.SessionID, "err", err)
	}
	s.shutdown(websocket.StatusPolicyViolation, reason)
}

func (s *wsSession) enqueue(env v1.Envelope) bool {
	select {
	case <-s.ctx.Done():
		return false
	case <-s.client.Done():
		return false
	case s.client.Send <- env:
		return true
	default:
		return false
	}
}

// ---- errors ----

// protocolError is a request problem detected by the gateway itself.
type protocolError struct {
	code string
	msg  string
}

func (e protocolError) Error() string { return e.code + ": " + e.msg }

func protoErr(code, msg string) error { return protocolError{code: code, msg: msg} }

// errorCode maps err to a wire code and a message safe to show the client.
func errorCode(err error) (string, string) {
	var pe protocolError
	if errors.As(err, &pe) {
		return pe.code, pe.msg
	}
	code := chat.Code(err)
	if code == "internal" {
		return v1.CodeInternal, "internal error"
	}
	return code, err.Error()
}

func decodePayload(env v1.Envelope, dst any) error {
	if len(env.Payload) == 0 {
		return protoErr(v1.CodeInvalidInput, "missing payload")
	}
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return protoErr(v1.CodeInvalidInput, "invalid payload: "+err.Error())
	}
	return nil
}

// ---- envelope IO ----

var errBadJSON = errors.New("bad json")

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, fmt.Errorf("%w: %v", errBadJSON, err)
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if errors.Is(err, errBadJSON) {
		return readErrBadJSON
	}
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.cfg.AllowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			return nil
		}
		if origin == a {
			return nil
		}
		// Host match ignores scheme and port.
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// deriveOriginPatternsFromAllowedOrigins extracts the hosts websocket.Accept
// matches (filepath.Match patterns) from the allowlist.
func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}
