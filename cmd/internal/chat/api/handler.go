// Package chatapi exposes the conversation and messaging core over HTTP/JSON.
package chatapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"bazaar/cmd/internal/auth"
	"bazaar/cmd/internal/chat"
	"bazaar/cmd/internal/presence"
)

// Service is the part of chat.Service the API serves.
type Service interface {
	Resolve(ctx context.Context, in chat.ResolveInput) (chat.Conversation, error)
	Conversations(ctx context.Context, userID string, before *chat.ConversationCursor, limit int) ([]chat.ConversationView, error)
	Conversation(ctx context.Context, conversationID, viewerID string) (chat.ConversationView, error)
	DeleteConversation(ctx context.Context, conversationID, actorID string) error
	List(ctx context.Context, in chat.ListInput) (chat.ListMessagesResult, error)
	Append(ctx context.Context, in chat.AppendInput) (chat.AppendResult, error)
	DeleteMessage(ctx context.Context, conversationID, messageID, actorID string) (chat.Message, error)
	MarkRead(ctx context.Context, conversationID, readerID string) (int, error)
	UnreadCount(ctx context.Context, conversationID, viewerID string) (int, error)
	Mute(ctx context.Context, conversationID, actorID string, muted bool) (chat.Conversation, error)
	Block(ctx context.Context, blockerID, blockedID, reason string) (chat.Block, error)
	Unblock(ctx context.Context, blockerID, blockedID string) error
}

// Presence reports whether a conversation's counterpart is online.
type Presence interface {
	CounterpartOnline(ctx context.Context, conv chat.Conversation, viewerID string) (presence.Status, error)
}

// Handler serves /v1/conversations and /v1/moderation.
type Handler struct {
	log      *slog.Logger
	cfg      Config
	svc      Service
	presence Presence
	sends    *keyedLimiter
	now      func() time.Time
}

// HandlerOption configures optional collaborators.
type HandlerOption func(*Handler)

// WithPresence adds counterpart online status to single-conversation reads.
func WithPresence(p Presence) HandlerOption {
	return func(h *Handler) { h.presence = p }
}

// NewHandler constructs the API handler.
func NewHandler(log *slog.Logger, svc Service, cfg Config, opts ...HandlerOption) (*Handler, error) {
	if svc == nil {
		return nil, errors.New("chatapi: nil service")
	}
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()

	h := &Handler{
		log:   log,
		cfg:   cfg,
		svc:   svc,
		sends: newKeyedLimiter(cfg.SendRate, cfg.SendBurst),
		now:   time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h, nil
}

// Register wires the routes onto mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("POST /v1/conversations", h.withCaller(h.handleResolve))
	mux.HandleFunc("GET /v1/conversations", h.withCaller(h.handleListConversations))
	mux.HandleFunc("GET /v1/conversations/{id}", h.withCaller(h.handleGetConversation))
	mux.HandleFunc("DELETE /v1/conversations/{id}", h.withCaller(h.handleDeleteConversation))
	mux.HandleFunc("GET /v1/conversations/{id}/messages", h.withCaller(h.handleListMessages))
	mux.HandleFunc("POST /v1/conversations/{id}/messages", h.withCaller(h.handleAppend))
	mux.HandleFunc("DELETE /v1/conversations/{id}/messages/{mid}", h.withCaller(h.handleDeleteMessage))
	mux.HandleFunc("POST /v1/conversations/{id}/read", h.withCaller(h.handleMarkRead))
	mux.HandleFunc("GET /v1/conversations/{id}/unread", h.withCaller(h.handleUnread))
	mux.HandleFunc("POST /v1/moderation/mute", h.withCaller(h.handleMute))
	mux.HandleFunc("POST /v1/moderation/block", h.withCaller(h.handleBlock))
	mux.HandleFunc("POST /v1/moderation/unblock", h.withCaller(h.handleUnblock))
}

type callerHandler func(w http.ResponseWriter, r *http.Request, callerID string)

func (h *Handler) withCaller(next callerHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		callerID, ok := auth.CallerID(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, codeUnauthorized, "authentication required")
			return
		}
		next(w, r, callerID)
	}
}

// ---- conversations ----

func (h *Handler) handleResolve(w http.ResponseWriter, r *http.Request, callerID string) {
	var req resolveRequest
	if !readJSON(w, r, h.cfg.MaxBodyBytes, &req) {
		return
	}

	c, err := h.svc.Resolve(r.Context(), chat.ResolveInput{
		Subject:       chat.SubjectRef{Kind: chat.SubjectKind(strings.TrimSpace(req.SubjectKind)), ID: strings.TrimSpace(req.SubjectID)},
		InitiatorID:   callerID,
		CounterpartID: req.CounterpartID,
	})
	if err != nil {
		h.writeServiceError(w, r, "chatapi.resolve", err)
		return
	}
	writeJSON(w, http.StatusOK, resolveResponse{Conversation: c.Wire()})
}

func (h *Handler) handleListConversations(w http.ResponseWriter, r *http.Request, callerID string) {
	q := r.URL.Query()

	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}

	var before *chat.ConversationCursor
	if raw := strings.TrimSpace(q.Get("before_updated_at")); raw != "" {
		at, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_input", "before_updated_at must be RFC 3339")
			return
		}
		before = &chat.ConversationCursor{UpdatedAt: at, ID: strings.TrimSpace(q.Get("before_id"))}
	}

	views, err := h.svc.Conversations(r.Context(), callerID, before, limit)
	if err != nil {
		h.writeServiceError(w, r, "chatapi.conversations", err)
		return
	}

	resp := conversationListResponse{Conversations: make([]conversationResponse, 0, len(views))}
	for _, v := range views {
		resp.Conversations = append(resp.Conversations, toConversationResponse(v))
	}
	if n := len(views); n > 0 && limit > 0 && n == limit {
		last := views[n-1].Conversation
		resp.Next = &cursorResponse{BeforeUpdatedAt: last.UpdatedAt, BeforeID: last.ID}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleGetConversation(w http.ResponseWriter, r *http.Request, callerID string) {
	view, err := h.svc.Conversation(r.Context(), r.PathValue("id"), callerID)
	if err != nil {
		h.writeServiceError(w, r, "chatapi.conversation", err)
		return
	}

	resp := toConversationResponse(view)
	if h.presence != nil {
		st, err := h.presence.CounterpartOnline(r.Context(), view.Conversation, callerID)
		if err != nil {
			h.log.Debug("chatapi.presence.fail", "conversation_id", view.Conversation.ID, "err", err)
		} else {
			online := st.Online
			resp.CounterpartOnline = &online
			if !st.LastSeen.IsZero() {
				seen := st.LastSeen
				resp.CounterpartLastSeen = &seen
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleDeleteConversation(w http.ResponseWriter, r *http.Request, callerID string) {
	if err := h.svc.DeleteConversation(r.Context(), r.PathValue("id"), callerID); err != nil {
		h.writeServiceError(w, r, "chatapi.conversation.delete", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---- messages ----

func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request, callerID string) {
	q := r.URL.Query()
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}

	out, err := h.svc.List(r.Context(), chat.ListInput{
		ConversationID: r.PathValue("id"),
		ViewerID:       callerID,
		AfterID:        strings.TrimSpace(q.Get("after_id")),
		Limit:          limit,
	})
	if err != nil {
		h.writeServiceError(w, r, "chatapi.messages", err)
		return
	}
	writeJSON(w, http.StatusOK, messageListResponse{Messages: chat.WireMessages(out.Messages), HasMore: out.HasMore})
}

func (h *Handler) handleAppend(w http.ResponseWriter, r *http.Request, callerID string) {
	if !h.sends.Allow(callerID, h.now()) {
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, codeRateLimited, "too many messages")
		return
	}

	var req appendRequest
	if !readJSON(w, r, h.cfg.MaxBodyBytes, &req) {
		return
	}

	res, err := h.svc.Append(r.Context(), chat.AppendInput{
		ConversationID: r.PathValue("id"),
		SenderID:       callerID,
		Content:        chat.ContentFromWire(req.Content),
		ClientMsgID:    req.ClientMsgID,
	})
	if err != nil {
		h.writeServiceError(w, r, "chatapi.append", err)
		return
	}

	status := http.StatusCreated
	if res.Duplicated {
		status = http.StatusOK
	}
	writeJSON(w, status, appendResponse{Message: res.Message.Wire(), Duplicated: res.Duplicated})
}

func (h *Handler) handleDeleteMessage(w http.ResponseWriter, r *http.Request, callerID string) {
	m, err := h.svc.DeleteMessage(r.Context(), r.PathValue("id"), r.PathValue("mid"), callerID)
	if err != nil {
		h.writeServiceError(w, r, "chatapi.message.delete", err)
		return
	}
	writeJSON(w, http.StatusOK, m.Wire())
}

func (h *Handler) handleMarkRead(w http.ResponseWriter, r *http.Request, callerID string) {
	n, err := h.svc.MarkRead(r.Context(), r.PathValue("id"), callerID)
	if err != nil {
		h.writeServiceError(w, r, "chatapi.read", err)
		return
	}
	writeJSON(w, http.StatusOK, markReadResponse{Marked: n})
}

func (h *Handler) handleUnread(w http.ResponseWriter, r *http.Request, callerID string) {
	n, err := h.svc.UnreadCount(r.Context(), r.PathValue("id"), callerID)
	if err != nil {
		h.writeServiceError(w, r, "chatapi.unread", err)
		return
	}
	writeJSON(w, http.StatusOK, unreadResponse{Unread: n})
}

// ---- moderation ----

func (h *Handler) handleMute(w http.ResponseWriter, r *http.Request, callerID string) {
	var req muteRequest
	if !readJSON(w, r, h.cfg.MaxBodyBytes, &req) {
		return
	}
	c, err := h.svc.Mute(r.Context(), req.ConversationID, callerID, req.Muted)
	if err != nil {
		h.writeServiceError(w, r, "chatapi.mute", err)
		return
	}
	writeJSON(w, http.StatusOK, c.Wire())
}

func (h *Handler) handleBlock(w http.ResponseWriter, r *http.Request, callerID string) {
	var req blockRequest
	if !readJSON(w, r, h.cfg.MaxBodyBytes, &req) {
		return
	}
	b, err := h.svc.Block(r.Context(), callerID, req.TargetID, req.Reason)
	if err != nil {
		h.writeServiceError(w, r, "chatapi.block", err)
		return
	}
	writeJSON(w, http.StatusOK, toBlockResponse(b))
}

func (h *Handler) handleUnblock(w http.ResponseWriter, r *http.Request, callerID string) {
	var req unblockRequest
	if !readJSON(w, r, h.cfg.MaxBodyBytes, &req) {
		return
	}
	if err := h.svc.Unblock(r.Context(), callerID, req.TargetID); err != nil {
		h.writeServiceError(w, r, "chatapi.unblock", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---- helpers ----

const maxPageLimit = 200

func parseLimit(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("limit must be a non-negative integer")
	}
	if n > maxPageLimit {
		n = maxPageLimit
	}
	return n, nil
}
