package chatapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bazaar/cmd/internal/auth"
	"bazaar/cmd/internal/cache"
	"bazaar/cmd/internal/catalog"
	"bazaar/cmd/internal/chat"
	"bazaar/cmd/internal/presence"
	v1 "bazaar/shared/contracts/realtime/v1"
)

const callerHeader = "X-Test-User"

type apiFixture struct {
	ts       *httptest.Server
	presence *presence.Tracker
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newAPIFixture(t *testing.T, svc Service, cfg Config) *apiFixture {
	t.Helper()

	tracker, err := presence.NewTracker(cache.NewMemory(), time.Minute)
	require.NoError(t, err)

	h, err := NewHandler(quietLogger(), svc, cfg, WithPresence(tracker))
	require.NoError(t, err)

	mux := http.NewServeMux()
	h.Register(mux)
	ts := httptest.NewServer(auth.Middleware{TrustedHeader: callerHeader}.Wrap(mux))
	t.Cleanup(ts.Close)

	return &apiFixture{ts: ts, presence: tracker}
}

func newChatService(t *testing.T) *chat.Service {
	t.Helper()
	cat := catalog.NewStatic()
	cat.Put(chat.SubjectRef{Kind: chat.SubjectListing, ID: "bike-1"}, chat.Subject{SellerID: "seller", Title: "Road bike"})
	svc, err := chat.NewService(chat.NewInMemoryStore(), cat, chat.WithLogger(quietLogger()))
	require.NoError(t, err)
	t.Cleanup(svc.Wait)
	return svc
}

func (f *apiFixture) do(t *testing.T, method, path, userID string, body any) (int, http.Header, []byte) {
	t.Helper()

	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(context.Background(), method, f.ts.URL+path, rdr)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if userID != "" {
		req.Header.Set(callerHeader, userID)
	}

	resp, err := f.ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, resp.Header, out
}

func decode[T any](t *testing.T, b []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(b, &v), string(b))
	return v
}

func errorCodeOf(t *testing.T, b []byte) string {
	t.Helper()
	return decode[errorResponse](t, b).Error.Code
}

func (f *apiFixture) resolve(t *testing.T) v1.Conversation {
	t.Helper()
	status, _, body := f.do(t, http.MethodPost, "/v1/conversations", "buyer", resolveRequest{
		SubjectKind: "listing", SubjectID: "bike-1", CounterpartID: "seller",
	})
	require.Equal(t, http.StatusOK, status, string(body))
	return decode[resolveResponse](t, body).Conversation
}

func TestAPI_RequiresCaller(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t, newChatService(t), DefaultConfig())

	status, _, body := f.do(t, http.MethodGet, "/v1/conversations", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "unauthenticated", errorCodeOf(t, body))
}

func TestAPI_Resolve(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t, newChatService(t), DefaultConfig())

	c := f.resolve(t)
	assert.Equal(t, "buyer", c.BuyerID)
	assert.Equal(t, "seller", c.SellerID)

	// The seller resolving toward the buyer lands on the same conversation.
	status, _, body := f.do(t, http.MethodPost, "/v1/conversations", "seller", resolveRequest{
		SubjectKind: "listing", SubjectID: "bike-1", CounterpartID: "buyer",
	})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, c.ID, decode[resolveResponse](t, body).Conversation.ID)

	tests := []struct {
		name   string
		req    any
		status int
		code   string
	}{
		{"self", resolveRequest{SubjectKind: "listing", SubjectID: "bike-1", CounterpartID: "buyer"}, http.StatusBadRequest, "self_conversation"},
		{"unknown subject", resolveRequest{SubjectKind: "listing", SubjectID: "nope", CounterpartID: "seller"}, http.StatusBadRequest, "invalid_input"},
		{"bad kind", resolveRequest{SubjectKind: "boat", SubjectID: "bike-1", CounterpartID: "seller"}, http.StatusBadRequest, "invalid_input"},
		{"unknown field", map[string]string{"subject": "x"}, http.StatusBadRequest, "invalid_json"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, _, body := f.do(t, http.MethodPost, "/v1/conversations", "buyer", tt.req)
			assert.Equal(t, tt.status, status, string(body))
			assert.Equal(t, tt.code, errorCodeOf(t, body))
		})
	}
}

func TestAPI_MessageLifecycle(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t, newChatService(t), DefaultConfig())
	c := f.resolve(t)
	base := "/v1/conversations/" + c.ID

	send := appendRequest{ClientMsgID: "cm-1", Content: v1.Content{Kind: "text", Text: "hello"}}
	status, _, body := f.do(t, http.MethodPost, base+"/messages", "buyer", send)
	require.Equal(t, http.StatusCreated, status, string(body))
	first := decode[appendResponse](t, body)
	assert.False(t, first.Duplicated)

	status, _, body = f.do(t, http.MethodPost, base+"/messages", "buyer", send)
	require.Equal(t, http.StatusOK, status, string(body))
	again := decode[appendResponse](t, body)
	assert.True(t, again.Duplicated)
	assert.Equal(t, first.Message.ID, again.Message.ID)

	status, _, body = f.do(t, http.MethodPost, base+"/messages", "buyer", appendRequest{Content: v1.Content{Kind: "text", Text: "  "}})
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, "empty_content", errorCodeOf(t, body))

	status, _, body = f.do(t, http.MethodPost, base+"/messages", "buyer", appendRequest{Content: v1.Content{Kind: "image"}})
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, "missing_media", errorCodeOf(t, body))

	status, _, body = f.do(t, http.MethodGet, base+"/unread", "seller", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 1, decode[unreadResponse](t, body).Unread)

	status, _, body = f.do(t, http.MethodPost, base+"/read", "seller", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 1, decode[markReadResponse](t, body).Marked)

	status, _, body = f.do(t, http.MethodPost, base+"/read", "seller", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 0, decode[markReadResponse](t, body).Marked)

	status, _, body = f.do(t, http.MethodGet, base+"/messages?limit=10", "seller", nil)
	require.Equal(t, http.StatusOK, status)
	page := decode[messageListResponse](t, body)
	require.Len(t, page.Messages, 1)
	assert.True(t, page.Messages[0].IsRead)
	assert.False(t, page.HasMore)

	status, _, body = f.do(t, http.MethodGet, base+"/messages", "stranger", nil)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "not_a_participant", errorCodeOf(t, body))

	status, _, body = f.do(t, http.MethodGet, base+"/messages?limit=-1", "seller", nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid_input", errorCodeOf(t, body))

	mid := first.Message.ID
	status, _, body = f.do(t, http.MethodDelete, base+"/messages/"+mid, "seller", nil)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "not_sender", errorCodeOf(t, body))

	status, _, body = f.do(t, http.MethodDelete, base+"/messages/"+mid, "buyer", nil)
	require.Equal(t, http.StatusOK, status, string(body))
	assert.NotNil(t, decode[v1.Message](t, body).DeletedAt)

	status, _, _ = f.do(t, http.MethodDelete, base+"/messages/missing", "buyer", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestAPI_ConversationReads(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t, newChatService(t), DefaultConfig())
	c := f.resolve(t)

	status, _, _ := f.do(t, http.MethodPost, "/v1/conversations/"+c.ID+"/messages", "seller",
		appendRequest{Content: v1.Content{Kind: "text", Text: "yes, still available"}})
	require.Equal(t, http.StatusCreated, status)

	require.NoError(t, f.presence.Touch(context.Background(), "seller"))

	status, _, body := f.do(t, http.MethodGet, "/v1/conversations/"+c.ID, "buyer", nil)
	require.Equal(t, http.StatusOK, status, string(body))
	got := decode[conversationResponse](t, body)
	assert.Equal(t, c.ID, got.ID)
	assert.Equal(t, "buyer", got.Role)
	assert.Equal(t, 1, got.Unread)
	require.NotNil(t, got.Subject)
	assert.Equal(t, "Road bike", got.Subject.Title)
	require.NotNil(t, got.CounterpartOnline)
	assert.True(t, *got.CounterpartOnline)

	status, _, body = f.do(t, http.MethodGet, "/v1/conversations?limit=1", "buyer", nil)
	require.Equal(t, http.StatusOK, status)
	list := decode[conversationListResponse](t, body)
	require.Len(t, list.Conversations, 1)
	assert.Equal(t, 1, list.Conversations[0].Unread)
	require.NotNil(t, list.Next)
	assert.Equal(t, c.ID, list.Next.BeforeID)

	status, _, body = f.do(t, http.MethodGet, "/v1/conversations?before_updated_at=yesterday", "buyer", nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid_input", errorCodeOf(t, body))

	status, _, body = f.do(t, http.MethodGet, "/v1/conversations/missing", "buyer", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "conversation_not_found", errorCodeOf(t, body))
}

func TestAPI_DeleteConversationOwnerOnly(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t, newChatService(t), DefaultConfig())
	c := f.resolve(t)
	path := "/v1/conversations/" + c.ID

	status, _, body := f.do(t, http.MethodDelete, path, "buyer", nil)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "not_owner", errorCodeOf(t, body))

	status, _, _ = f.do(t, http.MethodDelete, path, "seller", nil)
	assert.Equal(t, http.StatusNoContent, status)

	status, _, _ = f.do(t, http.MethodGet, path, "seller", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestAPI_Moderation(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t, newChatService(t), DefaultConfig())
	c := f.resolve(t)
	msgs := "/v1/conversations/" + c.ID + "/messages"

	status, _, body := f.do(t, http.MethodPost, "/v1/moderation/mute", "buyer", muteRequest{ConversationID: c.ID, Muted: true})
	require.Equal(t, http.StatusOK, status, string(body))
	muted := decode[v1.Conversation](t, body)
	assert.True(t, muted.BuyerMuted)
	assert.False(t, muted.SellerMuted)

	status, _, body = f.do(t, http.MethodPost, "/v1/moderation/mute", "stranger", muteRequest{ConversationID: c.ID, Muted: true})
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "not_a_participant", errorCodeOf(t, body))

	status, _, body = f.do(t, http.MethodPost, "/v1/moderation/block", "seller", blockRequest{TargetID: "buyer", Reason: "spam"})
	require.Equal(t, http.StatusOK, status, string(body))
	blk := decode[blockResponse](t, body)
	assert.Equal(t, "seller", blk.BlockerID)
	assert.Equal(t, "spam", blk.Reason)

	// A block stops delivery in both directions.
	for _, sender := range []string{"buyer", "seller"} {
		status, _, body = f.do(t, http.MethodPost, msgs, sender, appendRequest{Content: v1.Content{Kind: "text", Text: "hi"}})
		assert.Equal(t, http.StatusForbidden, status, sender)
		assert.Equal(t, "blocked", errorCodeOf(t, body))
	}

	status, _, body = f.do(t, http.MethodPost, "/v1/moderation/block", "seller", blockRequest{TargetID: "seller"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "self_conversation", errorCodeOf(t, body))

	status, _, _ = f.do(t, http.MethodPost, "/v1/moderation/unblock", "seller", unblockRequest{TargetID: "buyer"})
	assert.Equal(t, http.StatusNoContent, status)

	status, _, _ = f.do(t, http.MethodPost, msgs, "buyer", appendRequest{Content: v1.Content{Kind: "text", Text: "hi again"}})
	assert.Equal(t, http.StatusCreated, status)
}

func TestAPI_SendRateLimited(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t, newChatService(t), Config{SendRate: 0.001, SendBurst: 1})
	c := f.resolve(t)
	msgs := "/v1/conversations/" + c.ID + "/messages"

	status, _, _ := f.do(t, http.MethodPost, msgs, "buyer", appendRequest{Content: v1.Content{Kind: "text", Text: "one"}})
	require.Equal(t, http.StatusCreated, status)

	status, hdr, body := f.do(t, http.MethodPost, msgs, "buyer", appendRequest{Content: v1.Content{Kind: "text", Text: "two"}})
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.Equal(t, "rate_limited", errorCodeOf(t, body))
	assert.NotEmpty(t, hdr.Get("Retry-After"))

	// Buckets are per caller.
	status, _, _ = f.do(t, http.MethodPost, msgs, "seller", appendRequest{Content: v1.Content{Kind: "text", Text: "three"}})
	assert.Equal(t, http.StatusCreated, status)
}

type unavailableService struct{ Service }

func (unavailableService) Conversations(context.Context, string, *chat.ConversationCursor, int) ([]chat.ConversationView, error) {
	return nil, chat.OpError{Op: "chat.Conversations", Kind: chat.ErrStorageUnavailable}
}

func (unavailableService) UnreadCount(context.Context, string, string) (int, error) {
	return 0, io.ErrUnexpectedEOF
}

func TestAPI_ErrorStatusMapping(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t, unavailableService{}, Config{RetryAfter: 3 * time.Second})

	status, hdr, body := f.do(t, http.MethodGet, "/v1/conversations", "buyer", nil)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "storage_unavailable", errorCodeOf(t, body))
	assert.Equal(t, "3", hdr.Get("Retry-After"))

	status, _, body = f.do(t, http.MethodGet, "/v1/conversations/c1/unread", "buyer", nil)
	assert.Equal(t, http.StatusInternalServerError, status)
	got := decode[errorResponse](t, body)
	assert.Equal(t, "internal", got.Error.Code)
	assert.Equal(t, "internal error", got.Error.Message)
}

func TestStatusFor(t *testing.T) {
	t.Parallel()
	tests := map[string]int{
		"invalid_input":          http.StatusBadRequest,
		"self_conversation":      http.StatusBadRequest,
		"empty_content":          http.StatusUnprocessableEntity,
		"missing_media":          http.StatusUnprocessableEntity,
		"not_a_participant":      http.StatusForbidden,
		"blocked":                http.StatusForbidden,
		"not_owner":              http.StatusForbidden,
		"conversation_not_found": http.StatusNotFound,
		"message_not_found":      http.StatusNotFound,
		"storage_unavailable":    http.StatusServiceUnavailable,
		"internal":               http.StatusInternalServerError,
	}
	for code, want := range tests {
		assert.Equal(t, want, statusFor(code), code)
	}
}

func TestAPI_BodyLimits(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t, newChatService(t), Config{MaxBodyBytes: 256})
	conv := f.resolve(t)

	big := appendRequest{Content: v1.Content{Kind: "text", Text: string(bytes.Repeat([]byte("x"), 1024))}}
	status, _, body := f.do(t, http.MethodPost, "/v1/conversations/"+conv.ID+"/messages", "buyer", big)
	assert.Equal(t, http.StatusRequestEntityTooLarge, status)
	assert.Equal(t, codeBodyTooLarge, errorCodeOf(t, body))

	status, _, body = f.do(t, http.MethodPost, "/v1/moderation/block", "buyer", map[string]any{"target_id": "seller", "extra": 1})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, codeInvalidJSON, errorCodeOf(t, body))
}
