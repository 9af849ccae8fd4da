package sendqueue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	v1 "bazaar/shared/contracts/realtime/v1"
)

// HTTPTransport implements Transport against the chat HTTP API.
type HTTPTransport struct {
	baseURL string
	client  *http.Client

	// Authorize decorates each request, typically with a bearer token.
	Authorize func(*http.Request)
}

// NewHTTPTransport returns a transport for the API at baseURL.
func NewHTTPTransport(baseURL string, hc *http.Client) (*HTTPTransport, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("sendqueue: missing base url")
	}
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPTransport{baseURL: baseURL, client: hc}, nil
}

// BearerToken returns an Authorize func sending token.
func BearerToken(token string) func(*http.Request) {
	return func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }
}

type sendBody struct {
	ClientMsgID string     `json:"client_msg_id,omitempty"`
	Content     v1.Content `json:"content"`
}

type sendReply struct {
	Message    v1.Message `json:"message"`
	Duplicated bool       `json:"duplicated"`
}

type listReply struct {
	Messages []v1.Message `json:"messages"`
	HasMore  bool         `json:"has_more"`
}

type errorReply struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

var _ Transport = (*HTTPTransport)(nil)

func (t *HTTPTransport) Send(ctx context.Context, req SendRequest) (v1.Message, error) {
	body, err := json.Marshal(sendBody{ClientMsgID: req.ClientMsgID, Content: req.Content})
	if err != nil {
		return v1.Message{}, fmt.Errorf("sendqueue: marshal: %w", err)
	}
	path := "/v1/conversations/" + url.PathEscape(req.ConversationID) + "/messages"

	var out sendReply
	if err := t.do(ctx, http.MethodPost, path, body, &out); err != nil {
		return v1.Message{}, err
	}
	return out.Message, nil
}

func (t *HTTPTransport) ListAfter(ctx context.Context, conversationID, afterID string, limit int) ([]v1.Message, bool, error) {
	q := url.Values{}
	if afterID != "" {
		q.Set("after_id", afterID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/v1/conversations/" + url.PathEscape(conversationID) + "/messages"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var out listReply
	if err := t.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, false, err
	}
	return out.Messages, out.HasMore, nil
}

func (t *HTTPTransport) do(ctx context.Context, method, path string, body []byte, dst any) error {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, t.baseURL+path, rdr)
	if err != nil {
		return fmt.Errorf("sendqueue: creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if t.Authorize != nil {
		t.Authorize(req)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("sendqueue: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("sendqueue: reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		re := &RemoteError{Status: resp.StatusCode}
		var er errorReply
		if json.Unmarshal(raw, &er) == nil && er.Error.Code != "" {
			re.Code, re.Message = er.Error.Code, er.Error.Message
		} else {
			re.Message = strings.TrimSpace(string(raw))
		}
		return re
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("sendqueue: decoding response: %w", err)
	}
	return nil
}
