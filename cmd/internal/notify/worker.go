package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hibiken/asynq"
)

// Worker delivers notification tasks to the push webhook.
type Worker struct {
	webhookURL string
	token      string
	client     *http.Client
	log        *slog.Logger
}

// NewWorker returns a Worker posting to webhookURL.
func NewWorker(webhookURL, token string, hc *http.Client, log *slog.Logger) (*Worker, error) {
	webhookURL = strings.TrimSpace(webhookURL)
	if webhookURL == "" {
		return nil, errors.New("notify: missing webhook url")
	}
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Worker{webhookURL: webhookURL, token: token, client: hc, log: log}, nil
}

// Register mounts the worker's handlers on mux.
func (w *Worker) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TaskMessageNotification, w.ProcessMessage)
}

// ProcessMessage posts one notification. Malformed payloads and 4xx answers
// are not retried; network errors and 5xx are.
func (w *Worker) ProcessMessage(ctx context.Context, t *asynq.Task) error {
	var p Payload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("notify: decode payload: %v: %w", err, asynq.SkipRetry)
	}
	if p.RecipientID == "" {
		return fmt.Errorf("notify: payload without recipient: %w", asynq.SkipRetry)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.webhookURL, bytes.NewReader(t.Payload()))
	if err != nil {
		return fmt.Errorf("notify: creating request: %v: %w", err, asynq.SkipRetry)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: sending webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		w.log.Info("notify.delivered", "conversation_id", p.ConversationID, "recipient_id", p.RecipientID, "message_id", p.MessageID)
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return fmt.Errorf("notify: webhook status %d: %w", resp.StatusCode, asynq.SkipRetry)
	default:
		return fmt.Errorf("notify: webhook status %d", resp.StatusCode)
	}
}
