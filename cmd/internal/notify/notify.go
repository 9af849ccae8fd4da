// Package notify hands new-message notifications to the push pipeline.
//
// The API process enqueues a task per notification (AsynqNotifier); the
// bazaar-notifier worker consumes them and posts to the push webhook
// (Worker). Delivery is best effort: the chat core never waits on it.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hibiken/asynq"

	"bazaar/cmd/internal/chat"
)

// TaskMessageNotification is the asynq task type for one notification.
const TaskMessageNotification = "notification:message"

const (
	DefaultQueue    = "notifications"
	defaultMaxRetry = 5
	defaultTimeout  = 30 * time.Second
	defaultUnique   = 10 * time.Minute
)

// Payload is the JSON body of a TaskMessageNotification.
type Payload struct {
	ConversationID string `json:"conversation_id"`
	RecipientID    string `json:"recipient_id"`
	SenderID       string `json:"sender_id"`
	MessageID      string `json:"message_id"`
	Preview        string `json:"preview"`
}

func payloadOf(ev chat.NotificationEvent) Payload {
	return Payload{
		ConversationID: ev.ConversationID,
		RecipientID:    ev.RecipientID,
		SenderID:       ev.SenderID,
		MessageID:      ev.MessageID,
		Preview:        ev.Preview,
	}
}

// NewTask builds the asynq task for ev.
func NewTask(ev chat.NotificationEvent) (*asynq.Task, error) {
	if strings.TrimSpace(ev.RecipientID) == "" || strings.TrimSpace(ev.ConversationID) == "" {
		return nil, errors.New("notify: recipient and conversation are required")
	}
	b, err := json.Marshal(payloadOf(ev))
	if err != nil {
		return nil, fmt.Errorf("notify: marshal payload: %w", err)
	}
	return asynq.NewTask(TaskMessageNotification, b), nil
}

// Enqueuer is the subset of *asynq.Client used by AsynqNotifier.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// AsynqNotifier implements chat.Notifier by enqueueing tasks in Redis.
type AsynqNotifier struct {
	client Enqueuer
	queue  string
	log    *slog.Logger
}

// NewAsynqNotifier returns a notifier enqueueing into queue (DefaultQueue when empty).
func NewAsynqNotifier(client Enqueuer, queue string, log *slog.Logger) (*AsynqNotifier, error) {
	if client == nil {
		return nil, errors.New("notify: nil asynq client")
	}
	if strings.TrimSpace(queue) == "" {
		queue = DefaultQueue
	}
	if log == nil {
		log = slog.Default()
	}
	return &AsynqNotifier{client: client, queue: queue, log: log}, nil
}

var _ chat.Notifier = (*AsynqNotifier)(nil)

// Notify enqueues ev. Tasks are unique per message and recipient so a
// retried append cannot produce a second push.
func (n *AsynqNotifier) Notify(ctx context.Context, ev chat.NotificationEvent) error {
	task, err := NewTask(ev)
	if err != nil {
		return err
	}

	opts := []asynq.Option{
		asynq.Queue(n.queue),
		asynq.MaxRetry(defaultMaxRetry),
		asynq.Timeout(defaultTimeout),
	}
	if ev.MessageID != "" {
		opts = append(opts, asynq.TaskID(ev.MessageID+":"+ev.RecipientID), asynq.Retention(defaultUnique))
	}

	info, err := n.client.EnqueueContext(ctx, task, opts...)
	if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("notify: enqueue: %w", err)
	}
	n.log.Debug("notify.enqueued", "task_id", info.ID, "queue", info.Queue, "conversation_id", ev.ConversationID, "recipient_id", ev.RecipientID)
	return nil
}

// LogNotifier logs notifications instead of delivering them. Used when no
// Redis is configured.
type LogNotifier struct {
	Log *slog.Logger
}

var _ chat.Notifier = LogNotifier{}

func (n LogNotifier) Notify(_ context.Context, ev chat.NotificationEvent) error {
	log := n.Log
	if log == nil {
		log = slog.Default()
	}
	log.Info("notify.skip",
		"conversation_id", ev.ConversationID,
		"recipient_id", ev.RecipientID,
		"message_id", ev.MessageID,
		"preview_len", len(ev.Preview),
	)
	return nil
}
