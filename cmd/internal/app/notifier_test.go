package app

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/hibiken/asynq"

	"bazaar/cmd/internal/notify"
)

var _ asynq.Logger = asynqLogger{}

func TestLoadNotifierConfig_Defaults(t *testing.T) {
	t.Setenv("BAZAAR_NOTIFY_QUEUE", "")
	t.Setenv("BAZAAR_NOTIFY_WEBHOOK_TIMEOUT", "3s")

	cfg := LoadNotifierConfig()
	if cfg.Queue != notify.DefaultQueue {
		t.Fatalf("Queue=%q", cfg.Queue)
	}
	if cfg.WebhookTimeout != 3*time.Second {
		t.Fatalf("WebhookTimeout=%v", cfg.WebhookTimeout)
	}
	if cfg.Concurrency != 10 {
		t.Fatalf("Concurrency=%d", cfg.Concurrency)
	}
}

func TestAsynqLogger(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	l := asynqLogger{log: slog.New(slog.NewJSONHandler(&buf, nil))}
	l.Warn("lease ", 3, " expired")

	if !strings.Contains(buf.String(), `"msg":"lease 3 expired"`) {
		t.Fatalf("unexpected output: %s", buf.String())
	}
}
