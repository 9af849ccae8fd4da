package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"bazaar/cmd/internal/notify"
)

// NotifierConfig configures the bazaar-notifier worker.
type NotifierConfig struct {
	LogLevel  string
	LogFormat string

	RedisURL    string
	Queue       string
	Concurrency int

	WebhookURL     string
	WebhookToken   string
	WebhookTimeout time.Duration

	ShutdownTimeout time.Duration
}

// LoadNotifierConfig loads NotifierConfig from environment variables with defaults.
func LoadNotifierConfig() NotifierConfig {
	return NotifierConfig{
		LogLevel:  EnvString("BAZAAR_LOG_LEVEL", "info"),
		LogFormat: EnvString("BAZAAR_LOG_FORMAT", "json"),

		RedisURL:    EnvString("BAZAAR_REDIS_URL", ""),
		Queue:       EnvString("BAZAAR_NOTIFY_QUEUE", notify.DefaultQueue),
		Concurrency: EnvInt("BAZAAR_NOTIFY_CONCURRENCY", 10),

		WebhookURL:     EnvString("BAZAAR_NOTIFY_WEBHOOK_URL", ""),
		WebhookToken:   EnvString("BAZAAR_NOTIFY_WEBHOOK_TOKEN", ""),
		WebhookTimeout: EnvDuration("BAZAAR_NOTIFY_WEBHOOK_TIMEOUT", 10*time.Second),

		ShutdownTimeout: EnvDuration("BAZAAR_NOTIFY_SHUTDOWN_TIMEOUT", 30*time.Second),
	}
}

// RunNotifier is the CLI entrypoint used by cmd/bazaar-notifier.
func RunNotifier() error {
	if err := LoadEnvFile(); err != nil {
		return err
	}
	cfg := LoadNotifierConfig()
	log := NewLogger(cfg.LogLevel, cfg.LogFormat)

	if cfg.RedisURL == "" {
		return errors.New("notifier: BAZAAR_REDIS_URL is required")
	}
	opt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("notifier: %w", err)
	}

	worker, err := notify.NewWorker(cfg.WebhookURL, cfg.WebhookToken, &http.Client{Timeout: cfg.WebhookTimeout}, log)
	if err != nil {
		return err
	}

	mux := asynq.NewServeMux()
	worker.Register(mux)

	srv := asynq.NewServer(opt, asynq.Config{
		Concurrency:     cfg.Concurrency,
		Queues:          map[string]int{cfg.Queue: 1},
		ShutdownTimeout: cfg.ShutdownTimeout,
		Logger:          asynqLogger{log: log.With("component", "asynq")},
		ErrorHandler: asynq.ErrorHandlerFunc(func(_ context.Context, task *asynq.Task, err error) {
			log.Warn("notify.task.fail", "type", task.Type(), "err", err)
		}),
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log.Info("notifier.start", "queue", cfg.Queue, "concurrency", cfg.Concurrency)
	if err := srv.Start(mux); err != nil {
		return err
	}

	<-ctx.Done()
	log.Info("notifier.stop", "reason", "context_done")
	srv.Shutdown()
	log.Info("notifier.stopped")
	return nil
}

// asynqLogger adapts slog to asynq.Logger.
type asynqLogger struct {
	log *slog.Logger
}

func (l asynqLogger) Debug(args ...any) { l.log.Debug(fmt.Sprint(args...)) }
func (l asynqLogger) Info(args ...any)  { l.log.Info(fmt.Sprint(args...)) }
func (l asynqLogger) Warn(args ...any)  { l.log.Warn(fmt.Sprint(args...)) }
func (l asynqLogger) Error(args ...any) { l.log.Error(fmt.Sprint(args...)) }

func (l asynqLogger) Fatal(args ...any) {
	l.log.Error(fmt.Sprint(args...))
	os.Exit(1)
}
