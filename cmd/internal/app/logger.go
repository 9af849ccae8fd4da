package app

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger is the app-wide logger type (slog).
type Logger = *slog.Logger

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured logger on stdout. format "pretty" selects the
// human-readable handler (colored when NO_COLOR is unset); anything else is JSON.
func NewLogger(level, format string) *slog.Logger {
	log := slog.New(newHandler(os.Stdout, level, format, os.Getenv("NO_COLOR") == ""))
	slog.SetDefault(log)
	return log
}

func newHandler(w io.Writer, level, format string, color bool) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:     parseLogLevel(level),
		AddSource: true,
	}
	if strings.EqualFold(strings.TrimSpace(format), "pretty") {
		return newPrettyHandler(w, opts, color)
	}
	return slog.NewJSONHandler(w, opts)
}
