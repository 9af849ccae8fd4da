package app

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" INFO ":  slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"WARNING": slog.LevelWarn,
		"Error":   slog.LevelError,
		"verbose": slog.LevelInfo,
		"":        slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLogLevel(in); got != want {
			t.Fatalf("parseLogLevel(%q)=%v want=%v", in, got, want)
		}
	}
}

func TestNewHandler_Format(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	for _, format := range []string{"pretty", " Pretty "} {
		if _, ok := newHandler(&buf, "info", format, false).(*prettyHandler); !ok {
			t.Fatalf("format %q must select prettyHandler", format)
		}
	}
	for _, format := range []string{"", "json", "text"} {
		if _, ok := newHandler(&buf, "info", format, false).(*slog.JSONHandler); !ok {
			t.Fatalf("format %q must fall back to JSON", format)
		}
	}
}

func TestNewHandler_LevelFilter(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	for _, format := range []string{"pretty", "json"} {
		h := newHandler(&bytes.Buffer{}, "warn", format, false)
		if h.Enabled(ctx, slog.LevelInfo) {
			t.Fatalf("%s: info must be filtered at warn", format)
		}
		if !h.Enabled(ctx, slog.LevelWarn) || !h.Enabled(ctx, slog.LevelError) {
			t.Fatalf("%s: warn and above must pass", format)
		}
	}
}

func TestNewHandler_JSONRecord(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newHandler(&buf, "debug", "json", true))
	log.Debug("chat.append", "conversation_id", "c-1", "seq", 3)

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("not JSON: %v (%q)", err, buf.String())
	}
	if rec["msg"] != "chat.append" || rec["level"] != "DEBUG" {
		t.Fatalf("unexpected record: %v", rec)
	}
	if rec["conversation_id"] != "c-1" || rec["seq"] != float64(3) {
		t.Fatalf("attributes missing: %v", rec)
	}
	if _, ok := rec[slog.SourceKey]; !ok {
		t.Fatalf("source missing: %v", rec)
	}
	if strings.Contains(buf.String(), "\x1b[") {
		t.Fatalf("JSON output must never carry color codes: %q", buf.String())
	}
}
