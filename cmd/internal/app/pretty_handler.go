package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

// prettyHandler renders one logfmt-like line per record for local development.
// Conversation and message ULIDs are shortened to their random tail; error
// codes and failures are highlighted.
type prettyHandler struct {
	w      io.Writer
	opts   slog.HandlerOptions
	attrs  []slog.Attr
	groups []string
	color  bool
	mu     *sync.Mutex
}

func newPrettyHandler(w io.Writer, opts *slog.HandlerOptions, color bool) slog.Handler {
	h := &prettyHandler{
		w:     w,
		color: color,
		mu:    &sync.Mutex{},
	}
	if opts != nil {
		h.opts = *opts
	}
	return h
}

func (h *prettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	minLevel := slog.LevelInfo
	if h.opts.Level != nil {
		minLevel = h.opts.Level.Level()
	}
	return level >= minLevel
}

func (h *prettyHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder

	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	fmt.Fprintf(&b, "ts=%s lvl=%s msg=%s",
		paint(ts.Format("15:04:05.000"), ansiDim, h.color),
		levelTag(r.Level, h.color),
		paint(r.Message, ansiBright, h.color),
	)

	if h.opts.AddSource && r.PC != 0 {
		frame, _ := runtime.CallersFrames([]uintptr{r.PC}).Next()
		if frame.File != "" {
			b.WriteString(" src=")
			b.WriteString(paint(filepath.Base(frame.File)+":"+strconv.Itoa(frame.Line), ansiDim, h.color))
		}
	}

	prefix := strings.Join(h.groups, ".")
	for _, a := range h.attrs {
		h.appendAttr(&b, a, prefix)
	}
	r.Attrs(func(a slog.Attr) bool {
		h.appendAttr(&b, a, prefix)
		return true
	})
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, b.String())
	return err
}

func (h *prettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	cp := *h
	cp.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &cp
}

func (h *prettyHandler) WithGroup(name string) slog.Handler {
	if strings.TrimSpace(name) == "" {
		return h
	}
	cp := *h
	cp.groups = append(append([]string{}, h.groups...), name)
	return &cp
}

func (h *prettyHandler) appendAttr(b *strings.Builder, a slog.Attr, prefix string) {
	a.Value = a.Value.Resolve()
	key := strings.TrimSpace(a.Key)
	if key == "" || a.Equal(slog.Attr{}) {
		return
	}

	if a.Value.Kind() == slog.KindGroup {
		next := key
		if prefix != "" {
			next = prefix + "." + key
		}
		for _, ga := range a.Value.Group() {
			h.appendAttr(b, ga, next)
		}
		return
	}

	b.WriteByte(' ')
	if prefix != "" {
		b.WriteString(prefix)
		b.WriteByte('.')
	}
	b.WriteString(remapPrettyKey(key))
	b.WriteByte('=')
	b.WriteString(h.prettyValue(key, a.Value))
}

func (h *prettyHandler) prettyValue(key string, v slog.Value) string {
	switch key {
	case "method":
		return colorizeHTTPMethod(strings.ToUpper(strings.TrimSpace(v.String())), h.color)
	case "path", "route":
		return paint(strings.TrimSpace(v.String()), ansiCyan, h.color)
	case "status":
		if n, ok := valueToInt64(v); ok {
			return colorizeStatusCode(int(n), h.color)
		}
	case "status_class", "class":
		return colorizeStatusClass(strings.TrimSpace(v.String()), h.color)
	case "duration_ms":
		if n, ok := valueToInt64(v); ok {
			return colorizeDurationMS(n, h.color)
		}
	case "result":
		return colorizeResult(strings.ToLower(strings.TrimSpace(v.String())), h.color)
	case "conversation_id", "message_id", "session_id":
		return paint(shortID(v.String()), ansiCyan, h.color)
	case "code":
		return paint(quoteIfNeeded(v.String()), ansiYellow, h.color)
	case "err", "error":
		return paint(quoteIfNeeded(valueToString(v)), ansiRed, h.color)
	}
	return quoteIfNeeded(valueToString(v))
}

// shortID keeps the last 8 characters of a ULID, enough to tell ids apart in a
// dev session.
func shortID(id string) string {
	id = strings.TrimSpace(id)
	if len(id) != 26 {
		return quoteIfNeeded(id)
	}
	return "…" + id[len(id)-8:]
}

func remapPrettyKey(k string) string {
	switch k {
	case "status_class":
		return "class"
	case "duration_ms":
		return "duration"
	case "conversation_id":
		return "conv"
	case "message_id":
		return "msg_id"
	default:
		return k
	}
}

func valueToString(v slog.Value) string {
	switch v.Kind() {
	case slog.KindString:
		return v.String()
	case slog.KindInt64:
		return strconv.FormatInt(v.Int64(), 10)
	case slog.KindUint64:
		return strconv.FormatUint(v.Uint64(), 10)
	case slog.KindFloat64:
		return strconv.FormatFloat(v.Float64(), 'f', -1, 64)
	case slog.KindBool:
		return strconv.FormatBool(v.Bool())
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return v.Time().Format(time.RFC3339)
	default:
		return fmt.Sprint(v.Any())
	}
}

func quoteIfNeeded(s string) string {
	if s == "" {
		return `""`
	}
	if strings.ContainsAny(s, " \t\r\n\"=") {
		return strconv.Quote(s)
	}
	return s
}

var levelTags = []struct {
	min   slog.Level
	tag   string
	color string
}{
	{slog.LevelError, "[ERROR]", ansiRed},
	{slog.LevelWarn, "[WARN]", ansiYellow},
	{slog.LevelInfo, "[INFO]", ansiBlue},
}

func levelTag(level slog.Level, color bool) string {
	for _, t := range levelTags {
		if level >= t.min {
			return paint(t.tag, t.color, color)
		}
	}
	return paint("[DEBUG]", ansiMagenta, color)
}
