package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	ansiReset = "\033[0m"
	ansiDim   = "\033[2m"
	ansiRed   = "\033[31m"
	ansiGreen = "\033[32m"
	ansiAmber = "\033[33m"
	ansiCyan  = "\033[36m"
)

// PrettyHandler is a slog.Handler writing compact colored lines:
//
//	15:04:05.000 INF message key=value
type PrettyHandler struct {
	level slog.Leveler
	mu    *sync.Mutex
	w     io.Writer
	group string
	attrs []slog.Attr
}

// NewPrettyHandler creates a new PrettyHandler. A nil opts logs info and above.
func NewPrettyHandler(w io.Writer, opts *slog.HandlerOptions) *PrettyHandler {
	var level slog.Leveler = slog.LevelInfo
	if opts != nil && opts.Level != nil {
		level = opts.Level
	}
	return &PrettyHandler{level: level, mu: &sync.Mutex{}, w: w}
}

// Enabled reports whether the handler handles records at the given level.
func (h *PrettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

// Handle formats and writes a log record.
func (h *PrettyHandler) Handle(_ context.Context, r slog.Record) error {
	var sb strings.Builder
	sb.WriteString(ansiDim)
	sb.WriteString(r.Time.Format("15:04:05.000"))
	sb.WriteString(ansiReset)
	sb.WriteByte(' ')
	sb.WriteString(levelTag(r.Level))
	sb.WriteByte(' ')
	sb.WriteString(r.Message)

	for _, a := range h.attrs {
		writeAttr(&sb, a, h.group)
	}
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(&sb, a, h.group)
		return true
	})
	sb.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, sb.String())
	return err
}

// WithAttrs returns a handler that prefixes every record with attrs.
func (h *PrettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return &next
}

// WithGroup returns a handler qualifying subsequent keys with name.
func (h *PrettyHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	if h.group != "" {
		next.group = h.group + "." + name
	} else {
		next.group = name
	}
	return &next
}

func levelTag(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return ansiRed + "ERR" + ansiReset
	case level >= slog.LevelWarn:
		return ansiAmber + "WRN" + ansiReset
	case level >= slog.LevelInfo:
		return ansiGreen + "INF" + ansiReset
	default:
		return ansiDim + "DBG" + ansiReset
	}
}

func writeAttr(sb *strings.Builder, a slog.Attr, group string) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	key := a.Key
	if group != "" {
		key = group + "." + key
	}
	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			writeAttr(sb, ga, key)
		}
		return
	}
	sb.WriteByte(' ')
	sb.WriteString(ansiCyan)
	sb.WriteString(key)
	sb.WriteString(ansiReset)
	sb.WriteByte('=')
	sb.WriteString(formatValue(a.Value))
}

func formatValue(v slog.Value) string {
	switch v.Kind() {
	case slog.KindString:
		s := v.String()
		if needsQuoting(s) {
			return strconv.Quote(s)
		}
		return s
	case slog.KindTime:
		return v.Time().Format(time.RFC3339)
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindFloat64:
		return strconv.FormatFloat(v.Float64(), 'g', 6, 64)
	default:
		return fmt.Sprint(v.Any())
	}
}

func needsQuoting(s string) bool {
	return s == "" || strings.ContainsAny(s, " \t\n\"=")
}
