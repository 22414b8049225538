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

// consoleHandler renders one line per record for a developer terminal:
//
//	08:00:01.250 INFO  session.active via=refresh user_id=... @coordinator.go:263
//
// Request, recovery, storage and realtime attributes get their own coloring.
type consoleHandler struct {
	out   io.Writer
	level slog.Leveler
	src   bool
	color bool

	bound []boundAttr
	group string // dotted path of open groups

	mu *sync.Mutex
}

// boundAttr is an attribute attached by WithAttrs, under the group path open at that time.
type boundAttr struct {
	attr  slog.Attr
	group string
}

func newConsoleHandler(out io.Writer, opts *slog.HandlerOptions, color bool) *consoleHandler {
	h := &consoleHandler{out: out, level: slog.LevelInfo, color: color, mu: &sync.Mutex{}}
	if opts != nil {
		if opts.Level != nil {
			h.level = opts.Level
		}
		h.src = opts.AddSource
	}
	return h
}

func (h *consoleHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *consoleHandler) Handle(_ context.Context, r slog.Record) error {
	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	var b strings.Builder
	b.WriteString(paint(ts.Format("15:04:05.000"), ansiDim, h.color))
	b.WriteByte(' ')
	b.WriteString(levelLabel(r.Level, h.color))
	b.WriteByte(' ')
	b.WriteString(paint(r.Message, ansiBright, h.color))

	for _, ba := range h.bound {
		h.writeAttr(&b, ba.attr, ba.group)
	}
	r.Attrs(func(a slog.Attr) bool {
		h.writeAttr(&b, a, h.group)
		return true
	})

	if h.src && r.PC != 0 {
		frame, _ := runtime.CallersFrames([]uintptr{r.PC}).Next()
		if frame.File != "" {
			b.WriteString(" ")
			b.WriteString(paint(fmt.Sprintf("@%s:%d", filepath.Base(frame.File), frame.Line), ansiDim, h.color))
		}
	}
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.out, b.String())
	return err
}

func (h *consoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	cp := *h
	cp.bound = make([]boundAttr, 0, len(h.bound)+len(attrs))
	cp.bound = append(cp.bound, h.bound...)
	for _, a := range attrs {
		cp.bound = append(cp.bound, boundAttr{attr: a, group: h.group})
	}
	return &cp
}

func (h *consoleHandler) WithGroup(name string) slog.Handler {
	name = strings.TrimSpace(name)
	if name == "" {
		return h
	}
	cp := *h
	cp.group = joinKey(h.group, name)
	return &cp
}

func (h *consoleHandler) writeAttr(b *strings.Builder, a slog.Attr, group string) {
	a.Value = a.Value.Resolve()
	key := strings.TrimSpace(a.Key)
	if key == "" && a.Value.Kind() != slog.KindGroup {
		return
	}
	full := joinKey(group, key)

	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			h.writeAttr(b, ga, full)
		}
		return
	}

	b.WriteByte(' ')
	b.WriteString(displayKey(full))
	b.WriteByte('=')
	b.WriteString(h.formatValue(full, a.Value))
}

func joinKey(group, key string) string {
	switch {
	case group == "":
		return key
	case key == "":
		return group
	default:
		return group + "." + key
	}
}

// displayKey shortens the request log keys for the terminal.
func displayKey(k string) string {
	switch k {
	case "status_class":
		return "class"
	case "duration_ms":
		return "duration"
	}
	return k
}

func (h *consoleHandler) formatValue(key string, v slog.Value) string {
	switch key {
	// HTTP request log.
	case "method":
		return colorizeHTTPMethod(strings.ToUpper(strings.TrimSpace(v.String())), h.color)
	case "path":
		return paint(strings.TrimSpace(v.String()), ansiCyan, h.color)
	case "status":
		if n, ok := valueToInt64(v); ok {
			return colorizeStatusCode(int(n), h.color)
		}
	case "status_class":
		return colorizeStatusClass(strings.TrimSpace(v.String()), h.color)
	case "duration_ms":
		if n, ok := valueToInt64(v); ok {
			return colorizeDurationMS(n, h.color)
		}
	case "result":
		return colorizeResult(strings.ToLower(strings.TrimSpace(v.String())), h.color)

	// Recovery and storage.
	case "state", "from", "to":
		return colorizeState(strings.TrimSpace(v.String()), h.color)
	case "tier":
		return paint(quoteIfNeeded(v.String()), ansiMagenta, h.color)
	case "user_id", "device", "token":
		return paint(quoteIfNeeded(valueString(v)), ansiDim, h.color)

	// Realtime.
	case "key", "channel":
		return paint(quoteIfNeeded(v.String()), ansiCyan, h.color)

	case "err":
		return paint(quoteIfNeeded(valueString(v)), ansiRed, h.color)
	}
	return quoteIfNeeded(valueString(v))
}

func valueString(v slog.Value) string {
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
	}
	if v.Any() == nil {
		return "<nil>"
	}
	return fmt.Sprint(v.Any())
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

var levelLabels = []struct {
	min   slog.Level
	label string
	code  string
}{
	{slog.LevelError, "ERROR", ansiRed},
	{slog.LevelWarn, "WARN ", ansiYellow},
	{slog.LevelInfo, "INFO ", ansiBlue},
}

// levelLabel pads to a fixed width so messages line up.
func levelLabel(level slog.Level, color bool) string {
	for _, l := range levelLabels {
		if level >= l.min {
			return paint(l.label, l.code, color)
		}
	}
	return paint("DEBUG", ansiMagenta, color)
}
