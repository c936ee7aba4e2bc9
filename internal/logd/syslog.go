package logd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
)

// Extra system-log levels beyond the slog built-ins. CONFIG sits between
// DEBUG and INFO; FATAL above ERROR.
const (
	LevelConfig = slog.Level(-2)
	LevelFatal  = slog.Level(12)
)

// ReplaceLevelNames renders the extra levels in HandlerOptions.ReplaceAttr.
func ReplaceLevelNames(_ []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey {
		return a
	}
	switch a.Value.Any() {
	case LevelConfig:
		a.Value = slog.StringValue("CONFIG")
	case LevelFatal:
		a.Value = slog.StringValue("FATAL")
	}
	return a
}

// systemHandler writes one "<L> <proc>: msg k=v" line per record, where
// <L> is one of D I C W E F. A top-level proc attribute moves into the
// prefix. The record time is dropped; the daemon stamps its own epoch on
// append.
type systemHandler struct {
	w     io.Writer
	mu    *sync.Mutex
	level slog.Leveler
	proc  string
	attrs string // preformatted WithAttrs pairs
	group string // open WithGroup prefix
}

// NewSystemHandler builds the slog handler that feeds the system log.
func NewSystemHandler(w io.Writer, level slog.Leveler) slog.Handler {
	return &systemHandler{w: w, mu: &sync.Mutex{}, level: level}
}

func (h *systemHandler) Enabled(_ context.Context, l slog.Level) bool {
	return l >= h.level.Level()
}

func (h *systemHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	b.WriteByte(levelLetter(r.Level))
	if h.proc != "" {
		b.WriteByte(' ')
		b.WriteString(h.proc)
	}
	b.WriteString(": ")
	b.WriteString(r.Message)
	b.WriteString(h.attrs)
	r.Attrs(func(a slog.Attr) bool {
		appendPair(&b, h.group, a)
		return true
	})
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, b.String())
	return err
}

func (h *systemHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := *h
	var b strings.Builder
	b.WriteString(h.attrs)
	for _, a := range attrs {
		if h.group == "" && a.Key == "proc" && nh.proc == "" {
			nh.proc = a.Value.Resolve().String()
			continue
		}
		appendPair(&b, h.group, a)
	}
	nh.attrs = b.String()
	return &nh
}

func (h *systemHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	nh := *h
	nh.group = h.group + name + "."
	return &nh
}

func levelLetter(l slog.Level) byte {
	switch {
	case l >= LevelFatal:
		return 'F'
	case l >= slog.LevelError:
		return 'E'
	case l >= slog.LevelWarn:
		return 'W'
	case l >= slog.LevelInfo:
		return 'I'
	case l >= LevelConfig:
		return 'C'
	default:
		return 'D'
	}
}

func appendPair(b *strings.Builder, group string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Key == "" && a.Value.Any() == nil {
		return
	}
	if a.Value.Kind() == slog.KindGroup {
		sub := a.Value.Group()
		if len(sub) == 0 {
			return
		}
		if a.Key != "" {
			group = group + a.Key + "."
		}
		for _, ga := range sub {
			appendPair(b, group, ga)
		}
		return
	}
	v := a.Value.String()
	if v == "" || strings.ContainsAny(v, " \t\"") {
		v = strconv.Quote(v)
	}
	fmt.Fprintf(b, " %s%s=%s", group, a.Key, v)
}

// MultiHandler fans one record out to several handlers, each applying its
// own level gate.
type MultiHandler struct {
	handlers []slog.Handler
}

// NewMultiHandler wraps handlers into a single slog.Handler.
func NewMultiHandler(handlers ...slog.Handler) *MultiHandler {
	return &MultiHandler{handlers: handlers}
}

func (m *MultiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *MultiHandler) Handle(ctx context.Context, r slog.Record) error {
	var firstErr error
	for _, h := range m.handlers {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *MultiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	hs := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.WithAttrs(attrs)
	}
	return &MultiHandler{handlers: hs}
}

func (m *MultiHandler) WithGroup(name string) slog.Handler {
	hs := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.WithGroup(name)
	}
	return &MultiHandler{handlers: hs}
}
