package log

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultBufferSize is the number of records kept per instance.
const DefaultBufferSize = 10

// Entry is a single buffered log record.
type Entry struct {
	Time    time.Time      `json:"time"`
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

// Buffer keeps the most recent log records in memory so they can be exposed
// through diagnostics.
type Buffer struct {
	mu      sync.Mutex
	size    int
	entries []Entry
}

// NewBuffer returns a buffer retaining at most size records.
func NewBuffer(size int) *Buffer {
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &Buffer{size: size}
}

func (b *Buffer) add(e Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, e)
	if over := len(b.entries) - b.size; over > 0 {
		b.entries = append(b.entries[:0:0], b.entries[over:]...)
	}
}

// Entries returns a copy of the buffered records, oldest first.
func (b *Buffer) Entries() []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Entry, len(b.entries))
	copy(out, b.entries)
	return out
}

// Handler returns a slog.Handler that records into the buffer at or above
// level and forwards every record to next.
func (b *Buffer) Handler(next slog.Handler, level slog.Leveler) slog.Handler {
	return &bufferHandler{buf: b, next: next, level: level}
}

type bufferHandler struct {
	buf    *Buffer
	next   slog.Handler
	level  slog.Leveler
	attrs  []slog.Attr
	prefix string
}

func (h *bufferHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return l >= h.level.Level() || h.next.Enabled(ctx, l)
}

func (h *bufferHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= h.level.Level() {
		e := Entry{
			Time:    r.Time,
			Level:   r.Level.String(),
			Message: r.Message,
		}
		if n := len(h.attrs) + r.NumAttrs(); n > 0 {
			e.Attrs = make(map[string]any, n)
			for _, a := range h.attrs {
				e.Attrs[a.Key] = a.Value.Resolve().Any()
			}
			r.Attrs(func(a slog.Attr) bool {
				e.Attrs[h.prefix+a.Key] = a.Value.Resolve().Any()
				return true
			})
		}
		h.buf.add(e)
	}
	if h.next.Enabled(ctx, r.Level) {
		return h.next.Handle(ctx, r)
	}
	return nil
}

func (h *bufferHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := *h
	nh.attrs = append(append([]slog.Attr{}, h.attrs...), prefixed(h.prefix, attrs)...)
	nh.next = h.next.WithAttrs(attrs)
	return &nh
}

func (h *bufferHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	nh := *h
	nh.prefix = h.prefix + name + "."
	nh.next = h.next.WithGroup(name)
	return &nh
}

func prefixed(prefix string, attrs []slog.Attr) []slog.Attr {
	if prefix == "" {
		return attrs
	}
	out := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		out[i] = slog.Attr{Key: prefix + a.Key, Value: a.Value}
	}
	return out
}
