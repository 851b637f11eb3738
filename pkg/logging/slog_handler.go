package logging

import (
	"context"
	"log/slog"
)

// BufferHandler is an slog.Handler that records every log record into an
// EventBuffer in addition to a wrapped base handler (typically stderr).
type BufferHandler struct {
	base   slog.Handler
	buf    *EventBuffer
	attrs  []slog.Attr
	groups []string
}

// NewBufferHandler wraps a base slog.Handler with event capture.
func NewBufferHandler(base slog.Handler, buf *EventBuffer) *BufferHandler {
	return &BufferHandler{base: base, buf: buf}
}

// Enabled implements slog.Handler.
func (h *BufferHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.base.Enabled(ctx, level)
}

// Handle implements slog.Handler.
func (h *BufferHandler) Handle(ctx context.Context, r slog.Record) error {
	err := h.base.Handle(ctx, r)

	rec := EventRecord{
		Time:    r.Time,
		Level:   r.Level,
		Message: r.Message,
		Attrs:   make(map[string]string, r.NumAttrs()+len(h.attrs)),
	}
	// Stored attrs already carry the group prefix they were added under.
	for _, a := range h.attrs {
		rec.Attrs[a.Key] = a.Value.String()
	}
	prefix := h.prefix()
	r.Attrs(func(a slog.Attr) bool {
		rec.Attrs[prefix+a.Key] = a.Value.String()
		return true
	})
	h.buf.Add(rec)
	return err
}

func (h *BufferHandler) prefix() string {
	p := ""
	for _, g := range h.groups {
		p += g + "."
	}
	return p
}

// WithAttrs implements slog.Handler.
func (h *BufferHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	prefix := h.prefix()
	stored := append([]slog.Attr{}, h.attrs...)
	for _, a := range attrs {
		stored = append(stored, slog.Attr{Key: prefix + a.Key, Value: a.Value})
	}
	return &BufferHandler{
		base:   h.base.WithAttrs(attrs),
		buf:    h.buf,
		attrs:  stored,
		groups: h.groups,
	}
}

// WithGroup implements slog.Handler.
func (h *BufferHandler) WithGroup(name string) slog.Handler {
	return &BufferHandler{
		base:   h.base.WithGroup(name),
		buf:    h.buf,
		attrs:  h.attrs,
		groups: append(append([]string{}, h.groups...), name),
	}
}
