package logbuf

import (
	"context"
	"log/slog"
	"strings"
)

// Handler tees records into a Buffer and an inner handler. The buffer sees
// every level; the inner handler keeps its own level filter.
type Handler struct {
	inner  slog.Handler
	buf    *Buffer
	prefix string      // dotted group path applied to new attrs
	bound  []slog.Attr // WithAttrs attrs, keys already prefixed
}

// NewHandler wraps inner so records are also captured in buf.
func NewHandler(inner slog.Handler, buf *Buffer) *Handler {
	return &Handler{inner: inner, buf: buf}
}

func (h *Handler) Enabled(context.Context, slog.Level) bool { return true }

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	e := Entry{
		Time:    r.Time,
		Level:   r.Level.String(),
		Message: r.Message,
	}
	attrs := make(map[string]any, len(h.bound)+r.NumAttrs())
	for _, a := range h.bound {
		flatten(attrs, &e.Ticket, "", a)
	}
	r.Attrs(func(a slog.Attr) bool {
		flatten(attrs, &e.Ticket, h.prefix, a)
		return true
	})
	if len(attrs) > 0 {
		e.Attrs = attrs
	}
	h.buf.Write(e)

	if !h.inner.Enabled(ctx, r.Level) {
		return nil
	}
	return h.inner.Handle(ctx, r)
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	bound := make([]slog.Attr, len(h.bound), len(h.bound)+len(attrs))
	copy(bound, h.bound)
	for _, a := range attrs {
		bound = append(bound, slog.Attr{Key: join(h.prefix, a.Key), Value: a.Value})
	}
	return &Handler{inner: h.inner.WithAttrs(attrs), buf: h.buf, prefix: h.prefix, bound: bound}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &Handler{inner: h.inner.WithGroup(name), buf: h.buf, prefix: join(h.prefix, name), bound: h.bound}
}

// flatten writes a into dst under dotted keys, expanding group values.
// A string "ticket" attr at any depth sets *ticket if it is still empty.
func flatten(dst map[string]any, ticket *string, prefix string, a slog.Attr) {
	v := a.Value.Resolve()
	if v.Kind() == slog.KindGroup {
		p := join(prefix, a.Key)
		for _, ga := range v.Group() {
			flatten(dst, ticket, p, ga)
		}
		return
	}
	if a.Key == "" {
		return
	}
	key := join(prefix, a.Key)
	val := v.Any()
	if err, ok := val.(error); ok {
		// errors marshal to {} otherwise
		val = err.Error()
	}
	dst[key] = val
	if *ticket == "" && a.Key == TicketKey {
		if id, ok := val.(string); ok {
			*ticket = id
		}
	}
}

func join(prefix, key string) string {
	switch {
	case prefix == "":
		return key
	case key == "":
		return prefix
	}
	var b strings.Builder
	b.Grow(len(prefix) + 1 + len(key))
	b.WriteString(prefix)
	b.WriteByte('.')
	b.WriteString(key)
	return b.String()
}
