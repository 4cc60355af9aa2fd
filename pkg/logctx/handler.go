package logctx

import (
	"context"
	"log/slog"
	"slices"
)

// Handler decorates an slog.Handler so that every record logged with a
// context carrying an Overlay also carries the overlay's fields. Overlay
// fields always land at the top level of the record, outside any group the
// logger was given.
type Handler struct {
	root   slog.Handler
	groups []group
}

// group is one WithGroup call and the attrs added after it.
type group struct {
	name  string
	attrs []slog.Attr
}

// NewHandler wraps next.
func NewHandler(next slog.Handler) *Handler {
	if h, ok := next.(*Handler); ok {
		return h
	}
	return &Handler{root: next}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.root.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, record slog.Record) error {
	o := FromContext(ctx)
	if len(h.groups) == 0 {
		if o != nil && o.Len() > 0 {
			record = record.Clone()
			record.AddAttrs(o.Attrs()...)
		}
		return h.root.Handle(ctx, record)
	}

	attrs := make([]slog.Attr, 0, record.NumAttrs())
	record.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, a)
		return true
	})
	for i := len(h.groups) - 1; i >= 0; i-- {
		members := append(slices.Clip(h.groups[i].attrs), attrs...)
		attrs = attrs[:0:0]
		if len(members) > 0 {
			attrs = append(attrs, slog.Attr{Key: h.groups[i].name, Value: slog.GroupValue(members...)})
		}
	}

	out := slog.NewRecord(record.Time, record.Level, record.Message, record.PC)
	out.AddAttrs(attrs...)
	if o != nil {
		out.AddAttrs(o.Attrs()...)
	}
	return h.root.Handle(ctx, out)
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	if len(h.groups) == 0 {
		return &Handler{root: h.root.WithAttrs(attrs)}
	}
	groups := slices.Clone(h.groups)
	last := &groups[len(groups)-1]
	last.attrs = append(slices.Clip(last.attrs), attrs...)
	return &Handler{root: h.root, groups: groups}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &Handler{root: h.root, groups: append(slices.Clip(h.groups), group{name: name})}
}
