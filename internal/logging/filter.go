package logging

import (
	"context"
	"log/slog"
)

// levelFilter applies the default level, or a per-component override once a
// "component" attribute has been attached with Logger.With.
type levelFilter struct {
	next      slog.Handler
	level     slog.Level
	overrides map[string]slog.Level
	effective slog.Level
}

func (f *levelFilter) Enabled(_ context.Context, l slog.Level) bool {
	return l >= f.effective
}

func (f *levelFilter) Handle(ctx context.Context, r slog.Record) error {
	return f.next.Handle(ctx, r)
}

func (f *levelFilter) WithAttrs(attrs []slog.Attr) slog.Handler {
	effective := f.effective
	for _, a := range attrs {
		if a.Key != "component" {
			continue
		}
		if l, ok := f.overrides[a.Value.String()]; ok {
			effective = l
		} else {
			effective = f.level
		}
	}
	return &levelFilter{
		next:      f.next.WithAttrs(attrs),
		level:     f.level,
		overrides: f.overrides,
		effective: effective,
	}
}

func (f *levelFilter) WithGroup(name string) slog.Handler {
	return &levelFilter{
		next:      f.next.WithGroup(name),
		level:     f.level,
		overrides: f.overrides,
		effective: f.effective,
	}
}
