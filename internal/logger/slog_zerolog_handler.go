package logger

import (
	"context"
	"log/slog"
	"strings"

	"github.com/rs/zerolog"
)

// zlHandler adapts zerolog to the slog API. Groups are flattened into
// dot-joined key prefixes so grouped attrs stay greppable in the JSON
// output ("db.op" rather than a nested object).
type zlHandler struct {
	zl     *zerolog.Logger
	attr   []slog.Attr
	groups []string
}

// NewSlog wraps a zerolog logger in the slog API so packages can take a
// plain *slog.Logger.
func NewSlog(zl *zerolog.Logger) *slog.Logger {
	return slog.New(&zlHandler{zl: zl})
}

func (h *zlHandler) Enabled(_ context.Context, l slog.Level) bool {
	gl := zerolog.GlobalLevel()
	switch {
	case l <= slog.LevelDebug:
		return gl <= zerolog.DebugLevel
	case l == slog.LevelWarn:
		return gl <= zerolog.WarnLevel
	case l >= slog.LevelError:
		return gl <= zerolog.ErrorLevel
	default:
		return gl <= zerolog.InfoLevel
	}
}

func (h *zlHandler) Handle(ctx context.Context, r slog.Record) error {
	base := FromContext(ctx, h.zl)

	var ev *zerolog.Event
	switch {
	case r.Level <= slog.LevelDebug:
		ev = base.Debug()
	case r.Level == slog.LevelWarn:
		ev = base.Warn()
	case r.Level >= slog.LevelError:
		ev = base.Error()
	default:
		ev = base.Info()
	}

	for _, a := range h.attr {
		ev = addAttr(ev, "", a)
	}
	prefix := strings.Join(h.groups, ".")
	r.Attrs(func(a slog.Attr) bool {
		ev = addAttr(ev, prefix, a)
		return true
	})

	ev.Msg(r.Message)
	return nil
}

func (h *zlHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	cp := *h
	prefix := strings.Join(h.groups, ".")
	cp.attr = append(append([]slog.Attr{}, h.attr...), prefixAttrs(prefix, attrs)...)
	return &cp
}

func (h *zlHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	cp := *h
	cp.groups = append(append([]string{}, h.groups...), name)
	return &cp
}

func prefixAttrs(prefix string, attrs []slog.Attr) []slog.Attr {
	if prefix == "" {
		return attrs
	}
	out := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		out[i] = slog.Attr{Key: prefix + "." + a.Key, Value: a.Value}
	}
	return out
}

func addAttr(ev *zerolog.Event, prefix string, a slog.Attr) *zerolog.Event {
	key := a.Key
	if prefix != "" {
		key = prefix + "." + key
	}
	a.Value = a.Value.Resolve()
	switch a.Value.Kind() {
	case slog.KindString:
		return ev.Str(key, a.Value.String())
	case slog.KindInt64:
		return ev.Int64(key, a.Value.Int64())
	case slog.KindFloat64:
		return ev.Float64(key, a.Value.Float64())
	case slog.KindBool:
		return ev.Bool(key, a.Value.Bool())
	case slog.KindGroup:
		for _, ga := range a.Value.Group() {
			ev = addAttr(ev, key, ga)
		}
		return ev
	default:
		return ev.Interface(key, a.Value.Any())
	}
}
