// Package logging builds the process-wide slog.Logger.
package logging

import (
	"context"
	"io"
	"log/slog"
	"strings"
)

// DefaultMaskKeys are attribute keys whose values never reach the output.
var DefaultMaskKeys = []string{"password", "smtp_password", "dsn", "authorization"}

type Options struct {
	// Level is debug, info, warn or error. Unknown values fall back to info.
	Level string
	// Format is json or text.
	Format  string
	Service string
	// MaskKeys extends DefaultMaskKeys.
	MaskKeys []string
}

func ParseLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo
	}
	return l
}

// New returns a logger writing to w. Time and level keys are renamed to ts and
// severity.
func New(w io.Writer, opts Options) *slog.Logger {
	ho := &slog.HandlerOptions{
		Level: ParseLevel(opts.Level),
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			switch a.Key {
			case slog.TimeKey:
				a.Key = "ts"
			case slog.LevelKey:
				a.Key = "severity"
			}
			return a
		},
	}

	var h slog.Handler
	if strings.EqualFold(opts.Format, "text") {
		h = slog.NewTextHandler(w, ho)
	} else {
		h = slog.NewJSONHandler(w, ho)
	}

	h = &maskHandler{handler: h, keys: maskKeys(append(DefaultMaskKeys, opts.MaskKeys...))}

	log := slog.New(h)
	if opts.Service != "" {
		log = log.With("service", opts.Service)
	}
	return log
}

type maskHandler struct {
	handler slog.Handler
	keys    map[string]struct{}
}

func (h *maskHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

func (h *maskHandler) Handle(ctx context.Context, r slog.Record) error {
	masked := slog.NewRecord(r.Time, r.Level, r.Message, r.PC)
	r.Attrs(func(a slog.Attr) bool {
		masked.AddAttrs(h.mask(a))
		return true
	})
	return h.handler.Handle(ctx, masked)
}

func (h *maskHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make([]slog.Attr, 0, len(attrs))
	for _, a := range attrs {
		out = append(out, h.mask(a))
	}
	return &maskHandler{handler: h.handler.WithAttrs(out), keys: h.keys}
}

func (h *maskHandler) WithGroup(name string) slog.Handler {
	return &maskHandler{handler: h.handler.WithGroup(name), keys: h.keys}
}

func (h *maskHandler) mask(a slog.Attr) slog.Attr {
	if _, ok := h.keys[strings.ToLower(a.Key)]; ok {
		return slog.String(a.Key, "***")
	}
	if a.Value.Kind() == slog.KindGroup {
		group := a.Value.Group()
		out := make([]slog.Attr, 0, len(group))
		for _, ga := range group {
			out = append(out, h.mask(ga))
		}
		a.Value = slog.GroupValue(out...)
	}
	return a
}

func maskKeys(keys []string) map[string]struct{} {
	out := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		k = strings.TrimSpace(strings.ToLower(k))
		if k != "" {
			out[k] = struct{}{}
		}
	}
	return out
}

// Writer adapts a logger to io.Writer for libraries that only accept one,
// such as gin's default writers.
type Writer struct {
	Log   *slog.Logger
	Level slog.Level
}

func (w Writer) Write(p []byte) (int, error) {
	msg := strings.TrimRight(string(p), "\n")
	if msg != "" {
		w.Log.Log(context.Background(), w.Level, msg)
	}
	return len(p), nil
}
