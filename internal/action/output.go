package action

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
)

type outputKey struct{}

// WithOutput returns a context whose actions also stream their log lines
// to fn, one rendered line per call.
func WithOutput(ctx context.Context, fn func(line string)) context.Context {
	return context.WithValue(ctx, outputKey{}, fn)
}

// Output returns the line sink carried by ctx, or nil.
func Output(ctx context.Context) func(line string) {
	fn, _ := ctx.Value(outputKey{}).(func(string))
	return fn
}

// LineWriter calls its function once per line written to it. A trailing
// newline does not produce an empty line.
type LineWriter func(line string)

func (w LineWriter) Write(p []byte) (int, error) {
	for _, line := range bytes.Split(bytes.TrimRight(p, "\n"), []byte("\n")) {
		w(string(line))
	}
	return len(p), nil
}

// OutputLogger returns base, additionally rendering every record as a text
// line into the sink carried by ctx. Without a sink it returns base.
func OutputLogger(ctx context.Context, base *slog.Logger) *slog.Logger {
	sink := Output(ctx)
	if sink == nil {
		return base
	}
	return slog.New(teeHandler{base.Handler(), slog.NewTextHandler(LineWriter(sink), nil)})
}

// teeHandler forwards every record to each of its handlers.
type teeHandler []slog.Handler

func (t teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range t {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (t teeHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range t {
		if h.Enabled(ctx, r.Level) {
			errs = append(errs, h.Handle(ctx, r.Clone()))
		}
	}
	return errors.Join(errs...)
}

func (t teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(teeHandler, len(t))
	for i, h := range t {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (t teeHandler) WithGroup(name string) slog.Handler {
	out := make(teeHandler, len(t))
	for i, h := range t {
		out[i] = h.WithGroup(name)
	}
	return out
}
