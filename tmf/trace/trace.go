// Package trace provides lightweight spans over the process logger.
package trace

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Tracer emits spans and events for observability.
type Tracer interface {
	StartSpan(ctx context.Context, name string, attrs map[string]any) (context.Context, func(err error))
	Event(ctx context.Context, name string, attrs map[string]any)
}

type spanLoggerKey struct{}

// ZerologTracer implements Tracer by logging span boundaries with zerolog.
type ZerologTracer struct {
	logger zerolog.Logger
}

// NewZerologTracer creates a new zerolog tracer.
func NewZerologTracer(logger zerolog.Logger) *ZerologTracer {
	return &ZerologTracer{logger: logger}
}

// StartSpan starts a span and returns the derived context and its finish function.
func (t *ZerologTracer) StartSpan(ctx context.Context, name string, attrs map[string]any) (context.Context, func(err error)) {
	lctx := spanLogger(ctx, t.logger).With().Str("span", name)
	for k, v := range attrs {
		lctx = lctx.Interface(k, v)
	}
	logger := lctx.Logger()

	ctx = context.WithValue(ctx, spanLoggerKey{}, logger)
	start := time.Now()
	logger.Debug().Str("event", "span_start").Msg("Starting span")

	finish := func(err error) {
		event := logger.Debug()
		if err != nil {
			event = logger.Info().Err(err)
		}
		event.
			Str("event", "span_end").
			Dur("duration", time.Since(start)).
			Msg("Ending span")
	}
	return ctx, finish
}

// Event logs a tracing event attached to the current span, if any.
func (t *ZerologTracer) Event(ctx context.Context, name string, attrs map[string]any) {
	logger := spanLogger(ctx, t.logger)
	event := logger.Debug()
	for k, v := range attrs {
		event = event.Interface(k, v)
	}
	event.Str("event", name).Msg("Tracing event")
}

func spanLogger(ctx context.Context, fallback zerolog.Logger) zerolog.Logger {
	if logger, ok := ctx.Value(spanLoggerKey{}).(zerolog.Logger); ok {
		return logger
	}
	return fallback
}

// Nop is a Tracer that records nothing.
type Nop struct{}

func (Nop) StartSpan(ctx context.Context, _ string, _ map[string]any) (context.Context, func(error)) {
	return ctx, func(error) {}
}

func (Nop) Event(context.Context, string, map[string]any) {}

var (
	_ Tracer = (*ZerologTracer)(nil)
	_ Tracer = Nop{}
)
