package spanz

import (
	"context"

	"go.uber.org/zap"
)

// Sink delivers a batch of finished spans to a remote collector. Send must not
// retain batch after returning. A non-nil error makes the buffer requeue the
// batch for the next flush.
type Sink interface {
	Send(ctx context.Context, batch []Span) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, batch []Span) error

// Send calls f.
func (f SinkFunc) Send(ctx context.Context, batch []Span) error {
	return f(ctx, batch)
}

// LogSink writes every span to logger at debug level. Useful during development.
func LogSink(logger *zap.Logger) Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return SinkFunc(func(_ context.Context, batch []Span) error {
		for i := range batch {
			span := &batch[i]
			fields := []zap.Field{
				zap.String("trace_id", span.TraceID),
				zap.String("span_id", span.SpanID),
				zap.String("name", span.Name),
				zap.Stringer("kind", span.Kind),
				zap.Duration("duration", span.Duration),
			}
			if span.ParentID != "" {
				fields = append(fields, zap.String("parent_id", span.ParentID))
			}
			if span.Erroneous {
				fields = append(fields, zap.Int("error_count", span.ErrorCount))
			}
			logger.Debug("span", fields...)
		}
		return nil
	})
}
