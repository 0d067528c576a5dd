package textgen

import (
	"context"
	"time"

	"github.com/harun/paperlens/internal/observability"
	"github.com/harun/paperlens/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// Instrumented decorates a Service with a span, call metrics and a debug log line.
type Instrumented struct {
	next   Service
	logger zerolog.Logger
}

func Instrument(next Service, logger zerolog.Logger) *Instrumented {
	return &Instrumented{next: next, logger: logger}
}

func (s *Instrumented) Provider() string {
	return s.next.Provider()
}

func (s *Instrumented) Generate(ctx context.Context, prompt string) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "paperlens.textgen", "textgen.generate",
		attribute.String("provider", s.next.Provider()),
		attribute.Int("prompt_chars", len(prompt)),
	)

	start := time.Now()
	reply, err := s.next.Generate(ctx, prompt)
	elapsed := time.Since(start)

	observability.RecordTextCall(s.next.Provider(), elapsed, err == nil)
	tracing.EndSpan(span, err)

	logger := tracing.LoggerFromContext(ctx, s.logger)
	if err != nil {
		logger.Debug().Err(err).Bool("transient", IsTransient(err)).Dur("duration", elapsed).Msg("Text generation failed")
		return "", err
	}
	logger.Debug().Int("reply_chars", len(reply)).Dur("duration", elapsed).Msg("Text generation completed")
	return reply, nil
}
