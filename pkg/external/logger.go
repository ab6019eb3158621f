package external

import (
	"context"
	"log/slog"
)

// SlogLogger adapts Go's standard structured logger to the Logger
// collaborator contract, matching the teacher's own pkg/observability
// package (log/slog throughout, OpenTelemetry for tracing/metrics) —
// this is the one ambient concern in the pack where the teacher itself
// reaches for the standard library rather than a third-party logging
// framework, so SlogLogger follows suit instead of introducing zap or
// zerolog where the corpus shows none.
type SlogLogger struct {
	logger *slog.Logger
}

func NewSlogLogger(logger *slog.Logger) *SlogLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogLogger{logger: logger}
}

func (s *SlogLogger) Log(ctx context.Context, rec LogRecord) {
	attrs := []any{
		slog.String("component", rec.Component),
	}
	if rec.TraceID != "" {
		attrs = append(attrs, slog.String("trace_id", rec.TraceID))
	}
	if rec.SessionID != "" {
		attrs = append(attrs, slog.String("session_id", rec.SessionID))
	}
	if rec.RealmID != "" {
		attrs = append(attrs, slog.String("realm_id", string(rec.RealmID)))
	}
	for k, v := range rec.Fields {
		attrs = append(attrs, slog.Any(k, v))
	}

	level := slog.LevelInfo
	switch rec.Level {
	case LogDebug:
		level = slog.LevelDebug
	case LogWarn:
		level = slog.LevelWarn
	case LogError:
		level = slog.LevelError
	}

	s.logger.Log(ctx, level, rec.Message, attrs...)
}
