// Package observability provides OpenTelemetry tracing and metrics for the
// ledger daemon, exported over OTLP/gRPC, plus in-process SLO tracking and
// an audit timeline.
//
// # Setup
//
// Create a provider at application startup (a nil config uses
// DefaultConfig):
//
//	p, err := observability.New(ctx, &observability.Config{
//		ServiceName:  "ledgerd",
//		OTLPEndpoint: "otel-collector:4317",
//		SampleRate:   0.1, // 10% sampling
//		BatchTimeout: 5 * time.Second,
//		Enabled:      true,
//	})
//	defer p.Shutdown(ctx)
//
// # Tracing
//
// Create spans manually:
//
//	ctx, span := p.StartSpan(ctx, "operation_name")
//	defer span.End()
//
// # Operations and metrics
//
// TrackOperation starts a span and counts the request; the function it
// returns records the duration, the error if any, an SLO observation and
// an audit timeline entry:
//
//	ctx, finish := p.TrackOperation(ctx, "intent.dispatch")
//	err := dispatch(ctx)
//	finish(err)
//
// RecordRequest, RecordError and RecordDuration update the RED metrics
// directly; they do nothing while telemetry is disabled.
package observability
