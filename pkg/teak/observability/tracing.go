package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracer is the engine's tracer instance.
// Uses the global OTel tracer provider.
var tracer = otel.Tracer("teak")

// SpanManager handles trace span lifecycle.
// Use NewSpanManager() for OTel tracing or NoopSpanManager{} when disabled.
type SpanManager interface {
	// StartSessionSpan starts a span covering a session's lifetime.
	StartSessionSpan(ctx context.Context, sessionID string) (context.Context, trace.Span)

	// StartIdentifySpan starts a span for an identification call.
	StartIdentifySpan(ctx context.Context, sessionID, userID string) (context.Context, trace.Span)

	// StartFlushSpan starts a span for a request queue flush.
	StartFlushSpan(ctx context.Context, hostname, endpoint string, batchSize int) (context.Context, trace.Span)

	// EndSpanWithError completes a span, optionally recording an error.
	EndSpanWithError(span trace.Span, err error)

	// AddSpanEvent adds an event to the current span in context.
	AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue)
}

// otelSpanManager implements SpanManager using OpenTelemetry.
type otelSpanManager struct{}

// NewSpanManager returns a SpanManager that uses OpenTelemetry.
//
// The span manager uses the global OTel tracer provider. Configure the
// provider before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetTracerProvider(yourProvider)
func NewSpanManager() SpanManager {
	return &otelSpanManager{}
}

// StartSessionSpan starts a span covering a session's lifetime.
func (m *otelSpanManager) StartSessionSpan(ctx context.Context, sessionID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "teak.session",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartIdentifySpan starts a span for an identification call.
func (m *otelSpanManager) StartIdentifySpan(ctx context.Context, sessionID, userID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "teak.session.identify",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("user.id", userID),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartFlushSpan starts a span for a request queue flush.
func (m *otelSpanManager) StartFlushSpan(ctx context.Context, hostname, endpoint string, batchSize int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "teak.request.flush",
		trace.WithAttributes(
			attribute.String("net.peer.name", hostname),
			attribute.String("endpoint", endpoint),
			attribute.Int("batch.size", batchSize),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// EndSpanWithError completes a span, optionally recording an error.
func (m *otelSpanManager) EndSpanWithError(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// AddSpanEvent adds an event to the current span.
func (m *otelSpanManager) AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span == nil || !span.IsRecording() {
		return
	}
	span.AddEvent(name, trace.WithAttributes(attrs...))
}
