package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records session-engine metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordSessionCreated records a new session and what caused it.
	RecordSessionCreated(ctx context.Context, cause string)

	// RecordStateTransition records a session state change.
	RecordStateTransition(ctx context.Context, from, to string)

	// RecordIdentifyCall records an identification call and whether it
	// carried the do-not-track marker.
	RecordIdentifyCall(ctx context.Context, doNotTrack bool)

	// RecordBatchSend records a flushed batch with its outcome.
	RecordBatchSend(ctx context.Context, endpoint string, size int, duration time.Duration, err error)

	// RecordRetry records a payload rescheduled after a failed send.
	RecordRetry(ctx context.Context, endpoint string)

	// RecordDeepLink records a resolve attempt and whether it dispatched.
	RecordDeepLink(ctx context.Context, handled bool)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	sessionsCreated  metric.Int64Counter
	stateTransitions metric.Int64Counter
	identifyCalls    metric.Int64Counter
	batchSends       metric.Int64Counter
	batchSize        metric.Int64Histogram
	sendLatency      metric.Float64Histogram
	retries          metric.Int64Counter
	deepLinks        metric.Int64Counter
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
	})
	return defaultMetrics, defaultMetricsErr
}

func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("teak")

	sessionsCreated, err := meter.Int64Counter("teak.session.created",
		metric.WithDescription("Number of sessions created"),
	)
	if err != nil {
		return nil, err
	}

	stateTransitions, err := meter.Int64Counter("teak.session.transitions",
		metric.WithDescription("Number of session state transitions"),
	)
	if err != nil {
		return nil, err
	}

	identifyCalls, err := meter.Int64Counter("teak.session.identify_calls",
		metric.WithDescription("Number of identification calls enqueued"),
	)
	if err != nil {
		return nil, err
	}

	batchSends, err := meter.Int64Counter("teak.request.sends",
		metric.WithDescription("Number of batch send attempts"),
	)
	if err != nil {
		return nil, err
	}

	batchSize, err := meter.Int64Histogram("teak.request.batch_size",
		metric.WithDescription("Payload count per flushed batch"),
	)
	if err != nil {
		return nil, err
	}

	sendLatency, err := meter.Float64Histogram("teak.request.latency_ms",
		metric.WithDescription("Batch send latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	retries, err := meter.Int64Counter("teak.request.retries",
		metric.WithDescription("Number of payload retries"),
	)
	if err != nil {
		return nil, err
	}

	deepLinks, err := meter.Int64Counter("teak.deep_link.resolutions",
		metric.WithDescription("Number of deep link resolve attempts"),
	)
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		sessionsCreated:  sessionsCreated,
		stateTransitions: stateTransitions,
		identifyCalls:    identifyCalls,
		batchSends:       batchSends,
		batchSize:        batchSize,
		sendLatency:      sendLatency,
		retries:          retries,
		deepLinks:        deepLinks,
	}, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
// The recorder uses the global OTel meter provider. Configure the provider
// before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

// RecordSessionCreated records a new session.
func (m *otelMetrics) RecordSessionCreated(ctx context.Context, cause string) {
	m.sessionsCreated.Add(ctx, 1, metric.WithAttributes(
		attribute.String("cause", cause),
	))
}

// RecordStateTransition records a session state change.
func (m *otelMetrics) RecordStateTransition(ctx context.Context, from, to string) {
	m.stateTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

// RecordIdentifyCall records an identification call.
func (m *otelMetrics) RecordIdentifyCall(ctx context.Context, doNotTrack bool) {
	m.identifyCalls.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("do_not_track", doNotTrack),
	))
}

// RecordBatchSend records a flushed batch.
func (m *otelMetrics) RecordBatchSend(ctx context.Context, endpoint string, size int, duration time.Duration, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("endpoint", endpoint),
		attribute.Bool("success", err == nil),
	}
	m.batchSends.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.batchSize.Record(ctx, int64(size), metric.WithAttributes(attrs...))
	m.sendLatency.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))
}

// RecordRetry records a payload reschedule.
func (m *otelMetrics) RecordRetry(ctx context.Context, endpoint string) {
	m.retries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("endpoint", endpoint),
	))
}

// RecordDeepLink records a resolve attempt.
func (m *otelMetrics) RecordDeepLink(ctx context.Context, handled bool) {
	m.deepLinks.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("handled", handled),
	))
}
