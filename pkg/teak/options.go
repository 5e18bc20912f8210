package teak

import (
	"log/slog"

	"github.com/GoCarrot/teak-go/pkg/teak/observability"
	"github.com/GoCarrot/teak-go/pkg/teak/request"
)

type options struct {
	logger      *slog.Logger
	metrics     observability.MetricsRecorder
	spans       observability.SpanManager
	transport   request.Transport
	store       request.Store
	storePath   string
	maxAttempts int
}

func defaultOptions() *options {
	return &options{
		logger:    slog.Default(),
		metrics:   observability.NoopMetrics{},
		spans:     observability.NoopSpanManager{},
		transport: request.NewHTTPTransport(),
		storePath: "teak-requests.db",
	}
}

// Option configures an Engine.
type Option func(*options)

// WithLogger sets the structured logger. Pass nil to disable logging.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMetrics enables metrics recording. Use
// observability.NewMetricsRecorder() for OpenTelemetry metrics.
func WithMetrics(metrics observability.MetricsRecorder) Option {
	return func(o *options) { o.metrics = metrics }
}

// WithSpans enables trace spans. Use observability.NewSpanManager() for
// OpenTelemetry tracing.
func WithSpans(spans observability.SpanManager) Option {
	return func(o *options) { o.spans = spans }
}

// WithTransport replaces the HTTPS transport. Tests use this to fake the
// backend.
func WithTransport(transport request.Transport) Option {
	return func(o *options) { o.transport = transport }
}

// WithStore replaces the durable request store. The caller keeps ownership
// and must close it after the engine.
func WithStore(store request.Store) Option {
	return func(o *options) { o.store = store }
}

// WithStorePath sets the SQLite file backing the default request store.
func WithStorePath(path string) Option {
	return func(o *options) { o.storePath = path }
}

// WithMaxAttempts bounds delivery retries per payload. Zero (the default)
// retries until acknowledged.
func WithMaxAttempts(n int) Option {
	return func(o *options) { o.maxAttempts = n }
}
