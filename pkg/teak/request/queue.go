package request

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/GoCarrot/teak-go/pkg/teak/observability"
	"github.com/GoCarrot/teak-go/pkg/teak/policy"
)

// Queue batches, persists, sends, and retries outbound payloads.
//
// Each endpoint gets its own worker goroutine, so a slow flush on one
// endpoint never blocks another. The hostname and the batching policy are
// read from the resolver at send time, so a server-directed hostname move
// takes effect on the next flush.
type Queue struct {
	store     Store
	resolver  *policy.Resolver
	transport Transport

	logger  *slog.Logger
	metrics observability.MetricsRecorder
	spans   observability.SpanManager

	// maxAttempts bounds retries per payload. Zero means retry until
	// acknowledged, repeating the last schedule entry's delay.
	maxAttempts int

	now func() time.Time

	mu      sync.Mutex
	workers map[string]*worker
	replies map[string]func(status int, body []byte)
	closed  bool

	quit chan struct{}
	wg   sync.WaitGroup
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the structured logger. A nil logger disables logging.
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) { q.logger = logger }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(metrics observability.MetricsRecorder) Option {
	return func(q *Queue) { q.metrics = metrics }
}

// WithSpans sets the trace span manager.
func WithSpans(spans observability.SpanManager) Option {
	return func(q *Queue) { q.spans = spans }
}

// WithMaxAttempts bounds retries per payload. Zero (the default) retries
// until acknowledged.
func WithMaxAttempts(n int) Option {
	return func(q *Queue) { q.maxAttempts = n }
}

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// NewQueue creates a queue over the given durable store. Payloads persisted
// by a previous process are recovered and scheduled immediately.
func NewQueue(store Store, resolver *policy.Resolver, transport Transport, opts ...Option) (*Queue, error) {
	q := &Queue{
		store:     store,
		resolver:  resolver,
		transport: transport,
		metrics:   observability.NoopMetrics{},
		spans:     observability.NoopSpanManager{},
		now:       time.Now,
		workers:   make(map[string]*worker),
		replies:   make(map[string]func(int, []byte)),
		quit:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}

	pending, err := store.ListPending()
	if err != nil {
		return nil, fmt.Errorf("recover pending: %w", err)
	}
	for _, req := range pending {
		req := req
		go q.dispatch(req)
	}
	return q, nil
}

// EnqueueOption adjusts a single payload.
type EnqueueOption func(*QueuedRequest)

// WithBatchKey sets the logical key used by last-write-wins endpoints.
func WithBatchKey(key string) EnqueueOption {
	return func(r *QueuedRequest) { r.BatchKey = key }
}

// WithDoNotTrack marks the payload as a duplicate/no-op event.
func WithDoNotTrack() EnqueueOption {
	return func(r *QueuedRequest) { r.DoNotTrack = true }
}

// Enqueue accepts a payload for eventual delivery to endpoint. The payload
// is persisted before Enqueue returns; delivery failures are retried per
// policy and never surfaced to the caller.
func (q *Queue) Enqueue(endpoint string, payload map[string]any, opts ...EnqueueOption) error {
	return q.EnqueueWithReply(endpoint, payload, nil, opts...)
}

// EnqueueWithReply is Enqueue, additionally invoking reply once the backend
// acknowledges (or permanently rejects) the payload. Replies do not survive
// a process restart; a recovered payload is delivered without one.
func (q *Queue) EnqueueWithReply(endpoint string, payload map[string]any, reply func(status int, body []byte), opts ...EnqueueOption) error {
	req := QueuedRequest{
		ID:        newRequestID(),
		Endpoint:  endpoint,
		Payload:   payload,
		BatchKey:  endpoint,
		CreatedAt: q.now(),
	}
	for _, opt := range opts {
		opt(&req)
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrStoreClosed
	}
	q.mu.Unlock()

	// Persist before the queue owns the payload, so a crash between here
	// and the flush cannot lose it.
	if err := q.store.Put(req); err != nil {
		return fmt.Errorf("persist request: %w", err)
	}

	if reply != nil {
		q.mu.Lock()
		q.replies[req.ID] = reply
		q.mu.Unlock()
	}

	q.dispatch(req)
	return nil
}

// Close stops the workers. Unsent payloads stay in the store and are
// recovered by the next queue over the same store.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	close(q.quit)
	q.wg.Wait()
}

// dispatch routes a payload to its endpoint worker, creating the worker on
// first use.
func (q *Queue) dispatch(req QueuedRequest) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	w, ok := q.workers[req.Endpoint]
	if !ok {
		w = &worker{q: q, endpoint: req.Endpoint, ch: make(chan QueuedRequest, 64)}
		q.workers[req.Endpoint] = w
		q.wg.Add(1)
		go w.run()
	}
	q.mu.Unlock()

	select {
	case w.ch <- req:
	case <-q.quit:
	}
}

func (q *Queue) policyFor(endpoint string) policy.Endpoint {
	return q.resolver.Endpoint(q.resolver.Hostname(), endpoint)
}

func (q *Queue) takeReply(id string) func(int, []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()
	reply := q.replies[id]
	delete(q.replies, id)
	return reply
}

func (q *Queue) dropReply(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.replies, id)
}

// worker owns batching and flushing for one endpoint.
type worker struct {
	q        *Queue
	endpoint string
	ch       chan QueuedRequest
}

func (w *worker) run() {
	defer w.q.wg.Done()

	var batch []QueuedRequest
	var timer *time.Timer
	var timerC <-chan time.Time

	stopTimer := func() {
		if timer != nil {
			timer.Stop()
			timer = nil
			timerC = nil
		}
	}

	for {
		select {
		case <-w.q.quit:
			stopTimer()
			return

		case req := <-w.ch:
			pol := w.q.policyFor(w.endpoint)
			if pol.Batch.LastWriteWins {
				batch = w.replaceByKey(batch, req)
			} else {
				batch = append(batch, req)
			}
			if timerC == nil {
				timer = time.NewTimer(pol.Batch.Time)
				timerC = timer.C
			}
			if pol.Batch.Count > 0 && len(batch) >= pol.Batch.Count {
				stopTimer()
				w.q.flush(w.endpoint, batch)
				batch = nil
			}

		case <-timerC:
			timer = nil
			timerC = nil
			if len(batch) > 0 {
				w.q.flush(w.endpoint, batch)
				batch = nil
			}
		}
	}
}

// replaceByKey drops any not-yet-sent payload sharing the new payload's
// batch key, so only the most recent one goes out.
func (w *worker) replaceByKey(batch []QueuedRequest, req QueuedRequest) []QueuedRequest {
	out := batch[:0]
	for _, existing := range batch {
		if existing.BatchKey == req.BatchKey {
			if err := w.q.store.Remove(existing.ID); err != nil && err != ErrNotFound {
				if w.q.logger != nil {
					w.q.logger.Warn("request.replace_remove_failed",
						slog.String("request_id", existing.ID),
						slog.String("error", err.Error()))
				}
			}
			w.q.dropReply(existing.ID)
			continue
		}
		out = append(out, existing)
	}
	return append(out, req)
}

// flush sends one batch. Acknowledged payloads are removed from the store;
// failed ones are rescheduled per the endpoint's retry policy.
func (q *Queue) flush(endpoint string, batch []QueuedRequest) {
	sort.Slice(batch, func(i, j int) bool {
		if !batch[i].CreatedAt.Equal(batch[j].CreatedAt) {
			return batch[i].CreatedAt.Before(batch[j].CreatedAt)
		}
		return batch[i].ID < batch[j].ID
	})

	hostname := q.resolver.Hostname()
	payloads := make([]map[string]any, len(batch))
	for i, req := range batch {
		payloads[i] = req.Payload
	}
	body, err := json.Marshal(map[string]any{"batch": payloads})
	if err != nil {
		// Unencodable payloads can never succeed. Drop them.
		for _, req := range batch {
			_ = q.store.Remove(req.ID)
			q.dropReply(req.ID)
		}
		if q.logger != nil {
			q.logger.Error("request.encode_failed",
				slog.String("endpoint", endpoint),
				slog.String("error", err.Error()))
		}
		return
	}

	ctx, span := q.spans.StartFlushSpan(context.Background(), hostname, endpoint, len(batch))
	observability.LogRequestSend(q.logger, hostname, endpoint, len(batch))

	elapsed := observability.TimedOperation()
	status, respBody, err := q.transport.Do(ctx, hostname, endpoint, body, nil)
	q.metrics.RecordBatchSend(ctx, endpoint, len(batch), elapsed(), err)
	q.spans.EndSpanWithError(span, err)

	switch {
	case err == nil && status >= 200 && status <= 299:
		q.ack(endpoint, batch, status, respBody)
	case err == nil && status >= 400 && status < 500 && status != 429:
		q.reject(endpoint, batch, status, respBody)
	default:
		q.reschedule(endpoint, batch, err)
	}
}

func (q *Queue) ack(endpoint string, batch []QueuedRequest, status int, body []byte) {
	for _, req := range batch {
		if err := q.store.Remove(req.ID); err != nil && err != ErrNotFound {
			if q.logger != nil {
				q.logger.Warn("request.remove_failed",
					slog.String("request_id", req.ID),
					slog.String("error", err.Error()))
			}
		}
		observability.LogRequestAck(q.logger, endpoint, req.ID, status)
		if reply := q.takeReply(req.ID); reply != nil {
			go reply(status, body)
		}
	}
}

// reject handles a client error: the backend understood the request and
// refused it, so retrying the same bytes cannot succeed.
func (q *Queue) reject(endpoint string, batch []QueuedRequest, status int, body []byte) {
	for _, req := range batch {
		_ = q.store.Remove(req.ID)
		if q.logger != nil {
			q.logger.Error("request.rejected",
				slog.String("endpoint", endpoint),
				slog.String("request_id", req.ID),
				slog.Int("status", status))
		}
		if reply := q.takeReply(req.ID); reply != nil {
			go reply(status, body)
		}
	}
}

func (q *Queue) reschedule(endpoint string, batch []QueuedRequest, cause error) {
	pol := q.policyFor(endpoint)
	for _, req := range batch {
		req.Attempts++
		if q.maxAttempts > 0 && req.Attempts >= q.maxAttempts {
			_ = q.store.Remove(req.ID)
			q.dropReply(req.ID)
			if q.logger != nil {
				q.logger.Error("request.abandoned",
					slog.String("endpoint", endpoint),
					slog.String("request_id", req.ID),
					slog.Int("attempts", req.Attempts))
			}
			continue
		}
		if err := q.store.Put(req); err != nil && q.logger != nil {
			q.logger.Warn("request.persist_attempts_failed",
				slog.String("request_id", req.ID),
				slog.String("error", err.Error()))
		}
		delay := pol.Retry.Delay(req.Attempts - 1)
		observability.LogRequestRetry(q.logger, endpoint, req.ID, req.Attempts, delay, cause)
		q.metrics.RecordRetry(context.Background(), endpoint)

		req := req
		time.AfterFunc(delay, func() { q.dispatch(req) })
	}
}
