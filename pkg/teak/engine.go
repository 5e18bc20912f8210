package teak

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/GoCarrot/teak-go/pkg/teak/config"
	"github.com/GoCarrot/teak-go/pkg/teak/deeplink"
	"github.com/GoCarrot/teak-go/pkg/teak/event"
	"github.com/GoCarrot/teak-go/pkg/teak/policy"
	"github.com/GoCarrot/teak-go/pkg/teak/request"
	"github.com/GoCarrot/teak-go/pkg/teak/session"
)

// Engine composes the event bus, deep link router, policy resolver, session
// manager, and request queue into one facade. Create with New, start with
// Start, and release with Close.
type Engine struct {
	cfg *config.AppConfig

	bus      *event.Bus
	router   *deeplink.Router
	resolver *policy.Resolver
	store    request.Store
	queue    *request.Queue
	manager  *session.Manager
	fetcher  *policy.Fetcher

	logger   *slog.Logger
	ownStore bool
}

// queueReporter adapts the request queue to the session manager's Reporter.
type queueReporter struct {
	queue *request.Queue
}

func (r queueReporter) Enqueue(endpoint string, payload map[string]any) error {
	return r.queue.Enqueue(endpoint, payload)
}

func (r queueReporter) EnqueueWithReply(endpoint string, payload map[string]any, reply func(status int, body []byte)) error {
	return r.queue.EnqueueWithReply(endpoint, payload, reply)
}

// New creates an engine. The returned engine is idle until Start.
func New(cfg *config.AppConfig, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	store := o.store
	ownStore := false
	if store == nil {
		var err error
		store, err = request.NewSQLiteStore(o.storePath)
		if err != nil {
			return nil, fmt.Errorf("open request store: %w", err)
		}
		ownStore = true
	}

	bus := event.NewBus(o.logger)
	router := deeplink.NewRouter(cfg.Schemes(), o.logger, deeplink.WithMetrics(o.metrics))
	resolver := policy.NewResolver(bus)

	queue, err := request.NewQueue(store, resolver, o.transport,
		request.WithLogger(o.logger),
		request.WithMetrics(o.metrics),
		request.WithSpans(o.spans),
		request.WithMaxAttempts(o.maxAttempts),
	)
	if err != nil {
		if ownStore {
			store.Close()
		}
		return nil, fmt.Errorf("create request queue: %w", err)
	}

	manager := session.NewManager(cfg, bus, resolver, queueReporter{queue: queue},
		session.WithLogger(o.logger),
		session.WithMetrics(o.metrics),
		session.WithSpans(o.spans),
		session.WithRouter(router),
		session.WithTransport(o.transport),
	)

	fetcher := policy.NewFetcher(cfg.AppID, o.transport, bus, router.Routes, o.logger)

	return &Engine{
		cfg:      cfg,
		bus:      bus,
		router:   router,
		resolver: resolver,
		store:    store,
		queue:    queue,
		manager:  manager,
		fetcher:  fetcher,
		logger:   o.logger,
		ownStore: ownStore,
	}, nil
}

// Start fetches the remote settings snapshot in the background. Until it
// arrives (or if it never does), every component answers from compiled-in
// defaults, so starting is never blocked on the network.
func (e *Engine) Start(ctx context.Context) {
	go func() {
		if err := e.fetcher.Fetch(ctx); err != nil && e.logger != nil {
			e.logger.Warn("engine.settings_fetch_failed",
				slog.String("error", err.Error()))
		}
	}()
}

// Close releases the engine: the session expires, queue workers stop, and
// unsent payloads stay persisted for the next run.
func (e *Engine) Close() {
	e.manager.Close()
	e.queue.Close()
	e.router.Close()
	if e.ownStore {
		e.store.Close()
	}
}

// Bus returns the engine's event bus. Platform integrations publish device
// events (advertising info, push registration) here.
func (e *Engine) Bus() *event.Bus { return e.bus }

// OnLifecycleEvent reports a foreground/background transition of the host
// application together with its launch context.
func (e *Engine) OnLifecycleEvent(state event.LifecycleState, launch event.LaunchData) {
	e.bus.Publish(event.LifecycleEvent{State: state, Launch: launch})
}

// OnIdentityChanged asserts the stable user identifier. Changing it retires
// the current session and starts a new one.
func (e *Engine) OnIdentityChanged(userID string) {
	e.bus.Publish(event.UserIDEvent{UserID: userID})
}

// OnURIReceived routes a deep link URI. Returns whether a registered route
// matched; the handler itself runs asynchronously.
func (e *Engine) OnURIReceived(uri string) bool {
	return e.router.Resolve(uri)
}

// RegisterRoute adds a deep link route. See deeplink.Router.Register.
func (e *Engine) RegisterRoute(pattern, name, description string, handler deeplink.Handler) error {
	return e.router.Register(pattern, name, description, handler)
}

// EnqueueEvent accepts an analytics payload for batched, durable, retried
// delivery to the given backend endpoint.
func (e *Engine) EnqueueEvent(endpoint string, payload map[string]any) error {
	return e.queue.Enqueue(endpoint, payload)
}

// IsSessionActive reports whether a session exists that is neither
// expiring nor expired.
func (e *Engine) IsSessionActive() bool {
	return e.manager.IsActive()
}

// WhenUserIDReady runs f once a session reaches UserIdentified.
func (e *Engine) WhenUserIDReady(f func(userID string)) {
	e.manager.WhenUserIDReady(f)
}

// WhenUserIDIsOrWasReady runs f once a session is, or recently was,
// identified.
func (e *Engine) WhenUserIDIsOrWasReady(f func(userID string)) {
	e.manager.WhenUserIDIsOrWasReady(f)
}
