// Package deeplink routes structured URIs to in-application behavior.
//
// Routes use Sinatra-style patterns ("/path/:capture") and are matched in
// registration order against the URI path; the first match wins. Matched
// handlers run asynchronously on a single dispatch worker so handler
// execution is serialized while the caller never blocks.
package deeplink

import (
	"context"
	"log/slog"
	"net/url"
	"sync"

	"github.com/GoCarrot/teak-go/pkg/teak/observability"
)

// Reserved parameter keys added to every dispatched parameter map, unless
// the route or query already produced them.
const (
	// IncomingPathKey carries the URI path the route matched against.
	IncomingPathKey = "__incoming_path"

	// IncomingURLKey carries the original, full, URI.
	IncomingURLKey = "__incoming_url"
)

// Handler is invoked with the merged path + query parameters of a matched
// route.
type Handler func(params map[string]string)

// RouteInfo describes a registered route for the settings report.
type RouteInfo struct {
	Route       string `json:"route"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Router matches incoming URIs against registered routes.
type Router struct {
	mu      sync.Mutex
	routes  []*Route
	schemes map[string]struct{}
	logger  *slog.Logger
	metrics observability.MetricsRecorder

	dispatch chan func()
	closed   bool
	done     chan struct{}
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithMetrics sets the metrics recorder. Every Resolve records whether a
// route was dispatched.
func WithMetrics(metrics observability.MetricsRecorder) RouterOption {
	return func(r *Router) { r.metrics = metrics }
}

// NewRouter creates a router that only resolves URIs whose scheme is in
// acceptedSchemes. A nil logger disables logging.
func NewRouter(acceptedSchemes []string, logger *slog.Logger, opts ...RouterOption) *Router {
	schemes := make(map[string]struct{}, len(acceptedSchemes))
	for _, s := range acceptedSchemes {
		schemes[s] = struct{}{}
	}

	r := &Router{
		schemes:  schemes,
		logger:   logger,
		metrics:  observability.NoopMetrics{},
		dispatch: make(chan func(), 16),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	go r.dispatchLoop()
	return r
}

func (r *Router) dispatchLoop() {
	defer close(r.done)
	for fn := range r.dispatch {
		r.invoke(fn)
	}
}

func (r *Router) invoke(fn func()) {
	defer func() {
		if rec := recover(); rec != nil && r.logger != nil {
			r.logger.Error("deep_link.handler_panic", slog.Any("panic", rec))
		}
	}()
	fn()
}

// Close stops the dispatch worker after draining queued handlers.
func (r *Router) Close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.dispatch)
	}
	r.mu.Unlock()
	<-r.done
}

// Register compiles pattern and appends the route to the table.
// Registration fails for patterns with duplicate capture names or the
// unsupported "*" wildcard; a failed registration adds nothing.
func (r *Router) Register(pattern, name, description string, handler Handler) error {
	re, captures, err := compileRoute(pattern)
	if err != nil {
		return err
	}

	route := &Route{
		Pattern:     pattern,
		Name:        name,
		Description: description,
		re:          re,
		captures:    captures,
		handler:     handler,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes = append(r.routes, route)
	return nil
}

// Routes returns the name/description/route triples of every named route,
// in registration order. Unnamed routes are omitted.
func (r *Router) Routes() []RouteInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	infos := make([]RouteInfo, 0, len(r.routes))
	for _, route := range r.routes {
		if route.Name == "" {
			continue
		}
		infos = append(infos, RouteInfo{
			Route:       route.Pattern,
			Name:        route.Name,
			Description: route.Description,
		})
	}
	return infos
}

// WillResolve reports whether rawURI parses and carries an accepted scheme.
func (r *Router) WillResolve(rawURI string) bool {
	if rawURI == "" {
		return false
	}
	u, err := url.Parse(rawURI)
	if err != nil {
		return false
	}
	_, ok := r.schemes[u.Scheme]
	return ok
}

// Resolve matches rawURI against the route table and, on a match,
// dispatches the first matching route's handler with the merged parameter
// map. Query parameters override path captures on key collision. Returns
// true if a route was dispatched. Empty, unparsable, or unaccepted URIs
// return false without error.
func (r *Router) Resolve(rawURI string) bool {
	if !r.WillResolve(rawURI) {
		r.metrics.RecordDeepLink(context.Background(), false)
		return false
	}
	u, err := url.Parse(rawURI)
	if err != nil {
		r.metrics.RecordDeepLink(context.Background(), false)
		return false
	}

	r.mu.Lock()
	routes := r.routes
	r.mu.Unlock()

	for _, route := range routes {
		m := route.re.FindStringSubmatch(u.Path)
		if m == nil {
			continue
		}

		params := make(map[string]string, len(route.captures)+2)
		for i, name := range route.captures {
			params[name] = m[i+1]
		}

		// Query parameters win over path captures.
		for key, values := range u.Query() {
			if len(values) > 0 {
				params[key] = values[0]
			}
		}

		if _, exists := params[IncomingPathKey]; !exists {
			params[IncomingPathKey] = u.Path
		}
		if _, exists := params[IncomingURLKey]; !exists {
			params[IncomingURLKey] = rawURI
		}

		if r.logger != nil {
			r.logger.Info("deep_link.handled",
				slog.String("url", rawURI),
				slog.String("route", route.Pattern),
			)
		}

		// The send happens under the lock so a concurrent Close cannot
		// close the channel mid-send.
		handler := route.handler
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return false
		}
		r.dispatch <- func() { handler(params) }
		r.mu.Unlock()
		r.metrics.RecordDeepLink(context.Background(), true)
		return true
	}

	if r.logger != nil {
		r.logger.Info("deep_link.ignored", slog.String("url", rawURI))
	}
	r.metrics.RecordDeepLink(context.Background(), false)
	return false
}
