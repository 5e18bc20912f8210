package policy

import (
	"sync"
	"time"

	"github.com/GoCarrot/teak-go/pkg/teak/event"
)

// Resolver exposes the active configuration snapshot to the request queue
// and session machine. It consumes ConfigurationEvents from the bus; until
// one arrives every lookup answers from the compiled-in defaults.
type Resolver struct {
	mu       sync.RWMutex
	snapshot *Snapshot
	defaults map[string]map[string]Endpoint
}

// NewResolver creates a resolver and subscribes it to bus. Pass a nil bus
// to drive the resolver directly with Apply (tests do this).
func NewResolver(bus *event.Bus) *Resolver {
	r := &Resolver{defaults: defaultEndpoints()}
	if bus != nil {
		bus.SubscribeFunc(func(e event.Event) {
			if cfg, ok := e.(ConfigurationEvent); ok {
				r.Apply(cfg.Snapshot)
			}
		})
	}
	return r
}

// Apply installs a configuration snapshot. A nil snapshot resets the
// resolver to defaults.
func (r *Resolver) Apply(snapshot *Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshot = snapshot
}

// Configured reports whether a remote snapshot has been applied.
func (r *Resolver) Configured() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshot != nil
}

// Hostname returns the hostname all traffic should currently route to.
func (r *Resolver) Hostname() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.snapshot != nil && r.snapshot.Hostname != "" {
		return r.snapshot.Hostname
	}
	return DefaultHostname
}

// HeartbeatInterval returns the session heartbeat rate.
func (r *Resolver) HeartbeatInterval() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.snapshot != nil && r.snapshot.HeartbeatInterval > 0 {
		return r.snapshot.HeartbeatInterval
	}
	return DefaultHeartbeatInterval
}

// Endpoint returns the delivery policy for a hostname-and-path pair.
// Falls back through the snapshot to the compiled-in table, then to the
// general events policy for endpoints neither names. A policy without a
// retry schedule gets the events schedule, so no endpoint ever retries
// with zero backoff.
func (r *Resolver) Endpoint(hostname, path string) Endpoint {
	return withRetryFallback(r.lookup(hostname, path))
}

func (r *Resolver) lookup(hostname, path string) Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.snapshot != nil {
		if paths, ok := r.snapshot.Endpoints[hostname]; ok {
			if ep, ok := paths[path]; ok {
				return ep
			}
		}
	}
	if paths, ok := r.defaults[hostname]; ok {
		if ep, ok := paths[path]; ok {
			return ep
		}
	}
	// Unlisted hostnames still get the compiled-in path policies, so a
	// server-directed hostname move keeps batching behavior.
	for _, paths := range r.defaults {
		if ep, ok := paths[path]; ok {
			return ep
		}
	}
	return DefaultEndpoint()
}

func withRetryFallback(ep Endpoint) Endpoint {
	if len(ep.Retry.Times) == 0 {
		ep.Retry = DefaultEndpoint().Retry
	}
	return ep
}
