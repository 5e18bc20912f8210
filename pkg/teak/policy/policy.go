// Package policy holds the server-supplied per-endpoint delivery policy:
// batching windows and sizes, retry schedules, and the active hostname for
// request routing.
//
// Every read is safe before the remote fetch completes; lookups simply
// return the compiled-in defaults until a configuration snapshot arrives.
package policy

import (
	"math/rand/v2"
	"time"
)

// DefaultHostname is used for request routing until the server supplies an
// alternate via the settings response.
const DefaultHostname = "gocarrot.com"

// BatchHostname is the default host for the raw event batch endpoint.
const BatchHostname = "parsnip.gocarrot.com"

// Well-known endpoint paths with compiled-in policies.
const (
	EventsEndpoint  = "/me/events"
	ProfileEndpoint = "/me/profile"
	BatchEndpoint   = "/batch"
)

// DefaultHeartbeatInterval is the session heartbeat rate unless the server
// overrides it.
const DefaultHeartbeatInterval = 60 * time.Second

// Batch controls how payloads for one endpoint are grouped before sending.
type Batch struct {
	// Time is the window after the first enqueue before a flush.
	Time time.Duration

	// Count flushes early once this many payloads accumulate.
	// Zero means the window alone decides.
	Count int

	// LastWriteWins keeps only the most recent unsent payload per
	// batch key instead of accumulating.
	LastWriteWins bool
}

// Retry is the rescheduling policy for failed sends.
type Retry struct {
	// Times is the ordered delay schedule. Attempts beyond the last
	// entry repeat it.
	Times []time.Duration

	// Jitter bounds the uniform random delay added to each retry.
	Jitter time.Duration
}

// Delay returns the wait before retrying the given zero-based attempt,
// including jitter.
func (r Retry) Delay(attempt int) time.Duration {
	if len(r.Times) == 0 {
		return 0
	}
	if attempt >= len(r.Times) {
		attempt = len(r.Times) - 1
	}
	d := r.Times[attempt]
	if r.Jitter > 0 {
		d += time.Duration(rand.Int64N(int64(r.Jitter)))
	}
	return d
}

// Endpoint is the delivery policy for one hostname-and-path pair.
type Endpoint struct {
	Batch Batch
	Retry Retry
}

// defaultEndpoints mirrors the server's fallback endpoint configuration.
func defaultEndpoints() map[string]map[string]Endpoint {
	return map[string]map[string]Endpoint{
		DefaultHostname: {
			EventsEndpoint: {
				Batch: Batch{Time: 5 * time.Second, Count: 50},
				Retry: Retry{
					Times:  []time.Duration{10 * time.Second, 20 * time.Second, 30 * time.Second},
					Jitter: 6 * time.Second,
				},
			},
			ProfileEndpoint: {
				Batch: Batch{Time: 10 * time.Second, LastWriteWins: true},
			},
		},
		BatchHostname: {
			BatchEndpoint: {
				Batch: Batch{Time: 5 * time.Second, Count: 100},
			},
		},
	}
}

// DefaultEndpoint is the policy applied to endpoints the snapshot does not
// name: the general events policy.
func DefaultEndpoint() Endpoint {
	return defaultEndpoints()[DefaultHostname][EventsEndpoint]
}
