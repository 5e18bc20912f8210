// Package request implements the outbound delivery pipeline: a durable,
// batching, retrying queue of payloads bound for the backend.
//
// A payload is persisted before the queue considers it owned, so it
// survives a process restart. Per-endpoint workers batch payloads by the
// resolver's policy (window, count, last-write-wins), send them over a
// pluggable transport, and reschedule failures with backoff and jitter
// until the backend acknowledges them.
package request

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// QueuedRequest is one payload awaiting delivery.
type QueuedRequest struct {
	// ID is a ULID, so ids sort in creation order. The store uses it as
	// the tie-breaker when two payloads share a timestamp.
	ID string

	// Endpoint is the backend path, e.g. "/me/events".
	Endpoint string

	// Payload is the request body contribution for this entry.
	Payload map[string]any

	// BatchKey is the logical key for last-write-wins endpoints. Defaults
	// to the endpoint path.
	BatchKey string

	// CreatedAt orders payloads within a batch and across restarts.
	CreatedAt time.Time

	// DoNotTrack marks the payload as a duplicate/no-op event for
	// server-side accounting.
	DoNotTrack bool

	// Attempts counts delivery attempts so far.
	Attempts int
}

// newRequestID returns a fresh lexicographically time-ordered id.
func newRequestID() string {
	return ulid.Make().String()
}
