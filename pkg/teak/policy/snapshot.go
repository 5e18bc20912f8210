package policy

import (
	"time"

	"github.com/GoCarrot/teak-go/pkg/teak/config"
)

// Snapshot is one parsed server configuration: the active hostname plus the
// per-endpoint policies, immutable once built.
type Snapshot struct {
	// Hostname routes all subsequent requests; empty means the default.
	Hostname string

	// HeartbeatInterval overrides the session heartbeat rate when
	// non-zero.
	HeartbeatInterval time.Duration

	// Endpoints is keyed by hostname, then by endpoint path.
	Endpoints map[string]map[string]Endpoint
}

// ConfigurationEvent announces a parsed configuration snapshot on the event
// bus. Published by the Fetcher (or a mocked fetcher in tests); consumed by
// the Resolver and the session machine.
type ConfigurationEvent struct {
	Snapshot *Snapshot
}

// TypeConfiguration is the event type for ConfigurationEvent.
const TypeConfiguration = "configuration.remote"

// Type implements event.Event.
func (ConfigurationEvent) Type() string { return TypeConfiguration }

// ParseSnapshot builds a Snapshot from the decoded settings response.
// Unknown or malformed entries are skipped; a response with no usable
// endpoint configuration yields a snapshot that resolves everything to
// defaults.
func ParseSnapshot(response map[string]any) *Snapshot {
	vals := config.NewValues(response)
	snap := &Snapshot{
		Hostname:          vals.String("auth", ""),
		HeartbeatInterval: vals.Duration("heartbeat_interval", 0),
	}

	configs, ok := response["endpoint_configurations"].(map[string]any)
	if !ok {
		return snap
	}

	snap.Endpoints = make(map[string]map[string]Endpoint, len(configs))
	for hostname, rawPaths := range configs {
		paths, ok := rawPaths.(map[string]any)
		if !ok {
			continue
		}
		endpoints := make(map[string]Endpoint, len(paths))
		for path, rawPolicy := range paths {
			pol, ok := rawPolicy.(map[string]any)
			if !ok {
				continue
			}
			endpoints[path] = parseEndpoint(pol)
		}
		snap.Endpoints[hostname] = endpoints
	}
	return snap
}

func parseEndpoint(raw map[string]any) Endpoint {
	ep := DefaultEndpoint()

	if batch, ok := raw["batch"].(map[string]any); ok {
		vals := config.NewValues(batch)
		ep.Batch.Time = vals.Duration("time", ep.Batch.Time)
		if vals.Bool("lww", false) {
			ep.Batch.LastWriteWins = true
			ep.Batch.Count = 0
		} else {
			ep.Batch.Count = vals.Int("count", ep.Batch.Count)
		}
	}

	if retry, ok := raw["retry"].(map[string]any); ok {
		vals := config.NewValues(retry)
		if times, ok := retry["times"].([]any); ok {
			schedule := make([]time.Duration, 0, len(times))
			for _, t := range times {
				if d, ok := asSeconds(t); ok {
					schedule = append(schedule, d)
				}
			}
			if len(schedule) > 0 {
				ep.Retry.Times = schedule
			}
		}
		ep.Retry.Jitter = vals.Duration("jitter", ep.Retry.Jitter)
	}

	return ep
}

// asSeconds converts a decoded JSON number to a duration in seconds.
func asSeconds(v any) (time.Duration, bool) {
	switch n := v.(type) {
	case float64:
		return time.Duration(n * float64(time.Second)), true
	case int:
		return time.Duration(n) * time.Second, true
	case int64:
		return time.Duration(n) * time.Second, true
	}
	return 0, false
}
