package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/GoCarrot/teak-go/pkg/teak/deeplink"
	"github.com/GoCarrot/teak-go/pkg/teak/event"
)

// Transport performs one HTTPS request. It is the same shape as the request
// queue's transport so a single implementation serves both.
type Transport interface {
	Do(ctx context.Context, hostname, path string, body []byte, headers map[string]string) (status int, responseBody []byte, err error)
}

// Fetcher retrieves the settings document for an app and publishes the
// parsed snapshot as a ConfigurationEvent.
//
// The settings request carries the registered deep link routes so the
// server can validate configured campaigns against them, which is why the
// fetch runs after route registration.
type Fetcher struct {
	appID     string
	transport Transport
	bus       *event.Bus
	routes    func() []deeplink.RouteInfo
	logger    *slog.Logger
}

// NewFetcher creates a settings fetcher. routes may be nil when no deep
// links are registered.
func NewFetcher(appID string, transport Transport, bus *event.Bus, routes func() []deeplink.RouteInfo, logger *slog.Logger) *Fetcher {
	return &Fetcher{
		appID:     appID,
		transport: transport,
		bus:       bus,
		routes:    routes,
		logger:    logger,
	}
}

// Fetch performs the settings request and, on success, publishes the
// resulting ConfigurationEvent. On failure nothing is published and the
// resolver keeps answering with defaults.
func (f *Fetcher) Fetch(ctx context.Context) error {
	payload := map[string]any{"id": f.appID}
	if f.routes != nil {
		payload["deep_link_routes"] = f.routes()
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("policy: encode settings request: %w", err)
	}

	path := fmt.Sprintf("/games/%s/settings.json", f.appID)
	status, responseBody, err := f.transport.Do(ctx, DefaultHostname, path, body, nil)
	if err != nil {
		return fmt.Errorf("policy: settings request: %w", err)
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("policy: settings request returned status %d", status)
	}

	var response map[string]any
	if len(responseBody) > 0 {
		if err := json.Unmarshal(responseBody, &response); err != nil {
			return fmt.Errorf("policy: decode settings response: %w", err)
		}
	}

	snapshot := ParseSnapshot(response)
	if f.logger != nil {
		f.logger.Info("configuration.remote",
			slog.String("hostname", snapshot.Hostname),
			slog.Int("hostnames_configured", len(snapshot.Endpoints)),
		)
	}
	f.bus.Publish(ConfigurationEvent{Snapshot: snapshot})
	return nil
}
