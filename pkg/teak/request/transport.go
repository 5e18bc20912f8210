package request

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Transport performs a single HTTP exchange against the backend. A nil
// body means GET, otherwise POST. Implementations must be safe for
// concurrent use; the queue, the policy fetcher, and the session heartbeat
// all share one.
type Transport interface {
	Do(ctx context.Context, hostname, path string, body []byte, headers map[string]string) (status int, responseBody []byte, err error)
}

// HTTPTransport is the production Transport, speaking HTTPS.
type HTTPTransport struct {
	// Client is the underlying HTTP client. Replaceable for tests.
	Client *http.Client
}

// Compile-time interface check.
var _ Transport = (*HTTPTransport)(nil)

// NewHTTPTransport creates a transport with a 30 second request timeout.
func NewHTTPTransport() *HTTPTransport {
	return &HTTPTransport{Client: &http.Client{Timeout: 30 * time.Second}}
}

// Do implements Transport.
func (t *HTTPTransport) Do(ctx context.Context, hostname, path string, body []byte, headers map[string]string) (int, []byte, error) {
	url := "https://" + hostname + path

	var req *http.Request
	var err error
	if body == nil {
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	} else {
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err == nil {
			req.Header.Set("Content-Type", "application/json")
		}
	}
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := t.Client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, respBody, nil
}
