package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"meetgo/backend/internal/config"
)

// EndpointURL maps a server address onto one of its HTTP endpoints.
func EndpointURL(raw, path string) (string, error) {
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}

	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return "", fmt.Errorf("invalid server URL scheme %q", u.Scheme)
	}
	u.Path = path
	u.RawQuery = ""
	return u.String(), nil
}

// FetchICEServers asks the server which STUN/TURN servers to use.
func FetchICEServers(ctx context.Context, serverURL string) ([]config.ICEServer, error) {
	endpoint, err := EndpointURL(serverURL, "/ice-servers")
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch ice servers: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch ice servers: unexpected status %s", resp.Status)
	}

	var body struct {
		ICEServers []config.ICEServer `json:"iceServers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode ice servers: %w", err)
	}
	return body.ICEServers, nil
}
