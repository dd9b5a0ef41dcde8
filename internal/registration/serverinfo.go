package registration

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"

	"github.com/whatisgenie/bluebubbles-standalone-webhook/errs"
)

const (
	serverInfoAttempts = 3
	serverInfoDelay    = time.Second
)

// ServerInfo is the subset of the message server's info document the bridge
// needs for alias reconciliation.
type ServerInfo struct {
	Aliases     []string `json:"aliases"`
	ActiveAlias string   `json:"active_alias"`
}

// ServerInfoClient fetches the info document over HTTP with a short, fixed
// retry budget. A server restart window is the common failure here, so the
// client retries quickly and then gives up to the caller.
type ServerInfoClient struct {
	endpoint string
	client   *http.Client
}

// NewServerInfoClient builds a client for the given endpoint URL. A nil
// httpClient gets a default with a conservative timeout.
func NewServerInfoClient(endpoint string, httpClient *http.Client) *ServerInfoClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Second}
	}
	return &ServerInfoClient{endpoint: endpoint, client: httpClient}
}

// Fetch retrieves the server info, retrying transient failures.
func (c *ServerInfoClient) Fetch(ctx context.Context) (ServerInfo, error) {
	wait := backoff.NewConstantBackOff(serverInfoDelay)
	var lastErr error
	for attempt := 0; attempt < serverInfoAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ServerInfo{}, ctx.Err()
			case <-time.After(wait.NextBackOff()):
			}
		}
		info, err := c.fetchOnce(ctx)
		if err == nil {
			return info, nil
		}
		lastErr = err
	}
	return ServerInfo{}, errs.New("registration", errs.CodeUnavailable,
		errs.WithMessage("server info unreachable"), errs.WithCause(lastErr))
}

func (c *ServerInfoClient) fetchOnce(ctx context.Context) (ServerInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return ServerInfo{}, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return ServerInfo{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return ServerInfo{}, errs.New("registration", errs.CodeUnavailable,
			errs.WithMessagef("server info status %d", resp.StatusCode))
	}
	var info ServerInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return ServerInfo{}, err
	}
	return info, nil
}
