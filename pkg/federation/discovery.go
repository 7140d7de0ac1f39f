package federation

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"forumhall/pkg/ofscp"
)

const defaultFetchTimeout = 10 * time.Second

// DiscoveryClient fetches the well-known key listing a remote domain
// publishes for each of its actors.
type DiscoveryClient struct {
	httpClient *http.Client
}

func NewDiscoveryClient(timeout time.Duration) *DiscoveryClient {
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	return &DiscoveryClient{
		httpClient: &http.Client{Timeout: timeout},
	}
}

// KeysURL builds the well-known key listing URL for an actor. Development
// hosts are reached over plain http; everything else over https.
func KeysURL(domain, handle string) string {
	scheme := "https"
	if isLocalHost(domain) {
		scheme = "http"
	}
	return fmt.Sprintf("%s://%s/.well-known/ofscp/users/%s/keys", scheme, domain, handle)
}

// FetchKeys retrieves and parses the key listing for handle@domain. A non-2xx
// status or malformed body is an error; distinguishing "actor has no keys"
// from transport failure is the resolver's job, based on the response.
func (c *DiscoveryClient) FetchKeys(ctx context.Context, domain, handle string) (*ofscp.KeyDiscoveryResponse, error) {
	url := KeysURL(domain, handle)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build key discovery request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("key discovery fetch from %s: %w", domain, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrUnknownActor
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("key discovery fetch from %s: unexpected status %d", domain, resp.StatusCode)
	}

	var listing ofscp.KeyDiscoveryResponse
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		return nil, fmt.Errorf("failed to parse key listing from %s: %w", domain, err)
	}
	return &listing, nil
}
