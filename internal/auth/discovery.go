package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// discoveryPath is the identity provider's OpenID configuration document, relative to the API base.
const discoveryPath = "/login/v1/idk/openid-configuration"

// ProviderConfig holds the identity provider endpoints used by the login handshake.
type ProviderConfig struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
}

// Discover fetches the provider configuration from baseAPI.
func Discover(ctx context.Context, client *http.Client, baseAPI string) (*ProviderConfig, error) {
	endpoint := strings.TrimRight(baseAPI, "/") + discoveryPath

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &DiscoveryError{URL: endpoint, Err: err}
	}
	SetSessionHeaders(req)

	resp, err := client.Do(req)
	if err != nil {
		return nil, &DiscoveryError{URL: endpoint, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &DiscoveryError{URL: endpoint, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &DiscoveryError{
			URL:        endpoint,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected status: %s", truncate(string(body))),
		}
	}

	var cfg ProviderConfig
	if err := json.Unmarshal(body, &cfg); err != nil {
		return nil, &DiscoveryError{URL: endpoint, Err: fmt.Errorf("malformed configuration: %w", err)}
	}
	if cfg.Issuer == "" || cfg.AuthorizationEndpoint == "" || cfg.TokenEndpoint == "" {
		return nil, &DiscoveryError{URL: endpoint, Err: errors.New("configuration is missing issuer or endpoints")}
	}

	return &cfg, nil
}
