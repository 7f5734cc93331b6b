package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/matthieugras/weconnect/internal/auth"
	"github.com/matthieugras/weconnect/internal/backoff"
	"github.com/matthieugras/weconnect/internal/logging"
)

// DefaultMaxRetries bounds attempts for rate-limited or failing backend requests.
const DefaultMaxRetries = 3

// Client is the WeConnect backend API client
type Client struct {
	httpClient *http.Client
	auth       auth.Authenticator
	backoff    *backoff.GlobalBackoff
	baseAPI    string
	maxRetries int
}

// NewClient creates a new API client.
// If httpClient is nil, a default client with 30s timeout is created.
func NewClient(httpClient *http.Client, authenticator auth.Authenticator, bo *backoff.GlobalBackoff, baseAPI string, maxRetries int) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if bo == nil {
		bo = backoff.New(backoff.DefaultConfig())
	}
	if baseAPI == "" {
		baseAPI = auth.DefaultBaseAPI
	}
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Client{
		httpClient: httpClient,
		auth:       authenticator,
		backoff:    bo,
		baseAPI:    strings.TrimRight(baseAPI, "/"),
		maxRetries: maxRetries,
	}
}

// Fetch performs an authenticated GET on path and decodes the JSON body into T.
func Fetch[T any](ctx context.Context, c *Client, path string) (T, error) {
	var out T

	body, err := c.Get(ctx, path)
	if err != nil {
		return out, err
	}

	if err := json.Unmarshal(body, &out); err != nil {
		logging.Error("Failed to parse JSON response from %s", path)
		logging.Debug("Response body: %s", truncateString(string(body), 2000))
		return out, fmt.Errorf("failed to parse response from %s: %w", path, err)
	}
	return out, nil
}

// Get performs an authenticated GET on path with retries for transient errors
// and returns the response body.
func (c *Client) Get(ctx context.Context, path string) ([]byte, error) {
	var lastErr error

	for attempt := range c.maxRetries {
		if attempt > 0 {
			// The failed attempt reported to the global backoff, doRequest waits on it
			logging.Debug("Retry attempt %d/%d for %s", attempt+1, c.maxRetries, path)
		}

		body, err := c.doRequest(ctx, path)
		if err == nil {
			return body, nil
		}
		lastErr = err

		var reqErr *BackendRequestError
		if errors.As(err, &reqErr) && reqErr.Retryable {
			continue
		}
		return nil, err
	}

	return nil, fmt.Errorf("request failed after %d attempts: %w", c.maxRetries, lastErr)
}

// doRequest performs one authenticated request. A single 401 triggers a token
// refresh and one retry.
func (c *Client) doRequest(ctx context.Context, path string) ([]byte, error) {
	if err := c.backoff.WaitIfNeeded(ctx); err != nil {
		return nil, err
	}

	url := c.baseAPI + path
	logging.Debug("API Request: GET %s", url)

	resp, err := c.send(ctx, url)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		logging.Info("Backend rejected the access token, refreshing")

		if err := c.auth.ForceRefresh(ctx); err != nil {
			return nil, &BackendRequestError{
				StatusCode: http.StatusUnauthorized,
				Message:    fmt.Sprintf("auth refresh failed: %v", err),
				Fatal:      true,
				Err:        err,
			}
		}

		resp, err = c.send(ctx, url)
		if err != nil {
			return nil, err
		}

		if resp.StatusCode == http.StatusUnauthorized {
			resp.Body.Close()
			return nil, &BackendRequestError{
				StatusCode: resp.StatusCode,
				Message:    "authentication failed after refresh",
				Fatal:      true,
			}
		}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	logging.Debug("API Response: GET %s -> %d", url, resp.StatusCode)

	if resp.StatusCode == http.StatusTooManyRequests {
		wait := c.backoff.ReportRetryAfter(parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()))
		logging.Warn("Rate limited by backend, backing off for %s", wait.Round(time.Millisecond))
		return nil, NewBackendRequestError(resp.StatusCode, truncateString(string(body), 2000))
	}
	if resp.StatusCode >= 500 {
		c.backoff.ReportError()
		return nil, NewBackendRequestError(resp.StatusCode, truncateString(string(body), 2000))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, NewBackendRequestError(resp.StatusCode, truncateString(string(body), 2000))
	}

	c.backoff.ReportSuccess()
	return body, nil
}

func (c *Client) send(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	auth.SetSessionHeaders(req)

	if err := c.auth.Authenticate(ctx, req); err != nil {
		// Fatal so workers stop instead of logging in once per VIN
		return nil, &BackendRequestError{
			StatusCode: http.StatusUnauthorized,
			Message:    fmt.Sprintf("authentication failed: %v", err),
			Fatal:      true,
			Err:        err,
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logging.Error("Request failed: GET %s - %v", url, err)
		c.backoff.ReportError()
		return nil, &BackendRequestError{
			Message:   fmt.Sprintf("request failed: %v", err),
			Retryable: true,
			Err:       err,
		}
	}
	return resp, nil
}

// parseRetryAfter reads a Retry-After header given in seconds or as an HTTP
// date. Unparseable or past values yield 0.
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return max(time.Duration(secs)*time.Second, 0)
	}
	if at, err := http.ParseTime(value); err == nil {
		return max(at.Sub(now), 0)
	}
	return 0
}

// truncateString truncates a string to maxLen characters
func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "...[truncated]"
}
