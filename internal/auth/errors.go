package auth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/matthieugras/weconnect/internal/page"
)

// maxErrorBody caps how much of a response body is kept for diagnostics.
const maxErrorBody = 2000

// DiscoveryError is returned when the OpenID configuration cannot be fetched or parsed.
type DiscoveryError struct {
	URL        string
	StatusCode int // 0 when no response was received
	Err        error
}

func (e *DiscoveryError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("openid discovery at %s failed (status %d)", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("openid discovery at %s failed: %v", e.URL, e.Err)
}

func (e *DiscoveryError) Unwrap() error { return e.Err }

// MissingLocationError is returned for a redirect status without a Location header.
type MissingLocationError struct {
	URL        string
	StatusCode int
	Body       string
}

func (e *MissingLocationError) Error() string {
	return fmt.Sprintf("redirect %d from %s has no Location header, payload returned: %s", e.StatusCode, e.URL, e.Body)
}

// UnexpectedStatusError is returned when a handshake response is neither 2xx nor a redirect.
type UnexpectedStatusError struct {
	URL        string
	StatusCode int
	Body       string
}

func (e *UnexpectedStatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.StatusCode, e.URL)
}

// RedirectLoopError is returned when a redirect chain exceeds the hop limit.
type RedirectLoopError struct {
	Hops    int
	LastURL string
}

func (e *RedirectLoopError) Error() string {
	return fmt.Sprintf("stopped after %d redirects (last location %s)", e.Hops, e.LastURL)
}

// EmailFieldNotFoundError is returned when the sign-in form has no email input.
type EmailFieldNotFoundError struct {
	FormID string
}

func (e *EmailFieldNotFoundError) Error() string {
	return fmt.Sprintf("form %q has no email field", e.FormID)
}

// ErrAuthorizationCodeMissing is returned when the password step does not end
// in a callback carrying an authorization code.
var ErrAuthorizationCodeMissing = errors.New("authorization code missing from login callback")

// LoginStep names a stage of the login handshake.
type LoginStep string

const (
	StepDiscover           LoginStep = "discover"
	StepFetchAuthorizePage LoginStep = "fetch authorize page"
	StepSubmitEmail        LoginStep = "submit email"
	StepSubmitPassword     LoginStep = "submit password"
	StepExchangeCode       LoginStep = "exchange code"
)

// LoginFailedError wraps the failure of one login step.
type LoginFailedError struct {
	Step LoginStep
	Err  error
}

func (e *LoginFailedError) Error() string {
	return fmt.Sprintf("login failed at step %q: %v", e.Step, e.Err)
}

func (e *LoginFailedError) Unwrap() error { return e.Err }

// TokenEndpointError represents an OAuth error returned by the token endpoint.
type TokenEndpointError struct {
	StatusCode  int
	Code        string
	Description string
}

func (e *TokenEndpointError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("token endpoint error %s (status %d): %s", e.Code, e.StatusCode, e.Description)
	}
	return fmt.Sprintf("token endpoint error %s (status %d)", e.Code, e.StatusCode)
}

// IsExpiredToken returns true if the error indicates an expired or revoked refresh token
func (e *TokenEndpointError) IsExpiredToken() bool {
	return e.Code == "invalid_grant"
}

// IsRetryable reports whether a login failure is transient. Network errors and
// provider-side 429/5xx responses are retryable; page layout failures are not
// since the same markup will fail the same way again.
func IsRetryable(err error) bool {
	if err == nil || page.IsScrapeError(err) {
		return false
	}
	if errors.Is(err, ErrAuthorizationCodeMissing) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var statusErr *UnexpectedStatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode == http.StatusTooManyRequests || statusErr.StatusCode >= 500
	}
	var discoveryErr *DiscoveryError
	if errors.As(err, &discoveryErr) && discoveryErr.StatusCode != 0 {
		return discoveryErr.StatusCode == http.StatusTooManyRequests || discoveryErr.StatusCode >= 500
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

func truncate(s string) string {
	if len(s) <= maxErrorBody {
		return s
	}
	return s[:maxErrorBody] + "...[truncated]"
}
