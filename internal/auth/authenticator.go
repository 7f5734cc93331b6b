package auth

import (
	"context"
	"net/http"

	"golang.org/x/oauth2"
)

// Authenticator is the interface the backend client uses to authorize requests.
type Authenticator interface {
	// Authenticate sets the Authorization header on req.
	Authenticate(ctx context.Context, req *http.Request) error

	// ForceRefresh discards the current access token and obtains a new one.
	// Call this after receiving a 401 Unauthorized response.
	ForceRefresh(ctx context.Context) error
}

// Session binds one credential to a token cache and the HTTP client used for
// the handshake. It owns both and releases them on Close.
type Session struct {
	cred   Credential
	cache  *TokenCache
	client *http.Client
}

// NewSession creates a session. client is the no-redirect client shared with the login flow.
func NewSession(cred Credential, cache *TokenCache, client *http.Client) *Session {
	return &Session{cred: cred, cache: cache, client: client}
}

// Token returns a valid bearer token.
func (s *Session) Token(ctx context.Context) (string, error) {
	return s.cache.GetToken(ctx, s.cred)
}

// TokenSource returns an oauth2.TokenSource for the session credential.
func (s *Session) TokenSource(ctx context.Context) oauth2.TokenSource {
	return s.cache.TokenSource(ctx, s.cred)
}

// Authenticate implements Authenticator.
func (s *Session) Authenticate(ctx context.Context, req *http.Request) error {
	token, err := s.cache.GetToken(ctx, s.cred)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

// ForceRefresh implements Authenticator. The refresh token survives, so this
// refreshes when possible and logs in again otherwise.
func (s *Session) ForceRefresh(ctx context.Context) error {
	s.cache.Invalidate(s.cred)
	_, err := s.cache.GetToken(ctx, s.cred)
	return err
}

// Close clears cached tokens and releases idle connections.
func (s *Session) Close() error {
	s.cache.Close()
	if s.client != nil {
		s.client.CloseIdleConnections()
	}
	return nil
}
