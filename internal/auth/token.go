package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"
)

// defaultTokenLifetime is used when neither expires_in nor a JWT exp claim is available.
const defaultTokenLifetime = time.Hour

// TokenRecord is one set of credentials minted by the token endpoint.
type TokenRecord struct {
	AccessToken      string
	RefreshToken     string
	ExpiresAt        time.Time
	RefreshExpiresAt time.Time // zero when there is no refresh token
	IssuedAt         time.Time
}

// Valid reports whether the access token is usable at now with the given margin.
// The margin never exceeds half the issued lifetime, so a token that lives
// shorter than the margin is still reused.
func (r *TokenRecord) Valid(now time.Time, margin time.Duration) bool {
	if r == nil || r.AccessToken == "" {
		return false
	}
	if !r.IssuedAt.IsZero() {
		margin = max(min(margin, r.ExpiresAt.Sub(r.IssuedAt)/2), 0)
	}
	return now.Add(margin).Before(r.ExpiresAt)
}

// CanRefresh reports whether the refresh token is present and within its shelf life.
func (r *TokenRecord) CanRefresh(now time.Time) bool {
	return r != nil && r.RefreshToken != "" && now.Before(r.RefreshExpiresAt)
}

// Token converts the record into an oauth2 token. The refresh token stays in the cache.
func (r *TokenRecord) Token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken: r.AccessToken,
		TokenType:   "Bearer",
		Expiry:      r.ExpiresAt,
	}
}

// parseTokenResponse builds a record from the token endpoint JSON. The provider
// sends expires_in as a number or as a quoted string, gjson accepts both.
// refreshTTL is used when the response carries no refresh_expires_in.
func parseTokenResponse(body string, now time.Time, refreshTTL time.Duration) (*TokenRecord, error) {
	if !gjson.Valid(body) {
		return nil, fmt.Errorf("token response is not JSON: %s", truncate(body))
	}

	res := gjson.Parse(body)
	access := res.Get("access_token").String()
	if access == "" {
		return nil, errors.New("token response has no access_token")
	}

	record := &TokenRecord{
		AccessToken:  access,
		RefreshToken: res.Get("refresh_token").String(),
		ExpiresAt:    now.Add(accessLifetime(res, access, now)),
		IssuedAt:     now,
	}

	if record.RefreshToken != "" {
		ttl := refreshTTL
		if v := res.Get("refresh_expires_in"); v.Exists() && v.Int() > 0 {
			ttl = time.Duration(v.Int()) * time.Second
		}
		record.RefreshExpiresAt = now.Add(ttl)
	}

	return record, nil
}

func accessLifetime(res gjson.Result, access string, now time.Time) time.Duration {
	if v := res.Get("expires_in"); v.Exists() && v.Int() > 0 {
		return time.Duration(v.Int()) * time.Second
	}

	// The signature is not ours to verify, only the exp claim is read.
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(access, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil && exp.After(now) {
			return exp.Sub(now)
		}
	}

	return defaultTokenLifetime
}

// parseTokenError maps an OAuth error body ({"error": ..., "error_description": ...}).
// It returns nil when the body is not an OAuth error.
func parseTokenError(body string, statusCode int) *TokenEndpointError {
	if !gjson.Valid(body) {
		return nil
	}
	res := gjson.Parse(body)
	code := res.Get("error").String()
	if code == "" {
		return nil
	}
	return &TokenEndpointError{
		StatusCode:  statusCode,
		Code:        code,
		Description: res.Get("error_description").String(),
	}
}
