package auth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matthieugras/weconnect/internal/page"
)

func TestParseTokenResponse(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "vehicle-owner",
		"exp": now.Add(2 * time.Hour).Unix(),
	}).SignedString([]byte("not-verified"))
	require.NoError(t, err)

	tests := []struct {
		name           string
		body           string
		wantExpires    time.Duration
		wantRefresh    string
		wantRefreshTTL time.Duration
	}{
		{
			name:           "string expires_in",
			body:           `{"access_token":"A1","refresh_token":"B1","expires_in":"3600"}`,
			wantExpires:    time.Hour,
			wantRefresh:    "B1",
			wantRefreshTTL: DefaultRefreshTokenTTL,
		},
		{
			name:        "numeric expires_in without refresh token",
			body:        `{"access_token":"A1","expires_in":600}`,
			wantExpires: 10 * time.Minute,
		},
		{
			name:           "refresh_expires_in from provider",
			body:           `{"access_token":"A1","refresh_token":"B1","expires_in":60,"refresh_expires_in":"7200"}`,
			wantExpires:    time.Minute,
			wantRefresh:    "B1",
			wantRefreshTTL: 2 * time.Hour,
		},
		{
			name:        "jwt exp fallback",
			body:        fmt.Sprintf(`{"access_token":%q}`, signed),
			wantExpires: 2 * time.Hour,
		},
		{
			name:        "opaque token without expiry",
			body:        `{"access_token":"opaque"}`,
			wantExpires: defaultTokenLifetime,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			record, err := parseTokenResponse(tt.body, now, DefaultRefreshTokenTTL)
			require.NoError(t, err)
			assert.Equal(t, now.Add(tt.wantExpires), record.ExpiresAt)
			assert.Equal(t, now, record.IssuedAt)
			assert.Equal(t, tt.wantRefresh, record.RefreshToken)
			if tt.wantRefresh == "" {
				assert.True(t, record.RefreshExpiresAt.IsZero())
			} else {
				assert.Equal(t, now.Add(tt.wantRefreshTTL), record.RefreshExpiresAt)
			}
		})
	}
}

func TestParseTokenResponse_Invalid(t *testing.T) {
	_, err := parseTokenResponse(`<html>oops</html>`, time.Now(), time.Hour)
	assert.Error(t, err)

	_, err = parseTokenResponse(`{"token_type":"Bearer"}`, time.Now(), time.Hour)
	assert.Error(t, err)
}

func TestParseTokenError(t *testing.T) {
	tokenErr := parseTokenError(`{"error":"invalid_grant","error_description":"expired"}`, 400)
	require.NotNil(t, tokenErr)
	assert.True(t, tokenErr.IsExpiredToken())
	assert.Contains(t, tokenErr.Error(), "expired")

	assert.Nil(t, parseTokenError(`{"access_token":"x"}`, 400))
	assert.Nil(t, parseTokenError(`Bad Gateway`, 502))
}

func TestTokenRecord_Validity(t *testing.T) {
	now := time.Now()
	record := &TokenRecord{AccessToken: "A", ExpiresAt: now.Add(time.Minute), RefreshToken: "R", RefreshExpiresAt: now.Add(time.Hour)}

	assert.True(t, record.Valid(now, 30*time.Second))
	assert.False(t, record.Valid(now, 2*time.Minute))
	assert.True(t, record.CanRefresh(now))
	assert.False(t, record.CanRefresh(now.Add(2*time.Hour)))

	var missing *TokenRecord
	assert.False(t, missing.Valid(now, 0))
	assert.False(t, missing.CanRefresh(now))
}

func TestTokenRecord_MarginCappedByLifetime(t *testing.T) {
	issued := time.Unix(1_700_000_000, 0).UTC()
	short := &TokenRecord{AccessToken: "A", IssuedAt: issued, ExpiresAt: issued.Add(20 * time.Second)}

	// A 30s margin would reject a 20s token at once, half the lifetime is used instead
	assert.True(t, short.Valid(issued, 30*time.Second))
	assert.True(t, short.Valid(issued.Add(9*time.Second), 30*time.Second))
	assert.False(t, short.Valid(issued.Add(10*time.Second), 30*time.Second))

	// Smaller margins are applied as given
	assert.True(t, short.Valid(issued.Add(15*time.Second), time.Second))
	assert.False(t, short.Valid(issued.Add(20*time.Second), 0))
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

var _ net.Error = timeoutError{}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"network", &LoginFailedError{Step: StepDiscover, Err: timeoutError{}}, true},
		{"server error", &LoginFailedError{Step: StepSubmitPassword, Err: &UnexpectedStatusError{StatusCode: 503}}, true},
		{"rate limited", &UnexpectedStatusError{StatusCode: 429}, true},
		{"client error", &UnexpectedStatusError{StatusCode: 400}, false},
		{"form layout", &LoginFailedError{Step: StepSubmitEmail, Err: &page.FormNotFoundError{FormID: "x"}}, false},
		{"script layout", &page.ScriptNotFoundError{Markers: page.DefaultScriptMarkers}, false},
		{"missing code", &LoginFailedError{Step: StepSubmitPassword, Err: ErrAuthorizationCodeMissing}, false},
		{"canceled", fmt.Errorf("walk: %w", context.Canceled), false},
		{"redirect loop", &RedirectLoopError{Hops: 20}, false},
		{"plain", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestCredential_Redaction(t *testing.T) {
	cred := NewCredential("driver@example.com", "hunter2")

	for _, s := range []string{
		fmt.Sprint(cred),
		fmt.Sprintf("%v", cred),
		fmt.Sprintf("%+v", cred),
		fmt.Sprintf("%#v", cred),
		fmt.Sprintf("%s", cred),
	} {
		assert.NotContains(t, s, "hunter2")
		assert.Contains(t, s, "REDACTED")
	}
}

func TestCredential_CacheKey(t *testing.T) {
	a := NewCredential("driver@example.com", "hunter2")
	assert.Equal(t, a.CacheKey(), NewCredential("driver@example.com", "hunter2").CacheKey())
	assert.NotEqual(t, a.CacheKey(), NewCredential("driver@example.com", "hunter3").CacheKey())
	// The separator keeps shifted boundaries apart
	assert.NotEqual(t, NewCredential("ab", "c").CacheKey(), NewCredential("a", "bc").CacheKey())
	assert.NotContains(t, a.CacheKey(), "hunter2")
	assert.Len(t, a.CacheKey(), 64)
}
