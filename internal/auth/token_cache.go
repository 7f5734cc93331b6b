package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/matthieugras/weconnect/internal/backoff"
	"github.com/matthieugras/weconnect/internal/logging"
)

// DefaultExpiryMargin is subtracted from a token's expiry so a token is never
// handed out moments before the backend would reject it.
const DefaultExpiryMargin = 30 * time.Second

// DefaultFlightTimeout bounds a shared login or refresh once it no longer
// follows the context of the caller that started it.
const DefaultFlightTimeout = 2 * time.Minute

// CacheMode selects what the token cache keeps between logins.
type CacheMode int

const (
	// CacheModeRefresh keeps refresh tokens and refreshes before logging in again.
	CacheModeRefresh CacheMode = iota
	// CacheModeMemory keeps only the access token; expiry always means a new login.
	CacheModeMemory
)

func (m CacheMode) String() string {
	switch m {
	case CacheModeMemory:
		return "memory"
	default:
		return "refresh"
	}
}

// ParseCacheMode parses "memory" or "refresh".
func ParseCacheMode(s string) (CacheMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "refresh":
		return CacheModeRefresh, nil
	case "memory":
		return CacheModeMemory, nil
	}
	return 0, fmt.Errorf("unknown cache mode %q (want memory or refresh)", s)
}

// Loginer mints token records. *LoginFlow implements it.
type Loginer interface {
	Login(ctx context.Context, cred Credential) (*TokenRecord, error)
	Refresh(ctx context.Context, refreshToken string) (*TokenRecord, error)
}

// CacheOptions configures a TokenCache.
type CacheOptions struct {
	Mode          CacheMode
	ExpiryMargin  time.Duration          // zero means DefaultExpiryMargin, negative disables it
	LoginRetries  int                    // extra attempts after a transient login failure
	Backoff       *backoff.GlobalBackoff // paces login retries; a private one is created when nil
	FlightTimeout time.Duration          // zero means DefaultFlightTimeout
}

// TokenCache hands out bearer tokens per credential, logging in or refreshing
// as needed. Concurrent callers for the same credential share one login.
type TokenCache struct {
	mu      sync.RWMutex
	records map[string]*TokenRecord
	flow    Loginer
	opts    CacheOptions
	group   singleflight.Group
	now     func() time.Time
}

// NewTokenCache creates an empty cache backed by flow.
func NewTokenCache(flow Loginer, opts CacheOptions) *TokenCache {
	switch {
	case opts.ExpiryMargin == 0:
		opts.ExpiryMargin = DefaultExpiryMargin
	case opts.ExpiryMargin < 0:
		opts.ExpiryMargin = 0
	}
	if opts.FlightTimeout <= 0 {
		opts.FlightTimeout = DefaultFlightTimeout
	}
	if opts.LoginRetries < 0 {
		opts.LoginRetries = 0
	}
	if opts.Backoff == nil {
		opts.Backoff = backoff.New(backoff.DefaultConfig())
	}
	return &TokenCache{
		records: make(map[string]*TokenRecord),
		flow:    flow,
		opts:    opts,
		now:     time.Now,
	}
}

// GetToken returns a valid access token for cred.
func (c *TokenCache) GetToken(ctx context.Context, cred Credential) (string, error) {
	record, err := c.get(ctx, cred)
	if err != nil {
		return "", err
	}
	return record.AccessToken, nil
}

// TokenSource adapts the cache to oauth2.TokenSource for cred.
func (c *TokenCache) TokenSource(ctx context.Context, cred Credential) oauth2.TokenSource {
	return &cacheTokenSource{ctx: ctx, cache: c, cred: cred}
}

// Invalidate drops the access token for cred. A refresh token is kept so the
// next GetToken can refresh instead of logging in again.
func (c *TokenCache) Invalidate(cred Credential) {
	key := cred.CacheKey()

	c.mu.Lock()
	defer c.mu.Unlock()

	record, ok := c.records[key]
	if !ok {
		return
	}
	if c.opts.Mode == CacheModeMemory || record.RefreshToken == "" {
		delete(c.records, key)
		return
	}
	stale := *record
	stale.AccessToken = ""
	stale.ExpiresAt = time.Time{}
	c.records[key] = &stale
}

// Close forgets every cached token.
func (c *TokenCache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.records)
}

func (c *TokenCache) get(ctx context.Context, cred Credential) (*TokenRecord, error) {
	key := cred.CacheKey()
	if record := c.fresh(key); record != nil {
		return record, nil
	}

	// All goroutines missing the same key share one login or refresh. The
	// flight is detached from the caller that happens to start it, every
	// caller still gives up on its own context.
	flight := c.group.DoChan(key, func() (any, error) {
		flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.FlightTimeout)
		defer cancel()
		return c.populate(flightCtx, key, cred)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-flight:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*TokenRecord), nil
	}
}

func (c *TokenCache) fresh(key string) *TokenRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if record := c.records[key]; record.Valid(c.now(), c.opts.ExpiryMargin) {
		return record
	}
	return nil
}

func (c *TokenCache) populate(ctx context.Context, key string, cred Credential) (*TokenRecord, error) {
	// Double-check, a previous flight may have stored a token meanwhile
	if record := c.fresh(key); record != nil {
		return record, nil
	}

	c.mu.RLock()
	stale := c.records[key]
	c.mu.RUnlock()

	if c.opts.Mode == CacheModeRefresh && stale.CanRefresh(c.now()) {
		logging.Info("Access token expired, refreshing")
		record, err := c.flow.Refresh(ctx, stale.RefreshToken)
		if err == nil {
			// The provider does not always rotate, the old refresh token stays good
			if record.RefreshToken == "" {
				record.RefreshToken = stale.RefreshToken
				record.RefreshExpiresAt = stale.RefreshExpiresAt
			}
			return c.store(key, record), nil
		}

		var endpointErr *TokenEndpointError
		if errors.As(err, &endpointErr) && endpointErr.IsExpiredToken() {
			logging.Warn("Refresh token rejected by the provider, a new login is needed")
			c.dropRefreshToken(key)
		} else {
			logging.Warn("Token refresh failed, falling back to login: %v", err)
		}
	}

	record, err := c.login(ctx, cred)
	if err != nil {
		return nil, err
	}
	return c.store(key, record), nil
}

func (c *TokenCache) login(ctx context.Context, cred Credential) (*TokenRecord, error) {
	for attempt := 0; ; attempt++ {
		if err := c.opts.Backoff.WaitIfNeeded(ctx); err != nil {
			return nil, err
		}

		record, err := c.flow.Login(ctx, cred)
		if err == nil {
			c.opts.Backoff.ReportSuccess()
			return record, nil
		}
		if attempt >= c.opts.LoginRetries || !IsRetryable(err) {
			return nil, err
		}

		wait := c.opts.Backoff.ReportError()
		logging.Warn("Login attempt %d/%d failed, retrying in %s: %v",
			attempt+1, c.opts.LoginRetries+1, wait.Round(time.Millisecond), err)
	}
}

func (c *TokenCache) store(key string, record *TokenRecord) *TokenRecord {
	kept := *record
	if kept.IssuedAt.IsZero() {
		kept.IssuedAt = c.now()
	}
	if c.opts.Mode == CacheModeMemory {
		kept.RefreshToken = ""
		kept.RefreshExpiresAt = time.Time{}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.records[key] = &kept
	return &kept
}

// dropRefreshToken forgets a refresh token the provider no longer accepts, so
// a failed login afterwards does not retry it.
func (c *TokenCache) dropRefreshToken(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if record, ok := c.records[key]; ok {
		stale := *record
		stale.RefreshToken = ""
		stale.RefreshExpiresAt = time.Time{}
		c.records[key] = &stale
	}
}

type cacheTokenSource struct {
	ctx   context.Context
	cache *TokenCache
	cred  Credential
}

func (s *cacheTokenSource) Token() (*oauth2.Token, error) {
	record, err := s.cache.get(s.ctx, s.cred)
	if err != nil {
		return nil, err
	}
	return record.Token(), nil
}
