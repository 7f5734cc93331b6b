package backoff

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// Config holds exponential backoff settings
type Config struct {
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	Multiplier          float64
	RandomizationFactor float64
	ResetAfter          int // consecutive successes that reset the interval
}

// DefaultConfig returns the backoff used when the backend starts throttling
func DefaultConfig() Config {
	return Config{
		InitialInterval:     time.Second,
		MaxInterval:         60 * time.Second,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
		ResetAfter:          3,
	}
}

// GlobalBackoff is one pause window shared by everything that talks to the
// WeConnect backend or the identity provider through one session. Backend
// workers and login retries wait on the same window, so a throttled account
// stops sending requests from every goroutine at once.
type GlobalBackoff struct {
	mu         sync.RWMutex
	config     Config
	until      time.Time
	interval   time.Duration
	successes  int
	generation uint64
	onStart    func(duration time.Duration)
	onEnd      func()
}

// New creates a backoff window with cfg, filling zero fields from DefaultConfig.
func New(cfg Config) *GlobalBackoff {
	def := DefaultConfig()
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = def.InitialInterval
	}
	if cfg.MaxInterval < cfg.InitialInterval {
		cfg.MaxInterval = cfg.InitialInterval
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 1
	}
	if cfg.ResetAfter <= 0 {
		cfg.ResetAfter = def.ResetAfter
	}
	return &GlobalBackoff{
		config:   cfg,
		interval: cfg.InitialInterval,
	}
}

// SetCallbacks registers UI hooks. onStart receives the length of every new
// window; onEnd fires once the latest window has elapsed.
func (g *GlobalBackoff) SetCallbacks(onStart func(time.Duration), onEnd func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onStart = onStart
	g.onEnd = onEnd
}

// WaitIfNeeded blocks until the current window has passed or ctx is done.
func (g *GlobalBackoff) WaitIfNeeded(ctx context.Context) error {
	// Another failure may extend the window while we sleep
	for {
		remaining := g.Remaining()
		if remaining <= 0 {
			return nil
		}

		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// ReportError opens (or extends) the window after a throttled or failed
// request and returns its length. Callers decide which failures count.
func (g *GlobalBackoff) ReportError() time.Duration {
	return g.ReportRetryAfter(0)
}

// ReportRetryAfter is ReportError for responses that carry a Retry-After
// hint. The window is at least hint long.
func (g *GlobalBackoff) ReportRetryAfter(hint time.Duration) time.Duration {
	g.mu.Lock()
	g.successes = 0

	jitter := time.Duration(rand.Float64() * g.config.RandomizationFactor * float64(g.interval))
	window := max(g.interval+jitter, hint)

	// Concurrent failures never shorten a window that is already open
	if until := time.Now().Add(window); until.After(g.until) {
		g.until = until
	}
	g.interval = min(time.Duration(float64(g.interval)*g.config.Multiplier), g.config.MaxInterval)
	g.generation++

	gen, remaining := g.generation, time.Until(g.until)
	onStart, onEnd := g.onStart, g.onEnd
	g.mu.Unlock()

	if onStart != nil {
		onStart(window)
	}
	if onEnd != nil {
		time.AfterFunc(remaining, func() {
			g.mu.RLock()
			latest := g.generation == gen
			g.mu.RUnlock()
			if latest {
				onEnd()
			}
		})
	}

	return window
}

// ReportSuccess records a successful request. A streak of ResetAfter
// successes drops the interval back to InitialInterval.
func (g *GlobalBackoff) ReportSuccess() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.successes++
	if g.successes >= g.config.ResetAfter {
		g.interval = g.config.InitialInterval
	}
}

// IsBackingOff reports whether a window is open
func (g *GlobalBackoff) IsBackingOff() bool {
	return g.Remaining() > 0
}

// Remaining returns how long the open window still lasts, 0 if none
func (g *GlobalBackoff) Remaining() time.Duration {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return max(time.Until(g.until), 0)
}

// Interval returns the base length of the next window
func (g *GlobalBackoff) Interval() time.Duration {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.interval
}
