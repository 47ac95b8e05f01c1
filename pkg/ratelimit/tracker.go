package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Prometheus metrics for rate limit tracking.
var (
	rateLimitCooldownsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nse_rate_limit_cooldowns_total",
		Help: "Total number of cooldowns entered after an upstream 429",
	})

	rateLimitRejectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nse_rate_limit_rejections_total",
		Help: "Total number of requests rejected during a cooldown",
	})

	rateLimitWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "nse_rate_limit_wait_seconds",
		Help:    "Time spent waiting for a pacing token",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	})

	rateLimitHealthy = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nse_rate_limit_healthy",
		Help: "1 when no upstream cooldown is in effect, 0 otherwise",
	})
)

// Config holds the tracker configuration.
type Config struct {
	// RequestsPerSecond is the sustained outbound rate. Zero or negative
	// disables pacing.
	RequestsPerSecond float64

	// Burst is the token bucket size.
	Burst int

	// DefaultCooldown applies to a 429 without Retry-After.
	DefaultCooldown time.Duration

	// MaxCooldown caps any single cooldown.
	MaxCooldown time.Duration

	// Now is the clock used for cooldown bookkeeping (defaults to time.Now).
	Now func() time.Time

	Logger *zerolog.Logger
}

// DefaultConfig returns the default tracker configuration.
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: DefaultRequestsPerSecond,
		Burst:             DefaultBurst,
		DefaultCooldown:   DefaultCooldown,
		MaxCooldown:       MaxCooldown,
	}
}

// Tracker gates outbound requests. It is safe for concurrent use.
type Tracker struct {
	limiter *rate.Limiter
	cfg     Config
	now     func() time.Time
	logger  zerolog.Logger

	mu    sync.Mutex
	state State
}

// NewTracker creates a new rate limit tracker.
func NewTracker(cfg Config) (*Tracker, error) {
	if cfg.Burst < 0 {
		return nil, fmt.Errorf("burst must be >= 0 (got %d)", cfg.Burst)
	}
	if cfg.RequestsPerSecond > 0 && cfg.Burst == 0 {
		cfg.Burst = 1
	}
	if cfg.DefaultCooldown <= 0 {
		cfg.DefaultCooldown = DefaultCooldown
	}
	if cfg.MaxCooldown <= 0 {
		cfg.MaxCooldown = MaxCooldown
	}
	if cfg.MaxCooldown < cfg.DefaultCooldown {
		return nil, fmt.Errorf("max cooldown %s is shorter than default cooldown %s", cfg.MaxCooldown, cfg.DefaultCooldown)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	logger := log.With().Str("component", "ratelimit").Logger()
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str("component", "ratelimit").Logger()
	}

	rateLimitHealthy.Set(1)

	return &Tracker{
		limiter: rate.NewLimiter(limit, cfg.Burst),
		cfg:     cfg,
		now:     cfg.Now,
		logger:  logger,
		state: State{
			RequestsPerSecond: cfg.RequestsPerSecond,
			Burst:             cfg.Burst,
			IsHealthy:         true,
		},
	}, nil
}

// Wait blocks until a request may be sent. It returns a *CooldownError
// without waiting when the upstream has asked us to back off, and the
// context error if ctx ends first.
func (t *Tracker) Wait(ctx context.Context) error {
	if err := t.checkCooldown(); err != nil {
		return err
	}

	start := time.Now()
	if err := t.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("wait for rate limit: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		rateLimitWaitSeconds.Observe(waited.Seconds())
		t.logger.Debug().Dur("waited", waited).Msg("Request paced")
	}
	return nil
}

// Allow reports whether a request may be sent right now without waiting.
func (t *Tracker) Allow() bool {
	if t.checkCooldown() != nil {
		return false
	}
	return t.limiter.Allow()
}

func (t *Tracker) checkCooldown() error {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.state.InCooldown(now) {
		if !t.state.IsHealthy {
			t.state.IsHealthy = true
			rateLimitHealthy.Set(1)
			t.logger.Info().Msg("Upstream cooldown over")
		}
		return nil
	}

	rateLimitRejectionsTotal.Inc()
	return &CooldownError{
		Until:     t.state.CooldownUntil,
		Remaining: t.state.TimeUntilReset(now),
	}
}

// Throttled records an upstream 429. retryAfter is the advertised delay; zero
// falls back to the default cooldown. An existing longer cooldown is kept.
// It returns the cooldown now in effect.
func (t *Tracker) Throttled(retryAfter time.Duration) time.Duration {
	if retryAfter <= 0 {
		retryAfter = t.cfg.DefaultCooldown
	}
	if retryAfter > t.cfg.MaxCooldown {
		retryAfter = t.cfg.MaxCooldown
	}

	now := t.now()
	until := now.Add(retryAfter)

	t.mu.Lock()
	if until.After(t.state.CooldownUntil) {
		t.state.CooldownUntil = until
	}
	t.state.Cooldowns++
	t.state.LastThrottled = now
	t.state.IsHealthy = false
	remaining := t.state.TimeUntilReset(now)
	t.mu.Unlock()

	rateLimitCooldownsTotal.Inc()
	rateLimitHealthy.Set(0)

	t.logger.Warn().
		Dur("retry_after", retryAfter).
		Time("cooldown_until", now.Add(remaining)).
		Msg("Upstream throttled requests, entering cooldown")

	return remaining
}

// State returns a snapshot of the tracker state.
func (t *Tracker) State() State {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.state
	s.IsHealthy = !s.InCooldown(now)
	return s
}

// Reset clears any cooldown.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.state.CooldownUntil = time.Time{}
	t.state.IsHealthy = true
	t.mu.Unlock()

	rateLimitHealthy.Set(1)
}
