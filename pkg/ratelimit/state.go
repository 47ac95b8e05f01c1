// Package ratelimit paces outbound requests to the upstream provider and
// tracks the cooldown it imposes after answering 429 Too Many Requests.
//
// Pacing uses a token bucket. A 429 puts the tracker into cooldown until the
// advertised Retry-After has elapsed; requests attempted during cooldown fail
// fast with a *CooldownError instead of hammering an already throttled
// upstream.
package ratelimit

import (
	"fmt"
	"time"
)

// Defaults for the upstream pacing.
const (
	// DefaultRequestsPerSecond keeps well under the provider's observed
	// tolerance for a single session.
	DefaultRequestsPerSecond = 3

	// DefaultBurst is the number of requests allowed back to back.
	DefaultBurst = 3

	// DefaultCooldown applies when a 429 carries no Retry-After.
	DefaultCooldown = 5 * time.Second

	// MaxCooldown caps a Retry-After the provider advertises.
	MaxCooldown = 5 * time.Minute
)

// State is a snapshot of the tracker.
type State struct {
	// RequestsPerSecond is the configured pacing rate.
	RequestsPerSecond float64 `json:"requests_per_second"`

	// Burst is the configured token bucket size.
	Burst int `json:"burst"`

	// CooldownUntil is when the current cooldown ends. Zero when none was
	// ever entered.
	CooldownUntil time.Time `json:"cooldown_until,omitempty"`

	// Cooldowns counts how many times the upstream throttled us.
	Cooldowns int `json:"cooldowns"`

	// LastThrottled is when the last 429 was observed.
	LastThrottled time.Time `json:"last_throttled,omitempty"`

	// IsHealthy is false while a cooldown is in effect.
	IsHealthy bool `json:"is_healthy"`
}

// InCooldown reports whether requests are currently held back.
func (s State) InCooldown(now time.Time) bool {
	return now.Before(s.CooldownUntil)
}

// TimeUntilReset returns how long the cooldown still lasts.
// Returns 0 if no cooldown is in effect.
func (s State) TimeUntilReset(now time.Time) time.Duration {
	d := s.CooldownUntil.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// CooldownError is returned by Tracker.Wait while the upstream has asked us
// to back off.
type CooldownError struct {
	Until     time.Time
	Remaining time.Duration
}

// Error implements the error interface.
func (e *CooldownError) Error() string {
	return fmt.Sprintf("upstream cooldown in effect for another %s", e.Remaining.Round(time.Millisecond))
}
