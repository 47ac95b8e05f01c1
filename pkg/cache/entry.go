package cache

import (
	"bytes"
	"time"
)

// Entry is one cached value together with its lifetime.
// Tiers hand out copies of Entry; the Value slice is never shared between
// a tier and its callers.
type Entry struct {
	// Value is the serialized payload as fetched from upstream.
	Value []byte `json:"value"`

	// CreatedAt is when the entry was stored.
	CreatedAt time.Time `json:"created_at"`

	// ExpiresAt is when the entry stops being fresh. Always >= CreatedAt.
	ExpiresAt time.Time `json:"expires_at"`
}

// NewEntry builds an entry created at now that stays fresh for ttl.
// A negative ttl is clamped to zero so ExpiresAt never precedes CreatedAt.
func NewEntry(value []byte, now time.Time, ttl time.Duration) Entry {
	if ttl < 0 {
		ttl = 0
	}
	return Entry{
		Value:     bytes.Clone(value),
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
}

// IsExpired reports whether the entry is stale at the given time.
func (e Entry) IsExpired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// TTL returns the remaining lifetime at the given time.
// Returns 0 if already expired.
func (e Entry) TTL(now time.Time) time.Duration {
	ttl := e.ExpiresAt.Sub(now)
	if ttl < 0 {
		return 0
	}
	return ttl
}

// valid rejects entries whose timestamps cannot have been produced by NewEntry.
func (e Entry) valid() bool {
	return !e.CreatedAt.IsZero() && !e.ExpiresAt.Before(e.CreatedAt)
}

func (e Entry) clone() Entry {
	e.Value = bytes.Clone(e.Value)
	return e
}

// Stats is a point-in-time snapshot of a cache's counters.
type Stats struct {
	Entries int     `json:"entries"`
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

func newStats(entries int, hits, misses uint64) Stats {
	s := Stats{Entries: entries, Hits: hits, Misses: misses}
	if total := hits + misses; total > 0 {
		s.HitRate = float64(hits) / float64(total)
	}
	return s
}
