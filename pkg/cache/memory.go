package cache

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultSweepInterval is how often expired entries are swept at most.
const DefaultSweepInterval = time.Minute

// MemoryConfig holds the in-memory tier configuration.
type MemoryConfig struct {
	// SweepInterval bounds how often a call may trigger a full sweep.
	SweepInterval time.Duration

	// Now is the clock (defaults to time.Now).
	Now func() time.Time

	Logger *zerolog.Logger
}

// DefaultMemoryConfig returns the default in-memory configuration.
func DefaultMemoryConfig() MemoryConfig {
	return MemoryConfig{
		SweepInterval: DefaultSweepInterval,
	}
}

// Memory is a process-local cache tier guarded by a single mutex.
// Expired entries are dropped lazily on read and by an amortized sweep
// piggybacked on regular calls.
type Memory struct {
	mu        sync.Mutex
	entries   map[string]Entry
	hits      uint64
	misses    uint64
	lastSweep time.Time

	sweepInterval time.Duration
	now           func() time.Time
	logger        zerolog.Logger
}

// NewMemory creates an empty in-memory tier.
func NewMemory(cfg MemoryConfig) *Memory {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.Now == nil {
		cfg.Now = systemNow
	}
	logger := log.With().Str("component", "cache").Str("layer", LayerMemory).Logger()
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str("layer", LayerMemory).Logger()
	}

	return &Memory{
		entries:       make(map[string]Entry),
		lastSweep:     cfg.Now(),
		sweepInterval: cfg.SweepInterval,
		now:           cfg.Now,
		logger:        logger,
	}
}

// Get returns the entry for key. Expired entries are evicted and reported
// as a miss.
func (m *Memory) Get(_ context.Context, key Key) (Entry, bool) {
	fp := key.Fingerprint()
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.maybeSweepLocked(now)

	entry, ok := m.entries[fp]
	if ok && entry.IsExpired(now) {
		delete(m.entries, fp)
		CacheEvictions.WithLabelValues(LayerMemory, "expired").Inc()
		ok = false
	}
	if !ok {
		m.misses++
		CacheMisses.WithLabelValues(LayerMemory).Inc()
		return Entry{}, false
	}

	m.hits++
	CacheHits.WithLabelValues(LayerMemory).Inc()
	return entry.clone(), true
}

// Set stores value under key for ttl, replacing any previous entry.
// A ttl <= 0 stores nothing.
func (m *Memory) Set(_ context.Context, key Key, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	fp := key.Fingerprint()
	now := m.now()
	entry := NewEntry(value, now, ttl)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.maybeSweepLocked(now)
	m.entries[fp] = entry
	return nil
}

// Delete removes key and reports whether it was present.
func (m *Memory) Delete(_ context.Context, key Key) bool {
	fp := key.Fingerprint()

	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[fp]
	delete(m.entries, fp)
	return ok
}

// Clear drops all entries and resets the counters.
func (m *Memory) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]Entry)
	m.hits = 0
	m.misses = 0
	m.lastSweep = m.now()
	return nil
}

// Stats returns a snapshot of the counters.
func (m *Memory) Stats(_ context.Context) Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return newStats(len(m.entries), m.hits, m.misses)
}

// Sweep removes every expired entry and returns how many were dropped.
func (m *Memory) Sweep(_ context.Context) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sweepLocked(m.now())
}

func (m *Memory) maybeSweepLocked(now time.Time) {
	if now.Sub(m.lastSweep) < m.sweepInterval {
		return
	}
	if n := m.sweepLocked(now); n > 0 {
		m.logger.Debug().Int("removed", n).Msg("Swept expired entries")
	}
}

func (m *Memory) sweepLocked(now time.Time) int {
	removed := 0
	for fp, entry := range m.entries {
		if entry.IsExpired(now) {
			delete(m.entries, fp)
			removed++
		}
	}
	m.lastSweep = now
	if removed > 0 {
		CacheEvictions.WithLabelValues(LayerMemory, "expired").Add(float64(removed))
	}
	return removed
}
