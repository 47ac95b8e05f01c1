package cache

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultPromoteTTL bounds how long a durable hit lives in memory.
const DefaultPromoteTTL = 5 * time.Minute

// HybridConfig holds the tiered cache configuration.
type HybridConfig struct {
	// PromoteTTL caps the memory lifetime of entries copied up from the
	// durable tier. The entry's own remaining lifetime is used when shorter.
	PromoteTTL time.Duration

	// Now is the clock (defaults to time.Now).
	Now func() time.Time

	Logger *zerolog.Logger
}

// DefaultHybridConfig returns the default tiered cache configuration.
func DefaultHybridConfig() HybridConfig {
	return HybridConfig{PromoteTTL: DefaultPromoteTTL}
}

// Hybrid combines an in-memory tier and a durable tier (file or Redis).
// Reads check memory first, then the durable tier, promoting durable hits
// into memory. Writes go to both tiers before returning.
//
// Construct one Hybrid per process at the composition root and pass it to
// consumers.
type Hybrid struct {
	memory  *Memory
	durable Store

	promoteTTL time.Duration
	now        func() time.Time
	logger     zerolog.Logger

	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewHybrid creates a tiered cache over memory and durable.
func NewHybrid(memory *Memory, durable Store, cfg HybridConfig) *Hybrid {
	if memory == nil || durable == nil {
		panic("hybrid cache requires both tiers")
	}
	if cfg.PromoteTTL <= 0 {
		cfg.PromoteTTL = DefaultPromoteTTL
	}
	if cfg.Now == nil {
		cfg.Now = systemNow
	}
	logger := log.With().Str("component", "cache").Str("layer", LayerHybrid).Logger()
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str("layer", LayerHybrid).Logger()
	}

	return &Hybrid{
		memory:     memory,
		durable:    durable,
		promoteTTL: cfg.PromoteTTL,
		now:        cfg.Now,
		logger:     logger,
	}
}

// Memory returns the in-memory tier.
func (h *Hybrid) Memory() *Memory {
	return h.memory
}

// Durable returns the durable tier.
func (h *Hybrid) Durable() Store {
	return h.durable
}

// Get returns the entry for key from the fastest tier holding it.
func (h *Hybrid) Get(ctx context.Context, key Key) (Entry, bool) {
	if entry, ok := h.memory.Get(ctx, key); ok {
		h.hit()
		return entry, true
	}

	entry, ok := h.durable.Get(ctx, key)
	if !ok {
		h.misses.Add(1)
		CacheMisses.WithLabelValues(LayerHybrid).Inc()
		return Entry{}, false
	}

	ttl := min(h.promoteTTL, entry.TTL(h.now()))
	if ttl > 0 {
		_ = h.memory.Set(ctx, key, entry.Value, ttl)
		CachePromotions.Inc()
		h.logger.Debug().Str("key", key.Fingerprint()).Dur("ttl", ttl).Msg("Promoted durable entry")
	}

	h.hit()
	return entry, true
}

// Set writes value to both tiers. A ttl <= 0 stores nothing. A durable
// write failure is logged and dropped; the memory copy still serves reads.
func (h *Hybrid) Set(ctx context.Context, key Key, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	if err := h.memory.Set(ctx, key, value, ttl); err != nil {
		return err
	}
	if err := h.durable.Set(ctx, key, value, ttl); err != nil {
		h.logger.Warn().Err(err).Str("key", key.Fingerprint()).Msg("Durable cache write dropped")
	}
	return nil
}

// Delete removes key from both tiers and reports whether either held it.
func (h *Hybrid) Delete(ctx context.Context, key Key) bool {
	inMemory := h.memory.Delete(ctx, key)
	inDurable := h.durable.Delete(ctx, key)
	return inMemory || inDurable
}

// Clear empties both tiers and resets the counters.
func (h *Hybrid) Clear(ctx context.Context) error {
	h.hits.Store(0)
	h.misses.Store(0)
	return errors.Join(h.memory.Clear(ctx), h.durable.Clear(ctx))
}

// Stats reports the combined hit/miss counters. Entries counts the durable
// tier, which holds a superset of memory.
func (h *Hybrid) Stats(ctx context.Context) Stats {
	return newStats(h.durable.Stats(ctx).Entries, h.hits.Load(), h.misses.Load())
}

// TierStats returns per-tier snapshots keyed by layer name.
func (h *Hybrid) TierStats(ctx context.Context) map[string]Stats {
	durableLayer := LayerFile
	if _, ok := h.durable.(*RedisStore); ok {
		durableLayer = LayerRedis
	}
	return map[string]Stats{
		LayerMemory:  h.memory.Stats(ctx),
		durableLayer: h.durable.Stats(ctx),
		LayerHybrid:  h.Stats(ctx),
	}
}

// Sweep drops expired entries from both tiers.
func (h *Hybrid) Sweep(ctx context.Context) int {
	removed := h.memory.Sweep(ctx)
	if s, ok := h.durable.(Sweeper); ok {
		removed += s.Sweep(ctx)
	}
	return removed
}

// Close releases the durable tier if it holds resources.
func (h *Hybrid) Close() error {
	if c, ok := h.durable.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (h *Hybrid) hit() {
	h.hits.Add(1)
	CacheHits.WithLabelValues(LayerHybrid).Inc()
}
