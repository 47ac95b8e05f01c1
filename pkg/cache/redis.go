package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultRedisPrefix namespaces cache keys in a shared Redis database.
const DefaultRedisPrefix = "nse:cache:"

// RedisConfig holds the Redis tier configuration.
type RedisConfig struct {
	// Prefix is prepended to every fingerprint.
	Prefix string

	// Now is the clock (defaults to time.Now).
	Now func() time.Time

	Logger *zerolog.Logger
}

// RedisStore is a durable tier backed by Redis. It offers the same contract
// as FileStore for deployments without a persistent disk. Redis errors are
// treated like file I/O errors: a miss on read, a dropped write on Set.
type RedisStore struct {
	redis  *redis.Client
	prefix string
	now    func() time.Time
	logger zerolog.Logger

	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewRedisStore creates a Redis-backed tier.
func NewRedisStore(redisClient *redis.Client, cfg RedisConfig) *RedisStore {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultRedisPrefix
	}
	if cfg.Now == nil {
		cfg.Now = systemNow
	}
	logger := log.With().Str("component", "cache").Str("layer", LayerRedis).Logger()
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str("layer", LayerRedis).Logger()
	}

	return &RedisStore{
		redis:  redisClient,
		prefix: cfg.Prefix,
		now:    cfg.Now,
		logger: logger,
	}
}

func (r *RedisStore) redisKey(key Key) string {
	return r.prefix + key.Fingerprint()
}

// Get retrieves the entry for key.
func (r *RedisStore) Get(ctx context.Context, key Key) (Entry, bool) {
	redisKey := r.redisKey(key)

	data, err := r.redis.Get(ctx, redisKey).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			CacheErrors.WithLabelValues(LayerRedis, "get").Inc()
			r.logger.Warn().Err(err).Str("key", redisKey).Msg("Redis get failed")
		}
		return r.miss()
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil || !entry.valid() {
		r.logger.Warn().Str("key", redisKey).Msg("Removing invalid cache entry")
		r.redis.Del(ctx, redisKey)
		CacheEvictions.WithLabelValues(LayerRedis, "corrupt").Inc()
		return r.miss()
	}

	if entry.IsExpired(r.now()) {
		r.redis.Del(ctx, redisKey)
		CacheEvictions.WithLabelValues(LayerRedis, "expired").Inc()
		return r.miss()
	}

	r.hits.Add(1)
	CacheHits.WithLabelValues(LayerRedis).Inc()
	return entry, true
}

// Set stores value under key. Redis expires the key after ttl on its own.
func (r *RedisStore) Set(ctx context.Context, key Key, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}

	data, err := json.Marshal(NewEntry(value, r.now(), ttl))
	if err != nil {
		CacheErrors.WithLabelValues(LayerRedis, "set").Inc()
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	if err := r.redis.Set(ctx, r.redisKey(key), data, ttl).Err(); err != nil {
		CacheErrors.WithLabelValues(LayerRedis, "set").Inc()
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Delete removes key and reports whether it existed.
func (r *RedisStore) Delete(ctx context.Context, key Key) bool {
	n, err := r.redis.Del(ctx, r.redisKey(key)).Result()
	if err != nil {
		CacheErrors.WithLabelValues(LayerRedis, "delete").Inc()
		r.logger.Warn().Err(err).Msg("Redis del failed")
		return false
	}
	return n > 0
}

// Clear removes every key under the prefix and resets the counters.
func (r *RedisStore) Clear(ctx context.Context) error {
	r.hits.Store(0)
	r.misses.Store(0)

	var cursor uint64
	for {
		keys, next, err := r.redis.Scan(ctx, cursor, r.prefix+"*", 500).Result()
		if err != nil {
			CacheErrors.WithLabelValues(LayerRedis, "clear").Inc()
			return fmt.Errorf("redis scan: %w", err)
		}
		if len(keys) > 0 {
			if err := r.redis.Del(ctx, keys...).Err(); err != nil {
				CacheErrors.WithLabelValues(LayerRedis, "clear").Inc()
				return fmt.Errorf("redis del: %w", err)
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

// Stats counts keys under the prefix and returns the counters.
func (r *RedisStore) Stats(ctx context.Context) Stats {
	entries := 0
	iter := r.redis.Scan(ctx, 0, r.prefix+"*", 500).Iterator()
	for iter.Next(ctx) {
		entries++
	}
	if err := iter.Err(); err != nil {
		r.logger.Warn().Err(err).Msg("Redis scan failed")
	}
	return newStats(entries, r.hits.Load(), r.misses.Load())
}

// Ping checks the Redis connection.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.redis.Ping(ctx).Err()
}

// Close closes the underlying Redis client.
func (r *RedisStore) Close() error {
	return r.redis.Close()
}

func (r *RedisStore) miss() (Entry, bool) {
	r.misses.Add(1)
	CacheMisses.WithLabelValues(LayerRedis).Inc()
	return Entry{}, false
}
