// Package cache provides the tiered response cache for the NSE client.
//
// Three tiers share the Store contract:
//
// - Memory: one mutex over a map, lazy expiry on read, amortized sweep
// - FileStore: one JSON file per entry under two-character shard directories,
//   written atomically, survives restarts
// - RedisStore: the same contract over Redis for hosts without a durable disk
//
// Hybrid reads memory first and falls back to the durable tier, promoting
// hits into memory with a bounded TTL. Writes go to both tiers before Set
// returns. A ttl of zero never stores anything.
//
// # Basic Usage
//
//	memory := cache.NewMemory(cache.DefaultMemoryConfig())
//	file, err := cache.NewFileStore(cache.DefaultFileConfig("/var/cache/nse"))
//	if err != nil {
//		return err
//	}
//	hybrid := cache.NewHybrid(memory, file, cache.DefaultHybridConfig())
//
//	key := cache.NewKey("/api/quote-equity", map[string]string{"symbol": "INFY"})
//	if entry, ok := hybrid.Get(ctx, key); ok {
//		// use entry.Value
//	}
//	_ = hybrid.Set(ctx, key, body, 2*time.Minute)
//
// # Keys
//
// Key.Fingerprint hashes the endpoint and the name-sorted, escaped parameters
// with SHA-256 and keeps the first 16 hex characters. Parameter order never
// changes the fingerprint.
//
// # Failure Handling
//
// Caching is an optimization. Corrupt or unreadable durable entries are
// removed and reported as misses; failed durable writes are logged and
// dropped.
//
// # Metrics
//
//   - nse_cache_hits_total{layer} - Cache hits
//   - nse_cache_misses_total{layer} - Cache misses
//   - nse_cache_errors_total{layer,operation} - Degraded I/O
//   - nse_cache_evictions_total{layer,reason} - Expired/corrupt removals
//   - nse_cache_promotions_total - Durable hits copied into memory
package cache
