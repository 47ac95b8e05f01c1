package cache

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrCacheMiss indicates the requested key was not found or has expired.
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidEntry indicates a stored entry could not be decoded.
	ErrInvalidEntry = errors.New("invalid cache entry")
)

// Layer names used in logs and metric labels.
const (
	LayerMemory = "memory"
	LayerFile   = "file"
	LayerRedis  = "redis"
	LayerHybrid = "hybrid"
)

// Store is the contract shared by every cache tier.
//
// Get returns a copy of the stored entry. Set with ttl <= 0 is a no-op.
// Operations are safe for concurrent use and are not cancellable mid-flight;
// ctx is only used by tiers that talk to a network service.
type Store interface {
	Get(ctx context.Context, key Key) (Entry, bool)
	Set(ctx context.Context, key Key, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key Key) bool
	Clear(ctx context.Context) error
	Stats(ctx context.Context) Stats
}

// Sweeper is implemented by tiers that can drop expired entries on demand.
type Sweeper interface {
	Sweep(ctx context.Context) int
}

func systemNow() time.Time { return time.Now() }
