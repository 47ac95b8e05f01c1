package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// GetJSON looks up key and decodes the cached blob into T.
// A stored value that no longer decodes into T is reported as an error
// wrapping ErrInvalidEntry, not as a miss.
func GetJSON[T any](ctx context.Context, s Store, key Key) (T, bool, error) {
	var out T
	entry, ok := s.Get(ctx, key)
	if !ok {
		return out, false, nil
	}
	if err := json.Unmarshal(entry.Value, &out); err != nil {
		return out, false, fmt.Errorf("%w: decode %s: %v", ErrInvalidEntry, key.Endpoint, err)
	}
	return out, true, nil
}

// SetJSON encodes v and stores it under key for ttl.
func SetJSON(ctx context.Context, s Store, key Key, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal cache value: %w", err)
	}
	return s.Set(ctx, key, data, ttl)
}
