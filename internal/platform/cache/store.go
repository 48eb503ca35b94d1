package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidKey is returned when a cache key is blank.
var ErrInvalidKey = errors.New("cache: key is required")

// Store is a shared TTL cache. Values are opaque bytes so that both the in-process and the
// Redis implementation can serve the same callers.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// GetJSON loads key and decodes it into T. A miss returns ok=false without error.
func GetJSON[T any](ctx context.Context, store Store, key string) (T, bool, error) {
	var zero T
	if store == nil {
		return zero, false, nil
	}
	raw, ok, err := store.Get(ctx, key)
	if err != nil || !ok {
		return zero, false, err
	}
	var value T
	if err := json.Unmarshal(raw, &value); err != nil {
		// A corrupt entry is treated as a miss and dropped.
		_ = store.Delete(ctx, key)
		return zero, false, nil
	}
	return value, true, nil
}

// SetJSON encodes value and stores it under key for ttl.
func SetJSON[T any](ctx context.Context, store Store, key string, value T, ttl time.Duration) error {
	if store == nil {
		return nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache: encode %s: %w", key, err)
	}
	return store.Set(ctx, key, raw, ttl)
}

func normalizeKey(key string) (string, error) {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" {
		return "", ErrInvalidKey
	}
	return trimmed, nil
}
