// Package cache is a small string key/value cache with per-key TTL, used for
// presence heartbeats and catalog lookups.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss is returned by Get when the key is absent or expired.
var ErrMiss = errors.New("cache: miss")

// Cache is implemented by Memory and Redis.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	// Set stores value under key. ttl <= 0 means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}
