package domain

import (
	"context"
	"time"
)

// Cache is a read-through byte cache fronting the audit retrieval endpoints.
// Rolling-window aggregates are never cached; every streaming-rule read goes
// to the store.
type Cache interface {
	// Get retrieves a value. Returns nil, nil on miss.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value with expiration.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a value.
	Delete(ctx context.Context, key string) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// CacheConfig selects a cache backend.
type CacheConfig struct {
	// Type is "memory" or "redis".
	Type string

	// Local LRU settings
	LocalMaxSize int
	LocalTTL     time.Duration

	// Redis settings
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}
