package domain

import (
	"context"
	"time"
)

// Cache defines the interface for caching operations.
// Supports two-phase caching: local LRU (Community) + Redis (Pro).
type Cache interface {
	// Get retrieves a value from cache.
	// Returns nil, nil if key not found.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value in cache with expiration.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from cache.
	Delete(ctx context.Context, key string) error

	// GetPlayerState retrieves a cached player state snapshot.
	GetPlayerState(ctx context.Context, playerID string) (PlayerState, error)

	// SetPlayerState caches a player state snapshot for rule evaluation.
	SetPlayerState(ctx context.Context, playerID string, state PlayerState, ttl time.Duration) error

	// IncrementCounter atomically increments a counter and returns new value.
	// Used for rate checks (e.g., reward requests in a time window).
	IncrementCounter(ctx context.Context, key string, window time.Duration) (int64, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string

	// Local LRU cache settings (Community edition)
	LocalMaxSize int
	LocalTTL     time.Duration

	// Redis settings (Pro edition)
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Two-phase settings
	EnableTwoPhase bool // If true, check local first, then Redis
}
