package store

import (
	"context"
	"errors"
	"time"
)

// Common store errors.
var (
	// ErrNotFound indicates that the key was not found in the store.
	ErrNotFound = errors.New("key not found")

	// ErrInvalidConfig indicates that the store configuration is invalid.
	ErrInvalidConfig = errors.New("invalid store configuration")

	// ErrConnectionFailed indicates that the store connection failed.
	ErrConnectionFailed = errors.New("store connection failed")
)

// Store is the key/value interface over the shared lock store.
//
// Get returns ErrNotFound when the key is absent. SetEx with a zero or
// negative TTL stores the value without expiry.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	SetEx(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error

	// MGet returns one value per key; absent keys yield nil entries.
	MGet(ctx context.Context, keys ...string) ([]*string, error)

	// MSet stores all pairs in a single pipelined round trip.
	MSet(ctx context.Context, pairs map[string]string) error

	// TTL returns the remaining time-to-live of a key, or ErrNotFound.
	TTL(ctx context.Context, key string) (time.Duration, error)

	// Ping verifies connectivity.
	Ping(ctx context.Context) error

	Close() error
}
