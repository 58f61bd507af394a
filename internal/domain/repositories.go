package domain

import (
	"context"
	"errors"
)

// ErrNotFound is returned by a DurableStore when a key has no value.
var ErrNotFound = errors.New("not found")

// DurableStore is a string-keyed store used to mirror cache snapshots.
type DurableStore interface {
	// Get returns the value stored under key or ErrNotFound
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key, replacing any previous value
	Set(ctx context.Context, key string, value []byte) error

	// Remove deletes key; removing a missing key is not an error
	Remove(ctx context.Context, key string) error

	// Close releases the store's resources
	Close() error
}

// HealthChecker defines the interface for health checks
type HealthChecker interface {
	// CheckConnection checks if the backend connection is healthy
	CheckConnection(ctx context.Context) error
}
