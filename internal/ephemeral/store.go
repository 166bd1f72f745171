// Package ephemeral provides the TTL-bounded key/value substrate backing
// file locks and presence records.
package ephemeral

import (
	"context"
	"time"
)

const (
	// TTLPersistent is reported for keys that exist without an expiry.
	TTLPersistent = time.Duration(-1)
	// TTLMissing is reported for keys that do not exist.
	TTLMissing = time.Duration(-2)
)

// Store is the contract consumed by the lock manager and presence registry.
// Implementations must provide per-key expiry and an atomic set-if-absent.
type Store interface {
	// SetNX writes the value only when the key is absent and reports whether
	// the write happened.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Get returns the value and whether the key exists.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set writes the value unconditionally with a fresh expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Del removes the key. Removing an absent key is not an error.
	Del(ctx context.Context, key string) error
	// Keys returns all keys matching the glob-style pattern.
	Keys(ctx context.Context, pattern string) ([]string, error)
	// TTL reports the remaining lifetime of a key, TTLPersistent for keys
	// without expiry and TTLMissing for absent keys.
	TTL(ctx context.Context, key string) (time.Duration, error)
}
