// Package session defines the session-scoped persistent key/value store the
// cache snapshot survives navigation in. Implementations enforce a byte quota
// and keep no state beyond one browsing session's worth of keys.
package session

import (
	"context"
	"errors"
)

// ErrQuotaExceeded is returned by Put when the write would push the store
// past its byte quota. Callers treat it as a signal to evict and retry once,
// then give up silently.
var ErrQuotaExceeded = errors.New("session: quota exceeded")

// Store is a small namespaced key/value store with quota semantics.
// Values are opaque bytes; corrupt or missing values are indistinguishable
// to callers, who must parse defensively.
type Store interface {
	// Get returns the stored value and whether the key was present.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Put stores the value under key, replacing any prior value.
	// Returns ErrQuotaExceeded when the write would exceed the quota.
	Put(ctx context.Context, key string, value []byte) error

	// Delete removes the key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Close releases underlying resources.
	Close() error
}
