// Package kvstore defines the key-value contract shared by the ledger and
// conversation store, plus the Redis and in-memory backends.
//
// The contract is intentionally narrow: get, put with TTL, delete. No listing
// or enumeration is exposed, so higher layers never depend on key scans.
package kvstore

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrStorage marks backend failures; callers distinguish "absent" from
// "unreachable" via the bool return and errors.Is(err, ErrStorage).
var ErrStorage = errors.New("storage error")

// Store is the minimal key-value contract backing durable relay state.
type Store interface {
	// Get returns the stored value and whether the key exists. A false second
	// return with nil error means the key is absent or expired.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Put writes value under key. A positive ttl bounds the entry's lifetime;
	// rewriting a key resets its TTL.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key. Deleting an absent key is a no-op.
	Delete(ctx context.Context, key string) error
}

// StorageError wraps a backend failure with the operation and key involved.
func StorageError(op string, key string, err error) error {
	return fmt.Errorf("%w: %s %s: %v", ErrStorage, op, key, err)
}
