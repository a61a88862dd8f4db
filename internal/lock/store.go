// Package lock provides distributed mutual exclusion on top of a pluggable
// lease store.
package lock

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotHeld is returned when renewing or releasing a lease the caller
	// does not hold.
	ErrNotHeld = errors.New("lock not held")
)

// Store is a lease backend. Keys are arbitrary strings; owners are opaque
// tokens.
type Store interface {
	// TryAcquire takes the lease on key for owner if it is free, expired or
	// already held by owner. It returns false without error when another
	// owner holds an unexpired lease.
	TryAcquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	// Renew extends a lease held by owner. It returns ErrNotHeld when the
	// lease is gone or owned by someone else.
	Renew(ctx context.Context, key, owner string, ttl time.Duration) error
	// Release drops a lease held by owner. Releasing a lease that is not
	// held is a no-op.
	Release(ctx context.Context, key, owner string) error
	// Owner returns the current unexpired owner of key.
	Owner(ctx context.Context, key string) (string, bool, error)
}
