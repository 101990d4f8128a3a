// Package lock defines the distributed mutual-exclusion contract used to
// serialise processing per upload id across replicas. Acquisition is
// non-blocking: a held lock is reported, not waited on, because the
// queue's pending reclaim retries the work later and line inserts are
// idempotent either way.
package lock

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotAcquired indicates the lock is currently held elsewhere.
	ErrNotAcquired = errors.New("lock: not acquired")

	// ErrLockLost indicates a renew or release found the lease expired
	// or taken over by another owner.
	ErrLockLost = errors.New("lock: lease lost")
)

// UploadLockName returns the canonical lock name for an upload.
func UploadLockName(uploadID string) string {
	return "lock:upload:" + uploadID
}

// Lease is a held lock. The token fences against releasing or renewing
// a lease that has expired and been re-acquired by another worker.
type Lease struct {
	Name  string
	Token string
	TTL   time.Duration
}

// Manager grants named leases with a TTL.
type Manager interface {
	// Acquire attempts to take the named lock. Returns ErrNotAcquired
	// without blocking when it is held elsewhere.
	Acquire(ctx context.Context, name string, ttl time.Duration) (*Lease, error)

	// Renew extends the lease by its TTL. Returns ErrLockLost when the
	// lease no longer belongs to the caller.
	Renew(ctx context.Context, lease *Lease) error

	// Release frees the lease. Releasing an already-lost lease returns
	// ErrLockLost.
	Release(ctx context.Context, lease *Lease) error
}
