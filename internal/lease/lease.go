// Package lease provides a named, expiring, owner-checked lock used to keep
// reconciliation sweeps from overlapping across processes.
package lease

import (
	"context"
	"time"
)

// Locker acquires and releases named leases. Acquire reports false without
// an error when another owner holds an unexpired lease. Release only removes
// a lease still held by owner and reports whether it did.
//
// *db.JobLockRepository satisfies Locker directly.
type Locker interface {
	Acquire(ctx context.Context, name, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, name, owner string) (bool, error)
}

// TTLFor is the lease lifetime for a task scheduled every interval.
func TTLFor(interval time.Duration) time.Duration {
	return max(90*time.Second, 2*interval)
}
