// Package locks manages the sync_locks table: per-(repo, job_type) advisory
// locks, separate from the job-queue lease. A handler that finds the lock held
// yields cleanly (lock_held) instead of burning an attempt.
package locks

import (
	"context"
	"time"

	"go.engram.dev/scm/scmsync/go/types"
)

// DefaultLeaseSeconds is the default advisory lock lease.
const DefaultLeaseSeconds = 300

// Store is the sync_locks contract.
type Store interface {
	// Acquire takes the lock for owner. Returns false when another owner
	// holds an unexpired lease. Re-acquiring one's own lock refreshes it.
	Acquire(ctx context.Context, repoID int64, jobType types.JobType, owner string, lease time.Duration) (bool, error)

	// Release drops the lock when held by owner; a release by a non-owner is
	// a no-op.
	Release(ctx context.Context, repoID int64, jobType types.JobType, owner string) error

	// ExpireStale clears locked_by/locked_at on rows whose lease has lapsed
	// as of cutoff. Returns the number of locks cleared. Idempotent.
	ExpireStale(ctx context.Context, cutoff time.Time) (int, error)
}
