// Package queue implements the Postgres-backed job queue with lease-based
// single-writer execution. At most one pending-or-running job exists per
// (repo, job_type); competing workers serialize on FOR UPDATE SKIP LOCKED and
// a lease held in the locked_by/locked_at columns.
package queue

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"go.engram.dev/scm/scmsync/go/types"
)

// Defaults applied by Enqueue when the caller leaves fields zero.
const (
	DefaultPriority     = 100
	DefaultMaxAttempts  = 3
	DefaultLeaseSeconds = 300

	// DefaultRequeueJitter bounds the random delay applied by
	// RequeueWithoutPenalty.
	DefaultRequeueJitter = 5 * time.Second
)

// ErrNotOwner is returned by lease-conditional mutations when the job is not
// running under the given worker's lease. The usual cause is a lease that
// expired and was re-claimed.
var ErrNotOwner = errors.New("job is not running under this worker's lease")

// EnqueueRequest describes a job to enqueue.
type EnqueueRequest struct {
	RepoID       int64
	Type         types.JobType
	Mode         types.JobMode
	Priority     int
	Payload      types.Payload
	MaxAttempts  int
	NotBefore    time.Time
	LeaseSeconds int
}

func (r *EnqueueRequest) withDefaults() EnqueueRequest {
	out := *r
	if out.Priority == 0 {
		out.Priority = DefaultPriority
	}
	if out.MaxAttempts == 0 {
		out.MaxAttempts = DefaultMaxAttempts
	}
	if out.LeaseSeconds == 0 {
		out.LeaseSeconds = DefaultLeaseSeconds
	}
	if out.Mode == "" {
		out.Mode = types.ModeIncremental
	}
	return out
}

// ClaimRequest filters which jobs a worker is willing to run.
type ClaimRequest struct {
	WorkerID string

	// JobTypes restricts the claim; empty means any type.
	JobTypes []types.JobType

	// LeaseSeconds overrides the job's stored lease when > 0.
	LeaseSeconds int

	// InstanceAllowlist and TenantAllowlist restrict claims on payload hints.
	// Jobs whose payload leaves the hint empty always pass, so unrelated job
	// types are not starved by a filter.
	InstanceAllowlist []string
	TenantAllowlist   []string
}

// Queue is the job queue contract. Both the Postgres implementation and the
// in-memory test implementation satisfy it.
type Queue interface {
	// Enqueue inserts a pending job and returns its id, or "" when a
	// pending/running job already exists for (repo_id, job_type).
	Enqueue(ctx context.Context, req EnqueueRequest) (string, error)

	// Claim atomically picks the best runnable job for this worker, marks it
	// running and bumps attempts. Returns nil when nothing is runnable.
	Claim(ctx context.Context, req ClaimRequest) (*types.Job, error)

	// Ack marks the job completed. Conditional on (locked_by, running).
	Ack(ctx context.Context, jobID, workerID, runID string) error

	// FailRetry records a failure. The job transitions to dead once attempts
	// have reached max_attempts, otherwise to failed with not_before pushed
	// out by backoff (nil backoff selects the exponential default). The error
	// string is redacted before it is written.
	FailRetry(ctx context.Context, jobID, workerID, errMsg string, backoff *time.Duration) error

	// MarkDead transitions the running job to dead unconditionally.
	MarkDead(ctx context.Context, jobID, workerID, errMsg string) error

	// RequeueWithoutPenalty returns the job to pending and undoes the claim's
	// attempts increment, with a random delay in [0, jitter). Used when the
	// worker yielded cleanly, e.g. an advisory lock was held elsewhere.
	RequeueWithoutPenalty(ctx context.Context, jobID, workerID, reason string, jitter time.Duration) error

	// RenewLease bumps locked_at (and optionally the lease length) for a
	// running job owned by workerID.
	RenewLease(ctx context.Context, jobID, workerID string, lease time.Duration) error

	// Get returns the job by id, or nil when absent.
	Get(ctx context.Context, jobID string) (*types.Job, error)
}

// Reapable extends Queue with the scan the reaper uses to find orphaned jobs.
type Reapable interface {
	Queue

	// ExpiredRunning returns running jobs whose lease, extended by grace,
	// expired; oldest lock first, bounded by limit. The returned jobs still
	// carry their stale locked_by, which the reaper uses for owner-conditional
	// transitions.
	ExpiredRunning(ctx context.Context, grace time.Duration, limit int) ([]*types.Job, error)
}

// DefaultRetryBackoff is the exponential backoff applied by FailRetry when the
// caller provides none: 60s * 2^(attempts-1).
func DefaultRetryBackoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := 60 * time.Second
	for i := 1; i < attempts; i++ {
		d *= 2
		if d > 24*time.Hour {
			return 24 * time.Hour
		}
	}
	return d
}
