// Package ratelimit implements the per-upstream-instance token bucket. The
// authoritative bucket lives in the sync_rate_limits table and is shared by
// every worker targeting the same instance; an optional in-process
// x/time/rate bucket sits in front of it as a fast path.
//
// Limiters never sleep. TryAcquire reports (allowed, wait) and the caller
// decides how to spend the wait.
package ratelimit

import (
	"context"
	"time"
)

const (
	// DefaultRate is tokens added per second for a new bucket row.
	DefaultRate = 2.0
	// DefaultBurst is the bucket capacity for a new bucket row.
	DefaultBurst = 10
)

// Result is the outcome of one Consume call.
type Result struct {
	Allowed         bool
	TokensRemaining float64
	// Wait is how long the caller should wait before trying again. Zero when
	// Allowed.
	Wait time.Duration
	// PausedUntil is non-zero when the bucket is paused by a 429.
	PausedUntil time.Time
}

// Bucket is the distributed token bucket contract.
type Bucket interface {
	// Consume atomically takes tokens from the bucket for the instance,
	// creating the bucket row on first use. Refill is lazy, computed from the
	// elapsed time since the last update.
	Consume(ctx context.Context, instanceKey string, tokens float64) (Result, error)

	// Pause reacts to an upstream 429: zeroes the bucket and blocks all
	// consumers until now+retryAfter. Bumps consecutive_429_count in meta.
	Pause(ctx context.Context, instanceKey string, retryAfter time.Duration) error

	// ClearPause lifts a pause and resets consecutive_429_count. Called after
	// a successful upstream request.
	ClearPause(ctx context.Context, instanceKey string) error
}

// Limiter is the client-facing acquire interface. A Limiter never sleeps;
// wait handling belongs to the caller.
type Limiter interface {
	// TryAcquire attempts to take n tokens. Returns whether the acquisition
	// succeeded and, when it did not, how long to wait before retrying.
	TryAcquire(ctx context.Context, instanceKey string, n float64) (bool, time.Duration, error)

	// Notify429 informs the limiter of an upstream 429 so both the local and
	// the distributed bucket back off.
	Notify429(ctx context.Context, instanceKey string, retryAfter time.Duration) error

	// NotifySuccess clears pause state after a successful request.
	NotifySuccess(ctx context.Context, instanceKey string) error
}
