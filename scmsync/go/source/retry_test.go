package source

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"go.engram.dev/scm/scmsync/go/syncerr"
)

func TestRetryTransient_EventualSuccess(t *testing.T) {
	calls := 0
	err := RetryTransient(context.Background(), 5*time.Second, func() error {
		calls++
		if calls < 3 {
			return syncerr.New(syncerr.CategoryNetwork, "connection reset")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestRetryTransient_PermanentFailsImmediately(t *testing.T) {
	calls := 0
	err := RetryTransient(context.Background(), 5*time.Second, func() error {
		calls++
		return syncerr.New(syncerr.CategoryRepoNotFound, "404 from upstream")
	})
	require.Error(t, err)
	require.Equal(t, syncerr.CategoryRepoNotFound, syncerr.Classify(err))
	require.Equal(t, 1, calls)
}

func TestRetryTransient_RateLimitIsNotRetriedLocally(t *testing.T) {
	// 429s belong to the limiter and the job-level retry_after; the in-call
	// loop must hand them straight back.
	calls := 0
	err := RetryTransient(context.Background(), 5*time.Second, func() error {
		calls++
		return syncerr.New(syncerr.CategoryRateLimit, "429 from upstream").WithRetryAfter(2 * time.Minute)
	})
	require.Error(t, err)
	require.Equal(t, syncerr.CategoryRateLimit, syncerr.Classify(err))
	require.Equal(t, 1, calls)
}

func TestRetryTransient_LeaseLostIsNotRetried(t *testing.T) {
	calls := 0
	err := RetryTransient(context.Background(), 5*time.Second, func() error {
		calls++
		return syncerr.New(syncerr.CategoryLeaseLost, "lease expired mid-flight")
	})
	require.Error(t, err)
	require.Equal(t, 1, calls)
}

func TestRetryTransient_GivesUpAfterMaxElapsed(t *testing.T) {
	start := time.Now()
	calls := 0
	err := RetryTransient(context.Background(), 100*time.Millisecond, func() error {
		calls++
		return syncerr.New(syncerr.CategoryTimeout, "still slow")
	})
	require.Error(t, err)
	require.Greater(t, calls, 1)
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestRetryTransient_HonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := RetryTransient(ctx, time.Minute, func() error {
		calls++
		cancel()
		return syncerr.New(syncerr.CategoryConnection, "refused")
	})
	require.Error(t, err)
	require.Equal(t, 1, calls)
}
