package locks

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"go.engram.dev/scm/go/now"
	"go.engram.dev/scm/scmsync/go/types"
)

var baseTime = time.Date(2026, time.March, 1, 10, 0, 0, 0, time.UTC)

func TestAcquire_MutualExclusion(t *testing.T) {
	ctx := now.TimeTravelingContext(baseTime)
	s := NewMemoryStore()

	got, err := s.Acquire(ctx, 1, types.JobTypeSVN, "w1", time.Minute)
	require.NoError(t, err)
	require.True(t, got)

	// A second owner is refused while the lease is live.
	got, err = s.Acquire(ctx, 1, types.JobTypeSVN, "w2", time.Minute)
	require.NoError(t, err)
	require.False(t, got)

	// A different pair is independent.
	got, err = s.Acquire(ctx, 1, types.JobTypeGitLabCommits, "w2", time.Minute)
	require.NoError(t, err)
	require.True(t, got)

	// Re-acquiring one's own lock refreshes it.
	ctx.SetTime(baseTime.Add(50 * time.Second))
	got, err = s.Acquire(ctx, 1, types.JobTypeSVN, "w1", time.Minute)
	require.NoError(t, err)
	require.True(t, got)
	ctx.SetTime(baseTime.Add(100 * time.Second))
	got, err = s.Acquire(ctx, 1, types.JobTypeSVN, "w2", time.Minute)
	require.NoError(t, err)
	require.False(t, got)
}

func TestAcquire_ExpiredLeaseIsTakeable(t *testing.T) {
	ctx := now.TimeTravelingContext(baseTime)
	s := NewMemoryStore()
	_, err := s.Acquire(ctx, 1, types.JobTypeSVN, "w1", time.Minute)
	require.NoError(t, err)

	ctx.SetTime(baseTime.Add(2 * time.Minute))
	got, err := s.Acquire(ctx, 1, types.JobTypeSVN, "w2", time.Minute)
	require.NoError(t, err)
	require.True(t, got)
}

func TestRelease(t *testing.T) {
	ctx := now.TimeTravelingContext(baseTime)
	s := NewMemoryStore()
	_, err := s.Acquire(ctx, 1, types.JobTypeSVN, "w1", time.Minute)
	require.NoError(t, err)

	// A non-owner release is a no-op.
	require.NoError(t, s.Release(ctx, 1, types.JobTypeSVN, "w2"))
	got, err := s.Acquire(ctx, 1, types.JobTypeSVN, "w2", time.Minute)
	require.NoError(t, err)
	require.False(t, got)

	require.NoError(t, s.Release(ctx, 1, types.JobTypeSVN, "w1"))
	got, err = s.Acquire(ctx, 1, types.JobTypeSVN, "w2", time.Minute)
	require.NoError(t, err)
	require.True(t, got)
}

func TestExpireStale(t *testing.T) {
	ctx := now.TimeTravelingContext(baseTime)
	s := NewMemoryStore()
	_, err := s.Acquire(ctx, 1, types.JobTypeSVN, "w1", time.Minute)
	require.NoError(t, err)
	_, err = s.Acquire(ctx, 2, types.JobTypeSVN, "w1", time.Hour)
	require.NoError(t, err)

	n, err := s.ExpireStale(ctx, baseTime.Add(10*time.Minute))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// The cleared lock is free, the live one is not.
	ctx.SetTime(baseTime.Add(10 * time.Minute))
	got, err := s.Acquire(ctx, 1, types.JobTypeSVN, "w2", time.Minute)
	require.NoError(t, err)
	require.True(t, got)
	got, err = s.Acquire(ctx, 2, types.JobTypeSVN, "w2", time.Minute)
	require.NoError(t, err)
	require.False(t, got)

	// Idempotent.
	n, err = s.ExpireStale(ctx, baseTime.Add(10*time.Minute))
	require.NoError(t, err)
	require.Zero(t, n)
}
