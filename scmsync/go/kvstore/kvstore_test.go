package kvstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"go.engram.dev/scm/scmsync/go/types"
)

func TestMemoryStore_CRUD(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryStore()

	_, ok, err := kv.Get(ctx, NamespaceSync, "missing")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, kv.Put(ctx, NamespaceSync, "k", map[string]int{"a": 1}))
	raw, ok, err := kv.Get(ctx, NamespaceSync, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.JSONEq(t, `{"a":1}`, string(raw))

	// Last writer wins.
	require.NoError(t, kv.Put(ctx, NamespaceSync, "k", map[string]int{"a": 2}))
	raw, _, err = kv.Get(ctx, NamespaceSync, "k")
	require.NoError(t, err)
	require.JSONEq(t, `{"a":2}`, string(raw))

	// Namespaces do not leak into each other.
	_, ok, err = kv.Get(ctx, NamespaceSyncHealth, "k")
	require.NoError(t, err)
	require.False(t, ok)

	all, err := kv.List(ctx, NamespaceSync)
	require.NoError(t, err)
	require.Len(t, all, 1)

	require.NoError(t, kv.Delete(ctx, NamespaceSync, "k"))
	_, ok, err = kv.Get(ctx, NamespaceSync, "k")
	require.NoError(t, err)
	require.False(t, ok)
	// Deleting an absent key is not an error.
	require.NoError(t, kv.Delete(ctx, NamespaceSync, "k"))
}

func TestCursorKey(t *testing.T) {
	require.Equal(t, "gitlab_cursor:7", CursorKey(7, types.JobTypeGitLabCommits))
	require.Equal(t, "gitlab_mr_cursor:7", CursorKey(7, types.JobTypeGitLabMRs))
	require.Equal(t, "gitlab_review_cursor:7", CursorKey(7, types.JobTypeGitLabReviews))
	require.Equal(t, "svn_cursor:7", CursorKey(7, types.JobTypeSVN))
}

func TestCursors_RoundTrip(t *testing.T) {
	ctx := context.Background()
	c := NewCursors(NewMemoryStore())

	// An absent cursor reads as zero, not an error.
	cur, err := c.Get(ctx, 1, types.JobTypeSVN)
	require.NoError(t, err)
	require.True(t, cur.IsZero())

	ts := time.Date(2026, time.March, 1, 10, 0, 0, 0, time.UTC)
	want := types.Cursor{CommitSHA: "abc123", Timestamp: &ts}
	require.NoError(t, c.Put(ctx, 1, types.JobTypeGitLabCommits, want))
	got, err := c.Get(ctx, 1, types.JobTypeGitLabCommits)
	require.NoError(t, err)
	require.Equal(t, want.CommitSHA, got.CommitSHA)
	require.True(t, got.Timestamp.Equal(ts))

	// Cursors for different job types of the same repo are independent.
	require.NoError(t, c.Put(ctx, 1, types.JobTypeSVN, types.Cursor{Rev: 42}))
	got, err = c.Get(ctx, 1, types.JobTypeGitLabCommits)
	require.NoError(t, err)
	require.Equal(t, "abc123", got.CommitSHA)
	svn, err := c.Get(ctx, 1, types.JobTypeSVN)
	require.NoError(t, err)
	require.Equal(t, int64(42), svn.Rev)
}
