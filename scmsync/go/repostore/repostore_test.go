package repostore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"go.engram.dev/scm/scmsync/go/types"
)

func TestUpsertRepo(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	id, err := s.UpsertRepo(ctx, &types.Repo{
		Type:       types.RepoTypeGit,
		URL:        "https://gitlab.acme.dev/acme/widgets.git",
		ProjectKey: "acme/widgets",
	})
	require.NoError(t, err)

	// Same (type, url): the row is updated in place, not duplicated.
	again, err := s.UpsertRepo(ctx, &types.Repo{
		Type:          types.RepoTypeGit,
		URL:           "https://gitlab.acme.dev/acme/widgets.git",
		ProjectKey:    "acme/widgets-renamed",
		DefaultBranch: "main",
	})
	require.NoError(t, err)
	require.Equal(t, id, again)
	repo, err := s.GetRepo(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "acme/widgets-renamed", repo.ProjectKey)
	require.Equal(t, "main", repo.DefaultBranch)

	// Same url, different type: a distinct repo.
	other, err := s.UpsertRepo(ctx, &types.Repo{
		Type: types.RepoTypeSVN,
		URL:  "https://gitlab.acme.dev/acme/widgets.git",
	})
	require.NoError(t, err)
	require.NotEqual(t, id, other)

	byURL, err := s.GetRepoByURL(ctx, types.RepoTypeGit, "https://gitlab.acme.dev/acme/widgets.git")
	require.NoError(t, err)
	require.Equal(t, id, byURL.ID)
	missing, err := s.GetRepoByURL(ctx, types.RepoTypeGit, "https://elsewhere.dev/x.git")
	require.NoError(t, err)
	require.Nil(t, missing)
	missing, err = s.GetRepo(ctx, 999)
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestUpsertSVNRevision(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.UpsertSVNRevision(ctx, &types.SVNRevision{RepoID: 1, Rev: 100, AuthorRaw: "ada", Message: "first"}))
	// Re-observing refreshes the row.
	require.NoError(t, s.UpsertSVNRevision(ctx, &types.SVNRevision{RepoID: 1, Rev: 100, AuthorRaw: "ada", Message: "amended"}))

	rev, err := s.GetSVNRevision(ctx, 1, 100)
	require.NoError(t, err)
	require.Equal(t, "amended", rev.Message)
	missing, err := s.GetSVNRevision(ctx, 1, 101)
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestUpsertGitCommit(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.UpsertGitCommit(ctx, &types.GitCommit{RepoID: 1, SHA: "abc1234", Message: "first"}))
	got, err := s.GetGitCommit(ctx, 1, "abc1234")
	require.NoError(t, err)
	require.Equal(t, "first", got.Message)

	// The same sha under another repo is independent.
	missing, err := s.GetGitCommit(ctx, 2, "abc1234")
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestInsertReviewEvent_Dedup(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.UpsertMergeRequest(ctx, &types.MergeRequest{ID: "42", RepoID: 1, Status: types.MRStatusOpened}))

	inserted, err := s.InsertReviewEvent(ctx, &types.ReviewEvent{MRID: "42", SourceEventID: "11", Kind: "note"})
	require.NoError(t, err)
	require.True(t, inserted)

	// The same (mr, event) pair is recorded once.
	inserted, err = s.InsertReviewEvent(ctx, &types.ReviewEvent{MRID: "42", SourceEventID: "11", Kind: "note"})
	require.NoError(t, err)
	require.False(t, inserted)

	// A different event of the same MR, or the same event id under another MR,
	// both land.
	inserted, err = s.InsertReviewEvent(ctx, &types.ReviewEvent{MRID: "42", SourceEventID: "12", Kind: "system"})
	require.NoError(t, err)
	require.True(t, inserted)
	inserted, err = s.InsertReviewEvent(ctx, &types.ReviewEvent{MRID: "43", SourceEventID: "11", Kind: "note"})
	require.NoError(t, err)
	require.True(t, inserted)
}
