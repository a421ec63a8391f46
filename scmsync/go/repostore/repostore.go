// Package repostore persists repos and the revision/commit/MR/review-event
// rows observed from upstream. All writes are upsert-style; the core never
// deletes observed history.
package repostore

import (
	"context"

	"go.engram.dev/scm/scmsync/go/types"
)

// Store is the contract for repo and revision persistence.
type Store interface {
	// UpsertRepo inserts the repo or, when (repo_type, url) already exists,
	// updates project_key and default_branch. Returns the repo id.
	UpsertRepo(ctx context.Context, r *types.Repo) (int64, error)

	// GetRepo returns the repo by id, or nil when absent.
	GetRepo(ctx context.Context, repoID int64) (*types.Repo, error)

	// GetRepoByURL returns the repo by its unique (repo_type, url), or nil.
	GetRepoByURL(ctx context.Context, t types.RepoType, url string) (*types.Repo, error)

	// UpsertSVNRevision inserts or refreshes one observed revision.
	UpsertSVNRevision(ctx context.Context, rev *types.SVNRevision) error

	// GetSVNRevision returns the revision, or nil when absent.
	GetSVNRevision(ctx context.Context, repoID, revNum int64) (*types.SVNRevision, error)

	// UpsertGitCommit inserts or refreshes one observed commit.
	UpsertGitCommit(ctx context.Context, c *types.GitCommit) error

	// GetGitCommit returns the commit, or nil when absent.
	GetGitCommit(ctx context.Context, repoID int64, sha string) (*types.GitCommit, error)

	// UpsertMergeRequest inserts or refreshes a merge request by its external
	// id.
	UpsertMergeRequest(ctx context.Context, mr *types.MergeRequest) error

	// InsertReviewEvent appends a review event. Returns false when the
	// (mr_id, source_event_id) pair was already recorded.
	InsertReviewEvent(ctx context.Context, ev *types.ReviewEvent) (bool, error)
}
