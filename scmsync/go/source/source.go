// Package source declares the upstream SCM capabilities the sync engine
// consumes. The actual GitLab REST and SVN protocol adapters live outside the
// core; everything here is expressed in terms of typed records and
// syncerr-classified failures.
package source

import (
	"context"
	"time"

	"go.engram.dev/scm/scmsync/go/types"
)

// PageOpts controls list pagination.
type PageOpts struct {
	Page    int
	PerPage int
}

// Fetcher is the upstream capability. Implementations return
// *syncerr.SyncError for upstream failures so the worker can classify them
// without string matching.
type Fetcher interface {
	// FetchCommitDiff returns the raw diff of one git commit.
	FetchCommitDiff(ctx context.Context, repo *types.Repo, sha string) ([]byte, error)

	// FetchSVNDiff returns the raw diff of one SVN revision.
	FetchSVNDiff(ctx context.Context, repo *types.Repo, rev int64) ([]byte, error)

	// ListCommitsSince returns commits newer than the cursor, oldest first.
	ListCommitsSince(ctx context.Context, repo *types.Repo, cursor types.Cursor, page PageOpts) ([]*types.GitCommit, error)

	// ListSVNRevisions returns revisions newer than the cursor, oldest first.
	ListSVNRevisions(ctx context.Context, repo *types.Repo, cursor types.Cursor, page PageOpts) ([]*types.SVNRevision, error)

	// ListMergeRequests returns merge requests updated since the given time.
	ListMergeRequests(ctx context.Context, repo *types.Repo, since *time.Time) ([]*types.MergeRequest, error)

	// ListReviewEvents returns the review events of one merge request.
	ListReviewEvents(ctx context.Context, repo *types.Repo, mrID string) ([]*types.ReviewEvent, error)
}

// Credentials is one resolved set of upstream credentials.
type Credentials struct {
	// Token is the API token (GitLab).
	Token string
	// Username/Password are for SVN upstreams.
	Username string
	Password string
}

// CredentialProvider hands out and rotates credentials. Get may be called on
// every request; implementations cache. Invalidate drops the cached value so
// the next Get re-resolves, which is how stale-token rotation works.
type CredentialProvider interface {
	Get(ctx context.Context) (Credentials, error)
	Invalidate()
}
