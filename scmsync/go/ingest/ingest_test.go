package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"go.engram.dev/scm/go/now"
	"go.engram.dev/scm/scmsync/go/blobstore"
	"go.engram.dev/scm/scmsync/go/kvstore"
	"go.engram.dev/scm/scmsync/go/locks"
	"go.engram.dev/scm/scmsync/go/ratelimit"
	"go.engram.dev/scm/scmsync/go/repostore"
	"go.engram.dev/scm/scmsync/go/source"
	"go.engram.dev/scm/scmsync/go/syncerr"
	"go.engram.dev/scm/scmsync/go/types"
)

var baseTime = time.Date(2026, time.March, 1, 10, 0, 0, 0, time.UTC)

// fakeFetcher answers list calls from canned slices; per-call hooks override.
type fakeFetcher struct {
	commits func(cursor types.Cursor, page source.PageOpts) ([]*types.GitCommit, error)
	revs    func(cursor types.Cursor, page source.PageOpts) ([]*types.SVNRevision, error)
	mrs     func(since *time.Time) ([]*types.MergeRequest, error)
	events  func(mrID string) ([]*types.ReviewEvent, error)
	fetches int
}

func (f *fakeFetcher) ListCommitsSince(_ context.Context, _ *types.Repo, cursor types.Cursor, page source.PageOpts) ([]*types.GitCommit, error) {
	f.fetches++
	if f.commits == nil {
		return nil, nil
	}
	return f.commits(cursor, page)
}

func (f *fakeFetcher) ListSVNRevisions(_ context.Context, _ *types.Repo, cursor types.Cursor, page source.PageOpts) ([]*types.SVNRevision, error) {
	f.fetches++
	if f.revs == nil {
		return nil, nil
	}
	return f.revs(cursor, page)
}

func (f *fakeFetcher) ListMergeRequests(_ context.Context, _ *types.Repo, since *time.Time) ([]*types.MergeRequest, error) {
	f.fetches++
	if f.mrs == nil {
		return nil, nil
	}
	return f.mrs(since)
}

func (f *fakeFetcher) ListReviewEvents(_ context.Context, _ *types.Repo, mrID string) ([]*types.ReviewEvent, error) {
	f.fetches++
	if f.events == nil {
		return nil, nil
	}
	return f.events(mrID)
}

func (f *fakeFetcher) FetchCommitDiff(context.Context, *types.Repo, string) ([]byte, error) {
	panic("diffs belong to the materializer")
}

func (f *fakeFetcher) FetchSVNDiff(context.Context, *types.Repo, int64) ([]byte, error) {
	panic("diffs belong to the materializer")
}

type fixture struct {
	ctx     *now.TimeTravelCtx
	repos   *repostore.MemoryStore
	blobs   *blobstore.MemoryStore
	cursors *kvstore.Cursors
	locks   *locks.MemoryStore
	limiter *ratelimit.LocalLimiter
	fetcher *fakeFetcher
	h       *Handlers
	repoID  int64
}

func newFixture(t *testing.T, repoType types.RepoType) *fixture {
	f := &fixture{
		ctx:     now.TimeTravelingContext(baseTime),
		repos:   repostore.NewMemoryStore(),
		blobs:   blobstore.NewMemoryStore(),
		cursors: kvstore.NewCursors(kvstore.NewMemoryStore()),
		locks:   locks.NewMemoryStore(),
		limiter: ratelimit.NewLocalLimiter(1000, 1000),
		fetcher: &fakeFetcher{},
	}
	url := "https://gitlab.acme.dev/acme/widgets.git"
	if repoType == types.RepoTypeSVN {
		url = "https://svn.acme.dev/widgets"
	}
	repoID, err := f.repos.UpsertRepo(f.ctx, &types.Repo{
		Type:       repoType,
		URL:        url,
		ProjectKey: "acme/widgets",
	})
	require.NoError(t, err)
	f.repoID = repoID
	f.h = New(f.repos, f.blobs, f.cursors, f.locks, f.limiter,
		map[types.RepoType]source.Fetcher{repoType: f.fetcher}, Config{})
	return f
}

func (f *fixture) job(jobType types.JobType) *types.Job {
	return &types.Job{
		ID:       "j1",
		RepoID:   f.repoID,
		Type:     jobType,
		Mode:     types.ModeIncremental,
		LockedBy: "w1",
	}
}

func gitCommit(repoID int64, sha string, ts time.Time) *types.GitCommit {
	t := ts
	return &types.GitCommit{RepoID: repoID, SHA: sha, AuthorRaw: "Ada <ada@acme.dev>", Timestamp: &t}
}

func TestCommits_SyncsAndSeedsBlobs(t *testing.T) {
	f := newFixture(t, types.RepoTypeGit)
	f.fetcher.commits = func(cursor types.Cursor, _ source.PageOpts) ([]*types.GitCommit, error) {
		require.True(t, cursor.IsZero())
		return []*types.GitCommit{
			gitCommit(f.repoID, "aaa1111", baseTime.Add(-2*time.Hour)),
			gitCommit(f.repoID, "bbb2222", baseTime.Add(-time.Hour)),
		}, nil
	}

	res := f.h.Commits(f.ctx, f.job(types.JobTypeGitLabCommits))
	require.True(t, res.Success, res.Error)
	require.Equal(t, int64(2), res.Counts["synced_count"])
	require.Equal(t, int64(2), res.Counts["diff_count"])
	require.Equal(t, int64(1), res.Counts["total_requests"])

	// Commits are persisted and each one seeds a pending blob row.
	c, err := f.repos.GetGitCommit(f.ctx, f.repoID, "aaa1111")
	require.NoError(t, err)
	require.NotNil(t, c)
	blob, err := f.blobs.GetBySource(f.ctx, types.RepoTypeGit, c.SourceID())
	require.NoError(t, err)
	require.NotNil(t, blob)
	require.Equal(t, types.MaterializePending, blob.Meta.MaterializeStatus)
	require.Equal(t, types.FormatDiff, blob.Format)

	// The cursor advanced to the newest commit.
	cur, err := f.cursors.Get(f.ctx, f.repoID, types.JobTypeGitLabCommits)
	require.NoError(t, err)
	require.Equal(t, "bbb2222", cur.CommitSHA)

	// The advisory lock was released on the way out.
	got, err := f.locks.Acquire(f.ctx, f.repoID, types.JobTypeGitLabCommits, "w2", time.Minute)
	require.NoError(t, err)
	require.True(t, got)
}

func TestCommits_SecondRunSkipsSeededBlobs(t *testing.T) {
	f := newFixture(t, types.RepoTypeGit)
	f.fetcher.commits = func(types.Cursor, source.PageOpts) ([]*types.GitCommit, error) {
		return []*types.GitCommit{gitCommit(f.repoID, "aaa1111", baseTime.Add(-time.Hour))}, nil
	}

	res := f.h.Commits(f.ctx, f.job(types.JobTypeGitLabCommits))
	require.True(t, res.Success)
	res = f.h.Commits(f.ctx, f.job(types.JobTypeGitLabCommits))
	require.True(t, res.Success)
	require.Equal(t, int64(1), res.Counts["synced_count"])
	require.Equal(t, int64(1), res.Counts["skipped_count"])
	require.Zero(t, res.Counts["diff_count"])
}

func TestCommits_ResumesFromStoredCursor(t *testing.T) {
	f := newFixture(t, types.RepoTypeGit)
	ts := baseTime.Add(-time.Hour)
	require.NoError(t, f.cursors.Put(f.ctx, f.repoID, types.JobTypeGitLabCommits,
		types.Cursor{CommitSHA: "aaa1111", Timestamp: &ts}))
	f.fetcher.commits = func(cursor types.Cursor, _ source.PageOpts) ([]*types.GitCommit, error) {
		require.Equal(t, "aaa1111", cursor.CommitSHA)
		require.True(t, cursor.Timestamp.Equal(ts))
		return nil, nil
	}

	res := f.h.Commits(f.ctx, f.job(types.JobTypeGitLabCommits))
	require.True(t, res.Success)
	require.Zero(t, res.Counts["synced_count"])
}

func TestCommits_TimeWindowBound(t *testing.T) {
	f := newFixture(t, types.RepoTypeGit)
	until := baseTime.Add(-time.Hour)
	f.fetcher.commits = func(types.Cursor, source.PageOpts) ([]*types.GitCommit, error) {
		return []*types.GitCommit{
			gitCommit(f.repoID, "aaa1111", until.Add(-time.Minute)),
			gitCommit(f.repoID, "bbb2222", until.Add(time.Minute)),
		}, nil
	}

	job := f.job(types.JobTypeGitLabCommits)
	job.Mode = types.ModeBackfill
	job.Payload.WindowType = "time"
	job.Payload.Until = &until
	res := f.h.Commits(f.ctx, job)
	require.True(t, res.Success)
	// The commit past the window's end is not ingested.
	require.Equal(t, int64(1), res.Counts["synced_count"])
	c, err := f.repos.GetGitCommit(f.ctx, f.repoID, "bbb2222")
	require.NoError(t, err)
	require.Nil(t, c)
}

func TestBegin_LockHeldYields(t *testing.T) {
	f := newFixture(t, types.RepoTypeGit)
	got, err := f.locks.Acquire(f.ctx, f.repoID, types.JobTypeGitLabCommits, "other-worker", time.Hour)
	require.NoError(t, err)
	require.True(t, got)

	res := f.h.Commits(f.ctx, f.job(types.JobTypeGitLabCommits))
	require.False(t, res.Success)
	require.Equal(t, syncerr.CategoryLockHeld, res.Category)
	// The handler never reached upstream.
	require.Zero(t, f.fetcher.fetches)
}

func TestBegin_UnknownRepo(t *testing.T) {
	f := newFixture(t, types.RepoTypeGit)
	job := f.job(types.JobTypeGitLabCommits)
	job.RepoID = 999

	res := f.h.Commits(f.ctx, job)
	require.False(t, res.Success)
	require.Equal(t, syncerr.CategoryRepoNotFound, res.Category)
}

func TestAcquire_LimiterDenialBecomesRateLimit(t *testing.T) {
	f := newFixture(t, types.RepoTypeGit)
	require.NoError(t, f.limiter.Notify429(f.ctx, "git:gitlab.acme.dev", 5*time.Minute))

	res := f.h.Commits(f.ctx, f.job(types.JobTypeGitLabCommits))
	require.False(t, res.Success)
	require.Equal(t, syncerr.CategoryRateLimit, res.Category)
	require.Equal(t, 5*time.Minute, res.RetryAfter)
	require.Equal(t, int64(1), res.Counts["total_429_hits"])
	require.Zero(t, res.Counts["total_requests"])
	require.Zero(t, f.fetcher.fetches)
}

func TestObserve_Upstream429PausesLimiter(t *testing.T) {
	f := newFixture(t, types.RepoTypeGit)
	f.fetcher.commits = func(types.Cursor, source.PageOpts) ([]*types.GitCommit, error) {
		return nil, syncerr.New(syncerr.CategoryRateLimit, "429 from upstream").
			WithRetryAfter(10 * time.Minute)
	}

	res := f.h.Commits(f.ctx, f.job(types.JobTypeGitLabCommits))
	require.False(t, res.Success)
	require.Equal(t, syncerr.CategoryRateLimit, res.Category)
	require.Equal(t, 10*time.Minute, res.RetryAfter)
	require.Equal(t, int64(1), res.Counts["total_requests"])
	require.Equal(t, int64(1), res.Counts["total_429_hits"])

	// The limiter is paused for the server-supplied interval.
	allowed, wait, err := f.limiter.TryAcquire(f.ctx, "git:gitlab.acme.dev", 1)
	require.NoError(t, err)
	require.False(t, allowed)
	require.Equal(t, 10*time.Minute, wait)
}

func TestSVN_BackfillRevisionWindow(t *testing.T) {
	f := newFixture(t, types.RepoTypeSVN)
	f.fetcher.revs = func(cursor types.Cursor, _ source.PageOpts) ([]*types.SVNRevision, error) {
		// The backfill window starts the cursor just below start_rev.
		require.Equal(t, int64(100), cursor.Rev)
		return []*types.SVNRevision{
			{RepoID: f.repoID, Rev: 101, AuthorRaw: "ada"},
			{RepoID: f.repoID, Rev: 150, AuthorRaw: "ada"},
			{RepoID: f.repoID, Rev: 201, AuthorRaw: "ada"},
		}, nil
	}

	job := f.job(types.JobTypeSVN)
	job.Mode = types.ModeBackfill
	job.Payload.WindowType = "revision"
	job.Payload.StartRev = 101
	job.Payload.EndRev = 200
	job.Payload.UpdateWatermark = true

	res := f.h.SVN(f.ctx, job)
	require.True(t, res.Success, res.Error)
	// r201 lies past the window's end.
	require.Equal(t, int64(2), res.Counts["synced_count"])
	rev, err := f.repos.GetSVNRevision(f.ctx, f.repoID, 201)
	require.NoError(t, err)
	require.Nil(t, rev)

	// update_watermark lets the chunk advance the shared cursor.
	cur, err := f.cursors.Get(f.ctx, f.repoID, types.JobTypeSVN)
	require.NoError(t, err)
	require.Equal(t, int64(150), cur.Rev)

	blob, err := f.blobs.GetBySource(f.ctx, types.RepoTypeSVN, "svn:1:101")
	require.NoError(t, err)
	require.NotNil(t, blob)
}

func TestSVN_BackfillWithoutWatermarkLeavesCursor(t *testing.T) {
	f := newFixture(t, types.RepoTypeSVN)
	require.NoError(t, f.cursors.Put(f.ctx, f.repoID, types.JobTypeSVN, types.Cursor{Rev: 500}))
	f.fetcher.revs = func(types.Cursor, source.PageOpts) ([]*types.SVNRevision, error) {
		return []*types.SVNRevision{{RepoID: f.repoID, Rev: 101, AuthorRaw: "ada"}}, nil
	}

	job := f.job(types.JobTypeSVN)
	job.Mode = types.ModeBackfill
	job.Payload.WindowType = "revision"
	job.Payload.StartRev = 101
	job.Payload.EndRev = 200

	res := f.h.SVN(f.ctx, job)
	require.True(t, res.Success)
	cur, err := f.cursors.Get(f.ctx, f.repoID, types.JobTypeSVN)
	require.NoError(t, err)
	require.Equal(t, int64(500), cur.Rev)
}

func TestAdvanceCursor_NeverMovesBackwards(t *testing.T) {
	f := newFixture(t, types.RepoTypeSVN)
	require.NoError(t, f.cursors.Put(f.ctx, f.repoID, types.JobTypeSVN, types.Cursor{Rev: 500}))

	job := f.job(types.JobTypeSVN)
	require.NoError(t, f.h.advanceCursor(f.ctx, job, types.Cursor{Rev: 100}))
	cur, err := f.cursors.Get(f.ctx, f.repoID, types.JobTypeSVN)
	require.NoError(t, err)
	require.Equal(t, int64(500), cur.Rev)

	require.NoError(t, f.h.advanceCursor(f.ctx, job, types.Cursor{Rev: 600}))
	cur, err = f.cursors.Get(f.ctx, f.repoID, types.JobTypeSVN)
	require.NoError(t, err)
	require.Equal(t, int64(600), cur.Rev)

	// A zero cursor is a no-op, not a reset.
	require.NoError(t, f.h.advanceCursor(f.ctx, job, types.Cursor{}))
	cur, err = f.cursors.Get(f.ctx, f.repoID, types.JobTypeSVN)
	require.NoError(t, err)
	require.Equal(t, int64(600), cur.Rev)
}

func TestMergeRequests_CursorIsRunStart(t *testing.T) {
	f := newFixture(t, types.RepoTypeGit)
	var gotSince *time.Time
	f.fetcher.mrs = func(since *time.Time) ([]*types.MergeRequest, error) {
		gotSince = since
		return []*types.MergeRequest{
			{ID: "1", RepoID: f.repoID, Status: types.MRStatusOpened, Title: "one"},
		}, nil
	}

	res := f.h.MergeRequests(f.ctx, f.job(types.JobTypeGitLabMRs))
	require.True(t, res.Success)
	require.Nil(t, gotSince)
	require.Equal(t, int64(1), res.Counts["synced_count"])

	// The stored cursor is the run's start time, so racing updates are re-read
	// next run rather than lost.
	cur, err := f.cursors.Get(f.ctx, f.repoID, types.JobTypeGitLabMRs)
	require.NoError(t, err)
	require.True(t, cur.Timestamp.Equal(baseTime))

	f.ctx.SetTime(baseTime.Add(time.Hour))
	res = f.h.MergeRequests(f.ctx, f.job(types.JobTypeGitLabMRs))
	require.True(t, res.Success)
	require.True(t, gotSince.Equal(baseTime))
}

func TestMergeRequests_EmptyListLeavesCursor(t *testing.T) {
	f := newFixture(t, types.RepoTypeGit)

	res := f.h.MergeRequests(f.ctx, f.job(types.JobTypeGitLabMRs))
	require.True(t, res.Success)
	cur, err := f.cursors.Get(f.ctx, f.repoID, types.JobTypeGitLabMRs)
	require.NoError(t, err)
	require.True(t, cur.IsZero())
}

func TestReviews_DedupAcrossRuns(t *testing.T) {
	f := newFixture(t, types.RepoTypeGit)
	f.fetcher.mrs = func(*time.Time) ([]*types.MergeRequest, error) {
		return []*types.MergeRequest{{ID: "42", RepoID: f.repoID, Status: types.MRStatusOpened}}, nil
	}
	f.fetcher.events = func(mrID string) ([]*types.ReviewEvent, error) {
		require.Equal(t, "42", mrID)
		return []*types.ReviewEvent{
			{MRID: mrID, SourceEventID: "11", Kind: "note"},
			{MRID: mrID, SourceEventID: "12", Kind: "system"},
		}, nil
	}

	res := f.h.Reviews(f.ctx, f.job(types.JobTypeGitLabReviews))
	require.True(t, res.Success)
	require.Equal(t, int64(2), res.Counts["synced_count"])
	// One list call plus one notes call.
	require.Equal(t, int64(2), res.Counts["total_requests"])

	// The second run re-reads the same events but records none of them twice.
	res = f.h.Reviews(f.ctx, f.job(types.JobTypeGitLabReviews))
	require.True(t, res.Success)
	require.Zero(t, res.Counts["synced_count"])
	require.Equal(t, int64(2), res.Counts["skipped_count"])
}
