// Package ingest implements the job handlers the worker dispatches: pull new
// commits, revisions, merge requests and review events from upstream, persist
// them, and seed patch_blobs rows for the materializer.
package ingest

import (
	"context"
	"errors"
	"time"

	"go.engram.dev/scm/go/emlog"
	"go.engram.dev/scm/go/now"
	"go.engram.dev/scm/scmsync/go/blobstore"
	"go.engram.dev/scm/scmsync/go/kvstore"
	"go.engram.dev/scm/scmsync/go/locks"
	"go.engram.dev/scm/scmsync/go/ratelimit"
	"go.engram.dev/scm/scmsync/go/repostore"
	"go.engram.dev/scm/scmsync/go/source"
	"go.engram.dev/scm/scmsync/go/syncerr"
	"go.engram.dev/scm/scmsync/go/types"
	"go.engram.dev/scm/scmsync/go/worker"
)

// Config tunes the handlers.
type Config struct {
	// PageSize per upstream list call. Default 100.
	PageSize int
	// MaxPages bounds one run so a huge backlog is spread over several runs.
	// Default 10.
	MaxPages int
	// BlobFormat requested for seeded patch blobs. Default diff.
	BlobFormat types.BlobFormat
	// LockLease is the advisory lock lease. Default locks.DefaultLeaseSeconds.
	LockLease time.Duration
}

func (c Config) withDefaults() Config {
	if c.PageSize <= 0 {
		c.PageSize = 100
	}
	if c.MaxPages <= 0 {
		c.MaxPages = 10
	}
	if c.BlobFormat == "" {
		c.BlobFormat = types.FormatDiff
	}
	if c.LockLease <= 0 {
		c.LockLease = locks.DefaultLeaseSeconds * time.Second
	}
	return c
}

// Handlers holds the stores the job handlers write to.
type Handlers struct {
	repos    repostore.Store
	blobs    blobstore.Store
	cursors  *kvstore.Cursors
	locks    locks.Store
	limiter  ratelimit.Limiter
	fetchers map[types.RepoType]source.Fetcher
	cfg      Config
}

// New returns the handler set.
func New(repos repostore.Store, blobs blobstore.Store, cursors *kvstore.Cursors, lockStore locks.Store, limiter ratelimit.Limiter, fetchers map[types.RepoType]source.Fetcher, cfg Config) *Handlers {
	return &Handlers{
		repos:    repos,
		blobs:    blobs,
		cursors:  cursors,
		locks:    lockStore,
		limiter:  limiter,
		fetchers: fetchers,
		cfg:      cfg.withDefaults(),
	}
}

// Register binds every job type to its handler.
func (h *Handlers) Register(exec *worker.Executor) {
	exec.Register(types.JobTypeGitLabCommits, h.Commits)
	exec.Register(types.JobTypeGitLabMRs, h.MergeRequests)
	exec.Register(types.JobTypeGitLabReviews, h.Reviews)
	exec.Register(types.JobTypeSVN, h.SVN)
}

// session is the per-run state every handler shares: the repo, its fetcher,
// the advisory lock, and the running counters.
type session struct {
	repo    *types.Repo
	fetcher source.Fetcher
	key     string
	counts  map[string]int64
}

// begin resolves the repo and fetcher and takes the advisory lock. The
// returned release func is nil exactly when the returned Result is non-nil
// (the run must end immediately with that result).
func (h *Handlers) begin(ctx context.Context, job *types.Job) (*session, func(), *syncerr.Result) {
	fail := func(err error) (*session, func(), *syncerr.Result) {
		r := syncerr.Failed(err)
		return nil, nil, &r
	}
	repo, err := h.repos.GetRepo(ctx, job.RepoID)
	if err != nil {
		return fail(err)
	}
	if repo == nil {
		return fail(syncerr.New(syncerr.CategoryRepoNotFound, "repo %d does not exist", job.RepoID))
	}
	fetcher, ok := h.fetchers[repo.Type]
	if !ok {
		return fail(syncerr.New(syncerr.CategoryRepoTypeUnknown, "no fetcher for %s repos", repo.Type))
	}
	got, err := h.locks.Acquire(ctx, job.RepoID, job.Type, job.LockedBy, h.cfg.LockLease)
	if err != nil {
		return fail(err)
	}
	if !got {
		r := syncerr.Result{
			Success:  false,
			Error:    "advisory lock held by another worker",
			Category: syncerr.CategoryLockHeld,
		}
		return nil, nil, &r
	}
	release := func() {
		// The lock self-expires; a failed release only delays the next run.
		if err := h.locks.Release(context.WithoutCancel(ctx), job.RepoID, job.Type, job.LockedBy); err != nil {
			emlog.Warningf("releasing advisory lock on repo %d %s: %s", job.RepoID, job.Type, err)
		}
	}
	s := &session{
		repo:    repo,
		fetcher: fetcher,
		key:     instanceKey(repo),
		counts:  map[string]int64{},
	}
	return s, release, nil
}

// instanceKey is the rate-limit bucket key for a repo's upstream.
func instanceKey(repo *types.Repo) string {
	if host := repo.Host(); host != "" {
		return string(repo.Type) + ":" + host
	}
	return string(repo.Type) + ":unknown"
}

// acquire takes one rate-limit token, recording the request in the counters.
// A denied acquisition is returned as a rate_limit failure carrying the wait.
func (h *Handlers) acquire(ctx context.Context, s *session) *syncerr.Result {
	allowed, wait, err := h.limiter.TryAcquire(ctx, s.key, 1)
	if err != nil {
		r := syncerr.Failed(err)
		return &r
	}
	if !allowed {
		s.counts["total_429_hits"]++
		r := syncerr.Result{
			Success:    false,
			Error:      "rate limit bucket exhausted for " + s.key,
			Category:   syncerr.CategoryRateLimit,
			RetryAfter: wait,
			Counts:     s.counts,
		}
		return &r
	}
	s.counts["total_requests"]++
	return nil
}

// observe reports an upstream call's outcome to the limiter and, on failure,
// converts it into the handler result.
func (h *Handlers) observe(ctx context.Context, s *session, err error) *syncerr.Result {
	if err == nil {
		if nerr := h.limiter.NotifySuccess(ctx, s.key); nerr != nil {
			emlog.Warningf("clearing limiter pause for %s: %s", s.key, nerr)
		}
		return nil
	}
	if syncerr.Classify(err) == syncerr.CategoryRateLimit {
		s.counts["total_429_hits"]++
		retryAfter := syncerr.DefaultBackoff(syncerr.CategoryRateLimit)
		var serr *syncerr.SyncError
		if errors.As(err, &serr) && serr.RetryAfter > 0 {
			retryAfter = serr.RetryAfter
		}
		if nerr := h.limiter.Notify429(ctx, s.key, retryAfter); nerr != nil {
			emlog.Warningf("pausing limiter for %s: %s", s.key, nerr)
		}
	}
	r := syncerr.Failed(err)
	r.Counts = s.counts
	return &r
}

// windowCursor picks the cursor a run starts from: backfill payloads carry
// their own window; incremental runs resume from the stored cursor.
func (h *Handlers) windowCursor(ctx context.Context, job *types.Job) (types.Cursor, error) {
	if job.Mode == types.ModeBackfill {
		cur := types.Cursor{}
		if job.Payload.StartRev > 0 {
			cur.Rev = job.Payload.StartRev - 1
		}
		if job.Payload.Since != nil {
			ts := *job.Payload.Since
			cur.Timestamp = &ts
		}
		return cur, nil
	}
	return h.cursors.Get(ctx, job.RepoID, job.Type)
}

// advanceCursor persists the new cursor. Backfill runs only advance the
// watermark when the payload asks for it, and never backwards.
func (h *Handlers) advanceCursor(ctx context.Context, job *types.Job, after types.Cursor) error {
	if after.IsZero() {
		return nil
	}
	if job.Mode == types.ModeBackfill && !job.Payload.UpdateWatermark {
		return nil
	}
	before, err := h.cursors.Get(ctx, job.RepoID, job.Type)
	if err != nil {
		return err
	}
	if after.Rev != 0 && after.Rev < before.Rev {
		return nil
	}
	if after.Timestamp != nil && before.Timestamp != nil && after.Timestamp.Before(*before.Timestamp) {
		return nil
	}
	return h.cursors.Put(ctx, job.RepoID, job.Type, after)
}

// pastWindow reports whether a backfill job's window ends before ts.
func pastWindow(job *types.Job, ts time.Time) bool {
	return job.Mode == types.ModeBackfill && job.Payload.Until != nil && ts.After(*job.Payload.Until)
}

// pastRevWindow reports whether a backfill job's revision window ends before
// rev.
func pastRevWindow(job *types.Job, rev int64) bool {
	return job.Mode == types.ModeBackfill && job.Payload.EndRev > 0 && rev > job.Payload.EndRev
}

// seedBlob ensures a pending patch_blobs row for the source revision.
func (h *Handlers) seedBlob(ctx context.Context, s *session, sourceType types.SourceType, sourceID string) (bool, error) {
	_, created, err := h.blobs.Ensure(ctx, &types.PatchBlob{
		SourceType: sourceType,
		SourceID:   sourceID,
		Format:     h.cfg.BlobFormat,
	})
	return created, err
}

// startedAt is the timestamp cursor for list endpoints keyed by update time.
func startedAt(ctx context.Context) *time.Time {
	ts := now.Now(ctx)
	return &ts
}
