// Package runner schedules sync jobs: one incremental job per (repo, job_type)
// from the stored cursor, or a backfill window split into chunked job
// payloads. Before enqueueing it consults the pause registry and the circuit
// breaker, so unhealthy pairs are skipped rather than hammered.
package runner

import (
	"context"
	"time"

	"go.engram.dev/scm/go/emerr"
	"go.engram.dev/scm/go/emlog"
	"go.engram.dev/scm/go/now"
	"go.engram.dev/scm/scmsync/go/health"
	"go.engram.dev/scm/scmsync/go/kvstore"
	"go.engram.dev/scm/scmsync/go/queue"
	"go.engram.dev/scm/scmsync/go/repostore"
	"go.engram.dev/scm/scmsync/go/runstore"
	"go.engram.dev/scm/scmsync/go/types"
)

// Defaults applied by Config.withDefaults.
const (
	DefaultChunkHours       = 4
	DefaultChunkSize        = 100
	DefaultHealthWindow     = 30 * time.Minute
	DefaultHealthRuns       = 50
	DefaultUnpauseThreshold = 0.3
)

// Config tunes the runner.
type Config struct {
	// ChunkHours is the time-window chunk length for backfills.
	ChunkHours int
	// ChunkSize is the revision-window chunk length for backfills.
	ChunkSize int
	// Pool optionally names the worker pool, used for breaker scoping.
	Pool string
	// Priority and MaxAttempts are passed through to Enqueue; zero selects
	// the queue defaults.
	Priority    int
	MaxAttempts int
	// HealthWindow and HealthRuns bound the run sample behind breaker and
	// unpause decisions.
	HealthWindow time.Duration
	HealthRuns   int
	// UnpauseThreshold is the failed_rate below which a paused pair is
	// released early.
	UnpauseThreshold float64
}

func (c Config) withDefaults() Config {
	if c.ChunkHours <= 0 {
		c.ChunkHours = DefaultChunkHours
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.HealthWindow <= 0 {
		c.HealthWindow = DefaultHealthWindow
	}
	if c.HealthRuns <= 0 {
		c.HealthRuns = DefaultHealthRuns
	}
	if c.UnpauseThreshold <= 0 {
		c.UnpauseThreshold = DefaultUnpauseThreshold
	}
	return c
}

// Runner enqueues sync jobs.
type Runner struct {
	q       queue.Queue
	repos   repostore.Store
	runs    runstore.Store
	cursors *kvstore.Cursors
	breaker *health.Breaker
	pauses  *health.Registry
	cfg     Config
}

// New returns a Runner.
func New(q queue.Queue, repos repostore.Store, runs runstore.Store, cursors *kvstore.Cursors, breaker *health.Breaker, pauses *health.Registry, cfg Config) *Runner {
	return &Runner{
		q:       q,
		repos:   repos,
		runs:    runs,
		cursors: cursors,
		breaker: breaker,
		pauses:  pauses,
		cfg:     cfg.withDefaults(),
	}
}

// healthOf computes windowed statistics for the pair from recent runs.
func (r *Runner) healthOf(ctx context.Context, repoID int64, jobType types.JobType) (health.Stats, error) {
	runs, err := r.runs.Recent(ctx, repoID, jobType, r.cfg.HealthRuns)
	if err != nil {
		return health.Stats{}, err
	}
	return health.ComputeStats(runs, r.cfg.HealthWindow, now.Now(ctx)), nil
}

// admit decides whether the pair may be scheduled: pause registry first, then
// the breaker fed with fresh statistics. Returns false with a reason when the
// pair must be skipped.
func (r *Runner) admit(ctx context.Context, repo *types.Repo, jobType types.JobType, payload types.Payload) (bool, string, error) {
	if _, err := r.pauses.AutoUnpause(ctx, r.healthOf, r.cfg.UnpauseThreshold); err != nil {
		return false, "", err
	}
	paused, err := r.pauses.IsPaused(ctx, repo.ID, jobType)
	if err != nil {
		return false, "", err
	}
	if paused {
		return false, "paused", nil
	}
	scope := health.DeriveScope(repo, payload, r.cfg.Pool)
	stats, err := r.healthOf(ctx, repo.ID, jobType)
	if err != nil {
		return false, "", err
	}
	if _, err := r.breaker.Evaluate(ctx, repo.ProjectKey, scope, stats); err != nil {
		return false, "", err
	}
	allowed, err := r.breaker.Allow(ctx, repo.ProjectKey, scope)
	if err != nil {
		return false, "", err
	}
	if !allowed {
		return false, "circuit open", nil
	}
	return true, "", nil
}

// ScheduleIncremental enqueues a single incremental job for the pair. Returns
// "" when the pair was skipped (unhealthy, or a live job already exists).
func (r *Runner) ScheduleIncremental(ctx context.Context, repoID int64, jobType types.JobType) (string, error) {
	repo, err := r.repos.GetRepo(ctx, repoID)
	if err != nil {
		return "", err
	}
	if repo == nil {
		return "", emerr.Fmt("repo %d does not exist", repoID)
	}
	payload := payloadHints(repo)
	ok, reason, err := r.admit(ctx, repo, jobType, payload)
	if err != nil {
		return "", err
	}
	if !ok {
		emlog.Infof("skipping repo %d %s: %s", repoID, jobType, reason)
		return "", nil
	}
	jobID, err := r.q.Enqueue(ctx, queue.EnqueueRequest{
		RepoID:      repoID,
		Type:        jobType,
		Mode:        types.ModeIncremental,
		Priority:    r.cfg.Priority,
		MaxAttempts: r.cfg.MaxAttempts,
		Payload:     payload,
	})
	if err != nil {
		return "", err
	}
	if jobID == "" {
		emlog.Debugf("repo %d %s already has a live job", repoID, jobType)
	}
	return jobID, nil
}

// BackfillRequest describes a window to backfill. Exactly one of the time
// window (Since, Until) or the revision window (StartRev, EndRev) must be set.
type BackfillRequest struct {
	RepoID  int64
	JobType types.JobType

	Since time.Time
	Until time.Time

	StartRev int64
	EndRev   int64

	UpdateWatermark bool
}

// BackfillSummary reports what a backfill scheduled.
type BackfillSummary struct {
	Chunks   int
	Enqueued []string
	// Skipped chunks collided with an existing live job for the pair.
	Skipped int
}

// ScheduleBackfill splits the window into chunks and enqueues one job per
// chunk. Chunks for a pair are serialized by the queue's one-live-job
// invariant, so later chunks enter as earlier ones finish; callers re-run the
// backfill until every chunk has been accepted, or drain chunks one at a time.
func (r *Runner) ScheduleBackfill(ctx context.Context, req BackfillRequest) (BackfillSummary, error) {
	repo, err := r.repos.GetRepo(ctx, req.RepoID)
	if err != nil {
		return BackfillSummary{}, err
	}
	if repo == nil {
		return BackfillSummary{}, emerr.Fmt("repo %d does not exist", req.RepoID)
	}
	chunks, err := r.chunks(req)
	if err != nil {
		return BackfillSummary{}, err
	}
	hints := payloadHints(repo)
	ok, reason, err := r.admit(ctx, repo, req.JobType, hints)
	if err != nil {
		return BackfillSummary{}, err
	}
	if !ok {
		emlog.Infof("skipping backfill for repo %d %s: %s", req.RepoID, req.JobType, reason)
		return BackfillSummary{Chunks: len(chunks), Skipped: len(chunks)}, nil
	}
	summary := BackfillSummary{Chunks: len(chunks)}
	for _, payload := range chunks {
		payload.GitLabInstance = hints.GitLabInstance
		payload.TenantID = hints.TenantID
		payload.UpdateWatermark = req.UpdateWatermark
		jobID, err := r.q.Enqueue(ctx, queue.EnqueueRequest{
			RepoID:      req.RepoID,
			Type:        req.JobType,
			Mode:        types.ModeBackfill,
			Priority:    r.cfg.Priority,
			MaxAttempts: r.cfg.MaxAttempts,
			Payload:     payload,
		})
		if err != nil {
			return summary, err
		}
		if jobID == "" {
			summary.Skipped++
			continue
		}
		summary.Enqueued = append(summary.Enqueued, jobID)
	}
	return summary, nil
}

// chunks splits the request's window into per-chunk payloads.
func (r *Runner) chunks(req BackfillRequest) ([]types.Payload, error) {
	timeWindow := !req.Since.IsZero() || !req.Until.IsZero()
	revWindow := req.StartRev != 0 || req.EndRev != 0
	switch {
	case timeWindow && revWindow:
		return nil, emerr.Fmt("backfill window must be time or revision based, not both")
	case timeWindow:
		if req.Since.IsZero() || !req.Until.After(req.Since) {
			return nil, emerr.Fmt("backfill needs since < until")
		}
		return chunkTimeWindow(req.Since, req.Until, time.Duration(r.cfg.ChunkHours)*time.Hour), nil
	case revWindow:
		if req.StartRev <= 0 || req.EndRev < req.StartRev {
			return nil, emerr.Fmt("backfill needs 0 < start_rev <= end_rev")
		}
		return chunkRevWindow(req.StartRev, req.EndRev, int64(r.cfg.ChunkSize)), nil
	}
	return nil, emerr.Fmt("backfill needs a time or revision window")
}

func chunkTimeWindow(since, until time.Time, chunk time.Duration) []types.Payload {
	total := int(until.Sub(since) / chunk)
	if since.Add(time.Duration(total) * chunk).Before(until) {
		total++
	}
	out := make([]types.Payload, 0, total)
	for i := 0; i < total; i++ {
		s := since.Add(time.Duration(i) * chunk)
		u := s.Add(chunk)
		if u.After(until) {
			u = until
		}
		out = append(out, types.Payload{
			WindowType: "time",
			Since:      &s,
			Until:      &u,
			ChunkIndex: i,
			ChunkTotal: total,
		})
	}
	return out
}

func chunkRevWindow(start, end, size int64) []types.Payload {
	total := int((end - start + size) / size)
	out := make([]types.Payload, 0, total)
	for i := 0; i < total; i++ {
		s := start + int64(i)*size
		e := s + size - 1
		if e > end {
			e = end
		}
		out = append(out, types.Payload{
			WindowType: "revision",
			StartRev:   s,
			EndRev:     e,
			ChunkIndex: i,
			ChunkTotal: total,
		})
	}
	return out
}

// payloadHints derives the claim-time allowlist hints from the repo.
func payloadHints(repo *types.Repo) types.Payload {
	p := types.Payload{TenantID: repo.Tenant()}
	if repo.Type == types.RepoTypeGit {
		p.GitLabInstance = repo.Host()
	}
	return p
}
