// Package reaper recovers state orphaned by crashed or wedged workers: running
// jobs whose lease expired, runs that never finished, and advisory locks whose
// lease lapsed. Every sweep is bounded, idempotent, and safe to run
// concurrently with live workers.
package reaper

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"go.engram.dev/scm/go/emetrics"
	"go.engram.dev/scm/go/emlog"
	"go.engram.dev/scm/go/emutil"
	"go.engram.dev/scm/go/now"
	"go.engram.dev/scm/scmsync/go/locks"
	"go.engram.dev/scm/scmsync/go/queue"
	"go.engram.dev/scm/scmsync/go/runstore"
)

// Policy decides what happens to a job whose lease expired.
type Policy string

const (
	// PolicyToPending returns the job to pending with the claim's attempt
	// refunded; the crash is not held against the job.
	PolicyToPending Policy = "to_pending"
	// PolicyFailRetry records a failure with exponential backoff; the job dies
	// once its attempts budget is spent.
	PolicyFailRetry Policy = "fail_retry"
	// PolicyMarkDead dead-letters the job immediately.
	PolicyMarkDead Policy = "mark_dead"
)

// Valid returns true for a known policy.
func (p Policy) Valid() bool {
	switch p {
	case PolicyToPending, PolicyFailRetry, PolicyMarkDead:
		return true
	}
	return false
}

// Defaults applied by Config.withDefaults.
const (
	DefaultGrace      = time.Minute
	DefaultBatchSize  = 100
	DefaultRunTimeout = 2 * time.Hour
	DefaultInterval   = 5 * time.Minute
)

// Config tunes the reaper.
type Config struct {
	// Policy defaults to PolicyToPending.
	Policy Policy

	// Grace extends each job's lease before it counts as expired.
	Grace time.Duration

	// BatchSize bounds each orphan class per sweep.
	BatchSize int

	// RunTimeout is the age at which a still-running run is force-failed.
	RunTimeout time.Duration

	// Interval between sweeps when running as a loop.
	Interval time.Duration

	// DryRun reports what a sweep would do without mutating anything.
	DryRun bool
}

func (c Config) withDefaults() Config {
	if c.Policy == "" {
		c.Policy = PolicyToPending
	}
	if c.Grace <= 0 {
		c.Grace = DefaultGrace
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = DefaultRunTimeout
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	return c
}

// Summary is the outcome of one sweep.
type Summary struct {
	// ExpiredJobs is how many lease-expired jobs the sweep saw.
	ExpiredJobs int
	// Reclaimed is how many of them were transitioned under the policy.
	Reclaimed int
	// Skipped jobs were re-claimed by a live worker between scan and
	// transition; they no longer need reaping.
	Skipped int
	// TimedOutRuns is how many running runs were force-failed.
	TimedOutRuns int
	// ExpiredLocks is how many advisory locks were cleared.
	ExpiredLocks int
	// DryRun echoes the config.
	DryRun bool
}

// Reaper sweeps the three orphan classes.
type Reaper struct {
	q     queue.Reapable
	runs  runstore.Store
	locks locks.Store
	cfg   Config

	reclaimed prometheus.Counter
	timedOut  prometheus.Counter
	liveness  *emetrics.Liveness
}

// New returns a Reaper.
func New(q queue.Reapable, runs runstore.Store, lockStore locks.Store, cfg Config) *Reaper {
	return &Reaper{
		q:     q,
		runs:  runs,
		locks: lockStore,
		cfg:   cfg.withDefaults(),

		reclaimed: emetrics.GetCounter("reaper_jobs_reclaimed", nil),
		timedOut:  emetrics.GetCounter("reaper_runs_timed_out", nil),
		liveness:  emetrics.NewLiveness("reaper_loop", nil),
	}
}

// Run sweeps on the configured interval until the context is canceled.
func (r *Reaper) Run(ctx context.Context) {
	emutil.RepeatCtx(ctx, r.cfg.Interval, func(ctx context.Context) {
		summary, err := r.RunOnce(ctx)
		if err != nil {
			emlog.Errorf("reaper sweep: %s", err)
			return
		}
		r.liveness.Reset()
		if summary.Reclaimed > 0 || summary.TimedOutRuns > 0 || summary.ExpiredLocks > 0 {
			emlog.Infof("reaper reclaimed %d jobs (%d skipped), failed %d runs, cleared %d locks",
				summary.Reclaimed, summary.Skipped, summary.TimedOutRuns, summary.ExpiredLocks)
		}
	})
}

// RunOnce performs a single sweep over all three orphan classes. Classes are
// independent; a failure in one aborts the sweep but leaves earlier classes'
// work in place.
func (r *Reaper) RunOnce(ctx context.Context) (Summary, error) {
	summary := Summary{DryRun: r.cfg.DryRun}

	jobs, err := r.q.ExpiredRunning(ctx, r.cfg.Grace, r.cfg.BatchSize)
	if err != nil {
		return summary, err
	}
	summary.ExpiredJobs = len(jobs)
	for _, j := range jobs {
		if r.cfg.DryRun {
			emlog.Infof("dry-run: would %s job %s (repo %d %s, lease held by %s since %s)",
				r.cfg.Policy, j.ID, j.RepoID, j.Type, j.LockedBy, j.LockedAt.Format(time.RFC3339))
			continue
		}
		// The transition is conditional on the stale lease owner, so a job a
		// live worker re-claimed in the meantime is left alone.
		err := r.transition(ctx, j.ID, j.LockedBy)
		if errors.Is(err, queue.ErrNotOwner) {
			summary.Skipped++
			continue
		}
		if err != nil {
			return summary, err
		}
		summary.Reclaimed++
		r.reclaimed.Inc()
	}

	if !r.cfg.DryRun {
		n, err := r.runs.FailTimedOut(ctx, now.Now(ctx).Add(-r.cfg.RunTimeout), r.cfg.BatchSize)
		if err != nil {
			return summary, err
		}
		summary.TimedOutRuns = n
		r.timedOut.Add(float64(n))

		cleared, err := r.locks.ExpireStale(ctx, now.Now(ctx))
		if err != nil {
			return summary, err
		}
		summary.ExpiredLocks = cleared
	}
	return summary, nil
}

func (r *Reaper) transition(ctx context.Context, jobID, staleOwner string) error {
	const msg = "lease expired; reclaimed by reaper"
	switch r.cfg.Policy {
	case PolicyFailRetry:
		return r.q.FailRetry(ctx, jobID, staleOwner, msg, nil)
	case PolicyMarkDead:
		return r.q.MarkDead(ctx, jobID, staleOwner, msg)
	default:
		return r.q.RequeueWithoutPenalty(ctx, jobID, staleOwner, msg, queue.DefaultRequeueJitter)
	}
}
