// Package worker runs the claim -> execute -> record loop. Each claimed job
// gets a sync_runs row, a background lease heartbeat, and a terminal queue
// transition decided purely from the handler's result category.
package worker

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"go.engram.dev/scm/go/emetrics"
	"go.engram.dev/scm/go/emlog"
	"go.engram.dev/scm/go/now"
	"go.engram.dev/scm/scmsync/go/kvstore"
	"go.engram.dev/scm/scmsync/go/queue"
	"go.engram.dev/scm/scmsync/go/runstore"
	"go.engram.dev/scm/scmsync/go/syncerr"
	"go.engram.dev/scm/scmsync/go/types"
)

// DefaultPollInterval is how long the loop sleeps when the queue is empty.
const DefaultPollInterval = 5 * time.Second

// Config tunes one worker.
type Config struct {
	// WorkerID identifies this worker in locked_by. Required.
	WorkerID string

	// JobTypes restricts claims; empty claims any type.
	JobTypes []types.JobType

	// PollInterval defaults to DefaultPollInterval.
	PollInterval time.Duration

	// LeaseSeconds overrides each job's stored lease when > 0.
	LeaseSeconds int

	// RenewInterval defaults to lease/5.
	RenewInterval time.Duration

	// InstanceAllowlist and TenantAllowlist restrict claims on payload hints.
	InstanceAllowlist []string
	TenantAllowlist   []string
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	return c
}

// Worker claims jobs and drives them to a terminal state.
type Worker struct {
	q       queue.Queue
	runs    runstore.Store
	cursors *kvstore.Cursors
	exec    *Executor
	cfg     Config

	jobsCompleted prometheus.Counter
	jobsFailed    prometheus.Counter
	leasesLost    prometheus.Counter
	liveness      *emetrics.Liveness
}

// New returns a Worker.
func New(q queue.Queue, runs runstore.Store, cursors *kvstore.Cursors, exec *Executor, cfg Config) *Worker {
	return &Worker{
		q:       q,
		runs:    runs,
		cursors: cursors,
		exec:    exec,
		cfg:     cfg.withDefaults(),

		jobsCompleted: emetrics.GetCounter("worker_jobs_completed", map[string]string{"worker": cfg.WorkerID}),
		jobsFailed:    emetrics.GetCounter("worker_jobs_failed", map[string]string{"worker": cfg.WorkerID}),
		leasesLost:    emetrics.GetCounter("worker_leases_lost", map[string]string{"worker": cfg.WorkerID}),
		liveness:      emetrics.NewLiveness("worker_loop", map[string]string{"worker": cfg.WorkerID}),
	}
}

// Run claims and executes jobs until the context is canceled. Queue errors are
// logged and retried after the poll interval; only context cancellation ends
// the loop.
func (w *Worker) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		processed, err := w.Tick(ctx)
		w.liveness.Reset()
		if err != nil {
			emlog.Errorf("worker %s tick: %s", w.cfg.WorkerID, err)
		}
		if processed && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.cfg.PollInterval):
		}
	}
}

// Tick claims and executes at most one job. Returns whether a job was
// processed. Handler failures are recorded, not returned; the error covers
// claim/record plumbing only.
func (w *Worker) Tick(ctx context.Context) (bool, error) {
	job, err := w.q.Claim(ctx, queue.ClaimRequest{
		WorkerID:          w.cfg.WorkerID,
		JobTypes:          w.cfg.JobTypes,
		LeaseSeconds:      w.cfg.LeaseSeconds,
		InstanceAllowlist: w.cfg.InstanceAllowlist,
		TenantAllowlist:   w.cfg.TenantAllowlist,
	})
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	return true, w.execute(ctx, job)
}

func (w *Worker) execute(ctx context.Context, job *types.Job) error {
	runID := uuid.NewString()
	cursorBefore, err := w.cursors.Get(ctx, job.RepoID, job.Type)
	if err != nil {
		// A missing cursor snapshot must not block the run.
		emlog.Warningf("reading cursor for repo %d %s: %s", job.RepoID, job.Type, err)
	}
	if err := w.runs.Start(ctx, &types.Run{
		ID:           runID,
		RepoID:       job.RepoID,
		JobType:      job.Type,
		Mode:         job.Mode,
		StartedAt:    now.Now(ctx),
		CursorBefore: cursorBefore,
		Status:       types.RunStatusRunning,
	}); err != nil {
		return err
	}

	lease := time.Duration(job.LeaseSeconds) * time.Second
	hb := NewHeartbeat(w.q, job.ID, w.cfg.WorkerID, lease, w.cfg.RenewInterval)
	hb.Start(ctx)
	res := w.exec.Dispatch(ctx, job)
	hb.Stop()

	// A lost lease overrides whatever the handler produced: the job may
	// already be running elsewhere, so this attempt's outcome is void.
	if hb.ShouldAbort() {
		w.leasesLost.Inc()
		res = syncerr.Result{
			Success:  false,
			Error:    "lease lost while the handler was running",
			Category: syncerr.CategoryLeaseLost,
		}
	}

	if err := w.runs.Finish(ctx, runID, w.finishPayload(ctx, job, res)); err != nil {
		emlog.Errorf("finishing run %s: %s", runID, err)
	}
	return w.settle(ctx, job, runID, res)
}

// finishPayload builds the run's closing record from the handler result. The
// cursor-after snapshot is re-read because handlers advance cursors through
// the kv store as a side effect.
func (w *Worker) finishPayload(ctx context.Context, job *types.Job, res syncerr.Result) runstore.FinishPayload {
	cursorAfter, err := w.cursors.Get(ctx, job.RepoID, job.Type)
	if err != nil {
		emlog.Warningf("reading cursor for repo %d %s: %s", job.RepoID, job.Type, err)
	}
	p := runstore.FinishPayload{
		CursorAfter: cursorAfter,
		Counts:      res.Counts,
	}
	if res.Success {
		p.Status = types.RunStatusCompleted
		if len(res.Counts) > 0 && res.Counts["synced_count"] == 0 && res.Counts["diff_count"] == 0 {
			p.Status = types.RunStatusNoData
		}
	} else {
		p.Status = types.RunStatusFailed
		p.ErrorSummary = &types.ErrorSummary{
			Category: res.Category,
			Message:  res.Error,
		}
	}
	return p.Coerce()
}

// settle applies the terminal queue transition for the result:
//
//	success           -> completed
//	permanent         -> dead
//	lock_held         -> pending, attempt refunded
//	everything else   -> failed with backoff, dead after max_attempts
//
// For retries a positive handler retry_after wins over the category default.
func (w *Worker) settle(ctx context.Context, job *types.Job, runID string, res syncerr.Result) error {
	if res.Success {
		w.jobsCompleted.Inc()
		return w.q.Ack(ctx, job.ID, w.cfg.WorkerID, runID)
	}
	w.jobsFailed.Inc()
	switch {
	case res.Category.IsPermanent():
		return w.q.MarkDead(ctx, job.ID, w.cfg.WorkerID, res.Error)
	case res.Category == syncerr.CategoryLockHeld:
		return w.q.RequeueWithoutPenalty(ctx, job.ID, w.cfg.WorkerID, res.Error, queue.DefaultRequeueJitter)
	default:
		backoff := res.RetryAfter
		if backoff <= 0 {
			backoff = syncerr.DefaultBackoff(res.Category)
		}
		return w.q.FailRetry(ctx, job.ID, w.cfg.WorkerID, res.Error, &backoff)
	}
}
