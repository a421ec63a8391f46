package queue

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"go.engram.dev/scm/go/emerr"
	"go.engram.dev/scm/go/now"
	"go.engram.dev/scm/go/redact"
	"go.engram.dev/scm/scmsync/go/types"
)

// MemoryQueue is an in-memory Queue with the same semantics as the SQL
// implementation. It backs unit tests of the worker, reaper and runner, and
// honors now.Now(ctx) so tests can travel in time.
type MemoryQueue struct {
	mtx  sync.Mutex
	jobs map[string]*types.Job

	// seq breaks created_at ties deterministically.
	seq    int64
	seqNum map[string]int64
}

// NewMemoryQueue returns an empty in-memory queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{jobs: map[string]*types.Job{}, seqNum: map[string]int64{}}
}

var _ Reapable = (*MemoryQueue)(nil)

// Enqueue implements Queue.
func (q *MemoryQueue) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	req = req.withDefaults()
	if !req.Type.Valid() {
		return "", emerr.Fmt("invalid job type %q", req.Type)
	}
	q.mtx.Lock()
	defer q.mtx.Unlock()
	for _, j := range q.jobs {
		if j.RepoID == req.RepoID && j.Type == req.Type &&
			(j.Status == types.JobStatusPending || j.Status == types.JobStatusRunning) {
			return "", nil
		}
	}
	ts := now.Now(ctx)
	notBefore := req.NotBefore
	if notBefore.IsZero() {
		notBefore = ts
	}
	j := &types.Job{
		ID:           uuid.New().String(),
		RepoID:       req.RepoID,
		Type:         req.Type,
		Mode:         req.Mode,
		Priority:     req.Priority,
		Status:       types.JobStatusPending,
		MaxAttempts:  req.MaxAttempts,
		NotBefore:    notBefore,
		LeaseSeconds: req.LeaseSeconds,
		Payload:      req.Payload,
		Created:      ts,
		Updated:      ts,
	}
	q.seq++
	q.seqNum[j.ID] = q.seq
	q.jobs[j.ID] = j
	return j.ID, nil
}

func payloadAllowed(value string, allowlist []string) bool {
	if len(allowlist) == 0 || value == "" {
		return true
	}
	for _, a := range allowlist {
		if a == value {
			return true
		}
	}
	return false
}

// Claim implements Queue.
func (q *MemoryQueue) Claim(ctx context.Context, req ClaimRequest) (*types.Job, error) {
	if req.WorkerID == "" {
		return nil, emerr.Fmt("worker id is required to claim a job")
	}
	q.mtx.Lock()
	defer q.mtx.Unlock()
	ts := now.Now(ctx)
	var candidates []*types.Job
	for _, j := range q.jobs {
		runnable := (j.Status == types.JobStatusPending && !j.NotBefore.After(ts)) ||
			(j.Status == types.JobStatusRunning && j.LeaseExpired(ts)) ||
			(j.Status == types.JobStatusFailed && !j.NotBefore.After(ts) && j.Attempts < j.MaxAttempts)
		if !runnable {
			continue
		}
		if len(req.JobTypes) > 0 {
			match := false
			for _, jt := range req.JobTypes {
				if j.Type == jt {
					match = true
					break
				}
			}
			if !match {
				continue
			}
		}
		if !payloadAllowed(j.Payload.GitLabInstance, req.InstanceAllowlist) {
			continue
		}
		if !payloadAllowed(j.Payload.TenantID, req.TenantAllowlist) {
			continue
		}
		candidates = append(candidates, j)
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(a, b int) bool {
		if candidates[a].Priority != candidates[b].Priority {
			return candidates[a].Priority < candidates[b].Priority
		}
		if !candidates[a].Created.Equal(candidates[b].Created) {
			return candidates[a].Created.Before(candidates[b].Created)
		}
		return q.seqNum[candidates[a].ID] < q.seqNum[candidates[b].ID]
	})
	j := candidates[0]
	j.Status = types.JobStatusRunning
	j.LockedBy = req.WorkerID
	j.LockedAt = ts
	if req.LeaseSeconds > 0 {
		j.LeaseSeconds = req.LeaseSeconds
	}
	j.Attempts++
	j.Updated = ts
	return j.Copy(), nil
}

// Ack implements Queue.
func (q *MemoryQueue) Ack(ctx context.Context, jobID, workerID, runID string) error {
	return q.conditional(ctx, jobID, workerID, func(j *types.Job, ts time.Time) {
		j.Status = types.JobStatusCompleted
		j.LockedBy = ""
		j.LockedAt = time.Time{}
		j.LastRunID = runID
		j.LastError = ""
	})
}

// FailRetry implements Queue.
func (q *MemoryQueue) FailRetry(ctx context.Context, jobID, workerID, errMsg string, backoff *time.Duration) error {
	return q.conditional(ctx, jobID, workerID, func(j *types.Job, ts time.Time) {
		j.LastError = redact.Redact(errMsg)
		j.LockedBy = ""
		j.LockedAt = time.Time{}
		if j.Attempts >= j.MaxAttempts {
			j.Status = types.JobStatusDead
			return
		}
		d := DefaultRetryBackoff(j.Attempts)
		if backoff != nil {
			d = *backoff
		}
		j.Status = types.JobStatusFailed
		j.NotBefore = ts.Add(d)
	})
}

// MarkDead implements Queue.
func (q *MemoryQueue) MarkDead(ctx context.Context, jobID, workerID, errMsg string) error {
	return q.conditional(ctx, jobID, workerID, func(j *types.Job, ts time.Time) {
		j.Status = types.JobStatusDead
		j.LockedBy = ""
		j.LockedAt = time.Time{}
		j.LastError = redact.Redact(errMsg)
	})
}

// RequeueWithoutPenalty implements Queue.
func (q *MemoryQueue) RequeueWithoutPenalty(ctx context.Context, jobID, workerID, reason string, jitter time.Duration) error {
	if jitter <= 0 {
		jitter = DefaultRequeueJitter
	}
	delay := time.Duration(rand.Int63n(int64(jitter)))
	return q.conditional(ctx, jobID, workerID, func(j *types.Job, ts time.Time) {
		j.Status = types.JobStatusPending
		j.LockedBy = ""
		j.LockedAt = time.Time{}
		if j.Attempts > 0 {
			j.Attempts--
		}
		j.LastError = redact.Redact(reason)
		j.NotBefore = ts.Add(delay)
	})
}

// RenewLease implements Queue.
func (q *MemoryQueue) RenewLease(ctx context.Context, jobID, workerID string, lease time.Duration) error {
	return q.conditional(ctx, jobID, workerID, func(j *types.Job, ts time.Time) {
		j.LockedAt = ts
		if lease > 0 {
			j.LeaseSeconds = int(lease.Seconds())
		}
	})
}

// Get implements Queue.
func (q *MemoryQueue) Get(_ context.Context, jobID string) (*types.Job, error) {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	j, ok := q.jobs[jobID]
	if !ok {
		return nil, nil
	}
	return j.Copy(), nil
}

// List returns a copy of all jobs, for tests and the reaper.
func (q *MemoryQueue) List() []*types.Job {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	out := make([]*types.Job, 0, len(q.jobs))
	for _, j := range q.jobs {
		out = append(out, j.Copy())
	}
	sort.Slice(out, func(a, b int) bool { return q.seqNum[out[a].ID] < q.seqNum[out[b].ID] })
	return out
}

// ExpiredRunning implements Reapable.
func (q *MemoryQueue) ExpiredRunning(ctx context.Context, grace time.Duration, limit int) ([]*types.Job, error) {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	ts := now.Now(ctx)
	var out []*types.Job
	for _, j := range q.jobs {
		if j.Status != types.JobStatusRunning {
			continue
		}
		if j.LockedAt.Add(time.Duration(j.LeaseSeconds)*time.Second + grace).Before(ts) {
			out = append(out, j.Copy())
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].LockedAt.Before(out[b].LockedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (q *MemoryQueue) conditional(ctx context.Context, jobID, workerID string, mutate func(*types.Job, time.Time)) error {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	j, ok := q.jobs[jobID]
	if !ok || j.Status != types.JobStatusRunning || j.LockedBy != workerID {
		return ErrNotOwner
	}
	ts := now.Now(ctx)
	mutate(j, ts)
	j.Updated = ts
	return nil
}
