package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"

	"go.engram.dev/scm/go/emerr"
	"go.engram.dev/scm/go/redact"
	"go.engram.dev/scm/go/sqlpool"
	"go.engram.dev/scm/go/sqlutil"
	"go.engram.dev/scm/scmsync/go/types"
)

// jobColumns are all sync_jobs columns in scan order.
const jobColumns = `job_id, repo_id, job_type, mode, priority, status, attempts,
	max_attempts, not_before, locked_by, locked_at, lease_seconds,
	COALESCE(last_error, ''), COALESCE(last_run_id::text, ''), payload_json,
	created_at, updated_at`

const enqueueStmt = `
INSERT INTO sync_jobs (job_id, repo_id, job_type, mode, priority, status,
	attempts, max_attempts, not_before, lease_seconds, payload_json,
	created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, 'pending', 0, $6, COALESCE($7, now()), $8, $9, now(), now())
ON CONFLICT (repo_id, job_type) WHERE status IN ('pending', 'running')
DO NOTHING
RETURNING job_id`

const ackStmt = `
UPDATE sync_jobs SET
	status = 'completed',
	locked_by = NULL,
	locked_at = NULL,
	last_run_id = $3,
	last_error = NULL,
	updated_at = now()
WHERE job_id = $1 AND locked_by = $2 AND status = 'running'`

// failRetryStmt transitions to dead once the attempts budget is spent,
// otherwise to failed with not_before pushed out. $4 is an optional backoff in
// seconds; NULL selects the exponential default 60 * 2^(attempts-1).
const failRetryStmt = `
UPDATE sync_jobs SET
	status = CASE WHEN attempts >= max_attempts THEN 'dead' ELSE 'failed' END,
	locked_by = NULL,
	locked_at = NULL,
	last_error = $3,
	not_before = now() + (COALESCE($4, LEAST(60 * power(2, GREATEST(attempts - 1, 0)), 86400)) * interval '1 second'),
	updated_at = now()
WHERE job_id = $1 AND locked_by = $2 AND status = 'running'`

const markDeadStmt = `
UPDATE sync_jobs SET
	status = 'dead',
	locked_by = NULL,
	locked_at = NULL,
	last_error = $3,
	updated_at = now()
WHERE job_id = $1 AND locked_by = $2 AND status = 'running'`

const requeueStmt = `
UPDATE sync_jobs SET
	status = 'pending',
	locked_by = NULL,
	locked_at = NULL,
	attempts = GREATEST(attempts - 1, 0),
	last_error = $3,
	not_before = now() + ($4 * interval '1 second'),
	updated_at = now()
WHERE job_id = $1 AND locked_by = $2 AND status = 'running'`

const renewStmt = `
UPDATE sync_jobs SET
	locked_at = now(),
	lease_seconds = COALESCE($3, lease_seconds),
	updated_at = now()
WHERE job_id = $1 AND locked_by = $2 AND status = 'running'`

// SQLQueue implements Queue on Postgres.
type SQLQueue struct {
	db sqlpool.Pool
}

// NewSQLQueue returns a Queue over the sync_jobs table.
func NewSQLQueue(db sqlpool.Pool) *SQLQueue {
	return &SQLQueue{db: db}
}

var _ Reapable = (*SQLQueue)(nil)

// Enqueue implements Queue.
func (q *SQLQueue) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	req = req.withDefaults()
	if !req.Type.Valid() {
		return "", emerr.Fmt("invalid job type %q", req.Type)
	}
	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return "", emerr.Wrap(err)
	}
	var notBefore interface{}
	if !req.NotBefore.IsZero() {
		notBefore = req.NotBefore
	}
	jobID := uuid.New().String()
	var returned string
	err = q.db.QueryRow(ctx, enqueueStmt,
		jobID, req.RepoID, string(req.Type), string(req.Mode), req.Priority,
		req.MaxAttempts, notBefore, req.LeaseSeconds, payload).Scan(&returned)
	if err != nil {
		if sqlpool.IsNoRows(err) {
			// A pending/running job already exists for this (repo, job_type).
			return "", nil
		}
		return "", sqlpool.WrappedError(err)
	}
	return returned, nil
}

// claimSQL assembles the claim CTE. Filters are fixed fragments with
// positional binds; nothing caller-supplied is concatenated into the SQL text.
func claimSQL(req ClaimRequest) (string, []interface{}) {
	args := []interface{}{req.WorkerID}
	var leaseArg interface{}
	if req.LeaseSeconds > 0 {
		leaseArg = req.LeaseSeconds
	}
	args = append(args, leaseArg)

	conds := []string{`(
	   (status = 'pending' AND not_before <= now())
	OR (status = 'running' AND locked_at + lease_seconds * interval '1 second' < now())
	OR (status = 'failed'  AND not_before <= now() AND attempts < max_attempts))`}

	if len(req.JobTypes) > 0 {
		in := sqlutil.InPlaceholders(len(args)+1, len(req.JobTypes))
		for _, jt := range req.JobTypes {
			args = append(args, string(jt))
		}
		conds = append(conds, "job_type IN ("+in+")")
	}
	if len(req.InstanceAllowlist) > 0 {
		args = append(args, req.InstanceAllowlist)
		conds = append(conds, fmt.Sprintf(
			`(payload_json->>'gitlab_instance' IS NULL OR payload_json->>'gitlab_instance' = ANY($%d))`, len(args)))
	}
	if len(req.TenantAllowlist) > 0 {
		args = append(args, req.TenantAllowlist)
		conds = append(conds, fmt.Sprintf(
			`(payload_json->>'tenant_id' IS NULL OR payload_json->>'tenant_id' = ANY($%d))`, len(args)))
	}

	stmt := fmt.Sprintf(`
WITH c AS (
	SELECT job_id FROM sync_jobs
	WHERE %s
	ORDER BY priority ASC, created_at ASC
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
UPDATE sync_jobs SET
	status = 'running',
	locked_by = $1,
	locked_at = now(),
	lease_seconds = COALESCE($2, sync_jobs.lease_seconds),
	attempts = sync_jobs.attempts + 1,
	updated_at = now()
FROM c
WHERE sync_jobs.job_id = c.job_id
RETURNING %s`, strings.Join(conds, "\n	  AND "), jobColumns)
	return stmt, args
}

// Claim implements Queue.
func (q *SQLQueue) Claim(ctx context.Context, req ClaimRequest) (*types.Job, error) {
	if req.WorkerID == "" {
		return nil, emerr.Fmt("worker id is required to claim a job")
	}
	stmt, args := claimSQL(req)
	job, err := scanJob(q.db.QueryRow(ctx, stmt, args...))
	if err != nil {
		if sqlpool.IsNoRows(err) {
			return nil, nil
		}
		return nil, sqlpool.WrappedError(err)
	}
	return job, nil
}

// Ack implements Queue.
func (q *SQLQueue) Ack(ctx context.Context, jobID, workerID, runID string) error {
	var runIDArg interface{}
	if runID != "" {
		runIDArg = runID
	}
	return q.conditional(ctx, ackStmt, jobID, workerID, runIDArg)
}

// FailRetry implements Queue.
func (q *SQLQueue) FailRetry(ctx context.Context, jobID, workerID, errMsg string, backoff *time.Duration) error {
	var backoffArg interface{}
	if backoff != nil {
		backoffArg = backoff.Seconds()
	}
	return q.conditional(ctx, failRetryStmt, jobID, workerID, redact.Redact(errMsg), backoffArg)
}

// MarkDead implements Queue.
func (q *SQLQueue) MarkDead(ctx context.Context, jobID, workerID, errMsg string) error {
	return q.conditional(ctx, markDeadStmt, jobID, workerID, redact.Redact(errMsg))
}

// RequeueWithoutPenalty implements Queue.
func (q *SQLQueue) RequeueWithoutPenalty(ctx context.Context, jobID, workerID, reason string, jitter time.Duration) error {
	if jitter <= 0 {
		jitter = DefaultRequeueJitter
	}
	delay := time.Duration(rand.Int63n(int64(jitter)))
	return q.conditional(ctx, requeueStmt, jobID, workerID, redact.Redact(reason), delay.Seconds())
}

// RenewLease implements Queue.
func (q *SQLQueue) RenewLease(ctx context.Context, jobID, workerID string, lease time.Duration) error {
	var leaseArg interface{}
	if lease > 0 {
		leaseArg = int(lease.Seconds())
	}
	return q.conditional(ctx, renewStmt, jobID, workerID, leaseArg)
}

// Get implements Queue.
func (q *SQLQueue) Get(ctx context.Context, jobID string) (*types.Job, error) {
	job, err := scanJob(q.db.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM sync_jobs WHERE job_id = $1`, jobID))
	if err != nil {
		if sqlpool.IsNoRows(err) {
			return nil, nil
		}
		return nil, sqlpool.WrappedError(err)
	}
	return job, nil
}

// ExpiredRunning implements Reapable.
func (q *SQLQueue) ExpiredRunning(ctx context.Context, grace time.Duration, limit int) ([]*types.Job, error) {
	rows, err := q.db.Query(ctx, `
SELECT `+jobColumns+` FROM sync_jobs
WHERE status = 'running'
  AND locked_at + (lease_seconds + $1) * interval '1 second' < now()
ORDER BY locked_at ASC
LIMIT $2`, int(grace.Seconds()), limit)
	if err != nil {
		return nil, sqlpool.WrappedError(err)
	}
	defer rows.Close()
	var out []*types.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, emerr.Wrap(err)
		}
		out = append(out, j)
	}
	return out, emerr.Wrap(rows.Err())
}

// conditional runs a lease-conditional mutation and maps zero affected rows to
// ErrNotOwner.
func (q *SQLQueue) conditional(ctx context.Context, stmt string, args ...interface{}) error {
	tag, err := q.db.Exec(ctx, stmt, args...)
	if err != nil {
		return sqlpool.WrappedError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotOwner
	}
	return nil
}

// rowScanner is satisfied by both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*types.Job, error) {
	var j types.Job
	var lockedBy *string
	var lockedAt *time.Time
	var payload []byte
	err := row.Scan(&j.ID, &j.RepoID, &j.Type, &j.Mode, &j.Priority, &j.Status,
		&j.Attempts, &j.MaxAttempts, &j.NotBefore, &lockedBy, &lockedAt,
		&j.LeaseSeconds, &j.LastError, &j.LastRunID, &payload, &j.Created, &j.Updated)
	if err != nil {
		return nil, err
	}
	if lockedBy != nil {
		j.LockedBy = *lockedBy
	}
	if lockedAt != nil {
		j.LockedAt = *lockedAt
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &j.Payload); err != nil {
			return nil, emerr.Wrapf(err, "corrupt payload_json on job %s", j.ID)
		}
	}
	return &j, nil
}
