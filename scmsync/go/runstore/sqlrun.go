package runstore

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"go.engram.dev/scm/go/emerr"
	"go.engram.dev/scm/go/redact"
	"go.engram.dev/scm/go/sqlpool"
	"go.engram.dev/scm/scmsync/go/syncerr"
	"go.engram.dev/scm/scmsync/go/types"
)

const runColumns = `run_id, repo_id, job_type, mode, started_at, finished_at,
	cursor_before, cursor_after, counts, error_summary_json, degradation_json, status`

const startStmt = `
INSERT INTO sync_runs (run_id, repo_id, job_type, mode, started_at,
	cursor_before, status)
VALUES ($1, $2, $3, $4, $5, $6, 'running')`

const finishStmt = `
UPDATE sync_runs SET
	status = $2,
	finished_at = now(),
	cursor_after = $3,
	counts = $4,
	error_summary_json = $5,
	degradation_json = $6
WHERE run_id = $1 AND status = 'running'`

// failTimedOutStmt synthesizes an error summary for runs that have been
// running longer than the allowed duration. Idempotent: already-failed rows do
// not match.
const failTimedOutStmt = `
UPDATE sync_runs SET
	status = 'failed',
	finished_at = now(),
	error_summary_json = $2
WHERE run_id IN (
	SELECT run_id FROM sync_runs
	WHERE status = 'running' AND started_at < $1
	ORDER BY started_at ASC
	LIMIT $3
)`

// SQLStore implements Store on Postgres.
type SQLStore struct {
	db sqlpool.Pool
}

// NewSQLStore returns a Store over the sync_runs table.
func NewSQLStore(db sqlpool.Pool) *SQLStore {
	return &SQLStore{db: db}
}

var _ Store = (*SQLStore)(nil)

// Start implements Store.
func (s *SQLStore) Start(ctx context.Context, run *types.Run) error {
	cursorBefore, err := json.Marshal(run.CursorBefore)
	if err != nil {
		return emerr.Wrap(err)
	}
	startedAt := run.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now()
	}
	_, err = s.db.Exec(ctx, startStmt, run.ID, run.RepoID, string(run.JobType),
		string(run.Mode), startedAt, cursorBefore)
	return sqlpool.WrappedError(err)
}

// Finish implements Store.
func (s *SQLStore) Finish(ctx context.Context, runID string, p FinishPayload) error {
	p = p.Coerce()
	cursorAfter, err := json.Marshal(p.CursorAfter)
	if err != nil {
		return emerr.Wrap(err)
	}
	counts := p.Counts
	if counts == nil {
		counts = map[string]int64{}
	}
	countsRaw, err := json.Marshal(counts)
	if err != nil {
		return emerr.Wrap(err)
	}
	var summaryRaw, degradationRaw []byte
	if p.ErrorSummary != nil {
		redacted := *p.ErrorSummary
		redacted.Message = redact.Redact(redacted.Message)
		redacted.Context = redact.Map(redacted.Context)
		if summaryRaw, err = json.Marshal(&redacted); err != nil {
			return emerr.Wrap(err)
		}
	}
	if p.Degradation != nil {
		if degradationRaw, err = json.Marshal(p.Degradation); err != nil {
			return emerr.Wrap(err)
		}
	}
	tag, err := s.db.Exec(ctx, finishStmt, runID, string(p.Status), cursorAfter,
		countsRaw, summaryRaw, degradationRaw)
	if err != nil {
		return sqlpool.WrappedError(err)
	}
	if tag.RowsAffected() == 0 {
		return emerr.Fmt("run %s is not open", runID)
	}
	return nil
}

// Get implements Store.
func (s *SQLStore) Get(ctx context.Context, runID string) (*types.Run, error) {
	run, err := scanRun(s.db.QueryRow(ctx,
		`SELECT `+runColumns+` FROM sync_runs WHERE run_id = $1`, runID))
	if err != nil {
		if sqlpool.IsNoRows(err) {
			return nil, nil
		}
		return nil, sqlpool.WrappedError(err)
	}
	return run, nil
}

// Recent implements Store.
func (s *SQLStore) Recent(ctx context.Context, repoID int64, jobType types.JobType, limit int) ([]*types.Run, error) {
	stmt := `SELECT ` + runColumns + ` FROM sync_runs WHERE repo_id = $1`
	args := []interface{}{repoID}
	if jobType != "" {
		args = append(args, string(jobType))
		stmt += ` AND job_type = $2`
	}
	args = append(args, limit)
	stmt += ` ORDER BY started_at DESC LIMIT $` + strconv.Itoa(len(args))
	rows, err := s.db.Query(ctx, stmt, args...)
	if err != nil {
		return nil, sqlpool.WrappedError(err)
	}
	defer rows.Close()
	var out []*types.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, sqlpool.WrappedError(err)
		}
		out = append(out, run)
	}
	return out, sqlpool.WrappedError(rows.Err())
}

// FailTimedOut implements Store.
func (s *SQLStore) FailTimedOut(ctx context.Context, startedBefore time.Time, limit int) (int, error) {
	summary, err := json.Marshal(&types.ErrorSummary{
		Category: syncerr.CategoryTimeout,
		Message:  "run exceeded max duration; failed by reaper",
	})
	if err != nil {
		return 0, emerr.Wrap(err)
	}
	tag, err := s.db.Exec(ctx, failTimedOutStmt, startedBefore, summary, limit)
	if err != nil {
		return 0, sqlpool.WrappedError(err)
	}
	return int(tag.RowsAffected()), nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*types.Run, error) {
	var r types.Run
	var finishedAt *time.Time
	var cursorBefore, cursorAfter, counts, summary, degradation []byte
	err := row.Scan(&r.ID, &r.RepoID, &r.JobType, &r.Mode, &r.StartedAt,
		&finishedAt, &cursorBefore, &cursorAfter, &counts, &summary, &degradation, &r.Status)
	if err != nil {
		return nil, err
	}
	if finishedAt != nil {
		r.FinishedAt = *finishedAt
	}
	if len(cursorBefore) > 0 {
		if err := json.Unmarshal(cursorBefore, &r.CursorBefore); err != nil {
			return nil, emerr.Wrap(err)
		}
	}
	if len(cursorAfter) > 0 {
		if err := json.Unmarshal(cursorAfter, &r.CursorAfter); err != nil {
			return nil, emerr.Wrap(err)
		}
	}
	if len(counts) > 0 {
		if err := json.Unmarshal(counts, &r.Counts); err != nil {
			return nil, emerr.Wrap(err)
		}
	}
	if len(summary) > 0 {
		if err := json.Unmarshal(summary, &r.ErrorSummary); err != nil {
			return nil, emerr.Wrap(err)
		}
	}
	if len(degradation) > 0 {
		if err := json.Unmarshal(degradation, &r.Degradation); err != nil {
			return nil, emerr.Wrap(err)
		}
	}
	return &r, nil
}
