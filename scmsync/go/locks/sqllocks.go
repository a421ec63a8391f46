package locks

import (
	"context"
	"time"

	"go.engram.dev/scm/go/sqlpool"
	"go.engram.dev/scm/scmsync/go/types"
)

// acquireStmt upserts the lock row and takes the lease only when the row is
// free, expired, or already owned by the caller. RowsAffected == 0 means the
// lock is held elsewhere.
const acquireStmt = `
INSERT INTO sync_locks (repo_id, job_type, locked_by, locked_at, lease_seconds)
VALUES ($1, $2, $3, now(), $4)
ON CONFLICT (repo_id, job_type)
DO UPDATE SET locked_by = excluded.locked_by,
	locked_at = excluded.locked_at,
	lease_seconds = excluded.lease_seconds
WHERE sync_locks.locked_by IS NULL
	OR sync_locks.locked_by = excluded.locked_by
	OR sync_locks.locked_at + sync_locks.lease_seconds * interval '1 second' < now()`

const releaseStmt = `
UPDATE sync_locks SET locked_by = NULL, locked_at = NULL
WHERE repo_id = $1 AND job_type = $2 AND locked_by = $3`

const expireStmt = `
UPDATE sync_locks SET locked_by = NULL, locked_at = NULL
WHERE locked_by IS NOT NULL
	AND locked_at + lease_seconds * interval '1 second' < $1`

// SQLStore implements Store on Postgres.
type SQLStore struct {
	db sqlpool.Pool
}

// NewSQLStore returns a Store over the sync_locks table.
func NewSQLStore(db sqlpool.Pool) *SQLStore {
	return &SQLStore{db: db}
}

var _ Store = (*SQLStore)(nil)

// Acquire implements Store.
func (s *SQLStore) Acquire(ctx context.Context, repoID int64, jobType types.JobType, owner string, lease time.Duration) (bool, error) {
	if lease <= 0 {
		lease = DefaultLeaseSeconds * time.Second
	}
	tag, err := s.db.Exec(ctx, acquireStmt, repoID, string(jobType), owner,
		int(lease/time.Second))
	if err != nil {
		return false, sqlpool.WrappedError(err)
	}
	return tag.RowsAffected() > 0, nil
}

// Release implements Store.
func (s *SQLStore) Release(ctx context.Context, repoID int64, jobType types.JobType, owner string) error {
	_, err := s.db.Exec(ctx, releaseStmt, repoID, string(jobType), owner)
	return sqlpool.WrappedError(err)
}

// ExpireStale implements Store.
func (s *SQLStore) ExpireStale(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.db.Exec(ctx, expireStmt, cutoff)
	if err != nil {
		return 0, sqlpool.WrappedError(err)
	}
	return int(tag.RowsAffected()), nil
}
