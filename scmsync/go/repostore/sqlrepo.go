package repostore

import (
	"context"
	"encoding/json"

	"go.engram.dev/scm/go/emerr"
	"go.engram.dev/scm/go/sqlpool"
	"go.engram.dev/scm/scmsync/go/types"
)

const upsertRepoStmt = `
INSERT INTO repos (repo_type, url, project_key, default_branch)
VALUES ($1, $2, $3, $4)
ON CONFLICT (repo_type, url)
DO UPDATE SET project_key = excluded.project_key, default_branch = excluded.default_branch
RETURNING repo_id`

// The revision upsert is a plain atomic ON CONFLICT on the (repo_id, rev_num)
// primary key; concurrent inserters race safely.
const upsertSVNRevisionStmt = `
INSERT INTO svn_revisions (repo_id, rev_num, author_raw, committed_at, message,
	is_bulk, is_merge, meta_json, source_id)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (repo_id, rev_num)
DO UPDATE SET author_raw = excluded.author_raw,
	committed_at = excluded.committed_at,
	message = excluded.message,
	is_bulk = excluded.is_bulk,
	is_merge = excluded.is_merge,
	meta_json = excluded.meta_json`

const upsertGitCommitStmt = `
INSERT INTO git_commits (repo_id, commit_sha, author_raw, committed_at, message,
	is_bulk, is_merge, meta_json, source_id)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (repo_id, commit_sha)
DO UPDATE SET author_raw = excluded.author_raw,
	committed_at = excluded.committed_at,
	message = excluded.message,
	is_bulk = excluded.is_bulk,
	is_merge = excluded.is_merge,
	meta_json = excluded.meta_json`

const upsertMRStmt = `
INSERT INTO mrs (mr_id, repo_id, status, author_raw, url, title, meta_json, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, now())
ON CONFLICT (mr_id)
DO UPDATE SET status = excluded.status,
	author_raw = excluded.author_raw,
	url = excluded.url,
	title = excluded.title,
	meta_json = excluded.meta_json,
	updated_at = now()`

const insertReviewEventStmt = `
INSERT INTO review_events (mr_id, source_event_id, kind, author_raw, created_at, meta_json)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (mr_id, source_event_id) DO NOTHING`

// SQLStore implements Store on Postgres.
type SQLStore struct {
	db sqlpool.Pool
}

// NewSQLStore returns a Store over the repo tables.
func NewSQLStore(db sqlpool.Pool) *SQLStore {
	return &SQLStore{db: db}
}

var _ Store = (*SQLStore)(nil)

// UpsertRepo implements Store.
func (s *SQLStore) UpsertRepo(ctx context.Context, r *types.Repo) (int64, error) {
	var id int64
	err := s.db.QueryRow(ctx, upsertRepoStmt,
		string(r.Type), r.URL, r.ProjectKey, r.DefaultBranch).Scan(&id)
	if err != nil {
		return 0, sqlpool.WrappedError(err)
	}
	return id, nil
}

// GetRepo implements Store.
func (s *SQLStore) GetRepo(ctx context.Context, repoID int64) (*types.Repo, error) {
	return s.getRepo(ctx,
		`SELECT repo_id, repo_type, url, project_key, default_branch FROM repos WHERE repo_id = $1`,
		repoID)
}

// GetRepoByURL implements Store.
func (s *SQLStore) GetRepoByURL(ctx context.Context, t types.RepoType, url string) (*types.Repo, error) {
	return s.getRepo(ctx,
		`SELECT repo_id, repo_type, url, project_key, default_branch FROM repos WHERE repo_type = $1 AND url = $2`,
		string(t), url)
}

func (s *SQLStore) getRepo(ctx context.Context, stmt string, args ...interface{}) (*types.Repo, error) {
	var r types.Repo
	err := s.db.QueryRow(ctx, stmt, args...).Scan(&r.ID, &r.Type, &r.URL, &r.ProjectKey, &r.DefaultBranch)
	if err != nil {
		if sqlpool.IsNoRows(err) {
			return nil, nil
		}
		return nil, sqlpool.WrappedError(err)
	}
	return &r, nil
}

// UpsertSVNRevision implements Store.
func (s *SQLStore) UpsertSVNRevision(ctx context.Context, rev *types.SVNRevision) error {
	meta, err := marshalMeta(rev.Meta)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, upsertSVNRevisionStmt, rev.RepoID, rev.Rev,
		rev.AuthorRaw, rev.Timestamp, rev.Message, rev.IsBulk, rev.IsMerge,
		meta, rev.SourceID())
	return sqlpool.WrappedError(err)
}

// GetSVNRevision implements Store.
func (s *SQLStore) GetSVNRevision(ctx context.Context, repoID, revNum int64) (*types.SVNRevision, error) {
	var r types.SVNRevision
	var meta []byte
	err := s.db.QueryRow(ctx, `
SELECT repo_id, rev_num, author_raw, committed_at, message, is_bulk, is_merge, meta_json
FROM svn_revisions WHERE repo_id = $1 AND rev_num = $2`, repoID, revNum).
		Scan(&r.RepoID, &r.Rev, &r.AuthorRaw, &r.Timestamp, &r.Message, &r.IsBulk, &r.IsMerge, &meta)
	if err != nil {
		if sqlpool.IsNoRows(err) {
			return nil, nil
		}
		return nil, sqlpool.WrappedError(err)
	}
	if err := unmarshalMeta(meta, &r.Meta); err != nil {
		return nil, err
	}
	return &r, nil
}

// UpsertGitCommit implements Store.
func (s *SQLStore) UpsertGitCommit(ctx context.Context, c *types.GitCommit) error {
	meta, err := marshalMeta(c.Meta)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, upsertGitCommitStmt, c.RepoID, c.SHA, c.AuthorRaw,
		c.Timestamp, c.Message, c.IsBulk, c.IsMerge, meta, c.SourceID())
	return sqlpool.WrappedError(err)
}

// GetGitCommit implements Store.
func (s *SQLStore) GetGitCommit(ctx context.Context, repoID int64, sha string) (*types.GitCommit, error) {
	var c types.GitCommit
	var meta []byte
	err := s.db.QueryRow(ctx, `
SELECT repo_id, commit_sha, author_raw, committed_at, message, is_bulk, is_merge, meta_json
FROM git_commits WHERE repo_id = $1 AND commit_sha = $2`, repoID, sha).
		Scan(&c.RepoID, &c.SHA, &c.AuthorRaw, &c.Timestamp, &c.Message, &c.IsBulk, &c.IsMerge, &meta)
	if err != nil {
		if sqlpool.IsNoRows(err) {
			return nil, nil
		}
		return nil, sqlpool.WrappedError(err)
	}
	if err := unmarshalMeta(meta, &c.Meta); err != nil {
		return nil, err
	}
	return &c, nil
}

// UpsertMergeRequest implements Store.
func (s *SQLStore) UpsertMergeRequest(ctx context.Context, mr *types.MergeRequest) error {
	meta, err := marshalMeta(mr.Meta)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, upsertMRStmt, mr.ID, mr.RepoID, string(mr.Status),
		mr.AuthorRaw, mr.URL, mr.Title, meta)
	return sqlpool.WrappedError(err)
}

// InsertReviewEvent implements Store.
func (s *SQLStore) InsertReviewEvent(ctx context.Context, ev *types.ReviewEvent) (bool, error) {
	meta, err := marshalMeta(ev.Meta)
	if err != nil {
		return false, err
	}
	tag, err := s.db.Exec(ctx, insertReviewEventStmt, ev.MRID, ev.SourceEventID,
		ev.Kind, ev.AuthorRaw, ev.CreatedAt, meta)
	if err != nil {
		return false, sqlpool.WrappedError(err)
	}
	return tag.RowsAffected() > 0, nil
}

func marshalMeta(m map[string]interface{}) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, emerr.Wrap(err)
	}
	return raw, nil
}

func unmarshalMeta(raw []byte, dst *map[string]interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	return emerr.Wrap(json.Unmarshal(raw, dst))
}
