// Package schema defines the SQL schema of the sync engine.
package schema

// Tables represents all SQL tables used by the sync engine. Each field is one
// table; the field name lowercased is the table name.
type Tables struct {
	Repos          []ReposRow
	SvnRevisions   []SvnRevisionsRow
	GitCommits     []GitCommitsRow
	Mrs            []MrsRow
	ReviewEvents   []ReviewEventsRow
	PatchBlobs     []PatchBlobsRow
	SyncJobs       []SyncJobsRow
	SyncRuns       []SyncRunsRow
	SyncLocks      []SyncLocksRow
	SyncRateLimits []SyncRateLimitsRow
	Kv             []KvRow
}

// The row structs exist so the Tables struct above fully describes the schema;
// stores scan into the richer types in scmsync/go/types.
type (
	ReposRow          struct{}
	SvnRevisionsRow   struct{}
	GitCommitsRow     struct{}
	MrsRow            struct{}
	ReviewEventsRow   struct{}
	PatchBlobsRow     struct{}
	SyncJobsRow       struct{}
	SyncRunsRow       struct{}
	SyncLocksRow      struct{}
	SyncRateLimitsRow struct{}
	KvRow             struct{}
)

// Schema is the DDL for all tables.
const Schema = `
CREATE TABLE IF NOT EXISTS repos (
	repo_id BIGSERIAL PRIMARY KEY,
	repo_type TEXT NOT NULL CHECK (repo_type IN ('git', 'svn')),
	url TEXT NOT NULL,
	project_key TEXT NOT NULL DEFAULT '',
	default_branch TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (repo_type, url)
);

CREATE TABLE IF NOT EXISTS svn_revisions (
	repo_id BIGINT NOT NULL REFERENCES repos (repo_id),
	rev_num BIGINT NOT NULL,
	author_raw TEXT NOT NULL DEFAULT '',
	committed_at TIMESTAMPTZ,
	message TEXT NOT NULL DEFAULT '',
	is_bulk BOOLEAN NOT NULL DEFAULT FALSE,
	is_merge BOOLEAN NOT NULL DEFAULT FALSE,
	meta_json JSONB NOT NULL DEFAULT '{}',
	source_id TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (repo_id, rev_num)
);

CREATE TABLE IF NOT EXISTS git_commits (
	repo_id BIGINT NOT NULL REFERENCES repos (repo_id),
	commit_sha TEXT NOT NULL,
	author_raw TEXT NOT NULL DEFAULT '',
	committed_at TIMESTAMPTZ,
	message TEXT NOT NULL DEFAULT '',
	is_bulk BOOLEAN NOT NULL DEFAULT FALSE,
	is_merge BOOLEAN NOT NULL DEFAULT FALSE,
	meta_json JSONB NOT NULL DEFAULT '{}',
	source_id TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (repo_id, commit_sha)
);

CREATE TABLE IF NOT EXISTS mrs (
	mr_id TEXT PRIMARY KEY,
	repo_id BIGINT NOT NULL REFERENCES repos (repo_id),
	status TEXT NOT NULL CHECK (status IN ('opened', 'merged', 'closed')),
	author_raw TEXT NOT NULL DEFAULT '',
	url TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL DEFAULT '',
	meta_json JSONB NOT NULL DEFAULT '{}',
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS review_events (
	mr_id TEXT NOT NULL REFERENCES mrs (mr_id),
	source_event_id TEXT NOT NULL,
	kind TEXT NOT NULL DEFAULT '',
	author_raw TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ,
	meta_json JSONB NOT NULL DEFAULT '{}',
	PRIMARY KEY (mr_id, source_event_id)
);

CREATE TABLE IF NOT EXISTS patch_blobs (
	blob_id BIGSERIAL PRIMARY KEY,
	source_type TEXT NOT NULL CHECK (source_type IN ('git', 'svn')),
	source_id TEXT NOT NULL,
	sha256 TEXT NOT NULL DEFAULT '',
	size_bytes BIGINT NOT NULL DEFAULT 0,
	format TEXT NOT NULL CHECK (format IN ('diff', 'diffstat', 'ministat')),
	uri TEXT,
	evidence_uri TEXT NOT NULL DEFAULT '',
	meta_json JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (source_type, source_id, sha256)
);

CREATE TABLE IF NOT EXISTS sync_jobs (
	job_id UUID PRIMARY KEY,
	repo_id BIGINT NOT NULL REFERENCES repos (repo_id),
	job_type TEXT NOT NULL CHECK (job_type IN ('gitlab_commits', 'gitlab_mrs', 'gitlab_reviews', 'svn')),
	mode TEXT NOT NULL CHECK (mode IN ('incremental', 'backfill')),
	priority INT NOT NULL DEFAULT 100,
	status TEXT NOT NULL CHECK (status IN ('pending', 'running', 'completed', 'failed', 'dead')),
	attempts INT NOT NULL DEFAULT 0,
	max_attempts INT NOT NULL DEFAULT 3,
	not_before TIMESTAMPTZ NOT NULL DEFAULT now(),
	locked_by TEXT,
	locked_at TIMESTAMPTZ,
	lease_seconds INT NOT NULL DEFAULT 300,
	last_error TEXT,
	last_run_id UUID,
	payload_json JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

-- At most one live (pending or running) job per (repo, job_type). Enqueue
-- relies on this index for its idempotence guarantee.
CREATE UNIQUE INDEX IF NOT EXISTS sync_jobs_one_live
	ON sync_jobs (repo_id, job_type)
	WHERE status IN ('pending', 'running');

CREATE INDEX IF NOT EXISTS sync_jobs_claim
	ON sync_jobs (status, not_before, priority, created_at);

CREATE TABLE IF NOT EXISTS sync_runs (
	run_id UUID PRIMARY KEY,
	repo_id BIGINT NOT NULL,
	job_type TEXT NOT NULL,
	mode TEXT NOT NULL,
	started_at TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ,
	cursor_before JSONB NOT NULL DEFAULT '{}',
	cursor_after JSONB NOT NULL DEFAULT '{}',
	counts JSONB NOT NULL DEFAULT '{}',
	error_summary_json JSONB,
	degradation_json JSONB,
	status TEXT NOT NULL CHECK (status IN ('running', 'completed', 'failed', 'no_data'))
);

CREATE INDEX IF NOT EXISTS sync_runs_recent
	ON sync_runs (repo_id, job_type, started_at DESC);

CREATE TABLE IF NOT EXISTS sync_locks (
	lock_id BIGSERIAL PRIMARY KEY,
	repo_id BIGINT NOT NULL,
	job_type TEXT NOT NULL,
	locked_by TEXT,
	locked_at TIMESTAMPTZ,
	lease_seconds INT NOT NULL DEFAULT 300,
	UNIQUE (repo_id, job_type)
);

CREATE TABLE IF NOT EXISTS sync_rate_limits (
	instance_key TEXT PRIMARY KEY,
	tokens DOUBLE PRECISION NOT NULL,
	rate DOUBLE PRECISION NOT NULL,
	burst INT NOT NULL,
	paused_until TIMESTAMPTZ,
	meta_json JSONB NOT NULL DEFAULT '{}',
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS kv (
	namespace TEXT NOT NULL,
	key TEXT NOT NULL,
	value_json JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (namespace, key)
);
`
