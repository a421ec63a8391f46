// Package types holds the shared data model of the sync engine: repos,
// revisions, jobs, runs and patch blobs.
package types

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.engram.dev/scm/scmsync/go/syncerr"
)

// RepoType distinguishes the two supported SCM flavors.
type RepoType string

const (
	RepoTypeGit RepoType = "git"
	RepoTypeSVN RepoType = "svn"
)

// Repo is one upstream repository. Rows are immutable once created except for
// ProjectKey and DefaultBranch.
type Repo struct {
	ID            int64
	Type          RepoType
	URL           string
	ProjectKey    string
	DefaultBranch string
}

// Tenant returns the leading segment of the project key ("tenant/rest..."), or
// "" when the key carries no tenant prefix.
func (r *Repo) Tenant() string {
	if i := strings.Index(r.ProjectKey, "/"); i > 0 {
		return r.ProjectKey[:i]
	}
	return ""
}

// Host returns the hostname of the repo's URL, or "" when the URL does not
// parse.
func (r *Repo) Host() string {
	u, err := url.Parse(r.URL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// JobType enumerates the closed job taxonomy.
type JobType string

const (
	JobTypeGitLabCommits JobType = "gitlab_commits"
	JobTypeGitLabMRs     JobType = "gitlab_mrs"
	JobTypeGitLabReviews JobType = "gitlab_reviews"
	JobTypeSVN           JobType = "svn"
)

// ValidJobTypes is the full set of job types in a stable order.
var ValidJobTypes = []JobType{JobTypeGitLabCommits, JobTypeGitLabMRs, JobTypeGitLabReviews, JobTypeSVN}

// Valid returns true if t is a known job type.
func (t JobType) Valid() bool {
	for _, v := range ValidJobTypes {
		if t == v {
			return true
		}
	}
	return false
}

// JobMode distinguishes steady-state sync from windowed backfill.
type JobMode string

const (
	ModeIncremental JobMode = "incremental"
	ModeBackfill    JobMode = "backfill"
)

// JobStatus is the lifecycle state of a queue row.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusDead      JobStatus = "dead"
)

// Payload carries the per-job parameters, serialized to payload_json.
type Payload struct {
	// Backfill window. WindowType is "time" or "revision".
	WindowType string     `json:"window_type,omitempty"`
	Since      *time.Time `json:"since,omitempty"`
	Until      *time.Time `json:"until,omitempty"`
	StartRev   int64      `json:"start_rev,omitempty"`
	EndRev     int64      `json:"end_rev,omitempty"`
	ChunkIndex int        `json:"chunk_index"`
	ChunkTotal int        `json:"chunk_total,omitempty"`

	// Watermark handling.
	UpdateWatermark     bool   `json:"update_watermark,omitempty"`
	WatermarkConstraint string `json:"watermark_constraint,omitempty"`

	// Allowlist hints evaluated at claim time.
	GitLabInstance string `json:"gitlab_instance,omitempty"`
	TenantID       string `json:"tenant_id,omitempty"`
}

// Job is one row of the sync_jobs work queue.
type Job struct {
	ID           string
	RepoID       int64
	Type         JobType
	Mode         JobMode
	Priority     int
	Status       JobStatus
	Attempts     int
	MaxAttempts  int
	NotBefore    time.Time
	LockedBy     string
	LockedAt     time.Time
	LeaseSeconds int
	LastError    string
	LastRunID    string
	Payload      Payload
	Created      time.Time
	Updated      time.Time
}

// Copy returns a deep copy of the job.
func (j *Job) Copy() *Job {
	cp := *j
	if j.Payload.Since != nil {
		t := *j.Payload.Since
		cp.Payload.Since = &t
	}
	if j.Payload.Until != nil {
		t := *j.Payload.Until
		cp.Payload.Until = &t
	}
	return &cp
}

// Lease returns the lease duration of the job.
func (j *Job) Lease() time.Duration {
	return time.Duration(j.LeaseSeconds) * time.Second
}

// LeaseExpired returns true if the job's lease has lapsed as of the given
// time. Only meaningful for running jobs.
func (j *Job) LeaseExpired(at time.Time) bool {
	return j.Status == JobStatusRunning && j.LockedAt.Add(j.Lease()).Before(at)
}

// RunStatus is the outcome of one execution attempt.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusNoData    RunStatus = "no_data"
)

// Valid returns true for a known run status.
func (s RunStatus) Valid() bool {
	switch s {
	case RunStatusRunning, RunStatusCompleted, RunStatusFailed, RunStatusNoData:
		return true
	}
	return false
}

// Cursor is a progress snapshot for a (repo, job_type). Exactly the fields
// relevant to the repo type are set.
type Cursor struct {
	CommitSHA string     `json:"commit_sha,omitempty"`
	Rev       int64      `json:"rev,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// IsZero returns true for an empty cursor.
func (c Cursor) IsZero() bool {
	return c.CommitSHA == "" && c.Rev == 0 && c.Timestamp == nil
}

// ErrorSummary is the structured failure description persisted with a failed
// run.
type ErrorSummary struct {
	Category   syncerr.Category       `json:"error_category"`
	Message    string                 `json:"message,omitempty"`
	Endpoint   string                 `json:"endpoint,omitempty"`
	StatusCode int                    `json:"status_code,omitempty"`
	Context    map[string]interface{} `json:"context,omitempty"`
}

// Run is one row of sync_runs; append-only.
type Run struct {
	ID           string
	RepoID       int64
	JobType      JobType
	Mode         JobMode
	StartedAt    time.Time
	FinishedAt   time.Time
	CursorBefore Cursor
	CursorAfter  Cursor
	Counts       map[string]int64
	ErrorSummary *ErrorSummary
	Degradation  map[string]interface{}
	Status       RunStatus
}

// SourceType mirrors RepoType for patch provenance.
type SourceType = RepoType

// SVNSourceID derives the stable source id for an SVN revision.
func SVNSourceID(repoID, rev int64) string {
	return fmt.Sprintf("svn:%d:%d", repoID, rev)
}

// GitSourceID derives the stable source id for a git commit.
func GitSourceID(repoID int64, sha string) string {
	return fmt.Sprintf("git:%d:%s", repoID, sha)
}

// MRExternalID composes the merge request key <platform>:<project>:<iid>.
// Merge requests from different projects or platforms share bare iids, so the
// bare iid is never a usable key.
func MRExternalID(platform, project string, iid int64) string {
	return fmt.Sprintf("%s:%s:%d", platform, project, iid)
}

// MRIID returns the upstream iid from a composite merge request id. A bare
// numeric id passes through unchanged.
func MRIID(mrID string) string {
	if i := strings.LastIndexByte(mrID, ':'); i >= 0 {
		return mrID[i+1:]
	}
	return mrID
}

// SVNRevision is one observed SVN revision.
type SVNRevision struct {
	RepoID    int64
	Rev       int64
	AuthorRaw string
	Timestamp *time.Time
	Message   string
	IsBulk    bool
	IsMerge   bool
	Meta      map[string]interface{}
}

// SourceID returns the derived source id (svn:<repo_id>:<rev>).
func (r *SVNRevision) SourceID() string { return SVNSourceID(r.RepoID, r.Rev) }

// GitCommit is one observed git commit.
type GitCommit struct {
	RepoID    int64
	SHA       string
	AuthorRaw string
	Timestamp *time.Time
	Message   string
	IsBulk    bool
	IsMerge   bool
	Meta      map[string]interface{}
}

// SourceID returns the derived source id (git:<repo_id>:<sha>).
func (c *GitCommit) SourceID() string { return GitSourceID(c.RepoID, c.SHA) }

// MRStatus is the lifecycle state of a merge request.
type MRStatus string

const (
	MRStatusOpened MRStatus = "opened"
	MRStatusMerged MRStatus = "merged"
	MRStatusClosed MRStatus = "closed"
)

// MergeRequest is one upstream merge request. The primary key is the composite
// external id <platform>:<project>:<iid>.
type MergeRequest struct {
	ID        string
	RepoID    int64
	Status    MRStatus
	AuthorRaw string
	URL       string
	Title     string
	Meta      map[string]interface{}
}

// ReviewEvent is one append-only review event attached to an MR, deduplicated
// on (MRID, SourceEventID).
type ReviewEvent struct {
	MRID          string
	SourceEventID string
	Kind          string
	AuthorRaw     string
	CreatedAt     *time.Time
	Meta          map[string]interface{}
}
