package types

import (
	"time"
)

// BlobFormat is the representation stored for a patch.
type BlobFormat string

const (
	FormatDiff     BlobFormat = "diff"
	FormatDiffstat BlobFormat = "diffstat"
	FormatMinistat BlobFormat = "ministat"
)

// Valid returns true for a known blob format.
func (f BlobFormat) Valid() bool {
	switch f {
	case FormatDiff, FormatDiffstat, FormatMinistat:
		return true
	}
	return false
}

// MaterializeStatus tracks a blob through the materialization pipeline.
type MaterializeStatus string

const (
	MaterializePending    MaterializeStatus = "pending"
	MaterializeInProgress MaterializeStatus = "in_progress"
	MaterializeDone       MaterializeStatus = "done"
	MaterializeFailed     MaterializeStatus = "failed"
)

// BlobMeta is the meta_json column of patch_blobs.
type BlobMeta struct {
	MaterializeStatus MaterializeStatus `json:"materialize_status,omitempty"`
	Attempts          int               `json:"attempts,omitempty"`
	LastError         string            `json:"last_error,omitempty"`
	ErrorCategory     string            `json:"error_category,omitempty"`
	LastEndpoint      string            `json:"last_endpoint,omitempty"`
	LastStatusCode    int               `json:"last_status_code,omitempty"`
	MaterializedAt    *time.Time        `json:"materialized_at,omitempty"`
	LastAttemptAt     *time.Time        `json:"last_attempt_at,omitempty"`
	EvidenceURI       string            `json:"evidence_uri,omitempty"`
	MirrorURI         string            `json:"mirror_uri,omitempty"`
	MirroredAt        *time.Time        `json:"mirrored_at,omitempty"`
	ActualSHA256      string            `json:"actual_sha256,omitempty"`

	// Stats holds git numstat-style counters (insertions, deletions, files)
	// used to derive a ministat when the source refuses a real diff.
	Stats map[string]int64 `json:"stats,omitempty"`

	// ChangedPaths holds SVN changed-path actions (added/modified/deleted/
	// replaced counts) for the same degraded path.
	ChangedPaths map[string]int64 `json:"changed_paths,omitempty"`
}

// PatchBlob is the materialization record for one (source, revision, format,
// content-hash) tuple.
type PatchBlob struct {
	ID          int64
	SourceType  SourceType
	SourceID    string
	SHA256      string
	SizeBytes   int64
	Format      BlobFormat
	URI         string
	EvidenceURI string
	Meta        BlobMeta
	Created     time.Time
	Updated     time.Time
}

// Copy returns a deep copy of the blob.
func (b *PatchBlob) Copy() *PatchBlob {
	cp := *b
	if b.Meta.Stats != nil {
		cp.Meta.Stats = make(map[string]int64, len(b.Meta.Stats))
		for k, v := range b.Meta.Stats {
			cp.Meta.Stats[k] = v
		}
	}
	if b.Meta.ChangedPaths != nil {
		cp.Meta.ChangedPaths = make(map[string]int64, len(b.Meta.ChangedPaths))
		for k, v := range b.Meta.ChangedPaths {
			cp.Meta.ChangedPaths[k] = v
		}
	}
	return &cp
}
