// Package blobstore manages patch_blobs rows: the materialization records that
// tie a (source, revision, format) tuple to content-addressed bytes. Rows move
// pending -> in_progress -> (done | failed); failed rows stay retryable until
// attempts reaches the limit.
package blobstore

import (
	"context"
	"errors"
	"time"

	"go.engram.dev/scm/scmsync/go/syncerr"
	"go.engram.dev/scm/scmsync/go/types"
)

// DefaultMaxAttempts bounds retries of a failing blob.
const DefaultMaxAttempts = 3

// DefaultStaleAfter is how long a claimed row may sit in_progress before it is
// assumed abandoned (the claimer crashed between claim and finalize) and
// becomes claimable again.
const DefaultStaleAfter = 15 * time.Minute

// ErrStale is returned by MarkDone when the row's sha256 no longer matches the
// expected value, i.e. a concurrent writer got there first.
var ErrStale = errors.New("blob row changed underneath this writer")

// CandidateRequest selects blobs for one materialization batch.
type CandidateRequest struct {
	// BlobID restricts the batch to a single blob when non-zero.
	BlobID int64
	// SourceType restricts the batch to git or svn when non-empty.
	SourceType types.SourceType
	// IncludeFailed also picks up previously failed rows (retry mode).
	IncludeFailed bool
	// MaxAttempts defaults to DefaultMaxAttempts when zero.
	MaxAttempts int
	// BatchSize defaults to 1 when zero.
	BatchSize int
	// StaleAfter is the age past which an in_progress row counts as abandoned.
	// Defaults to DefaultStaleAfter when zero.
	StaleAfter time.Duration
}

func (r CandidateRequest) withDefaults() CandidateRequest {
	if r.MaxAttempts == 0 {
		r.MaxAttempts = DefaultMaxAttempts
	}
	if r.BatchSize <= 0 {
		r.BatchSize = 1
	}
	if r.StaleAfter <= 0 {
		r.StaleAfter = DefaultStaleAfter
	}
	return r
}

// Failure describes why a materialization attempt failed. Message and Endpoint
// are redacted before they are persisted.
type Failure struct {
	Category     syncerr.Category
	Message      string
	Endpoint     string
	StatusCode   int
	ActualSHA256 string
	// MirrorURI is set when the mismatch policy wrote the bytes at their
	// actual-hash location anyway.
	MirrorURI string
}

// Store is the patch_blobs contract.
type Store interface {
	// Ensure inserts the blob row if its (source_type, source_id, sha256)
	// tuple is new. Returns the blob id and whether a row was created.
	Ensure(ctx context.Context, b *types.PatchBlob) (int64, bool, error)

	// Get returns the blob by id, or nil when absent.
	Get(ctx context.Context, blobID int64) (*types.PatchBlob, error)

	// GetBySHA256 returns the blob with the given content hash, or nil.
	GetBySHA256(ctx context.Context, sha256 string) (*types.PatchBlob, error)

	// GetBySource returns the blob for (source_type, source_id), or nil. When
	// several hashes exist for the pair the newest row wins.
	GetBySource(ctx context.Context, t types.SourceType, sourceID string) (*types.PatchBlob, error)

	// ClaimCandidates picks up to BatchSize blobs that still need
	// materialization, marks each in_progress and bumps its attempt counter.
	// Concurrent claimers never receive the same row; a row stuck in_progress
	// past StaleAfter is treated as abandoned and handed out again.
	ClaimCandidates(ctx context.Context, req CandidateRequest) ([]*types.PatchBlob, error)

	// MarkDone finalizes the row with the stored hash and location. The write
	// is conditional on the row's sha256 still being expectedSHA256 (the value
	// read at claim time, possibly empty); ErrStale otherwise.
	MarkDone(ctx context.Context, blobID int64, expectedSHA256, sha256, uri, evidenceURI string, sizeBytes int64) error

	// MarkFailed records a failed attempt. The row returns to failed and
	// stays claimable while attempts < max.
	MarkFailed(ctx context.Context, blobID int64, f Failure) error
}
