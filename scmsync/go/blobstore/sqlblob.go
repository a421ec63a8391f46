package blobstore

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"go.engram.dev/scm/go/emerr"
	"go.engram.dev/scm/go/redact"
	"go.engram.dev/scm/go/sqlpool"
	"go.engram.dev/scm/scmsync/go/types"
)

const blobColumns = `blob_id, source_type, source_id, sha256, size_bytes, format,
	uri, evidence_uri, meta_json, created_at, updated_at`

const ensureStmt = `
INSERT INTO patch_blobs (source_type, source_id, sha256, size_bytes, format,
	uri, evidence_uri, meta_json)
VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8)
ON CONFLICT (source_type, source_id, sha256) DO NOTHING
RETURNING blob_id`

// markDoneStmt carries the optimistic-lock clause on sha256 so two
// materializers racing on the same row cannot cross-write.
const markDoneStmt = `
UPDATE patch_blobs SET
	uri = $2,
	sha256 = $3,
	size_bytes = $4,
	evidence_uri = $5,
	meta_json = (meta_json - 'last_error' - 'error_category') || jsonb_build_object(
		'materialize_status', 'done',
		'materialized_at', to_jsonb(now()),
		'evidence_uri', $5::text),
	updated_at = now()
WHERE blob_id = $1 AND sha256 = $6`

const markFailedStmt = `
UPDATE patch_blobs SET
	meta_json = meta_json || $2::jsonb,
	updated_at = now()
WHERE blob_id = $1`

// SQLStore implements Store on Postgres.
type SQLStore struct {
	db sqlpool.Pool
}

// NewSQLStore returns a Store over the patch_blobs table.
func NewSQLStore(db sqlpool.Pool) *SQLStore {
	return &SQLStore{db: db}
}

var _ Store = (*SQLStore)(nil)

// Ensure implements Store.
func (s *SQLStore) Ensure(ctx context.Context, b *types.PatchBlob) (int64, bool, error) {
	meta := b.Meta
	if meta.MaterializeStatus == "" {
		meta.MaterializeStatus = types.MaterializePending
	}
	metaRaw, err := json.Marshal(&meta)
	if err != nil {
		return 0, false, emerr.Wrap(err)
	}
	var id int64
	err = s.db.QueryRow(ctx, ensureStmt, string(b.SourceType), b.SourceID,
		b.SHA256, b.SizeBytes, string(b.Format), b.URI, b.EvidenceURI, metaRaw).Scan(&id)
	if err == nil {
		return id, true, nil
	}
	if !sqlpool.IsNoRows(err) {
		return 0, false, sqlpool.WrappedError(err)
	}
	// Conflict: the tuple already exists. Fetch the surviving row's id.
	err = s.db.QueryRow(ctx,
		`SELECT blob_id FROM patch_blobs WHERE source_type = $1 AND source_id = $2 AND sha256 = $3`,
		string(b.SourceType), b.SourceID, b.SHA256).Scan(&id)
	if err != nil {
		return 0, false, sqlpool.WrappedError(err)
	}
	return id, false, nil
}

// Get implements Store.
func (s *SQLStore) Get(ctx context.Context, blobID int64) (*types.PatchBlob, error) {
	return s.getOne(ctx, `SELECT `+blobColumns+` FROM patch_blobs WHERE blob_id = $1`, blobID)
}

// GetBySHA256 implements Store.
func (s *SQLStore) GetBySHA256(ctx context.Context, sha256 string) (*types.PatchBlob, error) {
	return s.getOne(ctx,
		`SELECT `+blobColumns+` FROM patch_blobs WHERE sha256 = $1 ORDER BY blob_id DESC LIMIT 1`,
		sha256)
}

// GetBySource implements Store.
func (s *SQLStore) GetBySource(ctx context.Context, t types.SourceType, sourceID string) (*types.PatchBlob, error) {
	return s.getOne(ctx,
		`SELECT `+blobColumns+` FROM patch_blobs WHERE source_type = $1 AND source_id = $2 ORDER BY blob_id DESC LIMIT 1`,
		string(t), sourceID)
}

func (s *SQLStore) getOne(ctx context.Context, stmt string, args ...interface{}) (*types.PatchBlob, error) {
	b, err := scanBlob(s.db.QueryRow(ctx, stmt, args...))
	if err != nil {
		if sqlpool.IsNoRows(err) {
			return nil, nil
		}
		return nil, sqlpool.WrappedError(err)
	}
	return b, nil
}

// ClaimCandidates implements Store. One CTE selects candidates under
// FOR UPDATE SKIP LOCKED and flips them to in_progress in the same statement.
func (s *SQLStore) ClaimCandidates(ctx context.Context, req CandidateRequest) ([]*types.PatchBlob, error) {
	req = req.withDefaults()
	var b strings.Builder
	args := []interface{}{req.MaxAttempts, int(req.StaleAfter.Seconds())}
	b.WriteString(`
WITH c AS (
	SELECT blob_id FROM patch_blobs
	WHERE (uri IS NULL OR uri = ''
		OR meta_json->>'materialize_status' = 'pending'`)
	if req.IncludeFailed {
		b.WriteString(`
		OR meta_json->>'materialize_status' = 'failed'`)
	}
	b.WriteString(`)
	AND COALESCE(meta_json->>'materialize_status', 'pending') <> 'done'
	AND (meta_json->>'materialize_status' IS DISTINCT FROM 'in_progress'
		OR COALESCE((meta_json->>'last_attempt_at')::timestamptz, '-infinity') < now() - $2 * interval '1 second')
	AND COALESCE((meta_json->>'attempts')::int, 0) < $1`)
	if req.SourceType != "" {
		args = append(args, string(req.SourceType))
		b.WriteString(`
	AND source_type = $` + strconv.Itoa(len(args)))
	}
	if req.BlobID != 0 {
		args = append(args, req.BlobID)
		b.WriteString(`
	AND blob_id = $` + strconv.Itoa(len(args)))
	}
	args = append(args, req.BatchSize)
	b.WriteString(`
	ORDER BY blob_id
	LIMIT $` + strconv.Itoa(len(args)) + `
	FOR UPDATE SKIP LOCKED
)
UPDATE patch_blobs SET
	meta_json = patch_blobs.meta_json || jsonb_build_object(
		'materialize_status', 'in_progress',
		'attempts', COALESCE((patch_blobs.meta_json->>'attempts')::int, 0) + 1,
		'last_attempt_at', to_jsonb(now())),
	updated_at = now()
FROM c WHERE patch_blobs.blob_id = c.blob_id
RETURNING ` + strings.ReplaceAll(blobColumns, "blob_id", "patch_blobs.blob_id"))

	rows, err := s.db.Query(ctx, b.String(), args...)
	if err != nil {
		return nil, sqlpool.WrappedError(err)
	}
	defer rows.Close()
	var out []*types.PatchBlob
	for rows.Next() {
		blob, err := scanBlob(rows)
		if err != nil {
			return nil, sqlpool.WrappedError(err)
		}
		out = append(out, blob)
	}
	return out, sqlpool.WrappedError(rows.Err())
}

// MarkDone implements Store.
func (s *SQLStore) MarkDone(ctx context.Context, blobID int64, expectedSHA256, sha256, uri, evidenceURI string, sizeBytes int64) error {
	tag, err := s.db.Exec(ctx, markDoneStmt, blobID, uri, sha256,
		sizeBytes, evidenceURI, expectedSHA256)
	if err != nil {
		return sqlpool.WrappedError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStale
	}
	return nil
}

// MarkFailed implements Store.
func (s *SQLStore) MarkFailed(ctx context.Context, blobID int64, f Failure) error {
	patch, err := json.Marshal(failurePatch(f, time.Now().UTC()))
	if err != nil {
		return emerr.Wrap(err)
	}
	tag, err := s.db.Exec(ctx, markFailedStmt, blobID, patch)
	if err != nil {
		return sqlpool.WrappedError(err)
	}
	if tag.RowsAffected() == 0 {
		return emerr.Fmt("blob %d not found", blobID)
	}
	return nil
}

// failurePatch builds the meta_json fragment for a failed attempt. Error
// strings are redacted here so no caller can bypass it.
func failurePatch(f Failure, at time.Time) map[string]interface{} {
	patch := map[string]interface{}{
		"materialize_status": string(types.MaterializeFailed),
		"last_error":         redact.Redact(f.Message),
		"error_category":     string(f.Category),
	}
	if f.Endpoint != "" {
		patch["last_endpoint"] = redact.Redact(f.Endpoint)
	}
	if f.StatusCode != 0 {
		patch["last_status_code"] = f.StatusCode
	}
	if f.ActualSHA256 != "" {
		patch["actual_sha256"] = f.ActualSHA256
	}
	if f.MirrorURI != "" {
		patch["mirror_uri"] = f.MirrorURI
		patch["mirrored_at"] = at
	}
	return patch
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanBlob(row rowScanner) (*types.PatchBlob, error) {
	var b types.PatchBlob
	var uri *string
	var meta []byte
	err := row.Scan(&b.ID, &b.SourceType, &b.SourceID, &b.SHA256, &b.SizeBytes,
		&b.Format, &uri, &b.EvidenceURI, &meta, &b.Created, &b.Updated)
	if err != nil {
		return nil, err
	}
	if uri != nil {
		b.URI = *uri
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &b.Meta); err != nil {
			return nil, emerr.Wrap(err)
		}
	}
	return &b, nil
}
