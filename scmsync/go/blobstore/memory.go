package blobstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.engram.dev/scm/go/now"
	"go.engram.dev/scm/go/redact"
	"go.engram.dev/scm/scmsync/go/types"
)

// MemoryStore is an in-memory Store for tests. Honors now.Now(ctx).
type MemoryStore struct {
	mtx    sync.Mutex
	nextID int64
	blobs  map[int64]*types.PatchBlob
}

// NewMemoryStore returns an empty in-memory blob store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{nextID: 1, blobs: map[int64]*types.PatchBlob{}}
}

var _ Store = (*MemoryStore)(nil)

// Ensure implements Store.
func (m *MemoryStore) Ensure(ctx context.Context, b *types.PatchBlob) (int64, bool, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	for _, existing := range m.blobs {
		if existing.SourceType == b.SourceType && existing.SourceID == b.SourceID && existing.SHA256 == b.SHA256 {
			return existing.ID, false, nil
		}
	}
	cp := b.Copy()
	cp.ID = m.nextID
	m.nextID++
	if cp.Meta.MaterializeStatus == "" {
		cp.Meta.MaterializeStatus = types.MaterializePending
	}
	ts := now.Now(ctx)
	cp.Created = ts
	cp.Updated = ts
	m.blobs[cp.ID] = cp
	return cp.ID, true, nil
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, blobID int64) (*types.PatchBlob, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	b, ok := m.blobs[blobID]
	if !ok {
		return nil, nil
	}
	return b.Copy(), nil
}

// GetBySHA256 implements Store.
func (m *MemoryStore) GetBySHA256(_ context.Context, sha256 string) (*types.PatchBlob, error) {
	return m.find(func(b *types.PatchBlob) bool { return b.SHA256 == sha256 })
}

// GetBySource implements Store.
func (m *MemoryStore) GetBySource(_ context.Context, t types.SourceType, sourceID string) (*types.PatchBlob, error) {
	return m.find(func(b *types.PatchBlob) bool {
		return b.SourceType == t && b.SourceID == sourceID
	})
}

func (m *MemoryStore) find(match func(*types.PatchBlob) bool) (*types.PatchBlob, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	var best *types.PatchBlob
	for _, b := range m.blobs {
		if match(b) && (best == nil || b.ID > best.ID) {
			best = b
		}
	}
	if best == nil {
		return nil, nil
	}
	return best.Copy(), nil
}

// ClaimCandidates implements Store.
func (m *MemoryStore) ClaimCandidates(ctx context.Context, req CandidateRequest) ([]*types.PatchBlob, error) {
	req = req.withDefaults()
	m.mtx.Lock()
	defer m.mtx.Unlock()
	ts := now.Now(ctx)
	var candidates []*types.PatchBlob
	for _, b := range m.blobs {
		if !m.claimable(b, req, ts) {
			continue
		}
		candidates = append(candidates, b)
	}
	sort.Slice(candidates, func(a, b int) bool { return candidates[a].ID < candidates[b].ID })
	if len(candidates) > req.BatchSize {
		candidates = candidates[:req.BatchSize]
	}
	out := make([]*types.PatchBlob, 0, len(candidates))
	for _, b := range candidates {
		b.Meta.MaterializeStatus = types.MaterializeInProgress
		b.Meta.Attempts++
		at := ts
		b.Meta.LastAttemptAt = &at
		b.Updated = ts
		out = append(out, b.Copy())
	}
	return out, nil
}

func (m *MemoryStore) claimable(b *types.PatchBlob, req CandidateRequest, ts time.Time) bool {
	status := b.Meta.MaterializeStatus
	if status == "" {
		status = types.MaterializePending
	}
	needsWork := b.URI == "" || status == types.MaterializePending
	if req.IncludeFailed && status == types.MaterializeFailed {
		needsWork = true
	}
	if !needsWork || status == types.MaterializeDone {
		return false
	}
	if status == types.MaterializeInProgress {
		// A live claim holds the row; only an abandoned one is handed out again.
		if b.Meta.LastAttemptAt == nil || ts.Sub(*b.Meta.LastAttemptAt) < req.StaleAfter {
			return false
		}
	}
	if b.Meta.Attempts >= req.MaxAttempts {
		return false
	}
	if req.SourceType != "" && b.SourceType != req.SourceType {
		return false
	}
	if req.BlobID != 0 && b.ID != req.BlobID {
		return false
	}
	return true
}

// MarkDone implements Store.
func (m *MemoryStore) MarkDone(ctx context.Context, blobID int64, expectedSHA256, sha256, uri, evidenceURI string, sizeBytes int64) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	b, ok := m.blobs[blobID]
	if !ok || b.SHA256 != expectedSHA256 {
		return ErrStale
	}
	ts := now.Now(ctx)
	b.SHA256 = sha256
	b.URI = uri
	b.SizeBytes = sizeBytes
	b.EvidenceURI = evidenceURI
	b.Meta.MaterializeStatus = types.MaterializeDone
	at := ts
	b.Meta.MaterializedAt = &at
	b.Meta.EvidenceURI = evidenceURI
	b.Meta.LastError = ""
	b.Meta.ErrorCategory = ""
	b.Updated = ts
	return nil
}

// MarkFailed implements Store.
func (m *MemoryStore) MarkFailed(ctx context.Context, blobID int64, f Failure) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	b, ok := m.blobs[blobID]
	if !ok {
		return ErrStale
	}
	ts := now.Now(ctx)
	b.Meta.MaterializeStatus = types.MaterializeFailed
	b.Meta.LastError = redact.Redact(f.Message)
	b.Meta.ErrorCategory = string(f.Category)
	if f.Endpoint != "" {
		b.Meta.LastEndpoint = redact.Redact(f.Endpoint)
	}
	if f.StatusCode != 0 {
		b.Meta.LastStatusCode = f.StatusCode
	}
	if f.ActualSHA256 != "" {
		b.Meta.ActualSHA256 = f.ActualSHA256
	}
	if f.MirrorURI != "" {
		b.Meta.MirrorURI = f.MirrorURI
		at := ts
		b.Meta.MirroredAt = &at
	}
	b.Updated = ts
	return nil
}
