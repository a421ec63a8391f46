package artifacts

import (
	"bytes"
	"context"
	"io"
	"sync"

	"go.engram.dev/scm/go/emerr"
)

// MemoryStore is an in-memory Store for tests. URIs are normalized relative
// paths; the overwrite policy is honored like the local backend's.
type MemoryStore struct {
	mtx     sync.Mutex
	policy  OverwritePolicy
	maxSize int64
	objects map[string][]byte
}

// NewMemoryStore returns an empty in-memory artifact store.
func NewMemoryStore(policy OverwritePolicy) *MemoryStore {
	if policy == "" {
		policy = OverwriteAllow
	}
	return &MemoryStore{policy: policy, objects: map[string][]byte{}}
}

// SetMaxSize caps artifact size, zero for unlimited.
func (m *MemoryStore) SetMaxSize(n int64) { m.maxSize = n }

var _ Store = (*MemoryStore)(nil)

// Put implements Store.
func (m *MemoryStore) Put(_ context.Context, uri string, r io.Reader) (Info, error) {
	key, err := NormalizePath(uri)
	if err != nil {
		return Info{}, err
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return Info{}, emerr.Wrap(err)
	}
	if m.maxSize > 0 && int64(len(b)) > m.maxSize {
		return Info{}, ErrTooLarge
	}
	sha := HashBytes(b)
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if existing, ok := m.objects[key]; ok {
		switch m.policy {
		case OverwriteDeny:
			return Info{}, ErrOverwriteDenied
		case OverwriteAllowSameHash:
			if HashBytes(existing) != sha {
				return Info{}, ErrHashMismatch
			}
			return Info{URI: key, SHA256: sha, Size: int64(len(existing))}, nil
		}
	}
	m.objects[key] = append([]byte(nil), b...)
	return Info{URI: key, SHA256: sha, Size: int64(len(b))}, nil
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, uri string) ([]byte, error) {
	key, err := NormalizePath(uri)
	if err != nil {
		return nil, err
	}
	m.mtx.Lock()
	defer m.mtx.Unlock()
	b, ok := m.objects[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), b...), nil
}

// GetStream implements Store.
func (m *MemoryStore) GetStream(ctx context.Context, uri string) (io.ReadCloser, error) {
	b, err := m.Get(ctx, uri)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

// GetInfo implements Store.
func (m *MemoryStore) GetInfo(ctx context.Context, uri string) (Info, error) {
	b, err := m.Get(ctx, uri)
	if err != nil {
		return Info{}, err
	}
	key, _ := NormalizePath(uri)
	return Info{URI: key, SHA256: HashBytes(b), Size: int64(len(b))}, nil
}

// Exists implements Store.
func (m *MemoryStore) Exists(ctx context.Context, uri string) (bool, error) {
	key, err := NormalizePath(uri)
	if err != nil {
		return false, err
	}
	m.mtx.Lock()
	defer m.mtx.Unlock()
	_, ok := m.objects[key]
	return ok, nil
}

// Resolve implements Store.
func (m *MemoryStore) Resolve(uri string) (string, error) {
	return NormalizePath(uri)
}
