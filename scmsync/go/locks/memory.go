package locks

import (
	"context"
	"sync"
	"time"

	"go.engram.dev/scm/go/now"
	"go.engram.dev/scm/scmsync/go/types"
)

type lockKey struct {
	repoID  int64
	jobType types.JobType
}

type lockRow struct {
	lockedBy string
	lockedAt time.Time
	lease    time.Duration
}

// MemoryStore is an in-memory Store for tests. Honors now.Now(ctx).
type MemoryStore struct {
	mtx   sync.Mutex
	locks map[lockKey]*lockRow
}

// NewMemoryStore returns an empty in-memory lock store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{locks: map[lockKey]*lockRow{}}
}

var _ Store = (*MemoryStore)(nil)

// Acquire implements Store.
func (m *MemoryStore) Acquire(ctx context.Context, repoID int64, jobType types.JobType, owner string, lease time.Duration) (bool, error) {
	if lease <= 0 {
		lease = DefaultLeaseSeconds * time.Second
	}
	ts := now.Now(ctx)
	m.mtx.Lock()
	defer m.mtx.Unlock()
	k := lockKey{repoID, jobType}
	row, ok := m.locks[k]
	if ok && row.lockedBy != "" && row.lockedBy != owner &&
		row.lockedAt.Add(row.lease).After(ts) {
		return false, nil
	}
	m.locks[k] = &lockRow{lockedBy: owner, lockedAt: ts, lease: lease}
	return true, nil
}

// Release implements Store.
func (m *MemoryStore) Release(_ context.Context, repoID int64, jobType types.JobType, owner string) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	k := lockKey{repoID, jobType}
	if row, ok := m.locks[k]; ok && row.lockedBy == owner {
		row.lockedBy = ""
		row.lockedAt = time.Time{}
	}
	return nil
}

// ExpireStale implements Store.
func (m *MemoryStore) ExpireStale(_ context.Context, cutoff time.Time) (int, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	n := 0
	for _, row := range m.locks {
		if row.lockedBy != "" && row.lockedAt.Add(row.lease).Before(cutoff) {
			row.lockedBy = ""
			row.lockedAt = time.Time{}
			n++
		}
	}
	return n, nil
}
