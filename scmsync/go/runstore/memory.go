package runstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.engram.dev/scm/go/emerr"
	"go.engram.dev/scm/go/now"
	"go.engram.dev/scm/go/redact"
	"go.engram.dev/scm/scmsync/go/syncerr"
	"go.engram.dev/scm/scmsync/go/types"
)

// MemoryStore is an in-memory Store for tests. Honors now.Now(ctx).
type MemoryStore struct {
	mtx  sync.Mutex
	runs map[string]*types.Run
}

// NewMemoryStore returns an empty in-memory run store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: map[string]*types.Run{}}
}

var _ Store = (*MemoryStore)(nil)

// Start implements Store.
func (m *MemoryStore) Start(ctx context.Context, run *types.Run) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if _, ok := m.runs[run.ID]; ok {
		return emerr.Fmt("run %s already exists", run.ID)
	}
	cp := *run
	if cp.StartedAt.IsZero() {
		cp.StartedAt = now.Now(ctx)
	}
	cp.Status = types.RunStatusRunning
	m.runs[run.ID] = &cp
	return nil
}

// Finish implements Store.
func (m *MemoryStore) Finish(ctx context.Context, runID string, p FinishPayload) error {
	p = p.Coerce()
	m.mtx.Lock()
	defer m.mtx.Unlock()
	r, ok := m.runs[runID]
	if !ok || r.Status != types.RunStatusRunning {
		return emerr.Fmt("run %s is not open", runID)
	}
	r.Status = p.Status
	r.FinishedAt = now.Now(ctx)
	r.CursorAfter = p.CursorAfter
	r.Counts = p.Counts
	if p.ErrorSummary != nil {
		redacted := *p.ErrorSummary
		redacted.Message = redact.Redact(redacted.Message)
		redacted.Context = redact.Map(redacted.Context)
		r.ErrorSummary = &redacted
	}
	r.Degradation = p.Degradation
	return nil
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, runID string) (*types.Run, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

// Recent implements Store.
func (m *MemoryStore) Recent(_ context.Context, repoID int64, jobType types.JobType, limit int) ([]*types.Run, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	var out []*types.Run
	for _, r := range m.runs {
		if r.RepoID != repoID {
			continue
		}
		if jobType != "" && r.JobType != jobType {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].StartedAt.After(out[b].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// FailTimedOut implements Store.
func (m *MemoryStore) FailTimedOut(ctx context.Context, startedBefore time.Time, limit int) (int, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	var stale []*types.Run
	for _, r := range m.runs {
		if r.Status == types.RunStatusRunning && r.StartedAt.Before(startedBefore) {
			stale = append(stale, r)
		}
	}
	sort.Slice(stale, func(a, b int) bool { return stale[a].StartedAt.Before(stale[b].StartedAt) })
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	for _, r := range stale {
		r.Status = types.RunStatusFailed
		r.FinishedAt = now.Now(ctx)
		r.ErrorSummary = &types.ErrorSummary{
			Category: syncerr.CategoryTimeout,
			Message:  "run exceeded max duration; failed by reaper",
		}
	}
	return len(stale), nil
}
