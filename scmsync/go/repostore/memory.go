package repostore

import (
	"context"
	"sync"

	"go.engram.dev/scm/scmsync/go/types"
)

type svnKey struct {
	repoID int64
	rev    int64
}

type gitKey struct {
	repoID int64
	sha    string
}

type eventKey struct {
	mrID    string
	eventID string
}

// MemoryStore is an in-memory Store for tests.
type MemoryStore struct {
	mtx       sync.Mutex
	nextRepo  int64
	repos     map[int64]*types.Repo
	revisions map[svnKey]*types.SVNRevision
	commits   map[gitKey]*types.GitCommit
	mrs       map[string]*types.MergeRequest
	events    map[eventKey]*types.ReviewEvent
}

// NewMemoryStore returns an empty in-memory repo store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nextRepo:  1,
		repos:     map[int64]*types.Repo{},
		revisions: map[svnKey]*types.SVNRevision{},
		commits:   map[gitKey]*types.GitCommit{},
		mrs:       map[string]*types.MergeRequest{},
		events:    map[eventKey]*types.ReviewEvent{},
	}
}

var _ Store = (*MemoryStore)(nil)

// UpsertRepo implements Store.
func (m *MemoryStore) UpsertRepo(_ context.Context, r *types.Repo) (int64, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	for _, existing := range m.repos {
		if existing.Type == r.Type && existing.URL == r.URL {
			existing.ProjectKey = r.ProjectKey
			existing.DefaultBranch = r.DefaultBranch
			return existing.ID, nil
		}
	}
	cp := *r
	cp.ID = m.nextRepo
	m.nextRepo++
	m.repos[cp.ID] = &cp
	return cp.ID, nil
}

// GetRepo implements Store.
func (m *MemoryStore) GetRepo(_ context.Context, repoID int64) (*types.Repo, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	r, ok := m.repos[repoID]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

// GetRepoByURL implements Store.
func (m *MemoryStore) GetRepoByURL(_ context.Context, t types.RepoType, url string) (*types.Repo, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	for _, r := range m.repos {
		if r.Type == t && r.URL == url {
			cp := *r
			return &cp, nil
		}
	}
	return nil, nil
}

// UpsertSVNRevision implements Store.
func (m *MemoryStore) UpsertSVNRevision(_ context.Context, rev *types.SVNRevision) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	cp := *rev
	m.revisions[svnKey{rev.RepoID, rev.Rev}] = &cp
	return nil
}

// GetSVNRevision implements Store.
func (m *MemoryStore) GetSVNRevision(_ context.Context, repoID, revNum int64) (*types.SVNRevision, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	r, ok := m.revisions[svnKey{repoID, revNum}]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

// UpsertGitCommit implements Store.
func (m *MemoryStore) UpsertGitCommit(_ context.Context, c *types.GitCommit) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	cp := *c
	m.commits[gitKey{c.RepoID, c.SHA}] = &cp
	return nil
}

// GetGitCommit implements Store.
func (m *MemoryStore) GetGitCommit(_ context.Context, repoID int64, sha string) (*types.GitCommit, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	c, ok := m.commits[gitKey{repoID, sha}]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

// UpsertMergeRequest implements Store.
func (m *MemoryStore) UpsertMergeRequest(_ context.Context, mr *types.MergeRequest) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	cp := *mr
	m.mrs[mr.ID] = &cp
	return nil
}

// InsertReviewEvent implements Store.
func (m *MemoryStore) InsertReviewEvent(_ context.Context, ev *types.ReviewEvent) (bool, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	k := eventKey{ev.MRID, ev.SourceEventID}
	if _, ok := m.events[k]; ok {
		return false, nil
	}
	cp := *ev
	m.events[k] = &cp
	return true, nil
}
