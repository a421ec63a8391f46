// Package kvstore provides the generic (namespace, key) -> JSON store backed
// by the kv table, plus typed wrappers for the record types the sync engine
// keeps there. Each namespace has exactly one codec; values are never decoded
// across namespaces.
package kvstore

import (
	"context"
	"encoding/json"
	"fmt"

	"go.engram.dev/scm/scmsync/go/types"
)

// Namespaces used by the sync engine.
const (
	// NamespaceSync holds sync cursors.
	NamespaceSync = "scm.sync"
	// NamespaceSyncHealth holds circuit-breaker states.
	NamespaceSyncHealth = "scm.sync_health"
	// NamespaceSyncPause holds pause records.
	NamespaceSyncPause = "scm.sync_pause"
)

// Store is the generic KV interface. Writers are last-writer-wins; readers
// tolerate staleness.
type Store interface {
	// Get returns the raw JSON value, or ok=false when the key is absent.
	Get(ctx context.Context, namespace, key string) (json.RawMessage, bool, error)
	// Put upserts the value, which must be JSON-marshalable.
	Put(ctx context.Context, namespace, key string, value interface{}) error
	// Delete removes the key. Deleting an absent key is not an error.
	Delete(ctx context.Context, namespace, key string) error
	// List returns all keys and raw values in a namespace.
	List(ctx context.Context, namespace string) (map[string]json.RawMessage, error)
}

// CursorKey returns the kv key under which the cursor for the given
// (repo, job_type) lives.
func CursorKey(repoID int64, jobType types.JobType) string {
	switch jobType {
	case types.JobTypeGitLabCommits:
		return fmt.Sprintf("gitlab_cursor:%d", repoID)
	case types.JobTypeGitLabMRs:
		return fmt.Sprintf("gitlab_mr_cursor:%d", repoID)
	case types.JobTypeGitLabReviews:
		return fmt.Sprintf("gitlab_review_cursor:%d", repoID)
	case types.JobTypeSVN:
		return fmt.Sprintf("svn_cursor:%d", repoID)
	}
	return fmt.Sprintf("cursor:%d:%s", repoID, jobType)
}

// Cursors is the typed codec for NamespaceSync.
type Cursors struct {
	kv Store
}

// NewCursors returns a cursor store over the given KV store.
func NewCursors(kv Store) *Cursors {
	return &Cursors{kv: kv}
}

// Get returns the cursor for the pair, or a zero cursor when none is stored.
func (c *Cursors) Get(ctx context.Context, repoID int64, jobType types.JobType) (types.Cursor, error) {
	raw, ok, err := c.kv.Get(ctx, NamespaceSync, CursorKey(repoID, jobType))
	if err != nil || !ok {
		return types.Cursor{}, err
	}
	var cur types.Cursor
	if err := json.Unmarshal(raw, &cur); err != nil {
		return types.Cursor{}, err
	}
	return cur, nil
}

// Put persists the cursor. Monotonicity is the caller's concern; see
// runner.AdvanceWatermark.
func (c *Cursors) Put(ctx context.Context, repoID int64, jobType types.JobType, cur types.Cursor) error {
	return c.kv.Put(ctx, NamespaceSync, CursorKey(repoID, jobType), cur)
}
