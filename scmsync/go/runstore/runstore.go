// Package runstore records sync_runs rows: one per execution attempt,
// append-only. A run opens when a worker begins executing a job and closes
// with a validated finish payload.
package runstore

import (
	"context"
	"time"

	"go.engram.dev/scm/scmsync/go/syncerr"
	"go.engram.dev/scm/scmsync/go/types"
)

// FinishPayload closes a run. It is validated before it touches the database.
type FinishPayload struct {
	Status       types.RunStatus
	CursorAfter  types.Cursor
	Counts       map[string]int64
	ErrorSummary *types.ErrorSummary
	Degradation  map[string]interface{}
}

// Validate enforces the run-finish contract:
//   - Status is required and must be a member of the enum.
//   - A failed run must carry an error summary with at least a category.
//   - Counts must be non-negative.
//
// Returns nil on success.
func (p *FinishPayload) Validate() error {
	if !p.Status.Valid() || p.Status == types.RunStatusRunning {
		return syncerr.New(syncerr.CategoryContractError, "invalid finish status %q", string(p.Status))
	}
	if p.Status == types.RunStatusFailed {
		if p.ErrorSummary == nil || p.ErrorSummary.Category == "" {
			return syncerr.New(syncerr.CategoryContractError, "failed run requires error_summary.error_category")
		}
	}
	for k, v := range p.Counts {
		if v < 0 {
			return syncerr.New(syncerr.CategoryContractError, "negative count %s=%d", k, v)
		}
	}
	return nil
}

// Coerce returns the payload to actually persist: the payload itself when
// valid, otherwise a failed/contract_error payload describing the violation.
// A buggy handler therefore still produces a well-formed run row.
func (p *FinishPayload) Coerce() FinishPayload {
	err := p.Validate()
	if err == nil {
		return *p
	}
	return FinishPayload{
		Status: types.RunStatusFailed,
		ErrorSummary: &types.ErrorSummary{
			Category: syncerr.CategoryContractError,
			Message:  err.Error(),
		},
	}
}

// Store is the sync_runs contract.
type Store interface {
	// Start opens a run row with status running.
	Start(ctx context.Context, run *types.Run) error

	// Finish closes the run. The payload is coerced through Validate first.
	Finish(ctx context.Context, runID string, p FinishPayload) error

	// Get returns the run by id, or nil when absent.
	Get(ctx context.Context, runID string) (*types.Run, error)

	// Recent returns the most recent runs for the pair, newest first. A zero
	// jobType matches all types for the repo.
	Recent(ctx context.Context, repoID int64, jobType types.JobType, limit int) ([]*types.Run, error)

	// FailTimedOut force-fails running runs that started before the deadline,
	// writing a synthesized error summary. Returns the number of runs failed.
	// Bounded by limit and idempotent.
	FailTimedOut(ctx context.Context, startedBefore time.Time, limit int) (int, error)
}
