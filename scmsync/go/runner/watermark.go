package runner

import (
	"context"
	"fmt"

	"go.engram.dev/scm/scmsync/go/types"
)

// WatermarkConstraintError reports a cursor regression. The stored cursor is
// left untouched when this is returned.
type WatermarkConstraintError struct {
	RepoID  int64
	JobType types.JobType
	Before  types.Cursor
	After   types.Cursor
}

// Error implements error.
func (e *WatermarkConstraintError) Error() string {
	return fmt.Sprintf("watermark regression on repo %d %s: %s would move behind %s",
		e.RepoID, e.JobType, describeCursor(e.After), describeCursor(e.Before))
}

func describeCursor(c types.Cursor) string {
	switch {
	case c.Rev != 0:
		return fmt.Sprintf("rev %d", c.Rev)
	case c.Timestamp != nil:
		return "ts " + c.Timestamp.UTC().Format("2006-01-02T15:04:05Z")
	case c.CommitSHA != "":
		return "sha " + c.CommitSHA
	}
	return "empty"
}

// AdvanceWatermark persists the cursor for the pair after checking
// monotonicity: the new revision or timestamp must not move backwards. Commit
// SHAs carry no order and pass unchecked. A zero cursor is a no-op.
func (r *Runner) AdvanceWatermark(ctx context.Context, repoID int64, jobType types.JobType, after types.Cursor) error {
	if after.IsZero() {
		return nil
	}
	before, err := r.cursors.Get(ctx, repoID, jobType)
	if err != nil {
		return err
	}
	if regresses(before, after) {
		return &WatermarkConstraintError{RepoID: repoID, JobType: jobType, Before: before, After: after}
	}
	return r.cursors.Put(ctx, repoID, jobType, after)
}

func regresses(before, after types.Cursor) bool {
	if after.Rev != 0 && before.Rev != 0 && after.Rev < before.Rev {
		return true
	}
	if after.Timestamp != nil && before.Timestamp != nil && after.Timestamp.Before(*before.Timestamp) {
		return true
	}
	return false
}
