package worker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"go.engram.dev/scm/scmsync/go/syncerr"
	"go.engram.dev/scm/scmsync/go/types"
)

func TestDispatch_UnknownJobType(t *testing.T) {
	e := NewExecutor()
	res := e.Dispatch(context.Background(), &types.Job{ID: "j1", Type: "no_such_type"})
	require.False(t, res.Success)
	require.Equal(t, syncerr.CategoryUnknownJobType, res.Category)
}

func TestDispatch_ValidatesHandlerResult(t *testing.T) {
	e := NewExecutor()
	e.Register(types.JobTypeSVN, func(ctx context.Context, job *types.Job) syncerr.Result {
		// Violates the contract: a failure with neither error nor category.
		return syncerr.Result{Success: false}
	})
	res := e.Dispatch(context.Background(), &types.Job{ID: "j1", Type: types.JobTypeSVN})
	require.False(t, res.Success)
	require.Equal(t, syncerr.CategoryContractError, res.Category)
}

func TestDispatch_ReplacesPreviousHandler(t *testing.T) {
	e := NewExecutor()
	e.Register(types.JobTypeSVN, func(ctx context.Context, job *types.Job) syncerr.Result {
		return syncerr.Failed(syncerr.New(syncerr.CategoryTimeout, "old"))
	})
	e.Register(types.JobTypeSVN, func(ctx context.Context, job *types.Job) syncerr.Result {
		return syncerr.OK(nil)
	})
	res := e.Dispatch(context.Background(), &types.Job{ID: "j1", Type: types.JobTypeSVN})
	require.True(t, res.Success)
}
