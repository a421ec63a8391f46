package worker

import (
	"context"
	"runtime/debug"

	"go.engram.dev/scm/go/emlog"
	"go.engram.dev/scm/scmsync/go/syncerr"
	"go.engram.dev/scm/scmsync/go/types"
)

// Handler executes one job and returns its structured result. Handlers should
// return failures as Results; panics and raised errors are caught and
// classified by the executor.
type Handler func(ctx context.Context, job *types.Job) syncerr.Result

// Executor dispatches jobs over the closed job-type set.
type Executor struct {
	handlers map[types.JobType]Handler
}

// NewExecutor returns an empty executor.
func NewExecutor() *Executor {
	return &Executor{handlers: map[types.JobType]Handler{}}
}

// Register binds a handler to a job type, replacing any previous binding.
func (e *Executor) Register(t types.JobType, h Handler) {
	e.handlers[t] = h
}

// Dispatch runs the job's handler and validates the result contract. An
// unknown job type yields unknown_job_type; a known type with no handler
// yields contract_error; a panicking handler yields a classified failure.
func (e *Executor) Dispatch(ctx context.Context, job *types.Job) (res syncerr.Result) {
	defer func() {
		if r := recover(); r != nil {
			emlog.Errorf("handler for job %s panicked: %v\n%s", job.ID, r, debug.Stack())
			res = syncerr.Result{
				Success:  false,
				Error:    "handler panicked",
				Category: syncerr.CategoryException,
			}
		}
	}()
	if !job.Type.Valid() {
		return syncerr.Result{
			Success:  false,
			Error:    "unknown job type " + string(job.Type),
			Category: syncerr.CategoryUnknownJobType,
		}
	}
	h, ok := e.handlers[job.Type]
	if !ok {
		return syncerr.Result{
			Success:  false,
			Error:    "no handler registered for job type " + string(job.Type),
			Category: syncerr.CategoryContractError,
		}
	}
	return syncerr.ValidateResult(h(ctx, job))
}
