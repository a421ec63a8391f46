package syncerr

import (
	"errors"
	"time"
)

// Result is the contract between a job handler and the worker. A handler
// returns a Result rather than raising where practical; the worker decides the
// terminal job transition purely from Success and Category.
type Result struct {
	Success bool

	// Error and Category describe the failure when Success is false. At least
	// one must be set.
	Error    string
	Category Category

	// Counts holds non-negative progress counters with well-known keys
	// (synced_count, skipped_count, diff_count, total_requests, ...).
	Counts map[string]int64

	// RetryAfter, when positive, overrides the category-default backoff.
	RetryAfter time.Duration

	// Mode optionally echoes the sync mode the handler ran in.
	Mode string
}

// OK returns a successful Result with the given counts.
func OK(counts map[string]int64) Result {
	return Result{Success: true, Counts: counts}
}

// Failed returns a failure Result for the given error, classifying it.
func Failed(err error) Result {
	r := Result{Success: false, Category: Classify(err)}
	if err != nil {
		r.Error = err.Error()
	}
	var se *SyncError
	if errors.As(err, &se) && se.RetryAfter > 0 {
		r.RetryAfter = se.RetryAfter
	}
	return r
}

// ValidateResult enforces the result contract. A violating result is coerced
// to a contract_error failure so a buggy handler still follows the transient
// retry path.
func ValidateResult(r Result) Result {
	if r.Success {
		if badCounts(r.Counts) {
			return contractErrorResult("negative count in result")
		}
		return r
	}
	if r.Error == "" && r.Category == "" {
		return contractErrorResult("failure result carries neither error nor error_category")
	}
	if r.Category == "" {
		r.Category = CategoryException
	}
	if !r.Category.IsKnown() {
		return contractErrorResult("unknown error_category %q", string(r.Category))
	}
	if badCounts(r.Counts) {
		return contractErrorResult("negative count in result")
	}
	return r
}

func badCounts(counts map[string]int64) bool {
	for _, v := range counts {
		if v < 0 {
			return true
		}
	}
	return false
}

func contractErrorResult(format string, args ...interface{}) Result {
	e := New(CategoryContractError, format, args...)
	return Result{Success: false, Error: e.Message, Category: CategoryContractError}
}
