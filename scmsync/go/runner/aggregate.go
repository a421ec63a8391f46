package runner

import (
	"go.engram.dev/scm/scmsync/go/types"
)

// ChunkResult is the outcome of one backfill chunk, typically derived from its
// run row.
type ChunkResult struct {
	ChunkIndex int
	Status     types.RunStatus
	Counts     map[string]int64
}

// ChunkSummary rolls per-chunk results into one backfill outcome.
type ChunkSummary struct {
	SuccessChunks int
	PartialChunks int
	FailedChunks  int
	// Status is success, partial or failed: any failed chunk degrades the
	// backfill to partial, and it is failed only when no chunk succeeded.
	Status string
	Counts map[string]int64
}

// AggregateChunks computes the rollup. Chunks still running count as partial.
func AggregateChunks(results []ChunkResult) ChunkSummary {
	s := ChunkSummary{Counts: map[string]int64{}}
	for _, r := range results {
		switch r.Status {
		case types.RunStatusCompleted, types.RunStatusNoData:
			s.SuccessChunks++
		case types.RunStatusFailed:
			s.FailedChunks++
		default:
			s.PartialChunks++
		}
		for k, v := range r.Counts {
			s.Counts[k] += v
		}
	}
	switch {
	case len(results) == 0:
		s.Status = "success"
	case s.FailedChunks == len(results):
		s.Status = "failed"
	case s.FailedChunks > 0 || s.PartialChunks > 0:
		s.Status = "partial"
	default:
		s.Status = "success"
	}
	return s
}
