package runstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"go.engram.dev/scm/go/now"
	"go.engram.dev/scm/scmsync/go/syncerr"
	"go.engram.dev/scm/scmsync/go/types"
)

var baseTime = time.Date(2026, time.March, 1, 10, 0, 0, 0, time.UTC)

func TestFinishPayload_Validate(t *testing.T) {
	// Valid terminal payloads.
	for _, status := range []types.RunStatus{types.RunStatusCompleted, types.RunStatusNoData} {
		p := FinishPayload{Status: status}
		require.NoError(t, p.Validate(), status)
	}
	p := FinishPayload{
		Status:       types.RunStatusFailed,
		ErrorSummary: &types.ErrorSummary{Category: syncerr.CategoryTimeout},
	}
	require.NoError(t, p.Validate())

	// running is not a terminal status.
	p = FinishPayload{Status: types.RunStatusRunning}
	require.Error(t, p.Validate())

	// Unknown status.
	p = FinishPayload{Status: "exploded"}
	require.Error(t, p.Validate())

	// failed without a categorized summary.
	p = FinishPayload{Status: types.RunStatusFailed}
	require.Error(t, p.Validate())
	p = FinishPayload{Status: types.RunStatusFailed, ErrorSummary: &types.ErrorSummary{}}
	require.Error(t, p.Validate())

	// Negative counts.
	p = FinishPayload{Status: types.RunStatusCompleted, Counts: map[string]int64{"synced_count": -1}}
	require.Error(t, p.Validate())
}

func TestFinishPayload_CoerceInvalidToContractError(t *testing.T) {
	p := FinishPayload{Status: types.RunStatusFailed}
	got := p.Coerce()
	require.Equal(t, types.RunStatusFailed, got.Status)
	require.NotNil(t, got.ErrorSummary)
	require.Equal(t, syncerr.CategoryContractError, got.ErrorSummary.Category)

	// A valid payload passes through unchanged.
	ok := FinishPayload{Status: types.RunStatusCompleted, Counts: map[string]int64{"synced_count": 3}}
	require.Equal(t, ok, ok.Coerce())
}

func TestMemoryStore_StartFinishGet(t *testing.T) {
	ctx := now.TimeTravelingContext(baseTime)
	s := NewMemoryStore()

	require.NoError(t, s.Start(ctx, &types.Run{
		ID: "r1", RepoID: 1, JobType: types.JobTypeSVN, Mode: types.ModeIncremental,
	}))
	// Duplicate run ids are rejected; runs are append-only.
	require.Error(t, s.Start(ctx, &types.Run{ID: "r1"}))

	run, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, types.RunStatusRunning, run.Status)
	require.True(t, run.StartedAt.Equal(baseTime))

	ctx.SetTime(baseTime.Add(time.Minute))
	require.NoError(t, s.Finish(ctx, "r1", FinishPayload{
		Status:      types.RunStatusCompleted,
		CursorAfter: types.Cursor{Rev: 10},
		Counts:      map[string]int64{"synced_count": 10},
	}))
	run, err = s.Get(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, types.RunStatusCompleted, run.Status)
	require.True(t, run.FinishedAt.Equal(baseTime.Add(time.Minute)))
	require.Equal(t, int64(10), run.CursorAfter.Rev)

	// Finishing twice fails: the run is no longer open.
	require.Error(t, s.Finish(ctx, "r1", FinishPayload{Status: types.RunStatusCompleted}))
	// Finishing an unknown run fails.
	require.Error(t, s.Finish(ctx, "nope", FinishPayload{Status: types.RunStatusCompleted}))

	missing, err := s.Get(ctx, "nope")
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestMemoryStore_FinishRedactsErrorSummary(t *testing.T) {
	ctx := now.TimeTravelingContext(baseTime)
	s := NewMemoryStore()
	require.NoError(t, s.Start(ctx, &types.Run{ID: "r1", RepoID: 1, JobType: types.JobTypeGitLabCommits}))
	require.NoError(t, s.Finish(ctx, "r1", FinishPayload{
		Status: types.RunStatusFailed,
		ErrorSummary: &types.ErrorSummary{
			Category: syncerr.CategoryAuthError,
			Message:  "401 calling https://glpat-aBcDeFgH1234567890@gitlab.acme.dev/api/v4",
			Context:  map[string]interface{}{"Authorization": "Bearer abc.def"},
		},
	}))
	run, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	require.NotContains(t, run.ErrorSummary.Message, "glpat-aBcDeFgH1234567890")
	require.Equal(t, "[REDACTED]", run.ErrorSummary.Context["Authorization"])
}

func TestMemoryStore_Recent(t *testing.T) {
	ctx := now.TimeTravelingContext(baseTime)
	s := NewMemoryStore()
	for i, id := range []string{"r1", "r2", "r3"} {
		require.NoError(t, s.Start(ctx, &types.Run{
			ID: id, RepoID: 1, JobType: types.JobTypeSVN,
			StartedAt: baseTime.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, s.Start(ctx, &types.Run{
		ID: "other-repo", RepoID: 2, JobType: types.JobTypeSVN, StartedAt: baseTime,
	}))
	require.NoError(t, s.Start(ctx, &types.Run{
		ID: "other-type", RepoID: 1, JobType: types.JobTypeGitLabCommits, StartedAt: baseTime,
	}))

	runs, err := s.Recent(ctx, 1, types.JobTypeSVN, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	// Newest first.
	require.Equal(t, "r3", runs[0].ID)
	require.Equal(t, "r2", runs[1].ID)

	// A zero job type matches every type for the repo.
	runs, err = s.Recent(ctx, 1, "", 0)
	require.NoError(t, err)
	require.Len(t, runs, 4)
}

func TestMemoryStore_FailTimedOut(t *testing.T) {
	ctx := now.TimeTravelingContext(baseTime)
	s := NewMemoryStore()
	require.NoError(t, s.Start(ctx, &types.Run{ID: "old", RepoID: 1, JobType: types.JobTypeSVN, StartedAt: baseTime}))
	require.NoError(t, s.Start(ctx, &types.Run{ID: "fresh", RepoID: 1, JobType: types.JobTypeSVN, StartedAt: baseTime.Add(90 * time.Minute)}))

	ctx.SetTime(baseTime.Add(2 * time.Hour))
	n, err := s.FailTimedOut(ctx, baseTime.Add(time.Hour), 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	old, err := s.Get(ctx, "old")
	require.NoError(t, err)
	require.Equal(t, types.RunStatusFailed, old.Status)
	require.Equal(t, syncerr.CategoryTimeout, old.ErrorSummary.Category)
	fresh, err := s.Get(ctx, "fresh")
	require.NoError(t, err)
	require.Equal(t, types.RunStatusRunning, fresh.Status)

	// Idempotent.
	n, err = s.FailTimedOut(ctx, baseTime.Add(time.Hour), 10)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}
