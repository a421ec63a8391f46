package runner

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"go.engram.dev/scm/go/now"
	"go.engram.dev/scm/scmsync/go/health"
	"go.engram.dev/scm/scmsync/go/kvstore"
	"go.engram.dev/scm/scmsync/go/queue"
	"go.engram.dev/scm/scmsync/go/repostore"
	"go.engram.dev/scm/scmsync/go/runstore"
	"go.engram.dev/scm/scmsync/go/syncerr"
	"go.engram.dev/scm/scmsync/go/types"
)

var baseTime = time.Date(2026, time.March, 1, 10, 0, 0, 0, time.UTC)

type fixture struct {
	ctx     *now.TimeTravelCtx
	q       *queue.MemoryQueue
	repos   *repostore.MemoryStore
	runs    *runstore.MemoryStore
	cursors *kvstore.Cursors
	breaker *health.Breaker
	pauses  *health.Registry
	r       *Runner
	repoID  int64
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	kv := kvstore.NewMemoryStore()
	f := &fixture{
		ctx:     now.TimeTravelingContext(baseTime),
		q:       queue.NewMemoryQueue(),
		repos:   repostore.NewMemoryStore(),
		runs:    runstore.NewMemoryStore(),
		cursors: kvstore.NewCursors(kv),
		breaker: health.NewBreaker(kv, health.DefaultBreakerConfig()),
		pauses:  health.NewRegistry(kv),
	}
	f.r = New(f.q, f.repos, f.runs, f.cursors, f.breaker, f.pauses, cfg)
	id, err := f.repos.UpsertRepo(f.ctx, &types.Repo{
		Type:          types.RepoTypeGit,
		URL:           "https://gitlab.acme.dev/acme/widgets.git",
		ProjectKey:    "acme/widgets",
		DefaultBranch: "main",
	})
	require.NoError(t, err)
	f.repoID = id
	return f
}

// failRuns records n finished runs, failed of which failed, all inside the
// health window.
func (f *fixture) failRuns(t *testing.T, jobType types.JobType, total, failed int) {
	t.Helper()
	for i := 0; i < total; i++ {
		id := string(rune('a'+i)) + "-run"
		require.NoError(t, f.runs.Start(f.ctx, &types.Run{
			ID: id, RepoID: f.repoID, JobType: jobType, StartedAt: now.Now(f.ctx),
		}))
		p := runstore.FinishPayload{Status: types.RunStatusCompleted}
		if i < failed {
			p.Status = types.RunStatusFailed
			p.ErrorSummary = &types.ErrorSummary{Category: syncerr.CategoryServerError}
		}
		require.NoError(t, f.runs.Finish(f.ctx, id, p))
	}
}

func TestScheduleIncremental_EnqueuesWithHints(t *testing.T) {
	f := newFixture(t, Config{})
	jobID, err := f.r.ScheduleIncremental(f.ctx, f.repoID, types.JobTypeGitLabCommits)
	require.NoError(t, err)
	require.NotEmpty(t, jobID)

	j, err := f.q.Get(f.ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, types.ModeIncremental, j.Mode)
	require.Equal(t, "gitlab.acme.dev", j.Payload.GitLabInstance)
	require.Equal(t, "acme", j.Payload.TenantID)
}

func TestScheduleIncremental_DuplicateReturnsEmpty(t *testing.T) {
	f := newFixture(t, Config{})
	first, err := f.r.ScheduleIncremental(f.ctx, f.repoID, types.JobTypeGitLabCommits)
	require.NoError(t, err)
	require.NotEmpty(t, first)

	second, err := f.r.ScheduleIncremental(f.ctx, f.repoID, types.JobTypeGitLabCommits)
	require.NoError(t, err)
	require.Empty(t, second)
}

func TestScheduleIncremental_UnknownRepo(t *testing.T) {
	f := newFixture(t, Config{})
	_, err := f.r.ScheduleIncremental(f.ctx, 999, types.JobTypeGitLabCommits)
	require.Error(t, err)
}

func TestScheduleIncremental_PausedPairIsSkipped(t *testing.T) {
	f := newFixture(t, Config{})
	// A high failure rate keeps auto-unpause from releasing the record early.
	f.failRuns(t, types.JobTypeGitLabCommits, 4, 4)
	require.NoError(t, f.pauses.Pause(f.ctx, f.repoID, types.JobTypeGitLabCommits, health.PauseRecord{
		PausedUntil: baseTime.Add(time.Hour),
		Reason:      "error budget spent",
		ReasonCode:  health.ReasonErrorBudget,
	}))

	jobID, err := f.r.ScheduleIncremental(f.ctx, f.repoID, types.JobTypeGitLabCommits)
	require.NoError(t, err)
	require.Empty(t, jobID)
	require.Empty(t, f.q.List())
}

func TestScheduleIncremental_ExpiredPauseIsSweptAndScheduled(t *testing.T) {
	f := newFixture(t, Config{})
	require.NoError(t, f.pauses.Pause(f.ctx, f.repoID, types.JobTypeGitLabCommits, health.PauseRecord{
		PausedUntil: baseTime.Add(time.Minute),
		ReasonCode:  health.ReasonManual,
	}))
	f.ctx.SetTime(baseTime.Add(2 * time.Minute))

	jobID, err := f.r.ScheduleIncremental(f.ctx, f.repoID, types.JobTypeGitLabCommits)
	require.NoError(t, err)
	require.NotEmpty(t, jobID)

	paused, err := f.pauses.IsPaused(f.ctx, f.repoID, types.JobTypeGitLabCommits)
	require.NoError(t, err)
	require.False(t, paused)
}

func TestScheduleIncremental_RecoveredPairIsAutoUnpaused(t *testing.T) {
	f := newFixture(t, Config{})
	// All runs healthy: failed_rate 0 is below the 0.3 unpause threshold, so
	// the still-active pause is released early.
	f.failRuns(t, types.JobTypeGitLabCommits, 4, 0)
	require.NoError(t, f.pauses.Pause(f.ctx, f.repoID, types.JobTypeGitLabCommits, health.PauseRecord{
		PausedUntil: baseTime.Add(time.Hour),
		ReasonCode:  health.ReasonErrorBudget,
	}))

	jobID, err := f.r.ScheduleIncremental(f.ctx, f.repoID, types.JobTypeGitLabCommits)
	require.NoError(t, err)
	require.NotEmpty(t, jobID)
}

func TestScheduleIncremental_OpenBreakerSkips(t *testing.T) {
	f := newFixture(t, Config{})
	// 3 of 4 recent runs failed: 0.75 crosses the 0.5 failure threshold, so
	// admit trips the breaker and refuses the pair.
	f.failRuns(t, types.JobTypeGitLabCommits, 4, 3)

	jobID, err := f.r.ScheduleIncremental(f.ctx, f.repoID, types.JobTypeGitLabCommits)
	require.NoError(t, err)
	require.Empty(t, jobID)
	require.Empty(t, f.q.List())

	// After the cool-down the half_open probe admits one job again.
	f.ctx.SetTime(baseTime.Add(10 * time.Minute))
	jobID, err = f.r.ScheduleIncremental(f.ctx, f.repoID, types.JobTypeGitLabCommits)
	require.NoError(t, err)
	require.NotEmpty(t, jobID)
}

func TestScheduleBackfill_TwelveHoursInFourHourChunks(t *testing.T) {
	f := newFixture(t, Config{})
	summary, err := f.r.ScheduleBackfill(f.ctx, BackfillRequest{
		RepoID:  f.repoID,
		JobType: types.JobTypeGitLabCommits,
		Since:   baseTime.Add(-12 * time.Hour),
		Until:   baseTime,
	})
	require.NoError(t, err)
	require.Equal(t, 3, summary.Chunks)
	// The one-live-job invariant serializes chunks: only the first lands now.
	require.Len(t, summary.Enqueued, 1)
	require.Equal(t, 2, summary.Skipped)

	j, err := f.q.Get(f.ctx, summary.Enqueued[0])
	require.NoError(t, err)
	require.Equal(t, types.ModeBackfill, j.Mode)
	require.Equal(t, "time", j.Payload.WindowType)
	require.Equal(t, 0, j.Payload.ChunkIndex)
	require.Equal(t, 3, j.Payload.ChunkTotal)
	require.True(t, j.Payload.Since.Equal(baseTime.Add(-12*time.Hour)))
	require.True(t, j.Payload.Until.Equal(baseTime.Add(-8*time.Hour)))
	require.Equal(t, "gitlab.acme.dev", j.Payload.GitLabInstance)
	require.False(t, j.Payload.UpdateWatermark)
}

func TestScheduleBackfill_RevisionWindowPropagatesWatermarkFlag(t *testing.T) {
	f := newFixture(t, Config{})
	svnID, err := f.repos.UpsertRepo(f.ctx, &types.Repo{
		Type:       types.RepoTypeSVN,
		URL:        "https://svn.acme.dev/repo",
		ProjectKey: "acme/legacy",
	})
	require.NoError(t, err)

	summary, err := f.r.ScheduleBackfill(f.ctx, BackfillRequest{
		RepoID:          svnID,
		JobType:         types.JobTypeSVN,
		StartRev:        1,
		EndRev:          250,
		UpdateWatermark: true,
	})
	require.NoError(t, err)
	require.Equal(t, 3, summary.Chunks)
	require.Len(t, summary.Enqueued, 1)

	j, err := f.q.Get(f.ctx, summary.Enqueued[0])
	require.NoError(t, err)
	require.Equal(t, "revision", j.Payload.WindowType)
	require.Equal(t, int64(1), j.Payload.StartRev)
	require.Equal(t, int64(100), j.Payload.EndRev)
	require.True(t, j.Payload.UpdateWatermark)
	// SVN repos carry no gitlab instance hint.
	require.Empty(t, j.Payload.GitLabInstance)
}

func TestScheduleBackfill_WindowValidation(t *testing.T) {
	f := newFixture(t, Config{})
	// Both window kinds at once.
	_, err := f.r.ScheduleBackfill(f.ctx, BackfillRequest{
		RepoID: f.repoID, JobType: types.JobTypeGitLabCommits,
		Since: baseTime.Add(-time.Hour), Until: baseTime, StartRev: 1, EndRev: 5,
	})
	require.Error(t, err)

	// Neither.
	_, err = f.r.ScheduleBackfill(f.ctx, BackfillRequest{
		RepoID: f.repoID, JobType: types.JobTypeGitLabCommits,
	})
	require.Error(t, err)

	// Inverted time window.
	_, err = f.r.ScheduleBackfill(f.ctx, BackfillRequest{
		RepoID: f.repoID, JobType: types.JobTypeGitLabCommits,
		Since: baseTime, Until: baseTime.Add(-time.Hour),
	})
	require.Error(t, err)

	// Inverted revision window.
	_, err = f.r.ScheduleBackfill(f.ctx, BackfillRequest{
		RepoID: f.repoID, JobType: types.JobTypeSVN, StartRev: 10, EndRev: 5,
	})
	require.Error(t, err)
}

func TestChunkTimeWindow(t *testing.T) {
	since := baseTime.Add(-12 * time.Hour)
	chunks := chunkTimeWindow(since, baseTime, 4*time.Hour)
	require.Len(t, chunks, 3)
	for i, c := range chunks {
		require.Equal(t, i, c.ChunkIndex)
		require.Equal(t, 3, c.ChunkTotal)
		require.True(t, c.Since.Equal(since.Add(time.Duration(i)*4*time.Hour)))
	}
	require.True(t, chunks[2].Until.Equal(baseTime))

	// A ragged window gets a short trailing chunk.
	chunks = chunkTimeWindow(baseTime, baseTime.Add(10*time.Hour), 4*time.Hour)
	require.Len(t, chunks, 3)
	require.True(t, chunks[2].Since.Equal(baseTime.Add(8*time.Hour)))
	require.True(t, chunks[2].Until.Equal(baseTime.Add(10*time.Hour)))

	// A window smaller than one chunk is a single chunk.
	chunks = chunkTimeWindow(baseTime, baseTime.Add(time.Hour), 4*time.Hour)
	require.Len(t, chunks, 1)
}

func TestChunkRevWindow(t *testing.T) {
	chunks := chunkRevWindow(1, 250, 100)
	require.Len(t, chunks, 3)
	require.Equal(t, int64(1), chunks[0].StartRev)
	require.Equal(t, int64(100), chunks[0].EndRev)
	require.Equal(t, int64(101), chunks[1].StartRev)
	require.Equal(t, int64(200), chunks[1].EndRev)
	require.Equal(t, int64(201), chunks[2].StartRev)
	require.Equal(t, int64(250), chunks[2].EndRev)

	// Exact multiple: no ragged chunk.
	chunks = chunkRevWindow(1, 200, 100)
	require.Len(t, chunks, 2)
	require.Equal(t, int64(200), chunks[1].EndRev)

	// Single-revision window.
	chunks = chunkRevWindow(42, 42, 100)
	require.Len(t, chunks, 1)
	require.Equal(t, int64(42), chunks[0].StartRev)
	require.Equal(t, int64(42), chunks[0].EndRev)
}

func TestAdvanceWatermark(t *testing.T) {
	f := newFixture(t, Config{})
	jt := types.JobTypeSVN

	require.NoError(t, f.r.AdvanceWatermark(f.ctx, f.repoID, jt, types.Cursor{Rev: 100}))
	cur, err := f.cursors.Get(f.ctx, f.repoID, jt)
	require.NoError(t, err)
	require.Equal(t, int64(100), cur.Rev)

	// Forward movement is fine.
	require.NoError(t, f.r.AdvanceWatermark(f.ctx, f.repoID, jt, types.Cursor{Rev: 150}))

	// A regression is refused and the stored cursor is untouched.
	err = f.r.AdvanceWatermark(f.ctx, f.repoID, jt, types.Cursor{Rev: 120})
	var wce *WatermarkConstraintError
	require.ErrorAs(t, err, &wce)
	require.Equal(t, int64(150), wce.Before.Rev)
	require.Equal(t, int64(120), wce.After.Rev)
	cur, err = f.cursors.Get(f.ctx, f.repoID, jt)
	require.NoError(t, err)
	require.Equal(t, int64(150), cur.Rev)

	// A zero cursor is a no-op, not a regression.
	require.NoError(t, f.r.AdvanceWatermark(f.ctx, f.repoID, jt, types.Cursor{}))
	cur, err = f.cursors.Get(f.ctx, f.repoID, jt)
	require.NoError(t, err)
	require.Equal(t, int64(150), cur.Rev)
}

func TestAdvanceWatermark_TimestampsAndSHAs(t *testing.T) {
	f := newFixture(t, Config{})
	jt := types.JobTypeGitLabCommits
	t1 := baseTime.Add(-time.Hour)
	t2 := baseTime

	require.NoError(t, f.r.AdvanceWatermark(f.ctx, f.repoID, jt, types.Cursor{CommitSHA: "aaa", Timestamp: &t2}))

	// Timestamp regression is refused.
	err := f.r.AdvanceWatermark(f.ctx, f.repoID, jt, types.Cursor{CommitSHA: "bbb", Timestamp: &t1})
	var wce *WatermarkConstraintError
	require.ErrorAs(t, err, &wce)

	// SHAs carry no order: a SHA-only cursor always passes.
	require.NoError(t, f.r.AdvanceWatermark(f.ctx, f.repoID, jt, types.Cursor{CommitSHA: "ccc"}))
	cur, err := f.cursors.Get(f.ctx, f.repoID, jt)
	require.NoError(t, err)
	require.Equal(t, "ccc", cur.CommitSHA)
}

func TestAggregateChunks(t *testing.T) {
	// Empty input is trivially successful.
	s := AggregateChunks(nil)
	require.Equal(t, "success", s.Status)

	// All good, counts summed; no_data counts as success.
	s = AggregateChunks([]ChunkResult{
		{ChunkIndex: 0, Status: types.RunStatusCompleted, Counts: map[string]int64{"synced_count": 10}},
		{ChunkIndex: 1, Status: types.RunStatusNoData},
		{ChunkIndex: 2, Status: types.RunStatusCompleted, Counts: map[string]int64{"synced_count": 5}},
	})
	require.Equal(t, "success", s.Status)
	require.Equal(t, 3, s.SuccessChunks)
	require.Equal(t, int64(15), s.Counts["synced_count"])

	// One failed chunk degrades to partial.
	s = AggregateChunks([]ChunkResult{
		{Status: types.RunStatusCompleted},
		{Status: types.RunStatusFailed},
	})
	require.Equal(t, "partial", s.Status)
	require.Equal(t, 1, s.FailedChunks)

	// A still-running chunk also degrades to partial.
	s = AggregateChunks([]ChunkResult{
		{Status: types.RunStatusCompleted},
		{Status: types.RunStatusRunning},
	})
	require.Equal(t, "partial", s.Status)
	require.Equal(t, 1, s.PartialChunks)

	// Failed only when nothing succeeded.
	s = AggregateChunks([]ChunkResult{
		{Status: types.RunStatusFailed},
		{Status: types.RunStatusFailed},
	})
	require.Equal(t, "failed", s.Status)
}
