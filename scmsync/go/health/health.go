// Package health tracks the operational health of (repo, job_type) pairs and
// upstream scopes: run statistics aggregated from sync_runs, a circuit
// breaker per scope persisted in the kv table, and the pause registry that
// suppresses scheduling while a pair is unhealthy.
package health

import (
	"fmt"
	"strings"
	"time"

	"go.engram.dev/scm/scmsync/go/types"
)

// Scope is the granularity at which breaker health is tracked.
type Scope string

// ScopeGlobal is the last-resort scope when nothing finer is known.
const ScopeGlobal Scope = "global"

// InstanceScope keys health by upstream host.
func InstanceScope(host string) Scope { return Scope("instance:" + host) }

// TenantScope keys health by tenant.
func TenantScope(tenant string) Scope { return Scope("tenant:" + tenant) }

// PoolScope keys health by an explicit worker pool.
func PoolScope(name string) Scope { return Scope("pool:" + name) }

// DeriveScope picks the breaker scope for a job: explicit pool first, then
// the gitlab instance from the payload, then the repo's tenant, then global.
func DeriveScope(repo *types.Repo, payload types.Payload, pool string) Scope {
	if pool != "" {
		return PoolScope(pool)
	}
	if payload.GitLabInstance != "" {
		return InstanceScope(payload.GitLabInstance)
	}
	if repo != nil {
		if t := repo.Tenant(); t != "" {
			return TenantScope(t)
		}
	}
	return ScopeGlobal
}

// BreakerKey is the canonical kv key for (project_key, scope).
func BreakerKey(projectKey string, scope Scope) string {
	return projectKey + ":" + string(scope)
}

// legacyBreakerKeys lists the key encodings older versions wrote, probed in
// order after the canonical key misses. No cutoff is scheduled for these.
func legacyBreakerKeys(projectKey string, scope Scope) []string {
	keys := []string{string(scope)}
	if name, ok := strings.CutPrefix(string(scope), "pool:"); ok {
		keys = append(keys, name, projectKey+":"+name)
	}
	return keys
}

// Stats summarizes a window of recent runs for one scope or pair.
type Stats struct {
	TotalRuns     int
	CompletedRuns int
	FailedRuns    int
	NoDataRuns    int
	RunningRuns   int
	// FailedRate is FailedRuns over finished runs.
	FailedRate float64
	// RateLimitRate is total 429 hits over total upstream requests.
	RateLimitRate      float64
	TotalRequests      int64
	Total429Hits       int64
	AvgDurationSeconds float64
}

// ComputeStats aggregates runs that started within the window ending at ts.
// A zero window keeps every run. The caller supplies runs from
// runstore.Recent so both SQL and in-memory stores feed the same math.
func ComputeStats(runs []*types.Run, window time.Duration, ts time.Time) Stats {
	var s Stats
	var durationSum float64
	var finished int
	for _, r := range runs {
		if window > 0 && r.StartedAt.Before(ts.Add(-window)) {
			continue
		}
		s.TotalRuns++
		switch r.Status {
		case types.RunStatusCompleted:
			s.CompletedRuns++
		case types.RunStatusFailed:
			s.FailedRuns++
		case types.RunStatusNoData:
			s.NoDataRuns++
		case types.RunStatusRunning:
			s.RunningRuns++
		}
		s.TotalRequests += r.Counts["total_requests"]
		s.Total429Hits += r.Counts["total_429_hits"]
		if !r.FinishedAt.IsZero() {
			finished++
			durationSum += r.FinishedAt.Sub(r.StartedAt).Seconds()
		}
	}
	if done := s.CompletedRuns + s.FailedRuns + s.NoDataRuns; done > 0 {
		s.FailedRate = float64(s.FailedRuns) / float64(done)
	}
	if s.TotalRequests > 0 {
		s.RateLimitRate = float64(s.Total429Hits) / float64(s.TotalRequests)
	}
	if finished > 0 {
		s.AvgDurationSeconds = durationSum / float64(finished)
	}
	return s
}

// PauseKey is the kv key for a paused (repo, job_type).
func PauseKey(repoID int64, jobType types.JobType) string {
	return fmt.Sprintf("repo:%d:%s", repoID, jobType)
}
