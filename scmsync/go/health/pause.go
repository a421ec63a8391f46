package health

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"go.engram.dev/scm/go/emlog"
	"go.engram.dev/scm/go/now"
	"go.engram.dev/scm/scmsync/go/kvstore"
	"go.engram.dev/scm/scmsync/go/types"
)

// ReasonCode says why a (repo, job_type) was paused.
type ReasonCode string

const (
	ReasonErrorBudget     ReasonCode = "error_budget"
	ReasonRateLimitBucket ReasonCode = "rate_limit_bucket"
	ReasonCircuitOpen     ReasonCode = "circuit_open"
	ReasonManual          ReasonCode = "manual"
)

// PauseRecord is the serialized pause entry in kvstore.NamespaceSyncPause.
// An expired record is treated as absent everywhere.
type PauseRecord struct {
	PausedUntil time.Time  `json:"paused_until"`
	Reason      string     `json:"reason"`
	ReasonCode  ReasonCode `json:"reason_code"`
	PausedAt    time.Time  `json:"paused_at"`
	FailureRate float64    `json:"failure_rate"`
}

// Registry manages pause records.
type Registry struct {
	kv kvstore.Store
}

// NewRegistry returns a pause registry over the given kv store.
func NewRegistry(kv kvstore.Store) *Registry {
	return &Registry{kv: kv}
}

// Pause suppresses scheduling of the pair until the record's deadline.
func (r *Registry) Pause(ctx context.Context, repoID int64, jobType types.JobType, rec PauseRecord) error {
	if rec.PausedAt.IsZero() {
		rec.PausedAt = now.Now(ctx)
	}
	return r.kv.Put(ctx, kvstore.NamespaceSyncPause, PauseKey(repoID, jobType), &rec)
}

// Get returns the active pause record for the pair, or nil when there is none
// or the record has expired.
func (r *Registry) Get(ctx context.Context, repoID int64, jobType types.JobType) (*PauseRecord, error) {
	raw, ok, err := r.kv.Get(ctx, kvstore.NamespaceSyncPause, PauseKey(repoID, jobType))
	if err != nil || !ok {
		return nil, err
	}
	var rec PauseRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	if !rec.PausedUntil.After(now.Now(ctx)) {
		return nil, nil
	}
	return &rec, nil
}

// IsPaused reports whether the pair currently has an active pause.
func (r *Registry) IsPaused(ctx context.Context, repoID int64, jobType types.JobType) (bool, error) {
	rec, err := r.Get(ctx, repoID, jobType)
	return rec != nil, err
}

// Clear removes the pause record for the pair.
func (r *Registry) Clear(ctx context.Context, repoID int64, jobType types.JobType) error {
	return r.kv.Delete(ctx, kvstore.NamespaceSyncPause, PauseKey(repoID, jobType))
}

// HealthFunc supplies fresh window statistics for a pair during auto-unpause.
type HealthFunc func(ctx context.Context, repoID int64, jobType types.JobType) (Stats, error)

// AutoUnpause sweeps the pause namespace: expired records are dropped, and
// still-active records whose pair has recovered (failed_rate below the
// threshold) are cleared early. Returns the number of records removed.
func (r *Registry) AutoUnpause(ctx context.Context, healthOf HealthFunc, unpauseThreshold float64) (int, error) {
	all, err := r.kv.List(ctx, kvstore.NamespaceSyncPause)
	if err != nil {
		return 0, err
	}
	ts := now.Now(ctx)
	removed := 0
	for key, raw := range all {
		repoID, jobType, ok := parsePauseKey(key)
		if !ok {
			emlog.Warningf("skipping unparseable pause key %q", key)
			continue
		}
		var rec PauseRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			emlog.Warningf("skipping undecodable pause record %q: %s", key, err)
			continue
		}
		if !rec.PausedUntil.After(ts) {
			if err := r.kv.Delete(ctx, kvstore.NamespaceSyncPause, key); err != nil {
				return removed, err
			}
			removed++
			continue
		}
		if healthOf == nil {
			continue
		}
		stats, err := healthOf(ctx, repoID, jobType)
		if err != nil {
			return removed, err
		}
		if stats.FailedRate < unpauseThreshold {
			if err := r.kv.Delete(ctx, kvstore.NamespaceSyncPause, key); err != nil {
				return removed, err
			}
			emlog.Infof("auto-unpaused repo %d %s: failed_rate %.2f below %.2f",
				repoID, jobType, stats.FailedRate, unpauseThreshold)
			removed++
		}
	}
	return removed, nil
}

func parsePauseKey(key string) (int64, types.JobType, bool) {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) != 3 || parts[0] != "repo" {
		return 0, "", false
	}
	repoID, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, "", false
	}
	return repoID, types.JobType(parts[2]), true
}
