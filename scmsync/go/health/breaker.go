package health

import (
	"context"
	"encoding/json"
	"time"

	"go.engram.dev/scm/go/emerr"
	"go.engram.dev/scm/go/now"
	"go.engram.dev/scm/scmsync/go/kvstore"
)

// BreakerStatus is the circuit state.
type BreakerStatus string

const (
	BreakerClosed   BreakerStatus = "closed"
	BreakerOpen     BreakerStatus = "open"
	BreakerHalfOpen BreakerStatus = "half_open"
)

// BreakerState is the serialized per-key breaker record in
// kvstore.NamespaceSyncHealth.
type BreakerState struct {
	State         BreakerStatus `json:"state"`
	OpenedAt      *time.Time    `json:"opened_at,omitempty"`
	LastProbeAt   *time.Time    `json:"last_probe_at,omitempty"`
	FailureRate   float64       `json:"failure_rate"`
	RateLimitRate float64       `json:"rate_limit_rate"`
}

// BreakerConfig holds the trip thresholds.
type BreakerConfig struct {
	// FailureThreshold trips the breaker when the windowed failed_rate
	// exceeds it.
	FailureThreshold float64
	// RateLimitThreshold trips the breaker when 429s/requests exceeds it.
	RateLimitThreshold float64
	// CoolDown is how long an open breaker waits before admitting a probe.
	CoolDown time.Duration
}

// DefaultBreakerConfig matches the scheduler defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:   0.5,
		RateLimitThreshold: 0.3,
		CoolDown:           5 * time.Minute,
	}
}

// Breaker is the per-scope circuit breaker. State lives in the kv table so
// every scheduler and worker observes the same circuit; writers are
// last-writer-wins and readers tolerate staleness.
type Breaker struct {
	kv  kvstore.Store
	cfg BreakerConfig
}

// NewBreaker returns a breaker over the given kv store.
func NewBreaker(kv kvstore.Store, cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if cfg.RateLimitThreshold <= 0 {
		cfg.RateLimitThreshold = DefaultBreakerConfig().RateLimitThreshold
	}
	if cfg.CoolDown <= 0 {
		cfg.CoolDown = DefaultBreakerConfig().CoolDown
	}
	return &Breaker{kv: kv, cfg: cfg}
}

// Load reads the breaker state for (projectKey, scope), probing the canonical
// key first and then the legacy encodings. Absent keys mean closed.
func (b *Breaker) Load(ctx context.Context, projectKey string, scope Scope) (BreakerState, error) {
	keys := append([]string{BreakerKey(projectKey, scope)}, legacyBreakerKeys(projectKey, scope)...)
	for _, key := range keys {
		raw, ok, err := b.kv.Get(ctx, kvstore.NamespaceSyncHealth, key)
		if err != nil {
			return BreakerState{}, err
		}
		if !ok {
			continue
		}
		var st BreakerState
		if err := json.Unmarshal(raw, &st); err != nil {
			return BreakerState{}, emerr.Wrapf(err, "decoding breaker state at %q", key)
		}
		return st, nil
	}
	return BreakerState{State: BreakerClosed}, nil
}

func (b *Breaker) save(ctx context.Context, projectKey string, scope Scope, st BreakerState) error {
	return b.kv.Put(ctx, kvstore.NamespaceSyncHealth, BreakerKey(projectKey, scope), &st)
}

// Allow reports whether a request may proceed under the breaker, advancing
// open -> half_open after the cool-down. The half_open admission is the probe;
// its outcome must be reported via ReportProbe.
func (b *Breaker) Allow(ctx context.Context, projectKey string, scope Scope) (bool, error) {
	st, err := b.Load(ctx, projectKey, scope)
	if err != nil {
		return false, err
	}
	ts := now.Now(ctx)
	switch st.State {
	case BreakerOpen:
		if st.OpenedAt != nil && ts.Sub(*st.OpenedAt) >= b.cfg.CoolDown {
			st.State = BreakerHalfOpen
			st.LastProbeAt = &ts
			if err := b.save(ctx, projectKey, scope, st); err != nil {
				return false, err
			}
			return true, nil
		}
		return false, nil
	case BreakerHalfOpen:
		st.LastProbeAt = &ts
		if err := b.save(ctx, projectKey, scope, st); err != nil {
			return false, err
		}
		return true, nil
	default:
		return true, nil
	}
}

// Evaluate feeds fresh window statistics into a closed breaker, tripping it
// open when either rate crosses its threshold. Open and half_open states are
// left to Allow/ReportProbe.
func (b *Breaker) Evaluate(ctx context.Context, projectKey string, scope Scope, stats Stats) (BreakerState, error) {
	st, err := b.Load(ctx, projectKey, scope)
	if err != nil {
		return BreakerState{}, err
	}
	st.FailureRate = stats.FailedRate
	st.RateLimitRate = stats.RateLimitRate
	if st.State == BreakerClosed &&
		(stats.FailedRate > b.cfg.FailureThreshold || stats.RateLimitRate > b.cfg.RateLimitThreshold) {
		ts := now.Now(ctx)
		st.State = BreakerOpen
		st.OpenedAt = &ts
	}
	if err := b.save(ctx, projectKey, scope, st); err != nil {
		return BreakerState{}, err
	}
	return st, nil
}

// ReportProbe records the outcome of a half_open probe: success closes the
// circuit, any failure re-opens it.
func (b *Breaker) ReportProbe(ctx context.Context, projectKey string, scope Scope, success bool) error {
	st, err := b.Load(ctx, projectKey, scope)
	if err != nil {
		return err
	}
	if st.State != BreakerHalfOpen {
		return nil
	}
	ts := now.Now(ctx)
	if success {
		st.State = BreakerClosed
		st.OpenedAt = nil
	} else {
		st.State = BreakerOpen
		st.OpenedAt = &ts
	}
	st.LastProbeAt = &ts
	return b.save(ctx, projectKey, scope, st)
}
