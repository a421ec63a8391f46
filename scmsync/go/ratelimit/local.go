package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"go.engram.dev/scm/go/now"
)

// LocalLimiter is the in-process fast path: one x/time/rate bucket per
// instance key. It exists to keep a busy worker from hammering the database
// with doomed Consume calls; the SQLBucket remains the cross-process
// authority.
type LocalLimiter struct {
	mtx      sync.Mutex
	rate     rate.Limit
	burst    int
	limiters map[string]*rate.Limiter
	paused   map[string]time.Time
}

// NewLocalLimiter returns an in-process limiter seeded with the given
// per-instance rate and burst.
func NewLocalLimiter(r float64, burst int) *LocalLimiter {
	if r <= 0 {
		r = DefaultRate
	}
	if burst <= 0 {
		burst = DefaultBurst
	}
	return &LocalLimiter{
		rate:     rate.Limit(r),
		burst:    burst,
		limiters: map[string]*rate.Limiter{},
		paused:   map[string]time.Time{},
	}
}

var _ Limiter = (*LocalLimiter)(nil)

// TryAcquire implements Limiter.
func (l *LocalLimiter) TryAcquire(ctx context.Context, instanceKey string, n float64) (bool, time.Duration, error) {
	ts := now.Now(ctx)
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if until, ok := l.paused[instanceKey]; ok {
		if until.After(ts) {
			return false, until.Sub(ts), nil
		}
		delete(l.paused, instanceKey)
	}
	lim, ok := l.limiters[instanceKey]
	if !ok {
		lim = rate.NewLimiter(l.rate, l.burst)
		l.limiters[instanceKey] = lim
	}
	res := lim.ReserveN(ts, int(math.Ceil(n)))
	if !res.OK() {
		return false, time.Second, nil
	}
	if delay := res.DelayFrom(ts); delay > 0 {
		res.CancelAt(ts)
		return false, delay, nil
	}
	return true, 0, nil
}

// Notify429 implements Limiter.
func (l *LocalLimiter) Notify429(ctx context.Context, instanceKey string, retryAfter time.Duration) error {
	ts := now.Now(ctx)
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.paused[instanceKey] = ts.Add(retryAfter)
	return nil
}

// NotifySuccess implements Limiter.
func (l *LocalLimiter) NotifySuccess(_ context.Context, instanceKey string) error {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	delete(l.paused, instanceKey)
	return nil
}
