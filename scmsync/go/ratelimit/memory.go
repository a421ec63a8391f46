package ratelimit

import (
	"context"
	"sync"
	"time"

	"go.engram.dev/scm/go/now"
)

type bucketRow struct {
	tokens      float64
	rate        float64
	burst       int
	pausedUntil time.Time
	updatedAt   time.Time
	consecutive int
}

// MemoryBucket is an in-memory Bucket for tests. Honors now.Now(ctx).
type MemoryBucket struct {
	mtx     sync.Mutex
	rate    float64
	burst   int
	buckets map[string]*bucketRow
}

// NewMemoryBucket returns an empty in-memory bucket store.
func NewMemoryBucket(rate float64, burst int) *MemoryBucket {
	if rate <= 0 {
		rate = DefaultRate
	}
	if burst <= 0 {
		burst = DefaultBurst
	}
	return &MemoryBucket{rate: rate, burst: burst, buckets: map[string]*bucketRow{}}
}

var _ Bucket = (*MemoryBucket)(nil)

// Consume implements Bucket.
func (m *MemoryBucket) Consume(ctx context.Context, instanceKey string, tokensNeeded float64) (Result, error) {
	ts := now.Now(ctx)
	m.mtx.Lock()
	defer m.mtx.Unlock()
	b, ok := m.buckets[instanceKey]
	if !ok {
		b = &bucketRow{
			tokens:    float64(m.burst) - tokensNeeded,
			rate:      m.rate,
			burst:     m.burst,
			updatedAt: ts,
		}
		m.buckets[instanceKey] = b
		return Result{Allowed: true, TokensRemaining: b.tokens}, nil
	}
	if b.pausedUntil.After(ts) {
		return Result{Wait: b.pausedUntil.Sub(ts), PausedUntil: b.pausedUntil}, nil
	}
	refilled := refill(b.tokens, b.rate, float64(b.burst), ts.Sub(b.updatedAt))
	b.updatedAt = ts
	if refilled >= tokensNeeded {
		b.tokens = refilled - tokensNeeded
		b.pausedUntil = time.Time{}
		return Result{Allowed: true, TokensRemaining: b.tokens}, nil
	}
	b.tokens = refilled
	return Result{TokensRemaining: refilled, Wait: waitFor(tokensNeeded-refilled, b.rate)}, nil
}

// Pause implements Bucket.
func (m *MemoryBucket) Pause(ctx context.Context, instanceKey string, retryAfter time.Duration) error {
	ts := now.Now(ctx)
	m.mtx.Lock()
	defer m.mtx.Unlock()
	b, ok := m.buckets[instanceKey]
	if !ok {
		b = &bucketRow{rate: m.rate, burst: m.burst}
		m.buckets[instanceKey] = b
	}
	b.tokens = 0
	b.pausedUntil = ts.Add(retryAfter)
	b.updatedAt = ts
	b.consecutive++
	return nil
}

// ClearPause implements Bucket.
func (m *MemoryBucket) ClearPause(ctx context.Context, instanceKey string) error {
	ts := now.Now(ctx)
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if b, ok := m.buckets[instanceKey]; ok {
		b.pausedUntil = time.Time{}
		b.consecutive = 0
		b.updatedAt = ts
	}
	return nil
}

// Consecutive429s returns the recorded consecutive 429 count, for tests.
func (m *MemoryBucket) Consecutive429s(instanceKey string) int {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if b, ok := m.buckets[instanceKey]; ok {
		return b.consecutive
	}
	return 0
}
