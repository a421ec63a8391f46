package ratelimit

import (
	"context"
	"time"
)

// ComposedLimiter chains the in-process limiter in front of the distributed
// bucket. Acquire order is local then distributed; a local denial saves the
// database round-trip. Both halves are notified on 429.
type ComposedLimiter struct {
	local  *LocalLimiter
	bucket Bucket
}

// NewComposedLimiter combines a local limiter with the distributed bucket.
func NewComposedLimiter(local *LocalLimiter, bucket Bucket) *ComposedLimiter {
	return &ComposedLimiter{local: local, bucket: bucket}
}

var _ Limiter = (*ComposedLimiter)(nil)

// TryAcquire implements Limiter.
func (c *ComposedLimiter) TryAcquire(ctx context.Context, instanceKey string, n float64) (bool, time.Duration, error) {
	ok, wait, err := c.local.TryAcquire(ctx, instanceKey, n)
	if err != nil || !ok {
		return ok, wait, err
	}
	res, err := c.bucket.Consume(ctx, instanceKey, n)
	if err != nil {
		return false, 0, err
	}
	if !res.Allowed {
		return false, res.Wait, nil
	}
	return true, 0, nil
}

// Notify429 implements Limiter.
func (c *ComposedLimiter) Notify429(ctx context.Context, instanceKey string, retryAfter time.Duration) error {
	if err := c.local.Notify429(ctx, instanceKey, retryAfter); err != nil {
		return err
	}
	return c.bucket.Pause(ctx, instanceKey, retryAfter)
}

// NotifySuccess implements Limiter.
func (c *ComposedLimiter) NotifySuccess(ctx context.Context, instanceKey string) error {
	if err := c.local.NotifySuccess(ctx, instanceKey); err != nil {
		return err
	}
	return c.bucket.ClearPause(ctx, instanceKey)
}
