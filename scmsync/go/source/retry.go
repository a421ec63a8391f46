package source

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"go.engram.dev/scm/scmsync/go/syncerr"
)

// DefaultRetryElapsed bounds the in-call retry loop; anything slower is left
// to the job-level backoff.
const DefaultRetryElapsed = 20 * time.Second

// RetryTransient runs fn, retrying short transient failures (network, timeout,
// connection, server_error) with exponential backoff until maxElapsed.
// Rate-limit and permanent failures return immediately: 429s belong to the
// limiter and the job-level retry_after, not a tight local loop.
func RetryTransient(ctx context.Context, maxElapsed time.Duration, fn func() error) error {
	if maxElapsed <= 0 {
		maxElapsed = DefaultRetryElapsed
	}
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = maxElapsed
	return backoff.Retry(func() error {
		err := fn()
		if err == nil {
			return nil
		}
		c := syncerr.Classify(err)
		if c.IsTransient() && c != syncerr.CategoryRateLimit && c != syncerr.CategoryLeaseLost {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(b, ctx))
}
