// Package emutil holds small shared helpers.
package emutil

import (
	"context"
	"io"
	"os"
	"time"

	"go.engram.dev/scm/go/emlog"
)

// RepeatCtx runs fn immediately and then on every tick of interval until the
// context is canceled. It returns after the context is canceled AND fn has
// finished.
func RepeatCtx(ctx context.Context, interval time.Duration, fn func(ctx context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	fn(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// Close closes the Closer and logs any error. Helper for deferring Close().
func Close(c io.Closer) {
	if err := c.Close(); err != nil {
		emlog.Errorf("Failed to Close(): %v", err)
	}
}

// Remove removes the named file and logs any error. Helper for cleanup paths
// where the error is not actionable.
func Remove(name string) {
	if err := os.Remove(name); err != nil && !os.IsNotExist(err) {
		emlog.Errorf("Failed to Remove(%s): %v", name, err)
	}
}

// ChunkIter calls fn for each [start, end) chunk of a range of the given
// length.
func ChunkIter(length, chunkSize int, fn func(start, end int) error) error {
	if chunkSize < 1 {
		chunkSize = 1
	}
	for start := 0; start < length; start += chunkSize {
		end := start + chunkSize
		if end > length {
			end = length
		}
		if err := fn(start, end); err != nil {
			return err
		}
	}
	return nil
}
