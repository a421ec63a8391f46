// Package now provides a function to return the current time that is also
// easily overridden for testing.
package now

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type contextKeyType string

// ContextKey is used by tests to make the time deterministic. The value set on
// the context may be either a time.Time or a Provider.
const ContextKey contextKeyType = "overrideNow"

// Provider is a function evaluated on every call to Now() with a context that
// carries it. It must be threadsafe if the context crosses goroutines.
type Provider func() time.Time

// Now returns the current time or the time from the context.
func Now(ctx context.Context) time.Time {
	if v := ctx.Value(ContextKey); v != nil {
		switch t := v.(type) {
		case Provider:
			return t()
		case time.Time:
			return t
		default:
			panic(fmt.Sprintf("unknown value for now.ContextKey: %v", v))
		}
	}
	return time.Now()
}

// TimeTravelCtx is a test utility that makes it easy to change the apparent
// time mid-test:
//
//	ctx := now.TimeTravelingContext(ts)
//	doSomething(ctx)
//	ctx.SetTime(ts.Add(2 * time.Minute))
//	doSomethingLater(ctx)
type TimeTravelCtx struct {
	context.Context

	mtx sync.RWMutex
	ts  time.Time
}

// TimeTravelingContext returns a *TimeTravelCtx starting at the given time,
// derived from the background context.
func TimeTravelingContext(start time.Time) *TimeTravelCtx {
	t := &TimeTravelCtx{ts: start}
	t.Context = context.WithValue(context.Background(), ContextKey, Provider(t.now))
	return t
}

func (t *TimeTravelCtx) now() time.Time {
	t.mtx.RLock()
	defer t.mtx.RUnlock()
	return t.ts
}

// SetTime updates the time returned by the embedded context's Provider. It is
// threadsafe.
func (t *TimeTravelCtx) SetTime(ts time.Time) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	t.ts = ts
}

// Advance moves the apparent time forward by d and returns the new time.
func (t *TimeTravelCtx) Advance(d time.Duration) time.Time {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	t.ts = t.ts.Add(d)
	return t.ts
}
