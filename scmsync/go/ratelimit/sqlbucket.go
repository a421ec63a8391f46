package ratelimit

import (
	"context"
	"time"

	"github.com/jackc/pgx/v4"

	"go.engram.dev/scm/go/now"
	"go.engram.dev/scm/go/sqlpool"
)

const selectForUpdateStmt = `
SELECT tokens, rate, burst, paused_until, updated_at
FROM sync_rate_limits WHERE instance_key = $1 FOR UPDATE`

const insertBucketStmt = `
INSERT INTO sync_rate_limits (instance_key, tokens, rate, burst, updated_at)
VALUES ($1, $2, $3, $4, $5)`

const writeBucketStmt = `
UPDATE sync_rate_limits
SET tokens = $2, paused_until = $3, updated_at = $4
WHERE instance_key = $1`

const pauseStmt = `
INSERT INTO sync_rate_limits (instance_key, tokens, rate, burst, paused_until, meta_json, updated_at)
VALUES ($1, 0, $2, $3, $4, jsonb_build_object(
	'consecutive_429_count', 1,
	'last_429_at', to_jsonb($5::timestamptz),
	'last_retry_after', $6::double precision), $5)
ON CONFLICT (instance_key) DO UPDATE SET
	tokens = 0,
	paused_until = excluded.paused_until,
	updated_at = excluded.updated_at,
	meta_json = sync_rate_limits.meta_json || jsonb_build_object(
		'consecutive_429_count', COALESCE((sync_rate_limits.meta_json->>'consecutive_429_count')::int, 0) + 1,
		'last_429_at', to_jsonb($5::timestamptz),
		'last_retry_after', $6::double precision)`

const clearPauseStmt = `
UPDATE sync_rate_limits
SET paused_until = NULL,
	meta_json = meta_json || jsonb_build_object('consecutive_429_count', 0),
	updated_at = $2
WHERE instance_key = $1`

// SQLBucket implements Bucket on the sync_rate_limits table. The consume path
// holds the row under FOR UPDATE for the duration of one short transaction, so
// refill math is race-free across processes.
type SQLBucket struct {
	db sqlpool.Pool
	// rate/burst seed newly created bucket rows.
	rate  float64
	burst int
}

// NewSQLBucket returns a Bucket; rate and burst seed rows for instances seen
// for the first time.
func NewSQLBucket(db sqlpool.Pool, rate float64, burst int) *SQLBucket {
	if rate <= 0 {
		rate = DefaultRate
	}
	if burst <= 0 {
		burst = DefaultBurst
	}
	return &SQLBucket{db: db, rate: rate, burst: burst}
}

var _ Bucket = (*SQLBucket)(nil)

// Consume implements Bucket.
func (s *SQLBucket) Consume(ctx context.Context, instanceKey string, tokensNeeded float64) (Result, error) {
	ts := now.Now(ctx)
	var res Result
	err := s.db.BeginFunc(ctx, func(tx pgx.Tx) error {
		var tokens, rate float64
		var burst int
		var pausedUntil *time.Time
		var updatedAt time.Time
		err := tx.QueryRow(ctx, selectForUpdateStmt, instanceKey).
			Scan(&tokens, &rate, &burst, &pausedUntil, &updatedAt)
		if sqlpool.IsNoRows(err) {
			res = Result{Allowed: true, TokensRemaining: float64(s.burst) - tokensNeeded}
			_, err = tx.Exec(ctx, insertBucketStmt, instanceKey,
				res.TokensRemaining, s.rate, s.burst, ts)
			return err
		}
		if err != nil {
			return err
		}
		if pausedUntil != nil && pausedUntil.After(ts) {
			res = Result{Wait: pausedUntil.Sub(ts), PausedUntil: *pausedUntil}
			return nil
		}
		refilled := refill(tokens, rate, float64(burst), ts.Sub(updatedAt))
		if refilled >= tokensNeeded {
			res = Result{Allowed: true, TokensRemaining: refilled - tokensNeeded}
			_, err = tx.Exec(ctx, writeBucketStmt, instanceKey, res.TokensRemaining, nil, ts)
			return err
		}
		res = Result{
			TokensRemaining: refilled,
			Wait:            waitFor(tokensNeeded-refilled, rate),
		}
		_, err = tx.Exec(ctx, writeBucketStmt, instanceKey, refilled, pausedUntil, ts)
		return err
	})
	if err != nil {
		return Result{}, sqlpool.WrappedError(err)
	}
	return res, nil
}

// Pause implements Bucket.
func (s *SQLBucket) Pause(ctx context.Context, instanceKey string, retryAfter time.Duration) error {
	ts := now.Now(ctx)
	_, err := s.db.Exec(ctx, pauseStmt, instanceKey, s.rate, s.burst,
		ts.Add(retryAfter), ts, retryAfter.Seconds())
	return sqlpool.WrappedError(err)
}

// ClearPause implements Bucket.
func (s *SQLBucket) ClearPause(ctx context.Context, instanceKey string) error {
	_, err := s.db.Exec(ctx, clearPauseStmt, instanceKey, now.Now(ctx))
	return sqlpool.WrappedError(err)
}

func refill(tokens, rate, burst float64, elapsed time.Duration) float64 {
	if elapsed < 0 {
		elapsed = 0
	}
	refilled := tokens + elapsed.Seconds()*rate
	if refilled > burst {
		return burst
	}
	return refilled
}

func waitFor(missing, rate float64) time.Duration {
	if rate <= 0 {
		return time.Second
	}
	return time.Duration(missing / rate * float64(time.Second))
}
