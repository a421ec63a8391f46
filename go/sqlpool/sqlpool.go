// Package sqlpool defines the Pool interface used by every SQL-backed store in
// this repo. It is the subset of pgxpool.Pool we actually call, pulled behind
// an interface so pools can be wrapped (timeouts, tracing) and mocked.
package sqlpool

import (
	"context"
	"errors"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"go.engram.dev/scm/go/emerr"
)

// Pool is the interface for a connection pool to a Postgres database.
type Pool interface {
	Close()
	Exec(ctx context.Context, sql string, arguments ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	BeginFunc(ctx context.Context, f func(pgx.Tx) error) error
	Ping(ctx context.Context) error
}

// Confirm *pgxpool.Pool implements Pool.
var _ Pool = (*pgxpool.Pool)(nil)

// New connects to the database at the given URL with the given connection
// limit.
func New(ctx context.Context, url string, maxConns int32) (Pool, error) {
	conf, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, emerr.Wrapf(err, "parsing postgres config from %q", url)
	}
	if maxConns > 0 {
		conf.MaxConns = maxConns
	}
	db, err := pgxpool.ConnectConfig(ctx, conf)
	if err != nil {
		return nil, emerr.Wrapf(err, "connecting to the database")
	}
	return db, nil
}

// IsNoRows returns true if err means the query matched nothing.
func IsNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// IsUniqueViolation returns true for a Postgres unique-constraint violation.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// WrappedError unwraps a pgconn.PgError, if present, and re-wraps it with the
// details Postgres provides, which otherwise get lost in the generic message.
func WrappedError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return emerr.Wrapf(err, "msg: %s, code: %s, detail: %s, hint: %s", pgErr.Message, pgErr.Code, pgErr.Detail, pgErr.Hint)
	}
	return emerr.Wrap(err)
}
