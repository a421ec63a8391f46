package kvstore

import (
	"context"
	"encoding/json"

	"go.engram.dev/scm/go/emerr"
	"go.engram.dev/scm/go/sqlpool"
)

// statements used by the SQL store.
const (
	getStmt = `
SELECT value_json FROM kv WHERE namespace = $1 AND key = $2`
	putStmt = `
INSERT INTO kv (namespace, key, value_json, updated_at)
VALUES ($1, $2, $3, now())
ON CONFLICT (namespace, key)
DO UPDATE SET value_json = excluded.value_json, updated_at = now()`
	deleteStmt = `
DELETE FROM kv WHERE namespace = $1 AND key = $2`
	listStmt = `
SELECT key, value_json FROM kv WHERE namespace = $1`
)

// sqlStore implements Store on Postgres.
type sqlStore struct {
	db sqlpool.Pool
}

// NewSQLStore returns a Store over the kv table.
func NewSQLStore(db sqlpool.Pool) Store {
	return &sqlStore{db: db}
}

// Get implements Store.
func (s *sqlStore) Get(ctx context.Context, namespace, key string) (json.RawMessage, bool, error) {
	var raw []byte
	if err := s.db.QueryRow(ctx, getStmt, namespace, key).Scan(&raw); err != nil {
		if sqlpool.IsNoRows(err) {
			return nil, false, nil
		}
		return nil, false, sqlpool.WrappedError(err)
	}
	return raw, true, nil
}

// Put implements Store.
func (s *sqlStore) Put(ctx context.Context, namespace, key string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return emerr.Wrapf(err, "marshaling kv value for %s/%s", namespace, key)
	}
	_, err = s.db.Exec(ctx, putStmt, namespace, key, raw)
	return sqlpool.WrappedError(err)
}

// Delete implements Store.
func (s *sqlStore) Delete(ctx context.Context, namespace, key string) error {
	_, err := s.db.Exec(ctx, deleteStmt, namespace, key)
	return sqlpool.WrappedError(err)
}

// List implements Store.
func (s *sqlStore) List(ctx context.Context, namespace string) (map[string]json.RawMessage, error) {
	rows, err := s.db.Query(ctx, listStmt, namespace)
	if err != nil {
		return nil, sqlpool.WrappedError(err)
	}
	defer rows.Close()
	out := map[string]json.RawMessage{}
	for rows.Next() {
		var key string
		var raw []byte
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, sqlpool.WrappedError(err)
		}
		out[key] = raw
	}
	return out, sqlpool.WrappedError(rows.Err())
}
