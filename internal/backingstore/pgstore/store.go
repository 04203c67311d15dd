// Copyright (C) 2025-2026 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.


// Package pgstore persists variables in PostgreSQL.
//
// Global variables live in global_variables keyed by name; owner variables
// live in owner_variables keyed by (owner_id, name). Each batch call runs in
// a single transaction and sends its rows as arrays, so a batch of any size
// is one round trip per statement.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cardinalhq/varstore/internal/scope"
	"github.com/cardinalhq/varstore/internal/writebehind"
)

var _ writebehind.Backend = (*Store)(nil)

const (
	upsertGlobalSQL = `
INSERT INTO global_variables (name, value, updated_at)
SELECT t.name, t.value, now()
FROM unnest($1::text[], $2::text[]) AS t(name, value)
ON CONFLICT (name) DO UPDATE
  SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`

	upsertOwnerSQL = `
INSERT INTO owner_variables (owner_id, name, value, updated_at)
SELECT t.owner_id, t.name, t.value, now()
FROM unnest($1::text[]::uuid[], $2::text[], $3::text[]) AS t(owner_id, name, value)
ON CONFLICT (owner_id, name) DO UPDATE
  SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`

	deleteGlobalSQL = `
DELETE FROM global_variables
WHERE name = ANY($1::text[])`

	deleteOwnerSQL = `
DELETE FROM owner_variables v
USING unnest($1::text[]::uuid[], $2::text[]) AS t(owner_id, name)
WHERE v.owner_id = t.owner_id AND v.name = t.name`

	loadGlobalSQL = `
SELECT name, value FROM global_variables ORDER BY name`

	loadOwnerSQL = `
SELECT name, value FROM owner_variables WHERE owner_id = $1::text::uuid ORDER BY name`

	loadGlobalValueSQL = `
SELECT value FROM global_variables WHERE name = $1`

	loadOwnerValueSQL = `
SELECT value FROM owner_variables WHERE owner_id = $1::text::uuid AND name = $2`
)

// dbtx is satisfied by both the pool and a transaction.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Store is a writebehind.Backend on top of a pgx pool.
type Store struct {
	connPool *pgxpool.Pool
}

// NewStore wraps an open pool. Close closes the pool.
func NewStore(connPool *pgxpool.Pool) *Store {
	return &Store{connPool: connPool}
}

func (s *Store) Pool() *pgxpool.Pool {
	return s.connPool
}

func (s *Store) Close() error {
	if s.connPool != nil {
		s.connPool.Close()
	}
	return nil
}

func (s *Store) execTx(ctx context.Context, fn func(dbtx) error) (err error) {
	tx, err := s.connPool.Begin(ctx)
	if err != nil {
		return err
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		// Never use the caller ctx for cleanup as it may be cancelled.
		rbCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if rbErr := tx.Rollback(rbCtx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			err = errors.Join(err, fmt.Errorf("rollback failed: %w", rbErr))
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}

	if err = tx.Commit(ctx); err != nil {
		return err
	}
	committed = true
	return nil
}

func (s *Store) UpsertGlobalValues(ctx context.Context, rows []scope.Entry) error {
	if len(rows) == 0 {
		return nil
	}
	cols := entryColumns(rows)
	return rejected(s.execTx(ctx, func(q dbtx) error {
		if _, err := q.Exec(ctx, upsertGlobalSQL, cols.names, cols.values); err != nil {
			return fmt.Errorf("upsert %d global variables: %w", len(cols.names), err)
		}
		return nil
	}))
}

func (s *Store) UpsertOwnerValues(ctx context.Context, rows []scope.Entry) error {
	if len(rows) == 0 {
		return nil
	}
	cols := entryColumns(rows)
	return rejected(s.execTx(ctx, func(q dbtx) error {
		if _, err := q.Exec(ctx, upsertOwnerSQL, cols.owners, cols.names, cols.values); err != nil {
			return fmt.Errorf("upsert %d owner variables: %w", len(cols.names), err)
		}
		return nil
	}))
}

// rejected marks data exceptions, such as a NUL byte or invalid UTF-8 in a
// text value. Sending the same rows again cannot succeed.
func rejected(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && strings.HasPrefix(pgErr.Code, "22") {
		return fmt.Errorf("%w: %w", writebehind.ErrRowRejected, err)
	}
	return err
}

func (s *Store) DeleteGlobalValues(ctx context.Context, keys []scope.Key) error {
	if len(keys) == 0 {
		return nil
	}
	cols := keyColumns(keys)
	return s.execTx(ctx, func(q dbtx) error {
		if _, err := q.Exec(ctx, deleteGlobalSQL, cols.names); err != nil {
			return fmt.Errorf("delete %d global variables: %w", len(cols.names), err)
		}
		return nil
	})
}

func (s *Store) DeleteOwnerValues(ctx context.Context, keys []scope.Key) error {
	if len(keys) == 0 {
		return nil
	}
	cols := keyColumns(keys)
	return s.execTx(ctx, func(q dbtx) error {
		if _, err := q.Exec(ctx, deleteOwnerSQL, cols.owners, cols.names); err != nil {
			return fmt.Errorf("delete %d owner variables: %w", len(cols.names), err)
		}
		return nil
	})
}

// LoadGlobalValues returns every global variable.
func (s *Store) LoadGlobalValues(ctx context.Context) ([]scope.Entry, error) {
	return loadRows(ctx, s.connPool, uuid.Nil, loadGlobalSQL)
}

// LoadOwnerValues returns every variable stored for owner.
func (s *Store) LoadOwnerValues(ctx context.Context, owner uuid.UUID) ([]scope.Entry, error) {
	return loadRows(ctx, s.connPool, owner, loadOwnerSQL, owner.String())
}

// LoadValue returns the stored value for key.
func (s *Store) LoadValue(ctx context.Context, key scope.Key) (string, bool, error) {
	var row pgx.Row
	if key.IsGlobal() {
		row = s.connPool.QueryRow(ctx, loadGlobalValueSQL, key.Name)
	} else {
		row = s.connPool.QueryRow(ctx, loadOwnerValueSQL, key.Owner.String(), key.Name)
	}
	var value string
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("load %s: %w", key, err)
	}
	return value, true, nil
}

func loadRows(ctx context.Context, q dbtx, owner uuid.UUID, sql string, args ...any) ([]scope.Entry, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("load variables for %s: %w", owner, err)
	}
	defer rows.Close()

	var out []scope.Entry
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, fmt.Errorf("scan variable row: %w", err)
		}
		out = append(out, scope.Entry{Key: scope.Owned(owner, name), Value: value})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load variables for %s: %w", owner, err)
	}
	return out, nil
}

// columns holds one batch as parallel arrays for unnest. Owner IDs travel
// as text and are cast to uuid[] by the statement.
type columns struct {
	owners []string
	names  []string
	values []string
}

// entryColumns flattens rows, keeping the last value when a key repeats:
// ON CONFLICT DO UPDATE cannot touch the same row twice in one statement.
func entryColumns(rows []scope.Entry) columns {
	index := make(map[scope.Key]int, len(rows))
	var c columns
	for _, r := range rows {
		if i, ok := index[r.Key]; ok {
			c.values[i] = r.Value
			continue
		}
		index[r.Key] = len(c.names)
		c.owners = append(c.owners, r.Key.Owner.String())
		c.names = append(c.names, r.Key.Name)
		c.values = append(c.values, r.Value)
	}
	return c
}

func keyColumns(keys []scope.Key) columns {
	seen := make(map[scope.Key]struct{}, len(keys))
	var c columns
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		c.owners = append(c.owners, k.Owner.String())
		c.names = append(c.names, k.Name)
	}
	return c
}
