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

package writebehind

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/cardinalhq/varstore/internal/dirty"
	"github.com/cardinalhq/varstore/internal/scope"
)

// BackingStore is the durable copy of the variable store. Every call
// applies all of its rows or none of them, and overwriting a row with the
// same value must be harmless since a batch can be delivered more than once.
type BackingStore interface {
	UpsertOwnerValues(ctx context.Context, rows []scope.Entry) error
	UpsertGlobalValues(ctx context.Context, rows []scope.Entry) error
	DeleteOwnerValues(ctx context.Context, keys []scope.Key) error
	DeleteGlobalValues(ctx context.Context, keys []scope.Key) error
	Close() error
}

// Loader reads durable rows back for hydration and for keys evicted from memory.
type Loader interface {
	LoadGlobalValues(ctx context.Context) ([]scope.Entry, error)
	LoadOwnerValues(ctx context.Context, owner uuid.UUID) ([]scope.Entry, error)
	// LoadValue reads one row. ok is false when there is no row for key.
	LoadValue(ctx context.Context, key scope.Key) (value string, ok bool, err error)
}

// Backend is a BackingStore that can also hydrate.
type Backend interface {
	BackingStore
	Loader
}

// BatchError reports one failed batch.
type BatchError struct {
	Kind dirty.Kind
	Rows int
	Err  error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("%s batch of %d rows: %v", e.Kind, e.Rows, e.Err)
}

func (e *BatchError) Unwrap() error {
	return e.Err
}

var (
	// ErrShutdownDrainTimeout is returned by Shutdown when pending writes
	// could not be persisted before the deadline.
	ErrShutdownDrainTimeout = errors.New("shutdown drain timed out with pending writes")
	// ErrClosed is returned by operations attempted after Shutdown.
	ErrClosed = errors.New("write-behind coordinator is shut down")
	// ErrRowRejected is wrapped by a backing store when a row in the batch
	// can never be stored as given. The batch is split to find the row.
	ErrRowRejected = errors.New("row rejected by backing store")
)

// apply sends one batch of tasks that share a kind to the backing store.
func apply(ctx context.Context, bs BackingStore, kind dirty.Kind, tasks []dirty.Task) error {
	if kind.IsDelete() {
		keys := make([]scope.Key, len(tasks))
		for i, t := range tasks {
			keys[i] = t.Key
		}
		if kind.IsGlobal() {
			return bs.DeleteGlobalValues(ctx, keys)
		}
		return bs.DeleteOwnerValues(ctx, keys)
	}

	rows := make([]scope.Entry, len(tasks))
	for i, t := range tasks {
		rows[i] = t.Row()
	}
	if kind.IsGlobal() {
		return bs.UpsertGlobalValues(ctx, rows)
	}
	return bs.UpsertOwnerValues(ctx, rows)
}
