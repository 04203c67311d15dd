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
	"sync"
	"sync/atomic"
	"time"

	"github.com/cardinalhq/varstore/internal/dirty"
	"github.com/cardinalhq/varstore/internal/scope"
)

var errBackendDown = errors.New("backend down")

type batchCall struct {
	kind dirty.Kind
	keys []scope.Key
}

// fakeBacking is an in-memory BackingStore that records every call.
type fakeBacking struct {
	mu    sync.Mutex
	rows  map[scope.Key]string
	calls []batchCall

	failing  atomic.Bool
	closed   atomic.Bool
	onUpsert func(rows []scope.Entry)
	// reject fails any batch holding a matching row, as a store does for
	// a value it cannot represent.
	reject func(row scope.Entry) bool
}

func newFakeBacking() *fakeBacking {
	return &fakeBacking{rows: make(map[scope.Key]string)}
}

func (f *fakeBacking) upsert(kind dirty.Kind, rows []scope.Entry) error {
	if f.onUpsert != nil {
		f.onUpsert(rows)
	}
	if f.failing.Load() {
		return errBackendDown
	}
	for _, r := range rows {
		if f.reject != nil && f.reject(r) {
			return fmt.Errorf("%w: %s", ErrRowRejected, r.Key)
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]scope.Key, len(rows))
	for i, r := range rows {
		f.rows[r.Key] = r.Value
		keys[i] = r.Key
	}
	f.calls = append(f.calls, batchCall{kind: kind, keys: keys})
	return nil
}

func (f *fakeBacking) remove(kind dirty.Kind, keys []scope.Key) error {
	if f.failing.Load() {
		return errBackendDown
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.rows, k)
	}
	f.calls = append(f.calls, batchCall{kind: kind, keys: keys})
	return nil
}

func (f *fakeBacking) UpsertOwnerValues(_ context.Context, rows []scope.Entry) error {
	return f.upsert(dirty.KindUpdateOwner, rows)
}

func (f *fakeBacking) UpsertGlobalValues(_ context.Context, rows []scope.Entry) error {
	return f.upsert(dirty.KindUpdateGlobal, rows)
}

func (f *fakeBacking) DeleteOwnerValues(_ context.Context, keys []scope.Key) error {
	return f.remove(dirty.KindDeleteOwner, keys)
}

func (f *fakeBacking) DeleteGlobalValues(_ context.Context, keys []scope.Key) error {
	return f.remove(dirty.KindDeleteGlobal, keys)
}

func (f *fakeBacking) Close() error {
	f.closed.Store(true)
	return nil
}

func (f *fakeBacking) value(key scope.Key) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.rows[key]
	return v, ok
}

func (f *fakeBacking) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeBacking) recorded() []batchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]batchCall(nil), f.calls...)
}

func (f *fakeBacking) rowCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
