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


package varstore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardinalhq/varstore/internal/derivecache"
	"github.com/cardinalhq/varstore/internal/memstore"
	"github.com/cardinalhq/varstore/internal/scope"
	"github.com/cardinalhq/varstore/internal/writebehind"
)

// memBackend is an in-memory writebehind.Backend.
type memBackend struct {
	mu      sync.Mutex
	rows    map[scope.Key]string
	deletes int

	failLoad atomic.Bool
	failing  atomic.Bool
	closed   atomic.Bool
}

var errBackend = errors.New("backend unavailable")

func newMemBackend(rows ...scope.Entry) *memBackend {
	b := &memBackend{rows: make(map[scope.Key]string)}
	for _, r := range rows {
		b.rows[r.Key] = r.Value
	}
	return b
}

func (b *memBackend) upsert(rows []scope.Entry) error {
	if b.failing.Load() {
		return errBackend
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, r := range rows {
		b.rows[r.Key] = r.Value
	}
	return nil
}

func (b *memBackend) remove(keys []scope.Key) error {
	if b.failing.Load() {
		return errBackend
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, k := range keys {
		delete(b.rows, k)
	}
	b.deletes++
	return nil
}

func (b *memBackend) UpsertOwnerValues(_ context.Context, rows []scope.Entry) error {
	return b.upsert(rows)
}

func (b *memBackend) UpsertGlobalValues(_ context.Context, rows []scope.Entry) error {
	return b.upsert(rows)
}

func (b *memBackend) DeleteOwnerValues(_ context.Context, keys []scope.Key) error {
	return b.remove(keys)
}

func (b *memBackend) DeleteGlobalValues(_ context.Context, keys []scope.Key) error {
	return b.remove(keys)
}

func (b *memBackend) LoadGlobalValues(_ context.Context) ([]scope.Entry, error) {
	return b.load(scope.GlobalOwner)
}

func (b *memBackend) LoadOwnerValues(_ context.Context, owner uuid.UUID) ([]scope.Entry, error) {
	return b.load(owner)
}

func (b *memBackend) LoadValue(_ context.Context, key scope.Key) (string, bool, error) {
	if b.failLoad.Load() {
		return "", false, errBackend
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.rows[key]
	return v, ok, nil
}

func (b *memBackend) load(owner uuid.UUID) ([]scope.Entry, error) {
	if b.failLoad.Load() {
		return nil, errBackend
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []scope.Entry
	for k, v := range b.rows {
		if k.Owner == owner {
			out = append(out, scope.Entry{Key: k, Value: v})
		}
	}
	return out, nil
}

func (b *memBackend) Close() error {
	b.closed.Store(true)
	return nil
}

func (b *memBackend) value(key scope.Key) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.rows[key]
	return v, ok
}

var refPattern = regexp.MustCompile(`\$\{([A-Za-z0-9_]+)\}`)

// globalRefs expands ${name} from global variables and reports what it read.
type globalRefs struct {
	svc   *Service
	calls atomic.Int32
}

func (e *globalRefs) Evaluate(_ context.Context, raw string, _ uuid.UUID) (derivecache.Evaluation, error) {
	e.calls.Add(1)
	var refs []scope.Key
	out := refPattern.ReplaceAllStringFunc(raw, func(m string) string {
		key := scope.Global(refPattern.FindStringSubmatch(m)[1])
		refs = append(refs, key)
		v, _ := e.svc.Get(key)
		return v
	})
	return derivecache.Evaluation{Value: out, References: refs}, nil
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Store.MemoryBudgetBytes = 0
	cfg.Persist.FlushInterval = time.Hour
	cfg.Persist.CoalesceWindow = 5 * time.Millisecond
	cfg.Persist.ShutdownTimeout = 2 * time.Second
	return cfg
}

func newTestService(t *testing.T, backend *memBackend, opts ...Option) *Service {
	t.Helper()
	svc := New(testConfig(), backend, opts...)
	t.Cleanup(func() { _ = svc.Shutdown(context.Background()) })
	return svc
}

func TestStart_HydratesGlobalsWithoutDirtying(t *testing.T) {
	owner := uuid.New()
	backend := newMemBackend(
		scope.Entry{Key: scope.Global("region"), Value: "eu"},
		scope.Entry{Key: scope.Owned(owner, "name"), Value: "alice"},
	)
	svc := newTestService(t, backend)
	assert.False(t, svc.Ready())

	require.NoError(t, svc.Start(context.Background()))
	assert.True(t, svc.Ready())

	v, ok := svc.Get(scope.Global("region"))
	assert.True(t, ok)
	assert.Equal(t, "eu", v)

	// Owner rows wait for the owner to connect.
	_, ok = svc.Get(scope.Owned(owner, "name"))
	assert.False(t, ok)
	assert.Equal(t, 0, svc.Stats().Memory.DirtyCount)
}

func TestStart_HydrationFailure(t *testing.T) {
	backend := newMemBackend()
	backend.failLoad.Store(true)
	svc := newTestService(t, backend)

	assert.ErrorIs(t, svc.Start(context.Background()), errBackend)
	assert.False(t, svc.Ready())
}

func TestSet_VisibleBeforePersistence(t *testing.T) {
	backend := newMemBackend()
	svc := newTestService(t, backend)
	key := scope.Global("motd")

	assert.True(t, svc.Set(key, "hello"))
	assert.False(t, svc.Set(key, "hello"))

	v, ok := svc.Get(key)
	assert.True(t, ok)
	assert.Equal(t, "hello", v)
	_, persisted := backend.value(key)
	assert.False(t, persisted)

	res, err := svc.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Committed)
	v, persisted = backend.value(key)
	assert.True(t, persisted)
	assert.Equal(t, "hello", v)
}

func TestSet_PersistedByWorkers(t *testing.T) {
	backend := newMemBackend()
	svc := newTestService(t, backend)
	require.NoError(t, svc.Start(context.Background()))

	key := scope.Owned(uuid.New(), "theme")
	svc.Set(key, "dark")

	require.Eventually(t, func() bool {
		v, ok := backend.value(key)
		return ok && v == "dark"
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return svc.Stats().Memory.DirtyCount == 0 }, time.Second, 5*time.Millisecond)
}

func TestRemove_SchedulesDelete(t *testing.T) {
	key := scope.Global("old")
	backend := newMemBackend(scope.Entry{Key: key, Value: "x"})
	svc := newTestService(t, backend)
	require.NoError(t, svc.Start(context.Background()))

	assert.True(t, svc.Remove(key))
	assert.False(t, svc.Remove(key))
	_, ok := svc.Get(key)
	assert.False(t, ok)

	require.Eventually(t, func() bool {
		_, ok := backend.value(key)
		return !ok
	}, 2*time.Second, 5*time.Millisecond)
}

func TestEviction_ReadsBackFromBackingStore(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(d)
	}

	value := strings.Repeat("x", 100)
	var rows []scope.Entry
	for i := 0; i < 10; i++ {
		rows = append(rows, scope.Entry{Key: scope.Global(fmt.Sprintf("g%02d", i)), Value: value})
	}
	backend := newMemBackend(rows...)

	cfg := testConfig()
	cfg.Store = memstore.Config{
		MemoryBudgetBytes: 3000,
		WarnRatio:         0.80,
		EvictRatio:        0.95,
		Lifecycle: memstore.LifecycleConfig{
			HotWindow:      10 * time.Second,
			HotAccessCount: 1000,
			ColdAfter:      time.Minute,
		},
	}
	svc := New(cfg, backend, WithClock(clock))
	t.Cleanup(func() { _ = svc.Shutdown(context.Background()) })
	require.NoError(t, svc.Start(context.Background()))

	// Read in name order so the lowest names are the longest idle.
	for _, r := range rows {
		advance(time.Second)
		_, ok := svc.Get(r.Key)
		require.True(t, ok)
	}
	advance(2 * time.Minute)
	svc.Set(scope.Global("big"), strings.Repeat("y", 1000))
	require.Equal(t, int64(6), svc.Stats().Memory.Evictions)

	// g00..g05 are out of memory but still durable.
	v, ok := svc.Get(scope.Global("g01"))
	assert.True(t, ok)
	assert.Equal(t, value, v)
	snap, ok := svc.Lookup(scope.Global("g01"))
	require.True(t, ok)
	assert.False(t, snap.Dirty)

	r, err := svc.Resolve(context.Background(), scope.Global("g02"))
	require.NoError(t, err)
	assert.Equal(t, value, r.Value)

	backend.failLoad.Store(true)
	_, ok = svc.Get(scope.Global("g03"))
	assert.False(t, ok, "a failed read-back reports a miss")
	backend.failLoad.Store(false)
	v, ok = svc.Get(scope.Global("g03"))
	assert.True(t, ok, "and is retried on the next read")
	assert.Equal(t, value, v)

	assert.True(t, svc.Remove(scope.Global("g00")), "removing an evicted key deletes its row")
	_, err = svc.Flush(context.Background())
	require.NoError(t, err)
	_, ok = backend.value(scope.Global("g00"))
	assert.False(t, ok)
	_, ok = svc.Get(scope.Global("g00"))
	assert.False(t, ok)

	assert.True(t, svc.Set(scope.Global("g04"), "new"))
	v, _ = svc.Get(scope.Global("g04"))
	assert.Equal(t, "new", v, "a write after eviction is not replaced by the durable row")
}

func TestResolve_SetInvalidatesDerivedValues(t *testing.T) {
	backend := newMemBackend()
	ev := &globalRefs{}
	svc := newTestService(t, backend, WithEvaluator(ev))
	ev.svc = svc
	ctx := context.Background()

	svc.Set(scope.Global("host"), "db1")
	svc.Set(scope.Global("dsn"), "postgres://${host}/app")

	r, err := svc.Resolve(ctx, scope.Global("dsn"))
	require.NoError(t, err)
	assert.Equal(t, "postgres://db1/app", r.Value)
	assert.Equal(t, int32(1), ev.calls.Load())

	r, err = svc.Resolve(ctx, scope.Global("dsn"))
	require.NoError(t, err)
	assert.Equal(t, derivecache.LevelL3, r.Level)
	assert.Equal(t, int32(1), ev.calls.Load())

	svc.Set(scope.Global("host"), "db2")
	r, err = svc.Resolve(ctx, scope.Global("dsn"))
	require.NoError(t, err)
	assert.Equal(t, derivecache.LevelMiss, r.Level)
	assert.Equal(t, "postgres://db2/app", r.Value)
}

func TestResolve_LiteralEvaluatorByDefault(t *testing.T) {
	svc := newTestService(t, newMemBackend())
	key := scope.Global("tpl")
	svc.Set(key, "${not_expanded}")

	r, err := svc.Resolve(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, "${not_expanded}", r.Value)
}

func TestOwnerConnected_PrewarmKeepsLocalWrites(t *testing.T) {
	owner := uuid.New()
	backend := newMemBackend(
		scope.Entry{Key: scope.Owned(owner, "a"), Value: "stored-a"},
		scope.Entry{Key: scope.Owned(owner, "b"), Value: "stored-b"},
	)
	svc := newTestService(t, backend)

	svc.Set(scope.Owned(owner, "b"), "local-b")
	require.NoError(t, svc.OwnerConnected(context.Background(), owner))

	v, _ := svc.Get(scope.Owned(owner, "a"))
	assert.Equal(t, "stored-a", v)
	v, _ = svc.Get(scope.Owned(owner, "b"))
	assert.Equal(t, "local-b", v)
}

func TestOwnerConnected_LoadFailure(t *testing.T) {
	backend := newMemBackend()
	backend.failLoad.Store(true)
	svc := newTestService(t, backend)

	assert.ErrorIs(t, svc.OwnerConnected(context.Background(), uuid.New()), errBackend)
}

func TestOwnerDisconnected_FlushesAndEvicts(t *testing.T) {
	backend := newMemBackend()
	svc := newTestService(t, backend)
	owner := uuid.New()
	keys := []scope.Key{scope.Owned(owner, "a"), scope.Owned(owner, "b")}
	for _, k := range keys {
		svc.Set(k, "v-"+k.Name)
	}

	svc.OwnerDisconnected(owner)

	require.Eventually(t, func() bool {
		for _, k := range keys {
			if _, ok := svc.Lookup(k); ok {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)
	for _, k := range keys {
		v, ok := backend.value(k)
		assert.True(t, ok)
		assert.Equal(t, "v-"+k.Name, v)
	}
}

func TestHardReset_BypassesWriteBehind(t *testing.T) {
	owner := uuid.New()
	key := scope.Owned(owner, "counter")
	backend := newMemBackend(scope.Entry{Key: key, Value: "7"})
	svc := newTestService(t, backend)
	require.NoError(t, svc.OwnerConnected(context.Background(), owner))

	svc.Set(key, "8")
	first, ok := svc.FirstModified(key)
	require.True(t, ok)
	assert.False(t, first.IsZero())

	require.NoError(t, svc.HardReset(context.Background(), key))

	_, ok = svc.Get(key)
	assert.False(t, ok)
	_, ok = backend.value(key)
	assert.False(t, ok)
	assert.Equal(t, 0, svc.Stats().Memory.DirtyCount)

	res, err := svc.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Claimed)
}

func TestHardReset_BackendFailure(t *testing.T) {
	key := scope.Global("x")
	backend := newMemBackend()
	svc := newTestService(t, backend)
	svc.Set(key, "1")
	backend.failing.Store(true)

	err := svc.HardReset(context.Background(), key)
	assert.ErrorIs(t, err, errBackend)
	_, ok := svc.Get(key)
	assert.False(t, ok)
}

func TestShutdown_FinalDrainAndClose(t *testing.T) {
	backend := newMemBackend()
	svc := New(testConfig(), backend)
	require.NoError(t, svc.Start(context.Background()))

	key := scope.Global("late")
	svc.Set(key, "write")
	require.NoError(t, svc.Shutdown(context.Background()))

	v, ok := backend.value(key)
	assert.True(t, ok)
	assert.Equal(t, "write", v)
	assert.True(t, backend.closed.Load())
	assert.False(t, svc.Ready())
	assert.True(t, svc.Healthy())

	_, err := svc.Flush(context.Background())
	assert.ErrorIs(t, err, writebehind.ErrClosed)
}

func TestShutdown_TimeoutMarksUnhealthy(t *testing.T) {
	backend := newMemBackend()
	cfg := testConfig()
	cfg.Persist.ShutdownTimeout = 100 * time.Millisecond
	svc := New(cfg, backend)

	svc.Set(scope.Global("stuck"), "v")
	backend.failing.Store(true)

	err := svc.Shutdown(context.Background())
	assert.ErrorIs(t, err, writebehind.ErrShutdownDrainTimeout)
	assert.False(t, svc.Healthy())
	assert.True(t, backend.closed.Load())
}

func TestStats_Combined(t *testing.T) {
	svc := newTestService(t, newMemBackend())
	ctx := context.Background()
	svc.Set(scope.Global("a"), "1")
	svc.Set(scope.Global("b"), "2")

	_, err := svc.Resolve(ctx, scope.Global("a"))
	require.NoError(t, err)
	_, err = svc.Resolve(ctx, scope.Global("a"))
	require.NoError(t, err)
	_, err = svc.Flush(ctx)
	require.NoError(t, err)

	st := svc.Stats()
	assert.Equal(t, int64(2), st.Memory.Cells)
	assert.Equal(t, 0, st.Memory.DirtyCount)
	assert.Equal(t, int64(1), st.Cache.L3Hits)
	assert.Equal(t, int64(1), st.Cache.Misses)
	assert.Equal(t, int64(2), st.Persist.Committed)
}
