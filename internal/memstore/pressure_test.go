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

package memstore

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardinalhq/varstore/internal/dirty"
	"github.com/cardinalhq/varstore/internal/scope"
)

func pressureConfig(budget int64) Config {
	return Config{
		MemoryBudgetBytes: budget,
		WarnRatio:         0.80,
		EvictRatio:        0.95,
		Lifecycle: LifecycleConfig{
			NewWindow:      0,
			HotWindow:      10 * time.Second,
			HotAccessCount: 1000,
			ColdAfter:      time.Minute,
		},
	}
}

func TestPressure_EvictsOnlyCleanColdOldestFirst(t *testing.T) {
	clock := newFakeClock()
	l := &recordingListener{}
	s := New(pressureConfig(10_000), WithClock(clock.Now))
	s.SetListener(l)

	value := strings.Repeat("x", 100)

	// 10 clean cells of 263 bytes each, accessed in name order.
	var clean []scope.Entry
	for i := 0; i < 10; i++ {
		clean = append(clean, scope.Entry{Key: scope.Global(fmt.Sprintf("c%02d", i)), Value: value})
	}
	require.Equal(t, 10, s.Load(clean))
	for _, e := range clean {
		clock.Advance(time.Second)
		_, ok := s.Get(e.Key)
		require.True(t, ok)
	}

	// 20 dirty cells of 263 bytes each.
	for i := 0; i < 20; i++ {
		s.Set(scope.Global(fmt.Sprintf("d%02d", i)), value)
	}
	require.Equal(t, PressureNormal, s.Stats().Pressure)

	clock.Advance(2 * time.Minute)

	// 1663 more bytes pushes usage to 9553 of 10000, past the eviction threshold.
	require.True(t, s.Set(scope.Global("big"), strings.Repeat("y", 1500)))

	for i := 0; i < 6; i++ {
		_, ok := s.Get(scope.Global(fmt.Sprintf("c%02d", i)))
		assert.False(t, ok, "c%02d should have been evicted", i)
	}
	for i := 6; i < 10; i++ {
		_, ok := s.Get(scope.Global(fmt.Sprintf("c%02d", i)))
		assert.True(t, ok, "c%02d should have survived", i)
	}
	for i := 0; i < 20; i++ {
		snap, ok := s.Get(scope.Global(fmt.Sprintf("d%02d", i)))
		require.True(t, ok, "dirty cell d%02d must never be evicted", i)
		assert.True(t, snap.Dirty)
	}

	st := s.Stats()
	assert.Equal(t, int64(6), st.Evictions)
	assert.Equal(t, int64(7975), st.UsedBytes)
	assert.Equal(t, PressureNormal, st.Pressure)
	assert.Equal(t, int32(1), l.pressure.Load())
	assert.Equal(t, 21, s.DirtyCount())
}

func TestPressure_NothingEvictableStillAcceptsWrites(t *testing.T) {
	clock := newFakeClock()
	l := &recordingListener{}
	s := New(pressureConfig(1000), WithClock(clock.Now))
	s.SetListener(l)

	require.True(t, s.Set(scope.Global("a"), strings.Repeat("a", 900)))
	assert.Equal(t, PressureCritical, s.Stats().Pressure)
	assert.Equal(t, int32(1), l.pressure.Load())

	require.True(t, s.Set(scope.Global("b"), "0123456789"))
	v, ok := s.Value(scope.Global("b"))
	require.True(t, ok)
	assert.Equal(t, "0123456789", v)

	st := s.Stats()
	assert.Equal(t, PressureCritical, st.Pressure)
	assert.Equal(t, int64(2), st.PressureEvents)
	assert.Zero(t, st.Evictions)
	assert.Equal(t, int32(2), l.pressure.Load())
}

func TestPressure_RelieveAfterFlush(t *testing.T) {
	clock := newFakeClock()
	s := New(pressureConfig(1000), WithClock(clock.Now))

	s.Set(scope.Global("a"), strings.Repeat("a", 900))
	clock.Advance(time.Second)
	s.Set(scope.Global("b"), "0123456789")
	require.Equal(t, PressureCritical, s.Stats().Pressure)

	for _, e := range s.ClaimDirty(nil) {
		require.True(t, s.ClearDirty(e.Key, 1, e.Flag))
		s.ReleaseDirty([]scope.Key{e.Key})
	}
	require.Zero(t, s.DirtyCount())

	clock.Advance(2 * time.Minute)
	assert.Equal(t, PressureNormal, s.RelievePressure())

	_, ok := s.Value(scope.Global("a"))
	assert.False(t, ok, "longest idle cell goes first")
	_, ok = s.Value(scope.Global("b"))
	assert.True(t, ok, "eviction stops once usage is back under the warning threshold")
}

func TestPressure_WarningNotifiesOnce(t *testing.T) {
	clock := newFakeClock()
	l := &recordingListener{}
	s := New(pressureConfig(1000), WithClock(clock.Now))
	s.SetListener(l)

	s.Set(scope.Global("a"), strings.Repeat("a", 600))
	assert.Equal(t, PressureNormal, s.Stats().Pressure)

	s.Set(scope.Global("b"), strings.Repeat("b", 20))
	assert.Equal(t, PressureWarning, s.Stats().Pressure)
	assert.Equal(t, int32(1), l.pressure.Load())

	s.Set(scope.Global("a"), strings.Repeat("a", 601))
	assert.Equal(t, PressureWarning, s.Stats().Pressure)
	assert.Equal(t, int32(1), l.pressure.Load())
}

func TestPressure_DisabledWithZeroBudget(t *testing.T) {
	s := New(Config{Lifecycle: DefaultLifecycleConfig()})
	s.Set(scope.Global("a"), strings.Repeat("a", 1<<16))
	assert.Equal(t, PressureNormal, s.Stats().Pressure)
	assert.Zero(t, s.Stats().PressureEvents)
}

func TestPressureLevel_String(t *testing.T) {
	assert.Equal(t, "normal", PressureNormal.String())
	assert.Equal(t, "warning", PressureWarning.String())
	assert.Equal(t, "critical", PressureCritical.String())
	assert.Equal(t, "unknown", PressureLevel(9).String())
}

func TestPressure_EvictedKeysAreRemembered(t *testing.T) {
	clock := newFakeClock()
	s := New(pressureConfig(1000), WithClock(clock.Now))
	a, b := scope.Global("a"), scope.Global("b")

	s.Load([]scope.Entry{{Key: a, Value: strings.Repeat("a", 900)}})
	clock.Advance(2 * time.Minute)
	s.Set(b, "0123456789")
	_, ok := s.Value(a)
	require.False(t, ok)
	require.True(t, s.Evicted(a))
	assert.False(t, s.Evicted(b))
	assert.Equal(t, 1, s.Stats().Evicted)

	assert.True(t, s.Restore(scope.Entry{Key: a, Value: "durable"}))
	snap, ok := s.Get(a)
	require.True(t, ok)
	assert.Equal(t, "durable", snap.Value)
	assert.False(t, snap.Dirty)
	assert.False(t, s.Evicted(a))
	assert.False(t, s.Restore(scope.Entry{Key: a, Value: "again"}), "only an evicted key is restored")
	assert.Equal(t, int64(1), s.Stats().Restores)
}

func TestPressure_WriteOrRemoveAfterEvictionWins(t *testing.T) {
	clock := newFakeClock()
	s := New(pressureConfig(2000), WithClock(clock.Now))
	written, removed := scope.Global("w"), scope.Global("r")

	s.Load([]scope.Entry{
		{Key: written, Value: strings.Repeat("w", 700)},
		{Key: removed, Value: strings.Repeat("r", 700)},
	})
	clock.Advance(2 * time.Minute)
	s.Set(scope.Global("big"), strings.Repeat("b", 900))
	require.True(t, s.Evicted(written))
	require.True(t, s.Evicted(removed))

	require.True(t, s.Set(written, "fresh"))
	assert.False(t, s.Restore(scope.Entry{Key: written, Value: "stale"}))
	v, _ := s.Value(written)
	assert.Equal(t, "fresh", v)

	assert.True(t, s.Remove(removed), "an evicted key still has a durable row to delete")
	assert.False(t, s.Evicted(removed))
	assert.False(t, s.Restore(scope.Entry{Key: removed, Value: "stale"}))
	_, ok := s.Value(removed)
	assert.False(t, ok)
	assert.False(t, s.Remove(removed))

	var kinds []dirty.Kind
	for _, e := range s.SnapshotAllDirty() {
		if e.Key == removed {
			kinds = append(kinds, e.Flag.Kind())
		}
	}
	assert.Equal(t, []dirty.Kind{dirty.KindDeleteGlobal}, kinds)
}
