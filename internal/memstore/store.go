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

// Package memstore is the in-memory source of truth for live variable values.
//
// # Locking
//
// One RWMutex covers every scope. Reads take the shared lock; writes,
// removals, hydration and cleanup take the exclusive lock. Access tracking
// on reads is atomic so it does not need the exclusive lock.
//
// # Dirty tracking
//
// Every value-changing write registers a flag in the dirty index and
// notifies the Listener. The store never talks to a backing store itself.
package memstore

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/cardinalhq/varstore/internal/dirty"
	"github.com/cardinalhq/varstore/internal/scope"
)

// Config controls the memory budget and lifecycle classification.
type Config struct {
	// MemoryBudgetBytes is the estimated byte budget for all cells. Zero disables pressure handling.
	MemoryBudgetBytes int64 `mapstructure:"memory_budget_bytes"`
	// WarnRatio is the fraction of the budget at which pressure is reported.
	WarnRatio float64 `mapstructure:"warn_ratio"`
	// EvictRatio is the fraction of the budget at which clean cold cells are evicted.
	EvictRatio float64         `mapstructure:"evict_ratio"`
	Lifecycle  LifecycleConfig `mapstructure:"lifecycle"`
}

func DefaultConfig() Config {
	return Config{
		MemoryBudgetBytes: 256 * 1024 * 1024,
		WarnRatio:         0.80,
		EvictRatio:        0.95,
		Lifecycle:         DefaultLifecycleConfig(),
	}
}

// Listener receives notifications from the store. Implementations are
// called with the store lock held and must not block or call back into the store.
type Listener interface {
	KeyDirtied(key scope.Key)
	MemoryPressure()
}

type Option func(*Store)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.ll = logger
	}
}

// Store is a concurrent map of cells keyed by scope.
type Store struct {
	mu       sync.RWMutex
	global   map[string]*cell
	owners   map[uuid.UUID]map[string]*cell
	index    *dirty.Index
	listener Listener

	// evicted holds keys dropped under memory pressure whose durable copy
	// is current. They are read back on demand.
	evicted map[scope.Key]struct{}

	cfg Config
	now func() time.Time
	ll  *slog.Logger

	usedBytes atomic.Int64
	cellCount atomic.Int64

	level          atomic.Int32
	evictBlocked   bool
	lastEvictScan  time.Time
	lastPressedLog time.Time
	evictions      atomic.Int64
	restores       atomic.Int64
	pressureEvents atomic.Int64
}

func New(cfg Config, opts ...Option) *Store {
	s := &Store{
		global:  make(map[string]*cell),
		owners:  make(map[uuid.UUID]map[string]*cell),
		evicted: make(map[scope.Key]struct{}),
		index:   dirty.NewIndex(),
		cfg:     cfg,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.ll == nil {
		s.ll = slog.Default()
	}
	s.ll = s.ll.With("component", "memstore")
	return s
}

// SetListener registers the receiver of dirty and pressure notifications.
func (s *Store) SetListener(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listener = l
}

func (s *Store) lookupLocked(key scope.Key) (*cell, bool) {
	if key.IsGlobal() {
		c, ok := s.global[key.Name]
		return c, ok
	}
	cells, ok := s.owners[key.Owner]
	if !ok {
		return nil, false
	}
	c, ok := cells[key.Name]
	return c, ok
}

func (s *Store) insertLocked(key scope.Key, c *cell) {
	if key.IsGlobal() {
		s.global[key.Name] = c
	} else {
		cells, ok := s.owners[key.Owner]
		if !ok {
			cells = make(map[string]*cell)
			s.owners[key.Owner] = cells
		}
		cells[key.Name] = c
	}
	delete(s.evicted, key)
	s.usedBytes.Add(c.size)
	s.cellCount.Add(1)
}

func (s *Store) deleteLocked(key scope.Key) (*cell, bool) {
	var c *cell
	if key.IsGlobal() {
		var ok bool
		if c, ok = s.global[key.Name]; !ok {
			return nil, false
		}
		delete(s.global, key.Name)
	} else {
		cells, ok := s.owners[key.Owner]
		if !ok {
			return nil, false
		}
		if c, ok = cells[key.Name]; !ok {
			return nil, false
		}
		delete(cells, key.Name)
		if len(cells) == 0 {
			delete(s.owners, key.Owner)
		}
	}
	s.usedBytes.Add(-c.size)
	s.cellCount.Add(-1)
	return c, true
}

// Get returns a snapshot of the cell for key and records the access.
func (s *Store) Get(key scope.Key) (Snapshot, bool) {
	now := s.now()
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.lookupLocked(key)
	if !ok {
		return Snapshot{}, false
	}
	c.touch(now)
	return c.snapshot(now, s.cfg.Lifecycle), true
}

// Value returns only the current value for key.
func (s *Store) Value(key scope.Key) (string, bool) {
	snap, ok := s.Get(key)
	return snap.Value, ok
}

// Set creates or updates the cell for key. It returns false if the write
// did not change the value, in which case the version, dirty state and any
// caches derived from the cell are untouched.
func (s *Store) Set(key scope.Key, value string) bool {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.lookupLocked(key)
	if !ok {
		c = newCell(key.Name, value, now)
		s.insertLocked(key, c)
	} else {
		before := c.size
		if !c.set(key.Name, value, now) {
			return false
		}
		s.usedBytes.Add(c.size - before)
		c.lastAccess.Store(now.UnixNano())
	}

	s.trackDirtyLocked(key, c, now)
	s.checkPressureLocked(now)
	return true
}

func (s *Store) trackDirtyLocked(key scope.Key, c *cell, now time.Time) {
	if !c.dirty {
		// Written back to the committed value. If a drain is currently
		// persisting the intermediate value the flag has to survive so the
		// committed value gets written again afterwards.
		if s.index.RemoveUnclaimed(key) {
			return
		}
		c.dirty = true
	}
	s.index.Mark(key, dirty.UpdateKind(key), now)
	if s.listener != nil {
		s.listener.KeyDirtied(key)
	}
}

// Remove deletes the cell for key and schedules a durable delete.
// A key evicted under memory pressure still has a durable row, so it is
// deleted too. Returns false if there was nothing to delete.
func (s *Store) Remove(key scope.Key) bool {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.deleteLocked(key); !ok {
		if _, evicted := s.evicted[key]; !evicted {
			return false
		}
		delete(s.evicted, key)
	}
	s.index.Mark(key, dirty.DeleteKind(key), now)
	if s.listener != nil {
		s.listener.KeyDirtied(key)
	}
	return true
}

// Load hydrates cells from durable rows without marking them dirty.
// Cells holding unpersisted writes are left alone. Returns the number of
// cells created or refreshed.
func (s *Store) Load(entries []scope.Entry) int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	loaded := 0
	for _, e := range entries {
		c, ok := s.lookupLocked(e.Key)
		switch {
		case !ok:
			s.insertLocked(e.Key, loadedCell(e.Key.Name, e.Value, now))
		case c.dirty || c.value == e.Value:
			continue
		default:
			before := c.size
			c.value = e.Value
			c.original = e.Value
			c.committed = true
			c.version++
			c.modified = now
			c.size = estimateSize(e.Key.Name, c.value, c.original)
			s.usedBytes.Add(c.size - before)
		}
		loaded++
	}
	s.evictBlocked = false
	s.checkPressureLocked(now)
	return loaded
}

// SnapshotAllDirty returns every pending entry, including ones currently being drained.
func (s *Store) SnapshotAllDirty() []dirty.Entry {
	return s.index.Snapshot(nil)
}

// SnapshotOwnerDirty returns the pending entries for one owner.
func (s *Store) SnapshotOwnerDirty(owner uuid.UUID) []dirty.Entry {
	return s.index.Snapshot(func(k scope.Key) bool {
		return k.Owner == owner
	})
}

// ClaimDirty claims pending entries accepted by filter for a drain.
// The keys must be released with ReleaseDirty.
func (s *Store) ClaimDirty(filter func(scope.Key) bool) []dirty.Entry {
	return s.index.Claim(filter)
}

// ClaimDirtyKeys claims the listed keys that have pending entries.
func (s *Store) ClaimDirtyKeys(keys []scope.Key) []dirty.Entry {
	return s.index.ClaimKeys(keys)
}

func (s *Store) ReleaseDirty(keys []scope.Key) {
	s.index.Release(keys)
}

// Resolve turns a claimed entry into a task using the cell's current state.
// It returns false when there is nothing left to persist: the cell is gone
// without a pending delete, or it is already clean.
func (s *Store) Resolve(e dirty.Entry) (dirty.Task, bool) {
	kind := e.Flag.Kind()
	if kind.IsDelete() {
		return dirty.Task{Key: e.Key, Flag: e.Flag, Kind: kind, Priority: dirty.PriorityNormal}, true
	}

	now := s.now()
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.lookupLocked(e.Key)
	if !ok || !c.dirty {
		return dirty.Task{}, false
	}
	return dirty.Task{
		Key:      e.Key,
		Flag:     e.Flag,
		Kind:     kind,
		Priority: s.cfg.Lifecycle.classify(c, now).Priority(),
		Value:    c.value,
		Version:  c.version,
	}, true
}

// ClearDirty records that version of key is durable. The cell stays dirty
// if it changed after version was read; clearing an already clean cell is a no-op.
func (s *Store) ClearDirty(key scope.Key, version uint64, flag *dirty.Flag) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.lookupLocked(key)
	if !ok {
		s.index.RemoveFlag(key, flag)
		return false
	}
	before := c.size
	if !c.clearDirty(key.Name, version) {
		return false
	}
	s.usedBytes.Add(c.size - before)
	s.index.RemoveFlag(key, flag)
	s.evictBlocked = false
	return true
}

// DropFlag removes flag from the index if it is still the registered one.
// Used after a committed delete and when a task is abandoned.
func (s *Store) DropFlag(key scope.Key, flag *dirty.Flag) bool {
	return s.index.RemoveFlag(key, flag)
}

// CleanupOwner evicts an owner's cells. With preserveDirty set, cells with
// unpersisted writes and their flags are kept; otherwise everything for the
// owner is discarded. Returns the number of cells removed.
func (s *Store) CleanupOwner(owner uuid.UUID, preserveDirty bool) int {
	if owner == scope.GlobalOwner {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for key := range s.evicted {
		if key.Owner == owner {
			delete(s.evicted, key)
		}
	}
	removed := 0
	for name, c := range s.owners[owner] {
		if preserveDirty && c.dirty {
			continue
		}
		s.deleteLocked(scope.Owned(owner, name))
		removed++
	}
	if !preserveDirty {
		s.index.RemoveOwner(owner)
	}
	s.ll.Debug("Cleaned up owner cells",
		slog.String("owner", owner.String()),
		slog.Int("removed", removed),
		slog.Bool("preserveDirty", preserveDirty))
	return removed
}

// OwnerEntries returns the current values held for owner. Accesses are not recorded.
func (s *Store) OwnerEntries(owner uuid.UUID) []scope.Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var cells map[string]*cell
	if owner == scope.GlobalOwner {
		cells = s.global
	} else {
		cells = s.owners[owner]
	}
	out := make([]scope.Entry, 0, len(cells))
	for name, c := range cells {
		out = append(out, scope.Entry{Key: scope.Owned(owner, name), Value: c.value})
	}
	return out
}

// Owners returns the owners that currently have cells in memory.
func (s *Store) Owners() []uuid.UUID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]uuid.UUID, 0, len(s.owners))
	for owner := range s.owners {
		out = append(out, owner)
	}
	return out
}

// FirstModified returns the time of the earliest write to the cell since it
// was created or loaded. It is zero for a loaded cell that was never written.
func (s *Store) FirstModified(key scope.Key) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.lookupLocked(key)
	if !ok {
		return time.Time{}, false
	}
	return c.firstModified, true
}

// Purge removes the cell and any pending flag for key without scheduling a
// durable delete. The caller owns deleting the durable copy.
func (s *Store) Purge(key scope.Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.deleteLocked(key)
	delete(s.evicted, key)
	s.index.Remove(key)
	return ok
}

// Evicted reports whether key was evicted under memory pressure and has
// not been written, removed or reloaded since.
func (s *Store) Evicted(key scope.Key) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.evicted[key]
	return ok
}

// Restore puts an evicted key back from its durable row. It does nothing,
// and returns false, if the key was written, removed or restored since it
// was evicted.
func (s *Store) Restore(e scope.Entry) bool {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.evicted[e.Key]; !ok {
		return false
	}
	if _, ok := s.lookupLocked(e.Key); ok {
		delete(s.evicted, e.Key)
		return false
	}
	s.insertLocked(e.Key, loadedCell(e.Key.Name, e.Value, now))
	s.restores.Add(1)
	restoreCounter.Add(context.Background(), 1)
	s.checkPressureLocked(now)
	return true
}

// ForgetEvicted drops the eviction mark for a key whose durable row is gone.
func (s *Store) ForgetEvicted(key scope.Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.evicted, key)
}

// DirtyCount returns the number of pending flags.
func (s *Store) DirtyCount() int {
	return s.index.Len()
}

// Stats is a point-in-time view of the store.
type Stats struct {
	Cells          int64
	Owners         int
	UsedBytes      int64
	BudgetBytes    int64
	DirtyCount     int
	Evictions      int64
	Evicted        int
	Restores       int64
	PressureEvents int64
	Pressure       PressureLevel
	OldestDirty    time.Duration
}

func (s *Store) Stats() Stats {
	s.mu.RLock()
	owners := len(s.owners)
	evicted := len(s.evicted)
	s.mu.RUnlock()

	st := Stats{
		Cells:          s.cellCount.Load(),
		Owners:         owners,
		UsedBytes:      s.usedBytes.Load(),
		BudgetBytes:    s.cfg.MemoryBudgetBytes,
		DirtyCount:     s.index.Len(),
		Evictions:      s.evictions.Load(),
		Evicted:        evicted,
		Restores:       s.restores.Load(),
		PressureEvents: s.pressureEvents.Load(),
		Pressure:       PressureLevel(s.level.Load()),
	}
	if oldest, ok := s.index.Oldest(); ok {
		st.OldestDirty = s.now().Sub(oldest)
	}
	return st
}
