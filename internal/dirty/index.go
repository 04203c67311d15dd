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

package dirty

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cardinalhq/varstore/internal/scope"
)

// Entry pairs a key with its pending flag.
type Entry struct {
	Key  scope.Key
	Flag *Flag
}

// Index holds at most one pending flag per key and tracks which keys are
// currently claimed by a drain. A claimed key is invisible to other drains
// until released, so a delete and an update for the same key can never be
// in flight at the same time.
type Index struct {
	mu       sync.Mutex
	flags    map[scope.Key]*Flag
	inflight map[scope.Key]struct{}
}

func NewIndex() *Index {
	return &Index{
		flags:    make(map[scope.Key]*Flag),
		inflight: make(map[scope.Key]struct{}),
	}
}

// Mark registers pending work for key. An existing flag of the same kind is
// kept so its creation time keeps reflecting the oldest unpersisted change.
// A flag of a different kind is replaced by a fresh one.
// Returns the flag now registered and whether it was newly created.
func (ix *Index) Mark(key scope.Key, kind Kind, now time.Time) (*Flag, bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if f, ok := ix.flags[key]; ok && f.kind == kind {
		return f, false
	}
	f := newFlag(kind, now)
	ix.flags[key] = f
	return f, true
}

// Get returns the flag registered for key, or nil.
func (ix *Index) Get(key scope.Key) *Flag {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.flags[key]
}

// Remove drops whatever flag is registered for key.
func (ix *Index) Remove(key scope.Key) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	delete(ix.flags, key)
}

// RemoveFlag drops the flag for key only if it is still f. A newer flag
// registered since f was claimed is left alone.
func (ix *Index) RemoveFlag(key scope.Key, f *Flag) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if cur, ok := ix.flags[key]; ok && cur == f {
		delete(ix.flags, key)
		return true
	}
	return false
}

// RemoveUnclaimed drops the flag for key unless a drain currently holds the
// key. Reports whether no flag remains afterwards.
func (ix *Index) RemoveUnclaimed(key scope.Key) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if _, busy := ix.inflight[key]; busy {
		_, has := ix.flags[key]
		return !has
	}
	delete(ix.flags, key)
	return true
}

// RemoveOwner drops every flag belonging to owner and returns how many were removed.
func (ix *Index) RemoveOwner(owner uuid.UUID) int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	n := 0
	for k := range ix.flags {
		if k.Owner == owner {
			delete(ix.flags, k)
			n++
		}
	}
	return n
}

// Len returns the number of pending flags.
func (ix *Index) Len() int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return len(ix.flags)
}

// Snapshot returns the pending entries accepted by filter, claimed or not.
// A nil filter accepts everything.
func (ix *Index) Snapshot(filter func(scope.Key) bool) []Entry {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	out := make([]Entry, 0, len(ix.flags))
	for k, f := range ix.flags {
		if filter == nil || filter(k) {
			out = append(out, Entry{Key: k, Flag: f})
		}
	}
	return out
}

// Claim returns the unclaimed entries accepted by filter and marks their keys
// in flight. Callers must Release the keys when done.
func (ix *Index) Claim(filter func(scope.Key) bool) []Entry {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	var out []Entry
	for k, f := range ix.flags {
		if _, busy := ix.inflight[k]; busy {
			continue
		}
		if filter != nil && !filter(k) {
			continue
		}
		ix.inflight[k] = struct{}{}
		out = append(out, Entry{Key: k, Flag: f})
	}
	return out
}

// ClaimKeys is Claim restricted to an explicit key list.
func (ix *Index) ClaimKeys(keys []scope.Key) []Entry {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	var out []Entry
	for _, k := range keys {
		f, ok := ix.flags[k]
		if !ok {
			continue
		}
		if _, busy := ix.inflight[k]; busy {
			continue
		}
		ix.inflight[k] = struct{}{}
		out = append(out, Entry{Key: k, Flag: f})
	}
	return out
}

// Release makes claimed keys visible to drains again.
func (ix *Index) Release(keys []scope.Key) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for _, k := range keys {
		delete(ix.inflight, k)
	}
}

// Claimed reports whether key is currently held by a drain.
func (ix *Index) Claimed(key scope.Key) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	_, busy := ix.inflight[key]
	return busy
}

// Oldest returns the creation time of the longest-pending flag.
func (ix *Index) Oldest() (time.Time, bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	var oldest time.Time
	found := false
	for _, f := range ix.flags {
		if !found || f.created.Before(oldest) {
			oldest = f.created
			found = true
		}
	}
	return oldest, found
}
