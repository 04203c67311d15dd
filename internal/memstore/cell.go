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
	"sync/atomic"
	"time"
)

// cellOverheadBytes approximates the fixed cost of a cell: the struct, its
// map slot, and the key header.
const cellOverheadBytes = 160

// cell is a versioned, dirty-tracked value holder.
// Value fields are guarded by the store lock; access tracking is atomic so
// reads under the shared lock can record it.
type cell struct {
	value     string
	original  string
	committed bool
	dirty     bool
	version   uint64

	created       time.Time
	modified      time.Time
	firstModified time.Time

	size int64

	accesses   atomic.Uint64
	lastAccess atomic.Int64
}

// newCell creates a cell for a first write. It is dirty and uncommitted.
func newCell(name, value string, now time.Time) *cell {
	c := &cell{
		value:         value,
		dirty:         true,
		version:       1,
		created:       now,
		modified:      now,
		firstModified: now,
	}
	c.lastAccess.Store(now.UnixNano())
	c.size = estimateSize(name, value, "")
	return c
}

// loadedCell creates a clean cell from a durable row.
func loadedCell(name, value string, now time.Time) *cell {
	c := &cell{
		value:     value,
		original:  value,
		committed: true,
		version:   1,
		created:   now,
		modified:  now,
	}
	c.lastAccess.Store(now.UnixNano())
	c.size = estimateSize(name, value, value)
	return c
}

func estimateSize(name, value, original string) int64 {
	n := int64(cellOverheadBytes + len(name) + len(value))
	// original usually shares backing storage with value once committed
	if original != value {
		n += int64(len(original))
	}
	return n
}

// set applies a write. Returns false when value equals the current value,
// in which case nothing about the cell changes.
func (c *cell) set(name, value string, now time.Time) bool {
	if value == c.value {
		return false
	}
	c.value = value
	c.version++
	c.modified = now
	if c.firstModified.IsZero() {
		c.firstModified = now
	}
	c.dirty = !c.committed || c.value != c.original
	c.size = estimateSize(name, c.value, c.original)
	return true
}

// clearDirty marks the cell committed at version. A cell that moved past
// version stays dirty; the newer value still has to be written.
func (c *cell) clearDirty(name string, version uint64) bool {
	if c.version != version {
		return false
	}
	c.original = c.value
	c.committed = true
	c.dirty = false
	c.size = estimateSize(name, c.value, c.original)
	return true
}

func (c *cell) touch(now time.Time) {
	c.accesses.Add(1)
	c.lastAccess.Store(now.UnixNano())
}

func (c *cell) lastAccessTime() time.Time {
	return time.Unix(0, c.lastAccess.Load())
}

// Snapshot is a point-in-time copy of a cell.
type Snapshot struct {
	Value         string
	Original      string
	Committed     bool
	Dirty         bool
	Version       uint64
	Created       time.Time
	Modified      time.Time
	FirstModified time.Time
	LastAccess    time.Time
	Accesses      uint64
	SizeBytes     int64
	Class         Class
}

func (c *cell) snapshot(now time.Time, lc LifecycleConfig) Snapshot {
	return Snapshot{
		Value:         c.value,
		Original:      c.original,
		Committed:     c.committed,
		Dirty:         c.dirty,
		Version:       c.version,
		Created:       c.created,
		Modified:      c.modified,
		FirstModified: c.firstModified,
		LastAccess:    c.lastAccessTime(),
		Accesses:      c.accesses.Load(),
		SizeBytes:     c.size,
		Class:         lc.classify(c, now),
	}
}
