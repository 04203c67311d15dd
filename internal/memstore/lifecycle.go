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
	"time"

	"github.com/cardinalhq/varstore/internal/dirty"
)

// Class is a cell's lifecycle class, derived from access recency and frequency.
type Class uint8

const (
	ClassNew Class = iota
	ClassHot
	ClassWarm
	ClassCold
)

func (c Class) String() string {
	switch c {
	case ClassNew:
		return "new"
	case ClassHot:
		return "hot"
	case ClassWarm:
		return "warm"
	case ClassCold:
		return "cold"
	default:
		return "unknown"
	}
}

// Priority maps a class to the drain priority of its pending writes.
func (c Class) Priority() dirty.Priority {
	switch c {
	case ClassHot:
		return dirty.PriorityHigh
	case ClassCold:
		return dirty.PriorityLow
	default:
		return dirty.PriorityNormal
	}
}

// LifecycleConfig holds the thresholds used to classify cells.
type LifecycleConfig struct {
	// NewWindow is how long after creation a rarely-read cell counts as new.
	NewWindow time.Duration `mapstructure:"new_window"`
	// HotWindow is the idle time within which a frequently-read cell stays hot.
	HotWindow time.Duration `mapstructure:"hot_window"`
	// HotAccessCount is the read count at which a cell can become hot.
	HotAccessCount uint64 `mapstructure:"hot_access_count"`
	// ColdAfter is the idle time after which a cell is cold.
	ColdAfter time.Duration `mapstructure:"cold_after"`
}

func DefaultLifecycleConfig() LifecycleConfig {
	return LifecycleConfig{
		NewWindow:      time.Minute,
		HotWindow:      5 * time.Minute,
		HotAccessCount: 10,
		ColdAfter:      30 * time.Minute,
	}
}

func (lc LifecycleConfig) classify(c *cell, now time.Time) Class {
	accesses := c.accesses.Load()
	if now.Sub(c.created) < lc.NewWindow && accesses < lc.HotAccessCount {
		return ClassNew
	}
	idle := now.Sub(c.lastAccessTime())
	if idle >= lc.ColdAfter {
		return ClassCold
	}
	if idle < lc.HotWindow && accesses >= lc.HotAccessCount {
		return ClassHot
	}
	return ClassWarm
}
