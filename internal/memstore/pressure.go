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
	"context"
	"errors"
	"log/slog"
	"slices"
	"time"

	"github.com/cardinalhq/varstore/internal/scope"
)

// ErrMemoryPressureExceeded is logged when usage stays above the eviction
// threshold because every remaining cell is dirty or not yet cold.
// Writes are never rejected because of it.
var ErrMemoryPressureExceeded = errors.New("memory pressure exceeded with no evictable cells")

// PressureLevel is the store's position relative to its memory budget.
type PressureLevel int32

const (
	PressureNormal PressureLevel = iota
	PressureWarning
	PressureCritical
)

func (p PressureLevel) String() string {
	switch p {
	case PressureNormal:
		return "normal"
	case PressureWarning:
		return "warning"
	case PressureCritical:
		return "critical"
	default:
		return "unknown"
	}
}

const (
	// evictRetryInterval bounds how often a fruitless eviction scan is repeated
	// while nothing has become clean in between.
	evictRetryInterval = time.Second
	// pressureLogInterval rate-limits the "nothing evictable" error.
	pressureLogInterval = 10 * time.Second
)

func (s *Store) levelFor(used int64) PressureLevel {
	budget := float64(s.cfg.MemoryBudgetBytes)
	switch ratio := float64(used) / budget; {
	case ratio >= s.cfg.EvictRatio:
		return PressureCritical
	case ratio >= s.cfg.WarnRatio:
		return PressureWarning
	default:
		return PressureNormal
	}
}

// checkPressureLocked updates the pressure level and evicts when critical.
// Caller must hold the write lock.
func (s *Store) checkPressureLocked(now time.Time) {
	if s.cfg.MemoryBudgetBytes <= 0 {
		return
	}
	used := s.usedBytes.Load()
	level := s.levelFor(used)
	prev := PressureLevel(s.level.Swap(int32(level)))

	switch level {
	case PressureNormal:
		if prev != PressureNormal {
			s.ll.Info("Memory pressure relieved",
				slog.Int64("usedBytes", used),
				slog.Int64("budgetBytes", s.cfg.MemoryBudgetBytes))
		}
		return

	case PressureWarning:
		if prev == PressureNormal {
			s.ll.Warn("Memory usage above warning threshold",
				slog.Int64("usedBytes", used),
				slog.Int64("budgetBytes", s.cfg.MemoryBudgetBytes),
				slog.Float64("warnRatio", s.cfg.WarnRatio))
			s.notifyPressureLocked()
		}
		return
	}

	s.pressureEvents.Add(1)
	pressureEventCounter.Add(context.Background(), 1)

	if s.evictBlocked && now.Sub(s.lastEvictScan) < evictRetryInterval {
		s.notifyPressureLocked()
		return
	}

	target := int64(float64(s.cfg.MemoryBudgetBytes) * s.cfg.WarnRatio)
	evicted := s.evictLocked(now, target)
	s.lastEvictScan = now
	s.evictBlocked = evicted == 0

	used = s.usedBytes.Load()
	s.level.Store(int32(s.levelFor(used)))

	if evicted > 0 {
		s.ll.Info("Evicted cold cells under memory pressure",
			slog.Int("evicted", evicted),
			slog.Int64("usedBytes", used),
			slog.Int64("budgetBytes", s.cfg.MemoryBudgetBytes))
	}
	if s.levelFor(used) == PressureCritical && now.Sub(s.lastPressedLog) >= pressureLogInterval {
		s.lastPressedLog = now
		s.ll.Error("Memory budget exceeded; writes continue to be accepted",
			slog.Int64("usedBytes", used),
			slog.Int64("budgetBytes", s.cfg.MemoryBudgetBytes),
			slog.Int("dirty", s.index.Len()),
			slog.Any("error", ErrMemoryPressureExceeded))
	}
	s.notifyPressureLocked()
}

func (s *Store) notifyPressureLocked() {
	if s.listener != nil {
		s.listener.MemoryPressure()
	}
}

type evictCandidate struct {
	key        scope.Key
	lastAccess int64
}

// evictLocked removes clean cold cells, longest idle first, until usage
// drops to target or no candidates remain. Dirty cells are never touched.
// Evicted keys are remembered so reads can fall through to the backing store.
func (s *Store) evictLocked(now time.Time, target int64) int {
	var candidates []evictCandidate
	consider := func(key scope.Key, c *cell) {
		if c.dirty {
			return
		}
		if s.cfg.Lifecycle.classify(c, now) != ClassCold {
			return
		}
		candidates = append(candidates, evictCandidate{key: key, lastAccess: c.lastAccess.Load()})
	}
	for name, c := range s.global {
		consider(scope.Global(name), c)
	}
	for owner, cells := range s.owners {
		for name, c := range cells {
			consider(scope.Owned(owner, name), c)
		}
	}

	slices.SortFunc(candidates, func(a, b evictCandidate) int {
		switch {
		case a.lastAccess < b.lastAccess:
			return -1
		case a.lastAccess > b.lastAccess:
			return 1
		default:
			return 0
		}
	})

	evicted := 0
	for _, cand := range candidates {
		if s.usedBytes.Load() <= target {
			break
		}
		if _, ok := s.deleteLocked(cand.key); ok {
			s.evicted[cand.key] = struct{}{}
			evicted++
		}
	}
	if evicted > 0 {
		s.evictions.Add(int64(evicted))
		evictionCounter.Add(context.Background(), int64(evicted))
	}
	return evicted
}

// RelievePressure re-evaluates the budget and evicts if still critical.
// Called after a pressure flush has turned dirty cells clean.
func (s *Store) RelievePressure() PressureLevel {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictBlocked = false
	s.checkPressureLocked(now)
	return PressureLevel(s.level.Load())
}
