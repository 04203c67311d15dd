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
	"slices"
	"time"

	"github.com/cardinalhq/varstore/internal/scope"
)

// Priority orders tasks inside a regular drain. Higher drains first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

// Task is a flag resolved against the live cell at drain time.
// Value and Version are only meaningful for update kinds.
type Task struct {
	Key      scope.Key
	Flag     *Flag
	Kind     Kind
	Priority Priority
	Value    string
	Version  uint64
}

// Row converts an update task to the entry handed to the backing store.
func (t Task) Row() scope.Entry {
	return scope.Entry{Key: t.Key, Value: t.Value}
}

// SortByAge orders tasks longest-pending first.
func SortByAge(tasks []Task) {
	slices.SortStableFunc(tasks, func(a, b Task) int {
		return a.Flag.created.Compare(b.Flag.created)
	})
}

// SortByPriority orders tasks by descending priority, then longest-pending first.
func SortByPriority(tasks []Task) {
	slices.SortStableFunc(tasks, func(a, b Task) int {
		if a.Priority != b.Priority {
			return int(b.Priority) - int(a.Priority)
		}
		return a.Flag.created.Compare(b.Flag.created)
	})
}

// GroupByKind splits tasks into per-kind groups, preserving order within each group.
func GroupByKind(tasks []Task) map[Kind][]Task {
	groups := make(map[Kind][]Task, len(Kinds))
	for _, t := range tasks {
		groups[t.Kind] = append(groups[t.Kind], t)
	}
	return groups
}

// Chunk splits tasks into consecutive slices of at most size elements.
func Chunk(tasks []Task, size int) [][]Task {
	if size <= 0 || len(tasks) <= size {
		return [][]Task{tasks}
	}
	var out [][]Task
	for len(tasks) > size {
		out = append(out, tasks[:size:size])
		tasks = tasks[size:]
	}
	return append(out, tasks)
}

// Keys returns the keys of entries.
func Keys(entries []Entry) []scope.Key {
	keys := make([]scope.Key, len(entries))
	for i, e := range entries {
		keys[i] = e.Key
	}
	return keys
}

// PendingSince returns how long the oldest task in tasks has been waiting.
func PendingSince(tasks []Task, now time.Time) time.Duration {
	var longest time.Duration
	for _, t := range tasks {
		if d := t.Flag.Pending(now); d > longest {
			longest = d
		}
	}
	return longest
}
