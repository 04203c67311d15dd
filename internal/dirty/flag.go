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

// Package dirty tracks pending durable writes.
//
// A Flag records the intent to persist a key, not the value to persist.
// The value is read from the live cell only when the flag is drained, so a
// retry always carries the freshest value and a write that lands while a
// drain is in flight is never lost.
package dirty

import (
	"sync/atomic"
	"time"

	"github.com/cardinalhq/varstore/internal/scope"
)

// Kind classifies pending work by operation and scope type.
type Kind uint8

const (
	KindUpdateOwner Kind = iota
	KindUpdateGlobal
	KindDeleteOwner
	KindDeleteGlobal
)

// Kinds lists every kind.
var Kinds = []Kind{KindUpdateGlobal, KindUpdateOwner, KindDeleteGlobal, KindDeleteOwner}

// UpdateKind returns the update kind matching the key's scope type.
func UpdateKind(k scope.Key) Kind {
	if k.IsGlobal() {
		return KindUpdateGlobal
	}
	return KindUpdateOwner
}

// DeleteKind returns the delete kind matching the key's scope type.
func DeleteKind(k scope.Key) Kind {
	if k.IsGlobal() {
		return KindDeleteGlobal
	}
	return KindDeleteOwner
}

func (k Kind) IsDelete() bool {
	return k == KindDeleteOwner || k == KindDeleteGlobal
}

func (k Kind) IsGlobal() bool {
	return k == KindUpdateGlobal || k == KindDeleteGlobal
}

func (k Kind) String() string {
	switch k {
	case KindUpdateOwner:
		return "update_owner"
	case KindUpdateGlobal:
		return "update_global"
	case KindDeleteOwner:
		return "delete_owner"
	case KindDeleteGlobal:
		return "delete_global"
	default:
		return "unknown"
	}
}

// Flag is one pending durable write or delete for a key.
// Retry bookkeeping is only mutated by the drain that has the key claimed,
// but it is read concurrently for statistics, hence the atomics.
type Flag struct {
	kind      Kind
	created   time.Time
	retries   atomic.Int32
	lastRetry atomic.Int64
}

func newFlag(kind Kind, now time.Time) *Flag {
	return &Flag{kind: kind, created: now}
}

func (f *Flag) Kind() Kind {
	return f.kind
}

// Created is when the key first became dirty under this flag.
func (f *Flag) Created() time.Time {
	return f.created
}

func (f *Flag) Retries() int {
	return int(f.retries.Load())
}

// LastRetry returns the time of the most recent failed attempt, or the zero time.
func (f *Flag) LastRetry() time.Time {
	ns := f.lastRetry.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// RecordFailure counts a failed persistence attempt and returns the new count.
func (f *Flag) RecordFailure(now time.Time) int {
	f.lastRetry.Store(now.UnixNano())
	return int(f.retries.Add(1))
}

// BackingOff reports whether the last failed attempt was less than backoff ago.
func (f *Flag) BackingOff(now time.Time, backoff time.Duration) bool {
	ns := f.lastRetry.Load()
	return ns != 0 && now.Sub(time.Unix(0, ns)) < backoff
}

// Pending returns how long the flag has been waiting as of now.
func (f *Flag) Pending(now time.Time) time.Duration {
	return now.Sub(f.created)
}
