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

// Package scope defines the addressing unit for stored variables.
//
// A variable lives either in an owner's scope or in the global scope.
// The nil UUID (00000000-0000-0000-0000-000000000000) is reserved for the
// global scope, the same convention the system-wide defaults use.
package scope

import (
	"log/slog"

	"github.com/google/uuid"
)

// GlobalOwner is the owner ID used for globally scoped variables.
var GlobalOwner = uuid.UUID{}

// Key identifies exactly one variable.
type Key struct {
	Owner uuid.UUID
	Name  string
}

// Global returns the key for a globally scoped variable.
func Global(name string) Key {
	return Key{Owner: GlobalOwner, Name: name}
}

// Owned returns the key for a variable scoped to owner.
func Owned(owner uuid.UUID, name string) Key {
	return Key{Owner: owner, Name: name}
}

// IsGlobal reports whether the key is in the global scope.
func (k Key) IsGlobal() bool {
	return k.Owner == GlobalOwner
}

func (k Key) String() string {
	if k.IsGlobal() {
		return "global/" + k.Name
	}
	return k.Owner.String() + "/" + k.Name
}

// LogValue renders the key as a group so log lines carry owner and name separately.
func (k Key) LogValue() slog.Value {
	if k.IsGlobal() {
		return slog.GroupValue(
			slog.String("scope", "global"),
			slog.String("name", k.Name),
		)
	}
	return slog.GroupValue(
		slog.String("owner", k.Owner.String()),
		slog.String("name", k.Name),
	)
}

// Entry is a key together with a raw value, as exchanged with a backing store.
type Entry struct {
	Key   Key
	Value string
}
