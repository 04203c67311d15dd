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

package derivecache

import (
	"regexp"
	"strings"
)

// referenceMarker opens a reference to another variable, e.g. ${other}.
const referenceMarker = "${"

// volatilePattern matches placeholders whose rendering changes between
// evaluations even when no variable changed, such as %time% or %rand:1:6%.
var volatilePattern = regexp.MustCompile(`%[A-Za-z0-9_:.\-]+%`)

// LooksDerivable reports whether raw contains something an evaluator would
// expand. Plain values are served from L3 only.
func LooksDerivable(raw string) bool {
	return strings.Contains(raw, referenceMarker)
}

// IsVolatile reports whether raw renders differently on every evaluation.
// Volatile values are never cached.
func IsVolatile(raw string) bool {
	return volatilePattern.MatchString(raw)
}
