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
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	cacheHits          metric.Int64Counter
	cacheMisses        metric.Int64Counter
	cacheStale         metric.Int64Counter
	cacheInvalidations metric.Int64Counter

	levelL2Attr = metric.WithAttributes(attribute.String("level", "l2"))
	levelL3Attr = metric.WithAttributes(attribute.String("level", "l3"))
)

func init() {
	meter := otel.Meter("github.com/cardinalhq/varstore/internal/derivecache")

	var err error

	cacheHits, err = meter.Int64Counter(
		"varstore.derivecache.hits",
		metric.WithDescription("Number of derived-value cache hits by level"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create derivecache.hits counter: %w", err))
	}

	cacheMisses, err = meter.Int64Counter(
		"varstore.derivecache.misses",
		metric.WithDescription("Number of derived-value lookups that found no usable entry"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create derivecache.misses counter: %w", err))
	}

	cacheStale, err = meter.Int64Counter(
		"varstore.derivecache.stale",
		metric.WithDescription("Number of L3 entries dropped because the source value or version moved"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create derivecache.stale counter: %w", err))
	}

	cacheInvalidations, err = meter.Int64Counter(
		"varstore.derivecache.invalidations",
		metric.WithDescription("Number of scopes invalidated, including dependents"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create derivecache.invalidations counter: %w", err))
	}
}

// RegisterGauges exports the number of live entries per level.
func (h *Hierarchy) RegisterGauges(meter metric.Meter) error {
	_, err := meter.Int64ObservableGauge(
		"varstore.derivecache.entries",
		metric.WithDescription("Number of live derived-value cache entries"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(h.l2.Len()), levelL2Attr)
			o.Observe(int64(h.l3.Len()), levelL3Attr)
			return nil
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to create derivecache.entries gauge: %w", err)
	}
	return nil
}
