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
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var (
	evictionCounter      metric.Int64Counter
	restoreCounter       metric.Int64Counter
	pressureEventCounter metric.Int64Counter
)

func init() {
	meter := otel.Meter("github.com/cardinalhq/varstore/internal/memstore")

	var err error
	evictionCounter, err = meter.Int64Counter(
		"varstore.memstore.evictions",
		metric.WithDescription("Number of clean cold cells evicted under memory pressure"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create memstore.evictions counter: %w", err))
	}

	restoreCounter, err = meter.Int64Counter(
		"varstore.memstore.restores",
		metric.WithDescription("Number of evicted cells read back from the backing store"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create memstore.restores counter: %w", err))
	}

	pressureEventCounter, err = meter.Int64Counter(
		"varstore.memstore.pressure_events",
		metric.WithDescription("Number of writes that found the store above its eviction threshold"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create memstore.pressure_events counter: %w", err))
	}
}

// RegisterGauges exports the store's size and dirty count as observable gauges.
func (s *Store) RegisterGauges(meter metric.Meter) error {
	_, err := meter.Int64ObservableGauge(
		"varstore.memstore.used_bytes",
		metric.WithDescription("Estimated bytes held by in-memory cells"),
		metric.WithUnit("By"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(s.usedBytes.Load())
			return nil
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to create memstore.used_bytes gauge: %w", err)
	}

	_, err = meter.Int64ObservableGauge(
		"varstore.memstore.cells",
		metric.WithDescription("Number of cells held in memory"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(s.cellCount.Load())
			return nil
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to create memstore.cells gauge: %w", err)
	}

	_, err = meter.Int64ObservableGauge(
		"varstore.memstore.dirty",
		metric.WithDescription("Number of keys with pending durable writes"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(s.index.Len()))
			return nil
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to create memstore.dirty gauge: %w", err)
	}
	return nil
}
