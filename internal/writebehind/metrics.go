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

package writebehind

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var tracer = otel.Tracer("github.com/cardinalhq/varstore/internal/writebehind")

var (
	committedCounter metric.Int64Counter
	failedCounter    metric.Int64Counter
	abandonedCounter metric.Int64Counter
	batchCounter     metric.Int64Counter
	drainDuration    metric.Float64Histogram
)

func init() {
	meter := otel.Meter("github.com/cardinalhq/varstore/internal/writebehind")

	var err error
	committedCounter, err = meter.Int64Counter(
		"varstore.writebehind.committed",
		metric.WithDescription("Number of pending writes durably committed"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create writebehind.committed counter: %w", err))
	}

	failedCounter, err = meter.Int64Counter(
		"varstore.writebehind.failed",
		metric.WithDescription("Number of pending writes whose batch failed and will be retried"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create writebehind.failed counter: %w", err))
	}

	abandonedCounter, err = meter.Int64Counter(
		"varstore.writebehind.abandoned",
		metric.WithDescription("Number of pending writes dropped after exhausting retries"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create writebehind.abandoned counter: %w", err))
	}

	batchCounter, err = meter.Int64Counter(
		"varstore.writebehind.batches",
		metric.WithDescription("Number of backing-store batch calls"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create writebehind.batches counter: %w", err))
	}

	drainDuration, err = meter.Float64Histogram(
		"varstore.writebehind.drain.duration",
		metric.WithDescription("Duration of a drain pass"),
		metric.WithUnit("s"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create writebehind.drain.duration histogram: %w", err))
	}
}

// RegisterGauges exports the queue depth as an observable gauge.
func (c *Coordinator) RegisterGauges(meter metric.Meter) error {
	_, err := meter.Int64ObservableGauge(
		"varstore.writebehind.queue_depth",
		metric.WithDescription("Number of dirtied keys waiting for a worker"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(len(c.queue)))
			return nil
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to create writebehind.queue_depth gauge: %w", err)
	}
	return nil
}
