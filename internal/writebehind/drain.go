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
	"errors"
	"log/slog"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/cardinalhq/varstore/internal/dirty"
)

// DrainResult counts what one drain pass did.
type DrainResult struct {
	// Claimed is the number of pending entries taken by this pass.
	Claimed int
	// Skipped entries had nothing left to persist.
	Skipped   int
	Committed int
	// Failed entries stay pending and will be retried.
	Failed    int
	Abandoned int
	// Deferred entries failed too recently to be attempted again.
	Deferred int
	Batches  int
}

func (r *DrainResult) add(o DrainResult) {
	r.Claimed += o.Claimed
	r.Skipped += o.Skipped
	r.Committed += o.Committed
	r.Failed += o.Failed
	r.Abandoned += o.Abandoned
	r.Deferred += o.Deferred
	r.Batches += o.Batches
}

type drainOrder func([]dirty.Task)

// reasonShutdown marks the final drain. Its failures never abandon a write:
// whatever is still pending when it runs out of time is reported instead.
const reasonShutdown = "shutdown"

// drainEntries persists claimed entries and releases their keys.
// Entries are resolved against the live cells here, not when they were queued.
func (c *Coordinator) drainEntries(ctx context.Context, reason string, entries []dirty.Entry, order drainOrder) DrainResult {
	res := DrainResult{Claimed: len(entries)}
	if len(entries) == 0 {
		return res
	}
	defer c.store.ReleaseDirty(dirty.Keys(entries))

	ctx, span := tracer.Start(ctx, "writebehind.drain", trace.WithAttributes(
		attribute.String("reason", reason),
		attribute.Int("claimed", len(entries)),
	))
	defer span.End()

	start := time.Now()
	now := c.now()
	tasks := make([]dirty.Task, 0, len(entries))
	for _, e := range entries {
		if e.Flag.BackingOff(now, c.cfg.RetryBackoff) {
			res.Deferred++
			continue
		}
		t, ok := c.store.Resolve(e)
		if !ok {
			c.store.DropFlag(e.Key, e.Flag)
			res.Skipped++
			continue
		}
		tasks = append(tasks, t)
	}
	order(tasks)
	oldest := dirty.PendingSince(tasks, now)

	// Groups run in the order their first task appears, so the ordering
	// chosen above also decides which group is sent first.
	groups := dirty.GroupByKind(tasks)
	var kinds []dirty.Kind
	seen := make(map[dirty.Kind]bool, len(dirty.Kinds))
	for _, t := range tasks {
		if !seen[t.Kind] {
			seen[t.Kind] = true
			kinds = append(kinds, t.Kind)
		}
	}

	var errs *multierror.Error
	abandon := reason != reasonShutdown
	for _, kind := range kinds {
		for _, batch := range dirty.Chunk(groups[kind], c.cfg.BatchSize) {
			c.persistBatch(ctx, kind, batch, abandon, &res, &errs)
		}
	}

	c.committed.Add(int64(res.Committed))
	c.failed.Add(int64(res.Failed))
	c.abandoned.Add(int64(res.Abandoned))
	c.batches.Add(int64(res.Batches))
	c.drains.Add(1)
	drainDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attribute.String("reason", reason)))

	span.SetAttributes(
		attribute.Int("committed", res.Committed),
		attribute.Int("failed", res.Failed),
		attribute.Int("abandoned", res.Abandoned),
	)
	if err := errs.ErrorOrNil(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "drain had failed batches")
		c.ll.Warn("Drain finished with failed batches",
			slog.String("reason", reason),
			slog.Int("committed", res.Committed),
			slog.Int("failed", res.Failed),
			slog.Int("abandoned", res.Abandoned),
			slog.Duration("oldestPending", oldest),
			slog.Any("error", err))
	} else {
		c.ll.Debug("Drain finished",
			slog.String("reason", reason),
			slog.Int("committed", res.Committed),
			slog.Int("skipped", res.Skipped),
			slog.Int("deferred", res.Deferred),
			slog.Int("batches", res.Batches),
			slog.Duration("oldestPending", oldest))
	}
	return res
}

// persistBatch sends one batch. A batch holding a row the backing store
// rejects outright is split in halves until the row is alone, so the rest
// of the batch is still stored; the lone row is abandoned.
func (c *Coordinator) persistBatch(ctx context.Context, kind dirty.Kind, batch []dirty.Task, abandon bool, res *DrainResult, errs **multierror.Error) {
	res.Batches++
	batchCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind.String())))

	err := c.sendBatch(ctx, kind, batch)
	if err == nil {
		res.Committed += c.recordSuccess(batch)
		return
	}
	if errors.Is(err, ErrRowRejected) {
		if len(batch) > 1 {
			mid := len(batch) / 2
			c.persistBatch(ctx, kind, batch[:mid], abandon, res, errs)
			c.persistBatch(ctx, kind, batch[mid:], abandon, res, errs)
			return
		}
		*errs = multierror.Append(*errs, &BatchError{Kind: kind, Rows: 1, Err: err})
		res.Abandoned += c.abandonRejected(batch[0], err)
		return
	}
	*errs = multierror.Append(*errs, &BatchError{Kind: kind, Rows: len(batch), Err: err})
	failed, abandoned := c.recordFailure(batch, abandon)
	res.Failed += failed
	res.Abandoned += abandoned
}

// sendBatch runs one backing-store call. The call is not cancelled when the
// triggering context is, so a batch in flight during shutdown can finish;
// it is still bounded by BatchTimeout and by any deadline on ctx.
func (c *Coordinator) sendBatch(ctx context.Context, kind dirty.Kind, batch []dirty.Task) error {
	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.BatchTimeout)
	defer cancel()
	if deadline, ok := ctx.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		bctx, cancelDeadline = context.WithDeadline(bctx, deadline)
		defer cancelDeadline()
	}
	return apply(bctx, c.backing, kind, batch)
}

func (c *Coordinator) recordSuccess(batch []dirty.Task) int {
	committed := 0
	for _, t := range batch {
		if t.Kind.IsDelete() {
			c.store.DropFlag(t.Key, t.Flag)
		} else {
			// A write that landed after Resolve keeps the cell dirty and the
			// flag in place; it goes out on a later drain.
			c.store.ClearDirty(t.Key, t.Version, t.Flag)
		}
		committed++
	}
	committedCounter.Add(context.Background(), int64(committed))
	return committed
}

func (c *Coordinator) recordFailure(batch []dirty.Task, abandon bool) (failed, abandoned int) {
	now := c.now()
	for _, t := range batch {
		retries := t.Flag.RecordFailure(now)
		if retries <= c.cfg.MaxRetries || !abandon {
			failed++
			continue
		}
		if c.store.DropFlag(t.Key, t.Flag) {
			abandoned++
			c.ll.Error("Abandoned pending write after exhausting retries",
				slog.Any("scope", t.Key),
				slog.String("kind", t.Kind.String()),
				slog.Int("retries", retries),
				slog.Duration("pending", t.Flag.Pending(now)))
		}
	}
	failedCounter.Add(context.Background(), int64(failed))
	abandonedCounter.Add(context.Background(), int64(abandoned))
	return failed, abandoned
}

func (c *Coordinator) abandonRejected(t dirty.Task, err error) int {
	if !c.store.DropFlag(t.Key, t.Flag) {
		return 0
	}
	c.ll.Error("Abandoned pending write rejected by the backing store",
		slog.Any("scope", t.Key),
		slog.String("kind", t.Kind.String()),
		slog.Int("valueBytes", len(t.Value)),
		slog.Any("error", err))
	abandonedCounter.Add(context.Background(), 1)
	return 1
}
