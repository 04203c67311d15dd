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

// Package writebehind persists memory-store mutations to a backing store
// asynchronously.
//
// Writers never wait on it. The memory store records an intent per dirtied
// key and notifies the coordinator, which drains intents from four triggers:
// a worker pool that coalesces recently dirtied keys, a scheduled full
// drain, a memory-pressure flush, and an owner disconnect. Shutdown runs a
// final bounded drain before releasing the backing store.
package writebehind

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/cardinalhq/varstore/internal/dirty"
	"github.com/cardinalhq/varstore/internal/memstore"
	"github.com/cardinalhq/varstore/internal/periodic"
	"github.com/cardinalhq/varstore/internal/scope"
)

// LevelFatal is used for failures that lose data but must not stop the process.
const LevelFatal = slog.Level(12)

// Cells is the part of the memory store the coordinator drains.
type Cells interface {
	SetListener(l memstore.Listener)
	ClaimDirty(filter func(scope.Key) bool) []dirty.Entry
	ClaimDirtyKeys(keys []scope.Key) []dirty.Entry
	ReleaseDirty(keys []scope.Key)
	Resolve(e dirty.Entry) (dirty.Task, bool)
	ClearDirty(key scope.Key, version uint64, flag *dirty.Flag) bool
	DropFlag(key scope.Key, flag *dirty.Flag) bool
	SnapshotOwnerDirty(owner uuid.UUID) []dirty.Entry
	CleanupOwner(owner uuid.UUID, preserveDirty bool) int
	RelievePressure() memstore.PressureLevel
	DirtyCount() int
}

type Option func(*Coordinator)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		c.ll = logger
	}
}

// WithClock replaces time.Now for retry bookkeeping, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

// shutdownRetryPause spaces final-drain rounds that made no progress.
const shutdownRetryPause = 50 * time.Millisecond

type Coordinator struct {
	cfg     Config
	store   Cells
	backing BackingStore
	ll      *slog.Logger
	now     func() time.Time

	queue      chan scope.Key
	pressureCh chan struct{}
	sweepCh    chan struct{}

	mu            sync.Mutex
	started       bool
	closed        bool
	cancel        context.CancelFunc
	group         *errgroup.Group
	stopScheduler func()
	owners        sync.WaitGroup

	committed atomic.Int64
	failed    atomic.Int64
	abandoned atomic.Int64
	batches   atomic.Int64
	drains    atomic.Int64
	overflows atomic.Int64
	pressured atomic.Int64
}

// New creates a coordinator and registers it as the store's listener.
func New(store Cells, backing BackingStore, cfg Config, opts ...Option) *Coordinator {
	cfg = cfg.withDefaults()
	c := &Coordinator{
		cfg:        cfg,
		store:      store,
		backing:    backing,
		now:        time.Now,
		queue:      make(chan scope.Key, cfg.QueueSize),
		pressureCh: make(chan struct{}, 1),
		sweepCh:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.ll == nil {
		c.ll = slog.Default()
	}
	c.ll = c.ll.With("component", "writebehind")
	store.SetListener(c)
	return c
}

// KeyDirtied queues key for a worker. It never blocks; when the queue is
// full the key is left to a full sweep.
func (c *Coordinator) KeyDirtied(key scope.Key) {
	select {
	case c.queue <- key:
	default:
		c.overflows.Add(1)
		select {
		case c.sweepCh <- struct{}{}:
		default:
		}
	}
}

// MemoryPressure requests a pressure flush. Repeated requests collapse into one.
func (c *Coordinator) MemoryPressure() {
	c.pressured.Add(1)
	select {
	case c.pressureCh <- struct{}{}:
	default:
	}
}

// Start launches the workers, the scheduled drain and the pressure loop.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.started {
		return nil
	}
	c.started = true

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	g, gctx := errgroup.WithContext(runCtx)
	c.group = g

	for i := 0; i < c.cfg.Workers; i++ {
		g.Go(func() error {
			c.worker(gctx)
			return nil
		})
	}
	g.Go(func() error {
		c.reactiveLoop(gctx)
		return nil
	})

	scheduler := periodic.New("scheduled-drain", func(ctx context.Context) error {
		_, err := c.Drain(ctx)
		return err
	}, c.cfg.FlushInterval, c.ll)
	c.stopScheduler = scheduler.Start(gctx)

	c.ll.Info("Write-behind coordinator started",
		slog.Int("workers", c.cfg.Workers),
		slog.Duration("flushInterval", c.cfg.FlushInterval),
		slog.Int("batchSize", c.cfg.BatchSize),
		slog.Int("maxRetries", c.cfg.MaxRetries))
	return nil
}

// worker coalesces queued keys until the batch is full or the window closes.
func (c *Coordinator) worker(ctx context.Context) {
	batch := make([]scope.Key, 0, c.cfg.BatchSize)
	timer := time.NewTimer(c.cfg.CoalesceWindow)
	timer.Stop()
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		entries := c.store.ClaimDirtyKeys(batch)
		c.drainEntries(ctx, "coalesced", entries, dirty.SortByPriority)
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			// Queued keys are still pending in the index; the final drain takes them.
			return
		case key := <-c.queue:
			batch = append(batch, key)
			if len(batch) == 1 {
				timer.Reset(c.cfg.CoalesceWindow)
			}
			if len(batch) >= c.cfg.BatchSize {
				timer.Stop()
				flush()
			}
		case <-timer.C:
			flush()
		}
	}
}

func (c *Coordinator) reactiveLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.pressureCh:
			c.FlushPressure(ctx)
		case <-c.sweepCh:
			if _, err := c.Drain(ctx); err != nil && ctx.Err() == nil {
				c.ll.Error("Overflow sweep failed", slog.Any("error", err))
			}
		}
	}
}

func (c *Coordinator) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Drain persists every pending write not already held by another drain.
// Persistence failures are counted in the result and retried later; the
// error is only set when the coordinator is shut down.
func (c *Coordinator) Drain(ctx context.Context) (DrainResult, error) {
	if c.isClosed() {
		return DrainResult{}, ErrClosed
	}
	entries := c.store.ClaimDirty(nil)
	return c.drainEntries(ctx, "scheduled", entries, dirty.SortByPriority), nil
}

// DrainOwner persists the pending writes of one owner.
func (c *Coordinator) DrainOwner(ctx context.Context, owner uuid.UUID) (DrainResult, error) {
	if c.isClosed() {
		return DrainResult{}, ErrClosed
	}
	return c.drainOwner(ctx, owner), nil
}

func (c *Coordinator) drainOwner(ctx context.Context, owner uuid.UUID) DrainResult {
	entries := c.store.ClaimDirty(func(k scope.Key) bool {
		return k.Owner == owner
	})
	return c.drainEntries(ctx, "owner", entries, dirty.SortByPriority)
}

// FlushPressure drains everything longest-pending first so dirty cells
// become evictable, then asks the store to evict.
func (c *Coordinator) FlushPressure(ctx context.Context) DrainResult {
	entries := c.store.ClaimDirty(nil)
	res := c.drainEntries(ctx, "pressure", entries, dirty.SortByAge)
	level := c.store.RelievePressure()
	c.ll.Info("Pressure flush finished",
		slog.Int("committed", res.Committed),
		slog.Int("failed", res.Failed),
		slog.String("pressure", level.String()))
	return res
}

// FlushAndEvictOwner drains an owner and evicts its cells. Cells that are
// still dirty afterwards, because their batch failed or another drain held
// them, are kept.
func (c *Coordinator) FlushAndEvictOwner(ctx context.Context, owner uuid.UUID) (DrainResult, error) {
	if c.isClosed() {
		return DrainResult{}, ErrClosed
	}
	return c.flushAndEvictOwner(ctx, owner), nil
}

func (c *Coordinator) flushAndEvictOwner(ctx context.Context, owner uuid.UUID) DrainResult {
	res := c.drainOwner(ctx, owner)
	remaining := len(c.store.SnapshotOwnerDirty(owner))
	// Dirty cells are always preserved: a write can land between the
	// drain and the cleanup.
	evicted := c.store.CleanupOwner(owner, true)
	c.ll.Info("Flushed and evicted owner",
		slog.String("owner", owner.String()),
		slog.Int("committed", res.Committed),
		slog.Int("stillDirty", remaining),
		slog.Int("evicted", evicted))
	return res
}

// OwnerDisconnected flushes and evicts owner in the background. Shutdown
// waits for it.
func (c *Coordinator) OwnerDisconnected(owner uuid.UUID) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.ll.Warn("Owner disconnected after shutdown; leaving its writes to the final drain",
			slog.String("owner", owner.String()))
		return
	}
	c.owners.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.owners.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ShutdownTimeout)
		defer cancel()
		c.flushAndEvictOwner(ctx, owner)
	}()
}

// Shutdown stops every trigger, runs a final drain bounded by
// ShutdownTimeout and closes the backing store. Failed writes are retried
// until the deadline, spaced by RetryBackoff. A drain that leaves writes
// pending or drops a rejected row is logged at LevelFatal and reported as
// ErrShutdownDrainTimeout; the backing store is closed either way.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel, group, stopScheduler := c.cancel, c.group, c.stopScheduler
	c.mu.Unlock()

	if cancel != nil {
		stopScheduler()
		cancel()
		_ = group.Wait()
	}
	c.owners.Wait()

	dctx, dcancel := context.WithTimeout(ctx, c.cfg.ShutdownTimeout)
	defer dcancel()

	var total DrainResult
	for c.store.DirtyCount() > 0 && dctx.Err() == nil {
		res := c.drainEntries(dctx, reasonShutdown, c.store.ClaimDirty(nil), dirty.SortByAge)
		total.add(res)
		if res.Committed+res.Skipped+res.Abandoned > 0 {
			continue
		}
		select {
		case <-dctx.Done():
		case <-time.After(shutdownRetryPause):
		}
	}

	var result *multierror.Error
	if pending := c.store.DirtyCount(); pending > 0 || total.Abandoned > 0 {
		c.ll.Log(ctx, LevelFatal, "Shutdown drain incomplete; pending writes were not persisted",
			slog.Int("pending", pending),
			slog.Int("abandoned", total.Abandoned),
			slog.Int("committed", total.Committed),
			slog.Duration("timeout", c.cfg.ShutdownTimeout))
		result = multierror.Append(result, ErrShutdownDrainTimeout)
	} else {
		c.ll.Info("Shutdown drain complete",
			slog.Int("committed", total.Committed),
			slog.Int("abandoned", total.Abandoned))
	}

	if err := c.backing.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close backing store: %w", err))
	}
	return result.ErrorOrNil()
}

// Stats is a point-in-time view of persistence activity.
type Stats struct {
	Committed  int64
	Failed     int64
	Abandoned  int64
	Batches    int64
	Drains     int64
	Overflows  int64
	Pressure   int64
	QueueDepth int
}

func (c *Coordinator) Stats() Stats {
	return Stats{
		Committed:  c.committed.Load(),
		Failed:     c.failed.Load(),
		Abandoned:  c.abandoned.Load(),
		Batches:    c.batches.Load(),
		Drains:     c.drains.Load(),
		Overflows:  c.overflows.Load(),
		Pressure:   c.pressured.Load(),
		QueueDepth: len(c.queue),
	}
}
