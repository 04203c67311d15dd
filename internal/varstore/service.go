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


// Package varstore is the variable store service: an in-memory store that
// answers every read and write, a derived-value cache on top of it, and a
// write-behind coordinator that persists mutations to a backing store.
package varstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/cardinalhq/varstore/internal/derivecache"
	"github.com/cardinalhq/varstore/internal/memstore"
	"github.com/cardinalhq/varstore/internal/scope"
	"github.com/cardinalhq/varstore/internal/writebehind"
)

type Config struct {
	Store   memstore.Config    `mapstructure:"store"`
	Persist writebehind.Config `mapstructure:"persist"`
	Cache   derivecache.Config `mapstructure:"cache"`
}

func DefaultConfig() Config {
	return Config{
		Store:   memstore.DefaultConfig(),
		Persist: writebehind.DefaultConfig(),
		Cache:   derivecache.DefaultConfig(),
	}
}

type Option func(*options)

type options struct {
	logger    *slog.Logger
	now       func() time.Time
	evaluator derivecache.Evaluator
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithClock replaces time.Now throughout the service, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithEvaluator sets the evaluator Resolve uses for derivable values.
// Without one, every value renders to itself.
func WithEvaluator(ev derivecache.Evaluator) Option {
	return func(o *options) {
		o.evaluator = ev
	}
}

type Service struct {
	cells     *memstore.Store
	cache     *derivecache.Hierarchy
	coord     *writebehind.Coordinator
	backend   writebehind.Backend
	evaluator derivecache.Evaluator
	ll        *slog.Logger

	loadTimeout time.Duration

	ready      atomic.Bool
	drainFault atomic.Bool
}

func New(cfg Config, backend writebehind.Backend, opts ...Option) *Service {
	o := options{logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.evaluator == nil {
		o.evaluator = literal{}
	}

	loadTimeout := cfg.Persist.BatchTimeout
	if loadTimeout <= 0 {
		loadTimeout = writebehind.DefaultConfig().BatchTimeout
	}

	cells := memstore.New(cfg.Store, memstore.WithClock(o.now), memstore.WithLogger(o.logger))
	return &Service{
		cells:     cells,
		cache:     derivecache.New(cells, cfg.Cache, derivecache.WithLogger(o.logger)),
		coord:     writebehind.New(cells, backend, cfg.Persist, writebehind.WithClock(o.now), writebehind.WithLogger(o.logger)),
		backend:   backend,
		evaluator: o.evaluator,
		ll:        o.logger.With(slog.String("component", "varstore")),

		loadTimeout: loadTimeout,
	}
}

// Start loads global variables from the backing store and starts
// persistence. The service accepts reads and writes before Start, but
// nothing is persisted until it has run.
func (s *Service) Start(ctx context.Context) error {
	start := time.Now()
	rows, err := s.backend.LoadGlobalValues(ctx)
	if err != nil {
		return fmt.Errorf("hydrate global variables: %w", err)
	}
	loaded := s.cells.Load(rows)

	if err := s.coord.Start(ctx); err != nil {
		return err
	}
	s.ready.Store(true)
	s.ll.Info("Variable store ready",
		slog.Int("globalVariables", loaded),
		slog.Duration("hydration", time.Since(start)))
	return nil
}

// Ready reports whether hydration finished and the service has not shut down.
func (s *Service) Ready() bool {
	return s.ready.Load()
}

// Healthy is false once a shutdown drain has lost writes.
func (s *Service) Healthy() bool {
	return !s.drainFault.Load()
}

// Get returns the current value for key. A key evicted under memory
// pressure is read back from the backing store.
func (s *Service) Get(key scope.Key) (string, bool) {
	snap, ok := s.Lookup(key)
	return snap.Value, ok
}

// Lookup returns the full cell state for key.
func (s *Service) Lookup(key scope.Key) (memstore.Snapshot, bool) {
	if snap, ok := s.cells.Get(key); ok {
		return snap, true
	}
	if !s.readThrough(context.Background(), key) {
		return memstore.Snapshot{}, false
	}
	return s.cells.Get(key)
}

// readThrough restores an evicted key from the backing store. It reports
// whether key may now be in memory.
func (s *Service) readThrough(ctx context.Context, key scope.Key) bool {
	if !s.cells.Evicted(key) {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, s.loadTimeout)
	defer cancel()

	value, ok, err := s.backend.LoadValue(ctx, key)
	if err != nil {
		s.ll.Warn("Failed to read evicted variable back from the backing store",
			slog.Any("scope", key),
			slog.Any("error", err))
		return false
	}
	if !ok {
		s.cells.ForgetEvicted(key)
		return false
	}
	// A write or remove since the eviction wins over the durable row.
	s.cells.Restore(scope.Entry{Key: key, Value: value})
	return true
}

// Set stores value for key. It never waits for persistence. Returns false
// when the value was already current.
func (s *Service) Set(key scope.Key, value string) bool {
	if !s.cells.Set(key, value) {
		return false
	}
	s.cache.Invalidate(key)
	return true
}

// Remove deletes key and schedules the durable delete, including for a key
// evicted under memory pressure.
func (s *Service) Remove(key scope.Key) bool {
	if !s.cells.Remove(key) {
		return false
	}
	s.cache.Invalidate(key)
	return true
}

// Resolve renders key through the derived-value cache.
func (s *Service) Resolve(ctx context.Context, key scope.Key) (derivecache.Result, error) {
	return s.ResolveWith(ctx, key, s.evaluator)
}

// ResolveWith renders key with a caller-supplied evaluator.
func (s *Service) ResolveWith(ctx context.Context, key scope.Key, ev derivecache.Evaluator) (derivecache.Result, error) {
	s.readThrough(ctx, key)
	return s.cache.ResolveWith(ctx, key, ev)
}

// Cache exposes the derived-value cache for callers that render themselves
// and call Populate.
func (s *Service) Cache() *derivecache.Hierarchy {
	return s.cache
}

// OwnerConnected pre-warms owner's variables from the backing store. Cells
// with unpersisted writes keep their in-memory value.
func (s *Service) OwnerConnected(ctx context.Context, owner uuid.UUID) error {
	rows, err := s.backend.LoadOwnerValues(ctx, owner)
	if err != nil {
		return fmt.Errorf("pre-warm owner %s: %w", owner, err)
	}
	loaded := s.cells.Load(rows)
	if loaded > 0 {
		for _, row := range rows {
			s.cache.Invalidate(row.Key)
		}
	}
	s.ll.Debug("Owner pre-warmed",
		slog.String("owner", owner.String()),
		slog.Int("rows", len(rows)),
		slog.Int("loaded", loaded))
	return nil
}

// OwnerDisconnected flushes owner's pending writes and evicts its cells in
// the background, and drops its derived-value context.
func (s *Service) OwnerDisconnected(owner uuid.UUID) {
	s.cache.ForgetOwner(owner)
	s.coord.OwnerDisconnected(owner)
}

// FirstModified reports the first write to key since it was created or loaded.
func (s *Service) FirstModified(key scope.Key) (time.Time, bool) {
	return s.cells.FirstModified(key)
}

// HardReset removes key from memory and from the backing store directly,
// without going through write-behind, then invalidates its renderings.
func (s *Service) HardReset(ctx context.Context, key scope.Key) error {
	s.cells.Purge(key)
	defer s.cache.Invalidate(key)

	var err error
	if key.IsGlobal() {
		err = s.backend.DeleteGlobalValues(ctx, []scope.Key{key})
	} else {
		err = s.backend.DeleteOwnerValues(ctx, []scope.Key{key})
	}
	if err != nil {
		return fmt.Errorf("reset %s: %w", key, err)
	}
	s.ll.Info("Variable reset", slog.Any("scope", key))
	return nil
}

// Flush drains every pending write now.
func (s *Service) Flush(ctx context.Context) (writebehind.DrainResult, error) {
	return s.coord.Drain(ctx)
}

// Shutdown stops persistence after a final drain and releases the backing
// store. The derived-value cache is closed either way.
func (s *Service) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	defer s.cache.Close()

	err := s.coord.Shutdown(ctx)
	if errors.Is(err, writebehind.ErrShutdownDrainTimeout) {
		s.drainFault.Store(true)
	}
	return err
}

// Stats combines the memory, cache and persistence views.
type Stats struct {
	Memory  memstore.Stats
	Cache   derivecache.Stats
	Persist writebehind.Stats
}

func (s *Service) Stats() Stats {
	return Stats{
		Memory:  s.cells.Stats(),
		Cache:   s.cache.Stats(),
		Persist: s.coord.Stats(),
	}
}

// RegisterGauges registers every component's observable gauges on meter.
func (s *Service) RegisterGauges(meter metric.Meter) error {
	return errors.Join(
		s.cells.RegisterGauges(meter),
		s.cache.RegisterGauges(meter),
		s.coord.RegisterGauges(meter),
	)
}

// literal renders every value to itself.
type literal struct{}

func (literal) Evaluate(_ context.Context, raw string, _ uuid.UUID) (derivecache.Evaluation, error) {
	return derivecache.Evaluation{Value: raw}, nil
}
