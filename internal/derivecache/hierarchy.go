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

// Package derivecache caches derived variable values on top of the memory store.
//
// L3 maps a scope to its final rendered value and is only trusted while the
// cell still holds the same raw value at the same version. L2 maps an
// expression plus owner context to its rendering so that several scopes with
// the same expression share one evaluation. A dependency graph records which
// scopes were rendered from which, so invalidating one scope also drops every
// value derived from it.
package derivecache

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"

	"github.com/cardinalhq/varstore/internal/memstore"
	"github.com/cardinalhq/varstore/internal/scope"
)

type Config struct {
	L2TTL      time.Duration `mapstructure:"l2_ttl"`
	L3TTL      time.Duration `mapstructure:"l3_ttl"`
	L2Capacity uint64        `mapstructure:"l2_capacity"`
	L3Capacity uint64        `mapstructure:"l3_capacity"`
}

func DefaultConfig() Config {
	return Config{
		L2TTL:      10 * time.Minute,
		L3TTL:      5 * time.Minute,
		L2Capacity: 50_000,
		L3Capacity: 100_000,
	}
}

// Level says where a lookup was answered.
type Level uint8

const (
	// LevelAbsent means the scope has no cell at all.
	LevelAbsent Level = iota
	// LevelMiss means the cell exists but nothing cached is usable.
	LevelMiss
	LevelL2
	LevelL3
)

func (l Level) String() string {
	switch l {
	case LevelAbsent:
		return "absent"
	case LevelMiss:
		return "miss"
	case LevelL2:
		return "l2"
	case LevelL3:
		return "l3"
	default:
		return "unknown"
	}
}

// Result is the outcome of a lookup. Raw and Version describe the cell as
// it was read; Value is the rendered value on a hit.
type Result struct {
	Level   Level
	Value   string
	Raw     string
	Version uint64

	epoch uint64
}

func (r Result) Hit() bool {
	return r.Level == LevelL2 || r.Level == LevelL3
}

// Cells is the read side of the memory store.
type Cells interface {
	Get(key scope.Key) (memstore.Snapshot, bool)
}

// Evaluation is what an Evaluator produced for one raw value.
type Evaluation struct {
	Value string
	// Volatile marks output that must not be cached.
	Volatile bool
	// References are the scopes read while rendering.
	References []scope.Key
}

// Evaluator renders a raw value in the context of an owner. It must be pure
// apart from the scopes it reports as references.
type Evaluator interface {
	Evaluate(ctx context.Context, raw string, owner uuid.UUID) (Evaluation, error)
}

type EvaluatorFunc func(ctx context.Context, raw string, owner uuid.UUID) (Evaluation, error)

func (f EvaluatorFunc) Evaluate(ctx context.Context, raw string, owner uuid.UUID) (Evaluation, error) {
	return f(ctx, raw, owner)
}

type l2Entry struct {
	Source string
	Result string
	Owner  uuid.UUID
	Deps   []scope.Key
}

type l3Entry struct {
	Source  string
	Result  string
	Version uint64
}

type Option func(*Hierarchy)

const stampSlots = 4096

func WithLogger(logger *slog.Logger) Option {
	return func(h *Hierarchy) {
		h.ll = logger
	}
}

type Hierarchy struct {
	cells Cells
	l2    *ttlcache.Cache[uint64, l2Entry]
	l3    *ttlcache.Cache[scope.Key, l3Entry]
	ll    *slog.Logger

	stopPrune func()
	closeOnce sync.Once

	mu         sync.Mutex
	ownerL2    map[uuid.UUID]mapset.Set[uint64]
	scopeL2    map[scope.Key]mapset.Set[uint64]
	dependents map[scope.Key]mapset.Set[scope.Key]

	// gen moves on every invalidation. stamps holds, per hashed scope or
	// owner context, the gen of its latest invalidation, so a populate is
	// only dropped when something it read was invalidated after its
	// Resolve. A slot collision just drops a populate.
	gen    atomic.Uint64
	stamps [stampSlots]uint64

	l3Hits        atomic.Int64
	l2Hits        atomic.Int64
	misses        atomic.Int64
	stale         atomic.Int64
	invalidations atomic.Int64
}

func New(cells Cells, cfg Config, opts ...Option) *Hierarchy {
	h := &Hierarchy{
		cells: cells,
		l2: ttlcache.New(
			ttlcache.WithTTL[uint64, l2Entry](cfg.L2TTL),
			ttlcache.WithCapacity[uint64, l2Entry](cfg.L2Capacity),
			ttlcache.WithDisableTouchOnHit[uint64, l2Entry](),
		),
		l3: ttlcache.New(
			ttlcache.WithTTL[scope.Key, l3Entry](cfg.L3TTL),
			ttlcache.WithCapacity[scope.Key, l3Entry](cfg.L3Capacity),
			ttlcache.WithDisableTouchOnHit[scope.Key, l3Entry](),
		),
		ownerL2:    make(map[uuid.UUID]mapset.Set[uint64]),
		scopeL2:    make(map[scope.Key]mapset.Set[uint64]),
		dependents: make(map[scope.Key]mapset.Set[scope.Key]),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.ll == nil {
		h.ll = slog.Default()
	}
	h.ll = h.ll.With("component", "derivecache")

	h.stopPrune = h.l2.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[uint64, l2Entry]) {
		if reason == ttlcache.EvictionReasonDeleted {
			return
		}
		h.forgetL2(item.Key(), item.Value().Owner)
	})

	go h.l2.Start()
	go h.l3.Start()
	return h
}

// Close stops the expiry loops. The hierarchy must not be used afterwards.
func (h *Hierarchy) Close() {
	h.closeOnce.Do(func() {
		h.stopPrune()
		h.l2.Stop()
		h.l3.Stop()
	})
}

func l2Key(raw string, owner uuid.UUID) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(raw)
	_, _ = d.Write([]byte{0})
	_, _ = d.Write(owner[:])
	return d.Sum64()
}

// Resolve looks key up through L3 then L2. A miss carries the cell's raw
// value and version so the caller can render it and call Populate.
func (h *Hierarchy) Resolve(key scope.Key) Result {
	ctx := context.Background()
	r := Result{epoch: h.gen.Load()}

	snap, ok := h.cells.Get(key)
	if !ok {
		h.misses.Add(1)
		cacheMisses.Add(ctx, 1)
		return r
	}
	r.Raw = snap.Value
	r.Version = snap.Version

	if item := h.l3.Get(key); item != nil {
		e := item.Value()
		if e.Source == snap.Value && e.Version == snap.Version {
			h.l3Hits.Add(1)
			cacheHits.Add(ctx, 1, levelL3Attr)
			r.Level = LevelL3
			r.Value = e.Result
			return r
		}
		h.l3.Delete(key)
		h.stale.Add(1)
		cacheStale.Add(ctx, 1)
	}

	if LooksDerivable(snap.Value) && !IsVolatile(snap.Value) {
		if item := h.l2.Get(l2Key(snap.Value, key.Owner)); item != nil && item.Value().Source == snap.Value {
			e := item.Value()
			h.promote(key, r, e)
			h.l2Hits.Add(1)
			cacheHits.Add(ctx, 1, levelL2Attr)
			r.Level = LevelL2
			r.Value = e.Result
			return r
		}
	}

	h.misses.Add(1)
	cacheMisses.Add(ctx, 1)
	r.Level = LevelMiss
	return r
}

// Populate stores value as the rendering of the cell described by from,
// which must be the result of Resolve for key. deps are the scopes read
// while rendering. Nothing is stored for volatile or absent cells, or when
// key or one of deps was invalidated since from was resolved. An
// invalidation in key's owner context only keeps the value out of L2.
// Returns whether the value was cached.
func (h *Hierarchy) Populate(key scope.Key, from Result, value string, deps []scope.Key) bool {
	if from.Level == LevelAbsent || IsVolatile(from.Raw) {
		return false
	}

	derivable := LooksDerivable(from.Raw)
	var hash uint64
	if derivable {
		hash = l2Key(from.Raw, key.Owner)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.staleLocked(key, deps, from.epoch) {
		return false
	}
	h.linkLocked(key, deps)
	if derivable && h.stamps[ownerSlot(key.Owner)] <= from.epoch {
		addTo(h.ownerL2, key.Owner, hash)
		addTo(h.scopeL2, key, hash)
		h.l2.Set(hash, l2Entry{Source: from.Raw, Result: value, Owner: key.Owner, Deps: slices.Clone(deps)}, ttlcache.DefaultTTL)
	}
	h.l3.Set(key, l3Entry{Source: from.Raw, Result: value, Version: from.Version}, ttlcache.DefaultTTL)
	return true
}

// ResolveWith resolves key and, on a miss, renders it with ev and caches
// the result. Values without markers render to themselves.
func (h *Hierarchy) ResolveWith(ctx context.Context, key scope.Key, ev Evaluator) (Result, error) {
	r := h.Resolve(key)
	if r.Level != LevelMiss {
		return r, nil
	}

	if !LooksDerivable(r.Raw) && !IsVolatile(r.Raw) {
		r.Value = r.Raw
		h.Populate(key, r, r.Value, nil)
		return r, nil
	}

	out, err := ev.Evaluate(ctx, r.Raw, key.Owner)
	if err != nil {
		return r, fmt.Errorf("evaluate %s: %w", key, err)
	}
	r.Value = out.Value
	if !out.Volatile {
		h.Populate(key, r, out.Value, out.References)
	}
	return r, nil
}

// Invalidate drops the cached renderings of key, every L2 entry rendered in
// key's owner context, and recursively everything derived from key.
// Returns the number of scopes invalidated.
func (h *Hierarchy) Invalidate(key scope.Key) int {
	h.mu.Lock()
	gen := h.gen.Add(1)
	h.stamps[ownerSlot(key.Owner)] = gen

	var l2Keys []uint64
	if set, ok := h.ownerL2[key.Owner]; ok {
		l2Keys = append(l2Keys, set.ToSlice()...)
		delete(h.ownerL2, key.Owner)
	}

	visited := mapset.NewThreadUnsafeSet[scope.Key]()
	stack := []scope.Key{key}
	for len(stack) > 0 {
		k := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if !visited.Add(k) {
			continue
		}
		h.stamps[scopeSlot(k)] = gen
		if set, ok := h.scopeL2[k]; ok {
			l2Keys = append(l2Keys, set.ToSlice()...)
			delete(h.scopeL2, k)
		}
		if deps, ok := h.dependents[k]; ok {
			stack = append(stack, deps.ToSlice()...)
			delete(h.dependents, k)
		}
	}
	h.mu.Unlock()

	scopes := visited.ToSlice()
	for _, k := range scopes {
		h.l3.Delete(k)
	}
	for _, k := range l2Keys {
		h.l2.Delete(k)
	}

	h.invalidations.Add(int64(len(scopes)))
	cacheInvalidations.Add(context.Background(), int64(len(scopes)))
	if len(scopes) > 1 {
		h.ll.Debug("Invalidated dependents",
			slog.String("scope", key.String()),
			slog.Int("scopes", len(scopes)),
			slog.Int("l2Entries", len(l2Keys)))
	}
	return len(scopes)
}

// ForgetOwner drops every cached rendering for owner's scopes and owner
// context, without touching entries derived from them in other owners.
func (h *Hierarchy) ForgetOwner(owner uuid.UUID) {
	h.mu.Lock()
	gen := h.gen.Add(1)
	h.stamps[ownerSlot(owner)] = gen
	h.stamps[forgetSlot(owner)] = gen
	var l2Keys []uint64
	if set, ok := h.ownerL2[owner]; ok {
		l2Keys = set.ToSlice()
		delete(h.ownerL2, owner)
	}
	for k := range h.scopeL2 {
		if k.Owner == owner {
			delete(h.scopeL2, k)
		}
	}
	for k := range h.dependents {
		if k.Owner == owner {
			delete(h.dependents, k)
		}
	}
	h.mu.Unlock()

	for _, k := range l2Keys {
		h.l2.Delete(k)
	}
	var l3Keys []scope.Key
	h.l3.Range(func(item *ttlcache.Item[scope.Key, l3Entry]) bool {
		if item.Key().Owner == owner {
			l3Keys = append(l3Keys, item.Key())
		}
		return true
	})
	for _, k := range l3Keys {
		h.l3.Delete(k)
	}
}

// promote copies an L2 rendering into L3 for key unless an invalidation
// happened since r was read.
func (h *Hierarchy) promote(key scope.Key, r Result, e l2Entry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.staleLocked(key, e.Deps, r.epoch) {
		return
	}
	h.linkLocked(key, e.Deps)
	addTo(h.scopeL2, key, l2Key(e.Source, key.Owner))
	h.l3.Set(key, l3Entry{Source: e.Source, Result: e.Result, Version: r.Version}, ttlcache.DefaultTTL)
}

// staleLocked reports whether key or any of deps was invalidated, or key's
// owner forgotten, after gen.
func (h *Hierarchy) staleLocked(key scope.Key, deps []scope.Key, gen uint64) bool {
	if h.stamps[scopeSlot(key)] > gen || h.stamps[forgetSlot(key.Owner)] > gen {
		return true
	}
	for _, d := range deps {
		if h.stamps[scopeSlot(d)] > gen {
			return true
		}
	}
	return false
}

func scopeSlot(k scope.Key) int {
	d := xxhash.New()
	_, _ = d.Write(k.Owner[:])
	_, _ = d.WriteString(k.Name)
	return int(d.Sum64() % stampSlots)
}

func ownerSlot(owner uuid.UUID) int {
	return tagSlot(0xff, owner)
}

func forgetSlot(owner uuid.UUID) int {
	return tagSlot(0xfe, owner)
}

func tagSlot(tag byte, owner uuid.UUID) int {
	d := xxhash.New()
	_, _ = d.Write([]byte{tag})
	_, _ = d.Write(owner[:])
	return int(d.Sum64() % stampSlots)
}

func (h *Hierarchy) linkLocked(key scope.Key, deps []scope.Key) {
	for _, d := range deps {
		if d == key {
			continue
		}
		addTo(h.dependents, d, key)
	}
}

func (h *Hierarchy) forgetL2(hash uint64, owner uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.l2.Has(hash) {
		return
	}
	if set, ok := h.ownerL2[owner]; ok {
		set.Remove(hash)
		if set.Cardinality() == 0 {
			delete(h.ownerL2, owner)
		}
	}
}

func addTo[K comparable, V comparable](m map[K]mapset.Set[V], k K, v V) {
	set, ok := m[k]
	if !ok {
		set = mapset.NewThreadUnsafeSet[V]()
		m[k] = set
	}
	set.Add(v)
}

// Stats is a point-in-time view of cache effectiveness.
type Stats struct {
	L3Hits        int64
	L2Hits        int64
	Misses        int64
	Stale         int64
	Invalidations int64
	L2Entries     int
	L3Entries     int
}

// HitRate is the fraction of lookups answered from either level.
func (s Stats) HitRate() float64 {
	total := s.L3Hits + s.L2Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.L3Hits+s.L2Hits) / float64(total)
}

func (h *Hierarchy) Stats() Stats {
	return Stats{
		L3Hits:        h.l3Hits.Load(),
		L2Hits:        h.l2Hits.Load(),
		Misses:        h.misses.Load(),
		Stale:         h.stale.Load(),
		Invalidations: h.invalidations.Load(),
		L2Entries:     h.l2.Len(),
		L3Entries:     h.l3.Len(),
	}
}
