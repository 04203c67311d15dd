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


// Package levelstore persists variables in an embedded LevelDB database,
// for single-node and development deployments that have no PostgreSQL.
//
// Keys are "g/<name>" for global variables and "o/<owner uuid>/<name>" for
// owner variables. Values are CBOR records. Every batch call is written as
// one leveldb.Batch, which LevelDB applies atomically.
package levelstore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/syndtr/goleveldb/leveldb"
	ldb_opt "github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/cardinalhq/varstore/internal/scope"
	"github.com/cardinalhq/varstore/internal/writebehind"
)

const currentVersion = 1

var (
	versionKey   = []byte("\x00version")
	globalPrefix = []byte("g/")
	ownerPrefix  = []byte("o/")
)

var _ writebehind.Backend = (*Store)(nil)

// record is the stored form of one variable.
type record struct {
	Value     string    `cbor:"1,keyasint"`
	UpdatedAt time.Time `cbor:"2,keyasint"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(fmt.Errorf("failed to create CBOR encoder: %w", err))
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(fmt.Errorf("failed to create CBOR decoder: %w", err))
	}
}

// Options controls Open.
type Options struct {
	// Sync forces every batch to stable storage before returning.
	Sync bool
	// ReadOnly opens an existing database without write access.
	ReadOnly bool
}

// Store is a writebehind.Backend backed by LevelDB.
type Store struct {
	db    *leveldb.DB
	write *ldb_opt.WriteOptions
	now   func() time.Time
}

// Open opens or creates the database at path.
func Open(path string, opts Options) (*Store, error) {
	db, err := leveldb.OpenFile(path, &ldb_opt.Options{
		ErrorIfExist:   false,
		ErrorIfMissing: opts.ReadOnly,
		ReadOnly:       opts.ReadOnly,
	})
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}

	version, err := readVersion(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	switch {
	case version == 0 && !opts.ReadOnly:
		if err := writeVersion(db, currentVersion); err != nil {
			_ = db.Close()
			return nil, err
		}
	case version > currentVersion:
		_ = db.Close()
		return nil, fmt.Errorf("leveldb %s has version %d, newer than supported version %d", path, version, currentVersion)
	}

	return &Store{
		db:    db,
		write: &ldb_opt.WriteOptions{Sync: opts.Sync},
		now:   time.Now,
	}, nil
}

func readVersion(db *leveldb.DB) (int, error) {
	value, err := db.Get(versionKey, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read database version: %w", err)
	}
	if len(value) != 4 {
		return 0, fmt.Errorf("incompatible database version length: expected: %d  actual: %d", 4, len(value))
	}
	return int(binary.BigEndian.Uint32(value)), nil
}

func writeVersion(db *leveldb.DB, version int) error {
	value := make([]byte, 4)
	binary.BigEndian.PutUint32(value, uint32(version))
	return db.Put(versionKey, value, nil)
}

func (s *Store) Close() error {
	return s.db.Close()
}

func encodeKey(key scope.Key) []byte {
	if key.IsGlobal() {
		return append(append([]byte(nil), globalPrefix...), key.Name...)
	}
	return append(ownerKeyPrefix(key.Owner), key.Name...)
}

func ownerKeyPrefix(owner uuid.UUID) []byte {
	b := append([]byte(nil), ownerPrefix...)
	b = append(b, owner.String()...)
	return append(b, '/')
}

func (s *Store) upsert(ctx context.Context, rows []scope.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := s.now()
	batch := new(leveldb.Batch)
	for _, r := range rows {
		value, err := encMode.Marshal(record{Value: r.Value, UpdatedAt: now})
		if err != nil {
			return fmt.Errorf("encode %s: %w", r.Key, err)
		}
		batch.Put(encodeKey(r.Key), value)
	}
	return s.db.Write(batch, s.write)
}

func (s *Store) remove(ctx context.Context, keys []scope.Key) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	for _, k := range keys {
		batch.Delete(encodeKey(k))
	}
	return s.db.Write(batch, s.write)
}

func (s *Store) UpsertGlobalValues(ctx context.Context, rows []scope.Entry) error {
	return s.upsert(ctx, rows)
}

func (s *Store) UpsertOwnerValues(ctx context.Context, rows []scope.Entry) error {
	return s.upsert(ctx, rows)
}

func (s *Store) DeleteGlobalValues(ctx context.Context, keys []scope.Key) error {
	return s.remove(ctx, keys)
}

func (s *Store) DeleteOwnerValues(ctx context.Context, keys []scope.Key) error {
	return s.remove(ctx, keys)
}

// LoadGlobalValues returns every global variable in name order.
func (s *Store) LoadGlobalValues(ctx context.Context) ([]scope.Entry, error) {
	return s.scan(ctx, globalPrefix, scope.GlobalOwner)
}

// LoadOwnerValues returns every variable stored for owner in name order.
func (s *Store) LoadOwnerValues(ctx context.Context, owner uuid.UUID) ([]scope.Entry, error) {
	if owner == scope.GlobalOwner {
		return s.LoadGlobalValues(ctx)
	}
	return s.scan(ctx, ownerKeyPrefix(owner), owner)
}

func (s *Store) scan(ctx context.Context, prefix []byte, owner uuid.UUID) ([]scope.Entry, error) {
	iter := s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()

	var out []scope.Entry
	for iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var rec record
		if err := decMode.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, fmt.Errorf("decode %q: %w", iter.Key(), err)
		}
		name := string(iter.Key()[len(prefix):])
		out = append(out, scope.Entry{Key: scope.Owned(owner, name), Value: rec.Value})
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("scan %q: %w", prefix, err)
	}
	return out, nil
}

func (s *Store) get(key scope.Key) (record, bool, error) {
	value, err := s.db.Get(encodeKey(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return record{}, false, nil
	}
	if err != nil {
		return record{}, false, fmt.Errorf("read %s: %w", key, err)
	}
	var rec record
	if err := decMode.Unmarshal(value, &rec); err != nil {
		return record{}, false, fmt.Errorf("decode %s: %w", key, err)
	}
	return rec, true, nil
}

// LoadValue returns the stored value for key.
func (s *Store) LoadValue(ctx context.Context, key scope.Key) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	rec, ok, err := s.get(key)
	return rec.Value, ok, err
}

// UpdatedAt reports when key was last written to the database.
func (s *Store) UpdatedAt(key scope.Key) (time.Time, bool, error) {
	rec, ok, err := s.get(key)
	return rec.UpdatedAt, ok, err
}
