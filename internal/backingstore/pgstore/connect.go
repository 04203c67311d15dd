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


package pgstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cardinalhq/varstore/internal/backingstore/pgstore/migrations"
	"github.com/cardinalhq/varstore/internal/dbopen"
)

// EnvPrefix names the VARSTOREDB_URL / VARSTOREDB_HOST / ... variables.
const EnvPrefix = "VARSTOREDB"

// ConnectPool opens a pool from the VARSTOREDB_* environment.
func ConnectPool(ctx context.Context) (*pgxpool.Pool, error) {
	connectionString, err := dbopen.GetDatabaseURLFromEnv(EnvPrefix)
	if err != nil {
		return nil, errors.Join(dbopen.ErrDatabaseNotConfigured, fmt.Errorf("failed to get %s connection string: %w", EnvPrefix, err))
	}
	return NewConnectionPool(ctx, connectionString)
}

// Connect opens the pool, verifies the schema version and returns a Store
// that owns the pool.
func Connect(ctx context.Context, opts ...migrations.CheckOption) (*Store, error) {
	pool, err := ConnectPool(ctx)
	if err != nil {
		return nil, err
	}

	if err := migrations.CheckExpectedVersion(ctx, pool, opts...); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%s migration version check failed: %w", EnvPrefix, err)
	}

	return NewStore(pool), nil
}
