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


package testhelpers

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/url"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cardinalhq/varstore/internal/backingstore/pgstore"
	"github.com/cardinalhq/varstore/internal/backingstore/pgstore/migrations"
)

// SetupTestVarstoreDB creates a throwaway database with migrations applied
// and drops it when the test ends. Connection details come from the
// VARSTOREDB_* variables with local defaults.
func SetupTestVarstoreDB(t *testing.T) *pgxpool.Pool {
	t.Helper()

	ctx := context.Background()
	dbName := fmt.Sprintf("test_varstore_%d_%d", time.Now().Unix(), rand.IntN(10000))

	host := getEnvOrDefault("VARSTOREDB_HOST", "localhost")
	port := getEnvOrDefault("VARSTOREDB_PORT", "5432")
	user := getEnvOrDefault("VARSTOREDB_USER", os.Getenv("USER"))
	baseDB := getEnvOrDefault("VARSTOREDB_DBNAME", "testing_varstore")
	password := os.Getenv("VARSTOREDB_PASSWORD")

	basePool, err := pgxpool.New(ctx, connString(user, password, host, port, baseDB))
	if err != nil {
		t.Fatalf("Failed to connect to base database: %v", err)
	}

	if _, err := basePool.Exec(ctx, fmt.Sprintf("CREATE DATABASE %s", dbName)); err != nil {
		basePool.Close()
		t.Fatalf("Failed to create test database %s: %v", dbName, err)
	}

	testPool, err := pgstore.NewConnectionPool(ctx, connString(user, password, host, port, dbName))
	if err != nil {
		basePool.Close()
		t.Fatalf("Failed to connect to test database: %v", err)
	}

	t.Cleanup(func() {
		testPool.Close()
		if _, err := basePool.Exec(context.Background(), fmt.Sprintf("DROP DATABASE IF EXISTS %s", dbName)); err != nil {
			slog.Error("Failed to drop test database", slog.String("dbName", dbName), slog.Any("error", err))
		}
		basePool.Close()
	})

	if err := migrations.RunMigrationsUp(ctx, testPool); err != nil {
		t.Fatalf("Failed to run varstore migrations: %v", err)
	}

	return testPool
}

// NewTestPGStore returns a pgstore.Store on a fresh test database.
func NewTestPGStore(t *testing.T) *pgstore.Store {
	return pgstore.NewStore(SetupTestVarstoreDB(t))
}

func connString(user, password, host, port, dbName string) string {
	u := &url.URL{
		Scheme: "postgresql",
		Host:   host + ":" + port,
		Path:   dbName,
	}
	if password != "" {
		u.User = url.UserPassword(user, password)
		u.RawQuery = "sslmode=disable"
	} else if user != "" {
		u.User = url.User(user)
	}
	return u.String()
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
