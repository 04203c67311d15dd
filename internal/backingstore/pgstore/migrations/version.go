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


package migrations

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/jackc/pgx/v5/pgxpool"
)

// CheckMode defines how the schema version check behaves.
type CheckMode int

const (
	// CheckModeWait waits for migrations to complete, failing after the timeout.
	CheckModeWait CheckMode = iota
	// CheckModeWarn logs a mismatch and continues.
	CheckModeWarn
	// CheckModeSkip does not check at all.
	CheckModeSkip
)

// CheckOptions controls CheckExpectedVersion.
type CheckOptions struct {
	Mode          CheckMode
	Timeout       time.Duration
	RetryInterval time.Duration
	AllowDirty    bool
}

type CheckOption func(*CheckOptions)

func WithCheckMode(mode CheckMode) CheckOption {
	return func(opts *CheckOptions) {
		opts.Mode = mode
	}
}

func WithTimeout(timeout time.Duration) CheckOption {
	return func(opts *CheckOptions) {
		opts.Timeout = timeout
	}
}

func WithRetryInterval(interval time.Duration) CheckOption {
	return func(opts *CheckOptions) {
		opts.RetryInterval = interval
	}
}

func WithAllowDirty(allow bool) CheckOption {
	return func(opts *CheckOptions) {
		opts.AllowDirty = allow
	}
}

// DefaultCheckOptions waits up to two minutes for the schema to catch up.
func DefaultCheckOptions() CheckOptions {
	return CheckOptions{
		Mode:          CheckModeWait,
		Timeout:       120 * time.Second,
		RetryInterval: 5 * time.Second,
	}
}

// CheckExpectedVersion verifies the database schema is at the newest
// embedded migration. A service must not write rows against an older schema.
func CheckExpectedVersion(ctx context.Context, pool *pgxpool.Pool, opts ...CheckOption) error {
	o := DefaultCheckOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.Mode == CheckModeSkip {
		slog.Debug("Migration version checking disabled for varstore")
		return nil
	}

	expected, err := latestMigrationVersion(migrationFiles)
	if err != nil {
		return fmt.Errorf("failed to extract expected migration version: %w", err)
	}

	deadline := time.Now().Add(o.Timeout)
	ticker := time.NewTicker(o.RetryInterval)
	defer ticker.Stop()

	for {
		current, dirty, err := currentMigrationVersion(pool)
		if err != nil {
			return fmt.Errorf("failed to get current migration version: %w", err)
		}

		mismatch := checkVersion(current, expected, dirty, o.AllowDirty)
		if mismatch == nil {
			slog.Info("Migration version check passed", slog.Uint64("version", uint64(current)))
			return nil
		}
		if o.Mode == CheckModeWarn {
			slog.Warn("Migration version mismatch, continuing", slog.Any("error", mismatch))
			return nil
		}
		if !errors.Is(mismatch, errBehind) {
			return mismatch
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timeout waiting for migrations: %w", mismatch)
		}

		slog.Info("Waiting for migrations to complete",
			slog.Uint64("current_version", uint64(current)),
			slog.Uint64("expected_version", uint64(expected)),
			slog.Duration("remaining_timeout", time.Until(deadline)))

		select {
		case <-ctx.Done():
			return fmt.Errorf("context cancelled while waiting for migrations: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

var errBehind = errors.New("schema is behind")

// checkVersion returns nil when current matches expected. A database that
// is behind wraps errBehind so callers can keep waiting.
func checkVersion(current, expected uint, dirty, allowDirty bool) error {
	if dirty && !allowDirty {
		return errors.New("migration is in dirty state, please fix before proceeding")
	}
	switch {
	case current == expected:
		return nil
	case current > expected:
		return fmt.Errorf("database version %d is newer than expected version %d - you may need to update the application",
			current, expected)
	default:
		return fmt.Errorf("%w: current version %d, expected %d", errBehind, current, expected)
	}
}

// latestMigrationVersion returns the highest version among the "*.up.sql"
// files, named like "1760000000_initial.up.sql".
func latestMigrationVersion(files fs.ReadDirFS) (uint, error) {
	entries, err := files.ReadDir(".")
	if err != nil {
		return 0, fmt.Errorf("failed to read migration directory: %w", err)
	}

	var maxVersion uint
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".up.sql") {
			continue
		}
		prefix, _, _ := strings.Cut(name, "_")
		version, err := strconv.ParseUint(prefix, 10, 64)
		if err != nil {
			continue
		}
		maxVersion = max(maxVersion, uint(version))
	}

	if maxVersion == 0 {
		return 0, errors.New("no valid migration files found")
	}
	return maxVersion, nil
}

func currentMigrationVersion(pool *pgxpool.Pool) (uint, bool, error) {
	m, closeFn, err := newMigrator(pool)
	if err != nil {
		return 0, false, err
	}
	defer closeFn()

	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to get current version: %w", err)
	}
	return version, dirty, nil
}
