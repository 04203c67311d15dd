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

package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/cardinalhq/varstore/internal/backingstore/pgstore"
	"github.com/cardinalhq/varstore/internal/backingstore/pgstore/migrations"
)

var migrateTimeout time.Duration

func init() {
	MigrateCmd.Flags().DurationVar(&migrateTimeout, "timeout", 5*time.Minute, "How long to wait for the database before giving up")
	rootCmd.AddCommand(MigrateCmd)
}

var MigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	Long:  "Apply the embedded schema migrations to the VARSTOREDB_* PostgreSQL database",
	RunE: func(_ *cobra.Command, _ []string) error {
		return migrate(context.Background(), migrateTimeout)
	},
}

func migrate(ctx context.Context, timeout time.Duration) error {
	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	pool, err := pgstore.ConnectPool(connectCtx)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", pgstore.EnvPrefix, err)
	}
	defer pool.Close()

	slog.Info("Running varstore migrations")
	if err := migrations.RunMigrationsUp(ctx, pool); err != nil {
		return fmt.Errorf("failed to migrate varstore database: %w", err)
	}
	slog.Info("varstore migrations completed successfully")
	return nil
}
