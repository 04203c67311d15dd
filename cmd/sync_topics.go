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
	"time"

	"github.com/spf13/cobra"

	"github.com/cardinalhq/varstore/config"
	"github.com/cardinalhq/varstore/internal/ownerevents"
)

func init() {
	var fix bool
	cmd := &cobra.Command{
		Use:   "sync-topics",
		Short: "Check or create the owner events Kafka topic",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()
			return ownerevents.SyncTopic(ctx, cfg.OwnerEvents, fix)
		},
	}
	cmd.Flags().BoolVar(&fix, "fix", true, "Create the topic or correct its settings instead of only reporting")

	rootCmd.AddCommand(cmd)
}
