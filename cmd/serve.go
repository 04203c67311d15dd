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
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/cardinalhq/varstore/config"
	"github.com/cardinalhq/varstore/internal/backingstore/levelstore"
	"github.com/cardinalhq/varstore/internal/backingstore/pgstore"
	"github.com/cardinalhq/varstore/internal/healthcheck"
	"github.com/cardinalhq/varstore/internal/ownerevents"
	"github.com/cardinalhq/varstore/internal/periodic"
	"github.com/cardinalhq/varstore/internal/varstore"
	"github.com/cardinalhq/varstore/internal/writebehind"
)

const statsReportInterval = time.Minute

func init() {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the variable store",
		RunE: func(_ *cobra.Command, _ []string) error {
			servicename := "varstore"
			doneCtx, doneFx, err := setupTelemetry(servicename)
			if err != nil {
				return fmt.Errorf("failed to setup telemetry: %w", err)
			}

			defer func() {
				if err := doneFx(); err != nil {
					slog.Error("Error shutting down telemetry", slog.Any("error", err))
				}
			}()

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return serve(doneCtx, cfg)
		},
	}

	rootCmd.AddCommand(cmd)
}

func serve(doneCtx context.Context, cfg *config.Config) error {
	healthServer := healthcheck.NewServer(healthcheck.GetConfigFromEnv(), slog.Default())

	backend, err := openBackend(doneCtx, cfg.Backend)
	if err != nil {
		slog.Error("Failed to open backing store", slog.String("type", cfg.Backend.Type), slog.Any("error", err))
		return err
	}

	svc := varstore.New(cfg.Service(), backend, varstore.WithLogger(slog.Default()))
	if err := svc.RegisterGauges(meter); err != nil {
		slog.Warn("Failed to register varstore gauges", slog.Any("error", err))
	}

	healthServer.AddReadyProbe("hydrated", svc.Ready)
	healthServer.AddHealthProbe("persistence", svc.Healthy)
	healthServer.SetStatsFunc(func() any { return svc.Stats() })

	runCtx, cancel := context.WithCancel(doneCtx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		return healthServer.Start(gctx)
	})

	if err := svc.Start(gctx); err != nil {
		slog.Error("Failed to start variable store", slog.Any("error", err))
		healthServer.SetStatus(healthcheck.StatusUnhealthy)
		cancel()
		return errors.Join(err, shutdown(svc), g.Wait())
	}
	healthServer.SetStatus(healthcheck.StatusHealthy)

	stopReport := periodic.New("stats-report", func(context.Context) error {
		reportStats(svc.Stats())
		return nil
	}, statsReportInterval, slog.Default(), periodic.RunImmediately()).Start(gctx)
	defer stopReport()

	if cfg.OwnerEvents.Enabled {
		consumer := ownerevents.NewConsumer(cfg.OwnerEvents, ownerevents.NewReader(cfg.OwnerEvents), svc, slog.Default())
		g.Go(func() error {
			return consumer.Run(gctx)
		})
	}

	// A signal or a failed component ends the run.
	<-gctx.Done()
	slog.Info("Shutting down variable store")

	shutdownErr := shutdown(svc)
	if errors.Is(shutdownErr, writebehind.ErrShutdownDrainTimeout) {
		healthServer.SetStatus(healthcheck.StatusUnhealthy)
	}
	return errors.Join(g.Wait(), shutdownErr)
}

// shutdown runs on a fresh context; the signal context is already done
// and the final drain still needs its own timeout.
func shutdown(svc *varstore.Service) error {
	return svc.Shutdown(context.Background())
}

func openBackend(ctx context.Context, cfg config.BackendConfig) (writebehind.Backend, error) {
	switch cfg.Type {
	case config.BackendLevelDB:
		slog.Info("Opening leveldb backing store", slog.String("path", cfg.LevelDBPath))
		store, err := levelstore.Open(cfg.LevelDBPath, levelstore.Options{Sync: cfg.LevelDBSync})
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.BackendPostgres:
		store, err := pgstore.Connect(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to %s: %w", pgstore.EnvPrefix, err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown backend type %q", cfg.Type)
	}
}

func reportStats(st varstore.Stats) {
	slog.Info("Variable store stats",
		slog.Int64("cells", st.Memory.Cells),
		slog.Int64("usedBytes", st.Memory.UsedBytes),
		slog.Int("dirty", st.Memory.DirtyCount),
		slog.Duration("oldestDirty", st.Memory.OldestDirty),
		slog.String("pressure", st.Memory.Pressure.String()),
		slog.Int("evicted", st.Memory.Evicted),
		slog.Int64("restores", st.Memory.Restores),
		slog.Float64("cacheHitRate", st.Cache.HitRate()),
		slog.Int64("committed", st.Persist.Committed),
		slog.Int64("failed", st.Persist.Failed),
		slog.Int64("abandoned", st.Persist.Abandoned))
}
