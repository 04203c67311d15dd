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

package ownerevents

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cardinalhq/kafka-sync/kafkasync"
)

// TopicConfig describes the owner events topic when it has to be created.
type TopicConfig struct {
	Partitions  int    `mapstructure:"partitions"`
	Replication int    `mapstructure:"replication"`
	RetentionMs string `mapstructure:"retention_ms"`
}

func DefaultTopicConfig() TopicConfig {
	return TopicConfig{
		Partitions:  8,
		Replication: 2,
		RetentionMs: "86400000",
	}
}

// topicsConfig is the kafka-sync description of the one topic this service consumes.
func topicsConfig(cfg Config) *kafkasync.Config {
	tc := cfg.TopicSettings
	topicConfig := map[string]string{}
	if tc.RetentionMs != "" {
		topicConfig["retention.ms"] = tc.RetentionMs
	}
	return &kafkasync.Config{
		Defaults: kafkasync.Defaults{
			PartitionCount:    tc.Partitions,
			ReplicationFactor: tc.Replication,
			TopicConfig:       topicConfig,
		},
		Topics:           []kafkasync.Topic{{Name: cfg.Topic}},
		OperationTimeout: time.Minute,
	}
}

// SyncTopic compares the owner events topic with its configuration. With
// fix set, a missing topic is created and drifted settings are corrected.
func SyncTopic(ctx context.Context, cfg Config, fix bool) error {
	syncer, err := kafkasync.NewSyncer(kafkasync.ConnectionConfig{BootstrapServers: cfg.Brokers}, topicsConfig(cfg))
	if err != nil {
		return fmt.Errorf("failed to create topic syncer: %w", err)
	}

	mode := kafkasync.SyncModeInfo
	if fix {
		mode = kafkasync.SyncModeFix
	}
	slog.Info("Syncing owner events topic",
		slog.String("topic", cfg.Topic),
		slog.Bool("fix", fix))
	if err := syncer.Sync(ctx, mode); err != nil {
		return fmt.Errorf("failed to sync topic %s: %w", cfg.Topic, err)
	}
	return nil
}
