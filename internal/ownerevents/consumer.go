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


// Package ownerevents consumes owner connect and disconnect events from
// Kafka and forwards them to the variable store.
package ownerevents

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

// Config selects the topic and consumer group.
type Config struct {
	Enabled           bool          `mapstructure:"enabled"`
	Brokers           []string      `mapstructure:"brokers"`
	Topic             string        `mapstructure:"topic"`
	GroupID           string        `mapstructure:"group_id"`
	BatchSize         int           `mapstructure:"batch_size"`
	MaxWait           time.Duration `mapstructure:"max_wait"`
	ConnectionTimeout time.Duration `mapstructure:"connection_timeout"`
	// RetryBackoff is the first pause after a failed fetch. It doubles on
	// each consecutive failure up to maxRetryBackoff.
	RetryBackoff  time.Duration `mapstructure:"retry_backoff"`
	TopicSettings TopicConfig   `mapstructure:"topic_settings"`
}

const maxRetryBackoff = 30 * time.Second

func DefaultConfig() Config {
	return Config{
		Brokers:           []string{"localhost:9092"},
		Topic:             "varstore.owner-events",
		GroupID:           "varstore",
		BatchSize:         100,
		MaxWait:           500 * time.Millisecond,
		ConnectionTimeout: 10 * time.Second,
		RetryBackoff:      500 * time.Millisecond,
		TopicSettings:     DefaultTopicConfig(),
	}
}

// Reader is the subset of *kafka.Reader the consumer needs.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Handler receives owner lifecycle transitions.
type Handler interface {
	OwnerConnected(ctx context.Context, owner uuid.UUID) error
	OwnerDisconnected(owner uuid.UUID)
}

// NewReader builds a consumer-group reader that only commits when told to.
func NewReader(cfg Config) *kafka.Reader {
	timeout := cfg.ConnectionTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       1e6,
		MaxWait:        cfg.MaxWait,
		StartOffset:    kafka.LastOffset,
		Dialer:         &kafka.Dialer{Timeout: timeout},
		CommitInterval: 0,
	})
}

// Consumer reads events and dispatches them in partition order.
type Consumer struct {
	cfg     Config
	reader  Reader
	handler Handler
	ll      *slog.Logger
}

func NewConsumer(cfg Config, reader Reader, handler Handler, logger *slog.Logger) *Consumer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 500 * time.Millisecond
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 500 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		cfg:     cfg,
		reader:  reader,
		handler: handler,
		ll:      logger.With(slog.String("component", "ownerevents"), slog.String("topic", cfg.Topic)),
	}
}

// Run consumes until ctx is cancelled, then commits what it already
// handled and closes the reader. Broker failures are logged and retried
// with backoff; they never end the loop.
func (c *Consumer) Run(ctx context.Context) error {
	defer func() {
		if err := c.reader.Close(); err != nil {
			c.ll.Warn("Failed to close owner event reader", slog.Any("error", err))
		}
	}()
	c.ll.Info("Consuming owner events", slog.String("group", c.cfg.GroupID))

	batch := make([]kafka.Message, 0, c.cfg.BatchSize)
	backoff := c.cfg.RetryBackoff
	for {
		if ctx.Err() != nil {
			return c.finish(batch)
		}

		readCtx, cancel := context.WithTimeout(ctx, c.cfg.MaxWait)
		msg, err := c.reader.FetchMessage(readCtx)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return c.finish(batch)
			}
			if errors.Is(err, context.DeadlineExceeded) {
				c.flush(ctx, batch)
				batch = batch[:0]
				continue
			}
			c.ll.Warn("Failed to fetch owner event; retrying",
				slog.Duration("backoff", backoff),
				slog.Any("error", err))
			select {
			case <-ctx.Done():
				return c.finish(batch)
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxRetryBackoff)
			continue
		}
		backoff = c.cfg.RetryBackoff

		batch = append(batch, msg)
		if len(batch) >= c.cfg.BatchSize {
			c.flush(ctx, batch)
			batch = batch[:0]
		}
	}
}

// flush handles a batch and commits it. A failed commit is only logged:
// the next commit on the same partition covers these offsets.
func (c *Consumer) flush(ctx context.Context, batch []kafka.Message) {
	if err := c.process(ctx, batch); err != nil && ctx.Err() == nil {
		c.ll.Warn("Failed to commit owner events",
			slog.Int("messages", len(batch)),
			slog.Any("error", err))
	}
}

// finish processes what was already fetched so those offsets are committed.
func (c *Consumer) finish(batch []kafka.Message) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.process(ctx, batch)
}

func (c *Consumer) process(ctx context.Context, batch []kafka.Message) error {
	if len(batch) == 0 {
		return nil
	}
	for _, msg := range batch {
		c.dispatch(ctx, msg)
	}
	return c.reader.CommitMessages(ctx, highestOffsets(batch)...)
}

// dispatch never fails: a malformed event is logged and skipped so it does
// not block the partition, and pre-warm is optional.
func (c *Consumer) dispatch(ctx context.Context, msg kafka.Message) {
	ev, err := ParseEvent(msg.Value)
	if err != nil {
		c.ll.Warn("Skipping malformed owner event",
			slog.Int("partition", msg.Partition),
			slog.Int64("offset", msg.Offset),
			slog.Any("error", err))
		return
	}

	switch ev.Type {
	case EventConnect:
		if err := c.handler.OwnerConnected(ctx, ev.OwnerID); err != nil {
			c.ll.Warn("Owner pre-warm failed",
				slog.String("owner", ev.OwnerID.String()),
				slog.Any("error", err))
		}
	case EventDisconnect:
		c.handler.OwnerDisconnected(ev.OwnerID)
	}
}

// highestOffsets keeps the last message of each partition; committing it
// commits everything before it.
func highestOffsets(batch []kafka.Message) []kafka.Message {
	type tp struct {
		topic     string
		partition int
	}
	last := make(map[tp]kafka.Message)
	var order []tp
	for _, msg := range batch {
		k := tp{msg.Topic, msg.Partition}
		existing, ok := last[k]
		if !ok {
			order = append(order, k)
		}
		if !ok || msg.Offset > existing.Offset {
			last[k] = kafka.Message{Topic: msg.Topic, Partition: msg.Partition, Offset: msg.Offset}
		}
	}
	out := make([]kafka.Message, 0, len(order))
	for _, k := range order {
		out = append(out, last[k])
	}
	return out
}
