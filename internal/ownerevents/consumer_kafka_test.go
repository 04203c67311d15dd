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

//go:build kafkatest

package ownerevents

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/orlangure/gnomock"
	kafkapreset "github.com/orlangure/gnomock/preset/kafka"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConsumer_AgainstKafka(t *testing.T) {
	const topic = "varstore-owner-events"

	container, err := gnomock.Start(kafkapreset.Preset(kafkapreset.WithTopics(topic)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = gnomock.Stop(container) })
	broker := container.Address(kafkapreset.BrokerPort)

	owner := uuid.New()
	writer := &kafka.Writer{Addr: kafka.TCP(broker), Topic: topic}
	t.Cleanup(func() { _ = writer.Close() })

	var msgs []kafka.Message
	for _, typ := range []EventType{EventConnect, EventDisconnect} {
		b, err := Event{OwnerID: owner, Type: typ}.Marshal()
		require.NoError(t, err)
		msgs = append(msgs, kafka.Message{Value: b})
	}

	cfg := DefaultConfig()
	cfg.Brokers = []string{broker}
	cfg.Topic = topic
	cfg.GroupID = "varstore-test-" + uuid.NewString()
	cfg.MaxWait = 200 * time.Millisecond

	handler := &fakeHandler{}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       cfg.Topic,
		GroupID:     cfg.GroupID,
		StartOffset: kafka.FirstOffset,
		MaxWait:     cfg.MaxWait,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewConsumer(cfg, reader, handler, nil).Run(ctx) }()

	require.NoError(t, writer.WriteMessages(context.Background(), msgs...))
	require.Eventually(t, func() bool { return len(handler.recorded()) == 2 }, 60*time.Second, 100*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, []call{{EventConnect, owner}, {EventDisconnect, owner}}, handler.recorded())
}
