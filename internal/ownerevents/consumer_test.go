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
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReader struct {
	msgs chan kafka.Message
	// failFetches is how many fetches fail with fetchErr before messages flow.
	failFetches atomic.Int32
	fetchErr    error
	commitErr   atomic.Bool

	mu        sync.Mutex
	committed []kafka.Message
	closed    atomic.Bool
}

func newFakeReader() *fakeReader {
	return &fakeReader{msgs: make(chan kafka.Message, 64)}
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if r.failFetches.Load() > 0 {
		r.failFetches.Add(-1)
		return kafka.Message{}, r.fetchErr
	}
	select {
	case m := <-r.msgs:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	if r.commitErr.Load() {
		return errors.New("commit failed")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *fakeReader) Close() error {
	r.closed.Store(true)
	return nil
}

func (r *fakeReader) commits() []kafka.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]kafka.Message(nil), r.committed...)
}

type call struct {
	event EventType
	owner uuid.UUID
}

type fakeHandler struct {
	mu         sync.Mutex
	calls      []call
	connectErr error
}

func (h *fakeHandler) OwnerConnected(_ context.Context, owner uuid.UUID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, call{EventConnect, owner})
	return h.connectErr
}

func (h *fakeHandler) OwnerDisconnected(owner uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, call{EventDisconnect, owner})
}

func (h *fakeHandler) recorded() []call {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]call(nil), h.calls...)
}

func eventMessage(t *testing.T, partition int, offset int64, ev Event) kafka.Message {
	t.Helper()
	b, err := ev.Marshal()
	require.NoError(t, err)
	return kafka.Message{Topic: "events", Partition: partition, Offset: offset, Value: b}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Topic = "events"
	cfg.BatchSize = 10
	cfg.MaxWait = 20 * time.Millisecond
	return cfg
}

func runConsumer(t *testing.T, c *Consumer) (cancel func() error) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	return func() error {
		stop()
		select {
		case err := <-done:
			return err
		case <-time.After(2 * time.Second):
			t.Fatal("consumer did not stop")
			return nil
		}
	}
}

func TestConsumer_DispatchesInOrderAndCommits(t *testing.T) {
	reader := newFakeReader()
	handler := &fakeHandler{}
	o1, o2 := uuid.New(), uuid.New()

	reader.msgs <- eventMessage(t, 0, 10, Event{OwnerID: o1, Type: EventConnect})
	reader.msgs <- eventMessage(t, 1, 4, Event{OwnerID: o2, Type: EventConnect})
	reader.msgs <- eventMessage(t, 0, 11, Event{OwnerID: o1, Type: EventDisconnect})

	stop := runConsumer(t, NewConsumer(testConfig(), reader, handler, nil))

	require.Eventually(t, func() bool { return len(reader.commits()) == 2 }, time.Second, 5*time.Millisecond)
	require.NoError(t, stop())

	assert.Equal(t, []call{
		{EventConnect, o1},
		{EventConnect, o2},
		{EventDisconnect, o1},
	}, handler.recorded())

	commits := reader.commits()
	assert.Equal(t, int64(11), commits[0].Offset)
	assert.Equal(t, 0, commits[0].Partition)
	assert.Equal(t, int64(4), commits[1].Offset)
	assert.True(t, reader.closed.Load())
}

func TestConsumer_MalformedEventIsSkippedAndCommitted(t *testing.T) {
	reader := newFakeReader()
	handler := &fakeHandler{}
	owner := uuid.New()

	reader.msgs <- kafka.Message{Topic: "events", Offset: 1, Value: []byte("not json")}
	reader.msgs <- kafka.Message{Topic: "events", Offset: 2, Value: []byte(`{"owner_id":"` + owner.String() + `","event":"explode"}`)}
	reader.msgs <- eventMessage(t, 0, 3, Event{OwnerID: owner, Type: EventDisconnect})

	stop := runConsumer(t, NewConsumer(testConfig(), reader, handler, nil))
	require.Eventually(t, func() bool { return len(handler.recorded()) == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		commits := reader.commits()
		return len(commits) > 0 && commits[len(commits)-1].Offset == 3
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, stop())

	assert.Equal(t, []call{{EventDisconnect, owner}}, handler.recorded())
}

func TestConsumer_PrewarmFailureDoesNotStopConsumption(t *testing.T) {
	reader := newFakeReader()
	handler := &fakeHandler{connectErr: errors.New("load failed")}
	owner := uuid.New()

	reader.msgs <- eventMessage(t, 0, 1, Event{OwnerID: owner, Type: EventConnect})
	reader.msgs <- eventMessage(t, 0, 2, Event{OwnerID: owner, Type: EventDisconnect})

	stop := runConsumer(t, NewConsumer(testConfig(), reader, handler, nil))
	require.Eventually(t, func() bool { return len(handler.recorded()) == 2 }, time.Second, 5*time.Millisecond)
	require.NoError(t, stop())
}

func TestConsumer_BatchSizeCommitsEarly(t *testing.T) {
	reader := newFakeReader()
	handler := &fakeHandler{}
	cfg := testConfig()
	cfg.BatchSize = 2
	cfg.MaxWait = time.Hour

	for i := range 4 {
		reader.msgs <- eventMessage(t, 0, int64(i), Event{OwnerID: uuid.New(), Type: EventDisconnect})
	}

	stop := runConsumer(t, NewConsumer(cfg, reader, handler, nil))
	require.Eventually(t, func() bool { return len(reader.commits()) == 2 }, time.Second, 5*time.Millisecond)
	require.NoError(t, stop())

	commits := reader.commits()
	assert.Equal(t, int64(1), commits[0].Offset)
	assert.Equal(t, int64(3), commits[1].Offset)
}

func TestConsumer_FetchErrorsAreRetried(t *testing.T) {
	reader := newFakeReader()
	reader.fetchErr = errors.New("broker gone")
	reader.failFetches.Store(3)
	handler := &fakeHandler{}
	cfg := testConfig()
	cfg.RetryBackoff = 5 * time.Millisecond
	owner := uuid.New()

	reader.msgs <- eventMessage(t, 0, 7, Event{OwnerID: owner, Type: EventDisconnect})

	stop := runConsumer(t, NewConsumer(cfg, reader, handler, nil))
	require.Eventually(t, func() bool { return len(reader.commits()) == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, stop())

	assert.Zero(t, reader.failFetches.Load())
	assert.Equal(t, []call{{EventDisconnect, owner}}, handler.recorded())
	assert.True(t, reader.closed.Load())
}

func TestConsumer_CommitFailureDoesNotStopConsumption(t *testing.T) {
	reader := newFakeReader()
	reader.commitErr.Store(true)
	handler := &fakeHandler{}
	cfg := testConfig()
	cfg.BatchSize = 1

	reader.msgs <- eventMessage(t, 0, 1, Event{OwnerID: uuid.New(), Type: EventDisconnect})
	stop := runConsumer(t, NewConsumer(cfg, reader, handler, nil))
	require.Eventually(t, func() bool { return len(handler.recorded()) == 1 }, time.Second, 5*time.Millisecond)

	reader.commitErr.Store(false)
	reader.msgs <- eventMessage(t, 0, 2, Event{OwnerID: uuid.New(), Type: EventDisconnect})
	require.Eventually(t, func() bool { return len(reader.commits()) == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, stop())

	assert.Equal(t, int64(2), reader.commits()[0].Offset)
}

func TestParseEvent(t *testing.T) {
	owner := uuid.MustParse("0b6e3c1a-5c0f-4e9a-8d51-7d7f2a0b9c11")

	tests := []struct {
		name    string
		body    string
		want    Event
		wantErr error
	}{
		{
			name: "connect",
			body: `{"owner_id":"0b6e3c1a-5c0f-4e9a-8d51-7d7f2a0b9c11","event":"connect"}`,
			want: Event{OwnerID: owner, Type: EventConnect},
		},
		{
			name: "disconnect",
			body: `{"owner_id":"0b6e3c1a-5c0f-4e9a-8d51-7d7f2a0b9c11","event":"disconnect"}`,
			want: Event{OwnerID: owner, Type: EventDisconnect},
		},
		{
			name:    "unknown type",
			body:    `{"owner_id":"0b6e3c1a-5c0f-4e9a-8d51-7d7f2a0b9c11","event":"reboot"}`,
			wantErr: ErrUnknownEvent,
		},
		{
			name:    "global owner",
			body:    `{"owner_id":"00000000-0000-0000-0000-000000000000","event":"connect"}`,
			wantErr: ErrGlobalOwner,
		},
		{
			name:    "missing owner",
			body:    `{"event":"connect"}`,
			wantErr: ErrGlobalOwner,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseEvent([]byte(tt.body))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseEvent([]byte(`{"owner_id":"not-a-uuid","event":"connect"}`))
	assert.Error(t, err)
}
