package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed []int64
	closed    bool
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.msgs) == 0 {
		return kafka.Message{}, io.EOF
	}
	msg := r.msgs[0]
	r.msgs = r.msgs[1:]
	return msg, nil
}

func (r *fakeReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.closed = true
	return nil
}

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestConsumer_CommitsHandledMessages(t *testing.T) {
	r := &fakeReader{msgs: []kafka.Message{
		{Offset: 1, Value: []byte("a")},
		{Offset: 2, Value: []byte("b")},
	}}
	c := NewConsumerWithReader(r, "t", func(context.Context, []byte, []byte) error { return nil })
	require.NoError(t, c.Start(context.Background()))
	assert.Equal(t, []int64{1, 2}, r.committed)
}

func TestConsumer_HaltsOnFailedMessageWithoutRewind(t *testing.T) {
	r := &fakeReader{msgs: []kafka.Message{
		{Offset: 1, Value: []byte("ok")},
		{Offset: 2, Value: []byte("fail")},
		{Offset: 3, Value: []byte("ok")},
	}}
	var seen []string
	c := NewConsumerWithReader(r, "t", func(ctx context.Context, key, value []byte) error {
		seen = append(seen, string(value))
		if string(value) == "fail" {
			return errors.New("boom")
		}
		return nil
	})

	err := c.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "offset 2")
	assert.Equal(t, []string{"ok", "fail"}, seen)
	assert.Equal(t, []int64{1}, r.committed)
}

// fakeBroker hands out readers that start at the committed offset, like a
// consumer group rejoining a partition.
type fakeBroker struct {
	mu        sync.Mutex
	log       []string
	committed int64
	opens     int
	block     bool
}

func newFakeBroker(values ...string) *fakeBroker {
	return &fakeBroker{log: values}
}

func (b *fakeBroker) open() MessageReader {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.opens++
	return &brokerReader{b: b, next: b.committed}
}

func (b *fakeBroker) committedOffset() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.committed
}

type brokerReader struct {
	b    *fakeBroker
	next int64
}

func (r *brokerReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.b.mu.Lock()
	if r.next < int64(len(r.b.log)) {
		msg := kafka.Message{Offset: r.next, Value: []byte(r.b.log[r.next])}
		r.next++
		r.b.mu.Unlock()
		return msg, nil
	}
	block := r.b.block
	r.b.mu.Unlock()
	if !block {
		return kafka.Message{}, io.EOF
	}
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *brokerReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	r.b.mu.Lock()
	defer r.b.mu.Unlock()
	for _, m := range msgs {
		r.b.committed = max(r.b.committed, m.Offset+1)
	}
	return nil
}

func (r *brokerReader) Close() error { return nil }

func TestConsumer_RewindRedeliversUncommittedMessages(t *testing.T) {
	b := newFakeBroker("a", "b", "poison-once", "c")
	var seen []string
	failed := false
	discards := 0
	checkpoints := 0
	c := NewConsumerWithReader(b.open(), "t",
		func(ctx context.Context, key, value []byte) error {
			seen = append(seen, string(value))
			if string(value) == "poison-once" && !failed {
				failed = true
				return errors.New("shard corrupted")
			}
			return nil
		},
		WithReaderFactory(b.open),
		WithCheckpoint(CheckpointConfig{MaxMessages: 10, Checkpoint: func(context.Context) error {
			checkpoints++
			return nil
		}}),
		WithRewind(func(context.Context) error {
			discards++
			return nil
		}, 3),
	)

	require.NoError(t, c.Start(context.Background()))
	assert.Equal(t, []string{"a", "b", "poison-once", "a", "b", "poison-once", "c"}, seen)
	assert.Equal(t, 1, discards)
	assert.Equal(t, 2, b.opens)
	assert.Equal(t, 1, checkpoints)
	assert.Equal(t, int64(4), b.committedOffset())
}

func TestConsumer_FailedCheckpointRewinds(t *testing.T) {
	b := newFakeBroker("a", "b", "c", "d")
	var seen []string
	calls := 0
	discards := 0
	c := NewConsumerWithReader(b.open(), "t",
		func(ctx context.Context, key, value []byte) error {
			seen = append(seen, string(value))
			return nil
		},
		WithReaderFactory(b.open),
		WithCheckpoint(CheckpointConfig{MaxMessages: 2, Checkpoint: func(context.Context) error {
			calls++
			if calls == 1 {
				return errors.New("flush failed")
			}
			return nil
		}}),
		WithRewind(func(context.Context) error {
			discards++
			return nil
		}, 3),
	)

	require.NoError(t, c.Start(context.Background()))
	assert.Equal(t, []string{"a", "b", "a", "b", "c", "d"}, seen)
	assert.Equal(t, 1, discards)
	assert.Equal(t, 3, calls)
	assert.Equal(t, int64(4), b.committedOffset())
}

func TestConsumer_GivesUpAfterMaxRewinds(t *testing.T) {
	b := newFakeBroker("a", "poison")
	discards := 0
	c := NewConsumerWithReader(b.open(), "t",
		func(ctx context.Context, key, value []byte) error {
			if string(value) == "poison" {
				return errors.New("boom")
			}
			return nil
		},
		WithReaderFactory(b.open),
		WithCheckpoint(CheckpointConfig{MaxMessages: 10, Checkpoint: func(context.Context) error { return nil }}),
		WithRewind(func(context.Context) error {
			discards++
			return nil
		}, 2),
	)

	err := c.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 rewinds")
	assert.Equal(t, 2, discards)
	assert.Equal(t, int64(0), b.committedOffset())
}

func TestConsumer_IntervalCheckpointCommitsIdleBacklog(t *testing.T) {
	b := newFakeBroker("a", "b")
	b.block = true
	c := NewConsumerWithReader(b.open(), "t",
		func(context.Context, []byte, []byte) error { return nil },
		WithCheckpoint(CheckpointConfig{
			MaxMessages: 100,
			Interval:    20 * time.Millisecond,
			Checkpoint:  func(context.Context) error { return nil },
		}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Start(ctx) }()

	assert.Eventually(t, func() bool { return b.committedOffset() == 2 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestConsumer_StopsOnCancelledContext(t *testing.T) {
	r := &fakeReader{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := NewConsumerWithReader(r, "t", func(context.Context, []byte, []byte) error { return nil })
	require.NoError(t, c.Start(ctx))
	assert.True(t, r.closed)
}

func TestProducer_PublishEncodesJSON(t *testing.T) {
	w := &fakeWriter{}
	p := NewProducerWithWriter(w, "t")

	err := p.Publish(context.Background(), Event{Key: "k", Value: map[string]int{"n": 1}})
	require.NoError(t, err)
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "k", string(w.msgs[0].Key))

	var got map[string]int
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &got))
	assert.Equal(t, 1, got["n"])
}

func TestProducer_WrapsWriteError(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker down")}
	p := NewProducerWithWriter(w, "t")
	err := p.Publish(context.Background(), Event{Key: "k", Value: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker down")
}

func TestDecodeJSON(t *testing.T) {
	type ev struct {
		ID string `json:"id"`
	}
	got, err := DecodeJSON[ev]([]byte(`{"id":"x"}`))
	require.NoError(t, err)
	assert.Equal(t, "x", got.ID)

	_, err = DecodeJSON[ev]([]byte(`{`))
	assert.Error(t, err)
}
