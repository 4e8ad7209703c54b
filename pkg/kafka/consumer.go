// Package kafka provides Kafka producer and consumer clients backed by
// segmentio/kafka-go. The producer serialises events as JSON, while the
// consumer decodes them via a pluggable MessageHandler callback.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/Adithya-Monish-Kumar-K/segment-indexer/pkg/config"
)

// MessageHandler is a callback invoked for each Kafka message. A handler
// error leaves the message uncommitted.
type MessageHandler func(ctx context.Context, key []byte, value []byte) error

// MessageReader is the subset of *kafka.Reader used by Consumer.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ReaderFactory opens a reader positioned at the group's committed offsets.
type ReaderFactory func() MessageReader

// CheckpointConfig defers offset commits until handled messages are durable.
// Checkpoint is called after MaxMessages handled messages, or once Interval
// has passed since the oldest uncommitted one; the messages are committed
// only when it succeeds.
type CheckpointConfig struct {
	MaxMessages int
	Interval    time.Duration
	Checkpoint  func(ctx context.Context) error
}

// ConsumerOption customises a Consumer.
type ConsumerOption func(*Consumer)

// WithCheckpoint enables deferred commits.
func WithCheckpoint(cfg CheckpointConfig) ConsumerOption {
	return func(c *Consumer) { c.checkpointCfg = &cfg }
}

// WithReaderFactory sets how the consumer reopens its reader on a rewind.
func WithReaderFactory(open ReaderFactory) ConsumerOption {
	return func(c *Consumer) { c.open = open }
}

// WithRewind recovers from a failed message or checkpoint: discard drops
// whatever the uncommitted messages produced, then the reader is reopened at
// the committed offsets so they are delivered again. Start gives up after
// maxRewinds rewinds without a successful commit in between.
func WithRewind(discard func(ctx context.Context) error, maxRewinds int) ConsumerOption {
	return func(c *Consumer) {
		c.discard = discard
		c.maxRewinds = maxRewinds
	}
}

// Consumer reads messages from a Kafka topic and dispatches them to a
// MessageHandler.
type Consumer struct {
	reader  MessageReader
	logger  *slog.Logger
	handler MessageHandler

	open          ReaderFactory
	discard       func(ctx context.Context) error
	maxRewinds    int
	rewinds       int
	checkpointCfg *CheckpointConfig
	pending       []kafka.Message
	pendingSince  time.Time
}

// NewConsumer creates a Consumer for the given topic and handler.
func NewConsumer(cfg config.KafkaConfig, topic string, handler MessageHandler, opts ...ConsumerOption) *Consumer {
	rc := kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       topic,
		GroupID:     cfg.ConsumerGroup,
		MinBytes:    1e3,
		MaxBytes:    10e6,
		StartOffset: kafka.LastOffset,
	}
	open := func() MessageReader { return kafka.NewReader(rc) }
	opts = append([]ConsumerOption{WithReaderFactory(open)}, opts...)
	return NewConsumerWithReader(open(), topic, handler, opts...)
}

// NewConsumerWithReader creates a Consumer on top of an existing reader.
func NewConsumerWithReader(r MessageReader, topic string, handler MessageHandler, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		reader:  r,
		logger:  slog.Default().With("component", "kafka-consumer", "topic", topic),
		handler: handler,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start enters the consume loop, fetching and processing messages until ctx
// is cancelled or the reader is closed. It returns an error when a failed
// message cannot be redelivered; the message and everything after it stay
// uncommitted.
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("consumer started")
	for {
		if ctx.Err() != nil {
			c.logger.Info("consumer stopping", "reason", ctx.Err())
			return c.stop()
		}

		msg, err := c.fetch(ctx)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				c.logger.Info("consumer stopping", "reason", ctx.Err())
				return c.stop()
			case errors.Is(err, context.DeadlineExceeded):
				if err := c.checkpoint(ctx); err != nil {
					return err
				}
			case errors.Is(err, io.EOF):
				c.logger.Info("reader closed")
				c.commitPending()
				return nil
			default:
				c.logger.Error("failed to fetch message", "error", err)
			}
			continue
		}
		c.logger.Debug("message received",
			"partition", msg.Partition,
			"offset", msg.Offset,
			"key", string(msg.Key),
			"value_size", len(msg.Value),
		)
		if err := c.handler(ctx, msg.Key, msg.Value); err != nil {
			c.logger.Error("failed to process message",
				"partition", msg.Partition,
				"offset", msg.Offset,
				"error", err,
			)
			if err := c.rewind(ctx, fmt.Errorf("partition %d offset %d: %w", msg.Partition, msg.Offset, err)); err != nil {
				return err
			}
			continue
		}
		if err := c.handled(ctx, msg); err != nil {
			return err
		}
	}
}

// fetch waits for the next message, but no longer than the checkpoint
// deadline of the pending messages.
func (c *Consumer) fetch(ctx context.Context) (kafka.Message, error) {
	if c.checkpointCfg == nil || c.checkpointCfg.Interval <= 0 || len(c.pending) == 0 {
		return c.reader.FetchMessage(ctx)
	}
	wait := time.Until(c.pendingSince.Add(c.checkpointCfg.Interval))
	if wait <= 0 {
		return kafka.Message{}, context.DeadlineExceeded
	}
	fetchCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	return c.reader.FetchMessage(fetchCtx)
}

func (c *Consumer) handled(ctx context.Context, msg kafka.Message) error {
	if c.checkpointCfg == nil {
		c.commit(ctx, msg)
		c.rewinds = 0
		return nil
	}
	if len(c.pending) == 0 {
		c.pendingSince = time.Now()
	}
	c.pending = append(c.pending, msg)
	if c.checkpointCfg.MaxMessages > 0 && len(c.pending) >= c.checkpointCfg.MaxMessages {
		return c.checkpoint(ctx)
	}
	return nil
}

// checkpoint makes the pending messages durable and commits them.
func (c *Consumer) checkpoint(ctx context.Context) error {
	if len(c.pending) == 0 {
		return nil
	}
	if err := c.checkpointCfg.Checkpoint(ctx); err != nil {
		c.logger.Error("checkpoint failed", "pending", len(c.pending), "error", err)
		return c.rewind(ctx, fmt.Errorf("checkpoint: %w", err))
	}
	if !c.commit(ctx, c.pending...) {
		// Durable but uncommitted; retried at the next checkpoint.
		c.pendingSince = time.Now()
		return nil
	}
	c.logger.Debug("checkpoint committed", "messages", len(c.pending))
	c.pending = nil
	c.rewinds = 0
	return nil
}

func (c *Consumer) commit(ctx context.Context, msgs ...kafka.Message) bool {
	if err := c.reader.CommitMessages(ctx, msgs...); err != nil {
		last := msgs[len(msgs)-1]
		c.logger.Error("failed to commit message",
			"partition", last.Partition,
			"offset", last.Offset,
			"messages", len(msgs),
			"error", err,
		)
		return false
	}
	return true
}

// rewind discards uncommitted work and reopens the reader so the
// uncommitted messages are delivered again.
func (c *Consumer) rewind(ctx context.Context, cause error) error {
	if c.open == nil || c.discard == nil {
		return fmt.Errorf("consumer halted: %w", cause)
	}
	if c.rewinds >= c.maxRewinds {
		return fmt.Errorf("consumer halted after %d rewinds: %w", c.rewinds, cause)
	}
	c.rewinds++

	select {
	case <-ctx.Done():
		// Start stops at the top of its loop.
		return nil
	case <-time.After(time.Duration(c.rewinds-1) * 100 * time.Millisecond):
	}

	if err := c.discard(ctx); err != nil {
		return fmt.Errorf("discarding uncommitted work: %w", errors.Join(cause, err))
	}
	if err := c.reader.Close(); err != nil {
		c.logger.Warn("closing reader for rewind", "error", err)
	}
	c.reader = c.open()
	c.logger.Warn("rewound to committed offsets",
		"discarded_messages", len(c.pending),
		"attempt", c.rewinds,
		"cause", cause,
	)
	c.pending = nil
	return nil
}

// stop makes a last attempt to commit pending messages before closing the
// reader. Whatever stays uncommitted is delivered again on restart.
func (c *Consumer) stop() error {
	c.commitPending()
	return c.reader.Close()
}

func (c *Consumer) commitPending() {
	if c.checkpointCfg == nil || len(c.pending) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.checkpointCfg.Checkpoint(ctx); err != nil {
		c.logger.Error("final checkpoint failed", "pending", len(c.pending), "error", err)
		return
	}
	if c.commit(ctx, c.pending...) {
		c.pending = nil
	}
}

// Close closes the underlying Kafka reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}

// DecodeJSON is a generic helper that unmarshals a Kafka message value into T.
func DecodeJSON[T any](value []byte) (T, error) {
	var result T
	if err := json.Unmarshal(value, &result); err != nil {
		return result, fmt.Errorf("decoding kafka message: %w", err)
	}
	return result, nil
}
