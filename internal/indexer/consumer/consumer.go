// Package consumer reads ingest events from Kafka, analyzes their fields and
// indexes them into the shard sessions. Document status is optionally
// written back to PostgreSQL.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/segment-indexer/internal/indexer"
	"github.com/Adithya-Monish-Kumar-K/segment-indexer/internal/indexer/tokenizer"
	"github.com/Adithya-Monish-Kumar-K/segment-indexer/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/segment-indexer/internal/ingestion/validator"
	"github.com/Adithya-Monish-Kumar-K/segment-indexer/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/segment-indexer/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/segment-indexer/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/segment-indexer/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/segment-indexer/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/segment-indexer/pkg/postgres"
)

// Shards is the indexing side of the handler; *shard.Router satisfies it.
type Shards interface {
	NumShards() int
	Route(docID string) int
	Index(shardID int, doc indexer.Document) (indexer.Result, error)
}

// StatusStore records the outcome of indexing a document.
type StatusStore interface {
	UpdateDocumentStatus(ctx context.Context, docID, status string) error
}

// Option customises a Handler.
type Option func(*Handler)

// WithStatusStore writes INDEXED / FAILED after every event.
func WithStatusStore(s StatusStore) Option {
	return func(h *Handler) { h.status = s }
}

// WithMetrics counts processed messages by status.
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// Handler turns ingest events into indexed documents.
type Handler struct {
	shards    Shards
	analyzers map[string]*tokenizer.Analyzer
	plain     *tokenizer.Analyzer
	status    StatusStore
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewHandler builds one analyzer per configured field. Fields storing
// payloads get a delimited payload filter when cfg.PayloadDelimiter is set.
func NewHandler(cfg config.IndexerConfig, shards Shards, opts ...Option) (*Handler, error) {
	h := &Handler{
		shards:    shards,
		analyzers: make(map[string]*tokenizer.Analyzer, len(cfg.Fields)),
		plain:     tokenizer.NewAnalyzer(nil),
		logger:    logger.WithComponent("index-consumer"),
	}
	for _, opt := range opts {
		opt(h)
	}
	var payloads *tokenizer.DelimitedPayloadFilter
	if cfg.PayloadDelimiter != "" {
		enc, err := tokenizer.EncoderByName(cfg.PayloadEncoding)
		if err != nil {
			return nil, fmt.Errorf("configuring payload filter: %w", err)
		}
		payloads = tokenizer.NewDelimitedPayloadFilter(cfg.PayloadDelimiter[0], enc)
	}
	for _, fc := range cfg.Fields {
		if fc.StorePayloads && payloads != nil {
			h.analyzers[fc.Name] = tokenizer.NewAnalyzer(payloads)
		}
	}
	return h, nil
}

func (h *Handler) analyzer(field string) *tokenizer.Analyzer {
	if a, ok := h.analyzers[field]; ok {
		return a
	}
	return h.plain
}

// Document analyzes the fields of event into an indexer.Document.
func (h *Handler) Document(event ingestion.IngestEvent) (indexer.Document, error) {
	doc := indexer.Document{ID: event.DocumentID, Boost: event.Boost}
	for _, f := range event.AllFields() {
		tokens, err := h.analyzer(f.Name).Analyze(f.Text)
		if err != nil {
			return indexer.Document{}, fmt.Errorf("analyzing field %s: %w", f.Name, err)
		}
		doc.Fields = append(doc.Fields, indexer.Field{Name: f.Name, Tokens: tokens, Boost: f.Boost})
	}
	return doc, nil
}

// Handle is a kafka.MessageHandler. Undecodable and invalid events are
// dropped (and committed); a failing session returns an error so the message
// is redelivered after recovery.
func (h *Handler) Handle(ctx context.Context, key []byte, value []byte) error {
	event, err := kafka.DecodeJSON[ingestion.IngestEvent](value)
	if err != nil {
		h.logger.Error("failed to decode ingest event",
			"error", err,
			"key", string(key),
		)
		h.count("decode_error")
		return nil
	}
	if err := validator.ValidateEvent(&event, h.shards.NumShards()); err != nil {
		h.logger.Warn("rejecting invalid ingest event",
			"doc_id", event.DocumentID,
			"error", err,
		)
		h.count("invalid")
		h.updateStatus(ctx, event.DocumentID, postgres.StatusFailed)
		return nil
	}

	doc, err := h.Document(event)
	if err != nil {
		h.logger.Warn("failed to analyze document", "doc_id", event.DocumentID, "error", err)
		h.count("invalid")
		h.updateStatus(ctx, event.DocumentID, postgres.StatusFailed)
		return nil
	}

	shardID := h.shards.Route(event.DocumentID)
	if event.ShardID != nil {
		shardID = *event.ShardID
	}
	h.logger.Debug("processing ingest event",
		"doc_id", event.DocumentID,
		"shard_id", shardID,
	)

	res, err := h.shards.Index(shardID, doc)
	if err != nil {
		h.count("failed")
		if errors.Is(err, apperrors.ErrInvalidInput) {
			h.updateStatus(ctx, event.DocumentID, postgres.StatusFailed)
			h.logger.Warn("document rejected", "doc_id", event.DocumentID, "error", err)
			return nil
		}
		return fmt.Errorf("indexing document %s in shard %d: %w", event.DocumentID, shardID, err)
	}

	h.count("indexed")
	h.updateStatus(ctx, event.DocumentID, postgres.StatusIndexed)
	h.logger.Info("document indexed",
		"doc_id", event.DocumentID,
		"shard_id", shardID,
		"segment", res.Segment,
		"tokens", res.Tokens,
		"warnings", len(res.Warnings),
	)
	return nil
}

func (h *Handler) count(status string) {
	if h.metrics != nil {
		h.metrics.IngestMessagesTotal.WithLabelValues(status).Inc()
	}
}

func (h *Handler) updateStatus(ctx context.Context, docID, status string) {
	if h.status == nil || docID == "" {
		return
	}
	if err := h.status.UpdateDocumentStatus(ctx, docID, status); err != nil {
		h.logger.Error("failed to update document status",
			"doc_id", docID,
			"status", status,
			"error", err,
		)
	}
}

// Durability is the part of the shard router the consumer drives around
// offset commits; *shard.Router satisfies it.
type Durability interface {
	FlushAll(trigger indexer.FlushTrigger) error
	Discard() error
}

// IndexConsumer wraps a Kafka consumer to drive the indexing pipeline.
// Offsets are committed only after every shard has flushed the documents of
// the committed messages. When a message or a flush fails, buffered
// documents are discarded and the uncommitted messages are consumed again.
type IndexConsumer struct {
	consumer *kafka.Consumer
	shards   Durability
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// New creates an IndexConsumer reading topic and dispatching to h. Shards
// are flushed and offsets committed every cfg.CommitBatch messages and at
// least every interval.
func New(cfg config.KafkaConfig, topic string, h *Handler, shards Durability, interval time.Duration) *IndexConsumer {
	ic := &IndexConsumer{
		shards:  shards,
		metrics: h.metrics,
		logger:  logger.WithComponent("index-consumer"),
	}
	ic.consumer = kafka.NewConsumer(cfg, topic, h.Handle,
		kafka.WithCheckpoint(kafka.CheckpointConfig{
			MaxMessages: cfg.CommitBatch,
			Interval:    interval,
			Checkpoint:  ic.checkpoint,
		}),
		kafka.WithRewind(ic.discard, cfg.MaxRewinds),
	)
	return ic
}

func (ic *IndexConsumer) checkpoint(context.Context) error {
	return ic.shards.FlushAll(indexer.TriggerCheckpoint)
}

func (ic *IndexConsumer) discard(context.Context) error {
	if ic.metrics != nil {
		ic.metrics.ConsumerRewindsTotal.Inc()
	}
	ic.logger.Warn("discarding buffered documents of uncommitted messages")
	return ic.shards.Discard()
}

// Start begins consuming Kafka messages. It blocks until ctx is cancelled or
// a failed message cannot be recovered.
func (ic *IndexConsumer) Start(ctx context.Context) error {
	ic.logger.Info("index consumer starting")
	return ic.consumer.Start(ctx)
}
