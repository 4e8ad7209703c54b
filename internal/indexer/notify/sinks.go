package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/Adithya-Monish-Kumar-K/segment-indexer/internal/indexer/segment"
	"github.com/Adithya-Monish-Kumar-K/segment-indexer/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/segment-indexer/pkg/postgres"
	"github.com/Adithya-Monish-Kumar-K/segment-indexer/pkg/redis"
	"github.com/Adithya-Monish-Kumar-K/segment-indexer/pkg/resilience"
)

// Publisher is satisfied by *kafka.Producer.
type Publisher interface {
	Publish(ctx context.Context, event kafka.Event) error
}

// KafkaSink publishes IndexCompleteEvent JSON keyed by shard ID, so events
// of one shard stay ordered within a partition.
type KafkaSink struct {
	producer Publisher
}

func NewKafkaSink(p Publisher) *KafkaSink {
	return &KafkaSink{producer: p}
}

func (k *KafkaSink) Name() string { return "kafka" }

func (k *KafkaSink) Notify(ctx context.Context, ev IndexCompleteEvent) error {
	return k.producer.Publish(ctx, kafka.Event{Key: strconv.Itoa(ev.ShardID), Value: ev})
}

// ManifestStore is satisfied by *redis.Client.
type ManifestStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	PushCapped(ctx context.Context, key string, value any, max int64, ttl time.Duration) error
}

const historyLength = 64

// ManifestSink keeps the newest segment of every shard in Redis:
// index:manifest:<shard> holds the latest event as JSON and
// index:segments:<shard> the names of recent segments, newest first.
type ManifestSink struct {
	store ManifestStore
	ttl   time.Duration
}

func NewManifestSink(store ManifestStore, ttl time.Duration) *ManifestSink {
	return &ManifestSink{store: store, ttl: ttl}
}

func manifestKey(shardID int) string { return fmt.Sprintf("index:manifest:%d", shardID) }
func segmentsKey(shardID int) string { return fmt.Sprintf("index:segments:%d", shardID) }

func (m *ManifestSink) Name() string { return "redis" }

func (m *ManifestSink) Notify(ctx context.Context, ev IndexCompleteEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return resilience.Permanent(fmt.Errorf("marshaling manifest: %w", err))
	}
	if err := m.store.Set(ctx, manifestKey(ev.ShardID), data, m.ttl); err != nil {
		return fmt.Errorf("writing manifest of shard %d: %w", ev.ShardID, err)
	}
	if err := m.store.PushCapped(ctx, segmentsKey(ev.ShardID), ev.Segment, historyLength, m.ttl); err != nil {
		return fmt.Errorf("appending segment history of shard %d: %w", ev.ShardID, err)
	}
	return nil
}

// Latest returns the newest manifest of shardID, or false when none exists.
func (m *ManifestSink) Latest(ctx context.Context, shardID int) (IndexCompleteEvent, bool, error) {
	var ev IndexCompleteEvent
	raw, err := m.store.Get(ctx, manifestKey(shardID))
	if err != nil {
		if redis.IsNilError(err) {
			return ev, false, nil
		}
		return ev, false, fmt.Errorf("reading manifest of shard %d: %w", shardID, err)
	}
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		return ev, false, fmt.Errorf("decoding manifest of shard %d: %w", shardID, err)
	}
	return ev, true, nil
}

// SegmentRecorder is satisfied by *postgres.Client.
type SegmentRecorder interface {
	RecordSegment(ctx context.Context, rec postgres.SegmentRecord) error
}

// CatalogSink records segments in the PostgreSQL segment catalog.
type CatalogSink struct {
	db SegmentRecorder
}

func NewCatalogSink(db SegmentRecorder) *CatalogSink {
	return &CatalogSink{db: db}
}

func (c *CatalogSink) Name() string { return "postgres" }

func (c *CatalogSink) Notify(ctx context.Context, ev IndexCompleteEvent) error {
	return c.db.RecordSegment(ctx, postgres.SegmentRecord{
		ShardID:  ev.ShardID,
		Name:     ev.Segment,
		Path:     filepath.Join(ev.Path, ev.Segment+segment.FileExt),
		DocBase:  ev.DocBase,
		DocCount: ev.DocCount,
		Terms:    ev.Terms,
		Trigger:  string(ev.Trigger),
	})
}
