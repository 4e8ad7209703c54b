package shard

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/segment-indexer/internal/indexer"
	"github.com/Adithya-Monish-Kumar-K/segment-indexer/internal/indexer/segment"
	"github.com/Adithya-Monish-Kumar-K/segment-indexer/internal/indexer/tokenizer"
	"github.com/Adithya-Monish-Kumar-K/segment-indexer/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/segment-indexer/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/segment-indexer/pkg/metrics"
)

func testConfig(t *testing.T) config.IndexerConfig {
	cfg := config.DefaultIndexer()
	cfg.DataDir = t.TempDir()
	cfg.NumShards = 3
	cfg.ByteBlockSize = 1 << 10
	cfg.IntBlockSize = 1 << 8
	cfg.TextBlockSize = 1 << 10
	cfg.RAMBufferBytes = 0
	return cfg
}

func bodyDoc(id, body string) indexer.Document {
	return indexer.Document{
		ID:     id,
		Fields: []indexer.Field{{Name: "body", Tokens: tokenizer.Whitespace(body)}},
	}
}

func TestRouter_RouteIsStable(t *testing.T) {
	r, err := NewRouter(testConfig(t))
	require.NoError(t, err)
	defer r.Close()

	for i := 0; i < 100; i++ {
		id := fmt.Sprintf("doc-%d", i)
		shardID := r.Route(id)
		assert.GreaterOrEqual(t, shardID, 0)
		assert.Less(t, shardID, 3)
		assert.Equal(t, shardID, r.Route(id))
	}
}

func TestRouter_RejectsInvalidShardCount(t *testing.T) {
	cfg := testConfig(t)
	cfg.NumShards = 0
	_, err := NewRouter(cfg)
	assert.Error(t, err)
}

func TestRouter_UnknownShard(t *testing.T) {
	r, err := NewRouter(testConfig(t))
	require.NoError(t, err)
	defer r.Close()

	_, err = r.Index(7, bodyDoc("a", "x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown shard ID 7")
}

func TestRouter_FlushAllWritesSegmentPerShard(t *testing.T) {
	cfg := testConfig(t)
	var mu sync.Mutex
	flushed := make(map[int]indexer.SegmentInfo)
	r, err := NewRouter(cfg, WithFlushListener(func(shardID int, dir string, info indexer.SegmentInfo) {
		mu.Lock()
		defer mu.Unlock()
		flushed[shardID] = info
		assert.Equal(t, filepath.Join(cfg.DataDir, fmt.Sprintf("shard-%d", shardID)), dir)
	}))
	require.NoError(t, err)

	for shardID := 0; shardID < 3; shardID++ {
		_, err := r.Index(shardID, bodyDoc(fmt.Sprintf("d%d", shardID), "alpha beta"))
		require.NoError(t, err)
	}
	stats := r.Stats()
	for shardID := 0; shardID < 3; shardID++ {
		assert.Equal(t, 1, stats[shardID].DocsBuffered)
	}

	require.NoError(t, r.FlushAll(indexer.TriggerManual))
	require.Len(t, flushed, 3)

	for shardID := 0; shardID < 3; shardID++ {
		info := flushed[shardID]
		assert.Equal(t, 1, info.DocCount)
		assert.Equal(t, indexer.TriggerManual, info.Trigger)

		path := filepath.Join(cfg.DataDir, fmt.Sprintf("shard-%d", shardID), info.Name+segment.FileExt)
		_, err := os.Stat(path)
		require.NoError(t, err)
	}
	assert.NoError(t, r.Health(t.Context()))
	require.NoError(t, r.Close())
}

func TestRouter_IndexDocumentUsesRoute(t *testing.T) {
	r, err := NewRouter(testConfig(t))
	require.NoError(t, err)
	defer r.Close()

	doc := bodyDoc("routed", "gamma")
	shardID, res, err := r.IndexDocument(doc)
	require.NoError(t, err)
	assert.Equal(t, r.Route("routed"), shardID)
	assert.Equal(t, int32(0), res.DocID)
	assert.Equal(t, 1, r.Stats()[shardID].DocsBuffered)
}

func TestRouter_ActiveShardsMetric(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	r, err := NewRouter(testConfig(t), WithMetrics(m))
	require.NoError(t, err)
	assert.Equal(t, float64(3), testutil.ToFloat64(m.ActiveShards))

	_, _, err = r.IndexDocument(bodyDoc("a", "one two"))
	require.NoError(t, err)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.DocsIndexedTotal))

	require.NoError(t, r.Close())
	assert.Equal(t, float64(0), testutil.ToFloat64(m.ActiveShards))
}

func TestRouter_CorruptedShardIsRebuilt(t *testing.T) {
	cfg := testConfig(t)
	m := metrics.New(prometheus.NewRegistry())
	r, err := NewRouter(cfg, WithMetrics(m))
	require.NoError(t, err)
	defer r.Close()

	_, err = r.Index(0, bodyDoc("lost", "alpha"))
	require.NoError(t, err)
	_, err = r.Index(1, bodyDoc("kept", "alpha"))
	require.NoError(t, err)

	// the segment rename fails once the shard directory is gone
	require.NoError(t, os.RemoveAll(filepath.Join(cfg.DataDir, "shard-0")))
	_, err = r.Flush(0, indexer.TriggerManual)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrCorruptedSession)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ShardRebuildsTotal.WithLabelValues("0", "success")))
	assert.NoError(t, r.Health(t.Context()))

	stats := r.Stats()
	assert.Equal(t, 0, stats[0].DocsBuffered)
	assert.Equal(t, indexer.StateIdle, stats[0].State)
	assert.Equal(t, 1, stats[1].DocsBuffered)

	for i := 0; i < 3; i++ {
		_, err := r.Index(0, bodyDoc(fmt.Sprintf("again-%d", i), "alpha beta"))
		require.NoError(t, err)
	}
	info, err := r.Flush(0, indexer.TriggerManual)
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, 3, info.DocCount)
	_, err = os.Stat(filepath.Join(cfg.DataDir, "shard-0", info.Name+segment.FileExt))
	assert.NoError(t, err)
}

func TestRouter_FlushAllRebuildsCorruptedShard(t *testing.T) {
	cfg := testConfig(t)
	r, err := NewRouter(cfg)
	require.NoError(t, err)
	defer r.Close()

	for shardID := 0; shardID < 3; shardID++ {
		_, err := r.Index(shardID, bodyDoc(fmt.Sprintf("d%d", shardID), "alpha"))
		require.NoError(t, err)
	}
	require.NoError(t, os.RemoveAll(filepath.Join(cfg.DataDir, "shard-2")))

	err = r.FlushAll(indexer.TriggerManual)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "flushing shard 2")
	assert.NoError(t, r.Health(t.Context()))

	_, err = r.Index(2, bodyDoc("next", "alpha"))
	require.NoError(t, err)
	require.NoError(t, r.FlushAll(indexer.TriggerManual))
}

func TestRouter_DiscardDropsBufferedDocuments(t *testing.T) {
	r, err := NewRouter(testConfig(t))
	require.NoError(t, err)
	defer r.Close()

	for shardID := 0; shardID < 3; shardID++ {
		_, err := r.Index(shardID, bodyDoc(fmt.Sprintf("d%d", shardID), "alpha"))
		require.NoError(t, err)
	}
	require.NoError(t, r.Discard())
	for shardID, st := range r.Stats() {
		assert.Equal(t, 0, st.DocsBuffered, "shard %d", shardID)
	}

	res, err := r.Index(0, bodyDoc("after", "alpha"))
	require.NoError(t, err)
	assert.Equal(t, int32(0), res.DocID)
}

func TestRouter_ResumesExistingSegments(t *testing.T) {
	cfg := testConfig(t)
	cfg.NumShards = 1
	r, err := NewRouter(cfg)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err := r.Index(0, bodyDoc(fmt.Sprintf("d%d", i), "alpha"))
		require.NoError(t, err)
	}
	require.NoError(t, r.Close())

	r, err = NewRouter(cfg)
	require.NoError(t, err)
	defer r.Close()
	_, err = r.Index(0, bodyDoc("d2", "alpha"))
	require.NoError(t, err)
	info, err := r.Flush(0, indexer.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, "seg_000001", info.Name)
	assert.Equal(t, int64(2), info.DocBase)
}
