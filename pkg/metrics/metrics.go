// Package metrics defines the Prometheus metric collectors used by the
// indexer and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the indexer.
type Metrics struct {
	DocsIndexedTotal       prometheus.Counter
	TokensIndexedTotal     prometheus.Counter
	TokensSkippedTotal     *prometheus.CounterVec
	IndexFlushesTotal      *prometheus.CounterVec
	FlushDuration          prometheus.Histogram
	SegmentDocs            prometheus.Histogram
	PoolBytesUsed          *prometheus.GaugeVec
	BufferedDocs           *prometheus.GaugeVec
	TableResizesTotal      prometheus.Counter
	SessionCorruptionTotal prometheus.Counter
	ActiveShards           prometheus.Gauge
	ShardRebuildsTotal     *prometheus.CounterVec
	ConsumerRewindsTotal   prometheus.Counter
	IngestMessagesTotal    *prometheus.CounterVec
	NotificationsTotal     *prometheus.CounterVec
	CircuitBreakerState    *prometheus.GaugeVec
}

// New creates all collectors and registers them on reg. A nil reg selects
// the default Prometheus registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		DocsIndexedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "docs_indexed_total",
				Help: "Total documents accepted by indexing sessions.",
			},
		),
		TokensIndexedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tokens_indexed_total",
				Help: "Total tokens routed to posting consumers.",
			},
		),
		TokensSkippedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokens_skipped_total",
				Help: "Tokens skipped by reason (empty_term, oversized_term, invalid_position).",
			},
			[]string{"reason"},
		),
		IndexFlushesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "index_flushes_total",
				Help: "Total segment flushes by trigger and status.",
			},
			[]string{"trigger", "status"},
		),
		FlushDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "index_flush_duration_seconds",
				Help:    "Time spent writing one segment.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
		),
		SegmentDocs: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "index_segment_docs",
				Help:    "Documents per flushed segment.",
				Buckets: prometheus.ExponentialBuckets(1, 4, 10),
			},
		),
		PoolBytesUsed: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "index_pool_bytes_used",
				Help: "Bytes held by the in-memory index of a shard.",
			},
			[]string{"shard_id"},
		),
		BufferedDocs: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "index_buffered_docs",
				Help: "Documents buffered in memory per shard.",
			},
			[]string{"shard_id"},
		),
		TableResizesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "term_table_resizes_total",
				Help: "Total term hash table growths.",
			},
		),
		SessionCorruptionTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "index_session_corruptions_total",
				Help: "Indexing sessions marked corrupted.",
			},
		),
		ActiveShards: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "active_shards",
				Help: "Number of active index shards.",
			},
		),
		ShardRebuildsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shard_rebuilds_total",
				Help: "Corrupted shard sessions replaced by a fresh session.",
			},
			[]string{"shard_id", "status"},
		),
		ConsumerRewindsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "ingest_consumer_rewinds_total",
				Help: "Times the ingest consumer rewound to its committed offsets.",
			},
		),
		IngestMessagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_messages_total",
				Help: "Ingest messages handled by status (indexed, invalid, failed).",
			},
			[]string{"status"},
		),
		NotificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flush_notifications_total",
				Help: "Flush notifications by sink and status.",
			},
			[]string{"sink", "status"},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half-open).",
			},
			[]string{"name"},
		),
	}

	reg.MustRegister(
		m.DocsIndexedTotal,
		m.TokensIndexedTotal,
		m.TokensSkippedTotal,
		m.IndexFlushesTotal,
		m.FlushDuration,
		m.SegmentDocs,
		m.PoolBytesUsed,
		m.BufferedDocs,
		m.TableResizesTotal,
		m.SessionCorruptionTotal,
		m.ActiveShards,
		m.ShardRebuildsTotal,
		m.ConsumerRewindsTotal,
		m.IngestMessagesTotal,
		m.NotificationsTotal,
		m.CircuitBreakerState,
	)

	return m
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
