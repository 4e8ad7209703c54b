// Package shard partitions documents across independent indexing sessions.
// Each shard owns one indexer.Session writing to its own segment directory;
// a session is single-writer, so every shard is guarded by its own mutex and
// documents of different shards are indexed in parallel.
package shard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/errgroup"

	"github.com/Adithya-Monish-Kumar-K/segment-indexer/internal/indexer"
	"github.com/Adithya-Monish-Kumar-K/segment-indexer/internal/indexer/segment"
	"github.com/Adithya-Monish-Kumar-K/segment-indexer/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/segment-indexer/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/segment-indexer/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/segment-indexer/pkg/metrics"
)

type shardEntry struct {
	id      int
	mu      sync.Mutex
	session *indexer.Session
	dir     *segment.Directory
	// failed is set when a rebuild could not open a replacement session.
	failed bool
}

// FlushListener is notified after a shard completed a segment.
type FlushListener func(shardID int, dir string, info indexer.SegmentInfo)

// Option customises a Router.
type Option func(*Router)

// WithMetrics instruments every shard session.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// WithFlushListener registers fn for segment completions of all shards.
func WithFlushListener(fn FlushListener) Option {
	return func(r *Router) { r.listeners = append(r.listeners, fn) }
}

// WithSessionOptions appends options applied to every shard session.
func WithSessionOptions(opts ...indexer.Option) Option {
	return func(r *Router) { r.sessionOpts = append(r.sessionOpts, opts...) }
}

// Router maps shard IDs to dedicated sessions. A shard whose session
// becomes corrupted is rebuilt with a fresh session on the same directory;
// the documents it had buffered are lost and must be indexed again.
type Router struct {
	cfg         config.IndexerConfig
	shards      map[int]*shardEntry
	numShards   int
	logger      *slog.Logger
	metrics     *metrics.Metrics
	listeners   []FlushListener
	sessionOpts []indexer.Option
}

// NewRouter creates cfg.NumShards sessions, each writing segments to its own
// sub-directory under cfg.DataDir. Sessions continue the segment numbering
// and document base of segments already present.
func NewRouter(cfg config.IndexerConfig, opts ...Option) (*Router, error) {
	if cfg.NumShards <= 0 {
		return nil, fmt.Errorf("numShards must be positive, got %d", cfg.NumShards)
	}
	r := &Router{
		cfg:       cfg,
		shards:    make(map[int]*shardEntry, cfg.NumShards),
		numShards: cfg.NumShards,
		logger:    logger.WithComponent("shard-router"),
	}
	for _, opt := range opts {
		opt(r)
	}
	for i := 0; i < cfg.NumShards; i++ {
		entry, err := r.openShard(i)
		if err != nil {
			r.closeAll()
			return nil, fmt.Errorf("creating session for shard %d: %w", i, err)
		}
		r.shards[i] = entry
		r.logger.Info("shard session initialized",
			"shard_id", i,
			"data_dir", entry.dir.Path(),
		)
	}
	if r.metrics != nil {
		r.metrics.ActiveShards.Set(float64(cfg.NumShards))
	}
	r.logger.Info("shard router ready", "num_shards", cfg.NumShards)
	return r, nil
}

func (r *Router) openShard(id int) (*shardEntry, error) {
	dir, err := segment.NewDirectory(filepath.Join(r.cfg.DataDir, fmt.Sprintf("shard-%d", id)))
	if err != nil {
		return nil, err
	}
	entry := &shardEntry{id: id, dir: dir}
	if err := r.openSession(entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// openSession gives entry a new session continuing after the segments in
// its directory.
func (r *Router) openSession(entry *shardEntry) error {
	generation, docBase, err := entry.dir.Resume()
	if err != nil {
		return fmt.Errorf("resuming shard %d: %w", entry.id, err)
	}
	id, path := entry.id, entry.dir.Path()
	opts := []indexer.Option{
		indexer.WithLogger(logger.WithShard("indexer", id)),
		indexer.WithResume(generation, docBase),
	}
	if r.metrics != nil {
		opts = append(opts, indexer.WithMetrics(r.metrics, strconv.Itoa(id)))
	}
	for _, fn := range r.listeners {
		opts = append(opts, indexer.WithFlushListener(func(info indexer.SegmentInfo) {
			fn(id, path, info)
		}))
	}
	opts = append(opts, r.sessionOpts...)
	session, err := indexer.NewSession(r.cfg, entry.dir, opts...)
	if err != nil {
		return err
	}
	entry.session = session
	return nil
}

// Rebuild replaces the session of shardID with a fresh one. A healthy
// session is flushed first; a corrupted one is discarded.
func (r *Router) Rebuild(shardID int) error {
	entry, err := r.shard(shardID)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return r.rebuild(entry)
}

// rebuild requires entry.mu.
func (r *Router) rebuild(entry *shardEntry) error {
	if err := entry.session.Close(); err != nil {
		r.logger.Warn("discarding shard session", "shard_id", entry.id, "error", err)
	}
	dir, err := segment.NewDirectory(entry.dir.Path())
	if err == nil {
		entry.dir = dir
		err = r.openSession(entry)
	}
	if err != nil {
		entry.failed = true
		r.countRebuild(entry.id, "error")
		r.logger.Error("shard rebuild failed", "shard_id", entry.id, "error", err)
		return fmt.Errorf("rebuilding shard %d: %w", entry.id, err)
	}
	entry.failed = false
	r.countRebuild(entry.id, "success")
	r.logger.Warn("shard session rebuilt", "shard_id", entry.id, "data_dir", entry.dir.Path())
	return nil
}

func (r *Router) countRebuild(id int, status string) {
	if r.metrics != nil {
		r.metrics.ShardRebuildsTotal.WithLabelValues(strconv.Itoa(id), status).Inc()
	}
}

// usable rebuilds the shard if its session cannot accept work. Requires
// entry.mu.
func (r *Router) usable(entry *shardEntry) error {
	if entry.failed || entry.session.State() == indexer.StateCorrupted {
		return r.rebuild(entry)
	}
	return nil
}

// afterError rebuilds a shard whose session was corrupted by the failed
// operation, so the next operation starts on a fresh session.
func (r *Router) afterError(entry *shardEntry, err error) error {
	if !errors.Is(err, apperrors.ErrCorruptedSession) {
		return err
	}
	if rerr := r.rebuild(entry); rerr != nil {
		return errors.Join(err, rerr)
	}
	return err
}

// NumShards returns the number of shards managed by this router.
func (r *Router) NumShards() int {
	return r.numShards
}

// Route returns the shard responsible for the external document id.
func (r *Router) Route(docID string) int {
	return int(xxhash.Sum64String(docID) % uint64(r.numShards))
}

func (r *Router) shard(shardID int) (*shardEntry, error) {
	entry, ok := r.shards[shardID]
	if !ok {
		return nil, fmt.Errorf("unknown shard ID %d (valid range: 0-%d)", shardID, r.numShards-1)
	}
	return entry, nil
}

// Index adds doc to the session of shardID.
func (r *Router) Index(shardID int, doc indexer.Document) (indexer.Result, error) {
	entry, err := r.shard(shardID)
	if err != nil {
		return indexer.Result{}, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if err := r.usable(entry); err != nil {
		return indexer.Result{}, err
	}
	res, err := entry.session.AddDocument(doc)
	if err != nil {
		return res, r.afterError(entry, err)
	}
	return res, nil
}

// IndexDocument routes doc by its id and indexes it.
func (r *Router) IndexDocument(doc indexer.Document) (int, indexer.Result, error) {
	shardID := r.Route(doc.ID)
	res, err := r.Index(shardID, doc)
	return shardID, res, err
}

// Flush flushes one shard.
func (r *Router) Flush(shardID int, trigger indexer.FlushTrigger) (*indexer.SegmentInfo, error) {
	entry, err := r.shard(shardID)
	if err != nil {
		return nil, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if err := r.usable(entry); err != nil {
		return nil, err
	}
	info, err := entry.session.Flush(trigger)
	if err != nil {
		return nil, r.afterError(entry, err)
	}
	return info, nil
}

// FlushAll flushes every shard in parallel. A shard whose flush corrupts its
// session is rebuilt and reported in the returned error.
func (r *Router) FlushAll(trigger indexer.FlushTrigger) error {
	var g errgroup.Group
	for id, entry := range r.shards {
		g.Go(func() error {
			entry.mu.Lock()
			defer entry.mu.Unlock()
			if err := r.usable(entry); err != nil {
				return err
			}
			if _, err := entry.session.Flush(trigger); err != nil {
				r.logger.Error("flush failed", "shard_id", id, "error", err)
				return fmt.Errorf("flushing shard %d: %w", id, r.afterError(entry, err))
			}
			return nil
		})
	}
	return g.Wait()
}

// Discard drops the buffered documents of every shard without writing them.
// Corrupted shards are rebuilt.
func (r *Router) Discard() error {
	var errs []error
	for id, entry := range r.shards {
		entry.mu.Lock()
		if entry.failed || entry.session.State() == indexer.StateCorrupted {
			errs = append(errs, r.rebuild(entry))
		} else if err := entry.session.Abort(); err != nil {
			errs = append(errs, fmt.Errorf("discarding shard %d: %w", id, err))
		}
		entry.mu.Unlock()
	}
	return errors.Join(errs...)
}

// Stats returns a snapshot of every shard session keyed by shard ID.
func (r *Router) Stats() map[int]indexer.Stats {
	out := make(map[int]indexer.Stats, len(r.shards))
	for id, entry := range r.shards {
		entry.mu.Lock()
		out[id] = entry.session.Stats()
		entry.mu.Unlock()
	}
	return out
}

// Health returns an error naming the corrupted shards, if any.
func (r *Router) Health(ctx context.Context) error {
	var corrupted []int
	for id, entry := range r.shards {
		entry.mu.Lock()
		if entry.failed || entry.session.State() == indexer.StateCorrupted {
			corrupted = append(corrupted, id)
		}
		entry.mu.Unlock()
	}
	if len(corrupted) == 0 {
		return nil
	}
	sort.Ints(corrupted)
	return fmt.Errorf("corrupted shard sessions: %v", corrupted)
}

// Close flushes and closes every shard session.
func (r *Router) Close() error {
	err := r.closeAll()
	if r.metrics != nil {
		r.metrics.ActiveShards.Set(0)
	}
	return err
}

func (r *Router) closeAll() error {
	var firstErr error
	for id, entry := range r.shards {
		entry.mu.Lock()
		err := entry.session.Close()
		entry.mu.Unlock()
		if err != nil {
			r.logger.Error("close failed", "shard_id", id, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
