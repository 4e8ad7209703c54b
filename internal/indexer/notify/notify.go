// Package notify publishes segment completions to the rest of the platform.
// The Notifier is registered as a shard flush listener; it queues events and
// a background worker delivers each one to every sink, guarding every sink
// with retry and a circuit breaker so a slow broker never stalls indexing.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Adithya-Monish-Kumar-K/segment-indexer/internal/indexer"
	"github.com/Adithya-Monish-Kumar-K/segment-indexer/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/segment-indexer/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/segment-indexer/pkg/resilience"
)

// IndexCompleteEvent announces a finished segment.
type IndexCompleteEvent struct {
	ShardID   int                  `json:"shard_id"`
	Segment   string               `json:"segment"`
	Path      string               `json:"path"`
	DocBase   int64                `json:"doc_base"`
	DocCount  int                  `json:"doc_count"`
	Terms     int                  `json:"terms"`
	Fields    []string             `json:"fields"`
	Trigger   indexer.FlushTrigger `json:"trigger"`
	FlushedAt time.Time            `json:"flushed_at"`
}

// Sink delivers events to one destination.
type Sink interface {
	Name() string
	Notify(ctx context.Context, ev IndexCompleteEvent) error
}

// Config tunes delivery.
type Config struct {
	QueueSize int
	Timeout   time.Duration
	Retry     resilience.RetryConfig
	Breaker   resilience.CircuitBreakerConfig
}

// DefaultConfig returns the delivery settings used by the indexer service.
func DefaultConfig() Config {
	return Config{
		QueueSize: 256,
		Timeout:   5 * time.Second,
		Retry: resilience.RetryConfig{
			MaxAttempts:  3,
			InitialDelay: 200 * time.Millisecond,
			MaxDelay:     2 * time.Second,
		},
		Breaker: resilience.CircuitBreakerConfig{
			FailureThreshold: 5,
			ResetTimeout:     30 * time.Second,
		},
	}
}

type guardedSink struct {
	Sink
	breaker *resilience.CircuitBreaker
}

// Notifier fans segment completions out to its sinks.
type Notifier struct {
	cfg     Config
	sinks   []guardedSink
	queue   chan IndexCompleteEvent
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu      sync.Mutex
	closed  bool
	dropped int64
	done    chan struct{}
}

// New creates a Notifier for sinks. m may be nil.
func New(cfg Config, m *metrics.Metrics, sinks ...Sink) *Notifier {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	n := &Notifier{
		cfg:     cfg,
		queue:   make(chan IndexCompleteEvent, cfg.QueueSize),
		metrics: m,
		logger:  logger.WithComponent("flush-notifier"),
		done:    make(chan struct{}),
	}
	for _, s := range sinks {
		bcfg := cfg.Breaker
		bcfg.OnStateChange = n.breakerChanged
		n.sinks = append(n.sinks, guardedSink{
			Sink:    s,
			breaker: resilience.NewCircuitBreaker(s.Name(), bcfg),
		})
		if m != nil {
			m.CircuitBreakerState.WithLabelValues(s.Name()).Set(float64(resilience.StateClosed))
		}
	}
	return n
}

func (n *Notifier) breakerChanged(name string, to resilience.State) {
	if n.metrics != nil {
		n.metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
	}
}

// OnFlush matches shard.FlushListener. It never blocks: when the queue is
// full the event is dropped and counted.
func (n *Notifier) OnFlush(shardID int, dir string, info indexer.SegmentInfo) {
	ev := IndexCompleteEvent{
		ShardID:   shardID,
		Segment:   info.Name,
		Path:      dir,
		DocBase:   info.DocBase,
		DocCount:  info.DocCount,
		Terms:     info.Terms,
		Fields:    info.Fields,
		Trigger:   info.Trigger,
		FlushedAt: time.Now().UTC(),
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	select {
	case n.queue <- ev:
	default:
		n.dropped++
		n.count("queue", "dropped")
		n.logger.Warn("notification queue full, dropping event",
			"shard_id", shardID,
			"segment", info.Name,
		)
	}
}

// Start runs the delivery worker until Close drains the queue.
func (n *Notifier) Start(ctx context.Context) {
	go func() {
		defer close(n.done)
		for ev := range n.queue {
			n.deliver(ctx, ev)
		}
	}()
	n.logger.Info("flush notifier started", "sinks", len(n.sinks), "queue_size", n.cfg.QueueSize)
}

// Deliver sends ev to every sink synchronously and returns the first error.
func (n *Notifier) Deliver(ctx context.Context, ev IndexCompleteEvent) error {
	return n.deliver(ctx, ev)
}

func (n *Notifier) deliver(ctx context.Context, ev IndexCompleteEvent) error {
	var firstErr error
	for _, s := range n.sinks {
		err := s.breaker.Execute(func() error {
			return resilience.Retry(ctx, s.Name(), n.cfg.Retry, func() error {
				return resilience.WithTimeout(ctx, n.cfg.Timeout, s.Name(), func(ctx context.Context) error {
					return s.Notify(ctx, ev)
				})
			})
		})
		if err != nil {
			n.count(s.Name(), "error")
			n.logger.Error("flush notification failed",
				"sink", s.Name(),
				"shard_id", ev.ShardID,
				"segment", ev.Segment,
				"error", err,
			)
			if firstErr == nil {
				firstErr = fmt.Errorf("notifying %s: %w", s.Name(), err)
			}
			continue
		}
		n.count(s.Name(), "ok")
	}
	return firstErr
}

func (n *Notifier) count(sink, status string) {
	if n.metrics != nil {
		n.metrics.NotificationsTotal.WithLabelValues(sink, status).Inc()
	}
}

// Dropped returns the number of events dropped on a full queue.
func (n *Notifier) Dropped() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dropped
}

// Close stops accepting events and waits until queued events are delivered.
// It must be called after Start.
func (n *Notifier) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	close(n.queue)
	n.mu.Unlock()
	<-n.done
}
