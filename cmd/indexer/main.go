package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Adithya-Monish-Kumar-K/segment-indexer/internal/indexer/consumer"
	"github.com/Adithya-Monish-Kumar-K/segment-indexer/internal/indexer/notify"
	"github.com/Adithya-Monish-Kumar-K/segment-indexer/internal/indexer/shard"
	"github.com/Adithya-Monish-Kumar-K/segment-indexer/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/segment-indexer/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/segment-indexer/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/segment-indexer/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/segment-indexer/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/segment-indexer/pkg/postgres"
	"github.com/Adithya-Monish-Kumar-K/segment-indexer/pkg/redis"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)

	if err := run(cfg); err != nil {
		slog.Error("indexer service failed", "error", err)
		os.Exit(1)
	}
	slog.Info("indexer service stopped")
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New(nil)
	checker := health.NewChecker()

	var sinks []notify.Sink
	producer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.IndexComplete)
	defer producer.Close()
	sinks = append(sinks, notify.NewKafkaSink(producer))

	if cfg.Redis.Enabled {
		rdb, err := redis.NewClient(cfg.Redis)
		if err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}
		defer rdb.Close()
		sinks = append(sinks, notify.NewManifestSink(rdb, cfg.Redis.ManifestTTL))
		checker.Register("redis", health.FromProbe(rdb.Ping, false))
	}

	var consumerOpts []consumer.Option
	if cfg.Postgres.Enabled {
		db, err := postgres.New(cfg.Postgres)
		if err != nil {
			return fmt.Errorf("connecting to postgres: %w", err)
		}
		defer db.Close()
		sinks = append(sinks, notify.NewCatalogSink(db))
		consumerOpts = append(consumerOpts, consumer.WithStatusStore(db))
		checker.Register("postgres", health.FromProbe(db.Ping, false))
	}

	notifier := notify.New(notify.DefaultConfig(), m, sinks...)
	notifier.Start(context.Background())
	defer notifier.Close()

	slog.Info("starting indexer service", "num_shards", cfg.Indexer.NumShards, "data_dir", cfg.Indexer.DataDir)
	router, err := shard.NewRouter(cfg.Indexer,
		shard.WithMetrics(m),
		shard.WithFlushListener(notifier.OnFlush),
	)
	if err != nil {
		return fmt.Errorf("creating shard router: %w", err)
	}
	defer func() {
		slog.Info("flushing all shards before shutdown")
		if err := router.Close(); err != nil {
			slog.Error("final flush failed", "error", err)
		}
	}()
	checker.Register("shards", health.FromProbe(router.Health, true))

	if cfg.Metrics.Enabled {
		shutdown := metrics.StartServer(cfg.Metrics.Port, map[string]http.Handler{
			"/health/live":  checker.LiveHandler(),
			"/health/ready": checker.ReadyHandler(),
		})
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			shutdown(shutdownCtx)
		}()
	}

	handler, err := consumer.NewHandler(cfg.Indexer, router, append(consumerOpts, consumer.WithMetrics(m))...)
	if err != nil {
		return fmt.Errorf("creating ingest handler: %w", err)
	}
	indexConsumer := consumer.New(cfg.Kafka, cfg.Kafka.Topics.DocumentIngest, handler, router, cfg.Indexer.FlushInterval)

	slog.Info("indexer service ready, consuming from kafka",
		"topic", cfg.Kafka.Topics.DocumentIngest,
		"group", cfg.Kafka.ConsumerGroup,
		"commit_batch", cfg.Kafka.CommitBatch,
		"flush_interval", cfg.Indexer.FlushInterval,
	)
	if err := indexConsumer.Start(ctx); err != nil {
		return fmt.Errorf("consuming ingest events: %w", err)
	}
	return nil
}
