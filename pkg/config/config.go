// Package config loads and validates application configuration from YAML files
// with environment-variable overrides. It provides typed structs for the
// indexing core (pool geometry, budgets, fields) and the infrastructure the
// indexer service talks to (Kafka, Redis, Postgres, metrics, logging).
package config

import (
	"fmt"
	"math/bits"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Indexer  IndexerConfig  `yaml:"indexer"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Redis    RedisConfig    `yaml:"redis"`
	Postgres PostgresConfig `yaml:"postgres"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// IndexerConfig controls the in-memory indexing session: arena geometry,
// flush budgets, term limits, hash table growth and the consumers active per
// field.
type IndexerConfig struct {
	DataDir       string        `yaml:"dataDir"`
	NumShards     int           `yaml:"numShards"`
	FlushInterval time.Duration `yaml:"flushInterval"`

	ByteBlockSize int `yaml:"byteBlockSize"`
	IntBlockSize  int `yaml:"intBlockSize"`
	TextBlockSize int `yaml:"textBlockSize"`

	RAMBufferBytes  int64 `yaml:"ramBufferBytes"`
	MaxBufferedDocs int   `yaml:"maxBufferedDocs"`
	MaxTermLength   int   `yaml:"maxTermLength"`

	HashInitialCapacity int     `yaml:"hashInitialCapacity"`
	HashLoadFactor      float64 `yaml:"hashLoadFactor"`
	HashGrowthFactor    int     `yaml:"hashGrowthFactor"`

	PayloadDelimiter string        `yaml:"payloadDelimiter"`
	PayloadEncoding  string        `yaml:"payloadEncoding"`
	Fields           []FieldConfig `yaml:"fields"`
}

// FieldConfig enumerates the consumers attached to one field.
type FieldConfig struct {
	Name                string  `yaml:"name"`
	OmitPositions       bool    `yaml:"omitPositions"`
	StorePayloads       bool    `yaml:"storePayloads"`
	TermVectors         bool    `yaml:"termVectors"`
	TermVectorPositions bool    `yaml:"termVectorPositions"`
	TermVectorOffsets   bool    `yaml:"termVectorOffsets"`
	OmitNorms           bool    `yaml:"omitNorms"`
	Boost               float32 `yaml:"boost"`
}

// KafkaConfig holds Kafka broker and topic settings.
type KafkaConfig struct {
	Brokers       []string    `yaml:"brokers"`
	ConsumerGroup string      `yaml:"consumerGroup"`
	Topics        KafkaTopics `yaml:"topics"`
	// CommitBatch handled messages force a flush of all shards followed by
	// an offset commit.
	CommitBatch int `yaml:"commitBatch"`
	// MaxRewinds consecutive rewinds to the committed offsets are attempted
	// before the consumer gives up.
	MaxRewinds int `yaml:"maxRewinds"`
}

// KafkaTopics maps logical topic names to their Kafka topic strings.
type KafkaTopics struct {
	DocumentIngest string `yaml:"documentIngest"`
	IndexComplete  string `yaml:"indexComplete"`
}

// RedisConfig holds Redis connection parameters for flush manifests.
type RedisConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Addr        string        `yaml:"addr"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	PoolSize    int           `yaml:"poolSize"`
	ManifestTTL time.Duration `yaml:"manifestTTL"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// DSN returns a lib/pq-compatible data source name.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads a YAML config file (if provided) and applies environment-variable
// overrides. Missing values keep their defaults. The result is validated.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Indexer.Validate(); err != nil {
		return nil, fmt.Errorf("validating indexer config: %w", err)
	}
	return cfg, nil
}

// Default returns a Config with defaults suitable for local development.
func Default() *Config {
	return &Config{
		Indexer: DefaultIndexer(),
		Kafka: KafkaConfig{
			Brokers:       []string{"localhost:9092"},
			ConsumerGroup: "segment-indexer",
			Topics: KafkaTopics{
				DocumentIngest: "document-ingest",
				IndexComplete:  "index.complete",
			},
			CommitBatch: 1000,
			MaxRewinds:  3,
		},
		Redis: RedisConfig{
			Addr:        "localhost:6379",
			PoolSize:    10,
			ManifestTTL: 24 * time.Hour,
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "searchplatform",
			User:            "searchplatform",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

// DefaultIndexer returns the indexing defaults: 32 KiB byte slabs, 8192-int
// slabs, 16 MiB RAM budget and a 70% hash load factor.
func DefaultIndexer() IndexerConfig {
	return IndexerConfig{
		DataDir:             "data/segments",
		NumShards:           4,
		FlushInterval:       30 * time.Second,
		ByteBlockSize:       1 << 15,
		IntBlockSize:        1 << 13,
		TextBlockSize:       1 << 15,
		RAMBufferBytes:      16 << 20,
		MaxBufferedDocs:     0,
		MaxTermLength:       16383,
		HashInitialCapacity: 16,
		HashLoadFactor:      0.7,
		HashGrowthFactor:    2,
		PayloadDelimiter:    "",
		PayloadEncoding:     "identity",
		Fields: []FieldConfig{
			{Name: "title", Boost: 1},
			{Name: "body", TermVectors: true, TermVectorPositions: true, TermVectorOffsets: true, Boost: 1},
		},
	}
}

// Validate rejects configurations the pools cannot honour.
func (c IndexerConfig) Validate() error {
	for name, size := range map[string]int{
		"byteBlockSize": c.ByteBlockSize,
		"intBlockSize":  c.IntBlockSize,
		"textBlockSize": c.TextBlockSize,
	} {
		if size <= 0 || bits.OnesCount(uint(size)) != 1 {
			return fmt.Errorf("%s must be a positive power of two, got %d", name, size)
		}
	}
	if c.ByteBlockSize < 256 {
		return fmt.Errorf("byteBlockSize must hold the largest slice level (200 bytes), got %d", c.ByteBlockSize)
	}
	if c.IntBlockSize < 16 {
		return fmt.Errorf("intBlockSize must be at least 16, got %d", c.IntBlockSize)
	}
	if c.MaxTermLength <= 0 {
		return fmt.Errorf("maxTermLength must be positive, got %d", c.MaxTermLength)
	}
	if c.MaxTermLength > 0xFFFF || c.MaxTermLength+2 > c.TextBlockSize {
		return fmt.Errorf("maxTermLength %d does not fit a text block of %d bytes", c.MaxTermLength, c.TextBlockSize)
	}
	if c.RAMBufferBytes <= 0 && c.MaxBufferedDocs <= 0 {
		return fmt.Errorf("one of ramBufferBytes or maxBufferedDocs must be positive")
	}
	if c.HashInitialCapacity <= 0 {
		return fmt.Errorf("hashInitialCapacity must be positive, got %d", c.HashInitialCapacity)
	}
	if c.HashLoadFactor <= 0 || c.HashLoadFactor >= 1 {
		return fmt.Errorf("hashLoadFactor must be in (0,1), got %v", c.HashLoadFactor)
	}
	if c.HashGrowthFactor < 2 {
		return fmt.Errorf("hashGrowthFactor must be at least 2, got %d", c.HashGrowthFactor)
	}
	if len(c.PayloadDelimiter) > 1 {
		return fmt.Errorf("payloadDelimiter must be a single byte, got %q", c.PayloadDelimiter)
	}
	switch c.PayloadEncoding {
	case "", "identity", "float", "integer":
	default:
		return fmt.Errorf("unknown payloadEncoding %q", c.PayloadEncoding)
	}
	if len(c.Fields) == 0 {
		return fmt.Errorf("at least one field must be configured")
	}
	seen := make(map[string]struct{}, len(c.Fields))
	for _, f := range c.Fields {
		if f.Name == "" {
			return fmt.Errorf("field name cannot be empty")
		}
		if _, dup := seen[f.Name]; dup {
			return fmt.Errorf("field %q configured twice", f.Name)
		}
		seen[f.Name] = struct{}{}
		if f.StorePayloads && f.OmitPositions {
			return fmt.Errorf("field %q stores payloads but omits positions", f.Name)
		}
		if (f.TermVectorPositions || f.TermVectorOffsets) && !f.TermVectors {
			return fmt.Errorf("field %q enables term vector details without term vectors", f.Name)
		}
	}
	return nil
}

// applyEnvOverrides reads SP_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SP_INDEXER_DATA_DIR"); v != "" {
		cfg.Indexer.DataDir = v
	}
	if v := os.Getenv("SP_INDEXER_NUM_SHARDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Indexer.NumShards = n
		}
	}
	if v := os.Getenv("SP_INDEXER_RAM_BUFFER_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Indexer.RAMBufferBytes = n
		}
	}
	if v := os.Getenv("SP_INDEXER_MAX_BUFFERED_DOCS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Indexer.MaxBufferedDocs = n
		}
	}
	if v := os.Getenv("SP_INDEXER_MAX_TERM_LENGTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Indexer.MaxTermLength = n
		}
	}
	if v := os.Getenv("SP_INDEXER_FLUSH_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Indexer.FlushInterval = d
		}
	}
	if v := os.Getenv("SP_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("SP_KAFKA_COMMIT_BATCH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Kafka.CommitBatch = n
		}
	}
	if v := os.Getenv("SP_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
		cfg.Redis.Enabled = true
	}
	if v := os.Getenv("SP_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("SP_POSTGRES_HOST"); v != "" {
		cfg.Postgres.Host = v
		cfg.Postgres.Enabled = true
	}
	if v := os.Getenv("SP_POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("SP_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("SP_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("SP_METRICS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Metrics.Port = port
		}
	}
}
