package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIndexerIsValid(t *testing.T) {
	require.NoError(t, DefaultIndexer().Validate())
}

func TestLoadYAMLWithEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "indexer.yaml")
	yamlDoc := `
indexer:
  dataDir: /tmp/segments
  ramBufferBytes: 1048576
  maxTermLength: 255
  hashLoadFactor: 0.5
  fields:
    - name: body
      storePayloads: true
      termVectors: true
      termVectorOffsets: true
logging:
  level: debug
  format: text
`
	require.NoError(t, os.WriteFile(path, []byte(yamlDoc), 0o644))
	t.Setenv("SP_INDEXER_MAX_BUFFERED_DOCS", "500")
	t.Setenv("SP_INDEXER_FLUSH_INTERVAL", "5s")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/segments", cfg.Indexer.DataDir)
	assert.Equal(t, int64(1048576), cfg.Indexer.RAMBufferBytes)
	assert.Equal(t, 255, cfg.Indexer.MaxTermLength)
	assert.Equal(t, 0.5, cfg.Indexer.HashLoadFactor)
	assert.Equal(t, 500, cfg.Indexer.MaxBufferedDocs)
	assert.Equal(t, 5*time.Second, cfg.Indexer.FlushInterval)
	assert.Equal(t, 1<<15, cfg.Indexer.ByteBlockSize, "unset keys keep defaults")
	require.Len(t, cfg.Indexer.Fields, 1)
	assert.True(t, cfg.Indexer.Fields[0].StorePayloads)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *IndexerConfig)
	}{
		{"non power of two block", func(c *IndexerConfig) { c.ByteBlockSize = 1000 }},
		{"tiny byte block", func(c *IndexerConfig) { c.ByteBlockSize = 128 }},
		{"term larger than text block", func(c *IndexerConfig) { c.MaxTermLength = c.TextBlockSize }},
		{"no budget", func(c *IndexerConfig) { c.RAMBufferBytes = 0; c.MaxBufferedDocs = 0 }},
		{"load factor one", func(c *IndexerConfig) { c.HashLoadFactor = 1 }},
		{"growth factor one", func(c *IndexerConfig) { c.HashGrowthFactor = 1 }},
		{"no fields", func(c *IndexerConfig) { c.Fields = nil }},
		{"duplicate field", func(c *IndexerConfig) { c.Fields = []FieldConfig{{Name: "a"}, {Name: "a"}} }},
		{"payloads without positions", func(c *IndexerConfig) {
			c.Fields = []FieldConfig{{Name: "a", StorePayloads: true, OmitPositions: true}}
		}},
		{"vector offsets without vectors", func(c *IndexerConfig) {
			c.Fields = []FieldConfig{{Name: "a", TermVectorOffsets: true}}
		}},
		{"bad payload encoding", func(c *IndexerConfig) { c.PayloadEncoding = "base64" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultIndexer()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestPostgresDSN(t *testing.T) {
	dsn := Default().Postgres.DSN()
	assert.Contains(t, dsn, "host=localhost")
	assert.Contains(t, dsn, "sslmode=disable")
}
