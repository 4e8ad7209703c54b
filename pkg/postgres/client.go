// Package postgres wraps database/sql with the lib/pq driver. The indexer
// uses it to mark ingested documents as indexed and to keep a catalog of
// flushed segments.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/Adithya-Monish-Kumar-K/segment-indexer/pkg/config"
)

// Document statuses written after indexing.
const (
	StatusIndexed = "INDEXED"
	StatusFailed  = "FAILED"
)

type Client struct {
	DB  *sql.DB
	cfg config.PostgresConfig
}

func New(cfg config.PostgresConfig) (*Client, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("opening postgres connection: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return &Client{DB: db, cfg: cfg}, nil
}

func (c *Client) Close() error {
	return c.DB.Close()
}

// Ping checks the connection.
func (c *Client) Ping(ctx context.Context) error {
	return c.DB.PingContext(ctx)
}

// UpdateDocumentStatus sets the status and indexed_at timestamp of a document.
func (c *Client) UpdateDocumentStatus(ctx context.Context, docID, status string) error {
	_, err := c.DB.ExecContext(ctx,
		`UPDATE documents SET status = $1, indexed_at = NOW() WHERE id = $2`,
		status, docID,
	)
	if err != nil {
		return fmt.Errorf("updating status of document %s: %w", docID, err)
	}
	return nil
}

// SegmentRecord is one row of the segment catalog.
type SegmentRecord struct {
	ShardID  int
	Name     string
	Path     string
	DocBase  int64
	DocCount int
	Terms    int
	Trigger  string
}

// RecordSegment inserts a flushed segment into the catalog and bumps the
// per-shard document watermark in one transaction.
func (c *Client) RecordSegment(ctx context.Context, rec SegmentRecord) error {
	return c.InTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO index_segments (shard_id, name, path, doc_base, doc_count, terms, trigger, flushed_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
			 ON CONFLICT (shard_id, name) DO NOTHING`,
			rec.ShardID, rec.Name, rec.Path, rec.DocBase, rec.DocCount, rec.Terms, rec.Trigger,
		)
		if err != nil {
			return fmt.Errorf("inserting segment %s: %w", rec.Name, err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO index_shards (shard_id, docs_flushed, updated_at)
			 VALUES ($1, $2, NOW())
			 ON CONFLICT (shard_id) DO UPDATE
			 SET docs_flushed = GREATEST(index_shards.docs_flushed, EXCLUDED.docs_flushed), updated_at = NOW()`,
			rec.ShardID, rec.DocBase+int64(rec.DocCount),
		)
		if err != nil {
			return fmt.Errorf("updating shard %d watermark: %w", rec.ShardID, err)
		}
		return nil
	})
}

func (c *Client) InTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rolling back transaction after error %v: %w", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	return nil
}
