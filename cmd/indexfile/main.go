// Command indexfile indexes local text files into a segment directory
// without Kafka, or inspects an existing segment.
//
//	indexfile -out data/local docs/*.txt
//	indexfile -inspect data/local/seg_000000.spdx -field body -term search
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/Adithya-Monish-Kumar-K/segment-indexer/internal/indexer"
	"github.com/Adithya-Monish-Kumar-K/segment-indexer/internal/indexer/consumer"
	"github.com/Adithya-Monish-Kumar-K/segment-indexer/internal/indexer/segment"
	"github.com/Adithya-Monish-Kumar-K/segment-indexer/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/segment-indexer/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/segment-indexer/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "optional config file")
	outDir := flag.String("out", "data/local", "segment output directory")
	inspect := flag.String("inspect", "", "segment file to inspect instead of indexing")
	field := flag.String("field", "body", "field to look up with -term")
	term := flag.String("term", "", "term to print the postings of (with -inspect)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Logging.Level, "text")

	if *inspect != "" {
		err = inspectSegment(*inspect, *field, *term)
	} else {
		err = indexFiles(cfg.Indexer, *outDir, flag.Args())
	}
	if err != nil {
		slog.Error("indexfile failed", "error", err)
		os.Exit(1)
	}
}

// fileShards is a single-session consumer.Shards.
type fileShards struct {
	session *indexer.Session
}

func (f *fileShards) NumShards() int { return 1 }
func (f *fileShards) Route(string) int { return 0 }

func (f *fileShards) Index(_ int, doc indexer.Document) (indexer.Result, error) {
	return f.session.AddDocument(doc)
}

func indexFiles(cfg config.IndexerConfig, outDir string, paths []string) error {
	if len(paths) == 0 {
		return fmt.Errorf("no input files")
	}
	dir, err := segment.NewDirectory(outDir)
	if err != nil {
		return err
	}
	var flushed []indexer.SegmentInfo
	session, err := indexer.NewSession(cfg, dir, indexer.WithFlushListener(func(info indexer.SegmentInfo) {
		flushed = append(flushed, info)
	}))
	if err != nil {
		return fmt.Errorf("creating session: %w", err)
	}
	shards := &fileShards{session: session}
	handler, err := consumer.NewHandler(cfg, shards)
	if err != nil {
		return err
	}

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			session.Abort()
			return fmt.Errorf("reading %s: %w", path, err)
		}
		doc, err := handler.Document(ingestion.IngestEvent{
			DocumentID: path,
			Title:      filepath.Base(path),
			Body:       string(data),
		})
		if err != nil {
			slog.Warn("skipping file", "path", path, "error", err)
			continue
		}
		res, err := shards.Index(0, doc)
		if err != nil {
			return fmt.Errorf("indexing %s: %w", path, err)
		}
		for _, w := range res.Warnings {
			slog.Warn("token skipped", "path", path, "field", w.Field, "position", w.Position, "kind", w.Kind.String())
		}
	}
	if err := session.Close(); err != nil {
		return fmt.Errorf("closing session: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]any{
		"dir":      dir.Path(),
		"segments": flushed,
		"stats":    session.Stats(),
	})
}

func inspectSegment(path, field, term string) error {
	r, err := segment.OpenReader(path)
	if err != nil {
		return err
	}
	defer r.Close()

	out := map[string]any{
		"meta": map[string]any{
			"name":      r.Meta().Name,
			"doc_base":  r.Meta().DocBase,
			"doc_count": r.DocCount(),
			"terms":     r.TermCount(),
			"fields":    r.Fields(),
			"trigger":   r.Meta().Trigger,
		},
	}
	if term != "" {
		docs, err := r.Postings(field, []byte(term))
		if err != nil {
			return err
		}
		out["postings"] = docs
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
