package indexer

import (
	"log/slog"

	"github.com/Adithya-Monish-Kumar-K/segment-indexer/internal/indexer/postings"
	"github.com/Adithya-Monish-Kumar-K/segment-indexer/internal/indexer/tokenizer"
	apperrors "github.com/Adithya-Monish-Kumar-K/segment-indexer/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/segment-indexer/pkg/metrics"
)

// State is the lifecycle phase of a Session.
type State int

const (
	StateIdle State = iota
	StateAccumulating
	StateFlushing
	StateCorrupted
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAccumulating:
		return "accumulating"
	case StateFlushing:
		return "flushing"
	case StateCorrupted:
		return "corrupted"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// FlushTrigger records why a segment was flushed.
type FlushTrigger string

const (
	TriggerRAM        FlushTrigger = "ram"
	TriggerDocs       FlushTrigger = "docs"
	TriggerManual     FlushTrigger = "manual"
	TriggerCheckpoint FlushTrigger = "checkpoint"
	TriggerClose      FlushTrigger = "close"
)

// Field is one instance of a field in a document. A document may carry
// several instances of the same field; they are indexed as one concatenated
// stream. A zero Boost means 1.
type Field struct {
	Name   string
	Tokens []tokenizer.Token
	Boost  float32
}

// Document is the unit of indexing. ID is an optional external identifier
// recorded in the segment.
type Document struct {
	ID     string
	Fields []Field
	Boost  float32
}

// Warning describes a token skipped while indexing a document.
type Warning struct {
	Kind     apperrors.Kind
	Field    string
	Position int32
	Term     []byte
	Err      error
}

// Result reports the outcome of AddDocument.
type Result struct {
	DocID    int32
	Segment  string
	Tokens   int
	Warnings []Warning
	// Flushed is set when the document completed a segment.
	Flushed *SegmentInfo
}

// SegmentInfo describes a flushed segment.
type SegmentInfo struct {
	Name     string       `json:"name"`
	DocBase  int64        `json:"doc_base"`
	DocCount int          `json:"doc_count"`
	Terms    int          `json:"terms"`
	Fields   []string     `json:"fields"`
	Trigger  FlushTrigger `json:"trigger"`
}

// SegmentWriter receives one segment. It is opened at the first document of
// the segment; Finish or Abort ends it.
type SegmentWriter interface {
	postings.Writer
	WriteDocumentID(docID int32, id string) error
	Finish(info SegmentInfo) error
	Abort() error
}

// SegmentFactory opens segment writers.
type SegmentFactory interface {
	NewSegment(name string) (SegmentWriter, error)
}

// Stats is a snapshot of a session.
type Stats struct {
	State           State            `json:"-"`
	StateName       string           `json:"state"`
	DocsBuffered    int              `json:"docs_buffered"`
	DocsTotal       int64            `json:"docs_total"`
	SegmentsFlushed int              `json:"segments_flushed"`
	Terms           int              `json:"terms"`
	BytesUsed       int64            `json:"bytes_used"`
	BytesRetained   int64            `json:"bytes_retained"`
	Warnings        map[string]int64 `json:"warnings"`
}

// Option customises a Session.
type Option func(*Session)

// WithLogger replaces the session logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// WithMetrics instruments the session; shard labels the per-shard series.
func WithMetrics(m *metrics.Metrics, shard string) Option {
	return func(s *Session) {
		s.metrics = m
		s.shard = shard
	}
}

// WithSimilarity sets the length normalisation used for norms.
func WithSimilarity(sim postings.Similarity) Option {
	return func(s *Session) { s.similarity = sim }
}

// WithNormEncoder sets the norm byte encoder.
func WithNormEncoder(enc postings.NormEncoder) Option {
	return func(s *Session) { s.normEncoder = enc }
}

// WithSegmentPrefix sets the prefix of generated segment names.
func WithSegmentPrefix(prefix string) Option {
	return func(s *Session) { s.segmentPrefix = prefix }
}

// WithResume continues numbering after segments that already exist: the next
// segment uses generation and its first document gets docBase.
func WithResume(generation int, docBase int64) Option {
	return func(s *Session) {
		s.generation = generation
		s.docBase = docBase
	}
}

// WithFlushListener registers fn to be called after every successful flush.
func WithFlushListener(fn func(SegmentInfo)) Option {
	return func(s *Session) { s.listeners = append(s.listeners, fn) }
}
