// Package indexer implements the indexing session: it buffers tokenized
// documents in slab pools through per-field posting consumers and flushes
// them to segments when a memory or document budget is reached.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/Adithya-Monish-Kumar-K/segment-indexer/internal/indexer/pool"
	"github.com/Adithya-Monish-Kumar-K/segment-indexer/internal/indexer/postings"
	"github.com/Adithya-Monish-Kumar-K/segment-indexer/internal/indexer/termshash"
	"github.com/Adithya-Monish-Kumar-K/segment-indexer/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/segment-indexer/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/segment-indexer/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/segment-indexer/pkg/metrics"
)

type fieldState struct {
	cfg       config.FieldConfig
	inverted  *postings.InvertedField
	vectors   *postings.VectorField
	norms     *postings.NormsField
	consumers []postings.FieldConsumer
}

// Session is a single-writer indexing session. Callers serialise access;
// the shard router gives every shard its own session.
type Session struct {
	cfg      config.IndexerConfig
	segments SegmentFactory

	alloc *pool.Allocator
	text  *pool.TextPool
	pools termshash.Pools

	fields     map[string]*fieldState
	fieldNames []string

	state           State
	writer          SegmentWriter
	segmentName     string
	generation      int
	docsBuffered    int
	docBase         int64
	docsTotal       int64
	segmentsFlushed int
	warnings        map[apperrors.Kind]int64
	reportedResizes int
	lastErr         error

	similarity    postings.Similarity
	normEncoder   postings.NormEncoder
	segmentPrefix string
	listeners     []func(SegmentInfo)

	logger  *slog.Logger
	metrics *metrics.Metrics
	shard   string
}

// NewSession validates cfg and creates an idle session writing segments
// through segments.
func NewSession(cfg config.IndexerConfig, segments SegmentFactory, opts ...Option) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindInvalidInput, "new session")
	}
	if segments == nil {
		return nil, apperrors.Newf(apperrors.KindInvalidInput, "new session", "segment factory is required")
	}
	s := &Session{
		cfg:           cfg,
		segments:      segments,
		fields:        make(map[string]*fieldState, len(cfg.Fields)),
		warnings:      make(map[apperrors.Kind]int64),
		segmentPrefix: "seg",
		shard:         "0",
		logger:        logger.WithComponent("indexer"),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.alloc = pool.NewAllocator(cfg.RAMBufferBytes)
	s.text = pool.NewTextPool(s.alloc, cfg.TextBlockSize)
	s.pools = termshash.Pools{
		Text:  s.text,
		Ints:  pool.NewIntPool(s.alloc, cfg.IntBlockSize),
		Bytes: pool.NewBytePool(s.alloc, cfg.ByteBlockSize),
	}
	for _, fc := range cfg.Fields {
		s.addField(fc)
	}
	s.logger.Info("indexing session created",
		"fields", s.fieldNames,
		"ram_buffer_bytes", cfg.RAMBufferBytes,
		"max_buffered_docs", cfg.MaxBufferedDocs,
	)
	return s, nil
}

func (s *Session) tableOptions() termshash.Options {
	return termshash.Options{
		InitialCapacity: s.cfg.HashInitialCapacity,
		LoadFactor:      s.cfg.HashLoadFactor,
		GrowthFactor:    s.cfg.HashGrowthFactor,
		MaxTermLength:   s.cfg.MaxTermLength,
	}
}

// addField wires the consumers of one field. The inverted consumer always
// comes first because it resolves the text address the others use.
func (s *Session) addField(fc config.FieldConfig) *fieldState {
	fs := &fieldState{cfg: fc}
	fs.inverted = postings.NewInvertedField(fc.Name, s.pools, s.alloc, s.tableOptions(), postings.InvertedOptions{
		OmitPositions: fc.OmitPositions,
		StorePayloads: fc.StorePayloads,
	})
	fs.consumers = append(fs.consumers, fs.inverted)
	if fc.TermVectors {
		fs.vectors = postings.NewVectorField(fc.Name, s.text, s.alloc, s.cfg.IntBlockSize, s.cfg.ByteBlockSize, s.tableOptions(), postings.VectorOptions{
			Positions: fc.TermVectorPositions,
			Offsets:   fc.TermVectorOffsets,
		})
		fs.consumers = append(fs.consumers, fs.vectors)
	}
	if !fc.OmitNorms {
		fs.norms = postings.NewNormsField(fc.Name, s.similarity, s.normEncoder, s.alloc)
		fs.consumers = append(fs.consumers, fs.norms)
	}
	s.fields[fc.Name] = fs
	s.fieldNames = append(s.fieldNames, fc.Name)
	slices.Sort(s.fieldNames)
	return fs
}

func (s *Session) field(name string) *fieldState {
	if fs, ok := s.fields[name]; ok {
		return fs
	}
	s.logger.Debug("indexing unconfigured field with defaults", "field", name)
	return s.addField(config.FieldConfig{Name: name, Boost: 1})
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return s.state
}

// Err returns the error that corrupted the session, if any.
func (s *Session) Err() error {
	return s.lastErr
}

func (s *Session) usable(op string) error {
	switch s.state {
	case StateCorrupted:
		return apperrors.Wrap(s.lastErr, apperrors.KindCorruptedSession, op)
	case StateClosed:
		return apperrors.Newf(apperrors.KindInvalidState, op, "session is closed")
	case StateFlushing:
		return apperrors.Newf(apperrors.KindInvalidState, op, "session is flushing")
	}
	return nil
}

// AddDocument indexes doc under the next segment-local document id. Skipped
// tokens are reported as warnings in the result, never as the error. When
// the document leaves the session over its memory or document budget, the
// buffered segment is flushed before returning.
func (s *Session) AddDocument(doc Document) (res Result, err error) {
	if err := s.usable("add document"); err != nil {
		return res, err
	}
	for _, f := range doc.Fields {
		if f.Name == "" {
			return res, apperrors.Newf(apperrors.KindInvalidInput, "add document", "field without a name")
		}
	}
	defer s.recoverPanic("add document", &err)

	if s.writer == nil {
		if err := s.openSegment(); err != nil {
			return res, err
		}
	}
	s.state = StateAccumulating

	docID := int32(s.docsBuffered)
	res.DocID = docID
	res.Segment = s.segmentName

	for _, group := range groupFields(doc.Fields) {
		n, err := s.indexField(docID, doc.Boost, group, &res)
		res.Tokens += n
		if err != nil {
			return res, s.corrupt("add document", err)
		}
	}
	if doc.ID != "" {
		if err := s.writer.WriteDocumentID(docID, doc.ID); err != nil {
			return res, s.corrupt("add document", fmt.Errorf("recording document id: %w", err))
		}
	}

	s.docsBuffered++
	s.docsTotal++
	if s.metrics != nil {
		s.metrics.DocsIndexedTotal.Inc()
		s.metrics.TokensIndexedTotal.Add(float64(res.Tokens))
		s.metrics.BufferedDocs.WithLabelValues(s.shard).Set(float64(s.docsBuffered))
		s.metrics.PoolBytesUsed.WithLabelValues(s.shard).Set(float64(s.alloc.Stats().BytesUsed))
	}

	trigger := s.budgetTrigger()
	if trigger == "" {
		return res, nil
	}
	info, err := s.flush(trigger)
	if err != nil {
		return res, err
	}
	res.Flushed = info
	return res, nil
}

func (s *Session) budgetTrigger() FlushTrigger {
	if err := s.alloc.Err(); err != nil {
		s.logger.Debug("memory budget reached", "error", err)
		return TriggerRAM
	}
	if s.cfg.MaxBufferedDocs > 0 && s.docsBuffered >= s.cfg.MaxBufferedDocs {
		return TriggerDocs
	}
	return ""
}

// indexField routes every instance of one field through the field's
// consumers. Instances after the first continue the position sequence and
// shift offsets by the end offset of the previous instance.
func (s *Session) indexField(docID int32, docBoost float32, instances []Field, res *Result) (int, error) {
	fs := s.field(instances[0].Name)

	boost := boostOr1(docBoost) * boostOr1(fs.cfg.Boost)
	for _, inst := range instances {
		boost *= boostOr1(inst.Boost)
	}
	for _, c := range fs.consumers {
		c.StartDocument(docID, boost)
	}

	accepted := 0
	lastPos := int32(-1)
	posBase := int32(0)
	offsetBase := int32(0)
	for i, inst := range instances {
		if i > 0 {
			posBase = lastPos + 1
		}
		instEnd := int32(0)
		for _, t := range inst.Tokens {
			instEnd = max(instEnd, t.EndOffset)
			pos := posBase + t.Position
			if t.Position < 0 || pos < lastPos {
				s.warn(res, apperrors.Newf(apperrors.KindInvalidPosition, "add token",
					"position %d precedes %d", pos, lastPos).WithField(fs.cfg.Name).WithTerm(t.Text), pos)
				continue
			}
			tok := postings.Token{Text: t.Text}
			tok.Position = pos
			tok.StartOffset = offsetBase + t.StartOffset
			tok.EndOffset = offsetBase + t.EndOffset
			tok.Payload = t.Payload

			skipped := false
			for ci, c := range fs.consumers {
				err := c.Add(&tok)
				if err == nil {
					continue
				}
				if ci == 0 && apperrors.IsRecoverable(err) {
					s.warn(res, err, pos)
					skipped = true
					break
				}
				return accepted, err
			}
			if skipped {
				continue
			}
			lastPos = pos
			accepted++
		}
		offsetBase += instEnd
	}

	for _, c := range fs.consumers {
		if err := c.FinishDocument(s.writer); err != nil {
			return accepted, err
		}
	}
	return accepted, nil
}

func (s *Session) warn(res *Result, err error, pos int32) {
	w := Warning{Kind: apperrors.KindOf(err), Position: pos, Err: err}
	var ie *apperrors.IndexError
	if errors.As(err, &ie) {
		w.Field = ie.Field
		w.Term = ie.Term
	}
	res.Warnings = append(res.Warnings, w)
	s.warnings[w.Kind]++
	if s.metrics != nil {
		s.metrics.TokensSkippedTotal.WithLabelValues(w.Kind.String()).Inc()
	}
	level := slog.LevelWarn
	if w.Kind == apperrors.KindEmptyTerm {
		level = slog.LevelDebug
	}
	s.logger.Log(context.Background(), level, "token skipped",
		"reason", w.Kind.String(),
		"field", w.Field,
		"position", pos,
		"term_bytes", len(w.Term),
	)
}

// Flush writes every buffered document to a segment. Flushing an empty
// session is a no-op and returns a nil info.
func (s *Session) Flush(trigger FlushTrigger) (info *SegmentInfo, err error) {
	if err := s.usable("flush"); err != nil {
		return nil, err
	}
	defer s.recoverPanic("flush", &err)
	return s.flush(trigger)
}

func (s *Session) flush(trigger FlushTrigger) (*SegmentInfo, error) {
	if s.docsBuffered == 0 {
		s.state = StateIdle
		return nil, nil
	}
	s.state = StateFlushing
	start := time.Now()

	info := SegmentInfo{
		Name:     s.segmentName,
		DocBase:  s.docBase,
		DocCount: s.docsBuffered,
		Trigger:  trigger,
	}
	resizes := 0
	for _, name := range s.fieldNames {
		fs := s.fields[name]
		terms := fs.inverted.Table().Size()
		resizes += fs.inverted.Table().Resizes()
		if fs.vectors != nil {
			resizes += fs.vectors.Table().Resizes()
		}
		if !s.fieldSeen(fs) {
			continue
		}
		for _, c := range fs.consumers {
			if err := c.Flush(s.writer); err != nil {
				s.countFlush(trigger, "error")
				return nil, s.corrupt("flush", err)
			}
		}
		info.Terms += terms
		info.Fields = append(info.Fields, name)
	}
	if err := s.writer.Finish(info); err != nil {
		s.countFlush(trigger, "error")
		return nil, s.corrupt("flush", fmt.Errorf("finishing segment %s: %w", info.Name, err))
	}

	s.docBase += int64(s.docsBuffered)
	s.segmentsFlushed++
	s.writer = nil
	s.reset()
	s.state = StateIdle

	elapsed := time.Since(start)
	s.countFlush(trigger, "success")
	if s.metrics != nil {
		s.metrics.FlushDuration.Observe(elapsed.Seconds())
		s.metrics.SegmentDocs.Observe(float64(info.DocCount))
		s.metrics.TableResizesTotal.Add(float64(resizes - s.reportedResizes))
		s.metrics.BufferedDocs.WithLabelValues(s.shard).Set(0)
		s.metrics.PoolBytesUsed.WithLabelValues(s.shard).Set(float64(s.alloc.Stats().BytesUsed))
	}
	s.reportedResizes = resizes
	s.logger.Info("segment flushed",
		"segment", info.Name,
		"trigger", string(trigger),
		"docs", info.DocCount,
		"doc_base", info.DocBase,
		"terms", info.Terms,
		"duration", elapsed,
	)
	for _, fn := range s.listeners {
		fn(info)
	}
	return &info, nil
}

// fieldSeen reports whether any buffered document carried the field.
func (s *Session) fieldSeen(fs *fieldState) bool {
	return fs.inverted.Table().Size() > 0 || (fs.norms != nil && fs.norms.DocCount() > 0)
}

func (s *Session) countFlush(trigger FlushTrigger, status string) {
	if s.metrics != nil {
		s.metrics.IndexFlushesTotal.WithLabelValues(string(trigger), status).Inc()
	}
}

func (s *Session) openSegment() error {
	name := fmt.Sprintf("%s_%06d", s.segmentPrefix, s.generation)
	w, err := s.segments.NewSegment(name)
	if err != nil {
		return fmt.Errorf("opening segment %s: %w", name, err)
	}
	s.generation++
	s.writer = w
	s.segmentName = name
	return nil
}

// reset releases every buffered posting. Handles become invalid.
func (s *Session) reset() {
	for _, name := range s.fieldNames {
		for _, c := range s.fields[name].consumers {
			c.Reset()
		}
	}
	s.pools.Bytes.Reset()
	s.pools.Ints.Reset()
	s.text.Reset()
	s.docsBuffered = 0
}

// Abort discards every buffered document and the open segment. A corrupted
// session releases its memory but stays corrupted.
func (s *Session) Abort() error {
	if s.state == StateClosed {
		return apperrors.Newf(apperrors.KindInvalidState, "abort", "session is closed")
	}
	var err error
	if s.writer != nil {
		err = s.writer.Abort()
		s.writer = nil
	}
	discarded := s.docsBuffered
	s.reset()
	if s.state != StateCorrupted {
		s.state = StateIdle
	}
	s.logger.Info("session aborted", "discarded_docs", discarded)
	if err != nil {
		return fmt.Errorf("aborting segment %s: %w", s.segmentName, err)
	}
	return nil
}

// Close flushes buffered documents and releases pooled memory. Closing a
// corrupted session discards its state and returns the corruption error.
func (s *Session) Close() error {
	switch s.state {
	case StateClosed:
		return nil
	case StateCorrupted:
		abortErr := s.Abort()
		s.state = StateClosed
		s.alloc.Trim()
		return errors.Join(apperrors.Wrap(s.lastErr, apperrors.KindCorruptedSession, "close"), abortErr)
	}
	if _, err := s.Flush(TriggerClose); err != nil {
		return err
	}
	s.state = StateClosed
	released := s.alloc.Trim()
	s.logger.Info("session closed", "docs_total", s.docsTotal, "segments", s.segmentsFlushed, "slabs_released", released)
	return nil
}

// Stats returns a snapshot of the session counters.
func (s *Session) Stats() Stats {
	a := s.alloc.Stats()
	terms := 0
	for _, fs := range s.fields {
		terms += fs.inverted.Table().Size()
	}
	warnings := make(map[string]int64, len(s.warnings))
	for kind, n := range s.warnings {
		warnings[kind.String()] = n
	}
	return Stats{
		State:           s.state,
		StateName:       s.state.String(),
		DocsBuffered:    s.docsBuffered,
		DocsTotal:       s.docsTotal,
		SegmentsFlushed: s.segmentsFlushed,
		Terms:           terms,
		BytesUsed:       a.BytesUsed,
		BytesRetained:   a.BytesRetained,
		Warnings:        warnings,
	}
}

// corrupt marks the session unusable. Buffered postings can no longer be
// trusted, so the open segment is aborted.
func (s *Session) corrupt(op string, cause error) error {
	s.state = StateCorrupted
	s.lastErr = cause
	if s.writer != nil {
		if err := s.writer.Abort(); err != nil {
			s.logger.Error("aborting segment after corruption", "segment", s.segmentName, "error", err)
		}
		s.writer = nil
	}
	if s.metrics != nil {
		s.metrics.SessionCorruptionTotal.Inc()
	}
	s.logger.Error("indexing session corrupted", "op", op, "segment", s.segmentName, "error", cause)
	return apperrors.Wrap(cause, apperrors.KindCorruptedSession, op)
}

func (s *Session) recoverPanic(op string, err *error) {
	r := recover()
	if r == nil {
		return
	}
	cause, ok := r.(error)
	if !ok {
		cause = fmt.Errorf("panic: %v", r)
	}
	*err = s.corrupt(op, cause)
}

// groupFields collects the instances of each field in order of first
// appearance.
func groupFields(fields []Field) [][]Field {
	var groups [][]Field
	index := make(map[string]int, len(fields))
	for _, f := range fields {
		i, ok := index[f.Name]
		if !ok {
			i = len(groups)
			index[f.Name] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], f)
	}
	return groups
}

func boostOr1(b float32) float32 {
	if b == 0 {
		return 1
	}
	return b
}
