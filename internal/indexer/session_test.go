package indexer

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/segment-indexer/internal/indexer/postings"
	"github.com/Adithya-Monish-Kumar-K/segment-indexer/internal/indexer/tokenizer"
	"github.com/Adithya-Monish-Kumar-K/segment-indexer/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/segment-indexer/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/segment-indexer/pkg/metrics"
)

type memSegment struct {
	name     string
	terms    []postings.TermPostings
	vectors  map[int32]map[string][]postings.VectorTerm
	norms    map[string][]byte
	normDocs map[string][]uint32
	ids      map[int32]string
	info     *SegmentInfo
	aborted  bool
	failTerm error
}

func (m *memSegment) WriteTerm(tp postings.TermPostings) error {
	if m.failTerm != nil {
		return m.failTerm
	}
	tp.Term = append([]byte(nil), tp.Term...)
	m.terms = append(m.terms, tp)
	return nil
}

func (m *memSegment) WriteVectors(docID int32, field string, terms []postings.VectorTerm) error {
	if m.vectors[docID] == nil {
		m.vectors[docID] = make(map[string][]postings.VectorTerm)
	}
	for i := range terms {
		terms[i].Term = append([]byte(nil), terms[i].Term...)
	}
	m.vectors[docID][field] = terms
	return nil
}

func (m *memSegment) WriteNorms(field string, docs *roaring.Bitmap, norms []byte) error {
	m.normDocs[field] = docs.ToArray()
	m.norms[field] = append([]byte(nil), norms...)
	return nil
}

func (m *memSegment) WriteDocumentID(docID int32, id string) error {
	m.ids[docID] = id
	return nil
}

func (m *memSegment) Finish(info SegmentInfo) error {
	m.info = &info
	return nil
}

func (m *memSegment) Abort() error {
	m.aborted = true
	return nil
}

func (m *memSegment) termNames(field string) []string {
	var out []string
	for _, tp := range m.terms {
		if tp.Field == field {
			out = append(out, string(tp.Term))
		}
	}
	return out
}

func (m *memSegment) term(t *testing.T, field, text string) postings.TermPostings {
	t.Helper()
	for _, tp := range m.terms {
		if tp.Field == field && string(tp.Term) == text {
			return tp
		}
	}
	t.Fatalf("term %s:%s not in segment %s", field, text, m.name)
	return postings.TermPostings{}
}

type memFactory struct {
	segments []*memSegment
	failTerm error
}

func (f *memFactory) NewSegment(name string) (SegmentWriter, error) {
	seg := &memSegment{
		name:     name,
		vectors:  make(map[int32]map[string][]postings.VectorTerm),
		norms:    make(map[string][]byte),
		normDocs: make(map[string][]uint32),
		ids:      make(map[int32]string),
		failTerm: f.failTerm,
	}
	f.segments = append(f.segments, seg)
	return seg, nil
}

func (f *memFactory) finished() []*memSegment {
	var out []*memSegment
	for _, s := range f.segments {
		if s.info != nil {
			out = append(out, s)
		}
	}
	return out
}

func testConfig() config.IndexerConfig {
	cfg := config.DefaultIndexer()
	cfg.ByteBlockSize = 1 << 10
	cfg.IntBlockSize = 1 << 8
	cfg.TextBlockSize = 1 << 10
	cfg.MaxTermLength = 255
	cfg.RAMBufferBytes = 0
	cfg.MaxBufferedDocs = 1 << 20
	return cfg
}

func newTestSession(t *testing.T, cfg config.IndexerConfig, opts ...Option) (*Session, *memFactory) {
	t.Helper()
	f := &memFactory{}
	s, err := NewSession(cfg, f, opts...)
	require.NoError(t, err)
	return s, f
}

func textField(name, text string) Field {
	return Field{Name: name, Tokens: tokenizer.Whitespace(text)}
}

func TestSession_IndexesAndFlushesSortedTerms(t *testing.T) {
	s, f := newTestSession(t, testConfig())

	res, err := s.AddDocument(Document{ID: "a", Fields: []Field{
		textField("title", "zeta alpha"),
		textField("body", "quick brown fox"),
	}})
	require.NoError(t, err)
	assert.Equal(t, int32(0), res.DocID)
	assert.Equal(t, 5, res.Tokens)
	assert.Empty(t, res.Warnings)
	assert.Equal(t, StateAccumulating, s.State())

	res, err = s.AddDocument(Document{ID: "b", Fields: []Field{textField("body", "lazy brown dog")}})
	require.NoError(t, err)
	assert.Equal(t, int32(1), res.DocID)

	info, err := s.Flush(TriggerManual)
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, StateIdle, s.State())
	assert.Equal(t, 2, info.DocCount)
	assert.Equal(t, int64(0), info.DocBase)
	assert.Equal(t, []string{"body", "title"}, info.Fields)
	assert.Equal(t, 7, info.Terms)

	seg := f.finished()[0]
	assert.Equal(t, []string{"brown", "dog", "fox", "lazy", "quick"}, seg.termNames("body"))
	assert.Equal(t, []string{"alpha", "zeta"}, seg.termNames("title"))
	assert.Equal(t, "body", seg.terms[0].Field, "fields flush in name order")

	brown := seg.term(t, "body", "brown")
	require.Len(t, brown.Docs, 2)
	assert.Equal(t, int32(0), brown.Docs[0].DocID)
	assert.Equal(t, int32(1), brown.Docs[1].DocID)
	assert.Equal(t, map[int32]string{0: "a", 1: "b"}, seg.ids)
	assert.Equal(t, []uint32{0}, seg.normDocs["title"])
	assert.Equal(t, []uint32{0, 1}, seg.normDocs["body"])
	assert.Contains(t, seg.vectors[1], "body")
	assert.NotContains(t, seg.vectors[0], "title")

	res, err = s.AddDocument(Document{Fields: []Field{textField("body", "again")}})
	require.NoError(t, err)
	assert.Equal(t, int32(0), res.DocID, "doc ids restart per segment")
	assert.Equal(t, "seg_000001", res.Segment)

	info, err = s.Flush(TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, int64(2), info.DocBase)

	stats := s.Stats()
	assert.Equal(t, int64(3), stats.DocsTotal)
	assert.Equal(t, 2, stats.SegmentsFlushed)
	assert.Zero(t, stats.DocsBuffered)
	assert.Zero(t, stats.Terms)
}

func TestSession_EmptyFlushIsNoop(t *testing.T) {
	s, f := newTestSession(t, testConfig())
	info, err := s.Flush(TriggerManual)
	require.NoError(t, err)
	assert.Nil(t, info)
	assert.Empty(t, f.segments)
	assert.Equal(t, StateIdle, s.State())
}

func corpus(n int) []Document {
	docs := make([]Document, n)
	for i := range docs {
		var tokens []tokenizer.Token
		for j := 0; j < 30; j++ {
			term := fmt.Sprintf("t%d", (i*31+j*7)%5000)
			tokens = append(tokens, tokenizer.Token{Text: []byte(term), Position: int32(j)})
		}
		docs[i] = Document{ID: fmt.Sprintf("doc-%d", i), Fields: []Field{{Name: "body", Tokens: tokens}}}
	}
	return docs
}

func TestSession_ExhaustionMatchesManualFlush(t *testing.T) {
	docs := corpus(400)

	budgeted := testConfig()
	budgeted.RAMBufferBytes = 64 << 10
	budgeted.MaxBufferedDocs = 0
	auto, autoSegs := newTestSession(t, budgeted)

	var boundaries []int
	for i, doc := range docs {
		res, err := auto.AddDocument(doc)
		require.NoError(t, err)
		if res.Flushed != nil {
			assert.Equal(t, TriggerRAM, res.Flushed.Trigger)
			boundaries = append(boundaries, i)
		}
	}
	require.GreaterOrEqual(t, len(boundaries), 2, "budget must force several flushes")
	require.NoError(t, auto.Close())

	manual, manualSegs := newTestSession(t, testConfig())
	next := 0
	for i, doc := range docs {
		_, err := manual.AddDocument(doc)
		require.NoError(t, err)
		if next < len(boundaries) && boundaries[next] == i {
			_, err := manual.Flush(TriggerManual)
			require.NoError(t, err)
			next++
		}
	}
	require.NoError(t, manual.Close())

	got, want := autoSegs.finished(), manualSegs.finished()
	require.Equal(t, len(want), len(got))
	for i := range want {
		assert.Equal(t, want[i].info.DocBase, got[i].info.DocBase)
		assert.Equal(t, want[i].info.DocCount, got[i].info.DocCount)
		assert.Equal(t, want[i].terms, got[i].terms, "segment %d", i)
		assert.Equal(t, want[i].norms, got[i].norms, "segment %d", i)
		assert.Equal(t, want[i].normDocs, got[i].normDocs, "segment %d", i)
		assert.Equal(t, want[i].vectors, got[i].vectors, "segment %d", i)
		assert.Equal(t, want[i].ids, got[i].ids, "segment %d", i)
		assert.NotEmpty(t, got[i].vectors, "segment %d", i)
	}
}

func TestSession_MaxBufferedDocsTriggersFlush(t *testing.T) {
	cfg := testConfig()
	cfg.MaxBufferedDocs = 2
	s, f := newTestSession(t, cfg)

	res, err := s.AddDocument(Document{Fields: []Field{textField("body", "one")}})
	require.NoError(t, err)
	assert.Nil(t, res.Flushed)

	res, err = s.AddDocument(Document{Fields: []Field{textField("body", "two")}})
	require.NoError(t, err)
	require.NotNil(t, res.Flushed)
	assert.Equal(t, TriggerDocs, res.Flushed.Trigger)
	assert.Len(t, f.finished(), 1)
}

func TestSession_OversizedTermSkippedFromAllConsumers(t *testing.T) {
	cfg := testConfig()
	cfg.MaxTermLength = 8
	s, f := newTestSession(t, cfg)

	res, err := s.AddDocument(Document{Fields: []Field{textField("body", "ok waytoolongterm fine")}})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Tokens)
	require.Len(t, res.Warnings, 1)
	w := res.Warnings[0]
	assert.Equal(t, apperrors.KindOversizedTerm, w.Kind)
	assert.Equal(t, "body", w.Field)
	assert.Equal(t, int32(1), w.Position)
	assert.ErrorIs(t, w.Err, apperrors.ErrOversizedTerm)

	_, err = s.AddDocument(Document{Fields: []Field{textField("body", "more")}})
	require.NoError(t, err, "indexing continues after a skipped term")
	require.NoError(t, s.Close())

	seg := f.finished()[0]
	assert.Equal(t, []string{"fine", "more", "ok"}, seg.termNames("body"))
	assert.Len(t, seg.vectors[0]["body"], 2)
	wantNorm := postings.LinearNormEncoder(postings.DefaultSimilarity{}.LengthNorm("body", 2))
	assert.Equal(t, wantNorm, seg.norms["body"][0])
	assert.Equal(t, int64(1), s.Stats().Warnings["oversized_term"])
}

func TestSession_EmptyTermsAndBackwardPositions(t *testing.T) {
	s, f := newTestSession(t, testConfig())

	tokens := []tokenizer.Token{
		{Text: []byte("first"), Position: 0},
		{Text: nil, Position: 1},
		{Text: []byte("third"), Position: 5},
		{Text: []byte("back"), Position: 3},
		{Text: []byte("same"), Position: 5},
	}
	res, err := s.AddDocument(Document{Fields: []Field{{Name: "title", Tokens: tokens}}})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Tokens)
	require.Len(t, res.Warnings, 2)
	assert.Equal(t, apperrors.KindEmptyTerm, res.Warnings[0].Kind)
	assert.Equal(t, apperrors.KindInvalidPosition, res.Warnings[1].Kind)
	assert.Equal(t, []byte("back"), res.Warnings[1].Term)

	_, err = s.Flush(TriggerManual)
	require.NoError(t, err)
	seg := f.finished()[0]
	assert.Equal(t, []string{"first", "same", "third"}, seg.termNames("title"))
	assert.Equal(t, []postings.Position{{Position: 5}}, seg.term(t, "title", "same").Docs[0].Positions)

	stats := s.Stats()
	assert.Equal(t, int64(1), stats.Warnings["empty_term"])
	assert.Equal(t, int64(1), stats.Warnings["invalid_position"])
}

func TestSession_RepeatedFieldInstancesConcatenate(t *testing.T) {
	s, f := newTestSession(t, testConfig())

	_, err := s.AddDocument(Document{Fields: []Field{
		{Name: "body", Boost: 2, Tokens: tokenizer.Whitespace("a b")},
		{Name: "body", Tokens: tokenizer.Whitespace("a")},
	}})
	require.NoError(t, err)
	_, err = s.Flush(TriggerManual)
	require.NoError(t, err)

	seg := f.finished()[0]
	a := seg.term(t, "body", "a")
	require.Len(t, a.Docs, 1)
	assert.Equal(t, int32(2), a.Docs[0].Freq)
	assert.Equal(t, []postings.Position{{Position: 0}, {Position: 2}}, a.Docs[0].Positions)

	vectors := seg.vectors[0]["body"]
	require.Len(t, vectors, 2)
	assert.Equal(t, "a", string(vectors[0].Term))
	assert.Equal(t, []postings.Offset{{Start: 0, End: 1}, {Start: 3, End: 4}}, vectors[0].Offsets)

	wantNorm := postings.LinearNormEncoder(2 * postings.DefaultSimilarity{}.LengthNorm("body", 3))
	assert.Equal(t, []byte{wantNorm}, seg.norms["body"])
}

func TestSession_UnconfiguredFieldUsesDefaults(t *testing.T) {
	s, f := newTestSession(t, testConfig())
	_, err := s.AddDocument(Document{Fields: []Field{textField("tags", "go search")}})
	require.NoError(t, err)
	info, err := s.Flush(TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, []string{"tags"}, info.Fields)
	assert.Equal(t, []string{"go", "search"}, f.finished()[0].termNames("tags"))

	_, err = s.AddDocument(Document{Fields: []Field{{Name: ""}}})
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
	assert.Equal(t, StateIdle, s.State())
}

func TestSession_WriterFailureCorruptsSession(t *testing.T) {
	f := &memFactory{failTerm: errors.New("disk full")}
	s, err := NewSession(testConfig(), f)
	require.NoError(t, err)

	_, err = s.AddDocument(Document{Fields: []Field{textField("body", "doomed")}})
	require.NoError(t, err)

	_, err = s.Flush(TriggerManual)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrCorruptedSession)
	assert.Equal(t, StateCorrupted, s.State())
	assert.True(t, f.segments[0].aborted)

	_, err = s.AddDocument(Document{Fields: []Field{textField("body", "later")}})
	assert.ErrorIs(t, err, apperrors.ErrCorruptedSession)
	_, err = s.Flush(TriggerManual)
	assert.ErrorIs(t, err, apperrors.ErrCorruptedSession)

	err = s.Close()
	assert.ErrorIs(t, err, apperrors.ErrCorruptedSession)
	assert.Equal(t, StateClosed, s.State())
}

func TestSession_AbortDiscardsBufferedDocuments(t *testing.T) {
	s, f := newTestSession(t, testConfig())
	_, err := s.AddDocument(Document{Fields: []Field{textField("body", "discard me")}})
	require.NoError(t, err)

	require.NoError(t, s.Abort())
	assert.True(t, f.segments[0].aborted)
	assert.Equal(t, StateIdle, s.State())
	assert.Zero(t, s.Stats().Terms)

	info, err := s.Flush(TriggerManual)
	require.NoError(t, err)
	assert.Nil(t, info)

	res, err := s.AddDocument(Document{Fields: []Field{textField("body", "keep")}})
	require.NoError(t, err)
	assert.Equal(t, int32(0), res.DocID)
}

func TestSession_ClosedRejectsCalls(t *testing.T) {
	s, _ := newTestSession(t, testConfig())
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err := s.AddDocument(Document{})
	assert.ErrorIs(t, err, apperrors.ErrInvalidState)
	assert.ErrorIs(t, s.Abort(), apperrors.ErrInvalidState)
}

func TestSession_FlushListenerAndMetrics(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	var flushed []SegmentInfo
	cfg := testConfig()
	cfg.MaxTermLength = 4
	s, _ := newTestSession(t, cfg,
		WithMetrics(m, "3"),
		WithFlushListener(func(info SegmentInfo) { flushed = append(flushed, info) }),
	)

	for i := 0; i < 3; i++ {
		_, err := s.AddDocument(Document{Fields: []Field{textField("body", "abc toolong")}})
		require.NoError(t, err)
	}
	assert.Equal(t, float64(3), testutil.ToFloat64(m.BufferedDocs.WithLabelValues("3")))

	_, err := s.Flush(TriggerManual)
	require.NoError(t, err)

	require.Len(t, flushed, 1)
	assert.Equal(t, 3, flushed[0].DocCount)
	assert.Equal(t, float64(3), testutil.ToFloat64(m.DocsIndexedTotal))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.TokensIndexedTotal))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.TokensSkippedTotal.WithLabelValues("oversized_term")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.IndexFlushesTotal.WithLabelValues("manual", "success")))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.BufferedDocs.WithLabelValues("3")))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "corrupted", StateCorrupted.String())
	assert.Equal(t, "unknown", State(42).String())
}

func TestSession_TableResizesIncludeTermVectors(t *testing.T) {
	resizes := func(vectors bool) float64 {
		cfg := testConfig()
		cfg.HashInitialCapacity = 2
		cfg.Fields = []config.FieldConfig{{Name: "body", TermVectors: vectors, Boost: 1}}
		m := metrics.New(prometheus.NewRegistry())
		s, _ := newTestSession(t, cfg, WithMetrics(m, "0"))

		var words []string
		for i := 0; i < 64; i++ {
			words = append(words, fmt.Sprintf("w%d", i))
		}
		_, err := s.AddDocument(Document{Fields: []Field{textField("body", strings.Join(words, " "))}})
		require.NoError(t, err)
		_, err = s.Flush(TriggerManual)
		require.NoError(t, err)
		return testutil.ToFloat64(m.TableResizesTotal)
	}

	inverted := resizes(false)
	require.Positive(t, inverted)
	// one document: the vector table grows exactly like the inverted one
	assert.Equal(t, 2*inverted, resizes(true))
}
