package termshash

import (
	"github.com/Adithya-Monish-Kumar-K/segment-indexer/internal/indexer/pool"
)

// TermID is the dense index of a term inside one table.
type TermID int32

// Handle locates one posting inside the pools: its text entry, its int record
// and the head of its first byte stream. Stream i starts at
// ByteStart + i*pool.FirstSliceSize.
type Handle struct {
	TextStart int32
	IntStart  int32
	ByteStart int32
}

// Occurrence is one token occurrence routed to a posting.
type Occurrence struct {
	DocID       int32
	Position    int32
	StartOffset int32
	EndOffset   int32
	Payload     []byte
}

// Consumer owns the meaning of a table's int records and byte streams. The
// table allocates StreamCount write cursors followed by IntFields consumer
// fields per posting.
type Consumer interface {
	StreamCount() int
	IntFields() int
	// NewPosting initialises the record of a posting created in this session.
	NewPosting(p Posting)
	// AddOccurrence records one occurrence; same-document repeats arrive with
	// the same DocID.
	AddOccurrence(p Posting, occ Occurrence)
	// FinishDocument is called once per document for every posting the
	// document touched.
	FinishDocument(p Posting)
}

// Posting is a consumer's view of one live posting.
type Posting struct {
	t   *Table
	id  TermID
	rec []int32
}

func (p Posting) ID() TermID {
	return p.id
}

func (p Posting) Handle() Handle {
	return p.t.handles[p.id]
}

// Text returns the term bytes; the slice aliases the text pool.
func (p Posting) Text() []byte {
	return p.t.pools.Text.Bytes(p.t.handles[p.id].TextStart)
}

// Int returns consumer field i.
func (p Posting) Int(i int) int32 {
	return p.rec[p.t.streams+i]
}

// SetInt stores consumer field i.
func (p Posting) SetInt(i int, v int32) {
	p.rec[p.t.streams+i] = v
}

// AddInt adds delta to consumer field i and returns the new value.
func (p Posting) AddInt(i int, delta int32) int32 {
	p.rec[p.t.streams+i] += delta
	return p.rec[p.t.streams+i]
}

// WriteVInt appends v to stream.
func (p Posting) WriteVInt(stream int, v int32) {
	p.t.pools.Bytes.WriteVInt(&p.rec[stream], v)
}

// WriteBytes appends b to stream.
func (p Posting) WriteBytes(stream int, b []byte) {
	p.t.pools.Bytes.WriteBytes(&p.rec[stream], b)
}

// Reader returns a reader over everything written to stream so far.
func (p Posting) Reader(stream int) *pool.SliceReader {
	start := p.t.handles[p.id].ByteStart + int32(stream*pool.FirstSliceSize)
	return pool.NewSliceReader(p.t.pools.Bytes, start, p.rec[stream])
}
