package postings

import (
	"fmt"

	"github.com/Adithya-Monish-Kumar-K/segment-indexer/internal/indexer/pool"
	"github.com/Adithya-Monish-Kumar-K/segment-indexer/internal/indexer/termshash"
	apperrors "github.com/Adithya-Monish-Kumar-K/segment-indexer/pkg/errors"
)

const (
	streamVectorPositions = 0
	streamVectorOffsets   = 1
)

const (
	vectorFreq = iota
	vectorLastPos
	vectorLastOffset
)

// VectorRecord is the record layout of a term vector entry. Positions are
// delta coded; offsets are written as (start - previous end, end - start).
type VectorRecord struct {
	positions bool
	offsets   bool
}

func (r *VectorRecord) StreamCount() int { return 2 }
func (r *VectorRecord) IntFields() int   { return 3 }

func (r *VectorRecord) NewPosting(p termshash.Posting) {
	p.SetInt(vectorFreq, 0)
	p.SetInt(vectorLastPos, 0)
	p.SetInt(vectorLastOffset, 0)
}

func (r *VectorRecord) AddOccurrence(p termshash.Posting, occ termshash.Occurrence) {
	p.AddInt(vectorFreq, 1)
	if r.positions {
		p.WriteVInt(streamVectorPositions, occ.Position-p.Int(vectorLastPos))
		p.SetInt(vectorLastPos, occ.Position)
	}
	if r.offsets {
		p.WriteVInt(streamVectorOffsets, occ.StartOffset-p.Int(vectorLastOffset))
		p.WriteVInt(streamVectorOffsets, occ.EndOffset-occ.StartOffset)
		p.SetInt(vectorLastOffset, occ.EndOffset)
	}
}

func (r *VectorRecord) FinishDocument(termshash.Posting) {}

func (r *VectorRecord) decode(p termshash.Posting) (VectorTerm, error) {
	vt := VectorTerm{Term: p.Text(), Freq: p.Int(vectorFreq)}
	if r.positions {
		rd := p.Reader(streamVectorPositions)
		vt.Positions = make([]int32, 0, vt.Freq)
		pos := int32(0)
		for i := int32(0); i < vt.Freq; i++ {
			d, err := rd.ReadVInt()
			if err != nil {
				return vt, err
			}
			pos += d
			vt.Positions = append(vt.Positions, pos)
		}
	}
	if r.offsets {
		rd := p.Reader(streamVectorOffsets)
		vt.Offsets = make([]Offset, 0, vt.Freq)
		last := int32(0)
		for i := int32(0); i < vt.Freq; i++ {
			d, err := rd.ReadVInt()
			if err != nil {
				return vt, err
			}
			n, err := rd.ReadVInt()
			if err != nil {
				return vt, err
			}
			start := last + d
			last = start + n
			vt.Offsets = append(vt.Offsets, Offset{Start: start, End: last})
		}
	}
	return vt, nil
}

// VectorOptions selects what a term vector records besides frequencies.
type VectorOptions struct {
	Positions bool
	Offsets   bool
}

// VectorField builds the term vector of one field for the current document.
// Its table is secondary: terms are keyed by the text address resolved by the
// field's inverted consumer. Its int and byte pools are private and released
// after every document.
type VectorField struct {
	name   string
	table  *termshash.Table
	record *VectorRecord
	ints   *pool.IntPool
	bytes  *pool.BytePool
	docID  int32
}

// NewVectorField creates the term vector consumer of field name. text must be
// the pool the field's inverted consumer writes to.
func NewVectorField(name string, text *pool.TextPool, alloc *pool.Allocator, intSlab, byteSlab int, tableOpts termshash.Options, opts VectorOptions) *VectorField {
	record := &VectorRecord{positions: opts.Positions, offsets: opts.Offsets}
	ints := pool.NewIntPool(alloc, intSlab)
	bytes := pool.NewBytePool(alloc, byteSlab)
	tableOpts.Secondary = true
	return &VectorField{
		name:   name,
		table:  termshash.New(termshash.Pools{Text: text, Ints: ints, Bytes: bytes}, record, alloc, tableOpts),
		record: record,
		ints:   ints,
		bytes:  bytes,
	}
}

// Table returns the per-document term table.
func (f *VectorField) Table() *termshash.Table {
	return f.table
}

func (f *VectorField) StartDocument(docID int32, _ float32) {
	f.docID = docID
}

func (f *VectorField) Add(tok *Token) error {
	occ := tok.Occurrence
	occ.DocID = f.docID
	if _, err := f.table.AddByTextStart(tok.TextStart, occ); err != nil {
		return fmt.Errorf("term vector of field %s: %w", f.name, err)
	}
	return nil
}

// FinishDocument writes the document's vector in ascending term order and
// releases the per-document pools.
func (f *VectorField) FinishDocument(w Writer) error {
	defer f.Reset()
	if f.table.Size() == 0 {
		return nil
	}
	f.table.FinishDocument()

	ids := f.table.SortedTermIDs()
	terms := make([]VectorTerm, 0, len(ids))
	for _, id := range ids {
		p, err := f.table.Posting(id)
		if err != nil {
			return err
		}
		vt, err := f.record.decode(p)
		if err != nil {
			return apperrors.Newf(apperrors.KindCorruptedSession, "finish term vector",
				"decoding term %d: %v", id, err).WithField(f.name).WithTerm(p.Text())
		}
		terms = append(terms, vt)
	}
	if err := w.WriteVectors(f.docID, f.name, terms); err != nil {
		return fmt.Errorf("writing term vector of field %s doc %d: %w", f.name, f.docID, err)
	}
	return nil
}

// Flush is a no-op: vectors are written per document.
func (f *VectorField) Flush(Writer) error {
	return nil
}

func (f *VectorField) Reset() {
	f.table.Reset()
	f.ints.Reset()
	f.bytes.Reset()
}
