package postings

import (
	"errors"
	"fmt"

	"github.com/Adithya-Monish-Kumar-K/segment-indexer/internal/indexer/pool"
	"github.com/Adithya-Monish-Kumar-K/segment-indexer/internal/indexer/termshash"
	apperrors "github.com/Adithya-Monish-Kumar-K/segment-indexer/pkg/errors"
)

const (
	streamDocs = 0
	streamProx = 1
)

const (
	fieldLastDoc = iota
	fieldCurDoc
	fieldFreq
	fieldLastPos
)

// FreqProx is the record layout of inverted postings. The docs stream holds
// docDelta<<1|(freq==1) followed by freq when freq > 1. The prox stream holds
// position deltas; with payloads each delta is shifted left by one and the low
// bit announces a length-prefixed payload.
type FreqProx struct {
	positions bool
	payloads  bool
}

func (r *FreqProx) StreamCount() int { return 2 }
func (r *FreqProx) IntFields() int   { return 4 }

func (r *FreqProx) NewPosting(p termshash.Posting) {
	p.SetInt(fieldLastDoc, 0)
	p.SetInt(fieldCurDoc, -1)
	p.SetInt(fieldFreq, 0)
	p.SetInt(fieldLastPos, 0)
}

func (r *FreqProx) AddOccurrence(p termshash.Posting, occ termshash.Occurrence) {
	if p.Int(fieldCurDoc) != occ.DocID {
		p.SetInt(fieldCurDoc, occ.DocID)
		p.SetInt(fieldFreq, 0)
		p.SetInt(fieldLastPos, 0)
	}
	p.AddInt(fieldFreq, 1)
	if !r.positions {
		return
	}

	delta := occ.Position - p.Int(fieldLastPos)
	p.SetInt(fieldLastPos, occ.Position)
	if !r.payloads {
		p.WriteVInt(streamProx, delta)
		return
	}
	if len(occ.Payload) == 0 {
		p.WriteVInt(streamProx, delta<<1)
		return
	}
	p.WriteVInt(streamProx, delta<<1|1)
	p.WriteVInt(streamProx, int32(len(occ.Payload)))
	p.WriteBytes(streamProx, occ.Payload)
}

func (r *FreqProx) FinishDocument(p termshash.Posting) {
	doc := p.Int(fieldCurDoc)
	delta := doc - p.Int(fieldLastDoc)
	if freq := p.Int(fieldFreq); freq == 1 {
		p.WriteVInt(streamDocs, delta<<1|1)
	} else {
		p.WriteVInt(streamDocs, delta<<1)
		p.WriteVInt(streamDocs, freq)
	}
	p.SetInt(fieldLastDoc, doc)
}

// decode reads back the whole posting list of p.
func (r *FreqProx) decode(p termshash.Posting) ([]DocPostings, error) {
	docs := p.Reader(streamDocs)
	prox := p.Reader(streamProx)

	var out []DocPostings
	doc := int32(0)
	for !docs.EOF() {
		code, err := docs.ReadVInt()
		if err != nil {
			return nil, err
		}
		doc += int32(uint32(code) >> 1)
		freq := int32(1)
		if code&1 == 0 {
			if freq, err = docs.ReadVInt(); err != nil {
				return nil, err
			}
		}
		dp := DocPostings{DocID: doc, Freq: freq}
		if r.positions {
			dp.Positions = make([]Position, 0, freq)
			pos := int32(0)
			for i := int32(0); i < freq; i++ {
				code, err := prox.ReadVInt()
				if err != nil {
					return nil, err
				}
				if !r.payloads {
					pos += code
					dp.Positions = append(dp.Positions, Position{Position: pos})
					continue
				}
				pos += code >> 1
				position := Position{Position: pos}
				if code&1 != 0 {
					n, err := prox.ReadVInt()
					if err != nil {
						return nil, err
					}
					position.Payload = make([]byte, n)
					if err := prox.ReadBytes(position.Payload); err != nil {
						return nil, err
					}
				}
				dp.Positions = append(dp.Positions, position)
			}
		}
		out = append(out, dp)
	}
	return out, nil
}

// InvertedOptions selects what the inverted postings of a field record.
type InvertedOptions struct {
	OmitPositions bool
	StorePayloads bool
}

// InvertedField is the primary consumer of a field: it owns the field's term
// table and builds its doc/freq/position postings.
type InvertedField struct {
	name   string
	table  *termshash.Table
	record *FreqProx
	docID  int32
}

// NewInvertedField creates the inverted consumer of field name over pools.
func NewInvertedField(name string, pools termshash.Pools, alloc *pool.Allocator, tableOpts termshash.Options, opts InvertedOptions) *InvertedField {
	record := &FreqProx{
		positions: !opts.OmitPositions,
		payloads:  !opts.OmitPositions && opts.StorePayloads,
	}
	tableOpts.Secondary = false
	return &InvertedField{
		name:   name,
		table:  termshash.New(pools, record, alloc, tableOpts),
		record: record,
	}
}

// Table exposes the term table, mainly for stats.
func (f *InvertedField) Table() *termshash.Table {
	return f.table
}

func (f *InvertedField) StartDocument(docID int32, _ float32) {
	f.docID = docID
}

func (f *InvertedField) Add(tok *Token) error {
	occ := tok.Occurrence
	occ.DocID = f.docID
	id, err := f.table.Add(tok.Text, occ)
	if err != nil {
		var ie *apperrors.IndexError
		if errors.As(err, &ie) {
			return ie.WithField(f.name)
		}
		return err
	}
	tok.TextStart = f.table.Handle(id).TextStart
	return nil
}

func (f *InvertedField) FinishDocument(Writer) error {
	f.table.FinishDocument()
	return nil
}

// Flush emits every posting list of the field in ascending term order.
func (f *InvertedField) Flush(w Writer) error {
	for _, id := range f.table.SortedTermIDs() {
		p, err := f.table.Posting(id)
		if err != nil {
			return err
		}
		docs, err := f.record.decode(p)
		if err != nil {
			return apperrors.Newf(apperrors.KindCorruptedSession, "flush postings",
				"decoding term %d: %v", id, err).WithField(f.name).WithTerm(p.Text())
		}
		if err := w.WriteTerm(TermPostings{Field: f.name, Term: p.Text(), Docs: docs}); err != nil {
			return fmt.Errorf("writing postings of field %s: %w", f.name, err)
		}
	}
	return nil
}

// Reset forgets every term. The shared pools are reset by the session.
func (f *InvertedField) Reset() {
	f.table.Reset()
}
