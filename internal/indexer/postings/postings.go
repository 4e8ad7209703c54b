// Package postings turns term occurrences into per-field posting data: the
// inverted doc/freq/position streams, per-document term vectors and length
// norms. Every field of a session owns one consumer per enabled variant.
package postings

import (
	"github.com/RoaringBitmap/roaring/v2"

	"github.com/Adithya-Monish-Kumar-K/segment-indexer/internal/indexer/termshash"
)

// Token is one accepted token routed through a field's consumers. The primary
// (inverted) consumer resolves the term and fills TextStart for the consumers
// that follow it.
type Token struct {
	Text      []byte
	TextStart int32
	termshash.Occurrence
}

// Position is one occurrence of a term inside a document.
type Position struct {
	Position int32  `json:"p"`
	Payload  []byte `json:"pl,omitempty"`
}

// DocPostings lists the occurrences of a term in one document.
type DocPostings struct {
	DocID     int32      `json:"d"`
	Freq      int32      `json:"f"`
	Positions []Position `json:"pos,omitempty"`
}

// TermPostings is the full posting list of one term in one field.
type TermPostings struct {
	Field string
	Term  []byte
	Docs  []DocPostings
}

// Offset is the byte span of one occurrence in the source text.
type Offset struct {
	Start int32 `json:"s"`
	End   int32 `json:"e"`
}

// VectorTerm is one term of a document's term vector.
type VectorTerm struct {
	Term      []byte   `json:"t"`
	Freq      int32    `json:"f"`
	Positions []int32  `json:"pos,omitempty"`
	Offsets   []Offset `json:"off,omitempty"`
}

// Writer receives flushed data. Terms of one field arrive in ascending
// byte-wise order; byte slices are only valid for the duration of the call.
type Writer interface {
	WriteTerm(tp TermPostings) error
	WriteVectors(docID int32, field string, terms []VectorTerm) error
	WriteNorms(field string, docs *roaring.Bitmap, norms []byte) error
}

// FieldConsumer is the session-facing side of a posting variant.
type FieldConsumer interface {
	// StartDocument opens docID for this field; boost is the field boost.
	StartDocument(docID int32, boost float32)
	// Add consumes one accepted token. A recoverable error means the token
	// must be skipped by every consumer of the field.
	Add(tok *Token) error
	FinishDocument(w Writer) error
	Flush(w Writer) error
	Reset()
}
