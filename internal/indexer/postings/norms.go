package postings

import (
	"fmt"
	"math"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/Adithya-Monish-Kumar-K/segment-indexer/internal/indexer/pool"
)

// Similarity supplies the length normalisation factor of a field.
type Similarity interface {
	LengthNorm(field string, numTokens int) float32
}

// DefaultSimilarity normalises by 1/sqrt(numTokens). A field without tokens
// gets 1.
type DefaultSimilarity struct{}

func (DefaultSimilarity) LengthNorm(_ string, numTokens int) float32 {
	if numTokens <= 0 {
		return 1
	}
	return float32(1 / math.Sqrt(float64(numTokens)))
}

// NormEncoder maps a norm (boost * length norm) to its stored byte.
type NormEncoder func(norm float32) byte

// LinearNormEncoder clamps norm to [0, 1] and quantises it to 256 levels.
func LinearNormEncoder(norm float32) byte {
	switch {
	case norm <= 0 || math.IsNaN(float64(norm)):
		return 0
	case norm >= 1:
		return 255
	}
	return byte(math.Round(float64(norm) * 255))
}

// NormsField accumulates one norm byte per document containing the field.
// Documents are tracked in a roaring bitmap; norms[i] belongs to the i-th
// document of the bitmap.
type NormsField struct {
	name    string
	sim     Similarity
	encode  NormEncoder
	alloc   *pool.Allocator
	docs    *roaring.Bitmap
	norms   []byte
	docID   int32
	boost   float32
	tokens  int
	started bool
}

// NewNormsField creates the norms accumulator of field name. Nil sim or
// encode select DefaultSimilarity and LinearNormEncoder.
func NewNormsField(name string, sim Similarity, encode NormEncoder, alloc *pool.Allocator) *NormsField {
	if sim == nil {
		sim = DefaultSimilarity{}
	}
	if encode == nil {
		encode = LinearNormEncoder
	}
	return &NormsField{
		name:   name,
		sim:    sim,
		encode: encode,
		alloc:  alloc,
		docs:   roaring.New(),
	}
}

func (f *NormsField) StartDocument(docID int32, boost float32) {
	f.docID = docID
	f.boost = boost
	f.tokens = 0
	f.started = true
}

func (f *NormsField) Add(*Token) error {
	f.tokens++
	return nil
}

func (f *NormsField) FinishDocument(Writer) error {
	if !f.started {
		return nil
	}
	f.started = false
	if f.docs.Contains(uint32(f.docID)) {
		return fmt.Errorf("norms of field %s: document %d finished twice", f.name, f.docID)
	}
	norm := f.boost * f.sim.LengthNorm(f.name, f.tokens)
	f.docs.Add(uint32(f.docID))
	f.norms = append(f.norms, f.encode(norm))
	f.account(1)
	return nil
}

// Flush writes the norms of every document that had the field.
func (f *NormsField) Flush(w Writer) error {
	if f.docs.IsEmpty() {
		return nil
	}
	if err := w.WriteNorms(f.name, f.docs, f.norms); err != nil {
		return fmt.Errorf("writing norms of field %s: %w", f.name, err)
	}
	return nil
}

func (f *NormsField) Reset() {
	f.account(-int64(len(f.norms)))
	f.docs.Clear()
	f.norms = f.norms[:0]
	f.started = false
}

// DocCount returns how many documents carried the field since the last reset.
func (f *NormsField) DocCount() int {
	return int(f.docs.GetCardinality())
}

// Tokens returns the number of tokens counted for the open document.
func (f *NormsField) Tokens() int {
	return f.tokens
}

func (f *NormsField) account(delta int64) {
	if f.alloc != nil {
		f.alloc.Account(delta)
	}
}
