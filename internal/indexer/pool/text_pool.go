package pool

import (
	"bytes"
	"encoding/binary"

	apperrors "github.com/Adithya-Monish-Kumar-K/segment-indexer/pkg/errors"
)

const textHeader = 2

// TextPool stores term text. Each entry is a 2-byte big-endian length followed
// by the raw term bytes, never split across slabs. Several term tables may
// share one TextPool and refer to the same entry by its address.
type TextPool struct {
	s slabs[byte]
}

// NewTextPool creates a text arena with slabs of slabSize bytes.
func NewTextPool(a *Allocator, slabSize int) *TextPool {
	return &TextPool{s: newSlabs(slabSize, a.takeBytes, a.giveBytes)}
}

// MaxTextLength is the longest text a single entry can hold.
func (p *TextPool) MaxTextLength() int {
	return min(p.s.size-textHeader, 0xFFFF)
}

// Append copies text into the pool and returns the entry address.
func (p *TextPool) Append(text []byte) (int32, error) {
	if len(text) > p.MaxTextLength() {
		return 0, apperrors.Newf(apperrors.KindOversizedTerm, "append text",
			"%d bytes exceeds text slab capacity %d", len(text), p.MaxTextLength())
	}
	need := len(text) + textHeader
	if p.s.upto+need > p.s.size {
		p.s.next()
	}
	start := p.s.upto
	binary.BigEndian.PutUint16(p.s.buffer[start:], uint16(len(text)))
	copy(p.s.buffer[start+textHeader:], text)
	p.s.upto += need
	return int32(p.s.offset + start), nil
}

// Bytes returns the text stored at addr. The slice aliases the slab.
func (p *TextPool) Bytes(addr int32) []byte {
	slab, i := p.s.locate(addr)
	n := int(binary.BigEndian.Uint16(slab[i:]))
	return slab[i+textHeader : i+textHeader+n : i+textHeader+n]
}

// Equal reports whether the entry at addr holds exactly text.
func (p *TextPool) Equal(addr int32, text []byte) bool {
	return bytes.Equal(p.Bytes(addr), text)
}

// Compare orders two entries byte-wise.
func (p *TextPool) Compare(a, b int32) int {
	return bytes.Compare(p.Bytes(a), p.Bytes(b))
}

// Valid reports whether addr points inside the allocated region.
func (p *TextPool) Valid(addr int32) bool {
	return addr >= 0 && int(addr)+textHeader <= p.s.used()
}

// Used returns the address one past the last stored byte.
func (p *TextPool) Used() int32 {
	return int32(p.s.used())
}

// Reset hands every slab back to the allocator.
func (p *TextPool) Reset() {
	p.s.reset()
}
