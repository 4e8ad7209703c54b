package pool

import (
	"encoding/binary"
	"fmt"
	"io"
)

// SliceReader reads back one stream written through BytePool.WriteByte, from
// its start address up to (excluding) its current write address.
type SliceReader struct {
	pool         *BytePool
	buffer       []byte
	upto         int
	limit        int
	level        int
	bufferOffset int
	end          int
}

// NewSliceReader returns a reader positioned at start.
func NewSliceReader(p *BytePool, start, end int32) *SliceReader {
	r := &SliceReader{}
	r.Init(p, start, end)
	return r
}

// Init repositions the reader on another stream.
func (r *SliceReader) Init(p *BytePool, start, end int32) {
	r.pool = p
	r.end = int(end)
	r.level = 0

	slab := int(start) >> p.s.shift
	r.bufferOffset = slab * p.s.size
	r.buffer = p.s.buffers[slab]
	r.upto = int(start) & p.s.mask

	if int(start)+levelSizes[0] >= r.end {
		r.limit = r.end - r.bufferOffset
	} else {
		r.limit = r.upto + levelSizes[0] - 4
	}
}

// EOF reports whether every written byte has been consumed.
func (r *SliceReader) EOF() bool {
	return r.upto+r.bufferOffset == r.end
}

// ReadByte implements io.ByteReader.
func (r *SliceReader) ReadByte() (byte, error) {
	if r.EOF() {
		return 0, io.EOF
	}
	if r.upto == r.limit {
		r.nextSlice()
	}
	b := r.buffer[r.upto]
	r.upto++
	return b, nil
}

// ReadVInt decodes a value written by BytePool.WriteVInt.
func (r *SliceReader) ReadVInt() (int32, error) {
	v, err := binary.ReadUvarint(r)
	if err != nil {
		return 0, err
	}
	if v > 0xFFFFFFFF {
		return 0, fmt.Errorf("vint overflows 32 bits: %d", v)
	}
	return int32(uint32(v)), nil
}

// ReadBytes fills dst from the stream.
func (r *SliceReader) ReadBytes(dst []byte) error {
	for i := range dst {
		b, err := r.ReadByte()
		if err != nil {
			return err
		}
		dst[i] = b
	}
	return nil
}

func (r *SliceReader) nextSlice() {
	next := int(binary.BigEndian.Uint32(r.buffer[r.limit : r.limit+4]))
	r.level = nextLevel[r.level]
	size := levelSizes[r.level]

	slab := next >> r.pool.s.shift
	r.bufferOffset = slab * r.pool.s.size
	r.buffer = r.pool.s.buffers[slab]
	r.upto = next & r.pool.s.mask

	if next+size >= r.end {
		r.limit = r.end - r.bufferOffset
	} else {
		r.limit = r.upto + size - 4
	}
}
