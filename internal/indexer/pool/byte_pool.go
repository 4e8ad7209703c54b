package pool

import (
	"encoding/binary"
)

// Byte streams are written into chained slices of increasing size. The last
// byte of every slice is a non-zero level marker (16|level); a writer that
// reaches it allocates the next-level slice, moves the slice's last three data
// bytes there and overwrites the tail with a 4-byte forwarding address. Slabs
// must therefore start zeroed.
var (
	levelSizes = [...]int{5, 14, 20, 30, 40, 40, 80, 80, 120, 200}
	nextLevel  = [...]int{1, 2, 3, 4, 5, 6, 7, 8, 9, 9}
)

// FirstSliceSize is the size of the first slice of every stream.
const FirstSliceSize = 5

const levelMarker = 16

// BytePool is the byte arena holding the appended posting streams.
type BytePool struct {
	s slabs[byte]
}

// NewBytePool creates a byte arena with slabs of slabSize bytes.
func NewBytePool(a *Allocator, slabSize int) *BytePool {
	if slabSize < levelSizes[len(levelSizes)-1] {
		panic("pool: byte slab smaller than the largest slice level")
	}
	return &BytePool{s: newSlabs(slabSize, a.takeBytes, a.giveBytes)}
}

// EnsureRoom moves to a fresh slab unless n bytes fit in the current one, so
// that the next n bytes of slices are contiguous.
func (p *BytePool) EnsureRoom(n int) {
	if p.s.upto > p.s.size-n {
		p.s.next()
	}
}

// NewSlice allocates a first-level style slice of size bytes and returns its
// address.
func (p *BytePool) NewSlice(size int) int32 {
	p.EnsureRoom(size)
	start := p.s.upto
	p.s.upto += size
	p.s.buffer[p.s.upto-1] = levelMarker
	return int32(p.s.offset + start)
}

// AllocSlice continues the slice whose level marker sits at slab[upto]. It
// returns the address where writing resumes.
func (p *BytePool) AllocSlice(slab []byte, upto int) int32 {
	level := slab[upto] & 15
	newLevel := nextLevel[level]
	newSize := levelSizes[newLevel]

	p.EnsureRoom(newSize)
	newUpto := p.s.upto
	addr := p.s.offset + newUpto
	p.s.upto += newSize

	copy(p.s.buffer[newUpto:newUpto+3], slab[upto-3:upto])
	binary.BigEndian.PutUint32(slab[upto-3:upto+1], uint32(addr))
	p.s.buffer[p.s.upto-1] = byte(levelMarker | newLevel)

	return int32(addr + 3)
}

// WriteByte appends b to the stream whose write address is *addr and advances
// the address.
func (p *BytePool) WriteByte(addr *int32, b byte) {
	slab, i := p.s.locate(*addr)
	if slab[i] != 0 {
		*addr = p.AllocSlice(slab, i)
		slab, i = p.s.locate(*addr)
	}
	slab[i] = b
	*addr++
}

// WriteBytes appends b to the stream at *addr.
func (p *BytePool) WriteBytes(addr *int32, b []byte) {
	for _, c := range b {
		p.WriteByte(addr, c)
	}
}

// WriteVInt appends v as a variable-length unsigned int (7 bits per byte,
// low bits first).
func (p *BytePool) WriteVInt(addr *int32, v int32) {
	u := uint32(v)
	for u >= 0x80 {
		p.WriteByte(addr, byte(u)|0x80)
		u >>= 7
	}
	p.WriteByte(addr, byte(u))
}

// Used returns the address one past the last allocated byte.
func (p *BytePool) Used() int32 {
	return int32(p.s.used())
}

// Reset hands every slab back to the allocator zeroed.
func (p *BytePool) Reset() {
	p.s.reset()
}
