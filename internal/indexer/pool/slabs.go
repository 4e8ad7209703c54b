package pool

import (
	"fmt"
	"math"
	"math/bits"

	apperrors "github.com/Adithya-Monish-Kumar-K/segment-indexer/pkg/errors"
)

// slabs is the slab list shared by the typed pools. upto is the cursor in the
// current slab and offset the global address of the current slab's first
// element. A fresh or reset list has no current slab: upto == size forces the
// first allocation to fetch one.
type slabs[T byte | int32] struct {
	buffers [][]T
	buffer  []T
	upto    int
	offset  int

	size  int
	shift uint
	mask  int

	take func(size int) []T
	give func(slabs [][]T)
}

func newSlabs[T byte | int32](size int, take func(int) []T, give func([][]T)) slabs[T] {
	if size <= 0 || bits.OnesCount(uint(size)) != 1 {
		panic(fmt.Sprintf("pool: slab size must be a power of two, got %d", size))
	}
	return slabs[T]{
		upto:   size,
		offset: -size,
		size:   size,
		shift:  uint(bits.TrailingZeros(uint(size))),
		mask:   size - 1,
		take:   take,
		give:   give,
	}
}

// next switches to a new slab. Addresses must stay representable as int32;
// running past that is an unrecoverable exhaustion of the session.
func (s *slabs[T]) next() {
	if int64(len(s.buffers)+1)*int64(s.size) > math.MaxInt32 {
		panic(apperrors.Newf(apperrors.KindResourceExhausted, "next slab",
			"pool address space exhausted after %d slabs", len(s.buffers)))
	}
	b := s.take(s.size)
	s.buffers = append(s.buffers, b)
	s.buffer = b
	s.upto = 0
	s.offset = (len(s.buffers) - 1) * s.size
}

// used is the global address one past the last allocated element.
func (s *slabs[T]) used() int {
	if s.buffer == nil {
		return 0
	}
	return s.offset + s.upto
}

func (s *slabs[T]) locate(addr int32) ([]T, int) {
	return s.buffers[int(addr)>>s.shift], int(addr) & s.mask
}

func (s *slabs[T]) reset() {
	if len(s.buffers) > 0 {
		s.give(s.buffers)
	}
	s.buffers = nil
	s.buffer = nil
	s.upto = s.size
	s.offset = -s.size
}
