package pool

import "fmt"

// IntPool is the integer arena holding fixed-size posting records.
type IntPool struct {
	s slabs[int32]
}

// NewIntPool creates an int arena with slabs of slabSize ints.
func NewIntPool(a *Allocator, slabSize int) *IntPool {
	return &IntPool{s: newSlabs(slabSize, a.takeInts, a.giveInts)}
}

// Alloc reserves n contiguous ints inside one slab and returns their address.
func (p *IntPool) Alloc(n int) int32 {
	if n <= 0 || n > p.s.size {
		panic(fmt.Sprintf("pool: int record of %d does not fit slab of %d", n, p.s.size))
	}
	if p.s.upto+n > p.s.size {
		p.s.next()
	}
	addr := p.s.offset + p.s.upto
	p.s.upto += n
	return int32(addr)
}

// Ints returns a view of n ints starting at addr. The view aliases the slab
// and stays valid until Reset.
func (p *IntPool) Ints(addr int32, n int) []int32 {
	slab, i := p.s.locate(addr)
	return slab[i : i+n : i+n]
}

// Used returns the address one past the last allocated int.
func (p *IntPool) Used() int32 {
	return int32(p.s.used())
}

// SlabSize returns the slab size in ints.
func (p *IntPool) SlabSize() int {
	return p.s.size
}

// Reset hands every slab back to the allocator.
func (p *IntPool) Reset() {
	p.s.reset()
}
