// Package pool implements the slab arenas backing the in-memory index. Every
// arena is an ordered list of fixed-size slabs addressed by a global int32
// offset (slab index * slab size + offset in slab). Slabs are only appended or
// released wholesale, so an offset stays valid until the owning pool is reset.
package pool

import (
	"math"

	apperrors "github.com/Adithya-Monish-Kumar-K/segment-indexer/pkg/errors"
)

// Stats is a point-in-time view of an Allocator.
type Stats struct {
	BytesUsed     int64
	BytesRetained int64
	Budget        int64
	ByteSlabs     int
	IntSlabs      int
}

// Allocator hands slabs to the pools of one indexing session and tracks how
// much memory the session holds. Slabs released by a pool reset are zeroed
// and kept on a free list for the next flush cycle.
//
// Going over budget never fails an allocation. Err reports the condition and
// the session decides when to flush.
type Allocator struct {
	budget      int64
	retainLimit int64

	used     int64
	retained int64

	byteSlabs int
	intSlabs  int

	freeBytes map[int][][]byte
	freeInts  map[int][][]int32
}

// NewAllocator creates an allocator that reports exhaustion once more than
// budget bytes are in use. A budget <= 0 disables the check.
func NewAllocator(budget int64) *Allocator {
	retain := budget
	if retain <= 0 {
		retain = math.MaxInt64
	}
	return &Allocator{
		budget:      budget,
		retainLimit: retain,
		freeBytes:   make(map[int][][]byte),
		freeInts:    make(map[int][][]int32),
	}
}

// Account adds delta bytes of memory held outside the pools (hash slots,
// handle arrays, norm buffers) to the session total.
func (a *Allocator) Account(delta int64) {
	a.used += delta
}

// Exhausted reports whether the session holds more than its budget.
func (a *Allocator) Exhausted() bool {
	return a.budget > 0 && a.used > a.budget
}

// Err returns a ResourceExhausted error when the budget is exceeded.
func (a *Allocator) Err() error {
	if !a.Exhausted() {
		return nil
	}
	return apperrors.Newf(apperrors.KindResourceExhausted, "allocate",
		"%d bytes in use exceeds budget of %d", a.used, a.budget)
}

// Stats returns the current accounting.
func (a *Allocator) Stats() Stats {
	return Stats{
		BytesUsed:     a.used,
		BytesRetained: a.retained,
		Budget:        a.budget,
		ByteSlabs:     a.byteSlabs,
		IntSlabs:      a.intSlabs,
	}
}

// Trim drops every retained slab and returns how many were released.
func (a *Allocator) Trim() int {
	released := 0
	for size, free := range a.freeBytes {
		released += len(free)
		delete(a.freeBytes, size)
	}
	for size, free := range a.freeInts {
		released += len(free)
		delete(a.freeInts, size)
	}
	a.retained = 0
	return released
}

func (a *Allocator) takeBytes(size int) []byte {
	a.used += int64(size)
	a.byteSlabs++
	if free := a.freeBytes[size]; len(free) > 0 {
		b := free[len(free)-1]
		a.freeBytes[size] = free[:len(free)-1]
		a.retained -= int64(size)
		return b
	}
	return make([]byte, size)
}

func (a *Allocator) giveBytes(slabs [][]byte) {
	for _, b := range slabs {
		size := len(b)
		a.used -= int64(size)
		a.byteSlabs--
		if a.retained+int64(size) > a.retainLimit {
			continue
		}
		clear(b)
		a.freeBytes[size] = append(a.freeBytes[size], b)
		a.retained += int64(size)
	}
}

func (a *Allocator) takeInts(size int) []int32 {
	a.used += int64(size) * 4
	a.intSlabs++
	if free := a.freeInts[size]; len(free) > 0 {
		b := free[len(free)-1]
		a.freeInts[size] = free[:len(free)-1]
		a.retained -= int64(size) * 4
		return b
	}
	return make([]int32, size)
}

func (a *Allocator) giveInts(slabs [][]int32) {
	for _, b := range slabs {
		bytes := int64(len(b)) * 4
		a.used -= bytes
		a.intSlabs--
		if a.retained+bytes > a.retainLimit {
			continue
		}
		clear(b)
		a.freeInts[len(b)] = append(a.freeInts[len(b)], b)
		a.retained += bytes
	}
}
