// Package termshash maps term text to postings stored in the slab pools. A
// table never stores pointers into the pools, only offsets, so pools can grow
// and the slot array can be rehashed without touching existing postings.
package termshash

import (
	"bytes"
	"encoding/binary"
	"math/bits"
	"slices"

	"github.com/cespare/xxhash/v2"

	"github.com/Adithya-Monish-Kumar-K/segment-indexer/internal/indexer/pool"
	apperrors "github.com/Adithya-Monish-Kumar-K/segment-indexer/pkg/errors"
)

const emptySlot = -1

// per-term bookkeeping held outside the pools: handle, hash, last doc marker
const entryBytes = 12 + 4 + 4

// Pools are the arenas a table allocates from. Text may be shared with other
// tables; Ints and Bytes belong to the table's consumer kind.
type Pools struct {
	Text  *pool.TextPool
	Ints  *pool.IntPool
	Bytes *pool.BytePool
}

// Options tunes a table.
type Options struct {
	InitialCapacity int
	LoadFactor      float64
	GrowthFactor    int
	MaxTermLength   int
	// Secondary tables never copy text; they are keyed by the text address
	// of a primary table sharing the same text pool.
	Secondary bool
}

// DefaultOptions returns a 16-slot table growing 2x past 70% load.
func DefaultOptions() Options {
	return Options{
		InitialCapacity: 16,
		LoadFactor:      0.7,
		GrowthFactor:    2,
		MaxTermLength:   16383,
	}
}

// Table is an open-addressing hash from term text to posting handle.
type Table struct {
	pools    Pools
	consumer Consumer
	alloc    *pool.Allocator
	opts     Options

	streams    int
	recordSize int

	slots    []int32
	mask     int
	resizeAt int
	initial  int

	handles []Handle
	hashes  []uint32
	lastDoc []int32

	docTerms []TermID
	resizes  int
}

// New creates a table whose postings are interpreted by consumer. Slot and
// handle memory is accounted on alloc.
func New(pools Pools, consumer Consumer, alloc *pool.Allocator, opts Options) *Table {
	def := DefaultOptions()
	if opts.InitialCapacity <= 0 {
		opts.InitialCapacity = def.InitialCapacity
	}
	if opts.LoadFactor <= 0 || opts.LoadFactor >= 1 {
		opts.LoadFactor = def.LoadFactor
	}
	if opts.GrowthFactor < 2 {
		opts.GrowthFactor = def.GrowthFactor
	}
	if opts.MaxTermLength <= 0 {
		opts.MaxTermLength = def.MaxTermLength
	}
	streams := consumer.StreamCount()
	t := &Table{
		pools:      pools,
		consumer:   consumer,
		alloc:      alloc,
		opts:       opts,
		streams:    streams,
		recordSize: max(1, streams+consumer.IntFields()),
		initial:    ceilPow2(opts.InitialCapacity),
	}
	t.setSlots(t.initial)
	return t
}

// Size returns the number of live terms.
func (t *Table) Size() int {
	return len(t.handles)
}

// Capacity returns the slot array length.
func (t *Table) Capacity() int {
	return len(t.slots)
}

// Resizes returns how many times the slot array grew.
func (t *Table) Resizes() int {
	return t.resizes
}

// FindOrCreate returns the handle of text, creating the posting on first
// sight. Identical text always yields the same handle.
func (t *Table) FindOrCreate(text []byte) (Handle, error) {
	id, _, err := t.findOrCreate(text)
	if err != nil {
		return Handle{}, err
	}
	return t.handles[id], nil
}

// Lookup returns the term id of text without creating it.
func (t *Table) Lookup(text []byte) (TermID, bool) {
	if len(text) == 0 || t.opts.Secondary {
		return 0, false
	}
	h := hashText(text)
	id := t.slots[t.probe(h, func(id int32) bool { return t.matchText(id, h, text) })]
	if id == emptySlot {
		return 0, false
	}
	return TermID(id), true
}

// Add records occ against text and returns the term id.
func (t *Table) Add(text []byte, occ Occurrence) (TermID, error) {
	id, _, err := t.findOrCreate(text)
	if err != nil {
		return 0, err
	}
	t.occur(id, occ)
	return id, nil
}

// AddByTextStart records occ against the term stored at textStart in the
// shared text pool. Only secondary tables use it.
func (t *Table) AddByTextStart(textStart int32, occ Occurrence) (TermID, error) {
	if !t.opts.Secondary {
		return 0, apperrors.Newf(apperrors.KindInvalidState, "add by text start", "table owns its text")
	}
	if !t.pools.Text.Valid(textStart) {
		return 0, apperrors.Newf(apperrors.KindCorruptedSession, "add by text start",
			"text address %d outside pool of %d bytes", textStart, t.pools.Text.Used())
	}
	h := hashAddr(textStart)
	pos := t.probe(h, func(id int32) bool { return t.handles[id].TextStart == textStart })
	id := TermID(t.slots[pos])
	if t.slots[pos] == emptySlot {
		id = t.insert(pos, textStart, h)
	}
	t.occur(id, occ)
	return id, nil
}

// FinishDocument closes the current document for every term it touched.
func (t *Table) FinishDocument() {
	for _, id := range t.docTerms {
		t.consumer.FinishDocument(t.posting(id))
	}
	t.docTerms = t.docTerms[:0]
}

// DocTermCount returns how many distinct terms the open document touched.
func (t *Table) DocTermCount() int {
	return len(t.docTerms)
}

// Text returns the bytes of term id.
func (t *Table) Text(id TermID) []byte {
	return t.pools.Text.Bytes(t.handles[id].TextStart)
}

// Handle returns the handle of term id.
func (t *Table) Handle(id TermID) Handle {
	return t.handles[id]
}

// Posting returns the consumer view of term id after checking that its
// handle still points into live pool memory.
func (t *Table) Posting(id TermID) (Posting, error) {
	if id < 0 || int(id) >= len(t.handles) {
		return Posting{}, apperrors.Newf(apperrors.KindCorruptedSession, "posting",
			"term id %d outside table of %d terms", id, len(t.handles))
	}
	h := t.handles[id]
	if !t.pools.Text.Valid(h.TextStart) ||
		h.IntStart < 0 || h.IntStart+int32(t.recordSize) > t.pools.Ints.Used() ||
		(t.streams > 0 && h.ByteStart+int32(t.streams*pool.FirstSliceSize) > t.pools.Bytes.Used()) {
		return Posting{}, apperrors.Newf(apperrors.KindCorruptedSession, "posting",
			"handle %+v of term %d references released pool memory", h, id)
	}
	return t.posting(id), nil
}

// SortedTermIDs returns every live term id ordered by raw term bytes.
func (t *Table) SortedTermIDs() []TermID {
	ids := make([]TermID, len(t.handles))
	for i := range ids {
		ids[i] = TermID(i)
	}
	slices.SortFunc(ids, func(a, b TermID) int {
		return bytes.Compare(t.Text(a), t.Text(b))
	})
	return ids
}

// Reset drops every entry and shrinks the slot array back to its initial
// capacity. The pools are reset by their owner.
func (t *Table) Reset() {
	t.account(-int64(len(t.handles)) * entryBytes)
	t.handles = t.handles[:0]
	t.hashes = t.hashes[:0]
	t.lastDoc = t.lastDoc[:0]
	t.docTerms = t.docTerms[:0]
	if len(t.slots) > t.initial {
		t.account(-int64(len(t.slots)) * 4)
		t.setSlots(t.initial)
		return
	}
	for i := range t.slots {
		t.slots[i] = emptySlot
	}
}

func (t *Table) findOrCreate(text []byte) (TermID, bool, error) {
	if len(text) == 0 {
		return 0, false, apperrors.New(apperrors.KindEmptyTerm, "find term")
	}
	if len(text) > t.opts.MaxTermLength {
		return 0, false, apperrors.Newf(apperrors.KindOversizedTerm, "find term",
			"%d bytes exceeds maximum of %d", len(text), t.opts.MaxTermLength).WithTerm(text)
	}
	if t.opts.Secondary {
		return 0, false, apperrors.Newf(apperrors.KindInvalidState, "find term", "secondary table cannot copy text")
	}
	h := hashText(text)
	pos := t.probe(h, func(id int32) bool { return t.matchText(id, h, text) })
	if id := t.slots[pos]; id != emptySlot {
		return TermID(id), false, nil
	}
	textStart, err := t.pools.Text.Append(text)
	if err != nil {
		return 0, false, err
	}
	return t.insert(pos, textStart, h), true, nil
}

func (t *Table) matchText(id int32, h uint32, text []byte) bool {
	return t.hashes[id] == h && t.pools.Text.Equal(t.handles[id].TextStart, text)
}

// probe walks the slot array with an odd step derived from the hash, which
// visits every slot of a power-of-two table. It returns the slot holding a
// matching id or the first empty slot.
func (t *Table) probe(h uint32, match func(id int32) bool) int {
	pos := int(h) & t.mask
	id := t.slots[pos]
	if id == emptySlot || match(id) {
		return pos
	}
	step := int(((h >> 8) + h) | 1)
	for {
		pos = (pos + step) & t.mask
		id = t.slots[pos]
		if id == emptySlot || match(id) {
			return pos
		}
	}
}

func (t *Table) insert(pos int, textStart int32, h uint32) TermID {
	intStart := t.pools.Ints.Alloc(t.recordSize)
	rec := t.pools.Ints.Ints(intStart, t.recordSize)
	byteStart := int32(-1)
	if t.streams > 0 {
		t.pools.Bytes.EnsureRoom(t.streams * pool.FirstSliceSize)
		for i := 0; i < t.streams; i++ {
			addr := t.pools.Bytes.NewSlice(pool.FirstSliceSize)
			if i == 0 {
				byteStart = addr
			}
			rec[i] = addr
		}
	}

	id := TermID(len(t.handles))
	t.handles = append(t.handles, Handle{TextStart: textStart, IntStart: intStart, ByteStart: byteStart})
	t.hashes = append(t.hashes, h)
	t.lastDoc = append(t.lastDoc, -1)
	t.slots[pos] = int32(id)
	t.account(entryBytes)

	t.consumer.NewPosting(Posting{t: t, id: id, rec: rec})

	if len(t.handles) > t.resizeAt {
		t.grow()
	}
	return id
}

func (t *Table) occur(id TermID, occ Occurrence) {
	if t.lastDoc[id] != occ.DocID {
		t.lastDoc[id] = occ.DocID
		t.docTerms = append(t.docTerms, id)
	}
	t.consumer.AddOccurrence(t.posting(id), occ)
}

func (t *Table) posting(id TermID) Posting {
	return Posting{t: t, id: id, rec: t.pools.Ints.Ints(t.handles[id].IntStart, t.recordSize)}
}

// grow rehashes the slot array from cached hashes; handles are untouched.
func (t *Table) grow() {
	old := len(t.slots)
	t.setSlots(ceilPow2(old * t.opts.GrowthFactor))
	for id, h := range t.hashes {
		pos := t.probe(h, func(int32) bool { return false })
		t.slots[pos] = int32(id)
	}
	t.account(-int64(old) * 4)
	t.resizes++
}

func (t *Table) setSlots(n int) {
	t.slots = make([]int32, n)
	for i := range t.slots {
		t.slots[i] = emptySlot
	}
	t.mask = n - 1
	t.resizeAt = int(float64(n) * t.opts.LoadFactor)
	if t.resizeAt >= n {
		t.resizeAt = n - 1
	}
	t.account(int64(n) * 4)
}

func (t *Table) account(delta int64) {
	if t.alloc != nil {
		t.alloc.Account(delta)
	}
}

func hashText(text []byte) uint32 {
	h := xxhash.Sum64(text)
	return uint32(h) ^ uint32(h>>32)
}

func hashAddr(addr int32) uint32 {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(addr))
	h := xxhash.Sum64(b[:])
	return uint32(h) ^ uint32(h>>32)
}

func ceilPow2(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(n-1))
}
