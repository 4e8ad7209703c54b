package pool

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/Adithya-Monish-Kumar-K/segment-indexer/pkg/errors"
)

func TestIntPool_AddressesStayValidAcrossGrowth(t *testing.T) {
	a := NewAllocator(0)
	p := NewIntPool(a, 16)

	addrs := make([]int32, 0, 100)
	for i := 0; i < 100; i++ {
		addr := p.Alloc(3)
		rec := p.Ints(addr, 3)
		rec[0], rec[1], rec[2] = int32(i), int32(i*2), int32(i*3)
		addrs = append(addrs, addr)
	}

	for i, addr := range addrs {
		rec := p.Ints(addr, 3)
		assert.Equal(t, []int32{int32(i), int32(i * 2), int32(i * 3)}, rec, "record %d", i)
	}
	assert.Greater(t, a.Stats().IntSlabs, 1)
}

func TestIntPool_RecordNeverSplitsSlab(t *testing.T) {
	p := NewIntPool(NewAllocator(0), 16)
	require.Equal(t, 16, p.SlabSize())
	for i := 0; i < 50; i++ {
		addr := p.Alloc(5)
		assert.LessOrEqual(t, int(addr)%p.SlabSize()+5, p.SlabSize(), "record at %d crosses a slab", addr)
	}
}

func TestBytePool_InterleavedStreamsRoundTrip(t *testing.T) {
	p := NewBytePool(NewAllocator(0), 256)

	const streams = 4
	starts := make([]int32, streams)
	cursors := make([]int32, streams)
	for i := range starts {
		starts[i] = p.NewSlice(FirstSliceSize)
		cursors[i] = starts[i]
	}

	want := make([][]int32, streams)
	for n := 0; n < 500; n++ {
		s := n % streams
		v := int32(n * 37 * (s + 1))
		p.WriteVInt(&cursors[s], v)
		want[s] = append(want[s], v)
	}

	for s := 0; s < streams; s++ {
		r := NewSliceReader(p, starts[s], cursors[s])
		for i, v := range want[s] {
			got, err := r.ReadVInt()
			require.NoError(t, err, "stream %d value %d", s, i)
			assert.Equal(t, v, got)
		}
		assert.True(t, r.EOF())
		_, err := r.ReadByte()
		assert.ErrorIs(t, err, io.EOF)
	}
}

func TestBytePool_ZeroBytesAndPayloads(t *testing.T) {
	p := NewBytePool(NewAllocator(0), 1024)
	start := p.NewSlice(FirstSliceSize)
	cursor := start

	payload := make([]byte, 300)
	for i := range payload {
		payload[i] = byte(i % 7)
	}
	p.WriteVInt(&cursor, int32(len(payload)))
	p.WriteBytes(&cursor, payload)

	r := NewSliceReader(p, start, cursor)
	n, err := r.ReadVInt()
	require.NoError(t, err)
	got := make([]byte, n)
	require.NoError(t, r.ReadBytes(got))
	assert.Equal(t, payload, got)
	assert.True(t, r.EOF())
}

func TestBytePool_EmptyStream(t *testing.T) {
	p := NewBytePool(NewAllocator(0), 256)
	start := p.NewSlice(FirstSliceSize)
	r := NewSliceReader(p, start, start)
	assert.True(t, r.EOF())
}

func TestBytePool_EnsureRoomKeepsSlicesContiguous(t *testing.T) {
	p := NewBytePool(NewAllocator(0), 256)
	for i := 0; i < 200; i++ {
		p.EnsureRoom(2 * FirstSliceSize)
		first := p.NewSlice(FirstSliceSize)
		second := p.NewSlice(FirstSliceSize)
		require.Equal(t, first+FirstSliceSize, second)
	}
}

func TestTextPool_AppendAndRead(t *testing.T) {
	p := NewTextPool(NewAllocator(0), 64)

	terms := make([]string, 0, 40)
	addrs := make([]int32, 0, 40)
	for i := 0; i < 40; i++ {
		term := fmt.Sprintf("term-%02d", i)
		addr, err := p.Append([]byte(term))
		require.NoError(t, err)
		terms = append(terms, term)
		addrs = append(addrs, addr)
	}

	for i, addr := range addrs {
		assert.Equal(t, terms[i], string(p.Bytes(addr)))
		assert.True(t, p.Equal(addr, []byte(terms[i])))
		assert.True(t, p.Valid(addr))
	}
	assert.Negative(t, p.Compare(addrs[0], addrs[1]))
	assert.False(t, p.Valid(p.Used()))
}

func TestTextPool_RejectsTextLargerThanSlab(t *testing.T) {
	p := NewTextPool(NewAllocator(0), 64)
	_, err := p.Append(make([]byte, 63))
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrOversizedTerm))

	_, err = p.Append(make([]byte, 62))
	assert.NoError(t, err)
}

func TestAllocator_BudgetSignalsExhaustion(t *testing.T) {
	a := NewAllocator(1024)
	p := NewBytePool(a, 512)

	p.NewSlice(FirstSliceSize)
	assert.NoError(t, a.Err())

	p.EnsureRoom(512)
	p.NewSlice(FirstSliceSize)
	p.EnsureRoom(512)
	p.NewSlice(FirstSliceSize)

	err := a.Err()
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrResourceExhausted)
	assert.Equal(t, apperrors.KindResourceExhausted, apperrors.KindOf(err))
}

func TestAllocator_ResetRecyclesZeroedSlabs(t *testing.T) {
	a := NewAllocator(1 << 20)
	p := NewBytePool(a, 256)

	start := p.NewSlice(FirstSliceSize)
	cursor := start
	for i := 0; i < 1000; i++ {
		p.WriteByte(&cursor, 0xAB)
	}
	used := a.Stats().BytesUsed
	require.Positive(t, used)

	p.Reset()
	stats := a.Stats()
	assert.Zero(t, stats.BytesUsed)
	assert.Equal(t, used, stats.BytesRetained)
	assert.Zero(t, stats.ByteSlabs)

	start = p.NewSlice(FirstSliceSize)
	assert.Equal(t, int32(0), start)
	assert.Less(t, a.Stats().BytesRetained, used)
	slab, _ := p.s.locate(start)
	for i := FirstSliceSize; i < len(slab); i++ {
		require.Zero(t, slab[i], "recycled slab not zeroed at %d", i)
	}

	assert.Positive(t, a.Trim())
	assert.Zero(t, a.Stats().BytesRetained)
}

func TestAllocator_AccountCountsTowardsBudget(t *testing.T) {
	a := NewAllocator(100)
	a.Account(101)
	assert.True(t, a.Exhausted())
	a.Account(-50)
	assert.False(t, a.Exhausted())
}
