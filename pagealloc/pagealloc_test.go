package pagealloc

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fixedarena/sink"
)

func newBuf(pages int) []byte {
	// Over-allocate and slice to a page boundary so the test buffer's
	// base address satisfies Reinit's alignment requirement regardless
	// of where the Go runtime happens to place it.
	raw := make([]byte, pages*PageSize+PageSize)
	off := 0
	for (uintptr(unsafe.Pointer(&raw[off])) % PageSize) != 0 {
		off++
	}
	return raw[off : off+pages*PageSize]
}

func newAllocator(t *testing.T, pages int) *Allocator {
	t.Helper()
	a := New(sink.Config{Guards: true})
	require.NoError(t, a.Reinit(newBuf(pages), false))
	return a
}

func TestReinitRejectsBadSizes(t *testing.T) {
	a := New(sink.Config{})
	assert.ErrorIs(t, a.Reinit(newBuf(1), false), ErrBadSize)
	assert.ErrorIs(t, a.Reinit(newBuf(31), false), ErrBadSize)
}

func TestReinitMetadataSizing(t *testing.T) {
	// 32 pages = 128KiB, the minimum buffer size: one metadata page
	// suffices (32 <= 4096).
	a := newAllocator(t, 32)
	assert.EqualValues(t, 1, a.metaPages)
	assert.EqualValues(t, 31, a.UsablePages())
}

func TestMallocReturnsExactPageMultiple(t *testing.T) {
	a := newAllocator(t, 64)
	p := a.Malloc(1, Transient)
	require.NotNil(t, p)
	assert.Len(t, p, PageSize)

	p2 := a.Malloc(PageSize+1, Transient)
	require.NotNil(t, p2)
	assert.Len(t, p2, 2*PageSize)
}

func TestTransientAndPersistentAllocateFromOppositeEnds(t *testing.T) {
	a := newAllocator(t, 64)
	low := a.Malloc(PageSize, Transient)
	high := a.Malloc(PageSize, Persistent)
	require.NotNil(t, low)
	require.NotNil(t, high)
	assert.Less(t, a.ptrToPage(low), a.ptrToPage(high))
}

func TestFreedRegionIsNotReusedBeforeFlush(t *testing.T) {
	a := newAllocator(t, 64)
	p := a.Malloc(3*PageSize, Transient)
	require.NotNil(t, p)
	page := a.ptrToPage(p)

	a.Free(p)
	// Still pending, not yet visible in the free list as a merged region.
	require.False(t, a.pending.Empty())

	// The free list still holds the pages after the freed run, so the next
	// search succeeds there without flushing the pending free.
	p2 := a.Malloc(3*PageSize, Transient)
	require.NotNil(t, p2)
	assert.Equal(t, page+3, a.ptrToPage(p2))
}

func TestExhaustionFlushesPendingAndRetries(t *testing.T) {
	a := newAllocator(t, 32)
	n := int(a.UsablePages())

	p1 := a.Malloc(n*PageSize, Transient)
	require.NotNil(t, p1)
	require.Nil(t, a.Malloc(PageSize, Transient))

	a.Free(p1)
	// Exhausted again immediately; the free is still only pending.
	p2 := a.Malloc(n*PageSize, Transient)
	require.NotNil(t, p2)
	assert.Equal(t, a.ptrToPage(p1), a.ptrToPage(p2))
}

func TestCoalescesAdjacentFreedRegions(t *testing.T) {
	a := newAllocator(t, 64)
	n := int(a.UsablePages())

	a1 := a.Malloc(PageSize, Transient)
	a2 := a.Malloc(PageSize, Transient)
	a3 := a.Malloc(PageSize, Transient)
	require.NotNil(t, a1)
	require.NotNil(t, a2)
	require.NotNil(t, a3)

	a.Free(a1)
	a.Free(a2)
	a.Free(a3)

	// Forcing exhaustion flushes and coalesces pending frees, after which
	// the three one-page regions plus whatever remained free should have
	// re-merged into a single region spanning all usable pages.
	big := a.Malloc(n*PageSize, Transient)
	require.NotNil(t, big)
	assert.Equal(t, uint32(n), uint32(len(big)/PageSize))
}

func TestReallocGrowsInPlaceWhenNextPagesFree(t *testing.T) {
	a := newAllocator(t, 64)
	p := a.Malloc(PageSize, Transient)
	require.NotNil(t, p)
	page := a.ptrToPage(p)

	grown := a.Realloc(p, 3*PageSize, Transient)
	require.NotNil(t, grown)
	assert.Equal(t, page, a.ptrToPage(grown))
	assert.Len(t, grown, 3*PageSize)
}

func TestReallocFallsBackToCopyWhenBlocked(t *testing.T) {
	a := newAllocator(t, 64)
	p := a.Malloc(PageSize, Transient)
	require.NotNil(t, p)
	blocker := a.Malloc(PageSize, Transient) // occupies the page right after p
	require.NotNil(t, blocker)
	for i := range p {
		p[i] = 0xAB
	}

	grown := a.Realloc(p, 2*PageSize, Transient)
	require.NotNil(t, grown)
	assert.Len(t, grown, 2*PageSize)
	for i := 0; i < PageSize; i++ {
		assert.Equal(t, byte(0xAB), grown[i])
	}
}

func TestReallocShrinkIsNoop(t *testing.T) {
	a := newAllocator(t, 64)
	p := a.Malloc(3*PageSize, Transient)
	require.NotNil(t, p)
	same := a.Realloc(p, PageSize, Transient)
	assert.Equal(t, uintptr(unsafe.Pointer(&p[0])), uintptr(unsafe.Pointer(&same[0])))
}

func TestRunLengthEncodingOverflow(t *testing.T) {
	a := newAllocator(t, 2048) // 8MiB, comfortably more than 255 pages usable
	p := a.Malloc(300*PageSize, Transient)
	require.NotNil(t, p)
	page := a.ptrToPage(p)
	assert.EqualValues(t, runOverflow, a.buf[page])
	assert.EqualValues(t, 300, a.decodeRun(page))
}
