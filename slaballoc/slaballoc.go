// Package slaballoc implements the sub-page tier of the fixed-buffer
// allocator: fixed-size-class slabs carved out of whole pages borrowed from
// a pagealloc.Allocator, each page tracked by a 64-byte in-band header
// holding a class-list link and a 128-bit occupancy bitmap.
package slaballoc

import (
	"encoding/binary"
	"math/bits"
	"unsafe"

	"fixedarena/list"
	"fixedarena/pagealloc"
	"fixedarena/sink"
)

// slabSizes are the fixed element sizes, in ascending order. A request
// larger than the last class bypasses slabs entirely and goes straight to
// the page allocator.
var slabSizes = [...]uint32{32, 64, 128, 512, 1024}

// headerSize is the fixed in-band region at the start of every slab page:
// next handle (4), prev handle (4), bitmap lo/hi (8+8), element size (4),
// element count (4), class index (4). The remaining bytes up to 64 are
// unused padding, kept to round the header to a tidy power-of-two boundary
// the way the source's page_meta_t does.
const headerSize = 64

const invalidSlab = ^uint32(0)

// Allocator is the slab tier. It owns no bytes of its own — every page it
// manages was carved out of pages, and every header field lives inside
// that borrowed page.
type Allocator struct {
	cfg     sink.Config
	pages   *pagealloc.Allocator
	classes [len(slabSizes)]*list.List
}

// New constructs a slab Allocator over pages, which must already exist
// (Reinit on the returned Allocator also reinitializes pages).
func New(pages *pagealloc.Allocator, cfg sink.Config) *Allocator {
	a := &Allocator{cfg: sink.Normalize(cfg), pages: pages}
	for i := range a.classes {
		a.classes[i] = list.New(a)
	}
	return a
}

// Reinit reinitializes the underlying page allocator and resets every
// class list to empty.
func (a *Allocator) Reinit(buf []byte, zeroFilled bool) error {
	if err := a.pages.Reinit(buf, zeroFilled); err != nil {
		return err
	}
	for i := range a.classes {
		a.classes[i] = list.New(a)
	}
	return nil
}

// list.Accessor over slab page headers: the two link words live at offset
// 0 of the page, exactly as in pagealloc's free-region records, so a slab
// page and a free page share the same link layout convention.

func (a *Allocator) Next(h list.Handle) list.Handle {
	return list.Handle(binary.LittleEndian.Uint32(a.header(h)[0:4]))
}

func (a *Allocator) Prev(h list.Handle) list.Handle {
	return list.Handle(binary.LittleEndian.Uint32(a.header(h)[4:8]))
}

func (a *Allocator) SetNext(h, v list.Handle) {
	binary.LittleEndian.PutUint32(a.header(h)[0:4], uint32(v))
}

func (a *Allocator) SetPrev(h, v list.Handle) {
	binary.LittleEndian.PutUint32(a.header(h)[4:8], uint32(v))
}

func (a *Allocator) header(h list.Handle) []byte {
	return a.pages.PageBytes(h)[:headerSize]
}

func (a *Allocator) bitmap(h list.Handle) (lo, hi uint64) {
	b := a.header(h)
	return binary.LittleEndian.Uint64(b[8:16]), binary.LittleEndian.Uint64(b[16:24])
}

func (a *Allocator) setBitmap(h list.Handle, lo, hi uint64) {
	b := a.header(h)
	binary.LittleEndian.PutUint64(b[8:16], lo)
	binary.LittleEndian.PutUint64(b[16:24], hi)
}

func (a *Allocator) elemSize(h list.Handle) uint32 {
	return binary.LittleEndian.Uint32(a.header(h)[24:28])
}

func (a *Allocator) setElemSize(h list.Handle, v uint32) {
	binary.LittleEndian.PutUint32(a.header(h)[24:28], v)
}

func (a *Allocator) count(h list.Handle) uint32 {
	return binary.LittleEndian.Uint32(a.header(h)[28:32])
}

func (a *Allocator) setCount(h list.Handle, v uint32) {
	binary.LittleEndian.PutUint32(a.header(h)[28:32], v)
}

func (a *Allocator) classIndex(h list.Handle) uint32 {
	return binary.LittleEndian.Uint32(a.header(h)[32:36])
}

func (a *Allocator) setClassIndex(h list.Handle, v uint32) {
	binary.LittleEndian.PutUint32(a.header(h)[32:36], v)
}

func classFor(size int) (int, bool) {
	for i, s := range slabSizes {
		if uint32(size) <= s {
			return i, true
		}
	}
	return 0, false
}

func bitmapSet(lo, hi uint64, idx uint32) (uint64, uint64) {
	if idx < 64 {
		return lo | (uint64(1) << idx), hi
	}
	return lo, hi | (uint64(1) << (idx - 64))
}

func bitmapClear(lo, hi uint64, idx uint32) (uint64, uint64) {
	if idx < 64 {
		return lo &^ (uint64(1) << idx), hi
	}
	return lo, hi &^ (uint64(1) << (idx - 64))
}

func bitmapAllUsed(lo, hi uint64, count uint32) bool {
	return uint32(bits.OnesCount64(lo)+bits.OnesCount64(hi)) == count
}

func bitmapAllCleared(lo, hi uint64) bool {
	return lo == 0 && hi == 0
}

// bitmapNextFree returns the index of the lowest clear bit below count, or
// invalidSlab if every bit below count is set. It mirrors the source's
// __builtin_ctzl-based scan via math/bits.TrailingZeros64.
func bitmapNextFree(lo, hi uint64, count uint32) uint32 {
	idx := invalidSlab
	switch {
	case lo != ^uint64(0):
		idx = uint32(bits.TrailingZeros64(^lo))
	case hi != ^uint64(0):
		idx = 64 + uint32(bits.TrailingZeros64(^hi))
	}
	if idx >= count {
		return invalidSlab
	}
	return idx
}

func (a *Allocator) elementAt(h list.Handle, idx uint32) []byte {
	sz := a.elemSize(h)
	page := a.pages.PageBytes(h)
	off := headerSize + int(idx)*int(sz)
	return page[off : off+int(sz)]
}

// indexOf recovers the element index of ptr within slab page h. Under
// guard mode it validates that ptr actually lies on an element boundary
// within the page's element count.
func (a *Allocator) indexOf(h list.Handle, ptr []byte) uint32 {
	page := a.pages.PageBytes(h)
	sz := uintptr(a.elemSize(h))
	base := uintptr(unsafe.Pointer(&page[headerSize]))
	addr := uintptr(unsafe.Pointer(&ptr[0]))
	off := addr - base
	if a.cfg.Guards {
		if off%sz != 0 {
			a.cfg.Fatal("slaballoc: pointer %#x does not lie on a slab element boundary", addr)
		}
		if uint32(off/sz) >= a.count(h) {
			a.cfg.Fatal("slaballoc: pointer %#x exceeds its slab's element count", addr)
		}
	}
	return uint32(off / sz)
}

// Malloc returns an element sized to fit n bytes. Requests larger than the
// biggest slab class go straight to the underlying page allocator,
// TRANSIENT, matching a bare page_malloc call.
func (a *Allocator) Malloc(n int) []byte {
	idx, ok := classFor(n)
	if !ok {
		return a.lmMalloc(n, pagealloc.Transient)
	}

	cl := a.classes[idx]
	var found list.Handle = list.Nil
	var slot uint32
	cl.Iterate(func(h list.Handle) bool {
		lo, hi := a.bitmap(h)
		free := bitmapNextFree(lo, hi, a.count(h))
		if free == invalidSlab {
			return true
		}
		found, slot = h, free
		return false
	})

	if found == list.Nil {
		return a.newSlab(idx)
	}

	lo, hi := a.bitmap(found)
	lo, hi = bitmapSet(lo, hi, slot)
	a.setBitmap(found, lo, hi)
	if bitmapAllUsed(lo, hi, a.count(found)) {
		cl.Unlink(found)
	}
	return a.elementAt(found, slot)
}

// newSlab acquires a fresh page for class idx, initializes its header, and
// hands back its first element. New slab pages are allocated PERSISTENT:
// they are expected to outlive the short-lived transient churn the page
// allocator's low end absorbs.
func (a *Allocator) newSlab(idx int) []byte {
	page := a.lmMalloc(pagealloc.PageSize, pagealloc.Persistent)
	if page == nil {
		return nil
	}
	h := a.pages.PageHandle(page)
	sz := slabSizes[idx]
	cnt := uint32((pagealloc.PageSize - headerSize) / int(sz))

	a.setBitmap(h, 0, 0)
	a.setElemSize(h, sz)
	a.setCount(h, cnt)
	a.setClassIndex(h, uint32(idx))

	lo, hi := bitmapSet(0, 0, 0)
	a.setBitmap(h, lo, hi)
	a.classes[idx].LinkFront(h)

	return a.elementAt(h, 0)
}

// lmMalloc allocates pages directly, retrying once after reclaiming any
// fully-empty slab pages if the first attempt is exhausted.
func (a *Allocator) lmMalloc(n int, hint pagealloc.Hint) []byte {
	p := a.pages.Malloc(n, hint)
	if p == nil {
		a.freeEmptySlabs()
		p = a.pages.Malloc(n, hint)
	}
	return p
}

// freeEmptySlabs sweeps every class list for pages whose bitmap has gone
// fully clear and returns them to the page allocator.
func (a *Allocator) freeEmptySlabs() {
	for i := range a.classes {
		cl := a.classes[i]
		cl.IterateSafe(func(h list.Handle) bool {
			lo, hi := a.bitmap(h)
			if bitmapAllCleared(lo, hi) {
				cl.Unlink(h)
				a.pages.Free(a.pages.PageBytes(h))
			}
			return true
		})
	}
}

// Free releases ptr. A page-aligned ptr is a bare page allocation and goes
// straight to the page allocator; anything else is a slab element.
func (a *Allocator) Free(ptr []byte) {
	if a.pages.IsPageBase(ptr) {
		a.pages.Free(ptr)
		return
	}
	h := a.pages.PageContaining(ptr)
	idx := a.indexOf(h, ptr)

	lo, hi := a.bitmap(h)
	wasFull := bitmapAllUsed(lo, hi, a.count(h))
	lo, hi = bitmapClear(lo, hi, idx)
	a.setBitmap(h, lo, hi)

	if wasFull {
		ci := a.classIndex(h)
		a.classes[ci].LinkTail(h)
	}
}

// Realloc resizes ptr to hold n bytes. A page-aligned ptr forwards to the
// page allocator's Realloc; a slab element that already fits n is returned
// unchanged (slabs never shrink in place), otherwise a fresh element (or a
// page allocation, if n now exceeds every slab class) is obtained, the old
// contents copied, and ptr freed.
func (a *Allocator) Realloc(ptr []byte, n int) []byte {
	if ptr == nil {
		return a.Malloc(n)
	}
	if a.pages.IsPageBase(ptr) {
		return a.pages.Realloc(ptr, n, pagealloc.Transient)
	}
	h := a.pages.PageContaining(ptr)
	if uint32(n) <= a.elemSize(h) {
		return ptr
	}
	p := a.Malloc(n)
	if p == nil {
		return nil
	}
	copy(p, ptr[:a.elemSize(h)])
	a.Free(ptr)
	return p
}
