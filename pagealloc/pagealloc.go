// Package pagealloc implements the page-granular tier of the fixed-buffer
// allocator: dual-end (TRANSIENT/PERSISTENT) page allocation over a
// caller-supplied byte buffer, with in-band free-region records and
// deferred, lazily-coalesced frees.
//
// Every allocation and free record lives inside the very buffer bytes it
// describes rather than on the Go heap — the buffer may be an mmap'd region
// with no relationship to the garbage collector, so nothing here may hold a
// real pointer into it across a call boundary. Page indices (list.Handle)
// stand in for pointers throughout.
package pagealloc

import (
	"encoding/binary"
	"errors"
	"unsafe"

	"fixedarena/list"
	"fixedarena/sink"
)

// PageSize is the fixed page granularity in bytes.
const PageSize = 4096

// Hint selects which end of the free-page space an allocation is carved
// from. TRANSIENT allocations grow from the low end; PERSISTENT allocations
// grow from the high end, so short-lived and long-lived data naturally
// avoid fragmenting the same region.
type Hint int

const (
	Transient Hint = iota + 1
	Persistent
)

const (
	minBufferSize = 128 * 1024
	maxBufferSize = 4 * 1024 * 1024 * 1024

	// recordSize is the on-disk layout of a free-region record: next
	// handle, prev handle, start page, page count, all little-endian
	// uint32s, living at offset 0 of the record's first page.
	recordSize = 16

	runOverflow = 0xFF
)

var (
	// ErrMisalignedBuffer is returned by Reinit when the buffer's backing
	// array does not begin on a page boundary.
	ErrMisalignedBuffer = errors.New("pagealloc: buffer base address is not page-aligned")
	// ErrBadSize is returned by Reinit when the buffer length is not a
	// page multiple within [128KiB, 4GiB].
	ErrBadSize = errors.New("pagealloc: buffer size must be a page multiple in [128KiB, 4GiB]")
)

// Allocator is the page-granular tier. The zero value is not usable; call
// Reinit before any other method.
type Allocator struct {
	cfg sink.Config

	buf        []byte
	base       uintptr
	metaPages  uint32
	usable     uint32 // N: allocatable pages, immediately following the metadata region
	free       *list.List
	pending    *list.List
}

// New constructs an Allocator using cfg (the zero value falls back to
// sink.Default()). Reinit must still be called before Malloc/Free/Realloc.
func New(cfg sink.Config) *Allocator {
	return &Allocator{cfg: sink.Normalize(cfg)}
}

// Reinit installs buf as the managed buffer, discarding any prior state.
// zeroFilled tells Reinit the metadata region is already zeroed (a fresh
// mmap, for instance), letting it skip the zero pass; passing false when
// the buffer is dirty is always safe, passing true when it is not is not.
func (a *Allocator) Reinit(buf []byte, zeroFilled bool) error {
	if len(buf) == 0 {
		return ErrBadSize
	}
	base := uintptr(unsafe.Pointer(&buf[0]))
	if base%PageSize != 0 {
		a.cfg.Debug("pagealloc: buffer at %#x is not %d-byte aligned", base, PageSize)
		return ErrMisalignedBuffer
	}
	if len(buf)%PageSize != 0 || len(buf) < minBufferSize || len(buf) > maxBufferSize {
		a.cfg.Debug("pagealloc: buffer size %d is not a page multiple in [%d, %d]", len(buf), minBufferSize, maxBufferSize)
		return ErrBadSize
	}

	total := uint32(len(buf) / PageSize)
	metaPages := (total + PageSize - 1) / PageSize
	if metaPages == 0 {
		metaPages = 1
	}
	if metaPages >= total {
		a.cfg.Debug("pagealloc: buffer of %d pages leaves no usable pages after %d metadata pages", total, metaPages)
		return ErrBadSize
	}

	a.buf = buf
	a.base = base
	a.metaPages = metaPages
	a.usable = total - metaPages

	if !zeroFilled {
		clear(buf[:int(metaPages)*PageSize])
	}

	a.free = list.New(a)
	a.pending = list.New(a)

	first := list.Handle(metaPages)
	a.free.LinkFront(first)
	a.setRecStart(first, uint32(metaPages))
	a.setRecPages(first, a.usable)

	return nil
}

// PageHandle converts a page-aligned slice previously returned by Malloc or
// Realloc into the list.Handle a higher layer (the slab allocator) uses to
// name it.
func (a *Allocator) PageHandle(ptr []byte) list.Handle {
	return list.Handle(a.ptrToPage(ptr))
}

// PageBytes returns the full PageSize-byte window backing handle h. Callers
// that build their own in-band structures on pages obtained from Malloc —
// the slab allocator's page headers, in particular — use this to get a
// writable view keyed by handle rather than by the original slice.
func (a *Allocator) PageBytes(h list.Handle) []byte {
	return a.page(h)
}

// PageContaining returns the handle of the page that contains ptr's first
// byte, rounding its address down to the nearest page boundary. Unlike
// PageHandle, ptr need not itself be page-aligned — this is what recovers a
// slab page header from an interior (sub-page) pointer.
func (a *Allocator) PageContaining(ptr []byte) list.Handle {
	if len(ptr) == 0 {
		a.cfg.Fatal("pagealloc: pointer has zero length")
	}
	addr := uintptr(unsafe.Pointer(&ptr[0]))
	return list.Handle((addr - a.base) / PageSize)
}

// IsPageBase reports whether ptr's first byte sits exactly on a page
// boundary inside the managed buffer.
func (a *Allocator) IsPageBase(ptr []byte) bool {
	if len(ptr) == 0 {
		return false
	}
	addr := uintptr(unsafe.Pointer(&ptr[0]))
	return (addr-a.base)%PageSize == 0
}

// Mounted reports whether Reinit has been called successfully.
func (a *Allocator) Mounted() bool {
	return a.buf != nil
}

// UsablePages returns N, the number of allocatable pages.
func (a *Allocator) UsablePages() uint32 {
	return a.usable
}

// list.Accessor over free-region records: the two link words live at
// offset 0 of the record's own first page.

func (a *Allocator) Next(h list.Handle) list.Handle {
	return list.Handle(binary.LittleEndian.Uint32(a.page(h)[0:4]))
}

func (a *Allocator) Prev(h list.Handle) list.Handle {
	return list.Handle(binary.LittleEndian.Uint32(a.page(h)[4:8]))
}

func (a *Allocator) SetNext(h, v list.Handle) {
	binary.LittleEndian.PutUint32(a.page(h)[0:4], uint32(v))
}

func (a *Allocator) SetPrev(h, v list.Handle) {
	binary.LittleEndian.PutUint32(a.page(h)[4:8], uint32(v))
}

func (a *Allocator) page(h list.Handle) []byte {
	off := int(h) * PageSize
	return a.buf[off : off+PageSize]
}

func (a *Allocator) recStart(h list.Handle) uint32 {
	return binary.LittleEndian.Uint32(a.page(h)[8:12])
}

func (a *Allocator) setRecStart(h list.Handle, v uint32) {
	binary.LittleEndian.PutUint32(a.page(h)[8:12], v)
}

func (a *Allocator) recPages(h list.Handle) uint32 {
	return binary.LittleEndian.Uint32(a.page(h)[12:16])
}

func (a *Allocator) setRecPages(h list.Handle, v uint32) {
	binary.LittleEndian.PutUint32(a.page(h)[12:16], v)
}

// pagesFor rounds a byte count up to a page count, treating n<=0 as a
// request for a single page (there is no such thing as a zero-page
// allocation).
func pagesFor(n int) uint32 {
	if n <= 0 {
		return 1
	}
	return uint32((n + PageSize - 1) / PageSize)
}

// Malloc returns a slice of exactly ceil(n/PageSize) pages, or nil if the
// buffer cannot satisfy the request even after flushing pending frees.
func (a *Allocator) Malloc(n int, hint Hint) []byte {
	if !a.Mounted() {
		a.cfg.Fatal("pagealloc: Malloc called before Reinit")
	}
	k := pagesFor(n)
	h := a.allocPages(k, hint)
	if h == list.Nil {
		a.flushPending()
		h = a.allocPages(k, hint)
	}
	if h == list.Nil {
		return nil
	}
	a.encodeRun(uint32(h), k)
	return a.pageRange(uint32(h), k)
}

func (a *Allocator) allocPages(k uint32, hint Hint) list.Handle {
	if hint == Persistent {
		return a.allocReverse(k)
	}
	return a.allocForward(k)
}

// allocForward carves k pages off the low end of the first free region
// that holds at least k pages, walking the free list head to tail.
func (a *Allocator) allocForward(k uint32) list.Handle {
	if a.free.Empty() {
		return list.Nil
	}
	start := a.free.Head()
	h := start
	for {
		pages := a.recPages(h)
		if pages >= k {
			resultStart := a.recStart(h)
			a.carveLow(h, resultStart+k, pages-k)
			return list.Handle(resultStart)
		}
		next := a.Next(h)
		if next == start {
			return list.Nil
		}
		h = next
	}
}

// allocReverse carves k pages off the high end of the first free region
// (walking tail to head) that holds at least k pages. Because the carved
// pages sit above the region's own record, the record's address never
// moves — only its page count shrinks.
func (a *Allocator) allocReverse(k uint32) list.Handle {
	if a.free.Empty() {
		return list.Nil
	}
	start := a.free.Tail()
	h := start
	for {
		pages := a.recPages(h)
		if pages >= k {
			regionStart := a.recStart(h)
			resultStart := regionStart + pages - k
			if pages == k {
				a.free.Unlink(h)
			} else {
				a.setRecPages(h, pages-k)
			}
			return list.Handle(resultStart)
		}
		prev := a.Prev(h)
		if prev == start {
			return list.Nil
		}
		h = prev
	}
}

// allocTargeted looks for a free region that begins at exactly startPage
// and holds at least k pages — the search Realloc uses to try growing an
// allocation in place. Unlike allocForward/allocReverse this never
// retries after a pending-free flush; a miss falls through to a fresh
// Malloc plus copy, which does retry.
func (a *Allocator) allocTargeted(startPage, k uint32) list.Handle {
	if a.free.Empty() {
		return list.Nil
	}
	first := a.free.Head()
	h := first
	for {
		if a.recStart(h) == startPage && a.recPages(h) >= k {
			pages := a.recPages(h)
			a.carveLow(h, startPage+k, pages-k)
			return list.Handle(startPage)
		}
		next := a.Next(h)
		if next == first {
			return list.Nil
		}
		h = next
	}
}

// carveLow removes the low k pages of region h, which are being handed
// out, leaving a shrunk region of newPages starting at newStart. Since a
// region's record lives at its own first page, shrinking from below moves
// the record; newPages==0 means the whole region was consumed and the
// record simply goes away.
func (a *Allocator) carveLow(h list.Handle, newStart, newPages uint32) {
	if newPages == 0 {
		a.free.Unlink(h)
		return
	}
	a.relocateRegion(h, list.Handle(newStart), newPages)
}

// relocateRegion moves region old's record to live at newH (a handle equal
// to the region's new start page), preserving its position in the free
// list. old and newH may be equal, in which case only the page count is
// updated.
func (a *Allocator) relocateRegion(old, newH list.Handle, newPages uint32) {
	if old != newH {
		copy(a.page(newH)[:recordSize], a.page(old)[:recordSize])
	}
	a.setRecStart(newH, uint32(newH))
	a.setRecPages(newH, newPages)
	if old != newH {
		a.free.Relocate(old, newH)
	}
}

func (a *Allocator) pageRange(page, pages uint32) []byte {
	lo := int(page) * PageSize
	hi := int(page+pages) * PageSize
	return a.buf[lo:hi]
}

// Free returns ptr's pages to the pending list in O(1); no coalescing
// happens here. ptr must be a slice previously returned by Malloc or
// Realloc and not yet freed.
func (a *Allocator) Free(ptr []byte) {
	if !a.Mounted() {
		a.cfg.Fatal("pagealloc: Free called before Reinit")
	}
	page := a.ptrToPage(ptr)
	pages := a.decodeRun(page)
	h := list.Handle(page)
	a.setRecStart(h, page)
	a.setRecPages(h, pages)
	a.pending.LinkTail(h)
}

// ptrToPage recovers the absolute page index of ptr's first byte. Under
// guard mode it validates that ptr actually begins on a page boundary
// inside the managed buffer.
func (a *Allocator) ptrToPage(ptr []byte) uint32 {
	if len(ptr) == 0 {
		a.cfg.Fatal("pagealloc: pointer has zero length")
	}
	addr := uintptr(unsafe.Pointer(&ptr[0]))
	off := addr - a.base
	if a.cfg.Guards {
		if addr < a.base || off%PageSize != 0 || off >= uintptr(len(a.buf)) {
			a.cfg.Fatal("pagealloc: pointer %#x is not a page-aligned address inside this buffer", addr)
		}
	}
	return uint32(off / PageSize)
}

// Realloc resizes ptr to hold n bytes, growing in place when the pages
// immediately following ptr's current run are free, and falling back to
// allocate-copy-free otherwise. A nil ptr behaves like Malloc.
func (a *Allocator) Realloc(ptr []byte, n int, hint Hint) []byte {
	if ptr == nil {
		return a.Malloc(n, hint)
	}
	if !a.Mounted() {
		a.cfg.Fatal("pagealloc: Realloc called before Reinit")
	}
	page := a.ptrToPage(ptr)
	curPages := a.decodeRun(page)
	k := pagesFor(n)
	if k <= curPages {
		return ptr
	}

	extra := k - curPages
	if got := a.allocTargeted(page+curPages, extra); got != list.Nil {
		a.encodeRun(page, k)
		return a.pageRange(page, k)
	}

	fresh := a.Malloc(n, hint)
	if fresh == nil {
		return nil
	}
	copy(fresh, ptr)
	a.Free(ptr)
	return fresh
}

// flushPending drains the pending-free list, restoring every record to the
// free list with local-attach coalescing followed by a full sweep, exactly
// once. Malloc calls this only after an initial search has already failed.
func (a *Allocator) flushPending() {
	if a.pending.Empty() {
		return
	}
	var drained []list.Handle
	a.pending.Iterate(func(h list.Handle) bool {
		drained = append(drained, h)
		return true
	})
	a.pending = list.New(a)
	for _, h := range drained {
		a.restoreFreedRegion(h)
	}
}

// restoreFreedRegion reinserts a single freed region f into the free list
// in start-page order, merging it with an abutting predecessor or
// successor on the spot, then runs a full coalescing sweep so any chain
// reaction (f bridging two previously non-adjacent regions) resolves
// immediately.
func (a *Allocator) restoreFreedRegion(f list.Handle) {
	fStart := a.recStart(f)
	fPages := a.recPages(f)

	if a.free.Empty() {
		a.free.LinkFront(f)
		return
	}

	start := a.free.Head()
	iter := start
	var prev list.Handle = list.Nil
	found := false
	for {
		if fStart < a.recStart(iter) {
			found = true
			break
		}
		prev = iter
		next := a.Next(iter)
		if next == start {
			break
		}
		iter = next
	}

	switch {
	case prev != list.Nil && a.recStart(prev)+a.recPages(prev) == fStart:
		a.setRecPages(prev, a.recPages(prev)+fPages)
	case found && fStart+fPages == a.recStart(iter):
		a.relocateRegion(iter, f, a.recPages(iter)+fPages)
	case found:
		a.free.LinkBefore(iter, f)
	default:
		a.free.LinkTail(f)
	}

	a.coalesceSweep()
}

// coalesceSweep performs a single head-to-tail pass over the free list,
// merging every pair of adjacent regions whose page ranges physically
// abut. It snapshots membership order up front: merges only ever fold a
// later node into an earlier one, so a fixed traversal order and a live
// mutation of the list agree on the final result.
func (a *Allocator) coalesceSweep() {
	if a.free.Empty() {
		return
	}
	var order []list.Handle
	a.free.Iterate(func(h list.Handle) bool {
		order = append(order, h)
		return true
	})

	var run list.Handle = list.Nil
	for _, cur := range order {
		if run == list.Nil {
			run = cur
			continue
		}
		runStart := a.recStart(run)
		runPages := a.recPages(run)
		if runStart+runPages == a.recStart(cur) {
			a.setRecPages(run, runPages+a.recPages(cur))
			a.free.Unlink(cur)
		} else {
			run = cur
		}
	}
}

// decodeRun reads the run length recorded for an allocation starting at
// page. Runs shorter than 255 pages store their length directly at
// metadata byte `page`; longer runs store the sentinel 0xFF there and the
// true length as a little-endian uint32 at the next 4-byte-aligned offset.
func (a *Allocator) decodeRun(page uint32) uint32 {
	b := a.buf[page]
	if b != runOverflow {
		return uint32(b)
	}
	off := roundUp4(page + 1)
	return binary.LittleEndian.Uint32(a.buf[off : off+4])
}

// encodeRun writes the run-length metadata for an allocation of pages
// pages starting at page, using the direct byte or overflow encoding
// decodeRun expects.
func (a *Allocator) encodeRun(page, pages uint32) {
	if pages < runOverflow {
		a.buf[page] = byte(pages)
		return
	}
	a.buf[page] = runOverflow
	off := roundUp4(page + 1)
	binary.LittleEndian.PutUint32(a.buf[off:off+4], pages)
}

func roundUp4(x uint32) uint32 {
	return (x + 3) &^ 3
}
