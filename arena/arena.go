// Package arena composes the page and slab allocators behind the single
// reinit/malloc/free/realloc surface a caller who doesn't care about the
// two-tier split wants, playing the role the source's FixedAlloc wrapper
// plays over the raw fm_sm_* entry points: one type, three methods, backed
// by the allocators underneath.
package arena

import (
	"unsafe"

	"fixedarena/pagealloc"
	"fixedarena/sink"
	"fixedarena/slaballoc"
)

// DefaultSize is the static-buffer size used by NewStatic, matching the
// reference default of 640 KiB.
const DefaultSize = 640 * 1024

// Config bundles the sinks and guard flag threaded down to both tiers.
type Config = sink.Config

// Arena is the composed allocator: every Malloc/Free/Realloc call is
// routed through the slab tier, which itself falls back to the page tier
// for anything larger than the biggest slab class or for bare
// page-granular requests.
//
// An Arena does no locking: concurrent calls from several goroutines must
// be serialized by the caller.
type Arena struct {
	slabs *slaballoc.Allocator
	pages *pagealloc.Allocator
	mounted bool
}

// New returns an Arena that panics on any Malloc/Free/Realloc call before
// Reinit — the "manual-init" mode spec.md's build-time configuration
// describes.
func New(cfg Config) *Arena {
	pages := pagealloc.New(cfg)
	return &Arena{
		pages: pages,
		slabs: slaballoc.New(pages, cfg),
	}
}

// staticBuffer backs NewStatic. It is page-aligned at runtime by Reinit's
// own requirement — see alignedWindow.
var staticBuffer [DefaultSize + pagealloc.PageSize]byte

// NewStatic returns an Arena pre-initialized over a package-level static
// buffer of DefaultSize bytes, linked as a single initial free region —
// the "static-buffer mode" spec.md's build-time configuration describes,
// realized as an eager Reinit since Go has no compile-time buffer
// selection.
func NewStatic(cfg Config) *Arena {
	a := New(cfg)
	if err := a.Reinit(alignedWindow(staticBuffer[:], DefaultSize), true); err != nil {
		panic(err)
	}
	return a
}

// alignedWindow returns the first n-byte, page-aligned slice of buf.
func alignedWindow(buf []byte, n int) []byte {
	base := uintptr(unsafe.Pointer(&buf[0]))
	pad := 0
	if rem := base % pagealloc.PageSize; rem != 0 {
		pad = pagealloc.PageSize - int(rem)
	}
	return buf[pad : pad+n]
}

// Reinit installs buf as the managed buffer for both tiers.
func (a *Arena) Reinit(buf []byte, zeroFilled bool) error {
	if err := a.slabs.Reinit(buf, zeroFilled); err != nil {
		return err
	}
	a.mounted = true
	return nil
}

// Mounted reports whether Reinit has completed successfully.
func (a *Arena) Mounted() bool {
	return a.mounted
}

// Malloc returns n bytes, routed to a slab class or a bare page run as
// appropriate. It returns nil on exhaustion.
func (a *Arena) Malloc(n int) []byte {
	return a.slabs.Malloc(n)
}

// Free releases a value previously returned by Malloc or Realloc.
func (a *Arena) Free(ptr []byte) {
	a.slabs.Free(ptr)
}

// Realloc resizes ptr to hold n bytes, preserving its contents.
func (a *Arena) Realloc(ptr []byte, n int) []byte {
	return a.slabs.Realloc(ptr, n)
}

// Pages exposes the page tier directly, for callers who want TRANSIENT/
// PERSISTENT control that the slab-routed Malloc does not surface.
func (a *Arena) Pages() *pagealloc.Allocator {
	return a.pages
}
