//go:build unix

// Package bufsrc provisions the byte buffer an arena.Arena manages. It is
// a separate, optional helper: nothing in pagealloc, slaballoc, or arena
// imports it, since the core allocator never cares where its buffer came
// from — only that it is page-aligned and within the legal size window.
// This file covers the common case of a real OS-backed anonymous mapping,
// the "sandboxed VM" framing spec.md's purpose section calls out, rather
// than a plain Go heap slice (which is already page-aligned often enough
// by accident, but not by contract).
package bufsrc

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Mapping is an anonymous, page-aligned memory-mapped region suitable for
// Arena.Reinit. Its bytes are not GC-scanned and not grown or moved by the
// Go runtime — exactly the property the allocator's handle-based list
// relies on instead of real pointers.
type Mapping struct {
	buf []byte
}

// NewMapping mmap's a fresh, zero-filled anonymous region of exactly size
// bytes. size must already be page-aligned; mmap itself rounds up, but a
// mismatch here would silently hand the allocator a buffer larger than it
// asked for.
func NewMapping(size int) (*Mapping, error) {
	if size <= 0 || size%unix.Getpagesize() != 0 {
		return nil, fmt.Errorf("bufsrc: size %d is not a positive page multiple", size)
	}
	buf, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("bufsrc: mmap: %w", err)
	}
	return &Mapping{buf: buf}, nil
}

// Bytes returns the mapped region, zero-filled by the kernel on creation —
// always safe to pass zeroFilled=true to Reinit for a buffer obtained this
// way, as long as nothing has touched it since NewMapping returned.
func (m *Mapping) Bytes() []byte {
	return m.buf
}

// Close unmaps the region. Using the Mapping's bytes after Close is a
// use-after-unmap bug the allocator has no way to detect.
func (m *Mapping) Close() error {
	if m.buf == nil {
		return nil
	}
	err := unix.Munmap(m.buf)
	m.buf = nil
	return err
}
