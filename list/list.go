// Package list implements an intrusive, circular, doubly-linked list whose
// nodes are not heap objects but page-indexed locations inside a caller's
// buffer. A Handle is the page index of a node; the reserved zero handle is
// the permanent nil value, since page 0 is always the allocator's metadata
// region and can never be a real list member.
//
// The list itself stores no payload. Link and unlink cost one Accessor
// round trip on each of at most two neighbors, independent of list length.
package list

// Handle identifies a list node by its page index within a managed buffer.
type Handle uint32

// Nil is the sentinel "no node" handle.
const Nil Handle = 0

// Accessor reads and writes the two link words physically stored at a
// node's fixed offset. Implementations own the mapping from Handle to a
// byte address; the list package never touches buffer bytes directly.
type Accessor interface {
	Next(h Handle) Handle
	Prev(h Handle) Handle
	SetNext(h Handle, v Handle)
	SetPrev(h Handle, v Handle)
}

// List is a circular doubly-linked list header. It tracks only the handle
// of its first member; all linkage lives in the Accessor's backing storage.
type List struct {
	acc  Accessor
	head Handle
}

// New creates an empty list backed by acc.
func New(acc Accessor) *List {
	return &List{acc: acc}
}

// Empty reports whether the list has no members.
func (l *List) Empty() bool {
	return l.head == Nil
}

// Head returns the handle of the first member, or Nil if empty.
func (l *List) Head() Handle {
	return l.head
}

// Tail returns the handle of the last member, or Nil if empty.
func (l *List) Tail() Handle {
	if l.head == Nil {
		return Nil
	}
	return l.acc.Prev(l.head)
}

// initSelf makes h a one-element circular list: both links point to itself.
func (l *List) initSelf(h Handle) {
	l.acc.SetNext(h, h)
	l.acc.SetPrev(h, h)
}

// LinkFront inserts h as the new head of the list.
func (l *List) LinkFront(h Handle) {
	if l.head == Nil {
		l.initSelf(h)
		l.head = h
		return
	}
	l.LinkBefore(l.head, h)
	l.head = h
}

// LinkTail inserts h as the new last member of the list.
func (l *List) LinkTail(h Handle) {
	if l.head == Nil {
		l.initSelf(h)
		l.head = h
		return
	}
	// LinkBefore moves the head when its anchor is the head; keep it.
	head := l.head
	l.LinkBefore(head, h)
	l.head = head
}

// LinkBefore inserts h immediately before anchor. anchor must already be a
// member of this list.
func (l *List) LinkBefore(anchor, h Handle) {
	prev := l.acc.Prev(anchor)
	l.acc.SetNext(prev, h)
	l.acc.SetPrev(h, prev)
	l.acc.SetNext(h, anchor)
	l.acc.SetPrev(anchor, h)
	if anchor == l.head {
		l.head = h
	}
}

// LinkAfter inserts h immediately after anchor. anchor must already be a
// member of this list.
func (l *List) LinkAfter(anchor, h Handle) {
	next := l.acc.Next(anchor)
	l.acc.SetNext(anchor, h)
	l.acc.SetPrev(h, anchor)
	l.acc.SetNext(h, next)
	l.acc.SetPrev(next, h)
}

// Unlink removes h from the list and leaves its own links undefined for
// reuse. It is the caller's job to know h is actually a member; unlinking a
// handle that isn't corrupts whatever list it really belongs to.
func (l *List) Unlink(h Handle) {
	next := l.acc.Next(h)
	prev := l.acc.Prev(h)
	if next == h {
		// h was the sole member.
		l.head = Nil
		return
	}
	l.acc.SetNext(prev, next)
	l.acc.SetPrev(next, prev)
	if l.head == h {
		l.head = next
	}
}

// UnlinkReinit removes h from the list (a no-op if h is already self-linked
// and not the head) and resets it to a self-linked, empty node.
func (l *List) UnlinkReinit(h Handle) {
	if l.head == h || l.acc.Next(h) != h {
		l.Unlink(h)
	}
	l.initSelf(h)
}

// Relocate replaces old with newH at the same position in the list. The
// caller must already have copied old's link words (next/prev) into newH's
// backing storage before calling this — Relocate reads newH's links to
// learn who old's neighbors were, then repoints those neighbors (and the
// list head, if old was it) at newH. This is the list-level half of the
// "record moved to a new address" operation the page allocator needs when
// carving pages off the low end of a free region (I3: a free record lives
// at its own first page, so shrinking the region from below moves it).
func (l *List) Relocate(old, newH Handle) {
	next := l.acc.Next(newH)
	prev := l.acc.Prev(newH)
	if next == old {
		// old was the sole member.
		l.acc.SetNext(newH, newH)
		l.acc.SetPrev(newH, newH)
	} else {
		l.acc.SetNext(prev, newH)
		l.acc.SetPrev(next, newH)
	}
	if l.head == old {
		l.head = newH
	}
}

// Splice moves every member of other onto the tail of l, leaving other
// empty.
func (l *List) Splice(other *List) {
	if other.Empty() {
		return
	}
	if l.Empty() {
		l.head = other.head
		other.head = Nil
		return
	}
	lTail := l.Tail()
	oHead := other.head
	oTail := other.Tail()

	l.acc.SetNext(lTail, oHead)
	l.acc.SetPrev(oHead, lTail)
	l.acc.SetNext(oTail, l.head)
	l.acc.SetPrev(l.head, oTail)

	other.head = Nil
}

// Split removes every member from at (inclusive) to the end of l and
// returns them as a new list sharing the same Accessor. at must be a
// member of l.
func (l *List) Split(at Handle) *List {
	out := New(l.acc)
	if at == l.head {
		out.head = l.head
		l.head = Nil
		return out
	}

	lTail := l.Tail()
	before := l.acc.Prev(at)

	l.acc.SetNext(before, l.head)
	l.acc.SetPrev(l.head, before)

	l.acc.SetNext(lTail, at)
	l.acc.SetPrev(at, lTail)

	out.head = at
	return out
}

// Swap exchanges the membership of a and b, each of which may belong to a
// different list (including this one). a must be a member of l; b must be
// a member of other.
func (l *List) Swap(a Handle, other *List, b Handle) {
	aPrev, aNext := l.acc.Prev(a), l.acc.Next(a)
	bPrev, bNext := other.acc.Prev(b), other.acc.Next(b)

	if aNext == a {
		l.acc.SetNext(b, b)
		l.acc.SetPrev(b, b)
		l.head = b
	} else {
		l.acc.SetNext(aPrev, b)
		l.acc.SetPrev(aNext, b)
		other.acc.SetNext(b, aNext)
		other.acc.SetPrev(b, aPrev)
		if l.head == a {
			l.head = b
		}
	}

	if bNext == b {
		other.acc.SetNext(a, a)
		other.acc.SetPrev(a, a)
		other.head = a
	} else {
		other.acc.SetNext(bPrev, a)
		other.acc.SetPrev(bNext, a)
		l.acc.SetNext(a, bNext)
		l.acc.SetPrev(a, bPrev)
		if other.head == b {
			other.head = a
		}
	}
}

// EntryOffset recovers the byte offset of the record embedding handle h.
// Every node's link words live at the fixed offset 0 of its own page, so
// recovery is just the handle's page base — this is the Go analogue of the
// C list_entry/container_of macro, specialized to a zero offset.
func EntryOffset(h Handle, pageSize int) int64 {
	return int64(h) * int64(pageSize)
}

// Iterate visits every member head to tail, calling fn on each. Iteration
// stops early if fn returns false. The body must not unlink the handle it
// was just given; use IterateSafe for that.
func (l *List) Iterate(fn func(Handle) bool) {
	if l.Empty() {
		return
	}
	h := l.head
	for {
		next := l.acc.Next(h)
		if !fn(h) {
			return
		}
		if next == l.head {
			return
		}
		h = next
	}
}

// IterateSafe visits every member head to tail, tolerant of fn unlinking
// the handle it was just given (from this list or any other list sharing
// the same Accessor). Iteration stops early if fn returns false.
//
// It snapshots the membership before calling fn on anything: the list's
// own links are not trustworthy once the body starts mutating them, so
// traversal order is fixed up front rather than recomputed node by node.
func (l *List) IterateSafe(fn func(Handle) bool) {
	if l.Empty() {
		return
	}
	snapshot := make([]Handle, 0, 4)
	h := l.head
	for {
		snapshot = append(snapshot, h)
		h = l.acc.Next(h)
		if h == l.head {
			break
		}
	}
	for _, member := range snapshot {
		if !fn(member) {
			return
		}
	}
}
