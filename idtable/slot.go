package idtable

import "sync/atomic"

// Slot is the table-owned envelope around one client element. Every
// element needs its own next_free back-link while it sits on a free
// list; wrapping the client's payload type in this envelope gets that for
// free instead of forcing every client value type to implement a
// next-free accessor pair. A *Slot[ET] pointer is stable for the lifetime
// of the table that produced it (see Table.LookupEntry).
type Slot[ET any] struct {
	// Value is the client's payload. Clients must treat this as the only
	// field of interest while a slot is in use; NextFree is reserved for
	// the owning SlotFreeList.
	Value ET

	next atomic.Pointer[Slot[ET]]
}

// NextFree returns the slot's free-list back-link. In-use slots must have
// a nil back-link; a non-nil value means the slot sits on some free list.
func (s *Slot[ET]) NextFree() *Slot[ET] {
	return s.next.Load()
}

// SetNextFree sets the slot's free-list back-link.
func (s *Slot[ET]) SetNextFree(next *Slot[ET]) {
	s.next.Store(next)
}

// CASNextFree atomically updates the back-link from old to next, failing
// if another goroutine has already changed it.
func (s *Slot[ET]) CASNextFree(old, next *Slot[ET]) bool {
	return s.next.CompareAndSwap(old, next)
}
