// Copyright 2020 Nathan Taylor (nbtaylor@gmail.com)
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of
// this software and associated documentation files (the "Software"), to deal in
// the Software without restriction, including without limitation the rights to
// use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies
// of the Software, and to permit persons to whom the Software is furnished to do
// so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Package freelist implements SlotFreeList, a concurrent free list layered
// on top of a DynamicIndexTable. Each list owns a disjoint stripe of the
// identifier space; when it runs dry it materializes a fresh leaf block
// via the table and links every slot the allocator just constructed onto
// its own free list in one round. An optional parent list arbitrates
// identifier stripes between sibling child lists.
package freelist

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/nbtaylor/go-idtable/idtable"
	"github.com/nbtaylor/go-idtable/rwlock"
)

// SlotFreeList hands out *idtable.Slot[ET] pointers without coarse
// locking on the steady-state path: pushes are lock-free CAS operations,
// and only the single popper - the goroutine currently holding the list's
// mutex - ever advances first_free or bumps next_alloc.
type SlotFreeList[ET any] struct {
	table  *idtable.Table[ET]
	owner  any
	family *Family[ET]
	parent *SlotFreeList[ET]

	firstFree atomic.Pointer[idtable.Slot[ET]]
	nextAlloc atomic.Uint64

	mu rwlock.FastRwLock // guards the popper and the next_alloc bump
}

// New constructs a free list over table, owned by owner, with an optional
// parent that arbitrates stripe handouts. A parent relationship is at
// most one level deep: parent must itself have no parent.
func New[ET any](table *idtable.Table[ET], family *Family[ET], owner any, parent *SlotFreeList[ET]) *SlotFreeList[ET] {
	if parent != nil && parent.parent != nil {
		panic("freelist: parent lists may not themselves have a parent")
	}
	fl := &SlotFreeList[ET]{
		table:  table,
		owner:  owner,
		family: family,
		parent: parent,
	}
	family.RegisterFreeList(fl)
	return fl
}

// AllocEntry returns a fresh slot, blocking as long as necessary to
// materialize or steal one. It never returns a nil slot and a nil error
// together.
func (fl *SlotFreeList[ET]) AllocEntry() (*idtable.Slot[ET], error) {
	return fl.AllocEntryContext(context.Background())
}

// AllocEntryContext is AllocEntry with a cancellable retry loop, since a
// library offered to arbitrary callers needs a way out of an exhausted
// identifier space rather than retrying unconditionally. AllocEntry
// preserves the unconditional-retry behavior by calling this with a
// background context.
func (fl *SlotFreeList[ET]) AllocEntryContext(ctx context.Context) (*idtable.Slot[ET], error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		if slot := fl.PopFront(); slot != nil {
			return slot, nil
		}

		toLookup, err := fl.reserveNextStripe()
		if err != nil {
			return nil, err
		}

		_, head, tail := fl.table.LookupEntry(toLookup, fl.owner)

		if head != nil {
			detached := head
			rest := detached.NextFree()
			detached.SetNextFree(nil)
			if rest != nil {
				fl.PushFront(rest, tail)
			}
			return detached, nil
		}

		if stolen := fl.family.StealFreeListElement(fl); stolen != nil {
			return stolen, nil
		}
		// Nothing to pop, nothing fresh to enlist, nothing to steal: the
		// leaf we just forced into existence belonged to some other
		// list's stripe already. Retry from the top.
	}
}

// reserveNextStripe bumps next_alloc by one leaf's worth of identifiers,
// taking a stripe from the parent first if one exists, and returns the
// identifier this call should materialize.
func (fl *SlotFreeList[ET]) reserveNextStripe() (uint64, error) {
	leafSize := fl.table.LeafSize()

	fl.mu.Lock()
	defer fl.mu.Unlock()

	if fl.parent != nil {
		first, _, err := fl.parent.AllocRange(leafSize)
		if err != nil {
			return 0, err
		}
		fl.nextAlloc.Store(first)
	}

	toLookup := fl.nextAlloc.Load()
	next := toLookup + leafSize
	if next < toLookup {
		return 0, fmt.Errorf("freelist: %w", ErrStripeExhaustion)
	}
	fl.nextAlloc.Store(next)
	return toLookup, nil
}

// FreeEntry returns slot to the list. slot must have a nil next_free
// back-link on entry - i.e. it must not already be on some free list.
func (fl *SlotFreeList[ET]) FreeEntry(slot *idtable.Slot[ET]) {
	if slot.NextFree() != nil {
		panic("freelist: FreeEntry called on a slot already linked onto a free list")
	}
	fl.PushFront(slot, slot)
}

// AllocRange reserves a contiguous identifier range of at least requested
// identifiers - rounded up to a multiple of the table's leaf size - and
// returns it. The range does not enter any free list; it is the caller's
// responsibility (a child list borrowing a stripe from its parent).
func (fl *SlotFreeList[ET]) AllocRange(requested uint64) (first, last uint64, err error) {
	leafSize := fl.table.LeafSize()
	rounded := roundUpToMultiple(requested, leafSize)

	fl.mu.Lock()
	defer fl.mu.Unlock()

	first = fl.nextAlloc.Load()
	next := first + rounded
	if next < first {
		return 0, 0, fmt.Errorf("freelist: %w", ErrStripeExhaustion)
	}
	fl.nextAlloc.Store(next)
	return first, first + rounded - 1, nil
}

// PushFront bulk-pushes the chain from head to tail (inclusive, already
// linked via next_free) onto the list in a single CAS.
func (fl *SlotFreeList[ET]) PushFront(head, tail *idtable.Slot[ET]) {
	for {
		old := fl.firstFree.Load()
		tail.SetNextFree(old)
		if fl.firstFree.CompareAndSwap(old, head) {
			return
		}
	}
}

// PopFront pops a single slot under the list mutex, honoring the
// single-popper discipline: concurrent pushers still use a bare CAS, but
// only the mutex holder may advance first_free.
func (fl *SlotFreeList[ET]) PopFront() *idtable.Slot[ET] {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	return fl.popFrontUnderLock()
}

func (fl *SlotFreeList[ET]) popFrontUnderLock() *idtable.Slot[ET] {
	for {
		head := fl.firstFree.Load()
		if head == nil {
			return nil
		}
		next := head.NextFree()
		if fl.firstFree.CompareAndSwap(head, next) {
			head.SetNextFree(nil)
			return head
		}
	}
}

// stealOne is popFrontUnderLock for a sibling being raided by
// Family.StealFreeListElement; it takes fl's own mutex, never the
// caller's.
func (fl *SlotFreeList[ET]) stealOne() *idtable.Slot[ET] {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	return fl.popFrontUnderLock()
}

func roundUpToMultiple(x, multiple uint64) uint64 {
	if multiple == 0 || x%multiple == 0 {
		return x
	}
	return x + (multiple - x%multiple)
}
