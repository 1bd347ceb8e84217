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

// Package idtable implements DynamicIndexTable, a grow-only radix tree that
// maps dense 64-bit identifiers to stably-addressed element slots.
//
// Slots are allocated lazily: looking up an index that has never been seen
// grows the tree (if necessary) and materializes the leaf block that index
// falls in. Once materialized, a slot's address never changes for the
// life of the table. Growth and child installation take narrow locks
// (FastRwLock used as a plain mutex); steady-state lookups on an
// already-materialized index are entirely lock-free.
package idtable

import (
	"fmt"
	"sync/atomic"

	"github.com/nbtaylor/go-idtable/rwlock"
)

const maxHeight = 7

// Allocator supplies the policy DynamicIndexTable delegates to: the tree's
// shape parameters, leaf construction, and the free-list registry used by
// SlotFreeList's stealing protocol. A table instance owns exactly one
// Allocator; the freelist package provides the concrete implementation
// that wires a table to one or more SlotFreeLists.
type Allocator[ET any] interface {
	// LeafBits is L: a leaf holds 2^L element slots.
	LeafBits() int
	// InnerBits is B: an inner node has 2^B child pointers.
	InnerBits() int

	// NewLeaf constructs the leaf node covering [first, last]. It may
	// string some or all of the leaf's freshly-constructed slots together
	// via their next_free back-link and return the chain's head and tail;
	// returning (leaf, nil, nil) is legal and means the allocator chose
	// not to enlist any slots onto a free list immediately.
	NewLeaf(first, last uint64, owner any) (leaf *Node[ET], head, tail *Slot[ET])

	// RegisterFreeList records list (an opaque handle, concretely a
	// *freelist.SlotFreeList[ET]) as a participant eligible to have
	// elements stolen from it by StealFreeListElement.
	RegisterFreeList(list any)

	// StealFreeListElement asks the allocator to find a spare slot on
	// some sibling of list (not list itself) and detach it. Returns nil
	// if no sibling has anything to spare.
	StealFreeListElement(list any) *Slot[ET]
}

// Node is a tagged two-variant radix tree node: an inner node (Level > 0,
// Children populated, Slots nil) or a leaf (Level == 0, Slots populated,
// Children nil). Modeling both variants as one struct, discriminated by
// Level, avoids virtual dispatch between them.
type Node[ET any] struct {
	level       int
	first, last uint64

	children []atomic.Pointer[Node[ET]] // len 2^B; nil for leaves
	slots    []Slot[ET]                 // len 2^L; nil for inner nodes

	lock rwlock.FastRwLock // per-node installer mutex

	nextAlloced atomic.Pointer[Node[ET]] // teardown-only linked list
}

// Level reports the node's tree level; 0 means a leaf.
func (n *Node[ET]) Level() int { return n.level }

// Range reports the inclusive index range this node covers.
func (n *Node[ET]) Range() (first, last uint64) { return n.first, n.last }

// Slots exposes a leaf node's backing storage directly so an Allocator can
// link slots together with their next_free pointers when constructing the
// leaf in NewLeaf. Returns nil for inner nodes.
func (n *Node[ET]) Slots() []Slot[ET] { return n.slots }

// NewLeafNode constructs a bare leaf node covering [first, last] with
// leafBits' worth of zero-valued slots and no next_free linkage. External
// Allocator implementations (such as the freelist package's) use this to
// build the node they return from NewLeaf, then link some or all of
// Slots() together before handing the chain's head/tail back to the
// table.
func NewLeafNode[ET any](first, last uint64, leafBits int) *Node[ET] {
	return &Node[ET]{
		level: 0,
		first: first,
		last:  last,
		slots: make([]Slot[ET], uint(1)<<uint(leafBits)),
	}
}

type rootState[ET any] struct {
	node   *Node[ET]
	height int
}

// Table is DynamicIndexTable: a sparse array from uint64 identifiers to
// *Slot[ET] pointers, backed by a grow-only radix tree.
type Table[ET any] struct {
	leafBits, innerBits int
	leafMask            uint64

	alloc Allocator[ET]

	root   atomic.Pointer[rootState[ET]]
	growMu rwlock.FastRwLock

	firstAlloced atomic.Pointer[Node[ET]]
}

// NewTable constructs an empty table parameterized by alloc. It panics if
// alloc's LeafBits/InnerBits are non-positive or large enough that the
// height-7 cap would overflow a uint64 range computation.
func NewTable[ET any](alloc Allocator[ET]) *Table[ET] {
	l, b := alloc.LeafBits(), alloc.InnerBits()
	if l <= 0 || b <= 0 {
		panic(fmt.Sprintf("idtable: invalid parameters LeafBits=%d InnerBits=%d", l, b))
	}
	if l+maxHeight*b >= 64 {
		panic(fmt.Sprintf("idtable: LeafBits=%d InnerBits=%d overflow a uint64 range at height %d", l, b, maxHeight))
	}
	return &Table[ET]{
		leafBits:  l,
		innerBits: b,
		leafMask:  uint64(1)<<uint(l) - 1,
		alloc:     alloc,
	}
}

// LeafBits returns L, the table's leaf-size exponent.
func (t *Table[ET]) LeafBits() int { return t.leafBits }

// LeafSize returns 2^L, the number of slots in one leaf block.
func (t *Table[ET]) LeafSize() uint64 { return uint64(1) << uint(t.leafBits) }

// HasEntry reports whether index is currently materialized. It never
// blocks and never allocates.
func (t *Table[ET]) HasEntry(index uint64) bool {
	level := t.levelForSaturating(index)
	if level > maxHeight {
		return false
	}
	rs := t.root.Load()
	if rs == nil || rs.height < level {
		return false
	}
	cur := rs.node
	for cur.level > 0 {
		idx := t.childIndex(index, cur.level)
		child := cur.children[idx].Load()
		if child == nil {
			return false
		}
		cur = child
	}
	return true
}

// LookupEntry returns a stable pointer to the slot at index, growing the
// tree and materializing any missing path as needed. When this call is
// the one that materializes a brand-new leaf, head and tail delimit the
// null-terminated next_free chain of whichever freshly-constructed slots
// the allocator linked; that chain may include the slot at index itself
// (nil if the allocator chose not to enlist any, or if the leaf already
// existed).
func (t *Table[ET]) LookupEntry(index uint64, owner any) (slot, head, tail *Slot[ET]) {
	level := t.levelFor(index)

	head, tail = t.ensureHeight(level, owner)

	cur := t.root.Load().node
	for cur.level > 0 {
		idx := t.childIndex(index, cur.level)
		child := cur.children[idx].Load()
		if child == nil {
			var h, tl *Slot[ET]
			child, h, tl = t.installChildNode(cur, idx, owner)
			if h != nil {
				head, tail = h, tl
			}
		}
		cur = child
	}

	return &cur.slots[index&t.leafMask], head, tail
}

// MaxEntries reports the number of identifiers the current tree shape can
// address, regardless of how many are actually materialized. It is
// monotone non-decreasing as the tree grows.
func (t *Table[ET]) MaxEntries() uint64 {
	rs := t.root.Load()
	if rs == nil {
		return 0
	}
	width := t.leafBits + rs.height*t.innerBits
	if width >= 64 {
		return ^uint64(0)
	}
	return uint64(1) << uint(width)
}

// Close walks the teardown list iteratively (never recursively), releasing
// every node this table ever allocated, and returns how many nodes were
// visited. After Close, the table behaves as if freshly empty; any slot
// pointers previously returned by LookupEntry must not be used again.
func (t *Table[ET]) Close() int {
	n := 0
	cur := t.firstAlloced.Load()
	for cur != nil {
		next := cur.nextAlloced.Load()
		cur.children = nil
		cur.slots = nil
		cur = next
		n++
	}
	t.firstAlloced.Store(nil)
	t.root.Store(nil)
	return n
}

func (t *Table[ET]) ensureHeight(level int, owner any) (head, tail *Slot[ET]) {
	rs := t.root.Load()
	if rs != nil && rs.height >= level {
		return nil, nil
	}

	t.growMu.Lock()
	defer t.growMu.Unlock()

	rs = t.root.Load()
	if rs == nil {
		var node *Node[ET]
		if level == 0 {
			var h, tl *Slot[ET]
			node, h, tl = t.alloc.NewLeaf(0, t.fullRange(0), owner)
			if node == nil {
				panic(fmt.Errorf("idtable: %w", ErrAllocationFailure))
			}
			head, tail = h, tl
		} else {
			node = t.newInnerNode(level, 0, t.fullRange(level))
		}
		t.pushAlloced(node)
		t.root.Store(&rootState[ET]{node: node, height: level})
		return head, tail
	}

	for rs.height < level {
		newRoot := t.newInnerNode(rs.height+1, 0, t.fullRange(rs.height+1))
		newRoot.children[0].Store(rs.node)
		t.pushAlloced(newRoot)
		rs = &rootState[ET]{node: newRoot, height: rs.height + 1}
		t.root.Store(rs)
	}
	return nil, nil
}

// installChildNode performs the single-installer-per-slot dance: take the
// parent's per-node lock, re-check under it, and allocate only if still
// missing. Losers of the race see the winner's node on the re-check.
func (t *Table[ET]) installChildNode(parent *Node[ET], idx int, owner any) (child *Node[ET], head, tail *Slot[ET]) {
	parent.lock.Lock()
	defer parent.lock.Unlock()

	if existing := parent.children[idx].Load(); existing != nil {
		return existing, nil, nil
	}

	childLevel := parent.level - 1
	first, last := t.childRange(parent, idx)

	var newNode *Node[ET]
	if childLevel == 0 {
		var h, tl *Slot[ET]
		newNode, h, tl = t.alloc.NewLeaf(first, last, owner)
		if newNode == nil {
			panic(fmt.Errorf("idtable: %w", ErrAllocationFailure))
		}
		head, tail = h, tl
	} else {
		newNode = t.newInnerNode(childLevel, first, last)
	}

	t.pushAlloced(newNode)
	parent.children[idx].Store(newNode)
	return newNode, head, tail
}

func (t *Table[ET]) newInnerNode(level int, first, last uint64) *Node[ET] {
	return &Node[ET]{
		level:    level,
		first:    first,
		last:     last,
		children: make([]atomic.Pointer[Node[ET]], uint(1)<<uint(t.innerBits)),
	}
}

func (t *Table[ET]) pushAlloced(n *Node[ET]) {
	for {
		head := t.firstAlloced.Load()
		n.nextAlloced.Store(head)
		if t.firstAlloced.CompareAndSwap(head, n) {
			return
		}
	}
}

func (t *Table[ET]) fullRange(level int) uint64 {
	width := t.leafBits + level*t.innerBits
	if width >= 64 {
		return ^uint64(0)
	}
	return uint64(1)<<uint(width) - 1
}

func (t *Table[ET]) childIndex(index uint64, parentLevel int) int {
	shift := t.leafBits + (parentLevel-1)*t.innerBits
	mask := uint64(1)<<uint(t.innerBits) - 1
	return int((index >> uint(shift)) & mask)
}

func (t *Table[ET]) childRange(parent *Node[ET], idx int) (first, last uint64) {
	span := t.fullRange(parent.level-1) + 1
	first = parent.first + uint64(idx)*span
	last = first + span - 1
	return first, last
}

func (t *Table[ET]) levelForSaturating(index uint64) int {
	level := 0
	for level <= maxHeight {
		width := t.leafBits + level*t.innerBits
		if width >= 64 || (uint64(1)<<uint(width)) > index {
			return level
		}
		level++
	}
	return maxHeight + 1
}

func (t *Table[ET]) levelFor(index uint64) int {
	level := t.levelForSaturating(index)
	if level > maxHeight {
		panic(fmt.Errorf("idtable: %w: index %d", ErrIndexOverflow, index))
	}
	return level
}
