package freelist

import (
	"sync"

	"github.com/nbtaylor/go-idtable/idtable"
)

// Family is the Allocator a group of sibling SlotFreeLists shares with the
// DynamicIndexTable underneath them. It decides the table's shape,
// constructs leaves with their slots pre-linked via next_free, and keeps
// the registry stealing works against. A Family is scoped to one table;
// per the design note, this registry is per-table, never process-global.
type Family[ET any] struct {
	leafBits, innerBits int

	mu    sync.Mutex
	lists []*SlotFreeList[ET]
}

// NewFamily returns an Allocator with the given tree shape.
func NewFamily[ET any](leafBits, innerBits int) *Family[ET] {
	return &Family[ET]{leafBits: leafBits, innerBits: innerBits}
}

func (f *Family[ET]) LeafBits() int  { return f.leafBits }
func (f *Family[ET]) InnerBits() int { return f.innerBits }

// NewLeaf builds a leaf and strings every one of its slots together via
// next_free, returning the full chain so the first caller to materialize
// this leaf can enlist all of it onto its own free list in one round.
func (f *Family[ET]) NewLeaf(first, last uint64, owner any) (*idtable.Node[ET], *idtable.Slot[ET], *idtable.Slot[ET]) {
	leaf := idtable.NewLeafNode[ET](first, last, f.leafBits)
	slots := leaf.Slots()
	if len(slots) == 0 {
		return leaf, nil, nil
	}
	for i := 0; i < len(slots)-1; i++ {
		slots[i].SetNextFree(&slots[i+1])
	}
	slots[len(slots)-1].SetNextFree(nil)
	return leaf, &slots[0], &slots[len(slots)-1]
}

// RegisterFreeList enlists list as a sibling eligible to have elements
// stolen from it.
func (f *Family[ET]) RegisterFreeList(list any) {
	fl, ok := list.(*SlotFreeList[ET])
	if !ok {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists = append(f.lists, fl)
}

// StealFreeListElement tries every registered sibling of list (never list
// itself) for a spare slot, returning the first one found.
func (f *Family[ET]) StealFreeListElement(list any) *idtable.Slot[ET] {
	self, _ := list.(*SlotFreeList[ET])

	f.mu.Lock()
	candidates := make([]*SlotFreeList[ET], len(f.lists))
	copy(candidates, f.lists)
	f.mu.Unlock()

	for _, other := range candidates {
		if other == self {
			continue
		}
		if s := other.stealOne(); s != nil {
			return s
		}
	}
	return nil
}
