package idtable

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nbtaylor/go-idtable/internal/stress"
)

type payload struct {
	v int
}

func newTestTable(leafBits, innerBits int) *Table[payload] {
	return NewTable[payload](NewBasicAllocator[payload](leafBits, innerBits))
}

// Single-threaded growth, and HasEntry/LookupEntry agreeing about which
// leaves exist.
func TestSingleThreadedScenario(t *testing.T) {
	tb := newTestTable(4, 4)

	assert.False(t, tb.HasEntry(0))

	slot0, _, _ := tb.LookupEntry(0, nil)
	require.NotNil(t, slot0)
	assert.GreaterOrEqual(t, tb.MaxEntries(), uint64(16))
	assert.True(t, tb.HasEntry(0))

	slot17, _, _ := tb.LookupEntry(17, nil)
	require.NotNil(t, slot17)
	assert.GreaterOrEqual(t, tb.MaxEntries(), uint64(256))
	assert.True(t, tb.HasEntry(17))
	assert.True(t, tb.HasEntry(16))
	assert.True(t, tb.HasEntry(15)) // same leaf as 0
	assert.True(t, tb.HasEntry(31)) // same leaf [16,31] as 17

	// Leaf [240,255] was never materialized.
	assert.False(t, tb.HasEntry(255))
}

// A far-out index forces multi-level growth, and the resulting height is
// the smallest level whose range covers the looked-up index.
func TestGrowthAcrossMultipleLevels(t *testing.T) {
	tb := newTestTable(8, 4)

	slot, _, _ := tb.LookupEntry(1_000_000, nil)
	require.NotNil(t, slot)
	assert.True(t, tb.HasEntry(1_000_000))

	level := tb.levelFor(1_000_000)
	assert.Equal(t, level, tb.root.Load().height)
}

func TestLookupEntrySameIndexReturnsSamePointer(t *testing.T) {
	tb := newTestTable(4, 4)
	a, _, _ := tb.LookupEntry(42, nil)
	b, _, _ := tb.LookupEntry(42, nil)
	assert.Same(t, a, b)
}

// A slot pointer handed out before the tree grows must still be the
// pointer handed out after: growth re-roots the tree but never moves a
// node or a slot.
func TestSlotPointerStableAcrossGrowth(t *testing.T) {
	tb := newTestTable(4, 4)

	before, _, _ := tb.LookupEntry(3, nil)
	tb.LookupEntry(500_000, nil)
	after, _, _ := tb.LookupEntry(3, nil)
	assert.Same(t, before, after)
}

func TestLookupEntryIndexOverflowPanics(t *testing.T) {
	tb := newTestTable(8, 4) // height cap means max index is 2^(8+7*4) - 1
	overflowing := tb.fullRange(maxHeight) + 1

	assert.Panics(t, func() {
		tb.LookupEntry(overflowing, nil)
	})
}

func TestHasEntryOnOverflowingIndexIsFalseNotPanic(t *testing.T) {
	tb := newTestTable(8, 4)
	overflowing := tb.fullRange(maxHeight) + 1
	assert.False(t, tb.HasEntry(overflowing))
}

// Concurrent lookups on the same/overlapping indices must always agree
// on the returned pointer, and HasEntry must end up true for every index
// actually looked up.
func TestConcurrentLookupsAgreeOnPointerIdentity(t *testing.T) {
	tb := newTestTable(6, 3)
	const (
		goroutines = 32
		iterations = 500
		universe   = 4096
	)

	results := make([][iterations]*Slot[payload], goroutines)
	indices := make([][iterations]uint64, goroutines)

	err := stress.Run(context.Background(), goroutines, 0, func(_ context.Context, g int) error {
		rng := rand.New(rand.NewSource(int64(g) + 1))
		for i := 0; i < iterations; i++ {
			idx := uint64(rng.Intn(universe))
			indices[g][i] = idx
			slot, _, _ := tb.LookupEntry(idx, nil)
			results[g][i] = slot
		}
		return nil
	})
	require.NoError(t, err)

	byIndex := make(map[uint64]*Slot[payload])
	for g := 0; g < goroutines; g++ {
		for i := 0; i < iterations; i++ {
			idx := indices[g][i]
			got := results[g][i]
			if want, ok := byIndex[idx]; ok {
				assert.Same(t, want, got, "index %d returned two different pointers", idx)
			} else {
				byIndex[idx] = got
			}
			assert.True(t, tb.HasEntry(idx))
		}
	}
}

func TestCloseWalksEveryAllocedNode(t *testing.T) {
	tb := newTestTable(4, 4)
	tb.LookupEntry(0, nil)
	tb.LookupEntry(1_000, nil)
	tb.LookupEntry(100_000, nil)

	freed := tb.Close()
	assert.Greater(t, freed, 0)
}

func TestMaxEntriesMonotoneNonDecreasing(t *testing.T) {
	tb := newTestTable(4, 4)
	prev := tb.MaxEntries()
	for _, idx := range []uint64{0, 20, 1000, 50_000, 2_000_000} {
		tb.LookupEntry(idx, nil)
		cur := tb.MaxEntries()
		assert.GreaterOrEqual(t, cur, prev)
		prev = cur
	}
}
