package slab

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SonicMastr/substitute/internal/execmem"
)

func newTestChain(t *testing.T, itemSize int) *Chain {
	t.Helper()
	c, err := Init(execmem.NewFake(), itemSize)
	require.NoError(t, err)
	return c
}

// itemSizeFor64 picks an item size that makes Init choose itemCount
// == 64 exactly, as spec.md scenario S6 requires.
const itemSizeFor64 = 32

func TestInitChoosesItemCount64WhenFeasible(t *testing.T) {
	c := newTestChain(t, itemSizeFor64)
	assert.Equal(t, 64, c.ItemCount())
}

func TestAllocMirrorInvariant(t *testing.T) {
	c := newTestChain(t, itemSizeFor64)

	wp, ep, err := c.Alloc(execmem.Opt{})
	require.NoError(t, err)
	require.NotZero(t, wp)

	assert.Equal(t, ep, c.Mirror(wp))
}

func TestAllocThenFreeReturnsToPriorState(t *testing.T) {
	c := newTestChain(t, itemSizeFor64)

	before := snapshot(c)

	wp, _, err := c.Alloc(execmem.Opt{})
	require.NoError(t, err)
	require.NoError(t, c.Free(wp))

	after := snapshot(c)
	assert.Equal(t, before, after)
}

func TestPopcountInvariantHoldsThroughWrapAround(t *testing.T) {
	c := newTestChain(t, itemSizeFor64)

	var addrs []uintptr
	for i := 0; i < 130; i++ {
		wp, _, err := c.Alloc(execmem.Opt{})
		require.NoError(t, err)
		addrs = append(addrs, wp)
		assertPopcountInvariant(t, c)
	}

	// free every other one
	for i := 0; i < len(addrs); i += 2 {
		require.NoError(t, c.Free(addrs[i]))
		assertPopcountInvariant(t, c)
	}

	for i := 0; i < 65; i++ {
		_, _, err := c.Alloc(execmem.Opt{})
		require.NoError(t, err)
		assertPopcountInvariant(t, c)
	}
}

func TestDistinctAllocationsNeverOverlap(t *testing.T) {
	c := newTestChain(t, itemSizeFor64)

	seen := map[uintptr]bool{}
	for i := 0; i < 200; i++ {
		wp, _, err := c.Alloc(execmem.Opt{})
		require.NoError(t, err)
		require.False(t, seen[wp], "address %x reused while still live", wp)
		seen[wp] = true
	}
}

func TestFreeingLastItemUnmapsBackingAllocation(t *testing.T) {
	c := newTestChain(t, itemSizeFor64)

	wp, _, err := c.Alloc(execmem.Opt{})
	require.NoError(t, err)
	// the backing allocation (4096 bytes) holds two 2048-byte slabs:
	// the anchor we just allocated from, plus one sibling still on
	// the empty list.
	_, slabCountBefore := c.Stats()
	assert.Equal(t, 2, slabCountBefore)

	require.NoError(t, c.Free(wp))

	_, slabCountAfter := c.Stats()
	assert.Zero(t, slabCountAfter)
}

func TestAllocFailureLeavesChainUnmodified(t *testing.T) {
	fake := execmem.NewFake()
	fake.FailAfter = 1
	c, err := Init(fake, itemSizeFor64)
	require.NoError(t, err)

	before := snapshot(c)
	wp, ep, err := c.Alloc(execmem.Opt{})
	require.Error(t, err)
	assert.Zero(t, wp)
	assert.Zero(t, ep)
	assert.Equal(t, before, snapshot(c))
}

func TestItemSizeLeavingSlackShrinksSlab(t *testing.T) {
	// 64*40 = 2560, which rounds up to 4096 and leaves slack; half of
	// that (2048) still holds at least two items, so Init should take
	// the halving branch and report itemCount < 64 (2048/40 = 51).
	c := newTestChain(t, 40)
	assert.Less(t, c.ItemCount(), 64)
	assert.GreaterOrEqual(t, c.ItemCount(), 2)
}

// --- helpers -----------------------------------------------------------

type chainSnapshot struct {
	freeSlots, slabCount int
}

func snapshot(c *Chain) chainSnapshot {
	f, s := c.Stats()
	return chainSnapshot{freeSlots: f, slabCount: s}
}

func assertPopcountInvariant(t *testing.T, c *Chain) {
	t.Helper()
	free, slabCount := c.Stats()
	used := 0
	c.Traverse(func(uintptr) { used++ })
	assert.Equal(t, c.ItemCount()*slabCount, free+used)
}
