// Package slab implements the fixed-item executable slab allocator
// spec.md section 4.1 describes: a chain of power-of-two-sized slabs,
// each handing out item_size-byte items that come with a writable
// address and a mirrored executable address, organized into
// partial/empty/full lists with anchor-refcounted backing allocations.
//
// It is grounded on original_source/lib/vita/slab.c
// (slab_init/slab_alloc/slab_free/slab_getmirror/slab_traverse/slab_destroy),
// generalized from the Vita's sceKernelAllocMemBlock to this module's
// internal/execmem.Manager. Unlike the C original, the slab header is
// not embedded at the front of each slab's memory (see DESIGN.md):
// this Go port keeps headers as ordinary heap-allocated structs and
// looks one up by its slab's aligned base address through a side
// table, the "explicit side table keyed by backing-allocation base"
// spec.md section 9 offers as an equivalent to the back-pointer
// scheme. This keeps unsafe pointer arithmetic confined to the item
// addresses that must really point into mapped executable memory.
package slab

import (
	"math/bits"

	"github.com/pkg/errors"

	"github.com/SonicMastr/substitute/internal/execmem"
)

// header is one slab within a chain. It never lives inside the
// memory it describes; writeBase/execBase point there.
type header struct {
	prev, next *header

	// page is the anchor header for this header's backing allocation
	// (itself, if this header is the anchor).
	page *header

	// refcount is meaningful only on the anchor header: it counts the
	// number of slabs in the allocation that are not "free and
	// detachable" (i.e. partial or full).
	refcount int

	slots uint64 // bit set => slot is free

	writeBase uintptr
	execBase  uintptr

	// backing is set only on the anchor header of a backing allocation.
	backing *execmem.Page

	// sealed is meaningful only on the anchor header: whether Seal
	// has already called through to backing.Seal for this allocation.
	sealed bool
}

func (h *header) anchor() *header {
	if h.backing != nil {
		return h
	}
	return h.page
}

// Chain is one independently-initialized slab allocator: all items it
// hands out are itemSize bytes, and it never resizes once Init
// returns. A Chain is single-writer (spec.md section 5) — callers
// sharing one across goroutines must serialize access themselves.
type Chain struct {
	mgr execmem.Manager

	itemSize  int
	itemCount int

	slabSize        uintptr
	alignmentMask   uintptr
	pagesPerAlloc   int
	emptySlotmask   uint64
	initialSlotmask uint64

	partial, empty, full *header

	// index maps a slab's aligned base address to its header, so
	// Free/Mirror can locate a slab in O(1) from an item address
	// without walking any list. This is the module's answer to
	// spec.md section 9's "address & alignment_mask points to its
	// slab header" invariant: the header it points to lives here,
	// not embedded at that address.
	index map[uintptr]*header
}

// Init creates a chain that will serve itemSize-byte items, backed by
// allocations from mgr. itemSize must be >= 1.
func Init(mgr execmem.Manager, itemSize int) (*Chain, error) {
	if itemSize < 1 {
		return nil, errors.New("slab: itemSize must be >= 1")
	}

	const leastItemCount = 64
	leastSlabSize := uintptr(leastItemCount * itemSize)
	slabSize := nextPow2(leastSlabSize)
	itemCount := leastItemCount

	if slabSize-leastSlabSize != 0 {
		shrunk := slabSize >> 1
		if shrunk >= 2*uintptr(itemSize) {
			slabSize = shrunk
			itemCount = int(shrunk) / itemSize
		}
	}

	return &Chain{
		mgr:             mgr,
		itemSize:        itemSize,
		itemCount:       itemCount,
		slabSize:        slabSize,
		alignmentMask:   ^(slabSize - 1),
		pagesPerAlloc:   int(slabSize),
		emptySlotmask:   emptySlotmaskFor(itemCount),
		initialSlotmask: emptySlotmaskFor(itemCount) &^ 1,
		index:           make(map[uintptr]*header),
	}, nil
}

func emptySlotmaskFor(itemCount int) uint64 {
	if itemCount >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << uint(itemCount)) - 1
}

func nextPow2(v uintptr) uintptr {
	if v == 0 {
		return 1
	}
	v--
	v |= v >> 1
	v |= v >> 2
	v |= v >> 4
	v |= v >> 8
	v |= v >> 16
	v |= v >> 32
	v++
	return v
}

// ItemCount reports how many items each slab in this chain holds.
func (c *Chain) ItemCount() int { return c.itemCount }

// ItemSize reports the fixed item size this chain serves.
func (c *Chain) ItemSize() int { return c.itemSize }

// SlabSize reports the power-of-two size of one slab.
func (c *Chain) SlabSize() uintptr { return c.slabSize }

// errSlabNotFound is returned by Free when given an address that
// doesn't belong to any slab this chain owns.
var errSlabNotFound = errors.New("slab: address not owned by this chain")

func onlyOneUsedSlot(slots, emptySlotmask uint64) bool {
	used := ^slots & emptySlotmask
	return used != 0 && used&(used-1) == 0
}
