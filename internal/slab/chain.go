package slab

import (
	"math/bits"

	"github.com/SonicMastr/substitute/internal/execmem"
)

// Alloc returns a fresh item's writable address and its executable
// mirror, per spec.md section 4.1's three-branch algorithm: prefer a
// partial slab, then an empty one, then ask the memory manager for a
// new backing allocation. On failure both returned addresses are
// zero and the chain is left unmodified.
func (c *Chain) Alloc(opt execmem.Opt) (writePtr, execAddr uintptr, err error) {
	switch {
	case c.partial != nil:
		h := c.partial
		slot := bits.TrailingZeros64(h.slots)
		h.slots &^= uint64(1) << uint(slot)
		if h.slots == 0 {
			listRemove(&c.partial, h)
			listPush(&c.full, h)
		}
		return c.slotAddrs(h, slot)

	case c.empty != nil:
		h := c.empty
		listRemove(&c.empty, h)
		listPush(&c.partial, h)
		h.anchor().refcount++
		h.slots = c.initialSlotmask
		return c.slotAddrs(h, 0)

	default:
		return c.allocFreshBacking(opt)
	}
}

func (c *Chain) slotAddrs(h *header, slot int) (uintptr, uintptr, error) {
	off := uintptr(slot) * uintptr(c.itemSize)
	return h.writeBase + off, h.execBase + off, nil
}

// allocFreshBacking obtains one new backing allocation from the
// memory manager, carves it into slabSize-sized slabs, makes the
// first the anchor of a new partial slab, and strings the rest onto
// the empty list — spec.md section 4.1 alloc's third branch.
func (c *Chain) allocFreshBacking(opt execmem.Opt) (uintptr, uintptr, error) {
	page, err := c.mgr.AllocUnsealed(c.pagesPerAlloc, opt)
	if err != nil {
		return 0, 0, err
	}

	numSlabs := uintptr(page.Size) / c.slabSize
	if numSlabs == 0 {
		numSlabs = 1
	}

	anchor := &header{
		refcount:  1,
		slots:     c.initialSlotmask,
		writeBase: page.WritePtr,
		execBase:  page.ExecAddr,
		backing:   page,
	}
	anchor.page = anchor
	c.index[page.WritePtr&c.alignmentMask] = anchor
	listPush(&c.partial, anchor)

	for i := uintptr(1); i < numSlabs; i++ {
		sib := &header{
			page:      anchor,
			refcount:  0,
			slots:     c.emptySlotmask,
			writeBase: page.WritePtr + i*c.slabSize,
			execBase:  page.ExecAddr + i*c.slabSize,
		}
		c.index[sib.writeBase&c.alignmentMask] = sib
		listPush(&c.empty, sib)
	}

	return c.slotAddrs(anchor, 0)
}

// Free releases the item at addr (previously returned by Alloc's
// write-pointer result) back to its slab, per spec.md section 4.1
// free's three-branch algorithm, unmapping the whole backing
// allocation when it becomes entirely free.
func (c *Chain) Free(addr uintptr) error {
	h := c.headerFor(addr)
	if h == nil {
		return errSlabNotFound
	}
	slot := int((addr - h.writeBase) / uintptr(c.itemSize))
	bit := uint64(1) << uint(slot)

	switch {
	case h.slots == 0:
		// was full: becomes partial
		h.slots = bit
		listRemove(&c.full, h)
		listPush(&c.partial, h)
		return nil

	case onlyOneUsedSlot(h.slots, c.emptySlotmask):
		anchor := h.anchor()
		if anchor.refcount == 1 {
			return c.freeBackingContaining(h)
		}
		h.slots = c.emptySlotmask
		listRemove(&c.partial, h)
		listPush(&c.empty, h)
		anchor.refcount--
		return nil

	default:
		h.slots |= bit
		return nil
	}
}

// freeBackingContaining unmaps the whole backing allocation h belongs
// to: every sibling slab is excised from whatever list it sits on,
// the index entries are dropped, and the underlying Page is freed.
func (c *Chain) freeBackingContaining(h *header) error {
	anchor := h.anchor()

	for addr, sib := range c.index {
		if sib.anchor() != anchor {
			continue
		}
		// A slab's current list is fully determined by its slot
		// bitmap: full slabs hold slots==0, empty ones hold
		// slots==emptySlotmask, and a partial slab (including the
		// one being freed right here) holds anything in between —
		// init always clears at least bit 0, so a partial slab can
		// never read as either extreme.
		switch sib.slots {
		case 0:
			listRemove(&c.full, sib)
		case c.emptySlotmask:
			listRemove(&c.empty, sib)
		default:
			listRemove(&c.partial, sib)
		}
		delete(c.index, addr)
	}

	return anchor.backing.Free()
}

// Seal finalizes every backing allocation this chain currently holds
// that hasn't been sealed yet, flipping its executable view from
// writable to executable-only. Installers call this once, after every
// hook in a batch has had its trampoline bytes written into the slots
// Alloc returned, and before any forward jump patch is committed: a
// slot must never be published as an outro trampoline while its
// backing page is still writable and unsealed.
func (c *Chain) Seal() error {
	seen := make(map[*header]bool)
	for _, list := range []*header{c.partial, c.empty, c.full} {
		for h := list; h != nil; h = h.next {
			a := h.anchor()
			if seen[a] || a.sealed {
				continue
			}
			seen[a] = true
			if err := a.backing.Seal(); err != nil {
				return err
			}
			a.sealed = true
		}
	}
	return nil
}

// Write deposits b at addr, a writable address previously returned by
// Alloc, through the backing allocation's own Page — so trampoline
// bytes are always poked via the same execmem.Manager-provided write
// path real production code uses, rather than a second, parallel
// unsafe-write helper in the root package.
func (c *Chain) Write(addr uintptr, b []byte) error {
	h := c.headerFor(addr)
	if h == nil {
		return errSlabNotFound
	}
	return h.anchor().backing.Write(addr, b)
}

// Mirror returns the executable-view alias of a writable address
// previously returned by Alloc.
func (c *Chain) Mirror(addr uintptr) uintptr {
	h := c.headerFor(addr)
	if h == nil {
		return 0
	}
	return h.execBase + (addr - h.writeBase)
}

func (c *Chain) headerFor(addr uintptr) *header {
	return c.index[addr&c.alignmentMask]
}

// Traverse visits every live item's writable address, partial slabs
// first (skipping free slots) then full slabs (every slot live).
func (c *Chain) Traverse(fn func(addr uintptr)) {
	for h := c.partial; h != nil; h = h.next {
		for slot := 0; slot < c.itemCount; slot++ {
			if h.slots&(uint64(1)<<uint(slot)) == 0 {
				fn(h.writeBase + uintptr(slot)*uintptr(c.itemSize))
			}
		}
	}
	for h := c.full; h != nil; h = h.next {
		for slot := 0; slot < c.itemCount; slot++ {
			fn(h.writeBase + uintptr(slot)*uintptr(c.itemSize))
		}
	}
}

// Destroy unmaps every backing allocation exactly once.
func (c *Chain) Destroy() error {
	seen := make(map[*header]bool)
	var firstErr error
	for _, list := range []*header{c.partial, c.empty, c.full} {
		for h := list; h != nil; h = h.next {
			a := h.anchor()
			if seen[a] {
				continue
			}
			seen[a] = true
			if err := a.backing.Free(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	c.partial, c.empty, c.full = nil, nil, nil
	c.index = make(map[uintptr]*header)
	return firstErr
}

// Stats reports the bookkeeping spec.md section 8 property 3 checks:
// total free slots across all slabs and the number of slabs.
func (c *Chain) Stats() (freeSlots, slabCount int) {
	seen := make(map[*header]bool)
	for _, list := range []*header{c.partial, c.empty, c.full} {
		for h := list; h != nil; h = h.next {
			if seen[h] {
				continue
			}
			seen[h] = true
			freeSlots += bits.OnesCount64(h.slots)
			slabCount++
		}
	}
	return
}
