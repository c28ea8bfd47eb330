package execmem

import "unsafe"

// Fake is an in-process Manager used by tests (and available to any
// caller that wants to exercise the installer without mapping real
// executable pages). Its pages are ordinary Go byte slices pinned by
// the test for the slice's lifetime; WritePtr and ExecAddr are equal,
// since Go gives test code no way to observe W^X violations anyway.
//
// FailAfter, if >0, makes the N-th call to AllocUnsealed (1-indexed)
// and every later call return ErrOutOfMemory instead of succeeding —
// used to reproduce
// spec.md scenario S4 (OOM on the k-th hook in a batch) deterministically.
type Fake struct {
	FailAfter int

	allocs int
	pages  [][]byte // keeps allocations alive against GC
}

func NewFake() *Fake { return &Fake{} }

func (f *Fake) AllocUnsealed(minSize int, opt Opt) (*Page, error) {
	f.allocs++
	if f.FailAfter > 0 && f.allocs >= f.FailAfter {
		return nil, ErrOutOfMemory
	}
	// Round up to a simulated 4096-byte page, like the real unix and
	// windows backends, so a single backing allocation can carve out
	// more than one slab — exercising the sibling empty-list paths in
	// package slab's tests instead of always allocating exactly one
	// slab per backing.
	const simulatedPageSize = 4096
	if minSize <= 0 {
		minSize = simulatedPageSize
	}
	minSize = (minSize + simulatedPageSize - 1) &^ (simulatedPageSize - 1)
	buf := make([]byte, minSize)
	f.pages = append(f.pages, buf)
	addr := uintptr(unsafe.Pointer(&buf[0]))
	return &Page{
		WritePtr: addr,
		ExecAddr: addr,
		Size:     len(buf),
		backend:  &fakeBacking{buf: buf},
	}, nil
}

func (f *Fake) ForeignWriteWithPCPatch(writes []ForeignWrite) error {
	for _, w := range writes {
		out := unsafe.Slice((*byte)(unsafe.Pointer(w.Dst)), len(w.Src))
		copy(out, w.Src)
	}
	return nil
}

type fakeBacking struct {
	buf    []byte
	sealed bool
}

func (b *fakeBacking) seal(p *Page) error {
	b.sealed = true
	return nil
}

func (b *fakeBacking) free(p *Page) error {
	b.buf = nil
	return nil
}

func (b *fakeBacking) write(dst uintptr, src []byte) error {
	out := unsafe.Slice((*byte)(unsafe.Pointer(dst)), len(src))
	copy(out, src)
	return nil
}
