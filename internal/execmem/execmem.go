// Package execmem plays the role spec.md assigns to the OS-specific
// executable-page manager: execmem_alloc_unsealed, execmem_seal,
// execmem_free and execmem_foreign_write_with_pc_patch. It is the one
// place in this module that touches raw page protection; everything
// above it (the slab allocator, the installer) talks only to the
// Manager interface.
package execmem

import "github.com/pkg/errors"

// Opt is the opaque per-backend policy blob spec.md's hook request
// carries as `opt` and forwards unchanged to the memory manager. The
// Go backends in this module don't interpret it themselves; it exists
// so callers embedding a platform-specific policy (e.g. a Vita pid, or
// a sandbox token) have somewhere to put it.
type Opt struct {
	// Hint, if non-empty, is logged by callers that choose to log
	// (the core itself never does, per spec.md section 7).
	Hint string
}

// Page is one backing allocation: a writable view and its mirrored
// executable view, plus whatever handles the backend needs to seal or
// free it later.
type Page struct {
	WritePtr uintptr
	ExecAddr uintptr
	Size     int

	backend pageBackend
}

// pageBackend is implemented per-OS; Page forwards Seal/Free/Write to
// it so callers of Manager never need an OS-specific type switch.
type pageBackend interface {
	seal(*Page) error
	free(*Page) error
	write(dst uintptr, src []byte) error
}

func (p *Page) Seal() error { return p.backend.seal(p) }
func (p *Page) Free() error { return p.backend.free(p) }

// Write deposits src at dst, an address within this page's writable
// view that has not yet been sealed. This is the one place a caller
// that already holds a Page (rather than a bare address, the way
// internal/slab's callers do) should poke bytes into it, instead of
// reaching for an OS-specific unsafe write directly.
func (p *Page) Write(dst uintptr, src []byte) error { return p.backend.write(dst, src) }

// ForeignWrite is one patch in a batch submitted to
// ForeignWriteWithPCPatch: overwrite len(Src) bytes at Dst with Src.
// Dst is inside a page this manager previously handed out via
// AllocUnsealed (sealed or not), or inside a hooked function's own code.
type ForeignWrite struct {
	Dst uintptr
	Src []byte
	Opt Opt
}

// Manager is the contract the installer and restorer consume. It
// mirrors spec.md section 6's memory-manager contract:
//
//	alloc_unsealed, seal, free, foreign_write_with_pc_patch
type Manager interface {
	// AllocUnsealed returns one fresh backing allocation of at least
	// minSize bytes, rounded up to the platform's page size: writable
	// now, executable only after Seal. The returned Page.Size is the
	// full rounded-up capacity (pages_per_alloc) — the slab allocator
	// decides how many items fit in it.
	AllocUnsealed(minSize int, opt Opt) (*Page, error)

	// ForeignWriteWithPCPatch applies every write in writes, in order.
	// The backends in this package write each patch in turn without
	// pausing other threads, so the batch is not atomic: a thread
	// executing the patched memory can observe it mid-write, and if a
	// write fails, the writes before it stay in place and the error is
	// returned.
	ForeignWriteWithPCPatch(writes []ForeignWrite) error
}

// Errors the backends return; the root package classifies these into
// the flat Status enum spec.md section 7 requires.
var (
	ErrOutOfMemory       = errors.New("execmem: out of memory")
	ErrProtectionFailed  = errors.New("execmem: page protection failed")
	ErrAtomicWriteFailed = errors.New("execmem: atomic write failed")
)
