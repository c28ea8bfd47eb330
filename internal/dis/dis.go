// Package dis plays the role spec.md assigns to the per-architecture
// disassembler (transform-dis, jump-dis): it relocates a function's
// displaced prologue into trampoline space, and scans the remainder
// of a function for instructions that jump back into the clobbered
// region. Both are "out of scope" per spec.md section 1 in the sense
// that their bit-level encodings aren't this module's hard part, but
// a complete repo needs real implementations behind the contract, so
// this package provides an amd64 backend built on
// golang.org/x/arch/x86/x86asm (the same decoder
// Dk2014-hinako/hinako.go itself uses) and an arm64 backend that
// classifies and re-encodes A64's fixed-width instructions directly,
// the bit-pattern technique the rest of this corpus uses for ARM64
// (see DESIGN.md for why arm64 doesn't reach for a decoder package).
package dis

import "github.com/SonicMastr/substitute/internal/arch"

// Flags mirrors spec.md section 4.2's transform_dis_main flags.
type Flags uint32

const (
	BanCalls Flags = 1 << iota
	ForbidRelativeJumps
)

// Ctx is the architecture disassembler context spec.md carries
// alongside a hook (arch_dis_ctx): PC mode bit plus, on architectures
// that need it, which registers the relocated prologue clobbers (so
// the jump emitter can avoid them).
type Ctx struct {
	PCLowBit           bool
	RegsPossiblyWritten uint32
}

// Relocated is the result of relocating one function's prologue.
type Relocated struct {
	// Bytes is the instruction stream to copy into the trampoline.
	Bytes []byte
	// PatchEnd is the (possibly extended) end of the region in the
	// original function that the forward patch will overwrite — it
	// can only grow past the caller's initial estimate, never shrink,
	// because the disassembler must relocate whole instructions.
	PatchEnd uintptr
}

// Disassembler is the contract the installer consumes, matching
// spec.md section 6's transform_dis_main / jump_dis_main pair.
type Disassembler interface {
	// RelocatePrologue copies and fixes up the instructions covering
	// [patchStart, initialPatchEnd) from code (which begins at
	// patchStart) into a trampoline that will live at outAddr,
	// growing the covered region to a whole number of instructions.
	RelocatePrologue(code []byte, patchStart uintptr, initialPatchEnd uintptr, outAddr uintptr, ctx *Ctx, flags Flags) (Relocated, error)

	// ScanForInboundJumps reports an error if any instruction in code
	// (which begins at patchStart and covers the whole function body
	// available to us) jumps into [patchStart, patchEnd).
	ScanForInboundJumps(code []byte, patchStart, patchEnd uintptr) error
}

// For returns the Disassembler backend for id.
func For(id arch.ID) Disassembler {
	switch id {
	case arch.AMD64:
		return amd64Dis{}
	case arch.ARM64:
		return arm64Dis{}
	default:
		return nil
	}
}

// ErrUnrecoverableInstruction is returned when the prologue (or the
// tail scan) contains something this backend cannot relocate or
// reason about safely — spec.md's "unrecoverable-instruction" status.
type ErrUnrecoverableInstruction struct {
	Reason string
}

func (e *ErrUnrecoverableInstruction) Error() string {
	return "dis: unrecoverable instruction: " + e.Reason
}

// ErrJumpIntoPatchedRegion is returned by ScanForInboundJumps.
type ErrJumpIntoPatchedRegion struct {
	From, To uintptr
}

func (e *ErrJumpIntoPatchedRegion) Error() string {
	return "dis: instruction jumps into patched region"
}
