// Package arch holds the architecture-specific constants and conventions
// the installer and trampoline builder are parameterized over: maximum
// patch/trampoline sizes, code alignment, and the PC mode-bit convention
// ARM32 uses to select Thumb encoding.
package arch

import "runtime"

// ID names one of the architectures the engine knows how to patch.
type ID int

const (
	AMD64 ID = iota
	ARM64
)

func (id ID) String() string {
	switch id {
	case AMD64:
		return "amd64"
	case ARM64:
		return "arm64"
	default:
		return "unknown"
	}
}

// Current returns the ID matching runtime.GOARCH, or false if unsupported.
func Current() (ID, bool) {
	switch runtime.GOARCH {
	case "amd64":
		return AMD64, true
	case "arm64":
		return ARM64, true
	default:
		return 0, false
	}
}

// Limits bounds the sizes the installer must reserve before it knows the
// exact patch it will emit. They mirror MAX_JUMP_PATCH_SIZE,
// TD_MAX_REWRITTEN_SIZE and ARCH_MAX_CODE_ALIGNMENT from the spec.
type Limits struct {
	MaxJumpPatchSize int
	MaxRewrittenSize int
	MaxCodeAlignment int
}

func LimitsFor(id ID) Limits {
	switch id {
	case AMD64:
		return Limits{
			// worst case: jumppatch's far jump, FF 25 00000000 plus an
			// 8-byte absolute address (internal/jumppatch/amd64.go's
			// farJmpSize) — must stay in lockstep with that constant,
			// since this bounds how much slab space a trampoline item
			// reserves for both the forward patch and the back-jump.
			MaxJumpPatchSize: 14,
			// longest single relocated instruction we budget for times a
			// handful of displaced instructions
			MaxRewrittenSize: 32,
			MaxCodeAlignment: 16,
		}
	case ARM64:
		return Limits{
			// ldr x17, #8; br x17; <8 bytes literal>
			MaxJumpPatchSize: 16,
			MaxRewrittenSize: 64,
			MaxCodeAlignment: 16,
		}
	default:
		return Limits{}
	}
}

// StripModeBit removes the architecture's PC mode bit (Thumb, on
// ARM32) from a target address, reporting whether it was set. This
// module only registers AMD64 and ARM64 backends (see Current), and
// neither has a mode bit, so this always reports false: the function
// exists so the installer can call it unconditionally rather than
// special-casing "does this architecture have a mode bit", the same
// shape spec.md's arch_strip_modebits takes across its four
// architectures. An ARM32 backend would plug into the id switch here
// and in ApplyModeBit below; today the switch has nothing to dispatch
// on.
func StripModeBit(id ID, addr uintptr) (uintptr, bool) {
	switch id {
	case AMD64, ARM64:
		return addr, false
	default:
		return addr, false
	}
}

// ApplyModeBit re-applies a previously stripped mode bit to an address
// that will be published to the caller (old_ptr) or used as a jump
// destination.
func ApplyModeBit(addr uintptr, set bool) uintptr {
	if set {
		return addr | 1
	}
	return addr
}
