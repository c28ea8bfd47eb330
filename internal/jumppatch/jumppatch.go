// Package jumppatch emits the forward and back jump patches the
// installer and trampoline builder need — the role spec.md assigns
// to arm/jump-patch's jump_patch_size and make_jump_patch. It is
// grounded on Dk2014-hinako/hinako.go's newJumpAsm for the amd64
// near/far split (this package's far jump goes through a scratch-free
// memory operand instead of hinako's scratch register) and on the raw
// branch-instruction encoding xyproto/vibe67's arm64_instructions.go
// and jmp.go use for ARM64.
package jumppatch

import "github.com/SonicMastr/substitute/internal/arch"

// Emitter is the per-architecture contract: how many bytes a jump
// from fromPC to toPC needs, and the bytes themselves.
type Emitter interface {
	Size(fromPC, toPC uintptr) int
	Emit(fromPC, toPC uintptr) []byte
}

func For(id arch.ID) Emitter {
	switch id {
	case arch.AMD64:
		return amd64Emitter{}
	case arch.ARM64:
		return arm64Emitter{}
	default:
		return nil
	}
}
