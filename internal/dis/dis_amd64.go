package dis

import (
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

// amd64Dis relocates a prologue by decoding it instruction-by-instruction
// with x86asm (exactly as Dk2014-hinako/hinako.go's disassemble/
// getAsmPatchSize do to size the patch) and copying each instruction
// verbatim into the trampoline, fixing up RIP-relative displacements
// so a PC-relative load or lea that used to reach past the patched
// bytes still reaches the same absolute address from its new home
// (spec.md scenario S2).
type amd64Dis struct{}

func (amd64Dis) RelocatePrologue(code []byte, patchStart uintptr, initialPatchEnd uintptr, outAddr uintptr, ctx *Ctx, flags Flags) (Relocated, error) {
	var out []byte
	pos := 0
	needed := int(initialPatchEnd - patchStart)

	for pos < needed && pos < len(code) {
		inst, err := x86asm.Decode(code[pos:], 64)
		if err != nil {
			return Relocated{}, &ErrUnrecoverableInstruction{Reason: "decode failed: " + err.Error()}
		}

		if isBranchOrCall(inst) {
			if flags&BanCalls != 0 && isCall(inst) {
				return Relocated{}, &ErrUnrecoverableInstruction{Reason: "call in prologue under thread-safety"}
			}
			if flags&ForbidRelativeJumps != 0 && isRelativeBranch(inst) {
				return Relocated{}, &ErrUnrecoverableInstruction{Reason: "relative jump in prologue"}
			}
		}

		raw := append([]byte(nil), code[pos:pos+inst.Len]...)

		if inst.PCRel != 0 {
			oldInstrAddr := patchStart + uintptr(pos)
			oldEnd := oldInstrAddr + uintptr(inst.Len)
			newInstrAddr := outAddr + uintptr(len(out))
			newEnd := newInstrAddr + uintptr(inst.Len)

			disp := readSignedLE(raw[inst.PCRelOff : inst.PCRelOff+inst.PCRel])
			target := int64(oldEnd) + disp
			newDisp := target - int64(newEnd)

			if !fitsInWidth(newDisp, inst.PCRel) {
				return Relocated{}, &ErrUnrecoverableInstruction{Reason: "rip-relative displacement out of range after relocation"}
			}
			writeSignedLE(raw[inst.PCRelOff:inst.PCRelOff+inst.PCRel], newDisp)
		}

		out = append(out, raw...)
		pos += inst.Len
	}

	return Relocated{Bytes: out, PatchEnd: patchStart + uintptr(pos)}, nil
}

func (amd64Dis) ScanForInboundJumps(code []byte, patchStart, patchEnd uintptr) error {
	pos := 0
	for pos < len(code) {
		inst, err := x86asm.Decode(code[pos:], 64)
		if err != nil {
			// Can't decode past this point; nothing further to check.
			return nil
		}
		if isBranchOrCall(inst) && isRelativeBranch(inst) {
			instrAddr := patchStart + uintptr(pos)
			end := instrAddr + uintptr(inst.Len)
			if inst.PCRel != 0 {
				raw := code[pos : pos+inst.Len]
				disp := readSignedLE(raw[inst.PCRelOff : inst.PCRelOff+inst.PCRel])
				target := uintptr(int64(end) + disp)
				if target >= patchStart && target < patchEnd && instrAddr >= patchEnd {
					return &ErrJumpIntoPatchedRegion{From: instrAddr, To: target}
				}
			}
		}
		pos += inst.Len
	}
	return nil
}

func isBranchOrCall(inst x86asm.Inst) bool {
	s := inst.String()
	return strings.HasPrefix(s, "J") || strings.HasPrefix(s, "CALL") || strings.HasPrefix(s, "RET")
}

func isCall(inst x86asm.Inst) bool {
	return strings.HasPrefix(inst.String(), "CALL")
}

func isRelativeBranch(inst x86asm.Inst) bool {
	s := inst.String()
	return (strings.HasPrefix(s, "J") || strings.HasPrefix(s, "CALL")) && inst.PCRel != 0
}

func readSignedLE(b []byte) int64 {
	var v int64
	for i := len(b) - 1; i >= 0; i-- {
		v = v<<8 | int64(b[i])
	}
	// sign extend from len(b)*8 bits
	shift := uint(64 - 8*len(b))
	return (v << shift) >> shift
}

func writeSignedLE(b []byte, v int64) {
	for i := range b {
		b[i] = byte(v)
		v >>= 8
	}
}

func fitsInWidth(v int64, width int) bool {
	switch width {
	case 1:
		return v >= -128 && v <= 127
	case 2:
		return v >= -32768 && v <= 32767
	case 4:
		return v >= -2147483648 && v <= 2147483647
	default:
		return true
	}
}
