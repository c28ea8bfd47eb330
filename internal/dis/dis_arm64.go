package dis

import "encoding/binary"

// arm64Dis relocates a prologue on a fixed-width instruction set: every
// AArch64 instruction is 4 bytes, so "decoding" is classifying the raw
// 32-bit word's top bits, the same raw bit-pattern technique the rest
// of this corpus uses for ARM64 encoding (e.g. xyproto/vibe67's
// `instr&0xfc000000 == 0x14000000` unconditional-branch check, and
// xyproto/vibe67's ADD/SUB/MOV encoders in arm64_instructions.go).
// Unlike amd64, there's no single x/arch decoder call that exposes a
// ready-made PC-relative displacement field, so this backend decodes
// only the instruction classes that matter for relocation — direct
// branches, compare/test-and-branch, ADR/ADRP, and literal loads —
// and treats everything else as position-independent and copies it
// through unchanged, which is correct: every other A64 instruction
// addresses memory through a register, never a PC-relative immediate.
type arm64Dis struct{}

const insnSize = 4

func (arm64Dis) RelocatePrologue(code []byte, patchStart uintptr, initialPatchEnd uintptr, outAddr uintptr, ctx *Ctx, flags Flags) (Relocated, error) {
	needed := int(initialPatchEnd - patchStart)
	// Round up to a whole number of instructions.
	n := ((needed + insnSize - 1) / insnSize) * insnSize
	if n > len(code) {
		return Relocated{}, &ErrUnrecoverableInstruction{Reason: "prologue shorter than requested patch size"}
	}

	out := make([]byte, n)
	for pos := 0; pos < n; pos += insnSize {
		word := binary.LittleEndian.Uint32(code[pos : pos+4])
		class, imm, width := classifyARM64(word)

		if class == classBranchLike || class == classBL {
			if flags&BanCalls != 0 && class == classBL {
				return Relocated{}, &ErrUnrecoverableInstruction{Reason: "bl in prologue under thread-safety"}
			}
			if flags&ForbidRelativeJumps != 0 {
				return Relocated{}, &ErrUnrecoverableInstruction{Reason: "relative branch in prologue"}
			}
		}

		if class == classNone {
			binary.LittleEndian.PutUint32(out[pos:], word)
			continue
		}

		oldInstrAddr := int64(patchStart) + int64(pos)
		newInstrAddr := int64(outAddr) + int64(pos)
		target := oldInstrAddr + imm
		newImm := target - newInstrAddr

		newWord, err := reencodeARM64(class, word, newImm, width)
		if err != nil {
			return Relocated{}, err
		}
		binary.LittleEndian.PutUint32(out[pos:], newWord)
	}

	return Relocated{Bytes: out, PatchEnd: patchStart + uintptr(n)}, nil
}

func (arm64Dis) ScanForInboundJumps(code []byte, patchStart, patchEnd uintptr) error {
	for pos := 0; pos+4 <= len(code); pos += insnSize {
		word := binary.LittleEndian.Uint32(code[pos : pos+4])
		class, imm, _ := classifyARM64(word)
		// ADR/ADRP/LDR-literal address data, not control flow: a tail
		// instruction loading a value that happens to sit near the
		// displaced prologue doesn't make this function unhookable.
		if class != classBranchLike && class != classBL {
			continue
		}
		instrAddr := patchStart + uintptr(pos)
		target := uintptr(int64(instrAddr) + imm)
		if target >= patchStart && target < patchEnd && instrAddr >= patchEnd {
			return &ErrJumpIntoPatchedRegion{From: instrAddr, To: target}
		}
	}
	return nil
}

type arm64Class int

const (
	classNone arm64Class = iota
	classBranchLike
	classBL
	classADR
	classADRP
	classLDRLiteral
)

// classifyARM64 returns the instruction class and, for PC-relative
// classes, the byte displacement the instruction currently encodes
// and the immediate field's bit width (needed to re-validate range
// after relocation).
func classifyARM64(word uint32) (class arm64Class, dispBytes int64, width int) {
	switch {
	case word&0xFC000000 == 0x14000000: // B
		return classBranchLike, signExtend(int64(word&0x03FFFFFF), 26) * 4, 26
	case word&0xFC000000 == 0x94000000: // BL
		return classBL, signExtend(int64(word&0x03FFFFFF), 26) * 4, 26
	case word&0xFF000000 == 0x54000000: // B.cond
		return classBranchLike, signExtend(int64((word>>5)&0x7FFFF), 19) * 4, 19
	case word&0x7F000000 == 0x34000000, word&0x7F000000 == 0x35000000: // CBZ/CBNZ
		return classBranchLike, signExtend(int64((word>>5)&0x7FFFF), 19) * 4, 19
	case word&0x7F000000 == 0x36000000, word&0x7F000000 == 0x37000000: // TBZ/TBNZ
		return classBranchLike, signExtend(int64((word>>5)&0x3FFF), 14) * 4, 14
	case word&0x9F000000 == 0x10000000: // ADR
		imm := int64((word>>29)&3) | int64((word>>5)&0x7FFFF)<<2
		return classADR, signExtend(imm, 21), 21
	case word&0x9F000000 == 0x90000000: // ADRP (page granularity, handled conservatively)
		imm := int64((word>>29)&3) | int64((word>>5)&0x7FFFF)<<2
		return classADRP, signExtend(imm, 21) << 12, 21
	case word&0xBF000000 == 0x18000000: // LDR literal (32/64-bit)
		return classLDRLiteral, signExtend(int64((word>>5)&0x7FFFF), 19) * 4, 19
	default:
		return classNone, 0, 0
	}
}

func reencodeARM64(class arm64Class, word uint32, newDisp int64, width int) (uint32, error) {
	switch class {
	case classBranchLike, classBL:
		imm := newDisp / 4
		if !fitsSigned(imm, width) {
			return 0, &ErrUnrecoverableInstruction{Reason: "branch displacement out of range after relocation"}
		}
		if class == classBL || width == 26 {
			return (word &^ 0x03FFFFFF) | uint32(imm)&0x03FFFFFF, nil
		}
		if width == 19 {
			return (word &^ (0x7FFFF << 5)) | (uint32(imm)&0x7FFFF)<<5, nil
		}
		// width == 14 (TBZ/TBNZ)
		return (word &^ (0x3FFF << 5)) | (uint32(imm)&0x3FFF)<<5, nil
	case classADR:
		if !fitsSigned(newDisp, 21) {
			return 0, &ErrUnrecoverableInstruction{Reason: "adr displacement out of range after relocation"}
		}
		lo := uint32(newDisp) & 3
		hi := (uint32(newDisp) >> 2) & 0x7FFFF
		return (word &^ (3<<29 | 0x7FFFF<<5)) | lo<<29 | hi<<5, nil
	case classADRP:
		// Relocating a page-relative address computation correctly
		// requires the trampoline to live within +/-4GB page range
		// of the original target, which this module cannot guarantee
		// in general; conservatively reject rather than emit a
		// silently wrong address.
		return 0, &ErrUnrecoverableInstruction{Reason: "adrp in prologue cannot be safely relocated"}
	case classLDRLiteral:
		imm := newDisp / 4
		if !fitsSigned(imm, 19) {
			return 0, &ErrUnrecoverableInstruction{Reason: "ldr-literal displacement out of range after relocation"}
		}
		return (word &^ (0x7FFFF << 5)) | (uint32(imm)&0x7FFFF)<<5, nil
	default:
		return word, nil
	}
}

func signExtend(v int64, bits uint) int64 {
	shift := 64 - bits
	return (v << shift) >> shift
}

func fitsSigned(v int64, bits int) bool {
	lim := int64(1) << uint(bits-1)
	return v >= -lim && v < lim
}
