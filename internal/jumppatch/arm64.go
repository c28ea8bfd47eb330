package jumppatch

import "encoding/binary"

// arm64Emitter prefers a 4-byte unconditional `B` when the
// destination is within the +/-128MB range a 26-bit signed
// word-displacement immediate reaches, and otherwise falls back to
// `ldr x17, #8; br x17; <8-byte literal>` — 16 bytes, using x17 (a
// temporary register per the AArch64 procedure call standard, safe to
// clobber in a freshly-entered function) to reach anywhere in the
// address space.
type arm64Emitter struct{}

const (
	nearBSize = 4
	farBSize  = 16
)

func (arm64Emitter) Size(fromPC, toPC uintptr) int {
	if fitsB26(fromPC, toPC) {
		return nearBSize
	}
	return farBSize
}

func (arm64Emitter) Emit(fromPC, toPC uintptr) []byte {
	if fitsB26(fromPC, toPC) {
		buf := make([]byte, nearBSize)
		imm := (int64(toPC) - int64(fromPC)) / 4
		word := uint32(0x14000000) | uint32(imm)&0x03FFFFFF
		binary.LittleEndian.PutUint32(buf, word)
		return buf
	}

	buf := make([]byte, farBSize)
	// ldr x17, #8  (literal at byte offset 8 from this instruction)
	ldr := uint32(0x58000000) | (uint32(2) << 5) | 17
	binary.LittleEndian.PutUint32(buf[0:4], ldr)
	// br x17
	br := uint32(0xD61F0000) | (17 << 5)
	binary.LittleEndian.PutUint32(buf[4:8], br)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(toPC))
	return buf
}

func fitsB26(fromPC, toPC uintptr) bool {
	imm := int64(toPC) - int64(fromPC)
	if imm%4 != 0 {
		return false
	}
	imm /= 4
	const lim = 1 << 25
	return imm >= -lim && imm < lim
}
