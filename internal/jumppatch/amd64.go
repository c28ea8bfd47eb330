package jumppatch

import "encoding/binary"

// amd64Emitter prefers a 5-byte near `jmp rel32` when the destination
// is reachable, and otherwise falls back to a 14-byte RIP-relative
// indirect jump through an inline pointer literal (`ff 25 00 00 00 00`
// followed by the 8-byte absolute address) — a scratch-register-free
// far jump, unlike hinako's Windows-only trampoline which could afford
// to clobber a register because it always ran first in the function.
type amd64Emitter struct{}

const (
	nearJmpSize = 5  // E9 rel32
	farJmpSize  = 14 // FF 25 00000000 ; <8-byte absolute address>
)

func (amd64Emitter) Size(fromPC, toPC uintptr) int {
	if fitsRel32(fromPC, toPC, nearJmpSize) {
		return nearJmpSize
	}
	return farJmpSize
}

func (amd64Emitter) Emit(fromPC, toPC uintptr) []byte {
	if fitsRel32(fromPC, toPC, nearJmpSize) {
		buf := make([]byte, nearJmpSize)
		buf[0] = 0xE9
		rel := int32(int64(toPC) - int64(fromPC+nearJmpSize))
		binary.LittleEndian.PutUint32(buf[1:], uint32(rel))
		return buf
	}

	buf := make([]byte, farJmpSize)
	buf[0], buf[1] = 0xFF, 0x25
	binary.LittleEndian.PutUint32(buf[2:6], 0)
	binary.LittleEndian.PutUint64(buf[6:14], uint64(toPC))
	return buf
}

func fitsRel32(fromPC, toPC uintptr, insnLen int) bool {
	rel := int64(toPC) - int64(fromPC+uintptr(insnLen))
	return rel >= -2147483648 && rel <= 2147483647
}
