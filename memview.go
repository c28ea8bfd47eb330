package substitute

import "unsafe"

// readCode copies n bytes starting at addr out of the process's own
// address space. It assumes addr is already-mapped, readable memory
// (true of any function a caller asks to hook) — no different in
// kind from Dk2014-hinako's unsafeReadMemory, just without needing a
// remote-process handle since this module only ever patches itself.
func readCode(addr uintptr, n int) []byte {
	buf := make([]byte, n)
	src := unsafe.Slice((*byte)(unsafe.Pointer(addr)), n)
	copy(buf, src)
	return buf
}
