//go:build unix

package execmem

import (
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

func sliceAddr(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}

// pokeWritable copies src into an address known to already be
// writable (inside one of our own trampoline pages).
func pokeWritable(dst uintptr, src []byte) error {
	out := unsafe.Slice((*byte)(unsafe.Pointer(dst)), len(src))
	copy(out, src)
	return nil
}

// crossProcessPoke overwrites bytes at an address this manager did
// not itself allocate (the hooked function's own prologue): it
// brackets the write with mprotect to a writable-executable
// protection and back, mirroring
// Dk2014-hinako/hinako.go's unlockMemoryProtect/changeMemoryProtectLevel
// for the unix side.
func crossProcessPoke(dst uintptr, src []byte) error {
	pageSz := uintptr(unix.Getpagesize())
	start := dst &^ (pageSz - 1)
	end := (dst + uintptr(len(src)) + pageSz - 1) &^ (pageSz - 1)
	region := unsafe.Slice((*byte)(unsafe.Pointer(start)), end-start)

	if err := unix.Mprotect(region, unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC); err != nil {
		return errors.Wrap(ErrProtectionFailed, err.Error())
	}
	defer func() {
		_ = unix.Mprotect(region, unix.PROT_READ|unix.PROT_EXEC)
	}()

	out := unsafe.Slice((*byte)(unsafe.Pointer(dst)), len(src))
	copy(out, src)
	return nil
}
