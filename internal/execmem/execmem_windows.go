//go:build windows

package execmem

import (
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/windows"
)

// windowsManager mirrors Dk2014-hinako/hinako.go's technique: a single
// VirtualAlloc'd region, started PAGE_EXECUTE_READWRITE so bytes can
// be deposited directly, flipped to PAGE_EXECUTE_READ on Seal via
// VirtualProtect (the same unlock/relock bracket hinako uses around
// its patch write, generalized to the trampoline pages too) and
// flushed with FlushInstructionCache after every ForeignWriteWithPCPatch
// write (Page.Write copies without a flush).
type windowsManager struct{}

func NewManager() Manager { return windowsManager{} }

type windowsBacking struct {
	addr uintptr
	size int
}

func (windowsManager) AllocUnsealed(minSize int, opt Opt) (*Page, error) {
	ps := int(windowsPageSize())
	size := minSize
	if size <= 0 {
		size = ps
	}
	size = (size + ps - 1) &^ (ps - 1)
	addr, err := windows.VirtualAlloc(0, uintptr(size),
		windows.MEM_COMMIT|windows.MEM_RESERVE, windows.PAGE_EXECUTE_READWRITE)
	if err != nil {
		return nil, errors.Wrap(ErrOutOfMemory, err.Error())
	}
	return &Page{
		WritePtr: addr,
		ExecAddr: addr,
		Size:     size,
		backend:  &windowsBacking{addr: addr, size: size},
	}, nil
}

func (windowsManager) ForeignWriteWithPCPatch(writes []ForeignWrite) error {
	proc, err := windows.GetCurrentProcess()
	if err != nil {
		return errors.Wrap(ErrAtomicWriteFailed, err.Error())
	}
	for _, w := range writes {
		var old uint32
		if err := windows.VirtualProtect(w.Dst, uintptr(len(w.Src)),
			windows.PAGE_EXECUTE_READWRITE, &old); err != nil {
			return errors.Wrap(ErrProtectionFailed, err.Error())
		}
		out := unsafe.Slice((*byte)(unsafe.Pointer(w.Dst)), len(w.Src))
		copy(out, w.Src)

		var reverted uint32
		_ = windows.VirtualProtect(w.Dst, uintptr(len(w.Src)), old, &reverted)

		if err := windows.FlushInstructionCache(proc, unsafe.Pointer(w.Dst), uintptr(len(w.Src))); err != nil {
			return errors.Wrap(ErrAtomicWriteFailed, err.Error())
		}
	}
	return nil
}

func (b *windowsBacking) seal(p *Page) error {
	var old uint32
	if err := windows.VirtualProtect(b.addr, uintptr(b.size), windows.PAGE_EXECUTE_READ, &old); err != nil {
		return errors.Wrap(ErrProtectionFailed, err.Error())
	}
	return nil
}

func (b *windowsBacking) free(p *Page) error {
	return windows.VirtualFree(b.addr, 0, windows.MEM_RELEASE)
}

func (b *windowsBacking) write(dst uintptr, src []byte) error {
	out := unsafe.Slice((*byte)(unsafe.Pointer(dst)), len(src))
	copy(out, src)
	return nil
}

func windowsPageSize() uintptr {
	var si windows.SystemInfo
	windows.GetSystemInfo(&si)
	return uintptr(si.PageSize)
}

func sliceAddr(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}
