//go:build unix && !linux

package execmem

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// toggleManager is the non-Linux unix backend. It can't cheaply get
// two addresses aliasing one physical mapping without a shm/memfd
// helper that varies per BSD flavor, so it uses the toggle-protection
// scheme instead: one mapping, started RW, flipped to RX on Seal.
// WritePtr and ExecAddr are therefore equal here — a degenerate but
// valid case of the dual-address model (see DESIGN.md).
type toggleManager struct{}

func NewManager() Manager { return toggleManager{} }

type toggleBacking struct {
	view []byte
}

func (toggleManager) AllocUnsealed(minSize int, opt Opt) (*Page, error) {
	ps := unix.Getpagesize()
	size := minSize
	if size <= 0 {
		size = ps
	}
	size = (size + ps - 1) &^ (ps - 1)
	view, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, errors.Wrap(ErrOutOfMemory, err.Error())
	}
	addr := sliceAddr(view)
	return &Page{
		WritePtr: addr,
		ExecAddr: addr,
		Size:     size,
		backend:  &toggleBacking{view: view},
	}, nil
}

func (toggleManager) ForeignWriteWithPCPatch(writes []ForeignWrite) error {
	for _, w := range writes {
		if err := crossProcessPoke(w.Dst, w.Src); err != nil {
			return errors.Wrap(ErrAtomicWriteFailed, err.Error())
		}
	}
	return nil
}

func (b *toggleBacking) seal(p *Page) error {
	if err := unix.Mprotect(b.view, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		return errors.Wrap(ErrProtectionFailed, err.Error())
	}
	return nil
}

func (b *toggleBacking) free(p *Page) error {
	return unix.Munmap(b.view)
}

func (b *toggleBacking) write(dst uintptr, src []byte) error {
	return pokeWritable(dst, src)
}
