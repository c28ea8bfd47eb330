//go:build linux

package execmem

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// linuxManager implements Manager with genuine dual-address W^X: a
// single anonymous shared-memory object (memfd_create) is mapped
// twice — once RW, once (after Seal) RX — so the two addresses alias
// the same physical pages, matching spec.md section 9's "single
// logical allocation exposing two capability-typed views".
type linuxManager struct{}

// NewManager returns the platform Manager for the running GOOS.
func NewManager() Manager { return linuxManager{} }

type linuxPage struct {
	fd       int
	writeLen int
}

func (linuxManager) AllocUnsealed(minSize int, opt Opt) (*Page, error) {
	size := roundUpToPage(minSize)

	fd, err := unix.MemfdCreate("substitute-trampoline", 0)
	if err != nil {
		return nil, errors.Wrap(ErrOutOfMemory, err.Error())
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(ErrOutOfMemory, err.Error())
	}

	writeView, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(ErrOutOfMemory, err.Error())
	}

	execView, err := unix.Mmap(fd, 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		unix.Munmap(writeView)
		unix.Close(fd)
		return nil, errors.Wrap(ErrOutOfMemory, err.Error())
	}

	writePtr := sliceAddr(writeView)
	execAddr := sliceAddr(execView)

	p := &Page{
		WritePtr: writePtr,
		ExecAddr: execAddr,
		Size:     size,
		backend: &linuxBacking{
			writeView: writeView,
			execView:  execView,
			fd:        fd,
		},
	}
	return p, nil
}

func (linuxManager) ForeignWriteWithPCPatch(writes []ForeignWrite) error {
	for _, w := range writes {
		if err := crossProcessPoke(w.Dst, w.Src); err != nil {
			return errors.Wrap(ErrAtomicWriteFailed, err.Error())
		}
	}
	return nil
}

// linuxBacking is the pageBackend for a memfd-backed dual mapping.
type linuxBacking struct {
	writeView []byte
	execView  []byte
	fd        int
}

func (b *linuxBacking) seal(p *Page) error {
	if err := unix.Mprotect(b.execView, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		return errors.Wrap(ErrProtectionFailed, err.Error())
	}
	return nil
}

func (b *linuxBacking) free(p *Page) error {
	unix.Munmap(b.writeView)
	unix.Munmap(b.execView)
	unix.Close(b.fd)
	return nil
}

func (b *linuxBacking) write(dst uintptr, src []byte) error {
	return pokeWritable(dst, src)
}

func roundUpToPage(n int) int {
	ps := unix.Getpagesize()
	if n <= 0 {
		n = ps
	}
	return (n + ps - 1) &^ (ps - 1)
}
