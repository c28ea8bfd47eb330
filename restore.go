package substitute

import "github.com/SonicMastr/substitute/internal/execmem"

// Restore undoes every hook recorded in records, writing each target's
// saved original bytes back in a single atomic batch — the mirror
// image of Install's commit phase. It does not free the trampoline
// memory Install allocated for these hooks: a trampoline may still be
// reachable through a pointer the caller captured via Hook.OldPtr, and
// this module has no way to know whether every caller of that pointer
// has stopped running. Real long-running uses of substitute accept
// the same leak (see original_source's hook-functions.c, which never
// calls slab_free from its own restore path either).
func (in *Installer) Restore(records Records) Status {
	if len(records) == 0 {
		return OK
	}

	writes := make([]execmem.ForeignWrite, len(records))
	for i, r := range records {
		writes[i] = execmem.ForeignWrite{Dst: r.target, Src: r.savedBytes, Opt: r.opt}
	}

	if err := in.mgr.ForeignWriteWithPCPatch(writes); err != nil {
		return ErrAtomicWriteFailed
	}
	return OK
}
