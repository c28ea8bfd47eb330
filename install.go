// Package substitute provides trampoline-based function hooking:
// redirect calls to an arbitrary function to a replacement, with an
// optional callable trampoline to the displaced original. It plays
// the role spec.md describes for the top-level engine, built on four
// internal collaborators — internal/arch, internal/dis,
// internal/jumppatch and internal/execmem — and the internal/slab
// executable allocator that serves their trampolines.
package substitute

import (
	"sync"

	"github.com/SonicMastr/substitute/internal/arch"
	"github.com/SonicMastr/substitute/internal/dis"
	"github.com/SonicMastr/substitute/internal/execmem"
	"github.com/SonicMastr/substitute/internal/jumppatch"
	"github.com/SonicMastr/substitute/internal/slab"
)

// Installer owns one executable-memory manager and one trampoline
// chain per architecture it has been asked to serve, keyed by arch.ID.
// Install only ever serves arch.Current(), so in practice there is
// exactly one chain. The zero value is not usable; construct with
// NewInstaller.
type Installer struct {
	mgr execmem.Manager

	mu     sync.Mutex
	chains map[arch.ID]*slab.Chain
}

// NewInstaller builds an Installer backed by mgr. Production callers
// use execmem.NewManager(); tests substitute internal/execmem.Fake.
func NewInstaller(mgr execmem.Manager) *Installer {
	return &Installer{mgr: mgr, chains: make(map[arch.ID]*slab.Chain)}
}

func (in *Installer) chainFor(id arch.ID) (*slab.Chain, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if c, ok := in.chains[id]; ok {
		return c, nil
	}
	limits := arch.LimitsFor(id)
	// Round the item size up to the code alignment so every trampoline
	// item starts on an aligned boundary.
	itemSize := limits.MaxRewrittenSize + limits.MaxJumpPatchSize
	if a := limits.MaxCodeAlignment; a > 0 {
		itemSize = (itemSize + a - 1) / a * a
	}
	c, err := slab.Init(in.mgr, itemSize)
	if err != nil {
		return nil, err
	}
	in.chains[id] = c
	return c, nil
}

// isMainThreadFn is a variable so tests can substitute a deterministic
// stand-in instead of depending on actual OS thread identity.
var isMainThreadFn = isMainThread

// prepared is the per-hook state carried from preparation through to
// commit, once the batch's destructive writes begin.
type prepared struct {
	hook Hook

	strippedTarget uintptr
	trampWrite     uintptr
	trampExec      uintptr
	trampLen       int

	jumpPatch []byte
	patchEnd  uintptr

	savedBytes []byte

	// outroAddr is the address to publish through hook.OldPtr, with
	// the architecture's mode bit reapplied — deferred until commit
	// succeeds, per spec.md section 9's old_ptr-ordering resolution.
	outroAddr uintptr
}

// Install hooks every function named by hooks, redirecting calls
// through Target to Replacement. If preparing or sealing any hook
// fails, every change Install made to reach that point is rolled back
// and a non-OK Status is returned with a nil Records, so no target is
// modified. ErrAtomicWriteFailed is the exception: it is returned after
// the forward patches were submitted, some of them may already be in
// place, and neither they nor the trampolines are rolled back.
//
// On success, Records must eventually be passed to Restore to return
// the hooked functions to their original behavior; discarding it
// leaks the hooks (and, on most backends, the trampoline memory) for
// the life of the process.
func (in *Installer) Install(hooks []Hook, opts Options) (Records, Status) {
	if len(hooks) == 0 {
		return nil, OK
	}

	id, ok := arch.Current()
	if !ok {
		return nil, errUnsupportedArch
	}

	if opts.threadSafe() && !isMainThreadFn() {
		return nil, ErrNotOnMainThread
	}

	chain, err := in.chainFor(id)
	if err != nil {
		return nil, ErrOutOfMemory
	}

	limits := arch.LimitsFor(id)
	emitter := jumppatch.For(id)
	disBackend := dis.For(id)

	flags := dis.Flags(0)
	if opts.threadSafe() {
		flags |= dis.BanCalls
	}
	if !opts.relaxed() {
		flags |= dis.ForbidRelativeJumps
	}

	preps := make([]prepared, 0, len(hooks))

	rollback := func() {
		for _, p := range preps {
			_ = chain.Free(p.trampWrite)
		}
	}

	for _, h := range hooks {
		strippedTarget, modeSet := arch.StripModeBit(id, h.Target)
		strippedRepl, _ := arch.StripModeBit(id, h.Replacement)

		patchSize := emitter.Size(strippedTarget, strippedRepl)
		jp := emitter.Emit(strippedTarget, strippedRepl)

		trampWrite, trampExec, err := chain.Alloc(h.Opt)
		if err != nil {
			rollback()
			return nil, ErrOutOfMemory
		}

		// window is the only view of the target function this module
		// ever reads: both the prologue relocated into the trampoline
		// and the inbound-jump tail scan are bounded to it, since
		// without symbol information there's no way to know the
		// function's true length. A complete scan would need that
		// metadata; see DESIGN.md.
		window := readCode(strippedTarget, limits.MaxRewrittenSize+limits.MaxJumpPatchSize)

		ctx := dis.Ctx{PCLowBit: modeSet}
		relocated, err := disBackend.RelocatePrologue(window, strippedTarget, strippedTarget+uintptr(patchSize), trampExec, &ctx, flags)
		if err != nil {
			_ = chain.Free(trampWrite)
			rollback()
			return nil, classifyDisErr(err)
		}

		if err := disBackend.ScanForInboundJumps(window, strippedTarget, relocated.PatchEnd); err != nil {
			_ = chain.Free(trampWrite)
			rollback()
			return nil, classifyDisErr(err)
		}

		outroExec := trampExec + uintptr(len(relocated.Bytes))
		backJump := emitter.Emit(outroExec, arch.ApplyModeBit(relocated.PatchEnd, modeSet))

		combined := append(append([]byte{}, relocated.Bytes...), backJump...)
		if len(combined) > limits.MaxRewrittenSize+limits.MaxJumpPatchSize {
			_ = chain.Free(trampWrite)
			rollback()
			return nil, ErrUnrecoverableInstruction
		}
		if err := chain.Write(trampWrite, combined); err != nil {
			_ = chain.Free(trampWrite)
			rollback()
			return nil, ErrPageProtectionFailed
		}

		savedBytes := append([]byte{}, window[:relocated.PatchEnd-strippedTarget]...)

		outroAddr := arch.ApplyModeBit(trampExec, modeSet)

		preps = append(preps, prepared{
			hook:           h,
			strippedTarget: strippedTarget,
			trampWrite:     trampWrite,
			trampExec:      trampExec,
			trampLen:       len(combined),
			jumpPatch:      jp,
			patchEnd:       relocated.PatchEnd,
			savedBytes:     savedBytes,
			outroAddr:      outroAddr,
		})
	}

	if err := chain.Seal(); err != nil {
		rollback()
		return nil, ErrPageProtectionFailed
	}

	writes := make([]execmem.ForeignWrite, len(preps))
	for i, p := range preps {
		writes[i] = execmem.ForeignWrite{Dst: p.strippedTarget, Src: p.jumpPatch, Opt: p.hook.Opt}
	}
	if err := in.mgr.ForeignWriteWithPCPatch(writes); err != nil {
		// Too late to free the trampolines here: ForeignWriteWithPCPatch
		// may have already made some of this batch's forward patches
		// visible before the failure, so an external thread may now
		// hold a PC inside one of them. Terminal, per spec.md section 7.
		return nil, ErrAtomicWriteFailed
	}

	records := make(Records, len(preps))
	for i, p := range preps {
		if p.hook.OldPtr != nil {
			*p.hook.OldPtr = p.outroAddr
		}
		records[i] = Record{target: p.strippedTarget, opt: p.hook.Opt, savedBytes: p.savedBytes}
	}

	return records, OK
}

func classifyDisErr(err error) Status {
	switch err.(type) {
	case *dis.ErrJumpIntoPatchedRegion:
		return ErrJumpIntoPatchedRegion
	default:
		return ErrUnrecoverableInstruction
	}
}
