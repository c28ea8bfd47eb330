package substitute

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/SonicMastr/substitute/internal/arch"
	"github.com/SonicMastr/substitute/internal/execmem"
	"github.com/SonicMastr/substitute/internal/jumppatch"
)

func TestInstallEmptyHooksIsNoop(t *testing.T) {
	in := NewInstaller(execmem.NewFake())
	records, status := in.Install(nil, 0)
	require.True(t, status.Ok())
	require.Nil(t, records)
}

func TestInstallRejectsOffMainThreadByDefault(t *testing.T) {
	orig := isMainThreadFn
	defer func() { isMainThreadFn = orig }()
	isMainThreadFn = func() bool { return false }

	in := NewInstaller(execmem.NewFake())
	_, status := in.Install([]Hook{{Target: 1, Replacement: 2}}, 0)
	require.Equal(t, ErrNotOnMainThread, status)
}

func TestInstallPermitsOffMainThreadWithNoThreadSafety(t *testing.T) {
	orig := isMainThreadFn
	defer func() { isMainThreadFn = orig }()
	isMainThreadFn = func() bool { return false }

	id, ok := arch.Current()
	if !ok {
		t.Skip("unsupported GOARCH")
	}

	fake := execmem.NewFake()
	target := makeTarget(t, fake, id)
	repl := makeTarget(t, fake, id)

	in := NewInstaller(fake)
	_, status := in.Install([]Hook{{Target: target, Replacement: repl}}, NoThreadSafety)
	require.True(t, status.Ok())
}

// makeTarget allocates a small, architecture-appropriate "function" —
// safe-to-relocate instructions with no branches or RIP/PC-relative
// addressing — inside a Fake-backed buffer, and returns its address.
func makeTarget(t *testing.T, fake *execmem.Fake, id arch.ID) uintptr {
	t.Helper()
	page, err := fake.AllocUnsealed(64, execmem.Opt{})
	require.NoError(t, err)

	var body []byte
	switch id {
	case arch.AMD64:
		// mov eax, 0x2a ; ret
		body = []byte{0xB8, 0x2A, 0x00, 0x00, 0x00, 0xC3}
	case arch.ARM64:
		// mov w0, #42 ; ret
		body = []byte{0x40, 0x05, 0x80, 0x52, 0xC0, 0x03, 0x5F, 0xD6}
	default:
		t.Fatalf("no fixture body for arch %v", id)
	}
	require.NoError(t, page.Write(page.WritePtr, body))
	return page.WritePtr
}

func TestInstallAndRestoreRoundTrip(t *testing.T) {
	orig := isMainThreadFn
	defer func() { isMainThreadFn = orig }()
	isMainThreadFn = func() bool { return true }

	id, ok := arch.Current()
	if !ok {
		t.Skip("unsupported GOARCH")
	}

	fake := execmem.NewFake()
	target := makeTarget(t, fake, id)
	repl := makeTarget(t, fake, id)

	origBytes := append([]byte{}, readCode(target, 8)...)

	var oldPtr uintptr
	in := NewInstaller(fake)
	records, status := in.Install([]Hook{{Target: target, Replacement: repl, OldPtr: &oldPtr}}, 0)
	require.True(t, status.Ok())
	require.Len(t, records, 1)
	require.NotZero(t, oldPtr)

	// The target's patched prefix must equal exactly what the jump
	// emitter would produce independently for this (target, repl) pair.
	emitter := jumppatch.For(id)
	wantPatch := emitter.Emit(target, repl)
	gotPatch := readCode(target, len(wantPatch))
	require.Equal(t, wantPatch, gotPatch)

	// The saved record must equal the pre-patch bytes.
	require.Equal(t, origBytes[:len(records[0].savedBytes)], records[0].savedBytes)

	// The trampoline published through OldPtr starts with the relocated
	// prologue, followed by the back jump. As a smoke check that
	// Install built distinct trampoline content rather than aliasing
	// the target, its first bytes must not equal the forward patch.
	tramp := readCode(oldPtr, len(wantPatch))
	require.NotEqual(t, wantPatch, tramp)

	status = in.Restore(records)
	require.True(t, status.Ok())
	require.Equal(t, origBytes, readCode(target, len(origBytes)))
}

func TestInstallRollsBackWholeBatchOnAllocFailure(t *testing.T) {
	orig := isMainThreadFn
	defer func() { isMainThreadFn = orig }()
	isMainThreadFn = func() bool { return true }

	id, ok := arch.Current()
	if !ok {
		t.Skip("unsupported GOARCH")
	}

	fake := execmem.NewFake()
	target1 := makeTarget(t, fake, id) // alloc #1
	target2 := makeTarget(t, fake, id) // alloc #2
	repl := makeTarget(t, fake, id)    // alloc #3

	orig1 := append([]byte{}, readCode(target1, 8)...)
	orig2 := append([]byte{}, readCode(target2, 8)...)

	// alloc #4 is the chain's first trampoline backing allocation,
	// serving hook[0]; fail it so nothing in the batch is ever touched.
	fake.FailAfter = 4

	in := NewInstaller(fake)
	records, status := in.Install([]Hook{
		{Target: target1, Replacement: repl},
		{Target: target2, Replacement: repl},
	}, 0)

	require.Equal(t, ErrOutOfMemory, status)
	require.Nil(t, records)
	require.Equal(t, orig1, readCode(target1, 8))
	require.Equal(t, orig2, readCode(target2, 8))
}

func TestPackageLevelInstallUsesDefaultInstaller(t *testing.T) {
	require.NotNil(t, defaultInstaller)
	require.NotNil(t, defaultInstaller.mgr)
}
