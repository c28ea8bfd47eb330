package substitute

import "github.com/SonicMastr/substitute/internal/execmem"

// defaultInstaller is the package-level Installer behind the Install
// and Restore free functions, backed by the real OS memory manager.
// Callers that want an isolated allocator (or, in tests, a fake one)
// construct their own Installer with NewInstaller instead.
var defaultInstaller = NewInstaller(execmem.NewManager())

// Install is Installer.Install on the package-default Installer.
func Install(hooks []Hook, opts Options) (Records, Status) {
	return defaultInstaller.Install(hooks, opts)
}

// Restore is Installer.Restore on the package-default Installer.
func Restore(records Records) Status {
	return defaultInstaller.Restore(records)
}
