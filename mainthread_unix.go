//go:build unix

package substitute

import (
	"runtime"
	"sync"

	"golang.org/x/sys/unix"
)

// On Linux the initial thread's tid equals the process's pid, which
// is the same identity pthread_main_np checks for on glibc. On other
// unixes (no equivalent guarantee) we fall back to recording whichever
// thread first asked — an approximation, noted in DESIGN.md, of "the
// thread the process's instrumentation is expected to run on".
var (
	mainThreadOnce sync.Once
	mainThreadID   int
)

func recordMainThreadOnce() {
	mainThreadOnce.Do(func() {
		runtime.LockOSThread()
		mainThreadID = unix.Gettid()
	})
}

func isMainThread() bool {
	recordMainThreadOnce()
	if runtime.GOOS == "linux" {
		if unix.Getpid() == unix.Gettid() {
			return true
		}
	}
	return unix.Gettid() == mainThreadID
}

func init() { recordMainThreadOnce() }
