//go:build windows

package substitute

import (
	"runtime"
	"sync"

	"golang.org/x/sys/windows"
)

var (
	mainThreadOnce sync.Once
	mainThreadID   uint32
)

func recordMainThreadOnce() {
	mainThreadOnce.Do(func() {
		runtime.LockOSThread()
		mainThreadID = windows.GetCurrentThreadId()
	})
}

func isMainThread() bool {
	recordMainThreadOnce()
	return windows.GetCurrentThreadId() == mainThreadID
}

func init() { recordMainThreadOnce() }
