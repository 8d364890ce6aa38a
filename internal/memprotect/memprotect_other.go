//go:build !linux

package memprotect

import (
	"unsafe"

	"github.com/zqbxx/evcrypt/internal/tlog"
)

func lockMemory(ptr unsafe.Pointer, size uintptr) bool {
	tlog.Debug.Printf("memprotect: memory locking not supported on this platform")
	return false
}

func unlockMemory(ptr unsafe.Pointer, size uintptr) {}
