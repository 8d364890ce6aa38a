//go:build linux

package memprotect

import (
	"syscall"
	"unsafe"

	"github.com/zqbxx/evcrypt/internal/tlog"
)

// madvDontDump is Linux's MADV_DONTDUMP advice value, which the frozen
// syscall package does not define.
const madvDontDump = 0x10

func lockMemory(ptr unsafe.Pointer, size uintptr) bool {
	if err := mlock(ptr, size); err != nil {
		tlog.Debug.Printf("memprotect: mlock failed: %v", err)
		return false
	}
	if err := madvise(ptr, size, madvDontDump); err != nil {
		tlog.Debug.Printf("memprotect: madvise(MADV_DONTDUMP) failed: %v", err)
	}
	return true
}

func unlockMemory(ptr unsafe.Pointer, size uintptr) {
	if err := munlock(ptr, size); err != nil {
		tlog.Debug.Printf("memprotect: munlock failed: %v", err)
	}
}

func mlock(ptr unsafe.Pointer, size uintptr) error {
	_, _, errno := syscall.Syscall(syscall.SYS_MLOCK, uintptr(ptr), size, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

func munlock(ptr unsafe.Pointer, size uintptr) error {
	_, _, errno := syscall.Syscall(syscall.SYS_MUNLOCK, uintptr(ptr), size, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

func madvise(ptr unsafe.Pointer, size uintptr, advice int) error {
	_, _, errno := syscall.Syscall(syscall.SYS_MADVISE, uintptr(ptr), size, uintptr(advice))
	if errno != 0 {
		return errno
	}
	return nil
}
