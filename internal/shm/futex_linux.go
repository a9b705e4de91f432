//go:build linux

package shm

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// Shared (non-private) futex operations: the word may be mapped by several
// processes.
const (
	futexWait = 0
	futexWake = 1
)

// FutexWait blocks while *addr == val. It returns nil when woken, when the
// value already differed (EAGAIN) or on a signal (EINTR); callers re-check
// the word in a loop.
func FutexWait(addr *uint32, val uint32) error {
	_, _, errno := unix.Syscall6(unix.SYS_FUTEX, uintptr(unsafe.Pointer(addr)), futexWait, uintptr(val), 0, 0, 0)
	switch errno {
	case 0, unix.EAGAIN, unix.EINTR:
		return nil
	default:
		return errno
	}
}

// FutexWake wakes up to n waiters blocked on addr and returns how many were woken.
func FutexWake(addr *uint32, n int) (int, error) {
	r, _, errno := unix.Syscall6(unix.SYS_FUTEX, uintptr(unsafe.Pointer(addr)), futexWake, uintptr(n), 0, 0, 0)
	if errno != 0 {
		return 0, errno
	}
	return int(r), nil
}
