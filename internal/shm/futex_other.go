//go:build !linux

package shm

import "errors"

// FutexWait is only implemented on Linux.
func FutexWait(addr *uint32, val uint32) error {
	return errors.ErrUnsupported
}

// FutexWake is only implemented on Linux.
func FutexWake(addr *uint32, n int) (int, error) {
	return 0, errors.ErrUnsupported
}
