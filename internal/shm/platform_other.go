//go:build !linux

package shm

import (
	"context"
	"errors"
)

// MapRegion is only implemented on Linux.
func MapRegion(ctx context.Context, opts MapOptions) (*MappedRegion, error) {
	return nil, errors.ErrUnsupported
}

// MapFd is only implemented on Linux.
func MapFd(fd int, size int) (*MappedRegion, error) {
	return nil, errors.ErrUnsupported
}

// UnmapRegion is only implemented on Linux.
func UnmapRegion(region *MappedRegion) error {
	return errors.ErrUnsupported
}

// CloseRegion is only implemented on Linux.
func CloseRegion(region *MappedRegion) error {
	return errors.ErrUnsupported
}

// Unlink is only implemented on Linux.
func Unlink(name string) error {
	return errors.ErrUnsupported
}

// Dup is only implemented on Linux.
func Dup(fd int) (int, error) {
	return -1, errors.ErrUnsupported
}

// CanCreateOnDevShm always reports true off Linux.
func CanCreateOnDevShm(size uint64, path string) bool {
	return true
}
