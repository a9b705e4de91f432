// Package shm contains the platform-specific pieces of the shared region:
// opening, sizing and mapping named shared memory objects, mapping inherited
// descriptors, and futex wait/wake on words inside a mapping.
package shm

import (
	"errors"
	"path/filepath"
	"strings"
)

// DevShmDir is where POSIX shared memory objects live on Linux.
const DevShmDir = "/dev/shm"

// ErrSizeMismatch is returned when an existing object does not have the
// expected size.
var ErrSizeMismatch = errors.New("shared memory size mismatch")

// MappedRegion represents a memory-mapped shared region.
type MappedRegion struct {
	Addr []byte
	Fd   int
	Size int
	// Name is empty when the region was mapped from an inherited descriptor.
	Name string
}

// MapOptions defines options for mapping shared memory.
type MapOptions struct {
	Name string
	// Size is required when Create is set. When opening, a non-zero Size
	// must match the size of the existing object.
	Size int
	// Create creates the object exclusively; an existing name is an error.
	Create bool
}

// Path returns the filesystem path backing a POSIX shared memory name
// such as "/brother".
func Path(name string) string {
	return filepath.Join(DevShmDir, strings.TrimLeft(name, "/"))
}
