//go:build linux

package shm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shirou/gopsutil/v3/disk"
	"golang.org/x/sys/unix"
)

// MapRegion maps or creates a shared memory region (Linux implementation).
// On failure nothing stays open, mapped or, when creating, linked.
func MapRegion(ctx context.Context, opts MapOptions) (*MappedRegion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if opts.Create && opts.Size <= 0 {
		return nil, fmt.Errorf("invalid size %d", opts.Size)
	}

	flags := unix.O_RDWR | unix.O_CLOEXEC
	if opts.Create {
		flags |= unix.O_CREAT | unix.O_EXCL
	}
	shmPath := Path(opts.Name)
	fd, err := unix.Open(shmPath, flags, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", shmPath, err)
	}
	fail := func(err error) (*MappedRegion, error) {
		_ = unix.Close(fd)
		if opts.Create {
			_ = unix.Unlink(shmPath)
		}
		return nil, err
	}

	size := opts.Size
	if opts.Create {
		if err := unix.Ftruncate(fd, int64(size)); err != nil {
			return fail(fmt.Errorf("ftruncate: %w", err))
		}
	} else {
		var st unix.Stat_t
		if err := unix.Fstat(fd, &st); err != nil {
			return fail(fmt.Errorf("fstat: %w", err))
		}
		if size > 0 && int64(size) != st.Size {
			return fail(fmt.Errorf("%w: %s has %d bytes, want %d", ErrSizeMismatch, shmPath, st.Size, size))
		}
		size = int(st.Size)
		if size == 0 {
			return fail(fmt.Errorf("%w: %s is empty", ErrSizeMismatch, shmPath))
		}
	}

	addr, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fail(fmt.Errorf("mmap: %w", err))
	}
	return &MappedRegion{
		Addr: addr,
		Fd:   fd,
		Size: size,
		Name: opts.Name,
	}, nil
}

// MapFd maps an already open descriptor, typically one inherited from the
// parent process. The descriptor is not closed on failure: it belongs to
// the caller.
func MapFd(fd int, size int) (*MappedRegion, error) {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return nil, fmt.Errorf("fstat fd %d: %w", fd, err)
	}
	if st.Size != int64(size) {
		return nil, fmt.Errorf("%w: fd %d has %d bytes, want %d", ErrSizeMismatch, fd, st.Size, size)
	}
	addr, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap fd %d: %w", fd, err)
	}
	return &MappedRegion{
		Addr: addr,
		Fd:   fd,
		Size: size,
	}, nil
}

// UnmapRegion unmaps the region. The descriptor stays open.
func UnmapRegion(region *MappedRegion) error {
	if region == nil || region.Addr == nil {
		return nil
	}
	if err := unix.Munmap(region.Addr); err != nil {
		return fmt.Errorf("munmap: %w", err)
	}
	region.Addr = nil
	return nil
}

// CloseRegion closes the region's descriptor.
func CloseRegion(region *MappedRegion) error {
	if region == nil || region.Fd < 0 {
		return nil
	}
	fd := region.Fd
	region.Fd = -1
	if err := unix.Close(fd); err != nil {
		return fmt.Errorf("close fd %d: %w", fd, err)
	}
	return nil
}

// Unlink removes a shared memory name. A missing name is not an error.
func Unlink(name string) error {
	if err := unix.Unlink(Path(name)); err != nil && !errors.Is(err, unix.ENOENT) {
		return fmt.Errorf("unlink %s: %w", Path(name), err)
	}
	return nil
}

// Dup duplicates fd with close-on-exec set.
func Dup(fd int) (int, error) {
	nfd, err := unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("dup fd %d: %w", fd, err)
	}
	return nfd, nil
}

// CanCreateOnDevShm reports whether the filesystem behind path has size
// free bytes. Paths outside /dev/shm are not checked.
func CanCreateOnDevShm(size uint64, path string) bool {
	if !strings.HasPrefix(path, DevShmDir) {
		return true
	}
	stat, err := disk.Usage(DevShmDir)
	if err != nil {
		return true
	}
	return stat.Free >= size
}
