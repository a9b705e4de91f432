//go:build linux

package launcher

import (
	"fmt"
	"syscall"
)

// Spawn starts the process described by cfg and returns its pid. The
// child is not waited for.
func Spawn(cfg SpawnConfig) (int, error) {
	path, err := cfg.resolve()
	if err != nil {
		return 0, fmt.Errorf("%w: resolve %q: %w", ErrSpawn, cfg.Path, err)
	}
	table, err := cfg.files()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrSpawn, err)
	}
	files := make([]uintptr, len(table))
	for i, fd := range table {
		// -1 wraps to ^uintptr(0), which the child closes
		files[i] = uintptr(fd)
	}

	argv := cfg.Args
	if len(argv) == 0 {
		argv = []string{cfg.Path}
	}
	pid, err := syscall.ForkExec(path, argv, &syscall.ProcAttr{
		Dir:   cfg.Dir,
		Env:   cfg.Env,
		Files: files,
		Sys:   &syscall.SysProcAttr{Setsid: cfg.Setsid},
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %w", ErrSpawn, path, err)
	}
	return pid, nil
}
