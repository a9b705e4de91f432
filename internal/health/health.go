// Package health inspects brother processes through procfs.
package health

import (
	"errors"
	"fmt"
	"slices"

	"github.com/shirou/gopsutil/v3/process"
)

var (
	// ErrGone is returned for a pid that no longer exists.
	ErrGone = errors.New("process does not exist")
	// ErrZombie is returned for a process that exited but was not reaped.
	ErrZombie = errors.New("process exited and awaits reaping")
)

// CheckProcess returns nil when pid is a running, non-zombie process.
func CheckProcess(pid int) error {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return fmt.Errorf("pid %d: %w", pid, ErrGone)
		}
		return fmt.Errorf("pid %d: %w", pid, err)
	}
	status, err := p.Status()
	if err != nil {
		return fmt.Errorf("pid %d status: %w", pid, err)
	}
	if slices.Contains(status, process.Zombie) {
		return fmt.Errorf("pid %d: %w", pid, ErrZombie)
	}
	return nil
}
