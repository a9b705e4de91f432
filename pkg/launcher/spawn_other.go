//go:build !linux

package launcher

import (
	"errors"
	"fmt"
)

// Spawn is only implemented on Linux.
func Spawn(cfg SpawnConfig) (int, error) {
	return 0, fmt.Errorf("%w: %w", ErrSpawn, errors.ErrUnsupported)
}
