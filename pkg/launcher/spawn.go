package launcher

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Dup2 duplicates the parent descriptor From onto slot To in the child.
type Dup2 struct {
	From int
	To   int
}

// SpawnConfig describes one child process. It is passed to Spawn by value
// and holds everything the child needs: no ambient state is read.
type SpawnConfig struct {
	// Path is the executable; without a '/' it is resolved through $PATH.
	Path string
	// Args is the full argument vector, Args[0] included.
	Args []string
	// Env is the complete child environment; nil means empty.
	Env []string
	// Dir is the working directory; empty keeps the parent's.
	Dir string
	// FileActions populate the child descriptor table. Slots 0-2 inherit
	// the parent's unless overridden; every other slot is closed.
	FileActions []Dup2
	// Setsid starts the child in a new session.
	Setsid bool
}

var errNoPath = errors.New("empty path")

func (c SpawnConfig) resolve() (string, error) {
	if c.Path == "" {
		return "", errNoPath
	}
	if strings.Contains(c.Path, "/") {
		return c.Path, nil
	}
	return exec.LookPath(c.Path)
}

// files builds the child descriptor table, -1 marking a closed slot.
func (c SpawnConfig) files() ([]int, error) {
	size := 3
	for _, a := range c.FileActions {
		if a.From < 0 || a.To < 0 {
			return nil, fmt.Errorf("invalid file action %d -> %d", a.From, a.To)
		}
		if a.To+1 > size {
			size = a.To + 1
		}
	}
	table := make([]int, size)
	for i := range table {
		table[i] = -1
	}
	for i := 0; i < 3; i++ {
		table[i] = i
	}
	for _, a := range c.FileActions {
		table[a.To] = a.From
	}
	return table, nil
}
