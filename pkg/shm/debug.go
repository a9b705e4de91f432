package shm

import (
	"fmt"
	"io"
	"os"

	internalshm "github.com/srediag/brother-shm/internal/shm"
)

// Snapshot is a point-in-time copy of a control block.
type Snapshot struct {
	Live         bool
	Participants int
	Count        int
	Mutex        uint32
	EnterGate    uint32
	ExitGate     uint32
	Waiters      uint32
}

// Snapshot reads every field of the block. Fields are read one by one, so
// the result is only consistent while no participant is inside Enter or
// Exit.
func (c *ControlBlock) Snapshot() Snapshot {
	return Snapshot{
		Live:         c.Live(),
		Participants: c.Participants(),
		Count:        c.Count(),
		Mutex:        c.Mutex.Value(),
		EnterGate:    c.EnterGate.Value(),
		ExitGate:     c.ExitGate.Value(),
		Waiters: internalshm.AtomicLoadUint32(c.Mutex.waiters) +
			internalshm.AtomicLoadUint32(c.EnterGate.waiters) +
			internalshm.AtomicLoadUint32(c.ExitGate.waiters),
	}
}

func (s Snapshot) String() string {
	return fmt.Sprintf("live:%t participants:%d count:%d mutex:%d enter:%d exit:%d waiters:%d",
		s.Live, s.Participants, s.Count, s.Mutex, s.EnterGate, s.ExitGate, s.Waiters)
}

// DebugControlBlock prints the control block of the region called name.
func DebugControlBlock(w io.Writer, name string) error {
	mem, err := os.ReadFile(internalshm.Path(name))
	if err != nil {
		return err
	}
	if len(mem) != ControlBlockSize {
		return fmt.Errorf("%w: %s has %d bytes", internalshm.ErrSizeMismatch, name, len(mem))
	}
	_, err = fmt.Fprintf(w, "name:%s %s\n", name, controlBlockAt(mem).Snapshot())
	return err
}
