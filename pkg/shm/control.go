package shm

import (
	internalshm "github.com/srediag/brother-shm/internal/shm"
)

// Control block layout. Words are native-endian uint32.
const (
	magicOffset        = 0
	participantsOffset = 4
	mutexOffset        = 8
	enterGateOffset    = mutexOffset + semaphoreSize
	exitGateOffset     = enterGateOffset + semaphoreSize
	countOffset        = exitGateOffset + semaphoreSize

	// ControlBlockSize is the exact size of a shared region.
	ControlBlockSize = 64
)

// Magic marks a live control block.
const Magic uint32 = 0x48535242

// ControlBlock is the view of the control structure inside a mapping.
type ControlBlock struct {
	// Mutex guards Count. Initial value 1.
	Mutex *Semaphore
	// EnterGate and ExitGate release participants waiting at the barrier.
	EnterGate *Semaphore
	ExitGate  *Semaphore

	magic        *uint32
	participants *uint32
	count        *uint32
}

func controlBlockAt(mem []byte) *ControlBlock {
	return &ControlBlock{
		Mutex:        semaphoreAt(mem, mutexOffset),
		EnterGate:    semaphoreAt(mem, enterGateOffset),
		ExitGate:     semaphoreAt(mem, exitGateOffset),
		magic:        internalshm.Uint32At(mem, magicOffset),
		participants: internalshm.Uint32At(mem, participantsOffset),
		count:        internalshm.Uint32At(mem, countOffset),
	}
}

// init publishes the magic last so attachers never see a half-built block.
func (c *ControlBlock) init(participants int) {
	internalshm.AtomicStoreUint32(c.magic, 0)
	c.Mutex.init(1)
	c.EnterGate.init(0)
	c.ExitGate.init(0)
	internalshm.AtomicStoreUint32(c.count, 0)
	internalshm.AtomicStoreUint32(c.participants, uint32(participants))
	internalshm.AtomicStoreUint32(c.magic, Magic)
}

func (c *ControlBlock) release() {
	internalshm.AtomicStoreUint32(c.magic, 0)
}

// Live reports whether the block was initialised and not yet released.
func (c *ControlBlock) Live() bool {
	return internalshm.AtomicLoadUint32(c.magic) == Magic
}

// Participants returns the participant count the owner created the block for.
func (c *ControlBlock) Participants() int {
	return int(internalshm.AtomicLoadUint32(c.participants))
}

// Count returns the arrival counter.
func (c *ControlBlock) Count() int {
	return int(int32(internalshm.AtomicLoadUint32(c.count)))
}

// AddCount adds delta to the arrival counter and returns the new value.
// Callers hold Mutex.
func (c *ControlBlock) AddCount(delta int) int {
	return int(int32(internalshm.AtomicAddUint32(c.count, int32(delta))))
}
