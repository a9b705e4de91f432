package shm

import (
	"fmt"

	internalshm "github.com/srediag/brother-shm/internal/shm"
)

// semaphoreSize is the footprint of a Semaphore inside a mapping: the
// permit count followed by the number of sleeping waiters.
const semaphoreSize = 8

// Semaphore is a counting semaphore stored in shared memory. Every process
// mapping the same object sees the same semaphore; sleeping is done with
// shared futexes on the permit word.
type Semaphore struct {
	value   *uint32
	waiters *uint32
}

func semaphoreAt(mem []byte, off int) *Semaphore {
	return &Semaphore{
		value:   internalshm.Uint32At(mem, off),
		waiters: internalshm.Uint32At(mem, off+4),
	}
}

func (s *Semaphore) init(permits uint32) {
	internalshm.AtomicStoreUint32(s.waiters, 0)
	internalshm.AtomicStoreUint32(s.value, permits)
}

// Value returns the number of available permits.
func (s *Semaphore) Value() uint32 {
	return internalshm.AtomicLoadUint32(s.value)
}

// TryWait takes a permit if one is available.
func (s *Semaphore) TryWait() bool {
	for {
		v := internalshm.AtomicLoadUint32(s.value)
		if v == 0 {
			return false
		}
		if internalshm.AtomicCompareAndSwapUint32(s.value, v, v-1) {
			return true
		}
	}
}

// Wait takes a permit, sleeping until one is posted. There is no timeout.
func (s *Semaphore) Wait() error {
	if s.TryWait() {
		return nil
	}
	internalshm.AtomicAddUint32(s.waiters, 1)
	defer internalshm.AtomicAddUint32(s.waiters, -1)
	for {
		if s.TryWait() {
			return nil
		}
		if err := internalshm.FutexWait(s.value, 0); err != nil {
			return fmt.Errorf("futex wait: %w", err)
		}
	}
}

// Post releases one permit.
func (s *Semaphore) Post() error {
	return s.PostN(1)
}

// PostN releases n permits at once.
func (s *Semaphore) PostN(n int) error {
	if n <= 0 {
		return nil
	}
	internalshm.AtomicAddUint32(s.value, int32(n))
	if internalshm.AtomicLoadUint32(s.waiters) == 0 {
		return nil
	}
	if _, err := internalshm.FutexWake(s.value, n); err != nil {
		return fmt.Errorf("futex wake: %w", err)
	}
	return nil
}
