package shm

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// Uint32At returns a pointer to the 4-byte word at off inside a mapping.
// off must be 4-byte aligned; mappings are page aligned.
func Uint32At(mem []byte, off int) *uint32 {
	if off%4 != 0 || off+4 > len(mem) {
		panic(fmt.Sprintf("shm: word offset %d out of range or unaligned (len %d)", off, len(mem)))
	}
	return (*uint32)(unsafe.Pointer(&mem[off]))
}

// AtomicLoadUint32 loads a uint32 from shared memory atomically.
func AtomicLoadUint32(addr *uint32) uint32 {
	return atomic.LoadUint32(addr)
}

// AtomicStoreUint32 stores a uint32 to shared memory atomically.
func AtomicStoreUint32(addr *uint32, val uint32) {
	atomic.StoreUint32(addr, val)
}

// AtomicAddUint32 adds delta to a uint32 in shared memory and returns the new value.
func AtomicAddUint32(addr *uint32, delta int32) uint32 {
	return atomic.AddUint32(addr, uint32(delta))
}

// AtomicCompareAndSwapUint32 atomically compares and swaps a uint32 in shared memory.
func AtomicCompareAndSwapUint32(addr *uint32, old, new uint32) bool {
	return atomic.CompareAndSwapUint32(addr, old, new)
}
