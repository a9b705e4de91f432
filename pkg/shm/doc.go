// Package shm provides the shared region used by brother processes to
// rendezvous: a named POSIX shared memory object holding a fixed-size control
// block with three process-shared semaphores and an arrival counter.
//
// The owner creates the region by name; other processes attach either by
// name (Open) or through a descriptor inherited across spawn (OpenByHandle):
//
//	r, err := shm.Create("/queue_reset_shm", 2)
//	if err != nil {
//		return err
//	}
//	defer r.Destroy(true)
//	// launch the brother with r.Handle() at a well-known slot ...
//
// Semaphores are futex based and live entirely inside the mapping, so a
// region can only be used on Linux. Platform-specific helpers are in
// internal/shm.
package shm
