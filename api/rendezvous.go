// Package api defines the public contracts of brother-shm.
package api

// Rendezvous is a meeting point for a fixed number of processes. Enter
// returns once every participant has entered; Exit returns once every
// participant has exited.
type Rendezvous interface {
	Enter() error
	Exit() error
	// Run calls fn between Enter and Exit.
	Run(fn func() error) error
}

// Session is a Rendezvous holding process-wide resources that Close
// releases.
type Session interface {
	Rendezvous
	Close() error
}
