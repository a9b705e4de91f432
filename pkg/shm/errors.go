package shm

import "errors"

var (
	// ErrResourceCreation wraps every failure of Create. Partially acquired
	// resources are released before it is returned.
	ErrResourceCreation = errors.New("shared region creation failed")
	// ErrInvalidHandle is returned by OpenByHandle when the descriptor is
	// closed, has the wrong size or does not hold a live control block.
	ErrInvalidHandle = errors.New("invalid shared region handle")
	// ErrNotLive is returned when a mapped object does not hold an
	// initialised control block.
	ErrNotLive = errors.New("control block is not initialised")
	// ErrParticipantMismatch is returned when the participant count stored
	// in the control block differs from the one the caller expects.
	ErrParticipantMismatch = errors.New("participant count mismatch")
	// ErrInvalidName is returned for names that cannot be used in the
	// shared memory namespace.
	ErrInvalidName = errors.New("invalid shared region name")
)
