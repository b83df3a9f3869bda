package registry

import "errors"

var (
	// ErrNoCandidates is returned by a selection strategy when no hosts
	// remain to choose from.
	ErrNoCandidates = errors.New("no candidate hosts remaining")

	// ErrWorkerExists is returned when registering an already-known worker
	ErrWorkerExists = errors.New("worker already registered")

	// ErrWorkerNotFound is returned when a worker is not known to the registry
	ErrWorkerNotFound = errors.New("worker not found")
)
