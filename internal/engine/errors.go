package engine

import "errors"

var (
	// ErrNotInitialized is returned by every operation before Initialize
	// has completed.
	ErrNotInitialized = errors.New("engine not initialized")

	// ErrShuttingDown is returned once Shutdown has begun.
	ErrShuttingDown = errors.New("engine shutting down")

	// ErrCheckpointNotFound is returned when a restore names a checkpoint
	// that does not exist.
	ErrCheckpointNotFound = errors.New("checkpoint not found")
)
