package engine

import "errors"

var (
	ErrStopped   = errors.New("engine: stopped")
	ErrQueueFull = errors.New("engine: queue full")
	// ErrDuplicate means a job with the same key is already queued or running.
	ErrDuplicate = errors.New("engine: job already pending")
)
