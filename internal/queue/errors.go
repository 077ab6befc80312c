package queue

import "errors"

// Sentinel errors for the queue package.
var (
	// ErrQueueFull is returned by Enqueue when the queue holds Depth jobs
	// that have not started yet. Callers should treat it as transient.
	ErrQueueFull = errors.New("queue: full")

	// ErrNotRunning is returned when enqueuing on a stopped queue.
	ErrNotRunning = errors.New("queue: not running")

	// ErrAlreadyRunning is returned when Start is called twice.
	ErrAlreadyRunning = errors.New("queue: already running")

	// ErrStopped fails jobs still waiting when the queue shuts down.
	ErrStopped = errors.New("queue: stopped before injection")
)
