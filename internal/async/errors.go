package async

import "errors"

var (
	// ErrQueueFull is returned by Schedule when the pending queue is at capacity.
	ErrQueueFull = errors.New("async: scheduler queue is full")
	// ErrSchedulerStopped is returned by Schedule once RequestStop has been called.
	ErrSchedulerStopped = errors.New("async: scheduler is stopped")
	// ErrAbandoned is returned by Receiver.Wait when the sender side was closed
	// without ever setting a value.
	ErrAbandoned = errors.New("async: event abandoned without a value")
)
