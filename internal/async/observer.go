package async

import "time"

// Observer receives lifecycle notifications from a FifoScheduler.
// Calls are made from the goroutine that triggered them and must not block.
type Observer interface {
	TaskScheduled(group string)
	TaskRejected(group string, err error)
	TaskStarted(group string, queued time.Duration)
	TaskDone(group string, ran time.Duration)
	TasksDiscarded(group string, n int)
}

type nopObserver struct{}

func (nopObserver) TaskScheduled(string)              {}
func (nopObserver) TaskRejected(string, error)        {}
func (nopObserver) TaskStarted(string, time.Duration) {}
func (nopObserver) TaskDone(string, time.Duration)    {}
func (nopObserver) TasksDiscarded(string, int)        {}
