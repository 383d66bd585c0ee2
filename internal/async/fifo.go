// ============================================================================
// gnb-sched FIFO Scheduler - Per-Entity Task Sequencer
// ============================================================================
//
// Package: internal/async
// File: fifo.go
// Function: Runs the control-plane tasks of one entity strictly one at a time,
//           in submission order
//
// How it works:
//   Each FifoScheduler owns a bounded queue and one driver goroutine that
//   continuously executes the following loop:
//   1. Pop the next task from the queue (parks while the queue is empty)
//   2. Run the task body to completion on the driver goroutine
//   3. Repeat until the stop sentinel is popped
//
// Execution Model:
//   ┌──────────────────────────────────────┐
//   │  Driver Goroutine                    │
//   │  ┌───────────────────────────────┐   │
//   │  │ for item := range queue       │   │
//   │  │   ├─ sentinel? -> Stopped     │   │
//   │  │   └─ item.run(ctx)            │   │
//   │  └───────────────────────────────┘   │
//   └──────────────────────────────────────┘
//
//   All state owned by an entity is only mutated from tasks scheduled on that
//   entity's scheduler, so the entity needs no further locking.
//
// Lifecycle:
//   Running --RequestStop()--> Stopping --sentinel popped--> Stopped
//   RequestStop drops queued tasks, lets the running task finish and is
//   idempotent. Nothing leaves Stopped.
//
// Error Handling:
//   - ErrQueueFull: queue at capacity, task not accepted
//   - ErrSchedulerStopped: RequestStop already called, task not accepted
//   - A panicking task is recovered and logged; the driver keeps running
//
// ============================================================================

package async

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var log = slog.Default()

// DefaultQueueSize is used when FifoConfig.QueueSize is not positive.
const DefaultQueueSize = 16

// Task is a unit of asynchronous work. The body runs on the driver goroutine
// of the scheduler it was submitted to; blocking inside the body suspends that
// scheduler until the body returns.
type Task func(ctx context.Context)

// State of a FifoScheduler.
type State int32

const (
	StateRunning State = iota
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// FifoConfig configures a FifoScheduler.
type FifoConfig struct {
	Name      string   // Scheduler name, used for logging
	Group     string   // Metric label shared by schedulers of the same kind
	QueueSize int      // Maximum number of pending tasks
	Observer  Observer // Optional lifecycle hooks
}

type queuedTask struct {
	run      Task
	discard  func()
	enqueued time.Time
	sentinel bool
}

// FifoScheduler executes tasks strictly in FIFO order, one at a time.
type FifoScheduler struct {
	name     string
	group    string
	observer Observer
	ctx      context.Context

	mu    sync.Mutex // guards state and every push onto queue
	state State
	queue chan queuedTask

	stopTx *Sender[struct{}]
	stopRx *Receiver[struct{}]
}

type schedulerKey struct{}

// CurrentScheduler returns the scheduler whose driver is running the task that
// received ctx, or nil outside of a scheduled task.
func CurrentScheduler(ctx context.Context) *FifoScheduler {
	s, _ := ctx.Value(schedulerKey{}).(*FifoScheduler)
	return s
}

// NewFifoScheduler creates a scheduler and starts its driver goroutine.
func NewFifoScheduler(cfg FifoConfig) *FifoScheduler {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	s := &FifoScheduler{
		name:     cfg.Name,
		group:    cfg.Group,
		observer: cfg.Observer,
		state:    StateRunning,
		queue:    make(chan queuedTask, cfg.QueueSize),
	}
	s.ctx = context.WithValue(context.Background(), schedulerKey{}, s)
	s.stopTx, s.stopRx = NewEvent[struct{}]()

	go s.run()
	return s
}

// Name returns the scheduler name.
func (s *FifoScheduler) Name() string { return s.name }

// State returns the current lifecycle state.
func (s *FifoScheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Len returns the number of queued tasks that have not started yet.
func (s *FifoScheduler) Len() int { return len(s.queue) }

// Schedule enqueues task. It returns ErrQueueFull or ErrSchedulerStopped when
// the task was not accepted; an accepted task runs after every task accepted
// before it.
func (s *FifoScheduler) Schedule(task Task) error {
	return s.ScheduleWithDiscard(task, nil)
}

// ScheduleWithDiscard is like Schedule, and additionally calls discard if the
// task is dropped by ClearPendingTasks or RequestStop before it starts. discard
// is not called when ScheduleWithDiscard itself returns an error.
func (s *FifoScheduler) ScheduleWithDiscard(task Task, discard func()) error {
	err := s.push(queuedTask{run: task, discard: discard, enqueued: time.Now()})
	if err != nil {
		s.observer.TaskRejected(s.group, err)
		return err
	}
	s.observer.TaskScheduled(s.group)
	return nil
}

func (s *FifoScheduler) push(item queuedTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateRunning {
		return ErrSchedulerStopped
	}
	select {
	case s.queue <- item:
		return nil
	default:
		return ErrQueueFull
	}
}

// Execute runs fn as a task. It reports whether fn was accepted, which lets a
// scheduler serve as the executor of timer callbacks.
func (s *FifoScheduler) Execute(fn func()) bool {
	return s.Schedule(func(context.Context) { fn() }) == nil
}

// ClearPendingTasks drops every queued task that has not started yet, without
// stopping the scheduler. It returns the number of dropped tasks.
func (s *FifoScheduler) ClearPendingTasks() int {
	s.mu.Lock()
	dropped, sentinel := s.drainLocked()
	if sentinel {
		// the stop sentinel is not a pending task, put it back
		s.queue <- queuedTask{sentinel: true}
	}
	s.mu.Unlock()

	s.discard(dropped)
	return len(dropped)
}

// RequestStop moves the scheduler to Stopping, drops all queued tasks and
// enqueues the stop sentinel behind the task currently running, if any. The
// returned receiver resolves once the driver goroutine has exited. Calling
// RequestStop again returns the same receiver.
func (s *FifoScheduler) RequestStop() *Receiver[struct{}] {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return s.stopRx
	}
	s.state = StateStopping
	dropped, _ := s.drainLocked()
	// only the driver pops and every push holds mu, so the queue has room
	s.queue <- queuedTask{sentinel: true}
	s.mu.Unlock()

	s.discard(dropped)
	log.Debug("Scheduler stop requested", "scheduler", s.name, "dropped", len(dropped))
	return s.stopRx
}

// Stopped returns a channel closed once the driver goroutine has exited.
func (s *FifoScheduler) Stopped() <-chan struct{} {
	return s.stopRx.Done()
}

func (s *FifoScheduler) drainLocked() (dropped []queuedTask, sentinel bool) {
	for {
		select {
		case item := <-s.queue:
			if item.sentinel {
				sentinel = true
				continue
			}
			dropped = append(dropped, item)
		default:
			return dropped, sentinel
		}
	}
}

// discard runs the discard hooks outside of mu, since a hook may schedule
// again onto this scheduler.
func (s *FifoScheduler) discard(dropped []queuedTask) {
	if len(dropped) == 0 {
		return
	}
	for _, item := range dropped {
		if item.discard != nil {
			item.discard()
		}
	}
	s.observer.TasksDiscarded(s.group, len(dropped))
}

// run is the driver loop. Each task runs on this goroutine's own stack and
// returns here before the next one is popped.
func (s *FifoScheduler) run() {
	for item := range s.queue {
		if item.sentinel {
			s.mu.Lock()
			s.state = StateStopped
			s.mu.Unlock()

			s.stopTx.Set(struct{}{})
			log.Debug("Scheduler stopped", "scheduler", s.name)
			return
		}
		s.execute(item)
	}
}

func (s *FifoScheduler) execute(item queuedTask) {
	start := time.Now()
	s.observer.TaskStarted(s.group, start.Sub(item.enqueued))

	defer func() {
		if r := recover(); r != nil {
			log.Error("Task panicked", "scheduler", s.name, "panic", r)
		}
		s.observer.TaskDone(s.group, time.Since(start))
	}()

	item.run(s.ctx)
}
