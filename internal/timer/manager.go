// ============================================================================
// gnb-sched Timer Manager - Tick-Driven Timers
// ============================================================================
//
// Package: internal/timer
// File: manager.go
// Function: Provides create / run / stop timers whose callbacks are dispatched
//           onto an execution context (usually a FifoScheduler)
//
// How it works:
//   The Manager keeps a logical clock counted in ticks. Every Tick():
//   1. Advance the clock by one tick
//   2. Pop every expired timer from the heap
//   3. Post its callback onto the timer's Executor
//
//   A callback re-checks the timer epoch once it runs on the executor, so a
//   timer that was stopped or re-armed in the meantime does not fire twice.
//
// ============================================================================

package timer

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"
)

var log = slog.Default()

// DefaultResolution is the duration of one tick.
const DefaultResolution = time.Millisecond

// ID identifies a timer within its Manager.
type ID uint32

// Executor runs timer callbacks. It reports false if fn was not accepted.
type Executor interface {
	Execute(fn func()) bool
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(fn func()) bool

func (f ExecutorFunc) Execute(fn func()) bool { return f(fn) }

// Inline runs callbacks on the goroutine calling Tick.
var Inline Executor = ExecutorFunc(func(fn func()) bool {
	fn()
	return true
})

type entry struct {
	when  uint64
	epoch uint64
	t     *Timer
}

type timerHeap []entry

func (h timerHeap) Len() int           { return len(h) }
func (h timerHeap) Less(i, j int) bool { return h[i].when < h[j].when }
func (h timerHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *timerHeap) Push(x any) {
	*h = append(*h, x.(entry))
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = entry{}
	*h = old[:n-1]
	return e
}

// Manager owns a set of timers driven by Tick.
type Manager struct {
	resolution time.Duration

	mu     sync.Mutex
	now    uint64
	nextID ID
	heap   timerHeap
	timers map[ID]*Timer
}

// NewManager creates a Manager whose ticks last resolution.
func NewManager(resolution time.Duration) *Manager {
	if resolution <= 0 {
		resolution = DefaultResolution
	}
	return &Manager{
		resolution: resolution,
		timers:     make(map[ID]*Timer),
	}
}

// Resolution returns the duration of one tick.
func (m *Manager) Resolution() time.Duration { return m.resolution }

// Now returns the number of ticks elapsed.
func (m *Manager) Now() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// NofTimers returns the number of timers not yet released.
func (m *Manager) NofTimers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

// Create allocates a timer whose callbacks run on exec.
func (m *Manager) Create(exec Executor) *Timer {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	t := &Timer{m: m, id: m.nextID, exec: exec}
	m.timers[t.id] = t
	return t
}

type expired struct {
	t     *Timer
	epoch uint64
	cb    func(ID)
}

// Tick advances the clock by one tick and dispatches expired timers.
func (m *Manager) Tick() {
	m.mu.Lock()
	m.now++
	var fired []expired
	for m.heap.Len() > 0 && m.heap[0].when <= m.now {
		e := heap.Pop(&m.heap).(entry)
		if !e.t.running || e.epoch != e.t.epoch {
			continue
		}
		e.t.running = false
		fired = append(fired, expired{t: e.t, epoch: e.epoch, cb: e.t.cb})
	}
	m.mu.Unlock()

	for _, f := range fired {
		f := f
		if !f.t.exec.Execute(func() { m.fire(f) }) {
			log.Warn("Timer callback dropped by executor", "timer", f.t.id)
		}
	}
}

func (m *Manager) fire(f expired) {
	m.mu.Lock()
	stale := f.t.epoch != f.epoch
	m.mu.Unlock()

	if stale || f.cb == nil {
		return
	}
	f.cb(f.t.id)
}

// Run calls Tick once per resolution until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.resolution)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Tick()
		}
	}
}

func (m *Manager) ticks(d time.Duration) uint64 {
	n := uint64((d + m.resolution - 1) / m.resolution)
	if n == 0 {
		n = 1
	}
	return n
}

// Timer is a single re-armable timer.
type Timer struct {
	m    *Manager
	id   ID
	exec Executor

	// guarded by m.mu
	duration uint64
	cb       func(ID)
	running  bool
	epoch    uint64
}

// ID returns the timer identifier.
func (t *Timer) ID() ID { return t.id }

// Set configures the duration and callback, stopping the timer if it runs.
func (t *Timer) Set(d time.Duration, cb func(ID)) {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()

	t.duration = t.m.ticks(d)
	t.cb = cb
	t.running = false
	t.epoch++
}

// Run (re)starts the timer. It has no effect on a timer that was never Set.
func (t *Timer) Run() {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()

	if t.duration == 0 {
		return
	}
	t.epoch++
	t.running = true
	heap.Push(&t.m.heap, entry{when: t.m.now + t.duration, epoch: t.epoch, t: t})
}

// Stop cancels a running timer. A callback already posted to the executor
// does not run.
func (t *Timer) Stop() {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()

	t.running = false
	t.epoch++
}

// IsRunning reports whether the timer is armed and not expired.
func (t *Timer) IsRunning() bool {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	return t.running
}

// IsSet reports whether Set was called.
func (t *Timer) IsSet() bool {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	return t.duration > 0
}

// Release stops the timer and removes it from its Manager.
func (t *Timer) Release() {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()

	t.running = false
	t.epoch++
	delete(t.m.timers, t.id)
}

// Factory creates timers bound to one executor.
type Factory struct {
	Manager  *Manager
	Executor Executor
}

// Create allocates a timer on the factory's manager and executor.
func (f Factory) Create() *Timer {
	return f.Manager.Create(f.Executor)
}
