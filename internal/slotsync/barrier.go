// ============================================================================
// gnb-sched Slot Barrier - Per-Slot Rendezvous of Real-Time Cell Workers
// ============================================================================
//
// Package: internal/slotsync
// File: barrier.go
// Function: Lets N cell worker goroutines agree that a slot's per-cell work
//           is complete before a single cross-cell completion step runs
//
// Algorithm (per Wait call):
//   1. A tick different from the last one resets remaining := n
//   2. remaining--
//   3. remaining == 0: run completion on this goroutine, then wake everyone
//   4. otherwise: park until the tick's completion has returned
//
// Failure Semantics:
//   No timeout and no cancellation. A participant that never arrives blocks
//   the others for that tick forever; the participant set is fixed (one per
//   cell) and agreed out of band.
//
// ============================================================================

package slotsync

import (
	"sync"
	"time"
)

// Observer is notified once per completed tick. skew is the time between the
// first arrival and the start of the completion step.
type Observer interface {
	SlotCompleted(tick uint64, skew time.Duration)
}

// Barrier synchronizes a fixed set of participants once per tick.
type Barrier struct {
	observer Observer

	mu        sync.Mutex
	cond      *sync.Cond
	started   bool
	lastTick  uint64
	remaining int
	released  bool
	firstSeen time.Time
}

// New creates a Barrier. observer may be nil.
func New(observer Observer) *Barrier {
	b := &Barrier{observer: observer}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Wait registers the caller's arrival for tick. The last of n arrivals runs
// completion synchronously; every caller returns only after completion has
// returned. All participants of a tick must pass the same n.
//
// Wait returns false, without blocking or running completion, when called for
// a tick whose completion already started.
func (b *Barrier) Wait(tick uint64, n int, completion func()) bool {
	if n <= 0 {
		panic("slotsync: participant count must be positive")
	}

	b.mu.Lock()
	if !b.started || tick != b.lastTick {
		b.started = true
		b.lastTick = tick
		b.remaining = n
		b.released = false
		b.firstSeen = time.Now()
	} else if b.remaining == 0 {
		b.mu.Unlock()
		return false
	}

	b.remaining--
	if b.remaining == 0 {
		skew := time.Since(b.firstSeen)
		b.mu.Unlock()

		b.complete(completion)
		if b.observer != nil {
			b.observer.SlotCompleted(tick, skew)
		}
		return true
	}

	for b.lastTick == tick && !b.released {
		b.cond.Wait()
	}
	b.mu.Unlock()
	return true
}

// complete runs completion and releases the waiters even if it panics.
func (b *Barrier) complete(completion func()) {
	defer func() {
		b.mu.Lock()
		b.released = true
		b.cond.Broadcast()
		b.mu.Unlock()
	}()

	if completion != nil {
		completion()
	}
}

// LastTick returns the most recent tick seen by the barrier.
func (b *Barrier) LastTick() (tick uint64, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastTick, b.started
}
