// ============================================================================
// gnb-sched Slot Source
// ============================================================================
//
// Package: internal/worker
// File: source.go
// Purpose: Delivers slot indications to the cell workers.
//
// Motivation:
//   Every cell worker must see exactly the same sequence of slots, otherwise
//   the barrier waits for a participant that never arrives. The Clock fans each
//   slot out to one channel per cell and only closes the channels between two
//   slots.
//
//   - Real time: Run drives Advance from a ticker.
//   - Tests: call Advance directly.
//
// ============================================================================

package worker

import (
	"context"
	"sync"
	"time"

	"github.com/ChuLiYu/gnb-sched/pkg/types"
)

// SlotSource defines where cell workers receive their slot indications from.
type SlotSource interface {
	// Subscribe returns the channel of slot indications for cell. The channel
	// is closed when the source stops.
	Subscribe(cell types.CellIndex) <-chan types.Slot
}

// Clock is a SlotSource producing consecutive slots.
type Clock struct {
	mu     sync.Mutex // serializes Advance and Close
	subs   []chan types.Slot
	next   types.Slot
	closed bool
}

// NewClock creates a clock for nofCells subscribers. buffer is the number of
// slots a worker may lag behind before Advance blocks.
func NewClock(nofCells, buffer int) *Clock {
	subs := make([]chan types.Slot, nofCells)
	for i := range subs {
		subs[i] = make(chan types.Slot, buffer)
	}
	return &Clock{subs: subs}
}

// Subscribe implements SlotSource.
func (c *Clock) Subscribe(cell types.CellIndex) <-chan types.Slot {
	return c.subs[cell]
}

// Advance delivers the next slot to every cell and returns it. It blocks
// while a worker is more than buffer slots behind. A slot is always delivered
// to every cell or to none.
func (c *Clock) Advance() (types.Slot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0, false
	}
	slot := c.next
	for _, ch := range c.subs {
		ch <- slot
	}
	c.next++
	return slot, true
}

// Run advances the clock once per period until ctx is done.
func (c *Clock) Run(ctx context.Context, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, ok := c.Advance(); !ok {
				return
			}
		}
	}
}

// Close stops the clock and closes every subscriber channel.
func (c *Clock) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	for _, ch := range c.subs {
		close(ch)
	}
}
