// ============================================================================
// gnb-sched Cell Worker - Per-Cell Slot Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Runs the per-slot work of one cell on a dedicated goroutine
//
// How it works:
//   Each Worker is an independent goroutine that continuously executes the following loop:
//   1. Receive the next slot from its SlotSource channel (blocking wait)
//   2. Run the cell-local Handler for that slot
//   3. Store the Report and arrive at the slot barrier
//   4. The last cell to arrive runs the cross-cell decision
//   5. Repeat until the slot channel is closed
//
// Execution Model:
//   ┌──────────────────────────────────────────┐
//   │  Worker Goroutine (cell N)               │
//   │  ┌───────────────────────────────────┐   │
//   │  │ for slot := range slots           │   │
//   │  │   ├─ report = HandleSlot(slot)    │   │
//   │  │   ├─ reports[N] = report          │   │
//   │  │   └─ barrier.Wait(slot, cells)    │   │
//   │  └───────────────────────────────────┘   │
//   └──────────────────────────────────────────┘
//
// Exit:
//   A worker never leaves in the middle of a slot. It exits only when the
//   source closes its channel, and the source closes all channels between
//   two slots, so no barrier is left waiting for a missing cell.
//
// ============================================================================

package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/gnb-sched/pkg/types"
)

// Worker represents the execution unit of one cell
type Worker struct {
	cell  types.CellIndex   // cell handled by this worker
	slots <-chan types.Slot // slot indications (read-only)
	pool  *Pool             // owning pool, holds the barrier and the reports
}

// newWorker creates a new Worker instance
func newWorker(cell types.CellIndex, slots <-chan types.Slot, pool *Pool) *Worker {
	return &Worker{
		cell:  cell,
		slots: slots,
		pool:  pool,
	}
}

// Run is the main loop of Worker. It returns when the slot channel is closed.
func (w *Worker) Run(ctx context.Context) {
	for slot := range w.slots {
		w.handle(ctx, slot)
	}
	log.Debug("Cell worker exited", "cell", w.cell)
}

// handle executes one slot and joins the barrier
func (w *Worker) handle(ctx context.Context, slot types.Slot) {
	start := time.Now()
	report := w.execute(ctx, slot)
	report.Cell = w.cell
	report.Slot = slot
	if report.Duration == 0 {
		report.Duration = time.Since(start)
	}

	p := w.pool
	p.reports[w.cell] = report
	p.barrier.Wait(uint64(slot), p.nofCells, func() { p.decide(slot) })
}

// execute runs the handler and turns a panic into an empty report, so the
// cell still arrives at the barrier
func (w *Worker) execute(ctx context.Context, slot types.Slot) (report Report) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("Cell handler panicked", "cell", w.cell, "slot", slot, "panic", r)
			report = Report{}
		}
	}()
	return w.pool.handler.HandleSlot(ctx, w.cell, slot)
}
