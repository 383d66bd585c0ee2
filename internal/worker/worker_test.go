package worker

// ============================================================================
// Cell Worker Pool Test File
// Purpose: Verify slot fan-out, per-slot decisions, graceful shutdown
// ============================================================================

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ChuLiYu/gnb-sched/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// loadHandler reports the cell index as load
var loadHandler = HandlerFunc(func(_ context.Context, cell types.CellIndex, _ types.Slot) Report {
	return Report{Load: int(cell) + 1}
})

// runSlots starts the pool on a fresh clock, advances n slots and shuts down
func runSlots(t *testing.T, pool *Pool, cells, n int) {
	t.Helper()

	clock := NewClock(cells, 1)
	require.NoError(t, pool.Start(context.Background(), clock))
	for i := 0; i < n; i++ {
		_, ok := clock.Advance()
		require.True(t, ok)
	}
	clock.Close()
	pool.Stop()
}

// ============================================================================
// Basic Functionality Tests
// ============================================================================

// TestNewPool tests creating the cell pool
func TestNewPool(t *testing.T) {
	pool := NewPool(4, loadHandler, nil, nil)
	assert.NotNil(t, pool)
	assert.Equal(t, 0, pool.GetWorkerCount())
	assert.False(t, pool.IsStarted())
	assert.Panics(t, func() { NewPool(0, loadHandler, nil, nil) })
}

// TestPoolStart tests starting one worker per cell
func TestPoolStart(t *testing.T) {
	pool := NewPool(3, loadHandler, nil, nil)
	clock := NewClock(3, 1)

	require.NoError(t, pool.Start(context.Background(), clock))
	assert.Equal(t, 3, pool.GetWorkerCount())
	assert.True(t, pool.IsStarted())

	// Try to start again
	assert.ErrorIs(t, pool.Start(context.Background(), clock), ErrPoolStarted)

	clock.Close()
	pool.Stop()
	assert.ErrorIs(t, pool.Start(context.Background(), clock), ErrPoolClosed)
}

// TestPoolDecidesEverySlot tests one decision per slot with every cell's report
func TestPoolDecidesEverySlot(t *testing.T) {
	const cells = 3
	const slots = 50

	var decided []types.Slot
	var bad atomic.Int32
	decider := DeciderFunc(func(slot types.Slot, reports []Report) {
		decided = append(decided, slot)
		for i, r := range reports {
			if r.Slot != slot || int(r.Cell) != i || r.Load != i+1 {
				bad.Add(1)
			}
		}
	})

	pool := NewPool(cells, loadHandler, decider, nil)
	runSlots(t, pool, cells, slots)

	require.Len(t, decided, slots)
	for i, s := range decided {
		assert.Equal(t, types.Slot(i), s)
	}
	assert.Equal(t, int32(0), bad.Load())
	assert.Equal(t, uint64(slots), pool.SlotsDecided())

	last, ok := pool.LastSlot()
	assert.True(t, ok)
	assert.Equal(t, types.Slot(slots-1), last)
}

// TestNoCellAheadOfDecision tests that slot k starts only after the decision
// of slot k-1 returned
func TestNoCellAheadOfDecision(t *testing.T) {
	const cells = 4
	var pool *Pool
	var violations atomic.Int32

	handler := HandlerFunc(func(_ context.Context, _ types.CellIndex, slot types.Slot) Report {
		if pool.SlotsDecided() != uint64(slot) {
			violations.Add(1)
		}
		return Report{}
	})
	decider := DeciderFunc(func(types.Slot, []Report) {
		time.Sleep(100 * time.Microsecond)
	})

	pool = NewPool(cells, handler, decider, nil)
	runSlots(t, pool, cells, 100)

	assert.Equal(t, int32(0), violations.Load())
	assert.Equal(t, uint64(100), pool.SlotsDecided())
}

// TestHandlerPanicStillArrives tests that a panicking cell does not stall the slot
func TestHandlerPanicStillArrives(t *testing.T) {
	handler := HandlerFunc(func(_ context.Context, cell types.CellIndex, slot types.Slot) Report {
		if cell == 1 && slot == 2 {
			panic("cell failure")
		}
		return Report{Load: 1}
	})

	var mu sync.Mutex
	loads := map[types.Slot]int{}
	decider := DeciderFunc(func(slot types.Slot, reports []Report) {
		mu.Lock()
		defer mu.Unlock()
		for _, r := range reports {
			loads[slot] += r.Load
		}
	})

	pool := NewPool(2, handler, decider, nil)
	runSlots(t, pool, 2, 4)

	assert.Equal(t, uint64(4), pool.SlotsDecided())
	assert.Equal(t, 2, loads[1])
	assert.Equal(t, 1, loads[2])
}

// TestDeciderPanicKeepsRunning tests that a panicking decision is logged and
// the following slots are still decided
func TestDeciderPanicKeepsRunning(t *testing.T) {
	var mu sync.Mutex
	var decided []types.Slot
	decider := DeciderFunc(func(slot types.Slot, _ []Report) {
		if slot == 1 {
			panic("policy bug")
		}
		mu.Lock()
		decided = append(decided, slot)
		mu.Unlock()
	})

	pool := NewPool(2, loadHandler, decider, nil)
	assert.NotPanics(t, func() { runSlots(t, pool, 2, 4) })

	assert.Equal(t, uint64(4), pool.SlotsDecided())
	assert.Equal(t, []types.Slot{0, 2, 3}, decided)

	last, ok := pool.LastSlot()
	assert.True(t, ok)
	assert.Equal(t, types.Slot(3), last)
}

// TestStopBeforeStart tests stopping an idle pool
func TestStopBeforeStart(t *testing.T) {
	pool := NewPool(2, loadHandler, nil, nil)
	pool.Stop()
	pool.Stop()

	_, ok := pool.LastSlot()
	assert.False(t, ok)
}

// ============================================================================
// Clock Tests
// ============================================================================

// TestClockRun tests ticker-driven slots until cancellation
func TestClockRun(t *testing.T) {
	const cells = 2
	pool := NewPool(cells, loadHandler, nil, nil)
	clock := NewClock(cells, 4)
	require.NoError(t, pool.Start(context.Background(), clock))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	clock.Run(ctx, time.Millisecond)

	clock.Close()
	pool.Stop()
	assert.Greater(t, pool.SlotsDecided(), uint64(0))
}

// TestClockClosed tests Advance after Close
func TestClockClosed(t *testing.T) {
	clock := NewClock(1, 1)
	slot, ok := clock.Advance()
	assert.True(t, ok)
	assert.Equal(t, types.Slot(0), slot)

	clock.Close()
	clock.Close()
	_, ok = clock.Advance()
	assert.False(t, ok)
}

// ============================================================================
// Benchmarks
// ============================================================================

// BenchmarkPoolSlot measures one barrier-synchronized slot across 4 cells
func BenchmarkPoolSlot(b *testing.B) {
	const cells = 4
	pool := NewPool(cells, loadHandler, nil, nil)
	clock := NewClock(cells, 1)
	if err := pool.Start(context.Background(), clock); err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		clock.Advance()
	}
	clock.Close()
	pool.Stop()
}
