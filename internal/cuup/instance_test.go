package cuup

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/gnb-sched/internal/async"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestInstance(t *testing.T, keepAlive time.Duration) (*Instance, *async.FifoScheduler) {
	t.Helper()

	sched := async.NewFifoScheduler(async.FifoConfig{Name: "cuup-test", QueueSize: 64})
	t.Cleanup(func() { <-sched.RequestStop().Done() })

	inst, err := NewInstance(Config{ID: 7, Scheduler: sched, KeepAlive: keepAlive})
	require.NoError(t, err)
	return inst, sched
}

// TestInstanceKeepAlive tests that the control loop schedules keep-alives
func TestInstanceKeepAlive(t *testing.T) {
	inst, _ := newTestInstance(t, time.Millisecond)

	require.NoError(t, inst.Start())
	defer inst.Stop()
	assert.True(t, inst.IsRunning())
	assert.ErrorIs(t, inst.Start(), ErrAlreadyRunning)

	assert.Eventually(t, func() bool { return inst.KeepAlives() >= 3 },
		2*time.Second, time.Millisecond)
	assert.False(t, inst.LastSeen().IsZero())
}

// TestInstanceStopIgnoresQueuedKeepAlive tests a keep-alive queued before Stop
func TestInstanceStopIgnoresQueuedKeepAlive(t *testing.T) {
	inst, sched := newTestInstance(t, time.Hour)
	require.NoError(t, inst.Start())

	// hold the scheduler so the keep-alive stays queued
	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, sched.Schedule(func(context.Context) {
		close(started)
		<-release
	}))
	<-started
	require.NoError(t, sched.Schedule(inst.keepAliveTask))

	inst.Stop()
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := async.OffloadFunc(context.Background(), sched, func(context.Context) {}).Wait(ctx)
	require.NoError(t, err)

	assert.Equal(t, uint64(0), inst.KeepAlives())
	assert.False(t, inst.IsRunning())
}

// TestInstanceStartStopRace tests Start/Stop from many goroutines against the loop
func TestInstanceStartStopRace(t *testing.T) {
	inst, _ := newTestInstance(t, 100*time.Microsecond)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := 0; n < 50; n++ {
				_ = inst.Start()
				inst.Stop()
			}
		}()
	}
	wg.Wait()

	inst.Stop()
	assert.False(t, inst.IsRunning())
}

// TestInstanceRestart tests that a stopped instance can start again
func TestInstanceRestart(t *testing.T) {
	inst, _ := newTestInstance(t, time.Millisecond)

	require.NoError(t, inst.Start())
	inst.Stop()
	inst.Stop()
	require.NoError(t, inst.Start())
	defer inst.Stop()

	assert.Eventually(t, func() bool { return inst.KeepAlives() > 0 },
		2*time.Second, time.Millisecond)
	assert.Equal(t, uint64(7), uint64(inst.ID()))
}

// TestNewInstanceRequiresScheduler tests the constructor guard
func TestNewInstanceRequiresScheduler(t *testing.T) {
	_, err := NewInstance(Config{ID: 1})
	assert.ErrorIs(t, err, ErrNoScheduler)
}
