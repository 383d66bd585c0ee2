package controller

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/gnb-sched/internal/async"
	"github.com/ChuLiYu/gnb-sched/internal/metrics"
	"github.com/ChuLiYu/gnb-sched/internal/registry"
	"github.com/ChuLiYu/gnb-sched/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

// createTestController creates and starts a test Controller
func createTestController(t *testing.T, mutate func(*Config)) *Controller {
	t.Helper()

	config := Config{
		QueueSize:        8,
		MaxUEs:           8,
		MaxDUs:           2,
		MaxCUUPs:         2,
		NofCells:         2,
		SlotPeriod:       time.Millisecond,
		TimerResolution:  time.Millisecond,
		ProcedureTimeout: 2 * time.Second,
		ProcessingDelay:  2 * time.Millisecond,
		KeepAlive:        time.Millisecond,
		StatsInterval:    10 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&config)
	}

	controller := NewController(config)
	if err := controller.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(controller.Stop)
	return controller
}

func request(id string, entity types.EntityKind, index uint64, kind types.ProcedureKind) types.ProcedureRequest {
	return types.ProcedureRequest{ID: types.ProcedureID(id), Entity: entity, Index: index, Kind: kind}
}

// waitForStatus waits for a procedure to reach the specified status
func waitForStatus(t *testing.T, c *Controller, id types.ProcedureID, want types.ProcedureStatus, timeout time.Duration) bool {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if rec, ok := c.Procedure(id); ok && rec.Status == want {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	rec, _ := c.Procedure(id)
	t.Errorf("procedure %s: status %s, want %s (error %q)", id, rec.Status, want, rec.Error)
	return false
}

// submitAndWait submits a procedure and waits for it to complete
func submitAndWait(t *testing.T, c *Controller, req types.ProcedureRequest) {
	t.Helper()
	require.NoError(t, c.HandleProcedure(req))
	require.True(t, waitForStatus(t, c, req.ID, types.StatusCompleted, 2*time.Second))
}

// setupDU brings DU du into service
func setupDU(t *testing.T, c *Controller, du uint64) {
	t.Helper()
	submitAndWait(t, c, request(fmt.Sprintf("du-setup-%d", du), types.EntityDU, du, types.ProcedureSetup))
}

// ============================================================================
// Basic Functionality Tests
// ============================================================================

// TestNewController tests Controller initialization
func TestNewController(t *testing.T) {
	controller := NewController(Config{})
	defer controller.Stop()

	assert.Equal(t, types.MaxNofUEs, controller.config.MaxUEs)
	assert.Equal(t, 1, controller.config.NofCells)

	status := controller.GetStatus()
	for _, key := range []string{"uptime", "cells", "ues", "dus", "cuups", "pending", "completed", "dropped"} {
		if _, ok := status[key]; !ok {
			t.Errorf("status missing %s field", key)
		}
	}

	err := controller.HandleProcedure(request("p", types.EntityDU, 0, types.ProcedureSetup))
	assert.ErrorIs(t, err, ErrNotStarted)
}

// TestStartStop tests the controller lifecycle guards
func TestStartStop(t *testing.T) {
	controller := NewController(Config{NofCells: 2})

	require.NoError(t, controller.Start())
	assert.ErrorIs(t, controller.Start(), ErrAlreadyStarted)

	controller.Stop()
	controller.Stop()

	assert.ErrorIs(t, controller.Start(), ErrStopped)
	err := controller.HandleProcedure(request("late", types.EntityDU, 0, types.ProcedureSetup))
	assert.ErrorIs(t, err, ErrStopped)
}

// TestStopBeforeStart tests stopping a controller that never started
func TestStopBeforeStart(t *testing.T) {
	controller := NewController(Config{})

	done := make(chan struct{})
	go func() {
		controller.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop blocked")
	}
}

// TestInvalidRequests tests request validation
func TestInvalidRequests(t *testing.T) {
	controller := createTestController(t, nil)

	tests := []struct {
		name string
		req  types.ProcedureRequest
		want error
	}{
		{"empty id", request("", types.EntityUE, 0, types.ProcedureSetup), ErrInvalidProcedure},
		{"unknown kind", request("p1", types.EntityUE, 0, "handover"), ErrInvalidProcedure},
		{"unknown entity", request("p2", "amf", 0, types.ProcedureSetup), ErrInvalidProcedure},
		{"ue out of range", request("p3", types.EntityUE, 100, types.ProcedureSetup), registry.ErrEntityOutOfRange},
		{"ue beyond uint32", request("p4", types.EntityUE, 1<<40, types.ProcedureSetup), registry.ErrEntityOutOfRange},
		{"release unknown du", request("p5", types.EntityDU, 1, types.ProcedureRelease), registry.ErrUnknownEntity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := controller.HandleProcedure(tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

// TestDuplicateProcedure tests that procedure ids are unique
func TestDuplicateProcedure(t *testing.T) {
	controller := createTestController(t, nil)

	setupDU(t, controller, 0)
	err := controller.HandleProcedure(request("du-setup-0", types.EntityDU, 1, types.ProcedureSetup))
	assert.Error(t, err)
	assert.Equal(t, 1, controller.GetStatus()["dus"])
}

// ============================================================================
// Procedure Workflow Tests
// ============================================================================

// TestUEAttachDetach tests UE setup and release with DU bookkeeping offloaded
// onto the DU scheduler
func TestUEAttachDetach(t *testing.T) {
	controller := createTestController(t, nil)
	ctx := context.Background()

	setupDU(t, controller, 1)

	setup := request("ue-setup", types.EntityUE, 3, types.ProcedureSetup)
	setup.DU = 1
	submitAndWait(t, controller, setup)

	info, err := controller.DUContext(ctx, 1)
	require.NoError(t, err)
	assert.True(t, info.Active)
	assert.Equal(t, 1, info.UEs)
	assert.Equal(t, 1, controller.GetStatus()["ues"])

	submitAndWait(t, controller, request("ue-modify", types.EntityUE, 3, types.ProcedureModify))
	submitAndWait(t, controller, request("ue-release", types.EntityUE, 3, types.ProcedureRelease))

	info, err = controller.DUContext(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, info.UEs)
	assert.Equal(t, 0, controller.GetStatus()["ues"])
}

// TestUESetupOnInactiveDU tests that a failed setup rolls the UE back
func TestUESetupOnInactiveDU(t *testing.T) {
	controller := createTestController(t, nil)

	// DU 1 was never set up
	setup := request("ue-setup", types.EntityUE, 2, types.ProcedureSetup)
	setup.DU = 1
	require.NoError(t, controller.HandleProcedure(setup))
	require.True(t, waitForStatus(t, controller, "ue-setup", types.StatusFailed, 2*time.Second))

	rec, _ := controller.Procedure("ue-setup")
	assert.Contains(t, rec.Error, "du 1")
	assert.Eventually(t, func() bool { return controller.GetStatus()["ues"] == 0 },
		time.Second, time.Millisecond)
}

// TestSetupExistingEntity tests that a live entity cannot be set up twice
func TestSetupExistingEntity(t *testing.T) {
	controller := createTestController(t, nil)

	setupDU(t, controller, 0)
	err := controller.HandleProcedure(request("again", types.EntityDU, 0, types.ProcedureSetup))
	assert.ErrorIs(t, err, registry.ErrEntityExists)

	rec, ok := controller.Procedure("again")
	require.True(t, ok)
	assert.Equal(t, types.StatusFailed, rec.Status)
}

// TestPerEntityOrdering tests that procedures of one entity run one after another
func TestPerEntityOrdering(t *testing.T) {
	controller := createTestController(t, nil)
	setupDU(t, controller, 0)

	const n = 6
	for i := 0; i < n; i++ {
		require.NoError(t, controller.HandleProcedure(
			request(fmt.Sprintf("mod-%d", i), types.EntityDU, 0, types.ProcedureModify)))
	}
	require.True(t, waitForStatus(t, controller, types.ProcedureID(fmt.Sprintf("mod-%d", n-1)),
		types.StatusCompleted, 2*time.Second))

	var prev types.ProcedureRecord
	for i := 0; i < n; i++ {
		rec, ok := controller.Procedure(types.ProcedureID(fmt.Sprintf("mod-%d", i)))
		require.True(t, ok)
		require.Equal(t, types.StatusCompleted, rec.Status)
		if i > 0 {
			assert.False(t, rec.StartedAt.Before(prev.EndedAt), "mod-%d started before mod-%d ended", i, i-1)
		}
		prev = rec
	}

	info, err := controller.DUContext(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, n, info.Modifications)
}

// TestResetDropsPending tests that reset abandons queued procedures only
func TestResetDropsPending(t *testing.T) {
	controller := createTestController(t, func(c *Config) {
		c.ProcessingDelay = 50 * time.Millisecond
	})

	require.NoError(t, controller.HandleProcedure(request("setup", types.EntityDU, 0, types.ProcedureSetup)))
	require.True(t, waitForStatus(t, controller, "setup", types.StatusRunning, time.Second))
	for i := 0; i < 3; i++ {
		require.NoError(t, controller.HandleProcedure(
			request(fmt.Sprintf("mod-%d", i), types.EntityDU, 0, types.ProcedureModify)))
	}
	require.NoError(t, controller.HandleProcedure(request("reset", types.EntityDU, 0, types.ProcedureReset)))

	for i := 0; i < 3; i++ {
		rec, _ := controller.Procedure(types.ProcedureID(fmt.Sprintf("mod-%d", i)))
		assert.Equal(t, types.StatusDropped, rec.Status)
	}
	rec, _ := controller.Procedure("reset")
	assert.Equal(t, types.StatusCompleted, rec.Status)

	// the running setup is not affected
	require.True(t, waitForStatus(t, controller, "setup", types.StatusCompleted, 2*time.Second))
	info, err := controller.DUContext(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 0, info.Modifications)
}

// TestResetDropsQueuedSetup tests that a setup dropped before it ran leaves
// no live entity behind
func TestResetDropsQueuedSetup(t *testing.T) {
	controller := createTestController(t, nil)

	setupDU(t, controller, 0)
	sched, err := controller.dus.Scheduler(0)
	require.NoError(t, err)
	submitAndWait(t, controller, request("du-release", types.EntityDU, 0, types.ProcedureRelease))

	// hold the DU scheduler so the next setup stays queued
	release := make(chan struct{})
	var once sync.Once
	unblock := func() { once.Do(func() { close(release) }) }
	t.Cleanup(unblock)
	require.NoError(t, sched.Schedule(func(context.Context) { <-release }))

	require.NoError(t, controller.HandleProcedure(request("du-setup-again", types.EntityDU, 0, types.ProcedureSetup)))
	assert.Equal(t, 1, controller.GetStatus()["dus"])
	require.NoError(t, controller.HandleProcedure(request("du-reset", types.EntityDU, 0, types.ProcedureReset)))
	unblock()

	rec, _ := controller.Procedure("du-setup-again")
	assert.Equal(t, types.StatusDropped, rec.Status)
	assert.Eventually(t, func() bool { return controller.GetStatus()["dus"] == 0 },
		time.Second, time.Millisecond)

	// the index can be set up again and stays live
	submitAndWait(t, controller, request("du-setup-third", types.EntityDU, 0, types.ProcedureSetup))
	info, err := controller.DUContext(context.Background(), 0)
	require.NoError(t, err)
	assert.True(t, info.Active)
	assert.Equal(t, 1, controller.GetStatus()["dus"])
}

// TestUEAttachTimeoutLeavesNoStaleUE tests that an attach still queued on the
// DU when the UE setup times out does not count the UE on the DU
func TestUEAttachTimeoutLeavesNoStaleUE(t *testing.T) {
	controller := createTestController(t, func(c *Config) {
		c.ProcessingDelay = 100 * time.Millisecond
		c.ProcedureTimeout = 160 * time.Millisecond
	})

	setupDU(t, controller, 0)
	for i := 0; i < 2; i++ {
		require.NoError(t, controller.HandleProcedure(
			request(fmt.Sprintf("du-mod-%d", i), types.EntityDU, 0, types.ProcedureModify)))
	}

	// the attach waits behind both modifies and outlives the timeout
	setup := request("ue-setup", types.EntityUE, 1, types.ProcedureSetup)
	setup.DU = 0
	require.NoError(t, controller.HandleProcedure(setup))
	require.True(t, waitForStatus(t, controller, "ue-setup", types.StatusFailed, 2*time.Second))

	rec, _ := controller.Procedure("ue-setup")
	assert.Contains(t, rec.Error, "attach ue 1 to du 0")
	assert.Eventually(t, func() bool { return controller.GetStatus()["ues"] == 0 },
		time.Second, time.Millisecond)

	// DUContext queues behind the late attach and any cleanup
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	info, err := controller.DUContext(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, info.UEs)
	assert.Equal(t, 2, info.Modifications)
}

// TestQueueFullFailsProcedure tests a full entity queue surfacing as an error
func TestQueueFullFailsProcedure(t *testing.T) {
	controller := createTestController(t, func(c *Config) {
		c.QueueSize = 2
		c.ProcessingDelay = 100 * time.Millisecond
	})

	require.NoError(t, controller.HandleProcedure(request("setup", types.EntityDU, 0, types.ProcedureSetup)))

	var rejected []types.ProcedureID
	for i := 0; i < 4; i++ {
		id := types.ProcedureID(fmt.Sprintf("mod-%d", i))
		err := controller.HandleProcedure(request(string(id), types.EntityDU, 0, types.ProcedureModify))
		if err != nil {
			assert.ErrorIs(t, err, async.ErrQueueFull)
			rejected = append(rejected, id)
		}
	}

	require.NotEmpty(t, rejected)
	for _, id := range rejected {
		rec, _ := controller.Procedure(id)
		assert.Equal(t, types.StatusFailed, rec.Status)
	}
}

// TestProcedureTimeout tests that a slow setup fails and rolls back
func TestProcedureTimeout(t *testing.T) {
	controller := createTestController(t, func(c *Config) {
		c.ProcessingDelay = 200 * time.Millisecond
		c.ProcedureTimeout = 10 * time.Millisecond
	})

	require.NoError(t, controller.HandleProcedure(request("slow", types.EntityDU, 0, types.ProcedureSetup)))
	require.True(t, waitForStatus(t, controller, "slow", types.StatusFailed, 2*time.Second))

	rec, _ := controller.Procedure("slow")
	assert.True(t, strings.Contains(rec.Error, "deadline"), "error %q", rec.Error)
	assert.Equal(t, 0, controller.GetStatus()["dus"])
}

// TestCUUPLifecycle tests CU-UP setup starting its control loop and release stopping it
func TestCUUPLifecycle(t *testing.T) {
	controller := createTestController(t, nil)
	const id = 1_000_003

	submitAndWait(t, controller, request("cuup-setup", types.EntityCUUP, id, types.ProcedureSetup))
	assert.Eventually(t, func() bool {
		n, ok := controller.CUUPKeepAlives(id)
		return ok && n > 0
	}, 2*time.Second, time.Millisecond)

	submitAndWait(t, controller, request("cuup-modify", types.EntityCUUP, id, types.ProcedureModify))
	submitAndWait(t, controller, request("cuup-release", types.EntityCUUP, id, types.ProcedureRelease))

	_, ok := controller.CUUPKeepAlives(id)
	assert.False(t, ok)
	assert.Equal(t, 0, controller.GetStatus()["cuups"])
}

// TestCellWorkersRun tests that the slot loop drives the cell workers
func TestCellWorkersRun(t *testing.T) {
	controller := createTestController(t, nil)

	assert.Eventually(t, func() bool {
		return controller.GetStatus()["slots_decided"].(uint64) > 5
	}, 2*time.Second, time.Millisecond)
}

// ============================================================================
// Shutdown and Concurrency Tests
// ============================================================================

// TestStopResolvesEveryProcedure tests that Stop leaves no live procedure behind
func TestStopResolvesEveryProcedure(t *testing.T) {
	controller := createTestController(t, func(c *Config) {
		c.ProcessingDelay = time.Second
		c.ProcedureTimeout = 0
	})

	require.NoError(t, controller.HandleProcedure(request("setup", types.EntityDU, 0, types.ProcedureSetup)))
	require.True(t, waitForStatus(t, controller, "setup", types.StatusRunning, time.Second))
	for i := 0; i < 3; i++ {
		require.NoError(t, controller.HandleProcedure(
			request(fmt.Sprintf("mod-%d", i), types.EntityDU, 0, types.ProcedureModify)))
	}

	start := time.Now()
	controller.Stop()
	assert.Less(t, time.Since(start), time.Second, "Stop should cancel the running procedure")

	status := controller.GetStatus()
	assert.Equal(t, 0, status["pending"])
	assert.Equal(t, 0, status["running"])
	assert.Equal(t, 1, status["failed"])
	assert.Equal(t, 3, status["dropped"])
}

// TestConcurrentProcedures tests independent UEs progressing in parallel
func TestConcurrentProcedures(t *testing.T) {
	controller := createTestController(t, func(c *Config) { c.QueueSize = 16 })
	setupDU(t, controller, 0)

	const ues = 8
	var wg sync.WaitGroup
	errs := make(chan error, ues*3)
	for ue := 0; ue < ues; ue++ {
		wg.Add(1)
		go func(ue int) {
			defer wg.Done()
			setup := request(fmt.Sprintf("ue-%d-setup", ue), types.EntityUE, uint64(ue), types.ProcedureSetup)
			for _, req := range []types.ProcedureRequest{
				setup,
				request(fmt.Sprintf("ue-%d-modify", ue), types.EntityUE, uint64(ue), types.ProcedureModify),
				request(fmt.Sprintf("ue-%d-release", ue), types.EntityUE, uint64(ue), types.ProcedureRelease),
			} {
				if err := controller.HandleProcedure(req); err != nil {
					errs <- err
				}
			}
		}(ue)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("concurrent procedure error: %v", err)
	}
	for ue := 0; ue < ues; ue++ {
		waitForStatus(t, controller, types.ProcedureID(fmt.Sprintf("ue-%d-release", ue)), types.StatusCompleted, 2*time.Second)
	}

	info, err := controller.DUContext(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 0, info.UEs)
	assert.Equal(t, ues*3+1, controller.GetStatus()["completed"])
}

// TestMetricsWired tests that the collector observes procedures, tasks and slots
func TestMetricsWired(t *testing.T) {
	reg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = reg
	collector := metrics.NewCollector()

	controller := createTestController(t, func(c *Config) { c.Metrics = collector })
	setupDU(t, controller, 0)

	assert.Eventually(t, func() bool {
		families, err := reg.Gather()
		if err != nil {
			return false
		}
		seen := map[string]bool{}
		for _, mf := range families {
			seen[mf.GetName()] = true
		}
		return seen["gnb_sched_procedures_total"] &&
			seen["gnb_sched_tasks_scheduled_total"] &&
			seen["gnb_sched_slots_completed_total"] &&
			seen["gnb_sched_entities"]
	}, 2*time.Second, 5*time.Millisecond)
}

// TestDUContextUnknown tests reading an unknown DU
func TestDUContextUnknown(t *testing.T) {
	controller := createTestController(t, nil)

	_, err := controller.DUContext(context.Background(), 1)
	assert.True(t, errors.Is(err, registry.ErrUnknownEntity))
}
