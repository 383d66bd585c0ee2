// ============================================================================
// gnb-sched CU-UP Instance
// ============================================================================
//
// Package: internal/cuup
// File: instance.go
// Function: CU-UP instance whose lifecycle races with its own control loop
//
// Control loop:
//   A goroutine ticks every KeepAlive period and schedules a keep-alive task
//   on the CU-UP's own FifoScheduler. The task and Start/Stop touch the same
//   state, so every access goes through mu.
//
//   ┌──────────────┐  keep-alive task   ┌──────────────────────┐
//   │ control loop │ ─────────────────→ │ CU-UP FifoScheduler  │
//   └──────────────┘                    └──────────────────────┘
//          ↑ stopCh / loopDone                    │
//   Start() / Stop()  ←──────── mu ───────────────┘
//
// ============================================================================

package cuup

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/gnb-sched/internal/async"
	"github.com/ChuLiYu/gnb-sched/pkg/types"
)

var log = slog.Default()

var (
	// ErrAlreadyRunning 表示實例已啟動
	ErrAlreadyRunning = errors.New("cu-up instance already running")
	// ErrNoScheduler 表示未提供 scheduler
	ErrNoScheduler = errors.New("cu-up instance has no scheduler")
)

// DefaultKeepAlive is the keep-alive period used when Config.KeepAlive is zero.
const DefaultKeepAlive = time.Second

// Config configures an Instance.
type Config struct {
	ID        types.CUUPID
	Scheduler *async.FifoScheduler // per-CU-UP scheduler owned by the registry
	KeepAlive time.Duration
}

// Instance is a CU-UP as seen by the CU-CP.
type Instance struct {
	id        types.CUUPID
	sched     *async.FifoScheduler
	keepAlive time.Duration

	mu         sync.Mutex
	running    bool
	keepAlives uint64
	lastSeen   time.Time
	stopCh     chan struct{}
	loopDone   chan struct{} // closed when the current control loop exits
}

// NewInstance creates a stopped instance.
func NewInstance(cfg Config) (*Instance, error) {
	if cfg.Scheduler == nil {
		return nil, ErrNoScheduler
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = DefaultKeepAlive
	}
	return &Instance{
		id:        cfg.ID,
		sched:     cfg.Scheduler,
		keepAlive: cfg.KeepAlive,
	}, nil
}

// ID returns the CU-UP identifier.
func (i *Instance) ID() types.CUUPID { return i.id }

// Start launches the control loop.
func (i *Instance) Start() error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.running {
		return ErrAlreadyRunning
	}
	i.running = true
	i.stopCh = make(chan struct{})
	i.loopDone = make(chan struct{})
	go i.controlLoop(i.stopCh, i.loopDone)

	log.Info("CU-UP started", "cuup", i.id, "keep_alive", i.keepAlive)
	return nil
}

// Stop terminates the control loop and waits for it. Keep-alive tasks that are
// still queued become no-ops. Stop is idempotent.
func (i *Instance) Stop() {
	i.mu.Lock()
	if !i.running {
		i.mu.Unlock()
		return
	}
	i.running = false
	close(i.stopCh)
	done := i.loopDone
	i.mu.Unlock()

	<-done
	log.Info("CU-UP stopped", "cuup", i.id)
}

// IsRunning reports whether the control loop is active.
func (i *Instance) IsRunning() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.running
}

// KeepAlives returns the number of keep-alive tasks that ran while started.
func (i *Instance) KeepAlives() uint64 {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.keepAlives
}

// LastSeen returns the time of the last keep-alive.
func (i *Instance) LastSeen() time.Time {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.lastSeen
}

func (i *Instance) controlLoop(stopCh <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(i.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			if err := i.sched.Schedule(i.keepAliveTask); err != nil {
				log.Warn("CU-UP keep-alive not scheduled", "cuup", i.id, "error", err)
			}
		}
	}
}

func (i *Instance) keepAliveTask(context.Context) {
	i.mu.Lock()
	defer i.mu.Unlock()

	// a task queued before Stop
	if !i.running {
		return
	}
	i.keepAlives++
	i.lastSeen = time.Now()
}
