// ============================================================================
// gnb-sched Registry - 實體索引的 Scheduler 註冊表
// ============================================================================
//
// Package: internal/registry
// 文件: registry.go
// 功能: 為每個實體（UE / DU / CU-UP）提供一個專屬的 FIFO scheduler
//
// 設計理念:
//   所有 scheduler 在建構時一次配置完成（依最大實體數量），
//   控制面熱路徑上不做任何配置；實體的加入與移除只切換「存活」旗標。
//
//   Dense[ID]  - 密集整數索引，slotted array，O(1) 查找
//   Keyed[K]   - 稀疏 id，hash map 對應到 Dense arena 的 slot（見 keyed.go）
//
// 不變條件:
//   - 每個存活的實體恰好對應一個 scheduler
//   - scheduler 實例在註冊表生命週期內不會被搬移或重新配置
//   - 實體移除時清除其尚未開始的任務，scheduler 本身保留給下一個實體使用
//
// 計時器:
//   所有實體共用同一個 timer.Manager，callback 在共同的 control executor 上執行
//
// ============================================================================

package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/ChuLiYu/gnb-sched/internal/async"
	"github.com/ChuLiYu/gnb-sched/internal/timer"
	"golang.org/x/sync/errgroup"
)

var log = slog.Default()

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 實體索引超出註冊表容量
	ErrEntityOutOfRange = errors.New("registry: entity index out of range")
	// 實體尚未註冊（或已被移除）
	ErrUnknownEntity = errors.New("registry: unknown entity")
	// 實體已經註冊
	ErrEntityExists = errors.New("registry: entity already registered")
	// 已無可用的 scheduler slot
	ErrRegistryFull = errors.New("registry: no free scheduler slot")
)

// stopConcurrency 停止所有 scheduler 時同時等待的數量上限
const stopConcurrency = 64

// ============================================================================
// 資料結構定義
// ============================================================================

// Config 註冊表配置
type Config struct {
	Group     string         // 實體種類名稱，用於 scheduler 命名與指標標籤
	Capacity  int            // 最大同時存活的實體數量
	QueueSize int            // 每個 scheduler 的佇列容量
	Timers    *timer.Manager // 共用的計時器管理器
	Control   timer.Executor // 計時器 callback 的共同執行環境
	Observer  async.Observer // scheduler 生命週期觀察者（可為 nil）
}

type entry struct {
	mu    sync.RWMutex // 保護 live 與排程動作，避免任務落在已移除的實體上
	live  bool
	sched *async.FifoScheduler
}

// Dense 以密集整數索引的 scheduler 註冊表
type Dense[ID ~uint32] struct {
	group   string
	entries []entry
	timers  timer.Factory
	nofLive atomic.Int32
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewDense 建立註冊表並預先配置 Capacity 個 scheduler
func NewDense[ID ~uint32](cfg Config) *Dense[ID] {
	if cfg.Capacity <= 0 {
		panic("registry: capacity must be positive")
	}
	if cfg.Timers == nil {
		cfg.Timers = timer.NewManager(timer.DefaultResolution)
	}
	if cfg.Control == nil {
		cfg.Control = timer.Inline
	}

	d := &Dense[ID]{
		group:   cfg.Group,
		entries: make([]entry, cfg.Capacity),
		timers:  timer.Factory{Manager: cfg.Timers, Executor: cfg.Control},
	}
	for i := range d.entries {
		d.entries[i].sched = async.NewFifoScheduler(async.FifoConfig{
			Name:      fmt.Sprintf("%s-%d", cfg.Group, i),
			Group:     cfg.Group,
			QueueSize: cfg.QueueSize,
			Observer:  cfg.Observer,
		})
	}
	return d
}

func (d *Dense[ID]) entry(id ID) (*entry, error) {
	if int(id) >= len(d.entries) {
		return nil, fmt.Errorf("%s %d: %w", d.group, id, ErrEntityOutOfRange)
	}
	return &d.entries[id], nil
}

// Capacity 回傳最大實體數量
func (d *Dense[ID]) Capacity() int { return len(d.entries) }

// NofEntities 回傳目前存活的實體數量
func (d *Dense[ID]) NofEntities() int { return int(d.nofLive.Load()) }

// AddEntity 將實體標記為存活，之後才能為其排程任務
func (d *Dense[ID]) AddEntity(id ID) error {
	e, err := d.entry(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.live {
		return fmt.Errorf("%s %d: %w", d.group, id, ErrEntityExists)
	}
	e.live = true
	d.nofLive.Add(1)
	return nil
}

// RemoveEntity 將實體標記為不存活，並丟棄其尚未開始的任務。
// 正在執行的任務（包括呼叫 RemoveEntity 的任務本身）會正常完成。
func (d *Dense[ID]) RemoveEntity(id ID) error {
	e, err := d.entry(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.live {
		return fmt.Errorf("%s %d: %w", d.group, id, ErrUnknownEntity)
	}
	e.live = false
	d.nofLive.Add(-1)
	if n := e.sched.ClearPendingTasks(); n > 0 {
		log.Debug("Dropped pending tasks of removed entity", "group", d.group, "id", id, "count", n)
	}
	return nil
}

// Contains 檢查實體是否存活
func (d *Dense[ID]) Contains(id ID) bool {
	e, err := d.entry(id)
	if err != nil {
		return false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.live
}

// HandleEntityAsyncTask 將任務排入實體的 scheduler
//
// 錯誤處理：
//   - ErrEntityOutOfRange / ErrUnknownEntity: 實體無效，任務未排入
//   - async.ErrQueueFull / async.ErrSchedulerStopped: scheduler 拒絕任務
func (d *Dense[ID]) HandleEntityAsyncTask(id ID, task async.Task) error {
	return d.HandleEntityAsyncTaskWithDiscard(id, task, nil)
}

// HandleEntityAsyncTaskWithDiscard 同 HandleEntityAsyncTask，
// 任務在開始前被丟棄時呼叫 discard
func (d *Dense[ID]) HandleEntityAsyncTaskWithDiscard(id ID, task async.Task, discard func()) error {
	e, err := d.entry(id)
	if err != nil {
		return err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()

	if !e.live {
		return fmt.Errorf("%s %d: %w", d.group, id, ErrUnknownEntity)
	}
	if err := e.sched.ScheduleWithDiscard(task, discard); err != nil {
		return fmt.Errorf("%s %d: %w", d.group, id, err)
	}
	return nil
}

// ClearPendingTasks 丟棄實體尚未開始的任務，回傳丟棄數量
func (d *Dense[ID]) ClearPendingTasks(id ID) (int, error) {
	e, err := d.entry(id)
	if err != nil {
		return 0, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()

	if !e.live {
		return 0, fmt.Errorf("%s %d: %w", d.group, id, ErrUnknownEntity)
	}
	return e.sched.ClearPendingTasks(), nil
}

// Scheduler 回傳存活實體的 scheduler（例如作為 async.Offload 的目標）
func (d *Dense[ID]) Scheduler(id ID) (*async.FifoScheduler, error) {
	e, err := d.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()

	if !e.live {
		return nil, fmt.Errorf("%s %d: %w", d.group, id, ErrUnknownEntity)
	}
	return e.sched, nil
}

// TimerFactory 回傳綁定 control executor 的計時器工廠
func (d *Dense[ID]) TimerFactory() timer.Factory { return d.timers }

// Timers 回傳共用的計時器管理器
func (d *Dense[ID]) Timers() *timer.Manager { return d.timers.Manager }

// Stop 停止所有 scheduler 並等待其 driver 結束
func (d *Dense[ID]) Stop(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(stopConcurrency)

	for i := range d.entries {
		rx := d.entries[i].sched.RequestStop()
		g.Go(func() error {
			_, err := rx.Wait(gctx)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("stop %s schedulers: %w", d.group, err)
	}
	return nil
}
