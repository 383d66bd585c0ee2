// ============================================================================
// gnb-sched 控制器 - CU-CP 控制面協調器
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 擁有所有實體的 scheduler、計時器與 cell workers，並將控制面程序
//       路由到對應實體的 FIFO scheduler 上執行
//
// 架構設計:
//   - control scheduler: 計時器 callback 的共同執行環境
//   - timer Manager: 由 timer loop 每個 resolution 推進一次
//   - UE registry (Dense[UEIndex]) / DU registry (Dense[DUIndex]) /
//     CU-UP registry (Keyed[CUUPID])：每個實體一個 FifoScheduler
//   - procedure Tracker: 程序狀態追蹤
//   - cell Pool + Clock: 每個 cell 一個即時 worker，以 slot barrier 同步
//
// 核心循環 (3 個並發 Goroutine):
//   1. Timer Loop - 推進計時器，到期 callback 投遞到 control scheduler
//   2. Slot Loop - 依 slot 週期推進 Clock，驅動 cell workers
//   3. Stats Loop - 定期將實體數與程序數寫入 metrics
//
// 程序執行模型:
//   HandleProcedure() 在呼叫者的 goroutine 上完成驗證與登記，程序本體則排入
//   目標實體的 scheduler。同一實體的程序嚴格依序執行，不同實體之間互不阻塞。
//   UE 程序需要 DU 狀態時，透過 async.Offload 在 DU 的 scheduler 上執行，
//   再回到 UE 的 scheduler 繼續。
//
// 並發安全:
//   - mu 保護 started/stopped 狀態與 CU-UP 實例表
//   - DU 上下文只在該 DU 的 scheduler 上讀寫
//   - UE 的服務 DU 只在該 UE 的 scheduler 上讀寫
//   - stopCtx 取消後，所有 loop 與執行中的程序都會結束
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/gnb-sched/internal/async"
	"github.com/ChuLiYu/gnb-sched/internal/cuup"
	"github.com/ChuLiYu/gnb-sched/internal/metrics"
	"github.com/ChuLiYu/gnb-sched/internal/procedure"
	"github.com/ChuLiYu/gnb-sched/internal/registry"
	"github.com/ChuLiYu/gnb-sched/internal/slotsync"
	"github.com/ChuLiYu/gnb-sched/internal/timer"
	"github.com/ChuLiYu/gnb-sched/internal/worker"
	"github.com/ChuLiYu/gnb-sched/pkg/types"
	"golang.org/x/sync/errgroup"
)

var log = slog.Default()

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrNotStarted 表示 Controller 尚未啟動
	ErrNotStarted = errors.New("controller not started")
	// ErrAlreadyStarted 表示 Controller 已啟動
	ErrAlreadyStarted = errors.New("controller already started")
	// ErrStopped 表示 Controller 已停止
	ErrStopped = errors.New("controller stopped")
	// ErrInvalidProcedure 表示程序請求的實體或種類不正確
	ErrInvalidProcedure = errors.New("invalid procedure request")
	// ErrDUNotActive 表示 DU 尚未完成 setup
	ErrDUNotActive = errors.New("du not active")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Config Controller 配置
type Config struct {
	QueueSize        int           // 每個實體 scheduler 的佇列容量
	ControlQueueSize int           // control scheduler 的佇列容量
	MaxUEs           int           // UE registry 容量
	MaxDUs           int           // DU registry 容量
	MaxCUUPs         int           // CU-UP registry 容量
	NofCells         int           // cell 數量
	SlotPeriod       time.Duration // slot 週期
	TimerResolution  time.Duration // 計時器 tick 間隔
	ProcedureTimeout time.Duration // 單一程序的逾時時間，0 表示不限
	ProcessingDelay  time.Duration // 程序本體以計時器等待的處理時間
	KeepAlive        time.Duration // CU-UP keep-alive 週期
	StatsInterval    time.Duration // metrics 更新間隔
	StopTimeout      time.Duration // Stop 等待所有 scheduler 結束的上限
	Retention        int           // 保留的已結束程序紀錄數量

	Metrics     *metrics.Collector // 可為 nil
	CellHandler worker.Handler     // 可為 nil，使用預設的負載回報
	CellDecider worker.Decider     // 可為 nil
}

// DefaultConfig 返回預設配置
func DefaultConfig() Config {
	return Config{
		QueueSize:        async.DefaultQueueSize,
		ControlQueueSize: 1024,
		MaxUEs:           types.MaxNofUEs,
		MaxDUs:           types.MaxNofDUs,
		MaxCUUPs:         types.MaxNofCUUPs,
		NofCells:         1,
		SlotPeriod:       time.Millisecond,
		TimerResolution:  timer.DefaultResolution,
		ProcedureTimeout: 5 * time.Second,
		ProcessingDelay:  0,
		KeepAlive:        cuup.DefaultKeepAlive,
		StatsInterval:    time.Second,
		StopTimeout:      5 * time.Second,
		Retention:        procedure.DefaultRetention,
	}
}

// withDefaults 以預設值補齊未設定的欄位
func (cfg Config) withDefaults() Config {
	def := DefaultConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.ControlQueueSize <= 0 {
		cfg.ControlQueueSize = def.ControlQueueSize
	}
	if cfg.MaxUEs <= 0 {
		cfg.MaxUEs = def.MaxUEs
	}
	if cfg.MaxDUs <= 0 {
		cfg.MaxDUs = def.MaxDUs
	}
	if cfg.MaxCUUPs <= 0 {
		cfg.MaxCUUPs = def.MaxCUUPs
	}
	if cfg.NofCells <= 0 {
		cfg.NofCells = def.NofCells
	}
	if cfg.SlotPeriod <= 0 {
		cfg.SlotPeriod = def.SlotPeriod
	}
	if cfg.TimerResolution <= 0 {
		cfg.TimerResolution = def.TimerResolution
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = def.KeepAlive
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = def.StatsInterval
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = def.StopTimeout
	}
	return cfg
}

// duContext DU 的 CU-CP 側上下文，只在該 DU 的 scheduler 上存取
type duContext struct {
	active        bool
	ues           map[types.UEIndex]struct{}
	modifications int
}

// DUInfo DU 上下文的快照
type DUInfo struct {
	Index         types.DUIndex
	Active        bool
	UEs           int
	Modifications int
}

// Controller 核心控制器
type Controller struct {
	config  Config
	control *async.FifoScheduler // 計時器 callback 的執行環境
	timers  *timer.Manager
	ues     *registry.Dense[types.UEIndex]
	dus     *registry.Dense[types.DUIndex]
	cuups   *registry.Keyed[types.CUUPID]
	tracker *procedure.Tracker
	metrics *metrics.Collector
	pool    *worker.Pool
	clock   *worker.Clock

	duCtx     []duContext     // 依 DU 索引，只在 DU scheduler 上存取
	ueServing []types.DUIndex // 依 UE 索引，只在 UE scheduler 上存取

	setupMu sync.Mutex                      // 保護 setups，並使建立與回滾互斥
	setups  map[entityKey]types.ProcedureID // 建立各實體的 setup 程序

	mu        sync.Mutex                      // 保護以下欄位
	cuupInst  map[types.CUUPID]*cuup.Instance // CU-UP 實例
	started   bool                            // 標記是否已啟動
	stopped   bool                            // 標記是否已停止
	startTime time.Time                       // 啟動時間（用於統計）

	stopCtx context.Context    // Stop 時取消
	cancel  context.CancelFunc // 取消 stopCtx
	loopWg  sync.WaitGroup     // 等待所有循環退出
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewController 建立新的 Controller 實例
//
// 參數：
//   - config: Controller 配置，未設定的欄位使用 DefaultConfig
//
// 返回值：
//   - *Controller: Controller 實例
func NewController(config Config) *Controller {
	config = config.withDefaults()

	// 各 observer 介面在 metrics 關閉時必須保持 nil
	var (
		taskObs async.Observer
		slotObs slotsync.Observer
		procObs procedure.Observer
	)
	if config.Metrics != nil {
		taskObs, slotObs, procObs = config.Metrics, config.Metrics, config.Metrics
	}

	// 1. control scheduler 與計時器
	control := async.NewFifoScheduler(async.FifoConfig{
		Name:      "control",
		Group:     "control",
		QueueSize: config.ControlQueueSize,
		Observer:  taskObs,
	})
	timers := timer.NewManager(config.TimerResolution)

	// 2. 實體註冊表，共用計時器與 control executor
	regCfg := func(group string, capacity int) registry.Config {
		return registry.Config{
			Group:     group,
			Capacity:  capacity,
			QueueSize: config.QueueSize,
			Timers:    timers,
			Control:   control,
			Observer:  taskObs,
		}
	}

	c := &Controller{
		config:    config,
		control:   control,
		timers:    timers,
		ues:       registry.NewDense[types.UEIndex](regCfg(string(types.EntityUE), config.MaxUEs)),
		dus:       registry.NewDense[types.DUIndex](regCfg(string(types.EntityDU), config.MaxDUs)),
		cuups:     registry.NewKeyed[types.CUUPID](regCfg(string(types.EntityCUUP), config.MaxCUUPs)),
		tracker:   procedure.NewTracker(config.Retention, procObs),
		metrics:   config.Metrics,
		clock:     worker.NewClock(config.NofCells, 1),
		duCtx:     make([]duContext, config.MaxDUs),
		ueServing: make([]types.DUIndex, config.MaxUEs),
		cuupInst:  make(map[types.CUUPID]*cuup.Instance),
		setups:    make(map[entityKey]types.ProcedureID),
	}

	// 3. cell workers
	handler := config.CellHandler
	if handler == nil {
		handler = worker.HandlerFunc(c.cellLoad)
	}
	c.pool = worker.NewPool(config.NofCells, handler, config.CellDecider, slotObs)

	c.stopCtx, c.cancel = context.WithCancel(context.Background())
	return c
}

// Start 啟動 Controller
//
// 流程：
//  1. 啟動 cell workers
//  2. 啟動三個核心循環：timer, slot, stats
//
// 返回值：
//   - error: 啟動失敗的錯誤
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return ErrStopped
	}
	if c.started {
		return ErrAlreadyStarted
	}
	c.startTime = time.Now()

	// 1. 啟動 cell workers
	if err := c.pool.Start(c.stopCtx, c.clock); err != nil {
		return fmt.Errorf("failed to start cell workers: %w", err)
	}

	// 2. 啟動三個核心循環
	c.loopWg.Add(3)
	go c.timerLoop()
	go c.slotLoop()
	go c.statsLoop()

	c.started = true
	log.Info("Controller started",
		"cells", c.config.NofCells,
		"max_ues", c.config.MaxUEs,
		"max_dus", c.config.MaxDUs,
		"max_cuups", c.config.MaxCUUPs)
	return nil
}

// ============================================================================
// 核心循環
// ============================================================================

// timerLoop 推進計時器
func (c *Controller) timerLoop() {
	defer c.loopWg.Done()
	c.timers.Run(c.stopCtx)
	log.Info("Timer loop stopped")
}

// slotLoop 依 slot 週期推進 Clock
func (c *Controller) slotLoop() {
	defer c.loopWg.Done()
	c.clock.Run(c.stopCtx, c.config.SlotPeriod)
	log.Info("Slot loop stopped", "slots_decided", c.pool.SlotsDecided())
}

// statsLoop 定期更新 metrics
func (c *Controller) statsLoop() {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.config.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCtx.Done():
			log.Info("Stats loop stopped")
			return
		case <-ticker.C:
			c.updateMetrics()
		}
	}
}

func (c *Controller) updateMetrics() {
	if c.metrics == nil {
		return
	}
	stats := c.tracker.Stats()
	c.metrics.UpdateProcedureStats(stats["pending"], stats["running"])
	c.metrics.SetEntities(types.EntityUE, c.ues.NofEntities())
	c.metrics.SetEntities(types.EntityDU, c.dus.NofEntities())
	c.metrics.SetEntities(types.EntityCUUP, c.cuups.NofEntities())
}

// cellLoad 預設的 cell 工作：回報平均分配到每個 cell 的 UE 數
func (c *Controller) cellLoad(_ context.Context, cell types.CellIndex, _ types.Slot) worker.Report {
	n := c.ues.NofEntities()
	load := n / c.config.NofCells
	if int(cell) < n%c.config.NofCells {
		load++
	}
	return worker.Report{Load: load}
}

// ============================================================================
// 公開方法
// ============================================================================

// GetStatus 取得系統狀態
//
// 返回值：
//   - map[string]interface{}: 系統狀態資訊
func (c *Controller) GetStatus() map[string]interface{} {
	c.mu.Lock()
	uptime := time.Duration(0)
	if c.started {
		uptime = time.Since(c.startTime)
	}
	c.mu.Unlock()

	stats := c.tracker.Stats()
	return map[string]interface{}{
		"uptime":        uptime.String(),
		"cells":         c.config.NofCells,
		"slots_decided": c.pool.SlotsDecided(),
		"ues":           c.ues.NofEntities(),
		"dus":           c.dus.NofEntities(),
		"cuups":         c.cuups.NofEntities(),
		"timers":        c.timers.NofTimers(),
		"pending":       stats["pending"],
		"running":       stats["running"],
		"completed":     stats["completed"],
		"failed":        stats["failed"],
		"dropped":       stats["dropped"],
	}
}

// Procedure 取得程序紀錄
func (c *Controller) Procedure(id types.ProcedureID) (types.ProcedureRecord, bool) {
	return c.tracker.Get(id)
}

// DUContext 在 DU 的 scheduler 上讀取其上下文
func (c *Controller) DUContext(ctx context.Context, du types.DUIndex) (DUInfo, error) {
	sched, err := c.dus.Scheduler(du)
	if err != nil {
		return DUInfo{}, err
	}
	info, err := async.Offload(ctx, sched, func(context.Context) DUInfo {
		d := &c.duCtx[du]
		return DUInfo{Index: du, Active: d.active, UEs: len(d.ues), Modifications: d.modifications}
	}).Wait(ctx)
	if err != nil {
		return DUInfo{}, fmt.Errorf("du %d context: %w", du, err)
	}
	return info, nil
}

// Stop 優雅關閉 Controller
//
// 關閉順序：
//  1. 停止所有 CU-UP 實例的控制循環
//  2. 取消 stopCtx → 所有循環退出，執行中的程序以 context canceled 結束
//  3. 關閉 Clock → cell workers 處理完當前 slot 後退出
//  4. 並行停止三個註冊表的所有 scheduler，最後停止 control scheduler
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		log.Info("Controller already stopped")
		return
	}
	c.stopped = true
	started := c.started
	instances := make([]*cuup.Instance, 0, len(c.cuupInst))
	for _, inst := range c.cuupInst {
		instances = append(instances, inst)
	}
	c.cuupInst = make(map[types.CUUPID]*cuup.Instance)
	c.mu.Unlock()

	log.Info("Stopping controller...")

	for _, inst := range instances {
		inst.Stop()
	}

	c.cancel()
	c.loopWg.Wait()
	c.clock.Close()
	if started {
		c.pool.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.config.StopTimeout)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.ues.Stop(gctx) })
	g.Go(func() error { return c.dus.Stop(gctx) })
	g.Go(func() error { return c.cuups.Stop(gctx) })
	if err := g.Wait(); err != nil {
		log.Error("Failed to stop entity schedulers", "error", err)
	}

	if _, err := c.control.RequestStop().Wait(ctx); err != nil {
		log.Error("Failed to stop control scheduler", "error", err)
	}

	c.updateMetrics()
	log.Info("Controller stopped")
}
