package controller

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/ChuLiYu/gnb-sched/internal/async"
	"github.com/ChuLiYu/gnb-sched/internal/cuup"
	"github.com/ChuLiYu/gnb-sched/internal/registry"
	"github.com/ChuLiYu/gnb-sched/internal/timer"
	"github.com/ChuLiYu/gnb-sched/pkg/types"
)

// ============================================================================
// 實體操作
// ============================================================================

// entityOps 將 UE / DU / CU-UP 三種註冊表統一成同一組操作
type entityOps struct {
	key       entityKey
	add       func() error
	remove    func() error
	schedule  func(task async.Task, discard func()) error
	clear     func() (int, error)
	scheduler func() (*async.FifoScheduler, error)
	timers    timer.Factory
}

// entityKey 識別一個實體，用於記錄建立它的 setup 程序
type entityKey struct {
	entity types.EntityKind
	index  uint64
}

// denseIndex 將請求中的索引轉為密集索引型別
func denseIndex[ID ~uint32](req types.ProcedureRequest) (ID, error) {
	if req.Index > math.MaxUint32 {
		return 0, fmt.Errorf("%s %d: %w", req.Entity, req.Index, registry.ErrEntityOutOfRange)
	}
	return ID(req.Index), nil
}

func (c *Controller) ops(req types.ProcedureRequest) (entityOps, error) {
	switch req.Entity {
	case types.EntityUE:
		ue, err := denseIndex[types.UEIndex](req)
		if err != nil {
			return entityOps{}, err
		}
		return entityOps{
			key:    entityKey{req.Entity, req.Index},
			add:    func() error { return c.ues.AddEntity(ue) },
			remove: func() error { return c.ues.RemoveEntity(ue) },
			schedule: func(task async.Task, discard func()) error {
				return c.ues.HandleEntityAsyncTaskWithDiscard(ue, task, discard)
			},
			clear:     func() (int, error) { return c.ues.ClearPendingTasks(ue) },
			scheduler: func() (*async.FifoScheduler, error) { return c.ues.Scheduler(ue) },
			timers:    c.ues.TimerFactory(),
		}, nil

	case types.EntityDU:
		du, err := denseIndex[types.DUIndex](req)
		if err != nil {
			return entityOps{}, err
		}
		return entityOps{
			key:    entityKey{req.Entity, req.Index},
			add:    func() error { return c.dus.AddEntity(du) },
			remove: func() error { return c.dus.RemoveEntity(du) },
			schedule: func(task async.Task, discard func()) error {
				return c.dus.HandleEntityAsyncTaskWithDiscard(du, task, discard)
			},
			clear:     func() (int, error) { return c.dus.ClearPendingTasks(du) },
			scheduler: func() (*async.FifoScheduler, error) { return c.dus.Scheduler(du) },
			timers:    c.dus.TimerFactory(),
		}, nil

	case types.EntityCUUP:
		id := types.CUUPID(req.Index)
		return entityOps{
			key:    entityKey{req.Entity, req.Index},
			add:    func() error { return c.cuups.AddEntity(id) },
			remove: func() error { return c.cuups.RemoveEntity(id) },
			schedule: func(task async.Task, discard func()) error {
				return c.cuups.HandleEntityAsyncTaskWithDiscard(id, task, discard)
			},
			clear:     func() (int, error) { return c.cuups.ClearPendingTasks(id) },
			scheduler: func() (*async.FifoScheduler, error) { return c.cuups.Scheduler(id) },
			timers:    c.cuups.TimerFactory(),
		}, nil
	}
	return entityOps{}, fmt.Errorf("entity %q: %w", req.Entity, ErrInvalidProcedure)
}

func validKind(k types.ProcedureKind) bool {
	switch k {
	case types.ProcedureSetup, types.ProcedureModify, types.ProcedureRelease, types.ProcedureReset:
		return true
	}
	return false
}

// ============================================================================
// 程序路由
// ============================================================================

// HandleProcedure 登記程序並排入目標實體的 scheduler
//
// 流程：
//  1. 驗證請求並登記到 Tracker（重複 ID 會被拒絕）
//  2. setup 先建立實體，使其 scheduler 開始接受任務
//  3. reset 立即丟棄實體所有尚未開始的程序
//  4. 其他程序排入實體的 scheduler；被拒絕時標記為失敗並返回錯誤
//
// 返回值：
//   - error: 程序未能排入時的錯誤；程序本體的結果記錄在 Tracker 中
func (c *Controller) HandleProcedure(req types.ProcedureRequest) error {
	c.mu.Lock()
	started, stopped := c.started, c.stopped
	c.mu.Unlock()
	if stopped {
		return ErrStopped
	}
	if !started {
		return ErrNotStarted
	}

	if req.ID == "" || !validKind(req.Kind) {
		return fmt.Errorf("procedure %q kind %q: %w", req.ID, req.Kind, ErrInvalidProcedure)
	}
	ops, err := c.ops(req)
	if err != nil {
		return err
	}
	if err := c.tracker.Accept(req); err != nil {
		return fmt.Errorf("procedure %s: %w", req.ID, err)
	}

	if req.Kind == types.ProcedureReset {
		return c.reset(req, ops)
	}

	var sched *async.FifoScheduler
	if req.Kind == types.ProcedureSetup {
		var err error
		if sched, err = c.addEntity(req, ops); err != nil {
			c.fail(req, err)
			return fmt.Errorf("procedure %s: %w", req.ID, err)
		}
	}

	task := func(ctx context.Context) { c.runProcedure(ctx, req, ops) }
	discard := func() {
		if err := c.tracker.MarkDropped(req.ID); err != nil {
			log.Error("Failed to mark dropped", "procedure", req.String(), "error", err)
			return
		}
		log.Debug("Procedure dropped", "procedure", req.String())
		if sched != nil {
			c.rollbackDroppedSetup(req, ops, sched)
		}
	}
	if err := ops.schedule(task, discard); err != nil {
		if req.Kind == types.ProcedureSetup {
			ops.remove()
		}
		c.fail(req, err)
		return fmt.Errorf("procedure %s: %w", req.ID, err)
	}
	return nil
}

// addEntity 建立實體並記錄建立它的 setup 程序
func (c *Controller) addEntity(req types.ProcedureRequest, ops entityOps) (*async.FifoScheduler, error) {
	c.setupMu.Lock()
	defer c.setupMu.Unlock()

	if err := ops.add(); err != nil {
		return nil, err
	}
	sched, err := ops.scheduler()
	if err != nil {
		ops.remove()
		return nil, err
	}
	c.setups[ops.key] = req.ID
	return sched, nil
}

// rollbackDroppedSetup 在實體自己的 scheduler 上移除從未 setup 的實體
//
// discard hook 可能在 registry 持有實體鎖時執行，因此不能直接移除；
// 只有當實體仍是這次 setup 建立的那一個時才移除。
func (c *Controller) rollbackDroppedSetup(req types.ProcedureRequest, ops entityOps, sched *async.FifoScheduler) {
	rollback := func(context.Context) {
		c.setupMu.Lock()
		defer c.setupMu.Unlock()

		if c.setups[ops.key] != req.ID {
			return
		}
		delete(c.setups, ops.key)
		if err := ops.remove(); err != nil && !errors.Is(err, registry.ErrUnknownEntity) {
			log.Warn("Failed to roll back dropped setup", "procedure", req.String(), "error", err)
			return
		}
		log.Debug("Dropped setup rolled back", "procedure", req.String())
	}
	// 回滾本身被下一次 reset 丟棄時重新排入
	again := func() { c.rollbackDroppedSetup(req, ops, sched) }
	if err := sched.ScheduleWithDiscard(rollback, again); err != nil {
		log.Debug("Dropped setup not rolled back", "procedure", req.String(), "error", err)
	}
}

// reset 丟棄實體所有尚未開始的程序；執行中的程序不受影響
func (c *Controller) reset(req types.ProcedureRequest, ops entityOps) error {
	if err := c.tracker.MarkRunning(req.ID); err != nil {
		log.Error("Failed to mark running", "procedure", req.String(), "error", err)
	}
	n, err := ops.clear()
	if err != nil {
		c.fail(req, err)
		return fmt.Errorf("procedure %s: %w", req.ID, err)
	}
	if err := c.tracker.MarkCompleted(req.ID); err != nil {
		log.Error("Failed to mark completed", "procedure", req.String(), "error", err)
	}
	log.Info("Entity reset", "entity", req.Entity, "index", req.Index, "dropped", n)
	return nil
}

func (c *Controller) fail(req types.ProcedureRequest, cause error) {
	if err := c.tracker.MarkFailed(req.ID, cause); err != nil {
		log.Error("Failed to mark failed", "procedure", req.String(), "error", err)
	}
	log.Warn("Procedure failed", "procedure", req.String(), "error", cause)
}

// runProcedure 在實體的 scheduler 上執行程序本體
func (c *Controller) runProcedure(ctx context.Context, req types.ProcedureRequest, ops entityOps) {
	if err := c.tracker.MarkRunning(req.ID); err != nil {
		log.Error("Failed to mark running", "procedure", req.String(), "error", err)
		return
	}

	if c.config.ProcedureTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.ProcedureTimeout)
		defer cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer context.AfterFunc(c.stopCtx, cancel)()

	defer func() {
		if r := recover(); r != nil {
			if req.Kind == types.ProcedureSetup {
				ops.remove()
			}
			c.fail(req, fmt.Errorf("procedure panicked: %v", r))
		}
	}()

	if err := c.execute(ctx, req, ops); err != nil {
		if req.Kind == types.ProcedureSetup {
			ops.remove()
		}
		c.fail(req, err)
		return
	}
	if err := c.tracker.MarkCompleted(req.ID); err != nil {
		log.Error("Failed to mark completed", "procedure", req.String(), "error", err)
		return
	}
	log.Debug("Procedure completed", "procedure", req.String())
}

// processingDelay 以計時器模擬程序的處理時間
func (c *Controller) processingDelay(ctx context.Context, f timer.Factory) error {
	if c.config.ProcessingDelay <= 0 {
		return nil
	}
	t := f.Create()
	defer t.Release()
	return timer.Wait(ctx, t, c.config.ProcessingDelay)
}

func (c *Controller) execute(ctx context.Context, req types.ProcedureRequest, ops entityOps) error {
	switch req.Entity {
	case types.EntityUE:
		return c.executeUE(ctx, req, ops)
	case types.EntityDU:
		return c.executeDU(ctx, req, ops)
	default:
		return c.executeCUUP(ctx, req, ops)
	}
}

// ============================================================================
// UE 程序
// ============================================================================

func (c *Controller) executeUE(ctx context.Context, req types.ProcedureRequest, ops entityOps) error {
	ue := types.UEIndex(req.Index)

	switch req.Kind {
	case types.ProcedureSetup:
		if err := c.processingDelay(ctx, ops.timers); err != nil {
			return err
		}
		return c.attachUE(ctx, ue, types.DUIndex(req.DU))

	case types.ProcedureRelease:
		// release 一定移除 UE，即使 DU 側清理失敗
		err := c.processingDelay(ctx, ops.timers)
		err = errors.Join(err, c.detachUE(ctx, ue))
		return errors.Join(err, ops.remove())

	default:
		return c.processingDelay(ctx, ops.timers)
	}
}

// errAttachAbandoned 表示等待加入的程序已經放棄
var errAttachAbandoned = errors.New("ue attach abandoned")

// attachUE 在服務 DU 的 scheduler 上將 UE 加入 DU 上下文
func (c *Controller) attachUE(ctx context.Context, ue types.UEIndex, du types.DUIndex) error {
	sched, err := c.dus.Scheduler(du)
	if err != nil {
		return fmt.Errorf("attach ue %d: %w", ue, err)
	}

	// 放棄等待後，DU 上仍在排隊的加入不得再寫入
	var (
		mu        sync.Mutex
		abandoned bool
		attached  bool
	)
	res, err := async.Offload(ctx, sched, func(context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		if abandoned {
			return errAttachAbandoned
		}
		d := &c.duCtx[du]
		if !d.active {
			return fmt.Errorf("du %d: %w", du, ErrDUNotActive)
		}
		d.ues[ue] = struct{}{}
		attached = true
		return nil
	}).Wait(ctx)
	if err == nil {
		err = res
	}
	if err == nil {
		c.ueServing[ue] = du
		return nil
	}

	mu.Lock()
	abandoned = true
	undo := attached
	mu.Unlock()
	if undo {
		// 加入已在 DU 上完成；排在其後移除
		async.OffloadFunc(context.Background(), sched, func(context.Context) {
			delete(c.duCtx[du].ues, ue)
		})
	}
	return fmt.Errorf("attach ue %d to du %d: %w", ue, du, err)
}

// detachUE 在服務 DU 的 scheduler 上將 UE 移出 DU 上下文
func (c *Controller) detachUE(ctx context.Context, ue types.UEIndex) error {
	du := c.ueServing[ue]
	sched, err := c.dus.Scheduler(du)
	if err != nil {
		// DU 已釋放，UE 上下文隨之消失
		return nil
	}
	_, err = async.OffloadFunc(ctx, sched, func(context.Context) {
		delete(c.duCtx[du].ues, ue)
	}).Wait(ctx)
	if err != nil {
		return fmt.Errorf("detach ue %d from du %d: %w", ue, du, err)
	}
	return nil
}

// ============================================================================
// DU 程序
// ============================================================================

func (c *Controller) executeDU(ctx context.Context, req types.ProcedureRequest, ops entityOps) error {
	d := &c.duCtx[req.Index]

	switch req.Kind {
	case types.ProcedureSetup:
		if err := c.processingDelay(ctx, ops.timers); err != nil {
			return err
		}
		*d = duContext{active: true, ues: make(map[types.UEIndex]struct{})}
		return nil

	case types.ProcedureModify:
		if err := c.processingDelay(ctx, ops.timers); err != nil {
			return err
		}
		d.modifications++
		return nil

	default:
		err := c.processingDelay(ctx, ops.timers)
		if n := len(d.ues); n > 0 {
			log.Warn("DU released with attached UEs", "du", req.Index, "ues", n)
		}
		*d = duContext{}
		return errors.Join(err, ops.remove())
	}
}

// ============================================================================
// CU-UP 程序
// ============================================================================

func (c *Controller) executeCUUP(ctx context.Context, req types.ProcedureRequest, ops entityOps) error {
	id := types.CUUPID(req.Index)

	switch req.Kind {
	case types.ProcedureSetup:
		if err := c.processingDelay(ctx, ops.timers); err != nil {
			return err
		}
		sched, err := c.cuups.Scheduler(id)
		if err != nil {
			return err
		}
		inst, err := cuup.NewInstance(cuup.Config{ID: id, Scheduler: sched, KeepAlive: c.config.KeepAlive})
		if err != nil {
			return err
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		if c.stopped {
			return ErrStopped
		}
		if err := inst.Start(); err != nil {
			return err
		}
		c.cuupInst[id] = inst
		return nil

	case types.ProcedureModify:
		return c.processingDelay(ctx, ops.timers)

	default:
		err := c.processingDelay(ctx, ops.timers)

		c.mu.Lock()
		inst := c.cuupInst[id]
		delete(c.cuupInst, id)
		c.mu.Unlock()
		if inst != nil {
			inst.Stop()
		}
		return errors.Join(err, ops.remove())
	}
}

// CUUPKeepAlives 返回 CU-UP 實例已執行的 keep-alive 次數
func (c *Controller) CUUPKeepAlives(id types.CUUPID) (uint64, bool) {
	c.mu.Lock()
	inst, ok := c.cuupInst[id]
	c.mu.Unlock()
	if !ok {
		return 0, false
	}
	return inst.KeepAlives(), true
}
