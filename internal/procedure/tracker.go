// ============================================================================
// gnb-sched 程序追蹤器 - 控制面程序狀態機實現
// ============================================================================
//
// Package: internal/procedure
// 文件: tracker.go
// 功能: 記錄每個控制面程序從排入到結束的生命週期
//
// 程序狀態轉換 (State Machine):
//   Pending (已排入實體 scheduler)
//      ↓ MarkRunning()            ↘ MarkDropped() (reset / stop 丟棄)
//   Running (在實體 scheduler 上執行)    ↘ MarkFailed() (排程被拒)
//      ↓ MarkCompleted() 或 MarkFailed()
//   Completed / Failed / Dropped
//
// 狀態轉換規則:
//   - Pending → Running: 任務開始執行
//   - Pending → Dropped: 任務尚未開始即被 ClearPendingTasks / RequestStop 丟棄
//   - Pending → Failed: 實體 scheduler 拒絕任務（佇列已滿或已停止）
//   - Running → Completed / Failed: 程序結束
//
// 數據結構設計:
//   records map[ProcedureID]*ProcedureRecord - 主存儲
//   finished []ProcedureID - 已結束程序的 FIFO，超過 retention 時淘汰最舊的紀錄
//   totals - 已結束程序的累計數量，不受淘汰影響
//
// 並發安全:
//   - 使用 sync.RWMutex 保護所有數據結構
//   - Observer 在鎖外呼叫
//
// ============================================================================

package procedure

import (
	"errors"
	"sync"
	"time"

	"github.com/ChuLiYu/gnb-sched/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 程序 ID 重複錯誤
	ErrDuplicateProcedure = errors.New("procedure already exists")
	// 程序不存在
	ErrProcedureNotFound = errors.New("procedure not found")
	// 程序不在待處理狀態
	ErrNotPending = errors.New("procedure not pending")
	// 程序不在執行中狀態
	ErrNotRunning = errors.New("procedure not running")
	// 程序已結束
	ErrAlreadyFinished = errors.New("procedure already finished")
)

// DefaultRetention 預設保留的已結束程序紀錄數量
const DefaultRetention = 4096

// Observer 接收程序結束通知（例如 metrics）
type Observer interface {
	ProcedureFinished(kind types.ProcedureKind, status types.ProcedureStatus, latency time.Duration)
}

// ============================================================================
// 資料結構定義
// ============================================================================

// Tracker 代表程序追蹤器
type Tracker struct {
	mu        sync.RWMutex
	records   map[types.ProcedureID]*types.ProcedureRecord // 所有保留中的程序紀錄
	finished  []types.ProcedureID                          // 已結束程序，依結束順序
	pending   int                                          // 待處理數量
	running   int                                          // 執行中數量
	totals    map[types.ProcedureStatus]int                // 已結束程序的累計數量
	retention int                                          // 保留的已結束紀錄上限
	observer  Observer                                     // 可為 nil
	now       func() time.Time
}

// NewTracker 建立新的程序追蹤器
//
// 參數說明：
//   - retention: 保留的已結束紀錄數量，<= 0 時使用 DefaultRetention
//   - observer: 程序結束通知，可為 nil
func NewTracker(retention int, observer Observer) *Tracker {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Tracker{
		records:   make(map[types.ProcedureID]*types.ProcedureRecord),
		totals:    make(map[types.ProcedureStatus]int),
		retention: retention,
		observer:  observer,
		now:       time.Now,
	}
}

// Accept 登記新的程序，設定為待處理狀態
//
// 錯誤處理：
//   - ErrDuplicateProcedure: 程序 ID 已存在於追蹤器中
func (t *Tracker) Accept(req types.ProcedureRequest) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.records[req.ID]; exists {
		return ErrDuplicateProcedure
	}

	t.records[req.ID] = &types.ProcedureRecord{
		Request:   req,
		Status:    types.StatusPending,
		CreatedAt: t.now(),
	}
	t.pending++
	return nil
}

// MarkRunning 將程序標記為執行中
func (t *Tracker) MarkRunning(id types.ProcedureID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, exists := t.records[id]
	if !exists {
		return ErrProcedureNotFound
	}
	if rec.Status != types.StatusPending {
		return ErrNotPending
	}

	rec.Status = types.StatusRunning
	rec.StartedAt = t.now()
	t.pending--
	t.running++
	return nil
}

// MarkCompleted 將執行中的程序標記為已完成
func (t *Tracker) MarkCompleted(id types.ProcedureID) error {
	return t.finish(id, types.StatusCompleted, nil, func(s types.ProcedureStatus) error {
		if s != types.StatusRunning {
			return ErrNotRunning
		}
		return nil
	})
}

// MarkFailed 將程序標記為失敗，cause 記錄於紀錄中
// 待處理（排程被拒）與執行中的程序皆可標記為失敗
func (t *Tracker) MarkFailed(id types.ProcedureID, cause error) error {
	return t.finish(id, types.StatusFailed, cause, func(s types.ProcedureStatus) error {
		if s != types.StatusPending && s != types.StatusRunning {
			return ErrAlreadyFinished
		}
		return nil
	})
}

// MarkDropped 將尚未開始的程序標記為已丟棄
func (t *Tracker) MarkDropped(id types.ProcedureID) error {
	return t.finish(id, types.StatusDropped, nil, func(s types.ProcedureStatus) error {
		if s != types.StatusPending {
			return ErrNotPending
		}
		return nil
	})
}

// finish 將程序轉為終止狀態，並在鎖外通知 observer
func (t *Tracker) finish(id types.ProcedureID, status types.ProcedureStatus, cause error, check func(types.ProcedureStatus) error) error {
	t.mu.Lock()
	rec, exists := t.records[id]
	if !exists {
		t.mu.Unlock()
		return ErrProcedureNotFound
	}
	if err := check(rec.Status); err != nil {
		t.mu.Unlock()
		return err
	}

	switch rec.Status {
	case types.StatusPending:
		t.pending--
	case types.StatusRunning:
		t.running--
	}
	rec.Status = status
	rec.EndedAt = t.now()
	if cause != nil {
		rec.Error = cause.Error()
	}
	t.totals[status]++
	t.finished = append(t.finished, id)
	t.evictLocked()

	kind, latency := rec.Request.Kind, rec.Latency()
	t.mu.Unlock()

	if t.observer != nil {
		t.observer.ProcedureFinished(kind, status, latency)
	}
	return nil
}

// evictLocked 淘汰超過 retention 的最舊已結束紀錄
func (t *Tracker) evictLocked() {
	for len(t.finished) > t.retention {
		delete(t.records, t.finished[0])
		t.finished = t.finished[1:]
	}
}

// ============================================================================
// 查詢方法
// ============================================================================

// Get 取得程序紀錄的副本
func (t *Tracker) Get(id types.ProcedureID) (types.ProcedureRecord, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rec, exists := t.records[id]
	if !exists {
		return types.ProcedureRecord{}, false
	}
	return *rec, true
}

// Stats 取得各狀態程序的統計資訊
// pending / running 為當前數量，其餘為累計數量
//
// 使用範例：
//
//	stats := tracker.Stats()
//	log.Printf("待處理: %d, 執行中: %d, 已完成: %d",
//	    stats["pending"], stats["running"], stats["completed"])
func (t *Tracker) Stats() map[string]int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return map[string]int{
		string(types.StatusPending):   t.pending,
		string(types.StatusRunning):   t.running,
		string(types.StatusCompleted): t.totals[types.StatusCompleted],
		string(types.StatusFailed):    t.totals[types.StatusFailed],
		string(types.StatusDropped):   t.totals[types.StatusDropped],
	}
}
