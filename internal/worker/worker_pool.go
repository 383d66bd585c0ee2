// ============================================================================
// gnb-sched Cell Worker Pool - 多 cell 即時執行器
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 管理每個 cell 一個 Worker goroutine 的生命週期，並以 slot barrier 同步
//
// 設計模式:
//   1. 每個 cell 固定一個 Worker goroutine，處理該 cell 的 slot 工作
//   2. 每個 slot 由 SlotSource 同時分發給所有 cell
//   3. 所有 cell 完成同一 slot 後，最後抵達者執行一次跨 cell 的 Decider
//   4. Decider 返回前，任何 cell 都不會進入下一個 slot
//
// 架構組件:
//   ┌─────────────┐
//   │ SlotSource  │ --slot--> cell 0, cell 1, ... cell N-1
//   └─────────────┘
//   ┌──────────────────────────────┐
//   │   Pool                       │
//   │  ┌────────┐                  │
//   │  │Worker 0│──┐               │
//   │  │Worker 1│──┼─→ Barrier ──→ Decider（每 slot 一次）
//   │  │Worker 2│──┘               │
//   │  └────────┘                  │
//   └──────────────────────────────┘
//
// 生命週期:
//   1. NewPool() - 建立 Pool 與 Barrier
//   2. Start(ctx, source) - 為每個 cell 啟動 Worker
//   3. source 關閉後 - Worker 處理完當前 slot 即退出
//   4. Stop() - 等待所有 Worker 完成
//
// 並發控制:
//   - reports: 每個 cell 只寫自己的位置；Decider 在 barrier 內讀取
//   - WaitGroup: 追蹤所有 Worker，確保優雅關閉
//   - Mutex: 保護 started/stopped 狀態
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/ChuLiYu/gnb-sched/internal/slotsync"
	"github.com/ChuLiYu/gnb-sched/pkg/types"
)

var log = slog.Default()

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolClosed 表示當前 Pool 已關閉，無法再啟動
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolStarted 表示 Pool 已啟動
	ErrPoolStarted = errors.New("worker pool already started")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Pool 代表 cell Worker 池
type Pool struct {
	nofCells int               // cell 數量，也是 barrier 的參與者數量
	handler  Handler           // 每個 cell 的 slot 工作
	decider  Decider           // 每個 slot 的跨 cell 決策
	barrier  *slotsync.Barrier // slot barrier
	reports  []Report          // 各 cell 在當前 slot 的報告

	workers []*Worker      // Worker 列表
	wg      sync.WaitGroup // 等待所有 Worker 完成的同步工具
	started bool           // 標誌 Pool 是否已啟動
	stopped bool           // 標誌 Pool 是否已停止
	mu      sync.Mutex     // 保護 started 和 stopped 狀態的互斥鎖

	decided  atomic.Uint64 // 已完成決策的 slot 數
	lastSlot atomic.Uint64 // 最近一次決策的 slot
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewPool 建立新的 cell Worker Pool
// 參數：
//   - nofCells: cell 數量（必須 > 0）
//   - handler: cell 的 slot 工作
//   - decider: 跨 cell 決策，可為 nil
//   - observer: barrier 完成通知，可為 nil
func NewPool(nofCells int, handler Handler, decider Decider, observer slotsync.Observer) *Pool {
	if nofCells <= 0 {
		panic("worker: number of cells must be positive")
	}
	return &Pool{
		nofCells: nofCells,
		handler:  handler,
		decider:  decider,
		barrier:  slotsync.New(observer),
		reports:  make([]Report, nofCells),
		workers:  make([]*Worker, 0, nofCells),
	}
}

// Start 為每個 cell 啟動一個 Worker
// 返回值：
//   - error: Pool 已啟動或已關閉時返回錯誤
func (p *Pool) Start(ctx context.Context, source SlotSource) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return ErrPoolClosed
	}
	if p.started {
		return ErrPoolStarted // 防止重複啟動
	}

	for i := 0; i < p.nofCells; i++ {
		cell := types.CellIndex(i)
		worker := newWorker(cell, source.Subscribe(cell), p)
		p.workers = append(p.workers, worker)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run(ctx)
		}(worker)
	}

	p.started = true
	log.Info("Cell worker pool started", "cells", p.nofCells)
	return nil
}

// decide 在 barrier 內由最後抵達的 cell 呼叫
func (p *Pool) decide(slot types.Slot) {
	defer func() {
		p.lastSlot.Store(uint64(slot))
		p.decided.Add(1)
	}()
	defer func() {
		// 決策失敗不能讓最後到達的 cell 帶著 panic 離開
		if r := recover(); r != nil {
			log.Error("Slot decider panicked", "slot", slot, "panic", r)
		}
	}()
	if p.decider != nil {
		p.decider.Decide(slot, p.reports)
	}
}

// Stop 等待所有 Worker 結束
// 呼叫前必須先關閉 SlotSource，否則 Worker 會持續等待下一個 slot
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.stopped = true
		p.mu.Unlock()
		return // 如果未啟動或已停止，直接返回
	}
	p.stopped = true
	p.mu.Unlock()

	p.wg.Wait() // 等待所有 Worker 完成
	log.Info("Cell worker pool stopped", "slots_decided", p.decided.Load())
}

// SlotsDecided 返回已完成決策的 slot 數
func (p *Pool) SlotsDecided() uint64 {
	return p.decided.Load()
}

// LastSlot 返回最近一次決策的 slot；尚未有決策時 ok 為 false
func (p *Pool) LastSlot() (types.Slot, bool) {
	if p.decided.Load() == 0 {
		return 0, false
	}
	return types.Slot(p.lastSlot.Load()), true
}

// GetWorkerCount 返回當前 Worker 數量
func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// IsStarted 檢查 Pool 是否已啟動
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}
