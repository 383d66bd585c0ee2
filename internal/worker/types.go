package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/gnb-sched/pkg/types"
)

// Report 代表一個 cell 在某個 slot 的處理結果
type Report struct {
	Cell     types.CellIndex // cell 索引
	Slot     types.Slot      // slot 編號
	Load     int             // 本 slot 待排程的負載（例如待分配的 UE 數）
	Duration time.Duration   // 本 cell 處理本 slot 所花的時間
}

// Handler 執行單一 cell 在單一 slot 內的獨立工作
type Handler interface {
	HandleSlot(ctx context.Context, cell types.CellIndex, slot types.Slot) Report
}

// HandlerFunc 將函式轉為 Handler
type HandlerFunc func(ctx context.Context, cell types.CellIndex, slot types.Slot) Report

func (f HandlerFunc) HandleSlot(ctx context.Context, cell types.CellIndex, slot types.Slot) Report {
	return f(ctx, cell, slot)
}

// Decider 在所有 cell 完成同一個 slot 後執行一次跨 cell 的決策。
// reports 依 cell 索引排列，只在呼叫期間有效。
type Decider interface {
	Decide(slot types.Slot, reports []Report)
}

// DeciderFunc 將函式轉為 Decider
type DeciderFunc func(slot types.Slot, reports []Report)

func (f DeciderFunc) Decide(slot types.Slot, reports []Report) { f(slot, reports) }
