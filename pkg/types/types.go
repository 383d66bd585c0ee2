// Package types 定義了 gnb-sched 系統中使用的核心領域模型
package types

import (
	"fmt"
	"time"
)

// 系統支援的實體上限（registry 依此預先配置 scheduler）
const (
	MaxNofUEs   = 1024 // 每個 CU-CP 支援的最大 UE 數量
	MaxNofDUs   = 16   // 每個 CU-CP 支援的最大 DU 數量
	MaxNofCUUPs = 8    // 每個 CU-CP 支援的最大 CU-UP 數量
	MaxNofCells = 16   // 每個 DU 支援的最大 cell 數量
)

// UEIndex UE 在 CU-CP 內的密集索引（0 ~ MaxNofUEs-1）
type UEIndex uint32

// DUIndex DU 在 CU-CP 內的密集索引（0 ~ MaxNofDUs-1）
type DUIndex uint32

// CUUPID CU-UP 的識別碼，由 E1 Setup 提供，id 空間稀疏
type CUUPID uint64

// CellIndex cell 的密集索引
type CellIndex uint32

// Slot 時槽計數器，每個 slot 單調遞增
type Slot uint64

// EntityKind 擁有獨立控制面任務序列的邏輯實體種類
type EntityKind string

// 定義實體種類常數
const (
	EntityUE   EntityKind = "ue"   // 終端
	EntityDU   EntityKind = "du"   // Distributed Unit
	EntityCUUP EntityKind = "cuup" // CU User Plane
)

// ProcedureKind 控制面程序種類
type ProcedureKind string

// 定義程序種類常數
const (
	ProcedureSetup   ProcedureKind = "setup"   // 建立實體上下文
	ProcedureModify  ProcedureKind = "modify"  // 修改實體上下文
	ProcedureRelease ProcedureKind = "release" // 釋放實體上下文
	ProcedureReset   ProcedureKind = "reset"   // 放棄實體所有尚未開始的程序
)

// ProcedureID 程序唯一識別碼
type ProcedureID string

// ProcedureStatus 程序狀態
type ProcedureStatus string

// 定義程序狀態常數
const (
	StatusPending   ProcedureStatus = "pending"   // 已排入實體的 scheduler，尚未開始
	StatusRunning   ProcedureStatus = "running"   // 正在實體的 scheduler 上執行
	StatusCompleted ProcedureStatus = "completed" // 成功完成
	StatusFailed    ProcedureStatus = "failed"    // 執行失敗或逾時
	StatusDropped   ProcedureStatus = "dropped"   // 尚未開始即被丟棄（reset / stop）
)

// ProcedureRequest 一個控制面程序請求（例如收到的 F1AP/E1AP/NGAP 訊息）
type ProcedureRequest struct {
	ID     ProcedureID   `json:"id"`           // 程序唯一識別碼
	Entity EntityKind    `json:"entity"`       // 目標實體種類
	Index  uint64        `json:"index"`        // 目標實體索引或識別碼
	DU     uint32        `json:"du,omitempty"` // UE 程序的服務 DU
	Kind   ProcedureKind `json:"kind"`         // 程序種類
}

// String 回傳便於日誌輸出的描述
func (r ProcedureRequest) String() string {
	return fmt.Sprintf("%s %s %s-%d", r.ID, r.Kind, r.Entity, r.Index)
}

// ProcedureRecord 程序的追蹤紀錄
type ProcedureRecord struct {
	Request   ProcedureRequest `json:"request"`
	Status    ProcedureStatus  `json:"status"`
	Error     string           `json:"error,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
	StartedAt time.Time        `json:"started_at,omitempty"`
	EndedAt   time.Time        `json:"ended_at,omitempty"`
}

// Latency 回傳從排入到結束的耗時，尚未結束時回傳 0
func (r ProcedureRecord) Latency() time.Duration {
	if r.EndedAt.IsZero() {
		return 0
	}
	return r.EndedAt.Sub(r.CreatedAt)
}
