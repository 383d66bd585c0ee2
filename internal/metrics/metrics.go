// ============================================================================
// gnb-sched Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露 scheduler、slot barrier 與控制面程序的運行指標
//
// 指標分類:
//
//   1. 任務計數器 (Counter)，依 group 標籤（ue / du / cuup / control）：
//      - gnb_sched_tasks_scheduled_total: 成功排入的任務數
//      - gnb_sched_tasks_rejected_total{reason}: 被拒絕的任務數（queue_full / stopped）
//      - gnb_sched_tasks_discarded_total: 尚未開始即被丟棄的任務數
//
//   2. 性能指標 (Histogram)：
//      - gnb_sched_task_queue_seconds: 任務在佇列中的等待時間
//      - gnb_sched_task_run_seconds: 任務的執行時間（包含 suspend 等待）
//      - gnb_sched_slot_skew_seconds: 同一 slot 第一個與最後一個 cell 抵達的時間差
//      - gnb_sched_procedure_latency_seconds{kind}: 控制面程序從排入到結束的延遲
//
//   3. 狀態指標 (Gauge)：
//      - gnb_sched_entities{kind}: 當前活躍的實體數
//      - gnb_sched_procedures_live{status}: 待處理 / 執行中的程序數
//
// 使用場景:
//   - tasks_rejected_total{reason="queue_full"} 增長 → 實體佇列容量不足
//   - slot_skew_seconds 接近 slot 週期 → cell 負載不均
//   - procedures_total{status="dropped"} 突增 → 大量 reset
//
// Prometheus 查詢示例:
//
//   # 各 group 每秒排入任務數
//   sum by (group) (rate(gnb_sched_tasks_scheduled_total[1m]))
//
//   # 95 分位 slot 偏差
//   histogram_quantile(0.95, rate(gnb_sched_slot_skew_seconds_bucket[5m]))
//
// HTTP 端點:
//   通過 /metrics 端點暴露，由 Prometheus 定期抓取
//   默認端口: 9090
//
// ============================================================================

package metrics

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ChuLiYu/gnb-sched/internal/async"
	"github.com/ChuLiYu/gnb-sched/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gnb_sched"

// slot 等級的時間分佈桶（10µs ~ 10ms）
var slotBuckets = prometheus.ExponentialBuckets(0.00001, 2, 11)

// Collector Prometheus 指標收集器
// 實作 async.Observer、slotsync.Observer 與 procedure.Observer
type Collector struct {
	// 任務相關指標
	tasksScheduled *prometheus.CounterVec
	tasksRejected  *prometheus.CounterVec
	tasksDiscarded *prometheus.CounterVec
	taskQueue      *prometheus.HistogramVec
	taskRun        *prometheus.HistogramVec

	// slot 指標
	slotsCompleted prometheus.Counter
	slotSkew       prometheus.Histogram

	// 程序指標
	procedures       *prometheus.CounterVec
	procedureLatency *prometheus.HistogramVec
	proceduresLive   *prometheus.GaugeVec

	// 狀態指標
	entities *prometheus.GaugeVec
}

// NewCollector 創建新的指標收集器，並註冊到 prometheus.DefaultRegisterer
func NewCollector() *Collector {
	c := &Collector{
		tasksScheduled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_scheduled_total",
			Help:      "Total number of tasks accepted by entity schedulers",
		}, []string{"group"}),
		tasksRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_rejected_total",
			Help:      "Total number of tasks refused by entity schedulers",
		}, []string{"group", "reason"}),
		tasksDiscarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_discarded_total",
			Help:      "Total number of tasks dropped before they started",
		}, []string{"group"}),
		taskQueue: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_queue_seconds",
			Help:      "Time a task spent queued before it started",
			Buckets:   prometheus.DefBuckets,
		}, []string{"group"}),
		taskRun: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_run_seconds",
			Help:      "Time from task start to completion, suspensions included",
			Buckets:   prometheus.DefBuckets,
		}, []string{"group"}),
		slotsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slots_completed_total",
			Help:      "Total number of slots completed by every cell",
		}),
		slotSkew: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "slot_skew_seconds",
			Help:      "Time between the first and the last cell arriving at a slot barrier",
			Buckets:   slotBuckets,
		}),
		procedures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "procedures_total",
			Help:      "Total number of finished control-plane procedures",
		}, []string{"kind", "status"}),
		procedureLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "procedure_latency_seconds",
			Help:      "Procedure latency from acceptance to completion in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		proceduresLive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "procedures_live",
			Help:      "Current number of pending and running procedures",
		}, []string{"status"}),
		entities: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "entities",
			Help:      "Current number of live entities",
		}, []string{"kind"}),
	}

	// 註冊所有指標
	prometheus.MustRegister(c.tasksScheduled)
	prometheus.MustRegister(c.tasksRejected)
	prometheus.MustRegister(c.tasksDiscarded)
	prometheus.MustRegister(c.taskQueue)
	prometheus.MustRegister(c.taskRun)
	prometheus.MustRegister(c.slotsCompleted)
	prometheus.MustRegister(c.slotSkew)
	prometheus.MustRegister(c.procedures)
	prometheus.MustRegister(c.procedureLatency)
	prometheus.MustRegister(c.proceduresLive)
	prometheus.MustRegister(c.entities)

	return c
}

// ============================================================================
// async.Observer
// ============================================================================

// TaskScheduled 記錄任務排入
func (c *Collector) TaskScheduled(group string) {
	c.tasksScheduled.WithLabelValues(group).Inc()
}

// TaskRejected 記錄任務被拒絕
func (c *Collector) TaskRejected(group string, err error) {
	c.tasksRejected.WithLabelValues(group, rejectReason(err)).Inc()
}

// TaskStarted 記錄任務排隊時間
func (c *Collector) TaskStarted(group string, queued time.Duration) {
	c.taskQueue.WithLabelValues(group).Observe(queued.Seconds())
}

// TaskDone 記錄任務執行時間
func (c *Collector) TaskDone(group string, ran time.Duration) {
	c.taskRun.WithLabelValues(group).Observe(ran.Seconds())
}

// TasksDiscarded 記錄被丟棄的任務數
func (c *Collector) TasksDiscarded(group string, n int) {
	c.tasksDiscarded.WithLabelValues(group).Add(float64(n))
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, async.ErrQueueFull):
		return "queue_full"
	case errors.Is(err, async.ErrSchedulerStopped):
		return "stopped"
	default:
		return "other"
	}
}

// ============================================================================
// slotsync.Observer
// ============================================================================

// SlotCompleted 記錄 slot 完成與 cell 抵達偏差
func (c *Collector) SlotCompleted(tick uint64, skew time.Duration) {
	c.slotsCompleted.Inc()
	c.slotSkew.Observe(skew.Seconds())
}

// ============================================================================
// procedure.Observer
// ============================================================================

// ProcedureFinished 記錄程序結束
func (c *Collector) ProcedureFinished(kind types.ProcedureKind, status types.ProcedureStatus, latency time.Duration) {
	c.procedures.WithLabelValues(string(kind), string(status)).Inc()
	if status == types.StatusCompleted {
		c.procedureLatency.WithLabelValues(string(kind)).Observe(latency.Seconds())
	}
}

// ============================================================================
// 狀態更新
// ============================================================================

// UpdateProcedureStats 更新程序狀態統計
func (c *Collector) UpdateProcedureStats(pending, running int) {
	c.proceduresLive.WithLabelValues(string(types.StatusPending)).Set(float64(pending))
	c.proceduresLive.WithLabelValues(string(types.StatusRunning)).Set(float64(running))
}

// SetEntities 設置某種實體的當前數量
func (c *Collector) SetEntities(kind types.EntityKind, n int) {
	c.entities.WithLabelValues(string(kind)).Set(float64(n))
}

// StartServer 啟動 Prometheus metrics HTTP 伺服器
//
// 參數：
//   - port: HTTP 伺服器端口
//
// 返回值：
//   - error: 啟動失敗的錯誤
func StartServer(port int) error {
	return http.ListenAndServe(fmt.Sprintf(":%d", port), Handler())
}

// Handler 返回 /metrics 路由
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}
