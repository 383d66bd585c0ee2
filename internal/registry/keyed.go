package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/ChuLiYu/gnb-sched/internal/async"
	"github.com/ChuLiYu/gnb-sched/internal/timer"
)

// Keyed 以稀疏 id 索引的 scheduler 註冊表。
// id 透過 hash map 對應到 Dense arena 中預先配置的 slot，slot 以 free list 回收，
// 因此 scheduler 實例不會因為 map 成長而被搬移。
type Keyed[K comparable] struct {
	mu    sync.Mutex // 保護 index / free，並涵蓋排程動作，避免 slot 被重用時任務錯置
	arena *Dense[uint32]
	index map[K]uint32
	free  []uint32
}

// NewKeyed 建立稀疏 id 註冊表
func NewKeyed[K comparable](cfg Config) *Keyed[K] {
	arena := NewDense[uint32](cfg)
	free := make([]uint32, 0, cfg.Capacity)
	for i := cfg.Capacity - 1; i >= 0; i-- {
		free = append(free, uint32(i))
	}
	return &Keyed[K]{
		arena: arena,
		index: make(map[K]uint32, cfg.Capacity),
		free:  free,
	}
}

func (k *Keyed[K]) slot(key K) (uint32, error) {
	s, ok := k.index[key]
	if !ok {
		return 0, fmt.Errorf("%s %v: %w", k.arena.group, key, ErrUnknownEntity)
	}
	return s, nil
}

// Capacity 回傳最大實體數量
func (k *Keyed[K]) Capacity() int { return k.arena.Capacity() }

// NofEntities 回傳目前存活的實體數量
func (k *Keyed[K]) NofEntities() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.index)
}

// AddEntity 為新實體分配一個 scheduler slot
func (k *Keyed[K]) AddEntity(key K) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if _, ok := k.index[key]; ok {
		return fmt.Errorf("%s %v: %w", k.arena.group, key, ErrEntityExists)
	}
	if len(k.free) == 0 {
		return fmt.Errorf("%s %v: %w", k.arena.group, key, ErrRegistryFull)
	}
	s := k.free[len(k.free)-1]
	if err := k.arena.AddEntity(s); err != nil {
		return err
	}
	k.free = k.free[:len(k.free)-1]
	k.index[key] = s
	return nil
}

// RemoveEntity 移除實體、丟棄其尚未開始的任務並回收 slot
func (k *Keyed[K]) RemoveEntity(key K) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	s, err := k.slot(key)
	if err != nil {
		return err
	}
	if err := k.arena.RemoveEntity(s); err != nil {
		return err
	}
	delete(k.index, key)
	k.free = append(k.free, s)
	return nil
}

// Contains 檢查實體是否存活
func (k *Keyed[K]) Contains(key K) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	_, ok := k.index[key]
	return ok
}

// HandleEntityAsyncTask 將任務排入實體的 scheduler
func (k *Keyed[K]) HandleEntityAsyncTask(key K, task async.Task) error {
	return k.HandleEntityAsyncTaskWithDiscard(key, task, nil)
}

// HandleEntityAsyncTaskWithDiscard 同 HandleEntityAsyncTask，
// 任務在開始前被丟棄時呼叫 discard
func (k *Keyed[K]) HandleEntityAsyncTaskWithDiscard(key K, task async.Task, discard func()) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	s, err := k.slot(key)
	if err != nil {
		return err
	}
	return k.arena.HandleEntityAsyncTaskWithDiscard(s, task, discard)
}

// ClearPendingTasks 丟棄實體尚未開始的任務，回傳丟棄數量
func (k *Keyed[K]) ClearPendingTasks(key K) (int, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	s, err := k.slot(key)
	if err != nil {
		return 0, err
	}
	return k.arena.ClearPendingTasks(s)
}

// Scheduler 回傳存活實體的 scheduler
func (k *Keyed[K]) Scheduler(key K) (*async.FifoScheduler, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	s, err := k.slot(key)
	if err != nil {
		return nil, err
	}
	return k.arena.Scheduler(s)
}

// TimerFactory 回傳綁定 control executor 的計時器工廠
func (k *Keyed[K]) TimerFactory() timer.Factory { return k.arena.TimerFactory() }

// Timers 回傳共用的計時器管理器
func (k *Keyed[K]) Timers() *timer.Manager { return k.arena.Timers() }

// Stop 停止所有 scheduler 並等待其 driver 結束
func (k *Keyed[K]) Stop(ctx context.Context) error {
	return k.arena.Stop(ctx)
}
