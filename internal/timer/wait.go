package timer

import (
	"context"
	"time"

	"github.com/ChuLiYu/gnb-sched/internal/async"
)

// Wait suspends the calling task for d using t. The timer's executor must not
// be the scheduler running the caller, or the callback queues behind the
// waiting task forever.
func Wait(ctx context.Context, t *Timer, d time.Duration) error {
	tx, rx := async.NewEvent[struct{}]()
	t.Set(d, func(ID) { tx.Set(struct{}{}) })
	t.Run()

	if _, err := rx.Wait(ctx); err != nil {
		t.Stop()
		return err
	}
	return nil
}
