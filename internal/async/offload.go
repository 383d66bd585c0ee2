package async

import "context"

// Offload runs fn under target's mutual exclusion and returns a receiver for
// its result. The receiver resolves exactly once: with fn's return value, or
// with none if target refused the task or dropped it before it started.
//
// When ctx belongs to a task already running on target, fn runs inline: the
// wrapper would otherwise queue behind the very task waiting for it. A nil
// target resolves with none and fn never runs.
func Offload[R any](ctx context.Context, target *FifoScheduler, fn func(ctx context.Context) R) *Receiver[R] {
	if target == nil {
		tx, rx := NewEvent[R]()
		tx.Close()
		return rx
	}
	if CurrentScheduler(ctx) == target {
		return Resolved(fn(ctx))
	}

	tx, rx := NewEvent[R]()
	wrapper := func(ctx context.Context) {
		// a panic in fn still resolves the receiver
		defer tx.Close()
		tx.Set(fn(ctx))
	}
	if err := target.ScheduleWithDiscard(wrapper, tx.Close); err != nil {
		log.Debug("Offload rejected", "target", target.Name(), "error", err)
		tx.Close()
	}
	return rx
}

// OffloadFunc is Offload for callbacks without a result. The receiver
// resolves with a value once fn has run.
func OffloadFunc(ctx context.Context, target *FifoScheduler, fn func(ctx context.Context)) *Receiver[struct{}] {
	return Offload(ctx, target, func(ctx context.Context) struct{} {
		fn(ctx)
		return struct{}{}
	})
}
