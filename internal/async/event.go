package async

import (
	"context"
	"sync"
)

// eventCell is the state shared by one Sender/Receiver pair.
type eventCell[T any] struct {
	mu       sync.Mutex
	done     chan struct{}
	value    T
	ok       bool
	resolved bool
}

// Sender is the signalling half of a one-shot event.
type Sender[T any] struct {
	c *eventCell[T]
}

// Receiver is the awaiting half of a one-shot event. It resolves exactly once,
// either with the value passed to Sender.Set or with none if the sender was
// closed first.
type Receiver[T any] struct {
	c *eventCell[T]
}

// NewEvent creates a connected one-shot event pair.
func NewEvent[T any]() (*Sender[T], *Receiver[T]) {
	c := &eventCell[T]{done: make(chan struct{})}
	return &Sender[T]{c: c}, &Receiver[T]{c: c}
}

// Set resolves the event with v. Only the first resolution wins; Set reports
// false if the event was already set or closed.
func (s *Sender[T]) Set(v T) bool {
	return s.c.resolve(v, true)
}

// Close resolves the event with none, unless it was already set. Calling Close
// after Set is a no-op, which makes `defer tx.Close()` safe.
func (s *Sender[T]) Close() {
	var zero T
	s.c.resolve(zero, false)
}

func (c *eventCell[T]) resolve(v T, ok bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.resolved {
		return false
	}
	c.value, c.ok, c.resolved = v, ok, true
	close(c.done)
	return true
}

// Done returns a channel closed once the event is resolved.
func (r *Receiver[T]) Done() <-chan struct{} {
	return r.c.done
}

// Result returns the resolved value without blocking. ok is false while the
// event is unresolved or when it resolved with none.
func (r *Receiver[T]) Result() (value T, ok bool) {
	select {
	case <-r.c.done:
	default:
		return value, false
	}
	r.c.mu.Lock()
	defer r.c.mu.Unlock()
	return r.c.value, r.c.ok
}

// Wait suspends the caller until the event resolves or ctx is done.
// It returns ErrAbandoned if the event resolved with none.
// A resolved event wins over a done ctx.
func (r *Receiver[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-r.c.done:
	default:
		select {
		case <-r.c.done:
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
	v, ok := r.Result()
	if !ok {
		return v, ErrAbandoned
	}
	return v, nil
}

// Resolved returns a receiver that is already resolved with v.
func Resolved[T any](v T) *Receiver[T] {
	tx, rx := NewEvent[T]()
	tx.Set(v)
	return rx
}
