package strobe

import (
	"context"
	"sync"
)

// ResettableSignal wraps a [Signal] that can be re-armed once it has finished. It's used wherever
// a condition is checked repeatedly, like "is there a new item" or "is it time for the next tick".
//
// Callbacks registered with [ResettableSignal.OnDone] are sticky: they're attached to every
// Signal the ResettableSignal holds, including those created by later calls to Reset.
type ResettableSignal[T any] struct {
	mu      sync.Mutex
	name    string
	current *Signal[T]
	sticky  []func(Outcome[T])
}

// NewResettable returns a ResettableSignal holding a fresh pending Signal
func NewResettable[T any](name string) *ResettableSignal[T] {
	return &ResettableSignal[T]{name: name, current: NewSignal[T](name)}
}

// Current returns the Signal currently held. It may be replaced by a later call to Reset.
func (r *ResettableSignal[T]) Current() *Signal[T] {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

func (r *ResettableSignal[T]) Name() string          { return r.name }
func (r *ResettableSignal[T]) State() State          { return r.Current().State() }
func (r *ResettableSignal[T]) Done() <-chan struct{} { return r.Current().Done() }
func (r *ResettableSignal[T]) Resolve(value T) error { return r.Current().Resolve(value) }
func (r *ResettableSignal[T]) Fail(err error) error  { return r.Current().Fail(err) }
func (r *ResettableSignal[T]) Cancel() error         { return r.Current().Cancel() }

// Reset replaces the current Signal with a fresh pending one, if the current Signal is finished.
// Resetting a pending ResettableSignal does nothing.
func (r *ResettableSignal[T]) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current.State() == Pending {
		return
	}

	r.current = NewSignal[T](r.name)
	for _, f := range r.sticky {
		r.current.OnDone(f)
	}
}

// OnDone registers a sticky callback, called each time a Signal held by r finishes.
func (r *ResettableSignal[T]) OnDone(f func(Outcome[T])) {
	r.mu.Lock()
	r.sticky = append(r.sticky, f)
	current := r.current
	r.mu.Unlock()

	current.OnDone(f)
}

// Wait blocks until the current Signal is finished and returns its result.
//
// If the Signal finishes and is reset before Wait observes it, Wait moves on to the new Signal,
// so the result returned is never from a Signal that has already been replaced.
func (r *ResettableSignal[T]) Wait(ctx context.Context) (T, error) {
	for {
		cur := r.Current()
		select {
		case <-cur.Done():
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}

		if r.Current() == cur {
			return cur.Result()
		}
	}
}
