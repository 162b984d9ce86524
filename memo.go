package strobe

import (
	"context"
	"sync"
)

// Memo is a lazily computed value. The first call to Get starts the computation; every call until
// it finishes waits on the same result. Failed computations are not kept, so the next Get tries
// again.
type Memo[T any] struct {
	mu      sync.Mutex
	name    string
	compute func(context.Context) (T, error)
	current *Task[T]
}

func NewMemo[T any](name string, compute func(context.Context) (T, error)) *Memo[T] {
	return &Memo[T]{name: name, compute: compute}
}

// Get returns the memoized value, computing it if needed. The computation doesn't use ctx: it
// outlives any single caller, so that one caller giving up doesn't fail the others.
func (m *Memo[T]) Get(ctx context.Context) (T, error) {
	m.mu.Lock()
	t := m.current
	if t == nil || (isClosed(t.Done()) && t.Signal().State() != Resolved) {
		t = Go(context.Background(), m.name, m.compute)
		m.current = t
	}
	m.mu.Unlock()

	return t.Wait(ctx)
}

// Invalidate drops the memoized value, so that the next Get recomputes it. A computation that's
// still running is left to finish, but its result is only seen by callers already waiting on it.
func (m *Memo[T]) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = nil
}
