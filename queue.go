package strobe

import (
	"context"
	"iter"
	"sync"
)

// DrainPolicy decides what a [Queue] does with buffered items once its Signal has finished
type DrainPolicy uint8

const (
	// StopImmediately ends iteration as soon as the Queue's Signal finishes, even if items remain.
	// Remaining items can be recovered with [Queue.Remaining].
	StopImmediately DrainPolicy = iota
	// DrainToEmpty keeps delivering buffered items after the Queue's Signal finishes, ending
	// iteration only once the buffer is empty. Items pushed in the meantime are delivered too.
	DrainToEmpty
)

// Queue is a FIFO buffer with many producers and a single consumer, bound to a Signal.
//
// Pushing never blocks. The consumer reads with [Queue.Next] or [Queue.All], which block until an
// item is available, the Queue is closed and empty, or the Queue's Signal finishes (subject to the
// DrainPolicy).
type Queue[T any] struct {
	mu     sync.Mutex
	name   string
	sig    *Signal[struct{}]
	policy DrainPolicy
	items  []T
	closed bool
	// set by Stop; iteration is over regardless of policy
	halted bool
	waiter *ResettableSignal[struct{}]
}

// NewQueue returns an empty Queue bound to a child of final
func NewQueue[T any](final *Signal[struct{}], name string, policy DrainPolicy) *Queue[T] {
	return &Queue[T]{
		name:   name,
		sig:    NewChild(final, name),
		policy: policy,
		waiter: NewResettable[struct{}](name + "-waiter"),
	}
}

func (q *Queue[T]) Name() string              { return q.name }
func (q *Queue[T]) Signal() *Signal[struct{}] { return q.sig }

// Push appends an item to the Queue. It never blocks.
func (q *Queue[T]) Push(item T) {
	q.mu.Lock()
	if q.halted {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, item)
	q.mu.Unlock()

	_ = q.waiter.Resolve(struct{}{})
}

// Close marks the end of the Queue: once the items already buffered are consumed, iteration ends.
// Items pushed after Close are still buffered, and delivered if the consumer hasn't stopped yet.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	_ = q.waiter.Resolve(struct{}{})
}

// Stop ends the Queue for a consumer that won't read any further: buffered items are discarded,
// iteration ends regardless of the DrainPolicy, and the Queue's Signal is cancelled, releasing it
// from its parent. Items pushed afterwards are dropped.
func (q *Queue[T]) Stop() {
	q.mu.Lock()
	q.halted = true
	q.closed = true
	q.items = nil
	q.mu.Unlock()

	_ = q.sig.Cancel()
	_ = q.waiter.Resolve(struct{}{})
}

// Len returns the number of buffered items
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Next blocks until an item is available, returning it. It returns false once the Queue has
// ended, or if ctx is done.
//
// When iteration ends because the Queue was closed and drained, the Queue's Signal is cancelled:
// there's nothing left to deliver.
func (q *Queue[T]) Next(ctx context.Context) (T, bool) {
	var zero T
	for {
		item, ok, ended := q.pop()
		if ok {
			return item, true
		} else if ended {
			if q.drained() {
				_ = q.sig.Cancel()
			}
			return zero, false
		}

		select {
		case <-q.waiter.Done():
			q.waiter.Reset()
		case <-q.sig.Done():
		case <-ctx.Done():
			return zero, false
		}
	}
}

func (q *Queue[T]) pop() (item T, ok bool, ended bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	stopped := isClosed(q.sig.Done())
	if q.halted || (stopped && q.policy == StopImmediately) {
		return item, false, true
	}

	if len(q.items) != 0 {
		item = q.items[0]
		var zero T
		q.items[0] = zero
		q.items = q.items[1:]
		return item, true, false
	}

	return item, false, q.closed || stopped
}

func (q *Queue[T]) drained() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed && len(q.items) == 0
}

// All returns an iterator over the items in the Queue, as produced by [Queue.Next]
func (q *Queue[T]) All(ctx context.Context) iter.Seq[T] {
	return func(yield func(T) bool) {
		for {
			item, ok := q.Next(ctx)
			if !ok || !yield(item) {
				return
			}
		}
	}
}

// Remaining removes and returns every buffered item, without waiting.
func (q *Queue[T]) Remaining() []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := q.items
	q.items = nil
	return items
}
