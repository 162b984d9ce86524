package strobe

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/exp/slices"
)

// State is the lifecycle state of a [Signal]. Every state other than Pending is terminal.
type State uint8

const (
	Pending State = iota
	Resolved
	Failed
	Cancelled
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Resolved:
		return "resolved"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// Outcome is the terminal state of a Signal, as passed to callbacks registered with
// [Signal.OnDone].
type Outcome[T any] struct {
	State State
	Value T
	Err   error
}

// Signal is a one-shot completion primitive. It starts Pending and moves exactly once into one of
// Resolved (with a value), Failed (with an error), or Cancelled.
//
// A Signal created with [NewChild] is bound to a parent: when the parent finishes, the child is
// cancelled (or failed, if the parent failed). Long-lived components hold children of a "final"
// signal passed in by their owner, so that the owner can always shut everything down.
//
// Callbacks registered with [Signal.OnDone] are called at most once, in the order they were
// registered, on the goroutine that finished the Signal. The Signal's lock is not held while they
// run, so callbacks may freely interact with the Signal (or others).
type Signal[T any] struct {
	mu   sync.Mutex
	name string

	state State
	value T
	err   error
	done  chan struct{}

	callbacks []signalCallback[T]
	nextID    uint64

	ctx    context.Context
	cancel context.CancelFunc

	parent *Signal[T]
	// removes our propagation callback from the parent. Cleared once called.
	unlink func()
}

type signalCallback[T any] struct {
	id uint64
	f  func(Outcome[T])
}

// NewSignal returns a new pending Signal. The name is only used for debugging.
func NewSignal[T any](name string) *Signal[T] {
	return &Signal[T]{name: name, done: make(chan struct{})}
}

// NewChild returns a new pending Signal whose lifetime is bound to parent.
//
// If the parent is cancelled or resolved, the child is cancelled. If the parent fails, the child
// fails with the same error. Resolving or failing the child writes through to the parent if it is
// still pending; cancelling the child never affects the parent.
//
// The child unsubscribes from the parent as soon as it finishes, for whatever reason. A child that
// is never finished keeps a callback registered on its parent for as long as the parent is pending.
func NewChild[T any](parent *Signal[T], name string) *Signal[T] {
	child := NewSignal[T](name)
	child.parent = parent

	unlink := parent.OnDone(func(o Outcome[T]) {
		var zero T
		if o.State == Failed {
			_ = child.finish(Failed, zero, o.Err)
		} else {
			_ = child.finish(Cancelled, zero, nil)
		}
	})

	child.mu.Lock()
	defer child.mu.Unlock()
	// If the parent was already done, OnDone ran the callback immediately and there's nothing to
	// unlink.
	if child.state == Pending {
		child.unlink = unlink
	}
	return child
}

// Name returns the debug label given on construction
func (s *Signal[T]) Name() string {
	return s.name
}

func (s *Signal[T]) String() string {
	return fmt.Sprintf("<Signal %q: %s>", s.name, s.State())
}

// State returns the current state of the Signal
func (s *Signal[T]) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done returns a channel that is closed once the Signal is no longer pending.
func (s *Signal[T]) Done() <-chan struct{} {
	return s.done
}

// Err returns nil if the Signal is pending or resolved, ErrCancelled if it was cancelled, or the
// error it failed with.
func (s *Signal[T]) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case Cancelled:
		return ErrCancelled
	case Failed:
		return s.err
	default:
		return nil
	}
}

// Result returns the value and error of a finished Signal, without waiting. A pending Signal
// returns a non-nil error that is neither ErrCancelled nor one the Signal could fail with.
func (s *Signal[T]) Result() (T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var zero T
	switch s.state {
	case Resolved:
		return s.value, nil
	case Failed:
		return zero, s.err
	case Cancelled:
		return zero, ErrCancelled
	default:
		return zero, errPending
	}
}

// Wait blocks until the Signal is finished or ctx is done, returning the result of the Signal or
// ctx.Err().
func (s *Signal[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-s.done:
		return s.Result()
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Context returns a context that is canceled once the Signal is finished. It is typically used to
// bind goroutines to a Signal's lifetime.
func (s *Signal[T]) Context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Pending {
		return canceledContext
	} else if s.ctx == nil {
		s.ctx, s.cancel = context.WithCancel(context.Background())
	}
	return s.ctx
}

// OnDone registers a callback to be called with the Signal's outcome once it is finished. If the
// Signal is already finished, the callback is called immediately, before OnDone returns.
//
// The returned function unregisters the callback. It is safe to call at any time, any number of
// times.
func (s *Signal[T]) OnDone(f func(Outcome[T])) (unsubscribe func()) {
	s.mu.Lock()
	if s.state != Pending {
		out := s.outcome()
		s.mu.Unlock()
		f(out)
		return func() {}
	}

	id := s.nextID
	s.nextID += 1
	s.callbacks = append(s.callbacks, signalCallback[T]{id: id, f: f})
	s.mu.Unlock()

	return func() { s.removeCallback(id) }
}

func (s *Signal[T]) removeCallback(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// ids are handed out in increasing order, so callbacks stays sorted by id
	idx, ok := slices.BinarySearchFunc(s.callbacks, id, func(c signalCallback[T], id uint64) int {
		switch {
		case c.id < id:
			return -1
		case c.id > id:
			return 1
		default:
			return 0
		}
	})
	if ok {
		s.callbacks = slices.Delete(s.callbacks, idx, idx+1)
	}
}

// callbackCount is used by tests to check for callbacks leaking onto long-lived parents
func (s *Signal[T]) callbackCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.callbacks)
}

// Resolve finishes the Signal with a value. If this is a child Signal with a pending parent, the
// parent is resolved with the same value.
//
// Returns ErrAlreadyResolved if the Signal was already finished.
func (s *Signal[T]) Resolve(value T) error {
	if err := s.finish(Resolved, value, nil); err != nil {
		return err
	}
	if s.parent != nil {
		_ = s.parent.Resolve(value)
	}
	return nil
}

// Fail finishes the Signal with an error. If this is a child Signal with a pending parent, the
// parent fails with the same error.
//
// Returns ErrAlreadyResolved if the Signal was already finished.
func (s *Signal[T]) Fail(err error) error {
	if err == nil {
		err = errNilFailure
	}

	var zero T
	if ferr := s.finish(Failed, zero, err); ferr != nil {
		return ferr
	}
	if s.parent != nil {
		_ = s.parent.Fail(err)
	}
	return nil
}

// Cancel finishes the Signal as cancelled. Cancellation only ever flows from parent to child.
//
// Returns ErrAlreadyResolved if the Signal was already finished.
func (s *Signal[T]) Cancel() error {
	var zero T
	return s.finish(Cancelled, zero, nil)
}

func (s *Signal[T]) outcome() Outcome[T] {
	out := Outcome[T]{State: s.state, Value: s.value, Err: s.err}
	if s.state == Cancelled {
		out.Err = ErrCancelled
	}
	return out
}

func (s *Signal[T]) finish(state State, value T, err error) error {
	s.mu.Lock()
	if s.state != Pending {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyResolved, s)
	}

	s.state, s.value, s.err = state, value, err
	close(s.done)
	if s.cancel != nil {
		s.cancel()
	}

	callbacks := s.callbacks
	s.callbacks = nil // the callbacks may hold references; let them be collected
	unlink := s.unlink
	s.unlink = nil
	out := s.outcome()
	s.mu.Unlock()

	if unlink != nil {
		unlink()
	}
	for _, cb := range callbacks {
		cb.f(out)
	}
	return nil
}
