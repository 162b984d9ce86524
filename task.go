package strobe

import (
	"context"
	"log/slog"
	"sync"
)

// Task is a function running on its own goroutine, with its result delivered through a [Signal].
//
// Cancelling a Task cancels the context passed to its function; the Task only finishes once the
// function actually returns, so anything waiting on the Task also waits for its cleanup.
type Task[T any] struct {
	name   string
	sig    *Signal[T]
	cancel context.CancelFunc
	stack  StackTrace

	mu sync.Mutex
	// closed after all of sig's callbacks have run
	settled chan struct{}
	hooks   []func()
}

// AnyTask is the type-erased view of a [Task], used by [TaskHolder] and [ResultStreamer] to
// supervise tasks of any result type.
type AnyTask interface {
	Name() string
	Done() <-chan struct{}
	Cancel()
	Err() error
	Stack() StackTrace

	result() (any, error)
	onSignalDone(func()) (unsubscribe func())
	afterSettled(func())
	settledChan() <-chan struct{}
}

// Go starts fn on a new goroutine and returns the Task tracking it. The context given to fn is
// derived from parent and is canceled when the Task is cancelled or once fn returns.
//
// If fn returns an error while its context is canceled and the error is a cancellation error (see
// [IsCancelled]), the Task is Cancelled; otherwise a non-nil error fails the Task. A panic in fn is
// recovered and fails the Task with a [*PropagatedError].
func Go[T any](parent context.Context, name string, fn func(context.Context) (T, error)) *Task[T] {
	ctx, cancel := context.WithCancel(parent)
	t := &Task[T]{
		name:    name,
		sig:     NewSignal[T](name),
		cancel:  cancel,
		stack:   GetStackTrace(nil, 1),
		settled: make(chan struct{}),
	}
	go t.run(ctx, fn)
	return t
}

func (t *Task[T]) run(ctx context.Context, fn func(context.Context) (T, error)) {
	defer t.cancel()

	var value T
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = recoveredError(t.name, r, &t.stack)
			}
		}()
		value, err = fn(ctx)
	}()

	switch {
	case err == nil:
		_ = t.sig.Resolve(value)
	case ctx.Err() != nil && IsCancelled(err):
		_ = t.sig.Cancel()
	default:
		_ = t.sig.Fail(err)
	}

	t.mu.Lock()
	close(t.settled)
	hooks := t.hooks
	t.hooks = nil
	t.mu.Unlock()

	for _, f := range hooks {
		f()
	}
}

func (t *Task[T]) Name() string          { return t.name }
func (t *Task[T]) Signal() *Signal[T]    { return t.sig }
func (t *Task[T]) Done() <-chan struct{} { return t.sig.Done() }
func (t *Task[T]) Err() error            { return t.sig.Err() }
func (t *Task[T]) Stack() StackTrace     { return t.stack }
func (t *Task[T]) Result() (T, error)    { return t.sig.Result() }

// Cancel requests that the Task stop, by canceling its context. It does not wait.
func (t *Task[T]) Cancel() {
	t.cancel()
}

// Wait blocks until the Task is finished or ctx is done
func (t *Task[T]) Wait(ctx context.Context) (T, error) {
	return t.sig.Wait(ctx)
}

func (t *Task[T]) settledChan() <-chan struct{} {
	return t.settled
}

func (t *Task[T]) result() (any, error) {
	return t.sig.Result()
}

func (t *Task[T]) onSignalDone(f func()) func() {
	return t.sig.OnDone(func(Outcome[T]) { f() })
}

// afterSettled calls f once the Task is finished and every callback on its Signal has returned.
func (t *Task[T]) afterSettled(f func()) {
	t.mu.Lock()
	if isClosed(t.settled) {
		t.mu.Unlock()
		f()
		return
	}
	t.hooks = append(t.hooks, f)
	t.mu.Unlock()
}

// SpawnBackground starts fn as a Task that nobody is expected to wait on. Unless silent is set,
// failures are logged with slog.Default(), since there is no one else to observe them.
func SpawnBackground[T any](
	parent context.Context,
	name string,
	fn func(context.Context) (T, error),
	silent bool,
) *Task[T] {
	t := Go(parent, name, fn)
	if silent {
		return t
	}

	t.sig.OnDone(func(o Outcome[T]) {
		switch o.State {
		case Failed:
			slog.Error("strobe: background task failed",
				"task", name,
				"error", o.Err,
				"spawned_at", t.stack.String())
		case Cancelled:
			slog.Debug("strobe: background task cancelled", "task", name)
		}
	})
	return t
}
