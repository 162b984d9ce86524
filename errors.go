package strobe

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrAlreadyResolved is returned when resolving, failing, or cancelling a Signal that is no
	// longer pending.
	ErrAlreadyResolved = errors.New("signal already resolved")

	// ErrCancelled is the error carried by a cancelled Signal or Task. Cancellation is a terminal
	// state, never a failure to retry.
	ErrCancelled = errors.New("cancelled")

	// ErrLeakedRegistration is returned when work is registered with a ResultStreamer after
	// NoMoreWork. It always indicates a programming error.
	ErrLeakedRegistration = errors.New("work registered after NoMoreWork")

	errNilFailure = errors.New("signal failed with nil error")
	errPending    = errors.New("signal is still pending")
)

// IsCancelled reports whether err represents cooperative cancellation, either from a Signal or
// from a context.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled)
}

// PropagatedError is an application error carried through a Task, along with where it surfaced.
//
// Panics inside tasks are recovered into a PropagatedError, so that a single misbehaving task can
// never take down the process that supervises it.
type PropagatedError struct {
	Task  string
	Cause error
	Stack StackTrace
}

func (e *PropagatedError) Error() string {
	return fmt.Sprintf("task %q: %v", e.Task, e.Cause)
}

func (e *PropagatedError) Unwrap() error {
	return e.Cause
}

func recoveredError(task string, r any, spawnedAt *StackTrace) *PropagatedError {
	cause, ok := r.(error)
	if !ok {
		cause = fmt.Errorf("%v", r)
	}
	return &PropagatedError{
		Task:  task,
		Cause: fmt.Errorf("panic: %w", cause),
		Stack: GetStackTrace(spawnedAt, 2),
	}
}
