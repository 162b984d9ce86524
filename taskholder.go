package strobe

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
)

// TaskHolder supervises a set of concurrently running tasks, bound to the lifetime of a Signal.
// It's similar to a [sync.WaitGroup], with the following changes:
//
//  1. Tasks are added as running [Task]s (or functions to start as one), not as counts
//  2. If the bounding Signal finishes, every task in the holder is cancelled
//  3. [TaskHolder.Wait] returns a channel, so it can be selected over
//  4. The set of running tasks can be fetched with [TaskHolder.Tasks]
//  5. More tasks may be added at any time, including while the holder is being waited on, or
//     from inside the completion callback of another task in the holder
//
// Finished tasks are removed by a single background "cleaner" goroutine, started when the first
// task is added and exiting once the holder is empty. Finishing the holder (see
// [TaskHolder.Finish]) waits for every task, including those added while waiting.
type TaskHolder struct {
	mu      sync.Mutex
	name    string
	sig     *Signal[struct{}]
	tasks   mapset.Set[AnyTask]
	allDone chan struct{}
	// resolved whenever a task settles, waking the cleaner
	wake     *ResettableSignal[struct{}]
	cleaning bool
	logger   *slog.Logger
}

// HolderOption configures a TaskHolder
type HolderOption func(*TaskHolder)

// WithHolderLogger sets the logger used to report failures of the holder's own machinery
func WithHolderLogger(logger *slog.Logger) HolderOption {
	return func(h *TaskHolder) { h.logger = logger }
}

// NewTaskHolder creates a TaskHolder bound to a child of final. The name is only used for
// debugging.
func NewTaskHolder(final *Signal[struct{}], name string, opts ...HolderOption) *TaskHolder {
	h := &TaskHolder{
		name:   name,
		sig:    NewChild(final, name),
		tasks:  mapset.NewThreadUnsafeSet[AnyTask](),
		wake:   NewResettable[struct{}](name + "-cleaner"),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Name returns the name of the TaskHolder, as given to [NewTaskHolder]
func (h *TaskHolder) Name() string {
	return h.name
}

// Signal returns the Signal bounding the holder. Tasks started with [TaskHolder.Add] use its
// context.
func (h *TaskHolder) Signal() *Signal[struct{}] {
	return h.sig
}

// Add starts fn as a Task in the holder. The context passed to fn is canceled when the holder's
// Signal finishes.
func (h *TaskHolder) Add(name string, fn func(context.Context) error) *Task[struct{}] {
	t := Go(h.sig.Context(), name, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	h.AddTask(t)
	return t
}

// AddTask registers an already-running task with the holder. If the holder's Signal has already
// finished, the task is cancelled immediately (but still waited on).
func (h *TaskHolder) AddTask(t AnyTask) {
	h.mu.Lock()
	h.tasks.Add(t)
	if !h.cleaning {
		h.cleaning = true
		go h.clean()
	}
	h.mu.Unlock()

	if isClosed(h.sig.Done()) {
		t.Cancel()
	}

	t.afterSettled(h.notify)
}

func (h *TaskHolder) notify() {
	_ = h.wake.Resolve(struct{}{})
}

// Pending returns the number of tasks in the holder that haven't finished yet
func (h *TaskHolder) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := 0
	h.tasks.Each(func(t AnyTask) bool {
		if !isClosed(t.Done()) {
			n += 1
		}
		return false
	})
	return n
}

// clean is the body of the cleaner goroutine. It removes settled tasks until there are none left,
// and cancels every remaining task once the holder's Signal finishes.
//
// Tasks are only removed once every callback on their Signal has returned, so work added from
// inside those callbacks is always observed before the holder can appear empty.
func (h *TaskHolder) clean() {
	defer func() {
		if r := recover(); r != nil {
			err := recoveredError(h.name+" cleaner", r, nil)
			h.logger.Error("strobe: task holder cleaner failed, cancelling holder",
				"holder", h.name,
				"error", err,
				"stack", err.Stack.String())

			h.mu.Lock()
			h.cleaning = false
			h.mu.Unlock()

			// Without a cleaner, nothing can be supervised. Shut everything down and let the next
			// call to AddTask start a fresh cleaner to collect what remains.
			_ = h.sig.Cancel()
			h.cancelAll()
			h.notify()
			h.restartIfNeeded()
		}
	}()

	cancelled := false
	for {
		if h.reconcile() {
			return
		}

		var sigDone <-chan struct{}
		if !cancelled {
			if isClosed(h.sig.Done()) {
				cancelled = true
				h.cancelAll()
				continue
			}
			sigDone = h.sig.Done()
		}

		select {
		case <-h.wake.Done():
			h.wake.Reset()
		case <-sigDone:
		}
	}
}

// reconcile drops every settled task from the set. If the set is then empty, the cleaner is
// marked as stopped and reconcile returns true.
func (h *TaskHolder) reconcile() (empty bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, t := range h.tasks.ToSlice() {
		if isClosed(t.settledChan()) {
			h.tasks.Remove(t)
		}
	}

	if h.tasks.Cardinality() != 0 {
		return false
	}

	h.cleaning = false
	if h.allDone != nil {
		close(h.allDone)
		h.allDone = nil
	}
	return true
}

func (h *TaskHolder) restartIfNeeded() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.cleaning && h.tasks.Cardinality() != 0 {
		h.cleaning = true
		go h.clean()
	}
}

func (h *TaskHolder) cancelAll() {
	h.mu.Lock()
	tasks := h.tasks.ToSlice()
	h.mu.Unlock()

	for _, t := range tasks {
		t.Cancel()
	}
}

// Wait returns a channel that is closed once every task in the holder has finished.
func (h *TaskHolder) Wait() <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.tasks.Cardinality() == 0 && !h.cleaning {
		return alwaysClosed
	}

	if h.allDone == nil {
		h.allDone = make(chan struct{})
	}
	return h.allDone
}

// Done is an alias for [TaskHolder.Wait], so that TaskHolder implements [Waitable].
func (h *TaskHolder) Done() <-chan struct{} {
	return h.Wait()
}

// TryWait blocks until every task in the holder has finished, or ctx is done. Giving up on ctx
// leaves the tasks running: to stop them, cancel the holder's Signal or use [TaskHolder.Finish].
//
// A ctx that's already done wins over a holder that's already finished.
func (h *TaskHolder) TryWait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-h.Wait():
			return nil
		}
	}
}

// Finished reports whether no task is left running. Cancelled and failed tasks count as finished
// once their function has returned.
func (h *TaskHolder) Finished() bool {
	return isClosed(h.Wait())
}

// Finish blocks until every task in the holder has finished, including any added while waiting.
//
// If the holder's Signal finishes while tasks remain, they're all cancelled, and Finish still
// waits for each of them to return.
func (h *TaskHolder) Finish() {
	select {
	case <-h.Wait():
	case <-h.sig.Done():
		h.cancelAll()
		<-h.Wait()
	}
}

// Scope runs fn and then finishes the holder, like entering and leaving a block that owns the
// holder. If fn returns an error, the holder's Signal is cancelled so that remaining tasks are
// stopped rather than waited on to completion. The error from fn is returned.
func (h *TaskHolder) Scope(fn func(*TaskHolder) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			_ = h.sig.Cancel()
			h.Finish()
			panic(r)
		}
	}()

	err = fn(h)
	if err != nil {
		_ = h.sig.Cancel()
	}
	h.Finish()
	return err
}

// TaskInfo groups the running tasks that share a name. See [TaskHolder.Tasks].
type TaskInfo struct {
	Name string `json:"name"`
	// Count of running tasks with this name, at least 1
	Count uint `json:"count"`
}

// Tasks lists the tasks still running in the holder, grouped by name, in no particular order. A
// task that's been cancelled stays listed until its function returns.
func (h *TaskHolder) Tasks() []TaskInfo {
	h.mu.Lock()
	defer h.mu.Unlock()

	counts := make(map[string]uint)
	var order []string
	h.tasks.Each(func(t AnyTask) bool {
		if isClosed(t.Done()) {
			return false
		}
		if _, ok := counts[t.Name()]; !ok {
			order = append(order, t.Name())
		}
		counts[t.Name()] += 1
		return false
	})

	var ts []TaskInfo
	for _, name := range order {
		ts = append(ts, TaskInfo{Name: name, Count: counts[name]})
	}
	return ts
}

func (h *TaskHolder) String() string {
	return fmt.Sprintf("<TaskHolder %q: %d pending>", h.name, h.Pending())
}
