package strobe

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"sync"
)

// Result is a single value produced by a source registered with a [ResultStreamer], tagged with
// the context the source was registered with.
//
// If Successful is false, Value is the error the source failed with (possibly a cancellation).
type Result struct {
	Value      any
	Context    any
	Successful bool
}

// Err returns the error carried by an unsuccessful Result, or nil.
func (r Result) Err() error {
	if r.Successful {
		return nil
	}
	if err, ok := r.Value.(error); ok {
		return err
	}
	return fmt.Errorf("%v", r.Value)
}

type generatorComplete struct{}

func (generatorComplete) String() string { return "GeneratorComplete" }

// GeneratorComplete is the Value of the Result emitted when a generator registered with
// [ResultStreamer.AddGenerator] finishes without error.
var GeneratorComplete any = generatorComplete{}

// FailedResult is the error reported to an [ErrorSink] for each unsuccessful Result, unless the
// streamer only reports errors (see [WithExceptionsOnly]).
type FailedResult struct {
	Result Result
}

func (e *FailedResult) Error() string {
	return fmt.Sprintf("result for %v failed: %v", e.Result.Context, e.Result.Err())
}

func (e *FailedResult) Unwrap() error {
	return e.Result.Err()
}

// ErrorSink receives the failures observed by a [ResultStreamer]
type ErrorSink interface {
	Report(err error)
}

// ErrorSinkFunc adapts a function to an ErrorSink
type ErrorSinkFunc func(error)

func (f ErrorSinkFunc) Report(err error) { f(err) }

// CollectingSink is an ErrorSink that keeps every error it's given
type CollectingSink struct {
	mu   sync.Mutex
	errs []error
}

func (s *CollectingSink) Report(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, err)
}

// Errors returns a copy of the errors reported so far
func (s *CollectingSink) Errors() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]error(nil), s.errs...)
}

// GeneratorFunc is a source of many values. It passes each value to yield, stopping early if yield
// returns false (which happens when the streamer is shutting down).
type GeneratorFunc func(ctx context.Context, yield func(value any) bool) error

// ResultStreamer merges many concurrent sources into a single stream of [Result]s, in the order
// they're produced.
//
// Sources may be registered at any time, including while the stream is being read and from inside
// the callbacks of other sources, up until [ResultStreamer.NoMoreWork]. Once NoMoreWork has been
// called, the stream ends as soon as every registered source has produced its final Result.
//
// A failing source never stops the streamer: it produces one unsuccessful Result, which is also
// passed to the streamer's ErrorSink. The streamer itself only stops when its Signal (a child of
// the one given to [NewResultStreamer]) finishes, which cancels every source still running. The
// Signal is cancelled once the stream ends, and failed if a completion callback or the ErrorSink
// panics; a failure is passed on to the Signal given to NewResultStreamer.
type ResultStreamer struct {
	mu   sync.Mutex
	name string

	sig    *Signal[struct{}]
	queue  *Queue[Result]
	holder *TaskHolder

	// sources registered that haven't yet produced their final Result
	registered       int
	stopOnCompletion bool

	sink           ErrorSink
	exceptionsOnly bool
	logger         *slog.Logger
}

// StreamerOption configures a ResultStreamer
type StreamerOption func(*ResultStreamer)

// WithStreamerName sets the name of the streamer, used for its Signal and in logs
func WithStreamerName(name string) StreamerOption {
	return func(s *ResultStreamer) { s.name = name }
}

// WithErrorSink sets where unsuccessful Results are reported
func WithErrorSink(sink ErrorSink) StreamerOption {
	return func(s *ResultStreamer) { s.sink = sink }
}

// WithExceptionsOnly makes the streamer report only the errors of failed sources to its
// ErrorSink, leaving out cancellations, rather than a [*FailedResult] for every unsuccessful
// Result.
func WithExceptionsOnly() StreamerOption {
	return func(s *ResultStreamer) { s.exceptionsOnly = true }
}

// WithStreamerLogger sets the logger used when there's no ErrorSink, and for panicking callbacks
func WithStreamerLogger(logger *slog.Logger) StreamerOption {
	return func(s *ResultStreamer) { s.logger = logger }
}

// NewResultStreamer creates a ResultStreamer bound to final.
func NewResultStreamer(final *Signal[struct{}], opts ...StreamerOption) *ResultStreamer {
	s := &ResultStreamer{
		name:   "streamer",
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.sig = NewChild(final, s.name)
	// The queue hangs off final rather than our own Signal, so that results buffered when the
	// streamer is stopped are still delivered.
	s.queue = NewQueue[Result](final, s.name+"-queue", DrainToEmpty)
	s.holder = NewTaskHolder(s.sig, s.name+"-tasks", WithHolderLogger(s.logger))
	return s
}

func (s *ResultStreamer) Name() string              { return s.name }
func (s *ResultStreamer) Signal() *Signal[struct{}] { return s.sig }

// Context returns a context canceled when the streamer stops. Sources may use it for any work
// they start on the streamer's behalf.
func (s *ResultStreamer) Context() context.Context {
	return s.holder.Signal().Context()
}

// Pending returns the number of registered sources that haven't produced their final Result
func (s *ResultStreamer) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registered
}

func (s *ResultStreamer) stopped() bool {
	return isClosed(s.sig.Done())
}

func (s *ResultStreamer) errStopped() error {
	return fmt.Errorf("%w: streamer %q is stopped", ErrCancelled, s.name)
}

func (s *ResultStreamer) register() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopOnCompletion {
		return fmt.Errorf("%w: streamer %q", ErrLeakedRegistration, s.name)
	} else if s.stopped() {
		return s.errStopped()
	}
	s.registered += 1
	return nil
}

// unregister marks one source as finished, ending the stream if it was the last.
func (s *ResultStreamer) unregister() {
	s.mu.Lock()
	s.registered -= 1
	end := s.stopOnCompletion && s.registered == 0 && s.holder.Pending() == 0
	s.mu.Unlock()

	if end {
		s.end()
	}
}

// end releases the streamer's Signal from its parent, then lets the consumer drain the queue.
func (s *ResultStreamer) end() {
	_ = s.sig.Cancel()
	s.queue.Close()
}

// deliver sends the final Result of a source. onDone runs first, so that any work it registers is
// counted before this source is.
//
// A panic in onDone or the ErrorSink fails the streamer, after the Result is delivered.
func (s *ResultStreamer) deliver(r Result, onDone func(Result)) {
	var failure *PropagatedError
	func() {
		defer func() {
			if p := recover(); p != nil {
				failure = recoveredError(s.name+" callback", p, nil)
			}
		}()

		if onDone != nil {
			onDone(r)
		}
		if !r.Successful {
			s.report(r)
		}
	}()

	s.queue.Push(r)
	if failure != nil {
		s.abort(failure)
	}
}

// abort fails the streamer, cancelling every source still running. The failure is written through
// to the streamer's parent.
func (s *ResultStreamer) abort(err *PropagatedError) {
	s.logger.Error("strobe: result streamer callback panicked, aborting streamer",
		"streamer", s.name,
		"error", err,
		"stack", err.Stack.String())
	_ = s.sig.Fail(err)
}

func (s *ResultStreamer) report(r Result) {
	if s.sink == nil {
		s.logger.Debug("strobe: unsuccessful result with no error sink",
			"streamer", s.name,
			"context", fmt.Sprint(r.Context),
			"error", r.Err())
		return
	}

	if s.exceptionsOnly {
		err := r.Err()
		if !IsCancelled(err) {
			s.sink.Report(err)
		}
		return
	}
	s.sink.Report(&FailedResult{Result: r})
}

// AddCoroutine starts fn as a source producing a single Result tagged with resultCtx. onDone, if
// not nil, is called with that Result before it's added to the stream.
func (s *ResultStreamer) AddCoroutine(
	fn func(context.Context) (any, error),
	resultCtx any,
	onDone func(Result),
) (AnyTask, error) {
	if err := s.register(); err != nil {
		return nil, err
	}

	task := Go(s.holder.Signal().Context(), fmt.Sprint(resultCtx), fn)
	s.track(task, resultCtx, onDone)
	return task, nil
}

// AddValue adds a single successful Result with value, as though produced by a source that
// finished immediately.
func (s *ResultStreamer) AddValue(value any, resultCtx any, onDone func(Result)) error {
	if err := s.register(); err != nil {
		return err
	}

	s.deliver(Result{Value: value, Context: resultCtx, Successful: true}, onDone)
	s.unregister()
	return nil
}

// AddTask adds an already-running task as a source. Its Result is produced when it finishes.
//
// If the streamer has stopped, the task is not added. With force set, AddTask then waits for the
// task to finish instead of returning immediately, so that in-flight work isn't orphaned during
// shutdown.
func (s *ResultStreamer) AddTask(task AnyTask, resultCtx any, onDone func(Result), force bool) error {
	if err := s.register(); err != nil {
		if force && IsCancelled(err) {
			<-task.Done()
		}
		return err
	}

	s.track(task, resultCtx, onDone)
	return nil
}

func (s *ResultStreamer) track(task AnyTask, resultCtx any, onDone func(Result)) {
	task.onSignalDone(func() {
		value, err := task.result()
		r := Result{Value: value, Context: resultCtx, Successful: err == nil}
		if err != nil {
			r.Value = err
		}
		s.deliver(r, onDone)
		s.unregister()
	})
	s.holder.AddTask(task)
}

// AddGenerator starts gen as a source producing many Results, each tagged with resultCtx. onEach,
// if not nil, is called with each of them before it's added to the stream.
//
// Once gen returns, a final Result is produced: [GeneratorComplete] if gen returned nil, otherwise
// an unsuccessful Result with the error. onDone is called with it, as with [ResultStreamer.AddCoroutine].
func (s *ResultStreamer) AddGenerator(
	gen GeneratorFunc,
	resultCtx any,
	onEach func(Result),
	onDone func(Result),
) (AnyTask, error) {
	return s.AddCoroutine(func(ctx context.Context) (any, error) {
		err := gen(ctx, func(value any) bool {
			if ctx.Err() != nil {
				return false
			}
			r := Result{Value: value, Context: resultCtx, Successful: true}
			if onEach != nil {
				onEach(r)
			}
			s.queue.Push(r)
			return true
		})

		if err == nil && ctx.Err() != nil {
			err = ctx.Err()
		}
		if err != nil {
			return nil, err
		}
		return GeneratorComplete, nil
	}, resultCtx, onDone)
}

// NoMoreWork declares that no more sources will be registered. The stream ends once every source
// registered so far has produced its final Result.
func (s *ResultStreamer) NoMoreWork() {
	s.mu.Lock()
	s.stopOnCompletion = true
	end := s.registered == 0 && s.holder.Pending() == 0
	s.mu.Unlock()

	if end {
		s.end()
	}
}

// Next blocks until the next Result is available. It returns false once the stream has ended or
// ctx is done.
func (s *ResultStreamer) Next(ctx context.Context) (Result, bool) {
	return s.queue.Next(ctx)
}

// All returns an iterator over the stream, as produced by [ResultStreamer.Next]
func (s *ResultStreamer) All(ctx context.Context) iter.Seq[Result] {
	return s.queue.All(ctx)
}

// Stop is [ResultStreamer.Finish] for a consumer that has stopped reading: Results not yet read
// are discarded and the stream ends immediately.
func (s *ResultStreamer) Stop() {
	s.Finish()
	s.queue.Stop()
}

// Finish stops the streamer: every running source is cancelled and waited on, and the stream ends
// after the Results already produced (including those from cancelled sources) are delivered.
func (s *ResultStreamer) Finish() {
	_ = s.sig.Cancel()
	s.holder.Finish()
	s.queue.Close()
}
