package strobe

import (
	"context"
	"iter"
	"sync"
	"time"
)

// DefaultMinWait is the default floor on the time between a consumer asking for the next tick and
// receiving it.
const DefaultMinWait = 100 * time.Millisecond

// TickEvent is produced by a [Ticker] for every tick
type TickEvent struct {
	// Iteration counts ticks, starting from 1
	Iteration int
	// UntilNext is the time between this tick and when the next one is expected
	UntilNext time.Duration
}

// Ticker produces ticks spaced roughly every interval, correcting for consumers that are slow to
// ask for the next tick. It starts ticking on the first call to [Ticker.Next], with the first tick
// delivered immediately.
//
// Ticks are aligned to a schedule: the Nth tick is expected at start + (N-1)*every. If the
// consumer overruns one or more slots, the overdue tick fires once the minimum wait has passed and
// every slot missed before it is merged into it, so a slow consumer sees fewer ticks, never more.
//
// A Ticker stops once its Signal (a child of the one given to [Tick]) finishes, once it has
// produced its maximum number of ticks, or once its maximum running time has passed.
type Ticker struct {
	mu   sync.Mutex
	name string
	sig  *Signal[struct{}]

	every         time.Duration
	minWait       time.Duration
	maxIterations int
	maxTime       time.Duration
	pauser        *Pauser

	started bool
	// set after each tick; the next wait is computed once the consumer comes back
	needSchedule bool
	start        time.Time
	iteration    int
	// when the next tick is due
	expected time.Time
	lastFire time.Time

	handle *time.Timer
	waiter *ResettableSignal[struct{}]
}

// TickerOption configures a Ticker
type TickerOption func(*Ticker)

// WithMinWait sets the minimum time between asking for the next tick and receiving it. A value of
// zero disables the floor: an overrunning consumer then gets the overdue tick immediately.
func WithMinWait(d time.Duration) TickerOption {
	return func(t *Ticker) { t.minWait = d }
}

// WithMaxIterations stops the Ticker after n ticks. Zero means no limit.
func WithMaxIterations(n int) TickerOption {
	return func(t *Ticker) { t.maxIterations = n }
}

// WithMaxTime stops the Ticker once d has passed since its first tick. Zero means no limit.
func WithMaxTime(d time.Duration) TickerOption {
	return func(t *Ticker) { t.maxTime = d }
}

// WithPauser makes the Ticker wait for p to be free before scheduling each tick
func WithPauser(p *Pauser) TickerOption {
	return func(t *Ticker) { t.pauser = p }
}

// WithTickerName sets the name of the Ticker and its Signal, for debugging
func WithTickerName(name string) TickerOption {
	return func(t *Ticker) { t.name = name }
}

// Tick returns a Ticker producing ticks every interval until final (or the Ticker's own limits)
// says otherwise.
//
// Tick panics if every is not positive.
func Tick(final *Signal[struct{}], every time.Duration, opts ...TickerOption) *Ticker {
	if every <= 0 {
		panic("strobe: non-positive interval for Tick")
	}

	t := &Ticker{
		name:    "ticker",
		every:   every,
		minWait: DefaultMinWait,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.sig = NewChild(final, t.name)
	t.waiter = NewResettable[struct{}](t.name + "-waiter")
	return t
}

func (t *Ticker) Name() string              { return t.name }
func (t *Ticker) Signal() *Signal[struct{}] { return t.sig }
func (t *Ticker) Done() <-chan struct{}     { return t.sig.Done() }

// Every returns the current interval between ticks
func (t *Ticker) Every() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.every
}

// Stop stops the Ticker. Any call to Next blocked waiting for a tick returns false.
func (t *Ticker) Stop() {
	t.mu.Lock()
	if t.handle != nil {
		t.handle.Stop()
	}
	t.mu.Unlock()

	_ = t.sig.Cancel()
}

// Next blocks until the next tick, returning false if the Ticker has stopped or ctx is done.
//
// Only one goroutine may call Next at a time.
func (t *Ticker) Next(ctx context.Context) (TickEvent, bool) {
	if t.pauser != nil && !t.pauser.passThrough(ctx, t.sig.Done()) {
		return TickEvent{}, false
	}

	t.mu.Lock()
	now := time.Now()
	if t.started && t.finishedLocked(now) {
		t.mu.Unlock()
		t.Stop()
		return TickEvent{}, false
	}
	if !t.started {
		t.started = true
		t.start, t.expected = now, now
		t.arm(0)
	} else if t.needSchedule {
		t.needSchedule = false
		t.scheduleNext(now)
	}

	var deadline <-chan time.Time
	if t.maxTime > 0 {
		timer := time.NewTimer(t.start.Add(t.maxTime).Sub(now))
		defer timer.Stop()
		deadline = timer.C
	}
	t.mu.Unlock()

	select {
	case <-t.waiter.Done():
		t.waiter.Reset()
	case <-deadline:
		t.Stop()
		return TickEvent{}, false
	case <-t.sig.Done():
		return TickEvent{}, false
	case <-ctx.Done():
		return TickEvent{}, false
	}

	t.mu.Lock()
	now = time.Now()
	if t.finishedLocked(now) {
		t.mu.Unlock()
		t.Stop()
		return TickEvent{}, false
	}

	t.iteration += 1
	t.lastFire = now
	// slots that passed while the consumer was busy are merged into this tick
	t.expected = t.expected.Add(t.every)
	for !t.expected.After(now) {
		t.expected = t.expected.Add(t.every)
	}
	t.needSchedule = true

	untilNext := t.expected.Sub(now)
	if untilNext < 0 {
		untilNext = 0
	}
	tick := TickEvent{Iteration: t.iteration, UntilNext: untilNext}
	t.mu.Unlock()

	return tick, true
}

// All returns an iterator over the Ticker's ticks, as produced by [Ticker.Next]
func (t *Ticker) All(ctx context.Context) iter.Seq[TickEvent] {
	return func(yield func(TickEvent) bool) {
		for {
			tick, ok := t.Next(ctx)
			if !ok || !yield(tick) {
				return
			}
		}
	}
}

// ChangeAfter reschedules the next tick to be every after the last one. If setNewEvery is true,
// every also becomes the interval for all following ticks; otherwise the change is one-off.
//
// ChangeAfter panics if every is not positive.
func (t *Ticker) ChangeAfter(every time.Duration, setNewEvery bool) {
	if every <= 0 {
		panic("strobe: non-positive interval for ChangeAfter")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if setNewEvery {
		t.every = every
	}
	if !t.started || t.lastFire.IsZero() {
		return
	}

	t.expected = t.lastFire.Add(every)
	if t.needSchedule || t.waiter.State() != Pending {
		// Either the consumer is still handling the last tick, in which case the next call to Next
		// schedules from expected, or a tick is already due.
		return
	}

	wait := time.Until(t.expected)
	if wait < 0 {
		wait = 0
	}
	t.arm(wait)
}

func (t *Ticker) finishedLocked(now time.Time) bool {
	switch {
	case isClosed(t.sig.Done()):
		return true
	case t.maxIterations > 0 && t.iteration >= t.maxIterations:
		return true
	case t.maxTime > 0 && t.started && now.Sub(t.start) >= t.maxTime:
		return true
	default:
		return false
	}
}

// scheduleNext arms the timer for the next tick, given that the consumer came back at now. The
// tick fires at the later of its slot and now+minWait, so an overrunning consumer gets the overdue
// tick late instead of losing it.
func (t *Ticker) scheduleNext(now time.Time) {
	wait := t.expected.Sub(now)
	if wait < t.minWait {
		wait = t.minWait
	}
	if wait < 0 {
		wait = 0
	}
	t.arm(wait)
}

// arm replaces any outstanding timer with one that resolves the current waiter after wait.
func (t *Ticker) arm(wait time.Duration) {
	if t.handle != nil {
		t.handle.Stop()
	}

	w := t.waiter.Current()
	t.handle = time.AfterFunc(wait, func() {
		_ = w.Resolve(struct{}{})
	})
}
