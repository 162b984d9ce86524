// Package pool runs blocking calls on a fixed set of worker goroutines, handing back a Signal for
// each result so that callers can wait on it alongside everything else.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sharnoff/strobe"
)

type job struct {
	name   string
	fn     func(context.Context) (any, error)
	result *strobe.Signal[any]
}

// Pool is a fixed number of workers draining a shared Queue of jobs
type Pool struct {
	size   int
	sig    *strobe.Signal[struct{}]
	jobs   *strobe.Queue[job]
	holder *strobe.TaskHolder
	logger *slog.Logger

	mu sync.Mutex
	// set once Close or Stop is called; no more jobs are accepted
	closing bool
}

// New starts a Pool of size workers, bound to final. size must be positive.
func New(final *strobe.Signal[struct{}], size int, logger *slog.Logger) *Pool {
	if size <= 0 {
		panic(fmt.Sprintf("pool: non-positive size %d", size))
	}
	if logger == nil {
		logger = slog.Default()
	}

	sig := strobe.NewChild(final, "pool")
	p := &Pool{
		size:   size,
		sig:    sig,
		jobs:   strobe.NewQueue[job](sig, "pool-jobs", strobe.StopImmediately),
		holder: strobe.NewTaskHolder(sig, "pool-workers", strobe.WithHolderLogger(logger)),
		logger: logger,
	}
	for i := 0; i < size; i++ {
		p.holder.Add(fmt.Sprintf("worker-%d", i), p.work)
	}
	return p
}

func (p *Pool) Size() int { return p.size }

// Submit queues fn to run on a worker. The returned Signal is resolved with fn's result, failed
// with its error, or cancelled if the Pool stops before fn runs.
func (p *Pool) Submit(name string, fn func(context.Context) (any, error)) *strobe.Signal[any] {
	j := job{name: name, fn: fn, result: strobe.NewSignal[any](name)}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closing || p.sig.State() != strobe.Pending {
		_ = j.result.Cancel()
		return j.result
	}
	p.jobs.Push(j)
	return j.result
}

func (p *Pool) markClosing() {
	p.mu.Lock()
	p.closing = true
	p.mu.Unlock()
}

// Close stops the Pool once every job submitted so far has run. Jobs submitted after Close are
// cancelled.
func (p *Pool) Close() {
	p.markClosing()
	p.jobs.Close()
	p.holder.Finish()
	_ = p.sig.Cancel()
}

// Stop stops the Pool without waiting for queued jobs, cancelling them. Jobs already running are
// waited on.
func (p *Pool) Stop() {
	p.markClosing()
	_ = p.sig.Cancel()
	p.holder.Finish()
	for _, j := range p.jobs.Remaining() {
		_ = j.result.Cancel()
	}
}

func (p *Pool) work(ctx context.Context) error {
	for j := range p.jobs.All(ctx) {
		p.run(ctx, j)
	}
	return nil
}

func (p *Pool) run(ctx context.Context, j job) {
	task := strobe.Go(ctx, j.name, j.fn)
	v, err := task.Wait(context.Background())
	if err != nil {
		if task.Signal().State() == strobe.Cancelled {
			_ = j.result.Cancel()
		} else {
			p.logger.Debug("pool: job failed", "job", j.name, "error", err)
			_ = j.result.Fail(err)
		}
		return
	}
	_ = j.result.Resolve(v)
}

// Do runs fn on the Pool and waits for its result
func Do[T any](ctx context.Context, p *Pool, name string, fn func(context.Context) (T, error)) (T, error) {
	sig := p.Submit(name, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})

	var zero T
	v, err := sig.Wait(ctx)
	if err != nil {
		return zero, err
	}
	if v == nil {
		return zero, nil
	}
	return v.(T), nil
}
