package pool_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sharnoff/strobe"
	"github.com/sharnoff/strobe/internal/pool"
)

func TestPoolBoundsConcurrency(t *testing.T) {
	t.Parallel()

	p := pool.New(strobe.NewSignal[struct{}]("final"), 3, nil)
	defer p.Close()

	var running, peak atomic.Int32
	var signals []*strobe.Signal[any]
	for i := 0; i < 12; i++ {
		signals = append(signals, p.Submit("job", func(context.Context) (any, error) {
			n := running.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			running.Add(-1)
			return i, nil
		}))
	}

	for i, sig := range signals {
		v, err := sig.Wait(context.Background())
		require.NoError(t, err)
		assert.Equal(t, i, v)
	}
	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.GreaterOrEqual(t, peak.Load(), int32(1))
}

func TestPoolDo(t *testing.T) {
	t.Parallel()

	p := pool.New(strobe.NewSignal[struct{}]("final"), 1, nil)
	defer p.Close()

	v, err := pool.Do(context.Background(), p, "double", func(context.Context) (int, error) {
		return 21 * 2, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	boom := errors.New("boom")
	_, err = pool.Do(context.Background(), p, "fail", func(context.Context) (string, error) {
		return "", boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestPoolStopCancelsQueued(t *testing.T) {
	t.Parallel()

	p := pool.New(strobe.NewSignal[struct{}]("final"), 1, nil)

	started := make(chan struct{})
	blocked := p.Submit("blocked", func(ctx context.Context) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	<-started
	queued := p.Submit("queued", func(context.Context) (any, error) {
		return "never", nil
	})

	p.Stop()
	assert.Equal(t, strobe.Cancelled, blocked.State())
	assert.Equal(t, strobe.Cancelled, queued.State())

	late := p.Submit("late", func(context.Context) (any, error) { return nil, nil })
	assert.Equal(t, strobe.Cancelled, late.State())
}

func TestPoolCloseRunsQueued(t *testing.T) {
	t.Parallel()

	p := pool.New(strobe.NewSignal[struct{}]("final"), 2, nil)
	var ran atomic.Int32
	for i := 0; i < 10; i++ {
		p.Submit("job", func(context.Context) (any, error) {
			ran.Add(1)
			return nil, nil
		})
	}

	p.Close()
	assert.EqualValues(t, 10, ran.Load())
}

func TestPoolRejectsJobsWhileClosing(t *testing.T) {
	t.Parallel()

	p := pool.New(strobe.NewSignal[struct{}]("final"), 1, nil)

	release := make(chan struct{})
	busy := p.Submit("busy", func(context.Context) (any, error) {
		<-release
		return nil, nil
	})

	closed := make(chan struct{})
	go func() {
		p.Close()
		close(closed)
	}()

	// Close waits for the busy job, but new jobs are turned away meanwhile
	noop := func(context.Context) (any, error) { return nil, nil }
	require.Eventually(t, func() bool {
		return p.Submit("late", noop).State() == strobe.Cancelled
	}, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := pool.Do(ctx, p, "late", func(context.Context) (int, error) { return 1, nil })
	assert.True(t, strobe.IsCancelled(err))
	assert.NoError(t, ctx.Err())

	close(release)
	<-closed
	assert.Equal(t, strobe.Resolved, busy.State())
}
