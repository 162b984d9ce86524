package strobe_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slices"

	"github.com/sharnoff/strobe"
)

func TestTaskHolderEmptyIsDone(t *testing.T) {
	t.Parallel()

	h := strobe.NewTaskHolder(strobe.NewSignal[struct{}]("final"), "empty")
	assert.True(t, h.Finished())
	assert.Equal(t, 0, h.Pending())
	h.Finish()
}

func TestTaskHolderWaitsForAll(t *testing.T) {
	t.Parallel()

	h := strobe.NewTaskHolder(strobe.NewSignal[struct{}]("final"), "all")
	var finished atomic.Int32
	for i := 0; i < 10; i++ {
		h.Add("worker", func(context.Context) error {
			time.Sleep(time.Duration(i) * time.Millisecond)
			finished.Add(1)
			return nil
		})
	}

	h.Finish()
	assert.EqualValues(t, 10, finished.Load())
	assert.True(t, h.Finished())
	assert.Empty(t, h.Tasks())
}

func TestTaskHolderAddFromCallback(t *testing.T) {
	t.Parallel()

	h := strobe.NewTaskHolder(strobe.NewSignal[struct{}]("final"), "nested")
	var secondRan atomic.Bool

	first := h.Add("first", func(context.Context) error { return nil })
	first.Signal().OnDone(func(strobe.Outcome[struct{}]) {
		h.Add("second", func(context.Context) error {
			time.Sleep(10 * time.Millisecond)
			secondRan.Store(true)
			return nil
		})
	})

	h.Finish()
	assert.True(t, secondRan.Load())
}

func TestTaskHolderAddWhileWaiting(t *testing.T) {
	t.Parallel()

	h := strobe.NewTaskHolder(strobe.NewSignal[struct{}]("final"), "while-waiting")
	var count atomic.Int32

	var spawn func(depth int)
	spawn = func(depth int) {
		h.Add("chain", func(context.Context) error {
			time.Sleep(time.Millisecond)
			count.Add(1)
			if depth > 0 {
				spawn(depth - 1)
			}
			return nil
		})
	}
	spawn(5)

	require.NoError(t, h.TryWait(context.Background()))
	assert.EqualValues(t, 6, count.Load())
}

func TestTaskHolderCancelledByFinal(t *testing.T) {
	t.Parallel()

	final := strobe.NewSignal[struct{}]("final")
	h := strobe.NewTaskHolder(final, "cancel")

	var cleanedUp atomic.Int32
	for i := 0; i < 3; i++ {
		h.Add("forever", func(ctx context.Context) error {
			<-ctx.Done()
			time.Sleep(5 * time.Millisecond)
			cleanedUp.Add(1)
			return ctx.Err()
		})
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = final.Cancel()
	}()

	h.Finish()
	assert.EqualValues(t, 3, cleanedUp.Load())
	assert.Equal(t, strobe.Cancelled, h.Signal().State())
}

func TestTaskHolderAddAfterCancel(t *testing.T) {
	t.Parallel()

	final := strobe.NewSignal[struct{}]("final")
	h := strobe.NewTaskHolder(final, "late")
	require.NoError(t, final.Cancel())

	task := h.Add("late", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	h.Finish()
	assert.Equal(t, strobe.Cancelled, task.Signal().State())
}

func TestTaskHolderTryWaitContext(t *testing.T) {
	t.Parallel()

	h := strobe.NewTaskHolder(strobe.NewSignal[struct{}]("final"), "trywait")
	release := make(chan struct{})
	h.Add("blocked", func(context.Context) error {
		<-release
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, h.TryWait(ctx), context.DeadlineExceeded)
	assert.False(t, h.Finished())
	assert.Equal(t, 1, h.Pending())

	close(release)
	h.Finish()
}

func TestTaskHolderScope(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	h := strobe.NewTaskHolder(strobe.NewSignal[struct{}]("final"), "scope")

	var stopped atomic.Bool
	err := h.Scope(func(h *strobe.TaskHolder) error {
		h.Add("background", func(ctx context.Context) error {
			<-ctx.Done()
			stopped.Store(true)
			return ctx.Err()
		})
		return boom
	})

	assert.ErrorIs(t, err, boom)
	assert.True(t, stopped.Load())
	assert.True(t, h.Finished())
}

func TestTaskHolderTasksCounts(t *testing.T) {
	t.Parallel()

	h := strobe.NewTaskHolder(strobe.NewSignal[struct{}]("final"), "counts")
	release := make(chan struct{})
	block := func(context.Context) error {
		<-release
		return nil
	}
	h.Add("a", block)
	h.Add("b", block)
	h.Add("a", block)

	tasks := h.Tasks()
	slices.SortFunc(tasks, func(t1, t2 strobe.TaskInfo) bool { return t1.Name < t2.Name })
	assert.Equal(t, []strobe.TaskInfo{{Name: "a", Count: 2}, {Name: "b", Count: 1}}, tasks)
	assert.Equal(t, `<TaskHolder "counts": 3 pending>`, h.String())

	close(release)
	h.Finish()
}

func TestTaskHolderCancelledTaskListedUntilReturn(t *testing.T) {
	t.Parallel()

	h := strobe.NewTaskHolder(strobe.NewSignal[struct{}]("final"), "cancelled")
	release := make(chan struct{})
	task := h.Add("stubborn", func(context.Context) error {
		<-release
		return nil
	})

	task.Cancel()
	assert.Equal(t, []strobe.TaskInfo{{Name: "stubborn", Count: 1}}, h.Tasks())
	assert.False(t, h.Finished())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, h.TryWait(ctx), context.DeadlineExceeded)

	close(release)
	require.NoError(t, h.TryWait(context.Background()))
	assert.True(t, h.Finished())
	assert.Empty(t, h.Tasks())
}
