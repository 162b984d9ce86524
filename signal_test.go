package strobe_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sharnoff/strobe"
)

func TestSignalResolveOnce(t *testing.T) {
	t.Parallel()

	s := strobe.NewSignal[int]("once")
	assert.Equal(t, strobe.Pending, s.State())

	require.NoError(t, s.Resolve(3))
	assert.ErrorIs(t, s.Resolve(4), strobe.ErrAlreadyResolved)
	assert.ErrorIs(t, s.Fail(errors.New("late")), strobe.ErrAlreadyResolved)
	assert.ErrorIs(t, s.Cancel(), strobe.ErrAlreadyResolved)

	v, err := s.Result()
	require.NoError(t, err)
	assert.Equal(t, 3, v)
	assert.Equal(t, strobe.Resolved, s.State())
	assert.Equal(t, `<Signal "once": resolved>`, s.String())
}

func TestSignalPendingResult(t *testing.T) {
	t.Parallel()

	s := strobe.NewSignal[int]("pending")
	_, err := s.Result()
	require.Error(t, err)
	assert.False(t, strobe.IsCancelled(err))
	assert.NoError(t, s.Err())
}

func TestSignalCancelledErr(t *testing.T) {
	t.Parallel()

	s := strobe.NewSignal[string]("cancel")
	require.NoError(t, s.Cancel())
	assert.ErrorIs(t, s.Err(), strobe.ErrCancelled)

	_, err := s.Wait(context.Background())
	assert.True(t, strobe.IsCancelled(err))
	assert.Error(t, s.Context().Err())
}

func TestSignalWaitContext(t *testing.T) {
	t.Parallel()

	s := strobe.NewSignal[int]("wait")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := s.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, strobe.Pending, s.State())
}

func TestSignalContextCanceledOnFinish(t *testing.T) {
	t.Parallel()

	s := strobe.NewSignal[struct{}]("ctx")
	ctx := s.Context()
	require.NoError(t, ctx.Err())

	require.NoError(t, s.Resolve(struct{}{}))
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context not canceled after resolve")
	}
}

func TestSignalCallbacksInOrder(t *testing.T) {
	t.Parallel()

	s := strobe.NewSignal[int]("order")
	var got []int
	for i := 0; i < 5; i++ {
		s.OnDone(func(o strobe.Outcome[int]) {
			got = append(got, i*10+o.Value)
		})
	}

	require.NoError(t, s.Resolve(1))
	assert.Equal(t, []int{1, 11, 21, 31, 41}, got)

	// registering afterwards runs immediately
	var late strobe.Outcome[int]
	s.OnDone(func(o strobe.Outcome[int]) { late = o })
	assert.Equal(t, strobe.Resolved, late.State)
	assert.Equal(t, 1, late.Value)
}

func TestSignalUnsubscribe(t *testing.T) {
	t.Parallel()

	s := strobe.NewSignal[int]("unsub")
	var calls []string
	s.OnDone(func(strobe.Outcome[int]) { calls = append(calls, "a") })
	unsub := s.OnDone(func(strobe.Outcome[int]) { calls = append(calls, "b") })
	s.OnDone(func(strobe.Outcome[int]) { calls = append(calls, "c") })
	assert.Equal(t, 3, strobe.CallbackCount(s))

	unsub()
	unsub() // no-op
	assert.Equal(t, 2, strobe.CallbackCount(s))

	require.NoError(t, s.Cancel())
	assert.Equal(t, []string{"a", "c"}, calls)
	assert.Equal(t, 0, strobe.CallbackCount(s))
}

func TestSignalCallbackMayUseSignal(t *testing.T) {
	t.Parallel()

	s := strobe.NewSignal[int]("reentrant")
	var state strobe.State
	var resolveErr error
	s.OnDone(func(strobe.Outcome[int]) {
		state = s.State()
		resolveErr = s.Resolve(2)
	})

	require.NoError(t, s.Resolve(1))
	assert.Equal(t, strobe.Resolved, state)
	assert.ErrorIs(t, resolveErr, strobe.ErrAlreadyResolved)
}

func TestSignalNilFailure(t *testing.T) {
	t.Parallel()

	s := strobe.NewSignal[int]("nil")
	require.NoError(t, s.Fail(nil))
	assert.Equal(t, strobe.Failed, s.State())
	assert.Error(t, s.Err())
}

func TestChildCancelledWithParent(t *testing.T) {
	t.Parallel()

	parent := strobe.NewSignal[struct{}]("parent")
	child := strobe.NewChild(parent, "child")
	grandchild := strobe.NewChild(child, "grandchild")

	require.NoError(t, parent.Cancel())
	assert.Equal(t, strobe.Cancelled, child.State())
	assert.Equal(t, strobe.Cancelled, grandchild.State())
}

func TestChildCancelledOnParentResolve(t *testing.T) {
	t.Parallel()

	parent := strobe.NewSignal[int]("parent")
	child := strobe.NewChild(parent, "child")

	require.NoError(t, parent.Resolve(7))
	assert.Equal(t, strobe.Cancelled, child.State())
}

func TestChildFailsWithParent(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	parent := strobe.NewSignal[int]("parent")
	child := strobe.NewChild(parent, "child")

	require.NoError(t, parent.Fail(boom))
	assert.Equal(t, strobe.Failed, child.State())
	assert.ErrorIs(t, child.Err(), boom)
}

func TestChildOfFinishedParent(t *testing.T) {
	t.Parallel()

	parent := strobe.NewSignal[int]("parent")
	require.NoError(t, parent.Cancel())

	child := strobe.NewChild(parent, "child")
	assert.Equal(t, strobe.Cancelled, child.State())
}

func TestChildWritesThrough(t *testing.T) {
	t.Parallel()

	parent := strobe.NewSignal[int]("parent")
	child := strobe.NewChild(parent, "child")
	require.NoError(t, child.Resolve(5))

	v, err := parent.Result()
	require.NoError(t, err)
	assert.Equal(t, 5, v)

	boom := errors.New("boom")
	parent2 := strobe.NewSignal[int]("parent2")
	child2 := strobe.NewChild(parent2, "child2")
	require.NoError(t, child2.Fail(boom))
	assert.ErrorIs(t, parent2.Err(), boom)
}

func TestChildCancelDoesNotPropagateUp(t *testing.T) {
	t.Parallel()

	parent := strobe.NewSignal[int]("parent")
	child := strobe.NewChild(parent, "child")
	require.NoError(t, child.Cancel())

	assert.Equal(t, strobe.Pending, parent.State())
}

func TestChildrenDoNotLeakCallbacks(t *testing.T) {
	t.Parallel()

	final := strobe.NewSignal[struct{}]("final")
	for i := 0; i < 1000; i++ {
		_ = strobe.NewChild(final, "short-lived").Cancel()
	}
	assert.Equal(t, 0, strobe.CallbackCount(final))

	pending := strobe.NewChild(final, "pending")
	assert.Equal(t, 1, strobe.CallbackCount(final))
	_ = pending.Cancel()
	assert.Equal(t, 0, strobe.CallbackCount(final))

	// a failed grandchild writes through its parent up to final
	parent := strobe.NewChild(final, "parent")
	_ = strobe.NewChild(parent, "grandchild").Fail(errors.New("boom"))
	assert.Equal(t, strobe.Failed, parent.State())
	assert.Equal(t, strobe.Failed, final.State())
}

func TestIsCancelled(t *testing.T) {
	t.Parallel()

	assert.True(t, strobe.IsCancelled(strobe.ErrCancelled))
	assert.True(t, strobe.IsCancelled(context.Canceled))
	assert.False(t, strobe.IsCancelled(context.DeadlineExceeded))
	assert.False(t, strobe.IsCancelled(errors.New("other")))
	assert.False(t, strobe.IsCancelled(nil))
}

func TestWaitForAllAndFirst(t *testing.T) {
	t.Parallel()

	a := strobe.NewSignal[int]("a")
	b := strobe.NewSignal[int]("b")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, strobe.WaitForAll(ctx, a, b), context.DeadlineExceeded)

	go func() {
		time.Sleep(5 * time.Millisecond)
		_ = b.Resolve(2)
	}()
	i, err := strobe.WaitForFirst(context.Background(), a, b)
	require.NoError(t, err)
	assert.Equal(t, 1, i)
	assert.Equal(t, strobe.Pending, a.State())

	require.NoError(t, a.Cancel())
	assert.NoError(t, strobe.WaitForAll(context.Background(), a, b))

	i, err = strobe.WaitForFirst(context.Background())
	require.NoError(t, err)
	assert.Equal(t, -1, i)
}
