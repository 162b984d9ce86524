package strobe_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sharnoff/strobe"
)

func collect[T any](ctx context.Context, q *strobe.Queue[T]) []T {
	var items []T
	for item := range q.All(ctx) {
		items = append(items, item)
	}
	return items
}

func TestQueueOrder(t *testing.T) {
	t.Parallel()

	q := strobe.NewQueue[int](strobe.NewSignal[struct{}]("final"), "order", strobe.StopImmediately)
	for i := 0; i < 5; i++ {
		q.Push(i)
	}
	q.Close()

	assert.Equal(t, []int{0, 1, 2, 3, 4}, collect(context.Background(), q))
	assert.Equal(t, strobe.Cancelled, q.Signal().State())
}

func TestQueueBlocksUntilPush(t *testing.T) {
	t.Parallel()

	q := strobe.NewQueue[string](strobe.NewSignal[struct{}]("final"), "block", strobe.StopImmediately)
	go func() {
		time.Sleep(10 * time.Millisecond)
		q.Push("late")
	}()

	item, ok := q.Next(context.Background())
	require.True(t, ok)
	assert.Equal(t, "late", item)
}

func TestQueueManyProducers(t *testing.T) {
	t.Parallel()

	q := strobe.NewQueue[int](strobe.NewSignal[struct{}]("final"), "many", strobe.DrainToEmpty)

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				q.Push(p*1000 + i)
			}
		}()
	}
	go func() {
		wg.Wait()
		q.Close()
	}()

	items := collect(context.Background(), q)
	require.Len(t, items, 400)

	// each producer's items keep their relative order
	last := map[int]int{0: -1, 1: -1, 2: -1, 3: -1}
	for _, item := range items {
		p, i := item/1000, item%1000
		assert.Greater(t, i, last[p])
		last[p] = i
	}
}

func TestQueueStopImmediately(t *testing.T) {
	t.Parallel()

	final := strobe.NewSignal[struct{}]("final")
	q := strobe.NewQueue[int](final, "stop", strobe.StopImmediately)
	q.Push(1)
	q.Push(2)
	require.NoError(t, final.Cancel())

	_, ok := q.Next(context.Background())
	assert.False(t, ok)
	assert.Equal(t, []int{1, 2}, q.Remaining())
	assert.Equal(t, 0, q.Len())
}

func TestQueueDrainToEmpty(t *testing.T) {
	t.Parallel()

	final := strobe.NewSignal[struct{}]("final")
	q := strobe.NewQueue[int](final, "drain", strobe.DrainToEmpty)
	q.Push(1)
	q.Push(2)
	require.NoError(t, final.Cancel())

	assert.Equal(t, []int{1, 2}, collect(context.Background(), q))
}

func TestQueueStop(t *testing.T) {
	t.Parallel()

	final := strobe.NewSignal[struct{}]("final")
	q := strobe.NewQueue[int](final, "abandoned", strobe.DrainToEmpty)
	q.Push(1)
	q.Push(2)
	require.Equal(t, 1, strobe.CallbackCount(final))

	q.Stop()
	_, ok := q.Next(context.Background())
	assert.False(t, ok)
	assert.Equal(t, strobe.Cancelled, q.Signal().State())
	assert.Equal(t, 0, strobe.CallbackCount(final))
	assert.Equal(t, strobe.Pending, final.State())

	q.Push(3)
	assert.Equal(t, 0, q.Len())
}

func TestQueueStopWakesConsumer(t *testing.T) {
	t.Parallel()

	q := strobe.NewQueue[int](strobe.NewSignal[struct{}]("final"), "wake", strobe.DrainToEmpty)
	done := make(chan bool)
	go func() {
		_, ok := q.Next(context.Background())
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	q.Stop()
	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Next didn't return after Stop")
	}
}

func TestQueueUnblocksOnCancel(t *testing.T) {
	t.Parallel()

	final := strobe.NewSignal[struct{}]("final")
	q := strobe.NewQueue[int](final, "unblock", strobe.DrainToEmpty)

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = final.Cancel()
	}()

	_, ok := q.Next(context.Background())
	assert.False(t, ok)
}

func TestQueueNextContext(t *testing.T) {
	t.Parallel()

	q := strobe.NewQueue[int](strobe.NewSignal[struct{}]("final"), "ctx", strobe.StopImmediately)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	_, ok := q.Next(ctx)
	assert.False(t, ok)

	// the queue itself is unaffected
	q.Push(3)
	item, ok := q.Next(context.Background())
	require.True(t, ok)
	assert.Equal(t, 3, item)
}
