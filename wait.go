package strobe

import "context"

// Waitable is anything that can be waited on by selecting over a channel that's closed on
// completion. It's implemented by [Signal], [ResettableSignal], [Task], and [TaskHolder].
type Waitable interface {
	Done() <-chan struct{}
}

// WaitForAll blocks until every Waitable is done or ctx is done, in which case it returns
// ctx.Err(). None of the Waitables are modified.
func WaitForAll(ctx context.Context, ws ...Waitable) error {
	for _, w := range ws {
		select {
		case <-w.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// WaitForFirst blocks until at least one Waitable is done, returning its index. With no
// Waitables, it returns -1 immediately. If ctx is done first, it returns -1 and ctx.Err().
func WaitForFirst(ctx context.Context, ws ...Waitable) (int, error) {
	if len(ws) == 0 {
		return -1, nil
	}
	for i, w := range ws {
		if isClosed(w.Done()) {
			return i, nil
		}
	}

	// buffered so that no watcher ever blocks on sending, even after we've returned
	first := make(chan int, len(ws))
	stop := make(chan struct{})
	defer close(stop)

	for i, w := range ws {
		go func(i int, done <-chan struct{}) {
			select {
			case <-done:
				first <- i
			case <-stop:
			}
		}(i, w.Done())
	}

	select {
	case i := <-first:
		return i, nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}
