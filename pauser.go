package strobe

import "context"

// Pauser is a gate shared between a [Ticker] and whoever wants to pause it: while someone holds
// the Pauser, the Ticker waits for it to be released before scheduling its next tick.
//
// It's a plain acquire/release semaphore with a single slot. The zero value is not usable; create
// one with [NewPauser].
type Pauser struct {
	slot chan struct{}
}

// NewPauser returns a Pauser that nobody holds
func NewPauser() *Pauser {
	return &Pauser{slot: make(chan struct{}, 1)}
}

// Acquire blocks until the Pauser is held by the caller, or ctx is done.
func (p *Pauser) Acquire(ctx context.Context) error {
	select {
	case p.slot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryAcquire acquires the Pauser if it's free, returning whether it did.
func (p *Pauser) TryAcquire() bool {
	select {
	case p.slot <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release releases a held Pauser. Releasing a Pauser that isn't held panics.
func (p *Pauser) Release() {
	select {
	case <-p.slot:
	default:
		panic("strobe: Release of a Pauser that isn't held")
	}
}

// Held returns whether someone currently holds the Pauser
func (p *Pauser) Held() bool {
	return len(p.slot) != 0
}

// passThrough waits for the Pauser to be free, without holding on to it. It returns false if
// either ctx or stop is done first.
func (p *Pauser) passThrough(ctx context.Context, stop <-chan struct{}) bool {
	select {
	case p.slot <- struct{}{}:
		<-p.slot
		return true
	case <-stop:
		return false
	case <-ctx.Done():
		return false
	}
}
