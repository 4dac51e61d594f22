package worker

import (
	"context"
	"time"
)

// idleBackoff spaces claim attempts while the queue is empty: every miss
// doubles the wait from min up to max, and a hit resets it.
type idleBackoff struct {
	min  time.Duration
	max  time.Duration
	next time.Duration
}

func newIdleBackoff(min, max time.Duration) *idleBackoff {
	return &idleBackoff{min: min, max: max, next: min}
}

// Next returns the current wait and doubles the following one.
func (b *idleBackoff) Next() time.Duration {
	d := b.next
	b.next *= 2
	if b.next > b.max {
		b.next = b.max
	}
	return d
}

// Reset drops the wait back to the minimum.
func (b *idleBackoff) Reset() { b.next = b.min }

// sleepCtx waits for d or until ctx is cancelled, reporting whether the
// full wait elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
