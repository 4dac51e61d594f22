package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrSubscriptionClosed is returned by Next once the topic has closed and
// every buffered event has been delivered.
var ErrSubscriptionClosed = errors.New("subscription closed")

// Subscription is one consumer's view of a topic. It is not safe for
// concurrent Next calls; each consumer owns its subscription.
type Subscription struct {
	topic   *topic
	ch      chan Event
	history []Event
	done    chan struct{}

	lagging   atomic.Bool
	closeOnce sync.Once
	onClose   func()
}

// offer delivers e without blocking, evicting this subscriber's oldest
// buffered event when full. Reports whether an eviction happened.
func (s *Subscription) offer(e Event) (dropped bool) {
	for {
		select {
		case s.ch <- e:
			return dropped
		default:
		}
		select {
		case <-s.ch:
			dropped = true
			s.lagging.Store(true)
		default:
		}
	}
}

// Next blocks until the next event is available. Replayed history is
// delivered before live events. It returns ErrSubscriptionClosed after the
// terminal event of a closed topic, or ctx.Err() on cancellation.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	if len(s.history) > 0 {
		e := s.history[0]
		s.history = s.history[1:]
		return e, nil
	}

	// Drain buffered events before honoring topic close.
	select {
	case e := <-s.ch:
		return e, nil
	default:
	}

	select {
	case e := <-s.ch:
		return e, nil
	case <-s.done:
		select {
		case e := <-s.ch:
			return e, nil
		default:
		}
		return Event{}, ErrSubscriptionClosed
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// Lagging reports whether this subscriber has ever lost events to buffer
// pressure. Once set it stays set.
func (s *Subscription) Lagging() bool {
	return s.lagging.Load()
}

// Close detaches the subscription from its topic. It is safe to call more
// than once and after the topic has closed.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.topic.mu.Lock()
		delete(s.topic.subs, s)
		s.topic.mu.Unlock()
		if s.onClose != nil {
			s.onClose()
		}
	})
}
