// Package bus implements the in-process event bus that fans workflow
// execution events out to SSE subscribers.
//
// Each workflow gets one topic, keyed by its decision-set id. A topic keeps
// a bounded ring of recent history for replay and a set of live subscribers.
// Publishing never blocks: when a subscriber's buffer is full its oldest
// buffered event is dropped and the subscriber is marked lagging. A
// subscriber that is never marked lagging observes a contiguous suffix of
// the topic's publish order.
//
// Topics are closed with an optional terminal event when their workflow
// reaches a terminal state; closed topics keep their history so late
// subscribers can still replay it.
package bus

import (
	"sync"
	"time"

	"github.com/deepak-karkala/agentflow/metrics"
)

// Defaults for the topic ring and per-subscriber buffers.
const (
	DefaultRingCapacity     = 1000
	DefaultSubscriberBuffer = 256
)

// Bus is the process-wide event hub. The zero value is not usable; call New.
type Bus struct {
	mu     sync.RWMutex
	topics map[string]*topic

	ringCap int
	subCap  int
	metrics *metrics.Metrics
	now     func() time.Time
}

// Option configures a Bus.
type Option func(*Bus)

// WithRingCapacity overrides the per-topic history capacity.
func WithRingCapacity(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.ringCap = n
		}
	}
}

// WithSubscriberBuffer overrides the per-subscriber channel capacity.
func WithSubscriberBuffer(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.subCap = n
		}
	}
}

// WithMetrics attaches Prometheus collectors for published and dropped
// events and the live subscriber gauge.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Bus) { b.metrics = m }
}

// WithClock overrides the timestamp source. Tests use this to publish at
// fixed instants.
func WithClock(now func() time.Time) Option {
	return func(b *Bus) {
		if now != nil {
			b.now = now
		}
	}
}

// New creates a Bus with the given options.
func New(opts ...Option) *Bus {
	b := &Bus{
		topics:  make(map[string]*topic),
		ringCap: DefaultRingCapacity,
		subCap:  DefaultSubscriberBuffer,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// topic is the per-workflow stream state. All fields are guarded by mu.
type topic struct {
	mu      sync.Mutex
	id      string
	ring    []Event
	trimmed bool
	closed  bool
	subs    map[*Subscription]struct{}
}

func (b *Bus) topicFor(id string, create bool) *topic {
	b.mu.RLock()
	t := b.topics[id]
	b.mu.RUnlock()
	if t != nil || !create {
		return t
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if t = b.topics[id]; t == nil {
		t = &topic{id: id, subs: make(map[*Subscription]struct{})}
		b.topics[id] = t
	}
	return t
}

// Publish appends the event to the topic's history ring and offers it to
// every subscriber. It never blocks: a subscriber whose buffer is full loses
// its oldest buffered event and is marked lagging. Publishing to a closed
// topic is a no-op.
func (b *Bus) Publish(workflowID string, e Event) {
	t := b.topicFor(workflowID, true)

	e.DecisionSetID = workflowID
	if e.Timestamp.IsZero() {
		e.Timestamp = b.now().UTC()
	}
	e.Truncated = false

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.append(e, b.ringCap)
	for s := range t.subs {
		if dropped := s.offer(e); dropped && b.metrics != nil {
			b.metrics.BusEventsDropped.Inc()
		}
	}
	if b.metrics != nil {
		b.metrics.BusEventsPublished.WithLabelValues(e.Kind).Inc()
	}
}

// append adds e to the ring, trimming the oldest half when the ring is full.
func (t *topic) append(e Event, ringCap int) {
	if len(t.ring) >= ringCap {
		keep := ringCap / 2
		t.ring = append(t.ring[:0:0], t.ring[len(t.ring)-keep:]...)
		t.trimmed = true
	}
	t.ring = append(t.ring, e)
}

// Subscribe attaches a subscriber to a workflow topic. With replay, the
// current history snapshot is delivered before any live events; the first
// replayed event carries Truncated=true if the ring has been trimmed.
// Subscribing to an unknown topic creates it, and subscribing to a closed
// topic yields the history (when replaying) followed by end-of-stream.
func (b *Bus) Subscribe(workflowID string, replay bool) *Subscription {
	t := b.topicFor(workflowID, true)

	s := &Subscription{
		topic: t,
		ch:    make(chan Event, b.subCap),
		done:  make(chan struct{}),
	}

	t.mu.Lock()
	if replay && len(t.ring) > 0 {
		s.history = append(s.history, t.ring...)
		if t.trimmed {
			s.history[0].Truncated = true
		}
	}
	if t.closed {
		close(s.done)
	} else {
		t.subs[s] = struct{}{}
	}
	t.mu.Unlock()

	if b.metrics != nil {
		b.metrics.BusSubscribers.Inc()
		s.onClose = func() { b.metrics.BusSubscribers.Dec() }
	}
	return s
}

// CloseTopic publishes an optional terminal event and closes the topic.
// Subscribers receive everything already buffered, then end-of-stream. The
// history ring is retained for later replays.
func (b *Bus) CloseTopic(workflowID string, terminal *Event) {
	t := b.topicFor(workflowID, true)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	if terminal != nil {
		e := *terminal
		e.DecisionSetID = workflowID
		if e.Timestamp.IsZero() {
			e.Timestamp = b.now().UTC()
		}
		t.append(e, b.ringCap)
		for s := range t.subs {
			if dropped := s.offer(e); dropped && b.metrics != nil {
				b.metrics.BusEventsDropped.Inc()
			}
		}
		if b.metrics != nil {
			b.metrics.BusEventsPublished.WithLabelValues(e.Kind).Inc()
		}
	}
	t.closed = true
	for s := range t.subs {
		close(s.done)
		delete(t.subs, s)
	}
}

// Closed reports whether the topic exists and has been closed.
func (b *Bus) Closed(workflowID string) bool {
	t := b.topicFor(workflowID, false)
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// ActiveTopics returns the ids of all open topics. The scheduler uses this
// to address heartbeats.
func (b *Bus) ActiveTopics() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := make([]string, 0, len(b.topics))
	for id, t := range b.topics {
		t.mu.Lock()
		open := !t.closed
		t.mu.Unlock()
		if open {
			ids = append(ids, id)
		}
	}
	return ids
}

// History returns a copy of the topic's retained ring, oldest first.
func (b *Bus) History(workflowID string) []Event {
	t := b.topicFor(workflowID, false)
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Event, len(t.ring))
	copy(out, t.ring)
	return out
}
