package bus_test

import (
	"context"
	"testing"
	"time"

	"github.com/deepak-karkala/agentflow/bus"
)

// collect drains n events from sub, failing the test if one does not
// arrive promptly.
func collect(t *testing.T, sub *bus.Subscription, n int) []bus.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out := make([]bus.Event, 0, n)
	for i := 0; i < n; i++ {
		e, err := sub.Next(ctx)
		if err != nil {
			t.Fatalf("Next after %d events: %v", len(out), err)
		}
		out = append(out, e)
	}
	return out
}

// seq reads the integer sequence number a test publish carried.
func seq(t *testing.T, e bus.Event) int {
	t.Helper()
	n, ok := e.Payload["seq"].(int)
	if !ok {
		t.Fatalf("event %s has no seq payload: %v", e.Kind, e.Payload)
	}
	return n
}

func publishSeq(b *bus.Bus, id string, from, to int) {
	for i := from; i <= to; i++ {
		b.Publish(id, bus.NewEvent(bus.KindNodeComplete, map[string]any{"seq": i}))
	}
}

func TestPublishStampsEvents(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	b := bus.New(bus.WithClock(func() time.Time { return at }))

	sub := b.Subscribe("wf-1", false)
	defer sub.Close()

	b.Publish("wf-1", bus.NewEvent(bus.KindWorkflowStart, map[string]any{"status": "running"}))

	got := collect(t, sub, 1)[0]
	if got.DecisionSetID != "wf-1" {
		t.Errorf("decision set id = %q, want wf-1", got.DecisionSetID)
	}
	if got.Kind != bus.KindWorkflowStart {
		t.Errorf("kind = %q", got.Kind)
	}
	if !got.Timestamp.Equal(at) {
		t.Errorf("timestamp = %s, want %s", got.Timestamp, at)
	}
	if got.Truncated {
		t.Error("live event should not be marked truncated")
	}
}

func TestSubscribeReplay(t *testing.T) {
	b := bus.New()
	publishSeq(b, "wf-1", 1, 5)

	t.Run("replay delivers history then live", func(t *testing.T) {
		sub := b.Subscribe("wf-1", true)
		defer sub.Close()

		events := collect(t, sub, 5)
		for i, e := range events {
			if seq(t, e) != i+1 {
				t.Fatalf("replayed event %d has seq %d", i, seq(t, e))
			}
			if e.Truncated {
				t.Error("untrimmed history should not be marked truncated")
			}
		}

		publishSeq(b, "wf-1", 6, 6)
		if got := seq(t, collect(t, sub, 1)[0]); got != 6 {
			t.Errorf("live event seq = %d, want 6", got)
		}
	})

	t.Run("replay disabled joins at the tail", func(t *testing.T) {
		sub := b.Subscribe("wf-1", false)
		defer sub.Close()

		publishSeq(b, "wf-1", 7, 7)
		if got := seq(t, collect(t, sub, 1)[0]); got != 7 {
			t.Errorf("first event seq = %d, want 7 (history must be skipped)", got)
		}
	})
}

func TestRingTrimMarksTruncation(t *testing.T) {
	b := bus.New(bus.WithRingCapacity(10))
	publishSeq(b, "wf-1", 1, 25)

	// Each overflow keeps the newest half, so 25 publishes into a ring of
	// 10 retain exactly 16..25.
	history := b.History("wf-1")
	if len(history) != 10 {
		t.Fatalf("history length = %d, want 10", len(history))
	}
	if first := seq(t, history[0]); first != 16 {
		t.Errorf("oldest retained seq = %d, want 16", first)
	}

	sub := b.Subscribe("wf-1", true)
	defer sub.Close()
	events := collect(t, sub, 10)
	if !events[0].Truncated {
		t.Error("first replayed event after a trim must be marked truncated")
	}
	for _, e := range events[1:] {
		if e.Truncated {
			t.Errorf("only the first replayed event may be marked truncated, seq %d is too", seq(t, e))
		}
	}
}

func TestLaggingSubscriberDropsOldest(t *testing.T) {
	b := bus.New(bus.WithSubscriberBuffer(4))

	slow := b.Subscribe("wf-1", false)
	defer slow.Close()

	publishSeq(b, "wf-1", 1, 10)

	// The slow consumer lost 1..6 and keeps the newest suffix.
	events := collect(t, slow, 4)
	for i, e := range events {
		if seq(t, e) != 7+i {
			t.Fatalf("event %d has seq %d, want %d", i, seq(t, e), 7+i)
		}
	}
	if !slow.Lagging() {
		t.Error("subscriber that lost events must report lagging")
	}

	t.Run("keeping up never lags", func(t *testing.T) {
		fast := b.Subscribe("wf-2", false)
		defer fast.Close()
		for i := 1; i <= 20; i++ {
			publishSeq(b, "wf-2", i, i)
			if got := seq(t, collect(t, fast, 1)[0]); got != i {
				t.Fatalf("seq = %d, want %d", got, i)
			}
		}
		if fast.Lagging() {
			t.Error("subscriber that consumed every event reports lagging")
		}
	})
}

func TestCloseTopic(t *testing.T) {
	b := bus.New()

	sub := b.Subscribe("wf-1", false)
	defer sub.Close()

	publishSeq(b, "wf-1", 1, 2)
	b.CloseTopic("wf-1", &bus.Event{Kind: bus.KindWorkflowComplete, Payload: map[string]any{"status": "completed"}})

	// Everything buffered is still delivered, then the terminal event,
	// then end-of-stream.
	events := collect(t, sub, 3)
	if seq(t, events[0]) != 1 || seq(t, events[1]) != 2 {
		t.Errorf("buffered events arrived out of order: %v", events)
	}
	if events[2].Kind != bus.KindWorkflowComplete {
		t.Errorf("terminal kind = %q", events[2].Kind)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := sub.Next(ctx); err != bus.ErrSubscriptionClosed {
		t.Fatalf("Next after close = %v, want ErrSubscriptionClosed", err)
	}

	if !b.Closed("wf-1") {
		t.Error("topic should report closed")
	}
	if got := len(b.History("wf-1")); got != 3 {
		t.Errorf("history length = %d, want 3 (retained after close)", got)
	}

	t.Run("publish after close is dropped", func(t *testing.T) {
		b.Publish("wf-1", bus.NewEvent(bus.KindNodeStart, nil))
		if got := len(b.History("wf-1")); got != 3 {
			t.Errorf("closed topic accepted an event, history = %d", got)
		}
	})

	t.Run("close is idempotent", func(t *testing.T) {
		b.CloseTopic("wf-1", &bus.Event{Kind: bus.KindError})
		if got := len(b.History("wf-1")); got != 3 {
			t.Errorf("second close appended a terminal event, history = %d", got)
		}
	})
}

func TestSubscribeAfterClose(t *testing.T) {
	b := bus.New()
	publishSeq(b, "wf-1", 1, 3)
	b.CloseTopic("wf-1", &bus.Event{Kind: bus.KindWorkflowComplete})

	t.Run("replay yields history then end-of-stream", func(t *testing.T) {
		sub := b.Subscribe("wf-1", true)
		defer sub.Close()

		events := collect(t, sub, 4)
		if events[3].Kind != bus.KindWorkflowComplete {
			t.Errorf("last replayed kind = %q", events[3].Kind)
		}
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if _, err := sub.Next(ctx); err != bus.ErrSubscriptionClosed {
			t.Fatalf("Next = %v, want ErrSubscriptionClosed", err)
		}
	})

	t.Run("no replay ends immediately", func(t *testing.T) {
		sub := b.Subscribe("wf-1", false)
		defer sub.Close()

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if _, err := sub.Next(ctx); err != bus.ErrSubscriptionClosed {
			t.Fatalf("Next = %v, want ErrSubscriptionClosed", err)
		}
	})
}

func TestNextHonorsContext(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("wf-1", false)
	defer sub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := sub.Next(ctx); err != context.DeadlineExceeded {
		t.Fatalf("Next = %v, want context.DeadlineExceeded", err)
	}
}

func TestActiveTopics(t *testing.T) {
	b := bus.New()
	b.Publish("wf-open", bus.NewEvent(bus.KindWorkflowStart, nil))
	b.Publish("wf-done", bus.NewEvent(bus.KindWorkflowStart, nil))
	b.CloseTopic("wf-done", nil)

	active := b.ActiveTopics()
	if len(active) != 1 || active[0] != "wf-open" {
		t.Errorf("active topics = %v, want [wf-open]", active)
	}

	if b.Closed("wf-open") {
		t.Error("open topic reports closed")
	}
	if b.Closed("wf-unknown") {
		t.Error("unknown topic reports closed")
	}
}
