package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/sony/gobreaker"
)

func TestMockSequencesResponses(t *testing.T) {
	mock := &Mock{Responses: []ChatOut{{Text: "first"}, {Text: "second"}}}
	ctx := context.Background()

	for i, want := range []string{"first", "second", "second", "second"} {
		out, err := mock.Chat(ctx, []Message{{Role: RoleUser, Content: "hi"}})
		if err != nil {
			t.Fatalf("call %d: unexpected error: %v", i, err)
		}
		if out.Text != want {
			t.Fatalf("call %d: got %q, want %q", i, out.Text, want)
		}
		if out.Model != ProviderMock {
			t.Fatalf("call %d: model = %q, want %q", i, out.Model, ProviderMock)
		}
	}
	if got := mock.CallCount(); got != 4 {
		t.Fatalf("CallCount = %d, want 4", got)
	}

	mock.Reset()
	if got := mock.CallCount(); got != 0 {
		t.Fatalf("CallCount after Reset = %d, want 0", got)
	}
	out, _ := mock.Chat(ctx, nil)
	if out.Text != "first" {
		t.Fatalf("after Reset got %q, want %q", out.Text, "first")
	}
}

func TestMockErrorInjection(t *testing.T) {
	boom := errors.New("provider down")
	mock := &Mock{Err: boom}

	_, err := mock.Chat(context.Background(), []Message{{Role: RoleUser, Content: "hi"}})
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want %v", err, boom)
	}
	if mock.CallCount() != 1 {
		t.Fatalf("failed calls must still be recorded")
	}
}

func TestMockHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	mock := &Mock{Responses: []ChatOut{{Text: "never"}}}
	if _, err := mock.Chat(ctx, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
	if mock.CallCount() != 0 {
		t.Fatalf("cancelled calls must not be recorded")
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	mock := &Mock{Err: errors.New("unavailable")}
	b := NewBreaker("test", mock)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := b.Chat(ctx, nil); err == nil {
			t.Fatalf("call %d: expected failure", i)
		}
	}
	if got := b.State(); got != gobreaker.StateOpen {
		t.Fatalf("state = %v, want open", got)
	}

	_, err := b.Chat(ctx, nil)
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("got %v, want ErrOpenState", err)
	}
	// The open breaker short-circuits without touching the model.
	if got := mock.CallCount(); got != 5 {
		t.Fatalf("model saw %d calls, want 5", got)
	}
}

func TestBreakerPassesThroughSuccess(t *testing.T) {
	mock := &Mock{Responses: []ChatOut{{Text: "ok"}}}
	b := NewBreaker("test", mock)

	out, err := b.Chat(context.Background(), []Message{{Role: RoleUser, Content: "hi"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Text != "ok" {
		t.Fatalf("got %q, want %q", out.Text, "ok")
	}
	if got := b.State(); got != gobreaker.StateClosed {
		t.Fatalf("state = %v, want closed", got)
	}
}

func TestNewFactory(t *testing.T) {
	ctx := context.Background()

	t.Run("empty provider selects mock", func(t *testing.T) {
		m, err := New(ctx, "", "", "")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if _, ok := m.(*Mock); !ok {
			t.Fatalf("got %T, want *Mock", m)
		}
	})

	t.Run("unknown provider", func(t *testing.T) {
		if _, err := New(ctx, "oracle", "", ""); err == nil {
			t.Fatal("expected error for unknown provider")
		}
	})

	t.Run("openai requires key", func(t *testing.T) {
		if _, err := New(ctx, ProviderOpenAI, "", ""); err == nil {
			t.Fatal("expected error for empty API key")
		}
	})

	t.Run("anthropic defaults model", func(t *testing.T) {
		m, err := New(ctx, ProviderAnthropic, "test-key", "")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		a, ok := m.(*Anthropic)
		if !ok {
			t.Fatalf("got %T, want *Anthropic", m)
		}
		if a.model != DefaultAnthropicModel {
			t.Fatalf("model = %q, want %q", a.model, DefaultAnthropicModel)
		}
	})
}

func TestSplitSystem(t *testing.T) {
	system, rest := splitSystem([]Message{
		{Role: RoleSystem, Content: "be terse"},
		{Role: RoleUser, Content: "hello"},
		{Role: RoleSystem, Content: "use metric units"},
		{Role: RoleAssistant, Content: "hi"},
	})
	if system != "be terse\n\nuse metric units" {
		t.Fatalf("system = %q", system)
	}
	if len(rest) != 2 || rest[0].Role != RoleUser || rest[1].Role != RoleAssistant {
		t.Fatalf("rest = %+v", rest)
	}
}
