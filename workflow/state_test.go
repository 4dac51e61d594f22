package workflow

import (
	"testing"

	"github.com/deepak-karkala/agentflow/graph"
	"github.com/deepak-karkala/agentflow/llm"
)

func TestMergeAppendsMessages(t *testing.T) {
	prev := State{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hello"}},
	}

	next := Merge(prev, graph.Delta{
		"messages": []llm.Message{{Role: llm.RoleAssistant, Content: "hi"}},
	})

	if len(next.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(next.Messages))
	}
	if next.Messages[0].Content != "hello" || next.Messages[1].Content != "hi" {
		t.Errorf("unexpected messages: %+v", next.Messages)
	}
	if len(prev.Messages) != 1 {
		t.Errorf("merge mutated prev: %+v", prev.Messages)
	}
}

func TestMergeAppendsGenericMessageForms(t *testing.T) {
	// Deltas decoded from checkpoints arrive as generic JSON values.
	prev := State{Messages: []llm.Message{{Role: llm.RoleUser, Content: "q"}}}

	next := Merge(prev, graph.Delta{
		"messages": []any{map[string]any{"role": "assistant", "content": "a"}},
	})
	if len(next.Messages) != 2 || next.Messages[1].Content != "a" {
		t.Fatalf("generic slice did not append: %+v", next.Messages)
	}

	next = Merge(next, graph.Delta{
		"messages": map[string]any{"role": "user", "content": "again"},
	})
	if len(next.Messages) != 3 || next.Messages[2].Content != "again" {
		t.Fatalf("single generic message did not append: %+v", next.Messages)
	}
}

func TestMergeReplacesOtherKeys(t *testing.T) {
	prev := State{
		CoverageScore: 0.4,
		MissingFields: []string{"region", "budget_usd"},
		TechFindings:  []Finding{{Agent: "critic_tech", Severity: SeverityInfo, Message: "old"}},
	}

	next := Merge(prev, graph.Delta{
		"coverage_score": 1.0,
		"missing_fields": []string{},
		"tech_findings":  []Finding{{Agent: "critic_tech", Severity: SeverityHigh, Message: "new"}},
		"plan":           &Plan{Compute: "managed_autoscale_cpu", Region: "us-east-1"},
	})

	if next.CoverageScore != 1.0 {
		t.Errorf("coverage_score = %v, want 1.0", next.CoverageScore)
	}
	if len(next.MissingFields) != 0 {
		t.Errorf("missing_fields not replaced: %v", next.MissingFields)
	}
	if len(next.TechFindings) != 1 || next.TechFindings[0].Message != "new" {
		t.Errorf("tech_findings not replaced: %+v", next.TechFindings)
	}
	if next.Plan == nil || next.Plan.Compute != "managed_autoscale_cpu" {
		t.Errorf("plan not set: %+v", next.Plan)
	}
}

func TestMergeEmptyDelta(t *testing.T) {
	prev := State{OriginalPrompt: "keep me", Revisions: 2}
	next := Merge(prev, nil)
	if next.OriginalPrompt != "keep me" || next.Revisions != 2 {
		t.Errorf("empty delta changed state: %+v", next)
	}
}

func TestStateFromPayload(t *testing.T) {
	s, err := StateFromPayload(map[string]any{
		"messages": []any{
			map[string]any{"role": "user", "content": "build a classifier"},
		},
	})
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(s.Messages) != 1 || s.Messages[0].Role != llm.RoleUser {
		t.Fatalf("unexpected messages: %+v", s.Messages)
	}

	empty, err := StateFromPayload(nil)
	if err != nil {
		t.Fatalf("nil payload failed: %v", err)
	}
	if len(empty.Messages) != 0 {
		t.Errorf("nil payload produced messages: %+v", empty.Messages)
	}
}

func TestLastUserMessage(t *testing.T) {
	s := State{
		OriginalPrompt: "original",
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: "first"},
			{Role: llm.RoleAssistant, Content: "reply"},
			{Role: llm.RoleUser, Content: "second"},
		},
	}
	if got := s.LastUserMessage(); got != "second" {
		t.Errorf("LastUserMessage = %q, want %q", got, "second")
	}

	onlyAssistant := State{
		OriginalPrompt: "original",
		Messages:       []llm.Message{{Role: llm.RoleAssistant, Content: "reply"}},
	}
	if got := onlyAssistant.LastUserMessage(); got != "original" {
		t.Errorf("LastUserMessage fallback = %q, want original prompt", got)
	}
}

func TestAssistantMessages(t *testing.T) {
	s := State{
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: "q"},
			{Role: llm.RoleAssistant, Content: "a1"},
			{Role: llm.RoleAssistant, Content: "a2"},
		},
	}
	got := s.AssistantMessages()
	if len(got) != 2 || got[0].Content != "a1" || got[1].Content != "a2" {
		t.Errorf("unexpected assistant messages: %+v", got)
	}
}
