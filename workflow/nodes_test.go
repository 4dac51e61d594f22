package workflow

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/deepak-karkala/agentflow/bus"
	"github.com/deepak-karkala/agentflow/llm"
)

// capture collects emitted events for assertions.
type capture struct {
	mu     sync.Mutex
	events []bus.Event
}

func (c *capture) emit(kind string, payload map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, bus.Event{Kind: kind, Payload: payload})
}

func (c *capture) count(kind string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func (c *capture) first(kind string) (bus.Event, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.events {
		if e.Kind == kind {
			return e, true
		}
	}
	return bus.Event{}, false
}

func TestHeuristicRequirements(t *testing.T) {
	tests := []struct {
		name   string
		prompt string
		want   map[string]any
	}{
		{
			name:   "fully specified",
			prompt: "Real-time fraud classification over 2 TB of transactions, budget $6,000 per month, deploy in us-east-1",
			want: map[string]any{
				"task_type":  "classification",
				"data_scale": "2 TB",
				"latency":    "real_time",
				"budget_usd": float64(6000),
				"region":     "us-east-1",
			},
		},
		{
			name:   "batch forecasting with k budget",
			prompt: "Nightly batch demand forecasting on 500 GB, around $3k monthly",
			want: map[string]any{
				"task_type":  "forecasting",
				"data_scale": "500 GB",
				"latency":    "batch",
				"budget_usd": float64(3000),
			},
		},
		{
			name:   "vague",
			prompt: "help me build something for my team",
			want:   map[string]any{},
		},
		{
			name:   "gdpr implies eu region",
			prompt: "recommendation engine, must be GDPR compliant",
			want: map[string]any{
				"task_type": "recommendation",
				"region":    "eu-west-1",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := heuristicRequirements(tt.prompt)
			if len(got) != len(tt.want) {
				t.Fatalf("got %d fields %v, want %d %v", len(got), got, len(tt.want), tt.want)
			}
			for k, want := range tt.want {
				if got[k] != want {
					t.Errorf("%s = %v, want %v", k, got[k], want)
				}
			}
		})
	}
}

func TestIntakeExtractHeuristicFallback(t *testing.T) {
	node := &IntakeExtractNode{Model: &llm.Mock{}} // empty mock answers ""
	cap := &capture{}
	s := State{Messages: []llm.Message{{Role: llm.RoleUser, Content: "Batch churn classification on 100 GB, $2,000 budget, us-west-2"}}}

	delta, err := node.Run(context.Background(), s, cap.emit)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	req, ok := delta["requirements"].(map[string]any)
	if !ok {
		t.Fatalf("delta has no requirements map: %v", delta)
	}
	if req["task_type"] != "classification" || req["region"] != "us-west-2" {
		t.Errorf("unexpected extraction: %v", req)
	}
	if delta["original_prompt"] == nil {
		t.Error("first run should record the original prompt")
	}
	if _, bumped := delta["revisions"]; bumped {
		t.Error("first run must not bump revisions")
	}
	if cap.count(bus.KindReasonCard) != 1 {
		t.Errorf("expected one reason card, got %d", cap.count(bus.KindReasonCard))
	}
}

func TestIntakeExtractModelWinsAndResponsesOverride(t *testing.T) {
	node := &IntakeExtractNode{Model: &llm.Mock{Responses: []llm.ChatOut{
		{Text: `{"task_type": "llm_serving", "budget_usd": 9000, "region": "eu-central-1"}`},
	}}}
	s := State{
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: "classification thing"}},
		Requirements: map[string]any{"task_type": "classification"},
		Responses:    map[string]any{"region": "us-east-1"},
		Approval:     &Approval{Decision: DecisionRejected, Comment: "try again"},
	}

	delta, err := node.Run(context.Background(), s, (&capture{}).emit)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	req := delta["requirements"].(map[string]any)
	if req["task_type"] != "llm_serving" {
		t.Errorf("model extraction should win over heuristic, got %v", req["task_type"])
	}
	if req["region"] != "us-east-1" {
		t.Errorf("confirmed responses must override the model, got %v", req["region"])
	}
	if delta["revisions"] != 1 {
		t.Errorf("re-entry should bump revisions, got %v", delta["revisions"])
	}
}

func TestIntakeExtractEmptyConversation(t *testing.T) {
	node := &IntakeExtractNode{}
	if _, err := node.Run(context.Background(), State{}, (&capture{}).emit); err == nil {
		t.Fatal("expected an error for an empty conversation")
	}
}

func TestCoverageCheck(t *testing.T) {
	tests := []struct {
		name        string
		req         map[string]any
		wantScore   float64
		wantMissing int
	}{
		{"complete", map[string]any{
			"task_type": "classification", "data_scale": "2 TB", "latency": "batch",
			"budget_usd": 5000.0, "region": "us-east-1",
		}, 1.0, 0},
		{"partial", map[string]any{"task_type": "classification", "data_scale": "2 TB"}, 0.4, 3},
		{"empty value does not count", map[string]any{"task_type": "  "}, 0.0, 5},
		{"nothing", nil, 0.0, 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cap := &capture{}
			delta, err := (&CoverageCheckNode{}).Run(context.Background(), State{Requirements: tt.req}, cap.emit)
			if err != nil {
				t.Fatalf("run failed: %v", err)
			}
			if got := delta["coverage_score"].(float64); got != tt.wantScore {
				t.Errorf("score = %v, want %v", got, tt.wantScore)
			}
			missing, _ := delta["missing_fields"].([]string)
			if len(missing) != tt.wantMissing {
				t.Errorf("missing = %v, want %d fields", missing, tt.wantMissing)
			}
			if cap.count(bus.KindReasonCard) != 1 {
				t.Error("coverage check must emit a reason card")
			}
		})
	}
}

func TestAdaptiveQuestions(t *testing.T) {
	cap := &capture{}
	s := State{
		CoverageScore: 0.4,
		MissingFields: []string{"budget_usd", "region"},
	}

	delta, err := (&AdaptiveQuestionsNode{}).Run(context.Background(), s, cap.emit)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	questions := delta["questions"].([]Question)
	if len(questions) != 2 {
		t.Fatalf("expected 2 questions, got %+v", questions)
	}
	if questions[0].Field != "budget_usd" || questions[1].Field != "region" {
		t.Errorf("question order should follow missing fields: %+v", questions)
	}
	defaults := delta["smart_defaults"].(map[string]any)
	if defaults["region"] != "us-east-1" {
		t.Errorf("unexpected default region: %v", defaults["region"])
	}

	presented, ok := cap.first(bus.KindQuestionsPresented)
	if !ok {
		t.Fatal("questions-presented event missing")
	}
	if presented.Payload["timeout_seconds"] != questionTimeoutSeconds {
		t.Errorf("timeout = %v, want %d", presented.Payload["timeout_seconds"], questionTimeoutSeconds)
	}
	if presented.Payload["node"] != NodeAdaptiveQuestions {
		t.Errorf("node = %v", presented.Payload["node"])
	}
}

func TestGateInputApprovedMergesResponses(t *testing.T) {
	s := State{
		Requirements: map[string]any{"task_type": "classification"},
		Approval: &Approval{
			Decision:  DecisionApproved,
			Responses: map[string]any{"region": "eu-west-1", "budget_usd": 4000.0},
		},
	}

	delta, err := (&GateInputNode{}).Run(context.Background(), s, (&capture{}).emit)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	req := delta["requirements"].(map[string]any)
	if req["task_type"] != "classification" || req["region"] != "eu-west-1" {
		t.Errorf("responses not merged: %v", req)
	}
	if delta["responses"] == nil {
		t.Error("responses should be recorded on the state")
	}
}

func TestGateInputRejectedLeavesRoutingToApproval(t *testing.T) {
	s := State{
		Requirements: map[string]any{"task_type": "classification"},
		Approval:     &Approval{Decision: DecisionRejected, Comment: "wrong task"},
	}

	delta, err := (&GateInputNode{}).Run(context.Background(), s, (&capture{}).emit)
	if err != nil {
		t.Fatalf("rejection is not a node error: %v", err)
	}
	if len(delta) != 0 {
		t.Errorf("rejection should not change state, got %v", delta)
	}
	if !changesRequested(s) {
		t.Error("router must see the rejection")
	}
}

func TestGateInputAutoApprovedUsesSmartDefaults(t *testing.T) {
	s := State{
		Requirements:  map[string]any{"task_type": "classification"},
		SmartDefaults: map[string]any{"region": "us-east-1", "budget_usd": 2000.0},
	}

	delta, err := (&GateInputNode{}).Run(context.Background(), s, (&capture{}).emit)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	req := delta["requirements"].(map[string]any)
	if req["region"] != "us-east-1" {
		t.Errorf("defaults not merged: %v", req)
	}
	a := delta["approval"].(*Approval)
	if a.Decision != DecisionApproved {
		t.Errorf("auto approval not recorded: %+v", a)
	}
}

func TestGateFinal(t *testing.T) {
	t.Run("rejected is terminal", func(t *testing.T) {
		s := State{Approval: &Approval{Decision: DecisionRejected, Comment: "cost too high"}}
		_, err := (&GateFinalNode{}).Run(context.Background(), s, (&capture{}).emit)
		if err == nil {
			t.Fatal("expected an error")
		}
		if !strings.Contains(err.Error(), "cost too high") {
			t.Errorf("error should carry the comment: %v", err)
		}
	})

	t.Run("approved continues", func(t *testing.T) {
		s := State{Approval: &Approval{Decision: DecisionApproved}}
		delta, err := (&GateFinalNode{}).Run(context.Background(), s, (&capture{}).emit)
		if err != nil {
			t.Fatalf("run failed: %v", err)
		}
		if delta["approval"] == nil {
			t.Error("approval should be kept on the state")
		}
	})

	t.Run("auto-approved without a decision", func(t *testing.T) {
		delta, err := (&GateFinalNode{}).Run(context.Background(), State{}, (&capture{}).emit)
		if err != nil {
			t.Fatalf("run failed: %v", err)
		}
		a := delta["approval"].(*Approval)
		if a.Decision != DecisionApproved {
			t.Errorf("unexpected approval: %+v", a)
		}
	})
}

func TestParseJSONBlock(t *testing.T) {
	var out map[string]any
	if !parseJSONBlock("Sure! Here you go:\n```json\n{\"a\": 1}\n```", &out) {
		t.Fatal("fenced JSON should parse")
	}
	if out["a"] != float64(1) {
		t.Errorf("unexpected value: %v", out)
	}
	if parseJSONBlock("no json here", &out) {
		t.Error("prose must not parse")
	}
}

func TestGraphRoutesThroughQuestionLoop(t *testing.T) {
	if !needsQuestions(State{CoverageScore: 0.4, MissingFields: []string{"region"}}) {
		t.Error("low coverage must route to questions")
	}
	if needsQuestions(State{CoverageScore: 1.0}) {
		t.Error("full coverage must not route to questions")
	}
	if needsQuestions(State{CoverageScore: 0.4}) {
		t.Error("no missing fields means nothing to ask")
	}
}
