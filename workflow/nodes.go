package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"regexp"
	"strconv"
	"strings"

	"github.com/deepak-karkala/agentflow/bus"
	"github.com/deepak-karkala/agentflow/graph"
	"github.com/deepak-karkala/agentflow/llm"
)

// Node names, also the graph vertex names reported by /api/workflow/plan.
const (
	NodeIntakeExtract     = "intake_extract"
	NodeCoverageCheck     = "coverage_check"
	NodeAdaptiveQuestions = "adaptive_questions"
	NodeGateInput         = "hitl_gate_input"
	NodePlanner           = "planner"
	NodeCriticTech        = "critic_tech"
	NodeCriticCost        = "critic_cost"
	NodePolicyEval        = "policy_eval"
	NodeGateFinal         = "hitl_gate_final"
	NodeCodegen           = "codegen"
	NodeValidators        = "validators"
	NodeRationaleCompile  = "rationale_compile"
	NodeDiffAndPersist    = "diff_and_persist"
	NodeCallLLM           = "call_llm"
)

// CoverageThreshold is the minimum requirement coverage that skips the
// clarifying-question loop.
const CoverageThreshold = 0.8

// questionTimeoutSeconds is advertised with presented questions so clients
// know when to fall back to the smart defaults.
const questionTimeoutSeconds = 300

// requiredFields are the requirement keys coverage scoring checks, in
// presentation order.
var requiredFields = []string{"task_type", "data_scale", "latency", "budget_usd", "region"}

// reasonCard is the structured explanation a node publishes for each
// decision it takes. The engine deduplicates identical cards within a step.
type reasonCard struct {
	Agent        string
	Node         string
	Reasoning    string
	Decision     string
	Confidence   float64
	Inputs       map[string]any
	Outputs      map[string]any
	Alternatives []string
	Category     string
	Priority     string
}

func (c reasonCard) emit(emit graph.EmitFunc) {
	emit(bus.KindReasonCard, map[string]any{
		"agent":                   c.Agent,
		"node":                    c.Node,
		"reasoning":               c.Reasoning,
		"decision":                c.Decision,
		"confidence":              c.Confidence,
		"inputs":                  c.Inputs,
		"outputs":                 c.Outputs,
		"alternatives_considered": c.Alternatives,
		"category":                c.Category,
		"priority":                c.Priority,
	})
}

// chatText runs one system+user exchange against the model and returns the
// reply text. A nil model, a provider fault, or an empty mock reply all
// yield "", which callers treat as "use the deterministic fallback" so the
// workflow keeps moving when no provider is configured or one is down.
func chatText(ctx context.Context, model llm.ChatModel, system, user string) string {
	if model == nil {
		return ""
	}
	out, err := model.Chat(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: system},
		{Role: llm.RoleUser, Content: user},
	})
	if err != nil {
		return ""
	}
	return out.Text
}

// parseJSONBlock extracts the outermost JSON object from a model reply,
// tolerating prose and code fences around it.
func parseJSONBlock(text string, into any) bool {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return false
	}
	return json.Unmarshal([]byte(text[start:end+1]), into) == nil
}

// asString renders a requirement value for prompts and summaries.
func asString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case bool:
		return strconv.FormatBool(t)
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(data)
	}
}

// asNumber coerces a requirement value to a float.
func asNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		cleaned := strings.TrimSpace(strings.ReplaceAll(strings.TrimPrefix(t, "$"), ",", ""))
		f, err := strconv.ParseFloat(cleaned, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// fieldPresent reports whether a requirement field carries a usable value.
func fieldPresent(req map[string]any, field string) bool {
	v, ok := req[field]
	if !ok || v == nil {
		return false
	}
	if s, isStr := v.(string); isStr {
		return strings.TrimSpace(s) != ""
	}
	return true
}

// IntakeExtractNode parses structured requirements out of the conversation.
// When a real model is configured it does the extraction; otherwise (or on
// provider failure) a keyword heuristic covers the same fields. Confirmed
// human responses always win over both.
type IntakeExtractNode struct {
	Model llm.ChatModel
}

// Run implements graph.Node.
func (n *IntakeExtractNode) Run(ctx context.Context, s State, emit graph.EmitFunc) (graph.Delta, error) {
	prompt := s.LastUserMessage()
	if strings.TrimSpace(prompt) == "" {
		return nil, fmt.Errorf("conversation has no user request to extract from")
	}

	req := heuristicRequirements(prompt)
	source := "heuristic"
	if extracted := n.modelExtract(ctx, prompt); len(extracted) > 0 {
		maps.Copy(req, extracted)
		source = "model"
	}
	// Answers collected at the input gate override anything re-extracted
	// on the revision loop.
	maps.Copy(req, s.Responses)

	delta := graph.Delta{"requirements": req}
	if s.OriginalPrompt == "" {
		delta["original_prompt"] = prompt
	}
	// Re-entry happens only on the change-request loop, so a rejection in
	// the state marks this pass as a revision.
	if s.Approval != nil && s.Approval.Decision == DecisionRejected {
		delta["revisions"] = s.Revisions + 1
	}

	reasonCard{
		Agent:      "intake",
		Node:       NodeIntakeExtract,
		Reasoning:  fmt.Sprintf("extracted %d requirement fields via %s", len(req), source),
		Decision:   "requirements extracted",
		Confidence: extractionConfidence(source),
		Inputs:     map[string]any{"prompt": prompt},
		Outputs:    map[string]any{"requirements": req},
		Category:   "requirements",
		Priority:   "high",
	}.emit(emit)

	return delta, nil
}

func extractionConfidence(source string) float64 {
	if source == "model" {
		return 0.9
	}
	return 0.7
}

// modelExtract asks the model for a requirements JSON object. Empty on any
// failure.
func (n *IntakeExtractNode) modelExtract(ctx context.Context, prompt string) map[string]any {
	const system = "You extract ML infrastructure requirements from a user request. " +
		"Reply with a single JSON object using only these keys when the request supports them: " +
		"task_type, data_scale, latency, budget_usd (number), region. Omit unknown fields."
	reply := chatText(ctx, n.Model, system, prompt)
	if reply == "" {
		return nil
	}
	out := make(map[string]any)
	if !parseJSONBlock(reply, &out) {
		return nil
	}
	for k := range out {
		if !fieldPresent(out, k) {
			delete(out, k)
		}
	}
	return out
}

var (
	dataScaleRe = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*(pb|tb|gb)\b`)
	rowScaleRe  = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*(billion|million)\s+(rows|records|events|images|documents|users)`)
	latencyRe   = regexp.MustCompile(`(?i)(\d+)\s*ms\b`)
	budgetRe    = regexp.MustCompile(`(?i)\$\s*([\d,]+(?:\.\d+)?)\s*(k)?`)
	regionRe    = regexp.MustCompile(`(?i)\b((?:us|eu|ap|ca|sa|me|af)-[a-z]+-\d)\b`)
)

// heuristicRequirements is the deterministic extraction used when no model
// answers. It recognizes the vocabulary of the required fields.
func heuristicRequirements(prompt string) map[string]any {
	req := make(map[string]any)
	lower := strings.ToLower(prompt)

	switch {
	case strings.Contains(lower, "classif"):
		req["task_type"] = "classification"
	case strings.Contains(lower, "recommend"):
		req["task_type"] = "recommendation"
	case strings.Contains(lower, "forecast"), strings.Contains(lower, "time series"), strings.Contains(lower, "time-series"):
		req["task_type"] = "forecasting"
	case strings.Contains(lower, "fraud"), strings.Contains(lower, "anomaly"):
		req["task_type"] = "anomaly_detection"
	case strings.Contains(lower, "llm"), strings.Contains(lower, "chatbot"), strings.Contains(lower, "language model"):
		req["task_type"] = "llm_serving"
	case strings.Contains(lower, "image"), strings.Contains(lower, "vision"), strings.Contains(lower, "video"):
		req["task_type"] = "computer_vision"
	}

	if m := dataScaleRe.FindStringSubmatch(prompt); m != nil {
		req["data_scale"] = m[1] + " " + strings.ToUpper(m[2])
	} else if m := rowScaleRe.FindStringSubmatch(prompt); m != nil {
		req["data_scale"] = strings.ToLower(m[1] + " " + m[2] + " " + m[3])
	}

	switch {
	case strings.Contains(lower, "real-time"), strings.Contains(lower, "realtime"), strings.Contains(lower, "real time"):
		req["latency"] = "real_time"
	case latencyRe.MatchString(prompt):
		req["latency"] = strings.ToLower(latencyRe.FindStringSubmatch(prompt)[1]) + "ms"
	case strings.Contains(lower, "batch"), strings.Contains(lower, "overnight"), strings.Contains(lower, "daily"):
		req["latency"] = "batch"
	}

	if m := budgetRe.FindStringSubmatch(prompt); m != nil {
		if amount, ok := asNumber(m[1]); ok {
			if strings.EqualFold(m[2], "k") {
				amount *= 1000
			}
			req["budget_usd"] = amount
		}
	}

	if m := regionRe.FindStringSubmatch(prompt); m != nil {
		req["region"] = strings.ToLower(m[1])
	} else if strings.Contains(lower, "europe") || strings.Contains(lower, " eu ") || strings.Contains(lower, "gdpr") {
		req["region"] = "eu-west-1"
	}

	return req
}

// CoverageCheckNode scores how much of the required requirement surface the
// extraction covered. A score under CoverageThreshold routes the run into
// the clarifying-question loop.
type CoverageCheckNode struct{}

// Run implements graph.Node.
func (n *CoverageCheckNode) Run(ctx context.Context, s State, emit graph.EmitFunc) (graph.Delta, error) {
	var missing []string
	covered := 0
	for _, field := range requiredFields {
		if fieldPresent(s.Requirements, field) {
			covered++
			continue
		}
		missing = append(missing, field)
	}
	score := float64(covered) / float64(len(requiredFields))

	decision := "requirements are sufficient to plan"
	priority := "low"
	if score < CoverageThreshold {
		decision = "clarifying questions required"
		priority = "high"
	}
	reasonCard{
		Agent:      "coverage",
		Node:       NodeCoverageCheck,
		Reasoning:  fmt.Sprintf("%d of %d required fields present", covered, len(requiredFields)),
		Decision:   decision,
		Confidence: 1.0,
		Inputs:     map[string]any{"requirements": s.Requirements},
		Outputs:    map[string]any{"coverage_score": score, "missing_fields": missing},
		Category:   "requirements",
		Priority:   priority,
	}.emit(emit)

	return graph.Delta{
		"coverage_score": score,
		"missing_fields": missing,
	}, nil
}

// questionPrompts and smartDefaults per required field. The defaults let a
// reviewer approve the input gate without answering anything.
var questionPrompts = map[string]string{
	"task_type":  "What kind of ML task is this (classification, forecasting, recommendation, anomaly detection, LLM serving, computer vision)?",
	"data_scale": "Roughly how much data will the system handle (for example 500 GB, 2 TB, 10 million rows)?",
	"latency":    "Does serving need to be real-time (milliseconds) or is batch scoring acceptable?",
	"budget_usd": "What is the monthly infrastructure budget in USD?",
	"region":     "Which cloud region should the infrastructure run in?",
}

var smartDefaults = map[string]any{
	"task_type":  "classification",
	"data_scale": "100 GB",
	"latency":    "batch",
	"budget_usd": float64(2000),
	"region":     "us-east-1",
}

// AdaptiveQuestionsNode turns the missing requirement fields into questions
// with proposed defaults and presents them on the workflow stream. The run
// pauses at the input gate right after this node.
type AdaptiveQuestionsNode struct{}

// Run implements graph.Node.
func (n *AdaptiveQuestionsNode) Run(ctx context.Context, s State, emit graph.EmitFunc) (graph.Delta, error) {
	questions := make([]Question, 0, len(s.MissingFields))
	defaults := make(map[string]any, len(s.MissingFields))
	for _, field := range s.MissingFields {
		prompt, ok := questionPrompts[field]
		if !ok {
			prompt = fmt.Sprintf("Please provide a value for %q.", field)
		}
		questions = append(questions, Question{Field: field, Prompt: prompt})
		if d, ok := smartDefaults[field]; ok {
			defaults[field] = d
		}
	}

	emit(bus.KindQuestionsPresented, map[string]any{
		"questions":       questions,
		"smart_defaults":  defaults,
		"timeout_seconds": questionTimeoutSeconds,
		"node":            NodeAdaptiveQuestions,
	})

	reasonCard{
		Agent:      "questions",
		Node:       NodeAdaptiveQuestions,
		Reasoning:  fmt.Sprintf("coverage %.0f%% below threshold, asking for %d fields", s.CoverageScore*100, len(questions)),
		Decision:   "questions presented with smart defaults",
		Confidence: 1.0,
		Inputs:     map[string]any{"missing_fields": s.MissingFields},
		Outputs:    map[string]any{"questions": questions, "smart_defaults": defaults},
		Category:   "requirements",
		Priority:   "high",
	}.emit(emit)

	return graph.Delta{
		"questions":      questions,
		"smart_defaults": defaults,
	}, nil
}

// GateInputNode consumes the approval recorded for the input gate. An
// approval merges the collected responses into the requirements; a
// rejection routes the run back to intake for another revision. When the
// gate was auto-approved there is no human decision, so the smart defaults
// stand in for answers.
type GateInputNode struct{}

// Run implements graph.Node.
func (n *GateInputNode) Run(ctx context.Context, s State, emit graph.EmitFunc) (graph.Delta, error) {
	a := s.Approval
	if a == nil {
		merged := mergeAnswers(s.Requirements, s.SmartDefaults)
		reasonCard{
			Agent:      "hitl",
			Node:       NodeGateInput,
			Reasoning:  "gate auto-approved, smart defaults accepted as answers",
			Decision:   "proceed with defaults",
			Confidence: 0.6,
			Inputs:     map[string]any{"smart_defaults": s.SmartDefaults},
			Outputs:    map[string]any{"requirements": merged},
			Category:   "approval",
			Priority:   "medium",
		}.emit(emit)
		return graph.Delta{
			"requirements": merged,
			"responses":    s.SmartDefaults,
			"approval":     &Approval{Decision: DecisionApproved, Comment: "auto-approved"},
		}, nil
	}

	if a.Decision == DecisionRejected {
		reasonCard{
			Agent:      "hitl",
			Node:       NodeGateInput,
			Reasoning:  rejectionReason(a, "reviewer requested changes to the extracted requirements"),
			Decision:   "revise requirements",
			Confidence: 1.0,
			Inputs:     map[string]any{"decision": a.Decision, "comment": a.Comment},
			Category:   "approval",
			Priority:   "high",
		}.emit(emit)
		// No delta: routing reads the rejection off the approval and
		// loops back to intake, where the revision counter bumps.
		return nil, nil
	}

	answers := a.Responses
	if len(answers) == 0 {
		answers = s.Responses
	}
	merged := mergeAnswers(s.Requirements, answers)
	reasonCard{
		Agent:      "hitl",
		Node:       NodeGateInput,
		Reasoning:  fmt.Sprintf("reviewer approved with %d answers", len(answers)),
		Decision:   "requirements confirmed",
		Confidence: 1.0,
		Inputs:     map[string]any{"responses": answers},
		Outputs:    map[string]any{"requirements": merged},
		Category:   "approval",
		Priority:   "high",
	}.emit(emit)

	return graph.Delta{
		"requirements": merged,
		"responses":    answers,
	}, nil
}

// mergeAnswers overlays gate answers onto the extracted requirements.
func mergeAnswers(requirements, answers map[string]any) map[string]any {
	merged := make(map[string]any, len(requirements)+len(answers))
	maps.Copy(merged, requirements)
	for k, v := range answers {
		if v == nil {
			continue
		}
		merged[k] = v
	}
	return merged
}

func rejectionReason(a *Approval, fallback string) string {
	if a != nil && strings.TrimSpace(a.Comment) != "" {
		return a.Comment
	}
	return fallback
}

// GateFinalNode consumes the approval recorded for the final review gate.
// Rejection is terminal: the node errors and the job takes the failure
// path.
type GateFinalNode struct{}

// Run implements graph.Node.
func (n *GateFinalNode) Run(ctx context.Context, s State, emit graph.EmitFunc) (graph.Delta, error) {
	a := s.Approval
	if a == nil {
		a = &Approval{Decision: DecisionApproved, Comment: "auto-approved"}
	}
	if a.Decision == DecisionRejected {
		reason := rejectionReason(a, "reviewer rejected the plan")
		reasonCard{
			Agent:      "hitl",
			Node:       NodeGateFinal,
			Reasoning:  reason,
			Decision:   "plan rejected",
			Confidence: 1.0,
			Inputs:     map[string]any{"decision": a.Decision, "comment": a.Comment},
			Category:   "approval",
			Priority:   "high",
		}.emit(emit)
		return nil, fmt.Errorf("final review rejected: %s", reason)
	}

	reasonCard{
		Agent:      "hitl",
		Node:       NodeGateFinal,
		Reasoning:  "plan and findings accepted for generation",
		Decision:   "plan approved",
		Confidence: 1.0,
		Inputs:     map[string]any{"decision": a.Decision},
		Category:   "approval",
		Priority:   "high",
	}.emit(emit)

	return graph.Delta{"approval": a}, nil
}
