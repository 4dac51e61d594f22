// Package workflow defines the agent workflow domain: the shared State
// record, the planning nodes, the thin and full graph topologies, and the
// Runner that executes them against the store and the event bus.
//
// The full graph turns a free-form infrastructure request into a reviewed,
// validated terraform bundle with two human approval gates on the way. The
// thin graph is a single model call for plain conversational use.
package workflow

import (
	"encoding/json"

	"github.com/deepak-karkala/agentflow/graph"
	"github.com/deepak-karkala/agentflow/llm"
)

// Approval decisions carried by the resume payload.
const (
	DecisionApproved = "approved"
	DecisionRejected = "rejected"
)

// Finding severities, ordered by weight.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityHigh     = "high"
	SeverityBlocking = "blocking"
)

// Policy verdicts.
const (
	VerdictPass = "pass"
	VerdictFail = "fail"
)

// State is the record shared by every node in a workflow run. Nodes return
// deltas keyed by the JSON tags below; Merge applies them. Only "messages"
// accumulates across deltas, every other key replaces its previous value.
type State struct {
	// Messages is the conversation so far, oldest first.
	Messages []llm.Message `json:"messages,omitempty"`

	// OriginalPrompt is the first user request, kept verbatim for audit.
	OriginalPrompt string `json:"original_prompt,omitempty"`

	// Requirements holds the extracted request fields (task_type,
	// data_scale, latency, budget_usd, region).
	Requirements map[string]any `json:"requirements,omitempty"`

	// CoverageScore is the fraction of required fields present, 0..1.
	CoverageScore float64 `json:"coverage_score,omitempty"`

	// MissingFields lists the required fields coverage found absent.
	MissingFields []string `json:"missing_fields,omitempty"`

	// Questions are the clarifying questions presented at the input gate.
	Questions []Question `json:"questions,omitempty"`

	// SmartDefaults proposes a value per missing field so the gate can be
	// approved without typing answers.
	SmartDefaults map[string]any `json:"smart_defaults,omitempty"`

	// Responses are the human answers collected with the approval.
	Responses map[string]any `json:"responses,omitempty"`

	// Plan is the drafted infrastructure plan.
	Plan *Plan `json:"plan,omitempty"`

	// TechFindings and CostFindings accumulate reviewer output. Nodes
	// append by returning the extended slice.
	TechFindings []Finding `json:"tech_findings,omitempty"`
	CostFindings []Finding `json:"cost_findings,omitempty"`

	// Policy is the budget/region policy verdict.
	Policy *PolicyResult `json:"policy,omitempty"`

	// Approval is the latest human decision, merged in on resume.
	Approval *Approval `json:"approval,omitempty"`

	// GeneratedFiles is the rendered terraform bundle.
	GeneratedFiles []GeneratedFile `json:"generated_files,omitempty"`

	// ValidationResults are the static checks run over the bundle.
	ValidationResults []ValidationResult `json:"validation_results,omitempty"`

	// Rationale is the compiled decision narrative.
	Rationale string `json:"rationale,omitempty"`

	// DiffSummary describes the persisted bundle relative to the previous
	// revision.
	DiffSummary string `json:"diff_summary,omitempty"`

	// ArtifactIDs lists the persisted bundle artifacts, oldest first.
	ArtifactIDs []string `json:"artifact_ids,omitempty"`

	// Revisions counts re-entries into intake after requested changes.
	Revisions int `json:"revisions,omitempty"`
}

// Question is one clarifying question shown at the input gate.
type Question struct {
	Field  string `json:"field"`
	Prompt string `json:"prompt"`
}

// Plan is the drafted infrastructure layout with its cost estimate.
type Plan struct {
	Compute        string  `json:"compute"`
	Orchestrator   string  `json:"orchestrator"`
	Registry       string  `json:"registry"`
	Serving        string  `json:"serving"`
	Monitoring     string  `json:"monitoring"`
	Region         string  `json:"region"`
	MonthlyCostUSD float64 `json:"monthly_cost_usd"`
	Summary        string  `json:"summary,omitempty"`
}

// Finding is one reviewer observation about the plan or its artifacts.
type Finding struct {
	Agent    string `json:"agent"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// Blocking reports whether the finding must stop the workflow.
func (f Finding) Blocking() bool { return f.Severity == SeverityBlocking }

// PolicyResult is the outcome of the policy evaluation node.
type PolicyResult struct {
	Verdict    string   `json:"verdict"`
	Violations []string `json:"violations,omitempty"`
}

// Approval is a human gate decision. Responses carries field answers given
// alongside the decision (input gate only).
type Approval struct {
	Decision  string         `json:"decision"`
	Comment   string         `json:"comment,omitempty"`
	Responses map[string]any `json:"responses,omitempty"`
}

// GeneratedFile is one rendered file of the output bundle.
type GeneratedFile struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// ValidationResult is one static check over the generated bundle.
type ValidationResult struct {
	Check   string `json:"check"`
	Path    string `json:"path,omitempty"`
	Passed  bool   `json:"passed"`
	Message string `json:"message,omitempty"`
}

// Merge applies a node delta onto prev and returns the merged state. It is
// the engine ApplyFunc for State: the "messages" key appends, every other
// key replaces. Delta values may be typed Go values or the generic
// map/slice forms that come back from a decoded checkpoint; both merge the
// same way because the state travels through its JSON document form.
func Merge(prev State, delta graph.Delta) State {
	if len(delta) == 0 {
		return prev
	}
	doc, err := toDocument(prev)
	if err != nil {
		return prev
	}
	for key, value := range delta {
		if key == "messages" {
			doc[key] = appendMessages(doc[key], value)
			continue
		}
		doc[key] = value
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return prev
	}
	var next State
	if err := json.Unmarshal(data, &next); err != nil {
		return prev
	}
	return next
}

// toDocument converts the state to its generic JSON document form.
func toDocument(s State) (map[string]any, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	doc := make(map[string]any)
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// appendMessages concatenates the incoming message value (a slice or a
// single message, typed or generic) onto the existing document list.
func appendMessages(existing, incoming any) any {
	prev, _ := existing.([]any)
	data, err := json.Marshal(incoming)
	if err != nil {
		return existing
	}
	var adds []any
	if err := json.Unmarshal(data, &adds); err != nil {
		var one map[string]any
		if err := json.Unmarshal(data, &one); err != nil || one == nil {
			return existing
		}
		adds = []any{one}
	}
	return append(prev, adds...)
}

// StateFromPayload decodes a job payload into an initial State. Payload
// keys follow the state's JSON tags, so an async chat job carries
// {"messages": [...]} and nothing else.
func StateFromPayload(payload map[string]any) (State, error) {
	var s State
	if len(payload) == 0 {
		return s, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return s, err
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return s, err
	}
	return s, nil
}

// LastUserMessage returns the content of the most recent user turn, or the
// original prompt when the conversation has none.
func (s State) LastUserMessage() string {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == llm.RoleUser {
			return s.Messages[i].Content
		}
	}
	return s.OriginalPrompt
}

// AssistantMessages returns the assistant turns in order. The chat API
// serves these as the reply body.
func (s State) AssistantMessages() []llm.Message {
	var out []llm.Message
	for _, m := range s.Messages {
		if m.Role == llm.RoleAssistant {
			out = append(out, m)
		}
	}
	return out
}
