package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/deepak-karkala/agentflow/graph"
	"github.com/deepak-karkala/agentflow/llm"
)

// PlannerNode drafts the infrastructure plan from the confirmed
// requirements. With a real model the draft comes from the model; the
// deterministic table below covers the mock and provider outages.
type PlannerNode struct {
	Model llm.ChatModel
}

// Run implements graph.Node.
func (n *PlannerNode) Run(ctx context.Context, s State, emit graph.EmitFunc) (graph.Delta, error) {
	if len(s.Requirements) == 0 {
		return nil, fmt.Errorf("cannot plan without requirements")
	}

	plan := n.modelPlan(ctx, s.Requirements)
	source := "model"
	if plan == nil {
		plan = heuristicPlan(s.Requirements)
		source = "heuristic"
	}

	reasonCard{
		Agent:      "planner",
		Node:       NodePlanner,
		Reasoning:  fmt.Sprintf("drafted %s plan for %s workload in %s", source, asString(s.Requirements["task_type"]), plan.Region),
		Decision:   plan.Summary,
		Confidence: planConfidence(source),
		Inputs:     map[string]any{"requirements": s.Requirements},
		Outputs:    map[string]any{"plan": plan},
		Alternatives: []string{
			"fully serverless stack (rejected: cost ceiling unpredictable at scale)",
			"self-managed kubernetes (rejected: higher operational load)",
		},
		Category: "architecture",
		Priority: "high",
	}.emit(emit)

	return graph.Delta{"plan": plan}, nil
}

func planConfidence(source string) float64 {
	if source == "model" {
		return 0.85
	}
	return 0.75
}

func (n *PlannerNode) modelPlan(ctx context.Context, req map[string]any) *Plan {
	const system = "You design ML infrastructure. Given requirements, reply with a single JSON object " +
		"with keys: compute, orchestrator, registry, serving, monitoring, region, monthly_cost_usd (number), summary."
	reqJSON, err := json.Marshal(req)
	if err != nil {
		return nil
	}
	reply := chatText(ctx, n.Model, system, string(reqJSON))
	if reply == "" {
		return nil
	}
	var plan Plan
	if !parseJSONBlock(reply, &plan) {
		return nil
	}
	if plan.Compute == "" || plan.Serving == "" {
		return nil
	}
	if plan.Region == "" {
		plan.Region = asString(req["region"])
	}
	return &plan
}

// heuristicPlan picks components from the requirement signals: data scale
// selects the compute/orchestration tier, latency selects the serving mode.
func heuristicPlan(req map[string]any) *Plan {
	scale := strings.ToLower(asString(req["data_scale"]))
	latency := strings.ToLower(asString(req["latency"]))
	region := asString(req["region"])
	if region == "" {
		region = "us-east-1"
	}

	large := strings.Contains(scale, "tb") || strings.Contains(scale, "pb") || strings.Contains(scale, "billion")
	realtime := strings.Contains(latency, "real") || strings.Contains(latency, "ms")

	plan := &Plan{
		Registry:   "mlflow",
		Monitoring: "prometheus_grafana",
		Region:     region,
	}
	if large {
		plan.Compute = "gpu_training_cluster"
		plan.Orchestrator = "kubeflow_pipelines"
		plan.MonthlyCostUSD = 4500
	} else {
		plan.Compute = "managed_autoscale_cpu"
		plan.Orchestrator = "managed_airflow"
		plan.MonthlyCostUSD = 900
	}
	if realtime {
		plan.Serving = "kserve_realtime"
		plan.MonthlyCostUSD += 600
	} else {
		plan.Serving = "batch_scoring"
		plan.MonthlyCostUSD += 150
	}
	plan.Summary = fmt.Sprintf("%s with %s orchestration, %s serving in %s (est. $%.0f/month)",
		plan.Compute, plan.Orchestrator, plan.Serving, plan.Region, plan.MonthlyCostUSD)
	return plan
}

// CriticTechNode reviews the plan for technical fit against the
// requirements and appends its findings.
type CriticTechNode struct {
	Model llm.ChatModel
}

// Run implements graph.Node.
func (n *CriticTechNode) Run(ctx context.Context, s State, emit graph.EmitFunc) (graph.Delta, error) {
	if s.Plan == nil {
		return nil, fmt.Errorf("no plan to review")
	}

	findings := heuristicTechFindings(s)
	findings = append(findings, modelFindings(ctx, n.Model, "critic_tech",
		"You review ML infrastructure plans for technical soundness.", s)...)
	if len(findings) == 0 {
		findings = append(findings, Finding{Agent: "critic_tech", Severity: SeverityInfo, Message: "plan is technically consistent with the stated requirements"})
	}

	emitFindingsCard(emit, NodeCriticTech, "critic_tech", "technical review", findings, s.Plan)
	return graph.Delta{"tech_findings": appendFindings(s.TechFindings, findings)}, nil
}

func heuristicTechFindings(s State) []Finding {
	var out []Finding
	latency := strings.ToLower(asString(s.Requirements["latency"]))
	scale := strings.ToLower(asString(s.Requirements["data_scale"]))
	realtime := strings.Contains(latency, "real") || strings.Contains(latency, "ms")
	large := strings.Contains(scale, "tb") || strings.Contains(scale, "pb") || strings.Contains(scale, "billion")

	if realtime && strings.Contains(s.Plan.Serving, "batch") {
		out = append(out, Finding{
			Agent:    "critic_tech",
			Severity: SeverityHigh,
			Message:  "requirements call for real-time latency but the plan serves batch; switch to an online endpoint",
		})
	}
	if large && !strings.Contains(s.Plan.Compute, "gpu") && !strings.Contains(s.Plan.Compute, "cluster") {
		out = append(out, Finding{
			Agent:    "critic_tech",
			Severity: SeverityWarning,
			Message:  "data scale suggests distributed training; single-tier compute may become the bottleneck",
		})
	}
	if s.Plan.Registry == "" {
		out = append(out, Finding{
			Agent:    "critic_tech",
			Severity: SeverityWarning,
			Message:  "no model registry in the plan; model lineage will be untracked",
		})
	}
	if s.Plan.Monitoring == "" {
		out = append(out, Finding{
			Agent:    "critic_tech",
			Severity: SeverityWarning,
			Message:  "no monitoring component; drift and serving errors will go unnoticed",
		})
	}
	return out
}

// CriticCostNode reviews the plan's cost estimate against the budget and
// appends its findings.
type CriticCostNode struct {
	Model llm.ChatModel
}

// Run implements graph.Node.
func (n *CriticCostNode) Run(ctx context.Context, s State, emit graph.EmitFunc) (graph.Delta, error) {
	if s.Plan == nil {
		return nil, fmt.Errorf("no plan to review")
	}

	var findings []Finding
	budget, hasBudget := asNumber(s.Requirements["budget_usd"])
	switch {
	case !hasBudget:
		findings = append(findings, Finding{
			Agent:    "critic_cost",
			Severity: SeverityWarning,
			Message:  "no budget stated; cost review is advisory only",
		})
	case s.Plan.MonthlyCostUSD > budget:
		findings = append(findings, Finding{
			Agent:    "critic_cost",
			Severity: SeverityHigh,
			Message:  fmt.Sprintf("estimated $%.0f/month exceeds the $%.0f budget", s.Plan.MonthlyCostUSD, budget),
		})
	case s.Plan.MonthlyCostUSD > budget*0.8:
		findings = append(findings, Finding{
			Agent:    "critic_cost",
			Severity: SeverityWarning,
			Message:  fmt.Sprintf("estimated $%.0f/month is within 20%% of the $%.0f budget; little headroom for growth", s.Plan.MonthlyCostUSD, budget),
		})
	default:
		findings = append(findings, Finding{
			Agent:    "critic_cost",
			Severity: SeverityInfo,
			Message:  fmt.Sprintf("estimated $%.0f/month fits the $%.0f budget", s.Plan.MonthlyCostUSD, budget),
		})
	}
	findings = append(findings, modelFindings(ctx, n.Model, "critic_cost",
		"You review ML infrastructure plans for cost efficiency.", s)...)

	emitFindingsCard(emit, NodeCriticCost, "critic_cost", "cost review", findings, s.Plan)
	return graph.Delta{"cost_findings": appendFindings(s.CostFindings, findings)}, nil
}

// modelFindings asks the model for additional findings. The reply must be a
// JSON object {"findings": [{"severity", "message"}]}; anything else is
// ignored so review quality degrades to the heuristics, never to an error.
func modelFindings(ctx context.Context, model llm.ChatModel, agent, persona string, s State) []Finding {
	if model == nil {
		return nil
	}
	planJSON, err := json.Marshal(s.Plan)
	if err != nil {
		return nil
	}
	reqJSON, err := json.Marshal(s.Requirements)
	if err != nil {
		return nil
	}
	system := persona + ` Reply with a single JSON object: {"findings": [{"severity": "info|warning|high|blocking", "message": "..."}]}. Reply {"findings": []} when the plan is fine.`
	reply := chatText(ctx, model, system, fmt.Sprintf("requirements: %s\nplan: %s", reqJSON, planJSON))
	if reply == "" {
		return nil
	}
	var parsed struct {
		Findings []Finding `json:"findings"`
	}
	if !parseJSONBlock(reply, &parsed) {
		return nil
	}
	out := parsed.Findings[:0]
	for _, f := range parsed.Findings {
		if strings.TrimSpace(f.Message) == "" {
			continue
		}
		f.Agent = agent
		if f.Severity == "" {
			f.Severity = SeverityInfo
		}
		out = append(out, f)
	}
	return out
}

// appendFindings extends prev without mutating it; deltas must not alias
// state the engine already checkpointed.
func appendFindings(prev, adds []Finding) []Finding {
	out := make([]Finding, 0, len(prev)+len(adds))
	out = append(out, prev...)
	out = append(out, adds...)
	return out
}

func emitFindingsCard(emit graph.EmitFunc, node, agent, category string, findings []Finding, plan *Plan) {
	worst := SeverityInfo
	for _, f := range findings {
		if severityRank(f.Severity) > severityRank(worst) {
			worst = f.Severity
		}
	}
	reasonCard{
		Agent:      agent,
		Node:       node,
		Reasoning:  fmt.Sprintf("%d findings, worst severity %s", len(findings), worst),
		Decision:   fmt.Sprintf("review recorded (%s)", worst),
		Confidence: 0.8,
		Inputs:     map[string]any{"plan": plan},
		Outputs:    map[string]any{"findings": findings},
		Category:   category,
		Priority:   severityPriority(worst),
	}.emit(emit)
}

func severityRank(s string) int {
	switch s {
	case SeverityBlocking:
		return 3
	case SeverityHigh:
		return 2
	case SeverityWarning:
		return 1
	default:
		return 0
	}
}

func severityPriority(s string) string {
	switch s {
	case SeverityBlocking, SeverityHigh:
		return "high"
	case SeverityWarning:
		return "medium"
	default:
		return "low"
	}
}

// PolicyEvalNode checks the plan against the organization policy: the cost
// estimate must fit the stated budget and the plan must serve the required
// region. Violations become blocking findings and a failing verdict; the
// final gate reviewer sees both.
type PolicyEvalNode struct{}

// Run implements graph.Node.
func (n *PolicyEvalNode) Run(ctx context.Context, s State, emit graph.EmitFunc) (graph.Delta, error) {
	if s.Plan == nil {
		return nil, fmt.Errorf("no plan to evaluate")
	}

	var violations []string
	costFindings := s.CostFindings
	techFindings := s.TechFindings

	if budget, ok := asNumber(s.Requirements["budget_usd"]); ok && s.Plan.MonthlyCostUSD > budget {
		v := fmt.Sprintf("plan cost $%.0f/month exceeds the approved budget of $%.0f", s.Plan.MonthlyCostUSD, budget)
		violations = append(violations, v)
		costFindings = appendFindings(costFindings, []Finding{{Agent: "policy", Severity: SeverityBlocking, Message: v}})
	}
	if want := strings.ToLower(asString(s.Requirements["region"])); want != "" && !strings.EqualFold(s.Plan.Region, want) {
		v := fmt.Sprintf("plan region %s does not satisfy the required region %s", s.Plan.Region, want)
		violations = append(violations, v)
		techFindings = appendFindings(techFindings, []Finding{{Agent: "policy", Severity: SeverityBlocking, Message: v}})
	}

	result := &PolicyResult{Verdict: VerdictPass}
	if len(violations) > 0 {
		result = &PolicyResult{Verdict: VerdictFail, Violations: violations}
	}

	reasonCard{
		Agent:      "policy",
		Node:       NodePolicyEval,
		Reasoning:  fmt.Sprintf("%d policy violations", len(violations)),
		Decision:   "policy " + result.Verdict,
		Confidence: 1.0,
		Inputs:     map[string]any{"plan": s.Plan, "budget_usd": s.Requirements["budget_usd"], "region": s.Requirements["region"]},
		Outputs:    map[string]any{"policy": result},
		Category:   "governance",
		Priority:   policyPriority(result),
	}.emit(emit)

	delta := graph.Delta{"policy": result}
	if len(costFindings) != len(s.CostFindings) {
		delta["cost_findings"] = costFindings
	}
	if len(techFindings) != len(s.TechFindings) {
		delta["tech_findings"] = techFindings
	}
	return delta, nil
}

func policyPriority(r *PolicyResult) string {
	if r.Verdict == VerdictFail {
		return "high"
	}
	return "low"
}
