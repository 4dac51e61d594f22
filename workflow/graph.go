package workflow

import (
	"fmt"

	"github.com/deepak-karkala/agentflow/graph"
	"github.com/deepak-karkala/agentflow/llm"
	"github.com/deepak-karkala/agentflow/store"
)

// Graph kinds selectable through configuration.
const (
	GraphThin = "thin"
	GraphFull = "full"
)

// Gate labels reported in workflow-paused events.
const (
	GateLabelInput = "input"
	GateLabelFinal = "final"
)

// Deps carries the external capabilities nodes use. Model may be nil
// (planning nodes fall back to their heuristics, the thin graph refuses to
// run); Artifacts may be nil (persistence is skipped, useful in examples).
type Deps struct {
	Model     llm.ChatModel
	Artifacts store.Artifacts
}

// NewGraph builds the named graph topology.
func NewGraph(kind string, deps Deps) (*graph.Graph[State], error) {
	switch kind {
	case GraphThin:
		return NewThinGraph(deps)
	case "", GraphFull:
		return NewFullGraph(deps)
	default:
		return nil, fmt.Errorf("unknown graph kind %q", kind)
	}
}

// NewThinGraph is the single-call conversation topology: call_llm → End.
func NewThinGraph(deps Deps) (*graph.Graph[State], error) {
	g := graph.New[State]()
	g.Add(NodeCallLLM, &CallLLMNode{Model: deps.Model})
	g.StartAt(NodeCallLLM)
	g.Connect(NodeCallLLM, graph.End)
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

// NewFullGraph is the thirteen-node planning topology:
//
//	intake_extract → coverage_check
//	coverage_check   -[coverage below threshold]→ adaptive_questions
//	coverage_check   → planner
//	adaptive_questions → hitl_gate_input          (pauses before the gate)
//	hitl_gate_input  -[changes requested]→ intake_extract
//	hitl_gate_input  → planner
//	planner → critic_tech → critic_cost → policy_eval → hitl_gate_final
//	hitl_gate_final → codegen → validators → rationale_compile
//	rationale_compile → diff_and_persist → End
//
// Both gates are interrupt points; the engine pauses the run before
// entering them and a resume with the approval payload re-enters exactly
// there.
func NewFullGraph(deps Deps) (*graph.Graph[State], error) {
	g := graph.New[State]()

	g.Add(NodeIntakeExtract, &IntakeExtractNode{Model: deps.Model})
	g.Add(NodeCoverageCheck, &CoverageCheckNode{})
	g.Add(NodeAdaptiveQuestions, &AdaptiveQuestionsNode{})
	g.Add(NodeGateInput, &GateInputNode{})
	g.Add(NodePlanner, &PlannerNode{Model: deps.Model})
	g.Add(NodeCriticTech, &CriticTechNode{Model: deps.Model})
	g.Add(NodeCriticCost, &CriticCostNode{Model: deps.Model})
	g.Add(NodePolicyEval, &PolicyEvalNode{})
	g.Add(NodeGateFinal, &GateFinalNode{})
	g.Add(NodeCodegen, &CodegenNode{})
	g.Add(NodeValidators, &ValidatorsNode{})
	g.Add(NodeRationaleCompile, &RationaleCompileNode{Model: deps.Model})
	g.Add(NodeDiffAndPersist, &DiffAndPersistNode{Artifacts: deps.Artifacts})

	g.StartAt(NodeIntakeExtract)

	g.Connect(NodeIntakeExtract, NodeCoverageCheck)
	g.ConnectWhen(NodeCoverageCheck, NodeAdaptiveQuestions, needsQuestions)
	g.Connect(NodeCoverageCheck, NodePlanner)
	g.Connect(NodeAdaptiveQuestions, NodeGateInput)
	g.ConnectWhen(NodeGateInput, NodeIntakeExtract, changesRequested)
	g.Connect(NodeGateInput, NodePlanner)
	g.Connect(NodePlanner, NodeCriticTech)
	g.Connect(NodeCriticTech, NodeCriticCost)
	g.Connect(NodeCriticCost, NodePolicyEval)
	g.Connect(NodePolicyEval, NodeGateFinal)
	g.Connect(NodeGateFinal, NodeCodegen)
	g.Connect(NodeCodegen, NodeValidators)
	g.Connect(NodeValidators, NodeRationaleCompile)
	g.Connect(NodeRationaleCompile, NodeDiffAndPersist)
	g.Connect(NodeDiffAndPersist, graph.End)

	g.InterruptBefore(NodeGateInput, NodeGateFinal)
	g.GateLabel(NodeGateInput, GateLabelInput)
	g.GateLabel(NodeGateFinal, GateLabelFinal)

	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

// needsQuestions routes coverage_check into the clarifying-question loop.
func needsQuestions(s State) bool {
	return s.CoverageScore < CoverageThreshold && len(s.MissingFields) > 0
}

// changesRequested routes a rejected input gate back to intake.
func changesRequested(s State) bool {
	return s.Approval != nil && s.Approval.Decision == DecisionRejected
}
