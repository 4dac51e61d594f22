package workflow

import (
	"testing"
)

func TestNewFullGraphTopology(t *testing.T) {
	g, err := NewFullGraph(Deps{})
	if err != nil {
		t.Fatalf("full graph invalid: %v", err)
	}

	want := []string{
		NodeIntakeExtract,
		NodeCoverageCheck,
		NodeAdaptiveQuestions,
		NodeGateInput,
		NodePlanner,
		NodeCriticTech,
		NodeCriticCost,
		NodePolicyEval,
		NodeGateFinal,
		NodeCodegen,
		NodeValidators,
		NodeRationaleCompile,
		NodeDiffAndPersist,
	}
	got := g.NodeNames()
	if len(got) != len(want) {
		t.Fatalf("expected %d nodes, got %d: %v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("node[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if g.Start() != NodeIntakeExtract {
		t.Errorf("start = %q", g.Start())
	}
}

func TestNewThinGraphTopology(t *testing.T) {
	g, err := NewThinGraph(Deps{})
	if err != nil {
		t.Fatalf("thin graph invalid: %v", err)
	}
	names := g.NodeNames()
	if len(names) != 1 || names[0] != NodeCallLLM {
		t.Errorf("unexpected nodes: %v", names)
	}
}

func TestNewGraphKinds(t *testing.T) {
	if _, err := NewGraph("", Deps{}); err != nil {
		t.Errorf("empty kind should build the full graph: %v", err)
	}
	if _, err := NewGraph(GraphThin, Deps{}); err != nil {
		t.Errorf("thin kind failed: %v", err)
	}
	if _, err := NewGraph("hexagonal", Deps{}); err == nil {
		t.Error("unknown kind must fail")
	}
}

func TestChangesRequestedPredicate(t *testing.T) {
	if changesRequested(State{}) {
		t.Error("no approval means no changes requested")
	}
	if changesRequested(State{Approval: &Approval{Decision: DecisionApproved}}) {
		t.Error("approval is not a change request")
	}
	if !changesRequested(State{Approval: &Approval{Decision: DecisionRejected}}) {
		t.Error("rejection must request changes")
	}
}
