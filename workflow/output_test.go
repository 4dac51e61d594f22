package workflow

import (
	"context"
	"strings"
	"testing"

	"github.com/deepak-karkala/agentflow/llm"
)

func testPlan() *Plan {
	return &Plan{
		Compute:        "managed_autoscale_cpu",
		Orchestrator:   "managed_airflow",
		Registry:       "mlflow",
		Serving:        "batch_scoring",
		Monitoring:     "prometheus_grafana",
		Region:         "us-east-1",
		MonthlyCostUSD: 1050,
		Summary:        "cpu stack with batch scoring in us-east-1",
	}
}

func TestCodegenRendersBundle(t *testing.T) {
	delta, err := (&CodegenNode{}).Run(context.Background(), State{Plan: testPlan()}, (&capture{}).emit)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	files := delta["generated_files"].([]GeneratedFile)
	if len(files) != 4 {
		t.Fatalf("expected 4 files, got %d", len(files))
	}

	byPath := map[string]string{}
	for _, f := range files {
		byPath[f.Path] = f.Content
	}
	if !strings.Contains(byPath["main.tf"], "modules/managed_autoscale_cpu") {
		t.Error("main.tf missing the compute module")
	}
	if !strings.Contains(byPath["variables.tf"], `"us-east-1"`) {
		t.Error("variables.tf must pin the region")
	}
	if !strings.Contains(byPath["serving.tf"], "modules/batch_scoring") {
		t.Error("serving.tf missing the serving module")
	}
	if !strings.Contains(byPath["monitoring.tf"], "modules/prometheus_grafana") {
		t.Error("monitoring.tf missing the monitoring module")
	}
}

func TestCodegenIsDeterministic(t *testing.T) {
	a := renderBundle(testPlan())
	b := renderBundle(testPlan())
	hashA, _ := bundleDigest(a)
	hashB, _ := bundleDigest(b)
	if hashA != hashB {
		t.Error("same plan must render the same bundle")
	}
}

func TestValidatorsPassOnRenderedBundle(t *testing.T) {
	s := State{Plan: testPlan(), GeneratedFiles: renderBundle(testPlan())}

	delta, err := (&ValidatorsNode{}).Run(context.Background(), s, (&capture{}).emit)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	for _, r := range delta["validation_results"].([]ValidationResult) {
		if !r.Passed {
			t.Errorf("check %s failed unexpectedly: %s", r.Check, r.Message)
		}
	}
}

func TestValidatorsRecordFailuresWithoutError(t *testing.T) {
	files := renderBundle(testPlan())
	files[0].Content += "\nresource \"broken\" {" // unbalanced brace

	s := State{Plan: testPlan(), GeneratedFiles: files}
	delta, err := (&ValidatorsNode{}).Run(context.Background(), s, (&capture{}).emit)
	if err != nil {
		t.Fatalf("validation failures are findings, not errors: %v", err)
	}

	failed := 0
	for _, r := range delta["validation_results"].([]ValidationResult) {
		if !r.Passed {
			failed++
			if r.Check != "balanced_braces" {
				t.Errorf("unexpected failing check: %+v", r)
			}
		}
	}
	if failed != 1 {
		t.Errorf("expected exactly one failed check, got %d", failed)
	}
}

func TestRationaleDigest(t *testing.T) {
	s := State{
		Plan:          testPlan(),
		CoverageScore: 1.0,
		Revisions:     1,
		TechFindings:  []Finding{{Agent: "critic_tech", Severity: SeverityHigh, Message: "serving mismatch"}},
		CostFindings:  []Finding{{Agent: "critic_cost", Severity: SeverityInfo, Message: "fits budget"}},
		Policy:        &PolicyResult{Verdict: VerdictPass},
		ValidationResults: []ValidationResult{
			{Check: "non_empty", Passed: true},
			{Check: "region_pinned", Passed: false, Message: "bundle does not pin the plan region"},
		},
	}

	digest := rationaleDigest(s)
	for _, want := range []string{
		"cpu stack with batch scoring",
		"after 1 revisions",
		"serving mismatch",
		"fits budget",
		"Policy verdict: pass",
		"1/2 checks passed",
		"region_pinned",
	} {
		if !strings.Contains(digest, want) {
			t.Errorf("digest missing %q:\n%s", want, digest)
		}
	}
}

func TestRationaleCompileUsesDigestWithoutModel(t *testing.T) {
	s := State{Plan: testPlan(), CoverageScore: 1.0}
	delta, err := (&RationaleCompileNode{Model: &llm.Mock{}}).Run(context.Background(), s, (&capture{}).emit)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	rationale := delta["rationale"].(string)
	if !strings.Contains(rationale, "Decision rationale") {
		t.Errorf("expected the digest fallback, got %q", rationale)
	}
}

func TestBundleDigestIsOrderIndependent(t *testing.T) {
	files := []GeneratedFile{
		{Path: "a.tf", Content: "aaa"},
		{Path: "b.tf", Content: "bbb"},
	}
	reversed := []GeneratedFile{files[1], files[0]}

	h1, size := bundleDigest(files)
	h2, _ := bundleDigest(reversed)
	if h1 != h2 {
		t.Error("digest must not depend on generation order")
	}
	if size != 6 {
		t.Errorf("size = %d, want 6", size)
	}

	h3, _ := bundleDigest([]GeneratedFile{
		{Path: "a.tf", Content: "aaa"},
		{Path: "b.tf", Content: "changed"},
	})
	if h3 == h1 {
		t.Error("digest must change with content")
	}
}

func TestDiffAndPersistWithoutArtifactStore(t *testing.T) {
	s := State{GeneratedFiles: renderBundle(testPlan())}
	cap := &capture{}

	delta, err := (&DiffAndPersistNode{}).Run(context.Background(), s, cap.emit)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	summary := delta["diff_summary"].(string)
	if !strings.Contains(summary, "4 files") || !strings.Contains(summary, "sha256:") {
		t.Errorf("unexpected summary: %q", summary)
	}
	if cap.count("reason-card") != 1 {
		t.Error("persist must explain itself with a reason card")
	}
}

func TestCallLLM(t *testing.T) {
	conversation := []llm.Message{{Role: llm.RoleUser, Content: "plan a training cluster"}}

	t.Run("appends the model reply", func(t *testing.T) {
		node := &CallLLMNode{Model: &llm.Mock{Responses: []llm.ChatOut{{Text: "Use two GPU nodes.", Model: "mock-1"}}}}
		delta, err := node.Run(context.Background(), State{Messages: conversation}, (&capture{}).emit)
		if err != nil {
			t.Fatalf("run failed: %v", err)
		}
		msgs := delta["messages"].([]llm.Message)
		if len(msgs) != 1 || msgs[0].Role != llm.RoleAssistant || msgs[0].Content != "Use two GPU nodes." {
			t.Errorf("unexpected delta messages: %+v", msgs)
		}
	})

	t.Run("acknowledges when the mock is silent", func(t *testing.T) {
		node := &CallLLMNode{Model: &llm.Mock{}}
		delta, err := node.Run(context.Background(), State{Messages: conversation}, (&capture{}).emit)
		if err != nil {
			t.Fatalf("run failed: %v", err)
		}
		msgs := delta["messages"].([]llm.Message)
		if !strings.Contains(msgs[0].Content, "plan a training cluster") {
			t.Errorf("ack should quote the request: %q", msgs[0].Content)
		}
	})

	t.Run("provider errors fail the node", func(t *testing.T) {
		node := &CallLLMNode{Model: &llm.Mock{Err: context.DeadlineExceeded}}
		if _, err := node.Run(context.Background(), State{Messages: conversation}, (&capture{}).emit); err == nil {
			t.Fatal("expected an error")
		}
	})

	t.Run("requires a model", func(t *testing.T) {
		node := &CallLLMNode{}
		if _, err := node.Run(context.Background(), State{Messages: conversation}, (&capture{}).emit); err == nil {
			t.Fatal("expected an error")
		}
	})
}
