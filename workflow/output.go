package workflow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/deepak-karkala/agentflow/graph"
	"github.com/deepak-karkala/agentflow/llm"
	"github.com/deepak-karkala/agentflow/store"
)

// CodegenNode renders the approved plan into a terraform-style bundle. The
// rendering is deterministic: the same plan always produces the same files,
// so the persisted bundle hash is stable across retries.
type CodegenNode struct{}

// Run implements graph.Node.
func (n *CodegenNode) Run(ctx context.Context, s State, emit graph.EmitFunc) (graph.Delta, error) {
	if s.Plan == nil {
		return nil, fmt.Errorf("no plan to generate from")
	}

	files := renderBundle(s.Plan)
	reasonCard{
		Agent:      "codegen",
		Node:       NodeCodegen,
		Reasoning:  fmt.Sprintf("rendered %d files from the approved plan", len(files)),
		Decision:   "bundle generated",
		Confidence: 1.0,
		Inputs:     map[string]any{"plan": s.Plan},
		Outputs:    map[string]any{"files": filePaths(files)},
		Category:   "generation",
		Priority:   "medium",
	}.emit(emit)

	return graph.Delta{"generated_files": files}, nil
}

func filePaths(files []GeneratedFile) []string {
	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.Path
	}
	return out
}

func renderBundle(plan *Plan) []GeneratedFile {
	mainTF := fmt.Sprintf(`terraform {
  required_version = ">= 1.5.0"
}

provider "cloud" {
  region = var.region
}

module "compute" {
  source = "./modules/%s"
  region = var.region
}

module "orchestrator" {
  source     = "./modules/%s"
  depends_on = [module.compute]
}

module "registry" {
  source = "./modules/%s"
}
`, plan.Compute, plan.Orchestrator, plan.Registry)

	variablesTF := fmt.Sprintf(`variable "region" {
  type        = string
  default     = %q
  description = "Deployment region for every module"
}

variable "monthly_budget_usd" {
  type        = number
  default     = %.0f
  description = "Approved monthly spend ceiling"
}
`, plan.Region, plan.MonthlyCostUSD)

	servingTF := fmt.Sprintf(`module "serving" {
  source     = "./modules/%s"
  region     = var.region
  depends_on = [module.registry]
}
`, plan.Serving)

	monitoringTF := fmt.Sprintf(`module "monitoring" {
  source = "./modules/%s"
  region = var.region

  watch = [
    module.compute,
    module.serving,
  ]
}
`, plan.Monitoring)

	return []GeneratedFile{
		{Path: "main.tf", Content: mainTF},
		{Path: "variables.tf", Content: variablesTF},
		{Path: "serving.tf", Content: servingTF},
		{Path: "monitoring.tf", Content: monitoringTF},
	}
}

// ValidatorsNode runs static checks over the generated bundle. Failed
// checks are recorded as results, not node errors: a human reads them in
// the rationale, and the bundle still persists for inspection.
type ValidatorsNode struct{}

// Run implements graph.Node.
func (n *ValidatorsNode) Run(ctx context.Context, s State, emit graph.EmitFunc) (graph.Delta, error) {
	if len(s.GeneratedFiles) == 0 {
		return nil, fmt.Errorf("no generated files to validate")
	}

	var results []ValidationResult
	for _, f := range s.GeneratedFiles {
		results = append(results, checkFile(f)...)
	}
	results = append(results, checkBundle(s)...)

	passed := 0
	for _, r := range results {
		if r.Passed {
			passed++
		}
	}
	priority := "low"
	if passed < len(results) {
		priority = "high"
	}
	reasonCard{
		Agent:      "validators",
		Node:       NodeValidators,
		Reasoning:  fmt.Sprintf("%d of %d checks passed", passed, len(results)),
		Decision:   "validation recorded",
		Confidence: 1.0,
		Inputs:     map[string]any{"files": filePaths(s.GeneratedFiles)},
		Outputs:    map[string]any{"results": results},
		Category:   "validation",
		Priority:   priority,
	}.emit(emit)

	return graph.Delta{"validation_results": results}, nil
}

func checkFile(f GeneratedFile) []ValidationResult {
	var out []ValidationResult

	nonEmpty := strings.TrimSpace(f.Content) != ""
	out = append(out, ValidationResult{
		Check:   "non_empty",
		Path:    f.Path,
		Passed:  nonEmpty,
		Message: checkMessage(nonEmpty, "file has content", "file is empty"),
	})

	balanced := strings.Count(f.Content, "{") == strings.Count(f.Content, "}")
	out = append(out, ValidationResult{
		Check:   "balanced_braces",
		Path:    f.Path,
		Passed:  balanced,
		Message: checkMessage(balanced, "braces balance", "unbalanced braces"),
	})

	return out
}

func checkBundle(s State) []ValidationResult {
	joined := ""
	for _, f := range s.GeneratedFiles {
		joined += f.Content
	}

	var out []ValidationResult
	pinned := s.Plan != nil && strings.Contains(joined, fmt.Sprintf("%q", s.Plan.Region))
	out = append(out, ValidationResult{
		Check:   "region_pinned",
		Passed:  pinned,
		Message: checkMessage(pinned, "bundle pins the plan region", "bundle does not pin the plan region"),
	})

	hasServing := strings.Contains(joined, `module "serving"`)
	out = append(out, ValidationResult{
		Check:   "has_serving",
		Passed:  hasServing,
		Message: checkMessage(hasServing, "serving module present", "serving module missing"),
	})

	hasMonitoring := strings.Contains(joined, `module "monitoring"`)
	out = append(out, ValidationResult{
		Check:   "has_monitoring",
		Passed:  hasMonitoring,
		Message: checkMessage(hasMonitoring, "monitoring module present", "monitoring module missing"),
	})
	return out
}

func checkMessage(passed bool, ok, fail string) string {
	if passed {
		return ok
	}
	return fail
}

// RationaleCompileNode assembles the decision narrative from the plan, the
// reviewer findings, the policy verdict, and the validation results. A real
// model writes the prose; the fallback is a structured plain-text digest.
type RationaleCompileNode struct {
	Model llm.ChatModel
}

// Run implements graph.Node.
func (n *RationaleCompileNode) Run(ctx context.Context, s State, emit graph.EmitFunc) (graph.Delta, error) {
	digest := rationaleDigest(s)

	rationale := n.modelRationale(ctx, digest)
	source := "model"
	if rationale == "" {
		rationale = digest
		source = "digest"
	}

	reasonCard{
		Agent:      "rationale",
		Node:       NodeRationaleCompile,
		Reasoning:  fmt.Sprintf("compiled %s rationale from %d tech and %d cost findings", source, len(s.TechFindings), len(s.CostFindings)),
		Decision:   "rationale compiled",
		Confidence: 0.9,
		Outputs:    map[string]any{"rationale": rationale},
		Category:   "reporting",
		Priority:   "low",
	}.emit(emit)

	return graph.Delta{"rationale": rationale}, nil
}

func (n *RationaleCompileNode) modelRationale(ctx context.Context, digest string) string {
	const system = "You summarize ML infrastructure decisions for an engineering audience. " +
		"Write a short narrative rationale from the digest. Keep every number exactly as given."
	return strings.TrimSpace(chatText(ctx, n.Model, system, digest))
}

func rationaleDigest(s State) string {
	var b strings.Builder
	b.WriteString("Decision rationale\n")
	if s.Plan != nil {
		fmt.Fprintf(&b, "Plan: %s\n", s.Plan.Summary)
	}
	fmt.Fprintf(&b, "Requirement coverage: %.0f%%", s.CoverageScore*100)
	if s.Revisions > 0 {
		fmt.Fprintf(&b, " after %d revisions", s.Revisions)
	}
	b.WriteString("\n")

	writeFindings := func(label string, findings []Finding) {
		if len(findings) == 0 {
			return
		}
		fmt.Fprintf(&b, "%s (%d):\n", label, len(findings))
		for _, f := range findings {
			fmt.Fprintf(&b, "  - [%s] %s\n", f.Severity, f.Message)
		}
	}
	writeFindings("Technical findings", s.TechFindings)
	writeFindings("Cost findings", s.CostFindings)

	if s.Policy != nil {
		fmt.Fprintf(&b, "Policy verdict: %s\n", s.Policy.Verdict)
		for _, v := range s.Policy.Violations {
			fmt.Fprintf(&b, "  - violation: %s\n", v)
		}
	}
	if len(s.ValidationResults) > 0 {
		passed := 0
		for _, r := range s.ValidationResults {
			if r.Passed {
				passed++
			}
		}
		fmt.Fprintf(&b, "Validation: %d/%d checks passed\n", passed, len(s.ValidationResults))
		for _, r := range s.ValidationResults {
			if !r.Passed {
				fmt.Fprintf(&b, "  - failed %s: %s\n", r.Check, r.Message)
			}
		}
	}
	return b.String()
}

// DiffAndPersistNode content-hashes the bundle, records it as an artifact,
// and summarizes what changed against the previous revision. It is the only
// node with a side effect outside the checkpoint, so the hash is
// deterministic: a retried step records the same artifact content.
type DiffAndPersistNode struct {
	Artifacts store.Artifacts
}

// Run implements graph.Node.
func (n *DiffAndPersistNode) Run(ctx context.Context, s State, emit graph.EmitFunc) (graph.Delta, error) {
	if len(s.GeneratedFiles) == 0 {
		return nil, fmt.Errorf("no generated files to persist")
	}

	hash, size := bundleDigest(s.GeneratedFiles)
	summary := fmt.Sprintf("%d files, %d bytes, sha256:%s", len(s.GeneratedFiles), size, hash[:12])

	artifactIDs := append([]string(nil), s.ArtifactIDs...)
	if n.Artifacts != nil {
		run, ok := graph.RunInfoFromContext(ctx)
		if !ok {
			return nil, fmt.Errorf("run identity missing from context")
		}

		prev, err := n.Artifacts.ListArtifacts(ctx, run.WorkflowID)
		if err != nil {
			return nil, fmt.Errorf("failed to list previous artifacts: %w", err)
		}
		switch {
		case len(prev) == 0:
			summary += " (initial revision)"
		case prev[len(prev)-1].ContentHash == hash:
			summary += " (unchanged from previous revision)"
		default:
			summary += fmt.Sprintf(" (revision %d, content changed)", len(prev)+1)
		}

		artifact := &store.Artifact{
			WorkflowID:  run.WorkflowID,
			Kind:        "terraform_bundle",
			URI:         "bundle://" + run.WorkflowID + "/" + hash[:12],
			ContentHash: hash,
			SizeBytes:   size,
			Metadata: map[string]any{
				"files": filePaths(s.GeneratedFiles),
			},
		}
		if err := n.Artifacts.AddArtifact(ctx, artifact); err != nil {
			return nil, fmt.Errorf("failed to persist bundle artifact: %w", err)
		}
		artifactIDs = append(artifactIDs, artifact.ID)
	}

	reasonCard{
		Agent:      "persist",
		Node:       NodeDiffAndPersist,
		Reasoning:  summary,
		Decision:   "bundle persisted",
		Confidence: 1.0,
		Inputs:     map[string]any{"files": filePaths(s.GeneratedFiles)},
		Outputs:    map[string]any{"content_hash": hash, "size_bytes": size},
		Category:   "persistence",
		Priority:   "medium",
	}.emit(emit)

	return graph.Delta{
		"diff_summary": summary,
		"artifact_ids": artifactIDs,
	}, nil
}

// bundleDigest hashes path and content of every file in path order, so the
// digest does not depend on generation order.
func bundleDigest(files []GeneratedFile) (string, int64) {
	sorted := append([]GeneratedFile(nil), files...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	h := sha256.New()
	var size int64
	for _, f := range sorted {
		h.Write([]byte(f.Path))
		h.Write([]byte{0})
		h.Write([]byte(f.Content))
		h.Write([]byte{0})
		size += int64(len(f.Content))
	}
	return hex.EncodeToString(h.Sum(nil)), size
}
