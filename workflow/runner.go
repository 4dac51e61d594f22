package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/deepak-karkala/agentflow/bus"
	"github.com/deepak-karkala/agentflow/graph"
	"github.com/deepak-karkala/agentflow/llm"
	"github.com/deepak-karkala/agentflow/metrics"
	"github.com/deepak-karkala/agentflow/store"
)

// Runner executes workflow graphs against the store and the event bus. It
// owns the glue the engine stays agnostic of: workflow status transitions,
// the audit copy of every emitted event, and topic lifecycle (one open
// topic per running workflow, closed with a terminal event).
//
// Both the synchronous chat endpoint and the job workers drive the same
// Runner, so a workflow behaves identically inline and queued.
type Runner struct {
	store     store.Store
	bus       *bus.Bus
	log       *zap.Logger
	engine    *graph.Engine[State]
	graph     *graph.Graph[State]
	graphType string
	clock     func() time.Time
}

// RunnerConfig assembles a Runner. Store and Bus are required.
type RunnerConfig struct {
	Store store.Store
	Bus   *bus.Bus

	// Logger defaults to a no-op logger.
	Logger *zap.Logger

	// Metrics, when set, is wired through to the engine.
	Metrics *metrics.Metrics

	// Model backs the LLM nodes. Nil runs every node on its heuristics
	// and disables the thin graph.
	Model llm.ChatModel

	// GraphType selects the topology, GraphThin or GraphFull. Empty means
	// full.
	GraphType string

	// AutoApproveGates lists gate nodes the engine passes without
	// pausing.
	AutoApproveGates []string

	// MaxSteps overrides the engine's per-run step budget when positive.
	MaxSteps int

	// TracerProvider enables a span per executed node.
	TracerProvider trace.TracerProvider
}

// Outcome reports how a run segment ended. A segment is one Execute or
// Resume call: it spans from (re)entry until End, a gate pause, or an
// error.
type Outcome struct {
	// Interrupted is true when the segment paused at a human gate.
	Interrupted   bool
	InterruptNode string

	// Steps is the number of nodes executed in this segment.
	Steps int

	// DurationMS is the wall time of the segment.
	DurationMS int64

	// State is the workflow state when the segment ended.
	State State

	// CheckpointID is the thread tip when the segment ended.
	CheckpointID string
}

// NewRunner validates the configuration and builds the graph and engine.
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("runner requires a store")
	}
	if cfg.Bus == nil {
		return nil, fmt.Errorf("runner requires an event bus")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	graphType := cfg.GraphType
	if graphType == "" {
		graphType = GraphFull
	}

	g, err := NewGraph(graphType, Deps{Model: cfg.Model, Artifacts: cfg.Store})
	if err != nil {
		return nil, err
	}

	opts := []graph.Option{}
	if cfg.Metrics != nil {
		opts = append(opts, graph.WithMetrics(cfg.Metrics))
	}
	if cfg.MaxSteps > 0 {
		opts = append(opts, graph.WithMaxSteps(cfg.MaxSteps))
	}
	if len(cfg.AutoApproveGates) > 0 {
		opts = append(opts, graph.WithAutoApprove(cfg.AutoApproveGates...))
	}
	if cfg.TracerProvider != nil {
		opts = append(opts, graph.WithTracerProvider(cfg.TracerProvider))
	}

	return &Runner{
		store:     cfg.Store,
		bus:       cfg.Bus,
		log:       logger,
		engine:    graph.NewEngine(Merge, cfg.Store, opts...),
		graph:     g,
		graphType: graphType,
		clock:     time.Now,
	}, nil
}

// GraphType returns the configured topology name.
func (r *Runner) GraphType() string { return r.graphType }

// NodeNames returns the graph's node names in insertion order.
func (r *Runner) NodeNames() []string { return r.graph.NodeNames() }

// Execute runs the workflow from its current thread state, merging initial
// in as the newest input. The run ends at End, at a gate pause, or with an
// error. Status transitions: active while running, then completed (topic
// closed with workflow-complete) or awaiting_human (topic stays open).
//
// An error leaves the workflow status untouched: the caller owns the retry
// decision and calls MarkFailed once retries are exhausted.
func (r *Runner) Execute(ctx context.Context, workflowID string, initial State) (Outcome, error) {
	wf, err := r.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to load workflow %s: %w", workflowID, err)
	}
	if err := r.markActive(ctx, wf); err != nil {
		return Outcome{}, err
	}

	start := r.clock()
	res, runErr := r.engine.Run(ctx, r.graph, graph.RunInfo{WorkflowID: wf.ID, ThreadID: wf.ThreadID}, initial, r.emitter(ctx, wf.ID))
	return r.finish(ctx, wf.ID, start, res, runErr)
}

// Resume continues an interrupted workflow with the approval payload
// merged into its state. A resume that arrives after the thread already
// finished (a retried job whose previous attempt crashed between the final
// checkpoint and job completion) finalizes the workflow instead of
// failing.
func (r *Runner) Resume(ctx context.Context, workflowID string, overlay graph.Delta) (Outcome, error) {
	wf, err := r.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to load workflow %s: %w", workflowID, err)
	}
	if err := r.markActive(ctx, wf); err != nil {
		return Outcome{}, err
	}

	start := r.clock()
	res, runErr := r.engine.Resume(ctx, r.graph, graph.RunInfo{WorkflowID: wf.ID, ThreadID: wf.ThreadID}, overlay, r.emitter(ctx, wf.ID))
	if runErr != nil && graph.IsCode(runErr, graph.CodeNotInterrupted) {
		if tip, terr := r.store.LatestCheckpoint(ctx, wf.ThreadID, ""); terr == nil {
			if st, derr := StateFromPayload(tip.State); derr == nil {
				r.log.Warn("resume found thread already finished, finalizing",
					zap.String("workflow_id", wf.ID))
				res = graph.Result[State]{State: st, CheckpointID: tip.ID}
				runErr = nil
			}
		}
	}
	return r.finish(ctx, wf.ID, start, res, runErr)
}

// ExecuteJob adapts Execute to a claimed ml_workflow job.
func (r *Runner) ExecuteJob(ctx context.Context, job *store.Job) error {
	initial, err := StateFromPayload(job.Payload)
	if err != nil {
		return fmt.Errorf("invalid job payload: %w", err)
	}
	_, err = r.Execute(ctx, job.WorkflowID, initial)
	return err
}

// ResumeJob adapts Resume to a claimed resume job; the payload is the
// approval overlay.
func (r *Runner) ResumeJob(ctx context.Context, job *store.Job) error {
	_, err := r.Resume(ctx, job.WorkflowID, graph.Delta(job.Payload))
	return err
}

// MarkFailed transitions the workflow to failed and closes its topic with
// a final error event. Callers invoke it exactly once, when no retry
// remains (or none is possible).
func (r *Runner) MarkFailed(ctx context.Context, workflowID string, cause error) {
	msg := "workflow failed"
	if cause != nil {
		msg = cause.Error()
	}
	if err := r.store.UpdateWorkflowStatus(ctx, workflowID, store.WorkflowFailed); err != nil && !errors.Is(err, store.ErrNotFound) {
		r.log.Error("failed to mark workflow failed",
			zap.String("workflow_id", workflowID), zap.Error(err))
	}
	payload := map[string]any{"error": msg}
	r.appendAudit(ctx, workflowID, bus.KindError, payload)
	r.bus.CloseTopic(workflowID, &bus.Event{Kind: bus.KindError, Payload: payload})
	r.log.Warn("workflow failed",
		zap.String("workflow_id", workflowID), zap.String("error", msg))
}

// markActive transitions a workflow (back) to active before a run segment.
func (r *Runner) markActive(ctx context.Context, wf *store.Workflow) error {
	if wf.Status == store.WorkflowActive {
		return nil
	}
	if err := r.store.UpdateWorkflowStatus(ctx, wf.ID, store.WorkflowActive); err != nil {
		return fmt.Errorf("failed to mark workflow %s active: %w", wf.ID, err)
	}
	return nil
}

// finish maps an engine result onto workflow status and topic lifecycle.
func (r *Runner) finish(ctx context.Context, workflowID string, start time.Time, res graph.Result[State], runErr error) (Outcome, error) {
	duration := r.clock().Sub(start)
	if runErr != nil {
		return Outcome{}, runErr
	}

	out := Outcome{
		Interrupted:   res.Interrupted,
		InterruptNode: res.InterruptNode,
		Steps:         res.Steps,
		DurationMS:    duration.Milliseconds(),
		State:         res.State,
		CheckpointID:  res.CheckpointID,
	}

	if res.Interrupted {
		// A failure here fails the job; the retry re-pauses at the same
		// gate and converges.
		if err := r.store.UpdateWorkflowStatus(ctx, workflowID, store.WorkflowAwaitingHuman); err != nil {
			return out, fmt.Errorf("failed to mark workflow awaiting approval: %w", err)
		}
		r.log.Info("workflow paused at gate",
			zap.String("workflow_id", workflowID),
			zap.String("gate", res.InterruptNode),
			zap.Int("steps", res.Steps))
		return out, nil
	}

	// The thread reached End; re-running it to fix a status row would
	// double-apply the conversation, so finalization failures are logged
	// and the result stands.
	if err := r.store.UpdateWorkflowStatus(ctx, workflowID, store.WorkflowCompleted); err != nil {
		r.log.Error("failed to mark workflow completed",
			zap.String("workflow_id", workflowID), zap.Error(err))
	}
	payload := map[string]any{"status": "completed", "duration_ms": out.DurationMS}
	r.appendAudit(ctx, workflowID, bus.KindWorkflowComplete, payload)
	r.bus.CloseTopic(workflowID, &bus.Event{Kind: bus.KindWorkflowComplete, Payload: payload})
	r.log.Info("workflow completed",
		zap.String("workflow_id", workflowID),
		zap.Int("steps", res.Steps),
		zap.Int64("duration_ms", out.DurationMS))
	return out, nil
}

// emitter fans every engine event out to the bus and the audit log.
func (r *Runner) emitter(ctx context.Context, workflowID string) graph.EmitFunc {
	return func(kind string, payload map[string]any) {
		r.bus.Publish(workflowID, bus.Event{Kind: kind, Payload: payload})
		r.appendAudit(ctx, workflowID, kind, payload)
	}
}

// appendAudit writes the durable copy of an emitted event. Audit writes
// survive run cancellation, and a failed write never fails the run.
func (r *Runner) appendAudit(ctx context.Context, workflowID, kind string, payload map[string]any) {
	e := &store.Event{WorkflowID: workflowID, Kind: kind, Payload: payload}
	if err := r.store.AppendEvent(context.WithoutCancel(ctx), e); err != nil {
		r.log.Warn("event audit append failed",
			zap.String("workflow_id", workflowID),
			zap.String("kind", kind),
			zap.Error(err))
	}
}
