package graph

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/deepak-karkala/agentflow/bus"
	"github.com/deepak-karkala/agentflow/store"
)

// CheckpointStore is the slice of the persistence layer the engine needs.
// All three store backends satisfy it.
type CheckpointStore interface {
	PutCheckpoint(ctx context.Context, cp *store.Checkpoint) (string, error)
	LatestCheckpoint(ctx context.Context, threadID, namespace string) (*store.Checkpoint, error)
}

// ApplyFunc merges a node's delta into the state. It must not mutate prev;
// it returns the merged value.
type ApplyFunc[S any] func(prev S, delta Delta) S

// RunInfo identifies the workflow instance a run belongs to. WorkflowID is
// the public stream key; ThreadID keys the checkpoint chain.
type RunInfo struct {
	WorkflowID string
	ThreadID   string
}

// Result is the outcome of a run that did not fail.
type Result[S any] struct {
	// State is the state at return time.
	State S

	// Steps is how many nodes executed in this call.
	Steps int

	// Interrupted is true when the run paused before a human gate instead
	// of reaching End.
	Interrupted   bool
	InterruptNode string

	// CheckpointID is the thread tip at return time.
	CheckpointID string
}

// Engine executes workflow graphs with a checkpoint commit after every
// node. The checkpoint put is the atomic commit boundary: a step that did
// not reach its put never happened, so a retried job replays it against the
// same prior state.
//
// Type parameter S is the state type shared across the workflow.
type Engine[S any] struct {
	apply       ApplyFunc[S]
	checkpoints CheckpointStore
	cfg         engineConfig
}

// NewEngine creates an engine. apply defines how node deltas merge into S;
// checkpoints receives one put per executed node.
func NewEngine[S any](apply ApplyFunc[S], checkpoints CheckpointStore, opts ...Option) *Engine[S] {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Engine[S]{apply: apply, checkpoints: checkpoints, cfg: cfg}
}

// encodeState converts S to its checkpointable form via a JSON round trip.
// Works for any JSON-serializable state type.
func encodeState[S any](state S) (map[string]any, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal state: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state into document: %w", err)
	}
	return m, nil
}

// decodeState converts a checkpointed document back to S.
func decodeState[S any](doc map[string]any) (S, error) {
	var state S
	data, err := json.Marshal(doc)
	if err != nil {
		return state, fmt.Errorf("failed to marshal document: %w", err)
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return state, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	return state, nil
}

// Run executes g for the given workflow.
//
// A fresh thread starts at the graph's start node. A thread whose last
// checkpoint records an unexecuted successor (a crashed or cancelled run)
// continues at that successor with the committed state as-is; merging the
// initial input again would double-apply it. A finished thread starts a new
// pass from the start node with initial merged in as a delta, so
// conversation threads keep their history. Emits workflow-start, then per
// node: node-start, the node's own events, node-complete. The caller emits
// workflow-complete; that keeps run duration and workflow status
// transitions in one place.
func (e *Engine[S]) Run(ctx context.Context, g *Graph[S], run RunInfo, initial S, emit EmitFunc) (Result[S], error) {
	var zero Result[S]
	if err := g.Validate(); err != nil {
		return zero, err
	}
	emit = nonNil(emit)

	cur := initial
	parent := ""
	entry := g.Start()
	tip, err := e.checkpoints.LatestCheckpoint(ctx, run.ThreadID, "")
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return zero, fmt.Errorf("failed to load thread tip: %w", err)
	default:
		parent = tip.ID
		prev, err := decodeState[S](tip.State)
		if err != nil {
			return zero, &EngineError{Code: CodeStateCodec, Message: err.Error()}
		}
		cur = prev
		if next := resumePoint(tip.Metadata); next != "" {
			entry = next
		} else {
			overlay, err := encodeState(initial)
			if err != nil {
				return zero, &EngineError{Code: CodeStateCodec, Message: err.Error()}
			}
			if len(overlay) > 0 {
				cur = e.apply(prev, overlay)
			}
		}
	}

	emit(bus.KindWorkflowStart, map[string]any{"status": "running", "progress_percentage": 0})
	return e.loop(ctx, g, run, cur, parent, entry, "", emit)
}

// resumePoint returns the node an unfinished thread continues at: the
// recorded successor of the last committed step, or the boundary node of a
// cancelled run. Finished threads yield "".
func resumePoint(md map[string]any) string {
	if cancelled, _ := md["cancelled"].(bool); cancelled {
		node, _ := md["node"].(string)
		return node
	}
	next, _ := md["next"].(string)
	if next == End {
		return ""
	}
	return next
}

// Resume continues an interrupted thread. The tip checkpoint must be a
// pause record (it carries the gate in "next"); overlay is the approval
// payload merged into the state before the gate node runs. The gate is
// entered exactly once without re-interrupting.
func (e *Engine[S]) Resume(ctx context.Context, g *Graph[S], run RunInfo, overlay Delta, emit EmitFunc) (Result[S], error) {
	var zero Result[S]
	if err := g.Validate(); err != nil {
		return zero, err
	}
	emit = nonNil(emit)

	tip, err := e.checkpoints.LatestCheckpoint(ctx, run.ThreadID, "")
	if errors.Is(err, store.ErrNotFound) {
		return zero, &EngineError{Code: CodeNotInterrupted, Message: "thread has no checkpoints"}
	}
	if err != nil {
		return zero, fmt.Errorf("failed to load thread tip: %w", err)
	}
	gate, _ := tip.Metadata["next"].(string)
	awaiting, _ := tip.Metadata["awaiting_approval"].(bool)

	if !awaiting {
		// A retried resume lands here when the previous attempt crashed
		// after committing the approval (or a later step): the thread is
		// already moving again, so continue it instead of failing the job.
		next := resumePoint(tip.Metadata)
		if next == "" {
			return zero, &EngineError{Code: CodeNotInterrupted, Message: "thread is not awaiting approval"}
		}
		prev, err := decodeState[S](tip.State)
		if err != nil {
			return zero, &EngineError{Code: CodeStateCodec, Message: err.Error()}
		}
		skip := ""
		if src, _ := tip.Metadata["source"].(string); src == "resume" {
			skip = next
		}
		emit(bus.KindWorkflowResumed, map[string]any{"status": "running"})
		return e.loop(ctx, g, run, prev, tip.ID, next, skip, emit)
	}

	if gate == "" {
		return zero, &EngineError{Code: CodeNotInterrupted, Message: "thread is not awaiting approval"}
	}
	if _, ok := g.node(gate); !ok {
		return zero, &EngineError{Code: CodeNodeNotFound, Message: "interrupted node missing from graph: " + gate}
	}

	prev, err := decodeState[S](tip.State)
	if err != nil {
		return zero, &EngineError{Code: CodeStateCodec, Message: err.Error()}
	}
	cur := prev
	if len(overlay) > 0 {
		cur = e.apply(prev, overlay)
	}

	stateDoc, err := encodeState(cur)
	if err != nil {
		return zero, &EngineError{Code: CodeStateCodec, Message: err.Error()}
	}
	approval := &store.Checkpoint{
		ThreadID: run.ThreadID,
		ParentID: tip.ID,
		State:    stateDoc,
		Metadata: map[string]any{
			"source":            "resume",
			"next":              gate,
			"awaiting_approval": false,
		},
	}
	id, err := e.checkpoints.PutCheckpoint(ctx, approval)
	if err != nil {
		return zero, &EngineError{Code: CodeCheckpoint, Message: fmt.Sprintf("failed to commit approval: %v", err)}
	}
	e.incCheckpointPut()
	e.incResume()

	emit(bus.KindWorkflowResumed, map[string]any{"status": "running"})
	return e.loop(ctx, g, run, cur, id, gate, gate, emit)
}

// loop is the step machine shared by Run and Resume. parent is the thread
// tip the first put must build on; skipGate names the one node allowed
// through its interrupt check (the freshly approved gate).
func (e *Engine[S]) loop(ctx context.Context, g *Graph[S], run RunInfo, cur S, parent, current, skipGate string, emit EmitFunc) (Result[S], error) {
	var zero Result[S]
	steps := 0
	visits := make(map[string]int)
	ctx = withRunInfo(ctx, run)

	for current != End {
		// Cancellation is honored only at the step boundary so a
		// half-finished node never leaves a checkpoint behind.
		select {
		case <-ctx.Done():
			e.putCancelled(ctx, run, cur, parent, current, steps)
			return zero, ctx.Err()
		default:
		}

		if steps >= e.cfg.maxSteps {
			err := &EngineError{Code: CodeMaxSteps, Message: fmt.Sprintf("exceeded %d steps", e.cfg.maxSteps)}
			emit(bus.KindError, map[string]any{"error": err.Error()})
			return zero, err
		}

		node, ok := g.node(current)
		if !ok {
			return zero, &EngineError{Code: CodeNodeNotFound, Message: "route targets unknown node: " + current}
		}

		if g.isInterrupt(current) && current != skipGate && !e.cfg.autoApprove[current] {
			return e.pause(ctx, g, run, cur, parent, current, steps, emit)
		}
		skipGate = ""

		visits[current]++
		if visits[current] > e.cfg.maxVisits {
			err := &EngineError{
				Code:    CodeMaxRevisits,
				Message: fmt.Sprintf("node %s entered %d times, limit %d", current, visits[current], e.cfg.maxVisits),
			}
			emit(bus.KindError, map[string]any{"error": err.Error()})
			return zero, err
		}

		emit(bus.KindNodeStart, map[string]any{"node": current})
		stepCtx, span := e.cfg.tracer.Start(ctx, "node "+current)
		span.SetAttributes(
			attribute.String("workflow.id", run.WorkflowID),
			attribute.String("workflow.node", current),
			attribute.Int("workflow.step", steps),
		)
		e.nodeInflight(1)
		started := e.cfg.clock()

		delta, err := e.runNode(stepCtx, node, cur, emit)

		elapsed := e.cfg.clock().Sub(started)
		e.nodeInflight(-1)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			span.End()
			e.cfg.metrics.ObserveStep(current, "error", elapsed)
			emit(bus.KindError, map[string]any{"error": err.Error(), "node": current})
			return zero, &NodeError{NodeID: current, Message: err.Error(), Cause: err}
		}
		span.End()

		if len(delta) > 0 {
			cur = e.apply(cur, delta)
		}

		next, err := g.route(current, cur)
		if err != nil {
			emit(bus.KindError, map[string]any{"error": err.Error(), "node": current})
			return zero, err
		}

		stateDoc, err := encodeState(cur)
		if err != nil {
			return zero, &EngineError{Code: CodeStateCodec, Message: err.Error()}
		}
		cp := &store.Checkpoint{
			ThreadID: run.ThreadID,
			ParentID: parent,
			State:    stateDoc,
			Metadata: map[string]any{"step": steps, "node": current, "next": next},
		}
		id, err := e.checkpoints.PutCheckpoint(ctx, cp)
		if err != nil {
			msg := fmt.Sprintf("failed to commit step %d at node %s: %v", steps, current, err)
			emit(bus.KindError, map[string]any{"error": msg, "node": current})
			return zero, &EngineError{Code: CodeCheckpoint, Message: msg}
		}
		parent = id
		e.incCheckpointPut()

		completed := map[string]any{"node": current}
		if len(delta) > 0 {
			completed["outputs"] = delta
		}
		emit(bus.KindNodeComplete, completed)
		e.cfg.metrics.ObserveStep(current, "ok", elapsed)

		steps++
		current = next
	}

	return Result[S]{State: cur, Steps: steps, CheckpointID: parent}, nil
}

// pause persists the waiting checkpoint for a gate and reports the
// interruption.
func (e *Engine[S]) pause(ctx context.Context, g *Graph[S], run RunInfo, cur S, parent, gate string, steps int, emit EmitFunc) (Result[S], error) {
	var zero Result[S]
	stateDoc, err := encodeState(cur)
	if err != nil {
		return zero, &EngineError{Code: CodeStateCodec, Message: err.Error()}
	}
	cp := &store.Checkpoint{
		ThreadID: run.ThreadID,
		ParentID: parent,
		State:    stateDoc,
		Metadata: map[string]any{
			"next":              gate,
			"awaiting_approval": true,
			"gate":              g.gateLabel(gate),
			"step":              steps,
		},
	}
	id, err := e.checkpoints.PutCheckpoint(ctx, cp)
	if err != nil {
		msg := fmt.Sprintf("failed to commit pause before %s: %v", gate, err)
		emit(bus.KindError, map[string]any{"error": msg})
		return zero, &EngineError{Code: CodeCheckpoint, Message: msg}
	}
	e.incCheckpointPut()
	e.incInterrupt(gate)

	emit(bus.KindWorkflowPaused, map[string]any{
		"status":   "awaiting_human",
		"awaiting": g.gateLabel(gate),
	})
	return Result[S]{
		State:         cur,
		Steps:         steps,
		Interrupted:   true,
		InterruptNode: gate,
		CheckpointID:  id,
	}, nil
}

// putCancelled best-effort records that the run stopped at a cancellation
// boundary. The put uses a detached context because ctx is already done.
func (e *Engine[S]) putCancelled(ctx context.Context, run RunInfo, cur S, parent, current string, steps int) {
	stateDoc, err := encodeState(cur)
	if err != nil {
		return
	}
	cp := &store.Checkpoint{
		ThreadID: run.ThreadID,
		ParentID: parent,
		State:    stateDoc,
		Metadata: map[string]any{"cancelled": true, "node": current, "step": steps},
	}
	if _, err := e.checkpoints.PutCheckpoint(context.WithoutCancel(ctx), cp); err == nil {
		e.incCheckpointPut()
	}
}

// runNode executes one node with panic recovery and per-step reason-card
// deduplication. Panics become node errors so a misbehaving node takes the
// job failure path instead of the process down.
func (e *Engine[S]) runNode(ctx context.Context, n Node[S], state S, emit EmitFunc) (delta Delta, err error) {
	seen := make(map[string]bool)
	dedup := func(kind string, payload map[string]any) {
		if kind == bus.KindReasonCard {
			key := reasonKey(payload)
			if seen[key] {
				return
			}
			seen[key] = true
		}
		emit(kind, payload)
	}

	defer func() {
		if r := recover(); r != nil {
			delta = nil
			err = fmt.Errorf("node panicked: %v", r)
		}
	}()
	return n.Run(ctx, state, dedup)
}

// reasonKey fingerprints a reason card on the fields that define its
// identity. json.Marshal sorts map keys, so the digest is deterministic.
func reasonKey(payload map[string]any) string {
	identity := map[string]any{
		"agent":      payload["agent"],
		"node":       payload["node"],
		"trigger":    payload["trigger"],
		"inputs":     payload["inputs"],
		"outputs":    payload["outputs"],
		"confidence": payload["confidence"],
	}
	data, err := json.Marshal(identity)
	if err != nil {
		return fmt.Sprintf("raw:%v", identity)
	}
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

func nonNil(emit EmitFunc) EmitFunc {
	if emit == nil {
		return func(string, map[string]any) {}
	}
	return emit
}

func (e *Engine[S]) nodeInflight(d float64) {
	if e.cfg.metrics != nil {
		e.cfg.metrics.NodesInflight.Add(d)
	}
}

func (e *Engine[S]) incInterrupt(gate string) {
	if e.cfg.metrics != nil {
		e.cfg.metrics.Interrupts.WithLabelValues(gate).Inc()
	}
}

func (e *Engine[S]) incResume() {
	if e.cfg.metrics != nil {
		e.cfg.metrics.Resumes.Inc()
	}
}

func (e *Engine[S]) incCheckpointPut() {
	if e.cfg.metrics != nil {
		e.cfg.metrics.CheckpointPuts.Inc()
	}
}
