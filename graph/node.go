// Package graph provides the durable workflow execution engine.
//
// A Graph describes nodes and routing; an Engine walks it one node at a
// time, committing a checkpoint after every step so a crashed or paused run
// continues from its last committed state. Human-in-the-loop gates are
// modeled as interrupt points: the engine persists "waiting" state and
// returns, and a later Resume call re-enters the graph at the gate with the
// approval merged in.
package graph

import "context"

// End is the terminal routing target. Connecting a node to End makes it a
// finishing node.
const End = "__end__"

// Delta is a partial state update produced by a node. Keys are applied onto
// the state by the engine's ApplyFunc; how a key merges (replace, append)
// is the state type's business.
type Delta = map[string]any

// EmitFunc publishes a workflow event. The engine supplies one to every
// node; implementations must not block.
type EmitFunc func(kind string, payload map[string]any)

// Node is a processing unit in the workflow graph. It receives the current
// state, may emit events, and returns a Delta describing its state changes.
//
// Nodes must not mutate the state argument; all changes travel through the
// returned Delta so the engine controls exactly what each checkpoint
// contains.
type Node[S any] interface {
	Run(ctx context.Context, state S, emit EmitFunc) (Delta, error)
}

// NodeFunc adapts a function to the Node interface.
type NodeFunc[S any] func(ctx context.Context, state S, emit EmitFunc) (Delta, error)

// Run implements Node.
func (f NodeFunc[S]) Run(ctx context.Context, state S, emit EmitFunc) (Delta, error) {
	return f(ctx, state, emit)
}

// NodeError is a structured error from node execution.
type NodeError struct {
	// Message is the human-readable error description.
	Message string

	// NodeID identifies which node produced this error.
	NodeID string

	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *NodeError) Error() string {
	if e.NodeID != "" {
		return "node " + e.NodeID + ": " + e.Message
	}
	return e.Message
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *NodeError) Unwrap() error {
	return e.Cause
}
