package graph

// Predicate evaluates state to decide whether a conditional edge is taken.
// Predicates should be pure: deterministic and side-effect free, because the
// engine may evaluate them more than once across resume boundaries.
type Predicate[S any] func(state S) bool

type condEdge[S any] struct {
	to   string
	when Predicate[S]
}

// Graph is a workflow topology: named nodes, one start node, and edges.
//
// Routing from a node tries its conditional edges in registration order and
// takes the first whose predicate matches; otherwise the node's
// unconditional edge is taken. Loops are expressed as ordinary edges back to
// an earlier node; the engine bounds how often a node may be re-entered.
//
// Construction methods record problems instead of returning them; Validate
// surfaces the first one. This keeps graph definitions readable:
//
//	g := graph.New[State]()
//	g.Add("plan", planNode)
//	g.Add("apply", applyNode)
//	g.StartAt("plan")
//	g.Connect("plan", "apply")
//	g.Connect("apply", graph.End)
//	if err := g.Validate(); err != nil { ... }
type Graph[S any] struct {
	nodes      map[string]Node[S]
	order      []string
	start      string
	cond       map[string][]condEdge[S]
	uncond     map[string]string
	interrupts map[string]bool
	gateLabels map[string]string
	err        *EngineError
}

// New creates an empty graph.
func New[S any]() *Graph[S] {
	return &Graph[S]{
		nodes:      make(map[string]Node[S]),
		cond:       make(map[string][]condEdge[S]),
		uncond:     make(map[string]string),
		interrupts: make(map[string]bool),
		gateLabels: make(map[string]string),
	}
}

func (g *Graph[S]) fail(code, message string) {
	if g.err == nil {
		g.err = &EngineError{Code: code, Message: message}
	}
}

// Add registers a node under a unique name.
func (g *Graph[S]) Add(name string, n Node[S]) {
	if name == "" || name == End {
		g.fail(CodeInvalidGraph, "node name is empty or reserved")
		return
	}
	if n == nil {
		g.fail(CodeInvalidGraph, "node is nil: "+name)
		return
	}
	if _, exists := g.nodes[name]; exists {
		g.fail(CodeDuplicateNode, "duplicate node: "+name)
		return
	}
	g.nodes[name] = n
	g.order = append(g.order, name)
}

// StartAt sets the entry node.
func (g *Graph[S]) StartAt(name string) {
	if _, exists := g.nodes[name]; !exists {
		g.fail(CodeNodeNotFound, "start node does not exist: "+name)
		return
	}
	g.start = name
}

// Connect adds the unconditional edge out of from. Each node has at most
// one; it is the fallback when no conditional edge matches. to may be End.
func (g *Graph[S]) Connect(from, to string) {
	if _, exists := g.uncond[from]; exists {
		g.fail(CodeInvalidGraph, "duplicate unconditional edge from: "+from)
		return
	}
	g.uncond[from] = to
}

// ConnectWhen adds a conditional edge out of from, tried before the
// unconditional edge. Among conditional edges, registration order decides
// and the first match wins.
func (g *Graph[S]) ConnectWhen(from, to string, when Predicate[S]) {
	if when == nil {
		g.fail(CodeInvalidGraph, "conditional edge without predicate from: "+from)
		return
	}
	g.cond[from] = append(g.cond[from], condEdge[S]{to: to, when: when})
}

// InterruptBefore marks nodes as human gates: the engine pauses the run
// before entering them.
func (g *Graph[S]) InterruptBefore(names ...string) {
	for _, name := range names {
		g.interrupts[name] = true
	}
}

// GateLabel sets the short label reported while paused before the gate
// ("input", "final"). Defaults to the node name.
func (g *Graph[S]) GateLabel(name, label string) {
	g.gateLabels[name] = label
}

// Validate checks the topology: a start node is set, every edge endpoint
// exists, every node can route somewhere, and interrupts name real nodes.
func (g *Graph[S]) Validate() error {
	if g.err != nil {
		return g.err
	}
	if g.start == "" {
		return &EngineError{Code: CodeInvalidGraph, Message: "no start node set"}
	}

	checkTarget := func(from, to string) error {
		if to == End {
			return nil
		}
		if _, exists := g.nodes[to]; !exists {
			return &EngineError{Code: CodeNodeNotFound, Message: "edge " + from + " -> " + to + " targets unknown node"}
		}
		return nil
	}

	for from, to := range g.uncond {
		if _, exists := g.nodes[from]; !exists {
			return &EngineError{Code: CodeNodeNotFound, Message: "edge from unknown node: " + from}
		}
		if err := checkTarget(from, to); err != nil {
			return err
		}
	}
	for from, edges := range g.cond {
		if _, exists := g.nodes[from]; !exists {
			return &EngineError{Code: CodeNodeNotFound, Message: "edge from unknown node: " + from}
		}
		for _, e := range edges {
			if err := checkTarget(from, e.to); err != nil {
				return err
			}
		}
	}
	for _, name := range g.order {
		if _, ok := g.uncond[name]; !ok && len(g.cond[name]) == 0 {
			return &EngineError{Code: CodeInvalidGraph, Message: "node has no outgoing edge: " + name}
		}
	}
	for name := range g.interrupts {
		if _, exists := g.nodes[name]; !exists {
			return &EngineError{Code: CodeNodeNotFound, Message: "interrupt names unknown node: " + name}
		}
	}
	return nil
}

// NodeNames returns node names in registration order.
func (g *Graph[S]) NodeNames() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// Start returns the entry node name.
func (g *Graph[S]) Start() string { return g.start }

// node returns the named node.
func (g *Graph[S]) node(name string) (Node[S], bool) {
	n, ok := g.nodes[name]
	return n, ok
}

// route resolves the next hop out of from for the given state.
func (g *Graph[S]) route(from string, state S) (string, error) {
	for _, e := range g.cond[from] {
		if e.when(state) {
			return e.to, nil
		}
	}
	if to, ok := g.uncond[from]; ok {
		return to, nil
	}
	return "", &EngineError{Code: CodeNoRoute, Message: "no route out of node: " + from}
}

// isInterrupt reports whether the node is a human gate.
func (g *Graph[S]) isInterrupt(name string) bool { return g.interrupts[name] }

// gateLabel returns the pause label for a gate.
func (g *Graph[S]) gateLabel(name string) string {
	if l, ok := g.gateLabels[name]; ok {
		return l
	}
	return name
}
