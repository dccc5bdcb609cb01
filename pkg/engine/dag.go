package engine

import (
	"container/heap"
	"fmt"
	"strings"
)

// GraphNode is one definition in a built graph.
type GraphNode struct {
	// Definition is the (merged) definition for this node.
	Definition Definition

	// Position is the index of the node in the graph's topological order.
	Position int

	// Declared is the index of the node's first declaration in the builder input.
	Declared int

	// Level is the execution level. Roots are level 0; every other node sits one level
	// above its deepest dependency.
	Level int

	// Dependencies are the nodes this node depends on, in declaration order.
	Dependencies []Ref

	// Dependents are the nodes that depend on this node, in declaration order.
	Dependents []Ref
}

// Ref returns the node identity.
func (n *GraphNode) Ref() Ref {
	return n.Definition.Ref()
}

// Graph is a validated, acyclic dependency graph in stable topological order.
// A Graph is immutable once built.
type Graph struct {
	nodes    []*GraphNode
	declared []*GraphNode
	index    map[Ref]*GraphNode
	levels   [][]Ref
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	return len(g.nodes)
}

// Nodes returns the nodes in topological order.
func (g *Graph) Nodes() []*GraphNode {
	return append([]*GraphNode(nil), g.nodes...)
}

// Order returns the definitions in topological order. Every dependency appears before its
// dependents; ties are broken by declaration order.
func (g *Graph) Order() []Definition {
	out := make([]Definition, len(g.nodes))
	for i, n := range g.nodes {
		out[i] = n.Definition
	}
	return out
}

// Definitions returns the definitions in declaration order, with duplicates merged.
func (g *Graph) Definitions() []Definition {
	out := make([]Definition, len(g.declared))
	for i, n := range g.declared {
		out[i] = n.Definition
	}
	return out
}

// Node looks up a node by reference.
func (g *Graph) Node(ref Ref) (*GraphNode, bool) {
	n, ok := g.index[ref]
	return n, ok
}

// Levels returns the references grouped by execution level.
// Nodes within one level have no dependency relationship with each other.
func (g *Graph) Levels() [][]Ref {
	out := make([][]Ref, len(g.levels))
	for i, level := range g.levels {
		out[i] = append([]Ref(nil), level...)
	}
	return out
}

// Depth returns the number of execution levels.
func (g *Graph) Depth() int {
	return len(g.levels)
}

// Roots returns the nodes without dependencies, in declaration order.
func (g *Graph) Roots() []Ref {
	if len(g.levels) == 0 {
		return nil
	}
	return append([]Ref(nil), g.levels[0]...)
}

// Types returns the distinct resource types in declaration order.
func (g *Graph) Types() []string {
	seen := make(map[string]bool)
	var types []string
	for _, n := range g.declared {
		if !seen[n.Definition.Type] {
			seen[n.Definition.Type] = true
			types = append(types, n.Definition.Type)
		}
	}
	return types
}

// TransitiveDependents returns every node that depends on ref directly or indirectly,
// in topological order.
func (g *Graph) TransitiveDependents(ref Ref) []Ref {
	start, ok := g.index[ref]
	if !ok {
		return nil
	}

	reached := make(map[Ref]bool)
	stack := append([]Ref(nil), start.Dependents...)
	for len(stack) > 0 {
		r := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if reached[r] {
			continue
		}
		reached[r] = true
		stack = append(stack, g.index[r].Dependents...)
	}

	out := make([]Ref, 0, len(reached))
	for _, n := range g.nodes {
		if reached[n.Ref()] {
			out = append(out, n.Ref())
		}
	}
	return out
}

// GraphBuilder builds a dependency graph from definitions.
// It merges idempotent re-declarations, resolves dependency references, detects cycles and
// computes a stable topological order with execution levels.
type GraphBuilder struct {
	// nodes holds one node per (type, name) in declaration order
	nodes []*GraphNode

	// index maps references to their nodes
	index map[Ref]*GraphNode

	// levels maps execution level to references at that level
	levels [][]Ref
}

// NewGraphBuilder creates a new graph builder.
func NewGraphBuilder() *GraphBuilder {
	return &GraphBuilder{
		index: make(map[Ref]*GraphNode),
	}
}

// BuildGraph is a convenience wrapper around NewGraphBuilder().Build.
func BuildGraph(defs []Definition) (*Graph, error) {
	return NewGraphBuilder().Build(defs)
}

// Build constructs a graph from definitions.
// It returns either a complete graph or one of the build errors (definition conflict,
// unresolved dependency, dependency cycle); never a partial graph.
func (b *GraphBuilder) Build(defs []Definition) (*Graph, error) {
	b.nodes = nil
	b.index = make(map[Ref]*GraphNode, len(defs))
	b.levels = nil

	if err := b.initialize(defs); err != nil {
		return nil, err
	}

	if err := b.resolveDependencies(); err != nil {
		return nil, err
	}

	if err := b.detectCycles(); err != nil {
		return nil, err
	}

	order, err := b.computeOrder()
	if err != nil {
		return nil, err
	}

	return b.buildGraph(order), nil
}

// initialize indexes the definitions, merging exact duplicates.
func (b *GraphBuilder) initialize(defs []Definition) error {
	for i, def := range defs {
		if def.Type == "" || def.Name == "" {
			return NewPermanentError(
				fmt.Sprintf("definition %d has an empty type or name", i),
				nil,
			).WithCode(ErrCodeValidation).WithResource(def.Ref().String())
		}

		ref := def.Ref()
		existing, ok := b.index[ref]
		if !ok {
			def.DependsOn = unionRefs(def.DependsOn, nil)
			node := &GraphNode{Definition: def, Declared: len(b.nodes)}
			b.index[ref] = node
			b.nodes = append(b.nodes, node)
			continue
		}

		if !existing.Definition.SameParameters(def) {
			return NewDefinitionConflictError(existing.Definition, def)
		}

		// Idempotent re-declaration: keep the first node and union the dependencies.
		existing.Definition.DependsOn = unionRefs(existing.Definition.DependsOn, def.DependsOn)
	}
	return nil
}

// resolveDependencies links every dependency reference to its node.
func (b *GraphBuilder) resolveDependencies() error {
	for _, node := range b.nodes {
		from := node.Ref()
		for _, dep := range node.Definition.DependsOn {
			target, ok := b.index[dep]
			if !ok {
				return NewUnresolvedDependencyError(from, dep)
			}
			node.Dependencies = append(node.Dependencies, dep)
			target.Dependents = append(target.Dependents, from)
		}
	}
	return nil
}

type visitState int

const (
	unvisited visitState = iota
	inProgress
	done
)

// detectCycles runs a three-color depth-first search over dependency edges.
// Roots are visited in declaration order so the reported cycle is deterministic.
func (b *GraphBuilder) detectCycles() error {
	state := make(map[Ref]visitState, len(b.nodes))
	var path []Ref

	var visit func(ref Ref) []Ref
	visit = func(ref Ref) []Ref {
		state[ref] = inProgress
		path = append(path, ref)

		for _, dep := range b.index[ref].Dependencies {
			switch state[dep] {
			case unvisited:
				if cycle := visit(dep); cycle != nil {
					return cycle
				}
			case inProgress:
				// Back edge: the cycle is the path from dep's first occurrence to here.
				for i, r := range path {
					if r == dep {
						return append([]Ref(nil), path[i:]...)
					}
				}
			}
		}

		path = path[:len(path)-1]
		state[ref] = done
		return nil
	}

	for _, node := range b.nodes {
		if state[node.Ref()] != unvisited {
			continue
		}
		if cycle := visit(node.Ref()); cycle != nil {
			return NewDependencyCycleError(cycle)
		}
	}
	return nil
}

// computeOrder produces a stable topological order using Kahn's algorithm with a
// min-heap keyed by declaration position, and assigns execution levels.
func (b *GraphBuilder) computeOrder() ([]*GraphNode, error) {
	inDegree := make(map[Ref]int, len(b.nodes))
	ready := &declHeap{}
	for _, node := range b.nodes {
		inDegree[node.Ref()] = len(node.Dependencies)
		if len(node.Dependencies) == 0 {
			heap.Push(ready, node)
		}
	}

	order := make([]*GraphNode, 0, len(b.nodes))
	for ready.Len() > 0 {
		node := heap.Pop(ready).(*GraphNode)
		node.Position = len(order)
		order = append(order, node)

		for _, dep := range node.Dependencies {
			if lvl := b.index[dep].Level + 1; lvl > node.Level {
				node.Level = lvl
			}
		}

		for _, dependent := range node.Dependents {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				heap.Push(ready, b.index[dependent])
			}
		}
	}

	// Verify all nodes were processed (should never happen if cycle detection worked)
	if len(order) != len(b.nodes) {
		return nil, NewPermanentError("failed to order all definitions - possible cycle", nil).
			WithCode(ErrCodeInternal)
	}

	for _, node := range b.nodes {
		for len(b.levels) <= node.Level {
			b.levels = append(b.levels, nil)
		}
		b.levels[node.Level] = append(b.levels[node.Level], node.Ref())
	}

	return order, nil
}

// buildGraph creates the final Graph structure.
func (b *GraphBuilder) buildGraph(order []*GraphNode) *Graph {
	return &Graph{
		nodes:    order,
		declared: b.nodes,
		index:    b.index,
		levels:   b.levels,
	}
}

// ToDOT generates a DOT format representation of the graph for visualization.
// The output can be rendered with Graphviz tools.
func (g *Graph) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph Convergence {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	// Group nodes by level for better visualization
	for level, refs := range g.levels {
		fmt.Fprintf(&sb, "  subgraph cluster_level_%d {\n", level)
		fmt.Fprintf(&sb, "    label=\"Level %d\";\n", level)
		sb.WriteString("    style=dashed;\n")

		for _, ref := range refs {
			fmt.Fprintf(&sb, "    %q [label=%q, fillcolor=%q, style=\"filled,rounded\"];\n",
				ref.String(), ref.Type+"\n"+ref.Name, typeColor(ref.Type))
		}

		sb.WriteString("  }\n\n")
	}

	// Edges point from a dependency to its dependent
	for _, node := range g.declared {
		for _, dep := range node.Dependencies {
			fmt.Fprintf(&sb, "  %q -> %q;\n", dep.String(), node.Ref().String())
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

// typeColor returns a color for visualizing the built-in resource types.
func typeColor(resourceType string) string {
	switch resourceType {
	case "file":
		return "lightblue"
	case "package":
		return "lightgreen"
	case "service":
		return "khaki"
	case "exec", "script":
		return "lightsalmon"
	default:
		return "white"
	}
}

func unionRefs(a, b []Ref) []Ref {
	seen := make(map[Ref]bool, len(a)+len(b))
	out := make([]Ref, 0, len(a)+len(b))
	for _, list := range [][]Ref{a, b} {
		for _, r := range list {
			if !seen[r] {
				seen[r] = true
				out = append(out, r)
			}
		}
	}
	return out
}

// declHeap is a min-heap of graph nodes ordered by declaration position.
type declHeap []*GraphNode

func (h declHeap) Len() int           { return len(h) }
func (h declHeap) Less(i, j int) bool { return h[i].Declared < h[j].Declared }
func (h declHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *declHeap) Push(x interface{}) {
	*h = append(*h, x.(*GraphNode))
}

func (h *declHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
