package engine

import (
	"fmt"
	"strings"
)

// Graph is the diagnostic dependency view of a manifest.
type Graph struct {
	// Nodes are declared services in declared order, followed by names that
	// are referenced but not declared, in first-seen order.
	Nodes []GraphNode `json:"nodes"`

	// Edges in derivation order, deduplicated by (from, to, reason).
	Edges []GraphEdge `json:"edges"`

	// adjacency maps a node to the targets of its edges, deduplicated.
	adjacency map[string][]string
}

// GraphNode is one service in the graph.
type GraphNode struct {
	Name     string `json:"name"`
	Type     string `json:"type,omitempty"`
	Declared bool   `json:"declared"`
}

// BuildEdges derives the dependency edges of a manifest.
//
// Services are visited in declared order. Each requires.services entry yields a
// "requires" edge; each consumes.env binding of the form "<service>.<VAR>"
// yields a "consumes <VAR>" edge to the providing service. Identical edges are
// emitted once. Referenced services are not checked for existence.
func BuildEdges(m *Manifest) []GraphEdge {
	edges := make([]GraphEdge, 0)
	seen := make(map[GraphEdge]bool)

	add := func(e GraphEdge) {
		if seen[e] {
			return
		}
		seen[e] = true
		edges = append(edges, e)
	}

	for _, svc := range m.Services {
		for _, dep := range svc.Requires.Services {
			add(GraphEdge{From: svc.Name, To: dep, Reason: string(EdgeRequires)})
		}
		for _, binding := range svc.Consumes {
			provider, variable, ok := binding.ProviderRef()
			if !ok {
				continue
			}
			add(GraphEdge{
				From:   svc.Name,
				To:     provider,
				Reason: fmt.Sprintf("%s %s", EdgeConsumes, variable),
			})
		}
	}

	return edges
}

// BuildGraph derives the full graph view: edges plus the node list.
func BuildGraph(m *Manifest) *Graph {
	g := &Graph{
		Nodes:     make([]GraphNode, 0, len(m.Services)),
		Edges:     BuildEdges(m),
		adjacency: make(map[string][]string),
	}

	known := make(map[string]bool)
	for _, svc := range m.Services {
		g.Nodes = append(g.Nodes, GraphNode{Name: svc.Name, Type: svc.Type, Declared: true})
		known[svc.Name] = true
	}

	for _, e := range g.Edges {
		for _, name := range []string{e.From, e.To} {
			if !known[name] {
				known[name] = true
				g.Nodes = append(g.Nodes, GraphNode{Name: name})
			}
		}
		if !contains(g.adjacency[e.From], e.To) {
			g.adjacency[e.From] = append(g.adjacency[e.From], e.To)
		}
	}

	return g
}

// Dangling returns edges whose target is not a declared service.
func (g *Graph) Dangling() []GraphEdge {
	declared := make(map[string]bool, len(g.Nodes))
	for _, n := range g.Nodes {
		if n.Declared {
			declared[n.Name] = true
		}
	}

	var out []GraphEdge
	for _, e := range g.Edges {
		if !declared[e.To] {
			out = append(out, e)
		}
	}
	return out
}

// Cycles returns the dependency cycles found by depth-first search, each as a
// path that starts and ends at the same service.
func (g *Graph) Cycles() [][]string {
	visited := make(map[string]bool)
	onStack := make(map[string]bool)
	var cycles [][]string

	var visit func(node string, path []string)
	visit = func(node string, path []string) {
		visited[node] = true
		onStack[node] = true
		path = append(path, node)

		for _, next := range g.adjacency[node] {
			if !visited[next] {
				visit(next, path)
				continue
			}
			if onStack[next] {
				for i, id := range path {
					if id == next {
						cycle := make([]string, 0, len(path)-i+1)
						cycle = append(cycle, path[i:]...)
						cycle = append(cycle, next)
						cycles = append(cycles, cycle)
						break
					}
				}
			}
		}

		onStack[node] = false
	}

	for _, n := range g.Nodes {
		if !visited[n.Name] {
			visit(n.Name, nil)
		}
	}

	return cycles
}

// ToDOT generates a DOT format representation of the graph for visualization.
// The output can be rendered with Graphviz tools.
func (g *Graph) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph services {\n")
	sb.WriteString("  rankdir=LR;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for _, n := range g.Nodes {
		label := n.Name
		if n.Type != "" {
			label = fmt.Sprintf("%s\n(%s)", n.Name, n.Type)
		}
		style := "rounded"
		if !n.Declared {
			style = "dashed"
		}
		sb.WriteString(fmt.Sprintf("  %q [label=%q, style=\"%s\"];\n", n.Name, label, style))
	}

	if len(g.Edges) > 0 {
		sb.WriteString("\n")
	}

	for _, e := range g.Edges {
		sb.WriteString(fmt.Sprintf("  %q -> %q [%s];\n", e.From, e.To, edgeStyle(e)))
	}

	sb.WriteString("}\n")
	return sb.String()
}

// FormatCycle formats a cycle path for messages.
func FormatCycle(cycle []string) string {
	return strings.Join(cycle, " -> ")
}

// edgeStyle returns a DOT style string for an edge.
func edgeStyle(e GraphEdge) string {
	if e.Kind() == EdgeConsumes {
		return fmt.Sprintf("style=dashed, color=blue, label=%q", e.Variable())
	}
	return "style=solid, color=black"
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
