package compiler

import (
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/converge/internal/engine"
	"github.com/roach88/converge/internal/graph"
)

// LinkWarning reports a questionable link between modules.
//
// Link cycles are warnings, not errors: each refresh is its own
// transaction, so a cycle that reaches a fixed point terminates. A cycle
// that never settles keeps both queues busy.
type LinkWarning struct {
	Path    []string `json:"path"`    // Cycle path: ["cart", "pricing", "cart"]
	Message string   `json:"message"` // Human-readable description
	Level   string   `json:"level"`   // "warning" or "info"
}

// AnalyzeLinks performs static analysis of link nodes across modules.
//
// It builds a module graph (an edge from A to B when A links from B),
// reports every strongly connected component with more than one module or
// a self-link as a cycle, and reports links to modules not in defs at
// level "info": those resolve only if the module is started elsewhere.
func AnalyzeLinks(defs []engine.ModuleDef) []LinkWarning {
	if len(defs) == 0 {
		return []LinkWarning{}
	}

	deps, missing := buildLinkGraph(defs)

	var warnings []LinkWarning
	for _, scc := range tarjanSCC(deps) {
		if len(scc) > 1 || (len(scc) == 1 && hasSelfLoop(scc[0], deps)) {
			warnings = append(warnings, cycleSCCToWarning(scc, deps))
		}
	}
	for _, m := range missing {
		warnings = append(warnings, LinkWarning{
			Path:    []string{m[0], m[1]},
			Message: fmt.Sprintf("module %s links from %s, which is not declared", m[0], m[1]),
			Level:   "info",
		})
	}
	return warnings
}

// dependencyGraph maps module name → modules it links from.
type dependencyGraph map[string][]string

// buildLinkGraph constructs the module graph in declaration order and
// collects links whose target module is not declared.
func buildLinkGraph(defs []engine.ModuleDef) (dependencyGraph, [][2]string) {
	g := make(dependencyGraph, len(defs))
	declared := make(map[string]bool, len(defs))
	for _, def := range defs {
		declared[def.Name] = true
		if g[def.Name] == nil {
			g[def.Name] = []string{}
		}
	}

	var missing [][2]string
	for _, def := range defs {
		for _, d := range def.Decls {
			l, ok := d.Spec.(graph.Link)
			if !ok {
				continue
			}
			if !declared[l.Module] {
				missing = append(missing, [2]string{def.Name, l.Module})
				continue
			}
			if !slices.Contains(g[def.Name], l.Module) {
				g[def.Name] = append(g[def.Name], l.Module)
			}
		}
	}
	return g, missing
}

// hasSelfLoop checks if a node has an edge to itself.
func hasSelfLoop(node string, g dependencyGraph) bool {
	return slices.Contains(g[node], node)
}

// tarjanSCC finds strongly connected components using Tarjan's algorithm.
// Nodes are visited in sorted order so the output is deterministic.
func tarjanSCC(g dependencyGraph) [][]string {
	var (
		index   = 0
		stack   []string
		indices = make(map[string]int)
		lowlink = make(map[string]int)
		onStack = make(map[string]bool)
		sccs    [][]string
	)

	var strongConnect func(string)
	strongConnect = func(v string) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range g[v] {
			if _, visited := indices[w]; !visited {
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		// If v is a root node, pop the stack and create an SCC
		if lowlink[v] == indices[v] {
			var scc []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			slices.Sort(scc)
			sccs = append(sccs, scc)
		}
	}

	nodes := make([]string, 0, len(g))
	for n := range g {
		nodes = append(nodes, n)
	}
	slices.Sort(nodes)
	for _, n := range nodes {
		if _, visited := indices[n]; !visited {
			strongConnect(n)
		}
	}
	return sccs
}

// cycleSCCToWarning converts an SCC to a LinkWarning.
func cycleSCCToWarning(scc []string, g dependencyGraph) LinkWarning {
	if len(scc) == 1 {
		m := scc[0]
		return LinkWarning{
			Path:    []string{m, m},
			Message: fmt.Sprintf("module links from itself: %s → %s", m, m),
			Level:   "warning",
		}
	}

	path := reconstructCyclePath(scc, g)
	return LinkWarning{
		Path:    path,
		Message: fmt.Sprintf("link cycle detected: %s", strings.Join(path, " → ")),
		Level:   "warning",
	}
}

// reconstructCyclePath walks edges inside the SCC from its first member
// until it returns to the start.
func reconstructCyclePath(scc []string, g dependencyGraph) []string {
	if len(scc) == 0 {
		return []string{}
	}

	inSCC := make(map[string]bool, len(scc))
	for _, n := range scc {
		inSCC[n] = true
	}

	start := scc[0]
	current := start
	path := []string{current}
	visited := make(map[string]bool)

	for {
		visited[current] = true

		var next string
		for _, nb := range g[current] {
			if inSCC[nb] && (!visited[nb] || nb == start) {
				next = nb
				break
			}
		}
		if next == "" {
			break
		}

		path = append(path, next)
		if next == start {
			break
		}
		current = next
	}
	return path
}
