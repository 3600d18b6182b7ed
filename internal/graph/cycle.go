package graph

import (
	"fmt"
	"slices"
	"strings"
)

// reportCycles flags every node of every cycle among candidates.
// candidates are the nodes Kahn's algorithm could not place; each
// non-trivial strongly connected component among them is one cycle.
func (g *Graph) reportCycles(rep *Report, candidates []int) {
	in := make(map[int]bool, len(candidates))
	for _, i := range candidates {
		in[i] = true
	}

	for _, scc := range g.tarjanSCC(candidates, in) {
		if len(scc) == 1 && !slices.Contains(g.nodes[scc[0]].Dependents, scc[0]) {
			// Downstream of a cycle but not part of one.
			continue
		}
		slices.Sort(scc)
		path := g.cyclePath(scc)
		names := make([]string, len(scc))
		for k, i := range scc {
			names[k] = g.nodes[i].Name()
		}
		g.flag(rep, Issue{
			Code:    IssueCycleDetected,
			Nodes:   names,
			Path:    path,
			Message: fmt.Sprintf("dependency cycle: %s", strings.Join(path, " -> ")),
		}, scc...)
	}
}

// tarjanSCC finds strongly connected components over the subgraph induced
// by in. Components are returned in discovery order.
func (g *Graph) tarjanSCC(nodes []int, in map[int]bool) [][]int {
	var (
		index   = 0
		stack   []int
		indices = make(map[int]int)
		lowlink = make(map[int]int)
		onStack = make(map[int]bool)
		sccs    [][]int
	)

	var strongConnect func(int)
	strongConnect = func(v int) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range g.nodes[v].Dependents {
			if !in[w] {
				continue
			}
			if _, visited := indices[w]; !visited {
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		if lowlink[v] == indices[v] {
			var scc []int
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			sccs = append(sccs, scc)
		}
	}

	for _, v := range nodes {
		if _, visited := indices[v]; !visited {
			strongConnect(v)
		}
	}
	return sccs
}

// cyclePath returns the shortest cycle through the lowest-index member of
// scc as node names, e.g. ["a", "b", "a"].
func (g *Graph) cyclePath(scc []int) []string {
	member := make(map[int]bool, len(scc))
	for _, i := range scc {
		member[i] = true
	}

	start := scc[0]
	parent := map[int]int{}
	queue := []int{start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, w := range g.nodes[cur].Dependents {
			if !member[w] {
				continue
			}
			if w == start {
				var rev []int
				for at := cur; at != start; at = parent[at] {
					rev = append(rev, at)
				}
				path := []string{g.nodes[start].Name()}
				for k := len(rev) - 1; k >= 0; k-- {
					path = append(path, g.nodes[rev[k]].Name())
				}
				return append(path, g.nodes[start].Name())
			}
			if _, seen := parent[w]; !seen {
				parent[w] = cur
				queue = append(queue, w)
			}
		}
	}
	return []string{g.nodes[start].Name()}
}
