package graph

import (
	"container/heap"
	"fmt"
	"slices"

	"github.com/roach88/converge/internal/fieldpath"
	"github.com/roach88/converge/internal/ir"
)

// Node is one compiled declaration.
type Node struct {
	Index    int
	Decl     Decl
	TargetID fieldpath.ID
	ReadIDs  []fieldpath.ID

	// Dependents are the indexes of nodes that read this node's target.
	Dependents []int

	// ReadsDigest hashes the declared read set.
	ReadsDigest string
	StaticReads bool

	// Issues holds the fatal codes attached to this node.
	Issues []IssueCode
}

// Name returns the declaration name.
func (n *Node) Name() string { return n.Decl.Name }

// Flagged reports whether the node carries a fatal issue.
func (n *Node) Flagged() bool { return len(n.Issues) > 0 }

// Graph is an immutable compiled dependency graph.
type Graph struct {
	nodes  []Node
	order  []int
	byName map[string]int

	// readers maps a path ID to the nodes that read exactly that path.
	readers map[fieldpath.ID][]int
	// under maps a path ID to the nodes that read a strict descendant of it.
	under map[fieldpath.ID][]int
	// writers maps a target ID to its writer; writersUnder maps a path ID
	// to the nodes whose target is a strict descendant of it.
	writers      map[fieldpath.ID][]int
	writersUnder map[fieldpath.ID][]int
	// dynamic lists nodes whose reads are undeclared.
	dynamic []int

	issues []Issue
	digest string
}

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.nodes) }

// Node returns the node at index i.
func (g *Graph) Node(i int) *Node { return &g.nodes[i] }

// Lookup finds a node by declaration name.
func (g *Graph) Lookup(name string) (*Node, bool) {
	i, ok := g.byName[name]
	if !ok {
		return nil, false
	}
	return &g.nodes[i], true
}

// Order returns node indexes in dependency order. Nodes caught in a cycle
// come last, in declaration order.
func (g *Graph) Order() []int { return g.order }

// Issues returns every structural issue found at compile time.
func (g *Graph) Issues() []Issue { return g.issues }

// Digest hashes the set of node targets paired with their reads digests.
// Graphs with equal digests have the same dependency shape.
func (g *Graph) Digest() string { return g.digest }

// Seeds returns the nodes a write to root must re-run: readers of root
// (an exact match, an ancestor of root, or a descendant of root), and
// writers whose target overlaps root so a stray body write to a derived
// field is recomputed. Dynamic-read nodes are always included.
func (g *Graph) Seeds(reg *fieldpath.Registry, root fieldpath.ID) []int {
	out := slices.Clone(g.readers[root])
	out = append(out, g.under[root]...)
	out = append(out, g.writers[root]...)
	out = append(out, g.writersUnder[root]...)
	for cur := reg.Parent(root); cur != 0; cur = reg.Parent(cur) {
		out = append(out, g.readers[cur]...)
		out = append(out, g.writers[cur]...)
	}
	return append(out, g.dynamic...)
}

// Empty returns a graph with no nodes.
func Empty() *Graph {
	return &Graph{
		byName:       map[string]int{},
		readers:      map[fieldpath.ID][]int{},
		under:        map[fieldpath.ID][]int{},
		writers:      map[fieldpath.ID][]int{},
		writersUnder: map[fieldpath.ID][]int{},
		digest:       ir.ReadsDigest(nil),
	}
}

// Compile builds a graph from decls, registering every target and read
// path in reg. The returned Report lists all structural issues; the graph
// is usable either way.
func Compile(decls []Decl, reg *fieldpath.Registry) (*Graph, *Report) {
	g := &Graph{
		nodes:   make([]Node, len(decls)),
		byName:  make(map[string]int, len(decls)),
		readers:      make(map[fieldpath.ID][]int),
		under:        make(map[fieldpath.ID][]int),
		writers:      make(map[fieldpath.ID][]int),
		writersUnder: make(map[fieldpath.ID][]int),
	}
	rep := &Report{}
	parts := make([]string, 0, len(decls))

	for i, d := range decls {
		n := &g.nodes[i]
		n.Index = i
		n.Decl = d
		n.StaticReads = !d.DynamicReads

		if msg := validateDecl(d); msg != "" {
			g.flag(rep, Issue{
				Code:    IssueInvalidDecl,
				Nodes:   []string{d.Name},
				Message: fmt.Sprintf("node %q: %s", d.Name, msg),
			}, i)
		}
		if prev, dup := g.byName[d.Name]; dup && d.Name != "" {
			g.flag(rep, Issue{
				Code:    IssueInvalidDecl,
				Nodes:   []string{d.Name},
				Message: fmt.Sprintf("duplicate node name %q", d.Name),
			}, prev, i)
		} else {
			g.byName[d.Name] = i
		}

		if id, ok := reg.RegisterString(d.Target); ok {
			n.TargetID = id
			g.writers[id] = append(g.writers[id], i)
			for cur := reg.Parent(id); cur != 0; cur = reg.Parent(cur) {
				g.writersUnder[cur] = append(g.writersUnder[cur], i)
			}
		}

		reads := d.reads()
		for _, p := range reads {
			id, ok := reg.RegisterString(p)
			if !ok {
				g.flag(rep, Issue{
					Code:    IssueInvalidDecl,
					Nodes:   []string{d.Name},
					Message: fmt.Sprintf("node %q: dependency %q is not a trackable path", d.Name, p),
				}, i)
				continue
			}
			n.ReadIDs = append(n.ReadIDs, id)
		}
		n.ReadsDigest = ir.ReadsDigest(reads)
		parts = append(parts, d.Target+"="+n.ReadsDigest)

		if d.DynamicReads {
			g.dynamic = append(g.dynamic, i)
		}
		for _, id := range uniqueIDs(n.ReadIDs) {
			g.readers[id] = append(g.readers[id], i)
			for cur := reg.Parent(id); cur != 0; cur = reg.Parent(cur) {
				g.under[cur] = append(g.under[cur], i)
			}
		}
	}

	g.checkWriters(rep)
	g.checkTraits(rep)
	g.link(reg)
	g.sort(rep)

	g.issues = rep.Issues
	g.digest = ir.ReadsDigest(parts)
	return g, rep
}

func validateDecl(d Decl) string {
	switch {
	case d.Name == "":
		return "name is required"
	case d.Spec == nil:
		return "kind is required"
	}
	if _, ok := fieldpath.Parse(d.Target); !ok {
		return fmt.Sprintf("target %q is not a trackable path", d.Target)
	}
	switch s := d.Spec.(type) {
	case Computed:
		if s.Fn == nil {
			return "computed node has no function"
		}
	case Link:
		if s.Module == "" || s.Path == "" {
			return "link node needs module and path"
		}
	case Source:
		if s.Key == nil || s.Load == nil {
			return "source node needs key and loader"
		}
		if s.Policy != SourceSwitch && s.Policy != SourceExhaust {
			return fmt.Sprintf("unknown source policy %q", s.Policy)
		}
	case List:
		if s.Fn == nil || s.Items == "" {
			return "list node needs items and function"
		}
	}
	return ""
}

func (g *Graph) flag(rep *Report, is Issue, nodes ...int) {
	rep.Issues = append(rep.Issues, is)
	for _, i := range nodes {
		n := &g.nodes[i]
		if !slices.Contains(n.Issues, is.Code) {
			n.Issues = append(n.Issues, is.Code)
		}
	}
}

func (g *Graph) checkWriters(rep *Report) {
	byTarget := make(map[fieldpath.ID][]int)
	var targets []fieldpath.ID
	for i := range g.nodes {
		id := g.nodes[i].TargetID
		if id == 0 {
			continue
		}
		if _, seen := byTarget[id]; !seen {
			targets = append(targets, id)
		}
		byTarget[id] = append(byTarget[id], i)
	}

	for _, id := range targets {
		writers := byTarget[id]
		if len(writers) < 2 {
			continue
		}
		names := make([]string, len(writers))
		for k, i := range writers {
			names[k] = g.nodes[i].Name()
		}
		g.flag(rep, Issue{
			Code:    IssueMultipleWriters,
			Nodes:   names,
			Message: fmt.Sprintf("target %q has %d writers: %v", g.nodes[writers[0]].Decl.Target, len(writers), names),
		}, writers...)
	}
}

func (g *Graph) checkTraits(rep *Report) {
	provided := make(map[string][]int)
	for i := range g.nodes {
		for _, t := range g.nodes[i].Decl.Traits {
			provided[t] = append(provided[t], i)
		}
	}

	for i := range g.nodes {
		d := g.nodes[i].Decl
		for _, t := range d.Requires {
			if len(provided[t]) == 0 {
				g.flag(rep, Issue{
					Code:    IssueMissingRequires,
					Nodes:   []string{d.Name},
					Message: fmt.Sprintf("node %q requires trait %q, which no node provides", d.Name, t),
				}, i)
			}
		}
		for _, t := range d.Excludes {
			for _, j := range provided[t] {
				if j == i {
					continue
				}
				other := g.nodes[j].Name()
				g.flag(rep, Issue{
					Code:    IssueExcludesViolated,
					Nodes:   []string{d.Name, other},
					Message: fmt.Sprintf("node %q excludes trait %q, provided by %q", d.Name, t, other),
				}, i, j)
			}
		}
	}
}

// link fills Dependents: m depends on n when any read of m overlaps n's target.
func (g *Graph) link(reg *fieldpath.Registry) {
	for ni := range g.nodes {
		n := &g.nodes[ni]
		if n.TargetID == 0 {
			continue
		}
		var deps []int
		for mi := range g.nodes {
			m := &g.nodes[mi]
			for _, r := range m.ReadIDs {
				if reg.Overlaps(r, n.TargetID) {
					deps = append(deps, mi)
					break
				}
			}
		}
		n.Dependents = deps
	}
}

// sort computes a Kahn topological order, breaking ties by declaration
// index. Nodes left over belong to cycles; each strongly connected
// component is reported with one cycle path.
func (g *Graph) sort(rep *Report) {
	indeg := make([]int, len(g.nodes))
	for i := range g.nodes {
		for _, d := range g.nodes[i].Dependents {
			indeg[d]++
		}
	}

	ready := &intHeap{}
	for i, d := range indeg {
		if d == 0 {
			heap.Push(ready, i)
		}
	}

	order := make([]int, 0, len(g.nodes))
	for ready.Len() > 0 {
		i := heap.Pop(ready).(int)
		order = append(order, i)
		for _, d := range g.nodes[i].Dependents {
			indeg[d]--
			if indeg[d] == 0 {
				heap.Push(ready, d)
			}
		}
	}

	if len(order) < len(g.nodes) {
		var rest []int
		placed := make([]bool, len(g.nodes))
		for _, i := range order {
			placed[i] = true
		}
		for i := range g.nodes {
			if !placed[i] {
				rest = append(rest, i)
			}
		}
		g.reportCycles(rep, rest)
		order = append(order, rest...)
	}
	g.order = order
}

type intHeap []int

func (h intHeap) Len() int           { return len(h) }
func (h intHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h intHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *intHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *intHeap) Pop() any {
	old := *h
	x := old[len(old)-1]
	*h = old[:len(old)-1]
	return x
}

func uniqueIDs(ids []fieldpath.ID) []fieldpath.ID {
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}
