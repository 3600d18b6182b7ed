package converge

import (
	"context"
	"fmt"
	"slices"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/roach88/converge/internal/config"
	"github.com/roach88/converge/internal/fieldpath"
	"github.com/roach88/converge/internal/graph"
	"github.com/roach88/converge/internal/ir"
	"github.com/roach88/converge/internal/rowid"
)

// LinkResolver reads committed state from other module instances.
type LinkResolver interface {
	Resolve(module, path string) (ir.IRValue, bool)
}

// RowIdentity assigns stable row IDs to list items. *rowid.Store and
// *rowid.Stage implement it.
type RowIdentity interface {
	EnsureList(listKey string, items ir.IRArray, trackBy string) []rowid.RowID
}

// SourceEffect is work a source node asks for once the transaction commits.
type SourceEffect struct {
	Node    string
	Target  string
	Key     ir.IRValue
	KeyHash string
	Policy  graph.SourcePolicy
	Load    graph.Loader
	// Cancel is set when the key became null: drop any in-flight load.
	Cancel bool
}

// Input is everything one convergence pass needs.
type Input struct {
	Graph      *graph.Graph
	Generation uint64
	Registry   *fieldpath.Registry
	Rows       RowIdentity
	State      ir.IRObject
	Dirty      fieldpath.DirtySet
	Policy     config.Policy
	Links      LinkResolver

	// Forced nodes are planned regardless of the dirty set, and deferred
	// nodes among them execute inline. Lane slices use this.
	Forced []int
}

// Result is the outcome of a convergence pass.
type Result struct {
	State    ir.IRObject
	Decision Decision
	// Deferred lists node indexes handed to the lane scheduler.
	Deferred []int
	Effects  []SourceEffect
}

type memo struct {
	input  string
	output ir.IRValue
}

// Scheduler holds the per-instance decision cache and node memos.
// It is driven by a single consumer goroutine and is not safe for
// concurrent Converge calls.
type Scheduler struct {
	clock Clock
	cache *lru.Cache[string, []int]
	size  int

	memos map[int]memo
	rows  map[int]map[rowid.RowID]memo
}

// New creates a scheduler. A nil clock uses SystemClock.
func New(clock Clock) *Scheduler {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Scheduler{
		clock: clock,
		memos: make(map[int]memo),
		rows:  make(map[int]map[rowid.RowID]memo),
	}
}

// Purge drops cached plans and node memos. Call it whenever the graph
// generation changes; node indexes are only meaningful within one graph.
func (s *Scheduler) Purge() {
	if s.cache != nil {
		s.cache.Purge()
	}
	s.memos = make(map[int]memo)
	s.rows = make(map[int]map[rowid.RowID]memo)
}

// CacheLen returns the number of cached plans.
func (s *Scheduler) CacheLen() int {
	if s.cache == nil {
		return 0
	}
	return s.cache.Len()
}

func (s *Scheduler) ensureCache(size int) {
	if s.cache == nil {
		// lru.New only fails for non-positive sizes, which callers exclude.
		s.cache, _ = lru.New[string, []int](size)
		s.size = size
		return
	}
	if s.size != size {
		s.cache.Resize(size)
		s.size = size
	}
}

func cacheKey(generation uint64, graphDigest, dirtyHash string) string {
	return fmt.Sprintf("%d:%s:%s", generation, graphDigest, dirtyHash)
}

// Converge plans and executes derived nodes for one transaction.
//
// On a hard failure the returned error is a *HardFailError or *NodeError,
// Result.Decision is still populated, and the caller must not commit.
func (s *Scheduler) Converge(ctx context.Context, in Input) (Result, error) {
	d := Decision{
		RequestedMode:   in.Policy.Mode,
		Generation:      in.Generation,
		DirtyAll:        in.Dirty.All,
		DirtyReason:     in.Dirty.Reason,
		DirtyHash:       in.Dirty.Hash,
		DecisionBudget:  in.Policy.DecisionBudget,
		ExecutionBudget: in.Policy.ExecutionBudget,
		Stats:           Stats{Total: in.Graph.Len()},
	}

	plan := s.decide(in, &d)
	d.Stats.Affected = len(plan)

	if err := checkPlan(in.Graph, plan, &d); err != nil {
		return Result{State: in.State, Decision: d}, err
	}

	return s.execute(ctx, in, plan, d)
}

func (s *Scheduler) decide(in Input, d *Decision) []int {
	budget := StartBudget(s.clock, "decision", in.Policy.DecisionBudget)
	defer func() { d.DecisionDuration = budget.Elapsed() }()

	g := in.Graph
	full := func(fb Fallback) []int {
		d.ExecutedMode = config.ModeFull
		d.Fallback = fb
		return slices.Clone(g.Order())
	}

	d.Cache = CacheNotEligible
	if in.Policy.Mode == config.ModeFull {
		return full(FallbackNone)
	}
	if in.Dirty.All {
		return full(FallbackAllDirty)
	}

	d.ExecutedMode = config.ModeDirty
	if in.Dirty.Clean() && len(in.Forced) == 0 {
		return nil
	}

	var key string
	switch {
	case !in.Policy.CacheEnabled():
		d.Cache = CacheDisabled
		if in.Policy.Mode == config.ModeAuto {
			return full(FallbackCacheDisabled)
		}
	case len(in.Forced) == 0:
		s.ensureCache(in.Policy.DecisionCacheSize)
		key = cacheKey(in.Generation, g.Digest(), in.Dirty.Hash)
		if plan, ok := s.cache.Get(key); ok {
			d.Cache = CacheHit
			return slices.Clone(plan)
		}
		d.Cache = CacheMiss
	}

	var limit *Budget
	if in.Policy.Mode == config.ModeAuto {
		limit = budget
	}
	plan, err := closure(in, limit)
	if err != nil {
		return full(FallbackDecisionBudget)
	}
	if key != "" {
		s.cache.Add(key, slices.Clone(plan))
	}
	return plan
}

// closure collects the seeds of every dirty root plus forced nodes, then
// every transitive dependent. The plan is returned in topological order.
func closure(in Input, budget *Budget) ([]int, error) {
	g := in.Graph
	inPlan := make([]bool, g.Len())
	var queue []int
	push := func(i int) {
		if !inPlan[i] {
			inPlan[i] = true
			queue = append(queue, i)
		}
	}

	for _, root := range in.Dirty.RootIDs {
		for _, i := range g.Seeds(in.Registry, root) {
			push(i)
		}
	}
	for _, i := range in.Forced {
		push(i)
	}

	for k := 0; k < len(queue); k++ {
		if budget != nil && k%16 == 0 {
			if err := budget.Check(); err != nil {
				return nil, err
			}
		}
		for _, dep := range g.Node(queue[k]).Dependents {
			push(dep)
		}
	}
	if budget != nil {
		if err := budget.Check(); err != nil {
			return nil, err
		}
	}

	plan := make([]int, 0, len(queue))
	for _, i := range g.Order() {
		if inPlan[i] {
			plan = append(plan, i)
		}
	}
	return plan, nil
}

func checkPlan(g *graph.Graph, plan []int, d *Decision) error {
	var nodes []string
	var codes []graph.IssueCode
	for _, i := range plan {
		n := g.Node(i)
		if !n.Flagged() {
			continue
		}
		nodes = append(nodes, n.Name())
		for _, c := range n.Issues {
			if !slices.Contains(codes, c) {
				codes = append(codes, c)
			}
		}
	}
	if len(nodes) == 0 {
		return nil
	}
	slices.Sort(codes)
	d.Outcome = OutcomeHardFailed
	d.Violations = codes
	return &HardFailError{Codes: codes, Nodes: nodes}
}
