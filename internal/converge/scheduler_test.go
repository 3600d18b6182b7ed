package converge

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/converge/internal/config"
	"github.com/roach88/converge/internal/fieldpath"
	"github.com/roach88/converge/internal/graph"
	"github.com/roach88/converge/internal/ir"
	"github.com/roach88/converge/internal/rowid"
	"github.com/roach88/converge/internal/testutil"
)

func addN(n int64) graph.Func {
	return func(args []ir.IRValue) (ir.IRValue, error) {
		v, _ := args[0].(ir.IRInt)
		return v + ir.IRInt(n), nil
	}
}

func sum(args []ir.IRValue) (ir.IRValue, error) {
	var total ir.IRInt
	for _, a := range args {
		if n, ok := a.(ir.IRInt); ok {
			total += n
		}
	}
	return total, nil
}

func computed(name, target string, fn graph.Func, deps ...string) graph.Decl {
	return graph.Decl{Name: name, Target: target, Deps: deps, Spec: graph.Computed{FnName: name, Fn: fn}}
}

// fanOut builds d0..d(n-1), each reading a.
func fanOut(n int) []graph.Decl {
	decls := make([]graph.Decl, n)
	for i := range decls {
		decls[i] = computed(fmt.Sprintf("d%d", i), fmt.Sprintf("d%d", i), addN(int64(i)), "a")
	}
	return decls
}

type fixture struct {
	t     *testing.T
	reg   *fieldpath.Registry
	g     *graph.Graph
	rows  *rowid.Store
	sched *Scheduler
	state ir.IRObject
	links LinkResolver
}

func newFixture(t *testing.T, decls []graph.Decl, state ir.IRObject) *fixture {
	t.Helper()
	reg := fieldpath.NewRegistry()
	g, _ := graph.Compile(decls, reg)
	return &fixture{
		t:     t,
		reg:   reg,
		g:     g,
		rows:  rowid.New("inst"),
		sched: New(testutil.NewManualClock()),
		state: state,
	}
}

func (f *fixture) write(path string, v ir.IRValue) fieldpath.DirtySet {
	f.t.Helper()
	next, err := ir.SetPath(f.state, ir.SplitPath(path), v)
	require.NoError(f.t, err)
	f.state = next
	tr := fieldpath.NewTracker(f.reg)
	tr.Mark(path)
	return tr.Build()
}

func (f *fixture) converge(pol config.Policy, dirty fieldpath.DirtySet, forced ...int) (Result, error) {
	res, err := f.sched.Converge(context.Background(), Input{
		Graph:    f.g,
		Registry: f.reg,
		Rows:     f.rows,
		State:    f.state,
		Dirty:    dirty,
		Policy:   pol,
		Links:    f.links,
		Forced:   forced,
	})
	if err == nil {
		f.state = res.State
	}
	return res, err
}

func policy(mode config.Mode) config.Policy {
	pol := config.Builtin()
	pol.Mode = mode
	return pol
}

func TestConverge_FullRunsEveryNode(t *testing.T) {
	f := newFixture(t, fanOut(10), ir.IRObject{"a": ir.IRInt(1)})

	res, err := f.converge(policy(config.ModeFull), fieldpath.AllDirty(fieldpath.ReasonInitial))
	require.NoError(t, err)

	d := res.Decision
	assert.Equal(t, config.ModeFull, d.ExecutedMode)
	assert.Equal(t, OutcomeSuccess, d.Outcome)
	assert.Equal(t, Stats{Total: 10, Affected: 10, Executed: 10, Skipped: 0, Changed: 10}, d.Stats)
	assert.Equal(t, ir.IRInt(10), res.State["d9"])
}

func TestConverge_DirtyEquivalentToFull(t *testing.T) {
	decls := append(fanOut(3),
		computed("total", "total", sum, "d0", "d1", "d2"),
		computed("other", "other", addN(100), "b"),
	)
	base := ir.IRObject{"a": ir.IRInt(1), "b": ir.IRInt(1)}

	dirtyRun := newFixture(t, decls, base)
	_, err := dirtyRun.converge(policy(config.ModeFull), fieldpath.AllDirty(fieldpath.ReasonInitial))
	require.NoError(t, err)

	res, err := dirtyRun.converge(policy(config.ModeDirty), dirtyRun.write("a", ir.IRInt(7)))
	require.NoError(t, err)
	assert.Equal(t, config.ModeDirty, res.Decision.ExecutedMode)
	assert.Equal(t, 4, res.Decision.Stats.Affected, "other is not reachable from a")

	fullRun := newFixture(t, decls, ir.IRObject{"a": ir.IRInt(7), "b": ir.IRInt(1)})
	_, err = fullRun.converge(policy(config.ModeFull), fieldpath.AllDirty(fieldpath.ReasonInitial))
	require.NoError(t, err)

	assert.True(t, ir.Equal(fullRun.state, dirtyRun.state), "dirty %v != full %v", dirtyRun.state, fullRun.state)
	assert.Equal(t, ir.IRInt(7+8+9), dirtyRun.state["total"])
}

func TestConverge_DerivedTargetWriteEquivalentToFull(t *testing.T) {
	nested := computed("profile", "profile.name", addN(0), "a")
	decls := append(fanOut(2), nested)

	for _, mode := range []config.Mode{config.ModeDirty, config.ModeAuto} {
		t.Run(string(mode), func(t *testing.T) {
			for _, write := range []struct {
				path string
				v    ir.IRValue
			}{
				{"d0", ir.IRInt(999)},
				{"profile", ir.IRObject{"name": ir.IRInt(-1)}},
			} {
				base := ir.IRObject{"a": ir.IRInt(1)}
				run := newFixture(t, decls, base)
				_, err := run.converge(policy(config.ModeFull), fieldpath.AllDirty(fieldpath.ReasonInitial))
				require.NoError(t, err)
				want := run.state

				res, err := run.converge(policy(mode), run.write(write.path, write.v))
				require.NoError(t, err)
				assert.Equal(t, config.ModeDirty, res.Decision.ExecutedMode)
				assert.True(t, ir.Equal(want, run.state), "write %s: dirty %v != full %v", write.path, run.state, want)
			}
		})
	}
}

func TestConverge_AutoCacheHit(t *testing.T) {
	f := newFixture(t, fanOut(10), ir.IRObject{"a": ir.IRInt(0)})

	first, err := f.converge(policy(config.ModeAuto), f.write("a", ir.IRInt(1)))
	require.NoError(t, err)
	assert.Equal(t, CacheMiss, first.Decision.Cache)
	assert.Equal(t, config.ModeDirty, first.Decision.ExecutedMode)
	assert.Equal(t, 10, first.Decision.Stats.Affected)

	second, err := f.converge(policy(config.ModeAuto), f.write("a", ir.IRInt(2)))
	require.NoError(t, err)
	assert.True(t, second.Decision.CacheHit())
	assert.Equal(t, config.ModeDirty, second.Decision.ExecutedMode)
	assert.Equal(t, 10, second.Decision.Stats.Affected)
	assert.Equal(t, 10, second.Decision.Stats.Changed)
	assert.Equal(t, 1, f.sched.CacheLen())
}

func TestConverge_CacheDisabledFallsBackToFull(t *testing.T) {
	f := newFixture(t, fanOut(3), ir.IRObject{"a": ir.IRInt(0)})
	pol := policy(config.ModeAuto)
	pol.DecisionCacheSize = -1

	res, err := f.converge(pol, f.write("a", ir.IRInt(1)))
	require.NoError(t, err)
	assert.Equal(t, config.ModeFull, res.Decision.ExecutedMode)
	assert.Equal(t, FallbackCacheDisabled, res.Decision.Fallback)
	assert.Equal(t, CacheDisabled, res.Decision.Cache)

	pol.Mode = config.ModeDirty
	res, err = f.converge(pol, f.write("a", ir.IRInt(2)))
	require.NoError(t, err)
	assert.Equal(t, config.ModeDirty, res.Decision.ExecutedMode, "dirty mode never falls back for the cache")
}

func TestConverge_DecisionBudgetFallsBackToFull(t *testing.T) {
	f := newFixture(t, fanOut(3), ir.IRObject{"a": ir.IRInt(0)})
	f.sched = New(testutil.NewStepClock(2 * time.Millisecond))
	pol := policy(config.ModeAuto)
	pol.DecisionBudget = time.Millisecond

	res, err := f.converge(pol, f.write("a", ir.IRInt(1)))
	require.NoError(t, err)
	assert.Equal(t, config.ModeFull, res.Decision.ExecutedMode)
	assert.Equal(t, FallbackDecisionBudget, res.Decision.Fallback)
	assert.Equal(t, 0, f.sched.CacheLen(), "overrun plans are not cached")
	assert.Equal(t, ir.IRInt(3), res.State["d2"])
}

func TestConverge_ZeroDecisionBudgetIsUnlimited(t *testing.T) {
	f := newFixture(t, fanOut(3), ir.IRObject{"a": ir.IRInt(0)})
	f.sched = New(testutil.NewStepClock(time.Second))
	pol := policy(config.ModeAuto)
	pol.DecisionBudget = 0
	pol.ExecutionBudget = 0

	for v := range int64(3) {
		res, err := f.converge(pol, f.write("a", ir.IRInt(v+1)))
		require.NoError(t, err)
		assert.Equal(t, config.ModeDirty, res.Decision.ExecutedMode)
		assert.Equal(t, OutcomeSuccess, res.Decision.Outcome)
		if v > 0 {
			assert.True(t, res.Decision.CacheHit())
		}
	}
	assert.Equal(t, ir.IRInt(5), f.state["d2"])
}

func TestConverge_AllDirtyRunsFull(t *testing.T) {
	f := newFixture(t, fanOut(2), ir.IRObject{"a": ir.IRInt(0)})

	res, err := f.converge(policy(config.ModeDirty), fieldpath.AllDirty(fieldpath.ReasonUnknownWrite))
	require.NoError(t, err)
	assert.Equal(t, config.ModeFull, res.Decision.ExecutedMode)
	assert.Equal(t, FallbackAllDirty, res.Decision.Fallback)
	assert.True(t, res.Decision.DirtyAll)
	assert.Equal(t, fieldpath.ReasonUnknownWrite, res.Decision.DirtyReason)
}

func TestConverge_CleanSetPlansNothing(t *testing.T) {
	f := newFixture(t, fanOut(2), ir.IRObject{"a": ir.IRInt(0)})

	res, err := f.converge(policy(config.ModeAuto), fieldpath.DirtySet{})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Decision.Stats.Affected)
	assert.Equal(t, OutcomeSuccess, res.Decision.Outcome)
}

func TestConverge_MultipleWritersHardFails(t *testing.T) {
	f := newFixture(t, []graph.Decl{
		computed("n1", "t", addN(1), "a"),
		computed("n2", "t", addN(2), "a"),
		computed("safe", "s", addN(0), "b"),
	}, ir.IRObject{"a": ir.IRInt(0), "b": ir.IRInt(0)})

	res, err := f.converge(policy(config.ModeAuto), f.write("a", ir.IRInt(5)))
	require.Error(t, err)
	assert.True(t, IsHardFail(err))
	assert.Equal(t, OutcomeHardFailed, res.Decision.Outcome)
	assert.Equal(t, []graph.IssueCode{graph.IssueMultipleWriters}, res.Decision.Violations)
	assert.Equal(t, 0, res.Decision.Stats.Executed)

	// A plan that avoids the flagged nodes still converges.
	res, err = f.converge(policy(config.ModeDirty), f.write("b", ir.IRInt(3)))
	require.NoError(t, err)
	assert.Equal(t, ir.IRInt(3), res.State["s"])
}

func TestConverge_CycleHardFails(t *testing.T) {
	f := newFixture(t, []graph.Decl{
		computed("x", "x", addN(1), "y"),
		computed("y", "y", addN(1), "x"),
	}, ir.IRObject{})

	res, err := f.converge(policy(config.ModeFull), fieldpath.AllDirty(fieldpath.ReasonInitial))
	require.Error(t, err)

	var hf *HardFailError
	require.True(t, errors.As(err, &hf))
	assert.Equal(t, []graph.IssueCode{graph.IssueCycleDetected}, hf.Codes)
	assert.ElementsMatch(t, []string{"x", "y"}, hf.Nodes)
	assert.Equal(t, OutcomeHardFailed, res.Decision.Outcome)
}

func TestConverge_DeferredHandedToLane(t *testing.T) {
	slow := computed("slow", "slow", addN(1), "a")
	slow.Deferred = true
	f := newFixture(t, []graph.Decl{slow, computed("after", "after", addN(1), "slow")}, ir.IRObject{"a": ir.IRInt(0)})

	res, err := f.converge(policy(config.ModeDirty), f.write("a", ir.IRInt(1)))
	require.NoError(t, err)
	assert.Equal(t, []int{0}, res.Deferred)
	assert.Equal(t, []string{"slow"}, res.Decision.Deferred)
	_, present := res.State["slow"]
	assert.False(t, present, "deferred node not executed inline")

	// The lane slice forces the node; its dependent follows.
	res, err = f.converge(policy(config.ModeDirty), fieldpath.DirtySet{}, 0)
	require.NoError(t, err)
	assert.Empty(t, res.Deferred)
	assert.Equal(t, ir.IRInt(2), res.State["slow"])
	assert.Equal(t, ir.IRInt(3), res.State["after"])
	assert.Equal(t, CacheNotEligible, res.Decision.Cache)
}

func TestConverge_DeferredUpToDateIsNotRequeued(t *testing.T) {
	slow := computed("slow", "slow", addN(1), "a")
	slow.Deferred = true
	f := newFixture(t, []graph.Decl{slow}, ir.IRObject{"a": ir.IRInt(0)})

	_, err := f.converge(policy(config.ModeDirty), fieldpath.DirtySet{}, 0)
	require.NoError(t, err)

	res, err := f.converge(policy(config.ModeFull), fieldpath.AllDirty(fieldpath.ReasonFallbackPolicy))
	require.NoError(t, err)
	assert.Empty(t, res.Deferred)
	assert.Equal(t, 1, res.Decision.Stats.Skipped)
}

func TestConverge_ExecutionBudgetFreezesDeferred(t *testing.T) {
	slow := computed("slow", "slow", addN(1), "a")
	slow.Deferred = true
	f := newFixture(t, []graph.Decl{computed("fast", "fast", addN(1), "a"), slow}, ir.IRObject{"a": ir.IRInt(0)})
	f.sched = New(testutil.NewStepClock(5 * time.Millisecond))

	pol := policy(config.ModeDirty)
	pol.Lane.Enabled = false
	pol.ExecutionBudget = time.Millisecond

	res, err := f.converge(pol, f.write("a", ir.IRInt(1)))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDegraded, res.Decision.Outcome)
	assert.Equal(t, []string{"slow"}, res.Decision.Frozen)
	assert.Equal(t, ir.IRInt(2), res.State["fast"], "non-deferred nodes still run")
	assert.Equal(t, ir.IRInt(1), res.State["a"], "base writes are kept")
}

func TestConverge_NodeErrorFails(t *testing.T) {
	boom := func([]ir.IRValue) (ir.IRValue, error) { return nil, errors.New("boom") }
	f := newFixture(t, []graph.Decl{computed("bad", "bad", boom, "a")}, ir.IRObject{"a": ir.IRInt(0)})

	res, err := f.converge(policy(config.ModeDirty), f.write("a", ir.IRInt(1)))
	require.Error(t, err)
	assert.True(t, IsNodeError(err))
	assert.Contains(t, err.Error(), "boom")
	assert.Equal(t, OutcomeHardFailed, res.Decision.Outcome)
}

func TestConverge_MemoSkipsUnchangedInputs(t *testing.T) {
	calls := 0
	counted := func(args []ir.IRValue) (ir.IRValue, error) {
		calls++
		return args[0], nil
	}
	f := newFixture(t, []graph.Decl{computed("c", "c", counted, "a")}, ir.IRObject{"a": ir.IRInt(1)})

	_, err := f.converge(policy(config.ModeFull), fieldpath.AllDirty(fieldpath.ReasonInitial))
	require.NoError(t, err)
	_, err = f.converge(policy(config.ModeFull), fieldpath.AllDirty(fieldpath.ReasonInitial))
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	// A direct write to the target invalidates the memo.
	_, err = f.converge(policy(config.ModeFull), f.write("c", ir.IRInt(99)))
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, ir.IRInt(1), f.state["c"])
}

func TestConverge_PurgeDropsCache(t *testing.T) {
	f := newFixture(t, fanOut(2), ir.IRObject{"a": ir.IRInt(0)})
	_, err := f.converge(policy(config.ModeAuto), f.write("a", ir.IRInt(1)))
	require.NoError(t, err)
	require.Equal(t, 1, f.sched.CacheLen())

	f.sched.Purge()
	assert.Equal(t, 0, f.sched.CacheLen())
}

func TestConverge_GenerationKeysCache(t *testing.T) {
	f := newFixture(t, fanOut(2), ir.IRObject{"a": ir.IRInt(0)})
	dirty := f.write("a", ir.IRInt(1))

	in := Input{Graph: f.g, Registry: f.reg, Rows: f.rows, State: f.state, Dirty: dirty, Policy: policy(config.ModeAuto)}
	_, err := f.sched.Converge(context.Background(), in)
	require.NoError(t, err)

	in.Generation = 1
	res, err := f.sched.Converge(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, CacheMiss, res.Decision.Cache)
}

func TestConverge_GraphDigestKeysCache(t *testing.T) {
	f := newFixture(t, fanOut(2), ir.IRObject{"a": ir.IRInt(0)})
	_, err := f.converge(policy(config.ModeAuto), f.write("a", ir.IRInt(1)))
	require.NoError(t, err)

	// Same generation and dirty hash, different dependency shape.
	f.g, _ = graph.Compile(fanOut(3), f.reg)
	res, err := f.converge(policy(config.ModeAuto), f.write("a", ir.IRInt(2)))
	require.NoError(t, err)
	assert.Equal(t, CacheMiss, res.Decision.Cache)
	assert.Equal(t, 3, res.Decision.Stats.Affected)
	assert.Equal(t, ir.IRInt(4), res.State["d2"])
}

func TestConverge_ContextCanceled(t *testing.T) {
	f := newFixture(t, fanOut(2), ir.IRObject{"a": ir.IRInt(0)})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.sched.Converge(ctx, Input{
		Graph: f.g, Registry: f.reg, State: f.state,
		Dirty: fieldpath.AllDirty(fieldpath.ReasonInitial), Policy: policy(config.ModeFull),
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDecision_Payload(t *testing.T) {
	d := Decision{
		RequestedMode:     config.ModeAuto,
		ExecutedMode:      config.ModeDirty,
		Outcome:           OutcomeSuccess,
		Cache:             CacheHit,
		ExecutionDuration: 1500 * time.Microsecond,
		Stats:             Stats{Total: 11, Affected: 10, Executed: 10, Changed: 10},
		Changed:           []string{"d0"},
	}
	p := d.Payload()
	assert.Equal(t, ir.IRString("dirty"), p["executed_mode"])
	assert.Equal(t, ir.IRBool(true), p["cache_hit"])
	assert.Equal(t, ir.IRInt(1500), p["execution_duration_us"])
	assert.Equal(t, ir.IRInt(10), p["stats"].(ir.IRObject)["affected"])
	assert.Equal(t, ir.IRArray{ir.IRString("d0")}, p["changed"])
	_, err := ir.MarshalCanonical(p)
	assert.NoError(t, err)
}

func TestBudget(t *testing.T) {
	clock := testutil.NewManualClock()
	b := StartBudget(clock, "execution", 10*time.Millisecond)
	assert.NoError(t, b.Check())

	clock.Advance(11 * time.Millisecond)
	err := b.Check()
	require.Error(t, err)
	assert.True(t, IsBudgetExceeded(err))
	assert.Contains(t, err.Error(), "execution budget exceeded")
	assert.Equal(t, 10*time.Millisecond, b.Limit())

	unlimited := StartBudget(clock, "decision", 0)
	clock.Advance(time.Hour)
	assert.NoError(t, unlimited.Check())
}

func (f *fixture) mark(paths ...string) fieldpath.DirtySet {
	tr := fieldpath.NewTracker(f.reg)
	for _, p := range paths {
		tr.Mark(p)
	}
	return tr.Build()
}

func row(id, price int64) ir.IRObject {
	return ir.IRObject{"id": ir.IRInt(id), "price": ir.IRInt(price)}
}

func TestConverge_ListRowsMemoizedByIdentity(t *testing.T) {
	calls := 0
	double := func(args []ir.IRValue) (ir.IRValue, error) {
		calls++
		p, _ := args[0].(ir.IRObject)["price"].(ir.IRInt)
		return p * 2, nil
	}
	f := newFixture(t, []graph.Decl{{
		Name:   "doubled",
		Target: "doubled",
		Spec:   graph.List{Items: "items", TrackBy: "id", FnName: "double", Fn: double},
	}}, ir.IRObject{"items": ir.IRArray{row(1, 10), row(2, 20)}})

	res, err := f.converge(policy(config.ModeFull), fieldpath.AllDirty(fieldpath.ReasonInitial))
	require.NoError(t, err)
	assert.Equal(t, ir.IRArray{ir.IRInt(20), ir.IRInt(40)}, res.State["doubled"])
	assert.Equal(t, 2, calls)

	res, err = f.converge(policy(config.ModeDirty), f.write("items", ir.IRArray{row(2, 20), row(1, 10)}))
	require.NoError(t, err)
	assert.Equal(t, ir.IRArray{ir.IRInt(40), ir.IRInt(20)}, res.State["doubled"])
	assert.Equal(t, 2, calls, "reordering reuses row results")

	res, err = f.converge(policy(config.ModeDirty), f.write("items", ir.IRArray{row(2, 25), row(1, 10)}))
	require.NoError(t, err)
	assert.Equal(t, ir.IRArray{ir.IRInt(50), ir.IRInt(20)}, res.State["doubled"])
	assert.Equal(t, 3, calls, "only the edited row recomputes")

	ids := f.rows.Lookup("items#id")
	assert.Equal(t, []rowid.RowID{"inst::r2", "inst::r1"}, ids)
}

func TestConverge_SourceEffects(t *testing.T) {
	load := func(context.Context, ir.IRValue) (ir.IRValue, error) { return ir.IRString("data"), nil }
	key := func(args []ir.IRValue) (ir.IRValue, error) { return args[0], nil }
	f := newFixture(t, []graph.Decl{{
		Name:   "results",
		Target: "results",
		Deps:   []string{"query"},
		Spec:   graph.Source{KeyName: "query", Key: key, LoaderName: "search", Load: load, Policy: graph.SourceSwitch},
	}}, ir.IRObject{"query": ir.IRNull{}})

	res, err := f.converge(policy(config.ModeFull), fieldpath.AllDirty(fieldpath.ReasonInitial))
	require.NoError(t, err)
	assert.Empty(t, res.Effects, "null key on a fresh target needs no cancel")
	assert.Equal(t, ir.IRString(SourceIdle), res.State["results"].(ir.IRObject)["status"])

	res, err = f.converge(policy(config.ModeDirty), f.write("query", ir.IRString("go")))
	require.NoError(t, err)
	require.Len(t, res.Effects, 1)
	eff := res.Effects[0]
	assert.Equal(t, "results", eff.Node)
	assert.Equal(t, ir.IRString("go"), eff.Key)
	assert.Equal(t, graph.SourceSwitch, eff.Policy)
	assert.NotEmpty(t, eff.KeyHash)
	assert.False(t, eff.Cancel)
	assert.Equal(t, ir.IRString(SourceLoading), res.State["results"].(ir.IRObject)["status"])

	// A loader result lands as success; the same key does not reload.
	f.state, err = ir.SetPath(f.state, []string{"results"}, SourceSnapshot(SourceSuccess, ir.IRString("go"), ir.IRString("data"), ""))
	require.NoError(t, err)
	res, err = f.converge(policy(config.ModeFull), fieldpath.AllDirty(fieldpath.ReasonFallbackPolicy))
	require.NoError(t, err)
	assert.Empty(t, res.Effects)
	assert.Equal(t, ir.IRString(SourceSuccess), res.State["results"].(ir.IRObject)["status"])

	res, err = f.converge(policy(config.ModeDirty), f.write("query", ir.IRString("rust")))
	require.NoError(t, err)
	require.Len(t, res.Effects, 1)
	snap := res.State["results"].(ir.IRObject)
	assert.Equal(t, ir.IRString(SourceLoading), snap["status"])
	assert.Equal(t, ir.IRString("data"), snap["data"], "stale data is kept while loading")

	res, err = f.converge(policy(config.ModeDirty), f.write("query", ir.IRNull{}))
	require.NoError(t, err)
	require.Len(t, res.Effects, 1)
	assert.True(t, res.Effects[0].Cancel)
	assert.Equal(t, ir.IRString(SourceIdle), res.State["results"].(ir.IRObject)["status"])
}

type mapLinks map[string]ir.IRValue

func (m mapLinks) Resolve(module, path string) (ir.IRValue, bool) {
	v, ok := m[module+"."+path]
	return v, ok
}

func TestConverge_LinkResolution(t *testing.T) {
	links := mapLinks{"user.name": ir.IRString("ann")}
	f := newFixture(t, []graph.Decl{
		{Name: "owner", Target: "owner", Spec: graph.Link{Module: "user", Path: "name"}},
		computed("greeting", "greeting", func(args []ir.IRValue) (ir.IRValue, error) {
			return ir.IRString("hi " + string(args[0].(ir.IRString))), nil
		}, "owner"),
		{Name: "missing", Target: "missing", Spec: graph.Link{Module: "nobody", Path: "x"}},
	}, ir.IRObject{})
	f.links = links

	res, err := f.converge(policy(config.ModeFull), fieldpath.AllDirty(fieldpath.ReasonInitial))
	require.NoError(t, err)
	assert.Equal(t, ir.IRString("hi ann"), res.State["greeting"])
	assert.True(t, ir.Equal(ir.IRNull{}, res.State["missing"]), "unresolved links read as null")

	links["user.name"] = ir.IRString("bob")
	res, err = f.converge(policy(config.ModeDirty), f.mark(graph.LinkPath("user", "name")))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Decision.Stats.Affected)
	assert.Equal(t, ir.IRString("hi bob"), res.State["greeting"])
}
