package compiler

import (
	"errors"
	"testing"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/converge/internal/fieldpath"
	"github.com/roach88/converge/internal/graph"
	"github.com/roach88/converge/internal/ir"
)

const cartSrc = `
module: cart: {
	state: {
		qty:   2
		query: "a"
		items: [{id: "x", n: 1}, {id: "y", n: 2}]
	}

	policy: {
		mode:               "auto"
		decision_budget_ms: 10
		lane_enabled:       true
		lane_debounce_ms:   20
	}

	link: rate: {module: "pricing", path: "unit"}

	computed: total: {
		deps: ["qty", "rate"]
		fn:   "product"
	}
	computed: count: {
		target:   "summary.count"
		deps:     ["items"]
		fn:       "len"
		deferred: true
		traits:   ["counter"]
	}

	source: user: {
		deps:   ["query"]
		loader: "echo"
		policy: "exhaust"
	}

	list: doubled: {
		items:    "items"
		track_by: "id"
		fn:       "copy"
	}
}

module: pricing: {
	state: unit: 3
}
`

func compileSrc(t *testing.T, src string) cue.Value {
	t.Helper()
	v := cuecontext.New().CompileString(src)
	require.NoError(t, v.Err())
	return v
}

func TestCompileModules(t *testing.T) {
	defs, err := Compile(compileSrc(t, cartSrc), nil)
	require.NoError(t, err)
	require.Len(t, defs, 2)

	assert.Equal(t, "cart", defs[0].Name)
	assert.Equal(t, "pricing", defs[1].Name)
	assert.Equal(t, ir.IRObject{"unit": ir.IRInt(3)}, defs[1].Initial)
}

func TestCompileModuleState(t *testing.T) {
	defs, err := Compile(compileSrc(t, cartSrc), nil)
	require.NoError(t, err)

	want := ir.IRObject{
		"qty":   ir.IRInt(2),
		"query": ir.IRString("a"),
		"items": ir.IRArray{
			ir.IRObject{"id": ir.IRString("x"), "n": ir.IRInt(1)},
			ir.IRObject{"id": ir.IRString("y"), "n": ir.IRInt(2)},
		},
	}
	assert.True(t, ir.Equal(want, defs[0].Initial))
}

func TestCompileModulePolicy(t *testing.T) {
	defs, err := Compile(compileSrc(t, cartSrc), nil)
	require.NoError(t, err)

	p := defs[0].Policy
	require.NotNil(t, p.Mode)
	assert.Equal(t, "auto", *p.Mode)
	require.NotNil(t, p.DecisionBudgetMs)
	assert.Equal(t, 10, *p.DecisionBudgetMs)
	require.NotNil(t, p.LaneEnabled)
	assert.True(t, *p.LaneEnabled)
	require.NotNil(t, p.LaneDebounceMs)
	assert.Equal(t, 20, *p.LaneDebounceMs)
	assert.Nil(t, p.ExecutionBudgetMs)
}

func TestCompileModuleNodes(t *testing.T) {
	defs, err := Compile(compileSrc(t, cartSrc), nil)
	require.NoError(t, err)

	decls := defs[0].Decls
	require.Len(t, decls, 5)

	byName := make(map[string]graph.Decl)
	for _, d := range decls {
		byName[d.Name] = d
	}

	rate := byName["rate"]
	assert.Equal(t, "rate", rate.Target)
	assert.Equal(t, graph.Link{Module: "pricing", Path: "unit"}, rate.Spec)

	total := byName["total"]
	assert.Equal(t, []string{"qty", "rate"}, total.Deps)
	c, ok := total.Spec.(graph.Computed)
	require.True(t, ok)
	assert.Equal(t, "product", c.FnName)
	out, err := c.Fn([]ir.IRValue{ir.IRInt(2), ir.IRInt(3)})
	require.NoError(t, err)
	assert.Equal(t, ir.IRInt(6), out)

	count := byName["count"]
	assert.Equal(t, "summary.count", count.Target)
	assert.True(t, count.Deferred)
	assert.Equal(t, []string{"counter"}, count.Traits)

	user := byName["user"]
	s, ok := user.Spec.(graph.Source)
	require.True(t, ok)
	assert.Equal(t, "copy", s.KeyName)
	assert.Equal(t, "echo", s.LoaderName)
	assert.Equal(t, graph.SourceExhaust, s.Policy)

	doubled := byName["doubled"]
	l, ok := doubled.Spec.(graph.List)
	require.True(t, ok)
	assert.Equal(t, "items", l.Items)
	assert.Equal(t, "id", l.TrackBy)
}

func TestCompileModuleCompilesToGraph(t *testing.T) {
	defs, err := Compile(compileSrc(t, cartSrc), nil)
	require.NoError(t, err)

	_, rep := graph.Compile(defs[0].Decls, fieldpath.NewRegistry())
	assert.False(t, rep.Fatal(), rep.Summary())
}

func TestCompileModuleSourceDefaultsToSwitch(t *testing.T) {
	v := compileSrc(t, `module: m: source: s: {deps: ["k"], loader: "echo"}`)
	def, err := CompileModule(v.LookupPath(cue.ParsePath("module.m")), nil)
	require.NoError(t, err)
	require.Len(t, def.Decls, 1)
	assert.Equal(t, graph.SourceSwitch, def.Decls[0].Spec.(graph.Source).Policy)
}

func TestCompileModuleQuotedName(t *testing.T) {
	v := compileSrc(t, `module: "shopping-cart": state: a: 1`)
	defs, err := Compile(v, nil)
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, "shopping-cart", defs[0].Name)
}

func TestCompileModuleCustomFunc(t *testing.T) {
	funcs := NewFuncs()
	funcs.Register("double", func(args []ir.IRValue) (ir.IRValue, error) {
		return args[0].(ir.IRInt) * 2, nil
	})

	v := compileSrc(t, `module: m: {
		state: a: 1
		computed: b: {deps: ["a"], fn: "double"}
	}`)
	defs, err := Compile(v, funcs)
	require.NoError(t, err)

	c := defs[0].Decls[0].Spec.(graph.Computed)
	out, err := c.Fn([]ir.IRValue{ir.IRInt(4)})
	require.NoError(t, err)
	assert.Equal(t, ir.IRInt(8), out)
}

func TestCompileErrors(t *testing.T) {
	tests := []struct {
		name  string
		src   string
		field string
	}{
		{"no modules", `other: 1`, "module"},
		{"unknown section", `module: m: widgets: {}`, "widgets"},
		{"unknown function", `module: m: computed: c: {deps: ["a"], fn: "nope"}`, "computed.c"},
		{"missing fn", `module: m: computed: c: {deps: ["a"]}`, "computed.c.fn"},
		{"unknown loader", `module: m: source: s: {deps: ["a"], loader: "nope"}`, "source.s.loader"},
		{"bad source policy", `module: m: source: s: {loader: "echo", policy: "merge"}`, "source.s.policy"},
		{"link without module", `module: m: link: l: {path: "x"}`, "link.l.module"},
		{"list without items", `module: m: list: l: {fn: "copy"}`, "list.l.items"},
		{"unknown policy key", `module: m: policy: turbo: true`, "policy.turbo"},
		{"float in state", `module: m: state: price: 1.5`, "type"},
		{"incomplete state", `module: m: state: n: int`, "value"},
		{"state not struct", `module: m: state: [1, 2]`, "state"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile(compileSrc(t, tt.src), nil)
			require.Error(t, err)

			var ce *CompileError
			require.True(t, errors.As(err, &ce), "got %T: %v", err, err)
			assert.Equal(t, tt.field, ce.Field)
		})
	}
}

func TestCompileErrorFormat(t *testing.T) {
	err := &CompileError{Field: "computed.c", Message: "unknown function"}
	assert.Equal(t, "computed.c: unknown function", err.Error())
}

func TestCompileErrorPosition(t *testing.T) {
	v := cuecontext.New().CompileString(`module: m: {
	computed: c: {fn: "nope"}
}`, cue.Filename("cart.cue"))
	require.NoError(t, v.Err())

	_, err := Compile(v, nil)
	require.Error(t, err)

	var ce *CompileError
	require.True(t, errors.As(err, &ce))
	require.True(t, ce.Pos.IsValid())
	assert.Equal(t, 2, ce.Pos.Line())
	assert.Contains(t, err.Error(), "cart.cue:2:")
}

func TestCompileInvalidCUE(t *testing.T) {
	v := cuecontext.New().CompileString(`module: m: state: {a: 1, a: 2}`)
	_, err := Compile(v, nil)
	require.Error(t, err)
}
