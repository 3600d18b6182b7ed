package harness

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/converge/internal/compiler"
	"github.com/roach88/converge/internal/ir"
)

func runFile(t *testing.T, path string) *Result {
	t.Helper()
	s, err := LoadScenario(path)
	require.NoError(t, err)
	result, err := Run(s)
	require.NoError(t, err)
	return result
}

func TestRun_Scenarios(t *testing.T) {
	for _, name := range []string{"counter_chain", "node_failure", "linked_modules"} {
		t.Run(name, func(t *testing.T) {
			result := runFile(t, filepath.Join("testdata", "scenarios", name+".yaml"))
			assert.True(t, result.Pass, "errors: %v", result.Errors)
			assert.Empty(t, result.Errors)
		})
	}
}

func TestRun_InitialConvergence(t *testing.T) {
	result := runFile(t, "testdata/scenarios/counter_chain.yaml")

	require.NotEmpty(t, result.Trace)
	first := result.Trace[0]
	assert.Equal(t, "converge_decision", first.Kind)
	assert.Equal(t, "counter", first.Module)
	assert.Equal(t, ir.IRString("initial"), first.Payload["dirty_reason"])
	assert.Equal(t, ir.IRString("full"), first.Payload["executed_mode"])
}

func TestRun_FailedExpectation(t *testing.T) {
	s, err := ParseScenario([]byte(`
name: wrong
description: expects the wrong values
specs: [testdata/specs/counter.cue]
steps:
  - write: { count: 2 }
    expect:
      cache: hit
      state: { next: 4 }
  - write: { count: "x" }
assertions:
  - type: final_state
    expect: { label: "9" }
`))
	require.NoError(t, err)

	result, err := Run(s)
	require.NoError(t, err)
	assert.False(t, result.Pass)

	require.Len(t, result.Errors, 4)
	assert.Contains(t, result.Errors[0], "steps[0]: expected cache hit")
	assert.Contains(t, result.Errors[1], `steps[0]: path "next" = 3, want 4`)
	assert.Contains(t, result.Errors[2], "steps[1]: expected commit")
	assert.Contains(t, result.Errors[3], `path "label" = "3", want "9"`)
}

func TestRun_UnknownModule(t *testing.T) {
	s, err := ParseScenario([]byte(`
name: unknown
description: targets a module no spec declares
specs: [testdata/specs/counter.cue]
module: ledger
steps:
  - settle: true
`))
	require.NoError(t, err)

	_, err = Run(s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `module "ledger" is not declared`)
}

func TestRun_CompileError(t *testing.T) {
	dir := t.TempDir()
	spec := filepath.Join(dir, "bad.cue")
	require.NoError(t, os.WriteFile(spec, []byte(`module: m: computed: x: {fn: "nope"}`), 0o644))

	_, err := Run(&Scenario{
		Name:        "bad",
		Description: "d",
		Specs:       []string{spec},
		Steps:       []Step{{Settle: true}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown function "nope"`)
}

func TestRunWithFuncs_CustomFunction(t *testing.T) {
	dir := t.TempDir()
	spec := filepath.Join(dir, "greet.cue")
	require.NoError(t, os.WriteFile(spec, []byte(`
module: greet: {
	state: name: "ada"
	computed: greeting: {deps: ["name"], fn: "hello"}
}
`), 0o644))

	funcs := compiler.NewFuncs()
	funcs.Register("hello", func(args []ir.IRValue) (ir.IRValue, error) {
		return ir.IRString(fmt.Sprintf("hello %s", args[0])), nil
	})

	result, err := RunWithFuncs(context.Background(), &Scenario{
		Name:        "greet",
		Description: "custom derive function",
		Specs:       []string{spec},
		Steps: []Step{{
			Write:  map[string]any{"name": "bob"},
			Expect: &ExpectClause{State: map[string]any{"greeting": "hello bob"}},
		}},
		Assertions: []Assertion{{
			Type:   AssertFinalState,
			Expect: map[string]any{"greeting": "hello bob"},
		}},
	}, funcs)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}
