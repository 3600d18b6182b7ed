package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadScenario(t *testing.T) {
	s, err := LoadScenario("testdata/scenarios/counter_chain.yaml")
	require.NoError(t, err)

	assert.Equal(t, "counter_chain", s.Name)
	assert.Equal(t, []string{filepath.Join("testdata", "specs", "counter.cue")}, s.Specs)
	require.NotNil(t, s.Policy.Mode)
	assert.Equal(t, "dirty", *s.Policy.Mode)

	require.Len(t, s.Steps, 2)
	assert.Equal(t, map[string]any{"count": 5}, s.Steps[0].Write)
	require.NotNil(t, s.Steps[0].Expect)
	assert.Equal(t, "miss", s.Steps[0].Expect.Cache)
	assert.Equal(t, "hit", s.Steps[1].Expect.Cache)

	require.Len(t, s.Assertions, 5)
	assert.Equal(t, AssertFinalState, s.Assertions[0].Type)
	assert.Equal(t, []string{"converge_decision", "txn_committed"}, s.Assertions[1].Kinds)
}

func TestLoadScenario_MissingSpec(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "s.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: s
description: d
specs: [missing.cue]
steps:
  - settle: true
`), 0o644))

	_, err := LoadScenario(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "spec file not found")
}

func TestLoadScenario_NotFound(t *testing.T) {
	_, err := LoadScenario("testdata/scenarios/nope.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestParseScenario_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "unknown field",
			yaml: "name: s\ndescription: d\nspecs: [a.cue]\nsteps: [{settle: true}]\nassertion: []\n",
			want: "field assertion not found",
		},
		{
			name: "missing name",
			yaml: "description: d\nspecs: [a.cue]\nsteps: [{settle: true}]\n",
			want: "name is required",
		},
		{
			name: "missing description",
			yaml: "name: s\nspecs: [a.cue]\nsteps: [{settle: true}]\n",
			want: "description is required",
		},
		{
			name: "missing specs",
			yaml: "name: s\ndescription: d\nsteps: [{settle: true}]\n",
			want: "specs list is required",
		},
		{
			name: "missing steps",
			yaml: "name: s\ndescription: d\nspecs: [a.cue]\n",
			want: "steps list is required",
		},
		{
			name: "write and settle",
			yaml: "name: s\ndescription: d\nspecs: [a.cue]\nsteps: [{settle: true, write: {a: 1}}]\n",
			want: "steps[0]: write and settle are exclusive",
		},
		{
			name: "empty step",
			yaml: "name: s\ndescription: d\nspecs: [a.cue]\nsteps: [{lane: urgent}]\n",
			want: "steps[0]: write or settle is required",
		},
		{
			name: "expect on settle",
			yaml: "name: s\ndescription: d\nspecs: [a.cue]\nsteps: [{settle: true, expect: {mode: dirty}}]\n",
			want: "steps[0]: expect applies to writes only",
		},
		{
			name: "unknown lane",
			yaml: "name: s\ndescription: d\nspecs: [a.cue]\nsteps: [{write: {a: 1}, lane: slow}]\n",
			want: `unknown lane "slow"`,
		},
		{
			name: "unknown assertion",
			yaml: "name: s\ndescription: d\nspecs: [a.cue]\nsteps: [{settle: true}]\nassertions: [{type: eventually}]\n",
			want: `unknown assertion type "eventually"`,
		},
		{
			name: "final_state without expect",
			yaml: "name: s\ndescription: d\nspecs: [a.cue]\nsteps: [{settle: true}]\nassertions: [{type: final_state}]\n",
			want: "expect is required for final_state",
		},
		{
			name: "trace_count without kind",
			yaml: "name: s\ndescription: d\nspecs: [a.cue]\nsteps: [{settle: true}]\nassertions: [{type: trace_count, count: 1}]\n",
			want: "kind is required for trace_count",
		},
		{
			name: "trace_order without kinds",
			yaml: "name: s\ndescription: d\nspecs: [a.cue]\nsteps: [{settle: true}]\nassertions: [{type: trace_order}]\n",
			want: "kinds list is required",
		},
		{
			name: "unknown policy key",
			yaml: "name: s\ndescription: d\nspecs: [a.cue]\npolicy: {speed: 3}\nsteps: [{settle: true}]\n",
			want: "field speed not found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
