package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/converge/internal/ir"
)

func TestRunWithGolden_CounterChain(t *testing.T) {
	s, err := LoadScenario("testdata/scenarios/counter_chain.yaml")
	require.NoError(t, err)

	result, err := RunWithGolden(t, s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestTraceSnapshot_DropsUnstableFields(t *testing.T) {
	snap := TraceSnapshot{
		ScenarioName: "s",
		Trace: []TraceEvent{{
			Seq:    1,
			Kind:   "converge_decision",
			Module: "m",
			TxnSeq: 4,
			Payload: ir.IRObject{
				"cache":                ir.IRString("miss"),
				"dirty_hash":           ir.IRString("abc"),
				"decision_duration_us": ir.IRInt(12),
			},
		}},
		State: map[string]ir.IRObject{"m": {"a": ir.IRInt(1)}},
	}

	data, err := snap.Marshal()
	require.NoError(t, err)
	assert.Equal(t,
		`{"scenario_name":"s","state":{"m":{"a":1}},"trace":[{"kind":"converge_decision","module":"m","payload":{"cache":"miss"},"seq":1,"txn_seq":4}]}`,
		string(data))
}

func TestTraceSnapshot_Deterministic(t *testing.T) {
	s, err := LoadScenario("testdata/scenarios/counter_chain.yaml")
	require.NoError(t, err)

	first, err := Run(s)
	require.NoError(t, err)
	second, err := Run(s)
	require.NoError(t, err)

	a, err := (&TraceSnapshot{ScenarioName: s.Name, Trace: first.Trace, State: first.State}).Marshal()
	require.NoError(t, err)
	b, err := (&TraceSnapshot{ScenarioName: s.Name, Trace: second.Trace, State: second.State}).Marshal()
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}
