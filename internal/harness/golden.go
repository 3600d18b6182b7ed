package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/converge/internal/ir"
)

// TraceSnapshot captures the trace and final state of a scenario run.
// It serializes to canonical JSON for deterministic comparison.
type TraceSnapshot struct {
	ScenarioName string
	Trace        []TraceEvent
	State        map[string]ir.IRObject
}

// snapshotFields are the payload keys kept in a snapshot. Durations,
// dirty hashes, and messages are left out so snapshots stay stable.
var snapshotFields = map[string]bool{
	"lane":           true,
	"requested_mode": true,
	"executed_mode":  true,
	"outcome":        true,
	"dirty_reason":   true,
	"cache":          true,
	"fallback":       true,
	"changed":        true,
	"patches":        true,
	"code":           true,
}

// toCanonical converts the snapshot to IR.
func (s *TraceSnapshot) toCanonical() ir.IRObject {
	trace := make(ir.IRArray, len(s.Trace))
	for i, event := range s.Trace {
		obj := ir.IRObject{
			"seq":  ir.IRInt(event.Seq),
			"kind": ir.IRString(event.Kind),
		}
		if event.Module != "" {
			obj["module"] = ir.IRString(event.Module)
		}
		if event.TxnSeq != 0 {
			obj["txn_seq"] = ir.IRInt(event.TxnSeq)
		}
		if payload := stableFields(event.Payload); len(payload) > 0 {
			obj["payload"] = payload
		}
		trace[i] = obj
	}

	state := make(ir.IRObject, len(s.State))
	for name, st := range s.State {
		state[name] = st
	}

	return ir.IRObject{
		"scenario_name": ir.IRString(s.ScenarioName),
		"trace":         trace,
		"state":         state,
	}
}

func stableFields(p ir.IRObject) ir.IRObject {
	out := make(ir.IRObject, len(p))
	for k, v := range p {
		if snapshotFields[k] {
			out[k] = v
		}
	}
	return out
}

// Marshal renders the snapshot as canonical JSON.
func (s *TraceSnapshot) Marshal() ([]byte, error) {
	return ir.MarshalCanonical(s.toCanonical())
}

// RunWithGolden executes a scenario and compares its snapshot against a
// golden file in testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns error if scenario execution fails.
// Test failure (via goldie) occurs if the snapshot doesn't match.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	return result, AssertGolden(t, scenario.Name, result)
}

// AssertGolden compares an existing result against a golden file without
// re-running the scenario.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	snapshot := TraceSnapshot{
		ScenarioName: scenarioName,
		Trace:        result.Trace,
		State:        result.State,
	}
	data, err := snapshot.Marshal()
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, data)
	return nil
}
