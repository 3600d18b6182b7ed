package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/roach88/converge/internal/config"
	"github.com/roach88/converge/internal/engine"
)

// Scenario defines a conformance test scenario.
// Scenarios start the declared modules, apply a sequence of writes, and
// assert on the resulting state and evidence trace.
type Scenario struct {
	// Name uniquely identifies this scenario. It also names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Specs lists CUE module files to compile and start.
	// Paths are relative to the scenario file location.
	Specs []string `yaml:"specs"`

	// Module is the default target of steps and final_state assertions.
	// Empty means the first module declared.
	Module string `yaml:"module,omitempty"`

	// Policy is the runtime default layer for every module.
	Policy config.Patch `yaml:"policy,omitempty"`

	// Steps run in order. Each step is a write or a settle.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final state and trace.
	// Supported types: final_state, trace_contains, trace_order,
	// trace_count, evidence_count
	Assertions []Assertion `yaml:"assertions"`

	// SettleTimeoutMs bounds every settle. Zero means 5000.
	SettleTimeoutMs int `yaml:"settle_timeout_ms,omitempty"`
}

// Step is one scenario action.
type Step struct {
	// Module overrides Scenario.Module for this step.
	Module string `yaml:"module,omitempty"`

	// Write commits path → value assignments as one transaction.
	Write map[string]any `yaml:"write,omitempty"`

	// Lane is "urgent" (default) or "non_urgent".
	Lane string `yaml:"lane,omitempty"`

	// Settle waits until every instance is idle: no queued transactions,
	// deferred nodes, source loads, or link refreshes.
	Settle bool `yaml:"settle,omitempty"`

	// Expect checks the outcome of Write. Nil means the write must commit.
	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// ExpectClause specifies the expected outcome of a write.
type ExpectClause struct {
	// Error is the expected TxnError code (e.g. "NODE_FAILED"). Empty means
	// the write must commit.
	Error string `yaml:"error,omitempty"`

	// Mode is the expected executed convergence mode.
	Mode string `yaml:"mode,omitempty"`

	// Cache is the expected decision cache outcome (hit, miss, disabled,
	// not_eligible).
	Cache string `yaml:"cache,omitempty"`

	// State is a subset of the state right after the commit. Keys may be
	// dotted paths.
	State map[string]any `yaml:"state,omitempty"`
}

// Assertion validates final state or the evidence trace.
type Assertion struct {
	// Type specifies the assertion type:
	// - "final_state": state subset after the last settle
	// - "trace_contains": an event of Kind whose payload contains Payload
	// - "trace_order": first occurrences of Kinds appear in order
	// - "trace_count": exactly Count events of Kind in the trace
	// - "evidence_count": exactly Count events of Kind in the evidence store
	Type string `yaml:"type"`

	// Module narrows the assertion to one module.
	Module string `yaml:"module,omitempty"`

	// Kind is the event kind (trace_contains, trace_count, evidence_count).
	Kind string `yaml:"kind,omitempty"`

	// Kinds is the expected kind order (trace_order).
	Kinds []string `yaml:"kinds,omitempty"`

	// Payload is a subset of the event payload (trace_contains).
	Payload map[string]any `yaml:"payload,omitempty"`

	// Expect is a subset of the final state (final_state).
	Expect map[string]any `yaml:"expect,omitempty"`

	// Count is the expected number of events.
	Count int `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertFinalState    = "final_state"
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertEvidenceCount = "evidence_count"
)

// LoadScenario reads and parses a scenario YAML file. Spec paths are
// resolved relative to the scenario file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	return LoadScenarioWithBasePath(path, filepath.Dir(path))
}

// LoadScenarioWithBasePath reads and parses a scenario YAML file,
// resolving spec paths relative to basePath.
func LoadScenarioWithBasePath(path, basePath string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	scenario, err := ParseScenario(data)
	if err != nil {
		return nil, err
	}

	for i, specPath := range scenario.Specs {
		if !filepath.IsAbs(specPath) && basePath != "" {
			scenario.Specs[i] = filepath.Join(basePath, specPath)
		}
	}

	for _, specPath := range scenario.Specs {
		if _, err := os.Stat(specPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("invalid scenario: spec file not found: %s", specPath)
		}
	}
	return scenario, nil
}

// ParseScenario parses scenario YAML without touching the filesystem.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict field validation catches typos like "assertion:" vs "assertions:"
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Specs) == 0 {
		return fmt.Errorf("specs list is required and must be non-empty")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if s.SettleTimeoutMs < 0 {
		return fmt.Errorf("settle_timeout_ms must be non-negative")
	}

	for i, step := range s.Steps {
		switch {
		case step.Settle && step.Write != nil:
			return fmt.Errorf("steps[%d]: write and settle are exclusive", i)
		case !step.Settle && step.Write == nil:
			return fmt.Errorf("steps[%d]: write or settle is required", i)
		case step.Settle && step.Expect != nil:
			return fmt.Errorf("steps[%d]: expect applies to writes only", i)
		}
		if _, err := parseLane(step.Lane); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertFinalState:
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	case AssertTraceContains:
		if a.Kind == "" {
			return fmt.Errorf("assertions[%d]: kind is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Kinds) == 0 {
			return fmt.Errorf("assertions[%d]: kinds list is required for trace_order", index)
		}
	case AssertTraceCount, AssertEvidenceCount:
		if a.Kind == "" {
			return fmt.Errorf("assertions[%d]: kind is required for %s", index, a.Type)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for %s", index, a.Type)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}

func parseLane(s string) (engine.Lane, error) {
	switch engine.Lane(s) {
	case "", engine.LaneUrgent:
		return engine.LaneUrgent, nil
	case engine.LaneNonUrgent:
		return engine.LaneNonUrgent, nil
	default:
		return "", fmt.Errorf("unknown lane %q", s)
	}
}
