package harness

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/converge/internal/diag"
	"github.com/roach88/converge/internal/ir"
	"github.com/roach88/converge/internal/store"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, event := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s %s txn=%d\n", event.Seq, event.Module, event.Kind, event.TxnSeq)
		}
	}
	return buf.String()
}

// assertFinalState checks the final state of one module (subset match).
func assertFinalState(state map[string]ir.IRObject, module string, assertion Assertion) error {
	cur, ok := state[module]
	if !ok {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("state for module %s", module),
			Actual:   "module not running",
		}
	}
	if err := matchState(cur, assertion.Expect); err != nil {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("module %s state contains %v", module, assertion.Expect),
			Actual:   err.Error(),
		}
	}
	return nil
}

// assertTraceContains checks for an event of the given kind whose payload
// contains the expected fields.
func assertTraceContains(trace []TraceEvent, module string, assertion Assertion) error {
	for _, event := range trace {
		if event.Kind != assertion.Kind || (module != "" && event.Module != module) {
			continue
		}
		if matchPayload(event.Payload, assertion.Payload) {
			return nil
		}
	}

	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("%s event with payload %v", assertion.Kind, assertion.Payload),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks that the first occurrence of each kind appears
// in the given order. Intervening events are allowed.
func assertTraceOrder(trace []TraceEvent, module string, assertion Assertion) error {
	positions := make(map[string]int)
	for i, event := range trace {
		if module != "" && event.Module != module {
			continue
		}
		if positions[event.Kind] == 0 {
			positions[event.Kind] = i + 1 // 1-indexed for readability
		}
	}

	for _, kind := range assertion.Kinds {
		if positions[kind] == 0 {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("all kinds present: %v", assertion.Kinds),
				Actual:   fmt.Sprintf("missing kind: %s", kind),
				Trace:    trace,
			}
		}
	}

	for i := 1; i < len(assertion.Kinds); i++ {
		prev := assertion.Kinds[i-1]
		curr := assertion.Kinds[i]
		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("kinds in order: %v", assertion.Kinds),
				Actual: fmt.Sprintf("%s (pos %d) should be before %s (pos %d)",
					prev, positions[prev], curr, positions[curr]),
				Trace: trace,
			}
		}
	}
	return nil
}

// assertTraceCount checks that the kind appears exactly Count times.
func assertTraceCount(trace []TraceEvent, module string, assertion Assertion) error {
	count := 0
	for _, event := range trace {
		if event.Kind == assertion.Kind && (module == "" || event.Module == module) {
			count++
		}
	}

	if count != assertion.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d %s events", assertion.Count, assertion.Kind),
			Actual:   fmt.Sprintf("%d events", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertEvidenceCount counts persisted events in the evidence store.
func assertEvidenceCount(ctx context.Context, st *store.Store, module string, assertion Assertion) error {
	counts, err := st.CountByKind(ctx, store.EvidenceFilter{
		ModuleID: module,
		Kinds:    []diag.Kind{diag.Kind(assertion.Kind)},
	})
	if err != nil {
		return &AssertionError{
			Type:     AssertEvidenceCount,
			Expected: fmt.Sprintf("count %s events", assertion.Kind),
			Actual:   fmt.Sprintf("query error: %v", err),
		}
	}

	if got := counts[diag.Kind(assertion.Kind)]; got != assertion.Count {
		return &AssertionError{
			Type:     AssertEvidenceCount,
			Expected: fmt.Sprintf("%d stored %s events", assertion.Count, assertion.Kind),
			Actual:   fmt.Sprintf("%d stored events", got),
		}
	}
	return nil
}

// matchState checks that every expected key (a dotted path) holds the
// expected value in state. Extra keys in state are ignored.
func matchState(state ir.IRObject, expected map[string]any) error {
	keys := make([]string, 0, len(expected))
	for k := range expected {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		want, err := ir.FromGo(expected[key])
		if err != nil {
			return fmt.Errorf("expected %q: %w", key, err)
		}
		got, ok := ir.GetPath(state, ir.SplitPath(key))
		if !ok {
			return fmt.Errorf("path %q not present", key)
		}
		if !ir.Equal(got, want) {
			return fmt.Errorf("path %q = %s, want %s", key, ir.MustCanonical(got), ir.MustCanonical(want))
		}
	}
	return nil
}

// matchPayload checks if actual contains all expected fields (subset match).
func matchPayload(actual ir.IRObject, expected map[string]any) bool {
	return matchState(actual, expected) == nil
}

// AssertionContext provides context for evaluating assertions.
type AssertionContext struct {
	Store  *store.Store
	Ctx    context.Context
	Module string // default module for final_state
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
// The actx parameter provides database access for evidence_count
// assertions and the default module for final_state.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errs []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertFinalState:
			module := assertion.Module
			if module == "" && actx != nil {
				module = actx.Module
			}
			err = assertFinalState(result.State, module, assertion)
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, assertion.Module, assertion)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, assertion.Module, assertion)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, assertion.Module, assertion)
		case AssertEvidenceCount:
			if actx == nil || actx.Store == nil {
				err = fmt.Errorf("assertion[%d]: evidence_count requires a store", i)
			} else {
				err = assertEvidenceCount(actx.Ctx, actx.Store, assertion.Module, assertion)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errs = append(errs, err.Error())
		}
	}
	return errs
}
