package harness

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/converge/internal/diag"
	"github.com/roach88/converge/internal/ir"
	"github.com/roach88/converge/internal/store"
)

func sampleTrace() []TraceEvent {
	return []TraceEvent{
		{Seq: 1, Kind: "converge_decision", Module: "cart", TxnSeq: 1, Payload: ir.IRObject{
			"cache": ir.IRString("not_eligible"),
			"stats": ir.IRObject{"executed": ir.IRInt(2)},
		}},
		{Seq: 2, Kind: "txn_committed", Module: "cart", TxnSeq: 1, Payload: ir.IRObject{"changed": ir.IRInt(2)}},
		{Seq: 3, Kind: "converge_decision", Module: "view", TxnSeq: 1, Payload: ir.IRObject{"cache": ir.IRString("miss")}},
		{Seq: 4, Kind: "txn_committed", Module: "view", TxnSeq: 1, Payload: ir.IRObject{"changed": ir.IRInt(0)}},
	}
}

func TestAssertTraceContains(t *testing.T) {
	trace := sampleTrace()

	assert.NoError(t, assertTraceContains(trace, "", Assertion{
		Kind:    "converge_decision",
		Payload: map[string]any{"stats.executed": 2},
	}))
	assert.NoError(t, assertTraceContains(trace, "view", Assertion{
		Kind:    "converge_decision",
		Payload: map[string]any{"cache": "miss"},
	}))

	err := assertTraceContains(trace, "cart", Assertion{
		Kind:    "converge_decision",
		Payload: map[string]any{"cache": "miss"},
	})
	var ae *AssertionError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, AssertTraceContains, ae.Type)
	assert.Contains(t, err.Error(), "Full trace:")
}

func TestAssertTraceOrder(t *testing.T) {
	trace := sampleTrace()

	assert.NoError(t, assertTraceOrder(trace, "", Assertion{Kinds: []string{"converge_decision", "txn_committed"}}))

	err := assertTraceOrder(trace, "", Assertion{Kinds: []string{"txn_committed", "converge_decision"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "should be before")

	err = assertTraceOrder(trace, "", Assertion{Kinds: []string{"txn_failed"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing kind: txn_failed")
}

func TestAssertTraceCount(t *testing.T) {
	trace := sampleTrace()

	assert.NoError(t, assertTraceCount(trace, "", Assertion{Kind: "txn_committed", Count: 2}))
	assert.NoError(t, assertTraceCount(trace, "view", Assertion{Kind: "txn_committed", Count: 1}))
	assert.NoError(t, assertTraceCount(trace, "", Assertion{Kind: "txn_failed", Count: 0}))
	assert.Error(t, assertTraceCount(trace, "", Assertion{Kind: "txn_committed", Count: 3}))
}

func TestAssertFinalState(t *testing.T) {
	state := map[string]ir.IRObject{
		"cart": {
			"items": ir.IRArray{ir.IRInt(1), ir.IRInt(2)},
			"meta":  ir.IRObject{"owner": ir.IRString("ada")},
		},
	}

	assert.NoError(t, assertFinalState(state, "cart", Assertion{Expect: map[string]any{
		"items":      []any{1, 2},
		"meta.owner": "ada",
	}}))

	err := assertFinalState(state, "cart", Assertion{Expect: map[string]any{"meta.owner": "bob"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `path "meta.owner" = "ada", want "bob"`)

	err = assertFinalState(state, "cart", Assertion{Expect: map[string]any{"total": 3}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `path "total" not present`)

	err = assertFinalState(state, "view", Assertion{Expect: map[string]any{"a": 1}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "module not running")
}

func TestAssertEvidenceCount(t *testing.T) {
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	defer st.Close()

	ctx := context.Background()
	em := diag.NewEmitter(st)
	for range 2 {
		em.Emit(ctx, diag.Event{Kind: diag.KindTxnCommitted, InstanceID: "i-1", ModuleID: "cart", TxnSeq: 1})
	}
	em.Emit(ctx, diag.Event{Kind: diag.KindTxnCommitted, InstanceID: "i-2", ModuleID: "view", TxnSeq: 1})

	assert.NoError(t, assertEvidenceCount(ctx, st, "cart", Assertion{Kind: "txn_committed", Count: 2}))
	assert.NoError(t, assertEvidenceCount(ctx, st, "", Assertion{Kind: "txn_committed", Count: 3}))
	assert.Error(t, assertEvidenceCount(ctx, st, "view", Assertion{Kind: "txn_committed", Count: 2}))
}

func TestEvaluateAssertions(t *testing.T) {
	result := NewResult()
	result.Trace = sampleTrace()
	result.State["cart"] = ir.IRObject{"total": ir.IRInt(3)}

	errs := EvaluateAssertions(result, []Assertion{
		{Type: AssertFinalState, Expect: map[string]any{"total": 3}},
		{Type: AssertTraceCount, Kind: "converge_decision", Count: 2},
		{Type: AssertEvidenceCount, Kind: "txn_committed", Count: 1},
		{Type: "eventually"},
	}, &AssertionContext{Ctx: context.Background(), Module: "cart"})

	require.Len(t, errs, 2)
	assert.Contains(t, errs[0], "evidence_count requires a store")
	assert.Contains(t, errs[1], `unknown assertion type "eventually"`)
}
