package store

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/converge/internal/diag"
	"github.com/roach88/converge/internal/ir"
)

func seedEvents(t *testing.T, s *Store) {
	t.Helper()
	events := []diag.Event{
		testEvent(3, diag.KindTxnCommitted, "inst-1", nil),
		testEvent(1, diag.KindConfigError, "", ir.IRObject{"code": ir.IRString("CONFIG_INVALID")}),
		testEvent(2, diag.KindConvergeDecision, "inst-1", ir.IRObject{"cache": ir.IRString("miss")}),
		testEvent(4, diag.KindTxnFailed, "inst-2", ir.IRObject{"code": ir.IRString("HARD_FAILED")}),
		testEvent(5, diag.KindConvergeDecision, "inst-1", ir.IRObject{"cache": ir.IRString("hit")}),
		testEvent(6, diag.KindTxnCommitted, "inst-1", nil),
	}
	events[5].TxnSeq = 2
	events[0].TxnSeq = 1
	require.NoError(t, s.WriteEvents(context.Background(), events))
}

func seqs(events []diag.Event) []int64 {
	out := make([]int64, len(events))
	for i, e := range events {
		out[i] = e.Seq
	}
	return out
}

func TestReadEvents_OrderedBySeq(t *testing.T) {
	s := createTestStore(t)
	seedEvents(t, s)

	events, err := s.ReadEvents(context.Background(), EvidenceFilter{})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3, 4, 5, 6}, seqs(events))
}

func TestReadEvents_TieBreaksByID(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	b := diag.Event{Seq: 1, ID: "b", Kind: diag.KindTxnCommitted}
	a := diag.Event{Seq: 1, ID: "a", Kind: diag.KindTxnCommitted}
	require.NoError(t, s.WriteEvents(ctx, []diag.Event{b, a}))

	events, err := s.ReadEvents(ctx, EvidenceFilter{})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "a", events[0].ID)
	assert.Equal(t, "b", events[1].ID)
}

func TestReadEvents_Filters(t *testing.T) {
	s := createTestStore(t)
	seedEvents(t, s)
	ctx := context.Background()

	tests := []struct {
		name   string
		filter EvidenceFilter
		want   []int64
	}{
		{"instance", EvidenceFilter{InstanceID: "inst-1"}, []int64{2, 3, 5, 6}},
		{"kinds", EvidenceFilter{Kinds: []diag.Kind{diag.KindTxnCommitted, diag.KindTxnFailed}}, []int64{3, 4, 6}},
		{"after", EvidenceFilter{AfterSeq: 4}, []int64{5, 6}},
		{"limit", EvidenceFilter{Limit: 2}, []int64{1, 2}},
		{"module", EvidenceFilter{ModuleID: "other"}, []int64{}},
		{"combined", EvidenceFilter{InstanceID: "inst-1", Kinds: []diag.Kind{diag.KindConvergeDecision}, AfterSeq: 2}, []int64{5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, err := s.ReadEvents(ctx, tt.filter)
			require.NoError(t, err)
			assert.Equal(t, tt.want, seqs(events))
		})
	}
}

func TestReadEvent_NotFound(t *testing.T) {
	s := createTestStore(t)
	_, err := s.ReadEvent(context.Background(), "missing")
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestCountByKind(t *testing.T) {
	s := createTestStore(t)
	seedEvents(t, s)

	counts, err := s.CountByKind(context.Background(), EvidenceFilter{InstanceID: "inst-1"})
	require.NoError(t, err)
	assert.Equal(t, map[diag.Kind]int{
		diag.KindTxnCommitted:     2,
		diag.KindConvergeDecision: 2,
	}, counts)
}

func TestInstances(t *testing.T) {
	s := createTestStore(t)
	seedEvents(t, s)

	infos, err := s.Instances(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []InstanceInfo{
		{InstanceID: "inst-1", ModuleID: "cart", Events: 4, FirstSeq: 2, LastSeq: 6},
		{InstanceID: "inst-2", ModuleID: "cart", Events: 1, FirstSeq: 4, LastSeq: 4},
	}, infos)
}

func TestSummarize(t *testing.T) {
	s := createTestStore(t)
	seedEvents(t, s)

	sum, err := s.Summarize(context.Background(), "inst-1")
	require.NoError(t, err)
	assert.Equal(t, "cart", sum.ModuleID)
	assert.Equal(t, 4, sum.Events)
	assert.Equal(t, 2, sum.Commits)
	assert.Equal(t, int64(2), sum.LastTxnSeq)
	assert.Equal(t, 1, sum.CacheHits)
	assert.Equal(t, 1, sum.CacheMisses)
	assert.Zero(t, sum.Failures)

	sum, err = s.Summarize(context.Background(), "inst-2")
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Failures)
	assert.Equal(t, map[string]int{"HARD_FAILED": 1}, sum.FailureCodes)
}

func TestFold_SkipsOtherInstances(t *testing.T) {
	events := []diag.Event{
		{Kind: diag.KindConvergeDecision, InstanceID: "a", Payload: ir.IRObject{"fallback": ir.IRString("decision_budget")}},
		{Kind: diag.KindTxnCommitted, InstanceID: "b"},
	}
	sum := Fold("a", events)
	assert.Equal(t, 1, sum.Events)
	assert.Equal(t, map[string]int{"decision_budget": 1}, sum.Fallbacks)
	assert.Zero(t, sum.Commits)
}
