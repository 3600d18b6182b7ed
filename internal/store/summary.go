package store

import (
	"context"
	"fmt"

	"github.com/roach88/converge/internal/diag"
)

// Summary aggregates the evidence of one instance.
type Summary struct {
	InstanceID string `json:"instance_id"`
	ModuleID   string `json:"module_id"`
	Events     int    `json:"events"`

	Commits    int   `json:"commits"`
	Failures   int   `json:"failures"`
	LastTxnSeq int64 `json:"last_txn_seq"`

	CacheHits   int `json:"cache_hits"`
	CacheMisses int `json:"cache_misses"`

	// Fallbacks counts auto→full downgrades by reason.
	Fallbacks map[string]int `json:"fallbacks"`
	// FailureCodes counts txn_failed events by code.
	FailureCodes map[string]int    `json:"failure_codes"`
	Kinds        map[diag.Kind]int `json:"kinds"`
}

// Summarize folds every event of instanceID into a Summary.
// Events are visited in log order, so LastTxnSeq is the last commit seen.
func (s *Store) Summarize(ctx context.Context, instanceID string) (Summary, error) {
	events, err := s.ReadEvents(ctx, EvidenceFilter{InstanceID: instanceID})
	if err != nil {
		return Summary{}, fmt.Errorf("summarize %s: %w", instanceID, err)
	}
	return Fold(instanceID, events), nil
}

// Fold builds a Summary from events already in log order.
func Fold(instanceID string, events []diag.Event) Summary {
	sum := Summary{
		InstanceID:   instanceID,
		Fallbacks:    map[string]int{},
		FailureCodes: map[string]int{},
		Kinds:        map[diag.Kind]int{},
	}

	for _, e := range events {
		if e.InstanceID != instanceID {
			continue
		}
		sum.Events++
		sum.Kinds[e.Kind]++
		if e.ModuleID != "" {
			sum.ModuleID = e.ModuleID
		}

		switch e.Kind {
		case diag.KindTxnCommitted:
			sum.Commits++
			if e.TxnSeq > sum.LastTxnSeq {
				sum.LastTxnSeq = e.TxnSeq
			}
		case diag.KindTxnFailed:
			sum.Failures++
			sum.FailureCodes[e.Str("code")]++
		case diag.KindConvergeDecision:
			switch e.Str("cache") {
			case "hit":
				sum.CacheHits++
			case "miss":
				sum.CacheMisses++
			}
			if fb := e.Str("fallback"); fb != "" {
				sum.Fallbacks[fb]++
			}
		}
	}
	return sum
}
