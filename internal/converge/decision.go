package converge

import (
	"time"

	"github.com/roach88/converge/internal/config"
	"github.com/roach88/converge/internal/fieldpath"
	"github.com/roach88/converge/internal/graph"
	"github.com/roach88/converge/internal/ir"
)

// Outcome is the result of one convergence pass.
type Outcome string

const (
	OutcomeSuccess    Outcome = "success"
	OutcomeDegraded   Outcome = "degraded"
	OutcomeHardFailed Outcome = "hard_failed"
)

// CacheStatus explains how the decision cache was used.
type CacheStatus string

const (
	CacheHit         CacheStatus = "hit"
	CacheMiss        CacheStatus = "miss"
	CacheDisabled    CacheStatus = "disabled"
	CacheNotEligible CacheStatus = "not_eligible"
)

// Fallback explains why planning ran full instead of dirty.
type Fallback string

const (
	FallbackNone           Fallback = ""
	FallbackAllDirty       Fallback = "all_dirty"
	FallbackDecisionBudget Fallback = "decision_budget"
	FallbackCacheDisabled  Fallback = "cache_disabled"
)

// Stats counts node activity for one pass.
type Stats struct {
	Total    int `json:"total"`
	Affected int `json:"affected"`
	Executed int `json:"executed"`
	Skipped  int `json:"skipped"`
	Changed  int `json:"changed"`
}

// Decision records everything the scheduler decided and did.
type Decision struct {
	RequestedMode config.Mode `json:"requested_mode"`
	ExecutedMode  config.Mode `json:"executed_mode"`
	Outcome       Outcome     `json:"outcome"`
	Generation    uint64      `json:"generation"`

	DirtyAll    bool             `json:"dirty_all"`
	DirtyReason fieldpath.Reason `json:"dirty_reason,omitempty"`
	DirtyHash   string           `json:"dirty_hash,omitempty"`

	Cache    CacheStatus `json:"cache"`
	Fallback Fallback    `json:"fallback,omitempty"`

	DecisionBudget    time.Duration `json:"decision_budget"`
	DecisionDuration  time.Duration `json:"decision_duration"`
	ExecutionBudget   time.Duration `json:"execution_budget"`
	ExecutionDuration time.Duration `json:"execution_duration"`

	Stats Stats `json:"stats"`

	Violations []graph.IssueCode `json:"violations,omitempty"`
	Changed    []string          `json:"changed,omitempty"`
	Frozen     []string          `json:"frozen,omitempty"`
	Deferred   []string          `json:"deferred,omitempty"`
}

// CacheHit reports whether the plan came from the decision cache.
func (d Decision) CacheHit() bool {
	return d.Cache == CacheHit
}

// Payload renders the decision as a diagnostic payload.
// Durations are whole microseconds.
func (d Decision) Payload() ir.IRObject {
	return ir.IRObject{
		"requested_mode":        ir.IRString(d.RequestedMode),
		"executed_mode":         ir.IRString(d.ExecutedMode),
		"outcome":               ir.IRString(d.Outcome),
		"generation":            ir.IRInt(int64(d.Generation)),
		"dirty_all":             ir.IRBool(d.DirtyAll),
		"dirty_reason":          ir.IRString(d.DirtyReason),
		"dirty_hash":            ir.IRString(d.DirtyHash),
		"cache":                 ir.IRString(d.Cache),
		"cache_hit":             ir.IRBool(d.CacheHit()),
		"fallback":              ir.IRString(d.Fallback),
		"decision_budget_us":    ir.IRInt(d.DecisionBudget.Microseconds()),
		"decision_duration_us":  ir.IRInt(d.DecisionDuration.Microseconds()),
		"execution_budget_us":   ir.IRInt(d.ExecutionBudget.Microseconds()),
		"execution_duration_us": ir.IRInt(d.ExecutionDuration.Microseconds()),
		"stats": ir.IRObject{
			"total":    ir.IRInt(d.Stats.Total),
			"affected": ir.IRInt(d.Stats.Affected),
			"executed": ir.IRInt(d.Stats.Executed),
			"skipped":  ir.IRInt(d.Stats.Skipped),
			"changed":  ir.IRInt(d.Stats.Changed),
		},
		"violations": codeArray(d.Violations),
		"changed":    stringArray(d.Changed),
		"frozen":     stringArray(d.Frozen),
		"deferred":   stringArray(d.Deferred),
	}
}

func stringArray(ss []string) ir.IRArray {
	out := make(ir.IRArray, len(ss))
	for i, s := range ss {
		out[i] = ir.IRString(s)
	}
	return out
}

func codeArray(cs []graph.IssueCode) ir.IRArray {
	out := make(ir.IRArray, len(cs))
	for i, c := range cs {
		out[i] = ir.IRString(c)
	}
	return out
}
