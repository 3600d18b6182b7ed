package config

import (
	"time"
)

// Mode selects how much of the dependency graph a transaction recomputes.
type Mode string

const (
	// ModeFull recomputes every derived node.
	ModeFull Mode = "full"
	// ModeDirty recomputes only nodes reachable from the dirty roots.
	ModeDirty Mode = "dirty"
	// ModeAuto plans like dirty within the decision budget and falls back to full.
	ModeAuto Mode = "auto"
)

// YieldStrategy controls when a lane slice gives the queue back.
type YieldStrategy string

const (
	// YieldBaseline ends a slice when its time budget is spent.
	YieldBaseline YieldStrategy = "baseline"
	// YieldInputPending also ends a slice when the host reports pending input.
	YieldInputPending YieldStrategy = "input_pending"
)

// Policy is the fully resolved configuration for one transaction.
type Policy struct {
	// ExecutionBudget bounds derived-node execution per transaction.
	// Zero is unlimited.
	ExecutionBudget time.Duration `json:"execution_budget" validate:"gte=0s"`
	// DecisionBudget bounds planning in auto mode. Zero is unlimited.
	DecisionBudget time.Duration `json:"decision_budget" validate:"gte=0s"`
	Mode           Mode          `json:"mode" validate:"oneof=full dirty auto"`
	// DecisionCacheSize bounds the plan cache. Zero or negative disables it,
	// and auto mode then always runs full.
	DecisionCacheSize int `json:"decision_cache_size"`

	Concurrency Concurrency `json:"concurrency"`
	Lane        Lane        `json:"lane"`
}

// Concurrency configures the transaction queue backlog.
type Concurrency struct {
	BacklogCapacity int `json:"backlog_capacity" validate:"gt=0"`
	// Unbounded disables backlog slots entirely. Explicit opt-in only.
	Unbounded             bool          `json:"unbounded"`
	PressureWarnThreshold int           `json:"pressure_warn_threshold" validate:"gte=0,ltefield=BacklogCapacity"`
	PressureCooldown      time.Duration `json:"pressure_cooldown" validate:"gte=0s"`
}

// Lane configures deferred (non-urgent) work.
type Lane struct {
	Enabled       bool          `json:"enabled"`
	Budget        time.Duration `json:"budget" validate:"gt=0s"`
	Debounce      time.Duration `json:"debounce" validate:"gte=0s"`
	MaxLag        time.Duration `json:"max_lag" validate:"gtefield=Debounce"`
	AllowCoalesce bool          `json:"allow_coalesce"`
	Yield         YieldStrategy `json:"yield" validate:"oneof=baseline input_pending"`
}

// CacheEnabled reports whether the decision cache is in use.
func (p Policy) CacheEnabled() bool {
	return p.DecisionCacheSize > 0
}

// Builtin returns the lowest-priority defaults.
func Builtin() Policy {
	return Policy{
		ExecutionBudget:   200 * time.Millisecond,
		DecisionBudget:    5 * time.Millisecond,
		Mode:              ModeAuto,
		DecisionCacheSize: 128,
		Concurrency: Concurrency{
			BacklogCapacity:       1024,
			PressureWarnThreshold: 768,
			PressureCooldown:      time.Second,
		},
		Lane: Lane{
			Enabled:       true,
			Budget:        8 * time.Millisecond,
			Debounce:      16 * time.Millisecond,
			MaxLag:        200 * time.Millisecond,
			AllowCoalesce: true,
			Yield:         YieldBaseline,
		},
	}
}
