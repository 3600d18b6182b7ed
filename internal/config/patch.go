package config

import (
	"time"
)

// Patch is a partial Policy. Nil fields leave the lower layer untouched.
// Durations are whole milliseconds.
type Patch struct {
	ExecutionBudgetMs *int    `yaml:"execution_budget_ms" env:"EXECUTION_BUDGET_MS"`
	DecisionBudgetMs  *int    `yaml:"decision_budget_ms" env:"DECISION_BUDGET_MS"`
	Mode              *string `yaml:"mode" env:"MODE"`
	DecisionCacheSize *int    `yaml:"decision_cache_size" env:"DECISION_CACHE_SIZE"`

	BacklogCapacity       *int  `yaml:"backlog_capacity" env:"BACKLOG_CAPACITY"`
	Unbounded             *bool `yaml:"unbounded" env:"UNBOUNDED"`
	PressureWarnThreshold *int  `yaml:"pressure_warn_threshold" env:"PRESSURE_WARN_THRESHOLD"`
	PressureCooldownMs    *int  `yaml:"pressure_cooldown_ms" env:"PRESSURE_COOLDOWN_MS"`

	LaneEnabled       *bool   `yaml:"lane_enabled" env:"LANE_ENABLED"`
	LaneBudgetMs      *int    `yaml:"lane_budget_ms" env:"LANE_BUDGET_MS"`
	LaneDebounceMs    *int    `yaml:"lane_debounce_ms" env:"LANE_DEBOUNCE_MS"`
	LaneMaxLagMs      *int    `yaml:"lane_max_lag_ms" env:"LANE_MAX_LAG_MS"`
	LaneAllowCoalesce *bool   `yaml:"lane_allow_coalesce" env:"LANE_ALLOW_COALESCE"`
	LaneYield         *string `yaml:"lane_yield" env:"LANE_YIELD"`
}

// Ptr returns a pointer to v. Handy for building patches in code.
func Ptr[T any](v T) *T {
	return &v
}

// IsZero reports whether the patch sets nothing.
func (p Patch) IsZero() bool {
	return p == Patch{}
}

func ms(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

// Apply returns pol with every non-nil field of patch applied.
func (pol Policy) Apply(patch Patch) Policy {
	if patch.ExecutionBudgetMs != nil {
		pol.ExecutionBudget = ms(*patch.ExecutionBudgetMs)
	}
	if patch.DecisionBudgetMs != nil {
		pol.DecisionBudget = ms(*patch.DecisionBudgetMs)
	}
	if patch.Mode != nil {
		pol.Mode = Mode(*patch.Mode)
	}
	if patch.DecisionCacheSize != nil {
		pol.DecisionCacheSize = *patch.DecisionCacheSize
	}

	if patch.BacklogCapacity != nil {
		pol.Concurrency.BacklogCapacity = *patch.BacklogCapacity
	}
	if patch.Unbounded != nil {
		pol.Concurrency.Unbounded = *patch.Unbounded
	}
	if patch.PressureWarnThreshold != nil {
		pol.Concurrency.PressureWarnThreshold = *patch.PressureWarnThreshold
	}
	if patch.PressureCooldownMs != nil {
		pol.Concurrency.PressureCooldown = ms(*patch.PressureCooldownMs)
	}

	if patch.LaneEnabled != nil {
		pol.Lane.Enabled = *patch.LaneEnabled
	}
	if patch.LaneBudgetMs != nil {
		pol.Lane.Budget = ms(*patch.LaneBudgetMs)
	}
	if patch.LaneDebounceMs != nil {
		pol.Lane.Debounce = ms(*patch.LaneDebounceMs)
	}
	if patch.LaneMaxLagMs != nil {
		pol.Lane.MaxLag = ms(*patch.LaneMaxLagMs)
	}
	if patch.LaneAllowCoalesce != nil {
		pol.Lane.AllowCoalesce = *patch.LaneAllowCoalesce
	}
	if patch.LaneYield != nil {
		pol.Lane.Yield = YieldStrategy(*patch.LaneYield)
	}
	return pol
}

// Merge returns a patch where fields set in over win over base.
func Merge(base, over Patch) Patch {
	out := base
	if over.ExecutionBudgetMs != nil {
		out.ExecutionBudgetMs = over.ExecutionBudgetMs
	}
	if over.DecisionBudgetMs != nil {
		out.DecisionBudgetMs = over.DecisionBudgetMs
	}
	if over.Mode != nil {
		out.Mode = over.Mode
	}
	if over.DecisionCacheSize != nil {
		out.DecisionCacheSize = over.DecisionCacheSize
	}
	if over.BacklogCapacity != nil {
		out.BacklogCapacity = over.BacklogCapacity
	}
	if over.Unbounded != nil {
		out.Unbounded = over.Unbounded
	}
	if over.PressureWarnThreshold != nil {
		out.PressureWarnThreshold = over.PressureWarnThreshold
	}
	if over.PressureCooldownMs != nil {
		out.PressureCooldownMs = over.PressureCooldownMs
	}
	if over.LaneEnabled != nil {
		out.LaneEnabled = over.LaneEnabled
	}
	if over.LaneBudgetMs != nil {
		out.LaneBudgetMs = over.LaneBudgetMs
	}
	if over.LaneDebounceMs != nil {
		out.LaneDebounceMs = over.LaneDebounceMs
	}
	if over.LaneMaxLagMs != nil {
		out.LaneMaxLagMs = over.LaneMaxLagMs
	}
	if over.LaneAllowCoalesce != nil {
		out.LaneAllowCoalesce = over.LaneAllowCoalesce
	}
	if over.LaneYield != nil {
		out.LaneYield = over.LaneYield
	}
	return out
}
