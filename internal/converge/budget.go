package converge

import (
	"errors"
	"fmt"
	"time"
)

// Budget tracks elapsed time for one phase of a transaction against its limit.
//
// Decision budgets bound planning; execution budgets bound derived-node
// work. Exceeding either is a soft condition: planning falls back to full,
// and execution freezes deferred nodes. A zero limit is unlimited.
type Budget struct {
	phase string
	clock Clock
	start time.Time
	limit time.Duration
}

// StartBudget begins timing phase against limit.
func StartBudget(clock Clock, phase string, limit time.Duration) *Budget {
	return &Budget{phase: phase, clock: clock, start: clock.Now(), limit: limit}
}

// Elapsed returns time spent since the budget started.
func (b *Budget) Elapsed() time.Duration {
	return b.clock.Now().Sub(b.start)
}

// Limit returns the configured limit.
func (b *Budget) Limit() time.Duration {
	return b.limit
}

// Check returns a BudgetExceededError once elapsed time passes the limit.
func (b *Budget) Check() error {
	if b.limit <= 0 {
		return nil
	}
	if elapsed := b.Elapsed(); elapsed > b.limit {
		return &BudgetExceededError{Phase: b.phase, Elapsed: elapsed, Limit: b.limit}
	}
	return nil
}

// BudgetExceededError reports a phase that ran past its limit.
type BudgetExceededError struct {
	Phase   string
	Elapsed time.Duration
	Limit   time.Duration
}

// Error implements the error interface.
func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("%s budget exceeded: %s > %s", e.Phase, e.Elapsed, e.Limit)
}

// IsBudgetExceeded reports whether err is a BudgetExceededError.
func IsBudgetExceeded(err error) bool {
	var be *BudgetExceededError
	return errors.As(err, &be)
}
