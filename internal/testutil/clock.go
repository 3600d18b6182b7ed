package testutil

import (
	"sync"
	"time"
)

// Epoch is the fixed start time of test clocks.
var Epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

// ManualClock only moves when told to.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewManualClock creates a clock frozen at Epoch.
func NewManualClock() *ManualClock {
	return &ManualClock{now: Epoch}
}

// Now returns the current frozen time.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// StepClock advances by a fixed step on every reading, so each budget
// check observes more elapsed time. It makes budget overruns
// deterministic without sleeping.
type StepClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

// NewStepClock creates a clock starting at Epoch that moves by step per Now call.
func NewStepClock(step time.Duration) *StepClock {
	return &StepClock{now: Epoch, step: step}
}

// Now returns the current time, then advances by one step.
func (c *StepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now = c.now.Add(c.step)
	return t
}

// SetStep changes the step for subsequent readings.
func (c *StepClock) SetStep(step time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.step = step
}
