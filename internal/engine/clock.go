package engine

import "sync/atomic"

// Clock stamps committed transactions with a per-instance sequence number.
//
// Only commits advance the clock. A hard-failed or body-failed transaction
// leaves no gap, so seq N always means "the Nth committed state".
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a clock at zero. The first commit is seq 1.
func NewClock() *Clock {
	return &Clock{}
}

// Next advances the clock and returns the new seq.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the seq of the last commit.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}
