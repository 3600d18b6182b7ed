package engine

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/roach88/converge/internal/config"
	"github.com/roach88/converge/internal/converge"
	"github.com/roach88/converge/internal/diag"
	"github.com/roach88/converge/internal/ir"
)

// laneEntry is one deferred node waiting for a slice.
type laneEntry struct {
	node  int
	name  string
	gen   uint64
	first time.Time
	last  time.Time
	// version counts registrations; a slice only retires the version it ran.
	version uint64
}

type laneRun struct {
	entry   *laneEntry
	version uint64
	starved bool
	waited  time.Duration
}

// laneScheduler runs deferred nodes in time-sliced, non-urgent
// transactions.
//
// Deferred registrations for the same node coalesce: the slice waits until
// the node has been quiet for Debounce, but never longer than MaxLag past
// its first registration. A node held past MaxLag is starved and runs even
// when the slice budget is spent. With a MaxLag set, slices go to the head
// of the non-urgent lane and take no backlog slot, so queued non-urgent
// work cannot push a node past its bound.
type laneScheduler struct {
	inst         *Instance
	clock        converge.Clock
	inputPending func() bool

	mu      sync.Mutex
	pending map[int]*laneEntry
	policy  config.Lane
	wake    chan struct{}
}

func newLaneScheduler(inst *Instance, clock converge.Clock, inputPending func() bool) *laneScheduler {
	return &laneScheduler{
		inst:         inst,
		clock:        clock,
		inputPending: inputPending,
		pending:      make(map[int]*laneEntry),
		wake:         make(chan struct{}, 1),
	}
}

// register records deferred nodes from a commit on generation cur.
// Called on the consumer.
func (l *laneScheduler) register(nodes []int, cur *generation, pol config.Lane) {
	now := l.clock.Now()

	l.mu.Lock()
	l.policy = pol
	for _, n := range nodes {
		e, ok := l.pending[n]
		if !ok || e.gen != cur.gen {
			e = &laneEntry{node: n, name: cur.graph.Node(n).Name(), gen: cur.gen, first: now}
			l.pending[n] = e
		}
		e.last = now
		e.version++
	}
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *laneScheduler) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// due returns the entries ready at now, starved ones first and then by
// first registration. When nothing is ready, wait is the time until the
// earliest entry becomes due, or 0 when nothing is pending.
func (l *laneScheduler) due(now time.Time, gen uint64) (ready []laneRun, wait time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	pol := l.policy
	for n, e := range l.pending {
		if e.gen != gen {
			delete(l.pending, n)
			continue
		}

		at := e.first
		if pol.AllowCoalesce {
			at = e.last.Add(pol.Debounce)
			if limit := e.first.Add(pol.MaxLag); pol.MaxLag > 0 && limit.Before(at) {
				at = limit
			}
		}
		if now.Before(at) {
			if d := at.Sub(now); wait == 0 || d < wait {
				wait = d
			}
			continue
		}

		waited := now.Sub(e.first)
		ready = append(ready, laneRun{
			entry:   e,
			version: e.version,
			starved: pol.MaxLag > 0 && waited >= pol.MaxLag,
			waited:  waited,
		})
	}

	slices.SortFunc(ready, func(a, b laneRun) int {
		switch {
		case a.starved != b.starved:
			if a.starved {
				return -1
			}
			return 1
		case !a.entry.first.Equal(b.entry.first):
			return a.entry.first.Compare(b.entry.first)
		default:
			return a.entry.node - b.entry.node
		}
	})
	return ready, wait
}

// finish retires the entry unless it was registered again while its slice
// ran.
func (l *laneScheduler) finish(r laneRun) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.pending[r.entry.node]
	if !ok || e != r.entry {
		return
	}
	if e.version == r.version {
		delete(l.pending, e.node)
		return
	}
	e.first = e.last
}

func (l *laneScheduler) run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		ready, wait := l.due(l.clock.Now(), l.inst.Generation())
		if len(ready) > 0 {
			l.slice(ctx, ready)
			continue
		}

		var timer *time.Timer
		var fire <-chan time.Time
		if wait > 0 {
			timer = time.NewTimer(wait)
			fire = timer.C
		}
		select {
		case <-ctx.Done():
		case <-l.wake:
		case <-fire:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// slice runs ready entries, one non-urgent transaction each, until the
// yield strategy says to give the queue back. At least one entry runs per
// slice.
func (l *laneScheduler) slice(ctx context.Context, ready []laneRun) {
	l.mu.Lock()
	pol := l.policy
	l.mu.Unlock()

	start := l.clock.Now()
	ran := 0
	for k, r := range ready {
		if ran > 0 && !r.starved && shouldYield(pol, l.clock.Now().Sub(start), l.inputPending) {
			l.inst.emit(ctx, diag.KindLaneBacklog, 0, ir.IRObject{
				"pending":   ir.IRInt(len(ready) - k),
				"ran":       ir.IRInt(ran),
				"budget_us": ir.IRInt(pol.Budget.Microseconds()),
			})
			return
		}
		if r.starved {
			l.inst.emit(ctx, diag.KindLaneStarvation, 0, ir.IRObject{
				"node":       ir.IRString(r.entry.name),
				"waited_us":  ir.IRInt(r.waited.Microseconds()),
				"max_lag_us": ir.IRInt(pol.MaxLag.Microseconds()),
			})
			l.inst.logger.Warn("deferred node starved",
				"event", "lane_starvation",
				"node", r.entry.name,
				"waited", r.waited,
			)
		}

		_, err := l.inst.submit(ctx, &txnItem{
			ctx:    ctx,
			lane:   LaneNonUrgent,
			forced: []int{r.entry.node},
			gen:    r.entry.gen,
			front:  pol.MaxLag > 0,
		})
		l.finish(r)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrDisposed) {
				return
			}
			l.inst.logger.Warn("deferred slice failed",
				"event", "lane_slice_failed",
				"node", r.entry.name,
				"error", err,
			)
		}
		ran++
	}
}

// shouldYield reports whether a slice that has run for elapsed must end.
func shouldYield(pol config.Lane, elapsed time.Duration, inputPending func() bool) bool {
	if elapsed >= pol.Budget {
		return true
	}
	return pol.Yield == config.YieldInputPending && inputPending != nil && inputPending()
}
