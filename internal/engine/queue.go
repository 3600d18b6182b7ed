package engine

import (
	"context"
	"slices"
	"sync"

	"github.com/roach88/converge/internal/config"
	"github.com/roach88/converge/internal/fieldpath"
)

// Lane is a priority class for transactions.
type Lane string

const (
	// LaneUrgent drains before any non-urgent work is taken.
	LaneUrgent Lane = "urgent"
	// LaneNonUrgent carries deferred slices, source settles, link refreshes,
	// and caller work that can wait.
	LaneNonUrgent Lane = "non_urgent"
)

// txnItem is one admitted unit of work. Besides a caller body it may carry
// engine-internal instructions for the consumer.
type txnItem struct {
	ctx    context.Context
	lane   Lane
	body   Body
	policy config.Patch

	// marks are extra dirty paths (link refreshes).
	marks []string
	// dirtyAll forces an all-dirty set with this reason.
	dirtyAll fieldpath.Reason
	// forced are node indexes valid only for generation gen.
	forced []int
	gen    uint64
	// swap installs a new graph before the body runs.
	swap *generation
	// front queues at the head of its lane and skips the backlog bound.
	// Lane slices with a max lag use it; the lane loop admits at most one
	// at a time.
	front bool

	release func()
	done    chan txnResult
}

type txnResult struct {
	outcome Outcome
	err     error
}

// txnQueue holds two FIFO lanes for a single consumer.
//
// Producers push from any goroutine; the consumer pops urgent items first.
// The buffered signal channel (size 1) coalesces wakeups, and closing it
// wakes the consumer for shutdown.
type txnQueue struct {
	mu        sync.Mutex
	urgent    []*txnItem
	nonUrgent []*txnItem
	closed    bool
	signal    chan struct{}
}

func newTxnQueue() *txnQueue {
	return &txnQueue{
		urgent:    make([]*txnItem, 0, 16),
		nonUrgent: make([]*txnItem, 0, 16),
		signal:    make(chan struct{}, 1),
	}
}

// push appends it to its lane. Returns false once the queue is closed.
func (q *txnQueue) push(it *txnItem) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	lane := &q.urgent
	if it.lane == LaneNonUrgent {
		lane = &q.nonUrgent
	}
	if it.front {
		*lane = slices.Insert(*lane, 0, it)
	} else {
		*lane = append(*lane, it)
	}

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// pop takes the head of the urgent lane, or of the non-urgent lane when no
// urgent work is queued.
func (q *txnQueue) pop() (*txnItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if it, ok := shift(&q.urgent); ok {
		return it, true
	}
	return shift(&q.nonUrgent)
}

func shift(lane *[]*txnItem) (*txnItem, bool) {
	items := *lane
	if len(items) == 0 {
		return nil, false
	}
	it := items[0]
	// Clear the slot so the backing array does not pin finished bodies.
	items[0] = nil
	if len(items) == 1 {
		*lane = items[:0]
	} else {
		*lane = items[1:]
	}
	return it, true
}

// wait returns the wakeup channel. It is closed on shutdown.
func (q *txnQueue) wait() <-chan struct{} {
	return q.signal
}

// len returns the number of queued items in lane.
func (q *txnQueue) len(lane Lane) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if lane == LaneNonUrgent {
		return len(q.nonUrgent)
	}
	return len(q.urgent)
}

// close stops admission and returns every item still queued, urgent first.
// The caller must resolve them.
func (q *txnQueue) close() []*txnItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true
	close(q.signal)

	rest := make([]*txnItem, 0, len(q.urgent)+len(q.nonUrgent))
	rest = append(rest, q.urgent...)
	rest = append(rest, q.nonUrgent...)
	q.urgent, q.nonUrgent = nil, nil
	return rest
}
