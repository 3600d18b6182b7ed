package engine

import (
	"context"
	"errors"
	"sync"

	"github.com/roach88/converge/internal/converge"
	"github.com/roach88/converge/internal/graph"
	"github.com/roach88/converge/internal/ir"
)

type sourceLoad struct {
	eff    converge.SourceEffect
	cancel context.CancelFunc
	// trailing is the newest key seen by an exhaust source while eff loads.
	trailing *converge.SourceEffect
}

// sourceRunner owns in-flight source loads. Loaders run on the instance
// errgroup, outside the transaction queue; results come back as
// non-urgent transactions.
type sourceRunner struct {
	inst *Instance

	mu       sync.Mutex
	inflight map[string]*sourceLoad
}

func newSourceRunner(inst *Instance) *sourceRunner {
	return &sourceRunner{inst: inst, inflight: make(map[string]*sourceLoad)}
}

// apply acts on the effects of one commit. Called on the consumer.
func (s *sourceRunner) apply(effects []converge.SourceEffect) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range effects {
		cur := s.inflight[e.Node]
		switch {
		case e.Cancel:
			if cur != nil {
				cur.cancel()
				delete(s.inflight, e.Node)
			}
		case cur == nil:
			s.startLocked(e)
		case cur.eff.KeyHash == e.KeyHash:
			cur.trailing = nil
		case e.Policy == graph.SourceExhaust:
			cur.trailing = &e
		default:
			cur.cancel()
			s.startLocked(e)
		}
	}
}

// inflightLen returns the number of loads in flight.
func (s *sourceRunner) inflightLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

func (s *sourceRunner) startLocked(e converge.SourceEffect) {
	if s.inst.ctx.Err() != nil {
		return
	}
	ctx, cancel := context.WithCancel(s.inst.ctx)
	ld := &sourceLoad{eff: e, cancel: cancel}
	s.inflight[e.Node] = ld

	s.inst.group.Go(func() error {
		defer cancel()
		s.load(ctx, ld)
		return nil
	})
}

func (s *sourceRunner) load(ctx context.Context, ld *sourceLoad) {
	defer s.done(ld)

	data, err := ld.eff.Load(ctx, ld.eff.Key)
	if ctx.Err() != nil {
		return
	}

	var snap ir.IRObject
	if err != nil {
		snap = converge.SourceSnapshot(converge.SourceError, ld.eff.Key, nil, err.Error())
	} else {
		snap = converge.SourceSnapshot(converge.SourceSuccess, ld.eff.Key, data, "")
	}

	stale := false
	_, serr := s.inst.submit(s.inst.ctx, &txnItem{
		ctx:  s.inst.ctx,
		lane: LaneNonUrgent,
		body: func(_ context.Context, tx *Txn) error {
			cur, _ := tx.Get(ld.eff.Target)
			obj, _ := cur.(ir.IRObject)
			if obj == nil || !ir.Equal(obj["status"], ir.IRString(converge.SourceLoading)) || !ir.Equal(obj["key"], ld.eff.Key) {
				stale = true
				return nil
			}
			return tx.Set(ld.eff.Target, snap)
		},
	})

	switch {
	case serr != nil && !errors.Is(serr, ErrDisposed) && s.inst.ctx.Err() == nil:
		s.inst.logger.Warn("source settle failed",
			"event", "source_settle_failed",
			"node", ld.eff.Node,
			"error", serr,
		)
	case stale:
		s.inst.logger.Debug("source result dropped",
			"event", "source_stale",
			"node", ld.eff.Node,
		)
	default:
		s.inst.logger.Debug("source settled",
			"event", "source_settled",
			"node", ld.eff.Node,
			"status", snap["status"],
		)
	}
}

// done retires ld and starts its trailing load, if any.
func (s *sourceRunner) done(ld *sourceLoad) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight[ld.eff.Node] != ld {
		return
	}
	delete(s.inflight, ld.eff.Node)
	if ld.trailing != nil {
		s.startLocked(*ld.trailing)
	}
}
