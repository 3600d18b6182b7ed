package diag

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/roach88/converge/internal/ir"
)

// Sink receives diagnostic events.
type Sink interface {
	Emit(ctx context.Context, e Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, e Event) error

// Emit implements Sink.
func (f SinkFunc) Emit(ctx context.Context, e Event) error {
	return f(ctx, e)
}

// Emitter stamps events and fans them out to sinks.
//
// Safe for concurrent use. Sequence numbers are strictly increasing per
// emitter; sinks see events in stamp order.
type Emitter struct {
	seq atomic.Int64

	mu    sync.Mutex
	sinks []Sink
}

// NewEmitter creates an emitter writing to sinks.
func NewEmitter(sinks ...Sink) *Emitter {
	return &Emitter{sinks: sinks}
}

// Discard is an emitter with no sinks.
func Discard() *Emitter {
	return NewEmitter()
}

// Add registers another sink.
func (em *Emitter) Add(s Sink) {
	em.mu.Lock()
	defer em.mu.Unlock()
	em.sinks = append(em.sinks, s)
}

// Emit stamps e and delivers it to every sink. The stamped event is returned.
func (em *Emitter) Emit(ctx context.Context, e Event) Event {
	if e.Payload == nil {
		e.Payload = ir.IRObject{}
	}

	em.mu.Lock()
	defer em.mu.Unlock()

	e.Seq = em.seq.Add(1)
	id, err := ir.EvidenceID(e.InstanceID, string(e.Kind), e.Seq, e.Payload)
	if err != nil {
		slog.Error("diagnostic id failed",
			"event", "diag_id_error",
			"kind", e.Kind,
			"error", err,
		)
	}
	e.ID = id

	for _, s := range em.sinks {
		if err := s.Emit(ctx, e); err != nil {
			slog.Warn("diagnostic sink failed",
				"event", "diag_sink_error",
				"kind", e.Kind,
				"seq", e.Seq,
				"error", err,
			)
		}
	}
	return e
}
