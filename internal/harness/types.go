package harness

import (
	"github.com/roach88/converge/internal/diag"
	"github.com/roach88/converge/internal/ir"
)

// TraceEvent is one diagnostics event as seen by the harness.
type TraceEvent struct {
	Seq     int64       `json:"seq"`
	Kind    string      `json:"kind"`
	Module  string      `json:"module,omitempty"`
	TxnSeq  int64       `json:"txn_seq,omitempty"`
	Payload ir.IRObject `json:"payload,omitempty"`
}

func traceEvent(e diag.Event) TraceEvent {
	return TraceEvent{
		Seq:     e.Seq,
		Kind:    string(e.Kind),
		Module:  e.ModuleID,
		TxnSeq:  e.TxnSeq,
		Payload: e.Payload,
	}
}

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass is true when every step expectation and assertion held.
	Pass bool `json:"pass"`

	// Trace contains every diagnostics event in emission order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// State holds the final committed state per module.
	State map[string]ir.IRObject `json:"state,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
		State:  make(map[string]ir.IRObject),
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
