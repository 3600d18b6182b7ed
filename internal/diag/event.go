package diag

import (
	"github.com/roach88/converge/internal/ir"
)

// Kind names a diagnostic event type.
type Kind string

const (
	KindTxnCommitted        Kind = "txn_committed"
	KindTxnFailed           Kind = "txn_failed"
	KindConvergeDecision    Kind = "converge_decision"
	KindLaneBacklog         Kind = "lane_backlog"
	KindLaneStarvation      Kind = "lane_starvation"
	KindBackpressureWarning Kind = "backpressure_warning"
	KindConfigError         Kind = "config_error"
	KindGraphSwapped        Kind = "graph_swapped"
)

// Kinds lists every event kind in a stable order.
func Kinds() []Kind {
	return []Kind{
		KindTxnCommitted,
		KindTxnFailed,
		KindConvergeDecision,
		KindLaneBacklog,
		KindLaneStarvation,
		KindBackpressureWarning,
		KindConfigError,
		KindGraphSwapped,
	}
}

// Event is one diagnostic record.
type Event struct {
	Seq        int64       `json:"seq"`
	ID         string      `json:"id"`
	Kind       Kind        `json:"kind"`
	InstanceID string      `json:"instance_id"`
	ModuleID   string      `json:"module_id"`
	TxnSeq     int64       `json:"txn_seq,omitempty"`
	Payload    ir.IRObject `json:"payload"`
}

// Str returns the string payload field key, or "" when absent.
func (e Event) Str(key string) string {
	if s, ok := e.Payload[key].(ir.IRString); ok {
		return string(s)
	}
	return ""
}

// Int returns the integer payload field key, or 0 when absent.
func (e Event) Int(key string) int64 {
	if n, ok := e.Payload[key].(ir.IRInt); ok {
		return int64(n)
	}
	return 0
}
