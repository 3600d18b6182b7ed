package diag

import (
	"context"
	"log/slog"
)

// LogSink writes events as structured log lines.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink writing to logger, or slog.Default when nil.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

// Emit implements Sink. Warnings and failures log at Warn; the rest at Debug.
func (s *LogSink) Emit(ctx context.Context, e Event) error {
	level := slog.LevelDebug
	switch e.Kind {
	case KindTxnFailed, KindBackpressureWarning, KindLaneStarvation, KindConfigError:
		level = slog.LevelWarn
	}

	attrs := []any{
		"event", string(e.Kind),
		"seq", e.Seq,
		"instance_id", e.InstanceID,
		"module", e.ModuleID,
	}
	if e.TxnSeq != 0 {
		attrs = append(attrs, "txn_seq", e.TxnSeq)
	}
	for _, k := range e.Payload.SortedKeys() {
		attrs = append(attrs, k, payloadAttr(e.Payload[k]))
	}

	s.logger.Log(ctx, level, "diagnostic", attrs...)
	return nil
}
