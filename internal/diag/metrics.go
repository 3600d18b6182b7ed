package diag

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/roach88/converge/internal/ir"
)

const metricsNamespace = "converge"

// Metrics is a sink that maintains Prometheus series for the event stream.
type Metrics struct {
	transactions  *prometheus.CounterVec
	decisions     *prometheus.CounterVec
	executionTime *prometheus.HistogramVec
	backpressure  *prometheus.CounterVec
	starvation    *prometheus.CounterVec
	laneBacklog   *prometheus.GaugeVec
	configErrors  *prometheus.CounterVec
	graphSwaps    *prometheus.CounterVec
}

// NewMetrics registers the converge series on reg.
// Pass prometheus.DefaultRegisterer to expose them process-wide.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		transactions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "txn",
			Name:      "total",
			Help:      "Transactions by module and outcome",
		}, []string{"module", "outcome"}),
		decisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "scheduler",
			Name:      "decisions_total",
			Help:      "Convergence decisions by executed mode and cache result",
		}, []string{"module", "mode", "cache_hit"}),
		executionTime: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "scheduler",
			Name:      "execution_seconds",
			Help:      "Derived-node execution time per transaction",
			Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
		}, []string{"module", "mode"}),
		backpressure: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "queue",
			Name:      "backpressure_warnings_total",
			Help:      "Backpressure warnings emitted by the transaction queue",
		}, []string{"module"}),
		starvation: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "lane",
			Name:      "starvation_total",
			Help:      "Deferred nodes forced by the max-lag bound",
		}, []string{"module"}),
		laneBacklog: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "lane",
			Name:      "pending",
			Help:      "Deferred nodes awaiting a lane slice",
		}, []string{"module"}),
		configErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "config",
			Name:      "errors_total",
			Help:      "Rejected policy resolutions",
		}, []string{"module"}),
		graphSwaps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "graph",
			Name:      "swaps_total",
			Help:      "Dependency graph hot swaps",
		}, []string{"module"}),
	}
}

// Emit implements Sink.
func (m *Metrics) Emit(_ context.Context, e Event) error {
	switch e.Kind {
	case KindTxnCommitted, KindTxnFailed:
		outcome := e.Str("outcome")
		if outcome == "" {
			outcome = string(e.Kind)
		}
		m.transactions.WithLabelValues(e.ModuleID, outcome).Inc()
	case KindConvergeDecision:
		mode := e.Str("executed_mode")
		hit := "false"
		if b, ok := e.Payload["cache_hit"].(ir.IRBool); ok && bool(b) {
			hit = "true"
		}
		m.decisions.WithLabelValues(e.ModuleID, mode, hit).Inc()
		elapsed := time.Duration(e.Int("execution_duration_us")) * time.Microsecond
		m.executionTime.WithLabelValues(e.ModuleID, mode).Observe(elapsed.Seconds())
	case KindBackpressureWarning:
		m.backpressure.WithLabelValues(e.ModuleID).Inc()
	case KindLaneStarvation:
		m.starvation.WithLabelValues(e.ModuleID).Inc()
	case KindLaneBacklog:
		m.laneBacklog.WithLabelValues(e.ModuleID).Set(float64(e.Int("pending")))
	case KindConfigError:
		m.configErrors.WithLabelValues(e.ModuleID).Inc()
	case KindGraphSwapped:
		m.graphSwaps.WithLabelValues(e.ModuleID).Inc()
	}
	return nil
}
