package cli

import (
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/roach88/converge/internal/diag"
	"github.com/roach88/converge/internal/ir"
	"github.com/roach88/converge/internal/store"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Database string
	Instance string
	Module   string
	Kinds    []string
	After    int64
	Limit    int
}

// TraceResult holds the evidence of one instance.
type TraceResult struct {
	InstanceID string        `json:"instance_id"`
	Timeline   []diag.Event  `json:"timeline"`
	Summary    store.Summary `json:"summary"`
}

// InstancesResult lists every instance found in the evidence store.
type InstancesResult struct {
	Instances []store.InstanceInfo `json:"instances"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Inspect persisted evidence",
		Long: `Inspect the evidence log written by a converge runtime.

Without --instance, lists every instance with evidence. With --instance,
prints its event timeline and a summary: commits, failures, decision
cache hits and misses, and full-mode fallbacks.

Examples:
  converge trace --db ./converge.db
  converge trace --db ./converge.db --instance 0190...
  converge trace --db ./converge.db --instance 0190... --kind txn_failed
  converge trace --db ./converge.db --module cart --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.Instance, "instance", "", "instance to trace")
	cmd.Flags().StringVar(&opts.Module, "module", "", "filter to one module")
	cmd.Flags().StringSliceVar(&opts.Kinds, "kind", nil, "filter to event kinds (repeatable)")
	cmd.Flags().Int64Var(&opts.After, "after", 0, "skip events with seq <= after")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum number of events")

	return cmd
}

func runTrace(opts *TraceOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()

	st, err := store.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	if opts.Instance == "" {
		instances, err := st.Instances(ctx)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to list instances", err)
		}
		if opts.Module != "" {
			kept := instances[:0]
			for _, in := range instances {
				if in.ModuleID == opts.Module {
					kept = append(kept, in)
				}
			}
			instances = kept
		}
		return outputInstances(cmd, opts, InstancesResult{Instances: instances})
	}

	kinds := make([]diag.Kind, len(opts.Kinds))
	for i, k := range opts.Kinds {
		kinds[i] = diag.Kind(k)
	}
	events, err := st.ReadEvents(ctx, store.EvidenceFilter{
		InstanceID: opts.Instance,
		ModuleID:   opts.Module,
		Kinds:      kinds,
		AfterSeq:   opts.After,
		Limit:      opts.Limit,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read events", err)
	}
	summary, err := st.Summarize(ctx, opts.Instance)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to summarize instance", err)
	}

	result := TraceResult{
		InstanceID: opts.Instance,
		Timeline:   events,
		Summary:    summary,
	}
	if result.Timeline == nil {
		result.Timeline = []diag.Event{}
	}

	if opts.Format == "json" {
		return outputTraceJSON(cmd, result)
	}
	return outputTraceText(cmd, result, opts.Verbose)
}

func outputInstances(cmd *cobra.Command, opts *TraceOptions, result InstancesResult) error {
	if result.Instances == nil {
		result.Instances = []store.InstanceInfo{}
	}
	if opts.Format == "json" {
		return outputTraceJSON(cmd, result)
	}

	w := cmd.OutOrStdout()
	if len(result.Instances) == 0 {
		fmt.Fprintln(w, "No instances found.")
		return nil
	}
	fmt.Fprintln(w, "=== Instances ===")
	for _, in := range result.Instances {
		fmt.Fprintf(w, "  %s  %-16s events=%d seq=%d..%d\n",
			in.InstanceID, in.ModuleID, in.Events, in.FirstSeq, in.LastSeq)
	}
	return nil
}

func outputTraceJSON(cmd *cobra.Command, data any) error {
	return encodeIndented(cmd.OutOrStdout(), CLIResponse{Status: "ok", Data: data})
}

func outputTraceText(cmd *cobra.Command, result TraceResult, verbose bool) error {
	w := cmd.OutOrStdout()

	fmt.Fprintf(w, "Instance: %s (%s)\n\n", result.InstanceID, result.Summary.ModuleID)

	fmt.Fprintln(w, "=== Timeline ===")
	if len(result.Timeline) == 0 {
		fmt.Fprintln(w, "  (no events)")
	}
	for _, e := range result.Timeline {
		formatTimelineEvent(w, e, verbose)
	}
	fmt.Fprintln(w)

	s := result.Summary
	fmt.Fprintln(w, "=== Summary ===")
	fmt.Fprintf(w, "  Events:       %d\n", s.Events)
	fmt.Fprintf(w, "  Commits:      %d (last seq %d)\n", s.Commits, s.LastTxnSeq)
	fmt.Fprintf(w, "  Failures:     %d%s\n", s.Failures, formatCounts(s.FailureCodes))
	fmt.Fprintf(w, "  Cache:        %d hit(s), %d miss(es)\n", s.CacheHits, s.CacheMisses)
	fmt.Fprintf(w, "  Fallbacks:    %s\n", formatCounts(s.Fallbacks))
	return nil
}

// formatTimelineEvent formats a single timeline event for text output.
func formatTimelineEvent(w io.Writer, e diag.Event, verbose bool) {
	switch e.Kind {
	case diag.KindConvergeDecision:
		fmt.Fprintf(w, "  [%d] DECIDE txn=%d %s→%s cache=%s outcome=%s\n",
			e.Seq, e.TxnSeq, e.Str("requested_mode"), e.Str("executed_mode"), e.Str("cache"), e.Str("outcome"))
	case diag.KindTxnCommitted:
		fmt.Fprintf(w, "  [%d] COMMIT txn=%d lane=%s changed=%d\n", e.Seq, e.TxnSeq, e.Str("lane"), e.Int("changed"))
	case diag.KindTxnFailed:
		fmt.Fprintf(w, "  [%d] FAIL %s: %s\n", e.Seq, e.Str("code"), e.Str("message"))
	default:
		fmt.Fprintf(w, "  [%d] %s\n", e.Seq, e.Kind)
	}
	if verbose {
		fmt.Fprintf(w, "       Payload: %s\n", ir.MustCanonical(e.Payload))
		fmt.Fprintf(w, "       ID: %s\n", truncateID(e.ID))
	}
}

// formatCounts renders a count map with sorted keys, or "" when empty.
func formatCounts[K ~string](m map[K]int) string {
	if len(m) == 0 {
		return ""
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)

	out := " ("
	for i, k := range keys {
		if i > 0 {
			out += ", "
		}
		out += fmt.Sprintf("%s=%d", k, m[K(k)])
	}
	return out + ")"
}

// truncateID truncates a long ID for display.
func truncateID(id string) string {
	if len(id) <= 16 {
		return id
	}
	return id[:8] + "..." + id[len(id)-8:]
}
