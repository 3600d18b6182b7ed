package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/roach88/converge/internal/compiler"
	"github.com/roach88/converge/internal/config"
	"github.com/roach88/converge/internal/diag"
	"github.com/roach88/converge/internal/engine"
	"github.com/roach88/converge/internal/store"
)

const defaultWatchDebounce = 100 * time.Millisecond

// WatchOptions holds flags for the watch command.
type WatchOptions struct {
	*RootOptions
	Database    string
	Config      string
	MetricsAddr string
	Debounce    time.Duration
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "watch <specs-dir>",
		Short: "Run modules and hot-swap their graphs on change",
		Long: `Start every module declared in <specs-dir> and keep them running.

When a .cue file changes, the declarations are recompiled. Running
modules swap to the new graph (bumping their generation and running one
full convergence); new modules are started and removed modules are
disposed. A declaration that fails to compile leaves the running graphs
untouched.

Policy layers, lowest first: --config file defaults merged with
CONVERGE_* environment variables, each module's declared policy, then
per-module entries in the config file.

Examples:
  converge watch ./specs
  converge watch ./specs --db ./converge.db --metrics-addr :9090
  converge watch ./specs --config ./converge.yaml -v`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "persist evidence to this SQLite database")
	cmd.Flags().StringVar(&opts.Config, "config", "", "runtime configuration file (YAML)")
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	cmd.Flags().DurationVar(&opts.Debounce, "debounce", defaultWatchDebounce, "quiet period before reloading")

	return cmd
}

func runWatch(opts *WatchOptions, specsDir string, cmd *cobra.Command) error {
	logger := newLogger(opts.RootOptions, cmd.ErrOrStderr())

	rtOpts, err := runtimeOptions(opts.Config, config.FromEnv)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load configuration", err)
	}

	sinks := []diag.Sink{diag.NewLogSink(logger)}
	if opts.Database != "" {
		st, err := store.Open(opts.Database)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open database", err)
		}
		defer st.Close()
		sinks = append(sinks, st)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if opts.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		sinks = append(sinks, diag.NewMetrics(reg))
		srv := &http.Server{
			Addr:              opts.MetricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "event", "metrics_error", "error", err)
			}
		}()
		defer srv.Close()
	}

	rtOpts = append(rtOpts,
		engine.WithEmitter(diag.NewEmitter(sinks...)),
		engine.WithLogger(logger),
	)
	rt := engine.NewRuntime(rtOpts...)
	defer rt.Close()

	w := NewWatcher(specsDir, rt, nil, logger)
	if err := w.Reload(ctx); err != nil {
		return WrapExitError(ExitCommandError, "failed to load modules", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Watching %s (%d module(s)). Press Ctrl-C to stop.\n", specsDir, len(rt.Modules()))
	if err := w.Run(ctx, opts.Debounce); err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "watch failed", err)
	}
	logger.Info("watch stopped", "event", "watch_stopped")
	return nil
}

// runtimeOptions builds the policy layers from the config file at path
// (optional) and the environment.
func runtimeOptions(path string, fromEnv func() (config.Patch, error)) ([]engine.RuntimeOption, error) {
	file := &config.File{}
	if path != "" {
		f, err := config.LoadFile(path)
		if err != nil {
			return nil, err
		}
		file = f
	}
	env, err := fromEnv()
	if err != nil {
		return nil, err
	}

	opts := []engine.RuntimeOption{engine.WithDefaults(config.Merge(file.Defaults, env))}
	for name, p := range file.Modules {
		opts = append(opts, engine.WithModulePolicy(name, p))
	}
	return opts, nil
}

// Watcher keeps a runtime in sync with the module declarations in a
// directory.
type Watcher struct {
	dir    string
	rt     *engine.Runtime
	funcs  *compiler.Funcs
	logger *slog.Logger
}

// NewWatcher creates a watcher over dir. A nil funcs means builtins only.
func NewWatcher(dir string, rt *engine.Runtime, funcs *compiler.Funcs, logger *slog.Logger) *Watcher {
	if funcs == nil {
		funcs = compiler.NewFuncs()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{dir: dir, rt: rt, funcs: funcs, logger: logger}
}

// Reload recompiles the declarations and reconciles the runtime: running
// modules swap graphs, new modules start, and undeclared modules are
// disposed. Nothing changes when compilation fails.
func (w *Watcher) Reload(ctx context.Context) error {
	res, errs := LoadModules(w.dir, LoadModeFailFast, w.funcs)
	if len(errs) > 0 {
		w.logger.Error("reload failed",
			"event", "reload_failed",
			"dir", w.dir,
			"error", errs[0],
		)
		return errs[0]
	}

	declared := make([]string, 0, len(res.Modules))
	for _, def := range res.Modules {
		declared = append(declared, def.Name)
		inst, ok := w.rt.Instance(def.Name)
		if !ok {
			if _, err := w.rt.Start(ctx, def); err != nil {
				return fmt.Errorf("start %s: %w", def.Name, err)
			}
			continue
		}

		rep, out, err := inst.SwapGraph(ctx, def.Decls)
		if err != nil {
			w.logger.Warn("graph swap failed",
				"event", "graph_reload_failed",
				"module", def.Name,
				"code", engine.CodeOf(err),
				"error", err,
			)
			continue
		}
		w.logger.Info("graph swapped",
			"event", "graph_reloaded",
			"module", def.Name,
			"generation", inst.Generation(),
			"committed", out.Committed,
			"issues", len(rep.Issues),
		)
	}

	for _, name := range w.rt.Modules() {
		if slices.Contains(declared, name) {
			continue
		}
		if inst, ok := w.rt.Instance(name); ok {
			if err := inst.Dispose(); err != nil {
				w.logger.Warn("dispose failed", "event", "dispose_failed", "module", name, "error", err)
			}
		}
	}
	return nil
}

// Run watches the directory and reloads after each burst of .cue changes
// has been quiet for debounce. It returns when ctx is done.
func (w *Watcher) Run(ctx context.Context, debounce time.Duration) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()
	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return ctx.Err()

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Ext(ev.Name) != ".cue" || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) {
				continue
			}
			w.logger.Debug("declaration changed", "event", "file_changed", "path", ev.Name, "op", ev.Op.String())
			if timer == nil {
				timer = time.NewTimer(debounce)
				fire = timer.C
			} else {
				timer.Reset(debounce)
			}

		case <-fire:
			timer, fire = nil, nil
			// Compile errors are logged by Reload; keep watching.
			_ = w.Reload(ctx)

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", "event", "watch_error", "error", err)
		}
	}
}
