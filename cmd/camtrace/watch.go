package main

import (
	"context"
	"fmt"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"camtrace/internal/health"
	"camtrace/internal/ingest"
	"camtrace/internal/metrics"
	"camtrace/internal/store"
	"camtrace/internal/watcher"
)

type watchOptions struct {
	outDir      string
	dbPath      string
	metricsAddr string
	settle      time.Duration
}

func newWatchCmd(a *app) *cobra.Command {
	opts := &watchOptions{}

	cmd := &cobra.Command{
		Use:   "watch <dir>",
		Short: "Analyze event exports as they appear in a directory",
		Long: `Watch analyzes every .json, .ndjson and .jsonl file in dir once it has
stopped changing, and again whenever its content changes. Results are
written next to the input as <name>.result.json unless --out-dir is set.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runWatch(cmd, args[0], opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.outDir, "out-dir", "", "directory for result files")
	flags.StringVar(&opts.dbPath, "db", "", "store every run in this SQLite database")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics and health probes on this address")
	flags.DurationVar(&opts.settle, "settle", 2*time.Second, "how long a file must be unchanged before it is analyzed")
	return cmd
}

func (a *app) runWatch(cmd *cobra.Command, dir string, opts *watchOptions) error {
	cfg, err := a.load(cmd)
	if err != nil {
		return err
	}
	if opts.dbPath != "" {
		cfg.Storage.Enabled = true
		cfg.Storage.Path = opts.dbPath
	}
	if opts.metricsAddr != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Addr = opts.metricsAddr
	}
	logger := a.component("watch")

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var st *store.Store
	if cfg.Storage.Enabled {
		st, err = store.Open(cfg.Storage.Path, store.WithBusyTimeout(time.Duration(cfg.Storage.BusyTimeoutMs)*time.Millisecond))
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer st.Close()
	}

	m := metrics.NewAnalysisMetrics(nil)
	dec, err := ingest.NewDecoder(logger)
	if err != nil {
		return err
	}

	w, err := watcher.New(dir, opts.settle)
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Start(); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	defer w.Stop()

	status := &runStatus{}
	checker := health.NewChecker()
	checker.RegisterFunc("analysis", false, health.CustomCheck(status.lastError))
	if st != nil {
		checker.RegisterFunc("store", true, health.DatabaseCheck(st.Ping))
	}
	checker.RegisterFunc("inbox", true, health.FileExistsCheck(w.Dir()))
	checker.SetReady(true)
	if cfg.Metrics.Enabled {
		srv := startAdminServer(cfg.Metrics, m, checker, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	logger.Info("watching for exports", "dir", w.Dir(), "settle", opts.settle)
	for {
		select {
		case <-ctx.Done():
			return nil

		case err := <-w.Errors():
			logger.Warn("watch error", "error", err)

		case ev := <-w.Events():
			if isResultFile(ev.Path) {
				continue
			}
			r := &runner{
				output: resultPath(ev.Path, opts.outDir),
				stdout: cmd.OutOrStdout(),
				store:  st,
				m:      m,
				logger: logger.With("input", ev.Path, "input_digest", ev.Digest),
				status: status,
			}
			events, _, err := dec.DecodeFile(ctx, ev.Path)
			if err == nil {
				r.events = events
				err = r.run(ctx, cfg)
			} else {
				status.set(err)
			}
			if err != nil {
				r.logger.Error("analysis failed", "error", err)
				continue
			}
			r.logger.Info("result written", "output", r.output)
		}
	}
}

const resultSuffix = ".result.json"

func isResultFile(path string) bool {
	return strings.HasSuffix(path, resultSuffix)
}

// resultPath places the result for input in outDir, or beside the input.
func resultPath(input, outDir string) string {
	base := strings.TrimSuffix(filepath.Base(input), filepath.Ext(input))
	if outDir == "" {
		outDir = filepath.Dir(input)
	}
	return filepath.Join(outDir, base+resultSuffix)
}
