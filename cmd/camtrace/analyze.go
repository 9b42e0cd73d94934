package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"camtrace/internal/analysis"
	"camtrace/internal/config"
	"camtrace/internal/health"
	"camtrace/internal/ingest"
	"camtrace/internal/logging"
	"camtrace/internal/metrics"
	"camtrace/internal/model"
	"camtrace/internal/schemavalidation"
	"camtrace/internal/store"
)

type analyzeOptions struct {
	format      string
	output      string
	dbPath      string
	metricsAddr string
	keepServing bool
}

func newAnalyzeCmd(a *app) *cobra.Command {
	opts := &analyzeOptions{}

	cmd := &cobra.Command{
		Use:   "analyze <events-file|->",
		Short: "Analyze normalized log events and print sessions and captures",
		Long: `Analyze reads normalized events as a JSON array or NDJSON, reconstructs
camera sessions, detects photo captures and writes the result as JSON.

Records that fail schema validation are reported and skipped.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runAnalyze(cmd, args[0], opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.format, "format", "auto", "input format: auto, json or ndjson")
	flags.StringVarP(&opts.output, "output", "o", "", "write the result to this file instead of stdout")
	flags.StringVar(&opts.dbPath, "db", "", "store the run in this SQLite database")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	flags.BoolVar(&opts.keepServing, "keep-serving", false, "after the run, keep serving metrics and re-run on config changes until interrupted")
	return cmd
}

func (a *app) runAnalyze(cmd *cobra.Command, input string, opts *analyzeOptions) error {
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
	format, err := ingest.ParseFormat(opts.format)
	if err != nil {
		return err
	}

	logger := a.log()
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	events, err := readEvents(ctx, cmd, input, format, logger)
	if err != nil {
		return err
	}

	var st *store.Store
	if cfg.Storage.Enabled {
		st, err = store.Open(cfg.Storage.Path, store.WithBusyTimeout(time.Duration(cfg.Storage.BusyTimeoutMs)*time.Millisecond))
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer st.Close()
	}

	r := &runner{
		events: events,
		output: opts.output,
		stdout: cmd.OutOrStdout(),
		store:  st,
		m:      metrics.NewAnalysisMetrics(nil),
		logger: logger,
		status: &runStatus{},
	}

	checker := health.NewChecker()
	checker.RegisterFunc("analysis", false, health.CustomCheck(r.status.lastError))
	if st != nil {
		checker.RegisterFunc("store", true, health.DatabaseCheck(st.Ping))
	}
	if cfg.Metrics.Enabled {
		srv := startAdminServer(cfg.Metrics, r.m, checker, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error("admin server shutdown failed", "error", err)
			}
		}()
	}

	if err := r.run(ctx, cfg); err != nil {
		return err
	}
	checker.SetReady(true)
	if !opts.keepServing {
		return nil
	}

	path := a.resolvedConfigPath()
	if path == "" {
		path = config.ConfigPath()
	}
	loader := config.NewLoader(path)
	if _, err := loader.Load(); err != nil {
		return err
	}
	loader.OnChange(func(next *config.Config) {
		logger.Info("configuration changed, re-running analysis", "path", path)
		if err := r.run(ctx, next); err != nil {
			logger.Error("analysis failed after reload", "error", err)
		}
	})
	if err := loader.Watch(); err != nil {
		return err
	}
	defer loader.Close()

	logger.Info("waiting for interrupt", "metrics", cfg.Metrics.Enabled, "config", path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-loader.Errors():
			logger.Warn("config reload rejected", "error", err)
		}
	}
}

func readEvents(ctx context.Context, cmd *cobra.Command, input string, format ingest.Format, logger *slog.Logger) ([]*model.NormalizedLogEvent, error) {
	dec, err := ingest.NewDecoder(logger)
	if err != nil {
		return nil, err
	}

	var (
		events []*model.NormalizedLogEvent
		report ingest.Report
	)
	switch {
	case input == "-":
		events, report, err = dec.Decode(ctx, cmd.InOrStdin(), format)
	case format == ingest.FormatAuto:
		events, report, err = dec.DecodeFile(ctx, input)
	default:
		var f *os.File
		f, err = os.Open(input)
		if err != nil {
			return nil, fmt.Errorf("open events: %w", err)
		}
		defer f.Close()
		events, report, err = dec.Decode(ctx, f, format)
	}
	if err != nil {
		return nil, err
	}

	if report.Rejected > 0 {
		fmt.Fprintf(cmd.ErrOrStderr(), "camtrace: %d of %d records rejected\n", report.Rejected, report.Decoded+report.Rejected)
		for _, e := range report.Errors {
			logger.Warn("rejected record", "error", e)
		}
	}
	return events, nil
}

// runner performs one analysis pass with a given configuration.
type runner struct {
	events []*model.NormalizedLogEvent
	output string
	stdout io.Writer
	store  *store.Store
	m      *metrics.AnalysisMetrics
	logger *slog.Logger
	status *runStatus
}

// runStatus records the outcome of the latest run for health probes.
type runStatus struct {
	mu  sync.Mutex
	err error
}

func (s *runStatus) set(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *runStatus) lastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (r *runner) run(ctx context.Context, cfg *config.Config) error {
	err := r.analyze(ctx, cfg)
	if r.status != nil {
		r.status.set(err)
	}
	return err
}

func (r *runner) analyze(ctx context.Context, cfg *config.Config) error {
	analyzer, err := analysis.New(cfg.PipelineConfig(), r.logger, r.m)
	if err != nil {
		return fmt.Errorf("build analyzer: %w", err)
	}

	runID := uuid.NewString()
	ctx = logging.ContextWithRunID(ctx, runID)
	result, err := analyzer.Analyze(ctx, r.events, cfg.AnalysisOptions())
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	v, err := schemavalidation.Results()
	if err != nil {
		return err
	}
	if err := v.ValidateJSON(data); err != nil {
		return fmt.Errorf("result failed schema validation: %w", err)
	}

	if err := r.write(append(data, '\n')); err != nil {
		return err
	}

	if r.store != nil {
		digest, err := store.Digest(cfg)
		if err != nil {
			return err
		}
		run, err := r.store.SaveResult(ctx, runID, digest, result)
		if err != nil {
			return fmt.Errorf("store run: %w", err)
		}
		r.logger.Info("run stored", "run_id", run.ID, "result_digest", run.ResultDigest)
	}
	return nil
}

func (r *runner) write(data []byte) error {
	if r.output == "" || r.output == "-" {
		_, err := r.stdout.Write(data)
		return err
	}
	if err := os.MkdirAll(filepath.Dir(r.output), 0755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	tmp := r.output + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	if err := os.Rename(tmp, r.output); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}

// startAdminServer serves metrics and health probes.
func startAdminServer(cfg config.MetricsConfig, m *metrics.AnalysisMetrics, checker *health.Checker, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, m.Handler())
	mux.Handle("/healthz", checker.LivenessHandler())
	mux.Handle("/readyz", checker.ReadinessHandler())

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("starting admin server", "addr", srv.Addr, "path", cfg.Path, "components", checker.Names())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("admin server failed", "error", err)
		}
	}()
	return srv
}
