// Package analysis runs the camera forensics pipeline: deduplicate events,
// detect sessions and decide which sessions captured a photograph.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"camtrace/internal/capture"
	"camtrace/internal/dedup"
	"camtrace/internal/logging"
	"camtrace/internal/metrics"
	"camtrace/internal/model"
	"camtrace/internal/session"
)

// ErrMissingComponent is returned when an Analyzer is built without one of
// its pipeline stages.
var ErrMissingComponent = errors.New("analysis: missing pipeline component")

// Pipeline stage names used in logs and metrics.
const (
	StageDedup    = "dedup"
	StageSessions = "sessions"
	StageCapture  = "capture"
)

// Analyzer sequences the pipeline stages. It holds no per-run state, so one
// Analyzer may serve concurrent runs.
type Analyzer struct {
	dedup    *dedup.Deduplicator
	detector *session.Detector
	registry *capture.Registry
	metrics  *metrics.AnalysisMetrics
	logger   *slog.Logger
}

// New builds an Analyzer from cfg with the built-in sources and strategies.
func New(cfg Config, logger *slog.Logger, m *metrics.AnalysisMetrics) (*Analyzer, error) {
	if logger == nil {
		logger = logging.Default().Logger
	}
	calc, err := capture.NewConfidenceCalculator(cfg.Weights)
	if err != nil {
		return nil, fmt.Errorf("confidence calculator: %w", err)
	}
	registry, err := capture.FromPatterns(cfg.Patterns, calc)
	if err != nil {
		return nil, fmt.Errorf("capture strategies: %w", err)
	}

	detector := session.NewDetector(
		session.NewResolver(cfg.Sessions.HostPackages),
		logger,
		session.NewUsageStatsSource(cfg.Sessions, logger),
		session.NewMediaServiceSource(cfg.Sessions, logger),
	)
	return NewWithComponents(dedup.New(cfg.Dedup, logger), detector, registry, logger, m)
}

// NewWithComponents builds an Analyzer over explicit stages. A nil m gets a
// private metrics registry.
func NewWithComponents(d *dedup.Deduplicator, detector *session.Detector, registry *capture.Registry, logger *slog.Logger, m *metrics.AnalysisMetrics) (*Analyzer, error) {
	switch {
	case d == nil:
		return nil, fmt.Errorf("%w: deduplicator", ErrMissingComponent)
	case detector == nil:
		return nil, fmt.Errorf("%w: session detector", ErrMissingComponent)
	case registry == nil:
		return nil, fmt.Errorf("%w: capture registry", ErrMissingComponent)
	}
	if logger == nil {
		logger = logging.Default().Logger
	}
	if m == nil {
		m = metrics.NewAnalysisMetrics(nil)
	}
	a := &Analyzer{
		dedup:    d,
		detector: detector,
		registry: registry,
		metrics:  m,
		logger:   logger.With("component", "analyzer"),
	}
	a.logger.Debug("analyzer ready", "sources", sourceNames(detector), "strategies", registry.Names())
	return a, nil
}

func sourceNames(d *session.Detector) []string {
	names := make([]string, 0, len(d.Sources()))
	for _, src := range d.Sources() {
		names = append(names, src.Name())
	}
	return names
}

// Metrics returns the metrics the analyzer records to.
func (a *Analyzer) Metrics() *metrics.AnalysisMetrics {
	return a.metrics
}

// Analyze runs the pipeline over events. Invalid options abort the run;
// malformed events are skipped and counted. Cancellation is checked between
// stages.
func (a *Analyzer) Analyze(ctx context.Context, events []*model.NormalizedLogEvent, opts model.AnalysisOptions) (*model.AnalysisResult, error) {
	if err := opts.Validate(); err != nil {
		a.metrics.RunsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	if logging.RunIDFromContext(ctx) == "" {
		ctx = logging.ContextWithRunID(ctx, uuid.NewString())
	}
	logger := logging.WithRunID(ctx, a.logger)

	result, err := a.run(ctx, logger, events, opts)
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		a.metrics.RunsTotal.WithLabelValues("canceled").Inc()
		logger.Warn("analysis canceled", "error", err)
		return nil, err
	case err != nil:
		a.metrics.RunsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	a.metrics.RunsTotal.WithLabelValues("ok").Inc()
	a.metrics.LastRunTimestamp.SetToCurrentTime()
	logger.Info("analysis complete",
		"input_events", result.Summary.InputEvents,
		"skipped", result.Summary.SkippedEvents,
		"duplicates", result.Summary.DuplicateEvents,
		"sessions", result.Summary.Sessions,
		"captures", result.Summary.Captures,
		"used_without_capture", result.Summary.UsedWithoutCapture,
	)
	return result, nil
}

func (a *Analyzer) run(ctx context.Context, logger *slog.Logger, events []*model.NormalizedLogEvent, opts model.AnalysisOptions) (*model.AnalysisResult, error) {
	result := &model.AnalysisResult{
		Sessions: []*model.CameraSession{},
		Captures: []*model.CaptureEvent{},
	}
	result.Summary.InputEvents = len(events)

	valid := 0
	for _, e := range events {
		if e.Validate() == nil {
			valid++
		}
	}
	result.Summary.SkippedEvents = len(events) - valid

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()
	deduped := a.dedup.Deduplicate(events, opts.DeduplicationSimilarityThreshold)
	a.metrics.ObserveStage(StageDedup, start)
	result.Summary.DuplicateEvents = valid - len(deduped)
	a.metrics.EventsTotal.WithLabelValues("skipped").Add(float64(result.Summary.SkippedEvents))
	a.metrics.EventsTotal.WithLabelValues("duplicate").Add(float64(result.Summary.DuplicateEvents))
	a.metrics.EventsTotal.WithLabelValues("accepted").Add(float64(len(deduped)))
	logger.Debug("deduplicated events", "kept", len(deduped), "dropped", result.Summary.DuplicateEvents)

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start = time.Now()
	sessions := a.detector.Detect(deduped, opts)
	a.metrics.ObserveStage(StageSessions, start)
	if sessions != nil {
		result.Sessions = sessions
	}
	result.Summary.Sessions = len(result.Sessions)

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start = time.Now()
	byID := make(map[string]*model.NormalizedLogEvent, len(deduped))
	for _, e := range deduped {
		byID[e.ID] = e
	}
	for _, s := range result.Sessions {
		a.metrics.SessionsTotal.WithLabelValues(string(s.IncompleteReason)).Inc()

		strategy := a.registry.Select(s)
		if strategy == nil {
			result.Summary.UsedWithoutCapture++
			continue
		}
		c := strategy.Detect(s, contributing(s, byID), opts)
		if c == nil {
			result.Summary.UsedWithoutCapture++
			logger.Debug("camera used without capture", "session_id", s.ID, "package", s.PackageName, "strategy", strategy.Name())
			continue
		}
		s.CaptureIDs = []string{c.ID}
		result.Captures = append(result.Captures, c)
		a.metrics.CapturesTotal.WithLabelValues(c.Strategy).Inc()
		a.metrics.CaptureScore.Observe(c.Score)
	}
	a.metrics.ObserveStage(StageCapture, start)

	sort.SliceStable(result.Captures, func(i, j int) bool {
		if !result.Captures[i].CaptureTime.Equal(result.Captures[j].CaptureTime) {
			return result.Captures[i].CaptureTime.Before(result.Captures[j].CaptureTime)
		}
		return result.Captures[i].ID < result.Captures[j].ID
	})
	result.Summary.Captures = len(result.Captures)
	result.Success = true
	return result, nil
}

// contributing returns the session's contributing events in time order.
func contributing(s *model.CameraSession, byID map[string]*model.NormalizedLogEvent) []*model.NormalizedLogEvent {
	out := make([]*model.NormalizedLogEvent, 0, len(s.SourceEventIDs))
	for _, id := range s.SourceEventIDs.Sorted() {
		if e, ok := byID[id]; ok {
			out = append(out, e)
		}
	}
	return session.SortEvents(out)
}
