// Package dedup collapses events that several log sources recorded for the
// same physical occurrence.
package dedup

import (
	"log/slog"
	"math"
	"sort"
	"time"

	"camtrace/internal/model"
)

// Strategy scores whether a later event duplicates an earlier one.
type Strategy interface {
	Name() string
	// Window is the largest timestamp distance the strategy considers.
	Window() time.Duration
	// Similarity scores candidate against anchor in [0,1]. ok is false when
	// the strategy has no opinion on the pair.
	Similarity(anchor, candidate *model.NormalizedLogEvent) (score float64, ok bool)
}

// Config controls the built-in strategies.
type Config struct {
	// TimeWindow is the tolerance of the generic time-window strategy.
	TimeWindow time.Duration
	// CameraWindow is the tolerance of the camera-event strategy.
	CameraWindow time.Duration
	// CameraEventTypes are the event types handled by the camera-event strategy.
	CameraEventTypes []string
}

// DefaultConfig returns the default tolerances.
func DefaultConfig() Config {
	return Config{
		TimeWindow:       time.Second,
		CameraWindow:     500 * time.Millisecond,
		CameraEventTypes: []string{model.EventCameraConnect, model.EventCameraDisconnect},
	}
}

// Deduplicator applies its strategies in order; the first strategy with an
// opinion on a pair decides it.
type Deduplicator struct {
	strategies []Strategy
	window     time.Duration
	logger     *slog.Logger
}

// New creates a Deduplicator with the camera-event strategy ahead of the
// time-window strategy.
func New(cfg Config, logger *slog.Logger) *Deduplicator {
	return NewWithStrategies(logger,
		NewCameraEventStrategy(cfg.CameraWindow, cfg.CameraEventTypes),
		NewTimeWindowStrategy(cfg.TimeWindow),
	)
}

// NewWithStrategies creates a Deduplicator over an explicit strategy list.
func NewWithStrategies(logger *slog.Logger, strategies ...Strategy) *Deduplicator {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Deduplicator{
		strategies: strategies,
		logger:     logger.With("component", "dedup"),
	}
	for _, s := range strategies {
		if s.Window() > d.window {
			d.window = s.Window()
		}
	}
	return d
}

// Deduplicate returns events in time order with one representative per
// duplicate group. The representative is the earliest event of its group;
// among simultaneous events the one with the most attributes sorts first.
// Malformed events are dropped. The result is a fixed point: deduplicating
// it again returns the same events.
func (d *Deduplicator) Deduplicate(events []*model.NormalizedLogEvent, threshold float64) []*model.NormalizedLogEvent {
	sorted := make([]*model.NormalizedLogEvent, 0, len(events))
	for _, e := range events {
		if err := e.Validate(); err != nil {
			d.logger.Debug("skipping malformed event", "error", err)
			continue
		}
		sorted = append(sorted, e)
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		if a.AttributeCount() != b.AttributeCount() {
			return a.AttributeCount() > b.AttributeCount()
		}
		return a.ID < b.ID
	})

	kept := make([]*model.NormalizedLogEvent, 0, len(sorted))
	for _, e := range sorted {
		if anchor, strategy := d.findAnchor(kept, e, threshold); anchor != nil {
			d.logger.Debug("dropping duplicate event",
				"event_id", e.ID, "duplicate_of", anchor.ID, "strategy", strategy)
			continue
		}
		kept = append(kept, e)
	}
	return kept
}

// findAnchor returns the nearest kept event that e duplicates.
func (d *Deduplicator) findAnchor(kept []*model.NormalizedLogEvent, e *model.NormalizedLogEvent, threshold float64) (*model.NormalizedLogEvent, string) {
	for i := len(kept) - 1; i >= 0; i-- {
		anchor := kept[i]
		if e.Timestamp.Sub(anchor.Timestamp) > d.window {
			break
		}
		for _, s := range d.strategies {
			score, ok := s.Similarity(anchor, e)
			if !ok {
				continue
			}
			if score >= threshold {
				return anchor, s.Name()
			}
			break
		}
	}
	return nil, ""
}

// closeness maps a timestamp distance onto [0,1], 1 meaning simultaneous.
func closeness(a, b time.Time, tolerance time.Duration) (float64, bool) {
	dt := a.Sub(b)
	if dt < 0 {
		dt = -dt
	}
	if dt > tolerance {
		return 0, false
	}
	if tolerance == 0 {
		return 1, true
	}
	return 1 - float64(dt)/float64(tolerance), true
}

// agreement is the fraction of shared attribute keys whose values match.
// Events sharing no keys agree fully. Keys in skip are ignored.
func agreement(a, b *model.NormalizedLogEvent, skip ...string) float64 {
	shared, equal := 0, 0
	for k, av := range a.Attributes {
		if contains(skip, k) {
			continue
		}
		bv, ok := b.Attributes[k]
		if !ok {
			continue
		}
		shared++
		if sameValue(av, bv) {
			equal++
		}
	}
	if shared == 0 {
		return 1
	}
	return float64(equal) / float64(shared)
}

func sameValue(a, b any) bool {
	if ai, ok := a.(string); ok {
		if bi, ok := b.(string); ok {
			return ai == bi
		}
	}
	if x, ok := model.AsInt(a); ok {
		if y, ok := model.AsInt(b); ok {
			return x == y
		}
	}
	if x, ok := a.(float64); ok {
		if y, ok := b.(float64); ok {
			return math.Abs(x-y) < 1e-9
		}
	}
	if x, ok := a.(bool); ok {
		if y, ok := b.(bool); ok {
			return x == y
		}
	}
	return false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func round(x float64) float64 {
	return math.Round(x*1e6) / 1e6
}
