package capture

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"camtrace/internal/model"
)

// Kind selects how a pattern matches sessions.
type Kind string

const (
	// KindGeneric matches every session and serves as the fallback.
	KindGeneric Kind = "generic"
	// KindHosted matches listed apps when they host the system camera.
	KindHosted Kind = "hosted"
	// KindCameraX matches listed apps capturing with an in-app camera.
	KindCameraX Kind = "camerax"
	// KindSilent matches listed silent-camera apps.
	KindSilent Kind = "silent"
)

// ErrUnknownKind is returned for patterns with an unrecognised kind.
var ErrUnknownKind = errors.New("capture: unknown strategy kind")

var captureNamespace = uuid.MustParse("c5a0b3e1-9d42-4f7e-8b16-4e2d7a9f0c58")

// Strategy decides whether and when a session captured a photograph.
type Strategy interface {
	Name() string
	// Matches reports whether the strategy applies to the session's app.
	Matches(s *model.CameraSession) bool
	// Detect returns the capture found in the session, or nil.
	Detect(s *model.CameraSession, events []*model.NormalizedLogEvent, opts model.AnalysisOptions) *model.CaptureEvent
}

// Pattern is the externally configured description of one app pattern.
type Pattern struct {
	Name     string   `toml:"name" json:"name" yaml:"name"`
	Kind     Kind     `toml:"kind" json:"kind" yaml:"kind"`
	Packages []string `toml:"packages" json:"packages" yaml:"packages"`

	// Credits are the artifact types that count as evidence; Excludes are
	// never credited even when present.
	Credits  []string `toml:"credits" json:"credits" yaml:"credits"`
	Excludes []string `toml:"excludes" json:"excludes" yaml:"excludes"`
	// Required artifacts must all be present for a capture.
	Required []string `toml:"required" json:"required" yaml:"required"`
	// Anchor lists artifact types in order of forensic preference for the
	// capture timestamp.
	Anchor []string `toml:"anchor" json:"anchor" yaml:"anchor"`
	// Reinterpret renames event types before crediting.
	Reinterpret map[string]string `toml:"reinterpret" json:"reinterpret" yaml:"reinterpret"`
	// MaxScore clamps the score when positive.
	MaxScore float64 `toml:"max_score" json:"max_score" yaml:"max_score"`
}

// Validate checks the pattern for settings no strategy can use.
func (p Pattern) Validate() error {
	switch p.Kind {
	case KindGeneric, KindHosted, KindCameraX, KindSilent:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, p.Kind)
	}
	if p.Name == "" {
		return errors.New("capture: pattern has no name")
	}
	if len(p.Credits) == 0 {
		return fmt.Errorf("capture: pattern %s credits no artifacts", p.Name)
	}
	if p.Kind != KindGeneric && len(p.Packages) == 0 {
		return fmt.Errorf("capture: pattern %s lists no packages", p.Name)
	}
	if p.MaxScore < 0 {
		return fmt.Errorf("capture: pattern %s has negative max_score", p.Name)
	}
	return nil
}

// Evaluation is the scored evidence of one session.
type Evaluation struct {
	Strategy  string
	Artifacts []string
	Score     float64
	Anchor    time.Time
	Captured  bool
}

// PatternStrategy implements Strategy for a configured Pattern.
type PatternStrategy struct {
	pattern  Pattern
	calc     *ConfidenceCalculator
	packages map[string]struct{}
	credits  map[string]struct{}
	excludes map[string]struct{}
}

// NewPatternStrategy creates a strategy for p scored by calc.
func NewPatternStrategy(p Pattern, calc *ConfidenceCalculator) (*PatternStrategy, error) {
	if calc == nil {
		return nil, ErrNoWeights
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &PatternStrategy{
		pattern:  p,
		calc:     calc,
		packages: lowerSet(p.Packages),
		credits:  stringSet(p.Credits),
		excludes: stringSet(p.Excludes),
	}, nil
}

// Name implements Strategy.
func (p *PatternStrategy) Name() string { return p.pattern.Name }

// Kind returns the pattern kind.
func (p *PatternStrategy) Kind() Kind { return p.pattern.Kind }

// Matches implements Strategy.
func (p *PatternStrategy) Matches(s *model.CameraSession) bool {
	if p.pattern.Kind == KindGeneric {
		return true
	}
	if _, ok := p.packages[strings.ToLower(s.PackageName)]; !ok {
		return false
	}
	switch p.pattern.Kind {
	case KindHosted:
		return s.Hosted()
	case KindCameraX:
		return !s.Hosted()
	default:
		return true
	}
}

// Evaluate scores the session's contributing events inside its window.
func (p *PatternStrategy) Evaluate(s *model.CameraSession, events []*model.NormalizedLogEvent, opts model.AnalysisOptions) Evaluation {
	start, end := s.Window(opts.EventCorrelationWindow)

	first := make(map[string]time.Time)
	for _, e := range events {
		if e == nil || !s.SourceEventIDs.Has(e.ID) {
			continue
		}
		if e.Timestamp.Before(start) || e.Timestamp.After(end) {
			continue
		}
		artifact := e.EventType
		if renamed, ok := p.pattern.Reinterpret[artifact]; ok {
			artifact = renamed
		}
		if _, ok := p.credits[artifact]; !ok {
			continue
		}
		if _, ok := p.excludes[artifact]; ok {
			continue
		}
		if t, seen := first[artifact]; !seen || e.Timestamp.Before(t) {
			first[artifact] = e.Timestamp
		}
	}

	artifacts := make([]string, 0, len(first))
	for a := range first {
		artifacts = append(artifacts, a)
	}
	artifacts = Distinct(artifacts)

	ev := Evaluation{
		Strategy:  p.pattern.Name,
		Artifacts: artifacts,
		Score:     p.calc.Score(artifacts, p.pattern.MaxScore),
	}
	if len(artifacts) == 0 {
		return ev
	}
	for _, r := range p.pattern.Required {
		if _, ok := first[r]; !ok {
			return ev
		}
	}

	ev.Anchor = anchorTime(first, p.pattern.Anchor)
	ev.Captured = ev.Score >= opts.MinConfidenceThreshold
	return ev
}

// Detect implements Strategy.
func (p *PatternStrategy) Detect(s *model.CameraSession, events []*model.NormalizedLogEvent, opts model.AnalysisOptions) *model.CaptureEvent {
	ev := p.Evaluate(s, events, opts)
	if !ev.Captured {
		return nil
	}
	return &model.CaptureEvent{
		ID:            uuid.NewSHA1(captureNamespace, []byte(s.ID)).String(),
		CaptureTime:   ev.Anchor,
		PackageName:   s.PackageName,
		SessionID:     s.ID,
		ArtifactTypes: ev.Artifacts,
		Score:         ev.Score,
		Strategy:      ev.Strategy,
	}
}

// anchorTime picks the first preferred artifact present, falling back to the
// earliest credited artifact.
func anchorTime(first map[string]time.Time, order []string) time.Time {
	for _, a := range order {
		if t, ok := first[a]; ok {
			return t
		}
	}
	var earliest time.Time
	for _, t := range first {
		if earliest.IsZero() || t.Before(earliest) {
			earliest = t
		}
	}
	return earliest
}

func stringSet(values []string) map[string]struct{} {
	m := make(map[string]struct{}, len(values))
	for _, v := range values {
		m[v] = struct{}{}
	}
	return m
}

func lowerSet(values []string) map[string]struct{} {
	m := make(map[string]struct{}, len(values))
	for _, v := range values {
		m[strings.ToLower(v)] = struct{}{}
	}
	return m
}
