package capture

import (
	"errors"
	"fmt"

	"camtrace/internal/model"
)

// ErrNoFallback is returned when a pattern set has no generic pattern.
var ErrNoFallback = errors.New("capture: no generic fallback pattern")

// Registry holds strategies in consultation order with a generic fallback.
type Registry struct {
	strategies []Strategy
	fallback   Strategy
}

// NewRegistry creates a registry. Strategies are consulted in order and
// fallback is used when none matches.
func NewRegistry(fallback Strategy, strategies ...Strategy) *Registry {
	return &Registry{strategies: strategies, fallback: fallback}
}

// FromPatterns builds the strategies for patterns. Exactly one generic
// pattern is required; it becomes the fallback wherever it appears.
func FromPatterns(patterns []Pattern, calc *ConfidenceCalculator) (*Registry, error) {
	r := &Registry{}
	seen := make(map[string]struct{}, len(patterns))
	for _, p := range patterns {
		if _, dup := seen[p.Name]; dup {
			return nil, fmt.Errorf("capture: duplicate pattern %q", p.Name)
		}
		seen[p.Name] = struct{}{}

		s, err := NewPatternStrategy(p, calc)
		if err != nil {
			return nil, err
		}
		if p.Kind == KindGeneric {
			if r.fallback != nil {
				return nil, fmt.Errorf("capture: more than one generic pattern (%s)", p.Name)
			}
			r.fallback = s
			continue
		}
		r.strategies = append(r.strategies, s)
	}
	if r.fallback == nil {
		return nil, ErrNoFallback
	}
	return r, nil
}

// Register appends a strategy after the existing ones.
func (r *Registry) Register(s Strategy) {
	r.strategies = append(r.strategies, s)
}

// Select returns the first strategy matching the session, else the fallback.
func (r *Registry) Select(s *model.CameraSession) Strategy {
	for _, st := range r.strategies {
		if st.Matches(s) {
			return st
		}
	}
	return r.fallback
}

// Names lists strategy names in consultation order, fallback last.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.strategies)+1)
	for _, s := range r.strategies {
		names = append(names, s.Name())
	}
	if r.fallback != nil {
		names = append(names, r.fallback.Name())
	}
	return names
}
