package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidOptions is wrapped by AnalysisOptions.Validate failures.
var ErrInvalidOptions = errors.New("invalid analysis options")

// AnalysisOptions configures one analysis run.
type AnalysisOptions struct {
	// MinConfidenceThreshold gates both session completeness and capture scores.
	MinConfidenceThreshold float64

	// EventCorrelationWindow bounds how far past its start an open session
	// attributes events.
	EventCorrelationWindow time.Duration

	// MaxSessionGap is the largest distance to a following same-package
	// session start that may close an open session.
	MaxSessionGap time.Duration

	// EnableIncompleteSessionHandling turns on end-time repair.
	EnableIncompleteSessionHandling bool

	// DeduplicationSimilarityThreshold is the minimum similarity in [0,1] for
	// two events to be collapsed.
	DeduplicationSimilarityThreshold float64

	// PackageWhitelist and PackageBlacklist are case-insensitive substrings.
	PackageWhitelist []string
	PackageBlacklist []string
}

// DefaultAnalysisOptions returns the options used when none are configured.
func DefaultAnalysisOptions() AnalysisOptions {
	return AnalysisOptions{
		MinConfidenceThreshold:           0.5,
		EventCorrelationWindow:           30 * time.Second,
		MaxSessionGap:                    5 * time.Minute,
		EnableIncompleteSessionHandling:  true,
		DeduplicationSimilarityThreshold: 0.8,
	}
}

// Validate checks the options for values no stage can work with.
func (o AnalysisOptions) Validate() error {
	switch {
	case o.MinConfidenceThreshold < 0:
		return fmt.Errorf("%w: min confidence threshold %v is negative", ErrInvalidOptions, o.MinConfidenceThreshold)
	case o.EventCorrelationWindow <= 0:
		return fmt.Errorf("%w: event correlation window must be positive", ErrInvalidOptions)
	case o.MaxSessionGap < 0:
		return fmt.Errorf("%w: max session gap is negative", ErrInvalidOptions)
	case o.DeduplicationSimilarityThreshold < 0 || o.DeduplicationSimilarityThreshold > 1:
		return fmt.Errorf("%w: deduplication threshold %v outside [0,1]", ErrInvalidOptions, o.DeduplicationSimilarityThreshold)
	}
	return nil
}

// PackageAllowed applies the whitelist and blacklist to a package name.
// An empty whitelist admits every package.
func (o AnalysisOptions) PackageAllowed(pkg string) bool {
	lower := strings.ToLower(pkg)
	if len(o.PackageWhitelist) > 0 && !containsAny(lower, o.PackageWhitelist) {
		return false
	}
	return !containsAny(lower, o.PackageBlacklist)
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if sub == "" {
			continue
		}
		if strings.Contains(s, strings.ToLower(sub)) {
			return true
		}
	}
	return false
}
