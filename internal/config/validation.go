package config

import (
	"errors"
	"fmt"
	"math"
	"net"
	"strings"

	"camtrace/internal/capture"
)

// ErrInvalidConfig is matched by every ValidationErrors value.
var ErrInvalidConfig = errors.New("invalid configuration")

// ValidationError represents a configuration validation issue.
type ValidationError struct {
	Field   string
	Message string
	// Warning marks issues that do not prevent a run.
	Warning bool
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// IsWarning reports whether the issue is non-fatal.
func (e *ValidationError) IsWarning() bool {
	return e.Warning
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	msgs := make([]string, 0, len(e))
	for i := range e {
		msgs = append(msgs, e[i].Error())
	}
	return strings.Join(msgs, "; ")
}

// Is lets errors.Is match ErrInvalidConfig.
func (e ValidationErrors) Is(target error) bool {
	return target == ErrInvalidConfig
}

// Warnings returns only warning-level issues.
func (e ValidationErrors) Warnings() ValidationErrors {
	var out ValidationErrors
	for _, v := range e {
		if v.IsWarning() {
			out = append(out, v)
		}
	}
	return out
}

// Errors returns only error-level issues.
func (e ValidationErrors) Errors() ValidationErrors {
	var out ValidationErrors
	for _, v := range e {
		if !v.IsWarning() {
			out = append(out, v)
		}
	}
	return out
}

// HasErrors returns true if there are any non-warning issues.
func (e ValidationErrors) HasErrors() bool {
	return len(e.Errors()) > 0
}

// ValidateConfig returns the error-level issues of c, or nil.
func ValidateConfig(c *Config) error {
	if issues := Check(c); issues.HasErrors() {
		return issues.Errors()
	}
	return nil
}

// Check returns every issue found in c, warnings included.
func Check(c *Config) ValidationErrors {
	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	errs = append(errs, validateAnalysis(&c.Analysis)...)
	errs = append(errs, validateDedup(&c.Dedup)...)
	errs = append(errs, validateWeights(c.Weights)...)
	errs = append(errs, validateStrategies(c.Strategies, c.Weights)...)
	errs = append(errs, validateLogging(&c.Logging)...)
	errs = append(errs, validateStorage(&c.Storage)...)
	errs = append(errs, validateMetrics(&c.Metrics)...)
	return errs
}

func validateAnalysis(a *AnalysisConfig) ValidationErrors {
	var errs ValidationErrors
	if a.MinConfidenceThreshold < 0 || math.IsNaN(a.MinConfidenceThreshold) {
		errs = append(errs, ValidationError{
			Field:   "analysis.min_confidence_threshold",
			Message: "threshold cannot be negative",
		})
	}
	if a.EventCorrelationWindowMs <= 0 {
		errs = append(errs, ValidationError{
			Field:   "analysis.event_correlation_window_ms",
			Message: "correlation window must be positive",
		})
	}
	if a.MaxSessionGapSec < 0 {
		errs = append(errs, ValidationError{
			Field:   "analysis.max_session_gap_sec",
			Message: "max session gap cannot be negative",
		})
	}
	if a.DeduplicationSimilarityThreshold < 0 || a.DeduplicationSimilarityThreshold > 1 {
		errs = append(errs, *RangeError("analysis.deduplication_similarity_threshold", 0, 1))
	}
	return errs
}

func validateDedup(d *DedupConfig) ValidationErrors {
	var errs ValidationErrors
	if d.TimeWindowMs <= 0 {
		errs = append(errs, ValidationError{
			Field:   "dedup.time_window_ms",
			Message: "time window must be positive",
		})
	}
	if d.CameraWindowMs <= 0 {
		errs = append(errs, ValidationError{
			Field:   "dedup.camera_window_ms",
			Message: "camera window must be positive",
		})
	}
	return errs
}

func validateWeights(w map[string]float64) ValidationErrors {
	if len(w) == 0 {
		return ValidationErrors{*RequiredFieldError("weights")}
	}
	var errs ValidationErrors
	for k, v := range w {
		if k == "" {
			errs = append(errs, ValidationError{Field: "weights", Message: "empty event type"})
			continue
		}
		if math.IsNaN(v) || v < 0 || v > 1 {
			errs = append(errs, *RangeError("weights."+k, 0, 1))
		}
	}
	return errs
}

func validateStrategies(patterns []capture.Pattern, weights map[string]float64) ValidationErrors {
	var errs ValidationErrors
	seen := make(map[string]struct{}, len(patterns))
	generic := 0
	for i, p := range patterns {
		field := fmt.Sprintf("strategies[%d]", i)
		if p.Name != "" {
			field = "strategies." + p.Name
		}
		if err := p.Validate(); err != nil {
			errs = append(errs, ValidationError{Field: field, Message: err.Error()})
		}
		if _, dup := seen[p.Name]; dup && p.Name != "" {
			errs = append(errs, ValidationError{Field: field, Message: "duplicate strategy name"})
		}
		seen[p.Name] = struct{}{}
		if p.Kind == capture.KindGeneric {
			generic++
		}
		for _, credit := range p.Credits {
			if _, ok := weights[credit]; !ok {
				errs = append(errs, ValidationError{
					Field:   field + ".credits",
					Message: fmt.Sprintf("%s has no weight and never adds to the score", credit),
					Warning: true,
				})
			}
		}
	}
	if generic != 1 {
		errs = append(errs, ValidationError{
			Field:   "strategies",
			Message: fmt.Sprintf("exactly one generic strategy is required, found %d", generic),
		})
	}
	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level: %s (valid: debug, info, warn, error)", l.Level),
		})
	}

	switch l.Format {
	case "text", "json":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format: %s (valid: text, json)", l.Format),
		})
	}

	switch l.Output {
	case "stdout", "stderr":
	case "file", "both":
		if l.FilePath == "" {
			errs = append(errs, ValidationError{
				Field:   "logging.file_path",
				Message: "file path is required when output includes a file",
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: fmt.Sprintf("invalid log output: %q (valid: stdout, stderr, file, both)", l.Output),
		})
	}

	if l.MaxSizeMB < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_size_mb",
			Message: "max size cannot be negative",
		})
	}
	if l.MaxBackups < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_backups",
			Message: "max backups cannot be negative",
		})
	}
	return errs
}

func validateStorage(s *StorageConfig) ValidationErrors {
	var errs ValidationErrors
	if s.Enabled && s.Path == "" {
		errs = append(errs, *RequiredFieldError("storage.path"))
	}
	if s.BusyTimeoutMs < 0 {
		errs = append(errs, ValidationError{
			Field:   "storage.busy_timeout_ms",
			Message: "busy timeout cannot be negative",
		})
	}
	return errs
}

func validateMetrics(m *MetricsConfig) ValidationErrors {
	if !m.Enabled {
		return nil
	}
	var errs ValidationErrors
	if _, _, err := net.SplitHostPort(m.Addr); err != nil {
		errs = append(errs, ValidationError{
			Field:   "metrics.addr",
			Message: fmt.Sprintf("invalid listen address %q: %v", m.Addr, err),
		})
	}
	if !strings.HasPrefix(m.Path, "/") {
		errs = append(errs, ValidationError{
			Field:   "metrics.path",
			Message: "path must start with /",
		})
	}
	return errs
}

// RequiredFieldError creates a validation error for a required field.
func RequiredFieldError(field string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: "required field is missing",
	}
}

// RangeError creates a validation error for an out-of-range value.
func RangeError(field string, min, max any) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: fmt.Sprintf("value must be between %v and %v", min, max),
	}
}
