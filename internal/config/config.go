// Package config handles configuration loading, validation and management
// for camtrace.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v10"
	"gopkg.in/yaml.v3"

	"camtrace/internal/analysis"
	"camtrace/internal/capture"
	"camtrace/internal/dedup"
	"camtrace/internal/logging"
	"camtrace/internal/model"
	"camtrace/internal/session"
)

// Version is the current configuration schema version.
const Version = 1

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CAMTRACE_"

// Config holds the complete tool configuration.
type Config struct {
	Version int `toml:"version" json:"version" yaml:"version"`

	Analysis AnalysisConfig `toml:"analysis" json:"analysis" yaml:"analysis"`
	Sessions SessionsConfig `toml:"sessions" json:"sessions" yaml:"sessions"`
	Dedup    DedupConfig    `toml:"dedup" json:"dedup" yaml:"dedup"`

	// Weights maps artifact event types to evidence weights. Entries in a
	// file override the defaults key by key.
	Weights map[string]float64 `toml:"weights" json:"weights" yaml:"weights"`

	// Strategies are the capture patterns in consultation order. A file that
	// lists strategies replaces the default set.
	Strategies []capture.Pattern `toml:"strategies" json:"strategies" yaml:"strategies"`

	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging" envPrefix:"LOG_"`
	Storage StorageConfig `toml:"storage" json:"storage" yaml:"storage" envPrefix:"STORAGE_"`
	Metrics MetricsConfig `toml:"metrics" json:"metrics" yaml:"metrics" envPrefix:"METRICS_"`
}

// AnalysisConfig mirrors model.AnalysisOptions with file-friendly units.
type AnalysisConfig struct {
	MinConfidenceThreshold           float64  `toml:"min_confidence_threshold" json:"min_confidence_threshold" yaml:"min_confidence_threshold" env:"MIN_CONFIDENCE"`
	EventCorrelationWindowMs         int64    `toml:"event_correlation_window_ms" json:"event_correlation_window_ms" yaml:"event_correlation_window_ms" env:"CORRELATION_WINDOW_MS"`
	MaxSessionGapSec                 int64    `toml:"max_session_gap_sec" json:"max_session_gap_sec" yaml:"max_session_gap_sec" env:"MAX_SESSION_GAP_SEC"`
	EnableIncompleteSessionHandling  bool     `toml:"enable_incomplete_session_handling" json:"enable_incomplete_session_handling" yaml:"enable_incomplete_session_handling" env:"REPAIR_SESSIONS"`
	DeduplicationSimilarityThreshold float64  `toml:"deduplication_similarity_threshold" json:"deduplication_similarity_threshold" yaml:"deduplication_similarity_threshold" env:"DEDUP_THRESHOLD"`
	PackageWhitelist                 []string `toml:"package_whitelist" json:"package_whitelist" yaml:"package_whitelist"`
	PackageBlacklist                 []string `toml:"package_blacklist" json:"package_blacklist" yaml:"package_blacklist"`
}

// SessionsConfig holds the package lists used by the session sources.
type SessionsConfig struct {
	// CameraPackages are apps whose activity lifecycle counts as camera use.
	CameraPackages []string `toml:"camera_packages" json:"camera_packages" yaml:"camera_packages"`
	// HostPackages are apps that launch the system camera on the user's behalf.
	HostPackages []string `toml:"host_packages" json:"host_packages" yaml:"host_packages"`
}

// DedupConfig holds the tolerances of the deduplication strategies.
type DedupConfig struct {
	TimeWindowMs     int64    `toml:"time_window_ms" json:"time_window_ms" yaml:"time_window_ms"`
	CameraWindowMs   int64    `toml:"camera_window_ms" json:"camera_window_ms" yaml:"camera_window_ms"`
	CameraEventTypes []string `toml:"camera_event_types" json:"camera_event_types" yaml:"camera_event_types"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is "debug", "info", "warn" or "error".
	Level string `toml:"level" json:"level" yaml:"level" env:"LEVEL"`
	// Format is "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format" env:"FORMAT"`
	// Output is "stderr", "stdout", "file" or "both".
	Output     string `toml:"output" json:"output" yaml:"output" env:"OUTPUT"`
	FilePath   string `toml:"file_path" json:"file_path" yaml:"file_path" env:"PATH"`
	MaxSizeMB  int64  `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" json:"max_backups" yaml:"max_backups"`
	Compress   bool   `toml:"compress" json:"compress" yaml:"compress"`
}

// StorageConfig holds persistence configuration.
type StorageConfig struct {
	// Enabled stores every run when set.
	Enabled       bool   `toml:"enabled" json:"enabled" yaml:"enabled" env:"ENABLED"`
	Path          string `toml:"path" json:"path" yaml:"path" env:"PATH"`
	BusyTimeoutMs int    `toml:"busy_timeout_ms" json:"busy_timeout_ms" yaml:"busy_timeout_ms"`
}

// MetricsConfig holds the Prometheus endpoint configuration.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled" json:"enabled" yaml:"enabled" env:"ENABLED"`
	Addr    string `toml:"addr" json:"addr" yaml:"addr" env:"ADDR"`
	Path    string `toml:"path" json:"path" yaml:"path"`
}

// DefaultConfig returns the stock configuration.
func DefaultConfig() *Config {
	opts := model.DefaultAnalysisOptions()
	dd := dedup.DefaultConfig()
	return &Config{
		Version: Version,
		Analysis: AnalysisConfig{
			MinConfidenceThreshold:           opts.MinConfidenceThreshold,
			EventCorrelationWindowMs:         opts.EventCorrelationWindow.Milliseconds(),
			MaxSessionGapSec:                 int64(opts.MaxSessionGap / time.Second),
			EnableIncompleteSessionHandling:  opts.EnableIncompleteSessionHandling,
			DeduplicationSimilarityThreshold: opts.DeduplicationSimilarityThreshold,
		},
		Sessions: SessionsConfig{
			CameraPackages: analysis.DefaultCameraPackages(),
			HostPackages:   capture.DefaultHostPackages(),
		},
		Dedup: DedupConfig{
			TimeWindowMs:     dd.TimeWindow.Milliseconds(),
			CameraWindowMs:   dd.CameraWindow.Milliseconds(),
			CameraEventTypes: dd.CameraEventTypes,
		},
		Weights:    capture.DefaultWeights(),
		Strategies: capture.DefaultPatterns(),
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   filepath.Join(DataDir(), "logs", "camtrace.log"),
			MaxSizeMB:  50,
			MaxBackups: 3,
			Compress:   true,
		},
		Storage: StorageConfig{
			Path:          filepath.Join(DataDir(), "camtrace.db"),
			BusyTimeoutMs: 5000,
		},
		Metrics: MetricsConfig{
			Addr: "127.0.0.1:9464",
			Path: "/metrics",
		},
	}
}

// Load reads configuration from path, applies environment overrides and
// validates the result. A missing file yields the defaults. TOML, JSON and
// YAML are selected by extension; other extensions are auto-detected.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}
	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// ApplyEnvOverrides overwrites fields from CAMTRACE_* environment variables.
// Unset variables leave the configured values in place.
func (c *Config) ApplyEnvOverrides() error {
	return c.applyEnv(env.Options{Prefix: EnvPrefix})
}

func (c *Config) applyEnv(opts env.Options) error {
	if err := env.ParseWithOptions(c, opts); err != nil {
		return fmt.Errorf("environment overrides: %w", err)
	}
	return nil
}

// AnalysisOptions converts the [analysis] section.
func (c *Config) AnalysisOptions() model.AnalysisOptions {
	a := c.Analysis
	return model.AnalysisOptions{
		MinConfidenceThreshold:           a.MinConfidenceThreshold,
		EventCorrelationWindow:           time.Duration(a.EventCorrelationWindowMs) * time.Millisecond,
		MaxSessionGap:                    time.Duration(a.MaxSessionGapSec) * time.Second,
		EnableIncompleteSessionHandling:  a.EnableIncompleteSessionHandling,
		DeduplicationSimilarityThreshold: a.DeduplicationSimilarityThreshold,
		PackageWhitelist:                 append([]string(nil), a.PackageWhitelist...),
		PackageBlacklist:                 append([]string(nil), a.PackageBlacklist...),
	}
}

// PipelineConfig converts the stage sections for analysis.New.
func (c *Config) PipelineConfig() analysis.Config {
	return analysis.Config{
		Weights:  capture.WeightTable(c.Weights).Clone(),
		Patterns: append([]capture.Pattern(nil), c.Strategies...),
		Sessions: session.Config{
			HostPackages:   append([]string(nil), c.Sessions.HostPackages...),
			CameraPackages: append([]string(nil), c.Sessions.CameraPackages...),
		},
		Dedup: dedup.Config{
			TimeWindow:       time.Duration(c.Dedup.TimeWindowMs) * time.Millisecond,
			CameraWindow:     time.Duration(c.Dedup.CameraWindowMs) * time.Millisecond,
			CameraEventTypes: append([]string(nil), c.Dedup.CameraEventTypes...),
		},
	}
}

// LoggerConfig converts the [logging] section.
func (c *Config) LoggerConfig() (*logging.Config, error) {
	level, err := logging.ParseLevel(c.Logging.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(c.Logging.Format)
	if err != nil {
		return nil, err
	}
	return &logging.Config{
		Level:      level,
		Format:     format,
		Output:     c.Logging.Output,
		FilePath:   c.Logging.FilePath,
		MaxSizeMB:  c.Logging.MaxSizeMB,
		MaxBackups: c.Logging.MaxBackups,
		Compress:   c.Logging.Compress,
		Component:  appName,
	}, nil
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	clone.Analysis.PackageWhitelist = append([]string(nil), c.Analysis.PackageWhitelist...)
	clone.Analysis.PackageBlacklist = append([]string(nil), c.Analysis.PackageBlacklist...)
	clone.Sessions.CameraPackages = append([]string(nil), c.Sessions.CameraPackages...)
	clone.Sessions.HostPackages = append([]string(nil), c.Sessions.HostPackages...)
	clone.Dedup.CameraEventTypes = append([]string(nil), c.Dedup.CameraEventTypes...)
	clone.Weights = capture.WeightTable(c.Weights).Clone()
	clone.Strategies = make([]capture.Pattern, len(c.Strategies))
	for i, p := range c.Strategies {
		clone.Strategies[i] = clonePattern(p)
	}
	return &clone
}

func clonePattern(p capture.Pattern) capture.Pattern {
	p.Packages = append([]string(nil), p.Packages...)
	p.Credits = append([]string(nil), p.Credits...)
	p.Excludes = append([]string(nil), p.Excludes...)
	p.Required = append([]string(nil), p.Required...)
	p.Anchor = append([]string(nil), p.Anchor...)
	if p.Reinterpret != nil {
		m := make(map[string]string, len(p.Reinterpret))
		for k, v := range p.Reinterpret {
			m[k] = v
		}
		p.Reinterpret = m
	}
	return p
}

// Save writes cfg to path in the format its extension names, TOML by default.
func Save(cfg *Config, path string) error {
	var (
		data []byte
		err  error
	)
	switch filepath.Ext(path) {
	case ".json":
		data, err = json.MarshalIndent(cfg, "", "  ")
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	default:
		var buf bytes.Buffer
		err = toml.NewEncoder(&buf).Encode(cfg)
		data = buf.Bytes()
	}
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
