package analysis

import (
	"camtrace/internal/capture"
	"camtrace/internal/dedup"
	"camtrace/internal/session"
)

// Config gathers the injected configuration of every pipeline stage.
type Config struct {
	Weights  capture.WeightTable
	Patterns []capture.Pattern
	Sessions session.Config
	Dedup    dedup.Config
}

// DefaultCameraPackages are stock camera apps whose activity lifecycle
// counts as camera use.
func DefaultCameraPackages() []string {
	pkgs := []string{
		"com.android.camera",
		"com.android.camera2",
		"com.google.android.GoogleCamera",
		"com.sec.android.app.camera",
		"com.huawei.camera",
		"com.oneplus.camera",
	}
	return append(pkgs, capture.DefaultSilentPackages()...)
}

// DefaultConfig returns the stock weights, patterns and package lists.
func DefaultConfig() Config {
	return Config{
		Weights:  capture.DefaultWeights(),
		Patterns: capture.DefaultPatterns(),
		Sessions: session.Config{
			HostPackages:   capture.DefaultHostPackages(),
			CameraPackages: DefaultCameraPackages(),
		},
		Dedup: dedup.DefaultConfig(),
	}
}
