// Package store provides SQLite-based persistence for analysis runs.
package store

import (
	"time"

	"camtrace/internal/model"
)

// Run is the stored header of one analysis run.
type Run struct {
	ID        string
	CreatedAt time.Time
	Success   bool
	// ConfigDigest identifies the configuration the run used.
	ConfigDigest string
	// ResultDigest is the BLAKE2b-256 digest of the stored result document.
	ResultDigest string
	Summary      model.RunSummary
}

// Stats summarizes the contents of the store.
type Stats struct {
	Runs     int64
	Sessions int64
	Captures int64
	// LastRun is zero when the store is empty.
	LastRun time.Time
}
