package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Migration represents a database schema migration.
type Migration struct {
	Version     int
	Description string
	Up          string
}

// migrations contains all database migrations in order.
var migrations = []Migration{
	{
		Version:     1,
		Description: "Initial schema with runs, sessions and captures",
		Up:          migrationV1Up,
	},
	{
		Version:     2,
		Description: "Add session_events table for contributing event ids",
		Up:          migrationV2Up,
	},
}

const migrationV1Up = `
CREATE TABLE IF NOT EXISTS runs (
    id              TEXT PRIMARY KEY,
    created_at      INTEGER NOT NULL,
    success         INTEGER NOT NULL,
    config_digest   TEXT NOT NULL,
    result_digest   TEXT NOT NULL,
    summary         TEXT NOT NULL,
    result          BLOB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_created ON runs(created_at);

CREATE TABLE IF NOT EXISTS sessions (
    run_id              TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    id                  TEXT NOT NULL,
    package_name        TEXT NOT NULL,
    component_package   TEXT,
    start_ns            INTEGER NOT NULL,
    end_ns              INTEGER,
    process_id          INTEGER,
    camera_device_ids   TEXT,
    start_event_id      TEXT,
    end_event_id        TEXT,
    source_log_types    TEXT NOT NULL,
    incomplete_reason   TEXT NOT NULL,
    completeness_score  REAL NOT NULL,
    capture_id          TEXT,
    PRIMARY KEY (run_id, id)
);

CREATE INDEX IF NOT EXISTS idx_sessions_package ON sessions(package_name, start_ns);

CREATE TABLE IF NOT EXISTS captures (
    run_id          TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    id              TEXT NOT NULL,
    session_id      TEXT NOT NULL,
    package_name    TEXT NOT NULL,
    capture_ns      INTEGER NOT NULL,
    score           REAL NOT NULL,
    strategy        TEXT NOT NULL,
    artifact_types  TEXT NOT NULL,
    PRIMARY KEY (run_id, id)
);

CREATE INDEX IF NOT EXISTS idx_captures_time ON captures(capture_ns);
`

const migrationV2Up = `
CREATE TABLE IF NOT EXISTS session_events (
    run_id      TEXT NOT NULL,
    session_id  TEXT NOT NULL,
    event_id    TEXT NOT NULL,
    PRIMARY KEY (run_id, session_id, event_id),
    FOREIGN KEY (run_id, session_id) REFERENCES sessions(run_id, id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_session_events_event ON session_events(event_id);
`

// MigrateDB applies all pending migrations to the database.
func MigrateDB(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version     INTEGER PRIMARY KEY,
			applied_at  INTEGER NOT NULL,
			description TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	currentVersion, err := schemaVersion(db)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.Version <= currentVersion {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction for migration %d: %w", m.Version, err)
		}
		if _, err := tx.Exec(m.Up); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d (%s): %w", m.Version, m.Description, err)
		}
		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)",
			m.Version, time.Now().UnixNano(), m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

func schemaVersion(db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&v); err != nil {
		return 0, fmt.Errorf("get current version: %w", err)
	}
	return v, nil
}

// ErrSchemaIncomplete is returned when a migrated database lacks a table.
var ErrSchemaIncomplete = errors.New("store schema incomplete")

// storeTables must exist once every migration has been applied.
var storeTables = []string{"runs", "sessions", "captures", "session_events", "schema_migrations"}

// checkSchema reports the first table from storeTables that is missing.
func checkSchema(ctx context.Context, db *sql.DB) error {
	for _, table := range storeTables {
		var n int
		if err := db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", table,
		).Scan(&n); err != nil {
			return fmt.Errorf("check table %s: %w", table, err)
		}
		if n == 0 {
			return fmt.Errorf("%w: no %s table", ErrSchemaIncomplete, table)
		}
	}
	return nil
}

// SchemaInfo describes the migrations applied to a store.
type SchemaInfo struct {
	Version int
	Latest  int
	Applied []AppliedMigration
	Pending []Migration
}

// AppliedMigration is one row of schema_migrations.
type AppliedMigration struct {
	Version     int
	AppliedAt   time.Time
	Description string
}

// Schema returns the applied and pending migrations after checking that
// every store table is present.
func (s *Store) Schema(ctx context.Context) (*SchemaInfo, error) {
	if err := checkSchema(ctx, s.db); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, "SELECT version, applied_at, description FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, fmt.Errorf("query migrations: %w", err)
	}
	defer rows.Close()

	info := &SchemaInfo{Latest: migrations[len(migrations)-1].Version}
	applied := make(map[int]bool)
	for rows.Next() {
		var (
			am        AppliedMigration
			appliedAt int64
			desc      sql.NullString
		)
		if err := rows.Scan(&am.Version, &appliedAt, &desc); err != nil {
			return nil, fmt.Errorf("scan migration: %w", err)
		}
		am.AppliedAt = time.Unix(0, appliedAt).UTC()
		am.Description = desc.String
		info.Applied = append(info.Applied, am)
		applied[am.Version] = true
		info.Version = max(info.Version, am.Version)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate migrations: %w", err)
	}

	for _, m := range migrations {
		if !applied[m.Version] {
			info.Pending = append(info.Pending, m)
		}
	}
	return info, nil
}
