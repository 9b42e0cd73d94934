package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"camtrace/internal/model"
)

// ErrNoRunID is returned when a run is saved without an id.
var ErrNoRunID = errors.New("run id is required")

const defaultBusyTimeout = 5 * time.Second

// Option configures Open.
type Option func(*options)

type options struct {
	busyTimeout time.Duration
}

// WithBusyTimeout sets how long a writer waits on a locked database.
func WithBusyTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.busyTimeout = d
		}
	}
}

// Store represents the SQLite run store.
type Store struct {
	db *sql.DB
}

// Open opens or creates the SQLite database at the given path and runs migrations.
func Open(path string, opts ...Option) (*Store, error) {
	o := options{busyTimeout: defaultBusyTimeout}
	for _, opt := range opts {
		opt(&o)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=%d", path, o.busyTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := MigrateDB(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	if err := checkSchema(context.Background(), db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// SaveResult stores result under runID in one transaction.
func (s *Store) SaveResult(ctx context.Context, runID, configDigest string, result *model.AnalysisResult) (*Run, error) {
	if runID == "" {
		return nil, ErrNoRunID
	}
	if result == nil {
		return nil, errors.New("result is nil")
	}

	doc, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	summary, err := json.Marshal(result.Summary)
	if err != nil {
		return nil, fmt.Errorf("encode summary: %w", err)
	}

	run := &Run{
		ID:           runID,
		CreatedAt:    time.Now().UTC(),
		Success:      result.Success,
		ConfigDigest: configDigest,
		ResultDigest: digestBytes(doc),
		Summary:      result.Summary,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO runs (id, created_at, success, config_digest, result_digest, summary, result)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.CreatedAt.UnixNano(), run.Success, run.ConfigDigest, run.ResultDigest, string(summary), doc,
	); err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}

	if err := insertSessions(ctx, tx, runID, result.Sessions); err != nil {
		return nil, err
	}
	if err := insertCaptures(ctx, tx, runID, result.Captures); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return run, nil
}

func insertSessions(ctx context.Context, tx *sql.Tx, runID string, sessions []*model.CameraSession) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO sessions (run_id, id, package_name, component_package, start_ns, end_ns, process_id,
			camera_device_ids, start_event_id, end_event_id, source_log_types, incomplete_reason,
			completeness_score, capture_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare session statement: %w", err)
	}
	defer stmt.Close()

	evStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO session_events (run_id, session_id, event_id) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare session event statement: %w", err)
	}
	defer evStmt.Close()

	for _, sess := range sessions {
		var endNs, pid sql.NullInt64
		if sess.EndTime != nil {
			endNs = sql.NullInt64{Int64: sess.EndTime.UnixNano(), Valid: true}
		}
		if sess.ProcessID != nil {
			pid = sql.NullInt64{Int64: int64(*sess.ProcessID), Valid: true}
		}
		var captureID sql.NullString
		if len(sess.CaptureIDs) > 0 {
			captureID = sql.NullString{String: sess.CaptureIDs[0], Valid: true}
		}
		devices, err := encodeList(sess.CameraDeviceIDs)
		if err != nil {
			return err
		}
		logTypes, err := encodeList(sess.SourceLogTypes)
		if err != nil {
			return err
		}

		if _, err := stmt.ExecContext(ctx,
			runID, sess.ID, sess.PackageName, sess.ComponentPackage, sess.StartTime.UnixNano(), endNs, pid,
			devices, sess.StartEventID, sess.EndEventID, logTypes, string(sess.IncompleteReason),
			sess.CompletenessScore, captureID,
		); err != nil {
			return fmt.Errorf("insert session %s: %w", sess.ID, err)
		}
		for _, id := range sess.SourceEventIDs.Sorted() {
			if _, err := evStmt.ExecContext(ctx, runID, sess.ID, id); err != nil {
				return fmt.Errorf("insert session event: %w", err)
			}
		}
	}
	return nil
}

func insertCaptures(ctx context.Context, tx *sql.Tx, runID string, captures []*model.CaptureEvent) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO captures (run_id, id, session_id, package_name, capture_ns, score, strategy, artifact_types)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare capture statement: %w", err)
	}
	defer stmt.Close()

	for _, c := range captures {
		artifacts, err := encodeList(c.ArtifactTypes)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx,
			runID, c.ID, c.SessionID, c.PackageName, c.CaptureTime.UnixNano(), c.Score, c.Strategy, artifacts,
		); err != nil {
			return fmt.Errorf("insert capture %s: %w", c.ID, err)
		}
	}
	return nil
}

// GetRun retrieves a run header by id. It returns nil when no run matches.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, created_at, success, config_digest, result_digest, summary
		FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// ListRuns returns the most recent runs first. limit <= 0 returns all.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, created_at, success, config_digest, result_digest, summary
		FROM runs
		ORDER BY created_at DESC, id ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var (
		run       Run
		createdAt int64
		summary   string
	)
	if err := row.Scan(&run.ID, &createdAt, &run.Success, &run.ConfigDigest, &run.ResultDigest, &summary); err != nil {
		return nil, err
	}
	run.CreatedAt = time.Unix(0, createdAt).UTC()
	if err := json.Unmarshal([]byte(summary), &run.Summary); err != nil {
		return nil, fmt.Errorf("decode summary: %w", err)
	}
	return &run, nil
}

// ListSessions returns the sessions of a run sorted by start time.
func (s *Store) ListSessions(ctx context.Context, runID string) ([]*model.CameraSession, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, package_name, component_package, start_ns, end_ns, process_id, camera_device_ids,
			start_event_id, end_event_id, source_log_types, incomplete_reason, completeness_score, capture_id
		FROM sessions
		WHERE run_id = ?
		ORDER BY start_ns ASC, id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var (
		sessions []*model.CameraSession
		byID     = make(map[string]*model.CameraSession)
	)
	for rows.Next() {
		var (
			sess              model.CameraSession
			component         sql.NullString
			startNs           int64
			endNs, pid        sql.NullInt64
			devices, logTypes sql.NullString
			startEv, endEv    sql.NullString
			reason            string
			captureID         sql.NullString
		)
		if err := rows.Scan(&sess.ID, &sess.PackageName, &component, &startNs, &endNs, &pid, &devices,
			&startEv, &endEv, &logTypes, &reason, &sess.CompletenessScore, &captureID); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sess.ComponentPackage = component.String
		sess.StartTime = time.Unix(0, startNs).UTC()
		if endNs.Valid {
			end := time.Unix(0, endNs.Int64).UTC()
			sess.EndTime = &end
		}
		if pid.Valid {
			p := int(pid.Int64)
			sess.ProcessID = &p
		}
		if err := decodeList(devices.String, &sess.CameraDeviceIDs); err != nil {
			return nil, err
		}
		if err := decodeList(logTypes.String, &sess.SourceLogTypes); err != nil {
			return nil, err
		}
		sess.StartEventID = startEv.String
		sess.EndEventID = endEv.String
		sess.IncompleteReason = model.IncompleteReason(reason)
		if captureID.Valid {
			sess.CaptureIDs = []string{captureID.String}
		}
		sess.SourceEventIDs = model.NewEventIDSet()

		sessions = append(sessions, &sess)
		byID[sess.ID] = &sess
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	if len(sessions) == 0 {
		return sessions, nil
	}

	evRows, err := s.db.QueryContext(ctx, `
		SELECT session_id, event_id FROM session_events WHERE run_id = ?`, runID)
	if err != nil {
		return nil, fmt.Errorf("query session events: %w", err)
	}
	defer evRows.Close()
	for evRows.Next() {
		var sessionID, eventID string
		if err := evRows.Scan(&sessionID, &eventID); err != nil {
			return nil, fmt.Errorf("scan session event: %w", err)
		}
		if sess, ok := byID[sessionID]; ok {
			sess.SourceEventIDs.Add(eventID)
		}
	}
	if err := evRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session events: %w", err)
	}
	return sessions, nil
}

// ListCaptures returns the captures of a run sorted by capture time.
func (s *Store) ListCaptures(ctx context.Context, runID string) ([]*model.CaptureEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, package_name, capture_ns, score, strategy, artifact_types
		FROM captures
		WHERE run_id = ?
		ORDER BY capture_ns ASC, id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("query captures: %w", err)
	}
	defer rows.Close()

	return scanCaptures(rows)
}

// CapturesBetween returns captures of every run whose time lies in [start, end].
func (s *Store) CapturesBetween(ctx context.Context, start, end time.Time) ([]*model.CaptureEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, package_name, capture_ns, score, strategy, artifact_types
		FROM captures
		WHERE capture_ns >= ? AND capture_ns <= ?
		ORDER BY capture_ns ASC, run_id ASC`, start.UnixNano(), end.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("query captures by range: %w", err)
	}
	defer rows.Close()

	return scanCaptures(rows)
}

func scanCaptures(rows *sql.Rows) ([]*model.CaptureEvent, error) {
	var captures []*model.CaptureEvent
	for rows.Next() {
		var (
			c         model.CaptureEvent
			captureNs int64
			artifacts string
		)
		if err := rows.Scan(&c.ID, &c.SessionID, &c.PackageName, &captureNs, &c.Score, &c.Strategy, &artifacts); err != nil {
			return nil, fmt.Errorf("scan capture: %w", err)
		}
		c.CaptureTime = time.Unix(0, captureNs).UTC()
		if err := decodeList(artifacts, &c.ArtifactTypes); err != nil {
			return nil, err
		}
		captures = append(captures, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate captures: %w", err)
	}
	return captures, nil
}

// LoadResult decodes the result document stored for a run. It returns nil
// when no run matches.
func (s *Store) LoadResult(ctx context.Context, runID string) (*model.AnalysisResult, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx, `SELECT result FROM runs WHERE id = ?`, runID).Scan(&doc)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load result: %w", err)
	}
	var result model.AnalysisResult
	if err := json.Unmarshal(doc, &result); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	return &result, nil
}

// DeleteRun removes a run with its sessions and captures.
func (s *Store) DeleteRun(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("run not found: %s", id)
	}
	return nil
}

// GetStats returns row counts and the time of the latest run.
func (s *Store) GetStats(ctx context.Context) (*Stats, error) {
	var (
		stats Stats
		last  sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM runs),
			(SELECT COUNT(*) FROM sessions),
			(SELECT COUNT(*) FROM captures),
			(SELECT MAX(created_at) FROM runs)`,
	).Scan(&stats.Runs, &stats.Sessions, &stats.Captures, &last)
	if err != nil {
		return nil, fmt.Errorf("get stats: %w", err)
	}
	if last.Valid {
		stats.LastRun = time.Unix(0, last.Int64).UTC()
	}
	return &stats, nil
}

func encodeList[T any](list []T) (string, error) {
	if list == nil {
		list = []T{}
	}
	data, err := json.Marshal(list)
	if err != nil {
		return "", fmt.Errorf("encode list: %w", err)
	}
	return string(data), nil
}

func decodeList[T any](data string, out *[]T) error {
	if data == "" || data == "[]" || data == "null" {
		*out = nil
		return nil
	}
	if err := json.Unmarshal([]byte(data), out); err != nil {
		return fmt.Errorf("decode list: %w", err)
	}
	return nil
}
