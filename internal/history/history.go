// Package history stores pipeline runs and their step results in SQLite.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"sitebox/internal/security"
)

// ErrRunNotFound is returned when no run has the requested ID.
var ErrRunNotFound = errors.New("run not found")

// History manages run history in SQLite
type History struct {
	db *sql.DB
}

// NewHistory opens (creating if needed) the history database at dbPath.
func NewHistory(dbPath string) (*History, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, security.PermDirectory); err != nil {
			return nil, fmt.Errorf("failed to create history directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool for SQLite (single writer)
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	h := &History{db: db}

	if err := h.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if err := os.Chmod(dbPath, security.PermDBFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		db.Close()
		return nil, fmt.Errorf("failed to set database permissions: %w", err)
	}

	return h, nil
}

// Close closes the database connection
func (h *History) Close() error {
	return h.db.Close()
}

func (h *History) initSchema() error {
	stmts := []string{
		`PRAGMA foreign_keys = ON`,
		`CREATE TABLE IF NOT EXISTS runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			status TEXT NOT NULL,
			dry_run INTEGER NOT NULL DEFAULT 0,
			skipped TEXT NOT NULL DEFAULT '',
			log_path TEXT NOT NULL DEFAULT '',
			started_at TEXT NOT NULL,
			completed_at TEXT,
			duration_seconds REAL,
			error_message TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS steps (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id INTEGER NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			step TEXT NOT NULL,
			outcome TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			duration_seconds REAL NOT NULL,
			warnings TEXT NOT NULL DEFAULT '[]',
			recorded_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_steps_run ON steps(run_id, id)`,
	}

	for _, stmt := range stmts {
		if _, err := h.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// StartRun inserts a new run in the running state and returns its ID.
func (h *History) StartRun(ctx context.Context, run *RunRecord) (int64, error) {
	startedAt := run.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now()
	}

	result, err := h.db.ExecContext(ctx, `
		INSERT INTO runs (status, dry_run, skipped, log_path, started_at)
		VALUES (?, ?, ?, ?, ?)
	`,
		StatusRunning,
		run.DryRun,
		strings.Join(run.Skipped, ","),
		run.LogPath,
		formatTime(startedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert run record: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID: %w", err)
	}
	return id, nil
}

// RecordStep appends a step result to a run.
func (h *History) RecordStep(ctx context.Context, runID int64, step *StepRecord) error {
	warnings, err := json.Marshal(nonNil(step.Warnings))
	if err != nil {
		return fmt.Errorf("failed to encode warnings: %w", err)
	}

	recordedAt := step.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now()
	}

	_, err = h.db.ExecContext(ctx, `
		INSERT INTO steps (run_id, step, outcome, detail, duration_seconds, warnings, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		runID,
		step.Step,
		step.Outcome,
		step.Detail,
		step.DurationSeconds,
		string(warnings),
		formatTime(recordedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert step record: %w", err)
	}
	return nil
}

// FinishRun marks a run completed or failed.
func (h *History) FinishRun(ctx context.Context, runID int64, status string, completedAt time.Time, runErr error) error {
	var startedAtStr string
	if err := h.db.QueryRowContext(ctx, `SELECT started_at FROM runs WHERE id = ?`, runID).Scan(&startedAtStr); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("run %d: %w", runID, ErrRunNotFound)
		}
		return fmt.Errorf("failed to query run: %w", err)
	}
	startedAt, err := parseTime(startedAtStr)
	if err != nil {
		return err
	}

	var errMsg *string
	if runErr != nil {
		msg := runErr.Error()
		errMsg = &msg
	}

	_, err = h.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, completed_at = ?, duration_seconds = ?, error_message = ?
		WHERE id = ?
	`,
		status,
		formatTime(completedAt),
		completedAt.Sub(startedAt).Seconds(),
		errMsg,
		runID,
	)
	if err != nil {
		return fmt.Errorf("failed to update run record: %w", err)
	}
	return nil
}

// GetRun returns a run with its steps in the order they were recorded.
func (h *History) GetRun(ctx context.Context, id int64) (*RunRecord, error) {
	row := h.db.QueryRowContext(ctx, `
		SELECT id, status, dry_run, skipped, log_path, started_at, completed_at,
		       duration_seconds, error_message
		FROM runs
		WHERE id = ?
	`, id)

	run, err := scanRunRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %d: %w", id, ErrRunNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query run: %w", err)
	}

	steps, err := h.steps(ctx, id)
	if err != nil {
		return nil, err
	}
	run.Steps = steps
	return run, nil
}

// ListRuns returns up to limit runs, newest first, without their steps.
func (h *History) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	rows, err := h.db.QueryContext(ctx, `
		SELECT id, status, dry_run, skipped, log_path, started_at, completed_at,
		       duration_seconds, error_message
		FROM runs
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query run history: %w", err)
	}
	defer rows.Close()

	records := []RunRecord{}
	for rows.Next() {
		record, err := scanRunRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run record: %w", err)
		}
		records = append(records, *record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return records, nil
}

// LatestRun returns the most recent run, or ErrRunNotFound when none exist.
func (h *History) LatestRun(ctx context.Context) (*RunRecord, error) {
	var id int64
	err := h.db.QueryRowContext(ctx, `SELECT id FROM runs ORDER BY id DESC LIMIT 1`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query latest run: %w", err)
	}
	return h.GetRun(ctx, id)
}

func (h *History) steps(ctx context.Context, runID int64) ([]StepRecord, error) {
	rows, err := h.db.QueryContext(ctx, `
		SELECT step, outcome, detail, duration_seconds, warnings, recorded_at
		FROM steps
		WHERE run_id = ?
		ORDER BY id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query steps: %w", err)
	}
	defer rows.Close()

	var steps []StepRecord
	for rows.Next() {
		var s StepRecord
		var warnings, recordedAt string
		if err := rows.Scan(&s.Step, &s.Outcome, &s.Detail, &s.DurationSeconds, &warnings, &recordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan step record: %w", err)
		}
		if err := json.Unmarshal([]byte(warnings), &s.Warnings); err != nil {
			return nil, fmt.Errorf("failed to decode warnings: %w", err)
		}
		if s.RecordedAt, err = parseTime(recordedAt); err != nil {
			return nil, err
		}
		steps = append(steps, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return steps, nil
}

// scanner is an interface that both *sql.Row and *sql.Rows implement
type scanner interface {
	Scan(dest ...interface{}) error
}

// scanRunRecord scans a database row into a RunRecord
// Works with both *sql.Row and *sql.Rows
func scanRunRecord(s scanner) (*RunRecord, error) {
	var record RunRecord
	var skipped, startedAtStr string
	var completedAtStr sql.NullString

	err := s.Scan(
		&record.ID,
		&record.Status,
		&record.DryRun,
		&skipped,
		&record.LogPath,
		&startedAtStr,
		&completedAtStr,
		&record.DurationSeconds,
		&record.ErrorMessage,
	)
	if err != nil {
		return nil, err
	}

	if skipped != "" {
		record.Skipped = strings.Split(skipped, ",")
	}

	if record.StartedAt, err = parseTime(startedAtStr); err != nil {
		return nil, err
	}

	if completedAtStr.Valid {
		completedAt, err := parseTime(completedAtStr.String)
		if err != nil {
			return nil, err
		}
		record.CompletedAt = &completedAt
	}

	return &record, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
