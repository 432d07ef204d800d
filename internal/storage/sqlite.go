package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"buildrunner/internal/logger"
	"buildrunner/internal/storage/models"

	_ "github.com/mattn/go-sqlite3"
)

const timestampLayout = "2006-01-02 15:04:05.000000"

// ErrClosed is returned by a store whose database was closed
var ErrClosed = errors.New("storage is closed")

// Store persists the audit trail and finished runs in SQLite
type Store struct {
	db *sql.DB
}

// Open opens (and creates if needed) the SQLite database at dbPath
func Open(dbPath string) (*Store, error) {
	// Open the database connection with connection pool settings
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=ON&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	// SQLite doesn't support multiple writers, but we can optimize for concurrent reads
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err = db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{db: db}
	if err = s.createTables(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	logger.Info("Database initialized successfully", "path", dbPath)
	return s, nil
}

func (s *Store) createTables() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS audit_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp DATETIME NOT NULL,
		api_key TEXT NOT NULL,
		method TEXT NOT NULL,
		path TEXT NOT NULL,
		status INTEGER NOT NULL,
		job_name TEXT,
		params TEXT,
		run_id TEXT,
		result TEXT,
		error TEXT
	);
	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		job_name TEXT NOT NULL,
		params TEXT,
		status TEXT NOT NULL,
		build_number INTEGER,
		build_result TEXT,
		error TEXT,
		started_at DATETIME NOT NULL,
		finished_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_runs_finished_at ON runs (finished_at);
	`)
	return err
}

// Ping checks the database connection
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	return s.db.PingContext(ctx)
}

// InsertAuditLog inserts a new audit log entry
func (s *Store) InsertAuditLog(ctx context.Context, log models.AuditLog) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_logs (timestamp, api_key, method, path, status, job_name, params, run_id, result, error) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		log.Timestamp.UTC().Format(timestampLayout),
		log.APIKey,
		log.Method,
		log.Path,
		log.Status,
		log.JobName,
		log.Params,
		log.RunID,
		log.Result,
		log.Error,
	)
	if err != nil {
		logger.Error("Failed to insert audit log", "error", err)
		return err
	}
	return nil
}

// GetAuditLogs retrieves audit logs with pagination, newest first
func (s *Store) GetAuditLogs(ctx context.Context, limit, offset int) ([]models.AuditLog, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, api_key, method, path, status, job_name, params, run_id, result, error FROM audit_logs ORDER BY id DESC LIMIT ? OFFSET ?`,
		limit,
		offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := []models.AuditLog{}
	for rows.Next() {
		var log models.AuditLog
		var timestamp string
		var jobName, params, runID, result, errText sql.NullString

		if err := rows.Scan(
			&log.ID,
			&timestamp,
			&log.APIKey,
			&log.Method,
			&log.Path,
			&log.Status,
			&jobName,
			&params,
			&runID,
			&result,
			&errText,
		); err != nil {
			return nil, err
		}

		log.Timestamp = parseTimestamp(timestamp)
		log.JobName = jobName.String
		log.Params = params.String
		log.RunID = runID.String
		log.Result = result.String
		log.Error = errText.String
		logs = append(logs, log)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

// RecordRun stores the outcome of a finished run. Recording the same run twice keeps the latest outcome.
func (s *Store) RecordRun(ctx context.Context, run models.RunRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, job_name, params, status, build_number, build_result, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			status = excluded.status,
			build_number = excluded.build_number,
			build_result = excluded.build_result,
			error = excluded.error,
			finished_at = excluded.finished_at`,
		run.RunID,
		run.JobName,
		run.Params,
		run.Status,
		run.BuildNumber,
		run.BuildResult,
		run.Error,
		run.StartedAt.UTC().Format(timestampLayout),
		run.FinishedAt.UTC().Format(timestampLayout),
	)
	if err != nil {
		logger.Error("Failed to record run", "run_id", run.RunID, "error", err)
		return err
	}
	return nil
}

// GetRuns retrieves finished runs with pagination, most recently finished first
func (s *Store) GetRuns(ctx context.Context, limit, offset int) ([]models.RunRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, job_name, params, status, build_number, build_result, error, started_at, finished_at FROM runs ORDER BY finished_at DESC, rowid DESC LIMIT ? OFFSET ?`,
		limit,
		offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := []models.RunRecord{}
	for rows.Next() {
		var run models.RunRecord
		var params, result, errText sql.NullString
		var number sql.NullInt64
		var startedAt, finishedAt string

		if err := rows.Scan(
			&run.RunID,
			&run.JobName,
			&params,
			&run.Status,
			&number,
			&result,
			&errText,
			&startedAt,
			&finishedAt,
		); err != nil {
			return nil, err
		}

		run.Params = params.String
		run.BuildNumber = int(number.Int64)
		run.BuildResult = result.String
		run.Error = errText.String
		run.StartedAt = parseTimestamp(startedAt)
		run.FinishedAt = parseTimestamp(finishedAt)
		runs = append(runs, run)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}
	return runs, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// parseTimestamp accepts both the microsecond layout and plain seconds
func parseTimestamp(value string) time.Time {
	for _, layout := range []string{timestampLayout, "2006-01-02 15:04:05", time.RFC3339Nano} {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts
		}
	}
	return time.Time{}
}
