// Package store is the durable record of tasks and their log lines, backed
// by SQLite. It is the single source of truth for task status: every status
// transition goes through it and is checked against the lifecycle rules.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/uesteibar/dispatchd/internal/lifecycle"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a task does not exist.
var ErrNotFound = errors.New("task not found")

// ErrTerminal is returned when a write targets a completed or errored task.
var ErrTerminal = errors.New("task is in a terminal state")

// ErrIllegalTransition is returned for transitions outside the lifecycle edges.
var ErrIllegalTransition = errors.New("illegal status transition")

// ErrConflict is returned when a conditional transition loses a race: the
// task's stored status no longer matches the expected one.
var ErrConflict = errors.New("task status changed concurrently")

// ErrSlotBusy is returned when the running-slot cap is already occupied.
var ErrSlotBusy = errors.New("run slot occupied")

// Store wraps the SQLite connection.
type Store struct {
	conn *sql.DB
}

// Task is one unit of dispatched work.
type Task struct {
	ID             string
	ProjectID      string
	Description    string
	BranchName     string
	BaseBranch     string
	Status         lifecycle.Status
	Progress       string
	StepsDone      int
	StepsTotal     int
	ErrorMessage   string
	ChannelID      string
	ThreadID       string
	IdempotencyKey string
	CreatedAt      time.Time
	StartedAt      time.Time
	CompletedAt    time.Time
	UpdatedAt      time.Time
}

// LogEntry is one append-only log line belonging to a task.
type LogEntry struct {
	ID        string
	TaskID    string
	Level     string
	Message   string
	Step      string
	Meta      string
	CreatedAt time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	branch_name TEXT NOT NULL DEFAULT '',
	base_branch TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'queued',
	progress TEXT NOT NULL DEFAULT '',
	steps_done INTEGER NOT NULL DEFAULT 0,
	steps_total INTEGER NOT NULL DEFAULT 0,
	error_message TEXT NOT NULL DEFAULT '',
	channel_id TEXT NOT NULL DEFAULT '',
	thread_id TEXT NOT NULL DEFAULT '',
	idempotency_key TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL DEFAULT (datetime('now')),
	started_at TEXT NOT NULL DEFAULT '',
	completed_at TEXT NOT NULL DEFAULT '',
	updated_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_idempotency
	ON tasks(idempotency_key) WHERE idempotency_key != '';

CREATE TABLE IF NOT EXISTS task_logs (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL REFERENCES tasks(id),
	level TEXT NOT NULL DEFAULT 'info',
	message TEXT NOT NULL DEFAULT '',
	step TEXT NOT NULL DEFAULT '',
	meta TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_task_logs_task ON task_logs(task_id);
`

// DefaultPath returns the default database location under the user's home.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	dir := filepath.Join(home, ".dispatchd")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating directory %s: %w", dir, err)
	}
	return filepath.Join(dir, "dispatchd.db"), nil
}

// Open opens (creating if needed) the database at path and runs the schema
// migration.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", dir, err)
	}

	conn, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("running schema migration: %w", err)
	}

	return &Store{conn: conn}, nil
}

func (s *Store) Close() error {
	return s.conn.Close()
}

// Tx runs fn within a database transaction. If fn returns an error, the
// transaction is rolled back; otherwise it is committed.
func (s *Store) Tx(fn func(tx *Tx) error) error {
	sqlTx, err := s.conn.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(&Tx{tx: sqlTx}); err != nil {
		sqlTx.Rollback()
		return err
	}
	return sqlTx.Commit()
}

// Tx wraps a sql.Tx for use within transactional operations.
type Tx struct {
	tx *sql.Tx
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339, s)
	return t
}
