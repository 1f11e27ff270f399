package store

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AppendLog records one line of task output or lifecycle commentary.
// Entries keep insertion order per task via rowid.
func (s *Store) AppendLog(taskID, level, message, step, meta string) (LogEntry, error) {
	entry := LogEntry{
		ID:        uuid.New().String(),
		TaskID:    taskID,
		Level:     level,
		Message:   message,
		Step:      step,
		Meta:      meta,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.conn.Exec(`
		INSERT INTO task_logs (id, task_id, level, message, step, meta, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.TaskID, entry.Level, entry.Message, entry.Step,
		entry.Meta, formatTime(entry.CreatedAt),
	)
	if err != nil {
		return LogEntry{}, fmt.Errorf("appending log: %w", err)
	}
	return entry, nil
}

// ListLogs returns a task's log entries in insertion order. A limit of 0
// means no limit.
func (s *Store) ListLogs(taskID string, limit, offset int) ([]LogEntry, error) {
	query := `
		SELECT id, task_id, level, message, step, meta, created_at
		FROM task_logs WHERE task_id = ?
		ORDER BY rowid ASC`
	args := []any{taskID}
	if limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, offset)
	}

	rows, err := s.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing logs: %w", err)
	}
	defer rows.Close()

	var entries []LogEntry
	for rows.Next() {
		var entry LogEntry
		var createdAt string
		if err := rows.Scan(&entry.ID, &entry.TaskID, &entry.Level, &entry.Message,
			&entry.Step, &entry.Meta, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning log: %w", err)
		}
		entry.CreatedAt = parseTime(createdAt)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// ListRecentLogs returns the newest entries across all tasks, newest first.
func (s *Store) ListRecentLogs(limit int) ([]LogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.conn.Query(`
		SELECT id, task_id, level, message, step, meta, created_at
		FROM task_logs ORDER BY rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing recent logs: %w", err)
	}
	defer rows.Close()

	var entries []LogEntry
	for rows.Next() {
		var entry LogEntry
		var createdAt string
		if err := rows.Scan(&entry.ID, &entry.TaskID, &entry.Level, &entry.Message,
			&entry.Step, &entry.Meta, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning log: %w", err)
		}
		entry.CreatedAt = parseTime(createdAt)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
