package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/uesteibar/dispatchd/internal/lifecycle"
)

const taskColumns = `id, project_id, description, branch_name, base_branch, status, progress,
	steps_done, steps_total, error_message, channel_id, thread_id,
	idempotency_key, created_at, started_at, completed_at, updated_at`

// TaskFilter narrows ListTasks results.
type TaskFilter struct {
	ProjectID string
	Status    lifecycle.Status
	Statuses  []lifecycle.Status
	ThreadID  string
	Limit     int
}

// CreateTask inserts a task, assigning a ULID if none is set. The insert is
// atomic on the idempotency key: when a task with the same key already
// exists, the existing row is returned and created is false.
func (s *Store) CreateTask(task Task) (created Task, isNew bool, err error) {
	if task.ID == "" {
		task.ID = ulid.Make().String()
	}
	if task.Status == "" {
		task.Status = lifecycle.StatusQueued
	}
	if !lifecycle.Valid(task.Status) {
		return Task{}, false, fmt.Errorf("creating task: invalid status %q", task.Status)
	}
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now

	_, err = s.conn.Exec(`
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.ProjectID, task.Description, task.BranchName, task.BaseBranch,
		string(task.Status), task.Progress, task.StepsDone, task.StepsTotal,
		task.ErrorMessage, task.ChannelID, task.ThreadID, task.IdempotencyKey,
		formatTime(task.CreatedAt), formatTime(task.StartedAt),
		formatTime(task.CompletedAt), formatTime(task.UpdatedAt),
	)
	if err != nil {
		if task.IdempotencyKey != "" && strings.Contains(err.Error(), "UNIQUE constraint failed") {
			existing, getErr := s.GetTaskByIdempotencyKey(task.IdempotencyKey)
			if getErr != nil {
				return Task{}, false, fmt.Errorf("loading task for idempotency key %q: %w", task.IdempotencyKey, getErr)
			}
			return existing, false, nil
		}
		return Task{}, false, fmt.Errorf("creating task: %w", err)
	}
	return task, true, nil
}

func (s *Store) GetTask(id string) (Task, error) {
	row := s.conn.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTaskRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Task{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return Task{}, fmt.Errorf("getting task: %w", err)
	}
	return task, nil
}

func (s *Store) GetTaskByIdempotencyKey(key string) (Task, error) {
	row := s.conn.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE idempotency_key = ?`, key)
	task, err := scanTaskRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Task{}, fmt.Errorf("%w: idempotency key %s", ErrNotFound, key)
		}
		return Task{}, fmt.Errorf("getting task by idempotency key: %w", err)
	}
	return task, nil
}

// FindPausedByThread returns the most recent paused task for a conversation
// thread. Used to resume a disambiguation round trip.
func (s *Store) FindPausedByThread(channelID, threadID string) (Task, error) {
	row := s.conn.QueryRow(`
		SELECT `+taskColumns+` FROM tasks
		WHERE channel_id = ? AND thread_id = ? AND status = ?
		ORDER BY created_at DESC, rowid DESC LIMIT 1`,
		channelID, threadID, string(lifecycle.StatusPaused))
	task, err := scanTaskRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Task{}, fmt.Errorf("%w: no paused task in thread %s/%s", ErrNotFound, channelID, threadID)
		}
		return Task{}, fmt.Errorf("finding paused task: %w", err)
	}
	return task, nil
}

func (s *Store) ListTasks(filter TaskFilter) ([]Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`

	var conditions []string
	var args []any

	if filter.ProjectID != "" {
		conditions = append(conditions, "project_id = ?")
		args = append(args, filter.ProjectID)
	}
	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, string(filter.Status))
	}
	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		conditions = append(conditions, "status IN ("+strings.Join(placeholders, ", ")+")")
	}
	if filter.ThreadID != "" {
		conditions = append(conditions, "thread_id = ?")
		args = append(args, filter.ThreadID)
	}

	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC, rowid DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// UpdateTask rewrites a task's mutable fields. Writes against a task already
// in a terminal state return ErrTerminal; status itself is not touched here,
// use Transition for that.
func (s *Store) UpdateTask(task Task) error {
	task.UpdatedAt = time.Now().UTC()
	result, err := s.conn.Exec(`
		UPDATE tasks SET project_id = ?, description = ?, branch_name = ?,
			base_branch = ?, progress = ?, steps_done = ?, steps_total = ?,
			channel_id = ?, thread_id = ?, updated_at = ?
		WHERE id = ? AND status NOT IN (?, ?)`,
		task.ProjectID, task.Description, task.BranchName, task.BaseBranch,
		task.Progress, task.StepsDone, task.StepsTotal,
		task.ChannelID, task.ThreadID, formatTime(task.UpdatedAt),
		task.ID, string(lifecycle.StatusCompleted), string(lifecycle.StatusError),
	)
	if err != nil {
		return fmt.Errorf("updating task: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		current, getErr := s.GetTask(task.ID)
		if getErr != nil {
			return getErr
		}
		if lifecycle.Terminal(current.Status) {
			return fmt.Errorf("%w: %s is %s", ErrTerminal, task.ID, current.Status)
		}
		return fmt.Errorf("updating task: no row changed for %s", task.ID)
	}
	return nil
}

// Transition moves a task from one status to another, enforcing the
// lifecycle edges and sequencing concurrent writers: the update only applies
// when the stored status still equals from. Entering starting stamps
// started_at; entering a terminal status stamps completed_at and, for error,
// records errMsg.
func (s *Store) Transition(id string, from, to lifecycle.Status, errMsg string) (Task, error) {
	if !lifecycle.CanTransition(from, to) {
		return Task{}, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}

	var updated Task
	err := s.Tx(func(tx *Tx) error {
		current, err := tx.getTask(id)
		if err != nil {
			return err
		}
		if current.Status != from {
			if lifecycle.Terminal(current.Status) {
				return fmt.Errorf("%w: %s is %s", ErrTerminal, id, current.Status)
			}
			return fmt.Errorf("%w: %s is %s, expected %s", ErrConflict, id, current.Status, from)
		}

		now := time.Now().UTC()
		current.Status = to
		current.UpdatedAt = now
		if to == lifecycle.StatusStarting && current.StartedAt.IsZero() {
			current.StartedAt = now
		}
		if lifecycle.Terminal(to) {
			current.CompletedAt = now
		}
		if to == lifecycle.StatusError {
			current.ErrorMessage = errMsg
		}

		if err := tx.putTask(current); err != nil {
			return err
		}
		updated = current
		return nil
	})
	if err != nil {
		return Task{}, err
	}
	return updated, nil
}

// AcquireRunSlot performs the starting -> running transition under the
// single-slot policy: inside one transaction it counts tasks currently
// running and admits the transition only when fewer than max occupy the
// slot. Returns ErrSlotBusy when the cap is reached.
func (s *Store) AcquireRunSlot(id string, max int) (Task, error) {
	if max <= 0 {
		max = 1
	}
	var updated Task
	err := s.Tx(func(tx *Tx) error {
		var running int
		if err := tx.tx.QueryRow(
			`SELECT COUNT(*) FROM tasks WHERE status = ?`,
			string(lifecycle.StatusRunning),
		).Scan(&running); err != nil {
			return fmt.Errorf("counting running tasks: %w", err)
		}
		if running >= max {
			return fmt.Errorf("%w: %d running (max %d)", ErrSlotBusy, running, max)
		}

		current, err := tx.getTask(id)
		if err != nil {
			return err
		}
		if current.Status != lifecycle.StatusStarting {
			if lifecycle.Terminal(current.Status) {
				return fmt.Errorf("%w: %s is %s", ErrTerminal, id, current.Status)
			}
			return fmt.Errorf("%w: %s is %s, expected %s", ErrConflict, id, current.Status, lifecycle.StatusStarting)
		}

		current.Status = lifecycle.StatusRunning
		current.UpdatedAt = time.Now().UTC()
		if err := tx.putTask(current); err != nil {
			return err
		}
		updated = current
		return nil
	})
	if err != nil {
		return Task{}, err
	}
	return updated, nil
}

// SetProgress updates the progress marker and completed-step count for an
// in-flight task. Terminal tasks are left untouched.
func (s *Store) SetProgress(id, progress string, stepsDone int) error {
	result, err := s.conn.Exec(`
		UPDATE tasks SET progress = ?, steps_done = ?, updated_at = ?
		WHERE id = ? AND status NOT IN (?, ?)`,
		progress, stepsDone, formatTime(time.Now().UTC()),
		id, string(lifecycle.StatusCompleted), string(lifecycle.StatusError),
	)
	if err != nil {
		return fmt.Errorf("setting progress: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		current, getErr := s.GetTask(id)
		if getErr != nil {
			return getErr
		}
		if lifecycle.Terminal(current.Status) {
			return fmt.Errorf("%w: %s is %s", ErrTerminal, id, current.Status)
		}
	}
	return nil
}

// PruneTerminal deletes the oldest terminal tasks beyond keep, cascading to
// their log rows. Returns the number of tasks removed.
func (s *Store) PruneTerminal(keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	var removed int
	err := s.Tx(func(tx *Tx) error {
		rows, err := tx.tx.Query(`
			SELECT id FROM tasks WHERE status IN (?, ?)
			ORDER BY created_at DESC, rowid DESC LIMIT -1 OFFSET ?`,
			string(lifecycle.StatusCompleted), string(lifecycle.StatusError), keep)
		if err != nil {
			return fmt.Errorf("selecting prunable tasks: %w", err)
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scanning prunable task: %w", err)
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, id := range ids {
			if _, err := tx.tx.Exec(`DELETE FROM task_logs WHERE task_id = ?`, id); err != nil {
				return fmt.Errorf("pruning logs for task %s: %w", id, err)
			}
			if _, err := tx.tx.Exec(`DELETE FROM tasks WHERE id = ?`, id); err != nil {
				return fmt.Errorf("pruning task %s: %w", id, err)
			}
		}
		removed = len(ids)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

func (tx *Tx) getTask(id string) (Task, error) {
	row := tx.tx.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTaskRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Task{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return Task{}, fmt.Errorf("getting task in tx: %w", err)
	}
	return task, nil
}

func (tx *Tx) putTask(task Task) error {
	result, err := tx.tx.Exec(`
		UPDATE tasks SET project_id = ?, description = ?, branch_name = ?,
			base_branch = ?, status = ?, progress = ?, steps_done = ?, steps_total = ?,
			error_message = ?, channel_id = ?, thread_id = ?,
			started_at = ?, completed_at = ?, updated_at = ?
		WHERE id = ?`,
		task.ProjectID, task.Description, task.BranchName, task.BaseBranch,
		string(task.Status), task.Progress, task.StepsDone, task.StepsTotal,
		task.ErrorMessage, task.ChannelID, task.ThreadID,
		formatTime(task.StartedAt), formatTime(task.CompletedAt),
		formatTime(task.UpdatedAt), task.ID,
	)
	if err != nil {
		return fmt.Errorf("updating task in tx: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, task.ID)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTaskFrom(sc rowScanner) (Task, error) {
	var task Task
	var status, createdAt, startedAt, completedAt, updatedAt string
	err := sc.Scan(&task.ID, &task.ProjectID, &task.Description, &task.BranchName,
		&task.BaseBranch, &status, &task.Progress, &task.StepsDone, &task.StepsTotal,
		&task.ErrorMessage, &task.ChannelID, &task.ThreadID,
		&task.IdempotencyKey, &createdAt, &startedAt, &completedAt, &updatedAt)
	if err != nil {
		return Task{}, err
	}
	task.Status = lifecycle.Status(status)
	task.CreatedAt = parseTime(createdAt)
	task.StartedAt = parseTime(startedAt)
	task.CompletedAt = parseTime(completedAt)
	task.UpdatedAt = parseTime(updatedAt)
	return task, nil
}

func scanTask(rows *sql.Rows) (Task, error) {
	task, err := scanTaskFrom(rows)
	if err != nil {
		return Task{}, fmt.Errorf("scanning task: %w", err)
	}
	return task, nil
}

func scanTaskRow(row *sql.Row) (Task, error) {
	return scanTaskFrom(row)
}
