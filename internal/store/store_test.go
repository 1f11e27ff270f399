package store

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/uesteibar/dispatchd/internal/lifecycle"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("opening test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_CreatesDatabase(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "test.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer s.Close()
}

func TestOpen_MigratesSchema(t *testing.T) {
	s := testStore(t)

	tables := []string{"tasks", "task_logs"}
	for _, table := range tables {
		var name string
		err := s.conn.QueryRow(
			`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found: %v", table, err)
		}
	}
}

func TestOpen_IdempotentMigration(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")

	s1, err := Open(path)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	s1.Close()

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("second open should be idempotent: %v", err)
	}
	s2.Close()
}

// --- Tasks ---

func TestCreateTask_AssignsIDAndDefaults(t *testing.T) {
	s := testStore(t)

	task, isNew, err := s.CreateTask(Task{ProjectID: "website", Description: "fix login"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !isNew {
		t.Error("expected isNew for fresh task")
	}
	if task.ID == "" {
		t.Error("expected non-empty ID")
	}
	if task.Status != lifecycle.StatusQueued {
		t.Errorf("expected queued, got %s", task.Status)
	}
	if task.CreatedAt.IsZero() {
		t.Error("expected created_at to be set")
	}
}

func TestCreateTask_PersistsBaseBranch(t *testing.T) {
	s := testStore(t)

	task, _, err := s.CreateTask(Task{ProjectID: "website", Description: "hotfix", BaseBranch: "release/2.4"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := s.GetTask(task.ID)
	if err != nil {
		t.Fatalf("reading back: %v", err)
	}
	if got.BaseBranch != "release/2.4" {
		t.Errorf("expected base branch release/2.4, got %q", got.BaseBranch)
	}
}

func TestCreateTask_IdempotencyKey_ReturnsExisting(t *testing.T) {
	s := testStore(t)

	first, _, err := s.CreateTask(Task{
		ProjectID:      "website",
		Description:    "fix login",
		IdempotencyKey: "C01/1234.5678",
	})
	if err != nil {
		t.Fatalf("first create: %v", err)
	}

	second, isNew, err := s.CreateTask(Task{
		ProjectID:      "website",
		Description:    "fix login retried",
		IdempotencyKey: "C01/1234.5678",
	})
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if isNew {
		t.Error("expected duplicate submission to return existing task")
	}
	if second.ID != first.ID {
		t.Errorf("expected task %s, got %s", first.ID, second.ID)
	}
	if second.Description != "fix login" {
		t.Errorf("expected original description preserved, got %q", second.Description)
	}
}

func TestCreateTask_EmptyIdempotencyKeys_DoNotCollide(t *testing.T) {
	s := testStore(t)

	a, _, err := s.CreateTask(Task{ProjectID: "website", Description: "one"})
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	b, isNew, err := s.CreateTask(Task{ProjectID: "website", Description: "two"})
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if !isNew || a.ID == b.ID {
		t.Error("tasks without idempotency keys must be independent")
	}
}

func TestGetTask_NotFound(t *testing.T) {
	s := testStore(t)

	_, err := s.GetTask("missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListTasks_FiltersAndOrders(t *testing.T) {
	s := testStore(t)

	for _, desc := range []string{"a", "b", "c"} {
		if _, _, err := s.CreateTask(Task{ProjectID: "website", Description: desc}); err != nil {
			t.Fatalf("creating task: %v", err)
		}
	}
	if _, _, err := s.CreateTask(Task{ProjectID: "api", Description: "d"}); err != nil {
		t.Fatalf("creating task: %v", err)
	}

	tasks, err := s.ListTasks(TaskFilter{ProjectID: "website"})
	if err != nil {
		t.Fatalf("listing: %v", err)
	}
	if len(tasks) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(tasks))
	}
	if tasks[0].Description != "c" {
		t.Errorf("expected newest first, got %q", tasks[0].Description)
	}

	limited, err := s.ListTasks(TaskFilter{Limit: 2})
	if err != nil {
		t.Fatalf("listing with limit: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("expected 2 tasks, got %d", len(limited))
	}
}

func TestFindPausedByThread(t *testing.T) {
	s := testStore(t)

	paused, _, err := s.CreateTask(Task{
		Description: "deploy the thing",
		Status:      lifecycle.StatusPaused,
		ChannelID:   "C01",
		ThreadID:    "1234.5678",
	})
	if err != nil {
		t.Fatalf("creating paused task: %v", err)
	}
	if _, _, err := s.CreateTask(Task{
		Description: "other", ChannelID: "C01", ThreadID: "1234.5678",
	}); err != nil {
		t.Fatalf("creating queued task: %v", err)
	}

	found, err := s.FindPausedByThread("C01", "1234.5678")
	if err != nil {
		t.Fatalf("finding paused task: %v", err)
	}
	if found.ID != paused.ID {
		t.Errorf("expected %s, got %s", paused.ID, found.ID)
	}

	if _, err := s.FindPausedByThread("C01", "9999.0000"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown thread, got %v", err)
	}
}

// --- Transitions ---

func TestTransition_HappyPath(t *testing.T) {
	s := testStore(t)

	task, _, err := s.CreateTask(Task{ProjectID: "website", Description: "fix login"})
	if err != nil {
		t.Fatalf("creating task: %v", err)
	}

	started, err := s.Transition(task.ID, lifecycle.StatusQueued, lifecycle.StatusStarting, "")
	if err != nil {
		t.Fatalf("queued -> starting: %v", err)
	}
	if started.StartedAt.IsZero() {
		t.Error("expected started_at stamped on starting")
	}

	running, err := s.AcquireRunSlot(task.ID, 1)
	if err != nil {
		t.Fatalf("acquiring run slot: %v", err)
	}
	if running.Status != lifecycle.StatusRunning {
		t.Errorf("expected running, got %s", running.Status)
	}

	done, err := s.Transition(task.ID, lifecycle.StatusRunning, lifecycle.StatusCompleted, "")
	if err != nil {
		t.Fatalf("running -> completed: %v", err)
	}
	if done.CompletedAt.IsZero() {
		t.Error("expected completed_at stamped on terminal status")
	}
}

func TestTransition_IllegalEdge(t *testing.T) {
	s := testStore(t)

	task, _, _ := s.CreateTask(Task{Description: "x"})
	_, err := s.Transition(task.ID, lifecycle.StatusQueued, lifecycle.StatusRunning, "")
	if !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("expected ErrIllegalTransition, got %v", err)
	}
}

func TestTransition_StaleFrom_ReturnsConflict(t *testing.T) {
	s := testStore(t)

	task, _, _ := s.CreateTask(Task{Description: "x"})
	if _, err := s.Transition(task.ID, lifecycle.StatusQueued, lifecycle.StatusStarting, ""); err != nil {
		t.Fatalf("first transition: %v", err)
	}

	_, err := s.Transition(task.ID, lifecycle.StatusQueued, lifecycle.StatusStarting, "")
	if !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict for stale from, got %v", err)
	}
}

func TestTransition_TerminalIsImmutable(t *testing.T) {
	s := testStore(t)

	task, _, _ := s.CreateTask(Task{Description: "x"})
	if _, err := s.Transition(task.ID, lifecycle.StatusQueued, lifecycle.StatusError, "boom"); err != nil {
		t.Fatalf("queued -> error: %v", err)
	}

	_, err := s.Transition(task.ID, lifecycle.StatusError, lifecycle.StatusStarting, "")
	if !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("expected ErrIllegalTransition out of terminal, got %v", err)
	}

	got, err := s.GetTask(task.ID)
	if err != nil {
		t.Fatalf("getting task: %v", err)
	}
	if got.ErrorMessage != "boom" {
		t.Errorf("expected error message preserved, got %q", got.ErrorMessage)
	}

	got.Description = "rewritten"
	if err := s.UpdateTask(got); !errors.Is(err, ErrTerminal) {
		t.Errorf("expected ErrTerminal on update of terminal task, got %v", err)
	}
}

func TestTransition_PausedOnlyExitsToStarting(t *testing.T) {
	s := testStore(t)

	task, _, _ := s.CreateTask(Task{Description: "x", Status: lifecycle.StatusPaused})

	if _, err := s.Transition(task.ID, lifecycle.StatusPaused, lifecycle.StatusError, "nope"); !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("expected ErrIllegalTransition for paused -> error, got %v", err)
	}
	if _, err := s.Transition(task.ID, lifecycle.StatusPaused, lifecycle.StatusStarting, ""); err != nil {
		t.Errorf("paused -> starting should be allowed: %v", err)
	}
}

// --- Run slot ---

func TestAcquireRunSlot_SingleOccupancy(t *testing.T) {
	s := testStore(t)

	first, _, _ := s.CreateTask(Task{Description: "first"})
	second, _, _ := s.CreateTask(Task{Description: "second"})
	for _, task := range []Task{first, second} {
		if _, err := s.Transition(task.ID, lifecycle.StatusQueued, lifecycle.StatusStarting, ""); err != nil {
			t.Fatalf("starting %s: %v", task.ID, err)
		}
	}

	if _, err := s.AcquireRunSlot(first.ID, 1); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if _, err := s.AcquireRunSlot(second.ID, 1); !errors.Is(err, ErrSlotBusy) {
		t.Errorf("expected ErrSlotBusy, got %v", err)
	}

	if _, err := s.Transition(first.ID, lifecycle.StatusRunning, lifecycle.StatusCompleted, ""); err != nil {
		t.Fatalf("completing first: %v", err)
	}
	if _, err := s.AcquireRunSlot(second.ID, 1); err != nil {
		t.Errorf("slot should be free after completion: %v", err)
	}
}

// --- Progress ---

func TestSetProgress(t *testing.T) {
	s := testStore(t)

	task, _, _ := s.CreateTask(Task{Description: "x"})
	if err := s.SetProgress(task.ID, "building", 2); err != nil {
		t.Fatalf("setting progress: %v", err)
	}

	got, _ := s.GetTask(task.ID)
	if got.Progress != "building" || got.StepsDone != 2 {
		t.Errorf("expected building/2, got %s/%d", got.Progress, got.StepsDone)
	}
}

// --- Logs ---

func TestAppendAndListLogs_InsertionOrder(t *testing.T) {
	s := testStore(t)

	task, _, _ := s.CreateTask(Task{Description: "x"})
	for _, msg := range []string{"first", "second", "third"} {
		if _, err := s.AppendLog(task.ID, "info", msg, "planning", ""); err != nil {
			t.Fatalf("appending log: %v", err)
		}
	}

	entries, err := s.ListLogs(task.ID, 0, 0)
	if err != nil {
		t.Fatalf("listing logs: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	for i, want := range []string{"first", "second", "third"} {
		if entries[i].Message != want {
			t.Errorf("entry %d: expected %q, got %q", i, want, entries[i].Message)
		}
	}

	limited, err := s.ListLogs(task.ID, 2, 1)
	if err != nil {
		t.Fatalf("listing with limit: %v", err)
	}
	if len(limited) != 2 || limited[0].Message != "second" {
		t.Errorf("expected [second third], got %+v", limited)
	}
}

// --- Pruning ---

func TestPruneTerminal_KeepsNewestAndCascades(t *testing.T) {
	s := testStore(t)

	var terminal []Task
	for _, desc := range []string{"a", "b", "c"} {
		task, _, _ := s.CreateTask(Task{Description: desc})
		if _, err := s.Transition(task.ID, lifecycle.StatusQueued, lifecycle.StatusError, "failed"); err != nil {
			t.Fatalf("failing %s: %v", desc, err)
		}
		if _, err := s.AppendLog(task.ID, "error", "it broke", "", ""); err != nil {
			t.Fatalf("logging %s: %v", desc, err)
		}
		terminal = append(terminal, task)
	}
	live, _, _ := s.CreateTask(Task{Description: "live"})

	removed, err := s.PruneTerminal(1)
	if err != nil {
		t.Fatalf("pruning: %v", err)
	}
	if removed != 2 {
		t.Errorf("expected 2 removed, got %d", removed)
	}

	if _, err := s.GetTask(terminal[0].ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected oldest terminal task pruned, got %v", err)
	}
	if _, err := s.GetTask(terminal[2].ID); err != nil {
		t.Errorf("newest terminal task should survive: %v", err)
	}
	if _, err := s.GetTask(live.ID); err != nil {
		t.Errorf("non-terminal task should survive: %v", err)
	}

	logs, err := s.ListLogs(terminal[0].ID, 0, 0)
	if err != nil {
		t.Fatalf("listing pruned logs: %v", err)
	}
	if len(logs) != 0 {
		t.Errorf("expected logs cascaded, got %d entries", len(logs))
	}
}
