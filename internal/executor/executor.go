// Package executor runs tasks: it walks each one through its lifecycle,
// prepares the project working copy, invokes the agent, and reports the
// outcome. Concurrency is bounded; excess tasks wait in the queue.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/uesteibar/dispatchd/internal/agent"
	"github.com/uesteibar/dispatchd/internal/gitops"
	"github.com/uesteibar/dispatchd/internal/lifecycle"
	"github.com/uesteibar/dispatchd/internal/registry"
	"github.com/uesteibar/dispatchd/internal/shell"
	"github.com/uesteibar/dispatchd/internal/store"
)

// Chat and store error texts are capped so agent stack traces stay readable.
const maxErrorLen = 500

// ErrAlreadyActive is returned by Enqueue when a worker already holds the
// task.
var ErrAlreadyActive = errors.New("task is already active")

// AgentRunner abstracts the agent CLI. The real implementation is
// agent.Runner; tests inject a mock.
type AgentRunner interface {
	Run(ctx context.Context, prompt, workDir string, onLine func(string)) error
}

// ProjectFinder resolves a project ID against the registry.
type ProjectFinder interface {
	FindByID(id string) (registry.Project, bool)
}

// Preparer readies a working copy for a task and returns its directory and
// the prompt to hand the agent.
type Preparer interface {
	Prepare(ctx context.Context, project registry.Project, task store.Task) (workDir, prompt string, err error)
}

// TaskNotifier delivers lifecycle updates to the requester. Failures are
// logged, never fatal to the task.
type TaskNotifier interface {
	Progress(ctx context.Context, task store.Task) error
	Completed(ctx context.Context, task store.Task) error
	Failed(ctx context.Context, task store.Task) error
}

// Config holds the dependencies for the executor.
type Config struct {
	Store    *store.Store
	Projects ProjectFinder
	Agent    AgentRunner
	Notifier TaskNotifier

	// Preparer defaults to a git-based implementation rooted at ReposDir.
	Preparer Preparer

	// MaxRunning bounds concurrently running tasks. Defaults to 1.
	MaxRunning int

	// RetainTasks is how many terminal tasks to keep around after each
	// completion. Zero disables pruning.
	RetainTasks int

	BranchPrefix string
	ReposDir     string
	Logger       *slog.Logger

	// OnTaskEvent is called after every persisted task change. This lets
	// the caller broadcast real-time updates without the executor
	// importing the server package.
	OnTaskEvent func(task store.Task)

	// OnTaskLog is called for every appended log line.
	OnTaskLog func(taskID, line string)
}

// Executor manages task worker goroutines.
type Executor struct {
	store       *store.Store
	projects    ProjectFinder
	agent       AgentRunner
	notifier    TaskNotifier
	preparer    Preparer
	maxRunning  int
	retainTasks int
	logger      *slog.Logger
	onTaskEvent func(task store.Task)
	onTaskLog   func(taskID, line string)

	mu     sync.Mutex
	active map[string]context.CancelFunc // task ID -> cancel func
	sem    chan struct{}
	wg     sync.WaitGroup
}

func New(cfg Config) *Executor {
	maxRunning := cfg.MaxRunning
	if maxRunning <= 0 {
		maxRunning = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	preparer := cfg.Preparer
	if preparer == nil {
		preparer = &gitPreparer{reposDir: cfg.ReposDir, branchPrefix: cfg.BranchPrefix, store: cfg.Store}
	}
	taskNotifier := cfg.Notifier
	if taskNotifier == nil {
		taskNotifier = noopNotifier{}
	}
	return &Executor{
		store:       cfg.Store,
		projects:    cfg.Projects,
		agent:       cfg.Agent,
		notifier:    taskNotifier,
		preparer:    preparer,
		maxRunning:  maxRunning,
		retainTasks: cfg.RetainTasks,
		logger:      logger,
		onTaskEvent: cfg.OnTaskEvent,
		onTaskLog:   cfg.OnTaskLog,
		active:      make(map[string]context.CancelFunc),
		sem:         make(chan struct{}, maxRunning),
	}
}

// Enqueue starts a worker goroutine for the task. The worker blocks on the
// concurrency semaphore, so a task enqueued while the slot is busy simply
// waits its turn in the queued state. Enqueue itself never blocks.
func (e *Executor) Enqueue(ctx context.Context, task store.Task) error {
	if task.Status != lifecycle.StatusQueued && task.Status != lifecycle.StatusPaused {
		return fmt.Errorf("task %s is %s, cannot enqueue", task.ID, task.Status)
	}

	e.mu.Lock()
	if _, ok := e.active[task.ID]; ok {
		e.mu.Unlock()
		return fmt.Errorf("task %s: %w", task.ID, ErrAlreadyActive)
	}
	workerCtx, cancel := context.WithCancel(ctx)
	e.active[task.ID] = cancel
	e.mu.Unlock()

	e.wg.Add(1)
	go e.run(workerCtx, cancel, task)

	return nil
}

// Cancel aborts a task that has not started yet. Only queued tasks can be
// cancelled; anything further along either finishes or fails on its own.
func (e *Executor) Cancel(taskID string) (store.Task, error) {
	task, err := e.store.Transition(taskID, lifecycle.StatusQueued, lifecycle.StatusError, "cancelled by requester")
	if err != nil {
		return store.Task{}, err
	}

	e.mu.Lock()
	if cancel, ok := e.active[taskID]; ok {
		cancel()
	}
	e.mu.Unlock()

	e.emit(task)
	return task, nil
}

// SweepOrphans handles tasks left behind by a previous process: anything
// that was starting or running when the supervisor died is marked failed,
// and queued tasks are re-enqueued. Call once on startup before serving.
func (e *Executor) SweepOrphans(ctx context.Context) (failed, requeued int, err error) {
	orphans, err := e.store.ListTasks(store.TaskFilter{
		Statuses: []lifecycle.Status{lifecycle.StatusStarting, lifecycle.StatusRunning},
	})
	if err != nil {
		return 0, 0, fmt.Errorf("listing orphaned tasks: %w", err)
	}
	for _, task := range orphans {
		updated, terr := e.store.Transition(task.ID, task.Status, lifecycle.StatusError, "interrupted by restart")
		if terr != nil {
			e.logger.Error("sweeping orphaned task", "task", task.ID, "error", terr)
			continue
		}
		e.logger.Warn("task interrupted by restart", "task", task.ID, "was", task.Status)
		e.notify(ctx, updated, e.notifier.Failed)
		e.emit(updated)
		failed++
	}

	queued, err := e.store.ListTasks(store.TaskFilter{Status: lifecycle.StatusQueued})
	if err != nil {
		return failed, 0, fmt.Errorf("listing queued tasks: %w", err)
	}
	// Oldest first so the original submission order is preserved.
	for i := len(queued) - 1; i >= 0; i-- {
		if qerr := e.Enqueue(ctx, queued[i]); qerr != nil {
			e.logger.Warn("re-enqueueing task", "task", queued[i].ID, "error", qerr)
			continue
		}
		requeued++
	}
	return failed, requeued, nil
}

// Wait blocks until all active workers have completed.
func (e *Executor) Wait() {
	e.wg.Wait()
}

// IsActive reports whether a worker currently holds the task.
func (e *Executor) IsActive(taskID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.active[taskID]
	return ok
}

// ActiveCount returns the number of task workers, waiting ones included.
func (e *Executor) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

func (e *Executor) run(ctx context.Context, cancel context.CancelFunc, task store.Task) {
	defer e.wg.Done()
	defer func() {
		e.mu.Lock()
		delete(e.active, task.ID)
		e.mu.Unlock()
		cancel()
	}()

	// Wait for a slot. The task stays queued in the store the whole time,
	// which is exactly what its requester sees.
	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	defer func() { <-e.sem }()

	current, err := e.store.GetTask(task.ID)
	if err != nil {
		e.logger.Error("loading task", "task", task.ID, "error", err)
		return
	}
	if lifecycle.Terminal(current.Status) {
		// Cancelled while waiting for the slot.
		return
	}

	started, err := e.store.Transition(task.ID, current.Status, lifecycle.StatusStarting, "")
	if err != nil {
		e.logger.Error("starting task", "task", task.ID, "error", err)
		return
	}
	e.emit(started)

	project, ok := e.projects.FindByID(started.ProjectID)
	if !ok {
		e.fail(ctx, started, lifecycle.StatusStarting, fmt.Errorf("project %s not found in registry", started.ProjectID))
		return
	}

	workDir, prompt, err := e.preparer.Prepare(ctx, project, started)
	if err != nil {
		e.fail(ctx, started, lifecycle.StatusStarting, fmt.Errorf("preparing working copy: %w", err))
		return
	}

	// AcquireRunSlot re-reads the row in its transaction, so the returned
	// task carries anything Prepare persisted, the branch name included.
	running, err := e.store.AcquireRunSlot(task.ID, e.maxRunning)
	if err != nil {
		if errors.Is(err, store.ErrSlotBusy) {
			e.fail(ctx, started, lifecycle.StatusStarting, fmt.Errorf("run slot busy: %w", err))
		} else {
			e.logger.Error("acquiring run slot", "task", task.ID, "error", err)
		}
		return
	}
	e.emit(running)
	e.logger.Info("task running", "task", running.ID, "project", project.ID, "branch", running.BranchName)

	agentErr := e.agent.Run(ctx, prompt, workDir, func(line string) {
		e.handleLine(ctx, running, line)
	})
	if agentErr != nil {
		e.fail(ctx, running, lifecycle.StatusRunning, agentErr)
		return
	}

	completed, err := e.store.Transition(task.ID, lifecycle.StatusRunning, lifecycle.StatusCompleted, "")
	if err != nil {
		e.logger.Error("completing task", "task", task.ID, "error", err)
		return
	}
	e.logger.Info("task completed", "task", completed.ID, "project", project.ID)
	e.notify(ctx, completed, e.notifier.Completed)
	e.emit(completed)
	e.prune()
}

// handleLine persists one line of agent output and advances progress when
// the line is a phase marker.
func (e *Executor) handleLine(ctx context.Context, task store.Task, line string) {
	level := "info"
	step := ""
	if phase, ok := agent.ParseStep(line); ok {
		step = phase
		if err := e.store.SetProgress(task.ID, phase, stepIndex(phase)); err != nil {
			e.logger.Warn("updating progress", "task", task.ID, "error", err)
		}
		if updated, err := e.store.GetTask(task.ID); err == nil {
			e.notify(ctx, updated, e.notifier.Progress)
			e.emit(updated)
		}
	}

	if _, err := e.store.AppendLog(task.ID, level, line, step, ""); err != nil {
		e.logger.Warn("appending task log", "task", task.ID, "error", err)
	}
	if e.onTaskLog != nil {
		e.onTaskLog(task.ID, line)
	}
}

func (e *Executor) fail(ctx context.Context, task store.Task, from lifecycle.Status, cause error) {
	msg := truncate(cause.Error(), maxErrorLen)
	if errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) {
		msg = truncate(fmt.Sprintf("aborted: %v", cause), maxErrorLen)
	}

	failed, err := e.store.Transition(task.ID, from, lifecycle.StatusError, msg)
	if err != nil {
		// A concurrent cancel may have beaten us to the terminal state.
		e.logger.Error("marking task failed", "task", task.ID, "cause", cause, "error", err)
		return
	}
	e.logger.Error("task failed", "task", task.ID, "error", cause)
	e.notify(ctx, failed, e.notifier.Failed)
	e.emit(failed)
	e.prune()
}

// noopNotifier stands in when no chat client is configured.
type noopNotifier struct{}

func (noopNotifier) Progress(context.Context, store.Task) error  { return nil }
func (noopNotifier) Completed(context.Context, store.Task) error { return nil }
func (noopNotifier) Failed(context.Context, store.Task) error    { return nil }

func (e *Executor) notify(ctx context.Context, task store.Task, fn func(context.Context, store.Task) error) {
	if task.ChannelID == "" {
		return
	}
	if err := fn(ctx, task); err != nil {
		e.logger.Warn("notifying requester", "task", task.ID, "error", err)
	}
}

func (e *Executor) emit(task store.Task) {
	if e.onTaskEvent != nil {
		e.onTaskEvent(task)
	}
}

func (e *Executor) prune() {
	if e.retainTasks <= 0 {
		return
	}
	removed, err := e.store.PruneTerminal(e.retainTasks)
	if err != nil {
		e.logger.Warn("pruning terminal tasks", "error", err)
		return
	}
	if removed > 0 {
		e.logger.Info("pruned terminal tasks", "removed", removed)
	}
}

// stepIndex maps a phase to its position in the standard sequence, for
// progress counters. Unknown phases report zero and only change the label.
func stepIndex(phase string) int {
	for i, known := range agent.KnownPhases {
		if phase == known {
			return i + 1
		}
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// gitPreparer is the production Preparer: it syncs the project clone,
// checks out the task branch, and builds the agent prompt, resolving the
// work-item file when the project defines one.
type gitPreparer struct {
	reposDir     string
	branchPrefix string
	store        *store.Store
}

func (p *gitPreparer) Prepare(ctx context.Context, project registry.Project, task store.Task) (string, string, error) {
	dir := filepath.Join(p.reposDir, project.ID)

	base := task.BaseBranch
	if base == "" {
		base = project.DefaultBranch
	}
	if err := gitops.Sync(ctx, project.RepoURL, dir, base); err != nil {
		return "", "", err
	}

	branch := task.BranchName
	if branch == "" {
		branch = gitops.BranchName(p.branchPrefix, task.Description)
		task.BranchName = branch
		if err := p.store.UpdateTask(task); err != nil {
			return "", "", fmt.Errorf("recording branch name: %w", err)
		}
	}

	runner := &shell.Runner{Dir: dir}
	if err := gitops.EnsureBranch(ctx, runner, branch, base); err != nil {
		return "", "", err
	}

	prompt := task.Description
	if project.WorkItemPath != "" && strings.HasPrefix(task.Description, "Execute work item ") {
		item, err := gitops.ResolveWorkItem(dir, project.WorkItemPath)
		if err != nil {
			return "", "", err
		}
		prompt = fmt.Sprintf("Execute the work item described in %s", item)
	}

	return dir, prompt, nil
}
