// Package dispatcher accepts task requests from chat and webhooks,
// resolves them against the project registry, and hands accepted tasks to
// the executor. It owns the disambiguation round trip: an ambiguous
// request parks as a paused task until the requester picks a project.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/uesteibar/dispatchd/internal/command"
	"github.com/uesteibar/dispatchd/internal/executor"
	"github.com/uesteibar/dispatchd/internal/lifecycle"
	"github.com/uesteibar/dispatchd/internal/notifier"
	"github.com/uesteibar/dispatchd/internal/registry"
	"github.com/uesteibar/dispatchd/internal/resolver"
	"github.com/uesteibar/dispatchd/internal/store"
)

// Enqueuer is the executor surface the dispatcher needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, task store.Task) error
	Cancel(taskID string) (store.Task, error)
}

// ProjectRegistry is the registry surface the dispatcher needs.
type ProjectRegistry interface {
	ListActive() []registry.Project
	FindByID(id string) (registry.Project, bool)
	FindByRepoURL(url string) (registry.Project, bool)
}

// ChatNotifier posts acknowledgements and the disambiguation prompt.
type ChatNotifier interface {
	Ack(ctx context.Context, task store.Task, project registry.Project) error
	Disambiguation(ctx context.Context, task store.Task, reference string, candidates, suggestions []registry.Project) (string, error)
	ConfirmSelection(ctx context.Context, task store.Task, project registry.Project, promptTS string) error
}

// Conversation identifies where a request came from, and where replies go.
type Conversation struct {
	ChannelID string
	ThreadID  string
}

// ValidationError marks a request the caller got wrong, as opposed to an
// internal failure. HTTP handlers map it to a 400.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func validationf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

type Config struct {
	Store    *store.Store
	Registry ProjectRegistry
	Executor Enqueuer
	Notifier ChatNotifier
	Logger   *slog.Logger
}

type Dispatcher struct {
	store    *store.Store
	registry ProjectRegistry
	executor Enqueuer
	notifier ChatNotifier
	logger   *slog.Logger
}

func New(cfg Config) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:    cfg.Store,
		registry: cfg.Registry,
		executor: cfg.Executor,
		notifier: cfg.Notifier,
		logger:   logger,
	}
}

// HandleCommand processes one chat message addressed to the bot. The
// returned reply, when non-empty, is posted back to the thread by the
// caller; task submissions acknowledge through the notifier instead.
func (d *Dispatcher) HandleCommand(ctx context.Context, text string, conv Conversation, messageID string) (string, error) {
	cmd, err := command.Parse(text)
	if err != nil {
		if errors.Is(err, command.ErrEmpty) {
			return command.HelpText, nil
		}
		var unknown *command.UnknownError
		var usage *command.UsageError
		if errors.As(err, &unknown) || errors.As(err, &usage) {
			return err.Error(), nil
		}
		return "", err
	}

	switch cmd.Kind {
	case command.KindTask:
		return d.submitTask(ctx, cmd, conv, idempotencyKey(conv.ChannelID, messageID))
	case command.KindStatus:
		return d.renderStatus(cmd.TaskID)
	case command.KindProjects:
		return notifier.ProjectList(d.registry.ListActive()), nil
	case command.KindLogs:
		return d.renderLogs(cmd.Count)
	case command.KindCancel:
		return d.cancelTask(cmd.TaskID)
	case command.KindHelp:
		return command.HelpText, nil
	default:
		return command.HelpText, nil
	}
}

// idempotencyKey derives the dedup token for a chat submission from the
// message's identity, so client retries of the same message collapse into
// one task.
func idempotencyKey(channelID, messageID string) string {
	if messageID == "" {
		return ""
	}
	return channelID + "/" + messageID
}

func (d *Dispatcher) submitTask(ctx context.Context, cmd command.Command, conv Conversation, key string) (string, error) {
	res := resolver.Resolve(cmd.ProjectRef, d.registry.ListActive())

	if !res.Resolved {
		return "", d.parkAmbiguous(ctx, cmd, conv, res, key)
	}

	task, isNew, err := d.store.CreateTask(store.Task{
		ProjectID:      res.Project.ID,
		Description:    cmd.Description,
		ChannelID:      conv.ChannelID,
		ThreadID:       conv.ThreadID,
		IdempotencyKey: key,
	})
	if err != nil {
		return "", fmt.Errorf("creating task: %w", err)
	}
	if !isNew {
		d.logger.Info("duplicate submission ignored", "task", task.ID, "key", key)
		return fmt.Sprintf("Task `%s` is already %s.", task.ID, task.Status), nil
	}

	if err := d.notifier.Ack(ctx, task, res.Project); err != nil {
		d.logger.Warn("acking task", "task", task.ID, "error", err)
	}
	if err := d.executor.Enqueue(ctx, task); err != nil {
		return "", fmt.Errorf("enqueueing task: %w", err)
	}
	d.logger.Info("task accepted", "task", task.ID, "project", res.Project.ID)
	return "", nil
}

// parkAmbiguous stores the request as a paused task with the description
// kept verbatim, then posts the project picker. The idempotency key covers
// the parked task too, so a retried submission does not produce a second
// prompt.
func (d *Dispatcher) parkAmbiguous(ctx context.Context, cmd command.Command, conv Conversation, res resolver.Resolution, key string) error {
	if len(res.Candidates) == 0 {
		return validationf("no active projects to dispatch to")
	}

	task, isNew, err := d.store.CreateTask(store.Task{
		Description:    cmd.Description,
		Status:         lifecycle.StatusPaused,
		ChannelID:      conv.ChannelID,
		ThreadID:       conv.ThreadID,
		IdempotencyKey: key,
	})
	if err != nil {
		return fmt.Errorf("parking ambiguous task: %w", err)
	}
	if !isNew {
		d.logger.Info("duplicate ambiguous submission ignored", "task", task.ID, "key", key)
		return nil
	}

	if _, err := d.notifier.Disambiguation(ctx, task, res.OriginalText, res.Candidates, res.Suggestions); err != nil {
		return fmt.Errorf("posting disambiguation prompt: %w", err)
	}
	d.logger.Info("task parked for disambiguation", "task", task.ID, "reference", res.OriginalText)
	return nil
}

// HandleSelection resumes a parked task after the requester picks a
// project from the disambiguation prompt. The option value carries the
// selection payload, so the handler works even when the paused task is
// gone: it then recreates the task from the payload alone.
func (d *Dispatcher) HandleSelection(ctx context.Context, value string, conv Conversation, promptTS string) error {
	payload, err := notifier.DecodeSelectionPayload(value)
	if err != nil {
		return &ValidationError{Msg: err.Error()}
	}

	project, ok := d.registry.FindByID(payload.ProjectID)
	if !ok {
		return validationf("project %s is no longer active", payload.ProjectID)
	}

	task, err := d.store.FindPausedByThread(conv.ChannelID, conv.ThreadID)
	switch {
	case err == nil:
		task.ProjectID = project.ID
		if task.Description == "" {
			task.Description = payload.Description
		}
		if err := d.store.UpdateTask(task); err != nil {
			return fmt.Errorf("assigning project to parked task: %w", err)
		}
	case errors.Is(err, store.ErrNotFound):
		task, _, err = d.store.CreateTask(store.Task{
			ProjectID:   project.ID,
			Description: payload.Description,
			Status:      lifecycle.StatusPaused,
			ChannelID:   conv.ChannelID,
			ThreadID:    conv.ThreadID,
		})
		if err != nil {
			return fmt.Errorf("recreating task from selection: %w", err)
		}
	default:
		return fmt.Errorf("finding parked task: %w", err)
	}

	if promptTS != "" {
		if err := d.notifier.ConfirmSelection(ctx, task, project, promptTS); err != nil {
			d.logger.Warn("confirming selection", "task", task.ID, "error", err)
		}
	}

	if err := d.executor.Enqueue(ctx, task); err != nil {
		// A second click on the menu can race the first; the task is
		// already on its way.
		if errors.Is(err, executor.ErrAlreadyActive) {
			d.logger.Info("selection repeated, task already active", "task", task.ID)
			return nil
		}
		return fmt.Errorf("enqueueing resumed task: %w", err)
	}
	d.logger.Info("task resumed after selection", "task", task.ID, "project", project.ID)
	return nil
}

// TriggerRequest is the webhook payload for machine-originated tasks.
type TriggerRequest struct {
	TaskID       string `json:"taskId"`
	RepoURL      string `json:"repoUrl"`
	RepoBranch   string `json:"repoBranch"`
	WorkItemPath string `json:"workItemPath"`
	SubStepCount int    `json:"subStepCount"`
}

// HandleTrigger accepts a webhook-originated task. When the caller supplies
// a task ID it doubles as the idempotency token, so webhook redeliveries are
// safe; without one every delivery creates a fresh task.
func (d *Dispatcher) HandleTrigger(ctx context.Context, req TriggerRequest) (store.Task, error) {
	if req.RepoURL == "" {
		return store.Task{}, validationf("missing repoUrl")
	}
	if req.SubStepCount < 0 {
		return store.Task{}, validationf("subStepCount must not be negative")
	}

	project, ok := d.registry.FindByRepoURL(req.RepoURL)
	if !ok {
		return store.Task{}, validationf("no active project for repository %s", req.RepoURL)
	}

	item := req.WorkItemPath
	if item == "" {
		item = project.WorkItemPath
	}
	description := "Execute work item " + item
	if item == "" {
		description = "Execute work item"
	}

	key := ""
	if req.TaskID != "" {
		key = "trigger/" + req.TaskID
	}
	task, isNew, err := d.store.CreateTask(store.Task{
		ProjectID:      project.ID,
		Description:    description,
		BaseBranch:     req.RepoBranch,
		ChannelID:      "",
		StepsTotal:     req.SubStepCount,
		IdempotencyKey: key,
	})
	if err != nil {
		return store.Task{}, fmt.Errorf("creating triggered task: %w", err)
	}
	if !isNew {
		d.logger.Info("trigger redelivery ignored", "task", task.ID, "taskId", req.TaskID)
		return task, nil
	}

	if err := d.executor.Enqueue(ctx, task); err != nil {
		return store.Task{}, fmt.Errorf("enqueueing triggered task: %w", err)
	}
	d.logger.Info("triggered task accepted", "task", task.ID, "project", project.ID, "taskId", req.TaskID)
	return task, nil
}

// renderStatus reports one task's state: the named one, or the most
// recently created when no ID is given.
func (d *Dispatcher) renderStatus(taskID string) (string, error) {
	var task store.Task
	if taskID != "" {
		var err error
		task, err = d.store.GetTask(taskID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Sprintf("No task `%s` found.", taskID), nil
			}
			return "", fmt.Errorf("getting task: %w", err)
		}
	} else {
		tasks, err := d.store.ListTasks(store.TaskFilter{Limit: 1})
		if err != nil {
			return "", fmt.Errorf("listing tasks: %w", err)
		}
		if len(tasks) == 0 {
			return "No tasks yet.", nil
		}
		task = tasks[0]
	}

	line := fmt.Sprintf("Task `%s` is %s", task.ID, task.Status)
	if task.Progress != "" {
		line += fmt.Sprintf(", %s", task.Progress)
		if task.StepsTotal > 0 {
			line += fmt.Sprintf(" (%d/%d)", task.StepsDone, task.StepsTotal)
		}
	}
	if task.ErrorMessage != "" {
		line += fmt.Sprintf(": %s", task.ErrorMessage)
	}
	return line + ".", nil
}

func (d *Dispatcher) renderLogs(count int) (string, error) {
	entries, err := d.store.ListRecentLogs(count)
	if err != nil {
		return "", fmt.Errorf("listing recent logs: %w", err)
	}
	if len(entries) == 0 {
		return "No task logs yet.", nil
	}

	var b strings.Builder
	b.WriteString("Recent task output:\n")
	for i := len(entries) - 1; i >= 0; i-- {
		fmt.Fprintf(&b, "  [%s] %s\n", entries[i].TaskID, entries[i].Message)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// CancelTask aborts a queued task on behalf of an API caller.
func (d *Dispatcher) CancelTask(taskID string) (store.Task, error) {
	return d.executor.Cancel(taskID)
}

func (d *Dispatcher) cancelTask(taskID string) (string, error) {
	task, err := d.executor.Cancel(taskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Sprintf("No task `%s` found.", taskID), nil
		}
		if errors.Is(err, store.ErrTerminal) || errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrIllegalTransition) {
			return fmt.Sprintf("Task `%s` can no longer be cancelled.", taskID), nil
		}
		return "", fmt.Errorf("cancelling task: %w", err)
	}
	return fmt.Sprintf("Task `%s` cancelled.", task.ID), nil
}
