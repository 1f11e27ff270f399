package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/uesteibar/dispatchd/internal/dispatcher"
	"github.com/uesteibar/dispatchd/internal/lifecycle"
	"github.com/uesteibar/dispatchd/internal/store"
)

type apiHandler struct {
	dispatcher *dispatcher.Dispatcher
	store      *store.Store
	startAt    time.Time
	logger     *slog.Logger

	// reply posts a plain text message back into a conversation. Set by
	// the caller when a chat client is configured.
	reply func(ctx context.Context, channel, thread, text string) error
}

// apiError is the consistent error response format.
type apiError struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, apiError{Error: msg})
}

func (h *apiHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "healthy",
		"service":        ServiceName,
		"uptime_seconds": int(time.Since(h.startAt).Seconds()),
	})
}

// handleTrigger accepts webhook-originated tasks. Validation failures are
// the caller's fault and come back as 400; an accepted task answers 202
// immediately while execution proceeds in the background.
func (h *apiHandler) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var req dispatcher.TriggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	task, err := h.dispatcher.HandleTrigger(context.WithoutCancel(r.Context()), req)
	if err != nil {
		var verr *dispatcher.ValidationError
		if errors.As(err, &verr) {
			writeError(w, http.StatusBadRequest, verr.Msg)
			return
		}
		h.logger.Error("handling trigger", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status": "accepted",
		"taskId": task.ID,
	})
}

// chatEvent is the envelope of the chat platform's event callback.
type chatEvent struct {
	Type      string `json:"type"`
	Challenge string `json:"challenge"`
	Event     struct {
		Type     string `json:"type"`
		Text     string `json:"text"`
		Channel  string `json:"channel"`
		TS       string `json:"ts"`
		ThreadTS string `json:"thread_ts"`
		BotID    string `json:"bot_id"`
	} `json:"event"`
}

// handleChatEvent processes event callbacks: the one-time URL verification
// challenge and app mentions carrying commands.
func (h *apiHandler) handleChatEvent(w http.ResponseWriter, r *http.Request) {
	var ev chatEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if ev.Type == "url_verification" {
		writeJSON(w, http.StatusOK, map[string]string{"challenge": ev.Challenge})
		return
	}
	if ev.Type != "event_callback" || ev.Event.Type != "app_mention" || ev.Event.BotID != "" {
		w.WriteHeader(http.StatusOK)
		return
	}

	conv := dispatcher.Conversation{
		ChannelID: ev.Event.Channel,
		ThreadID:  ev.Event.ThreadTS,
	}
	if conv.ThreadID == "" {
		conv.ThreadID = ev.Event.TS
	}

	// Ack the callback right away; the platform retries slow responses.
	w.WriteHeader(http.StatusOK)

	ctx := context.WithoutCancel(r.Context())
	go func() {
		reply, err := h.dispatcher.HandleCommand(ctx, ev.Event.Text, conv, ev.Event.TS)
		if err != nil {
			h.logger.Error("handling chat command", "channel", conv.ChannelID, "error", err)
			reply = "Something went wrong handling that command."
		}
		h.postReply(ctx, conv, reply)
	}()
}

// interactivePayload is the relevant subset of a block_actions callback.
type interactivePayload struct {
	Type    string `json:"type"`
	Channel struct {
		ID string `json:"id"`
	} `json:"channel"`
	Container struct {
		MessageTS string `json:"message_ts"`
		ThreadTS  string `json:"thread_ts"`
	} `json:"container"`
	Actions []struct {
		ActionID       string `json:"action_id"`
		SelectedOption struct {
			Value string `json:"value"`
		} `json:"selected_option"`
	} `json:"actions"`
}

// handleChatInteractive processes the project-selection callback. The
// payload arrives form-encoded under the payload field.
func (h *apiHandler) handleChatInteractive(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form body")
		return
	}
	raw := r.PostFormValue("payload")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "missing payload")
		return
	}

	var payload interactivePayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload JSON")
		return
	}
	if payload.Type != "block_actions" || len(payload.Actions) == 0 {
		w.WriteHeader(http.StatusOK)
		return
	}

	conv := dispatcher.Conversation{
		ChannelID: payload.Channel.ID,
		ThreadID:  payload.Container.ThreadTS,
	}
	if conv.ThreadID == "" {
		conv.ThreadID = payload.Container.MessageTS
	}

	err := h.dispatcher.HandleSelection(
		context.WithoutCancel(r.Context()),
		payload.Actions[0].SelectedOption.Value,
		conv,
		payload.Container.MessageTS,
	)
	if err != nil {
		var verr *dispatcher.ValidationError
		if errors.As(err, &verr) {
			writeError(w, http.StatusBadRequest, verr.Msg)
			return
		}
		h.logger.Error("handling selection", "channel", conv.ChannelID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *apiHandler) postReply(ctx context.Context, conv dispatcher.Conversation, text string) {
	if h.reply == nil || text == "" {
		return
	}
	if err := h.reply(ctx, conv.ChannelID, conv.ThreadID, text); err != nil {
		h.logger.Warn("posting reply", "channel", conv.ChannelID, "error", err)
	}
}

// taskResponse is the JSON shape of a task in the REST API.
type taskResponse struct {
	ID           string           `json:"id"`
	ProjectID    string           `json:"project_id"`
	Description  string           `json:"description"`
	BranchName   string           `json:"branch_name,omitempty"`
	Status       string           `json:"status"`
	Progress     string           `json:"progress,omitempty"`
	StepsDone    int              `json:"steps_done"`
	StepsTotal   int              `json:"steps_total"`
	ErrorMessage string           `json:"error_message,omitempty"`
	CreatedAt    string           `json:"created_at"`
	StartedAt    string           `json:"started_at,omitempty"`
	CompletedAt  string           `json:"completed_at,omitempty"`
	Logs         []map[string]any `json:"logs,omitempty"`
}

func toTaskResponse(t store.Task) taskResponse {
	resp := taskResponse{
		ID:           t.ID,
		ProjectID:    t.ProjectID,
		Description:  t.Description,
		BranchName:   t.BranchName,
		Status:       string(t.Status),
		Progress:     t.Progress,
		StepsDone:    t.StepsDone,
		StepsTotal:   t.StepsTotal,
		ErrorMessage: t.ErrorMessage,
		CreatedAt:    t.CreatedAt.Format(time.RFC3339),
	}
	if !t.StartedAt.IsZero() {
		resp.StartedAt = t.StartedAt.Format(time.RFC3339)
	}
	if !t.CompletedAt.IsZero() {
		resp.CompletedAt = t.CompletedAt.Format(time.RFC3339)
	}
	return resp
}

func (h *apiHandler) handleListTasks(w http.ResponseWriter, r *http.Request) {
	filter := store.TaskFilter{Limit: 100}
	if project := r.URL.Query().Get("project"); project != "" {
		filter.ProjectID = project
	}
	if status := r.URL.Query().Get("status"); status != "" {
		st := lifecycle.Status(status)
		if !lifecycle.Valid(st) {
			writeError(w, http.StatusBadRequest, "unknown status "+status)
			return
		}
		filter.Status = st
	}

	tasks, err := h.store.ListTasks(filter)
	if err != nil {
		h.logger.Error("listing tasks", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	result := make([]taskResponse, len(tasks))
	for i, t := range tasks {
		result[i] = toTaskResponse(t)
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": result})
}

func (h *apiHandler) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	task, err := h.store.GetTask(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		h.logger.Error("getting task", "task", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	resp := toTaskResponse(task)
	logs, err := h.store.ListLogs(id, 500, 0)
	if err != nil {
		h.logger.Error("listing task logs", "task", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	for _, entry := range logs {
		resp.Logs = append(resp.Logs, map[string]any{
			"level":      entry.Level,
			"message":    entry.Message,
			"step":       entry.Step,
			"created_at": entry.CreatedAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *apiHandler) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	task, err := h.dispatcher.CancelTask(id)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusNotFound, "task not found")
		case errors.Is(err, store.ErrTerminal), errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrIllegalTransition):
			writeError(w, http.StatusConflict, "task can no longer be cancelled")
		default:
			h.logger.Error("cancelling task", "task", id, "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled", "task_id": task.ID})
}
