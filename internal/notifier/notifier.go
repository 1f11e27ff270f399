package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/uesteibar/dispatchd/internal/registry"
	"github.com/uesteibar/dispatchd/internal/store"
)

// SelectActionID names the project-selection menu in interactive payloads.
const SelectActionID = "project_select"

// Chat error texts are capped so a long agent stack trace does not blow up
// the message.
const maxErrorLen = 500

// SelectionPayload rides inside a select option's value so the selection
// callback is self-contained: no server-side session is needed to resume
// after disambiguation.
type SelectionPayload struct {
	ProjectID   string `json:"project_id"`
	Description string `json:"description"`
}

func (p SelectionPayload) Encode() (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encoding selection payload: %w", err)
	}
	return string(data), nil
}

func DecodeSelectionPayload(value string) (SelectionPayload, error) {
	var p SelectionPayload
	if err := json.Unmarshal([]byte(value), &p); err != nil {
		return SelectionPayload{}, fmt.Errorf("decoding selection payload: %w", err)
	}
	if p.ProjectID == "" {
		return SelectionPayload{}, fmt.Errorf("decoding selection payload: missing project_id")
	}
	return p, nil
}

// Notifier renders and delivers task lifecycle messages. All methods are
// best-effort from the caller's point of view: a notification failure never
// fails the task.
type Notifier struct {
	client *Client
}

func NewNotifier(client *Client) *Notifier {
	return &Notifier{client: client}
}

// Ack confirms task acceptance in the requester's thread.
func (n *Notifier) Ack(ctx context.Context, task store.Task, project registry.Project) error {
	text := fmt.Sprintf(":rocket: Task `%s` queued for *%s*: %s", task.ID, project.Name, task.Description)
	_, err := n.client.PostMessage(ctx, Message{
		Channel:  task.ChannelID,
		ThreadTS: task.ThreadID,
		Text:     text,
	})
	return err
}

// Disambiguation posts the interactive project picker. Each option's value
// carries the full selection payload, so the later callback needs nothing
// but the message itself. Returns the prompt's timestamp so it can be
// replaced after selection.
func (n *Notifier) Disambiguation(ctx context.Context, task store.Task, reference string, candidates, suggestions []registry.Project) (string, error) {
	var options []SelectOption
	for _, p := range candidates {
		value, err := SelectionPayload{ProjectID: p.ID, Description: task.Description}.Encode()
		if err != nil {
			return "", err
		}
		options = append(options, SelectOption{
			Text:  &Text{Type: "plain_text", Text: p.Name},
			Value: value,
		})
	}

	header := fmt.Sprintf("I couldn't find a project matching *%s*.", reference)
	if len(suggestions) > 0 {
		names := make([]string, len(suggestions))
		for i, p := range suggestions {
			names[i] = p.Name
		}
		header += " Did you mean: " + strings.Join(names, ", ") + "?"
	}
	header += " Pick a project to continue:"

	blocks := []Block{
		SectionBlock(header),
		{
			Type:    "actions",
			BlockID: "project_select_block",
			Elements: []Element{{
				Type:        "static_select",
				ActionID:    SelectActionID,
				Placeholder: &Text{Type: "plain_text", Text: "Select a project"},
				Options:     options,
			}},
		},
	}

	return n.client.PostMessage(ctx, Message{
		Channel:  task.ChannelID,
		ThreadTS: task.ThreadID,
		Text:     "Pick a project to continue",
		Blocks:   blocks,
	})
}

// ConfirmSelection replaces the disambiguation prompt with a static
// confirmation, retiring the interactive menu.
func (n *Notifier) ConfirmSelection(ctx context.Context, task store.Task, project registry.Project, promptTS string) error {
	text := fmt.Sprintf(":white_check_mark: Got it, running task `%s` against *%s*.", task.ID, project.Name)
	return n.client.UpdateMessage(ctx, Message{
		Channel:   task.ChannelID,
		Timestamp: promptTS,
		Text:      text,
		Blocks:    []Block{SectionBlock(text)},
	})
}

// Progress reports a phase change of a running task.
func (n *Notifier) Progress(ctx context.Context, task store.Task) error {
	text := fmt.Sprintf(":hourglass: Task `%s`: %s", task.ID, task.Progress)
	if task.StepsTotal > 0 {
		text += fmt.Sprintf(" (%d/%d)", task.StepsDone, task.StepsTotal)
	}
	_, err := n.client.PostMessage(ctx, Message{
		Channel:  task.ChannelID,
		ThreadTS: task.ThreadID,
		Text:     text,
	})
	return err
}

// Completed reports a successful task, naming the branch carrying the work.
func (n *Notifier) Completed(ctx context.Context, task store.Task) error {
	text := fmt.Sprintf(":tada: Task `%s` completed on branch `%s`.", task.ID, task.BranchName)
	_, err := n.client.PostMessage(ctx, Message{
		Channel:  task.ChannelID,
		ThreadTS: task.ThreadID,
		Text:     text,
	})
	return err
}

// Failed reports a failed task with the error detail, truncated.
func (n *Notifier) Failed(ctx context.Context, task store.Task) error {
	detail := truncate(task.ErrorMessage, maxErrorLen)
	text := fmt.Sprintf(":x: Task `%s` failed: %s", task.ID, detail)
	_, err := n.client.PostMessage(ctx, Message{
		Channel:  task.ChannelID,
		ThreadTS: task.ThreadID,
		Text:     text,
	})
	return err
}

// ProjectList renders the active catalogue for the projects command.
func ProjectList(projects []registry.Project) string {
	if len(projects) == 0 {
		return "No active projects."
	}
	var b strings.Builder
	b.WriteString("Active projects:\n")
	for _, p := range projects {
		fmt.Fprintf(&b, "  - *%s* (`%s`) %s\n", p.Name, p.ID, p.RepoURL)
	}
	return strings.TrimRight(b.String(), "\n")
}
