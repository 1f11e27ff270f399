// Package command parses the chat-facing command grammar:
//
//	task <project> <description...>
//	status [task-id]
//	projects        (also "list projects")
//	logs [n]        (also "recent logs [n]")
//	cancel <task-id>
//	help
//
// A leading bot mention of the form <@UXXXX> is stripped before parsing.
package command

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

type Kind string

const (
	KindTask     Kind = "task"
	KindStatus   Kind = "status"
	KindProjects Kind = "projects"
	KindLogs     Kind = "logs"
	KindCancel   Kind = "cancel"
	KindHelp     Kind = "help"
)

const defaultLogCount = 10

var ErrEmpty = errors.New("empty command")

// UnknownError reports a verb the grammar does not know.
type UnknownError struct {
	Verb string
}

func (e *UnknownError) Error() string {
	return fmt.Sprintf("unknown command %q, try help", e.Verb)
}

// UsageError reports a recognized verb with missing or bad arguments.
type UsageError struct {
	Verb  string
	Usage string
}

func (e *UsageError) Error() string {
	return fmt.Sprintf("usage: %s", e.Usage)
}

type Command struct {
	Kind        Kind
	ProjectRef  string
	Description string
	TaskID      string
	Count       int
}

// Parse interprets one chat message as a command. The project reference and
// description of a task command are returned verbatim apart from surrounding
// whitespace.
func Parse(text string) (Command, error) {
	text = stripMention(text)
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return Command{}, ErrEmpty
	}

	verb := strings.ToLower(fields[0])
	rest := fields[1:]

	// Two-word spellings accepted alongside the short verbs.
	if len(rest) > 0 {
		second := strings.ToLower(rest[0])
		if verb == "list" && second == "projects" {
			verb, rest = "projects", rest[1:]
		} else if verb == "recent" && second == "logs" {
			verb, rest = "logs", rest[1:]
		}
	}

	switch verb {
	case "task":
		if len(rest) < 2 {
			return Command{}, &UsageError{Verb: verb, Usage: "task <project> <description>"}
		}
		// Everything after the project reference is the description,
		// preserved with its original spacing.
		after := strings.TrimSpace(text[len(fields[0]):])
		return Command{
			Kind:        KindTask,
			ProjectRef:  rest[0],
			Description: strings.TrimSpace(after[len(rest[0]):]),
		}, nil

	case "status":
		if len(rest) > 1 {
			return Command{}, &UsageError{Verb: verb, Usage: "status [task-id]"}
		}
		cmd := Command{Kind: KindStatus}
		if len(rest) == 1 {
			cmd.TaskID = rest[0]
		}
		return cmd, nil

	case "projects":
		return Command{Kind: KindProjects}, nil

	case "logs":
		cmd := Command{Kind: KindLogs, Count: defaultLogCount}
		if len(rest) > 0 {
			n, err := strconv.Atoi(rest[0])
			if err != nil || n <= 0 {
				return Command{}, &UsageError{Verb: verb, Usage: "logs [n]"}
			}
			cmd.Count = n
		}
		return cmd, nil

	case "cancel":
		if len(rest) != 1 {
			return Command{}, &UsageError{Verb: verb, Usage: "cancel <task-id>"}
		}
		return Command{Kind: KindCancel, TaskID: rest[0]}, nil

	case "help":
		return Command{Kind: KindHelp}, nil

	default:
		return Command{}, &UnknownError{Verb: verb}
	}
}

func stripMention(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "<@") {
		if end := strings.Index(text, ">"); end != -1 {
			text = strings.TrimSpace(text[end+1:])
		}
	}
	return text
}

// HelpText is the response to the help command and to unparsable input.
const HelpText = `Commands:
  task <project> <description>  queue a dev task against a project
  status [task-id]              show a task's state (latest when omitted)
  projects                      list active projects
  logs [n]                      show the n most recent task log lines
  cancel <task-id>              cancel a queued task
  help                          show this message`
