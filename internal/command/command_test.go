package command

import (
	"errors"
	"testing"
)

func TestParse_Task(t *testing.T) {
	cmd, err := Parse("task website fix the login page")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cmd.Kind != KindTask {
		t.Errorf("expected task, got %s", cmd.Kind)
	}
	if cmd.ProjectRef != "website" {
		t.Errorf("expected project website, got %q", cmd.ProjectRef)
	}
	if cmd.Description != "fix the login page" {
		t.Errorf("expected description preserved, got %q", cmd.Description)
	}
}

func TestParse_TaskPreservesDescriptionSpacing(t *testing.T) {
	cmd, err := Parse("task website fix  the   spacing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cmd.Description != "fix  the   spacing" {
		t.Errorf("expected inner spacing kept, got %q", cmd.Description)
	}
}

func TestParse_StripsBotMention(t *testing.T) {
	cmd, err := Parse("<@U0123ABC> task api add rate limiting")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cmd.Kind != KindTask || cmd.ProjectRef != "api" {
		t.Errorf("expected task api, got %+v", cmd)
	}
}

func TestParse_TaskMissingDescription(t *testing.T) {
	_, err := Parse("task website")
	var usage *UsageError
	if !errors.As(err, &usage) {
		t.Fatalf("expected UsageError, got %v", err)
	}
	if usage.Usage != "task <project> <description>" {
		t.Errorf("unexpected usage string %q", usage.Usage)
	}
}

func TestParse_Projects(t *testing.T) {
	cmd, err := Parse("projects")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cmd.Kind != KindProjects {
		t.Errorf("expected projects, got %s", cmd.Kind)
	}
}

func TestParse_Status(t *testing.T) {
	cmd, err := Parse("status")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cmd.Kind != KindStatus || cmd.TaskID != "" {
		t.Errorf("expected bare status, got %+v", cmd)
	}

	cmd, err = Parse("status 01H2X3")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cmd.TaskID != "01H2X3" {
		t.Errorf("expected task id, got %+v", cmd)
	}

	if _, err := Parse("status a b"); err == nil {
		t.Error("expected usage error for extra arguments")
	}
}

func TestParse_TwoWordSpellings(t *testing.T) {
	cmd, err := Parse("list projects")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cmd.Kind != KindProjects {
		t.Errorf("expected projects, got %s", cmd.Kind)
	}

	cmd, err = Parse("recent logs 5")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cmd.Kind != KindLogs || cmd.Count != 5 {
		t.Errorf("expected logs with count 5, got %s %d", cmd.Kind, cmd.Count)
	}
}

func TestParse_LogsDefaultCount(t *testing.T) {
	cmd, err := Parse("logs")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cmd.Count != 10 {
		t.Errorf("expected default count 10, got %d", cmd.Count)
	}
}

func TestParse_LogsExplicitCount(t *testing.T) {
	cmd, err := Parse("logs 25")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cmd.Count != 25 {
		t.Errorf("expected 25, got %d", cmd.Count)
	}
}

func TestParse_LogsBadCount(t *testing.T) {
	for _, input := range []string{"logs abc", "logs -1", "logs 0"} {
		if _, err := Parse(input); err == nil {
			t.Errorf("expected error for %q", input)
		}
	}
}

func TestParse_Cancel(t *testing.T) {
	cmd, err := Parse("cancel 01HXYZ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cmd.Kind != KindCancel || cmd.TaskID != "01HXYZ" {
		t.Errorf("expected cancel 01HXYZ, got %+v", cmd)
	}
}

func TestParse_VerbIsCaseInsensitive(t *testing.T) {
	cmd, err := Parse("TASK website do it")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cmd.Kind != KindTask {
		t.Errorf("expected task, got %s", cmd.Kind)
	}
}

func TestParse_Unknown(t *testing.T) {
	_, err := Parse("deploy website")
	var unknown *UnknownError
	if !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownError, got %v", err)
	}
	if unknown.Verb != "deploy" {
		t.Errorf("expected verb deploy, got %q", unknown.Verb)
	}
}

func TestParse_Empty(t *testing.T) {
	for _, input := range []string{"", "   ", "<@U0123ABC>"} {
		if _, err := Parse(input); !errors.Is(err, ErrEmpty) {
			t.Errorf("expected ErrEmpty for %q, got %v", input, err)
		}
	}
}
