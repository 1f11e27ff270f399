// Package agent invokes the code-generation agent CLI for one task and
// streams its output line by line.
package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/uesteibar/dispatchd/internal/shell"
)

// Phase markers the agent emits on stdout as it works through a task.
// Lines of the form "STEP: <phase>" advance the task's progress.
const StepPrefix = "STEP:"

// KnownPhases in execution order. Unknown phases are passed through to
// progress reporting untouched.
var KnownPhases = []string{"planning", "building", "testing", "committing", "creating_pr"}

// Runner invokes the agent CLI as a subprocess.
type Runner struct {
	// Command is the agent executable, e.g. "claude".
	Command string

	// Args are passed before the task prompt.
	Args []string

	// Timeout bounds a single invocation. Zero means no timeout.
	Timeout time.Duration
}

// ParseStep extracts the phase name from a progress marker line. Returns
// false for ordinary output lines.
func ParseStep(line string) (string, bool) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, StepPrefix) {
		return "", false
	}
	phase := strings.TrimSpace(strings.TrimPrefix(trimmed, StepPrefix))
	if phase == "" {
		return "", false
	}
	return phase, true
}

// Run executes the agent against a working copy. Every stdout line is
// delivered to onLine in order before Run returns. The error carries the
// agent's stderr when the process exits non-zero, and ctx.Err() when the
// timeout or cancellation cut it short.
func (r *Runner) Run(ctx context.Context, prompt, workDir string, onLine func(string)) error {
	if r.Command == "" {
		return fmt.Errorf("agent command not configured")
	}

	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	sh := &shell.Runner{Dir: workDir}
	args := append(append([]string{}, r.Args...), prompt)
	if err := sh.RunStreaming(ctx, onLine, r.Command, args...); err != nil {
		return fmt.Errorf("running agent: %w", err)
	}
	return nil
}
