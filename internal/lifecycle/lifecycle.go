// Package lifecycle defines the task state machine: which statuses exist,
// which are terminal, and which transitions are legal.
package lifecycle

// Status represents a state in the task lifecycle.
type Status string

const (
	// StatusQueued means the task is accepted and waiting for a run slot.
	StatusQueued Status = "queued"
	// StatusPaused means the task is waiting for the requester to pick a
	// project (disambiguation round trip).
	StatusPaused Status = "paused"
	// StatusStarting means environment preparation (repo sync, branch setup)
	// is in progress.
	StatusStarting Status = "starting"
	// StatusRunning means the agent subprocess is executing.
	StatusRunning Status = "running"
	// StatusCompleted means the agent finished successfully. Terminal.
	StatusCompleted Status = "completed"
	// StatusError means preparation or execution failed. Terminal.
	StatusError Status = "error"
)

var validStatuses = map[Status]bool{
	StatusQueued:    true,
	StatusPaused:    true,
	StatusStarting:  true,
	StatusRunning:   true,
	StatusCompleted: true,
	StatusError:     true,
}

// Valid returns true if s is a recognized Status.
func Valid(s Status) bool {
	return validStatuses[s]
}

// Terminal returns true for statuses that admit no further transitions.
func Terminal(s Status) bool {
	return s == StatusCompleted || s == StatusError
}

// legalEdges maps each status to the statuses it may transition to.
// queued/starting/running may each reach error directly so that a crashed
// supervisor's orphans can be closed out on the next startup sweep.
var legalEdges = map[Status][]Status{
	StatusQueued:   {StatusStarting, StatusError},
	StatusPaused:   {StatusStarting},
	StatusStarting: {StatusRunning, StatusError},
	StatusRunning:  {StatusCompleted, StatusError},
}

// CanTransition reports whether moving from one status to another is legal.
// Terminal statuses admit nothing.
func CanTransition(from, to Status) bool {
	for _, next := range legalEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}
