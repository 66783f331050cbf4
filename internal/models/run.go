package models

import "time"

type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusKilled    RunStatus = "killed"
)

// IsTerminal reports whether no further transition may leave s.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusKilled:
		return true
	}
	return false
}

func (s RunStatus) Valid() bool {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusCompleted, RunStatusFailed, RunStatusKilled:
		return true
	}
	return false
}

// transitions lists every legal edge of the run state machine.
var transitions = map[RunStatus][]RunStatus{
	RunStatusPending: {RunStatusRunning, RunStatusKilled, RunStatusFailed},
	RunStatusRunning: {RunStatusCompleted, RunStatusFailed, RunStatusKilled},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to RunStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Progress is informational only. It is never consulted to decide whether a
// run succeeded.
type Progress struct {
	Turns           int
	ToolInvocations int
	LastEvent       string
}

type Run struct {
	ID                 string
	WorkflowName       string
	Status             RunStatus
	WorkspacePath      string // empty while pending
	Persistent         bool
	Branch             string
	ExternalSessionRef string
	CreatedAt          time.Time
	StartedAt          *time.Time
	CompletedAt        *time.Time
	ErrorMessage       string
	ExitCode           *int
	Progress           Progress
	CancelStage        CancelStage
	HeadCommit         string
	LogPath            string
}

// RunFilter selects runs for listing. Zero values match everything.
type RunFilter struct {
	Status        RunStatus
	WorkflowName  string
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	Limit         int
}
