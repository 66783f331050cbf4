package models

import "time"

// ProcessHandle tracks the live OS process of a running run. RunID is its
// only key.
type ProcessHandle struct {
	RunID         string
	PID           int
	SupervisorPID int
	LastHeartbeat time.Time
	StartedAt     time.Time
}

// CancelStage records how far the termination sequence of a run has gone.
type CancelStage string

const (
	CancelStageNone       CancelStage = ""
	CancelStageRequested  CancelStage = "requested"
	CancelStageGraceful   CancelStage = "graceful"
	CancelStageForced     CancelStage = "forced"
	CancelStageSystemKill CancelStage = "system_kill"
	CancelStageTerminated CancelStage = "terminated"
)
