package models

import "time"

type WorkspaceState string

const (
	WorkspaceActive    WorkspaceState = "active"
	WorkspaceIdle      WorkspaceState = "idle"
	WorkspaceReleasing WorkspaceState = "releasing"
)

type Workspace struct {
	ID           int64
	Path         string
	WorkflowName string
	Persistent   bool
	OwningRunID  string // empty when idle
	Branch       string
	SourceRepo   string
	State        WorkspaceState
	CreatedAt    time.Time
	ReleasedAt   *time.Time
}
