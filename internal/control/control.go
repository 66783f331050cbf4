// Package control is the only surface collaborators (CLI, dashboard) use to
// admit, inspect and cancel runs.
package control

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mpataki/foreman/internal/cancel"
	"github.com/mpataki/foreman/internal/models"
	"github.com/mpataki/foreman/internal/orchestrator"
)

type Admitter interface {
	Submit(ctx context.Context, req orchestrator.SubmitRequest) (string, error)
}

type Canceller interface {
	RequestCancel(ctx context.Context, runID string, opts cancel.Options) (cancel.Result, error)
}

type RunReader interface {
	GetRun(ctx context.Context, runID string) (*models.Run, error)
	ListRuns(ctx context.Context, filter models.RunFilter) ([]*models.Run, error)
}

type SubmitRequest struct {
	WorkflowName string
	Persistent   bool
	Branch       string
	SourceRepo   string
}

type ListFilter struct {
	Status       string
	WorkflowName string
	Since        *time.Time
	Until        *time.Time
	Limit        int
}

// RunView is the projection of a run collaborators see. Status is the
// stored status, unmodified.
type RunView struct {
	RunID           string     `json:"run_id"`
	WorkflowName    string     `json:"workflow_name"`
	Status          string     `json:"status"`
	WorkspacePath   string     `json:"workspace_path,omitempty"`
	Persistent      bool       `json:"persistent"`
	Branch          string     `json:"branch,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	ExitCode        *int       `json:"exit_code,omitempty"`
	Turns           int        `json:"turns"`
	ToolInvocations int        `json:"tool_invocations"`
	LastEvent       string     `json:"last_event,omitempty"`
	CancelStage     string     `json:"cancel_stage,omitempty"`
	HeadCommit      string     `json:"head_commit,omitempty"`
	SessionRef      string     `json:"session_ref,omitempty"`
	LogPath         string     `json:"log_path,omitempty"`
}

type CancelOutcome string

const (
	CancelAccepted        CancelOutcome = "accepted"
	CancelAlreadyTerminal CancelOutcome = "already_terminal"
)

type Surface struct {
	admit  Admitter
	cancel Canceller
	runs   RunReader
}

func New(admit Admitter, canceller Canceller, runs RunReader) *Surface {
	return &Surface{admit: admit, cancel: canceller, runs: runs}
}

func (s *Surface) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	name := strings.TrimSpace(req.WorkflowName)
	if name == "" {
		return "", models.NewError(models.KindAdmission, "", "submit", errors.New("workflow name is required"))
	}
	return s.admit.Submit(ctx, orchestrator.SubmitRequest{
		WorkflowName: name,
		Persistent:   req.Persistent,
		Branch:       req.Branch,
		SourceRepo:   req.SourceRepo,
	})
}

func (s *Surface) GetRun(ctx context.Context, runID string) (*RunView, error) {
	run, err := s.runs.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	return newRunView(run), nil
}

func (s *Surface) ListRuns(ctx context.Context, filter ListFilter) ([]*RunView, error) {
	f := models.RunFilter{
		Status:       models.RunStatus(filter.Status),
		WorkflowName: filter.WorkflowName,
		Limit:        filter.Limit,
	}
	if f.Status != "" && !f.Status.Valid() {
		return nil, models.NewError(models.KindAdmission, "", "list", fmt.Errorf("unknown status %q", filter.Status))
	}
	if filter.Since != nil {
		t := filter.Since.UTC()
		f.CreatedAfter = &t
	}
	if filter.Until != nil {
		t := filter.Until.UTC()
		f.CreatedBefore = &t
	}
	if f.CreatedAfter != nil && f.CreatedBefore != nil && f.CreatedBefore.Before(*f.CreatedAfter) {
		return nil, models.NewError(models.KindAdmission, "", "list", errors.New("time range ends before it starts"))
	}

	runs, err := s.runs.ListRuns(ctx, f)
	if err != nil {
		return nil, err
	}
	views := make([]*RunView, 0, len(runs))
	for _, run := range runs {
		views = append(views, newRunView(run))
	}
	return views, nil
}

// Cancel asks for runID to be terminated and returns once it is terminal.
func (s *Surface) Cancel(ctx context.Context, runID string) (CancelOutcome, error) {
	res, err := s.cancel.RequestCancel(ctx, runID, cancel.Options{Reason: "operator request"})
	if err != nil {
		return "", err
	}
	if !res.Accepted {
		return CancelAlreadyTerminal, nil
	}
	return CancelAccepted, nil
}

// Wait polls until runID is terminal and returns its final view.
func (s *Surface) Wait(ctx context.Context, runID string, poll time.Duration) (*RunView, error) {
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		view, err := s.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		if models.RunStatus(view.Status).IsTerminal() {
			return view, nil
		}
		select {
		case <-ctx.Done():
			return view, ctx.Err()
		case <-ticker.C:
		}
	}
}

func newRunView(run *models.Run) *RunView {
	return &RunView{
		RunID:           run.ID,
		WorkflowName:    run.WorkflowName,
		Status:          string(run.Status),
		WorkspacePath:   run.WorkspacePath,
		Persistent:      run.Persistent,
		Branch:          run.Branch,
		CreatedAt:       run.CreatedAt,
		StartedAt:       run.StartedAt,
		CompletedAt:     run.CompletedAt,
		ErrorMessage:    run.ErrorMessage,
		ExitCode:        run.ExitCode,
		Turns:           run.Progress.Turns,
		ToolInvocations: run.Progress.ToolInvocations,
		LastEvent:       run.Progress.LastEvent,
		CancelStage:     string(run.CancelStage),
		HeadCommit:      run.HeadCommit,
		SessionRef:      run.ExternalSessionRef,
		LogPath:         run.LogPath,
	}
}

var zonelessLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	"2006-01-02",
}

// ParseTimestamp parses an RFC 3339 timestamp, a zone-less date or time
// (taken as UTC), or a duration meaning that long before now. The result is
// always in UTC.
func ParseTimestamp(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	for _, layout := range zonelessLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	if d, err := time.ParseDuration(s); err == nil && d >= 0 {
		return now.Add(-d).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
}
