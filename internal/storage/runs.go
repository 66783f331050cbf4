package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mpataki/foreman/internal/models"
)

const runColumns = `run_id, workflow_name, status, workspace_path, persistent, branch, external_session_ref,
	created_at, started_at, completed_at, error_message, exit_code,
	progress_turns, progress_tools, progress_last_event, cancel_stage, head_commit, log_path`

// CreateRun inserts a pending run. A primary key collision is reported as
// models.ErrDuplicateRunID and the existing row is left untouched.
func (s *Storage) CreateRun(ctx context.Context, run *models.Run) error {
	if run.ID == "" {
		return fmt.Errorf("run id is empty")
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = s.now().UTC()
	}
	run.Status = models.RunStatusPending

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, workflow_name, status, persistent, branch, created_at, log_path)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.WorkflowName, run.Status, run.Persistent, run.Branch, toNanos(run.CreatedAt), nullString(run.LogPath),
	)
	if isUniqueViolation(err) {
		return models.ErrDuplicateRunID
	}
	return err
}

func (s *Storage) GetRun(ctx context.Context, runID string) (*models.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id = ?`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", runID, models.ErrNotFound)
	}
	return run, err
}

// GetStatus is the only read external collaborators need to decide whether a
// run finished and how.
func (s *Storage) GetStatus(ctx context.Context, runID string) (models.RunStatus, error) {
	var status models.RunStatus
	err := s.db.QueryRowContext(ctx, `SELECT status FROM runs WHERE run_id = ?`, runID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("run %s: %w", runID, models.ErrNotFound)
	}
	return status, err
}

func (s *Storage) ListRuns(ctx context.Context, filter models.RunFilter) ([]*models.Run, error) {
	var where []string
	var args []any

	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.WorkflowName != "" {
		where = append(where, "workflow_name = ?")
		args = append(args, filter.WorkflowName)
	}
	if filter.CreatedAfter != nil {
		where = append(where, "created_at >= ?")
		args = append(args, toNanos(*filter.CreatedAfter))
	}
	if filter.CreatedBefore != nil {
		where = append(where, "created_at < ?")
		args = append(args, toNanos(*filter.CreatedBefore))
	}

	query := `SELECT ` + runColumns + ` FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, run_id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*models.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}

	return runs, rows.Err()
}

type TransitionOptions struct {
	ErrorMessage string
	ExitCode     *int
	At           time.Time
}

// TransitionStatus moves a run from one status to another with a
// compare-and-swap. If the run is no longer in from, a *models.ConflictError
// carrying the actual status is returned and nothing is written.
func (s *Storage) TransitionStatus(ctx context.Context, runID string, from, to models.RunStatus, opts TransitionOptions) error {
	if !models.CanTransition(from, to) {
		return fmt.Errorf("illegal transition %s -> %s for run %s", from, to, runID)
	}

	at := opts.At
	if at.IsZero() {
		at = s.now()
	}

	sets := []string{"status = ?"}
	args := []any{to}
	if to == models.RunStatusRunning {
		sets = append(sets, "started_at = ?")
		args = append(args, toNanos(at))
	}
	if to.IsTerminal() {
		sets = append(sets, "completed_at = ?")
		args = append(args, toNanos(at))
	}
	if opts.ErrorMessage != "" {
		sets = append(sets, "error_message = ?")
		args = append(args, opts.ErrorMessage)
	}
	if opts.ExitCode != nil {
		sets = append(sets, "exit_code = ?")
		args = append(args, *opts.ExitCode)
	}
	args = append(args, runID, from)

	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET `+strings.Join(sets, ", ")+` WHERE run_id = ? AND status = ?`, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	actual, err := s.GetStatus(ctx, runID)
	if err != nil {
		return err
	}
	return &models.ConflictError{RunID: runID, Expected: from, Actual: actual}
}

func (s *Storage) UpdateProgress(ctx context.Context, runID string, p models.Progress) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET progress_turns = ?, progress_tools = ?, progress_last_event = ?
		 WHERE run_id = ? AND status IN ('pending', 'running')`,
		p.Turns, p.ToolInvocations, p.LastEvent, runID,
	)
	return err
}

func (s *Storage) SetExternalSessionRef(ctx context.Context, runID, ref string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE runs SET external_session_ref = ? WHERE run_id = ?`, ref, runID)
	return err
}

func (s *Storage) SetHeadCommit(ctx context.Context, runID, commit string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE runs SET head_commit = ? WHERE run_id = ?`, nullString(commit), runID)
	return err
}

// RecordExitCode fills exit_code only if nothing recorded one yet.
func (s *Storage) RecordExitCode(ctx context.Context, runID string, code int) error {
	_, err := s.db.ExecContext(ctx, `UPDATE runs SET exit_code = ? WHERE run_id = ? AND exit_code IS NULL`, code, runID)
	return err
}

// ClaimCancel marks a non-terminal run as cancel-requested. It returns false
// with the current stage if another caller already claimed it or the run is
// terminal.
func (s *Storage) ClaimCancel(ctx context.Context, runID string) (bool, models.CancelStage, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET cancel_stage = ?
		 WHERE run_id = ? AND cancel_stage = '' AND status IN ('pending', 'running')`,
		models.CancelStageRequested, runID,
	)
	if err != nil {
		return false, "", err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, "", err
	}
	if n == 1 {
		return true, models.CancelStageRequested, nil
	}

	var stage models.CancelStage
	err = s.db.QueryRowContext(ctx, `SELECT cancel_stage FROM runs WHERE run_id = ?`, runID).Scan(&stage)
	if errors.Is(err, sql.ErrNoRows) {
		return false, "", fmt.Errorf("run %s: %w", runID, models.ErrNotFound)
	}
	return false, stage, err
}

func (s *Storage) SetCancelStage(ctx context.Context, runID string, stage models.CancelStage) error {
	_, err := s.db.ExecContext(ctx, `UPDATE runs SET cancel_stage = ? WHERE run_id = ?`, stage, runID)
	return err
}

func scanRun(row rowScanner) (*models.Run, error) {
	var run models.Run
	var workspacePath, sessionRef, errMsg, headCommit, logPath sql.NullString
	var createdAt int64
	var startedAt, completedAt, exitCode sql.NullInt64

	err := row.Scan(
		&run.ID, &run.WorkflowName, &run.Status, &workspacePath, &run.Persistent, &run.Branch, &sessionRef,
		&createdAt, &startedAt, &completedAt, &errMsg, &exitCode,
		&run.Progress.Turns, &run.Progress.ToolInvocations, &run.Progress.LastEvent,
		&run.CancelStage, &headCommit, &logPath,
	)
	if err != nil {
		return nil, err
	}

	run.WorkspacePath = workspacePath.String
	run.ExternalSessionRef = sessionRef.String
	run.ErrorMessage = errMsg.String
	run.HeadCommit = headCommit.String
	run.LogPath = logPath.String
	run.CreatedAt = fromNanos(createdAt)
	run.StartedAt = timePtr(startedAt)
	run.CompletedAt = timePtr(completedAt)
	if exitCode.Valid {
		code := int(exitCode.Int64)
		run.ExitCode = &code
	}

	return &run, nil
}
