package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mpataki/foreman/internal/models"
)

const workspaceColumns = `id, path, workflow_name, persistent, owning_run_id, branch, source_repo, state, created_at, released_at`

// AttachWorkspace records a successfully created or claimed workspace and the
// run's workspace_path in one transaction. A workspace with ID zero is
// inserted; otherwise the idle row is claimed. The run must still be pending
// with no path, so a run killed during allocation reports a ConflictError and
// the caller tears the directory down.
func (s *Storage) AttachWorkspace(ctx context.Context, runID string, ws *models.Workspace) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE runs SET workspace_path = ? WHERE run_id = ? AND status = 'pending' AND workspace_path IS NULL`,
		ws.Path, runID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n != 1 {
		var actual models.RunStatus
		err := tx.QueryRowContext(ctx, `SELECT status FROM runs WHERE run_id = ?`, runID).Scan(&actual)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("run %s: %w", runID, models.ErrNotFound)
		}
		if err != nil {
			return err
		}
		return &models.ConflictError{RunID: runID, Expected: models.RunStatusPending, Actual: actual}
	}

	if ws.CreatedAt.IsZero() {
		ws.CreatedAt = s.now().UTC()
	}
	ws.OwningRunID = runID
	ws.State = models.WorkspaceActive
	ws.ReleasedAt = nil

	if ws.ID == 0 {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO workspaces (path, workflow_name, persistent, owning_run_id, branch, source_repo, state, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			ws.Path, ws.WorkflowName, ws.Persistent, runID, ws.Branch, ws.SourceRepo, ws.State, toNanos(ws.CreatedAt),
		)
		if isUniqueViolation(err) {
			return ErrWorkspaceTaken
		}
		if err != nil {
			return err
		}
		if ws.ID, err = res.LastInsertId(); err != nil {
			return err
		}
	} else {
		res, err := tx.ExecContext(ctx,
			`UPDATE workspaces SET owning_run_id = ?, state = 'active', released_at = NULL, branch = ?
			 WHERE id = ? AND state = 'idle' AND owning_run_id IS NULL`,
			runID, ws.Branch, ws.ID,
		)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return ErrWorkspaceTaken
		}
	}

	return tx.Commit()
}

func (s *Storage) FindIdleWorkspaces(ctx context.Context, workflowName string) ([]*models.Workspace, error) {
	return s.queryWorkspaces(ctx,
		`SELECT `+workspaceColumns+` FROM workspaces
		 WHERE workflow_name = ? AND persistent = 1 AND state = 'idle'
		 ORDER BY released_at DESC, id`, workflowName)
}

func (s *Storage) GetWorkspaceByRun(ctx context.Context, runID string) (*models.Workspace, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+workspaceColumns+` FROM workspaces WHERE owning_run_id = ?`, runID)
	ws, err := scanWorkspace(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("workspace for run %s: %w", runID, models.ErrNotFound)
	}
	return ws, err
}

func (s *Storage) GetWorkspaceByPath(ctx context.Context, path string) (*models.Workspace, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+workspaceColumns+` FROM workspaces WHERE path = ?`, path)
	ws, err := scanWorkspace(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("workspace %s: %w", path, models.ErrNotFound)
	}
	return ws, err
}

func (s *Storage) ListWorkspaces(ctx context.Context) ([]*models.Workspace, error) {
	return s.queryWorkspaces(ctx, `SELECT `+workspaceColumns+` FROM workspaces ORDER BY id`)
}

// ListStrandedWorkspaces returns active workspaces whose owning run has
// already reached a terminal status.
func (s *Storage) ListStrandedWorkspaces(ctx context.Context) ([]*models.Workspace, error) {
	return s.queryWorkspaces(ctx,
		`SELECT w.id, w.path, w.workflow_name, w.persistent, w.owning_run_id, w.branch, w.source_repo, w.state, w.created_at, w.released_at
		 FROM workspaces w JOIN runs r ON r.run_id = w.owning_run_id
		 WHERE w.state = 'active' AND r.status IN ('completed', 'failed', 'killed')
		 ORDER BY w.id`)
}

// MarkWorkspaceIdle returns a persistent workspace to the pool. It only
// succeeds while runID still owns it.
func (s *Storage) MarkWorkspaceIdle(ctx context.Context, id int64, runID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workspaces SET state = 'idle', owning_run_id = NULL, released_at = ?
		 WHERE id = ? AND owning_run_id = ?`,
		toNanos(s.now()), id, runID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return ErrWorkspaceTaken
	}
	return nil
}

// DetachWorkspace undoes a claim made by AttachWorkspace for a run that
// never started: the workspace goes back to idle on branch and the run loses
// its path.
func (s *Storage) DetachWorkspace(ctx context.Context, id int64, runID, branch string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE workspaces SET state = 'idle', owning_run_id = NULL, released_at = ?, branch = ?
		 WHERE id = ? AND owning_run_id = ? AND persistent = 1`,
		toNanos(s.now()), branch, id, runID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return ErrWorkspaceTaken
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE runs SET workspace_path = NULL WHERE run_id = ? AND status = 'pending'`, runID,
	); err != nil {
		return err
	}
	return tx.Commit()
}

// MarkWorkspaceReleasing flags an ephemeral workspace for deletion. The row
// stays until the directory is gone so reconciliation can retry.
func (s *Storage) MarkWorkspaceReleasing(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE workspaces SET state = 'releasing', released_at = COALESCE(released_at, ?)
		 WHERE id = ? AND state != 'idle'`,
		toNanos(s.now()), id,
	)
	return err
}

func (s *Storage) DeleteWorkspace(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM workspaces WHERE id = ?`, id)
	return err
}

func (s *Storage) queryWorkspaces(ctx context.Context, query string, args ...any) ([]*models.Workspace, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Workspace
	for rows.Next() {
		ws, err := scanWorkspace(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ws)
	}
	return out, rows.Err()
}

func scanWorkspace(row rowScanner) (*models.Workspace, error) {
	var ws models.Workspace
	var owner sql.NullString
	var createdAt int64
	var releasedAt sql.NullInt64

	err := row.Scan(&ws.ID, &ws.Path, &ws.WorkflowName, &ws.Persistent, &owner,
		&ws.Branch, &ws.SourceRepo, &ws.State, &createdAt, &releasedAt)
	if err != nil {
		return nil, err
	}
	ws.OwningRunID = owner.String
	ws.CreatedAt = fromNanos(createdAt)
	ws.ReleasedAt = timePtr(releasedAt)
	return &ws, nil
}
