package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mpataki/foreman/internal/models"
)

func (s *Storage) UpsertHandle(ctx context.Context, h *models.ProcessHandle) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO process_handles (run_id, pid, supervisor_pid, last_heartbeat, started_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(run_id) DO UPDATE SET
			pid = excluded.pid,
			supervisor_pid = excluded.supervisor_pid,
			last_heartbeat = excluded.last_heartbeat,
			started_at = excluded.started_at`,
		h.RunID, h.PID, h.SupervisorPID, toNanos(h.LastHeartbeat), toNanos(h.StartedAt),
	)
	return err
}

// Heartbeat advances last_heartbeat. Older timestamps are ignored so the
// column only ever moves forward.
func (s *Storage) Heartbeat(ctx context.Context, runID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE process_handles SET last_heartbeat = ? WHERE run_id = ? AND last_heartbeat < ?`,
		toNanos(at), runID, toNanos(at),
	)
	return err
}

func (s *Storage) GetHandle(ctx context.Context, runID string) (*models.ProcessHandle, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT run_id, pid, supervisor_pid, last_heartbeat, started_at FROM process_handles WHERE run_id = ?`, runID)
	h, err := scanHandle(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("process handle for run %s: %w", runID, models.ErrNotFound)
	}
	return h, err
}

func (s *Storage) ListHandles(ctx context.Context) ([]*models.ProcessHandle, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, pid, supervisor_pid, last_heartbeat, started_at FROM process_handles ORDER BY started_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var handles []*models.ProcessHandle
	for rows.Next() {
		h, err := scanHandle(rows)
		if err != nil {
			return nil, err
		}
		handles = append(handles, h)
	}
	return handles, rows.Err()
}

func (s *Storage) DeleteHandle(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM process_handles WHERE run_id = ?`, runID)
	return err
}

func scanHandle(row rowScanner) (*models.ProcessHandle, error) {
	var h models.ProcessHandle
	var heartbeat, started int64
	if err := row.Scan(&h.RunID, &h.PID, &h.SupervisorPID, &heartbeat, &started); err != nil {
		return nil, err
	}
	h.LastHeartbeat = fromNanos(heartbeat)
	h.StartedAt = fromNanos(started)
	return &h, nil
}
