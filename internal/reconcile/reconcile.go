// Package reconcile is the background safety net that repairs runs,
// process handles and workspaces left behind by crashes.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"syscall"
	"time"

	"github.com/mpataki/foreman/internal/models"
	"github.com/mpataki/foreman/internal/storage"
	"github.com/mpataki/foreman/internal/supervisor"
	"github.com/mpataki/foreman/internal/workspace"
)

type Config struct {
	Interval       time.Duration
	StallThreshold time.Duration
	PendingTimeout time.Duration
	OrphanAge      time.Duration
}

// Local reports runs admitted by this engine process, which reconciliation
// leaves to their own task.
type Local interface {
	IsActive(runID string) bool
}

type Report struct {
	FailedRunning      int
	FailedPending      int
	ReleasedWorkspaces int
	Sweep              workspace.SweepReport
	Errors             []error
}

type Service struct {
	cfg        Config
	store      *storage.Storage
	supervisor *supervisor.Supervisor
	workspaces *workspace.Manager
	local      Local
	logger     *slog.Logger
	now        func() time.Time
}

func New(cfg Config, store *storage.Storage, sup *supervisor.Supervisor, ws *workspace.Manager, local Local, logger *slog.Logger) *Service {
	return &Service{
		cfg:        cfg,
		store:      store,
		supervisor: sup,
		workspaces: ws,
		local:      local,
		logger:     logger,
		now:        time.Now,
	}
}

// Run reconciles once immediately and then every Interval until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	s.Reconcile(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Reconcile(ctx)
		}
	}
}

// Reconcile performs one pass. Problems are logged and collected in the
// report; nothing here fails the caller.
func (s *Service) Reconcile(ctx context.Context) Report {
	var report Report
	now := s.now().UTC()

	s.reconcileRunning(ctx, now, &report)
	s.reconcilePending(ctx, now, &report)

	stranded, err := s.store.ListStrandedWorkspaces(ctx)
	if err != nil {
		report.Errors = append(report.Errors, err)
	}
	for _, ws := range stranded {
		if err := s.workspaces.Release(ctx, ws.OwningRunID); err != nil {
			report.Errors = append(report.Errors, err)
			continue
		}
		report.ReleasedWorkspaces++
	}

	report.Sweep = s.workspaces.Sweep(ctx, s.cfg.OrphanAge)
	report.Errors = append(report.Errors, report.Sweep.Errors...)

	s.logger.Debug("reconciliation pass complete",
		"failed_running", report.FailedRunning,
		"failed_pending", report.FailedPending,
		"released", report.ReleasedWorkspaces+report.Sweep.Released,
		"orphans", report.Sweep.RemovedOrphans,
		"errors", len(report.Errors))
	return report
}

func (s *Service) isLocal(runID string) bool {
	return s.supervisor.IsLocal(runID) || (s.local != nil && s.local.IsActive(runID))
}

func (s *Service) reconcileRunning(ctx context.Context, now time.Time, report *Report) {
	runs, err := s.store.ListRuns(ctx, models.RunFilter{Status: models.RunStatusRunning})
	if err != nil {
		report.Errors = append(report.Errors, err)
		return
	}
	for _, run := range runs {
		if s.isLocal(run.ID) {
			continue
		}
		reason, err := s.staleReason(ctx, run, now)
		if err != nil {
			report.Errors = append(report.Errors, err)
			continue
		}
		if reason == "" {
			continue
		}

		logger := s.logger.With("run_id", run.ID)
		logger.Warn("run is no longer supervised", "reason", reason)

		if s.supervisor.Alive(ctx, run.ID) {
			if err := s.supervisor.Signal(ctx, run.ID, syscall.SIGKILL, true); err != nil {
				report.Errors = append(report.Errors, err)
			}
		}

		stall := models.NewError(models.KindStall, run.ID, "reconcile", errors.New(reason))
		err = s.store.TransitionStatus(ctx, run.ID, models.RunStatusRunning, models.RunStatusFailed,
			storage.TransitionOptions{ErrorMessage: stall.Error()})
		var conflict *models.ConflictError
		if errors.As(err, &conflict) {
			logger.Info("run finished concurrently", "status", conflict.Actual)
		} else if err != nil {
			report.Errors = append(report.Errors, err)
			continue
		} else {
			report.FailedRunning++
		}

		if err := s.supervisor.Reap(ctx, run.ID); err != nil {
			report.Errors = append(report.Errors, err)
		}
		_ = s.workspaces.Release(ctx, run.ID)
	}
}

// staleReason explains why a running run not supervised here should be
// treated as crashed, or returns "".
func (s *Service) staleReason(ctx context.Context, run *models.Run, now time.Time) (string, error) {
	h, err := s.supervisor.Handle(ctx, run.ID)
	if errors.Is(err, models.ErrNotFound) {
		if run.StartedAt != nil && now.Sub(*run.StartedAt) > s.cfg.StallThreshold {
			return "no process handle", nil
		}
		return "", nil
	}
	if err != nil {
		return "", err
	}

	if h.SupervisorPID != os.Getpid() && !supervisor.PIDAlive(h.SupervisorPID) {
		return fmt.Sprintf("supervising engine (pid %d) is gone", h.SupervisorPID), nil
	}
	if since := now.Sub(h.LastHeartbeat); since > s.cfg.StallThreshold {
		return fmt.Sprintf("no heartbeat for %s", since.Round(time.Second)), nil
	}
	return "", nil
}

func (s *Service) reconcilePending(ctx context.Context, now time.Time, report *Report) {
	if s.cfg.PendingTimeout <= 0 {
		return
	}
	runs, err := s.store.ListRuns(ctx, models.RunFilter{Status: models.RunStatusPending})
	if err != nil {
		report.Errors = append(report.Errors, err)
		return
	}
	for _, run := range runs {
		if s.isLocal(run.ID) {
			continue
		}
		age := now.Sub(run.CreatedAt)
		if age <= s.cfg.PendingTimeout {
			continue
		}

		msg := models.NewError(models.KindStall, run.ID, "reconcile",
			fmt.Errorf("run never started (pending for %s)", age.Round(time.Second))).Error()
		err := s.store.TransitionStatus(ctx, run.ID, models.RunStatusPending, models.RunStatusFailed,
			storage.TransitionOptions{ErrorMessage: msg})
		if err != nil {
			if !models.IsKind(err, models.KindConflict) {
				report.Errors = append(report.Errors, err)
			}
			continue
		}
		s.logger.Warn("abandoned pending run failed", "run_id", run.ID, "age", age.Round(time.Second))
		report.FailedPending++

		if s.supervisor.Alive(ctx, run.ID) {
			_ = s.supervisor.Signal(ctx, run.ID, syscall.SIGKILL, true)
		}
		_ = s.supervisor.Reap(ctx, run.ID)
		_ = s.workspaces.Release(ctx, run.ID)
	}
}
