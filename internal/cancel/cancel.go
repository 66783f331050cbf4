// Package cancel terminates runs: it waits out critical sections, escalates
// signals and records the run as killed.
package cancel

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"syscall"
	"time"

	"github.com/mpataki/foreman/internal/models"
	"github.com/mpataki/foreman/internal/storage"
)

type Store interface {
	GetRun(ctx context.Context, runID string) (*models.Run, error)
	ClaimCancel(ctx context.Context, runID string) (bool, models.CancelStage, error)
	SetCancelStage(ctx context.Context, runID string, stage models.CancelStage) error
	TransitionStatus(ctx context.Context, runID string, from, to models.RunStatus, opts storage.TransitionOptions) error
}

type Processes interface {
	MarkCancelRequested(runID string)
	Signal(ctx context.Context, runID string, sig syscall.Signal, group bool) error
	Alive(ctx context.Context, runID string) bool
	WaitExit(ctx context.Context, runID string, d time.Duration) bool
	Handle(ctx context.Context, runID string) (*models.ProcessHandle, error)
	Reap(ctx context.Context, runID string) error
}

type Workspaces interface {
	WaitCritical(ctx context.Context, runID string, max time.Duration) bool
	Release(ctx context.Context, runID string) error
}

// Owner is the in-process task executing runs, if any.
type Owner interface {
	IsActive(runID string) bool
	Wait(ctx context.Context, runID string) error
}

type Config struct {
	CriticalGrace  time.Duration
	GracefulWait   time.Duration
	ForcedWait     time.Duration
	StallThreshold time.Duration
}

type Options struct {
	Reason string
	// SkipGraceful goes straight to SIGTERM, for runs already suspected stuck.
	SkipGraceful bool
}

type Result struct {
	Status models.RunStatus
	Stage  models.CancelStage
	// Accepted is false when the run was already terminal.
	Accepted bool
}

type Controller struct {
	cfg        Config
	store      Store
	procs      Processes
	workspaces Workspaces
	logger     *slog.Logger
	now        func() time.Time

	mu     sync.Mutex
	active map[string]models.CancelStage
	owner  Owner
}

func New(cfg Config, store Store, procs Processes, workspaces Workspaces, logger *slog.Logger) *Controller {
	return &Controller{
		cfg:        cfg,
		store:      store,
		procs:      procs,
		workspaces: workspaces,
		logger:     logger,
		now:        time.Now,
		active:     make(map[string]models.CancelStage),
	}
}

// SetOwner registers the task that starts runs in this process. A pending
// run it is still starting is torn down by that task.
func (c *Controller) SetOwner(o Owner) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.owner = o
}

// RequestCancel terminates runID and returns once the run is terminal. Calls
// for a run that is already being cancelled return immediately with the
// current stage.
func (c *Controller) RequestCancel(ctx context.Context, runID string, opts Options) (Result, error) {
	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return Result{}, err
	}
	if run.Status.IsTerminal() {
		return Result{Status: run.Status, Stage: run.CancelStage}, nil
	}

	c.mu.Lock()
	if stage, ok := c.active[runID]; ok {
		c.mu.Unlock()
		return Result{Status: run.Status, Stage: stage, Accepted: true}, nil
	}
	c.active[runID] = models.CancelStageRequested
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.active, runID)
		c.mu.Unlock()
	}()

	claimed, stage, err := c.store.ClaimCancel(ctx, runID)
	if err != nil {
		return Result{}, err
	}
	if !claimed {
		current, err := c.store.GetRun(ctx, runID)
		if err != nil {
			return Result{}, err
		}
		return Result{Status: current.Status, Stage: stage, Accepted: !current.Status.IsTerminal()}, nil
	}

	if opts.Reason == "" {
		opts.Reason = "cancel requested"
	}
	c.logger.Info("cancelling run", "run_id", runID, "status", run.Status, "reason", opts.Reason)

	// The sequence is bounded by the configured waits and must finish even
	// when the caller goes away.
	ctx = context.WithoutCancel(ctx)

	if run.Status == models.RunStatusPending {
		err := c.store.TransitionStatus(ctx, runID, models.RunStatusPending, models.RunStatusKilled,
			storage.TransitionOptions{ErrorMessage: "cancelled: " + opts.Reason})
		if err == nil {
			c.stopPending(ctx, runID)
			return Result{Status: models.RunStatusKilled, Stage: models.CancelStageTerminated, Accepted: true}, nil
		}
		var conflict *models.ConflictError
		if !errors.As(err, &conflict) {
			return Result{}, err
		}
		if conflict.Actual.IsTerminal() {
			return Result{Status: conflict.Actual, Stage: models.CancelStageRequested, Accepted: true}, nil
		}
	}

	return c.terminate(ctx, runID, opts)
}

func (c *Controller) terminate(ctx context.Context, runID string, opts Options) (Result, error) {
	c.procs.MarkCancelRequested(runID)

	if !c.workspaces.WaitCritical(ctx, runID, c.cfg.CriticalGrace) {
		c.logger.Warn("critical section still active after grace period", "run_id", runID, "grace", c.cfg.CriticalGrace)
	}

	exited := !c.procs.Alive(ctx, runID)

	if !exited && !opts.SkipGraceful && !c.stalled(ctx, runID) {
		c.setStage(ctx, runID, models.CancelStageGraceful)
		exited = c.escalate(ctx, runID, syscall.SIGINT, c.cfg.GracefulWait)
	}
	if !exited {
		c.setStage(ctx, runID, models.CancelStageForced)
		exited = c.escalate(ctx, runID, syscall.SIGTERM, c.cfg.ForcedWait)
	}
	if !exited {
		c.setStage(ctx, runID, models.CancelStageSystemKill)
		if !c.escalate(ctx, runID, syscall.SIGKILL, c.cfg.ForcedWait) {
			c.logger.Error("process survived SIGKILL", "run_id", runID)
		}
	}

	status := models.RunStatusKilled
	err := c.store.TransitionStatus(ctx, runID, models.RunStatusRunning, models.RunStatusKilled,
		storage.TransitionOptions{ErrorMessage: "cancelled: " + opts.Reason})
	var conflict *models.ConflictError
	switch {
	case errors.As(err, &conflict):
		// The supervising task recorded the exit first.
		status = conflict.Actual
	case err != nil:
		return Result{}, err
	}

	c.finish(ctx, runID)
	c.logger.Info("run cancelled", "run_id", runID, "status", status)
	return Result{Status: status, Stage: models.CancelStageTerminated, Accepted: true}, nil
}

// stopPending tears down a run killed before it reached running. Its process
// may already be spawned, so the workspace is released only once nothing
// runs in it.
func (c *Controller) stopPending(ctx context.Context, runID string) {
	c.mu.Lock()
	owner := c.owner
	c.mu.Unlock()
	if owner != nil && owner.IsActive(runID) {
		// The task sees the status change, stops what it started and
		// releases the workspace.
		if err := owner.Wait(ctx, runID); err != nil {
			c.logger.Warn("waiting for run task failed", "run_id", runID, "error", err)
		}
		c.setStage(ctx, runID, models.CancelStageTerminated)
		return
	}

	if c.procs.Alive(ctx, runID) {
		c.procs.MarkCancelRequested(runID)
		c.setStage(ctx, runID, models.CancelStageSystemKill)
		if !c.escalate(ctx, runID, syscall.SIGKILL, c.cfg.ForcedWait) {
			c.logger.Error("process survived SIGKILL", "run_id", runID)
		}
	}
	c.finish(ctx, runID)
}

func (c *Controller) escalate(ctx context.Context, runID string, sig syscall.Signal, wait time.Duration) bool {
	if err := c.procs.Signal(ctx, runID, sig, true); err != nil {
		c.logger.Warn("signal delivery failed", "run_id", runID, "signal", sig.String(), "error", err)
	}
	return c.procs.WaitExit(ctx, runID, wait)
}

func (c *Controller) stalled(ctx context.Context, runID string) bool {
	if c.cfg.StallThreshold <= 0 {
		return false
	}
	h, err := c.procs.Handle(ctx, runID)
	if err != nil {
		return false
	}
	return c.now().Sub(h.LastHeartbeat) > c.cfg.StallThreshold
}

func (c *Controller) finish(ctx context.Context, runID string) {
	if err := c.procs.Reap(ctx, runID); err != nil {
		c.logger.Warn("failed to reap process handle", "run_id", runID, "error", err)
	}
	_ = c.workspaces.Release(ctx, runID)
	c.setStage(ctx, runID, models.CancelStageTerminated)
}

func (c *Controller) setStage(ctx context.Context, runID string, stage models.CancelStage) {
	c.mu.Lock()
	if _, ok := c.active[runID]; ok {
		c.active[runID] = stage
	}
	c.mu.Unlock()
	if err := c.store.SetCancelStage(ctx, runID, stage); err != nil {
		c.logger.Warn("failed to record cancel stage", "run_id", runID, "stage", stage, "error", err)
	}
}
