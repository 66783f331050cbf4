// Package orchestrator admits runs and drives each one from pending to a
// terminal status on its own goroutine.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mpataki/foreman/internal/cancel"
	"github.com/mpataki/foreman/internal/models"
	"github.com/mpataki/foreman/internal/storage"
	"github.com/mpataki/foreman/internal/supervisor"
	"github.com/mpataki/foreman/internal/workflow"
	"github.com/mpataki/foreman/internal/workspace"
)

const maxIDAttempts = 3

type Config struct {
	LogsDir        string
	MaxRunDuration time.Duration
}

type SubmitRequest struct {
	WorkflowName string
	// Persistent forces a persistent workspace even if the workflow does not
	// ask for one.
	Persistent bool
	Branch     string
	SourceRepo string
}

type Orchestrator struct {
	cfg        Config
	storage    *storage.Storage
	workflows  *workflow.Registry
	workspaces *workspace.Manager
	supervisor *supervisor.Supervisor
	cancel     *cancel.Controller
	logger     *slog.Logger
	newID      func() string

	mu      sync.Mutex
	active  map[string]chan struct{}
	closing bool
	wg      sync.WaitGroup
}

func New(
	cfg Config,
	store *storage.Storage,
	workflows *workflow.Registry,
	workspaces *workspace.Manager,
	sup *supervisor.Supervisor,
	canceller *cancel.Controller,
	logger *slog.Logger,
) *Orchestrator {
	o := &Orchestrator{
		cfg:        cfg,
		storage:    store,
		workflows:  workflows,
		workspaces: workspaces,
		supervisor: sup,
		cancel:     canceller,
		logger:     logger,
		newID:      uuid.NewString,
		active:     make(map[string]chan struct{}),
	}
	sup.OnStall(o.handleStall)
	canceller.SetOwner(o)
	return o
}

// Submit records a pending run and starts executing it in the background.
// It returns as soon as the run row exists.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	def, ok := o.workflows.Get(req.WorkflowName)
	if !ok {
		return "", models.NewError(models.KindAdmission, "", "submit", fmt.Errorf("unknown workflow %q", req.WorkflowName))
	}

	o.mu.Lock()
	closing := o.closing
	o.mu.Unlock()
	if closing {
		return "", models.NewError(models.KindAdmission, "", "submit", errors.New("engine is shutting down"))
	}

	branch := req.Branch
	if branch == "" {
		branch = def.Branch
	}
	sourceRepo := req.SourceRepo
	if sourceRepo == "" {
		sourceRepo = def.SourceRepo
	}

	var run *models.Run
	for attempt := 1; ; attempt++ {
		id := o.newID()
		run = &models.Run{
			ID:           id,
			WorkflowName: def.Name,
			Persistent:   req.Persistent || def.Persistent,
			Branch:       branch,
			LogPath:      filepath.Join(o.cfg.LogsDir, id+".ndjson"),
		}
		err := o.storage.CreateRun(ctx, run)
		if err == nil {
			break
		}
		if errors.Is(err, models.ErrDuplicateRunID) && attempt < maxIDAttempts {
			o.logger.Warn("run id collision, retrying", "run_id", id, "attempt", attempt)
			continue
		}
		return "", models.NewError(models.KindAdmission, id, "submit", fmt.Errorf("failed to create run: %w", err))
	}

	done := make(chan struct{})
	o.mu.Lock()
	if o.closing {
		o.mu.Unlock()
		// Shutdown began after the first check and will not cancel this run.
		o.failPending(ctx, run.ID, errors.New("engine is shutting down"))
		return "", models.NewError(models.KindAdmission, run.ID, "submit", errors.New("engine is shutting down"))
	}
	o.active[run.ID] = done
	o.wg.Add(1)
	o.mu.Unlock()

	o.logger.Info("run admitted", "run_id", run.ID, "workflow", run.WorkflowName, "persistent", run.Persistent)
	go o.execute(run, def, sourceRepo, done)
	return run.ID, nil
}

func (o *Orchestrator) execute(run *models.Run, def *workflow.Definition, sourceRepo string, done chan struct{}) {
	defer func() {
		o.mu.Lock()
		delete(o.active, run.ID)
		o.mu.Unlock()
		close(done)
		o.wg.Done()
	}()

	ctx := context.Background()
	logger := o.logger.With("run_id", run.ID, "workflow", run.WorkflowName)

	path, err := o.workspaces.Allocate(ctx, workspace.AllocateRequest{
		RunID:        run.ID,
		WorkflowName: run.WorkflowName,
		Persistent:   run.Persistent,
		Branch:       run.Branch,
		SourceRepo:   sourceRepo,
	})
	if err != nil {
		o.failPending(ctx, run.ID, err)
		return
	}

	_, err = o.supervisor.Spawn(ctx, run.ID, path, supervisor.CommandSpec{
		Args:    def.CommandArgs(),
		Env:     def.Environ(),
		LogPath: run.LogPath,
	})
	if err != nil {
		o.failPending(ctx, run.ID, err)
		_ = o.workspaces.Release(ctx, run.ID)
		return
	}

	if err := o.storage.TransitionStatus(ctx, run.ID, models.RunStatusPending, models.RunStatusRunning, storage.TransitionOptions{}); err != nil {
		// Cancelled while the process was starting.
		logger.Warn("run left pending before it started, stopping process", "error", err)
		o.supervisor.MarkCancelRequested(run.ID)
		_ = o.supervisor.Signal(ctx, run.ID, syscall.SIGKILL, true)
		_, _ = o.supervisor.Wait(ctx, run.ID)
		_ = o.supervisor.Reap(ctx, run.ID)
		_ = o.workspaces.Release(ctx, run.ID)
		return
	}
	logger.Info("run started", "path", path)

	maxDuration := def.MaxDuration.Std()
	if maxDuration <= 0 {
		maxDuration = o.cfg.MaxRunDuration
	}
	if maxDuration > 0 {
		timer := time.AfterFunc(maxDuration, func() {
			logger.Warn("run exceeded max duration", "max_duration", maxDuration)
			if _, err := o.cancel.RequestCancel(ctx, run.ID, cancel.Options{Reason: "max duration exceeded"}); err != nil {
				logger.Error("failed to cancel overdue run", "error", err)
			}
		})
		defer timer.Stop()
	}

	outcome, err := o.supervisor.Wait(ctx, run.ID)
	if err != nil {
		logger.Error("lost track of process", "error", err)
		return
	}
	o.finalize(ctx, logger, run.ID, path, outcome)
}

func (o *Orchestrator) failPending(ctx context.Context, runID string, cause error) {
	err := o.storage.TransitionStatus(ctx, runID, models.RunStatusPending, models.RunStatusFailed,
		storage.TransitionOptions{ErrorMessage: cause.Error()})
	if err != nil {
		o.logger.Warn("could not fail run", "run_id", runID, "cause", cause, "error", err)
		return
	}
	o.logger.Error("run failed before start", "run_id", runID, "error", cause)
}

func (o *Orchestrator) finalize(ctx context.Context, logger *slog.Logger, runID, path string, outcome supervisor.Outcome) {
	target := outcome.Status
	opts := storage.TransitionOptions{ExitCode: &outcome.ExitCode}
	if outcome.Err != nil {
		opts.ErrorMessage = outcome.Err.Error()
	}

	// A cancel issued from another process only shows up in the run row.
	if run, err := o.storage.GetRun(ctx, runID); err == nil && run.CancelStage != models.CancelStageNone {
		target = models.RunStatusKilled
		opts.ErrorMessage = "cancelled"
	}

	if head, err := o.workspaces.HeadCommit(ctx, path); err != nil {
		logger.Debug("could not read head commit", "error", err)
	} else if head != "" {
		if err := o.storage.SetHeadCommit(ctx, runID, head); err != nil {
			logger.Warn("failed to record head commit", "error", err)
		}
	}

	err := o.storage.TransitionStatus(ctx, runID, models.RunStatusRunning, target, opts)
	var conflict *models.ConflictError
	switch {
	case errors.As(err, &conflict):
		logger.Info("run already finished elsewhere", "status", conflict.Actual)
		if err := o.storage.RecordExitCode(ctx, runID, outcome.ExitCode); err != nil {
			logger.Warn("failed to record exit code", "error", err)
		}
	case err != nil:
		logger.Error("failed to record run outcome", "status", target, "error", err)
	default:
		logger.Info("run finished", "status", target, "exit_code", outcome.ExitCode)
	}

	if err := o.supervisor.Reap(ctx, runID); err != nil {
		logger.Warn("failed to reap process handle", "error", err)
	}
	_ = o.workspaces.Release(ctx, runID)
}

func (o *Orchestrator) handleStall(runID string, cause error) {
	ctx := context.Background()
	if _, err := o.cancel.RequestCancel(ctx, runID, cancel.Options{Reason: cause.Error(), SkipGraceful: true}); err != nil {
		o.logger.Error("failed to cancel stalled run", "run_id", runID, "error", err)
	}
}

// IsActive reports whether runID was admitted by this process and has not
// finished yet.
func (o *Orchestrator) IsActive(runID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.active[runID]
	return ok
}

// Wait blocks until the local task for runID is done. It returns at once
// for runs this process is not executing.
func (o *Orchestrator) Wait(ctx context.Context, runID string) error {
	o.mu.Lock()
	done, ok := o.active[runID]
	o.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops admission, cancels every in-flight run concurrently and
// waits for their tasks to finish.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closing = true
	ids := make([]string, 0, len(o.active))
	for id := range o.active {
		ids = append(ids, id)
	}
	o.mu.Unlock()

	if len(ids) > 0 {
		o.logger.Info("cancelling in-flight runs", "count", len(ids))
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		g.Go(func() error {
			_, err := o.cancel.RequestCancel(gctx, id, cancel.Options{Reason: "engine shutdown"})
			return err
		})
	}
	cancelErr := g.Wait()

	finished := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-ctx.Done():
		return ctx.Err()
	}
	return cancelErr
}
