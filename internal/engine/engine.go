// Package engine wires the run store, workspace manager, supervisor,
// cancellation controller, orchestrator and reconciler together.
package engine

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/mpataki/foreman/internal/cancel"
	"github.com/mpataki/foreman/internal/config"
	"github.com/mpataki/foreman/internal/control"
	"github.com/mpataki/foreman/internal/orchestrator"
	"github.com/mpataki/foreman/internal/reconcile"
	"github.com/mpataki/foreman/internal/storage"
	"github.com/mpataki/foreman/internal/supervisor"
	"github.com/mpataki/foreman/internal/workflow"
	"github.com/mpataki/foreman/internal/workspace"
)

type Engine struct {
	Store        *storage.Storage
	Workflows    *workflow.Registry
	Workspaces   *workspace.Manager
	Supervisor   *supervisor.Supervisor
	Cancel       *cancel.Controller
	Orchestrator *orchestrator.Orchestrator
	Reconciler   *reconcile.Service
	Control      *control.Surface

	logger *slog.Logger
}

// OpenStore opens the run store only, for read-only collaborators that do
// not need a resolvable assistant binary.
func OpenStore(cfg *config.Config) (*storage.Storage, error) {
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	store, err := storage.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return store, nil
}

func New(cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	workflows, err := workflow.LoadAll(cfg.WorkflowDirs())
	if err != nil {
		return nil, fmt.Errorf("failed to load workflows: %w", err)
	}
	git, err := workspace.NewGit(cfg.GitBinary)
	if err != nil {
		return nil, err
	}
	binary, err := supervisor.ResolveBinary(cfg.ClaudeBinary)
	if err != nil {
		return nil, err
	}

	store, err := OpenStore(cfg)
	if err != nil {
		return nil, err
	}
	e, err := build(cfg, logger, store, workflows, git, binary)
	if err != nil {
		store.Close()
		return nil, err
	}
	return e, nil
}

func build(cfg *config.Config, logger *slog.Logger, store *storage.Storage, workflows *workflow.Registry, git *workspace.Git, binary string) (*Engine, error) {
	ws, err := workspace.New(store, cfg.WorkspacesDir(), git, logger.With("component", "workspace"))
	if err != nil {
		return nil, err
	}

	sup, err := supervisor.New(supervisor.Config{
		Binary:            binary,
		HeartbeatInterval: cfg.HeartbeatInterval,
		StallThreshold:    cfg.StallThreshold,
		IdleTimeout:       cfg.IdleTimeout,
	}, store, ws, logger.With("component", "supervisor"))
	if err != nil {
		return nil, err
	}

	ctrl := cancel.New(cancel.Config{
		CriticalGrace:  cfg.CriticalGrace,
		GracefulWait:   cfg.GracefulWait,
		ForcedWait:     cfg.ForcedWait,
		StallThreshold: cfg.StallThreshold,
	}, store, sup, ws, logger.With("component", "cancel"))

	orch := orchestrator.New(orchestrator.Config{
		LogsDir:        cfg.LogsDir(),
		MaxRunDuration: cfg.MaxRunDuration,
	}, store, workflows, ws, sup, ctrl, logger.With("component", "orchestrator"))

	rec := reconcile.New(reconcile.Config{
		Interval:       cfg.ReconcileInterval,
		StallThreshold: cfg.StallThreshold,
		PendingTimeout: cfg.PendingTimeout,
		OrphanAge:      cfg.OrphanAge,
	}, store, sup, ws, orch, logger.With("component", "reconcile"))

	return &Engine{
		Store:        store,
		Workflows:    workflows,
		Workspaces:   ws,
		Supervisor:   sup,
		Cancel:       ctrl,
		Orchestrator: orch,
		Reconciler:   rec,
		Control:      control.New(orch, ctrl, store),
		logger:       logger,
	}, nil
}

// Run runs the heartbeat sweep and the reconciliation loop until ctx is
// done, then waits for both to return.
func (e *Engine) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.Supervisor.Run(gctx) })
	g.Go(func() error { return e.Reconciler.Run(gctx) })
	e.logger.Info("engine running", "workflows", len(e.Workflows.Names()))
	return g.Wait()
}

// Shutdown cancels in-flight runs and waits for their tasks.
func (e *Engine) Shutdown(ctx context.Context) error {
	return e.Orchestrator.Shutdown(ctx)
}

func (e *Engine) Close() error {
	return e.Store.Close()
}
