package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/mpataki/foreman/internal/config"
	"github.com/mpataki/foreman/internal/control"
	"github.com/mpataki/foreman/internal/engine"
	"github.com/mpataki/foreman/internal/tui"
	"github.com/mpataki/foreman/internal/workflow"
)

const (
	waitPoll        = 500 * time.Millisecond
	shutdownTimeout = 30 * time.Second
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "foreman",
		Short:        "Workflow run orchestration engine",
		Long:         "Foreman runs assistant workflows in isolated git workspaces and keeps their state recoverable.",
		SilenceUsage: true,
		RunE:         runTUI,
	}

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newCancelCommand())
	rootCmd.AddCommand(newReconcileCommand())
	rootCmd.AddCommand(newWorkflowsCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.New()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func openEngine() (*engine.Engine, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return engine.New(cfg, cfg.NewLogger())
}

// openReader opens a query-only surface backed by the run store.
func openReader() (*control.Surface, func() error, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	store, err := engine.OpenStore(cfg)
	if err != nil {
		return nil, nil, err
	}
	return control.New(nil, nil, store), store.Close, nil
}

// serveUntil runs the engine's background loops until ctx is done and then
// shuts it down, cancelling in-flight runs.
func serveUntil(ctx context.Context, e *engine.Engine) func() error {
	runCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- e.Run(runCtx) }()

	return func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := e.Shutdown(shutdownCtx)
		stop()
		if runErr := <-done; runErr != nil && !errors.Is(runErr, context.Canceled) {
			err = errors.Join(err, runErr)
		}
		return errors.Join(err, e.Close())
	}
}

func runTUI(cmd *cobra.Command, args []string) error {
	e, err := openEngine()
	if err != nil {
		return err
	}
	shutdown := serveUntil(cmd.Context(), e)

	app := tui.NewApp(e.Control, e.Workflows.Names())
	p := tea.NewProgram(app, tea.WithAltScreen())

	_, err = p.Run()
	return errors.Join(err, shutdown())
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the heartbeat sweep and reconciliation loop until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			e, err := openEngine()
			if err != nil {
				return err
			}
			shutdown := serveUntil(ctx, e)
			<-ctx.Done()
			return shutdown()
		},
	}
}

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <workflow>",
		Short: "Start a run and wait for it to finish",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			persistent, _ := cmd.Flags().GetBool("persistent")
			branch, _ := cmd.Flags().GetString("branch")
			sourceRepo, _ := cmd.Flags().GetString("source-repo")

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			e, err := openEngine()
			if err != nil {
				return err
			}
			shutdown := serveUntil(ctx, e)

			id, err := e.Control.Submit(ctx, control.SubmitRequest{
				WorkflowName: args[0],
				Persistent:   persistent,
				Branch:       branch,
				SourceRepo:   sourceRepo,
			})
			if err != nil {
				return errors.Join(err, shutdown())
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Created run %s\n", id)

			view, err := e.Control.Wait(ctx, id, waitPoll)
			if err != nil {
				// Interrupted: shutdown cancels the run before exiting.
				return errors.Join(err, shutdown())
			}
			if err := shutdown(); err != nil {
				return err
			}
			if err := printJSON(cmd, view); err != nil {
				return err
			}
			if view.Status != "completed" {
				return fmt.Errorf("run %s %s", id, view.Status)
			}
			return nil
		},
	}

	cmd.Flags().Bool("persistent", false, "Reuse an idle workspace for this workflow")
	cmd.Flags().StringP("branch", "b", "", "Ref to check out in the workspace")
	cmd.Flags().StringP("source-repo", "r", "", "Git repository to create the worktree from")
	return cmd
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			surface, closeFn, err := openReader()
			if err != nil {
				return err
			}
			defer closeFn()

			view, err := surface.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, view)
		},
	}
}

func newListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			status, _ := cmd.Flags().GetString("status")
			name, _ := cmd.Flags().GetString("workflow")
			since, _ := cmd.Flags().GetString("since")
			until, _ := cmd.Flags().GetString("until")
			limit, _ := cmd.Flags().GetInt("limit")
			asJSON, _ := cmd.Flags().GetBool("json")

			filter := control.ListFilter{Status: status, WorkflowName: name, Limit: limit}
			now := time.Now()
			if since != "" {
				t, err := control.ParseTimestamp(since, now)
				if err != nil {
					return err
				}
				filter.Since = &t
			}
			if until != "" {
				t, err := control.ParseTimestamp(until, now)
				if err != nil {
					return err
				}
				filter.Until = &t
			}

			surface, closeFn, err := openReader()
			if err != nil {
				return err
			}
			defer closeFn()

			runs, err := surface.ListRuns(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd, runs)
			}
			if len(runs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No runs found")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tWORKFLOW\tSTATUS\tCREATED\tTURNS\tERROR")
			for _, r := range runs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
					r.RunID, r.WorkflowName, r.Status,
					r.CreatedAt.Local().Format(time.DateTime), r.Turns, truncate(r.ErrorMessage, 60))
			}
			return w.Flush()
		},
	}

	cmd.Flags().String("status", "", "Only runs with this status")
	cmd.Flags().StringP("workflow", "w", "", "Only runs of this workflow")
	cmd.Flags().String("since", "", "Created at or after (RFC3339, date, or a duration like 24h)")
	cmd.Flags().String("until", "", "Created before (RFC3339, date, or a duration like 1h)")
	cmd.Flags().IntP("limit", "n", 50, "Maximum number of runs")
	cmd.Flags().Bool("json", false, "Print JSON")
	return cmd
}

func newCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a run and wait until it is terminal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine()
			if err != nil {
				return err
			}
			defer e.Close()

			outcome, err := e.Control.Cancel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			view, err := e.Control.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s (%s)\n", view.RunID, view.Status, outcome)
			return nil
		},
	}
}

func newReconcileCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation pass and report what it repaired",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine()
			if err != nil {
				return err
			}
			defer e.Close()

			report := e.Reconciler.Reconcile(cmd.Context())
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "failed running runs:   %d\n", report.FailedRunning)
			fmt.Fprintf(out, "failed pending runs:   %d\n", report.FailedPending)
			fmt.Fprintf(out, "released workspaces:   %d\n", report.ReleasedWorkspaces+report.Sweep.Released)
			fmt.Fprintf(out, "removed orphan dirs:   %d\n", report.Sweep.RemovedOrphans)
			fmt.Fprintf(out, "pruned repositories:   %d\n", report.Sweep.PrunedRepos)

			errs := append(report.Errors, report.Sweep.Errors...)
			for _, err := range errs {
				fmt.Fprintf(cmd.ErrOrStderr(), "error: %v\n", err)
			}
			if len(errs) > 0 {
				return fmt.Errorf("%d reconciliation errors", len(errs))
			}
			return nil
		},
	}
}

func newWorkflowsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "workflows",
		Short: "List available workflows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			registry, err := workflow.LoadAll(cfg.WorkflowDirs())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tDESCRIPTION")
			for _, name := range registry.Names() {
				def, _ := registry.Get(name)
				fmt.Fprintf(w, "%s\t%s\n", name, def.Description)
			}
			return w.Flush()
		},
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// truncate shortens s to at most n runes.
func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-3]) + "..."
}
