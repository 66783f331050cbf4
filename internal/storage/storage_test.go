package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/foreman/internal/models"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "foreman.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func createRun(t *testing.T, s *Storage, id, workflow string) *models.Run {
	t.Helper()
	run := &models.Run{ID: id, WorkflowName: workflow}
	require.NoError(t, s.CreateRun(context.Background(), run))
	return run
}

func TestCreateRunRejectsDuplicateID(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	createRun(t, s, "run-1", "build")

	err := s.CreateRun(ctx, &models.Run{ID: "run-1", WorkflowName: "other"})
	require.ErrorIs(t, err, models.ErrDuplicateRunID)

	run, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "build", run.WorkflowName, "existing row must not be overwritten")
	assert.Equal(t, models.RunStatusPending, run.Status)
	assert.Empty(t, run.WorkspacePath)
}

func TestGetRunNotFound(t *testing.T) {
	s := newTestStorage(t)
	_, err := s.GetRun(context.Background(), "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestTransitionStatusCompareAndSwap(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	createRun(t, s, "run-1", "build")

	require.NoError(t, s.TransitionStatus(ctx, "run-1", models.RunStatusPending, models.RunStatusRunning, TransitionOptions{}))

	// A concurrent kill wins the race.
	require.NoError(t, s.TransitionStatus(ctx, "run-1", models.RunStatusRunning, models.RunStatusKilled, TransitionOptions{ErrorMessage: "killed"}))

	code := 0
	err := s.TransitionStatus(ctx, "run-1", models.RunStatusRunning, models.RunStatusCompleted, TransitionOptions{ExitCode: &code})
	var conflict *models.ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, models.RunStatusRunning, conflict.Expected)
	assert.Equal(t, models.RunStatusKilled, conflict.Actual)

	run, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusKilled, run.Status)
	assert.Equal(t, "killed", run.ErrorMessage)
	assert.Nil(t, run.ExitCode)
	assert.NotNil(t, run.StartedAt)
	assert.NotNil(t, run.CompletedAt)
}

func TestTransitionStatusRejectsIllegalEdges(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	createRun(t, s, "run-1", "build")

	err := s.TransitionStatus(ctx, "run-1", models.RunStatusPending, models.RunStatusCompleted, TransitionOptions{})
	require.Error(t, err)

	status, err := s.GetStatus(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusPending, status)
}

func TestListRunsTimeRangeIsZoneIndependent(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		run := &models.Run{ID: id, WorkflowName: "build", CreatedAt: base.Add(time.Duration(i) * time.Hour)}
		require.NoError(t, s.CreateRun(ctx, run))
	}

	utc := base.Add(30 * time.Minute)
	plusTwo := utc.In(time.FixedZone("UTC+2", 2*60*60))

	fromUTC, err := s.ListRuns(ctx, models.RunFilter{CreatedAfter: &utc})
	require.NoError(t, err)
	fromZoned, err := s.ListRuns(ctx, models.RunFilter{CreatedAfter: &plusTwo})
	require.NoError(t, err)

	require.Len(t, fromUTC, 2)
	assert.Equal(t, ids(fromUTC), ids(fromZoned))
	assert.Equal(t, []string{"c", "b"}, ids(fromUTC))
}

func TestListRunsFilters(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	createRun(t, s, "a", "build")
	createRun(t, s, "b", "lint")
	createRun(t, s, "c", "build")
	require.NoError(t, s.TransitionStatus(ctx, "c", models.RunStatusPending, models.RunStatusKilled, TransitionOptions{}))

	runs, err := s.ListRuns(ctx, models.RunFilter{WorkflowName: "build"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "c"}, ids(runs))

	runs, err = s.ListRuns(ctx, models.RunFilter{Status: models.RunStatusKilled})
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, ids(runs))

	runs, err = s.ListRuns(ctx, models.RunFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestHeartbeatIsMonotonic(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	createRun(t, s, "run-1", "build")

	start := time.Now().UTC()
	require.NoError(t, s.UpsertHandle(ctx, &models.ProcessHandle{
		RunID: "run-1", PID: 42, SupervisorPID: 7, LastHeartbeat: start, StartedAt: start,
	}))

	later := start.Add(10 * time.Second)
	require.NoError(t, s.Heartbeat(ctx, "run-1", later))
	require.NoError(t, s.Heartbeat(ctx, "run-1", start.Add(time.Second)))

	h, err := s.GetHandle(ctx, "run-1")
	require.NoError(t, err)
	assert.True(t, h.LastHeartbeat.Equal(later))
	assert.Equal(t, 42, h.PID)

	require.NoError(t, s.DeleteHandle(ctx, "run-1"))
	_, err = s.GetHandle(ctx, "run-1")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestAttachWorkspaceRequiresPendingRun(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	createRun(t, s, "run-1", "build")
	require.NoError(t, s.TransitionStatus(ctx, "run-1", models.RunStatusPending, models.RunStatusKilled, TransitionOptions{}))

	err := s.AttachWorkspace(ctx, "run-1", &models.Workspace{Path: "/tmp/ws-1", WorkflowName: "build"})
	var conflict *models.ConflictError
	require.True(t, errors.As(err, &conflict))

	all, err := s.ListWorkspaces(ctx)
	require.NoError(t, err)
	assert.Empty(t, all, "failed attach must not leave a workspace row")
}

func TestPersistentWorkspaceClaimAndRelease(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	createRun(t, s, "run-1", "build")
	createRun(t, s, "run-2", "build")
	createRun(t, s, "run-3", "build")

	ws := &models.Workspace{Path: "/tmp/persistent/build", WorkflowName: "build", Persistent: true}
	require.NoError(t, s.AttachWorkspace(ctx, "run-1", ws))

	run, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, ws.Path, run.WorkspacePath)

	idle, err := s.FindIdleWorkspaces(ctx, "build")
	require.NoError(t, err)
	assert.Empty(t, idle, "owned workspace is not idle")

	require.ErrorIs(t, s.MarkWorkspaceIdle(ctx, ws.ID, "run-2"), ErrWorkspaceTaken)
	require.NoError(t, s.MarkWorkspaceIdle(ctx, ws.ID, "run-1"))

	idle, err = s.FindIdleWorkspaces(ctx, "build")
	require.NoError(t, err)
	require.Len(t, idle, 1)

	claim := *idle[0]
	require.NoError(t, s.AttachWorkspace(ctx, "run-2", &claim))
	second := *idle[0]
	require.ErrorIs(t, s.AttachWorkspace(ctx, "run-3", &second), ErrWorkspaceTaken)

	run3, err := s.GetRun(ctx, "run-3")
	require.NoError(t, err)
	assert.Empty(t, run3.WorkspacePath, "losing claim must roll back workspace_path")

	owned, err := s.GetWorkspaceByRun(ctx, "run-2")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/persistent/build", owned.Path)
	assert.Equal(t, models.WorkspaceActive, owned.State)
}

func TestDetachWorkspaceReturnsClaimToPool(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	createRun(t, s, "run-1", "build")
	createRun(t, s, "run-2", "build")

	ws := &models.Workspace{Path: "/tmp/persistent/build", WorkflowName: "build", Persistent: true, Branch: "main"}
	require.NoError(t, s.AttachWorkspace(ctx, "run-1", ws))
	require.NoError(t, s.MarkWorkspaceIdle(ctx, ws.ID, "run-1"))

	idle, err := s.FindIdleWorkspaces(ctx, "build")
	require.NoError(t, err)
	require.Len(t, idle, 1)
	claim := *idle[0]
	claim.Branch = "feature"
	require.NoError(t, s.AttachWorkspace(ctx, "run-2", &claim))

	require.ErrorIs(t, s.DetachWorkspace(ctx, ws.ID, "run-1", "main"), ErrWorkspaceTaken)
	require.NoError(t, s.DetachWorkspace(ctx, ws.ID, "run-2", "main"))

	run, err := s.GetRun(ctx, "run-2")
	require.NoError(t, err)
	assert.Empty(t, run.WorkspacePath)

	idle, err = s.FindIdleWorkspaces(ctx, "build")
	require.NoError(t, err)
	require.Len(t, idle, 1)
	assert.Equal(t, "main", idle[0].Branch)
	assert.Empty(t, idle[0].OwningRunID)
}

func TestListStrandedWorkspaces(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	createRun(t, s, "run-1", "build")
	require.NoError(t, s.AttachWorkspace(ctx, "run-1", &models.Workspace{Path: "/tmp/runs/run-1", WorkflowName: "build"}))
	require.NoError(t, s.TransitionStatus(ctx, "run-1", models.RunStatusPending, models.RunStatusFailed, TransitionOptions{ErrorMessage: "spawn failed"}))

	stranded, err := s.ListStrandedWorkspaces(ctx)
	require.NoError(t, err)
	require.Len(t, stranded, 1)
	assert.Equal(t, "run-1", stranded[0].OwningRunID)
}

func TestClaimCancelOnce(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	createRun(t, s, "run-1", "build")

	claimed, stage, err := s.ClaimCancel(ctx, "run-1")
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Equal(t, models.CancelStageRequested, stage)

	require.NoError(t, s.SetCancelStage(ctx, "run-1", models.CancelStageForced))

	claimed, stage, err = s.ClaimCancel(ctx, "run-1")
	require.NoError(t, err)
	assert.False(t, claimed)
	assert.Equal(t, models.CancelStageForced, stage)
}

func ids(runs []*models.Run) []string {
	out := make([]string, 0, len(runs))
	for _, r := range runs {
		out = append(out, r.ID)
	}
	return out
}
