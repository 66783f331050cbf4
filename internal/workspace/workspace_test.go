package workspace

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/foreman/internal/models"
	"github.com/mpataki/foreman/internal/storage"
)

func newTestManager(t *testing.T) (*Manager, *storage.Storage) {
	t.Helper()
	git, err := NewGit("git")
	if err != nil {
		t.Skip("git not available")
	}
	dir := t.TempDir()
	store, err := storage.New(filepath.Join(dir, "foreman.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	m, err := New(store, filepath.Join(dir, "workspaces"), git, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return m, store
}

func pendingRun(t *testing.T, store *storage.Storage, id, workflow string, persistent bool) {
	t.Helper()
	require.NoError(t, store.CreateRun(context.Background(), &models.Run{ID: id, WorkflowName: workflow, Persistent: persistent}))
}

func finishRun(t *testing.T, store *storage.Storage, id string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.TransitionStatus(ctx, id, models.RunStatusPending, models.RunStatusRunning, storage.TransitionOptions{}))
	require.NoError(t, store.TransitionStatus(ctx, id, models.RunStatusRunning, models.RunStatusCompleted, storage.TransitionOptions{}))
}

// sourceRepo creates a repository with a single commit.
func sourceRepo(t *testing.T) string {
	t.Helper()
	repo := t.TempDir()
	gitIn(t, repo, "init", "--quiet")
	gitIn(t, repo, "-c", "user.name=test", "-c", "user.email=test@example.com", "commit", "--quiet", "--allow-empty", "-m", "initial")
	return repo
}

func gitIn(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, string(out))
	return strings.TrimSpace(string(out))
}

func TestAllocateEphemeralAndRelease(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()
	pendingRun(t, store, "run-1", "build", false)

	path, err := m.Allocate(ctx, AllocateRequest{RunID: "run-1", WorkflowName: "build"})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(m.Root(), "runs", "run-1"), path)
	assert.DirExists(t, filepath.Join(path, ".git"))

	run, err := store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, path, run.WorkspacePath)

	finishRun(t, store, "run-1")
	require.NoError(t, m.Release(ctx, "run-1"))
	assert.NoDirExists(t, path)

	_, err = m.Lookup(ctx, "run-1")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestAllocateConcurrentRunsGetDistinctPaths(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()

	const n = 50
	for i := 0; i < n; i++ {
		pendingRun(t, store, fmt.Sprintf("run-%02d", i), fmt.Sprintf("wf-%02d", i), false)
	}

	paths := make([]string, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			paths[i], errs[i] = m.Allocate(ctx, AllocateRequest{
				RunID:        fmt.Sprintf("run-%02d", i),
				WorkflowName: fmt.Sprintf("wf-%02d", i),
			})
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool)
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.False(t, seen[paths[i]], "duplicate path %s", paths[i])
		seen[paths[i]] = true
	}
	assert.Len(t, seen, n)
}

func TestPersistentWorkspaceIsReused(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()

	pendingRun(t, store, "first", "nightly", true)
	first, err := m.Allocate(ctx, AllocateRequest{RunID: "first", WorkflowName: "nightly", Persistent: true})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(m.Root(), "persistent", "nightly"), first)

	finishRun(t, store, "first")
	require.NoError(t, m.Release(ctx, "first"))
	assert.DirExists(t, first, "persistent directory is retained")

	pendingRun(t, store, "second", "nightly", true)
	second, err := m.Allocate(ctx, AllocateRequest{RunID: "second", WorkflowName: "nightly", Persistent: true})
	require.NoError(t, err)
	assert.Equal(t, first, second)

	ws, err := m.Lookup(ctx, "second")
	require.NoError(t, err)
	assert.Equal(t, models.WorkspaceActive, ws.State)
}

func TestPersistentWorkspaceBusyFallsBackToAlternatePath(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()

	pendingRun(t, store, "a", "nightly", true)
	pendingRun(t, store, "b", "nightly", true)

	a, err := m.Allocate(ctx, AllocateRequest{RunID: "a", WorkflowName: "nightly", Persistent: true})
	require.NoError(t, err)
	b, err := m.Allocate(ctx, AllocateRequest{RunID: "b", WorkflowName: "nightly", Persistent: true})
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.Contains(t, b, a+"-")
}

func TestPersistentIdleWithMissingDirectoryIsDropped(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()

	pendingRun(t, store, "first", "nightly", true)
	first, err := m.Allocate(ctx, AllocateRequest{RunID: "first", WorkflowName: "nightly", Persistent: true})
	require.NoError(t, err)
	finishRun(t, store, "first")
	require.NoError(t, m.Release(ctx, "first"))
	require.NoError(t, os.RemoveAll(first))

	pendingRun(t, store, "second", "nightly", true)
	second, err := m.Allocate(ctx, AllocateRequest{RunID: "second", WorkflowName: "nightly", Persistent: true})
	require.NoError(t, err)
	assert.Equal(t, first, second, "deterministic path is free again")
	assert.DirExists(t, second)
}

func TestAllocateFromSourceRepoCreatesWorktree(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()
	repo := sourceRepo(t)

	pendingRun(t, store, "run-1", "build", false)
	path, err := m.Allocate(ctx, AllocateRequest{RunID: "run-1", WorkflowName: "build", SourceRepo: repo})
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(path, ".git"), "linked worktree has a .git file")

	head, err := m.HeadCommit(ctx, path)
	require.NoError(t, err)
	want, err := m.git.Run(ctx, repo, "rev-parse", "HEAD")
	require.NoError(t, err)
	assert.Equal(t, want, head)

	finishRun(t, store, "run-1")
	require.NoError(t, m.Release(ctx, "run-1"))
	assert.NoDirExists(t, path)

	list, err := m.git.Run(ctx, repo, "worktree", "list")
	require.NoError(t, err)
	assert.NotContains(t, list, path)
}

func TestPersistentReuseChecksOutRequestedBranch(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()
	repo := sourceRepo(t)
	base := gitIn(t, repo, "rev-parse", "HEAD")
	gitIn(t, repo, "checkout", "--quiet", "-b", "feature")
	gitIn(t, repo, "-c", "user.name=test", "-c", "user.email=test@example.com", "commit", "--quiet", "--allow-empty", "-m", "feature work")
	feature := gitIn(t, repo, "rev-parse", "HEAD")
	gitIn(t, repo, "checkout", "--quiet", "-")

	pendingRun(t, store, "first", "nightly", true)
	first, err := m.Allocate(ctx, AllocateRequest{RunID: "first", WorkflowName: "nightly", Persistent: true, SourceRepo: repo, Branch: base})
	require.NoError(t, err)
	finishRun(t, store, "first")
	require.NoError(t, m.Release(ctx, "first"))

	pendingRun(t, store, "second", "nightly", true)
	second, err := m.Allocate(ctx, AllocateRequest{RunID: "second", WorkflowName: "nightly", Persistent: true, SourceRepo: repo, Branch: "feature"})
	require.NoError(t, err)
	require.Equal(t, first, second)

	head, err := m.HeadCommit(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, feature, head)

	ws, err := m.Lookup(ctx, "second")
	require.NoError(t, err)
	assert.Equal(t, "feature", ws.Branch)
}

func TestPersistentReuseWithUnknownBranchReturnsClaim(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()
	repo := sourceRepo(t)

	pendingRun(t, store, "first", "nightly", true)
	first, err := m.Allocate(ctx, AllocateRequest{RunID: "first", WorkflowName: "nightly", Persistent: true, SourceRepo: repo})
	require.NoError(t, err)
	finishRun(t, store, "first")
	require.NoError(t, m.Release(ctx, "first"))

	pendingRun(t, store, "second", "nightly", true)
	_, err = m.Allocate(ctx, AllocateRequest{RunID: "second", WorkflowName: "nightly", Persistent: true, SourceRepo: repo, Branch: "no-such-branch"})
	require.Error(t, err, "worktree add fails for the unknown ref as well")

	run, err := store.GetRun(ctx, "second")
	require.NoError(t, err)
	assert.Empty(t, run.WorkspacePath)

	idle, err := store.FindIdleWorkspaces(ctx, "nightly")
	require.NoError(t, err)
	require.Len(t, idle, 1)
	assert.Equal(t, first, idle[0].Path)
	assert.Empty(t, idle[0].Branch)
}

func TestPersistentReuseSkipsOtherSourceRepo(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()

	pendingRun(t, store, "first", "nightly", true)
	first, err := m.Allocate(ctx, AllocateRequest{RunID: "first", WorkflowName: "nightly", Persistent: true, SourceRepo: sourceRepo(t)})
	require.NoError(t, err)
	finishRun(t, store, "first")
	require.NoError(t, m.Release(ctx, "first"))

	other := sourceRepo(t)
	pendingRun(t, store, "second", "nightly", true)
	second, err := m.Allocate(ctx, AllocateRequest{RunID: "second", WorkflowName: "nightly", Persistent: true, SourceRepo: other})
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	ws, err := m.Lookup(ctx, "second")
	require.NoError(t, err)
	abs, err := filepath.Abs(other)
	require.NoError(t, err)
	assert.Equal(t, abs, ws.SourceRepo)
}

func TestAllocateForKilledRunLeavesNoDirectory(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()

	pendingRun(t, store, "run-1", "build", false)
	require.NoError(t, store.TransitionStatus(ctx, "run-1", models.RunStatusPending, models.RunStatusKilled, storage.TransitionOptions{}))

	_, err := m.Allocate(ctx, AllocateRequest{RunID: "run-1", WorkflowName: "build"})
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindWorkspace))
	assert.NoDirExists(t, filepath.Join(m.Root(), "runs", "run-1"))
}

func TestHeadCommitOfEmptyRepository(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()
	pendingRun(t, store, "run-1", "build", false)

	path, err := m.Allocate(ctx, AllocateRequest{RunID: "run-1", WorkflowName: "build"})
	require.NoError(t, err)

	head, err := m.HeadCommit(ctx, path)
	require.NoError(t, err)
	assert.Empty(t, head)
}

func TestCriticalSections(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()
	pendingRun(t, store, "run-1", "build", false)
	path, err := m.Allocate(ctx, AllocateRequest{RunID: "run-1", WorkflowName: "build"})
	require.NoError(t, err)

	assert.False(t, m.InCriticalSection(ctx, "run-1"))

	m.EnterCritical("run-1", "git commit")
	m.EnterCritical("run-1", "git commit")
	m.ExitCritical("run-1", "git commit")
	assert.True(t, m.InCriticalSection(ctx, "run-1"), "sections are counted")
	m.ExitCritical("run-1", "git commit")
	assert.False(t, m.InCriticalSection(ctx, "run-1"))

	require.NoError(t, os.WriteFile(m.MarkerPath("run-1"), nil, 0644))
	assert.True(t, m.InCriticalSection(ctx, "run-1"))
	require.NoError(t, os.Remove(m.MarkerPath("run-1")))

	lock := filepath.Join(path, ".git", "index.lock")
	require.NoError(t, os.WriteFile(lock, nil, 0644))
	assert.True(t, m.InCriticalSection(ctx, "run-1"))
	require.NoError(t, os.Remove(lock))
	assert.False(t, m.InCriticalSection(ctx, "run-1"))
}

func TestWaitCritical(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()
	pendingRun(t, store, "run-1", "build", false)
	_, err := m.Allocate(ctx, AllocateRequest{RunID: "run-1", WorkflowName: "build"})
	require.NoError(t, err)

	assert.True(t, m.WaitCritical(ctx, "run-1", time.Second))

	m.EnterCritical("run-1", "git push")
	assert.False(t, m.WaitCritical(ctx, "run-1", 300*time.Millisecond))

	go func() {
		time.Sleep(100 * time.Millisecond)
		m.ExitCritical("run-1", "git push")
	}()
	assert.True(t, m.WaitCritical(ctx, "run-1", 5*time.Second))
}

func TestSweep(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()

	pendingRun(t, store, "live", "build", false)
	live, err := m.Allocate(ctx, AllocateRequest{RunID: "live", WorkflowName: "build"})
	require.NoError(t, err)

	orphan := filepath.Join(m.Root(), "runs", "orphan")
	require.NoError(t, os.MkdirAll(orphan, 0755))

	pendingRun(t, store, "stuck", "build", false)
	stuck, err := m.Allocate(ctx, AllocateRequest{RunID: "stuck", WorkflowName: "build"})
	require.NoError(t, err)
	ws, err := m.Lookup(ctx, "stuck")
	require.NoError(t, err)
	require.NoError(t, store.MarkWorkspaceReleasing(ctx, ws.ID))

	young := m.Sweep(ctx, time.Hour)
	assert.Empty(t, young.Errors)
	assert.Equal(t, 1, young.Released)
	assert.Zero(t, young.RemovedOrphans, "young directories are never touched")
	assert.DirExists(t, orphan)
	assert.NoDirExists(t, stuck)

	m.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	old := m.Sweep(ctx, time.Hour)
	assert.Empty(t, old.Errors)
	assert.Equal(t, 1, old.RemovedOrphans)
	assert.NoDirExists(t, orphan)
	assert.DirExists(t, live, "directories with a workspace row are kept")
}

func TestSlug(t *testing.T) {
	assert.Equal(t, "nightly-review", slug("Nightly Review"))
	assert.Equal(t, "build_1", slug("build_1"))
	assert.Equal(t, "workspace", slug("///"))
}
