// Package workspace creates, reuses and releases the git working trees runs
// execute in. Directory and worktree state is only touched from here.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/mpataki/foreman/internal/models"
	"github.com/mpataki/foreman/internal/storage"
)

type AllocateRequest struct {
	RunID        string
	WorkflowName string
	Persistent   bool
	Branch       string
	SourceRepo   string
}

type SweepReport struct {
	Released       int
	RemovedOrphans int
	PrunedRepos    int
	Errors         []error
}

type Manager struct {
	store  *storage.Storage
	root   string
	git    *Git
	logger *slog.Logger
	now    func() time.Time

	paths keyedMutex

	mu       sync.Mutex
	critical map[string]map[string]int
}

func New(store *storage.Storage, root string, git *Git, logger *slog.Logger) (*Manager, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace root: %w", err)
	}
	for _, dir := range []string{"runs", "persistent", ".locks"} {
		if err := os.MkdirAll(filepath.Join(absRoot, dir), 0755); err != nil {
			return nil, fmt.Errorf("failed to create workspace directory: %w", err)
		}
	}
	return &Manager{
		store:    store,
		root:     absRoot,
		git:      git,
		logger:   logger,
		now:      time.Now,
		critical: make(map[string]map[string]int),
	}, nil
}

func (m *Manager) Root() string { return m.root }

// Allocate returns the path of a workspace owned by req.RunID. The run row
// and the workspace row are written together; if that write fails the
// freshly created directory is removed again.
func (m *Manager) Allocate(ctx context.Context, req AllocateRequest) (string, error) {
	var target string
	if req.Persistent {
		path, ok, err := m.claimIdle(ctx, req)
		if err != nil {
			return "", models.NewError(models.KindWorkspace, req.RunID, "allocate", err)
		}
		if ok {
			return path, nil
		}
		target = filepath.Join(m.root, "persistent", slug(req.WorkflowName))
	} else {
		target = filepath.Join(m.root, "runs", req.RunID)
	}

	path, err := m.create(ctx, req, target)
	if err != nil {
		return "", models.NewError(models.KindWorkspace, req.RunID, "allocate", err)
	}
	return path, nil
}

func (m *Manager) claimIdle(ctx context.Context, req AllocateRequest) (string, bool, error) {
	idle, err := m.store.FindIdleWorkspaces(ctx, req.WorkflowName)
	if err != nil || len(idle) == 0 {
		return "", false, err
	}
	var repo string
	if req.SourceRepo != "" {
		if repo, err = m.git.verifyRepo(ctx, req.SourceRepo); err != nil {
			return "", false, err
		}
	}
	for _, ws := range idle {
		if ws.SourceRepo != repo {
			continue
		}
		if _, err := os.Stat(ws.Path); err != nil {
			m.logger.Warn("dropping idle workspace with missing directory", "path", ws.Path, "error", err)
			if err := m.store.DeleteWorkspace(ctx, ws.ID); err != nil {
				return "", false, err
			}
			continue
		}
		ok, err := m.claim(ctx, req, ws)
		if err != nil {
			return "", false, err
		}
		if ok {
			m.logger.Info("reusing persistent workspace", "run_id", req.RunID, "path", ws.Path, "branch", ws.Branch)
			return ws.Path, true, nil
		}
	}
	return "", false, nil
}

// claim attaches an idle workspace to the run and checks out the requested
// branch. A workspace that cannot be moved to the branch is handed back to
// the pool and reported as not claimed.
func (m *Manager) claim(ctx context.Context, req AllocateRequest, ws *models.Workspace) (bool, error) {
	unlock := m.paths.Lock(ws.Path)
	defer unlock()

	prev := ws.Branch
	if req.Branch != "" {
		ws.Branch = req.Branch
	}
	err := m.store.AttachWorkspace(ctx, req.RunID, ws)
	if errors.Is(err, storage.ErrWorkspaceTaken) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if req.Branch == "" {
		return true, nil
	}

	if err := m.git.checkout(ctx, ws.Path, req.Branch); err != nil {
		m.logger.Warn("cannot reuse persistent workspace", "run_id", req.RunID, "path", ws.Path, "error", err)
		if err := m.store.DetachWorkspace(ctx, ws.ID, req.RunID, prev); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (m *Manager) create(ctx context.Context, req AllocateRequest, target string) (string, error) {
	unlock := m.paths.Lock(target)
	defer unlock()

	var repo string
	if req.SourceRepo != "" {
		var err error
		if repo, err = m.git.verifyRepo(ctx, req.SourceRepo); err != nil {
			return "", err
		}
	}

	path := target
	if m.taken(ctx, path) {
		path = m.alternate(ctx, target)
	}

	err := m.materialize(ctx, path, repo, req.Branch)
	if isAlreadyExists(err) {
		m.logger.Warn("workspace path already exists, using alternate", "run_id", req.RunID, "path", path)
		path = m.alternate(ctx, target)
		err = m.materialize(ctx, path, repo, req.Branch)
	}
	if err != nil {
		if !isAlreadyExists(err) {
			m.destroy(ctx, path, repo)
		}
		return "", err
	}

	ws := &models.Workspace{
		Path:         path,
		WorkflowName: req.WorkflowName,
		Persistent:   req.Persistent,
		Branch:       req.Branch,
		SourceRepo:   repo,
	}
	if err := m.store.AttachWorkspace(ctx, req.RunID, ws); err != nil {
		m.destroy(ctx, path, repo)
		return "", fmt.Errorf("failed to record workspace: %w", err)
	}

	m.logger.Info("workspace created", "run_id", req.RunID, "path", path, "persistent", req.Persistent)
	return path, nil
}

func (m *Manager) materialize(ctx context.Context, path, repo, branch string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create workspace directory: %w", err)
	}
	if repo != "" {
		return m.git.addWorktree(ctx, repo, path, branch)
	}
	if err := os.Mkdir(path, 0755); err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("workspace %s already exists", path)
		}
		return fmt.Errorf("failed to create workspace directory: %w", err)
	}
	return m.git.initRepo(ctx, path)
}

// taken reports whether path is in use on disk or in the workspace table.
func (m *Manager) taken(ctx context.Context, path string) bool {
	if _, err := os.Lstat(path); err == nil {
		return true
	}
	_, err := m.store.GetWorkspaceByPath(ctx, path)
	return !errors.Is(err, models.ErrNotFound)
}

func (m *Manager) alternate(ctx context.Context, target string) string {
	base := target + "-" + m.now().UTC().Format("20060102T150405.000000000Z")
	path := base
	for i := 1; m.taken(ctx, path); i++ {
		path = fmt.Sprintf("%s-%d", base, i)
	}
	return path
}

// destroy removes a workspace directory and any worktree registration.
func (m *Manager) destroy(ctx context.Context, path, repo string) {
	if repo != "" {
		if err := m.git.removeWorktree(ctx, repo, path); err != nil {
			m.logger.Debug("worktree remove failed", "path", path, "error", err)
		}
	}
	if err := os.RemoveAll(path); err != nil {
		m.logger.Warn("failed to remove workspace directory", "path", path, "error", err)
	}
	if repo != "" {
		if err := m.git.prune(ctx, repo); err != nil {
			m.logger.Warn("worktree prune failed", "repo", repo, "error", err)
		}
	}
}

// Release hands a run's workspace back. Ephemeral workspaces are deleted,
// persistent ones go back to the idle pool. Errors are logged and the row
// is left for reconciliation to retry.
func (m *Manager) Release(ctx context.Context, runID string) error {
	m.clearCritical(runID)

	ws, err := m.store.GetWorkspaceByRun(ctx, runID)
	if errors.Is(err, models.ErrNotFound) {
		return nil
	}
	if err != nil {
		return m.releaseFailed(runID, err)
	}

	if ws.Persistent {
		if err := m.store.MarkWorkspaceIdle(ctx, ws.ID, runID); err != nil {
			return m.releaseFailed(runID, err)
		}
		m.logger.Info("persistent workspace idle", "run_id", runID, "path", ws.Path)
		return nil
	}

	if err := m.store.MarkWorkspaceReleasing(ctx, ws.ID); err != nil {
		return m.releaseFailed(runID, err)
	}
	if err := m.removeEphemeral(ctx, ws); err != nil {
		return m.releaseFailed(runID, err)
	}
	m.logger.Info("workspace removed", "run_id", runID, "path", ws.Path)
	return nil
}

func (m *Manager) releaseFailed(runID string, err error) error {
	err = models.NewError(models.KindWorkspace, runID, "release", err)
	m.logger.Warn("workspace release failed", "run_id", runID, "error", err)
	return err
}

func (m *Manager) removeEphemeral(ctx context.Context, ws *models.Workspace) error {
	unlock := m.paths.Lock(ws.Path)
	defer unlock()

	m.destroy(ctx, ws.Path, ws.SourceRepo)
	if _, err := os.Lstat(ws.Path); err == nil {
		return fmt.Errorf("workspace %s still present after removal", ws.Path)
	}
	return m.store.DeleteWorkspace(ctx, ws.ID)
}

func (m *Manager) Lookup(ctx context.Context, runID string) (*models.Workspace, error) {
	return m.store.GetWorkspaceByRun(ctx, runID)
}

// HeadCommit returns the commit HEAD points at in the workspace, or "" for a
// repository with no commits yet.
func (m *Manager) HeadCommit(ctx context.Context, path string) (string, error) {
	out, err := m.git.Run(ctx, path, "rev-parse", "--verify", "--quiet", "HEAD")
	if err != nil {
		if out == "" {
			return "", nil
		}
		return "", err
	}
	return out, nil
}

// MarkerPath is the file whose presence flags a critical section for runID
// from outside the engine process.
func (m *Manager) MarkerPath(runID string) string {
	return filepath.Join(m.root, ".locks", runID+".critical")
}

func (m *Manager) EnterCritical(runID, label string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sections := m.critical[runID]
	if sections == nil {
		sections = make(map[string]int)
		m.critical[runID] = sections
	}
	sections[label]++
	m.logger.Debug("critical section entered", "run_id", runID, "label", label)
}

func (m *Manager) ExitCritical(runID, label string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sections := m.critical[runID]
	if sections[label] <= 1 {
		delete(sections, label)
	} else {
		sections[label]--
	}
	if len(sections) == 0 {
		delete(m.critical, runID)
	}
}

func (m *Manager) clearCritical(runID string) {
	m.mu.Lock()
	delete(m.critical, runID)
	m.mu.Unlock()
	_ = os.Remove(m.MarkerPath(runID))
}

func (m *Manager) InCriticalSection(ctx context.Context, runID string) bool {
	m.mu.Lock()
	registered := len(m.critical[runID]) > 0
	m.mu.Unlock()
	if registered {
		return true
	}

	if _, err := os.Stat(m.MarkerPath(runID)); err == nil {
		return true
	}

	ws, err := m.store.GetWorkspaceByRun(ctx, runID)
	if err != nil {
		return false
	}
	if dir := gitDir(ws.Path); dir != "" {
		if _, err := os.Stat(filepath.Join(dir, "index.lock")); err == nil {
			return true
		}
	}
	return false
}

var criticalPoll = 200 * time.Millisecond

// WaitCritical blocks until runID has no active critical section or max has
// elapsed. It reports whether the section cleared.
func (m *Manager) WaitCritical(ctx context.Context, runID string, max time.Duration) bool {
	if !m.InCriticalSection(ctx, runID) {
		return true
	}
	m.logger.Info("waiting for critical section", "run_id", runID, "max", max)

	deadline := time.NewTimer(max)
	defer deadline.Stop()
	ticker := time.NewTicker(criticalPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return !m.InCriticalSection(ctx, runID)
		case <-ticker.C:
			if !m.InCriticalSection(ctx, runID) {
				return true
			}
		}
	}
}

// Sweep retries releases that failed earlier, removes directories under the
// root that no workspace row accounts for and are older than minAge, and
// prunes stale worktree metadata in every known source repository.
func (m *Manager) Sweep(ctx context.Context, minAge time.Duration) SweepReport {
	var report SweepReport

	rows, err := m.store.ListWorkspaces(ctx)
	if err != nil {
		report.Errors = append(report.Errors, err)
		return report
	}

	known := make(map[string]bool, len(rows))
	repos := make(map[string]bool)
	for _, ws := range rows {
		known[ws.Path] = true
		if ws.SourceRepo != "" {
			repos[ws.SourceRepo] = true
		}
		if ws.State != models.WorkspaceReleasing {
			continue
		}
		if err := m.removeEphemeral(ctx, ws); err != nil {
			report.Errors = append(report.Errors, err)
			continue
		}
		report.Released++
	}

	cutoff := m.now().Add(-minAge)
	for _, parent := range []string{"runs", "persistent"} {
		entries, err := os.ReadDir(filepath.Join(m.root, parent))
		if err != nil {
			report.Errors = append(report.Errors, err)
			continue
		}
		for _, entry := range entries {
			path := filepath.Join(m.root, parent, entry.Name())
			if known[path] {
				continue
			}
			info, err := entry.Info()
			if err != nil || info.ModTime().After(cutoff) {
				continue
			}
			if repo := worktreeRepo(path); repo != "" {
				repos[repo] = true
			}
			if err := os.RemoveAll(path); err != nil {
				report.Errors = append(report.Errors, err)
				continue
			}
			m.logger.Info("removed orphaned workspace", "path", path)
			report.RemovedOrphans++
		}
	}

	for repo := range repos {
		if err := m.git.prune(ctx, repo); err != nil {
			report.Errors = append(report.Errors, err)
			continue
		}
		report.PrunedRepos++
	}
	return report
}

// gitDir returns the git directory of a working tree, following the .git
// file a linked worktree carries.
func gitDir(path string) string {
	dotGit := filepath.Join(path, ".git")
	info, err := os.Stat(dotGit)
	if err != nil {
		return ""
	}
	if info.IsDir() {
		return dotGit
	}
	data, err := os.ReadFile(dotGit)
	if err != nil {
		return ""
	}
	dir, ok := strings.CutPrefix(strings.TrimSpace(string(data)), "gitdir:")
	if !ok {
		return ""
	}
	dir = strings.TrimSpace(dir)
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(path, dir)
	}
	return dir
}

// worktreeRepo returns the main repository of a linked worktree, or "".
func worktreeRepo(path string) string {
	dir := gitDir(path)
	// <repo>/.git/worktrees/<name>
	if dir == "" || filepath.Base(filepath.Dir(dir)) != "worktrees" {
		return ""
	}
	return filepath.Dir(filepath.Dir(filepath.Dir(dir)))
}

var nonSlug = regexp.MustCompile(`[^a-z0-9_-]+`)

func slug(name string) string {
	s := strings.Trim(nonSlug.ReplaceAllString(strings.ToLower(name), "-"), "-")
	if s == "" {
		return "workspace"
	}
	return s
}

type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	sync.Mutex
	refs int
}

// Lock acquires the mutex for key and returns its unlock function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refLock)
	}
	l := k.locks[key]
	if l == nil {
		l = &refLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		if l.refs--; l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
