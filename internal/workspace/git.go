package workspace

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
)

// Git runs the git binary resolved once at construction.
type Git struct {
	bin string
}

func NewGit(name string) (*Git, error) {
	if name == "" {
		name = "git"
	}
	bin, err := exec.LookPath(name)
	if err != nil {
		return nil, fmt.Errorf("git binary %q not found: %w", name, err)
	}
	if bin, err = filepath.Abs(bin); err != nil {
		return nil, fmt.Errorf("failed to resolve git binary: %w", err)
	}
	return &Git{bin: bin}, nil
}

func (g *Git) Path() string { return g.bin }

// Run executes git in dir and returns its trimmed combined output. A failed
// command returns an error carrying that output.
func (g *Git) Run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, g.bin, args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	text := strings.TrimSpace(string(out))
	if err != nil {
		return text, fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, text)
	}
	return text, nil
}

// verifyRepo resolves repo to an absolute path and checks it is a git
// repository.
func (g *Git) verifyRepo(ctx context.Context, repo string) (string, error) {
	absRepo, err := filepath.Abs(repo)
	if err != nil {
		return "", fmt.Errorf("failed to resolve repo path: %w", err)
	}
	if _, err := g.Run(ctx, absRepo, "rev-parse", "--git-dir"); err != nil {
		return "", fmt.Errorf("%s is not a git repository", absRepo)
	}
	return absRepo, nil
}

func (g *Git) addWorktree(ctx context.Context, repo, path, ref string) error {
	if ref == "" {
		ref = "HEAD"
	}
	if _, err := g.Run(ctx, repo, "worktree", "add", "--detach", path, ref); err != nil {
		return fmt.Errorf("failed to create worktree: %w", err)
	}
	return nil
}

// checkout moves the worktree at path to a detached HEAD at ref. A dirty
// worktree makes it fail rather than discard changes.
func (g *Git) checkout(ctx context.Context, path, ref string) error {
	if _, err := g.Run(ctx, path, "checkout", "--quiet", "--detach", ref); err != nil {
		return fmt.Errorf("failed to check out %s: %w", ref, err)
	}
	return nil
}

func (g *Git) removeWorktree(ctx context.Context, repo, path string) error {
	_, err := g.Run(ctx, repo, "worktree", "remove", "--force", path)
	return err
}

func (g *Git) prune(ctx context.Context, repo string) error {
	_, err := g.Run(ctx, repo, "worktree", "prune")
	return err
}

func (g *Git) initRepo(ctx context.Context, path string) error {
	if _, err := g.Run(ctx, path, "init", "--quiet"); err != nil {
		return fmt.Errorf("failed to initialize repository: %w", err)
	}
	return nil
}

func isAlreadyExists(err error) bool {
	return err != nil && strings.Contains(err.Error(), "already exists")
}
