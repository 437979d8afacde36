// Package workspace manages per-task git working trees: thin semantic
// wrappers over the external version-control tool and a hosted-repository
// CLI, rather than a git library, since every operation here is really
// "shell out and interpret exit status/stderr".
package workspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/agentbridge/agentbridge/internal/shell"
	"github.com/agentbridge/agentbridge/internal/taskerr"
)

// Manager creates, inspects, and tears down per-task worktrees rooted under
// a shared worktrees directory.
type Manager struct {
	reposRoot     string
	worktreesRoot string
}

// New builds a Manager. reposRoot is the parent directory of checked-out
// repositories; worktreesRoot is where per-task working trees live.
func New(reposRoot, worktreesRoot string) *Manager {
	return &Manager{
		reposRoot:     reposRoot,
		worktreesRoot: worktreesRoot,
	}
}

// WorktreePath returns the path a task's working tree would live at for the
// given branch name.
func (m *Manager) WorktreePath(branch string) string {
	return filepath.Join(m.worktreesRoot, branch)
}

// RepoPath returns the path to a configured repository by its relative name.
func (m *Manager) RepoPath(repo string) string {
	return filepath.Join(m.reposRoot, repo)
}

// WorktreesRoot returns the root directory worktrees are created under.
func (m *Manager) WorktreesRoot() string { return m.worktreesRoot }

// CreateWorktree creates (or reuses) a working tree at worktreePath, rooted
// on a fresh branch named branch, cut from repoPath. If worktreePath already
// exists on disk the call is a no-op (idempotent restart of an interrupted
// task). If the branch already exists, the worktree is created against that
// existing branch instead of failing.
func (m *Manager) CreateWorktree(ctx context.Context, repoPath, worktreePath, branch string) error {
	if _, err := os.Stat(worktreePath); err == nil {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(worktreePath), 0o755); err != nil {
		return fmt.Errorf("creating worktrees root: %w", err)
	}

	r := &shell.Runner{Dir: repoPath}
	_, err := r.Run(ctx, "git", "worktree", "add", "-b", branch, worktreePath)
	if err == nil {
		return nil
	}

	var exitErr *shell.ExitError
	if errors.As(err, &exitErr) && strings.Contains(exitErr.Stderr, "already exists") {
		_, retryErr := r.Run(ctx, "git", "worktree", "add", worktreePath, branch)
		if retryErr != nil {
			return fmt.Errorf("creating worktree on existing branch %s: %w", branch, retryErr)
		}
		return nil
	}
	return fmt.Errorf("creating worktree for branch %s: %w", branch, err)
}

// HasChanges reports whether the working tree has any modified, added, or
// untracked entries.
func (m *Manager) HasChanges(ctx context.Context, worktreePath string) (bool, error) {
	r := &shell.Runner{Dir: worktreePath}
	out, err := r.Run(ctx, "git", "status", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("checking worktree status: %w", err)
	}
	return strings.TrimSpace(out) != "", nil
}

// CommitAll stages every change and creates a single commit. "Nothing to
// commit" is treated as success.
func (m *Manager) CommitAll(ctx context.Context, worktreePath, message string) error {
	r := &shell.Runner{Dir: worktreePath}
	if _, err := r.Run(ctx, "git", "add", "-A"); err != nil {
		return fmt.Errorf("staging changes: %w", err)
	}
	out, err := r.Run(ctx, "git", "commit", "-m", message)
	if err == nil {
		return nil
	}
	// git reports "nothing to commit" on stdout, not stderr.
	var exitErr *shell.ExitError
	if errors.As(err, &exitErr) && (strings.Contains(out, "nothing to commit") || strings.Contains(exitErr.Stderr, "nothing to commit")) {
		return nil
	}
	return fmt.Errorf("committing changes: %w", err)
}

// PushBranch pushes branch with upstream tracking.
func (m *Manager) PushBranch(ctx context.Context, worktreePath, branch string) error {
	r := &shell.Runner{Dir: worktreePath}
	if _, err := r.Run(ctx, "git", "push", "-u", "origin", branch); err != nil {
		return fmt.Errorf("pushing branch %s: %w", branch, err)
	}
	return nil
}

// CreatePullRequest delegates to the hosted-repository CLI. PR creation is a
// best-effort finalize step: a non-zero exit is logged and an empty URL is
// returned rather than propagated as an error.
func (m *Manager) CreatePullRequest(ctx context.Context, worktreePath, title, body, base string) string {
	r := &shell.Runner{Dir: worktreePath}
	out, err := r.Run(ctx, "gh", "pr", "create", "--title", title, "--body", body, "--base", base)
	if err != nil {
		slog.Warn("pull request creation failed", "err", &taskerr.PRError{Branch: filepath.Base(worktreePath), Err: err})
		return ""
	}
	return strings.TrimSpace(out)
}

// CleanupOrphans removes worktree directories not referenced by
// runningPaths. When autoClean is false, orphans are only logged. On
// removal failure via `git worktree remove`, falls back to a forced
// directory removal.
func (m *Manager) CleanupOrphans(ctx context.Context, runningPaths map[string]bool, autoClean bool) error {
	entries, err := os.ReadDir(m.worktreesRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading worktrees root: %w", err)
	}

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(m.worktreesRoot, e.Name())
		if runningPaths[path] {
			continue
		}
		if !autoClean {
			slog.Warn("orphan workspace detected", "path", path)
			continue
		}
		if err := m.removeWorktree(ctx, path); err != nil {
			slog.Warn("failed to remove orphan workspace, forcing directory removal", "path", path, "err", err)
			if rmErr := os.RemoveAll(path); rmErr != nil {
				slog.Warn("forced removal also failed", "path", path, "err", rmErr)
			}
			continue
		}
		slog.Info("removed orphan workspace", "path", path)
	}
	return nil
}

func (m *Manager) removeWorktree(ctx context.Context, path string) error {
	r := &shell.Runner{Dir: m.worktreesRoot}
	_, err := r.Run(ctx, "git", "worktree", "remove", "--force", path)
	return err
}
