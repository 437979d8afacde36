package workspace

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

func initRepo(t *testing.T, dir string) {
	t.Helper()
	for _, args := range [][]string{
		{"init", "-b", "main", dir},
		{"-C", dir, "config", "user.name", "Test"},
		{"-C", dir, "config", "user.email", "test@example.com"},
	} {
		if out, err := exec.Command("git", args...).CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	for _, args := range [][]string{
		{"-C", dir, "add", "."},
		{"-C", dir, "commit", "-m", "init"},
	} {
		if out, err := exec.Command("git", args...).CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
	}
}

func TestCreateWorktree_CreatesNewBranch(t *testing.T) {
	base := t.TempDir()
	repo := filepath.Join(base, "repo")
	initRepo(t, repo)

	m := New(base, filepath.Join(base, "worktrees"))
	wtPath := m.WorktreePath("ENG-1")
	if err := m.CreateWorktree(context.Background(), repo, wtPath, "ENG-1"); err != nil {
		t.Fatalf("CreateWorktree: %v", err)
	}
	if _, err := os.Stat(filepath.Join(wtPath, "README.md")); err != nil {
		t.Fatalf("expected worktree checkout, stat err = %v", err)
	}
}

func TestCreateWorktree_ExistingPath_Idempotent(t *testing.T) {
	base := t.TempDir()
	repo := filepath.Join(base, "repo")
	initRepo(t, repo)

	m := New(base, filepath.Join(base, "worktrees"))
	wtPath := m.WorktreePath("ENG-1")
	if err := m.CreateWorktree(context.Background(), repo, wtPath, "ENG-1"); err != nil {
		t.Fatalf("first CreateWorktree: %v", err)
	}
	if err := m.CreateWorktree(context.Background(), repo, wtPath, "ENG-1"); err != nil {
		t.Fatalf("second CreateWorktree should be a no-op, got: %v", err)
	}
}

func TestHasChanges_DetectsUntrackedFile(t *testing.T) {
	base := t.TempDir()
	repo := filepath.Join(base, "repo")
	initRepo(t, repo)

	m := New(base, filepath.Join(base, "worktrees"))
	wtPath := m.WorktreePath("ENG-1")
	if err := m.CreateWorktree(context.Background(), repo, wtPath, "ENG-1"); err != nil {
		t.Fatalf("CreateWorktree: %v", err)
	}

	changed, err := m.HasChanges(context.Background(), wtPath)
	if err != nil {
		t.Fatalf("HasChanges: %v", err)
	}
	if changed {
		t.Error("expected no changes right after checkout")
	}

	if err := os.WriteFile(filepath.Join(wtPath, "new.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	changed, err = m.HasChanges(context.Background(), wtPath)
	if err != nil {
		t.Fatalf("HasChanges: %v", err)
	}
	if !changed {
		t.Error("expected changes after adding a file")
	}
}

func TestCommitAll_NothingToCommit_Succeeds(t *testing.T) {
	base := t.TempDir()
	repo := filepath.Join(base, "repo")
	initRepo(t, repo)

	m := New(base, filepath.Join(base, "worktrees"))
	wtPath := m.WorktreePath("ENG-1")
	if err := m.CreateWorktree(context.Background(), repo, wtPath, "ENG-1"); err != nil {
		t.Fatalf("CreateWorktree: %v", err)
	}
	if err := m.CommitAll(context.Background(), wtPath, "feat: nothing"); err != nil {
		t.Fatalf("CommitAll with no changes should succeed, got: %v", err)
	}
}

func TestCleanupOrphans_LogsWithoutAutoClean(t *testing.T) {
	base := t.TempDir()
	wtRoot := filepath.Join(base, "worktrees")
	if err := os.MkdirAll(filepath.Join(wtRoot, "orphan-1"), 0o755); err != nil {
		t.Fatal(err)
	}

	m := New(base, wtRoot)
	if err := m.CleanupOrphans(context.Background(), map[string]bool{}, false); err != nil {
		t.Fatalf("CleanupOrphans: %v", err)
	}
	if _, err := os.Stat(filepath.Join(wtRoot, "orphan-1")); err != nil {
		t.Errorf("expected orphan to remain when autoClean=false, stat err = %v", err)
	}
}
