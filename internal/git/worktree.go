// Package git performs local repository operations: per-task worktrees for
// agent sessions and merge plumbing for conflict resolution.
package git

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// WorktreeManager creates and manages per-task git worktrees so agent
// sessions can run in parallel without touching each other's index.
type WorktreeManager struct {
	baseDir     string
	worktreeDir string
	logger      *zap.Logger
}

// NewWorktreeManager creates a manager placing worktrees under worktreeDir
func NewWorktreeManager(baseDir, worktreeDir string, logger *zap.Logger) *WorktreeManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WorktreeManager{
		baseDir:     baseDir,
		worktreeDir: worktreeDir,
		logger:      logger.With(zap.String("component", "git")),
	}
}

// Create makes a fresh worktree for a task, replacing any stale one left by
// an interrupted run.
func (wm *WorktreeManager) Create(taskID string) (string, error) {
	path := filepath.Join(wm.worktreeDir, taskID)

	if err := os.MkdirAll(wm.worktreeDir, 0o755); err != nil {
		return "", fmt.Errorf("creating worktree directory: %w", err)
	}
	wm.cleanUp(taskID)

	cmd := exec.Command("git", "worktree", "add", path)
	cmd.Dir = wm.baseDir
	if output, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("creating worktree: %w\n%s", err, output)
	}
	return path, nil
}

// cleanUp removes any existing worktree registration and directory for a task
func (wm *WorktreeManager) cleanUp(taskID string) {
	path := filepath.Join(wm.worktreeDir, taskID)

	cmd := exec.Command("git", "worktree", "remove", "--force", path)
	cmd.Dir = wm.baseDir
	_ = cmd.Run()

	if _, err := os.Stat(path); err == nil {
		_ = os.RemoveAll(path)
	}

	cmd = exec.Command("git", "worktree", "prune")
	cmd.Dir = wm.baseDir
	_ = cmd.Run()
}

// Remove deletes a task's worktree. A worktree that is already gone is not
// an error.
func (wm *WorktreeManager) Remove(taskID string) error {
	path := filepath.Join(wm.worktreeDir, taskID)

	cmd := exec.Command("git", "worktree", "remove", path)
	cmd.Dir = wm.baseDir
	output, err := cmd.CombinedOutput()
	if err != nil {
		text := string(output)
		if strings.Contains(text, "Not a worktree") ||
			strings.Contains(text, "no such file or directory") ||
			strings.Contains(text, "is not a working tree") {
			return nil
		}
		return fmt.Errorf("removing worktree: %w\n%s", err, output)
	}
	return nil
}

// Commit stages and commits everything in a task's worktree. It reports
// whether anything was actually committed.
func (wm *WorktreeManager) Commit(taskID, message string) (bool, error) {
	path := filepath.Join(wm.worktreeDir, taskID)

	cmd := exec.Command("git", "status", "--porcelain")
	cmd.Dir = path
	output, err := cmd.Output()
	if err != nil {
		return false, fmt.Errorf("checking status: %w", err)
	}
	if strings.TrimSpace(string(output)) == "" {
		wm.logger.Debug("no changes in worktree", zap.String("task_id", taskID))
		return false, nil
	}

	cmd = exec.Command("git", "add", "-A")
	cmd.Dir = path
	if output, err := cmd.CombinedOutput(); err != nil {
		return false, fmt.Errorf("staging changes: %w\n%s", err, output)
	}

	cmd = exec.Command("git", "commit", "-m", message)
	cmd.Dir = path
	if output, err := cmd.CombinedOutput(); err != nil {
		// The tree can go clean between the status check and the commit.
		if strings.Contains(string(output), "nothing to commit") {
			return false, nil
		}
		return false, fmt.Errorf("committing: %w\n%s", err, output)
	}
	return true, nil
}
