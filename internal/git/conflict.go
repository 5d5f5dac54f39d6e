package git

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"go.uber.org/zap"
)

// runner executes git; swapped out in tests
type runner func(ctx context.Context, dir string, args ...string) ([]byte, error)

func execGit(ctx context.Context, dir string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	if err != nil {
		return output, fmt.Errorf("git %v: %w\n%s", args, err, output)
	}
	return output, nil
}

// Repo performs merge operations in a single repository checkout
type Repo struct {
	dir    string
	logger *zap.Logger
	run    runner
}

// NewRepo creates a Repo rooted at dir
func NewRepo(dir string, logger *zap.Logger) *Repo {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repo{
		dir:    dir,
		logger: logger.With(zap.String("component", "git")),
		run:    execGit,
	}
}

// Fetch updates remote tracking refs
func (r *Repo) Fetch(ctx context.Context) error {
	_, err := r.run(ctx, r.dir, "fetch", "origin", "--prune")
	return err
}

// ConflictSize counts the lines inside conflict markers that a merge of
// branch into base would produce, without touching the working tree.
func (r *Repo) ConflictSize(ctx context.Context, branch, base string) (int, error) {
	mergeBase, err := r.run(ctx, r.dir, "merge-base", "origin/"+base, "origin/"+branch)
	if err != nil {
		return 0, err
	}
	output, err := r.run(ctx, r.dir, "merge-tree",
		strings.TrimSpace(string(mergeBase)), "origin/"+base, "origin/"+branch)
	if err != nil {
		return 0, err
	}
	return countConflictLines(string(output)), nil
}

// countConflictLines counts content lines between conflict markers
func countConflictLines(mergeTree string) int {
	count := 0
	inConflict := false
	for _, line := range strings.Split(mergeTree, "\n") {
		trimmed := strings.TrimLeft(line, "+- ")
		switch {
		case strings.HasPrefix(trimmed, "<<<<<<<"):
			inConflict = true
		case strings.HasPrefix(trimmed, ">>>>>>>"):
			inConflict = false
		case strings.HasPrefix(trimmed, "======="), strings.HasPrefix(trimmed, "|||||||"):
			// divider lines are not content
		case inConflict:
			count++
		}
	}
	return count
}

// ResolveLocal attempts a non-agent conflict resolution: merge the base
// branch into the PR branch preferring the branch's own side, then push.
// The merge is aborted on failure so the checkout stays clean.
func (r *Repo) ResolveLocal(ctx context.Context, branch, base string) error {
	if err := r.Fetch(ctx); err != nil {
		return err
	}
	if _, err := r.run(ctx, r.dir, "checkout", branch); err != nil {
		return err
	}
	if _, err := r.run(ctx, r.dir, "merge", "origin/"+base, "-X", "ours", "--no-edit"); err != nil {
		_, _ = r.run(ctx, r.dir, "merge", "--abort")
		return fmt.Errorf("local merge of %s into %s failed: %w", base, branch, err)
	}
	if _, err := r.run(ctx, r.dir, "push", "origin", branch); err != nil {
		return err
	}
	r.logger.Info("resolved conflict locally",
		zap.String("branch", branch), zap.String("base", base))
	return nil
}
