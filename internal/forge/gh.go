// Package forge queries the VCS host through the gh CLI.
//
// Every operation here is a read or an explicitly requested merge; the
// resolver treats query failures as "not yet determined" and retries on the
// next cycle rather than failing.
package forge

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"

	"go.uber.org/zap"

	"github.com/virtengine/openfleet/pkg/types"
)

// runner executes the gh CLI; swapped out in tests
type runner func(ctx context.Context, dir string, args ...string) ([]byte, error)

func execGH(ctx context.Context, dir string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "gh", args...)
	cmd.Dir = dir
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("gh %v: %w", args, err)
	}
	return output, nil
}

// Client is a thin gh wrapper scoped to one repository checkout
type Client struct {
	dir    string
	logger *zap.Logger
	run    runner
}

// NewClient creates a client running gh inside dir
func NewClient(dir string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		dir:    dir,
		logger: logger.With(zap.String("component", "forge")),
		run:    execGH,
	}
}

const prFields = "number,title,baseRefName,headRefName,mergeable"

// ListOpenPRs returns all open pull requests
func (c *Client) ListOpenPRs(ctx context.Context) ([]types.PullRequest, error) {
	return c.list(ctx, "--state", "open")
}

// ListMergedPRs returns merged pull requests targeting the given base branch
func (c *Client) ListMergedPRs(ctx context.Context, base string) ([]types.PullRequest, error) {
	return c.list(ctx, "--state", "merged", "--base", base)
}

func (c *Client) list(ctx context.Context, filter ...string) ([]types.PullRequest, error) {
	args := append([]string{"pr", "list", "--json", prFields}, filter...)
	output, err := c.run(ctx, c.dir, args...)
	if err != nil {
		return nil, err
	}
	var prs []types.PullRequest
	if err := json.Unmarshal(output, &prs); err != nil {
		return nil, fmt.Errorf("parsing pr list: %w", err)
	}
	return prs, nil
}

// MergeableState reads the current mergeable state of a pull request.
// Any failure reports "not yet determined" rather than an error: the host
// computes mergeability lazily and the caller polls.
func (c *Client) MergeableState(ctx context.Context, number int) string {
	output, err := c.run(ctx, c.dir, "pr", "view", strconv.Itoa(number), "--json", "mergeable")
	if err != nil {
		c.logger.Debug("mergeable query failed", zap.Int("pr", number), zap.Error(err))
		return types.MergeableUnknown
	}
	var view struct {
		Mergeable string `json:"mergeable"`
	}
	if err := json.Unmarshal(output, &view); err != nil || view.Mergeable == "" {
		return types.MergeableUnknown
	}
	return view.Mergeable
}

// ChecksPassing reports whether all required checks on a pull request pass
func (c *Client) ChecksPassing(ctx context.Context, number int) bool {
	_, err := c.run(ctx, c.dir, "pr", "checks", strconv.Itoa(number))
	return err == nil
}

// Merge squash-merges a pull request
func (c *Client) Merge(ctx context.Context, number int) error {
	if _, err := c.run(ctx, c.dir, "pr", "merge", strconv.Itoa(number), "--squash"); err != nil {
		return fmt.Errorf("merging pr %d: %w", number, err)
	}
	return nil
}
