package resolver

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/virtengine/openfleet/internal/config"
	"github.com/virtengine/openfleet/internal/pool"
	"github.com/virtengine/openfleet/pkg/types"
)

// SessionResolver resolves conflicts by handing the PR to an agent session
// through the thread pool. Each PR gets its own thread key, so repeated
// attempts on the same PR resume the same conversation.
type SessionResolver struct {
	pool    *pool.Pool
	workDir string
	cfg     *config.Config
	logger  *zap.Logger
}

// NewSessionResolver creates an agent-backed resolver running in workDir
func NewSessionResolver(p *pool.Pool, workDir string, cfg *config.Config, logger *zap.Logger) *SessionResolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionResolver{
		pool:    p,
		workDir: workDir,
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "session-resolver")),
	}
}

// Resolve asks an agent session to merge the base branch and fix conflicts
func (s *SessionResolver) Resolve(ctx context.Context, pr types.PullRequest, base string) error {
	prompt := fmt.Sprintf(
		"Pull request #%d (%q) on branch %s has merge conflicts against %s. "+
			"Check out %s, merge %s into it, resolve every conflict preserving the intent "+
			"of both sides, run the test suite, and push the branch.",
		pr.Number, pr.Title, pr.HeadRef, base, pr.HeadRef, base)

	result, err := s.pool.LaunchOrResume(ctx, prompt, s.workDir,
		float64(s.cfg.TurnTimeout.Milliseconds()),
		map[string]any{"task": fmt.Sprintf("conflict-pr-%d", pr.Number)})
	if err != nil {
		return err
	}

	s.logger.Debug("agent resolution turn finished",
		zap.Int("pr", pr.Number),
		zap.Bool("resumed", result.Resumed),
		zap.Int("items", len(result.Items)))
	return nil
}
