// Package resolver drives the autonomous conflict-resolution loop.
//
// Each conflicting pull request moves through a small state machine: size
// check, agent-based resolution, one local fallback, then escalation to an
// operator. Escalations are deduplicated per (PR, reason) inside a throttle
// window. The periodic cycle catches its own failures; nothing in this
// package can take the daemon down.
package resolver

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/virtengine/openfleet/internal/config"
	"github.com/virtengine/openfleet/pkg/telemetry"
	"github.com/virtengine/openfleet/pkg/types"
)

// Escalation reasons
const (
	ReasonConflictTooLarge     = "conflict too large"
	ReasonResolutionFailed     = "resolution failed"
	ReasonMergeableUnconfirmed = "mergeable state unconfirmed"
)

// Forge is the resolver's read/merge surface on the VCS host
type Forge interface {
	ListOpenPRs(ctx context.Context) ([]types.PullRequest, error)
	ListMergedPRs(ctx context.Context, base string) ([]types.PullRequest, error)
	MergeableState(ctx context.Context, number int) string
	ChecksPassing(ctx context.Context, number int) bool
	Merge(ctx context.Context, number int) error
}

// Sizer computes the prospective conflict size of a branch against a base
type Sizer interface {
	ConflictSize(ctx context.Context, branch, base string) (int, error)
}

// AgentResolver attempts an agent-session-based resolution
type AgentResolver interface {
	Resolve(ctx context.Context, pr types.PullRequest, base string) error
}

// LocalResolver is the non-agent fallback strategy
type LocalResolver interface {
	ResolveLocal(ctx context.Context, branch, base string) error
}

// Resolver runs the conflict-resolution state machine over open PRs
type Resolver struct {
	forge  Forge
	sizer  Sizer
	agent  AgentResolver
	local  LocalResolver
	esc    *Escalator
	cfg    *config.Config
	logger *zap.Logger

	sleep      func(ctx context.Context, d time.Duration) error
	onResolved func(pr int)
}

// New creates a resolver
func New(forge Forge, sizer Sizer, agent AgentResolver, local LocalResolver, esc *Escalator, cfg *config.Config, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		forge:  forge,
		sizer:  sizer,
		agent:  agent,
		local:  local,
		esc:    esc,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "resolver")),
		sleep:  sleepCtx,
	}
}

// OnResolved registers a callback invoked after a PR's conflict is
// confirmed resolved. The daemon publishes a lifecycle event from it.
func (r *Resolver) OnResolved(fn func(pr int)) {
	r.onResolved = fn
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunCycle scans open PRs and resolves the conflicting ones. All failures
// are contained: a broken cycle logs and returns, it never propagates.
func (r *Resolver) RunCycle(ctx context.Context) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("resolver cycle panicked", zap.Any("panic", p))
		}
	}()

	prs, err := r.forge.ListOpenPRs(ctx)
	if err != nil {
		r.logger.Warn("cannot list open PRs, skipping cycle", zap.Error(err))
		return
	}

	for _, pr := range prs {
		if pr.Mergeable != types.MergeableNo {
			continue
		}
		r.resolveOne(ctx, pr)
	}
}

// resolveOne runs one PR through the state machine
func (r *Resolver) resolveOne(ctx context.Context, pr types.PullRequest) {
	base := BaseBranch(pr)
	log := r.logger.With(zap.Int("pr", pr.Number), zap.String("base", base))

	ctx, span := telemetry.StartResolveSpan(ctx, pr.Number,
		attribute.String(telemetry.KeyBaseBranch, base))
	defer span.End()

	size, err := r.sizer.ConflictSize(ctx, pr.HeadRef, base)
	if err != nil {
		// Not yet determined; the next cycle retries.
		log.Warn("cannot size conflict", zap.Error(err))
		telemetry.RecordError(span, err, telemetry.ErrorCategoryGit)
		return
	}

	if size > r.cfg.MaxConflictLines {
		log.Info("conflict exceeds auto-resolution threshold",
			zap.Int("lines", size), zap.Int("max", r.cfg.MaxConflictLines))
		r.esc.Escalate(pr.Number, ReasonConflictTooLarge)
		return
	}

	if err := r.agent.Resolve(ctx, pr, base); err != nil {
		log.Warn("agent resolution failed, trying local fallback", zap.Error(err))
		if err := r.local.ResolveLocal(ctx, pr.HeadRef, base); err != nil {
			log.Warn("local resolution failed", zap.Error(err))
			r.esc.Escalate(pr.Number, ReasonResolutionFailed)
			return
		}
	}

	if !r.awaitMergeable(ctx, pr.Number) {
		r.esc.Escalate(pr.Number, ReasonMergeableUnconfirmed)
		return
	}
	log.Info("conflict resolved", zap.Int("lines", size))
	if r.onResolved != nil {
		r.onResolved(pr.Number)
	}
}

// awaitMergeable polls until the host reports the PR mergeable, bounded by
// the configured recheck attempts.
func (r *Resolver) awaitMergeable(ctx context.Context, number int) bool {
	for attempt := 0; attempt < r.cfg.RecheckAttempts; attempt++ {
		if r.forge.MergeableState(ctx, number) == types.MergeableYes {
			return true
		}
		if err := r.sleep(ctx, r.cfg.RecheckDelay); err != nil {
			return false
		}
	}
	return false
}

// RunAutoMerge merges open PRs that are already green. It is a no-op unless
// auto-merge is enabled in configuration.
func (r *Resolver) RunAutoMerge(ctx context.Context) {
	if !r.cfg.AutoMerge {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("auto-merge cycle panicked", zap.Any("panic", p))
		}
	}()

	prs, err := r.forge.ListOpenPRs(ctx)
	if err != nil {
		r.logger.Warn("cannot list open PRs for auto-merge", zap.Error(err))
		return
	}

	for _, pr := range prs {
		if pr.Mergeable != types.MergeableYes {
			continue
		}
		if !r.forge.ChecksPassing(ctx, pr.Number) {
			continue
		}
		if err := r.forge.Merge(ctx, pr.Number); err != nil {
			r.logger.Warn("auto-merge failed", zap.Int("pr", pr.Number), zap.Error(err))
			continue
		}
		r.logger.Info("auto-merged green PR", zap.Int("pr", pr.Number))
	}
}

// BaseBranch derives the merge target from a PR's declared base reference,
// stripping a leading remote prefix. A missing base defaults to main.
func BaseBranch(pr types.PullRequest) string {
	ref := strings.TrimSpace(pr.BaseRef)
	ref = strings.TrimPrefix(ref, "origin/")
	if ref == "" {
		return "main"
	}
	return ref
}
