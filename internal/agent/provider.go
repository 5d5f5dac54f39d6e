// Package agent provides backend providers for AI coding agent sessions.
//
// Each provider wraps a coding-agent CLI and exposes turns as a stream of
// items read from the subprocess as it produces them. Providers are
// stateless; session continuity is carried by the session id a provider
// reports on its first turn.
package agent

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/virtengine/openfleet/internal/config"
	"github.com/virtengine/openfleet/pkg/types"
)

// TurnRequest describes one turn of work for a provider
type TurnRequest struct {
	// Prompt is the instruction for this turn
	Prompt string
	// Dir is the working directory the agent runs in
	Dir string
	// SessionID resumes an existing session when set
	SessionID string
	// Timeout bounds the whole turn; zero means the caller's context governs
	Timeout time.Duration
}

// Provider executes turns against one agent backend
type Provider interface {
	// Name identifies the backend ("claude", "codex", "opencode")
	Name() string

	// Available reports whether the backend CLI is installed and usable
	Available() bool

	// StartTurn begins a turn. When req.SessionID is set the provider
	// resumes that session instead of starting a new one.
	StartTurn(ctx context.Context, req TurnRequest) (*Turn, error)
}

// Turn is a single in-flight agent turn. Items are delivered on the Items
// channel as the subprocess emits them; the channel closes when the stream
// ends, and Wait reports the turn's final error.
type Turn struct {
	items chan types.StreamItem
	done  chan error

	mu        sync.Mutex
	sessionID string
}

// NewTurn returns an empty turn to be fed through Emit and Finish. The
// subprocess providers feed turns from their stdout readers; fakes feed
// them directly.
func NewTurn() *Turn {
	return &Turn{
		items: make(chan types.StreamItem, 16),
		done:  make(chan error, 1),
	}
}

// Emit delivers one item to the turn's consumer, blocking until accepted
func (t *Turn) Emit(item types.StreamItem) {
	t.items <- item
}

// Finish closes the item stream and records the turn outcome
func (t *Turn) Finish(sessionID string, err error) {
	t.setSessionID(sessionID)
	close(t.items)
	t.done <- err
}

// Items returns the stream of items produced by this turn
func (t *Turn) Items() <-chan types.StreamItem {
	return t.items
}

// Wait blocks until the turn finishes and returns its final error
func (t *Turn) Wait() error {
	return <-t.done
}

// SessionID returns the session id the backend reported, if any yet
func (t *Turn) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID
}

func (t *Turn) setSessionID(id string) {
	if id == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sessionID == "" {
		t.sessionID = id
	}
}

// NewProviders constructs every enabled provider in preference order.
// Disabled or unavailable backends are skipped.
func NewProviders(cfg *config.Config, logger *zap.Logger) []Provider {
	if logger == nil {
		logger = zap.NewNop()
	}

	candidates := []struct {
		disabled bool
		provider Provider
	}{
		{cfg.DisableClaude, NewClaude(cfg.ClaudePath, logger)},
		{cfg.DisableCodex, NewCodex(cfg.CodexPath, logger)},
		{cfg.DisableOpenCode, NewOpenCode(cfg.OpenCodePath, logger)},
	}

	var out []Provider
	for _, c := range candidates {
		if c.disabled {
			logger.Debug("provider disabled by configuration",
				zap.String("provider", c.provider.Name()))
			continue
		}
		if !c.provider.Available() {
			logger.Debug("provider binary not available",
				zap.String("provider", c.provider.Name()))
			continue
		}
		out = append(out, c.provider)
	}
	return out
}
