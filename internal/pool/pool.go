// Package pool manages conversational agent threads across backend
// providers.
//
// The pool owns the thread registry: one Thread Record per task key,
// tracking the session id and liveness of that task's conversation. The
// registry is explicit state held by the pool instance, never package-level,
// and Reset clears it for test isolation. Launches for the same task key
// never run concurrently.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/virtengine/openfleet/internal/agent"
	"github.com/virtengine/openfleet/internal/config"
	"github.com/virtengine/openfleet/pkg/telemetry"
	"github.com/virtengine/openfleet/pkg/types"
)

// ErrNoProvider is the deterministic result when every backend is disabled
// or unavailable.
var ErrNoProvider = errors.New("no agent backend available")

// ErrThreadConflict is returned when a launch targets a task key whose
// thread is already running.
var ErrThreadConflict = errors.New("thread already running for task")

// LaunchResult reports the outcome of a launch-or-resume call
type LaunchResult struct {
	// Resumed is true when an existing session was continued
	Resumed bool
	// ThreadID identifies the thread the turn ran under
	ThreadID string
	// Items is the enforced item stream retained for the turn
	Items []types.StreamItem
}

// Pool dispatches turns to the first available provider and tracks thread
// records per task key.
type Pool struct {
	providers []agent.Provider
	cfg       *config.Config
	logger    *zap.Logger
	timeouts  *TimeoutNormalizer

	mu      sync.Mutex
	threads map[string]*types.ThreadRecord
}

// New creates a pool over the given providers. Provider availability is
// decided once, at construction, by whoever builds the provider list.
func New(providers []agent.Provider, cfg *config.Config, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "pool"))
	return &Pool{
		providers: providers,
		cfg:       cfg,
		logger:    logger,
		timeouts:  NewTimeoutNormalizer(cfg.TurnTimeout, logger),
		threads:   make(map[string]*types.ThreadRecord),
	}
}

// LaunchOrResume runs one turn. turnLimitMillis is the caller-supplied turn
// timeout in milliseconds and is normalized before use. extra carries
// optional thread metadata: only an object containing a "task" key
// creates or updates a thread record — nil and array values are ignored
// entirely and never touch the registry.
func (p *Pool) LaunchOrResume(ctx context.Context, prompt, workDir string, turnLimitMillis float64, extra any) (*LaunchResult, error) {
	provider := p.pickProvider()
	if provider == nil {
		return nil, ErrNoProvider
	}

	timeout := p.timeouts.Normalize(turnLimitMillis)

	taskKey, tracked := taskKeyFromExtra(extra)

	var sessionID string
	resumed := false
	threadID := taskKey

	if tracked {
		p.mu.Lock()
		record := p.threads[taskKey]
		if record != nil && record.Alive {
			p.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrThreadConflict, taskKey)
		}
		if record == nil {
			record = &types.ThreadRecord{TaskKey: taskKey, Provider: provider.Name()}
			p.threads[taskKey] = record
		}
		record.Alive = true
		record.Provider = provider.Name()
		sessionID = record.SessionID
		resumed = sessionID != ""
		p.mu.Unlock()

		defer func() {
			p.mu.Lock()
			record.Alive = false
			record.Turns++
			p.mu.Unlock()
		}()
	} else {
		threadID = uuid.New().String()
	}

	p.logger.Debug("dispatching turn",
		zap.String("provider", provider.Name()),
		zap.String("thread_key", threadID),
		zap.Bool("resumed", resumed))

	turnCtx, span := telemetry.StartTurnSpan(ctx, provider.Name(), threadID)
	defer span.End()

	items, newSessionID, err := p.runTurn(turnCtx, provider, agent.TurnRequest{
		Prompt:    prompt,
		Dir:       workDir,
		SessionID: sessionID,
		Timeout:   timeout,
	})
	if err != nil {
		telemetry.RecordError(span, err, telemetry.ErrorCategoryAgent)
		return nil, err
	}

	if tracked && newSessionID != "" {
		p.mu.Lock()
		p.threads[taskKey].SessionID = newSessionID
		p.mu.Unlock()
	}

	return &LaunchResult{Resumed: resumed, ThreadID: threadID, Items: items}, nil
}

// Thread returns a copy of the record for a task key
func (p *Pool) Thread(taskKey string) (*types.ThreadRecord, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	record, ok := p.threads[taskKey]
	if !ok {
		return nil, false
	}
	copied := *record
	return &copied, true
}

// Threads returns copies of every thread record
func (p *Pool) Threads() []*types.ThreadRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*types.ThreadRecord, 0, len(p.threads))
	for _, record := range p.threads {
		copied := *record
		out = append(out, &copied)
	}
	return out
}

// Reset clears the thread registry
func (p *Pool) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.threads = make(map[string]*types.ThreadRecord)
}

// pickProvider returns the first provider, or nil when none are configured
func (p *Pool) pickProvider() agent.Provider {
	if len(p.providers) == 0 {
		return nil
	}
	return p.providers[0]
}

// taskKeyFromExtra extracts the task key from the extra metadata argument.
// Only a map carrying a non-empty string under "task" counts; nil, arrays,
// and any other shape yield no key.
func taskKeyFromExtra(extra any) (string, bool) {
	m, ok := extra.(map[string]any)
	if !ok || m == nil {
		return "", false
	}
	key, ok := m["task"].(string)
	if !ok || key == "" {
		return "", false
	}
	return key, true
}
