package pool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/virtengine/openfleet/internal/agent"
	"github.com/virtengine/openfleet/pkg/types"
)

// ErrFirstEventTimeout marks an attempt where the backend produced nothing
// within the first-event window.
var ErrFirstEventTimeout = errors.New("no stream event within first-event window")

// truncationMarker trails item payloads cut at the per-item character limit
const truncationMarker = "...[truncated]"

// runTurn executes one turn with retries. Each attempt accumulates into a
// fresh item slice, so an aborted attempt leaves nothing behind for the
// next one. Attempts that fail for reasons other than caller cancellation
// retry with exponential backoff until the retry budget is spent.
func (p *Pool) runTurn(ctx context.Context, provider agent.Provider, req agent.TurnRequest) ([]types.StreamItem, string, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 10 * time.Second

	var lastErr error
	for attempt := 0; attempt <= p.cfg.StreamRetryBudget; attempt++ {
		items, sessionID, err := p.consumeOnce(ctx, provider, req)
		if err == nil {
			return items, sessionID, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		if attempt == p.cfg.StreamRetryBudget {
			break
		}

		delay := bo.NextBackOff()
		p.logger.Warn("stream attempt failed, retrying",
			zap.String("provider", provider.Name()),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", delay),
			zap.Error(err))

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, "", ctx.Err()
		}
	}
	return nil, "", fmt.Errorf("turn failed after %d attempts: %w", p.cfg.StreamRetryBudget+1, lastErr)
}

// consumeOnce runs a single stream attempt, enforcing the first-event
// timeout, the retained-item cap, and the per-item payload limit.
func (p *Pool) consumeOnce(ctx context.Context, provider agent.Provider, req agent.TurnRequest) ([]types.StreamItem, string, error) {
	var attemptCtx context.Context
	var cancel context.CancelFunc
	if req.Timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, req.Timeout)
	} else {
		attemptCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	turn, err := provider.StartTurn(attemptCtx, req)
	if err != nil {
		return nil, "", err
	}

	firstEvent := time.NewTimer(p.cfg.FirstEventTimeout)
	defer firstEvent.Stop()

	var items []types.StreamItem
	dropped := 0
	sawEvent := false

	for {
		select {
		case item, open := <-turn.Items():
			if !open {
				if err := turn.Wait(); err != nil {
					return nil, "", err
				}
				if dropped > 0 {
					items = append(items, types.StreamItem{
						Type:    types.StreamItemNotice,
						Payload: fmt.Sprintf("stream truncated: %d items dropped", dropped),
					})
				}
				return items, turn.SessionID(), nil
			}
			sawEvent = true
			if len(items) >= p.cfg.MaxStreamItems {
				dropped++
				continue
			}
			items = append(items, clampItem(item, p.cfg.MaxItemChars))

		case <-firstEvent.C:
			if sawEvent {
				continue
			}
			// Abort this attempt; the cancel tears the subprocess down.
			cancel()
			return nil, "", ErrFirstEventTimeout

		case <-ctx.Done():
			return nil, "", ctx.Err()
		}
	}
}

// clampItem enforces the per-item payload character limit
func clampItem(item types.StreamItem, maxChars int) types.StreamItem {
	if maxChars <= 0 || len(item.Payload) <= maxChars {
		return item
	}
	item.Payload = item.Payload[:maxChars] + truncationMarker
	return item
}
