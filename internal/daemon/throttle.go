package daemon

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Signal is a health signal reported after each agent turn
type Signal string

const (
	SignalOK          Signal = "ok"
	SignalRateLimited Signal = "rate_limited"
	SignalSlow        Signal = "slow"
	SignalError       Signal = "error"
)

// Throttle adapts how many tasks dispatch concurrently based on backend
// health. Rate limits pause dispatch entirely with exponential backoff;
// repeated slow turns shrink the concurrency window; sustained healthy
// turns grow it back toward the configured maximum.
type Throttle struct {
	logger *zap.Logger

	mu              sync.Mutex
	max             int // current concurrency window
	configuredMax   int
	min             int
	inFlight        int
	consecutiveSlow int
	consecutiveOK   int
	pausedUntil     time.Time
	backoff         time.Duration
	maxBackoff      time.Duration
}

// NewThrottle creates a throttle with a concurrency window of [1, workers]
func NewThrottle(workers int, logger *zap.Logger) *Throttle {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Throttle{
		logger:        logger.With(zap.String("component", "throttle")),
		max:           workers,
		configuredMax: workers,
		min:           1,
		backoff:       30 * time.Second,
		maxBackoff:    5 * time.Minute,
	}
}

// Acquire claims a dispatch slot. It returns false while dispatch is paused
// or the window is full.
func (t *Throttle) Acquire() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if time.Now().Before(t.pausedUntil) {
		return false
	}
	if t.inFlight >= t.max {
		return false
	}
	t.inFlight++
	return true
}

// Release returns a dispatch slot
func (t *Throttle) Release() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.inFlight > 0 {
		t.inFlight--
	}
}

// OnSignal adjusts the window from a turn's health signal
func (t *Throttle) OnSignal(signal Signal) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch signal {
	case SignalRateLimited:
		t.pausedUntil = time.Now().Add(t.backoff)
		t.logger.Warn("backend rate limited, pausing dispatch",
			zap.Duration("backoff", t.backoff))
		t.backoff *= 2
		if t.backoff > t.maxBackoff {
			t.backoff = t.maxBackoff
		}
		t.shrinkLocked()

	case SignalSlow:
		t.consecutiveOK = 0
		t.consecutiveSlow++
		if t.consecutiveSlow >= 3 {
			t.consecutiveSlow = 0
			t.shrinkLocked()
		}

	case SignalError:
		t.consecutiveOK = 0
		t.consecutiveSlow = 0

	case SignalOK:
		t.consecutiveSlow = 0
		t.consecutiveOK++
		t.backoff = 30 * time.Second
		if t.consecutiveOK >= 5 && t.max < t.configuredMax {
			t.consecutiveOK = 0
			t.max++
			t.logger.Info("raising dispatch concurrency", zap.Int("max", t.max))
		}
	}
}

// shrinkLocked halves the window, never below the minimum. Caller holds mu.
func (t *Throttle) shrinkLocked() {
	next := t.max / 2
	if next < t.min {
		next = t.min
	}
	if next != t.max {
		t.max = next
		t.logger.Info("reducing dispatch concurrency", zap.Int("max", t.max))
	}
}

// Window reports the current concurrency window
func (t *Throttle) Window() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.max
}
