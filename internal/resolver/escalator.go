package resolver

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Record is one escalation handed to the operator
type Record struct {
	PR     int       `json:"pr"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// Escalator is the terminal, user-visible failure path. A repeated
// escalation for the same (PR, reason) pair inside the throttle window is
// counted but not re-notified; a different reason for the same PR always
// notifies.
type Escalator struct {
	throttle time.Duration
	logger   *zap.Logger
	notify   func(Record)
	now      func() time.Time

	mu         sync.Mutex
	seen       map[string]time.Time
	history    []Record
	suppressed int
}

// NewEscalator creates an escalator. notify may be nil; when set it is
// called once per non-suppressed escalation.
func NewEscalator(throttle time.Duration, notify func(Record), logger *zap.Logger) *Escalator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Escalator{
		throttle: throttle,
		logger:   logger.With(zap.String("component", "escalator")),
		notify:   notify,
		now:      time.Now,
		seen:     make(map[string]time.Time),
	}
}

// Escalate records an escalation. It returns false when the escalation was
// suppressed as a duplicate inside the throttle window.
func (e *Escalator) Escalate(pr int, reason string) bool {
	key := fmt.Sprintf("%d|%s", pr, reason)
	now := e.now()

	e.mu.Lock()
	if last, ok := e.seen[key]; ok && now.Sub(last) < e.throttle {
		e.suppressed++
		e.mu.Unlock()
		e.logger.Debug("escalation suppressed",
			zap.Int("pr", pr), zap.String("reason", reason))
		return false
	}
	e.seen[key] = now
	record := Record{PR: pr, Reason: reason, At: now}
	e.history = append(e.history, record)
	e.mu.Unlock()

	e.logger.Warn("escalating to operator",
		zap.Int("pr", pr), zap.String("reason", reason))
	if e.notify != nil {
		e.notify(record)
	}
	return true
}

// Suppressed returns how many duplicate escalations were swallowed
func (e *Escalator) Suppressed() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.suppressed
}

// History returns every non-suppressed escalation so far
func (e *Escalator) History() []Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Record, len(e.history))
	copy(out, e.history)
	return out
}
