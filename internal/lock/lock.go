// Package lock implements the singleton daemon lock.
//
// The lock is a JSON payload on disk identifying the owning process. A
// random token distinguishes successive acquisitions by the same pid, which
// detects pid-reuse and stale legacy files. Acquisition never fails daemon
// startup: unexpected filesystem errors degrade to best-effort success.
package lock

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const lockFileName = "daemon.lock"

// Payload is the on-disk lock representation. Legacy payloads may omit
// lock_token.
type Payload struct {
	PID       float64  `json:"pid"`
	StartedAt string   `json:"started_at"`
	Argv      []string `json:"argv"`
	LockToken string   `json:"lock_token,omitempty"`
}

// Lock guards single-instance daemon execution via a lock directory
type Lock struct {
	dir    string
	path   string
	guard  *flock.Flock
	logger *zap.Logger
	policy Policy

	// what this process last wrote, for re-entrancy and foreign-claim checks
	lastToken     string
	lastStartedAt string
}

// New creates a lock rooted at lockDir
func New(lockDir string, policy Policy, logger *zap.Logger) *Lock {
	if logger == nil {
		logger = zap.NewNop()
	}
	policy = policy.withDefaults()
	return &Lock{
		dir:    lockDir,
		path:   filepath.Join(lockDir, lockFileName),
		guard:  flock.New(filepath.Join(lockDir, lockFileName+".flock")),
		logger: logger.With(zap.String("component", "lock")),
		policy: policy,
	}
}

// Path returns the lock file location
func (l *Lock) Path() string {
	return l.path
}

// Acquire attempts to take the singleton lock. It returns true once this
// process holds the lock and false for ordinary contention; it never
// returns an error. Unexpected filesystem failures are logged and treated
// as success so lock trouble alone cannot block daemon startup.
func (l *Lock) Acquire() bool {
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		l.logger.Warn("cannot create lock directory, proceeding without lock", zap.Error(err))
		return true
	}

	// The flock sibling serializes the read-modify-write below across
	// racing acquirers. Failure to take it degrades to best-effort.
	if err := l.guard.Lock(); err != nil {
		l.logger.Warn("flock guard unavailable", zap.Error(err))
	} else {
		defer func() { _ = l.guard.Unlock() }()
	}

	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return l.writeFresh()
		}
		l.logger.Warn("cannot read lock file, proceeding as acquired", zap.Error(err))
		return true
	}

	var payload Payload
	if err := json.Unmarshal(data, &payload); err != nil {
		l.logger.Info("lock file is malformed, replacing", zap.Error(err))
		return l.writeFresh()
	}

	if !IsPidAlive(payload.PID) {
		l.logger.Info("lock holder is gone, replacing stale lock",
			zap.Float64("pid", payload.PID))
		return l.writeFresh()
	}

	pid := int(payload.PID)
	if pid == os.Getpid() {
		if l.tokenMatches(payload) {
			// Re-entrant acquisition: leave the file untouched.
			return true
		}
		// Same pid but a token we never wrote: pid reuse across a
		// previous daemon incarnation, or a stale legacy file.
		l.logger.Info("lock file claims our pid with a foreign token, replacing")
		return l.writeFresh()
	}

	// A live foreign process holds the lock. Decide whether it really is
	// another monitor before yielding.
	owner := l.classifyOwner(pid, payload)
	if owner == OwnerMonitor {
		l.logger.Info("another monitor instance holds the lock",
			zap.Int("pid", pid))
		return false
	}

	l.logger.Info("lock held by non-monitor process, replacing",
		zap.Int("pid", pid), zap.String("owner", string(owner)))
	return l.writeFresh()
}

// tokenMatches reports whether the payload is the one this process last
// wrote. Legacy payloads without a token fall back to the start timestamp.
func (l *Lock) tokenMatches(payload Payload) bool {
	if payload.LockToken != "" {
		return payload.LockToken == l.lastToken && l.lastToken != ""
	}
	return payload.StartedAt == l.lastStartedAt && l.lastStartedAt != ""
}

// classifyOwner resolves what kind of process currently holds the lock
func (l *Lock) classifyOwner(pid int, payload Payload) Owner {
	owner := ClassifyCommand(readCommandLine(pid), l.policy)
	if owner != OwnerUnknown {
		return owner
	}
	// Command line unavailable: trust the payload only when its argv looks
	// monitor-like and its timestamp is unparseable or recent. The safe
	// default favors lock replacement over indefinite deadlock.
	if l.payloadLooksMonitor(payload) {
		return OwnerMonitor
	}
	return OwnerOther
}

// payloadLooksMonitor applies the unknown-owner heuristic from the payload
// alone: monitor-like argv plus an unparseable or fresh start timestamp.
func (l *Lock) payloadLooksMonitor(payload Payload) bool {
	if ClassifyCommand(joinArgv(payload.Argv), l.policy) != OwnerMonitor {
		return false
	}
	started, err := time.Parse(time.RFC3339, payload.StartedAt)
	if err != nil {
		return true
	}
	return started.After(time.Now().Add(-l.policy.Grace))
}

// writeFresh replaces the lock file with a payload for this process
func (l *Lock) writeFresh() bool {
	payload := Payload{
		PID:       float64(os.Getpid()),
		StartedAt: time.Now().UTC().Format(time.RFC3339),
		Argv:      os.Args,
		LockToken: uuid.New().String(),
	}

	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		l.logger.Warn("cannot marshal lock payload, proceeding as acquired", zap.Error(err))
		return true
	}
	if err := os.WriteFile(l.path, data, 0o644); err != nil {
		l.logger.Warn("cannot write lock file, proceeding as acquired", zap.Error(err))
		return true
	}

	l.lastToken = payload.LockToken
	l.lastStartedAt = payload.StartedAt
	return true
}

// Release removes the lock file if this process still owns it
func (l *Lock) Release() {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return
	}
	var payload Payload
	if err := json.Unmarshal(data, &payload); err == nil && !l.tokenMatches(payload) {
		// Someone else claimed the lock since our last write; leave it.
		return
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		l.logger.Warn("failed to remove lock file", zap.Error(err))
	}
}

// Current returns the parsed on-disk payload, if any
func (l *Lock) Current() (*Payload, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, err
	}
	var payload Payload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("parsing lock payload: %w", err)
	}
	return &payload, nil
}
