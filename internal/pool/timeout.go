package pool

import (
	"math"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// maxTimeoutMillis is the largest accepted delay, matching the maximum a
// 32-bit timer can represent.
const maxTimeoutMillis = float64(math.MaxInt32)

// TimeoutNormalizer sanitizes caller-supplied turn timeouts. Invalid inputs
// are replaced with the configured default and oversized ones are clamped;
// each distinct offending value is warned about at most once.
type TimeoutNormalizer struct {
	def    time.Duration
	logger *zap.Logger

	mu     sync.Mutex
	warned map[string]struct{}
}

// NewTimeoutNormalizer creates a normalizer substituting def for invalid
// inputs.
func NewTimeoutNormalizer(def time.Duration, logger *zap.Logger) *TimeoutNormalizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TimeoutNormalizer{
		def:    def,
		logger: logger,
		warned: make(map[string]struct{}),
	}
}

// Normalize converts a timeout in milliseconds to a duration. NaN,
// infinities, zero, and negatives substitute the default; values above
// 2^31−1 clamp to it.
func (n *TimeoutNormalizer) Normalize(millis float64) time.Duration {
	switch {
	case math.IsNaN(millis) || math.IsInf(millis, 0) || millis <= 0:
		n.warnOnce(millis, "invalid timeout, using default")
		return n.def
	case millis > maxTimeoutMillis:
		n.warnOnce(millis, "timeout clamped to maximum")
		return time.Duration(math.MaxInt32) * time.Millisecond
	default:
		return time.Duration(millis) * time.Millisecond
	}
}

// warnOnce logs one warning per distinct offending value. Values are keyed
// by their string form so NaN dedupes like everything else.
func (n *TimeoutNormalizer) warnOnce(millis float64, msg string) {
	key := strconv.FormatFloat(millis, 'g', -1, 64)

	n.mu.Lock()
	_, seen := n.warned[key]
	if !seen {
		n.warned[key] = struct{}{}
	}
	n.mu.Unlock()

	if !seen {
		n.logger.Warn(msg,
			zap.String("value", key),
			zap.Duration("default", n.def))
	}
}
