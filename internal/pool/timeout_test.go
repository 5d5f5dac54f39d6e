package pool

import (
	"math"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNormalizeClampsLargeValues(t *testing.T) {
	n := NewTimeoutNormalizer(time.Minute, nil)

	want := time.Duration(math.MaxInt32) * time.Millisecond
	if got := n.Normalize(math.Pow(2, 31)); got != want {
		t.Errorf("Normalize(2^31) = %v, want %v", got, want)
	}
	if got := n.Normalize(math.Pow(2, 40)); got != want {
		t.Errorf("Normalize(2^40) = %v, want %v", got, want)
	}
	if got := n.Normalize(math.MaxInt32); got != want {
		t.Errorf("Normalize(2^31-1) = %v, want %v", got, want)
	}
}

func TestNormalizeSubstitutesDefault(t *testing.T) {
	def := 45 * time.Second
	n := NewTimeoutNormalizer(def, nil)

	for _, millis := range []float64{0, -1, -5000, math.NaN(), math.Inf(1), math.Inf(-1)} {
		if got := n.Normalize(millis); got != def {
			t.Errorf("Normalize(%v) = %v, want default %v", millis, got, def)
		}
	}
}

func TestNormalizePassesValidValues(t *testing.T) {
	n := NewTimeoutNormalizer(time.Minute, nil)

	if got := n.Normalize(1500); got != 1500*time.Millisecond {
		t.Errorf("Normalize(1500) = %v, want 1.5s", got)
	}
}

// Each distinct offending value warns exactly once, including NaN.
func TestNormalizeWarnsOncePerValue(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	n := NewTimeoutNormalizer(time.Minute, zap.New(core))

	for i := 0; i < 3; i++ {
		n.Normalize(0)
		n.Normalize(-7)
		n.Normalize(math.NaN())
	}

	if got := logs.Len(); got != 3 {
		t.Errorf("warning count = %d, want 3 (one per distinct value)", got)
	}
}
