package daemon

import (
	"errors"
	"testing"
	"time"
)

func TestThrottleWindowLimit(t *testing.T) {
	th := NewThrottle(2, nil)

	if !th.Acquire() || !th.Acquire() {
		t.Fatal("expected two slots available")
	}
	if th.Acquire() {
		t.Error("third acquire should fail with window of 2")
	}
	th.Release()
	if !th.Acquire() {
		t.Error("released slot should be reusable")
	}
}

func TestThrottleRateLimitPausesDispatch(t *testing.T) {
	th := NewThrottle(2, nil)

	th.OnSignal(SignalRateLimited)
	if th.Acquire() {
		t.Error("dispatch should be paused after a rate limit")
	}

	// Simulate the pause expiring.
	th.mu.Lock()
	th.pausedUntil = time.Now().Add(-time.Second)
	th.mu.Unlock()
	if !th.Acquire() {
		t.Error("dispatch should resume after the pause expires")
	}
}

func TestThrottleRateLimitBackoffDoubles(t *testing.T) {
	th := NewThrottle(4, nil)

	th.OnSignal(SignalRateLimited)
	first := th.backoff
	th.OnSignal(SignalRateLimited)
	if th.backoff != first*2 {
		t.Errorf("backoff = %v, want %v", th.backoff, first*2)
	}

	for i := 0; i < 10; i++ {
		th.OnSignal(SignalRateLimited)
	}
	if th.backoff > th.maxBackoff {
		t.Errorf("backoff %v exceeds cap %v", th.backoff, th.maxBackoff)
	}
}

func TestThrottleRepeatedSlowShrinksWindow(t *testing.T) {
	th := NewThrottle(4, nil)

	th.OnSignal(SignalSlow)
	th.OnSignal(SignalSlow)
	if th.Window() != 4 {
		t.Errorf("window shrank after two slow turns: %d", th.Window())
	}
	th.OnSignal(SignalSlow)
	if th.Window() != 2 {
		t.Errorf("window = %d after three slow turns, want 2", th.Window())
	}
}

func TestThrottleWindowNeverBelowOne(t *testing.T) {
	th := NewThrottle(2, nil)
	for i := 0; i < 10; i++ {
		th.OnSignal(SignalRateLimited)
	}
	if th.Window() != 1 {
		t.Errorf("window = %d, want floor of 1", th.Window())
	}
}

func TestThrottleSustainedOKGrowsWindow(t *testing.T) {
	th := NewThrottle(4, nil)
	th.OnSignal(SignalRateLimited) // shrink to 2

	for i := 0; i < 5; i++ {
		th.OnSignal(SignalOK)
	}
	if th.Window() != 3 {
		t.Errorf("window = %d after sustained healthy turns, want 3", th.Window())
	}

	// Growth stops at the configured maximum.
	for i := 0; i < 20; i++ {
		th.OnSignal(SignalOK)
	}
	if th.Window() != 4 {
		t.Errorf("window = %d, want configured max 4", th.Window())
	}
}

func TestThrottleOKResetsBackoff(t *testing.T) {
	th := NewThrottle(2, nil)
	th.OnSignal(SignalRateLimited)
	th.OnSignal(SignalRateLimited)
	th.OnSignal(SignalOK)
	if th.backoff != 30*time.Second {
		t.Errorf("backoff = %v after healthy turn, want 30s", th.backoff)
	}
}

func TestClassifyTurnError(t *testing.T) {
	cases := []struct {
		err  error
		want Signal
	}{
		{errors.New("API rate limit exceeded"), SignalRateLimited},
		{errors.New("server returned 429"), SignalRateLimited},
		{errors.New("context deadline exceeded"), SignalSlow},
		{errors.New("no first-event within budget"), SignalSlow},
		{errors.New("exec: claude: not found"), SignalError},
	}
	for _, tc := range cases {
		if got := classifyTurnError(tc.err); got != tc.want {
			t.Errorf("classifyTurnError(%q) = %s, want %s", tc.err, got, tc.want)
		}
	}
}
