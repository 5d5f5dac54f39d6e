package pool

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/virtengine/openfleet/internal/agent"
	"github.com/virtengine/openfleet/internal/config"
	"github.com/virtengine/openfleet/pkg/types"
)

func testConfig() *config.Config {
	return &config.Config{
		TurnTimeout:       time.Minute,
		FirstEventTimeout: 50 * time.Millisecond,
		StreamRetryBudget: 1,
		MaxStreamItems:    1000,
		MaxItemChars:      50000,
	}
}

// stubProvider plays back one scripted turn per call
type stubProvider struct {
	turns   []func() *agent.Turn
	calls   int
	lastReq agent.TurnRequest
}

func (s *stubProvider) Name() string    { return "stub" }
func (s *stubProvider) Available() bool { return true }

func (s *stubProvider) StartTurn(_ context.Context, req agent.TurnRequest) (*agent.Turn, error) {
	s.lastReq = req
	i := s.calls
	s.calls++
	if i >= len(s.turns) {
		i = len(s.turns) - 1
	}
	return s.turns[i](), nil
}

// scriptedTurn feeds the given items and finishes with the given outcome
func scriptedTurn(items []types.StreamItem, sessionID string, err error) func() *agent.Turn {
	return func() *agent.Turn {
		t := agent.NewTurn()
		go func() {
			for _, item := range items {
				t.Emit(item)
			}
			t.Finish(sessionID, err)
		}()
		return t
	}
}

// silentTurn never emits and never finishes
func silentTurn() *agent.Turn {
	return agent.NewTurn()
}

func oneMessage(payload string) []types.StreamItem {
	return []types.StreamItem{{Type: types.StreamItemMessage, Payload: payload}}
}

func taskExtra(key string) map[string]any {
	return map[string]any{"task": key}
}

func TestLaunchNoProvider(t *testing.T) {
	p := New(nil, testConfig(), nil)

	_, err := p.LaunchOrResume(context.Background(), "hello", t.TempDir(), 1000, taskExtra("t1"))
	if !errors.Is(err, ErrNoProvider) {
		t.Errorf("expected ErrNoProvider, got %v", err)
	}
}

func TestLaunchCreatesThreadRecord(t *testing.T) {
	stub := &stubProvider{turns: []func() *agent.Turn{
		scriptedTurn(oneMessage("done"), "session-1", nil),
	}}
	p := New([]agent.Provider{stub}, testConfig(), nil)

	result, err := p.LaunchOrResume(context.Background(), "do it", t.TempDir(), 1000, taskExtra("t1"))
	if err != nil {
		t.Fatalf("LaunchOrResume failed: %v", err)
	}
	if result.Resumed {
		t.Error("first launch must not report resumed")
	}

	record, ok := p.Thread("t1")
	if !ok {
		t.Fatal("thread record not created")
	}
	if record.SessionID != "session-1" {
		t.Errorf("session id = %q, want session-1", record.SessionID)
	}
	if record.Alive {
		t.Error("record still alive after turn completed")
	}
	if record.Turns != 1 {
		t.Errorf("turns = %d, want 1", record.Turns)
	}
}

func TestResumePassesSessionID(t *testing.T) {
	stub := &stubProvider{turns: []func() *agent.Turn{
		scriptedTurn(oneMessage("first"), "session-1", nil),
		scriptedTurn(oneMessage("second"), "session-1", nil),
	}}
	p := New([]agent.Provider{stub}, testConfig(), nil)

	if _, err := p.LaunchOrResume(context.Background(), "start", t.TempDir(), 1000, taskExtra("t1")); err != nil {
		t.Fatalf("first launch failed: %v", err)
	}
	result, err := p.LaunchOrResume(context.Background(), "continue", t.TempDir(), 1000, taskExtra("t1"))
	if err != nil {
		t.Fatalf("second launch failed: %v", err)
	}

	if !result.Resumed {
		t.Error("second launch must report resumed")
	}
	if stub.lastReq.SessionID != "session-1" {
		t.Errorf("resume did not pass session id, got %q", stub.lastReq.SessionID)
	}
}

func TestLaunchConflict(t *testing.T) {
	release := make(chan struct{})
	blocking := func() *agent.Turn {
		turn := agent.NewTurn()
		go func() {
			turn.Emit(types.StreamItem{Type: types.StreamItemMessage, Payload: "working"})
			<-release
			turn.Finish("session-1", nil)
		}()
		return turn
	}
	stub := &stubProvider{turns: []func() *agent.Turn{blocking}}
	p := New([]agent.Provider{stub}, testConfig(), nil)

	done := make(chan error, 1)
	go func() {
		_, err := p.LaunchOrResume(context.Background(), "long", t.TempDir(), 1000, taskExtra("t1"))
		done <- err
	}()

	deadline := time.After(2 * time.Second)
	for {
		if record, ok := p.Thread("t1"); ok && record.Alive {
			break
		}
		select {
		case <-deadline:
			t.Fatal("thread never became alive")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if _, err := p.LaunchOrResume(context.Background(), "again", t.TempDir(), 1000, taskExtra("t1")); !errors.Is(err, ErrThreadConflict) {
		t.Errorf("expected ErrThreadConflict, got %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("blocking launch failed: %v", err)
	}
}

// Malformed extra metadata must never create a thread record, but the turn
// itself still runs.
func TestExtraMetadataGuards(t *testing.T) {
	for _, extra := range []any{nil, []any{"task", "t1"}, map[string]any{"other": "x"}, map[string]any{"task": 42}} {
		stub := &stubProvider{turns: []func() *agent.Turn{
			scriptedTurn(oneMessage("ok"), "", nil),
		}}
		p := New([]agent.Provider{stub}, testConfig(), nil)

		result, err := p.LaunchOrResume(context.Background(), "go", t.TempDir(), 1000, extra)
		if err != nil {
			t.Fatalf("extra %v: launch failed: %v", extra, err)
		}
		if result.ThreadID == "" {
			t.Errorf("extra %v: missing thread id", extra)
		}
		if got := len(p.Threads()); got != 0 {
			t.Errorf("extra %v: registry has %d records, want 0", extra, got)
		}
	}
}

func TestFirstEventTimeoutRetries(t *testing.T) {
	stub := &stubProvider{turns: []func() *agent.Turn{
		silentTurn,
		scriptedTurn(oneMessage("recovered"), "", nil),
	}}
	p := New([]agent.Provider{stub}, testConfig(), nil)

	result, err := p.LaunchOrResume(context.Background(), "slow start", t.TempDir(), 60000, nil)
	if err != nil {
		t.Fatalf("expected retry to recover, got %v", err)
	}
	if stub.calls != 2 {
		t.Errorf("calls = %d, want 2", stub.calls)
	}
	if len(result.Items) != 1 || result.Items[0].Payload != "recovered" {
		t.Errorf("unexpected items: %+v", result.Items)
	}
}

func TestFirstEventTimeoutExhaustsBudget(t *testing.T) {
	stub := &stubProvider{turns: []func() *agent.Turn{silentTurn}}
	p := New([]agent.Provider{stub}, testConfig(), nil)

	_, err := p.LaunchOrResume(context.Background(), "never starts", t.TempDir(), 60000, nil)
	if !errors.Is(err, ErrFirstEventTimeout) {
		t.Errorf("expected ErrFirstEventTimeout after budget, got %v", err)
	}
	if stub.calls != 2 {
		t.Errorf("calls = %d, want 2 (initial + one retry)", stub.calls)
	}
}

func TestTransientErrorRetries(t *testing.T) {
	stub := &stubProvider{turns: []func() *agent.Turn{
		scriptedTurn(nil, "", errors.New("stream reset by peer")),
		scriptedTurn(oneMessage("second try"), "", nil),
	}}
	p := New([]agent.Provider{stub}, testConfig(), nil)

	if _, err := p.LaunchOrResume(context.Background(), "flaky", t.TempDir(), 60000, nil); err != nil {
		t.Fatalf("expected retry to recover, got %v", err)
	}
	if stub.calls != 2 {
		t.Errorf("calls = %d, want 2", stub.calls)
	}
}

func TestMaxStreamItemsTruncation(t *testing.T) {
	items := make([]types.StreamItem, 10)
	for i := range items {
		items[i] = types.StreamItem{Type: types.StreamItemMessage, Payload: "chunk"}
	}
	stub := &stubProvider{turns: []func() *agent.Turn{
		scriptedTurn(items, "", nil),
	}}
	cfg := testConfig()
	cfg.MaxStreamItems = 3
	p := New([]agent.Provider{stub}, cfg, nil)

	result, err := p.LaunchOrResume(context.Background(), "chatty", t.TempDir(), 60000, nil)
	if err != nil {
		t.Fatalf("launch failed: %v", err)
	}

	if len(result.Items) != 4 {
		t.Fatalf("retained %d items, want 3 + notice", len(result.Items))
	}
	last := result.Items[len(result.Items)-1]
	if last.Type != types.StreamItemNotice {
		t.Errorf("last item type = %s, want %s", last.Type, types.StreamItemNotice)
	}
	if !strings.Contains(last.Payload, "7") {
		t.Errorf("notice should report 7 dropped items, got %q", last.Payload)
	}
}

func TestMaxItemCharsTruncation(t *testing.T) {
	stub := &stubProvider{turns: []func() *agent.Turn{
		scriptedTurn(oneMessage(strings.Repeat("x", 50)), "", nil),
	}}
	cfg := testConfig()
	cfg.MaxItemChars = 10
	p := New([]agent.Provider{stub}, cfg, nil)

	result, err := p.LaunchOrResume(context.Background(), "verbose", t.TempDir(), 60000, nil)
	if err != nil {
		t.Fatalf("launch failed: %v", err)
	}

	payload := result.Items[0].Payload
	if !strings.HasSuffix(payload, truncationMarker) {
		t.Errorf("payload missing truncation marker: %q", payload)
	}
	if !strings.HasPrefix(payload, strings.Repeat("x", 10)) {
		t.Errorf("payload not clamped at limit: %q", payload)
	}
}

func TestReset(t *testing.T) {
	stub := &stubProvider{turns: []func() *agent.Turn{
		scriptedTurn(oneMessage("ok"), "s", nil),
	}}
	p := New([]agent.Provider{stub}, testConfig(), nil)

	if _, err := p.LaunchOrResume(context.Background(), "x", t.TempDir(), 1000, taskExtra("t1")); err != nil {
		t.Fatalf("launch failed: %v", err)
	}
	p.Reset()
	if got := len(p.Threads()); got != 0 {
		t.Errorf("registry has %d records after reset, want 0", got)
	}
}
