package resolver

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/virtengine/openfleet/internal/config"
	"github.com/virtengine/openfleet/pkg/types"
)

type fakeForge struct {
	prs       []types.PullRequest
	listErr   error
	mergeable map[int]string
	checks    map[int]bool
	merged    []int
	listCalls int
}

func (f *fakeForge) ListOpenPRs(context.Context) ([]types.PullRequest, error) {
	f.listCalls++
	return f.prs, f.listErr
}

func (f *fakeForge) ListMergedPRs(context.Context, string) ([]types.PullRequest, error) {
	return nil, nil
}

func (f *fakeForge) MergeableState(_ context.Context, number int) string {
	if state, ok := f.mergeable[number]; ok {
		return state
	}
	return types.MergeableUnknown
}

func (f *fakeForge) ChecksPassing(_ context.Context, number int) bool {
	return f.checks[number]
}

func (f *fakeForge) Merge(_ context.Context, number int) error {
	f.merged = append(f.merged, number)
	return nil
}

type fakeSizer struct {
	size  int
	err   error
	calls int
}

func (f *fakeSizer) ConflictSize(context.Context, string, string) (int, error) {
	f.calls++
	return f.size, f.err
}

type fakeAgent struct {
	err   error
	calls int
}

func (f *fakeAgent) Resolve(context.Context, types.PullRequest, string) error {
	f.calls++
	return f.err
}

type fakeLocal struct {
	err   error
	calls int
}

func (f *fakeLocal) ResolveLocal(context.Context, string, string) error {
	f.calls++
	return f.err
}

func testCfg() *config.Config {
	return &config.Config{
		MaxConflictLines:   300,
		RecheckAttempts:    3,
		RecheckDelay:       time.Millisecond,
		EscalationThrottle: 30 * time.Minute,
	}
}

func conflictingPR(number int) types.PullRequest {
	return types.PullRequest{
		Number:    number,
		Title:     "conflicted change",
		BaseRef:   "main",
		HeadRef:   "feature-x",
		Mergeable: types.MergeableNo,
	}
}

func newTestResolver(forge *fakeForge, sizer *fakeSizer, agent *fakeAgent, local *fakeLocal, cfg *config.Config) (*Resolver, *Escalator) {
	esc := NewEscalator(cfg.EscalationThrottle, nil, nil)
	r := New(forge, sizer, agent, local, esc, cfg, nil)
	r.sleep = func(context.Context, time.Duration) error { return nil }
	return r, esc
}

// A failing agent attempt triggers exactly one local fallback.
func TestAgentFailureFallsBackToLocalOnce(t *testing.T) {
	forge := &fakeForge{
		prs:       []types.PullRequest{conflictingPR(7)},
		mergeable: map[int]string{7: types.MergeableYes},
	}
	sizer := &fakeSizer{size: 50}
	agent := &fakeAgent{err: errors.New("agent gave up")}
	local := &fakeLocal{}
	r, esc := newTestResolver(forge, sizer, agent, local, testCfg())

	r.RunCycle(context.Background())

	if agent.calls != 1 {
		t.Errorf("agent calls = %d, want 1", agent.calls)
	}
	if local.calls != 1 {
		t.Errorf("local calls = %d, want exactly 1", local.calls)
	}
	if len(esc.History()) != 0 {
		t.Errorf("unexpected escalations: %+v", esc.History())
	}
}

// A confirmed resolution fires the resolved callback; failures never do.
func TestResolvedCallbackFires(t *testing.T) {
	forge := &fakeForge{
		prs:       []types.PullRequest{conflictingPR(7)},
		mergeable: map[int]string{7: types.MergeableYes},
	}
	r, _ := newTestResolver(forge, &fakeSizer{size: 50}, &fakeAgent{}, &fakeLocal{}, testCfg())

	var resolved []int
	r.OnResolved(func(pr int) { resolved = append(resolved, pr) })

	r.RunCycle(context.Background())

	if len(resolved) != 1 || resolved[0] != 7 {
		t.Errorf("resolved callbacks = %v, want [7]", resolved)
	}
}

func TestResolvedCallbackSkippedOnEscalation(t *testing.T) {
	forge := &fakeForge{prs: []types.PullRequest{conflictingPR(7)}}
	agent := &fakeAgent{err: errors.New("agent failed")}
	local := &fakeLocal{err: errors.New("local failed")}
	r, _ := newTestResolver(forge, &fakeSizer{size: 50}, agent, local, testCfg())

	called := false
	r.OnResolved(func(int) { called = true })

	r.RunCycle(context.Background())

	if called {
		t.Error("resolved callback fired for an escalated PR")
	}
}

func TestBothAttemptsFailEscalates(t *testing.T) {
	forge := &fakeForge{prs: []types.PullRequest{conflictingPR(7)}}
	sizer := &fakeSizer{size: 50}
	agent := &fakeAgent{err: errors.New("agent failed")}
	local := &fakeLocal{err: errors.New("local failed")}
	r, esc := newTestResolver(forge, sizer, agent, local, testCfg())

	r.RunCycle(context.Background())

	if local.calls != 1 {
		t.Errorf("local calls = %d, want exactly 1", local.calls)
	}
	history := esc.History()
	if len(history) != 1 || history[0].Reason != ReasonResolutionFailed {
		t.Errorf("unexpected escalations: %+v", history)
	}
}

// Oversized conflicts skip both resolution paths and escalate exactly once.
func TestOversizedConflictEscalatesWithoutAttempts(t *testing.T) {
	forge := &fakeForge{prs: []types.PullRequest{conflictingPR(7)}}
	sizer := &fakeSizer{size: 500}
	agent := &fakeAgent{}
	local := &fakeLocal{}
	r, esc := newTestResolver(forge, sizer, agent, local, testCfg())

	r.RunCycle(context.Background())

	if agent.calls != 0 {
		t.Errorf("agent calls = %d, want 0", agent.calls)
	}
	if local.calls != 0 {
		t.Errorf("local calls = %d, want 0", local.calls)
	}
	history := esc.History()
	if len(history) != 1 || history[0].Reason != ReasonConflictTooLarge {
		t.Errorf("unexpected escalations: %+v", history)
	}
}

func TestUnconfirmedMergeableEscalates(t *testing.T) {
	forge := &fakeForge{
		prs:       []types.PullRequest{conflictingPR(7)},
		mergeable: map[int]string{7: types.MergeableUnknown},
	}
	r, esc := newTestResolver(forge, &fakeSizer{size: 10}, &fakeAgent{}, &fakeLocal{}, testCfg())

	r.RunCycle(context.Background())

	history := esc.History()
	if len(history) != 1 || history[0].Reason != ReasonMergeableUnconfirmed {
		t.Errorf("unexpected escalations: %+v", history)
	}
}

func TestNonConflictingPRsAreSkipped(t *testing.T) {
	pr := conflictingPR(7)
	pr.Mergeable = types.MergeableYes
	forge := &fakeForge{prs: []types.PullRequest{pr}}
	sizer := &fakeSizer{}
	r, _ := newTestResolver(forge, sizer, &fakeAgent{}, &fakeLocal{}, testCfg())

	r.RunCycle(context.Background())

	if sizer.calls != 0 {
		t.Errorf("sizer calls = %d, want 0", sizer.calls)
	}
}

func TestRunCycleSurvivesListFailure(t *testing.T) {
	forge := &fakeForge{listErr: errors.New("host unreachable")}
	r, _ := newTestResolver(forge, &fakeSizer{}, &fakeAgent{}, &fakeLocal{}, testCfg())

	// Must not panic or propagate.
	r.RunCycle(context.Background())
}

type panickingAgent struct{}

func (panickingAgent) Resolve(context.Context, types.PullRequest, string) error {
	panic("boom")
}

func TestRunCycleSurvivesPanic(t *testing.T) {
	forge := &fakeForge{prs: []types.PullRequest{conflictingPR(7)}}
	esc := NewEscalator(time.Minute, nil, nil)
	r := New(forge, &fakeSizer{size: 10}, panickingAgent{}, &fakeLocal{}, esc, testCfg(), nil)
	r.sleep = func(context.Context, time.Duration) error { return nil }

	r.RunCycle(context.Background())
}

func TestEscalationDedup(t *testing.T) {
	var notified []Record
	esc := NewEscalator(30*time.Minute, func(rec Record) { notified = append(notified, rec) }, nil)
	now := time.Now()
	esc.now = func() time.Time { return now }

	if !esc.Escalate(7, ReasonResolutionFailed) {
		t.Error("first escalation must notify")
	}
	if esc.Escalate(7, ReasonResolutionFailed) {
		t.Error("duplicate within window must be suppressed")
	}
	if esc.Suppressed() != 1 {
		t.Errorf("suppressed = %d, want 1", esc.Suppressed())
	}
	if !esc.Escalate(7, ReasonConflictTooLarge) {
		t.Error("different reason for the same PR must always notify")
	}
	if len(notified) != 2 {
		t.Errorf("notifications = %d, want 2", len(notified))
	}

	// Outside the window the same pair notifies again.
	now = now.Add(31 * time.Minute)
	if !esc.Escalate(7, ReasonResolutionFailed) {
		t.Error("escalation outside the window must notify")
	}
}

func TestBaseBranch(t *testing.T) {
	cases := []struct {
		baseRef string
		want    string
	}{
		{"origin/develop", "develop"},
		{"develop", "develop"},
		{"origin/main", "main"},
		{"", "main"},
		{"  ", "main"},
		{"release/origin/x", "release/origin/x"},
	}
	for _, tc := range cases {
		pr := types.PullRequest{BaseRef: tc.baseRef}
		if got := BaseBranch(pr); got != tc.want {
			t.Errorf("BaseBranch(%q) = %q, want %q", tc.baseRef, got, tc.want)
		}
	}
}

func TestAutoMergeDisabledDoesNothing(t *testing.T) {
	forge := &fakeForge{prs: []types.PullRequest{conflictingPR(7)}}
	cfg := testCfg()
	cfg.AutoMerge = false
	r, _ := newTestResolver(forge, &fakeSizer{}, &fakeAgent{}, &fakeLocal{}, cfg)

	r.RunAutoMerge(context.Background())

	if forge.listCalls != 0 {
		t.Errorf("auto-merge queried the host while disabled (%d calls)", forge.listCalls)
	}
}

func TestAutoMergeMergesGreenPRs(t *testing.T) {
	green := types.PullRequest{Number: 8, Mergeable: types.MergeableYes}
	red := types.PullRequest{Number: 9, Mergeable: types.MergeableYes}
	conflicted := conflictingPR(10)
	forge := &fakeForge{
		prs:    []types.PullRequest{green, red, conflicted},
		checks: map[int]bool{8: true, 9: false},
	}
	cfg := testCfg()
	cfg.AutoMerge = true
	r, _ := newTestResolver(forge, &fakeSizer{}, &fakeAgent{}, &fakeLocal{}, cfg)

	r.RunAutoMerge(context.Background())

	if len(forge.merged) != 1 || forge.merged[0] != 8 {
		t.Errorf("merged = %v, want [8]", forge.merged)
	}
}
