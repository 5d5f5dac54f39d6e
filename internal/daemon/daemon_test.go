package daemon

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/virtengine/openfleet/internal/config"
	"github.com/virtengine/openfleet/pkg/types"
)

func testDaemonConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load(t.TempDir())
	if err != nil {
		t.Fatalf("config load failed: %v", err)
	}
	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		t.Fatalf("creating state dir: %v", err)
	}
	cfg.PollInterval = 20 * time.Millisecond
	cfg.DisableClaude = true
	cfg.DisableCodex = true
	cfg.DisableOpenCode = true
	return cfg
}

func newTestDaemon(t *testing.T) *Daemon {
	t.Helper()
	cfg := testDaemonConfig(t)
	d, err := New(cfg.StateDir, cfg, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return d
}

func TestDaemonRunStopsOnContextCancel(t *testing.T) {
	d := newTestDaemon(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v, want nil on cancellation", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop after context cancellation")
	}
}

func TestDaemonFailsTaskWithoutProviders(t *testing.T) {
	d := newTestDaemon(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)

	if err := d.store.AddTask(&types.Task{ID: "t1", Title: "do something"}); err != nil {
		t.Fatalf("AddTask failed: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if task, ok := d.store.GetTask("t1"); ok && task.Status == types.TaskStatusFailed {
			if task.LastError == "" {
				t.Error("failed task has no recorded error")
			}
			cancel()
			<-done
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("task never reached failed state")
}

func TestRunSafelyContainsPanics(t *testing.T) {
	d := newTestDaemon(t)

	defer func() {
		if p := recover(); p != nil {
			t.Fatalf("panic escaped containment: %v", p)
		}
	}()
	d.runSafely("explode", func() { panic(errors.New("boom")) })
}

func TestEverySpec(t *testing.T) {
	if got := everySpec(5 * time.Minute); got != "@every 5m0s" {
		t.Errorf("everySpec = %q, want %q", got, "@every 5m0s")
	}
}
