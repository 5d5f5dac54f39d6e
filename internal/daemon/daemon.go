// Package daemon runs the fleet monitor: the long-lived process that owns
// the task store, dispatches agent sessions, and drives the periodic
// conflict-resolution and auto-merge loops.
package daemon

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/virtengine/openfleet/internal/agent"
	"github.com/virtengine/openfleet/internal/api"
	"github.com/virtengine/openfleet/internal/config"
	"github.com/virtengine/openfleet/internal/events"
	"github.com/virtengine/openfleet/internal/forge"
	"github.com/virtengine/openfleet/internal/git"
	"github.com/virtengine/openfleet/internal/history"
	"github.com/virtengine/openfleet/internal/lock"
	"github.com/virtengine/openfleet/internal/pool"
	"github.com/virtengine/openfleet/internal/resolver"
	"github.com/virtengine/openfleet/internal/state"
	"github.com/virtengine/openfleet/internal/warnstate"
	"github.com/virtengine/openfleet/internal/webhooks"
	"github.com/virtengine/openfleet/pkg/telemetry"
	"github.com/virtengine/openfleet/pkg/types"
)

// Daemon owns every long-lived component of the monitor process
type Daemon struct {
	projectDir string
	cfg        *config.Config
	logger     *zap.Logger

	lk        *lock.Lock
	store     *state.Store
	warn      *warnstate.Cache
	hist      *history.Store
	pool      *pool.Pool
	bus       *events.Bus
	hooks     *webhooks.Manager
	esc       *resolver.Escalator
	res       *resolver.Resolver
	api       *api.Server
	throttle  *Throttle
	worktrees *git.WorktreeManager
	cron      *cron.Cron
}

// New wires a daemon for the given project directory
func New(projectDir string, cfg *config.Config, logger *zap.Logger) (*Daemon, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	d := &Daemon{
		projectDir: projectDir,
		cfg:        cfg,
		logger:     logger.With(zap.String("component", "daemon")),
	}

	d.lk = lock.New(cfg.StateDir, lock.Policy{
		Patterns: cfg.MonitorPatterns,
		Grace:    cfg.MonitorGrace,
	}, logger)

	d.store = state.New(cfg.StateDir, logger)
	d.warn = warnstate.New(cfg.CacheDir, "sync-warnings", cfg.WarnThrottle, cfg.WarnMaxKeys, logger)

	hist, err := history.Open(filepath.Join(cfg.StateDir, "history.db"), logger)
	if err != nil {
		return nil, fmt.Errorf("opening history store: %w", err)
	}
	d.hist = hist

	providers := agent.NewProviders(cfg, logger)
	d.pool = pool.New(providers, cfg, logger)

	d.bus = events.NewBus()
	d.hooks = webhooks.NewManager(logger)

	d.esc = resolver.NewEscalator(cfg.EscalationThrottle, func(rec resolver.Record) {
		ev := events.NewEvent(events.EventEscalation, "", map[string]any{"reason": rec.Reason})
		ev.PR = rec.PR
		_ = d.bus.Publish(ev)
	}, logger)

	repo := git.NewRepo(projectDir, logger)
	d.res = resolver.New(
		forge.NewClient(projectDir, logger),
		repo,
		resolver.NewSessionResolver(d.pool, projectDir, cfg, logger),
		repo,
		d.esc, cfg, logger)

	d.res.OnResolved(func(pr int) {
		ev := events.NewEvent(events.EventConflictResolved, "", nil)
		ev.PR = pr
		_ = d.bus.Publish(ev)
	})

	d.throttle = NewThrottle(cfg.Workers, logger)
	d.worktrees = git.NewWorktreeManager(projectDir,
		filepath.Join(cfg.StateDir, "worktrees"), logger)

	if cfg.APIAddr != "" {
		d.api = api.New(cfg.APIAddr, d.store, d.pool, d.esc, logger)
	}

	d.cron = cron.New()
	return d, nil
}

// Run starts the daemon and blocks until ctx is cancelled
func (d *Daemon) Run(ctx context.Context) error {
	if !d.lk.Acquire() {
		return fmt.Errorf("another monitor instance holds the lock")
	}
	defer d.lk.Release()

	if err := d.store.Load(); err != nil {
		return fmt.Errorf("loading task store: %w", err)
	}
	defer d.store.Close()
	for _, id := range d.store.RequeueRunning() {
		d.logger.Info("requeued task left running by a previous instance",
			zap.String("task_id", id))
	}

	if err := d.warn.Load(); err != nil {
		d.logger.Warn("warn-state unavailable, continuing without it", zap.Error(err))
	}
	defer d.hist.Close()

	if err := d.hooks.LoadFile(filepath.Join(d.cfg.StateDir, "webhooks.json")); err != nil {
		d.logger.Warn("webhook config unavailable", zap.Error(err))
	}
	d.hooks.Start(2, d.bus)
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = d.hooks.Stop(stopCtx)
	}()
	defer d.bus.Close()

	if d.api != nil {
		d.api.Start()
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = d.api.Shutdown(stopCtx)
		}()
	}

	d.startJobs(ctx)
	defer d.cron.Stop()

	d.logger.Info("fleet monitor started",
		zap.Int("workers", d.cfg.Workers),
		zap.Bool("auto_merge", d.cfg.AutoMerge))

	d.dispatchLoop(ctx)

	d.store.Flush()
	d.logger.Info("fleet monitor stopped")
	return nil
}

// startJobs schedules the periodic loops. Every job runs through runSafely
// so a failing cycle can never take the daemon down, and the resolver gets
// an immediate first run.
func (d *Daemon) startJobs(ctx context.Context) {
	d.runSafely("resolve", func() { d.res.RunCycle(ctx) })

	_, _ = d.cron.AddFunc(everySpec(d.cfg.ResolveInterval), func() {
		d.runSafely("resolve", func() { d.res.RunCycle(ctx) })
	})
	if d.cfg.AutoMerge {
		_, _ = d.cron.AddFunc(everySpec(d.cfg.AutoMergeInterval), func() {
			d.runSafely("automerge", func() { d.res.RunAutoMerge(ctx) })
		})
	}
	d.cron.Start()
}

func everySpec(d time.Duration) string {
	return "@every " + d.String()
}

// runSafely contains one periodic job run: errors and panics are logged,
// never propagated.
func (d *Daemon) runSafely(name string, fn func()) {
	defer func() {
		if p := recover(); p != nil {
			d.logger.Error("periodic job panicked",
				zap.String("job", name), zap.Any("panic", p))
		}
	}()
	fn()
}

// dispatchLoop polls for pending tasks and hands them to agent sessions,
// bounded by the throttle window.
func (d *Daemon) dispatchLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, id := range d.store.MergeFromDisk() {
				d.logger.Info("picked up task added externally", zap.String("task_id", id))
			}
			d.dispatchPending(ctx)
		}
	}
}

func (d *Daemon) dispatchPending(ctx context.Context) {
	for _, task := range d.store.GetAllTasks() {
		if task.Status != types.TaskStatusPending {
			continue
		}
		if !d.throttle.Acquire() {
			return
		}

		status := types.TaskStatusRunning
		if err := d.store.UpdateTask(task.ID, types.TaskUpdate{Status: &status}); err != nil {
			d.throttle.Release()
			continue
		}
		go d.executeTask(ctx, task)
	}
}

// executeTask runs one full agent session for a task
func (d *Daemon) executeTask(ctx context.Context, task *types.Task) {
	defer d.throttle.Release()

	ctx, span := telemetry.StartTaskSpan(ctx, telemetry.SpanTaskExecute, task.ID,
		attribute.String(telemetry.KeyTaskTitle, task.Title))
	defer span.End()

	_ = d.bus.Publish(events.NewEvent(events.EventTaskStarted, task.ID, nil))

	workDir := d.projectDir
	if path, err := d.worktrees.Create(task.ID); err == nil {
		workDir = path
		defer func() { _ = d.worktrees.Remove(task.ID) }()
	} else {
		d.logger.Warn("worktree unavailable, running in project directory",
			zap.String("task_id", task.ID), zap.Error(err))
	}

	result, err := d.pool.LaunchOrResume(ctx, task.Title, workDir,
		float64(d.cfg.TurnTimeout.Milliseconds()),
		map[string]any{"task": task.ID})
	if err != nil {
		telemetry.RecordError(span, err, telemetry.ErrorCategoryAgent)
		d.throttle.OnSignal(classifyTurnError(err))
		d.failTask(task, err)
		return
	}
	d.throttle.OnSignal(SignalOK)

	if err := d.hist.SaveTranscript(task.ID, result.Items); err != nil {
		d.logger.Warn("cannot save transcript",
			zap.String("task_id", task.ID), zap.Error(err))
	}
	if committed, err := d.worktrees.Commit(task.ID, "openfleet: "+task.Title); err != nil {
		d.logger.Warn("cannot commit task changes",
			zap.String("task_id", task.ID), zap.Error(err))
	} else if committed {
		d.logger.Info("committed task changes", zap.String("task_id", task.ID))
	}

	status := types.TaskStatusDone
	_ = d.store.UpdateTask(task.ID, types.TaskUpdate{Status: &status})
	_ = d.bus.Publish(events.NewEvent(events.EventTaskCompleted, task.ID, nil))
	_ = d.bus.Publish(events.NewEvent(events.EventTurnFinished, task.ID,
		map[string]any{"items": len(result.Items), "resumed": result.Resumed}))

	d.archiveTask(task.ID)
}

// archiveTask moves a finished task into the history store and marks the
// live record archived.
func (d *Daemon) archiveTask(id string) {
	if err := d.store.ArchiveTask(id); err != nil {
		return
	}
	if task, ok := d.store.GetTask(id); ok {
		if err := d.hist.ArchiveTask(task); err != nil {
			d.logger.Warn("cannot archive task to history",
				zap.String("task_id", id), zap.Error(err))
		}
	}
	_ = d.bus.Publish(events.NewEvent(events.EventTaskArchived, id, nil))
}

func (d *Daemon) failTask(task *types.Task, err error) {
	d.logger.Warn("task failed",
		zap.String("task_id", task.ID), zap.Error(err))

	status := types.TaskStatusFailed
	msg := err.Error()
	_ = d.store.UpdateTask(task.ID, types.TaskUpdate{Status: &status, LastError: &msg})
	_ = d.bus.Publish(events.NewEvent(events.EventTaskFailed, task.ID,
		map[string]any{"error": msg}))

	// One warning per task per throttle window, across restarts.
	key := "task-failed:" + task.ID
	if d.warn.ShouldWarn(key) {
		d.warn.MarkWarned(key)
		d.logger.Error("task requires operator attention",
			zap.String("task_id", task.ID), zap.String("error", msg))
	}
}

// classifyTurnError maps a turn failure onto a throttle signal
func classifyTurnError(err error) Signal {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "429"):
		return SignalRateLimited
	case strings.Contains(msg, "deadline exceeded"), strings.Contains(msg, "first-event"):
		return SignalSlow
	default:
		return SignalError
	}
}
