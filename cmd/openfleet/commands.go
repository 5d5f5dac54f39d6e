package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/virtengine/openfleet/internal/config"
	"github.com/virtengine/openfleet/internal/daemon"
	"github.com/virtengine/openfleet/internal/events"
	"github.com/virtengine/openfleet/internal/history"
	"github.com/virtengine/openfleet/internal/lock"
	"github.com/virtengine/openfleet/internal/logging"
	"github.com/virtengine/openfleet/internal/webhooks"
	"github.com/virtengine/openfleet/pkg/types"
)

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize OpenFleet in the current project",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := os.Getwd()
			if err != nil {
				return err
			}

			fleetDir := filepath.Join(dir, ".openfleet")
			if _, err := os.Stat(fleetDir); err == nil {
				return fmt.Errorf("already initialized in %s", fleetDir)
			}
			if err := os.MkdirAll(fleetDir, 0o755); err != nil {
				return fmt.Errorf("creating .openfleet directory: %w", err)
			}

			configPath := filepath.Join(fleetDir, "config.toml")
			configContent := `# OpenFleet project configuration.
# Every value here can also be set via OPENFLEET_* environment variables.

# workers = 3
# auto_merge = false
# api_addr = "127.0.0.1:7117"

# Providers are probed in order: claude, codex, opencode.
# claude_path = "claude"
# codex_path = "codex"
# opencode_path = "opencode"
`
			if err := os.WriteFile(configPath, []byte(configContent), 0o644); err != nil {
				return fmt.Errorf("creating config file: %w", err)
			}

			fmt.Printf("Initialized OpenFleet in %s\n", fleetDir)
			fmt.Println("\nNext steps:")
			fmt.Println("  openfleet add \"My first task\"")
			fmt.Println("  openfleet run")
			return nil
		},
	}
}

func runCmd() *cobra.Command {
	var workers int
	var verbose bool
	var autoMerge bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the fleet monitor until interrupted",
		Long: `Run the fleet monitor: dispatch pending tasks to agent sessions,
resolve pull request conflicts, and serve the status API if configured.
Only one monitor instance runs per project; a second invocation exits.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := findProjectDir()
			if err != nil {
				return err
			}
			cfg, err := config.Load(dir)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if workers > 0 {
				cfg.Workers = workers
			}
			if verbose {
				cfg.Verbose = true
			}
			if autoMerge {
				cfg.AutoMerge = true
			}

			logger, err := logging.New(logging.Options{
				Verbose: cfg.Verbose,
				LogFile: cfg.LogFile,
			})
			if err != nil {
				return fmt.Errorf("building logger: %w", err)
			}
			defer func() { _ = logger.Sync() }()

			d, err := daemon.New(dir, cfg, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(),
				syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return d.Run(ctx)
		},
	}

	cmd.Flags().IntVarP(&workers, "workers", "w", 0, "Max concurrent agent sessions")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging")
	cmd.Flags().BoolVar(&autoMerge, "auto-merge", false, "Merge green PRs automatically")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show fleet status",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cfg, store, err := requireProject()
			if err != nil {
				return err
			}
			defer store.Close()

			status := store.Status()
			fmt.Printf("Tasks: %d total\n", status.Total)
			fmt.Printf("  pending:  %d\n", status.Pending)
			fmt.Printf("  running:  %d\n", status.Running)
			fmt.Printf("  done:     %d\n", status.Done)
			fmt.Printf("  failed:   %d\n", status.Failed)
			fmt.Printf("  archived: %d\n", status.Archived)

			lk := lock.New(cfg.StateDir, lock.Policy{
				Patterns: cfg.MonitorPatterns,
				Grace:    cfg.MonitorGrace,
			}, nil)
			if payload, err := lk.Current(); err == nil && lock.IsPidAlive(payload.PID) {
				fmt.Printf("\nMonitor: running (pid %.0f, started %s)\n",
					payload.PID, payload.StartedAt)
			} else {
				fmt.Println("\nMonitor: not running")
			}
			return nil
		},
	}
}

func stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the running fleet monitor",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := findProjectDir()
			if err != nil {
				return err
			}
			cfg, err := config.Load(dir)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			lk := lock.New(cfg.StateDir, lock.Policy{
				Patterns: cfg.MonitorPatterns,
				Grace:    cfg.MonitorGrace,
			}, nil)
			payload, err := lk.Current()
			if err != nil {
				return fmt.Errorf("no monitor appears to be running")
			}
			if !lock.IsPidAlive(payload.PID) {
				return fmt.Errorf("lock file references pid %.0f, which is not running", payload.PID)
			}

			proc, err := os.FindProcess(int(payload.PID))
			if err != nil {
				return fmt.Errorf("finding monitor process: %w", err)
			}
			if err := proc.Signal(syscall.SIGTERM); err != nil {
				return fmt.Errorf("signaling monitor: %w", err)
			}

			fmt.Printf("Sent SIGTERM to monitor (pid %.0f)\n", payload.PID)
			return nil
		},
	}
}

func addCmd() *cobra.Command {
	var repo string

	cmd := &cobra.Command{
		Use:   "add <title>",
		Short: "Add a new task",
		Long: `Add a new task to the fleet. A running monitor picks the task up on
its next poll; otherwise it dispatches when the monitor starts.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, _, store, err := requireProject()
			if err != nil {
				return err
			}
			defer store.Close()

			task := &types.Task{
				ID:    uuid.New().String(),
				Title: args[0],
				Repo:  repo,
			}
			if err := store.AddTask(task); err != nil {
				return err
			}
			store.Flush()

			fmt.Printf("Created task %s\n", task.ID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&repo, "repo", "r", "", "Repository the task targets")
	return cmd
}

func listCmd() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, _, store, err := requireProject()
			if err != nil {
				return err
			}
			defer store.Close()

			tasks := store.GetAllTasks()
			if len(tasks) == 0 {
				fmt.Println("No tasks. Add one with: openfleet add \"My task\"")
				return nil
			}

			for _, task := range tasks {
				if !all && task.Status == types.TaskStatusArchived {
					continue
				}
				line := fmt.Sprintf("%-10s %s  %s", task.Status, shortID(task.ID), task.Title)
				if task.LastError != "" {
					line += fmt.Sprintf("  (%s)", task.LastError)
				}
				fmt.Println(line)
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&all, "all", "a", false, "Include archived tasks")
	return cmd
}

func historyCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List archived tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cfg, err := requireConfig()
			if err != nil {
				return err
			}

			hist, err := history.Open(filepath.Join(cfg.StateDir, "history.db"), nil)
			if err != nil {
				return fmt.Errorf("opening history: %w", err)
			}
			defer hist.Close()

			tasks, err := hist.ArchivedTasks(limit)
			if err != nil {
				return err
			}
			if len(tasks) == 0 {
				fmt.Println("No archived tasks yet.")
				return nil
			}
			for _, task := range tasks {
				fmt.Printf("%s  %s  %s\n",
					time.Unix(task.UpdatedAt, 0).Format("2006-01-02 15:04"),
					shortID(task.ID), task.Title)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Max tasks to show")
	return cmd
}

func searchCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search session transcripts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cfg, err := requireConfig()
			if err != nil {
				return err
			}

			hist, err := history.Open(filepath.Join(cfg.StateDir, "history.db"), nil)
			if err != nil {
				return fmt.Errorf("opening history: %w", err)
			}
			defer hist.Close()

			results, err := hist.Search(args[0], limit)
			if err != nil {
				return err
			}
			if len(results) == 0 {
				fmt.Println("No matches.")
				return nil
			}
			for _, r := range results {
				fmt.Printf("%s  %s\n", shortID(r.TaskID), r.Snippet)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "Max results")
	return cmd
}

func webhookCmd() *cobra.Command {
	webhookAdd := &cobra.Command{
		Use:   "add <url>",
		Short: "Register a webhook endpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cfg, err := requireConfig()
			if err != nil {
				return err
			}

			secret, _ := cmd.Flags().GetString("secret")
			eventNames, _ := cmd.Flags().GetStringSlice("events")
			var evs []events.EventType
			for _, name := range eventNames {
				evs = append(evs, events.EventType(name))
			}

			mgr := webhooks.NewManager(nil)
			path := filepath.Join(cfg.StateDir, "webhooks.json")
			if err := mgr.LoadFile(path); err != nil {
				return err
			}

			hook := &webhooks.Webhook{
				ID:      uuid.New().String(),
				URL:     args[0],
				Secret:  secret,
				Events:  evs,
				Enabled: true,
			}
			if err := mgr.Register(hook); err != nil {
				return err
			}
			if err := mgr.SaveFile(path); err != nil {
				return err
			}

			fmt.Printf("Registered webhook %s -> %s\n", shortID(hook.ID), hook.URL)
			fmt.Println("The monitor loads webhook changes on its next start.")
			return nil
		},
	}
	webhookAdd.Flags().String("secret", "", "HMAC signing secret")
	webhookAdd.Flags().StringSlice("events", nil, "Event types to subscribe (default all)")

	webhookList := &cobra.Command{
		Use:   "list",
		Short: "List registered webhook endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cfg, err := requireConfig()
			if err != nil {
				return err
			}

			mgr := webhooks.NewManager(nil)
			if err := mgr.LoadFile(filepath.Join(cfg.StateDir, "webhooks.json")); err != nil {
				return err
			}

			hooks := mgr.List()
			if len(hooks) == 0 {
				fmt.Println("No webhooks registered.")
				return nil
			}
			for _, hook := range hooks {
				state := "enabled"
				if !hook.Enabled {
					state = "disabled"
				}
				fmt.Printf("%s  %-8s  %s\n", shortID(hook.ID), state, hook.URL)
			}
			return nil
		},
	}

	webhookRemove := &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a webhook endpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cfg, err := requireConfig()
			if err != nil {
				return err
			}

			mgr := webhooks.NewManager(nil)
			path := filepath.Join(cfg.StateDir, "webhooks.json")
			if err := mgr.LoadFile(path); err != nil {
				return err
			}

			// Accept the short prefix printed by list.
			target := args[0]
			for _, hook := range mgr.List() {
				if hook.ID == target || (len(target) >= 8 && len(hook.ID) >= len(target) && hook.ID[:len(target)] == target) {
					target = hook.ID
					break
				}
			}
			if err := mgr.Unregister(target); err != nil {
				return err
			}
			return mgr.SaveFile(path)
		},
	}

	command := &cobra.Command{
		Use:   "webhook",
		Short: "Manage webhook endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	command.AddCommand(webhookAdd, webhookList, webhookRemove)
	return command
}

// shortID abbreviates an id for display
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// requireConfig loads project config without opening the task store
func requireConfig() (string, *config.Config, error) {
	dir, err := findProjectDir()
	if err != nil {
		return "", nil, err
	}
	cfg, err := config.Load(dir)
	if err != nil {
		return "", nil, fmt.Errorf("loading config: %w", err)
	}
	return dir, cfg, nil
}
