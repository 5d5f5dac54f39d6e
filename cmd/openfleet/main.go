// Package main is the entry point for the OpenFleet CLI
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/virtengine/openfleet/internal/config"
	"github.com/virtengine/openfleet/internal/state"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "openfleet",
		Short: "Supervise a fleet of autonomous AI coding agents",
		Long: `OpenFleet is a fleet monitor for AI coding-agent sessions. It owns a
durable task store, dispatches agent turns across providers, resolves pull
request merge conflicts autonomously, and escalates what it cannot fix.`,
		Version: "0.1.0",
	}

	rootCmd.AddCommand(
		initCmd(),
		runCmd(),
		statusCmd(),
		stopCmd(),
		addCmd(),
		listCmd(),
		historyCmd(),
		searchCmd(),
		webhookCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// findProjectDir locates the project root by searching upward for .openfleet
func findProjectDir() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, ".openfleet")); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("not an openfleet project (or any parent up to root)")
		}
		dir = parent
	}
}

// requireProject loads the project config and opens the task store
func requireProject() (string, *config.Config, *state.Store, error) {
	dir, err := findProjectDir()
	if err != nil {
		return "", nil, nil, err
	}

	cfg, err := config.Load(dir)
	if err != nil {
		return "", nil, nil, fmt.Errorf("loading config: %w", err)
	}

	store := state.New(cfg.StateDir, nil)
	if err := store.Load(); err != nil {
		store.Close()
		return "", nil, nil, fmt.Errorf("loading task store: %w", err)
	}

	return dir, cfg, store, nil
}
