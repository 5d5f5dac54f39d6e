// Package config handles OpenFleet configuration
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds the daemon configuration. Defaults are layered under the
// optional TOML project file, which is layered under environment overrides.
type Config struct {
	// Directories
	StateDir string // task store + lock file live here
	CacheDir string // warn-state cache lives here

	// Dispatch settings
	Workers      int
	PollInterval time.Duration

	// Backend provider settings
	DisableClaude   bool
	DisableCodex    bool
	DisableOpenCode bool
	ClaudePath      string
	CodexPath       string
	OpenCodePath    string

	// Streaming-turn settings
	TurnTimeout       time.Duration // default applied by timeout normalization
	FirstEventTimeout time.Duration
	StreamRetryBudget int
	MaxStreamItems    int
	MaxItemChars      int

	// Conflict resolver settings
	MaxConflictLines   int
	EscalationThrottle time.Duration
	RecheckAttempts    int
	RecheckDelay       time.Duration
	ResolveInterval    time.Duration
	AutoMerge          bool
	AutoMergeInterval  time.Duration

	// Warn-state settings
	WarnThrottle time.Duration
	WarnMaxKeys  int

	// Lock liveness policy (best-effort heuristic, not a protocol)
	MonitorPatterns []string
	MonitorGrace    time.Duration

	// Local HTTP status endpoint; empty disables it
	APIAddr string

	// Logging
	Verbose bool
	LogFile string
}

// fileConfig mirrors the subset of Config settable from config.toml
type fileConfig struct {
	Workers          int      `toml:"workers"`
	AutoMerge        bool     `toml:"auto_merge"`
	MaxConflictLines int      `toml:"max_conflict_lines"`
	APIAddr          string   `toml:"api_addr"`
	MonitorPatterns  []string `toml:"monitor_patterns"`
	ClaudePath       string   `toml:"claude_path"`
	CodexPath        string   `toml:"codex_path"`
	OpenCodePath     string   `toml:"opencode_path"`
}

// Load loads configuration from defaults, the project config file, and
// environment overrides, in that order.
func Load(projectDir string) (*Config, error) {
	cfg := &Config{
		StateDir:           filepath.Join(projectDir, ".openfleet"),
		CacheDir:           filepath.Join(projectDir, ".openfleet", "cache"),
		Workers:            3,
		PollInterval:       2 * time.Second,
		ClaudePath:         "claude",
		CodexPath:          "codex",
		OpenCodePath:       "opencode",
		TurnTimeout:        10 * time.Minute,
		FirstEventTimeout:  30 * time.Second,
		StreamRetryBudget:  3,
		MaxStreamItems:     1000,
		MaxItemChars:       50000,
		MaxConflictLines:   300,
		EscalationThrottle: 30 * time.Minute,
		RecheckAttempts:    5,
		RecheckDelay:       10 * time.Second,
		ResolveInterval:    5 * time.Minute,
		AutoMergeInterval:  10 * time.Minute,
		WarnThrottle:       30 * time.Minute,
		WarnMaxKeys:        500,
		MonitorPatterns:    []string{"openfleet run", "openfleet daemon"},
		MonitorGrace:       2 * time.Minute,
		LogFile:            filepath.Join(projectDir, ".openfleet", "openfleet.log"),
	}

	if err := cfg.applyFile(filepath.Join(cfg.StateDir, "config.toml")); err != nil {
		return nil, err
	}
	cfg.applyEnv()

	return cfg, nil
}

// applyFile merges the optional TOML project file into the config.
// A missing file is not an error.
func (c *Config) applyFile(path string) error {
	var fc fileConfig
	if _, err := toml.DecodeFile(path, &fc); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	if fc.Workers > 0 {
		c.Workers = fc.Workers
	}
	if fc.AutoMerge {
		c.AutoMerge = true
	}
	if fc.MaxConflictLines > 0 {
		c.MaxConflictLines = fc.MaxConflictLines
	}
	if fc.APIAddr != "" {
		c.APIAddr = fc.APIAddr
	}
	if len(fc.MonitorPatterns) > 0 {
		c.MonitorPatterns = fc.MonitorPatterns
	}
	if fc.ClaudePath != "" {
		c.ClaudePath = fc.ClaudePath
	}
	if fc.CodexPath != "" {
		c.CodexPath = fc.CodexPath
	}
	if fc.OpenCodePath != "" {
		c.OpenCodePath = fc.OpenCodePath
	}
	return nil
}

// applyEnv applies environment variable overrides
func (c *Config) applyEnv() {
	if v := os.Getenv("OPENFLEET_WORKERS"); v != "" {
		c.Workers = parseIntOrDefault(v, c.Workers)
	}
	if v := os.Getenv("OPENFLEET_DISABLE_CLAUDE"); v != "" {
		c.DisableClaude = isTruthy(v)
	}
	if v := os.Getenv("OPENFLEET_DISABLE_CODEX"); v != "" {
		c.DisableCodex = isTruthy(v)
	}
	if v := os.Getenv("OPENFLEET_DISABLE_OPENCODE"); v != "" {
		c.DisableOpenCode = isTruthy(v)
	}
	if v := os.Getenv("OPENFLEET_CLAUDE_PATH"); v != "" {
		c.ClaudePath = v
	}
	if v := os.Getenv("OPENFLEET_CODEX_PATH"); v != "" {
		c.CodexPath = v
	}
	if v := os.Getenv("OPENFLEET_OPENCODE_PATH"); v != "" {
		c.OpenCodePath = v
	}
	if v := os.Getenv("OPENFLEET_TURN_TIMEOUT"); v != "" {
		c.TurnTimeout = parseDurationOrDefault(v, c.TurnTimeout)
	}
	if v := os.Getenv("OPENFLEET_FIRST_EVENT_TIMEOUT"); v != "" {
		c.FirstEventTimeout = parseDurationOrDefault(v, c.FirstEventTimeout)
	}
	if v := os.Getenv("OPENFLEET_STREAM_RETRY_BUDGET"); v != "" {
		c.StreamRetryBudget = parseIntOrDefault(v, c.StreamRetryBudget)
	}
	if v := os.Getenv("OPENFLEET_MAX_STREAM_ITEMS"); v != "" {
		c.MaxStreamItems = parseIntOrDefault(v, c.MaxStreamItems)
	}
	if v := os.Getenv("OPENFLEET_MAX_ITEM_CHARS"); v != "" {
		c.MaxItemChars = parseIntOrDefault(v, c.MaxItemChars)
	}
	if v := os.Getenv("OPENFLEET_MAX_CONFLICT_LINES"); v != "" {
		c.MaxConflictLines = parseIntOrDefault(v, c.MaxConflictLines)
	}
	if v := os.Getenv("OPENFLEET_ESCALATION_THROTTLE"); v != "" {
		c.EscalationThrottle = parseDurationOrDefault(v, c.EscalationThrottle)
	}
	if v := os.Getenv("OPENFLEET_AUTO_MERGE"); v != "" {
		c.AutoMerge = isTruthy(v)
	}
	if v := os.Getenv("OPENFLEET_WARN_THROTTLE"); v != "" {
		c.WarnThrottle = parseDurationOrDefault(v, c.WarnThrottle)
	}
	if v := os.Getenv("OPENFLEET_WARN_MAX_KEYS"); v != "" {
		c.WarnMaxKeys = parseIntOrDefault(v, c.WarnMaxKeys)
	}
	if v := os.Getenv("OPENFLEET_API_ADDR"); v != "" {
		c.APIAddr = v
	}
	if v := os.Getenv("OPENFLEET_VERBOSE"); v != "" {
		c.Verbose = isTruthy(v)
	}
}

func isTruthy(v string) bool {
	return v == "true" || v == "1"
}

func parseIntOrDefault(s string, def int) int {
	i, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return i
}

func parseDurationOrDefault(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
