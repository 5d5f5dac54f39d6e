// Package warnstate throttles repeated operator warnings.
//
// The cache maps a tracked key to the last time a warning for it was
// emitted and persists across restarts, so a daemon bounce does not replay
// every warning. The file is written atomically; a corrupt file is archived
// rather than discarded, with archives capped by count and age.
package warnstate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	filePerm = 0o644

	// archive retention applied during startup maintenance
	maxArchives = 5
	archiveAge  = 14 * 24 * time.Hour
)

// Cache is a bounded, persisted warn-throttle map. Safe for concurrent use:
// task goroutines consult it whenever they fail.
type Cache struct {
	path     string
	throttle time.Duration
	maxKeys  int
	logger   *zap.Logger
	now      func() time.Time

	mu      sync.Mutex
	entries map[string]time.Time
}

// New creates a cache persisting to <dir>/<name>.json. Call Load before use.
func New(dir, name string, throttle time.Duration, maxKeys int, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		path:     filepath.Join(dir, name+".json"),
		throttle: throttle,
		maxKeys:  maxKeys,
		logger:   logger.With(zap.String("component", "warnstate")),
		now:      time.Now,
		entries:  make(map[string]time.Time),
	}
}

// Load reads the persisted map and runs archive maintenance. A missing file
// is fine; a corrupt one is archived and replaced with an empty map.
func (c *Cache) Load() error {
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return fmt.Errorf("creating cache directory: %w", err)
	}
	c.maintainArchives()

	data, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading warn-state file: %w", err)
	}

	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		archive := c.archiveCorrupt(data)
		c.logger.Warn("warn-state file is corrupt, starting empty",
			zap.String("archive", archive), zap.Error(err))
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for key, stamp := range raw {
		ts, err := time.Parse(time.RFC3339, stamp)
		if err != nil {
			continue
		}
		c.entries[key] = ts
	}
	return nil
}

// ShouldWarn reports whether a warning for key is currently allowed
func (c *Cache) ShouldWarn(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	last, ok := c.entries[key]
	if !ok {
		return true
	}
	return c.now().Sub(last) >= c.throttle
}

// MarkWarned records that a warning for key was just emitted and persists
// the map. When the key bound is exceeded the oldest entries are evicted
// first. The lock is held across the whole read-modify-persist so
// concurrent markers cannot interleave map writes or temp-file renames.
func (c *Cache) MarkWarned(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = c.now()
	c.evictOldest()
	if err := c.persist(); err != nil {
		c.logger.Warn("cannot persist warn-state", zap.Error(err))
	}
}

// Len returns the number of tracked keys
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// evictOldest trims the map down to maxKeys, oldest timestamps first.
// Caller holds mu.
func (c *Cache) evictOldest() {
	if c.maxKeys <= 0 || len(c.entries) <= c.maxKeys {
		return
	}

	type entry struct {
		key string
		at  time.Time
	}
	all := make([]entry, 0, len(c.entries))
	for key, at := range c.entries {
		all = append(all, entry{key, at})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].at.Before(all[j].at) })

	for _, old := range all[:len(all)-c.maxKeys] {
		delete(c.entries, old.key)
	}
}

// persist writes the map atomically via a temp sibling, cleaning the temp
// file up on any failure. Caller holds mu.
func (c *Cache) persist() error {
	raw := make(map[string]string, len(c.entries))
	for key, at := range c.entries {
		raw[key] = at.UTC().Format(time.RFC3339)
	}
	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return err
	}

	tmp := c.path + ".tmp"
	defer os.Remove(tmp)

	if err := os.WriteFile(tmp, data, filePerm); err != nil {
		return fmt.Errorf("writing temp warn-state file: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("renaming warn-state file: %w", err)
	}
	return nil
}

// archiveCorrupt moves unparseable bytes aside as <name>.json.corrupt-<ts>
func (c *Cache) archiveCorrupt(data []byte) string {
	ts := c.now().UTC().Format("20060102T150405")
	archive := fmt.Sprintf("%s.corrupt-%s", c.path, ts)
	if err := os.WriteFile(archive, data, filePerm); err != nil {
		c.logger.Warn("failed to archive corrupt warn-state file", zap.Error(err))
		return ""
	}
	return archive
}

// maintainArchives removes corrupt-file archives past the age limit and
// keeps at most maxArchives of the rest, newest first.
func (c *Cache) maintainArchives() {
	pattern := c.path + ".corrupt-*"
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return
	}

	type archive struct {
		path string
		mod  time.Time
	}
	var kept []archive
	cutoff := c.now().Add(-archiveAge)
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			_ = os.Remove(path)
			continue
		}
		kept = append(kept, archive{path, info.ModTime()})
	}

	if len(kept) <= maxArchives {
		return
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].mod.After(kept[j].mod) })
	for _, old := range kept[maxArchives:] {
		_ = os.Remove(old.path)
	}
}
