// Package state implements the persistent task state store.
//
// The store owns every task record: records are created on submission,
// mutated only through UpdateTask, and archived (never deleted) on
// completion. All mutations are persisted through a single write queue per
// store instance, so the on-disk file always reflects the last queued
// update and never an interleaving of two writes.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/virtengine/openfleet/pkg/types"
)

const (
	storeFileName = "tasks.json"
	filePerm      = 0o644
)

// ErrTaskNotFound is returned when an update references an unknown task id
var ErrTaskNotFound = fmt.Errorf("task not found")

// ErrTaskExists is returned when AddTask is called with a duplicate id
var ErrTaskExists = fmt.Errorf("task already exists")

// fileFormat is the on-disk representation: a JSON object with a tasks map
type fileFormat struct {
	Tasks map[string]*types.Task `json:"tasks"`
}

// Store is the durable task store. One writer goroutine serializes all
// disk writes; mutations coalesce so only the latest snapshot is rendered.
type Store struct {
	path   string
	logger *zap.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	tasks  map[string]*types.Task
	dirty  uint64 // bumped on each mutation
	synced uint64 // last generation flushed to disk
	closed bool
}

// New creates a store persisting to <dir>/tasks.json. Call Load before use.
func New(dir string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		path:   filepath.Join(dir, storeFileName),
		logger: logger.With(zap.String("component", "state")),
		tasks:  make(map[string]*types.Task),
	}
	s.cond = sync.NewCond(&s.mu)
	go s.writeLoop()
	return s
}

// Path returns the on-disk location of the store file
func (s *Store) Path() string {
	return s.path
}

// Load reads the on-disk representation into memory. A missing file yields
// an empty store. A corrupt file is copied to a timestamped backup, the
// in-memory map is reset to empty, and a normalized empty store is written
// back — the daemon never fails to start because of a corrupted state file.
func (s *Store) Load() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading state file: %w", err)
	}

	var parsed fileFormat
	if err := json.Unmarshal(data, &parsed); err != nil {
		backup := s.backupCorrupt(data)
		s.logger.Warn("state file is corrupt, resetting to empty store",
			zap.String("backup", backup), zap.Error(err))

		s.mu.Lock()
		s.tasks = make(map[string]*types.Task)
		s.dirty++
		s.cond.Broadcast()
		s.mu.Unlock()
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if parsed.Tasks == nil {
		parsed.Tasks = make(map[string]*types.Task)
	}
	s.tasks = parsed.Tasks
	return nil
}

// MergeFromDisk folds externally added task records into the in-memory map.
// The CLI appends tasks to the store file while the daemon runs; the
// daemon's own records always win, only unknown ids are taken. Returns the
// ids that were picked up.
func (s *Store) MergeFromDisk() []string {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil
	}
	var parsed fileFormat
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var added []string
	for id, task := range parsed.Tasks {
		if _, exists := s.tasks[id]; exists {
			continue
		}
		s.tasks[id] = task
		added = append(added, id)
	}
	if len(added) > 0 {
		s.markDirtyLocked()
	}
	return added
}

// RequeueRunning resets tasks stranded in the running state back to
// pending. No agent thread survives a process restart, so any running
// record found at startup belongs to a previous instance that died before
// finishing. Returns the ids that were requeued.
func (s *Store) RequeueRunning() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var requeued []string
	for id, task := range s.tasks {
		if task.Status != types.TaskStatusRunning {
			continue
		}
		task.Status = types.TaskStatusPending
		task.UpdatedAt = time.Now().Unix()
		requeued = append(requeued, id)
	}
	if len(requeued) > 0 {
		s.markDirtyLocked()
	}
	return requeued
}

// backupCorrupt copies the unparseable bytes to tasks.corrupt-<ts>.json so
// nothing is lost for forensics. Returns the backup path (empty on failure).
func (s *Store) backupCorrupt(data []byte) string {
	ts := time.Now().UTC().Format("20060102T150405")
	backup := filepath.Join(filepath.Dir(s.path),
		fmt.Sprintf("tasks.corrupt-%s.json", ts))
	if err := os.WriteFile(backup, data, filePerm); err != nil {
		s.logger.Warn("failed to back up corrupt state file", zap.Error(err))
		return ""
	}
	return backup
}

// AddTask creates a new task record and schedules a durable write
func (s *Store) AddTask(task *types.Task) error {
	if task == nil || task.ID == "" {
		return fmt.Errorf("task id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[task.ID]; exists {
		return fmt.Errorf("%w: %s", ErrTaskExists, task.ID)
	}

	now := time.Now().Unix()
	record := *task
	if record.Status == "" {
		record.Status = types.TaskStatusPending
	}
	record.CreatedAt = now
	record.UpdatedAt = now
	s.tasks[record.ID] = &record

	s.markDirtyLocked()
	return nil
}

// UpdateTask applies a partial update to a task and schedules a durable
// write. Rapid sequential updates to the same id converge to the last one.
func (s *Store) UpdateTask(id string, update types.TaskUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}

	if update.Title != nil {
		task.Title = *update.Title
	}
	if update.Status != nil {
		task.Status = *update.Status
	}
	if update.Turns != nil {
		task.Turns = *update.Turns
	}
	if update.LastError != nil {
		task.LastError = *update.LastError
	}
	if update.Metadata != nil {
		if task.Metadata == nil {
			task.Metadata = make(map[string]string, len(update.Metadata))
		}
		for k, v := range update.Metadata {
			task.Metadata[k] = v
		}
	}
	task.UpdatedAt = time.Now().Unix()

	s.markDirtyLocked()
	return nil
}

// ArchiveTask marks a completed task as archived. Records are never deleted.
func (s *Store) ArchiveTask(id string) error {
	status := types.TaskStatusArchived
	return s.UpdateTask(id, types.TaskUpdate{Status: &status})
}

// GetTask returns a copy of one task record
func (s *Store) GetTask(id string) (*types.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, false
	}
	return copyTask(task), true
}

// GetAllTasks returns copies of all task records, ordered by id
func (s *Store) GetAllTasks() []*types.Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*types.Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		out = append(out, copyTask(task))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// copyTask clones a record, including its metadata map, so callers never
// alias live store state.
func copyTask(task *types.Task) *types.Task {
	copied := *task
	if task.Metadata != nil {
		copied.Metadata = make(map[string]string, len(task.Metadata))
		for k, v := range task.Metadata {
			copied.Metadata[k] = v
		}
	}
	return &copied
}

// Status summarizes the store contents
func (s *Store) Status() types.FleetStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	var status types.FleetStatus
	for _, task := range s.tasks {
		status.Count(task)
	}
	return status
}

// Flush blocks until every queued mutation has been written to disk
func (s *Store) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.synced < s.dirty {
		s.cond.Wait()
	}
}

// Close flushes pending writes and stops the writer goroutine
func (s *Store) Close() {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	for s.synced < s.dirty {
		s.cond.Wait()
	}
	s.mu.Unlock()
}

// markDirtyLocked schedules a write of the current state. Caller holds mu.
func (s *Store) markDirtyLocked() {
	s.dirty++
	s.cond.Broadcast()
}

// writeLoop is the single writer goroutine. It renders the latest snapshot
// and persists it, coalescing bursts of mutations into one write.
func (s *Store) writeLoop() {
	for {
		s.mu.Lock()
		for s.synced == s.dirty && !s.closed {
			s.cond.Wait()
		}
		if s.closed && s.synced == s.dirty {
			s.mu.Unlock()
			return
		}
		gen := s.dirty
		snapshot := s.renderLocked()
		s.mu.Unlock()

		if err := s.writeFile(snapshot); err != nil {
			s.logger.Error("state write failed", zap.Error(err))
		}

		s.mu.Lock()
		s.synced = gen
		s.cond.Broadcast()
		s.mu.Unlock()
	}
}

// renderLocked serializes the current task map. Caller holds mu.
func (s *Store) renderLocked() []byte {
	data, err := json.MarshalIndent(fileFormat{Tasks: s.tasks}, "", "  ")
	if err != nil {
		// Task records are plain data; marshal cannot fail in practice.
		s.logger.Error("state marshal failed", zap.Error(err))
		return []byte(`{"tasks":{}}`)
	}
	return data
}

// writeFile persists a snapshot: write a temporary sibling, rename it over
// the target, fall back to a direct write if the rename fails, and always
// remove the leftover temporary file.
func (s *Store) writeFile(data []byte) error {
	tmp := s.path + ".tmp"
	defer os.Remove(tmp)

	if err := os.WriteFile(tmp, data, filePerm); err != nil {
		return fmt.Errorf("writing temp state file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		s.logger.Warn("atomic rename failed, falling back to direct write", zap.Error(err))
		if werr := os.WriteFile(s.path, data, filePerm); werr != nil {
			return fmt.Errorf("fallback state write: %w", werr)
		}
	}
	return nil
}
