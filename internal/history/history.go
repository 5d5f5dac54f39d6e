// Package history archives finished tasks and their conversation
// transcripts in SQLite.
//
// The task store keeps only live bookkeeping; everything a task produced is
// preserved here for audit and full-text search after the task is archived.
package history

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"go.uber.org/zap"

	"github.com/virtengine/openfleet/pkg/types"
)

// Store manages the history database
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open opens (and if needed initializes) the history database at path
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening history database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &Store{db: db, logger: logger.With(zap.String("component", "history"))}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS archived_tasks (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		status TEXT NOT NULL,
		turns INTEGER DEFAULT 0,
		last_error TEXT,
		repo TEXT,
		created_at INTEGER NOT NULL,
		archived_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS transcript_items (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		item_type TEXT NOT NULL,
		payload TEXT,
		recorded_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_transcript_task ON transcript_items(task_id, seq);

	CREATE VIRTUAL TABLE IF NOT EXISTS transcript_fts USING fts5(
		task_id UNINDEXED,
		payload,
		content='transcript_items',
		content_rowid='id'
	);

	CREATE TRIGGER IF NOT EXISTS transcript_ai AFTER INSERT ON transcript_items BEGIN
		INSERT INTO transcript_fts(rowid, task_id, payload)
		VALUES (new.id, new.task_id, new.payload);
	END;
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("initializing history schema: %w", err)
	}
	return nil
}

// ArchiveTask stores a finished task record
func (s *Store) ArchiveTask(task *types.Task) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO archived_tasks
			(id, title, status, turns, last_error, repo, created_at, archived_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.Title, string(task.Status), task.Turns,
		task.LastError, task.Repo, task.CreatedAt, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("archiving task %s: %w", task.ID, err)
	}
	return nil
}

// SaveTranscript appends a turn's items to a task's transcript
func (s *Store) SaveTranscript(taskID string, items []types.StreamItem) error {
	if len(items) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("starting transcript write: %w", err)
	}
	defer tx.Rollback()

	var next int
	if err := tx.QueryRow(
		`SELECT COALESCE(MAX(seq), -1) + 1 FROM transcript_items WHERE task_id = ?`,
		taskID).Scan(&next); err != nil {
		return fmt.Errorf("reading transcript sequence: %w", err)
	}

	now := time.Now().Unix()
	for i, item := range items {
		if _, err := tx.Exec(`
			INSERT INTO transcript_items (task_id, seq, item_type, payload, recorded_at)
			VALUES (?, ?, ?, ?, ?)`,
			taskID, next+i, string(item.Type), item.Payload, now); err != nil {
			return fmt.Errorf("writing transcript item: %w", err)
		}
	}
	return tx.Commit()
}

// Transcript returns a task's full transcript in order
func (s *Store) Transcript(taskID string) ([]types.StreamItem, error) {
	rows, err := s.db.Query(`
		SELECT item_type, payload FROM transcript_items
		WHERE task_id = ? ORDER BY seq`, taskID)
	if err != nil {
		return nil, fmt.Errorf("reading transcript: %w", err)
	}
	defer rows.Close()

	var items []types.StreamItem
	for rows.Next() {
		var itemType, payload string
		if err := rows.Scan(&itemType, &payload); err != nil {
			return nil, err
		}
		items = append(items, types.StreamItem{
			Type:    types.StreamItemType(itemType),
			Payload: payload,
		})
	}
	return items, rows.Err()
}

// ArchivedTasks returns up to limit archived tasks, newest first
func (s *Store) ArchivedTasks(limit int) ([]*types.Task, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, title, status, turns, last_error, repo, created_at
		FROM archived_tasks ORDER BY archived_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing archived tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*types.Task
	for rows.Next() {
		var task types.Task
		var status string
		if err := rows.Scan(&task.ID, &task.Title, &status, &task.Turns,
			&task.LastError, &task.Repo, &task.CreatedAt); err != nil {
			return nil, err
		}
		task.Status = types.TaskStatus(status)
		tasks = append(tasks, &task)
	}
	return tasks, rows.Err()
}

// SearchResult is one full-text match in the transcript archive
type SearchResult struct {
	TaskID  string `json:"task_id"`
	Snippet string `json:"snippet"`
}

// Search runs a full-text query over archived transcripts
func (s *Store) Search(query string, limit int) ([]SearchResult, error) {
	query = sanitizeQuery(query)
	if query == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.Query(`
		SELECT task_id, snippet(transcript_fts, 1, '[', ']', '...', 16)
		FROM transcript_fts WHERE transcript_fts MATCH ?
		ORDER BY rank LIMIT ?`, query, limit)
	if err != nil {
		return nil, fmt.Errorf("searching transcripts: %w", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		if err := rows.Scan(&r.TaskID, &r.Snippet); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// sanitizeQuery strips FTS5 operator characters from user input
func sanitizeQuery(q string) string {
	q = strings.Map(func(r rune) rune {
		switch r {
		case '"', '*', '(', ')', '^', ':':
			return ' '
		}
		return r
	}, q)
	return strings.TrimSpace(q)
}
