package scheduler

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrTaskNotFound is returned when a task id matches nothing.
var ErrTaskNotFound = errors.New("task not found")

// Store handles task persistence so scheduled wake-ups survive restarts.
type Store struct {
	db *sql.DB
}

// NewStore creates a scheduler store with a SQLite backend.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		cron TEXT NOT NULL DEFAULT '',
		at TEXT,
		message TEXT NOT NULL,
		conversation_id TEXT NOT NULL,
		origin TEXT NOT NULL DEFAULT '',
		chat_id TEXT NOT NULL DEFAULT '',
		enabled INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		created_by TEXT NOT NULL DEFAULT '',
		last_run TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_enabled ON tasks(enabled);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SaveTask inserts or replaces a task.
func (s *Store) SaveTask(t *Task) error {
	var at, lastRun any
	if t.At != nil {
		at = t.At.UTC().Format(time.RFC3339Nano)
	}
	if t.LastRun != nil {
		lastRun = t.LastRun.UTC().Format(time.RFC3339Nano)
	}

	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO tasks
			(id, name, cron, at, message, conversation_id, origin, chat_id, enabled, created_at, created_by, last_run)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.Name, t.Cron, at, t.Message, t.ConversationID, t.Origin, t.ChatID,
		t.Enabled, t.CreatedAt.UTC().Format(time.RFC3339Nano), t.CreatedBy, lastRun)
	if err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	return nil
}

// DeleteTask removes a task by id.
func (s *Store) DeleteTask(id string) error {
	res, err := s.db.Exec(`DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%q: %w", id, ErrTaskNotFound)
	}
	return nil
}

// ListTasks returns all tasks, optionally only enabled ones, ordered by
// creation time.
func (s *Store) ListTasks(enabledOnly bool) ([]*Task, error) {
	query := `SELECT id, name, cron, at, message, conversation_id, origin, chat_id, enabled, created_at, created_by, last_run
		FROM tasks`
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func scanTask(rows *sql.Rows) (*Task, error) {
	var t Task
	var at, lastRun sql.NullString
	var createdAt string

	err := rows.Scan(&t.ID, &t.Name, &t.Cron, &at, &t.Message, &t.ConversationID,
		&t.Origin, &t.ChatID, &t.Enabled, &createdAt, &t.CreatedBy, &lastRun)
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}

	t.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if at.Valid {
		ts, err := time.Parse(time.RFC3339Nano, at.String)
		if err == nil {
			t.At = &ts
		}
	}
	if lastRun.Valid {
		ts, err := time.Parse(time.RFC3339Nano, lastRun.String)
		if err == nil {
			t.LastRun = &ts
		}
	}
	return &t, nil
}
