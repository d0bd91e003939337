package memory

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/EduMMorenolp/argenteia/internal/llm"
)

// SQLiteStore is the durable conversation log. The gateway and bot bridge
// persist messages around the agent loop; the loop itself never touches
// this store.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the durable log at dbPath, creating the schema if
// needed.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		origin TEXT NOT NULL DEFAULT '',
		expert TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		user_id TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		origin TEXT NOT NULL DEFAULT '',
		tool_calls TEXT,
		tool_call_id TEXT,
		timestamp TEXT NOT NULL,
		FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, timestamp);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Persist appends one message to the durable log, creating the
// conversation row on first use.
func (s *SQLiteStore) Persist(conversationID, userID, role, content, origin string) error {
	return s.PersistMessage(conversationID, userID, origin, llm.Message{Role: role, Content: content})
}

// PersistMessage is Persist for messages that carry tool calls.
func (s *SQLiteStore) PersistMessage(conversationID, userID, origin string, msg llm.Message) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)

	_, err := s.db.Exec(`
		INSERT INTO conversations (id, origin, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at
	`, conversationID, origin, now, now)
	if err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}

	var toolCalls any
	if len(msg.ToolCalls) > 0 {
		data, err := json.Marshal(msg.ToolCalls)
		if err != nil {
			return fmt.Errorf("marshal tool calls: %w", err)
		}
		toolCalls = string(data)
	}

	_, err = s.db.Exec(`
		INSERT INTO messages (id, conversation_id, user_id, role, content, origin, tool_calls, tool_call_id, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, uuid.New().String(), conversationID, userID, msg.Role, msg.Content, origin, toolCalls, nullable(msg.ToolCallID), now)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// LoggedMessage is one durable log entry.
type LoggedMessage struct {
	Role       string    `json:"role"`
	Content    string    `json:"content"`
	Origin     string    `json:"origin,omitempty"`
	ToolCallID string    `json:"tool_call_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// History returns the most recent limit messages of a conversation in
// chronological order. limit <= 0 means all.
func (s *SQLiteStore) History(conversationID string, limit int) ([]LoggedMessage, error) {
	query := `SELECT role, content, origin, tool_call_id, timestamp
		FROM messages WHERE conversation_id = ? ORDER BY timestamp DESC`
	args := []any{conversationID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []LoggedMessage
	for rows.Next() {
		var m LoggedMessage
		var toolCallID sql.NullString
		var ts string
		if err := rows.Scan(&m.Role, &m.Content, &m.Origin, &toolCallID, &ts); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.ToolCallID = toolCallID.String
		m.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse into chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Conversations lists known conversation ids, most recently active first.
func (s *SQLiteStore) Conversations() ([]string, error) {
	rows, err := s.db.Query(`SELECT id FROM conversations ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
