package experts

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/EduMMorenolp/argenteia/internal/config"
)

// ErrProfileNotFound is returned when a named profile does not exist.
var ErrProfileNotFound = errors.New("expert profile not found")

// Store persists expert profiles, runtime model entries, and settings
// in SQLite. It implements Lookup for the agent loop and the model
// entry source consumed by the resolver.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	logger *slog.Logger
}

// NewStore opens (or creates) the experts database at dbPath.
func NewStore(dbPath string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening experts db: %w", err)
	}
	s := &Store{db: db, logger: logger}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS profiles (
		name TEXT PRIMARY KEY,
		model TEXT NOT NULL DEFAULT '',
		system_prompt TEXT NOT NULL DEFAULT '',
		temperature REAL NOT NULL DEFAULT 0,
		tools TEXT NOT NULL DEFAULT '[]',
		experts TEXT NOT NULL DEFAULT '[]',
		created_at TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS model_entries (
		name TEXT PRIMARY KEY,
		api_key TEXT NOT NULL DEFAULT '',
		base_url TEXT NOT NULL DEFAULT ''
	);
	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("initializing experts schema: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveProfile inserts or replaces a profile by name.
func (s *Store) SaveProfile(p *Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.Name == "" {
		return errors.New("profile name is required")
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	tools, err := json.Marshal(nonNil(p.Tools))
	if err != nil {
		return fmt.Errorf("encoding tools: %w", err)
	}
	peers, err := json.Marshal(nonNil(p.Experts))
	if err != nil {
		return fmt.Errorf("encoding experts: %w", err)
	}
	_, err = s.db.Exec(`INSERT OR REPLACE INTO profiles
		(name, model, system_prompt, temperature, tools, experts, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.Name, p.Model, p.SystemPrompt, p.Temperature,
		string(tools), string(peers), p.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("saving profile %s: %w", p.Name, err)
	}
	return nil
}

// GetProfile returns the named profile, or false when absent.
func (s *Store) GetProfile(name string) (*Profile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT name, model, system_prompt, temperature, tools, experts, created_at
		FROM profiles WHERE name = ?`, name)
	p, err := scanProfile(row)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) && s.logger != nil {
			s.logger.Error("reading profile", "name", name, "error", err)
		}
		return nil, false
	}
	return p, true
}

// ListProfiles returns all profiles ordered by name.
func (s *Store) ListProfiles() []*Profile {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT name, model, system_prompt, temperature, tools, experts, created_at
		FROM profiles ORDER BY name`)
	if err != nil {
		if s.logger != nil {
			s.logger.Error("listing profiles", "error", err)
		}
		return nil
	}
	defer rows.Close()

	var profiles []*Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			continue
		}
		profiles = append(profiles, p)
	}
	return profiles
}

// DeleteProfile removes a profile. The default profile cannot be deleted.
func (s *Store) DeleteProfile(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if name == DefaultProfileName {
		return fmt.Errorf("cannot delete the %s profile", DefaultProfileName)
	}
	res, err := s.db.Exec(`DELETE FROM profiles WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("deleting profile %s: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrProfileNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProfile(row rowScanner) (*Profile, error) {
	var p Profile
	var tools, peers, created string
	if err := row.Scan(&p.Name, &p.Model, &p.SystemPrompt, &p.Temperature, &tools, &peers, &created); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tools), &p.Tools); err != nil {
		p.Tools = nil
	}
	if err := json.Unmarshal([]byte(peers), &p.Experts); err != nil {
		p.Experts = nil
	}
	if t, err := time.Parse(time.RFC3339, created); err == nil {
		p.CreatedAt = t
	}
	return &p, nil
}

func nonNil(ss []string) []string {
	if ss == nil {
		return []string{}
	}
	return ss
}

// SaveModelEntry inserts or replaces a runtime model credential entry.
// Runtime entries take precedence over static configuration when the
// resolver maps a model name to credentials.
func (s *Store) SaveModelEntry(e config.ModelEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.Name == "" {
		return errors.New("model entry name is required")
	}
	_, err := s.db.Exec(`INSERT OR REPLACE INTO model_entries (name, api_key, base_url) VALUES (?, ?, ?)`,
		e.Name, e.APIKey, e.BaseURL)
	if err != nil {
		return fmt.Errorf("saving model entry %s: %w", e.Name, err)
	}
	return nil
}

// ModelEntry returns the runtime entry for a model name, if present.
func (s *Store) ModelEntry(name string) (config.ModelEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var e config.ModelEntry
	row := s.db.QueryRow(`SELECT name, api_key, base_url FROM model_entries WHERE name = ?`, name)
	if err := row.Scan(&e.Name, &e.APIKey, &e.BaseURL); err != nil {
		return config.ModelEntry{}, false
	}
	return e, true
}

// DeleteModelEntry removes a runtime model entry if present.
func (s *Store) DeleteModelEntry(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`DELETE FROM model_entries WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("deleting model entry %s: %w", name, err)
	}
	return nil
}

// SetSetting stores a key/value setting.
func (s *Store) SetSetting(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`INSERT OR REPLACE INTO settings (key, value) VALUES (?, ?)`, key, value)
	if err != nil {
		return fmt.Errorf("saving setting %s: %w", key, err)
	}
	return nil
}

// Setting returns a setting value, or the fallback when absent.
func (s *Store) Setting(key, fallback string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var value string
	if err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value); err != nil {
		return fallback
	}
	return value
}
