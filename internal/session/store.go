// Package session persists conversation sessions: identity, working
// directory, permission mode and the resume token that lets a later turn
// continue where the last one left off.
package session

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"pilot/internal/permission"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a session id does not exist.
var ErrNotFound = errors.New("session: not found")

// Session is one persisted conversation.
type Session struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	WorkingDir     string    `json:"working_dir"`
	PermissionMode string    `json:"permission_mode"`
	ThinkingLevel  string    `json:"thinking_level,omitempty"`
	ResumeToken    string    `json:"-"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id              TEXT PRIMARY KEY,
	title           TEXT NOT NULL DEFAULT '',
	working_dir     TEXT NOT NULL DEFAULT '',
	permission_mode TEXT NOT NULL DEFAULT 'ask',
	thinking_level  TEXT NOT NULL DEFAULT '',
	resume_token    TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMP NOT NULL,
	updated_at      TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);
`

// Store is the sqlite-backed session store.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (or creates) the store at path and bootstraps the schema.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("bootstrap schema: %w", err)
	}

	return &Store{db: db, path: path}, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Create inserts a new session starting in ask mode.
func (s *Store) Create(title, workingDir string) (*Session, error) {
	now := time.Now()
	sess := &Session{
		ID:             uuid.New().String(),
		Title:          title,
		WorkingDir:     workingDir,
		PermissionMode: string(permission.ModeAsk),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	_, err := s.db.Exec(
		"INSERT INTO sessions (id, title, working_dir, permission_mode, thinking_level, resume_token, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		sess.ID, sess.Title, sess.WorkingDir, sess.PermissionMode, sess.ThinkingLevel, sess.ResumeToken, now, now,
	)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// Get returns one session by id.
func (s *Store) Get(id string) (*Session, error) {
	var sess Session
	err := s.db.QueryRow(
		"SELECT id, title, working_dir, permission_mode, thinking_level, resume_token, created_at, updated_at FROM sessions WHERE id = ?",
		id,
	).Scan(&sess.ID, &sess.Title, &sess.WorkingDir, &sess.PermissionMode, &sess.ThinkingLevel, &sess.ResumeToken, &sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// List returns sessions ordered by recency.
func (s *Store) List(limit int) ([]*Session, error) {
	query := "SELECT id, title, working_dir, permission_mode, thinking_level, resume_token, created_at, updated_at FROM sessions ORDER BY updated_at DESC"
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.Title, &sess.WorkingDir, &sess.PermissionMode, &sess.ThinkingLevel, &sess.ResumeToken, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, err
		}
		sessions = append(sessions, &sess)
	}
	return sessions, rows.Err()
}

// Delete removes a session.
func (s *Store) Delete(id string) error {
	result, err := s.db.Exec("DELETE FROM sessions WHERE id = ?", id)
	if err != nil {
		return err
	}
	return checkAffected(result)
}

// SetResumeToken stores the session's resume token; an empty token marks
// the conversation as no longer resumable.
func (s *Store) SetResumeToken(id, token string) error {
	return s.update(id, "resume_token", token)
}

// SetPermissionMode stores the session's permission mode.
func (s *Store) SetPermissionMode(id string, mode permission.Mode) error {
	if !mode.Valid() {
		return fmt.Errorf("session: invalid mode %q", mode)
	}
	return s.update(id, "permission_mode", string(mode))
}

// SetThinkingLevel stores the session's reasoning budget.
func (s *Store) SetThinkingLevel(id, level string) error {
	return s.update(id, "thinking_level", level)
}

// SetTitle stores the session title.
func (s *Store) SetTitle(id, title string) error {
	return s.update(id, "title", title)
}

// Touch bumps the session's updated_at timestamp.
func (s *Store) Touch(id string) error {
	result, err := s.db.Exec("UPDATE sessions SET updated_at = ? WHERE id = ?", time.Now(), id)
	if err != nil {
		return err
	}
	return checkAffected(result)
}

func (s *Store) update(id, column, value string) error {
	result, err := s.db.Exec(
		fmt.Sprintf("UPDATE sessions SET %s = ?, updated_at = ? WHERE id = ?", column),
		value, time.Now(), id,
	)
	if err != nil {
		return err
	}
	return checkAffected(result)
}

func checkAffected(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
