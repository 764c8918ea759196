// Package history persists chat sessions and completed exchanges.
package history

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// DBFileName is the history database file under the data directory.
const DBFileName = "history.db"

// Session is one chat conversation.
type Session struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Message is one turn of a conversation.
type Message struct {
	ID        string          `json:"id"`
	SessionID string          `json:"sessionId"`
	Role      string          `json:"role"` // "user" or "assistant"
	Content   string          `json:"content"`
	Sources   json.RawMessage `json:"sources,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Store is a sqlite-backed history store.
type Store struct {
	db *sql.DB

	// ULID generation needs a locked entropy source.
	entropyMu sync.Mutex
	entropy   *ulid.MonotonicEntropy
}

// NewStore opens (or creates) the history database under dataDir.
func NewStore(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DBFileName)
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}

	// SQLite works best with a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	store := &Store{
		db:      db,
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize history schema: %w", err)
	}

	log.Info().Str("path", dbPath).Msg("History store initialized")
	return store, nil
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			sources TEXT,
			created_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_messages_session
		ON messages(session_id, created_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) newID() string {
	s.entropyMu.Lock()
	defer s.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String()
}

// RecordExchange appends a completed user/assistant exchange to a session,
// creating the session on first use. Implements the relay's Recorder.
func (s *Store) RecordExchange(sessionID, userMessage, assistantText string, sources json.RawMessage) error {
	now := time.Now().UTC()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin history transaction: %w", err)
	}
	defer tx.Rollback()

	title := userMessage
	if len(title) > 80 {
		title = title[:80]
	}
	if _, err := tx.Exec(`
		INSERT INTO sessions (id, title, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at`,
		sessionID, title, now.Unix(), now.Unix()); err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}

	var sourcesText sql.NullString
	if len(sources) > 0 {
		sourcesText = sql.NullString{String: string(sources), Valid: true}
	}

	if _, err := tx.Exec(`
		INSERT INTO messages (id, session_id, role, content, sources, created_at)
		VALUES (?, ?, 'user', ?, NULL, ?)`,
		s.newID(), sessionID, userMessage, now.Unix()); err != nil {
		return fmt.Errorf("insert user message: %w", err)
	}
	if _, err := tx.Exec(`
		INSERT INTO messages (id, session_id, role, content, sources, created_at)
		VALUES (?, ?, 'assistant', ?, ?, ?)`,
		s.newID(), sessionID, assistantText, sourcesText, now.Unix()); err != nil {
		return fmt.Errorf("insert assistant message: %w", err)
	}

	return tx.Commit()
}

// ListSessions returns sessions newest-first.
func (s *Store) ListSessions() ([]Session, error) {
	rows, err := s.db.Query(`
		SELECT id, title, created_at, updated_at
		FROM sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]Session, 0)
	for rows.Next() {
		var sess Session
		var created, updated int64
		if err := rows.Scan(&sess.ID, &sess.Title, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sess.CreatedAt = time.Unix(created, 0).UTC()
		sess.UpdatedAt = time.Unix(updated, 0).UTC()
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// ErrSessionNotFound is returned by GetSession for unknown session IDs.
var ErrSessionNotFound = errors.New("session not found")

// GetSession returns a session and its messages in order.
func (s *Store) GetSession(id string) (*Session, []Message, error) {
	var sess Session
	var created, updated int64
	err := s.db.QueryRow(`
		SELECT id, title, created_at, updated_at FROM sessions WHERE id = ?`, id).
		Scan(&sess.ID, &sess.Title, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load session: %w", err)
	}
	sess.CreatedAt = time.Unix(created, 0).UTC()
	sess.UpdatedAt = time.Unix(updated, 0).UTC()

	rows, err := s.db.Query(`
		SELECT id, session_id, role, content, sources, created_at
		FROM messages WHERE session_id = ? ORDER BY created_at, id`, id)
	if err != nil {
		return nil, nil, fmt.Errorf("load messages: %w", err)
	}
	defer rows.Close()

	messages := make([]Message, 0)
	for rows.Next() {
		var msg Message
		var sources sql.NullString
		var createdAt int64
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Role, &msg.Content, &sources, &createdAt); err != nil {
			return nil, nil, fmt.Errorf("scan message: %w", err)
		}
		if sources.Valid {
			msg.Sources = json.RawMessage(sources.String)
		}
		msg.CreatedAt = time.Unix(createdAt, 0).UTC()
		messages = append(messages, msg)
	}
	return &sess, messages, rows.Err()
}

// DeleteSession removes a session and its messages. Unknown IDs are not an
// error.
func (s *Store) DeleteSession(id string) error {
	if _, err := s.db.Exec(`DELETE FROM messages WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	if _, err := s.db.Exec(`DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}
