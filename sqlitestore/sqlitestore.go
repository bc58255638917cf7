// Package sqlitestore is a chatsync.Storage kept in a SQLite file, so the
// local view survives restarts.
package sqlitestore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/textb-app/chatsync"
)

// sortable timestamps: fixed width so text order is time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store is a SQLite-backed chatsync.Storage.
type Store struct {
	db *sql.DB
}

var _ chatsync.Storage = (*Store)(nil)

// Open opens or creates the cache database at path. ":memory:" gives a
// private in-memory database.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create cache directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	// One connection: an in-memory database is per connection, and SQLite
	// serializes writers anyway.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect cache: %w", err)
	}
	if err := initSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func initSchema(db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			token TEXT NOT NULL DEFAULT '',
			sent_at TEXT NOT NULL,
			seq INTEGER NOT NULL DEFAULT 0,
			data TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS messages_conversation ON messages (conversation_id, sent_at, seq, id)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			last_at TEXT,
			data TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS cursors (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}
	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("init cache schema: %w", err)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// ── Messages ─────────────────────────────────────────────

func (s *Store) PutMessages(msgs []chatsync.Message) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, m := range msgs {
		data, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("encode message %s: %w", m.ID, err)
		}
		// A local entry is superseded once its confirmed twin is stored.
		if m.CorrelationToken != "" {
			if _, err := tx.Exec(
				"DELETE FROM messages WHERE token = ? AND id <> ?",
				m.CorrelationToken, m.ID,
			); err != nil {
				return err
			}
		}
		if _, err := tx.Exec(
			"INSERT INTO messages (id, conversation_id, token, sent_at, seq, data) VALUES (?, ?, ?, ?, ?, ?) "+
				"ON CONFLICT(id) DO UPDATE SET conversation_id = excluded.conversation_id, token = excluded.token, "+
				"sent_at = excluded.sent_at, seq = excluded.seq, data = excluded.data",
			m.ID, m.ConversationID, m.CorrelationToken, formatTime(m.SentAt), m.Seq, string(data),
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) Messages(conversationID string, limit int) ([]chatsync.Message, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(
		"SELECT data FROM messages WHERE conversation_id = ? "+
			"ORDER BY sent_at DESC, seq DESC, id DESC LIMIT ?",
		conversationID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []chatsync.Message
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var m chatsync.Message
		if err := json.Unmarshal([]byte(data), &m); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		result = append(result, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(result)-1; i < j; i, j = i+1, j-1 {
		result[i], result[j] = result[j], result[i]
	}
	return result, nil
}

// ── Conversations ────────────────────────────────────────

func (s *Store) PutConversations(convs []chatsync.Conversation) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, c := range convs {
		data, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("encode conversation %s: %w", c.ID, err)
		}
		var lastAt sql.NullString
		if c.LastMessage != nil {
			lastAt = sql.NullString{String: formatTime(c.LastMessage.SentAt), Valid: true}
		}
		if _, err := tx.Exec(
			"INSERT INTO conversations (id, last_at, data) VALUES (?, ?, ?) "+
				"ON CONFLICT(id) DO UPDATE SET last_at = excluded.last_at, data = excluded.data",
			c.ID, lastAt, string(data),
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) Conversations() ([]chatsync.Conversation, error) {
	rows, err := s.db.Query(
		"SELECT data FROM conversations ORDER BY last_at IS NULL, last_at DESC, id",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []chatsync.Conversation{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var c chatsync.Conversation
		if err := json.Unmarshal([]byte(data), &c); err != nil {
			return nil, fmt.Errorf("decode conversation: %w", err)
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

// ── Cursors ──────────────────────────────────────────────

func (s *Store) GetCursor(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM cursors WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

func (s *Store) SetCursor(key, value string) error {
	_, err := s.db.Exec(
		"INSERT INTO cursors (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		key, value,
	)
	return err
}

func (s *Store) Clear() error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, table := range []string{"messages", "conversations", "cursors"} {
		if _, err := tx.Exec("DELETE FROM " + table); err != nil {
			return err
		}
	}
	return tx.Commit()
}
