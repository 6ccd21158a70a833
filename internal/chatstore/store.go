// Package chatstore persists users, models and chat messages to a single
// SQLite file. Message ids are assigned dense per chat via a
// read-max-then-insert transaction, and all writes go through a
// single-writer mutex matching the DB's single open connection.
package chatstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	user_id  INTEGER PRIMARY KEY AUTOINCREMENT,
	username TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS models (
	model_id INTEGER PRIMARY KEY AUTOINCREMENT,
	name     TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS chats (
	user_id    INTEGER NOT NULL REFERENCES users(user_id),
	chat_id    INTEGER NOT NULL,
	message_id INTEGER NOT NULL,
	model_id   INTEGER REFERENCES models(model_id),
	role       TEXT NOT NULL,
	body       TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (user_id, chat_id, message_id)
);
`

// ErrNotFound is returned when a chat or user does not exist.
var ErrNotFound = errors.New("chatstore: not found")

// Message is one row of a chat transcript.
type Message struct {
	MessageID int64
	Role      string
	Body      string
	CreatedAt time.Time
}

// ChatSummary names one of a user's chats along with its most recent turn.
type ChatSummary struct {
	ChatID      int64
	LastMessage string
	UpdatedAt   time.Time
}

// Store is a single-writer SQLite connection. All writes take mu, matching
// chat_history.rs's single synchronous rusqlite::Connection guarded by a
// std::sync::Mutex in state.rs's AppState.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open creates (if needed) and migrates the database file at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("chatstore: open: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("chatstore: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error { return s.db.Close() }

// EnsureUser returns username's user_id, creating the row if it does not
// exist yet. Usernames are the entirety of the identity model — there is no
// password or token to verify.
func (s *Store) EnsureUser(ctx context.Context, username string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO users(username) VALUES (?)`, username); err != nil {
		return 0, fmt.Errorf("chatstore: ensure user: %w", err)
	}
	var id int64
	err := s.db.QueryRowContext(ctx, `SELECT user_id FROM users WHERE username = ?`, username).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("chatstore: ensure user: %w", err)
	}
	return id, nil
}

// EnsureModel returns name's model_id, creating the row if needed.
func (s *Store) EnsureModel(ctx context.Context, name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO models(name) VALUES (?)`, name); err != nil {
		return 0, fmt.Errorf("chatstore: ensure model: %w", err)
	}
	var id int64
	err := s.db.QueryRowContext(ctx, `SELECT model_id FROM models WHERE name = ?`, name).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("chatstore: ensure model: %w", err)
	}
	return id, nil
}

// NextChatID returns the next unused chat_id for userID. Chat ids are
// monotonic per user, not global.
func (s *Store) NextChatID(ctx context.Context, userID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var next int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(chat_id), 0) + 1 FROM chats WHERE user_id = ?`, userID).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("chatstore: next chat id: %w", err)
	}
	return next, nil
}

// AppendMessage assigns the next dense message_id for (userID, chatID) and
// inserts the row, both inside one transaction -- the invariant
// chat_history.rs's add_message relies on (SELECT MAX then INSERT must not
// interleave with a concurrent writer).
func (s *Store) AppendMessage(ctx context.Context, userID, chatID int64, modelID sql.NullInt64, role, body string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("chatstore: append: begin: %w", err)
	}
	defer tx.Rollback()

	var next int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(message_id), 0) + 1 FROM chats WHERE user_id = ? AND chat_id = ?`,
		userID, chatID).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("chatstore: append: next id: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO chats(user_id, chat_id, message_id, model_id, role, body) VALUES (?, ?, ?, ?, ?, ?)`,
		userID, chatID, next, modelID, role, body)
	if err != nil {
		return 0, fmt.Errorf("chatstore: append: insert: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("chatstore: append: commit: %w", err)
	}
	return next, nil
}

// FetchChat returns every message of (userID, chatID) in message_id order.
func (s *Store) FetchChat(ctx context.Context, userID, chatID int64) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT message_id, role, body, created_at FROM chats
		 WHERE user_id = ? AND chat_id = ? ORDER BY message_id ASC`, userID, chatID)
	if err != nil {
		return nil, fmt.Errorf("chatstore: fetch chat: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.MessageID, &m.Role, &m.Body, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("chatstore: fetch chat: scan: %w", err)
		}
		out = append(out, m)
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, rows.Err()
}

// FetchHistory lists a user's chats, ordered by chat_id.
func (s *Store) FetchHistory(ctx context.Context, userID int64) ([]ChatSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT chat_id, body, created_at FROM chats c
		WHERE user_id = ? AND message_id = (
			SELECT MAX(message_id) FROM chats WHERE user_id = c.user_id AND chat_id = c.chat_id
		)
		ORDER BY chat_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("chatstore: fetch history: %w", err)
	}
	defer rows.Close()

	var out []ChatSummary
	for rows.Next() {
		var c ChatSummary
		if err := rows.Scan(&c.ChatID, &c.LastMessage, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("chatstore: fetch history: scan: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteChat removes every message of (userID, chatID). It is an
// unauthenticated maintenance operation, gated by nothing beyond the
// username match.
func (s *Store) DeleteChat(ctx context.Context, userID, chatID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `DELETE FROM chats WHERE user_id = ? AND chat_id = ?`, userID, chatID)
	if err != nil {
		return fmt.Errorf("chatstore: delete chat: %w", err)
	}
	return nil
}

// DeleteUser removes a user and all of their chats, mirroring
// chat_history.rs's delete_user.
func (s *Store) DeleteUser(ctx context.Context, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("chatstore: delete user: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chats WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("chatstore: delete user: chats: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM users WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("chatstore: delete user: users: %w", err)
	}
	return tx.Commit()
}
