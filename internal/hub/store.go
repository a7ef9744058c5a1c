// Package hub is the reference signaling and message relay server: one
// websocket per connected identity, a SQLite log for offline delivery and
// history pages, and the HTTP endpoints the agents' backend client calls.
package hub

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	_ "modernc.org/sqlite"

	"github.com/mheijden/linkup/internal/proto"
)

var log = logging.Logger("hub")

// Chat is one conversation row. Participants are stored in canonical
// order (UserA < UserB) so a pair maps to exactly one chat.
type Chat struct {
	ID    string `json:"id"`
	UserA string `json:"user_a"`
	UserB string `json:"user_b"`
}

// Profile is the public identity record of a user.
type Profile struct {
	ID      string `json:"id"`
	Display string `json:"display"`
}

// Store wraps the hub's SQLite database.
type Store struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// OpenStore opens or creates the hub database in dataDir.
func OpenStore(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	dbPath := filepath.Join(dataDir, "hub.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL for concurrent readers while the relay writes.
	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS chats (
			id     TEXT PRIMARY KEY,
			user_a TEXT NOT NULL,
			user_b TEXT NOT NULL,
			UNIQUE (user_a, user_b)
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create chats table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			id          TEXT PRIMARY KEY,
			chat_id     TEXT NOT NULL,
			sender_id   TEXT NOT NULL,
			receiver_id TEXT NOT NULL,
			body        TEXT NOT NULL,
			created_at  INTEGER NOT NULL,
			status      TEXT NOT NULL DEFAULT 'sent'
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create messages table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_messages_chat_created
			ON messages (chat_id, created_at);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create message index: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS profiles (
			id      TEXT PRIMARY KEY,
			display TEXT NOT NULL DEFAULT ''
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create profiles table: %w", err)
	}

	return &Store{db: db, path: dbPath}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// EnsureChat returns the chat between the two users, creating it if needed.
func (s *Store) EnsureChat(userA, userB string) (Chat, error) {
	if userB < userA {
		userA, userB = userB, userA
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var c Chat
	err := s.db.QueryRow(`SELECT id, user_a, user_b FROM chats WHERE user_a = ? AND user_b = ?`,
		userA, userB).Scan(&c.ID, &c.UserA, &c.UserB)
	if err == nil {
		return c, nil
	}
	if err != sql.ErrNoRows {
		return Chat{}, err
	}

	c = Chat{ID: uuid.NewString(), UserA: userA, UserB: userB}
	if _, err := s.db.Exec(`INSERT INTO chats (id, user_a, user_b) VALUES (?, ?, ?)`,
		c.ID, c.UserA, c.UserB); err != nil {
		return Chat{}, err
	}
	return c, nil
}

// ChatByID returns one chat row.
func (s *Store) ChatByID(id string) (Chat, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var c Chat
	err := s.db.QueryRow(`SELECT id, user_a, user_b FROM chats WHERE id = ?`, id).
		Scan(&c.ID, &c.UserA, &c.UserB)
	if err != nil {
		return Chat{}, false
	}
	return c, true
}

// ChatsFor lists every chat the user participates in.
func (s *Store) ChatsFor(userID string) ([]Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT id, user_a, user_b FROM chats
		WHERE user_a = ? OR user_b = ? ORDER BY id`, userID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chats []Chat
	for rows.Next() {
		var c Chat
		if err := rows.Scan(&c.ID, &c.UserA, &c.UserB); err != nil {
			return nil, err
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

// SaveMessage persists one relayed message.
func (s *Store) SaveMessage(m proto.WireMessage, receiverID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO messages (id, chat_id, sender_id, receiver_id, body, created_at, status)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, m.SenderID, receiverID, m.Body, m.CreatedAt, m.Status)
	return err
}

// MessageByID returns one message row plus its receiver.
func (s *Store) MessageByID(id string) (proto.WireMessage, string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var m proto.WireMessage
	var receiverID string
	err := s.db.QueryRow(`
		SELECT id, chat_id, sender_id, receiver_id, body, created_at, status
		FROM messages WHERE id = ?`, id).
		Scan(&m.ID, &m.ConversationID, &m.SenderID, &receiverID, &m.Body, &m.CreatedAt, &m.Status)
	if err != nil {
		return proto.WireMessage{}, "", false
	}
	return m, receiverID, true
}

// MessagesBefore returns up to limit messages of the chat strictly older
// than before (unix millis; 0 means newest), ascending by created_at.
func (s *Store) MessagesBefore(chatID string, before int64, limit int) ([]proto.WireMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT id, chat_id, sender_id, body, created_at, status
		FROM messages WHERE chat_id = ?`
	args := []any{chatID}
	if before > 0 {
		query += ` AND created_at < ?`
		args = append(args, before)
	}
	// rowid breaks created_at ties so rapid sends keep arrival order.
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var page []proto.WireMessage
	for rows.Next() {
		var m proto.WireMessage
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Body, &m.CreatedAt, &m.Status); err != nil {
			return nil, err
		}
		page = append(page, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Query runs newest-first for the LIMIT; callers want ascending.
	for i, j := 0, len(page)-1; i < j; i, j = i+1, j-1 {
		page[i], page[j] = page[j], page[i]
	}
	return page, nil
}

// PendingFor returns undelivered messages addressed to the user, oldest
// first, for the reconnect flush.
func (s *Store) PendingFor(receiverID string) ([]proto.WireMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, chat_id, sender_id, body, created_at, status
		FROM messages WHERE receiver_id = ? AND status = 'sent'
		ORDER BY created_at, rowid`, receiverID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pending []proto.WireMessage
	for rows.Next() {
		var m proto.WireMessage
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Body, &m.CreatedAt, &m.Status); err != nil {
			return nil, err
		}
		pending = append(pending, m)
	}
	return pending, rows.Err()
}

// MarkDelivered moves a message from sent to delivered. Already seen
// messages are left alone.
func (s *Store) MarkDelivered(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE messages SET status = 'delivered'
		WHERE id = ? AND status = 'sent'`, messageID)
	return err
}

// MarkMessageRead moves a message to seen.
func (s *Store) MarkMessageRead(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE messages SET status = 'seen' WHERE id = ?`, messageID)
	return err
}

// MarkChatRead moves every message the reader received in the chat to
// seen. Returns the number of rows changed.
func (s *Store) MarkChatRead(chatID, readerID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE messages SET status = 'seen'
		WHERE chat_id = ? AND receiver_id = ? AND status != 'seen'`, chatID, readerID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// UpsertProfile stores or replaces a user's public record.
func (s *Store) UpsertProfile(p Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO profiles (id, display) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET display = excluded.display`,
		p.ID, p.Display)
	return err
}

// GetProfile returns a user's public record, or false if unknown.
func (s *Store) GetProfile(userID string) (Profile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var p Profile
	err := s.db.QueryRow(`SELECT id, display FROM profiles WHERE id = ?`, userID).
		Scan(&p.ID, &p.Display)
	if err != nil {
		return Profile{}, false
	}
	return p, true
}
