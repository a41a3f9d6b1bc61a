// Package history is the broker-side persistence for chat messages and
// user records, backed by SQLite. All writes funnel through a single
// goroutine; reads use the connection pool.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"tripstream/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	sender_id   TEXT NOT NULL,
	receiver_id TEXT NOT NULL,
	content     TEXT NOT NULL,
	created_at  TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_pair
	ON messages(sender_id, receiver_id, created_at);

CREATE TABLE IF NOT EXISTS users (
	id           TEXT PRIMARY KEY,
	display_name TEXT NOT NULL,
	email        TEXT,
	avatar_url   TEXT,
	last_seen    TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_users_email ON users(email);
`

type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

// Store implements interfaces.HistoryStore on SQLite.
type Store struct {
	db      *sql.DB
	logger  *slog.Logger
	writeCh chan writeOperation
	done    chan struct{}
	wg      sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewStore opens (and migrates) the database at path.
func NewStore(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(10)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	s := &Store{
		db:      db,
		logger:  logger,
		writeCh: make(chan writeOperation, 100),
		done:    make(chan struct{}),
	}
	s.wg.Add(1)
	go s.writeLoop()
	return s, nil
}

// writeLoop serializes all writes; SQLite performs poorly under write
// contention. Failed writes are retried exactly once.
func (s *Store) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case op := <-s.writeCh:
			err := op.operation(s.db)
			if err != nil {
				s.logger.Warn("database write failed, retrying", "error", err)
				err = op.operation(s.db)
			}
			op.result <- err
		case <-s.done:
			return
		}
	}
}

func (s *Store) executeWrite(op func(*sql.DB) error) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrStoreClosed
	}
	s.mu.RUnlock()

	result := make(chan error, 1)
	select {
	case s.writeCh <- writeOperation{operation: op, result: result}:
		return <-result
	case <-s.done:
		return ErrStoreClosed
	case <-time.After(30 * time.Second):
		return ErrWriteTimeout
	}
}

// SaveMessage persists one chat message.
func (s *Store) SaveMessage(ctx context.Context, msg *types.ChatMessage) error {
	if msg == nil {
		return ErrNilMessage
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	return s.executeWrite(func(db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			`INSERT INTO messages (sender_id, receiver_id, content, created_at) VALUES (?, ?, ?, ?)`,
			msg.SenderID, msg.ReceiverID, msg.Content, msg.Timestamp.UTC())
		return err
	})
}

// History returns the full message list between two users, oldest first.
func (s *Store) History(ctx context.Context, userID, partnerID string) ([]types.ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT sender_id, receiver_id, content, created_at
		 FROM messages
		 WHERE (sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)
		 ORDER BY created_at ASC, id ASC`,
		userID, partnerID, partnerID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []types.ChatMessage
	for rows.Next() {
		var msg types.ChatMessage
		if err := rows.Scan(&msg.SenderID, &msg.ReceiverID, &msg.Content, &msg.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

// LastMessage returns the most recent message between two users, or
// ErrNotFound.
func (s *Store) LastMessage(ctx context.Context, userID, partnerID string) (*types.ChatMessage, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT sender_id, receiver_id, content, created_at
		 FROM messages
		 WHERE (sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)
		 ORDER BY created_at DESC, id DESC LIMIT 1`,
		userID, partnerID, partnerID, userID)

	var msg types.ChatMessage
	if err := row.Scan(&msg.SenderID, &msg.ReceiverID, &msg.Content, &msg.Timestamp); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan message: %w", err)
	}
	return &msg, nil
}

// UpsertUser records or refreshes a user profile.
func (s *Store) UpsertUser(ctx context.Context, user *types.UserRecord) error {
	if user == nil || !types.IsValidUserID(user.ID) {
		return types.ErrInvalidUserID
	}
	return s.executeWrite(func(db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			`INSERT INTO users (id, display_name, email, avatar_url, last_seen)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET
				display_name = excluded.display_name,
				email        = excluded.email,
				avatar_url   = excluded.avatar_url,
				last_seen    = excluded.last_seen`,
			user.ID, user.DisplayName, user.Email, user.AvatarURL, user.LastSeen.UTC())
		return err
	})
}

// GetUser fetches one user record by id.
func (s *Store) GetUser(ctx context.Context, id string) (*types.UserRecord, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		`SELECT id, display_name, email, avatar_url, last_seen FROM users WHERE id = ?`, id))
}

// FindUserByEmail fetches one user record by email address.
func (s *Store) FindUserByEmail(ctx context.Context, email string) (*types.UserRecord, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		`SELECT id, display_name, email, avatar_url, last_seen FROM users WHERE email = ?`, email))
}

func (s *Store) scanUser(row *sql.Row) (*types.UserRecord, error) {
	var u types.UserRecord
	var email, avatar sql.NullString
	if err := row.Scan(&u.ID, &u.DisplayName, &email, &avatar, &u.LastSeen); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}
	u.Email = email.String
	u.AvatarURL = avatar.String
	return &u, nil
}

// Close drains the writer and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.done)
	s.wg.Wait()
	return s.db.Close()
}
