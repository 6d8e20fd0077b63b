// Package history persists delivered client events so getMessageHistory can
// page through past turns after a reconnect.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/agentgate/agentgate/internal/common/logger"
	"github.com/agentgate/agentgate/pkg/protocol"
)

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	type       TEXT NOT NULL,
	request_id TEXT NOT NULL DEFAULT '',
	payload    TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_session_created
	ON messages(session_id, created_at);
`

const defaultLimit = 100

type row struct {
	ID        string    `db:"id"`
	SessionID string    `db:"session_id"`
	Type      string    `db:"type"`
	RequestID string    `db:"request_id"`
	Payload   []byte    `db:"payload"`
	CreatedAt time.Time `db:"created_at"`
}

// Store is a SQLite-backed message history.
type Store struct {
	db  *sqlx.DB
	log *logger.Logger
}

// Open opens (creating if needed) the history database at path.
func Open(path string, log *logger.Logger) (*Store, error) {
	if log == nil {
		log = logger.Default()
	}

	db, err := sqlx.Connect("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply history schema: %w", err)
	}

	return &Store{
		db:  db,
		log: log.WithFields(zap.String("component", "history")),
	}, nil
}

// Append records one outbound event for a session.
func (s *Store) Append(ctx context.Context, sessionID string, msg *protocol.Message) error {
	id := msg.ID
	if id == "" {
		id = protocol.NewEventID()
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO messages (id, session_id, type, request_id, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		id, sessionID, msg.Type, msg.RequestID, payload, msg.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

// List returns the session's events oldest first, with limit/offset paging.
func (s *Store) List(ctx context.Context, sessionID string, limit, offset int) ([]*protocol.Message, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	if offset < 0 {
		offset = 0
	}

	var rows []row
	err := s.db.SelectContext(ctx, &rows,
		`SELECT id, session_id, type, request_id, payload, created_at
		 FROM messages WHERE session_id = ?
		 ORDER BY created_at ASC, id ASC
		 LIMIT ? OFFSET ?`,
		sessionID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}

	out := make([]*protocol.Message, 0, len(rows))
	for _, r := range rows {
		var msg protocol.Message
		if err := json.Unmarshal(r.Payload, &msg); err != nil {
			s.log.Warn("skipping undecodable history row",
				zap.String("id", r.ID),
				zap.Error(err))
			continue
		}
		out = append(out, &msg)
	}
	return out, nil
}

// Clear removes all history for a session.
func (s *Store) Clear(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("failed to clear history: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
