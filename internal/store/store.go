package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"CircleChat/internal/session"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when no transcript has the requested ID
var ErrNotFound = errors.New("conversation not found")

// Summary describes one saved transcript
type Summary struct {
	ID           string
	Topic        string
	StartedAt    time.Time
	UpdatedAt    time.Time
	MessageCount int
}

// Store is the local transcript journal
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite journal at path
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	createConversationsTable := `
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		topic TEXT,
		started_at DATETIME,
		updated_at DATETIME
	);`

	createMessagesTable := `
	CREATE TABLE IF NOT EXISTS messages (
		id TEXT NOT NULL,
		conversation_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		role TEXT,
		content TEXT,
		timestamp DATETIME,
		sources TEXT,
		PRIMARY KEY (conversation_id, position),
		FOREIGN KEY(conversation_id) REFERENCES conversations(id)
	);`

	if _, err := db.Exec(createConversationsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create conversations table: %w", err)
	}

	if _, err := db.Exec(createMessagesTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create messages table: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveConversation replaces the saved transcript id with the finished
// messages of state. A message that is still streaming is left out.
func (s *Store) SaveConversation(ctx context.Context, id string, state session.State) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	startedAt := now
	if len(state.Messages) > 0 {
		startedAt = state.Messages[0].Timestamp.UTC()
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversations (id, topic, started_at, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET topic = excluded.topic, started_at = excluded.started_at, updated_at = excluded.updated_at`,
		id, state.Topic, startedAt, now,
	)
	if err != nil {
		return fmt.Errorf("failed to save conversation: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE conversation_id = ?", id); err != nil {
		return fmt.Errorf("failed to clear messages: %w", err)
	}

	position := 0
	for _, msg := range state.Messages {
		if msg.IsStreaming {
			continue
		}
		var sources []byte
		if msg.Sources != nil {
			sources, err = json.Marshal(msg.Sources)
			if err != nil {
				return fmt.Errorf("failed to marshal sources: %w", err)
			}
		}
		_, err = tx.ExecContext(ctx,
			"INSERT INTO messages (id, conversation_id, position, role, content, timestamp, sources) VALUES (?, ?, ?, ?, ?, ?, ?)",
			msg.ID, id, position, string(msg.Role), msg.Content, msg.Timestamp.UTC(), nullable(sources),
		)
		if err != nil {
			return fmt.Errorf("failed to save message: %w", err)
		}
		position++
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// LoadConversation restores a saved transcript
func (s *Store) LoadConversation(ctx context.Context, id string) (session.State, error) {
	var state session.State
	err := s.db.QueryRowContext(ctx, "SELECT topic FROM conversations WHERE id = ?", id).Scan(&state.Topic)
	if errors.Is(err, sql.ErrNoRows) {
		return state, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return state, fmt.Errorf("failed to load conversation: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, role, content, timestamp, sources FROM messages WHERE conversation_id = ? ORDER BY position",
		id,
	)
	if err != nil {
		return state, fmt.Errorf("failed to load messages: %w", err)
	}
	defer rows.Close()

	state.Messages = []session.Message{}
	for rows.Next() {
		var (
			msg     session.Message
			role    string
			sources sql.NullString
		)
		if err := rows.Scan(&msg.ID, &role, &msg.Content, &msg.Timestamp, &sources); err != nil {
			return state, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.Role = session.Role(role)
		if sources.Valid {
			if err := json.Unmarshal([]byte(sources.String), &msg.Sources); err != nil {
				return state, fmt.Errorf("failed to unmarshal sources: %w", err)
			}
		}
		state.Messages = append(state.Messages, msg)
	}
	if err := rows.Err(); err != nil {
		return state, fmt.Errorf("failed to read messages: %w", err)
	}
	return state, nil
}

// ListConversations returns the most recently updated transcripts first
func (s *Store) ListConversations(ctx context.Context, limit int) ([]Summary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.topic, c.started_at, c.updated_at, COUNT(m.id)
		FROM conversations c LEFT JOIN messages m ON m.conversation_id = c.id
		GROUP BY c.id
		ORDER BY c.updated_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var sum Summary
		if err := rows.Scan(&sum.ID, &sum.Topic, &sum.StartedAt, &sum.UpdatedAt, &sum.MessageCount); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

func nullable(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}
