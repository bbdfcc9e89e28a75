// Package analytics records what happened in each conversation: when it
// started and ended, every message spoken or heard, and the notable
// events along the way. Recording is best effort and never blocks the
// dialog loop.
package analytics

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Summary is written once when a conversation ends.
type Summary struct {
	Reason            string
	Graceful          bool
	Messages          int
	TextModeUsed      bool
	Clarifications    int
	RecognitionErrors int
	TasksRequested    int
	TasksExecuted     int
}

// Conversation is a stored conversation row.
type Conversation struct {
	ID        string
	StartedAt time.Time
	Mode      string
	EndedAt   time.Time
	Ended     bool
	Summary   Summary
}

// Message is one tracked utterance.
type Message struct {
	ConversationID string
	Timestamp      time.Time
	Role           string
	Kind           string
	Content        string
}

// Event is one tracked occurrence.
type Event struct {
	ConversationID string
	Timestamp      time.Time
	Name           string
	Data           map[string]any
}

// Store persists analytics in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore opens or creates the analytics database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open analytics database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate analytics schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id                     TEXT PRIMARY KEY,
		started_at             TEXT NOT NULL,
		mode                   TEXT NOT NULL,
		ended_at               TEXT,
		end_reason             TEXT,
		graceful               INTEGER,
		message_count          INTEGER NOT NULL DEFAULT 0,
		text_mode_used         INTEGER NOT NULL DEFAULT 0,
		clarification_attempts INTEGER NOT NULL DEFAULT 0,
		stt_error_attempts     INTEGER NOT NULL DEFAULT 0,
		tasks_requested        INTEGER NOT NULL DEFAULT 0,
		tasks_executed         INTEGER NOT NULL DEFAULT 0
	);
	CREATE TABLE IF NOT EXISTS messages (
		id              TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		timestamp       TEXT NOT NULL,
		role            TEXT NOT NULL,
		kind            TEXT NOT NULL,
		content         TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, timestamp);
	CREATE TABLE IF NOT EXISTS events (
		id              TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		timestamp       TEXT NOT NULL,
		name            TEXT NOT NULL,
		data            TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_events_conversation ON events(conversation_id, timestamp);
	`
	_, err := s.db.Exec(schema)
	return err
}

func newID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	return id.String(), nil
}

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(timeLayout)
}

// StartConversation inserts a conversation row. Starting the same id
// twice is a no-op.
func (s *Store) StartConversation(ctx context.Context, id, mode string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO conversations (id, started_at, mode) VALUES (?, ?, ?)`,
		id, formatTime(at), mode,
	)
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	return nil
}

// AddMessage appends a message.
func (s *Store) AddMessage(ctx context.Context, m Message) error {
	id, err := newID()
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, timestamp, role, kind, content) VALUES (?, ?, ?, ?, ?, ?)`,
		id, m.ConversationID, formatTime(m.Timestamp), m.Role, m.Kind, m.Content,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// AddEvent appends an event. Data is stored as JSON.
func (s *Store) AddEvent(ctx context.Context, e Event) error {
	id, err := newID()
	if err != nil {
		return err
	}
	var data []byte
	if len(e.Data) > 0 {
		if data, err = json.Marshal(e.Data); err != nil {
			return fmt.Errorf("marshal event data: %w", err)
		}
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO events (id, conversation_id, timestamp, name, data) VALUES (?, ?, ?, ?, ?)`,
		id, e.ConversationID, formatTime(e.Timestamp), e.Name, string(data),
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// EndConversation records the end summary. Only the first call for a
// conversation takes effect.
func (s *Store) EndConversation(ctx context.Context, id string, sum Summary, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET
			ended_at = ?, end_reason = ?, graceful = ?, message_count = ?,
			text_mode_used = ?, clarification_attempts = ?, stt_error_attempts = ?,
			tasks_requested = ?, tasks_executed = ?
		 WHERE id = ? AND ended_at IS NULL`,
		formatTime(at), sum.Reason, sum.Graceful, sum.Messages,
		sum.TextModeUsed, sum.Clarifications, sum.RecognitionErrors,
		sum.TasksRequested, sum.TasksExecuted,
		id,
	)
	if err != nil {
		return fmt.Errorf("end conversation: %w", err)
	}
	return nil
}

// Conversation loads one conversation by id.
func (s *Store) Conversation(ctx context.Context, id string) (*Conversation, error) {
	var (
		c             Conversation
		started       string
		ended, reason sql.NullString
		graceful      sql.NullBool
		textMode      bool
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, started_at, mode, ended_at, end_reason, graceful, message_count,
			text_mode_used, clarification_attempts, stt_error_attempts, tasks_requested, tasks_executed
		 FROM conversations WHERE id = ?`, id,
	).Scan(&c.ID, &started, &c.Mode, &ended, &reason, &graceful, &c.Summary.Messages,
		&textMode, &c.Summary.Clarifications, &c.Summary.RecognitionErrors,
		&c.Summary.TasksRequested, &c.Summary.TasksExecuted)
	if err != nil {
		return nil, fmt.Errorf("query conversation: %w", err)
	}

	c.StartedAt, _ = time.Parse(timeLayout, started)
	c.Summary.TextModeUsed = textMode
	if ended.Valid {
		c.Ended = true
		c.EndedAt, _ = time.Parse(timeLayout, ended.String)
		c.Summary.Reason = reason.String
		c.Summary.Graceful = graceful.Bool
	}
	return &c, nil
}

// Events returns a conversation's events in order.
func (s *Store) Events(ctx context.Context, conversationID string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT timestamp, name, data FROM events WHERE conversation_id = ? ORDER BY timestamp, id`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ts, name string
		var data sql.NullString
		if err := rows.Scan(&ts, &name, &data); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e := Event{ConversationID: conversationID, Name: name}
		e.Timestamp, _ = time.Parse(timeLayout, ts)
		if data.Valid && data.String != "" {
			_ = json.Unmarshal([]byte(data.String), &e.Data)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Messages returns a conversation's messages in order.
func (s *Store) Messages(ctx context.Context, conversationID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT timestamp, role, kind, content FROM messages WHERE conversation_id = ? ORDER BY timestamp, id`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m := Message{ConversationID: conversationID}
		var ts string
		if err := rows.Scan(&ts, &m.Role, &m.Kind, &m.Content); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Timestamp, _ = time.Parse(timeLayout, ts)
		out = append(out, m)
	}
	return out, rows.Err()
}
