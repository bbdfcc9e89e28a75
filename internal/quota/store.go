// Package quota enforces the monthly limit on automation tasks. Each
// dispatch is appended to a SQLite log; the limit is checked by counting
// the current calendar month's rows.
package quota

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// tsLayout is fixed-width so stored timestamps sort as text.
const tsLayout = "2006-01-02T15:04:05.000000Z07:00"

// Dispatch is one task sent to the executor.
type Dispatch struct {
	ID             string
	Timestamp      time.Time
	ConversationID string
	Instruction    string
}

// Usage is the current month's position against the limit.
type Usage struct {
	Used        int
	Limit       int // 0 means unlimited
	PeriodStart time.Time
	PeriodEnd   time.Time
}

// Remaining returns how many tasks are left this month, or -1 when
// unlimited.
func (u Usage) Remaining() int {
	if u.Limit <= 0 {
		return -1
	}
	if u.Used >= u.Limit {
		return 0
	}
	return u.Limit - u.Used
}

// Store is an append-only dispatch log. All methods are safe for
// concurrent use.
type Store struct {
	db     *sql.DB
	limit  int
	loc    *time.Location
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLocation sets the timezone that decides where a month begins.
func WithLocation(loc *time.Location) Option {
	return func(s *Store) {
		if loc != nil {
			s.loc = loc
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewStore opens the dispatch log at dbPath. monthlyLimit caps tasks
// per calendar month; zero or less means unlimited.
func NewStore(dbPath string, monthlyLimit int, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open quota database: %w", err)
	}

	s := &Store{
		db:     db,
		limit:  monthlyLimit,
		loc:    time.Local,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate quota schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS task_dispatches (
		id              TEXT PRIMARY KEY,
		timestamp       TEXT NOT NULL,
		conversation_id TEXT,
		instruction     TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_dispatch_timestamp ON task_dispatches(timestamp);
	`)
	return err
}

// CanPerformTask reports whether another task fits in this month's
// limit. A database error allows the task and is logged.
func (s *Store) CanPerformTask(ctx context.Context) bool {
	if s.limit <= 0 {
		return true
	}
	u, err := s.Usage(ctx)
	if err != nil {
		s.logger.Warn("quota check failed, allowing task", "error", err)
		return true
	}
	ok := u.Used < u.Limit
	if !ok {
		s.logger.Info("monthly task quota exhausted", "used", u.Used, "limit", u.Limit)
	}
	return ok
}

// RecordTask appends a dispatch to the log.
func (s *Store) RecordTask(ctx context.Context, conversationID, instruction string) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate dispatch ID: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO task_dispatches (id, timestamp, conversation_id, instruction)
		 VALUES (?, ?, ?, ?)`,
		id.String(),
		s.now().UTC().Format(tsLayout),
		conversationID,
		instruction,
	)
	if err != nil {
		return fmt.Errorf("insert dispatch: %w", err)
	}
	return nil
}

// Usage counts dispatches in the current calendar month.
func (s *Store) Usage(ctx context.Context) (Usage, error) {
	start, end := monthBounds(s.now(), s.loc)
	u := Usage{Limit: s.limit, PeriodStart: start, PeriodEnd: end}

	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM task_dispatches WHERE timestamp >= ? AND timestamp < ?`,
		start.UTC().Format(tsLayout),
		end.UTC().Format(tsLayout),
	)
	if err := row.Scan(&u.Used); err != nil {
		return u, fmt.Errorf("count dispatches: %w", err)
	}
	return u, nil
}

// Recent returns up to limit dispatches, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Dispatch, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, COALESCE(conversation_id, ''), instruction
		 FROM task_dispatches ORDER BY timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query dispatches: %w", err)
	}
	defer rows.Close()

	var out []Dispatch
	for rows.Next() {
		var d Dispatch
		var ts string
		if err := rows.Scan(&d.ID, &ts, &d.ConversationID, &d.Instruction); err != nil {
			return nil, fmt.Errorf("scan dispatch: %w", err)
		}
		if d.Timestamp, err = time.Parse(tsLayout, ts); err != nil {
			return nil, fmt.Errorf("parse dispatch time %q: %w", ts, err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// monthBounds returns [first of month, first of next month) in loc.
func monthBounds(t time.Time, loc *time.Location) (time.Time, time.Time) {
	t = t.In(loc)
	start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, loc)
	return start, start.AddDate(0, 1, 0)
}
