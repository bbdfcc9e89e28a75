// Package memory keeps short facts about the user across conversations.
// Snippets are plain sentences ("User's name is Sam"). They are surfaced
// into the system prompt by relevance to what the user just said, and
// new ones are extracted from each finished conversation.
package memory

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/nugget/parley/internal/embeddings"
)

// tsLayout is fixed-width so stored timestamps sort as text.
const tsLayout = "2006-01-02T15:04:05.000000Z07:00"

// minSimilarity drops semantic matches that are only loosely related.
const minSimilarity = 0.35

// ErrNotFound is returned when a memory ID does not exist.
var ErrNotFound = errors.New("memory not found")

// Embedder turns text into a vector. *embeddings.Client satisfies it.
type Embedder interface {
	Generate(ctx context.Context, text string) ([]float32, error)
}

// Memory is one stored snippet.
type Memory struct {
	ID             string
	Content        string
	Source         string
	ConversationID string
	CreatedAt      time.Time

	embedding []float32
}

// Store is a SQLite-backed snippet store. All methods are safe for
// concurrent use.
type Store struct {
	db       *sql.DB
	embedder Embedder
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithEmbedder enables semantic search. Without one, Search ranks by
// keyword overlap.
func WithEmbedder(e Embedder) Option {
	return func(s *Store) { s.embedder = e }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewStore opens the memory database at dbPath.
func NewStore(dbPath string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open memory database: %w", err)
	}
	s, err := NewStoreWithDB(db, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewStoreWithDB creates a store on an existing connection. The caller
// keeps ownership of db.
func NewStoreWithDB(db *sql.DB, opts ...Option) (*Store, error) {
	s := &Store{db: db, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate memory schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS memories (
		id              TEXT PRIMARY KEY,
		content         TEXT NOT NULL,
		normalized      TEXT NOT NULL UNIQUE,
		source          TEXT,
		conversation_id TEXT,
		embedding       BLOB,
		created_at      TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_memories_created ON memories(created_at DESC);
	`)
	return err
}

// Add stores content unless an equivalent snippet already exists. It
// reports whether a new row was written. An embedding failure stores
// the snippet without a vector.
func (s *Store) Add(ctx context.Context, content, source, conversationID string) (bool, error) {
	content = strings.Join(strings.Fields(content), " ")
	if content == "" {
		return false, nil
	}

	id, err := uuid.NewV7()
	if err != nil {
		return false, fmt.Errorf("generate memory ID: %w", err)
	}

	var blob []byte
	if s.embedder != nil {
		vec, err := s.embedder.Generate(ctx, content)
		if err != nil {
			s.logger.Warn("memory embedding failed, storing without vector", "error", err)
		} else {
			blob = encodeEmbedding(vec)
		}
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO memories (id, content, normalized, source, conversation_id, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(normalized) DO NOTHING`,
		id.String(), content, normalize(content), source, conversationID, blob,
		s.now().UTC().Format(tsLayout),
	)
	if err != nil {
		return false, fmt.Errorf("insert memory: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert memory: %w", err)
	}
	return n > 0, nil
}

// List returns up to limit memories, newest first. A limit of zero or
// less returns everything.
func (s *Store) List(ctx context.Context, limit int) ([]Memory, error) {
	query := `SELECT id, content, COALESCE(source, ''), COALESCE(conversation_id, ''), embedding, created_at
		FROM memories ORDER BY created_at DESC, id DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.query(ctx, query, args...)
}

// Delete removes a memory by ID.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete memory: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Search returns the contents of up to topK memories relevant to
// query, best first. It uses embeddings when available and falls back
// to keyword overlap when the query cannot be embedded.
func (s *Store) Search(ctx context.Context, query string, topK int) ([]string, error) {
	if topK <= 0 || strings.TrimSpace(query) == "" {
		return nil, nil
	}

	all, err := s.List(ctx, 0)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, nil
	}

	if s.embedder != nil {
		vec, err := s.embedder.Generate(ctx, query)
		if err == nil {
			return semanticRank(vec, all, topK), nil
		}
		s.logger.Debug("query embedding failed, using keyword search", "error", err)
	}
	return keywordRank(query, all, topK), nil
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]Memory, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}
	defer rows.Close()

	var out []Memory
	for rows.Next() {
		var m Memory
		var blob []byte
		var created string
		if err := rows.Scan(&m.ID, &m.Content, &m.Source, &m.ConversationID, &blob, &created); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		m.embedding = decodeEmbedding(blob)
		if m.CreatedAt, err = time.Parse(tsLayout, created); err != nil {
			return nil, fmt.Errorf("parse memory time %q: %w", created, err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func semanticRank(query []float32, all []Memory, topK int) []string {
	var candidates []Memory
	var vectors [][]float32
	for _, m := range all {
		if len(m.embedding) > 0 {
			candidates = append(candidates, m)
			vectors = append(vectors, m.embedding)
		}
	}
	var out []string
	for _, match := range embeddings.TopK(query, vectors, topK, minSimilarity) {
		out = append(out, candidates[match.Index].Content)
	}
	return out
}

// keywordRank scores memories by how many distinct query terms they
// contain. all is newest first, so ties favor recent memories.
func keywordRank(query string, all []Memory, topK int) []string {
	terms := keywords(query)
	if len(terms) == 0 {
		return nil
	}

	type scored struct {
		content string
		score   int
	}
	var hits []scored
	for _, m := range all {
		words := make(map[string]bool)
		for _, w := range keywords(m.Content) {
			words[w] = true
		}
		score := 0
		for _, t := range terms {
			if words[t] {
				score++
			}
		}
		if score > 0 {
			hits = append(hits, scored{m.Content, score})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })

	var out []string
	for i := 0; i < len(hits) && i < topK; i++ {
		out = append(out, hits[i].content)
	}
	return out
}

var stopWords = map[string]bool{
	"the": true, "and": true, "for": true, "you": true, "your": true,
	"are": true, "was": true, "what": true, "with": true, "that": true,
	"this": true, "can": true, "please": true, "user": true,
	"have": true, "has": true, "will": true, "from": true, "about": true,
}

// keywords returns distinct lowercase terms of three or more letters,
// minus stop words.
func keywords(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
	seen := make(map[string]bool)
	var out []string
	for _, f := range fields {
		f = strings.TrimSuffix(strings.Trim(f, "'"), "'s")
		if len([]rune(f)) < 3 || stopWords[f] || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}

func normalize(s string) string {
	return strings.TrimRight(strings.ToLower(s), ".!? ")
}

func encodeEmbedding(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeEmbedding(data []byte) []float32 {
	if len(data) < 4 {
		return nil
	}
	out := make([]float32, len(data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return out
}
