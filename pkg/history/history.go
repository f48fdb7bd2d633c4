// Package history is the sqlite-backed conversation-history store. It owns
// Conversation/Message persistence and the extracted-memory table behind
// tier-1 recall and profile building.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/lumenchat/recall/pkg/memory"
)

// Store persists conversations, messages and extracted facts.
type Store struct {
	db *sql.DB
}

// NewStore creates/opens the history database at path.
func NewStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history db dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// Single-process service. One shared connection avoids writer lock
	// contention under concurrent goroutines.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			chat_id TEXT NOT NULL DEFAULT '',
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS conversations_user_idx ON conversations(user_id, created_at_ms DESC);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS messages_conversation_idx ON messages(conversation_id, created_at_ms DESC);`,
		`CREATE TABLE IF NOT EXISTS facts (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			type TEXT NOT NULL,
			key TEXT NOT NULL,
			content TEXT NOT NULL,
			confidence REAL NOT NULL,
			extracted_from TEXT NOT NULL DEFAULT '',
			created_at_ms INTEGER NOT NULL,
			UNIQUE(user_id, type, key)
		);`,
		`CREATE INDEX IF NOT EXISTS facts_user_idx ON facts(user_id, confidence DESC);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init history schema: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) EnsureConversation(ctx context.Context, conv memory.Conversation) error {
	createdAt := conv.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO conversations (id, user_id, chat_id, created_at_ms) VALUES (?, ?, ?, ?)`,
		conv.ID, conv.UserID, conv.ChatID, createdAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("ensure conversation %s: %w", conv.ID, err)
	}
	return nil
}

// AppendMessages inserts messages, deduplicating by message ID, and
// returns how many were newly inserted. The synthetic memory-context
// message is never persisted as a turn.
func (s *Store) AppendMessages(ctx context.Context, conversationID string, msgs []memory.Message) (int, error) {
	if len(msgs) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	inserted := 0
	for _, m := range msgs {
		if m.ID == memory.MemoryContextID {
			continue
		}
		id := m.ID
		if id == "" {
			id = uuid.NewString()
		}
		ts := m.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		res, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO messages (id, conversation_id, role, content, created_at_ms) VALUES (?, ?, ?, ?, ?)`,
			id, conversationID, m.Role, m.Content, ts.UnixMilli())
		if err != nil {
			return 0, fmt.Errorf("append message %s: %w", id, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			inserted += int(n)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit append: %w", err)
	}
	return inserted, nil
}

// RecentMessages returns the newest limit messages of a conversation in
// chronological order.
func (s *Store) RecentMessages(ctx context.Context, conversationID string, limit int) ([]memory.Message, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, role, content, created_at_ms FROM messages
		 WHERE conversation_id = ?
		 ORDER BY created_at_ms DESC, id DESC LIMIT ?`,
		conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	defer rows.Close()

	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	reverse(msgs)
	return msgs, nil
}

// ListUserMessages returns the newest limit user-role messages across all
// of a user's conversations, chronological order.
func (s *Store) ListUserMessages(ctx context.Context, userID string, limit int) ([]memory.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT m.id, m.role, m.content, m.created_at_ms
		 FROM messages m JOIN conversations c ON m.conversation_id = c.id
		 WHERE c.user_id = ? AND m.role = ?
		 ORDER BY m.created_at_ms DESC, m.id DESC LIMIT ?`,
		userID, memory.RoleUser, limit)
	if err != nil {
		return nil, fmt.Errorf("list user messages: %w", err)
	}
	defer rows.Close()

	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	reverse(msgs)
	return msgs, nil
}

// ListRecentConversations orders conversations by their latest message.
func (s *Store) ListRecentConversations(ctx context.Context, limit int) ([]memory.Conversation, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id, c.user_id, c.chat_id, c.created_at_ms
		 FROM conversations c
		 LEFT JOIN messages m ON m.conversation_id = c.id
		 GROUP BY c.id
		 ORDER BY COALESCE(MAX(m.created_at_ms), c.created_at_ms) DESC
		 LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent conversations: %w", err)
	}
	defer rows.Close()

	var out []memory.Conversation
	for rows.Next() {
		var conv memory.Conversation
		var createdMS int64
		if err := rows.Scan(&conv.ID, &conv.UserID, &conv.ChatID, &createdMS); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		conv.CreatedAt = time.UnixMilli(createdMS)
		out = append(out, conv)
	}
	return out, rows.Err()
}

// UpsertFacts stores extracted memories. A fact with the same (user, type,
// key) is replaced only by an equal-or-higher confidence extraction, so
// regeneration can supersede but never degrade.
func (s *Store) UpsertFacts(ctx context.Context, facts []memory.ExtractedMemory) error {
	if len(facts) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin fact upsert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, f := range facts {
		id := f.ID
		if id == "" {
			id = uuid.NewString()
		}
		ts := f.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO facts (id, user_id, type, key, content, confidence, extracted_from, created_at_ms)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(user_id, type, key) DO UPDATE SET
			   content = excluded.content,
			   confidence = excluded.confidence,
			   extracted_from = excluded.extracted_from,
			   created_at_ms = excluded.created_at_ms
			 WHERE excluded.confidence >= facts.confidence`,
			id, f.UserID, string(f.Type), f.Key, f.Content, f.Confidence, f.ExtractedFrom, ts.UnixMilli())
		if err != nil {
			return fmt.Errorf("upsert fact %s: %w", f.Key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit fact upsert: %w", err)
	}
	return nil
}

// ListFacts returns a user's facts, highest confidence first.
func (s *Store) ListFacts(ctx context.Context, userID string, limit int) ([]memory.ExtractedMemory, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, type, key, content, confidence, extracted_from, created_at_ms
		 FROM facts WHERE user_id = ?
		 ORDER BY confidence DESC, created_at_ms DESC LIMIT ?`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list facts: %w", err)
	}
	defer rows.Close()

	var out []memory.ExtractedMemory
	for rows.Next() {
		var f memory.ExtractedMemory
		var factType string
		var createdMS int64
		if err := rows.Scan(&f.ID, &f.UserID, &factType, &f.Key, &f.Content, &f.Confidence, &f.ExtractedFrom, &createdMS); err != nil {
			return nil, fmt.Errorf("scan fact: %w", err)
		}
		f.Type = memory.FactType(factType)
		f.Timestamp = time.UnixMilli(createdMS)
		out = append(out, f)
	}
	return out, rows.Err()
}

func scanMessages(rows *sql.Rows) ([]memory.Message, error) {
	var out []memory.Message
	for rows.Next() {
		var m memory.Message
		var createdMS int64
		if err := rows.Scan(&m.ID, &m.Role, &m.Content, &createdMS); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Timestamp = time.UnixMilli(createdMS)
		out = append(out, m)
	}
	return out, rows.Err()
}

func reverse(msgs []memory.Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}

var _ memory.HistoryStore = (*Store)(nil)
