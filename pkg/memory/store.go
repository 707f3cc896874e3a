// Copyright 2026 Engram Labs
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/engram-labs/engram/pkg/storage"
)

// ConversationStore provides persistent storage for conversations and turns,
// plus the FIFO index (closed_at ordering) the ledger evicts from.
type ConversationStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	logger *zap.Logger
}

// TurnMatch is a single search hit from SearchTurns.
type TurnMatch struct {
	ConversationID string
	Turn           Turn
	// Score is the BM25 rank from FTS5; lower is more relevant.
	Score float64
}

// NewConversationStore creates a ConversationStore with SQLite persistence.
// Encryption is disabled; use NewConversationStoreWithConfig for encryption.
func NewConversationStore(dbPath string, logger *zap.Logger) (*ConversationStore, error) {
	return NewConversationStoreWithConfig(storage.DBConfig{Path: dbPath}, logger)
}

// NewConversationStoreWithConfig creates a ConversationStore with optional
// at-rest encryption.
func NewConversationStoreWithConfig(config storage.DBConfig, logger *zap.Logger) (*ConversationStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := storage.OpenDB(config)
	if err != nil {
		return nil, err
	}

	store := &ConversationStore{
		db:     db,
		logger: logger,
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates the database schema if it doesn't exist.
func (s *ConversationStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		started_at INTEGER NOT NULL,
		closed_at INTEGER,
		open INTEGER NOT NULL DEFAULT 1,
		close_reason TEXT,
		entities_json TEXT
	);

	CREATE TABLE IF NOT EXISTS turns (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		conversation_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT,
		timestamp INTEGER NOT NULL,
		FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
	);

	-- FTS5 virtual table for turn content search (BM25 ranking)
	CREATE VIRTUAL TABLE IF NOT EXISTS turns_fts5 USING fts5(
		turn_id UNINDEXED,
		conversation_id UNINDEXED,
		role UNINDEXED,
		content,
		timestamp UNINDEXED,
		tokenize='porter unicode61'
	);

	-- Sync triggers: keep FTS5 in sync with the turns table
	CREATE TRIGGER IF NOT EXISTS turns_fts5_insert AFTER INSERT ON turns
	BEGIN
		INSERT INTO turns_fts5(turn_id, conversation_id, role, content, timestamp)
		VALUES (NEW.id, NEW.conversation_id, NEW.role, NEW.content, NEW.timestamp);
	END;

	CREATE TRIGGER IF NOT EXISTS turns_fts5_delete AFTER DELETE ON turns
	BEGIN
		DELETE FROM turns_fts5 WHERE turn_id = OLD.id;
	END;

	CREATE INDEX IF NOT EXISTS idx_turns_conversation ON turns(conversation_id);
	-- The FIFO index: eviction order is oldest closed_at first.
	CREATE INDEX IF NOT EXISTS idx_conversations_closed ON conversations(open, closed_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// SaveConversation upserts the conversation row (metadata only; turns are
// appended individually via AppendTurn).
func (s *ConversationStore) SaveConversation(ctx context.Context, conv *Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entitiesJSON, err := json.Marshal(conv.Entities)
	if err != nil {
		return fmt.Errorf("failed to marshal entities: %w", err)
	}

	var closedAt interface{}
	if !conv.ClosedAt.IsZero() {
		closedAt = conv.ClosedAt.Unix()
	}

	open := 0
	if conv.Open {
		open = 1
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, started_at, closed_at, open, close_reason, entities_json)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			closed_at = excluded.closed_at,
			open = excluded.open,
			close_reason = excluded.close_reason,
			entities_json = excluded.entities_json
	`, conv.ID, conv.StartedAt.Unix(), closedAt, open, string(conv.CloseReason), string(entitiesJSON))
	if err != nil {
		return fmt.Errorf("failed to save conversation: %w", err)
	}
	return nil
}

// AppendTurn persists a single turn for a conversation.
func (s *ConversationStore) AppendTurn(ctx context.Context, conversationID string, t Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO turns (conversation_id, role, content, timestamp)
		VALUES (?, ?, ?, ?)
	`, conversationID, t.Role, t.Content, t.Timestamp.Unix())
	if err != nil {
		return fmt.Errorf("failed to append turn: %w", err)
	}
	return nil
}

// LoadConversation loads a conversation and its ordered turns.
// Returns ErrNotFound if the id is unknown.
func (s *ConversationStore) LoadConversation(ctx context.Context, id string) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv := &Conversation{ID: id}
	var startedAt int64
	var closedAt sql.NullInt64
	var open int
	var closeReason sql.NullString
	var entitiesJSON sql.NullString

	err := s.db.QueryRowContext(ctx, `
		SELECT started_at, closed_at, open, close_reason, entities_json
		FROM conversations WHERE id = ?
	`, id).Scan(&startedAt, &closedAt, &open, &closeReason, &entitiesJSON)
	if err == sql.ErrNoRows {
		return nil, &LedgerError{Op: "load", ID: id, Err: ErrNotFound}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}

	conv.StartedAt = time.Unix(startedAt, 0)
	if closedAt.Valid {
		conv.ClosedAt = time.Unix(closedAt.Int64, 0)
	}
	conv.Open = open == 1
	if closeReason.Valid {
		conv.CloseReason = CloseReason(closeReason.String)
	}
	if entitiesJSON.Valid && entitiesJSON.String != "" {
		if err := json.Unmarshal([]byte(entitiesJSON.String), &conv.Entities); err != nil {
			s.logger.Warn("failed to unmarshal entities", zap.String("conversation_id", id), zap.Error(err))
		}
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT role, content, timestamp FROM turns
		WHERE conversation_id = ? ORDER BY id ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load turns: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var t Turn
		var ts int64
		if err := rows.Scan(&t.Role, &t.Content, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan turn: %w", err)
		}
		t.Timestamp = time.Unix(ts, 0)
		conv.Turns = append(conv.Turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return conv, nil
}

// LoadClosed returns closed conversations ordered oldest-closed first,
// capped at limit (0 = no cap). Used for ledger warm start and eviction.
func (s *ConversationStore) LoadClosed(ctx context.Context, limit int) ([]*Conversation, error) {
	s.mu.RLock()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM conversations
		WHERE open = 0
		ORDER BY closed_at ASC, id ASC
	`)
	if err != nil {
		s.mu.RUnlock()
		return nil, fmt.Errorf("failed to list closed conversations: %w", err)
	}

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			s.mu.RUnlock()
			return nil, fmt.Errorf("failed to scan id: %w", err)
		}
		ids = append(ids, id)
	}
	err = rows.Err()
	rows.Close()
	s.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}

	convs := make([]*Conversation, 0, len(ids))
	for _, id := range ids {
		conv, err := s.LoadConversation(ctx, id)
		if err != nil {
			return nil, err
		}
		convs = append(convs, conv)
	}
	return convs, nil
}

// CountClosed returns the number of closed conversations on disk.
func (s *ConversationStore) CountClosed(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations WHERE open = 0`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count closed conversations: %w", err)
	}
	return n, nil
}

// DeleteConversation removes a conversation; turns are removed via
// ON DELETE CASCADE and the FTS index via the delete trigger.
func (s *ConversationStore) DeleteConversation(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	return nil
}

// SearchTurns searches closed-conversation turn content using FTS5 with
// BM25 ranking. Open-conversation turns are excluded; the ledger matches
// those in memory. Returns matches sorted most-relevant first. An empty
// query returns no matches rather than an error.
func (s *ConversationStore) SearchTurns(ctx context.Context, query string, limit int) ([]TurnMatch, error) {
	if strings.TrimSpace(query) == "" {
		return []TurnMatch{}, nil
	}
	if limit <= 0 {
		limit = 20
	}

	ftsQuery := convertToFTS5Query(query)

	s.mu.RLock()
	defer s.mu.RUnlock()

	// bm25(turns_fts5) is FTS5's built-in ranking function (lower = more
	// relevant). FTS5 requires the actual table name in bm25(), not an alias.
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.conversation_id, t.role, t.content, t.timestamp, bm25(turns_fts5)
		FROM turns_fts5
		JOIN turns t ON turns_fts5.turn_id = t.id
		JOIN conversations c ON t.conversation_id = c.id
		WHERE turns_fts5.content MATCH ? AND c.open = 0
		ORDER BY bm25(turns_fts5)
		LIMIT ?
	`, ftsQuery, limit)
	if err != nil {
		return nil, fmt.Errorf("FTS5 search failed: %w", err)
	}
	defer rows.Close()

	var matches []TurnMatch
	for rows.Next() {
		var m TurnMatch
		var ts int64
		if err := rows.Scan(&m.ConversationID, &m.Turn.Role, &m.Turn.Content, &ts, &m.Score); err != nil {
			return nil, fmt.Errorf("failed to scan match: %w", err)
		}
		m.Turn.Timestamp = time.Unix(ts, 0)
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return matches, nil
}

// Close closes the underlying database connection.
func (s *ConversationStore) Close() error {
	return s.db.Close()
}

// convertToFTS5Query converts a natural language query into FTS5 MATCH
// syntax. Multi-word queries become OR queries so any matching term counts.
// Example: "cache invalidation bug" -> "cache OR invalidation OR bug"
func convertToFTS5Query(query string) string {
	words := strings.Fields(strings.TrimSpace(query))
	if len(words) <= 1 {
		return query
	}
	return strings.Join(words, " OR ")
}
