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
package knowledge

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

// PatternStore provides persistent storage for patterns and relationship
// edges, with FTS5 text search over pattern titles and bodies.
type PatternStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	logger *zap.Logger
}

// NewPatternStore creates a PatternStore with SQLite persistence.
func NewPatternStore(dbPath string, logger *zap.Logger) (*PatternStore, error) {
	return NewPatternStoreWithConfig(storage.DBConfig{Path: dbPath}, logger)
}

// NewPatternStoreWithConfig creates a PatternStore with optional encryption.
func NewPatternStoreWithConfig(config storage.DBConfig, logger *zap.Logger) (*PatternStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := storage.OpenDB(config)
	if err != nil {
		return nil, err
	}

	store := &PatternStore{
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
func (s *PatternStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS patterns (
		id TEXT PRIMARY KEY,
		title TEXT,
		body TEXT NOT NULL,
		scope TEXT NOT NULL,
		namespaces_json TEXT,
		confidence REAL NOT NULL,
		created_at INTEGER NOT NULL,
		last_used_at INTEGER NOT NULL,
		usage_count INTEGER NOT NULL DEFAULT 0,
		prune_flagged INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS edges (
		subject TEXT NOT NULL,
		object TEXT NOT NULL,
		co_occurrence_count INTEGER NOT NULL DEFAULT 0,
		confidence REAL NOT NULL,
		created_at INTEGER NOT NULL,
		last_used_at INTEGER NOT NULL,
		PRIMARY KEY (subject, object)
	);

	-- FTS5 virtual table for pattern search (BM25 ranking)
	CREATE VIRTUAL TABLE IF NOT EXISTS patterns_fts5 USING fts5(
		pattern_id UNINDEXED,
		title,
		body,
		tokenize='porter unicode61'
	);

	CREATE TRIGGER IF NOT EXISTS patterns_fts5_insert AFTER INSERT ON patterns
	BEGIN
		INSERT INTO patterns_fts5(pattern_id, title, body)
		VALUES (NEW.id, NEW.title, NEW.body);
	END;

	CREATE TRIGGER IF NOT EXISTS patterns_fts5_update AFTER UPDATE ON patterns
	BEGIN
		DELETE FROM patterns_fts5 WHERE pattern_id = OLD.id;
		INSERT INTO patterns_fts5(pattern_id, title, body)
		VALUES (NEW.id, NEW.title, NEW.body);
	END;

	CREATE TRIGGER IF NOT EXISTS patterns_fts5_delete AFTER DELETE ON patterns
	BEGIN
		DELETE FROM patterns_fts5 WHERE pattern_id = OLD.id;
	END;

	CREATE INDEX IF NOT EXISTS idx_patterns_last_used ON patterns(last_used_at);
	CREATE INDEX IF NOT EXISTS idx_patterns_scope ON patterns(scope);
	CREATE INDEX IF NOT EXISTS idx_edges_last_used ON edges(last_used_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// SavePattern upserts a pattern row.
func (s *PatternStore) SavePattern(ctx context.Context, p *Pattern) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	nsJSON, err := json.Marshal(p.Namespaces)
	if err != nil {
		return fmt.Errorf("failed to marshal namespaces: %w", err)
	}

	flagged := 0
	if p.PruneFlagged {
		flagged = 1
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO patterns (id, title, body, scope, namespaces_json, confidence,
			created_at, last_used_at, usage_count, prune_flagged)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			body = excluded.body,
			scope = excluded.scope,
			namespaces_json = excluded.namespaces_json,
			confidence = excluded.confidence,
			last_used_at = excluded.last_used_at,
			usage_count = excluded.usage_count,
			prune_flagged = excluded.prune_flagged
	`, p.ID, p.Title, p.Body, string(p.Scope), string(nsJSON), p.Confidence,
		p.CreatedAt.Unix(), p.LastUsedAt.Unix(), p.UsageCount, flagged)
	if err != nil {
		return fmt.Errorf("failed to save pattern: %w", err)
	}
	return nil
}

// LoadPattern loads a single pattern by id. Returns sql.ErrNoRows wrapped if
// the id is unknown.
func (s *PatternStore) LoadPattern(ctx context.Context, id string) (*Pattern, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, body, scope, namespaces_json, confidence,
			created_at, last_used_at, usage_count, prune_flagged
		FROM patterns WHERE id = ?
	`, id)

	p, err := scanPattern(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("pattern %s: %w", id, err)
	}
	return p, err
}

// LoadAllPatterns returns every stored pattern.
func (s *PatternStore) LoadAllPatterns(ctx context.Context) ([]*Pattern, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, body, scope, namespaces_json, confidence,
			created_at, last_used_at, usage_count, prune_flagged
		FROM patterns ORDER BY created_at ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to load patterns: %w", err)
	}
	defer rows.Close()

	var patterns []*Pattern
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, err
		}
		patterns = append(patterns, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return patterns, nil
}

// DeletePattern removes a pattern; the FTS index row goes with it.
func (s *PatternStore) DeletePattern(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM patterns WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete pattern: %w", err)
	}
	return nil
}

// SearchText searches pattern titles and bodies with FTS5/BM25 and returns
// text relevance scores (higher is better, namespace weighting not applied).
func (s *PatternStore) SearchText(ctx context.Context, query string, limit int) ([]ScoredPattern, error) {
	if strings.TrimSpace(query) == "" {
		return []ScoredPattern{}, nil
	}
	if limit <= 0 {
		limit = 20
	}

	ftsQuery := query
	if words := strings.Fields(strings.TrimSpace(query)); len(words) > 1 {
		ftsQuery = strings.Join(words, " OR ")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id, p.title, p.body, p.scope, p.namespaces_json, p.confidence,
			p.created_at, p.last_used_at, p.usage_count, p.prune_flagged,
			bm25(patterns_fts5)
		FROM patterns_fts5
		JOIN patterns p ON patterns_fts5.pattern_id = p.id
		WHERE patterns_fts5 MATCH ?
		ORDER BY bm25(patterns_fts5)
		LIMIT ?
	`, ftsQuery, limit)
	if err != nil {
		return nil, fmt.Errorf("FTS5 search failed: %w", err)
	}
	defer rows.Close()

	var results []ScoredPattern
	for rows.Next() {
		var p Pattern
		var scope, nsJSON string
		var createdAt, lastUsedAt int64
		var flagged int
		var rank float64
		if err := rows.Scan(&p.ID, &p.Title, &p.Body, &scope, &nsJSON, &p.Confidence,
			&createdAt, &lastUsedAt, &p.UsageCount, &flagged, &rank); err != nil {
			return nil, fmt.Errorf("failed to scan pattern: %w", err)
		}
		p.Scope = Scope(scope)
		p.CreatedAt = time.Unix(createdAt, 0)
		p.LastUsedAt = time.Unix(lastUsedAt, 0)
		p.PruneFlagged = flagged == 1
		if nsJSON != "" {
			if err := json.Unmarshal([]byte(nsJSON), &p.Namespaces); err != nil {
				s.logger.Warn("failed to unmarshal namespaces", zap.String("pattern_id", p.ID), zap.Error(err))
			}
		}
		// FTS5 bm25() ranks are more negative for better matches;
		// negate so relevance is positive, higher-is-better.
		results = append(results, ScoredPattern{Pattern: p, Score: -rank})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return results, nil
}

// SaveEdge upserts a relationship edge row.
func (s *PatternStore) SaveEdge(ctx context.Context, e *Edge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO edges (subject, object, co_occurrence_count, confidence, created_at, last_used_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(subject, object) DO UPDATE SET
			co_occurrence_count = excluded.co_occurrence_count,
			confidence = excluded.confidence,
			last_used_at = excluded.last_used_at
	`, e.Subject, e.Object, e.CoOccurrenceCount, e.Confidence, e.CreatedAt.Unix(), e.LastUsedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to save edge: %w", err)
	}
	return nil
}

// LoadEdge loads one edge by its (subject, object) key.
func (s *PatternStore) LoadEdge(ctx context.Context, subject, object string) (*Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var e Edge
	var createdAt, lastUsedAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT subject, object, co_occurrence_count, confidence, created_at, last_used_at
		FROM edges WHERE subject = ? AND object = ?
	`, subject, object).Scan(&e.Subject, &e.Object, &e.CoOccurrenceCount, &e.Confidence, &createdAt, &lastUsedAt)
	if err != nil {
		return nil, err
	}
	e.CreatedAt = time.Unix(createdAt, 0)
	e.LastUsedAt = time.Unix(lastUsedAt, 0)
	return &e, nil
}

// LoadAllEdges returns every stored edge.
func (s *PatternStore) LoadAllEdges(ctx context.Context) ([]*Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT subject, object, co_occurrence_count, confidence, created_at, last_used_at
		FROM edges ORDER BY subject ASC, object ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to load edges: %w", err)
	}
	defer rows.Close()

	var edges []*Edge
	for rows.Next() {
		var e Edge
		var createdAt, lastUsedAt int64
		if err := rows.Scan(&e.Subject, &e.Object, &e.CoOccurrenceCount, &e.Confidence, &createdAt, &lastUsedAt); err != nil {
			return nil, fmt.Errorf("failed to scan edge: %w", err)
		}
		e.CreatedAt = time.Unix(createdAt, 0)
		e.LastUsedAt = time.Unix(lastUsedAt, 0)
		edges = append(edges, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return edges, nil
}

// DeleteEdge removes an edge.
func (s *PatternStore) DeleteEdge(ctx context.Context, subject, object string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM edges WHERE subject = ? AND object = ?`, subject, object); err != nil {
		return fmt.Errorf("failed to delete edge: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *PatternStore) Close() error {
	return s.db.Close()
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPattern(row rowScanner) (*Pattern, error) {
	var p Pattern
	var scope, nsJSON string
	var createdAt, lastUsedAt int64
	var flagged int
	err := row.Scan(&p.ID, &p.Title, &p.Body, &scope, &nsJSON, &p.Confidence,
		&createdAt, &lastUsedAt, &p.UsageCount, &flagged)
	if err != nil {
		return nil, err
	}
	p.Scope = Scope(scope)
	p.CreatedAt = time.Unix(createdAt, 0)
	p.LastUsedAt = time.Unix(lastUsedAt, 0)
	p.PruneFlagged = flagged == 1
	if nsJSON != "" {
		if err := json.Unmarshal([]byte(nsJSON), &p.Namespaces); err != nil {
			return nil, fmt.Errorf("failed to unmarshal namespaces: %w", err)
		}
	}
	return &p, nil
}
