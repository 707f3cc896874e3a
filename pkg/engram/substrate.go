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

// Package engram wires the memory tiers into one substrate: the bounded
// conversation ledger (Tier 1), the pattern distiller feeding the knowledge
// graph (Tier 2), the token budget governor, and the mtime-validated file
// cache. Eviction from the ledger synchronously distills the evicted
// conversation into the graph before the raw turns are deleted.
package engram

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/engram-labs/engram/pkg/config"
	"github.com/engram-labs/engram/pkg/distill"
	"github.com/engram-labs/engram/pkg/eventlog"
	"github.com/engram-labs/engram/pkg/filecache"
	"github.com/engram-labs/engram/pkg/governor"
	"github.com/engram-labs/engram/pkg/knowledge"
	"github.com/engram-labs/engram/pkg/maintenance"
	"github.com/engram-labs/engram/pkg/memory"
	"github.com/engram-labs/engram/pkg/storage"
)

// Substrate owns the assembled memory tiers. Create one per agent process
// with New and release it with Close.
type Substrate struct {
	cfg    *config.Config
	logger *zap.Logger

	convStore    *memory.ConversationStore
	patternStore *knowledge.PatternStore

	ledger   *memory.Ledger
	graph    *knowledge.Graph
	governor *governor.Governor
	files    *filecache.Cache
	watcher  *filecache.Watcher
	events   *eventlog.Log
	sweeper  *maintenance.Sweeper

	// namespace tags patterns distilled by this substrate; "" means core.
	namespace string
}

// Option customizes a Substrate.
type Option func(*Substrate)

// WithNamespace tags distilled patterns with a project namespace instead of
// the core scope.
func WithNamespace(ns string) Option {
	return func(s *Substrate) { s.namespace = ns }
}

// New assembles a substrate from configuration. The data directory is
// created if missing; conversations and patterns live in separate SQLite
// files under it.
func New(cfg *config.Config, logger *zap.Logger, opts ...Option) (*Substrate, error) {
	if cfg == nil {
		loaded, err := config.Load("")
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data dir %s: %w", cfg.DataDir, err)
	}

	s := &Substrate{cfg: cfg, logger: logger}
	for _, opt := range opts {
		opt(s)
	}

	events, err := eventlog.Open(filepath.Join(cfg.DataDir, "events.jsonl"), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}
	s.events = events

	dbCfg := storage.DBConfig{
		Path:            filepath.Join(cfg.DataDir, "conversations.db"),
		EncryptDatabase: cfg.Database.Encrypt,
	}
	convStore, err := memory.NewConversationStoreWithConfig(dbCfg, logger)
	if err != nil {
		s.events.Close()
		return nil, err
	}
	s.convStore = convStore

	dbCfg.Path = filepath.Join(cfg.DataDir, "knowledge.db")
	patternStore, err := knowledge.NewPatternStoreWithConfig(dbCfg, logger)
	if err != nil {
		convStore.Close()
		s.events.Close()
		return nil, err
	}
	s.patternStore = patternStore

	s.graph = knowledge.NewGraph(patternStore, knowledge.GraphOptions{
		ConfidenceFloor:     cfg.Graph.ConfidenceFloor,
		SimilarityThreshold: cfg.Graph.ConsolidationSimilarityThreshold,
		DecayCheckpoints:    cfg.Graph.DecayCheckpointsDays,
		Logger:              logger,
	})

	ledger, err := memory.NewLedger(memory.LedgerOptions{
		Capacity:    cfg.Ledger.Capacity,
		IdleTimeout: time.Duration(cfg.Ledger.IdleTimeoutMinutes) * time.Minute,
		Store:       convStore,
		OnEvict:     s.distillOnEvict,
		Logger:      logger,
	})
	if err != nil {
		patternStore.Close()
		convStore.Close()
		s.events.Close()
		return nil, err
	}
	s.ledger = ledger

	s.governor = governor.New(governor.Options{
		SoftLimitTokens: cfg.Governor.SoftLimitTokens,
		HardLimitTokens: cfg.Governor.HardLimitTokens,
		TargetReduction: cfg.Governor.DefaultTargetReduction,
		QualityFloor:    cfg.Governor.QualityFloor,
		Logger:          logger,
	})

	s.files = filecache.New(logger)
	watcher, err := filecache.NewWatcher(s.files, logger)
	if err != nil {
		// The cache still works without proactive invalidation; mtime
		// checks catch changes on the next read.
		logger.Warn("file watcher unavailable, falling back to mtime checks only", zap.Error(err))
	} else {
		s.watcher = watcher
	}

	if cfg.Maintenance.Enabled {
		s.sweeper = maintenance.NewSweeper(ledger, s.graph, logger)
		if err := s.sweeper.Start(cfg.Maintenance.Schedule); err != nil {
			s.closePartial()
			return nil, fmt.Errorf("failed to start maintenance sweeper: %w", err)
		}
	}

	return s, nil
}

// distillOnEvict is the ledger eviction hook: distill the evicted
// conversation against the remaining history and absorb the result into the
// knowledge graph.
func (s *Substrate) distillOnEvict(ctx context.Context, evicted *memory.Conversation, history []*memory.Conversation) error {
	res, err := distill.Distill(ctx, evicted, history, s.namespace)
	if err != nil {
		return err
	}

	s.events.Record(eventlog.EventDistillation, map[string]interface{}{
		"conversation_id": evicted.ID,
		"patterns":        len(res.Patterns),
		"edges":           len(res.Edges),
	})

	if err := s.graph.Absorb(ctx, res); err != nil {
		return err
	}
	s.events.Record(eventlog.EventEviction, map[string]interface{}{
		"conversation_id": evicted.ID,
		"turns":           len(evicted.Turns),
	})
	return nil
}

// Ledger exposes the Tier 1 conversation ledger.
func (s *Substrate) Ledger() *memory.Ledger { return s.ledger }

// Graph exposes the Tier 2 knowledge graph.
func (s *Substrate) Graph() *knowledge.Graph { return s.graph }

// Governor exposes the token budget governor.
func (s *Substrate) Governor() *governor.Governor { return s.governor }

// Files exposes the mtime-validated file cache.
func (s *Substrate) Files() *filecache.Cache { return s.files }

// WatchFile registers a path for proactive cache invalidation. A no-op when
// the fsnotify watcher could not be created.
func (s *Substrate) WatchFile(path string) error {
	if s.watcher == nil {
		return nil
	}
	return s.watcher.Watch(path)
}

// AssembleContext builds a budget-bounded payload for the next model call:
// the most recent turns of the open conversation (if any) plus the top
// patterns matching the query, compressed by the governor.
func (s *Substrate) AssembleContext(ctx context.Context, query string, maxPatterns int) (governor.Payload, governor.AssemblyStats, error) {
	var turns []memory.Turn
	for _, id := range s.ledger.ListActive() {
		if conv, ok := s.ledger.Get(id); ok && conv.Open {
			turns = conv.Turns
			break
		}
	}

	var patterns []knowledge.Pattern
	if query != "" {
		if maxPatterns <= 0 {
			maxPatterns = 10
		}
		scored, err := s.graph.Search(ctx, query, s.namespace, maxPatterns)
		if err != nil {
			return governor.Payload{}, governor.AssemblyStats{}, err
		}
		patterns = make([]knowledge.Pattern, len(scored))
		for i, sp := range scored {
			patterns[i] = sp.Pattern
		}
	}

	payload, stats := s.governor.Assemble(ctx, turns, patterns, 0, 0)
	if stats.EmergencyTrim {
		s.events.Record(eventlog.EventEmergencyTrim, map[string]interface{}{
			"raw_tokens":   stats.RawTokens,
			"final_tokens": stats.FinalTokens,
		})
	} else if stats.Reduction > 0 {
		s.events.Record(eventlog.EventBudgetTrim, map[string]interface{}{
			"raw_tokens":   stats.RawTokens,
			"final_tokens": stats.FinalTokens,
			"quality":      stats.QualityScore,
		})
	}
	return payload, stats, nil
}

// Sweep runs one maintenance pass immediately, regardless of whether the
// scheduled sweeper is enabled.
func (s *Substrate) Sweep(ctx context.Context) {
	sw := s.sweeper
	if sw == nil {
		sw = maintenance.NewSweeper(s.ledger, s.graph, s.logger)
	}
	sw.RunOnce(ctx)
}

// Close releases the sweeper, watcher, stores, and event log.
func (s *Substrate) Close() error {
	if s.sweeper != nil {
		s.sweeper.Stop()
	}
	return s.closePartial()
}

func (s *Substrate) closePartial() error {
	var firstErr error
	if s.watcher != nil {
		if err := s.watcher.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := s.patternStore.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.convStore.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.events.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
