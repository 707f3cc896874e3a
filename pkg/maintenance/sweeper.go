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

// Package maintenance runs the periodic hygiene sweep: idle conversation
// closing, confidence decay, consolidation, and pruning. Each step is
// best-effort; a failure is logged and the remaining steps still run.
package maintenance

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/engram-labs/engram/pkg/knowledge"
	"github.com/engram-labs/engram/pkg/memory"
)

// sweepTimeout bounds one full sweep.
const sweepTimeout = 2 * time.Minute

// Sweeper schedules maintenance over the ledger and knowledge graph.
type Sweeper struct {
	ledger *memory.Ledger
	graph  *knowledge.Graph
	cron   *cron.Cron
	logger *zap.Logger
}

// NewSweeper builds a sweeper over the given tiers. Either tier may be
// nil; its steps are skipped.
func NewSweeper(ledger *memory.Ledger, graph *knowledge.Graph, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		ledger: ledger,
		graph:  graph,
		cron:   cron.New(),
		logger: logger,
	}
}

// Start registers the sweep under the given cron schedule (standard
// five-field spec, e.g. "0 3 * * *") and starts the scheduler.
func (s *Sweeper) Start(schedule string) error {
	_, err := s.cron.AddFunc(schedule, s.runSweep)
	if err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info("maintenance sweeper started", zap.String("schedule", schedule))
	return nil
}

// Stop halts the scheduler and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("maintenance sweeper stopped")
}

// RunOnce performs a single sweep immediately. Useful at startup and in
// tests; the scheduled sweep calls the same path.
func (s *Sweeper) RunOnce(ctx context.Context) {
	now := time.Now()

	if s.ledger != nil {
		id, err := s.ledger.CloseIdle(ctx, now)
		if err != nil {
			s.logger.Warn("idle close sweep failed", zap.Error(err))
		} else if id != "" {
			s.logger.Info("closed idle conversation", zap.String("conversation_id", id))
		}
	}

	if s.graph != nil {
		if err := s.graph.DecayTick(ctx, now); err != nil {
			s.logger.Warn("decay sweep failed", zap.Error(err))
		}
		merged, err := s.graph.Consolidate(ctx)
		if err != nil {
			s.logger.Warn("consolidation sweep failed", zap.Error(err))
		} else if merged > 0 {
			s.logger.Info("consolidated patterns", zap.Int("merges", merged))
		}
		pruned, err := s.graph.Prune(ctx, now)
		if err != nil {
			s.logger.Warn("prune sweep failed", zap.Error(err))
		} else if pruned > 0 {
			s.logger.Info("pruned stale patterns", zap.Int("count", pruned))
		}
	}
}

func (s *Sweeper) runSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()
	s.RunOnce(ctx)
}
