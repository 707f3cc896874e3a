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
package governor

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/engram-labs/engram/pkg/knowledge"
	"github.com/engram-labs/engram/pkg/memory"
)

const (
	// DefaultSoftLimitTokens triggers a warning when exceeded; nothing is dropped.
	DefaultSoftLimitTokens = 40000
	// DefaultHardLimitTokens triggers an emergency trim, quality floor ignored.
	DefaultHardLimitTokens = 50000
	// DefaultTargetReduction is the fraction of raw cost to compress away.
	DefaultTargetReduction = 0.60
	// DefaultQualityFloor is the minimum retained-quality score.
	DefaultQualityFloor = 0.90

	// summarizedRetention is the fraction of an item's quality weight a
	// summarized (rather than dropped) turn still contributes.
	summarizedRetention = 0.5

	// minSummarizableTokens: turns below this cost are dropped outright;
	// summarizing them wouldn't buy anything.
	minSummarizableTokens = 30
)

// Options configures a Governor. Zero values get defaults.
type Options struct {
	SoftLimitTokens int
	HardLimitTokens int
	TargetReduction float64
	QualityFloor    float64
	Logger          *zap.Logger
}

// Governor enforces the per-request token budget.
type Governor struct {
	counter         *TokenCounter
	softLimit       int
	hardLimit       int
	targetReduction float64
	qualityFloor    float64
	logger          *zap.Logger
}

// Payload is the assembled, budget-bounded context. Turns and patterns keep
// their input order; summarized turns carry compressed content.
type Payload struct {
	Turns    []memory.Turn
	Patterns []knowledge.Pattern
	// Tokens is the realized token cost of the payload.
	Tokens int
}

// AssemblyStats reports what Assemble did and whether it hit its target.
type AssemblyStats struct {
	RawTokens   int
	FinalTokens int
	// Reduction is the realized fraction of raw cost removed.
	Reduction       float64
	DroppedTurns    int
	SummarizedTurns int
	DroppedPatterns int
	QualityScore    float64
	// MeetsThreshold is false when compression stopped at the quality
	// floor before reaching the target (an AssemblyShortfall, not an
	// error: the caller chooses its fallback).
	MeetsThreshold   bool
	SoftLimitWarning bool
	EmergencyTrim    bool
}

// New creates a token budget governor.
func New(opts Options) *Governor {
	if opts.SoftLimitTokens <= 0 {
		opts.SoftLimitTokens = DefaultSoftLimitTokens
	}
	if opts.HardLimitTokens <= 0 {
		opts.HardLimitTokens = DefaultHardLimitTokens
	}
	if opts.TargetReduction <= 0 || opts.TargetReduction >= 1 {
		opts.TargetReduction = DefaultTargetReduction
	}
	if opts.QualityFloor <= 0 || opts.QualityFloor > 1 {
		opts.QualityFloor = DefaultQualityFloor
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Governor{
		counter:         GetTokenCounter(),
		softLimit:       opts.SoftLimitTokens,
		hardLimit:       opts.HardLimitTokens,
		targetReduction: opts.TargetReduction,
		qualityFloor:    opts.QualityFloor,
		logger:          opts.Logger,
	}
}

// item is one rankable unit of context during assembly.
type item struct {
	isTurn     bool
	turn       memory.Turn
	pattern    knowledge.Pattern
	weight     float64 // recency weight for turns, confidence for patterns
	tokens     int
	summarized bool
	dropped    bool
}

// Assemble merges turns and patterns into a payload whose cost fits the
// target budget: target = raw × (1 − targetReduction). Items are ranked
// (recency-weighted for turns, confidence-weighted for patterns) and the
// lowest-ranked are summarized or dropped until the payload is at or under
// target, or until further compression would push the measured quality score
// below qualityFloor, in which case the best-effort payload is returned
// with MeetsThreshold=false rather than over-compressing.
//
// Independently of the target, the hard ceiling triggers an emergency trim
// of the oldest turns first, ignoring the quality floor: the returned
// payload never exceeds the hard limit. Crossing the soft limit alone only
// sets a warning flag.
//
// Passing targetReduction or qualityFloor outside (0,1] selects the
// configured defaults. A context deadline stops ranking early (best-effort);
// the hard ceiling is enforced regardless.
func (g *Governor) Assemble(ctx context.Context, turns []memory.Turn, patterns []knowledge.Pattern, targetReduction, qualityFloor float64) (Payload, AssemblyStats) {
	if targetReduction <= 0 || targetReduction >= 1 {
		targetReduction = g.targetReduction
	}
	if qualityFloor <= 0 || qualityFloor > 1 {
		qualityFloor = g.qualityFloor
	}

	items := g.buildItems(turns, patterns)
	raw := 0
	totalWeight := 0.0
	for _, it := range items {
		raw += it.tokens
		totalWeight += it.weight
	}

	stats := AssemblyStats{RawTokens: raw, MeetsThreshold: true, QualityScore: 1.0}
	target := int(float64(raw) * (1 - targetReduction))
	cost := raw

	// Phase 1: quality-bounded compression toward target.
	for cost > target {
		if ctx.Err() != nil {
			g.logger.Debug("assembly deadline hit; stopping compression", zap.Error(ctx.Err()))
			stats.MeetsThreshold = false
			break
		}

		idx := lowestRanked(items)
		if idx < 0 {
			break
		}

		it := &items[idx]
		var saved int
		var retainedLoss float64
		summarize := it.isTurn && !it.summarized && it.tokens > minSummarizableTokens
		if summarize {
			saved = it.tokens - g.summarizedTokens(it.turn)
			retainedLoss = it.weight * (1 - summarizedRetention)
			if saved <= 0 {
				summarize = false
			}
		}
		if !summarize {
			saved = it.tokens
			retainedLoss = it.weight
			if it.summarized {
				// Dropping an already-summarized item forfeits only the
				// retention it had left.
				retainedLoss = it.weight * summarizedRetention
			}
		}

		if totalWeight > 0 {
			prospective := quality(items, totalWeight) - retainedLoss/totalWeight
			if prospective < qualityFloor {
				stats.MeetsThreshold = false
				break
			}
		}

		if summarize {
			it.turn.Content = summarizeContent(it.turn.Content)
			it.tokens -= saved
			it.summarized = true
			stats.SummarizedTurns++
		} else {
			it.dropped = true
			if it.isTurn {
				stats.DroppedTurns++
				if it.summarized {
					stats.SummarizedTurns--
				}
			} else {
				stats.DroppedPatterns++
			}
		}
		cost -= saved
	}

	// Phase 2: hard ceiling. Oldest turns go first; the quality floor does
	// not apply and the result can never exceed the hard limit.
	if cost > g.hardLimit {
		stats.EmergencyTrim = true
		cost = g.emergencyTrim(items, cost, &stats)
	}

	if cost > g.softLimit {
		stats.SoftLimitWarning = true
		g.logger.Warn("assembled payload exceeds soft token limit",
			zap.Int("tokens", cost),
			zap.Int("soft_limit", g.softLimit))
	}

	payload := buildPayload(items, cost)
	stats.FinalTokens = cost
	if raw > 0 {
		stats.Reduction = float64(raw-cost) / float64(raw)
	}
	stats.QualityScore = quality(items, totalWeight)

	return payload, stats
}

// buildItems ranks turns by recency and patterns by confidence.
func (g *Governor) buildItems(turns []memory.Turn, patterns []knowledge.Pattern) []item {
	items := make([]item, 0, len(turns)+len(patterns))
	n := len(turns)
	for i, t := range turns {
		items = append(items, item{
			isTurn: true,
			turn:   t,
			weight: float64(i+1) / float64(n), // newer turns weigh more
			tokens: g.counter.TurnTokens(t),
		})
	}
	for _, p := range patterns {
		items = append(items, item{
			pattern: p,
			weight:  p.Confidence,
			tokens:  g.counter.PatternTokens(p),
		})
	}
	return items
}

// lowestRanked returns the index of the lowest-weight live item, or -1.
// Already-summarized turns rank lower than their weight suggests so a
// second pass drops them before touching fresh items of equal weight.
func lowestRanked(items []item) int {
	idx := -1
	best := 0.0
	for i, it := range items {
		if it.dropped {
			continue
		}
		w := it.weight
		if it.summarized {
			w *= summarizedRetention
		}
		if idx < 0 || w < best {
			idx, best = i, w
		}
	}
	return idx
}

// quality is the retained fraction of total item weight.
func quality(items []item, totalWeight float64) float64 {
	if totalWeight <= 0 {
		return 1.0
	}
	retained := 0.0
	for _, it := range items {
		switch {
		case it.dropped:
		case it.summarized:
			retained += it.weight * summarizedRetention
		default:
			retained += it.weight
		}
	}
	return retained / totalWeight
}

// emergencyTrim enforces the hard ceiling: drop oldest turns first, then
// lowest-confidence patterns, and as a last resort truncate remaining
// content until the payload fits.
func (g *Governor) emergencyTrim(items []item, cost int, stats *AssemblyStats) int {
	// Oldest turns first (input order is chronological).
	for i := range items {
		if cost <= g.hardLimit {
			return cost
		}
		it := &items[i]
		if !it.isTurn || it.dropped {
			continue
		}
		it.dropped = true
		cost -= it.tokens
		stats.DroppedTurns++
		if it.summarized {
			stats.SummarizedTurns--
		}
	}

	// Then patterns, lowest confidence first.
	for cost > g.hardLimit {
		idx := -1
		for i, it := range items {
			if it.dropped || it.isTurn {
				continue
			}
			if idx < 0 || it.weight < items[idx].weight {
				idx = i
			}
		}
		if idx < 0 {
			break
		}
		items[idx].dropped = true
		cost -= items[idx].tokens
		stats.DroppedPatterns++
	}

	// Anything still live is oversized on its own; truncate content.
	for i := range items {
		if cost <= g.hardLimit {
			break
		}
		it := &items[i]
		if it.dropped {
			continue
		}
		over := cost - g.hardLimit
		cost -= g.truncateItem(it, over)
	}

	return cost
}

// truncateItem cuts an item's content until its token cost has shrunk by at
// least need tokens (or the content is gone). Returns tokens actually saved.
func (g *Governor) truncateItem(it *item, need int) int {
	content := it.turn.Content
	if !it.isTurn {
		content = it.pattern.Body
	}

	before := it.tokens
	for it.tokens > 0 && before-it.tokens < need && len(content) > 0 {
		// Halve until it fits; token costs scale roughly with length.
		// Cut on a rune boundary so the payload stays valid UTF-8.
		runes := []rune(content)
		content = string(runes[:len(runes)/2])
		if it.isTurn {
			it.turn.Content = content
			it.tokens = g.counter.TurnTokens(it.turn)
		} else {
			it.pattern.Body = content
			it.tokens = g.counter.PatternTokens(it.pattern)
		}
		if len(content) == 0 {
			break
		}
	}
	if before-it.tokens < need && it.tokens > 0 {
		it.dropped = true
		saved := before
		it.tokens = 0
		return saved
	}
	return before - it.tokens
}

func (g *Governor) summarizedTokens(t memory.Turn) int {
	t.Content = summarizeContent(t.Content)
	return g.counter.TurnTokens(t)
}

// summarizeContent is the extractive fallback summary: the leading sentence,
// capped at 80 runes.
func summarizeContent(content string) string {
	content = strings.TrimSpace(content)
	for i, r := range content {
		if r == '.' || r == '!' || r == '?' || r == '\n' {
			content = content[:i]
			break
		}
	}
	runes := []rune(content)
	if len(runes) > 80 {
		content = string(runes[:80]) + "..."
	}
	return content
}

func buildPayload(items []item, cost int) Payload {
	p := Payload{Tokens: cost}
	for _, it := range items {
		if it.dropped {
			continue
		}
		if it.isTurn {
			p.Turns = append(p.Turns, it.turn)
		} else {
			p.Patterns = append(p.Patterns, it.pattern)
		}
	}
	return p
}
