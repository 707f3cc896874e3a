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
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// DefaultConfidenceFloor is the confidence below which an unused,
	// flagged pattern becomes prunable.
	DefaultConfidenceFloor = 0.50
	// DefaultSimilarityThreshold is the Jaccard similarity at or above
	// which an upsert merges instead of inserting.
	DefaultSimilarityThreshold = 0.80
	// ProtectedCoreConfidence: core-scoped patterns at or above this
	// confidence are never pruned, regardless of age.
	ProtectedCoreConfidence = 0.25
	// UsageBoost is the confidence added per applied use, capped at 1.0.
	UsageBoost = 0.05
)

// Decay schedule: the largest applicable increment is applied per tick.
var (
	defaultDecayCheckpoints = []int{60, 90, 120} // days unused
	decayIncrement60        = 0.05
	decayIncrement90        = 0.10
)

// Namespace weights applied to text relevance during search.
const (
	weightExactNamespace = 2.0
	weightCoreScope      = 1.5
	weightOther          = 0.5
)

// GraphOptions configures a Graph. Zero values get defaults.
type GraphOptions struct {
	ConfidenceFloor     float64
	SimilarityThreshold float64
	DecayCheckpoints    []int // days, ascending; len 3 expected
	Logger              *zap.Logger
}

// GraphStats reports graph counters.
type GraphStats struct {
	Upserts           uint64
	Merges            uint64
	ValidationRejects uint64
	Pruned            uint64
}

// Graph is the Tier 2 knowledge store. Writes (upsert, consolidate, decay,
// prune) are serialized on one mutex; reads go straight to the store, which
// guarantees they observe either the pre- or post-write state.
type Graph struct {
	mu    sync.Mutex // serializes writers; store handles reader isolation
	store *PatternStore

	confidenceFloor     float64
	similarityThreshold float64
	decayCheckpoints    []int
	logger              *zap.Logger

	statsMu sync.Mutex
	stats   GraphStats
}

// NewGraph creates a knowledge graph over the given pattern store.
func NewGraph(store *PatternStore, opts GraphOptions) *Graph {
	if opts.ConfidenceFloor <= 0 {
		opts.ConfidenceFloor = DefaultConfidenceFloor
	}
	if opts.SimilarityThreshold <= 0 {
		opts.SimilarityThreshold = DefaultSimilarityThreshold
	}
	if len(opts.DecayCheckpoints) != 3 {
		opts.DecayCheckpoints = defaultDecayCheckpoints
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Graph{
		store:               store,
		confidenceFloor:     opts.ConfidenceFloor,
		similarityThreshold: opts.SimilarityThreshold,
		decayCheckpoints:    opts.DecayCheckpoints,
		logger:              opts.Logger,
	}
}

// Upsert validates and stores a pattern. If the incoming pattern is at least
// SimilarityThreshold similar to an existing one, the two are merged instead
// of inserting: confidence becomes an evidence-weighted average, namespaces
// union, usage counters sum. Returns the id of the stored (or merged-into)
// pattern. Validation failures leave the store unchanged.
func (g *Graph) Upsert(ctx context.Context, p Pattern) (string, error) {
	if err := p.validate(); err != nil {
		g.statsMu.Lock()
		g.stats.ValidationRejects++
		g.statsMu.Unlock()
		return "", err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.LastUsedAt.IsZero() {
		p.LastUsedAt = now
	}
	if p.Scope == "" {
		p.Scope = ScopeNamespace
	}

	existing, err := g.store.LoadAllPatterns(ctx)
	if err != nil {
		return "", err
	}

	var best *Pattern
	bestSim := 0.0
	for _, e := range existing {
		if e.ID == p.ID {
			continue
		}
		if sim := Similarity(e, &p); sim >= g.similarityThreshold && sim > bestSim {
			best, bestSim = e, sim
		}
	}

	if best != nil {
		merged := mergePatterns(best, &p)
		if err := g.store.SavePattern(ctx, merged); err != nil {
			return "", err
		}
		if merged.ID != best.ID {
			// merge kept the incoming identity; drop the old row
			if err := g.store.DeletePattern(ctx, best.ID); err != nil {
				return "", err
			}
		}
		g.statsMu.Lock()
		g.stats.Upserts++
		g.stats.Merges++
		g.statsMu.Unlock()
		g.logger.Debug("merged pattern on upsert",
			zap.String("into", merged.ID),
			zap.Float64("similarity", bestSim))
		return merged.ID, nil
	}

	if err := g.store.SavePattern(ctx, &p); err != nil {
		return "", err
	}
	g.statsMu.Lock()
	g.stats.Upserts++
	g.statsMu.Unlock()
	return p.ID, nil
}

// Search returns up to k patterns ranked by text relevance × namespace
// weight: 2.0 for an exact namespace match, 1.5 for core scope, 0.5
// otherwise. Ties break by confidence descending.
func (g *Graph) Search(ctx context.Context, query, namespace string, k int) ([]ScoredPattern, error) {
	if k <= 0 {
		k = 10
	}

	// Over-fetch so namespace weighting can reorder before truncation.
	results, err := g.store.SearchText(ctx, query, k*4)
	if err != nil {
		return nil, err
	}

	for i := range results {
		p := &results[i].Pattern
		weight := weightOther
		switch {
		case namespace != "" && p.hasNamespace(namespace):
			weight = weightExactNamespace
		case p.Scope == ScopeCore:
			weight = weightCoreScope
		}
		results[i].Score *= weight
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Pattern.Confidence > results[j].Pattern.Confidence
	})

	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// MarkUsed records an applied use of a pattern: the unused-clock resets and
// confidence gets a bounded boost (capped at 1.0).
func (g *Graph) MarkUsed(ctx context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	p, err := g.store.LoadPattern(ctx, id)
	if err != nil {
		return err
	}
	p.LastUsedAt = time.Now()
	p.UsageCount++
	p.PruneFlagged = false
	p.Confidence += UsageBoost
	if p.Confidence > 1.0 {
		p.Confidence = 1.0
	}
	return g.store.SavePattern(ctx, p)
}

// DecayTick applies wall-clock confidence decay. Patterns unused past the
// first checkpoint lose the fixed increment, past the second a larger one,
// and past the third are flagged for pruning. Decay is best-effort: if the
// context expires mid-sweep, the remainder is deferred to the next tick.
func (g *Graph) DecayTick(ctx context.Context, now time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	patterns, err := g.store.LoadAllPatterns(ctx)
	if err != nil {
		return err
	}

	for _, p := range patterns {
		if ctx.Err() != nil {
			g.logger.Debug("decay tick deferred", zap.Error(ctx.Err()))
			return nil
		}

		days := int(now.Sub(p.LastUsedAt).Hours() / 24)
		changed := false
		switch {
		case days >= g.decayCheckpoints[1]:
			p.Confidence -= decayIncrement90
			changed = true
		case days >= g.decayCheckpoints[0]:
			p.Confidence -= decayIncrement60
			changed = true
		}
		if days >= g.decayCheckpoints[2] && !p.PruneFlagged {
			p.PruneFlagged = true
			changed = true
		}
		if !changed {
			continue
		}
		if p.Confidence < 0 {
			p.Confidence = 0
		}
		if err := g.store.SavePattern(ctx, p); err != nil {
			return err
		}
	}

	// Edges share the pattern lifecycle.
	edges, err := g.store.LoadAllEdges(ctx)
	if err != nil {
		return err
	}
	for _, e := range edges {
		if ctx.Err() != nil {
			g.logger.Debug("edge decay deferred", zap.Error(ctx.Err()))
			return nil
		}
		days := int(now.Sub(e.LastUsedAt).Hours() / 24)
		var dec float64
		switch {
		case days >= g.decayCheckpoints[1]:
			dec = decayIncrement90
		case days >= g.decayCheckpoints[0]:
			dec = decayIncrement60
		}
		if dec == 0 {
			continue
		}
		e.Confidence -= dec
		if e.Confidence < 0 {
			e.Confidence = 0
		}
		if err := g.store.SaveEdge(ctx, e); err != nil {
			return err
		}
	}

	return nil
}

// Consolidate merges near-duplicate patterns (similarity at or above the
// threshold) until no mergeable pair remains. The merge rule is symmetric,
// so consolidation is commutative: merging A into B and B into A produce the
// same surviving pattern.
func (g *Graph) Consolidate(ctx context.Context) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	patterns, err := g.store.LoadAllPatterns(ctx)
	if err != nil {
		return 0, err
	}

	merges := 0
	for {
		if ctx.Err() != nil {
			g.logger.Debug("consolidation deferred", zap.Error(ctx.Err()))
			return merges, nil
		}

		merged := false
		for i := 0; i < len(patterns) && !merged; i++ {
			for j := i + 1; j < len(patterns); j++ {
				if Similarity(patterns[i], patterns[j]) < g.similarityThreshold {
					continue
				}
				m := mergePatterns(patterns[i], patterns[j])
				loser := patterns[i].ID
				if loser == m.ID {
					loser = patterns[j].ID
				}
				if err := g.store.SavePattern(ctx, m); err != nil {
					return merges, err
				}
				if err := g.store.DeletePattern(ctx, loser); err != nil {
					return merges, err
				}

				rest := append([]*Pattern{}, patterns[:i]...)
				for _, p := range patterns[i+1:] {
					if p.ID != patterns[j].ID {
						rest = append(rest, p)
					}
				}
				patterns = append(rest, m)
				merges++
				merged = true
				break
			}
		}
		if !merged {
			break
		}
	}

	if merges > 0 {
		g.statsMu.Lock()
		g.stats.Merges += uint64(merges)
		g.statsMu.Unlock()
		g.logger.Info("consolidated patterns", zap.Int("merges", merges))
	}
	return merges, nil
}

// Prune removes patterns whose confidence has decayed below the floor AND
// that have been unused past the staleness window (flagged by DecayTick).
// Core-scoped patterns at or above ProtectedCoreConfidence are structurally
// exempt regardless of age: the check is on the scope tag, not convention,
// since global patterns must outlive any single idle consumer. Edges share
// the pattern lifecycle and are pruned by the same floor+staleness rule.
func (g *Graph) Prune(ctx context.Context, now time.Time) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	patterns, err := g.store.LoadAllPatterns(ctx)
	if err != nil {
		return 0, err
	}

	staleDays := g.decayCheckpoints[2]
	pruned := 0
	for _, p := range patterns {
		if ctx.Err() != nil {
			g.logger.Debug("prune deferred", zap.Error(ctx.Err()))
			return pruned, nil
		}
		if p.Scope == ScopeCore && p.Confidence >= ProtectedCoreConfidence {
			continue
		}
		days := int(now.Sub(p.LastUsedAt).Hours() / 24)
		if p.Confidence >= g.confidenceFloor || days < staleDays {
			continue
		}
		if err := g.store.DeletePattern(ctx, p.ID); err != nil {
			return pruned, err
		}
		pruned++
	}

	edges, err := g.store.LoadAllEdges(ctx)
	if err != nil {
		return pruned, err
	}
	for _, e := range edges {
		if ctx.Err() != nil {
			g.logger.Debug("prune deferred", zap.Error(ctx.Err()))
			return pruned, nil
		}
		days := int(now.Sub(e.LastUsedAt).Hours() / 24)
		if e.Confidence >= g.confidenceFloor || days < staleDays {
			continue
		}
		if err := g.store.DeleteEdge(ctx, e.Subject, e.Object); err != nil {
			return pruned, err
		}
		pruned++
	}

	if pruned > 0 {
		g.statsMu.Lock()
		g.stats.Pruned += uint64(pruned)
		g.statsMu.Unlock()
		g.logger.Info("pruned patterns", zap.Int("pruned", pruned))
	}
	return pruned, nil
}

// ObserveEdge records a co-occurrence observation, creating the edge or
// adding to its count. Edge confidence derives from the accumulated count.
func (g *Graph) ObserveEdge(ctx context.Context, subject, object string, count int) error {
	if count <= 0 {
		count = 1
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	e, err := g.store.LoadEdge(ctx, subject, object)
	if err != nil {
		e = &Edge{Subject: subject, Object: object, CreatedAt: now}
	}
	e.CoOccurrenceCount += count
	e.Confidence = edgeConfidence(e.CoOccurrenceCount)
	e.LastUsedAt = now
	return g.store.SaveEdge(ctx, e)
}

// Stats returns current graph counters.
func (g *Graph) Stats() GraphStats {
	g.statsMu.Lock()
	defer g.statsMu.Unlock()
	return g.stats
}

// mergePatterns combines two near-duplicate patterns. The surviving identity
// is picked by a symmetric rule (higher usage, then earlier creation, then
// smaller id) so that merge(a,b) == merge(b,a).
func mergePatterns(a, b *Pattern) *Pattern {
	winner, other := a, b
	switch {
	case b.UsageCount > a.UsageCount:
		winner, other = b, a
	case b.UsageCount == a.UsageCount && b.CreatedAt.Before(a.CreatedAt):
		winner, other = b, a
	case b.UsageCount == a.UsageCount && b.CreatedAt.Equal(a.CreatedAt) && b.ID < a.ID:
		winner, other = b, a
	}

	m := *winner

	// Evidence-weighted confidence average: usage counts plus one stand in
	// for evidence so fresh patterns still contribute.
	wa := float64(a.UsageCount + 1)
	wb := float64(b.UsageCount + 1)
	m.Confidence = (a.Confidence*wa + b.Confidence*wb) / (wa + wb)

	m.UsageCount = a.UsageCount + b.UsageCount
	m.Namespaces = unionNamespaces(a.Namespaces, b.Namespaces)
	if other.CreatedAt.Before(m.CreatedAt) {
		m.CreatedAt = other.CreatedAt
	}
	if other.LastUsedAt.After(m.LastUsedAt) {
		m.LastUsedAt = other.LastUsedAt
	}
	// Core scope survives a merge in either direction.
	if a.Scope == ScopeCore || b.Scope == ScopeCore {
		m.Scope = ScopeCore
	}
	m.PruneFlagged = a.PruneFlagged && b.PruneFlagged

	return &m
}

func unionNamespaces(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	var out []string
	for _, ns := range append(append([]string{}, a...), b...) {
		if _, ok := seen[ns]; ok {
			continue
		}
		seen[ns] = struct{}{}
		out = append(out, ns)
	}
	sort.Strings(out)
	return out
}

// edgeConfidence maps a co-occurrence count to [0,1): 2 observations give
// 0.5, growing asymptotically with further evidence.
func edgeConfidence(count int) float64 {
	return float64(count) / float64(count+2)
}
