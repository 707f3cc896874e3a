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
	"errors"
	"math"
	"testing"
	"time"
)

func newTestGraph(t *testing.T) (*Graph, *PatternStore) {
	t.Helper()
	store, err := NewPatternStore(":memory:", nil)
	if err != nil {
		t.Fatalf("NewPatternStore failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return NewGraph(store, GraphOptions{}), store
}

func TestUpsertInsertsNewPattern(t *testing.T) {
	g, store := newTestGraph(t)
	ctx := context.Background()

	id, err := g.Upsert(ctx, Pattern{
		Title:      "restart the ingest worker",
		Body:       "Run the restart script; it drains queues first.",
		Confidence: 0.6,
		Namespaces: []string{"infra"},
	})
	if err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if id == "" {
		t.Fatal("expected generated id")
	}

	p, err := store.LoadPattern(ctx, id)
	if err != nil {
		t.Fatalf("LoadPattern failed: %v", err)
	}
	if p.Scope != ScopeNamespace {
		t.Errorf("expected default scope %q, got %q", ScopeNamespace, p.Scope)
	}
	if p.CreatedAt.IsZero() || p.LastUsedAt.IsZero() {
		t.Error("timestamps not defaulted")
	}
}

func TestUpsertMergesSimilarPatterns(t *testing.T) {
	g, store := newTestGraph(t)
	ctx := context.Background()

	// Pattern A: confidence 0.8, namespace [proj-x], used 5 times.
	idA, err := g.Upsert(ctx, Pattern{
		ID:         "pat-a",
		Title:      "database connection pool exhaustion",
		Body:       "Raise the pool ceiling when the ingest workers spike.",
		Confidence: 0.8,
		Namespaces: []string{"proj-x"},
		UsageCount: 5,
		CreatedAt:  time.Now().Add(-48 * time.Hour),
	})
	if err != nil {
		t.Fatalf("Upsert A failed: %v", err)
	}

	// Pattern B: near-identical text, confidence 0.6, namespace [proj-y],
	// used once. Must merge into A, not insert.
	idB, err := g.Upsert(ctx, Pattern{
		ID:         "pat-b",
		Title:      "database connection pool exhaustion",
		Body:       "Raise the pool ceiling when the ingest workers spike again.",
		Confidence: 0.6,
		Namespaces: []string{"proj-y"},
		UsageCount: 1,
		CreatedAt:  time.Now(),
	})
	if err != nil {
		t.Fatalf("Upsert B failed: %v", err)
	}
	if idB != idA {
		t.Fatalf("expected merge into %s, got new id %s", idA, idB)
	}

	all, err := store.LoadAllPatterns(ctx)
	if err != nil {
		t.Fatalf("LoadAllPatterns failed: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected 1 pattern after merge, got %d", len(all))
	}

	m := all[0]
	// Evidence-weighted average: (0.8*6 + 0.6*2) / 8 = 0.75.
	if math.Abs(m.Confidence-0.75) > 1e-9 {
		t.Errorf("expected merged confidence 0.75, got %v", m.Confidence)
	}
	if m.UsageCount != 6 {
		t.Errorf("expected usage sum 6, got %d", m.UsageCount)
	}
	if len(m.Namespaces) != 2 || m.Namespaces[0] != "proj-x" || m.Namespaces[1] != "proj-y" {
		t.Errorf("expected namespace union [proj-x proj-y], got %v", m.Namespaces)
	}

	stats := g.Stats()
	if stats.Merges != 1 {
		t.Errorf("expected 1 merge recorded, got %d", stats.Merges)
	}
}

func TestUpsertValidationLeavesStoreUnchanged(t *testing.T) {
	g, store := newTestGraph(t)
	ctx := context.Background()

	cases := []Pattern{
		{Title: "no body", Confidence: 0.5},
		{Title: "bad confidence", Body: "text", Confidence: 1.5},
		{Title: "negative", Body: "text", Confidence: -0.1},
		{Title: "nan", Body: "text", Confidence: math.NaN()},
	}
	for _, p := range cases {
		_, err := g.Upsert(ctx, p)
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Errorf("pattern %q: expected ValidationError, got %v", p.Title, err)
		}
	}

	all, err := store.LoadAllPatterns(ctx)
	if err != nil {
		t.Fatalf("LoadAllPatterns failed: %v", err)
	}
	if len(all) != 0 {
		t.Errorf("rejected patterns reached the store: %d rows", len(all))
	}
	if got := g.Stats().ValidationRejects; got != uint64(len(cases)) {
		t.Errorf("expected %d validation rejects, got %d", len(cases), got)
	}
}

func TestSearchNamespaceWeighting(t *testing.T) {
	g, _ := newTestGraph(t)
	ctx := context.Background()

	seed := []Pattern{
		{ID: "p-ns", Title: "deployment rollback steps", Body: "Rollback with the pinned release tag.", Confidence: 0.5, Namespaces: []string{"proj-x"}},
		{ID: "p-core", Title: "deployment rollback caveats", Body: "Rollback always pauses the schedulers.", Confidence: 0.5, Scope: ScopeCore},
		{ID: "p-other", Title: "deployment rollback on proj-y", Body: "Rollback needs the proj-y migration freeze.", Confidence: 0.5, Namespaces: []string{"proj-y"}},
	}
	for _, p := range seed {
		if _, err := g.Upsert(ctx, p); err != nil {
			t.Fatalf("Upsert %s failed: %v", p.ID, err)
		}
	}

	results, err := g.Search(ctx, "deployment rollback", "proj-x", 10)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	// Exact namespace (2.0) > core scope (1.5) > other (0.5).
	if results[0].Pattern.ID != "p-ns" {
		t.Errorf("expected exact-namespace match first, got %s", results[0].Pattern.ID)
	}
	if results[1].Pattern.ID != "p-core" {
		t.Errorf("expected core-scope match second, got %s", results[1].Pattern.ID)
	}
	if results[2].Pattern.ID != "p-other" {
		t.Errorf("expected foreign-namespace match last, got %s", results[2].Pattern.ID)
	}
}

func TestMarkUsedBoostsAndResets(t *testing.T) {
	g, store := newTestGraph(t)
	ctx := context.Background()

	id, err := g.Upsert(ctx, Pattern{Title: "boost me", Body: "text", Confidence: 0.5})
	if err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	// Simulate a decayed, flagged pattern.
	p, _ := store.LoadPattern(ctx, id)
	p.PruneFlagged = true
	p.LastUsedAt = time.Now().Add(-100 * 24 * time.Hour)
	if err := store.SavePattern(ctx, p); err != nil {
		t.Fatalf("SavePattern failed: %v", err)
	}

	if err := g.MarkUsed(ctx, id); err != nil {
		t.Fatalf("MarkUsed failed: %v", err)
	}

	p, _ = store.LoadPattern(ctx, id)
	if math.Abs(p.Confidence-0.55) > 1e-9 {
		t.Errorf("expected confidence 0.55 after boost, got %v", p.Confidence)
	}
	if p.UsageCount != 1 {
		t.Errorf("expected usage count 1, got %d", p.UsageCount)
	}
	if p.PruneFlagged {
		t.Error("use must clear the prune flag")
	}
	if time.Since(p.LastUsedAt) > time.Minute {
		t.Error("use must reset the unused clock")
	}

	// The boost saturates at 1.0.
	p.Confidence = 0.98
	if err := store.SavePattern(ctx, p); err != nil {
		t.Fatalf("SavePattern failed: %v", err)
	}
	if err := g.MarkUsed(ctx, id); err != nil {
		t.Fatalf("MarkUsed failed: %v", err)
	}
	p, _ = store.LoadPattern(ctx, id)
	if p.Confidence != 1.0 {
		t.Errorf("expected confidence capped at 1.0, got %v", p.Confidence)
	}
}

func TestDecayTickCheckpoints(t *testing.T) {
	g, store := newTestGraph(t)
	ctx := context.Background()
	now := time.Now()

	seed := []struct {
		id       string
		daysIdle int
	}{
		{"fresh", 10},
		{"at-59", 59},
		{"at-61", 61},
		{"at-95", 95},
		{"at-130", 130},
	}
	for _, s := range seed {
		_, err := g.Upsert(ctx, Pattern{
			ID:         s.id,
			Title:      "pattern " + s.id,
			Body:       "body " + s.id,
			Confidence: 0.70,
			LastUsedAt: now.Add(-time.Duration(s.daysIdle) * 24 * time.Hour),
		})
		if err != nil {
			t.Fatalf("Upsert %s failed: %v", s.id, err)
		}
	}

	if err := g.DecayTick(ctx, now); err != nil {
		t.Fatalf("DecayTick failed: %v", err)
	}

	want := map[string]struct {
		confidence float64
		flagged    bool
	}{
		"fresh":  {0.70, false},
		"at-59":  {0.70, false}, // under the first checkpoint: untouched
		"at-61":  {0.65, false}, // first checkpoint: -0.05
		"at-95":  {0.60, false}, // second checkpoint: -0.10
		"at-130": {0.60, true},  // third checkpoint: -0.10 and flagged
	}
	for id, w := range want {
		p, err := store.LoadPattern(ctx, id)
		if err != nil {
			t.Fatalf("LoadPattern %s failed: %v", id, err)
		}
		if math.Abs(p.Confidence-w.confidence) > 1e-9 {
			t.Errorf("%s: expected confidence %v, got %v", id, w.confidence, p.Confidence)
		}
		if p.PruneFlagged != w.flagged {
			t.Errorf("%s: expected flagged=%v, got %v", id, w.flagged, p.PruneFlagged)
		}
	}
}

func TestDecayTickFloorsAtZero(t *testing.T) {
	g, store := newTestGraph(t)
	ctx := context.Background()
	now := time.Now()

	if _, err := g.Upsert(ctx, Pattern{
		ID: "tiny", Title: "t", Body: "b", Confidence: 0.03,
		LastUsedAt: now.Add(-200 * 24 * time.Hour),
	}); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	if err := g.DecayTick(ctx, now); err != nil {
		t.Fatalf("DecayTick failed: %v", err)
	}
	p, _ := store.LoadPattern(ctx, "tiny")
	if p.Confidence != 0 {
		t.Errorf("expected confidence floored at 0, got %v", p.Confidence)
	}
}

func TestPruneRequiresBothConditions(t *testing.T) {
	g, store := newTestGraph(t)
	ctx := context.Background()
	now := time.Now()

	seed := []Pattern{
		// Below floor and stale: pruned.
		{ID: "gone", Title: "a", Body: "b", Confidence: 0.30, LastUsedAt: now.Add(-130 * 24 * time.Hour), PruneFlagged: true},
		// Below floor but recently used: kept.
		{ID: "recent", Title: "c", Body: "d", Confidence: 0.30, LastUsedAt: now.Add(-10 * 24 * time.Hour)},
		// Stale but confident: kept.
		{ID: "confident", Title: "e", Body: "f", Confidence: 0.80, LastUsedAt: now.Add(-130 * 24 * time.Hour), PruneFlagged: true},
		// Core-scoped, stale, below floor, but above the protection line: kept.
		{ID: "core", Title: "g", Body: "h", Scope: ScopeCore, Confidence: 0.30, LastUsedAt: now.Add(-130 * 24 * time.Hour), PruneFlagged: true},
		// Core-scoped but collapsed below the protection line: pruned.
		{ID: "core-dead", Title: "i", Body: "j", Scope: ScopeCore, Confidence: 0.10, LastUsedAt: now.Add(-130 * 24 * time.Hour), PruneFlagged: true},
	}
	for _, p := range seed {
		if err := store.SavePattern(ctx, &p); err != nil {
			t.Fatalf("SavePattern %s failed: %v", p.ID, err)
		}
	}

	pruned, err := g.Prune(ctx, now)
	if err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if pruned != 2 {
		t.Errorf("expected 2 pruned, got %d", pruned)
	}

	for _, id := range []string{"recent", "confident", "core"} {
		if _, err := store.LoadPattern(ctx, id); err != nil {
			t.Errorf("%s should survive prune: %v", id, err)
		}
	}
	for _, id := range []string{"gone", "core-dead"} {
		if _, err := store.LoadPattern(ctx, id); err == nil {
			t.Errorf("%s should have been pruned", id)
		}
	}
}

func TestPruneRemovesDecayedEdges(t *testing.T) {
	g, store := newTestGraph(t)
	ctx := context.Background()
	now := time.Now()

	seed := []Edge{
		// Fully decayed and long stale: pruned.
		{Subject: "a.go", Object: "b.go", CoOccurrenceCount: 2, Confidence: 0.0, CreatedAt: now.Add(-300 * 24 * time.Hour), LastUsedAt: now.Add(-200 * 24 * time.Hour)},
		// Below floor but recently observed: kept.
		{Subject: "c.go", Object: "d.go", CoOccurrenceCount: 1, Confidence: 0.33, CreatedAt: now, LastUsedAt: now.Add(-5 * 24 * time.Hour)},
		// Stale but still confident: kept.
		{Subject: "e.go", Object: "f.go", CoOccurrenceCount: 20, Confidence: 0.90, CreatedAt: now.Add(-300 * 24 * time.Hour), LastUsedAt: now.Add(-200 * 24 * time.Hour)},
	}
	for i := range seed {
		if err := store.SaveEdge(ctx, &seed[i]); err != nil {
			t.Fatalf("SaveEdge %s->%s failed: %v", seed[i].Subject, seed[i].Object, err)
		}
	}

	pruned, err := g.Prune(ctx, now)
	if err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if pruned != 1 {
		t.Errorf("expected 1 pruned edge, got %d", pruned)
	}

	if _, err := store.LoadEdge(ctx, "a.go", "b.go"); err == nil {
		t.Error("decayed stale edge should have been pruned")
	}
	for _, pair := range [][2]string{{"c.go", "d.go"}, {"e.go", "f.go"}} {
		if _, err := store.LoadEdge(ctx, pair[0], pair[1]); err != nil {
			t.Errorf("edge %s->%s should survive prune: %v", pair[0], pair[1], err)
		}
	}
}

func TestConsolidateIsCommutative(t *testing.T) {
	ctx := context.Background()

	a := Pattern{
		ID: "aaa", Title: "retry storms after deploys",
		Body:       "Retry storms follow the Tuesday deploys until caches warm.",
		Confidence: 0.9, UsageCount: 3,
		CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	b := Pattern{
		ID: "bbb", Title: "retry storms after deploys",
		Body:       "Retry storms follow the Tuesday deploys until caches warm up.",
		Confidence: 0.5, UsageCount: 1,
		CreatedAt: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
	}

	run := func(first, second Pattern) Pattern {
		store, err := NewPatternStore(":memory:", nil)
		if err != nil {
			t.Fatalf("NewPatternStore failed: %v", err)
		}
		defer store.Close()
		g := NewGraph(store, GraphOptions{})

		for _, p := range []Pattern{first, second} {
			if err := store.SavePattern(ctx, &p); err != nil {
				t.Fatalf("SavePattern failed: %v", err)
			}
		}
		merges, err := g.Consolidate(ctx)
		if err != nil {
			t.Fatalf("Consolidate failed: %v", err)
		}
		if merges != 1 {
			t.Fatalf("expected 1 merge, got %d", merges)
		}
		all, err := store.LoadAllPatterns(ctx)
		if err != nil || len(all) != 1 {
			t.Fatalf("expected 1 survivor, got %d (err=%v)", len(all), err)
		}
		return *all[0]
	}

	ab := run(a, b)
	ba := run(b, a)

	if ab.ID != ba.ID {
		t.Errorf("survivor identity order-dependent: %s vs %s", ab.ID, ba.ID)
	}
	if math.Abs(ab.Confidence-ba.Confidence) > 1e-9 {
		t.Errorf("merged confidence order-dependent: %v vs %v", ab.Confidence, ba.Confidence)
	}
	if ab.UsageCount != ba.UsageCount {
		t.Errorf("usage order-dependent: %d vs %d", ab.UsageCount, ba.UsageCount)
	}
	// Higher usage wins identity; the union keeps the earliest creation.
	if ab.ID != "aaa" {
		t.Errorf("expected higher-usage pattern to keep identity, got %s", ab.ID)
	}
	if !ab.CreatedAt.Equal(a.CreatedAt) {
		t.Errorf("expected earliest CreatedAt kept, got %v", ab.CreatedAt)
	}
}

func TestConsolidateLeavesDistinctPatternsAlone(t *testing.T) {
	g, store := newTestGraph(t)
	ctx := context.Background()

	seed := []Pattern{
		{ID: "p1", Title: "ingest worker retries", Body: "Backoff settings for the ingest path.", Confidence: 0.7},
		{ID: "p2", Title: "billing export schedule", Body: "Exports run nightly at two.", Confidence: 0.7},
	}
	for _, p := range seed {
		if err := store.SavePattern(ctx, &p); err != nil {
			t.Fatalf("SavePattern failed: %v", err)
		}
	}

	merges, err := g.Consolidate(ctx)
	if err != nil {
		t.Fatalf("Consolidate failed: %v", err)
	}
	if merges != 0 {
		t.Errorf("expected no merges for distinct patterns, got %d", merges)
	}
}

func TestObserveEdgeAccumulates(t *testing.T) {
	g, store := newTestGraph(t)
	ctx := context.Background()

	if err := g.ObserveEdge(ctx, "pkg/ingest", "retry_limit", 2); err != nil {
		t.Fatalf("ObserveEdge failed: %v", err)
	}
	e, err := store.LoadEdge(ctx, "pkg/ingest", "retry_limit")
	if err != nil {
		t.Fatalf("LoadEdge failed: %v", err)
	}
	if e.CoOccurrenceCount != 2 {
		t.Errorf("expected count 2, got %d", e.CoOccurrenceCount)
	}
	if math.Abs(e.Confidence-0.5) > 1e-9 {
		t.Errorf("expected edge confidence 0.5 at count 2, got %v", e.Confidence)
	}

	if err := g.ObserveEdge(ctx, "pkg/ingest", "retry_limit", 2); err != nil {
		t.Fatalf("second ObserveEdge failed: %v", err)
	}
	e, _ = store.LoadEdge(ctx, "pkg/ingest", "retry_limit")
	if e.CoOccurrenceCount != 4 {
		t.Errorf("expected accumulated count 4, got %d", e.CoOccurrenceCount)
	}
	if e.Confidence <= 0.5 {
		t.Errorf("confidence should grow with evidence, got %v", e.Confidence)
	}
}
