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

// Package knowledge implements the Tier 2 durable pattern store: upsert with
// near-duplicate merging, namespace-weighted text search, wall-clock
// confidence decay, consolidation, and pruning.
package knowledge

import (
	"fmt"
	"math"
	"time"
)

// Scope partitions patterns as globally applicable vs consumer-specific.
type Scope string

const (
	// ScopeCore marks globally applicable patterns. Core patterns are
	// protected from pruning so they outlive any single idle consumer.
	ScopeCore Scope = "core"
	// ScopeNamespace marks patterns specific to one or more consumers.
	ScopeNamespace Scope = "namespace"
)

// Pattern is a distilled, confidence-scored unit of reusable knowledge.
type Pattern struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	Body       string    `json:"body"`
	Scope      Scope     `json:"scope"`
	Namespaces []string  `json:"namespaces,omitempty"`
	Confidence float64   `json:"confidence"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at"`
	UsageCount int       `json:"usage_count"`

	// PruneFlagged is set by DecayTick once a pattern has been unused past
	// the final checkpoint, and cleared by MarkUsed. It is advisory: Prune
	// recomputes staleness from LastUsedAt rather than trusting the flag,
	// so a pattern is removable even if no decay tick ran since it went
	// stale.
	PruneFlagged bool `json:"prune_flagged,omitempty"`
}

// Edge is a weighted co-occurrence link between two identifiers,
// keyed (Subject, Object). Same decay/prune lifecycle as Pattern.
type Edge struct {
	Subject           string    `json:"subject"`
	Object            string    `json:"object"`
	CoOccurrenceCount int       `json:"co_occurrence_count"`
	Confidence        float64   `json:"confidence"`
	CreatedAt         time.Time `json:"created_at"`
	LastUsedAt        time.Time `json:"last_used_at"`
}

// ScoredPattern is a search result with its combined relevance score
// (text relevance × namespace weight); higher is better.
type ScoredPattern struct {
	Pattern Pattern
	Score   float64
}

// ValidationError rejects a malformed pattern before persistence.
// The store is left unchanged; fixing the input makes the upsert retryable.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid pattern: %s %s", e.Field, e.Reason)
}

// validate checks the structural invariants enforced at upsert.
func (p *Pattern) validate() error {
	if p.Body == "" {
		return &ValidationError{Field: "body", Reason: "must not be empty"}
	}
	if math.IsNaN(p.Confidence) || p.Confidence < 0 || p.Confidence > 1 {
		return &ValidationError{Field: "confidence", Reason: fmt.Sprintf("%v outside [0,1]", p.Confidence)}
	}
	return nil
}

// hasNamespace reports whether the pattern carries the given namespace label.
func (p *Pattern) hasNamespace(ns string) bool {
	for _, n := range p.Namespaces {
		if n == ns {
			return true
		}
	}
	return false
}
