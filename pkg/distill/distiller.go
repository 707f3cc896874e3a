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

// Package distill converts a conversation about to be evicted into candidate
// knowledge patterns before its raw content is discarded. Distillation is a
// pure function: it proposes candidates and leaves persistence to the caller.
package distill

import (
	"context"
	"fmt"
	"strings"

	"github.com/engram-labs/engram/pkg/memory"
)

// MinEvidence is the minimum evidence count for a candidate to be proposed.
// Candidates below it are dropped, not stored.
const MinEvidence = 2

// maxPhraseWords bounds how much of a request phrase is used as a
// recurrence key, so trailing detail doesn't defeat matching.
const maxPhraseWords = 8

// Candidate is a proposed phrase/outcome knowledge pattern.
type Candidate struct {
	// Title is the recurring request phrase.
	Title string
	// Body describes the consistent downstream outcome.
	Body string
	// Namespaces the candidate should be scoped to.
	Namespaces []string
	// Confidence is seeded from extraction certainty (evidence count).
	Confidence float64
	// Evidence is the number of distinct conversations supporting the candidate.
	Evidence int
}

// EdgeCandidate is a proposed relationship edge between two identifiers that
// were co-referenced within one conversation.
type EdgeCandidate struct {
	Subject      string
	Object       string
	CoOccurrence int
}

// Result holds the candidates distilled from one conversation.
type Result struct {
	Patterns []Candidate
	Edges    []EdgeCandidate
}

// Distill extracts pattern and edge candidates from conv, using history (the
// remaining closed conversations) for cross-conversation recurrence checks.
// The namespace, when non-empty, scopes every proposed candidate.
//
// Distill respects the context deadline: on expiry it returns the partial
// result gathered so far along with ctx.Err(), so a bounded-time caller can
// persist what it got and evict anyway.
func Distill(ctx context.Context, conv *memory.Conversation, history []*memory.Conversation, namespace string) (Result, error) {
	var res Result
	if conv == nil || len(conv.Turns) == 0 {
		return res, nil
	}

	var namespaces []string
	if namespace != "" {
		namespaces = []string{namespace}
	}

	// Phrase -> outcome associations within the evicted conversation.
	outcomes := phraseOutcomes(conv)

	for phrase, outcome := range outcomes {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		// Evidence: distinct conversations (including the evicted one)
		// where the phrase recurs with a consistent outcome.
		evidence := 1
		consistent := true
		for _, h := range history {
			other := phraseOutcomes(h)
			o, ok := other[phrase]
			if !ok {
				continue
			}
			if o.action != outcome.action {
				consistent = false
				break
			}
			evidence++
		}

		if !consistent || evidence < MinEvidence {
			continue
		}

		res.Patterns = append(res.Patterns, Candidate{
			Title:      phrase,
			Body:       fmt.Sprintf("When asked %q, the outcome was: %s", phrase, outcome.body),
			Namespaces: namespaces,
			Confidence: seedConfidence(evidence),
			Evidence:   evidence,
		})
	}

	// Co-referenced identifiers within the evicted conversation.
	edges, err := coOccurrenceEdges(ctx, conv)
	res.Edges = edges
	if err != nil {
		return res, err
	}

	return res, nil
}

// outcome is the downstream action observed after a request phrase.
type outcome struct {
	// action is the normalized leading clause, used for consistency checks.
	action string
	// body is the fuller outcome text carried into the candidate.
	body string
}

// phraseOutcomes maps each normalized user request phrase in a conversation
// to the outcome of the assistant turn that followed it. A phrase that
// appears with conflicting outcomes inside one conversation is dropped.
func phraseOutcomes(conv *memory.Conversation) map[string]outcome {
	out := make(map[string]outcome)
	conflicted := make(map[string]bool)

	for i, t := range conv.Turns {
		if t.Role != "user" {
			continue
		}
		phrase := NormalizePhrase(t.Content)
		if phrase == "" || conflicted[phrase] {
			continue
		}

		// The downstream action is the next assistant turn.
		var follow string
		for j := i + 1; j < len(conv.Turns); j++ {
			if conv.Turns[j].Role == "assistant" {
				follow = conv.Turns[j].Content
				break
			}
		}
		if follow == "" {
			continue
		}

		lead := firstSentence(follow)
		o := outcome{action: NormalizePhrase(lead), body: lead}
		if prev, ok := out[phrase]; ok && prev.action != o.action {
			conflicted[phrase] = true
			delete(out, phrase)
			continue
		}
		out[phrase] = o
	}

	return out
}

// coOccurrenceEdges proposes an edge for every pair of identifiers that
// appear together in at least MinEvidence turns of the conversation.
type idPair struct{ a, b string }

func coOccurrenceEdges(ctx context.Context, conv *memory.Conversation) ([]EdgeCandidate, error) {
	counts := make(map[idPair]int)

	for _, t := range conv.Turns {
		if err := ctx.Err(); err != nil {
			return edgesFromCounts(counts), err
		}
		ids := memory.ExtractIdentifiers(t.Content)
		for i := 0; i < len(ids); i++ {
			for j := i + 1; j < len(ids); j++ {
				// ExtractIdentifiers returns sorted output, so the pair
				// key is already canonical.
				counts[idPair{ids[i], ids[j]}]++
			}
		}
	}

	return edgesFromCounts(counts), nil
}

func edgesFromCounts(counts map[idPair]int) []EdgeCandidate {
	var edges []EdgeCandidate
	for p, n := range counts {
		if n < MinEvidence {
			continue
		}
		edges = append(edges, EdgeCandidate{Subject: p.a, Object: p.b, CoOccurrence: n})
	}
	return edges
}

// seedConfidence maps evidence count to an initial confidence. Two
// supporting conversations seed at 0.6; each additional one adds 0.1,
// capped at 0.9 so only direct observation seeds higher.
func seedConfidence(evidence int) float64 {
	c := 0.4 + 0.1*float64(evidence)
	if c > 0.9 {
		c = 0.9
	}
	return c
}

// NormalizePhrase lowercases, strips punctuation, collapses whitespace, and
// truncates to the first few words so near-identical requests share a key.
func NormalizePhrase(text string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(text) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '_' || r == '.' || r == '/':
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}
	words := strings.Fields(b.String())
	if len(words) > maxPhraseWords {
		words = words[:maxPhraseWords]
	}
	return strings.Join(words, " ")
}

// firstSentence returns the leading sentence of text, capped at 200 runes.
func firstSentence(text string) string {
	text = strings.TrimSpace(text)
	for i, r := range text {
		if r == '.' || r == '!' || r == '?' || r == '\n' {
			text = text[:i]
			break
		}
	}
	runes := []rune(text)
	if len(runes) > 200 {
		text = string(runes[:200]) + "..."
	}
	return text
}
