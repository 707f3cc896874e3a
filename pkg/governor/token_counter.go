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

// Package governor merges recent turns and candidate patterns into a
// bounded context payload, compressing to a target token budget within a
// measured quality floor and enforcing hard/soft ceilings.
package governor

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/engram-labs/engram/pkg/knowledge"
	"github.com/engram-labs/engram/pkg/memory"
)

// Per-item formatting overhead in token-equivalents.
const (
	turnOverheadTokens    = 10 // role + message framing
	patternOverheadTokens = 20 // title/body framing + metadata
)

// TokenCounter provides token counting for context budget management.
// Uses tiktoken with cl100k_base encoding (Claude-compatible approximation).
type TokenCounter struct {
	encoder *tiktoken.Tiktoken
	mu      sync.Mutex
}

var (
	globalTokenCounter *TokenCounter
	counterInitOnce    sync.Once
)

// GetTokenCounter returns a singleton token counter instance.
func GetTokenCounter() *TokenCounter {
	counterInitOnce.Do(func() {
		tkm, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			// Fallback: approximate counting if tiktoken fails
			globalTokenCounter = &TokenCounter{encoder: nil}
			return
		}
		globalTokenCounter = &TokenCounter{encoder: tkm}
	})
	return globalTokenCounter
}

// CountTokens returns the token count for a given text.
func (tc *TokenCounter) CountTokens(text string) int {
	if tc.encoder == nil {
		// Char-based estimation if the encoder is unavailable
		return len(text) / 4
	}

	tc.mu.Lock()
	defer tc.mu.Unlock()

	return len(tc.encoder.Encode(text, nil, nil))
}

// TurnTokens estimates the cost of one turn including framing overhead.
func (tc *TokenCounter) TurnTokens(t memory.Turn) int {
	return turnOverheadTokens + tc.CountTokens(t.Content)
}

// PatternTokens estimates the cost of one pattern including framing overhead.
func (tc *TokenCounter) PatternTokens(p knowledge.Pattern) int {
	return patternOverheadTokens + tc.CountTokens(p.Title) + tc.CountTokens(p.Body)
}

// EstimateTurnsTokens estimates the cost of a slice of turns.
func (tc *TokenCounter) EstimateTurnsTokens(turns []memory.Turn) int {
	total := 0
	for _, t := range turns {
		total += tc.TurnTokens(t)
	}
	return total
}

// EstimatePatternsTokens estimates the cost of a slice of patterns.
func (tc *TokenCounter) EstimatePatternsTokens(patterns []knowledge.Pattern) int {
	total := 0
	for _, p := range patterns {
		total += tc.PatternTokens(p)
	}
	return total
}
