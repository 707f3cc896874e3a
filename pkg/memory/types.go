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

// Package memory implements the Tier 1 conversation ledger: an append-only
// conversation store bounded to the N most recently closed conversations via
// FIFO eviction, with an optional SQLite-backed persistence layer.
package memory

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"time"
)

// CloseReason records why a conversation was closed.
type CloseReason string

const (
	// CloseIdleTimeout means the conversation exceeded the idle threshold.
	CloseIdleTimeout CloseReason = "idle_timeout"
	// CloseExplicitBoundary means the caller signalled an explicit boundary.
	CloseExplicitBoundary CloseReason = "explicit_boundary"
)

// Turn is one role-tagged message within a conversation.
// Turns are owned by their conversation and never exist independently.
type Turn struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Conversation is an ordered sequence of turns sharing a session identity.
// At most one conversation is open at a time; the ledger owns the lifecycle.
type Conversation struct {
	ID          string      `json:"id"`
	Turns       []Turn      `json:"turns"`
	StartedAt   time.Time   `json:"started_at"`
	ClosedAt    time.Time   `json:"closed_at,omitempty"`
	Open        bool        `json:"open"`
	CloseReason CloseReason `json:"close_reason,omitempty"`

	// Entities holds identifier references extracted from turn content
	// (file paths, dotted names, snake_case symbols). Maintained on append.
	Entities []string `json:"entities,omitempty"`
}

// LastActivity returns the timestamp of the most recent turn, or the
// conversation start time if no turns have been appended.
func (c *Conversation) LastActivity() time.Time {
	if len(c.Turns) == 0 {
		return c.StartedAt
	}
	return c.Turns[len(c.Turns)-1].Timestamp
}

// clone returns a deep copy so readers never observe a partial write.
func (c *Conversation) clone() *Conversation {
	cp := *c
	cp.Turns = append([]Turn(nil), c.Turns...)
	cp.Entities = append([]string(nil), c.Entities...)
	return &cp
}

// Sentinel errors wrapped by LedgerError.
var (
	// ErrNotFound indicates the conversation id is unknown to the ledger.
	ErrNotFound = errors.New("conversation not found")
	// ErrClosed indicates an append to an already-closed conversation.
	ErrClosed = errors.New("conversation is closed")
	// ErrAlreadyOpen indicates OpenConversation was called while another
	// conversation is still open.
	ErrAlreadyOpen = errors.New("another conversation is already open")
)

// LedgerError describes a failed ledger operation. It wraps one of the
// sentinel errors above so callers can branch with errors.Is.
type LedgerError struct {
	Op  string // operation, e.g. "append_turn"
	ID  string // conversation id, if known
	Err error
}

func (e *LedgerError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("ledger: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("ledger: %s %s: %v", e.Op, e.ID, e.Err)
}

func (e *LedgerError) Unwrap() error { return e.Err }

// identifierPattern matches code-ish identifiers worth tracking as entity
// references: dotted paths (pkg.Func), snake_case names, and file paths.
var identifierPattern = regexp.MustCompile(`\b[A-Za-z_][A-Za-z0-9_]*(?:[./][A-Za-z0-9_]+)+\b|\b[a-z]+_[a-z0-9_]+\b`)

// ExtractIdentifiers returns the distinct identifier-like tokens in text,
// sorted for deterministic output.
func ExtractIdentifiers(text string) []string {
	matches := identifierPattern.FindAllString(text, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(matches))
	var out []string
	for _, m := range matches {
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}
