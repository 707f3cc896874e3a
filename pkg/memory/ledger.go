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
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sahilm/fuzzy"
	"go.uber.org/zap"
)

const (
	// DefaultCapacity is the maximum number of closed conversations retained.
	DefaultCapacity = 20
	// DefaultIdleTimeout closes the open conversation after this much inactivity.
	DefaultIdleTimeout = 30 * time.Minute
	// DefaultDistillTimeout bounds how long eviction waits for distillation.
	DefaultDistillTimeout = 5 * time.Second
)

// EvictionHook is invoked synchronously for a conversation about to be
// evicted, before its raw content is discarded. The hook receives the evicted
// conversation and a snapshot of the remaining closed history (for
// cross-conversation recurrence checks). Hook errors are logged, never
// retried; the eviction proceeds regardless.
type EvictionHook func(ctx context.Context, evicted *Conversation, history []*Conversation) error

// LedgerOptions configures a Ledger. The zero value gets defaults.
type LedgerOptions struct {
	// Capacity is the maximum number of closed conversations (default 20).
	Capacity int
	// IdleTimeout is the inactivity threshold for CloseIdle (default 30m).
	IdleTimeout time.Duration
	// DistillTimeout bounds the eviction hook (default 5s).
	DistillTimeout time.Duration
	// Store enables SQLite persistence (optional).
	Store *ConversationStore
	// OnEvict is called for each evicted conversation (optional).
	OnEvict EvictionHook
	// Logger for eviction and persistence diagnostics (optional).
	Logger *zap.Logger
}

// LedgerStats reports ledger counters.
type LedgerStats struct {
	OpenConversations   int
	ClosedConversations int
	Evictions           uint64
	DistillFailures     uint64
}

// Ledger is the bounded Tier 1 conversation store. It holds at most one open
// conversation plus Capacity closed ones; closing past capacity synchronously
// distills and deletes the oldest closed conversation, so the closed count
// never transiently exceeds Capacity+1.
//
// All mutations are serialized on one mutex (single-writer discipline);
// readers observe either the pre- or post-write state, never a partial one.
type Ledger struct {
	mu             sync.RWMutex
	capacity       int
	idleTimeout    time.Duration
	distillTimeout time.Duration

	open   *Conversation
	closed []*Conversation // FIFO: oldest closed first

	store   *ConversationStore
	onEvict EvictionHook
	logger  *zap.Logger

	evictions       uint64
	distillFailures uint64
}

// NewLedger creates a conversation ledger. If a store is configured, closed
// conversations are loaded from disk; any surplus beyond capacity is evicted
// (oldest first) through the eviction hook to restore the size invariant.
func NewLedger(opts LedgerOptions) (*Ledger, error) {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.DistillTimeout <= 0 {
		opts.DistillTimeout = DefaultDistillTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	l := &Ledger{
		capacity:       opts.Capacity,
		idleTimeout:    opts.IdleTimeout,
		distillTimeout: opts.DistillTimeout,
		store:          opts.Store,
		onEvict:        opts.OnEvict,
		logger:         opts.Logger,
	}

	if l.store != nil {
		closed, err := l.store.LoadClosed(context.Background(), 0)
		if err != nil {
			return nil, err
		}
		l.closed = closed
		for len(l.closed) > l.capacity {
			evicted, history := l.popOldestLocked()
			l.finishEviction(context.Background(), evicted, history)
		}
	}

	return l, nil
}

// OpenConversation starts a new conversation and returns its id.
// At most one conversation may be open at a time.
func (l *Ledger) OpenConversation() (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.open != nil {
		return "", &LedgerError{Op: "open_conversation", ID: l.open.ID, Err: ErrAlreadyOpen}
	}

	conv := &Conversation{
		ID:        uuid.NewString(),
		StartedAt: time.Now(),
		Open:      true,
	}
	l.open = conv

	if l.store != nil {
		if err := l.store.SaveConversation(context.Background(), conv); err != nil {
			// Conversation exists in memory; persistence catches up on close.
			l.logger.Warn("failed to persist new conversation", zap.String("conversation_id", conv.ID), zap.Error(err))
		}
	}

	return conv.ID, nil
}

// AppendTurn appends a turn to the open conversation. Appending to a closed
// or unknown conversation is surfaced as a LedgerError, never silently
// dropped.
func (l *Ledger) AppendTurn(ctx context.Context, id, role, content string, ts time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.open == nil || l.open.ID != id {
		if l.findClosedLocked(id) != nil {
			return &LedgerError{Op: "append_turn", ID: id, Err: ErrClosed}
		}
		return &LedgerError{Op: "append_turn", ID: id, Err: ErrNotFound}
	}

	if ts.IsZero() {
		ts = time.Now()
	}
	turn := Turn{Role: role, Content: content, Timestamp: ts}
	l.open.Turns = append(l.open.Turns, turn)
	l.open.Entities = mergeEntities(l.open.Entities, ExtractIdentifiers(content))

	if l.store != nil {
		if err := l.store.AppendTurn(ctx, id, turn); err != nil {
			return &LedgerError{Op: "append_turn", ID: id, Err: err}
		}
	}

	return nil
}

// Close closes the open conversation with the given reason. If the ledger now
// holds more than Capacity closed conversations, exactly the oldest closed
// one is distilled and deleted before Close returns.
func (l *Ledger) Close(ctx context.Context, id string, reason CloseReason) error {
	l.mu.Lock()

	if l.open == nil || l.open.ID != id {
		defer l.mu.Unlock()
		if l.findClosedLocked(id) != nil {
			return &LedgerError{Op: "close", ID: id, Err: ErrClosed}
		}
		return &LedgerError{Op: "close", ID: id, Err: ErrNotFound}
	}

	conv := l.open
	conv.Open = false
	conv.ClosedAt = time.Now()
	conv.CloseReason = reason
	l.open = nil
	l.closed = append(l.closed, conv)

	if l.store != nil {
		if err := l.store.SaveConversation(ctx, conv); err != nil {
			l.logger.Warn("failed to persist conversation close", zap.String("conversation_id", id), zap.Error(err))
		}
	}

	// Pop the surplus conversation inside the same critical section so the
	// closed count never transiently exceeds capacity from a reader's point
	// of view, then run the hook after releasing the lock: readers must not
	// stall behind a distillation that can take up to DistillTimeout.
	var evicted *Conversation
	var history []*Conversation
	if len(l.closed) > l.capacity {
		evicted, history = l.popOldestLocked()
	}
	l.mu.Unlock()

	if evicted != nil {
		l.finishEviction(ctx, evicted, history)
	}
	return nil
}

// CloseIdle closes the open conversation if it has been idle past the
// configured threshold. Returns the closed conversation id, or "" if nothing
// was closed.
func (l *Ledger) CloseIdle(ctx context.Context, now time.Time) (string, error) {
	l.mu.RLock()
	var id string
	if l.open != nil && now.Sub(l.open.LastActivity()) >= l.idleTimeout {
		id = l.open.ID
	}
	l.mu.RUnlock()

	if id == "" {
		return "", nil
	}
	if err := l.Close(ctx, id, CloseIdleTimeout); err != nil {
		return "", err
	}
	return id, nil
}

// popOldestLocked removes the oldest closed conversation and snapshots the
// remaining history for the eviction hook. Caller must hold l.mu or own the
// ledger exclusively (construction). Popping with nothing closed is a no-op.
func (l *Ledger) popOldestLocked() (*Conversation, []*Conversation) {
	if len(l.closed) == 0 {
		return nil, nil
	}

	evicted := l.closed[0]
	l.closed = l.closed[1:]
	l.evictions++

	var history []*Conversation
	if l.onEvict != nil {
		history = make([]*Conversation, len(l.closed))
		for i, c := range l.closed {
			history[i] = c.clone()
		}
	}
	return evicted, history
}

// finishEviction runs the eviction hook under a bounded deadline and deletes
// the persisted rows. Runs without holding l.mu; the conversation was
// already popped, so readers see a consistent ledger throughout.
func (l *Ledger) finishEviction(ctx context.Context, evicted *Conversation, history []*Conversation) {
	if l.onEvict != nil {
		hookCtx, cancel := context.WithTimeout(ctx, l.distillTimeout)
		err := l.onEvict(hookCtx, evicted.clone(), history)
		cancel()
		if err != nil {
			l.mu.Lock()
			l.distillFailures++
			l.mu.Unlock()
			l.logger.Warn("eviction hook failed; evicting anyway",
				zap.String("conversation_id", evicted.ID),
				zap.Error(err))
		}
	}

	if l.store != nil {
		if err := l.store.DeleteConversation(ctx, evicted.ID); err != nil {
			l.logger.Error("failed to delete evicted conversation",
				zap.String("conversation_id", evicted.ID),
				zap.Error(err))
		}
	}

	l.logger.Debug("evicted conversation", zap.String("conversation_id", evicted.ID))
}

// GetRecent returns the last k turns of a conversation, newest last.
// Unknown ids yield an empty slice.
func (l *Ledger) GetRecent(id string, k int) []Turn {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var conv *Conversation
	if l.open != nil && l.open.ID == id {
		conv = l.open
	} else {
		conv = l.findClosedLocked(id)
	}
	if conv == nil || k <= 0 {
		return []Turn{}
	}

	start := len(conv.Turns) - k
	if start < 0 {
		start = 0
	}
	return append([]Turn(nil), conv.Turns[start:]...)
}

// Search finds turns matching text across retained conversations. Closed
// conversations are searched through the store's FTS5 index when persistence
// is configured; the open conversation (and, without a store, the closed
// in-memory ones) is matched with fuzzy ranking. Results are merged
// most-relevant first; lower scores rank better.
func (l *Ledger) Search(ctx context.Context, text string, limit int) ([]TurnMatch, error) {
	if limit <= 0 {
		limit = 20
	}

	var matches []TurnMatch
	if l.store != nil {
		stored, err := l.store.SearchTurns(ctx, text, limit)
		if err != nil {
			return nil, err
		}
		matches = stored
	}

	l.mu.RLock()
	candidates := []*Conversation{}
	if l.open != nil {
		candidates = append(candidates, l.open)
	}
	if l.store == nil {
		candidates = append(candidates, l.closed...)
	}

	for _, conv := range candidates {
		contents := make([]string, len(conv.Turns))
		for i, t := range conv.Turns {
			contents[i] = t.Content
		}
		for _, m := range fuzzy.Find(text, contents) {
			matches = append(matches, TurnMatch{
				ConversationID: conv.ID,
				Turn:           conv.Turns[m.Index],
				// fuzzy scores are higher-is-better; negate so the
				// merged ordering stays lower-is-better like BM25.
				Score: -float64(m.Score),
			})
		}
	}
	l.mu.RUnlock()

	sortMatches(matches)
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// ListActive returns the ids of all retained conversations, the open one
// first, then closed ones oldest first.
func (l *Ledger) ListActive() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	ids := make([]string, 0, len(l.closed)+1)
	if l.open != nil {
		ids = append(ids, l.open.ID)
	}
	for _, c := range l.closed {
		ids = append(ids, c.ID)
	}
	return ids
}

// Get returns a copy of a retained conversation.
func (l *Ledger) Get(id string) (*Conversation, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.open != nil && l.open.ID == id {
		return l.open.clone(), true
	}
	if c := l.findClosedLocked(id); c != nil {
		return c.clone(), true
	}
	return nil, false
}

// Reset destroys all retained conversations, in memory and on disk.
// Evicted conversations are not distilled: reset is an explicit discard.
func (l *Ledger) Reset(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	all := append([]*Conversation(nil), l.closed...)
	if l.open != nil {
		all = append(all, l.open)
	}
	l.open = nil
	l.closed = nil

	if l.store != nil {
		for _, c := range all {
			if err := l.store.DeleteConversation(ctx, c.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// Stats returns current ledger counters.
func (l *Ledger) Stats() LedgerStats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	open := 0
	if l.open != nil {
		open = 1
	}
	return LedgerStats{
		OpenConversations:   open,
		ClosedConversations: len(l.closed),
		Evictions:           l.evictions,
		DistillFailures:     l.distillFailures,
	}
}

// findClosedLocked returns the closed conversation with the given id, or nil.
// Caller must hold l.mu.
func (l *Ledger) findClosedLocked(id string) *Conversation {
	for _, c := range l.closed {
		if c.ID == id {
			return c
		}
	}
	return nil
}

func mergeEntities(existing, incoming []string) []string {
	if len(incoming) == 0 {
		return existing
	}
	seen := make(map[string]struct{}, len(existing))
	for _, e := range existing {
		seen[e] = struct{}{}
	}
	for _, e := range incoming {
		if _, ok := seen[e]; !ok {
			seen[e] = struct{}{}
			existing = append(existing, e)
		}
	}
	return existing
}

func sortMatches(matches []TurnMatch) {
	// Insertion sort: result sets are small (bounded by limit).
	for i := 1; i < len(matches); i++ {
		for j := i; j > 0 && matches[j].Score < matches[j-1].Score; j-- {
			matches[j], matches[j-1] = matches[j-1], matches[j]
		}
	}
}
